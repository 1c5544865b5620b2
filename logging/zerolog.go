package logging

import (
	"context"
	"io"
	"os"
	"time"

	"github.com/rs/zerolog"
)

func init() {
	zerolog.TimestampFieldName = "timestamp"
	zerolog.DurationFieldUnit = time.Millisecond
}

// Options zerolog 后端配置
type Options struct {
	Service string
	Level   Level
	// Writer 为空时输出到 os.Stderr
	Writer io.Writer
	// Console 使用人类可读格式（开发环境）
	Console bool
}

// ZerologLogger 基于 zerolog 的 Logger 实现
type ZerologLogger struct {
	logger zerolog.Logger
}

// NewZerologLogger 创建 JSON 结构化日志
func NewZerologLogger(opts Options) *ZerologLogger {
	w := opts.Writer
	if w == nil {
		w = os.Stderr
	}
	if opts.Console {
		w = zerolog.ConsoleWriter{Out: w, TimeFormat: time.RFC3339}
	}
	zctx := zerolog.New(w).Level(toZerologLevel(opts.Level)).With().Timestamp()
	if opts.Service != "" {
		zctx = zctx.Str("service", opts.Service)
	}
	return &ZerologLogger{logger: zctx.Logger()}
}

func (l *ZerologLogger) Debug(ctx context.Context, msg string, fields ...Field) {
	l.write(ctx, l.logger.Debug(), msg, fields)
}

func (l *ZerologLogger) Info(ctx context.Context, msg string, fields ...Field) {
	l.write(ctx, l.logger.Info(), msg, fields)
}

func (l *ZerologLogger) Warn(ctx context.Context, msg string, fields ...Field) {
	l.write(ctx, l.logger.Warn(), msg, fields)
}

func (l *ZerologLogger) Error(ctx context.Context, msg string, fields ...Field) {
	l.write(ctx, l.logger.Error(), msg, fields)
}

func (l *ZerologLogger) WithFields(fields ...Field) Logger {
	zctx := l.logger.With()
	for _, f := range fields {
		zctx = appendContext(zctx, f)
	}
	return &ZerologLogger{logger: zctx.Logger()}
}

func (l *ZerologLogger) write(ctx context.Context, ev *zerolog.Event, msg string, fields []Field) {
	if ev == nil {
		return
	}
	if ctx != nil {
		if id, ok := ctx.Value(correlationKey{}).(string); ok && id != "" {
			ev = ev.Str("correlation_id", id)
		}
	}
	for _, f := range fields {
		ev = appendEvent(ev, f)
	}
	ev.Msg(msg)
}

func appendEvent(ev *zerolog.Event, f Field) *zerolog.Event {
	switch v := f.Value.(type) {
	case string:
		return ev.Str(f.Key, v)
	case int:
		return ev.Int(f.Key, v)
	case int64:
		return ev.Int64(f.Key, v)
	case bool:
		return ev.Bool(f.Key, v)
	case time.Duration:
		return ev.Dur(f.Key, v)
	case error:
		if v == nil {
			return ev
		}
		return ev.AnErr(f.Key, v)
	default:
		return ev.Interface(f.Key, v)
	}
}

func appendContext(c zerolog.Context, f Field) zerolog.Context {
	switch v := f.Value.(type) {
	case string:
		return c.Str(f.Key, v)
	case int:
		return c.Int(f.Key, v)
	case int64:
		return c.Int64(f.Key, v)
	case bool:
		return c.Bool(f.Key, v)
	case time.Duration:
		return c.Dur(f.Key, v)
	case error:
		return c.AnErr(f.Key, v)
	default:
		return c.Interface(f.Key, v)
	}
}

func toZerologLevel(l Level) zerolog.Level {
	switch l {
	case DebugLevel:
		return zerolog.DebugLevel
	case WarnLevel:
		return zerolog.WarnLevel
	case ErrorLevel:
		return zerolog.ErrorLevel
	default:
		return zerolog.InfoLevel
	}
}

type correlationKey struct{}

// WithCorrelationID 将关联 ID 放入 Context，日志输出时自动携带
func WithCorrelationID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, correlationKey{}, id)
}

// CorrelationIDFromContext 读取关联 ID
func CorrelationIDFromContext(ctx context.Context) string {
	if ctx == nil {
		return ""
	}
	id, _ := ctx.Value(correlationKey{}).(string)
	return id
}
