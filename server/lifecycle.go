package server

import (
	"context"
	"time"

	"accesssaga/logging"
)

// State 服务生命周期状态
type State int32

const (
	// StatePending 等待启动
	StatePending State = iota
	// StateInitializing 正在加载配置
	StateInitializing
	// StatePrepared 依赖已就绪，等待运行
	StatePrepared
	// StateRunning 服务正在运行
	StateRunning
	// StateStopping 正在执行优雅关闭
	StateStopping
	// StateStopped 服务已停止
	StateStopped
	// StateError 发生不可恢复的错误
	StateError
)

func (s State) String() string {
	switch s {
	case StatePending:
		return "pending"
	case StateInitializing:
		return "initializing"
	case StatePrepared:
		return "prepared"
	case StateRunning:
		return "running"
	case StateStopping:
		return "stopping"
	case StateStopped:
		return "stopped"
	case StateError:
		return "error"
	default:
		return "unknown"
	}
}

// Hook 生命周期回调，ctx 携带该阶段的超时
type Hook func(ctx context.Context) error

// Options 引擎配置
type Options struct {
	Name            string
	Version         string
	StartupTimeout  time.Duration
	ShutdownTimeout time.Duration
	Logger          logging.Logger

	OnBeforeStart []Hook
	OnAfterStart  []Hook
	OnBeforeStop  []Hook
	OnAfterStop   []Hook
}

type Option func(*Options)

// DefaultOptions 默认配置
func DefaultOptions() *Options {
	return &Options{
		Name:            "sagad",
		Version:         "dev",
		StartupTimeout:  30 * time.Second,
		ShutdownTimeout: 10 * time.Second,
	}
}

func WithName(name string) Option {
	return func(o *Options) { o.Name = name }
}

func WithVersion(version string) Option {
	return func(o *Options) { o.Version = version }
}

func WithLogger(logger logging.Logger) Option {
	return func(o *Options) { o.Logger = logger }
}

func WithStartupTimeout(t time.Duration) Option {
	return func(o *Options) { o.StartupTimeout = t }
}

func WithShutdownTimeout(t time.Duration) Option {
	return func(o *Options) { o.ShutdownTimeout = t }
}

// WithBeforeStart 在后台任务启动前执行，失败会中止启动
func WithBeforeStart(fn Hook) Option {
	return func(o *Options) { o.OnBeforeStart = append(o.OnBeforeStart, fn) }
}

// WithAfterStart 在主服务启动后执行，失败只记录告警
func WithAfterStart(fn Hook) Option {
	return func(o *Options) { o.OnAfterStart = append(o.OnAfterStart, fn) }
}

func WithBeforeStop(fn Hook) Option {
	return func(o *Options) { o.OnBeforeStop = append(o.OnBeforeStop, fn) }
}

func WithAfterStop(fn Hook) Option {
	return func(o *Options) { o.OnAfterStop = append(o.OnAfterStop, fn) }
}
