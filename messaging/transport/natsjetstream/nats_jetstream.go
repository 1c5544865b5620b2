// Package natsjetstream 基于 NATS JetStream 的消息传输实现
//
// 每个消息类型对应 subject <SubjectPrefix><type> 与一个 durable queue consumer，
// 多个 sagad 实例共享同一 consumer 时按队列语义分摊投递。
package natsjetstream

import (
	"context"
	stdErrors "errors"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/nats-io/nats.go"

	"accesssaga/errors"
	"accesssaga/logging"
	"accesssaga/messaging"
)

// Config JetStream 传输配置
type Config struct {
	URL           string
	Stream        string
	SubjectPrefix string
	DurablePrefix string
	AckWait       time.Duration
	MaxAckPending int
	// MaxDeliver 单条消息最大投递次数（含首次），<=0 表示不限制
	MaxDeliver int
	// NakDelay 处理失败后请求重投的延迟
	NakDelay time.Duration
	// DuplicateWindow 服务端按 Nats-Msg-Id 去重的时间窗口
	DuplicateWindow time.Duration
	Logger          logging.Logger
	// Conn 外部管理的连接，Close 时不关闭
	Conn *nats.Conn

	Retention string // workqueue|limits|interest，默认 workqueue
	MaxBytes  int64
	Replicas  int
}

func (c *Config) applyDefaults() {
	if c.URL == "" {
		c.URL = nats.DefaultURL
	}
	if c.Stream == "" {
		c.Stream = "SAGA"
	}
	if c.SubjectPrefix == "" {
		c.SubjectPrefix = "bus."
	}
	if c.DurablePrefix == "" {
		c.DurablePrefix = "sagad-"
	}
	if c.AckWait <= 0 {
		c.AckWait = 30 * time.Second
	}
	if c.MaxAckPending <= 0 {
		c.MaxAckPending = 1024
	}
	if c.NakDelay <= 0 {
		c.NakDelay = time.Second
	}
	if c.DuplicateWindow <= 0 {
		c.DuplicateWindow = 2 * time.Minute
	}
	if c.Logger == nil {
		c.Logger = logging.ComponentLogger("transport.nats")
	}
}

// Transport 以 JetStream 实现 messaging.Transport
type Transport struct {
	cfg    Config
	logger logging.Logger

	mu       sync.RWMutex
	conn     *nats.Conn
	js       nats.JetStreamContext
	ownsConn bool
	running  bool
	handlers map[string][]messaging.IMessageHandler
	subs     map[string]*nats.Subscription

	redelivered  atomic.Int64
	deadLettered atomic.Int64
}

func NewTransport(cfg Config) *Transport {
	cfg.applyDefaults()
	return &Transport{
		cfg:      cfg,
		logger:   cfg.Logger,
		handlers: make(map[string][]messaging.IMessageHandler),
		subs:     make(map[string]*nats.Subscription),
	}
}

var errNotRunning = errors.NewError(errors.ErrCodeQueue, "nats transport is not running")

// Publish 发布消息，消息 ID 写入 Nats-Msg-Id 头交给服务端去重
func (t *Transport) Publish(ctx context.Context, message messaging.IMessage) error {
	t.mu.RLock()
	js, running := t.js, t.running
	t.mu.RUnlock()
	if !running || js == nil {
		return errNotRunning
	}
	out, err := newWireMsg(t.subjectName(message.GetType()), message)
	if err != nil {
		return err
	}
	if _, err := js.PublishMsg(out, nats.Context(ctx)); err != nil {
		return errors.WrapError(err, errors.ErrCodeQueue, "publish to jetstream").
			WithContext("subject", out.Subject).
			WithContext("message_id", message.GetID())
	}
	return nil
}

func (t *Transport) PublishAll(ctx context.Context, messages []messaging.IMessage) error {
	for _, m := range messages {
		if err := t.Publish(ctx, m); err != nil {
			return err
		}
	}
	return nil
}

// Subscribe 注册处理器；运行中时立即建立 consumer
func (t *Transport) Subscribe(messageType string, handler messaging.IMessageHandler) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.handlers[messageType] = append(t.handlers[messageType], handler)
	if !t.running {
		return nil
	}
	return t.subscribeLocked(messageType)
}

// Unsubscribe 移除处理器；某类型的最后一个处理器移除后排空其订阅
func (t *Transport) Unsubscribe(messageType string, handler messaging.IMessageHandler) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	hs := t.handlers[messageType]
	idx := -1
	for i, h := range hs {
		if h == handler {
			idx = i
			break
		}
	}
	if idx < 0 {
		return errors.NewErrorf(errors.ErrCodeNotFound, "no such handler for %s", messageType)
	}
	t.handlers[messageType] = append(hs[:idx:idx], hs[idx+1:]...)
	if len(t.handlers[messageType]) > 0 {
		return nil
	}
	delete(t.handlers, messageType)
	if sub, ok := t.subs[messageType]; ok {
		_ = sub.Drain()
		delete(t.subs, messageType)
	}
	return nil
}

// Start 建立连接，确保 stream 存在并为已注册的类型创建 consumer
func (t *Transport) Start(ctx context.Context) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.running {
		return errors.NewError(errors.ErrCodeConflict, "nats transport already running")
	}
	if err := t.connectLocked(); err != nil {
		return errors.WrapError(err, errors.ErrCodeQueue, "connect to nats").WithContext("url", t.cfg.URL)
	}
	if err := t.ensureStream(); err != nil {
		return errors.WrapError(err, errors.ErrCodeQueue, "ensure jetstream stream").WithContext("stream", t.cfg.Stream)
	}
	for mt := range t.handlers {
		if err := t.subscribeLocked(mt); err != nil {
			return err
		}
	}
	t.running = true
	t.logger.Info(ctx, "nats transport started",
		logging.String("stream", t.cfg.Stream),
		logging.Int("consumers", len(t.subs)))
	return nil
}

func (t *Transport) Close() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	for mt, sub := range t.subs {
		_ = sub.Drain()
		delete(t.subs, mt)
	}
	t.running = false
	if t.ownsConn && t.conn != nil {
		t.conn.Close()
	}
	t.conn, t.js, t.ownsConn = nil, nil, false
	return nil
}

func (t *Transport) Stats() messaging.TransportStats {
	t.mu.RLock()
	defer t.mu.RUnlock()
	stats := messaging.TransportStats{
		Running:      t.running,
		MessageTypes: make([]string, 0, len(t.handlers)),
		Redelivered:  t.redelivered.Load(),
		DeadLettered: t.deadLettered.Load(),
	}
	for mt, hs := range t.handlers {
		stats.MessageTypes = append(stats.MessageTypes, mt)
		stats.HandlerCount += len(hs)
	}
	return stats
}

func (t *Transport) connectLocked() error {
	if t.conn == nil {
		if t.cfg.Conn != nil {
			t.conn = t.cfg.Conn
		} else {
			conn, err := nats.Connect(t.cfg.URL, nats.Name("sagad"))
			if err != nil {
				return err
			}
			t.conn, t.ownsConn = conn, true
		}
	}
	js, err := t.conn.JetStream()
	if err != nil {
		return err
	}
	t.js = js
	return nil
}

func (t *Transport) ensureStream() error {
	_, err := t.js.StreamInfo(t.cfg.Stream)
	switch {
	case err == nil:
		return nil
	case stdErrors.Is(err, nats.ErrStreamNotFound):
		_, err = t.js.AddStream(t.streamConfig())
		return err
	default:
		return err
	}
}

func (t *Transport) streamConfig() *nats.StreamConfig {
	sc := &nats.StreamConfig{
		Name:              t.cfg.Stream,
		Subjects:          []string{t.cfg.SubjectPrefix + ">"},
		Retention:         retentionPolicy(t.cfg.Retention),
		MaxMsgsPerSubject: -1,
		Duplicates:        t.cfg.DuplicateWindow,
	}
	if t.cfg.MaxBytes > 0 {
		sc.MaxBytes = t.cfg.MaxBytes
	}
	if t.cfg.Replicas > 0 {
		sc.Replicas = t.cfg.Replicas
	}
	return sc
}

func retentionPolicy(name string) nats.RetentionPolicy {
	switch strings.ToLower(name) {
	case "limits":
		return nats.LimitsPolicy
	case "interest":
		return nats.InterestPolicy
	default:
		return nats.WorkQueuePolicy
	}
}

func (t *Transport) subscribeLocked(messageType string) error {
	if _, ok := t.subs[messageType]; ok {
		return nil
	}
	durable := t.cfg.DurablePrefix + durableName(messageType)
	opts := []nats.SubOpt{
		nats.ManualAck(),
		nats.Durable(durable),
		nats.AckWait(t.cfg.AckWait),
		nats.MaxAckPending(t.cfg.MaxAckPending),
	}
	if t.cfg.MaxDeliver > 0 {
		opts = append(opts, nats.MaxDeliver(t.cfg.MaxDeliver))
	}
	sub, err := t.js.QueueSubscribe(t.subjectName(messageType), durable, t.onMessage(messageType), opts...)
	if err != nil {
		return errors.WrapError(err, errors.ErrCodeQueue, "create jetstream consumer").
			WithContext("durable", durable)
	}
	t.subs[messageType] = sub
	return nil
}

// settlement 一次投递结束后对服务端的答复
type settlement int

const (
	settleAck settlement = iota
	settleNak
	settleTerm
)

// settle 决定答复：成功 Ack；失败且仍有投递预算 Nak；无法解码或预算耗尽 Term
func settle(decodeErr, handleErr error, delivered uint64, maxDeliver int) settlement {
	switch {
	case decodeErr != nil:
		return settleTerm
	case handleErr == nil:
		return settleAck
	case maxDeliver > 0 && delivered >= uint64(maxDeliver):
		return settleTerm
	default:
		return settleNak
	}
}

func (t *Transport) onMessage(defaultType string) nats.MsgHandler {
	return func(raw *nats.Msg) {
		ctx := context.Background()
		var delivered uint64 = 1
		if meta, err := raw.Metadata(); err == nil {
			delivered = meta.NumDelivered
		}

		msg, decodeErr := parseWireMsg(raw)
		var handleErr error
		if decodeErr == nil {
			if msg.Type == "" {
				msg.Type = defaultType
			}
			handleErr = t.dispatch(ctx, msg)
		}

		fields := []logging.Field{
			logging.String("subject", raw.Subject),
			logging.Int("delivered", int(delivered)),
		}
		if msg != nil {
			fields = append(fields, logging.String("message_id", msg.ID))
		}
		var ackErr error
		switch settle(decodeErr, handleErr, delivered, t.cfg.MaxDeliver) {
		case settleAck:
			ackErr = raw.Ack()
		case settleNak:
			t.redelivered.Add(1)
			t.logger.Warn(ctx, "nats handler failed, requesting redelivery", append(fields, logging.Error(handleErr))...)
			ackErr = raw.NakWithDelay(t.cfg.NakDelay)
		case settleTerm:
			t.deadLettered.Add(1)
			cause := decodeErr
			if cause == nil {
				cause = handleErr
			}
			t.logger.Error(ctx, "nats message dead-lettered", append(fields, logging.Error(cause))...)
			ackErr = raw.Term()
		}
		if ackErr != nil {
			t.logger.Warn(ctx, "nats settle failed", append(fields, logging.Error(ackErr))...)
		}
	}
}

func (t *Transport) dispatch(ctx context.Context, message messaging.IMessage) error {
	t.mu.RLock()
	hs := append([]messaging.IMessageHandler(nil), t.handlers[message.GetType()]...)
	t.mu.RUnlock()
	var errs []error
	for _, h := range hs {
		if err := h.Handle(ctx, message); err != nil {
			errs = append(errs, err)
		}
	}
	return stdErrors.Join(errs...)
}

func (t *Transport) subjectName(messageType string) string {
	return t.cfg.SubjectPrefix + messageType
}

// durableName consumer 名称不允许 . * > 与空白
func durableName(messageType string) string {
	return strings.Map(func(r rune) rune {
		switch r {
		case '.', '*', '>', ' ', '\t':
			return '_'
		}
		return r
	}, messageType)
}
