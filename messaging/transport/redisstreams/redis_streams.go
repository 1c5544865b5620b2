// Package redisstreams 基于 Redis Streams 消费组的消息传输实现
package redisstreams

import (
	"context"
	stdErrors "errors"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/puzpuzpuz/xsync/v3"
	"github.com/redis/go-redis/v9"

	apperrors "accesssaga/errors"
	"accesssaga/logging"
	"accesssaga/messaging"
)

// client 传输依赖的 go-redis 命令子集（便于测试替换）
type client interface {
	XAdd(ctx context.Context, a *redis.XAddArgs) *redis.StringCmd
	XReadGroup(ctx context.Context, a *redis.XReadGroupArgs) *redis.XStreamSliceCmd
	XAck(ctx context.Context, stream, group string, ids ...string) *redis.IntCmd
	XAutoClaim(ctx context.Context, a *redis.XAutoClaimArgs) *redis.XAutoClaimCmd
	XGroupCreateMkStream(ctx context.Context, stream, group, start string) *redis.StatusCmd
	Close() error
}

// Config Redis Streams 传输配置
type Config struct {
	Client       redis.UniversalClient
	Addr         string
	Username     string
	Password     string
	DB           int
	StreamPrefix string
	GroupName    string
	ConsumerName string
	BlockTimeout time.Duration
	ReadCount    int64
	// MaxLen 每个 stream 的近似长度上限，0 表示不裁剪
	MaxLen int64
	// HeaderKeys 提升为独立字段的元数据键，nil 时使用 DefaultHeaderKeys
	HeaderKeys []string
	Logger     logging.Logger

	// MaxDeliveries 条目处理失败达到该次数后移入 dead-letter stream 并确认，0 表示不限制
	MaxDeliveries int
	// DeadLetterPrefix dead-letter stream 前缀，默认 <StreamPrefix>dead:
	DeadLetterPrefix string

	// ClaimInterval 扫描未确认消息的间隔；ClaimMinIdle 为被视为需要重投的最小空闲时长
	ClaimInterval time.Duration
	ClaimMinIdle  time.Duration

	MinReadBackoff time.Duration // 读取错误最小退避，默认 100ms
	MaxReadBackoff time.Duration // 读取错误最大退避，默认 5s
}

// Transport 以 Redis Streams 消费组实现 messaging.Transport
//
// 处理成功才 XACK；失败的条目留在 PEL 中，由 XAUTOCLAIM 在空闲超时后重新认领并投递。
type Transport struct {
	cfg       Config
	codec     entryCodec
	client    client
	ownClient bool
	logger    logging.Logger

	handlers      map[string][]messaging.IMessageHandler
	subscriptions map[string]bool

	mu      sync.RWMutex
	running bool
	ctx     context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup

	// attempts 本消费者对每个条目的失败次数，键为 stream/entryID
	attempts *xsync.MapOf[string, int]

	redelivered  atomic.Int64
	deadLettered atomic.Int64
}

// NewTransport 创建 Redis Streams 传输
func NewTransport(cfg Config) (*Transport, error) {
	if cfg.StreamPrefix == "" {
		cfg.StreamPrefix = "bus:"
	}
	if cfg.GroupName == "" {
		cfg.GroupName = "sagad"
	}
	if cfg.ConsumerName == "" {
		cfg.ConsumerName = "consumer-" + uuid.NewString()
	}
	if cfg.BlockTimeout <= 0 {
		cfg.BlockTimeout = 5 * time.Second
	}
	if cfg.ReadCount <= 0 {
		cfg.ReadCount = 10
	}
	if cfg.ClaimInterval <= 0 {
		cfg.ClaimInterval = 10 * time.Second
	}
	if cfg.ClaimMinIdle <= 0 {
		cfg.ClaimMinIdle = 30 * time.Second
	}
	if cfg.MinReadBackoff <= 0 {
		cfg.MinReadBackoff = 100 * time.Millisecond
	}
	if cfg.MaxReadBackoff <= 0 {
		cfg.MaxReadBackoff = 5 * time.Second
	}
	if cfg.Logger == nil {
		cfg.Logger = logging.ComponentLogger("transport.redisstreams")
	}
	if cfg.HeaderKeys == nil {
		cfg.HeaderKeys = DefaultHeaderKeys
	}
	if cfg.DeadLetterPrefix == "" {
		cfg.DeadLetterPrefix = cfg.StreamPrefix + "dead:"
	}

	var cl client
	own := false
	if cfg.Client != nil {
		cl = cfg.Client
	} else {
		if cfg.Addr == "" {
			return nil, apperrors.NewError(apperrors.ErrCodeValidation, "redis address not configured")
		}
		cl = redis.NewClient(&redis.Options{Addr: cfg.Addr, Username: cfg.Username, Password: cfg.Password, DB: cfg.DB})
		own = true
	}
	return newWithClient(cfg, cl, own), nil
}

func newWithClient(cfg Config, cl client, own bool) *Transport {
	return &Transport{
		cfg:           cfg,
		codec:         newEntryCodec(cfg.HeaderKeys),
		client:        cl,
		ownClient:     own,
		logger:        cfg.Logger,
		handlers:      make(map[string][]messaging.IMessageHandler),
		subscriptions: make(map[string]bool),
		attempts:      xsync.NewMapOf[string, int](),
	}
}

// Publish 写入消息对应的 stream
func (t *Transport) Publish(ctx context.Context, message messaging.IMessage) error {
	values, err := t.codec.encode(message)
	if err != nil {
		return err
	}
	args := &redis.XAddArgs{Stream: t.streamName(message.GetType()), Values: values}
	if t.cfg.MaxLen > 0 {
		args.MaxLen = t.cfg.MaxLen
		args.Approx = true
	}
	if err := t.client.XAdd(ctx, args).Err(); err != nil {
		return apperrors.WrapError(err, apperrors.ErrCodeQueue, "xadd").
			WithContext("stream", args.Stream).
			WithContext("message_id", message.GetID())
	}
	return nil
}

// PublishAll 逐条写入（Streams 不支持一次追加多个 stream）
func (t *Transport) PublishAll(ctx context.Context, messages []messaging.IMessage) error {
	for _, msg := range messages {
		if err := t.Publish(ctx, msg); err != nil {
			return err
		}
	}
	return nil
}

func (t *Transport) Subscribe(messageType string, handler messaging.IMessageHandler) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.handlers[messageType] = append(t.handlers[messageType], handler)
	if t.running {
		t.startReaderLocked(messageType)
	}
	return nil
}

func (t *Transport) Unsubscribe(messageType string, handler messaging.IMessageHandler) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	handlers := t.handlers[messageType]
	for i, h := range handlers {
		if h == handler {
			t.handlers[messageType] = append(handlers[:i:i], handlers[i+1:]...)
			break
		}
	}
	return nil
}

// Start 为每个消息类型启动读取协程与认领协程
func (t *Transport) Start(ctx context.Context) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.running {
		return apperrors.NewError(apperrors.ErrCodeConflict, "redis streams transport already running")
	}
	t.ctx, t.cancel = context.WithCancel(ctx)
	for mt := range t.handlers {
		t.startReaderLocked(mt)
	}
	t.running = true
	return nil
}

// Close 停止消费并在自有连接时关闭客户端
func (t *Transport) Close() error {
	t.mu.Lock()
	running := t.running
	t.running = false
	cancel := t.cancel
	t.subscriptions = make(map[string]bool)
	t.mu.Unlock()

	if running && cancel != nil {
		cancel()
		t.wg.Wait()
	}
	if t.ownClient {
		return t.client.Close()
	}
	return nil
}

func (t *Transport) Stats() messaging.TransportStats {
	t.mu.RLock()
	defer t.mu.RUnlock()
	handlerCount := 0
	types := make([]string, 0, len(t.handlers))
	for mt, hs := range t.handlers {
		handlerCount += len(hs)
		types = append(types, mt)
	}
	return messaging.TransportStats{
		Running:      t.running,
		HandlerCount: handlerCount,
		MessageTypes: types,
		Redelivered:  t.redelivered.Load(),
		DeadLettered: t.deadLettered.Load(),
	}
}

func (t *Transport) startReaderLocked(messageType string) {
	if t.subscriptions[messageType] {
		return
	}
	t.subscriptions[messageType] = true
	t.wg.Add(2)
	go t.readLoop(messageType)
	go t.claimLoop(messageType)
}

func (t *Transport) readLoop(messageType string) {
	defer t.wg.Done()
	stream := t.streamName(messageType)
	if err := t.ensureGroup(stream); err != nil {
		t.logger.Warn(t.ctx, "ensure group failed", logging.String("stream", stream), logging.Error(err))
	}
	args := &redis.XReadGroupArgs{
		Group:    t.cfg.GroupName,
		Consumer: t.cfg.ConsumerName,
		Streams:  []string{stream, ">"},
		Count:    t.cfg.ReadCount,
		Block:    t.cfg.BlockTimeout,
	}
	backoff := t.cfg.MinReadBackoff
	for {
		if t.ctx.Err() != nil {
			return
		}
		res, err := t.client.XReadGroup(t.ctx, args).Result()
		if err != nil {
			if stdErrors.Is(err, redis.Nil) {
				continue
			}
			if t.ctx.Err() != nil {
				return
			}
			t.logger.Warn(t.ctx, "xreadgroup failed", logging.Duration("backoff", backoff), logging.Error(err))
			select {
			case <-time.After(backoff):
			case <-t.ctx.Done():
				return
			}
			backoff = min(backoff*2, t.cfg.MaxReadBackoff)
			continue
		}
		backoff = t.cfg.MinReadBackoff
		for _, streamRes := range res {
			t.handleEntries(t.ctx, streamRes.Stream, streamRes.Messages)
		}
	}
}

// claimLoop 周期性认领空闲超时的未确认条目并重新投递
func (t *Transport) claimLoop(messageType string) {
	defer t.wg.Done()
	stream := t.streamName(messageType)
	ticker := time.NewTicker(t.cfg.ClaimInterval)
	defer ticker.Stop()
	for {
		select {
		case <-t.ctx.Done():
			return
		case <-ticker.C:
		}
		start := "0-0"
		for {
			msgs, next, err := t.client.XAutoClaim(t.ctx, &redis.XAutoClaimArgs{
				Stream:   stream,
				Group:    t.cfg.GroupName,
				Consumer: t.cfg.ConsumerName,
				MinIdle:  t.cfg.ClaimMinIdle,
				Start:    start,
				Count:    t.cfg.ReadCount,
			}).Result()
			if err != nil {
				if t.ctx.Err() == nil && !stdErrors.Is(err, redis.Nil) {
					t.logger.Warn(t.ctx, "xautoclaim failed", logging.String("stream", stream), logging.Error(err))
				}
				break
			}
			if len(msgs) > 0 {
				t.redelivered.Add(int64(len(msgs)))
				t.handleEntries(t.ctx, stream, msgs)
			}
			if next == "0-0" || next == "" || len(msgs) == 0 {
				break
			}
			start = next
		}
	}
}

// handleEntries 解码并分发条目
//
// 解码失败与重投次数耗尽的条目转入 dead-letter stream 后确认；
// 其余处理失败的条目留在 PEL 中等待认领。
func (t *Transport) handleEntries(ctx context.Context, stream string, entries []redis.XMessage) {
	for _, entry := range entries {
		key := stream + "/" + entry.ID
		msg, err := t.codec.decode(entry)
		if err != nil {
			t.deadLetter(ctx, stream, entry, err)
			continue
		}
		if err := t.dispatch(ctx, msg); err != nil {
			n, _ := t.attempts.Compute(key, func(old int, _ bool) (int, bool) { return old + 1, false })
			if t.cfg.MaxDeliveries > 0 && n >= t.cfg.MaxDeliveries {
				t.deadLetter(ctx, stream, entry, err)
				continue
			}
			t.logger.Warn(ctx, "redis stream handler failed, leaving entry pending",
				logging.String("entry_id", entry.ID),
				logging.String("message_id", msg.GetID()),
				logging.Int("attempt", n),
				logging.Error(err))
			continue
		}
		t.attempts.Delete(key)
		t.ack(ctx, stream, entry.ID)
	}
}

// deadLetter 原样复制条目到 dead-letter stream 并附上来源与原因，然后确认原条目
func (t *Transport) deadLetter(ctx context.Context, stream string, entry redis.XMessage, cause error) {
	t.attempts.Delete(stream + "/" + entry.ID)
	values := make(map[string]any, len(entry.Values)+3)
	for k, v := range entry.Values {
		values[k] = v
	}
	values["dead:source"] = stream
	values["dead:entry"] = entry.ID
	values["dead:error"] = cause.Error()

	target := t.cfg.DeadLetterPrefix + strings.TrimPrefix(stream, t.cfg.StreamPrefix)
	if err := t.client.XAdd(ctx, &redis.XAddArgs{Stream: target, Values: values}).Err(); err != nil {
		// 写入失败时不确认，条目留在 PEL 中下次再试
		t.logger.Error(ctx, "dead-letter write failed",
			logging.String("entry_id", entry.ID), logging.Error(err))
		return
	}
	t.deadLettered.Add(1)
	t.logger.Error(ctx, "redis stream entry dead-lettered",
		logging.String("stream", stream),
		logging.String("dead_letter_stream", target),
		logging.String("entry_id", entry.ID),
		logging.Error(cause))
	t.ack(ctx, stream, entry.ID)
}

func (t *Transport) ack(ctx context.Context, stream, id string) {
	if err := t.client.XAck(ctx, stream, t.cfg.GroupName, id).Err(); err != nil {
		t.logger.Warn(ctx, "xack failed", logging.String("entry_id", id), logging.Error(err))
	}
}

func (t *Transport) ensureGroup(stream string) error {
	err := t.client.XGroupCreateMkStream(t.ctx, stream, t.cfg.GroupName, "0").Err()
	if err == nil || strings.Contains(strings.ToUpper(err.Error()), "BUSYGROUP") {
		return nil
	}
	return err
}

func (t *Transport) dispatch(ctx context.Context, message messaging.IMessage) error {
	t.mu.RLock()
	handlers := append([]messaging.IMessageHandler(nil), t.handlers[message.GetType()]...)
	t.mu.RUnlock()

	var errs []error
	for _, h := range handlers {
		if err := h.Handle(ctx, message); err != nil {
			errs = append(errs, err)
		}
	}
	return stdErrors.Join(errs...)
}

func (t *Transport) streamName(messageType string) string {
	return t.cfg.StreamPrefix + messageType
}
