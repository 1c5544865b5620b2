package channel

import (
	"context"

	"accesssaga/errors"
	"accesssaga/logging"
	"accesssaga/messaging"
	"accesssaga/patterns/retry"
	"accesssaga/saga"
)

// Destinations 逻辑目的地（即总线消息类型）
type Destinations struct {
	CommandPrefix      string `yaml:"command_prefix"`
	Compensation       string `yaml:"compensation"`
	Result             string `yaml:"result"`
	CompensationResult string `yaml:"compensation_result"`
}

// DefaultDestinations 默认目的地
func DefaultDestinations() Destinations {
	return Destinations{
		CommandPrefix:      "saga.command.",
		Compensation:       "saga.compensation",
		Result:             "saga.result",
		CompensationResult: "saga.compensation.result",
	}
}

// Command 步骤命令目的地：CommandPrefix + serviceTarget
func (d Destinations) Command(serviceTarget string) string {
	return d.CommandPrefix + serviceTarget
}

func (d Destinations) withDefaults() Destinations {
	def := DefaultDestinations()
	if d.CommandPrefix == "" {
		d.CommandPrefix = def.CommandPrefix
	}
	if d.Compensation == "" {
		d.Compensation = def.Compensation
	}
	if d.Result == "" {
		d.Result = def.Result
	}
	if d.CompensationResult == "" {
		d.CompensationResult = def.CompensationResult
	}
	return d
}

// ICommandHandler 协作服务一侧的命令处理器
type ICommandHandler interface {
	HandleStepCommand(ctx context.Context, cmd saga.StepCommand) error
	HandleCompensationCommand(ctx context.Context, cmd saga.CompensationCommand) error
}

// Options 通道配置
type Options struct {
	Destinations Destinations
	// Dedup 入站去重器，nil 表示只依赖编排器自身的幂等判断
	Dedup Deduplicator
	// PublishRetry 发布重试策略，零值使用 retry.DefaultConfig
	PublishRetry retry.Config
	Logger       logging.Logger
}

// BusChannel 基于 MessageBus 的 Saga 通道
//
// 出站：命令与结果编码为带 saga_kind 标签的总线消息。
// 入站：解码失败的消息记录后丢弃（不会无限重投）；处理失败返回错误交给传输层重投。
type BusChannel struct {
	bus    messaging.IMessageBus
	dest   Destinations
	dedup  Deduplicator
	retry  retry.Config
	logger logging.Logger
}

// NewBusChannel 创建通道
func NewBusChannel(bus messaging.IMessageBus, opts Options) *BusChannel {
	if opts.PublishRetry.MaxAttempts == 0 {
		opts.PublishRetry = retry.DefaultConfig()
	}
	if opts.Logger == nil {
		opts.Logger = logging.ComponentLogger("saga.channel")
	}
	return &BusChannel{
		bus:    bus,
		dest:   opts.Destinations.withDefaults(),
		dedup:  opts.Dedup,
		retry:  opts.PublishRetry,
		logger: opts.Logger,
	}
}

// Destinations 当前生效的目的地
func (c *BusChannel) Destinations() Destinations {
	return c.dest
}

func (c *BusChannel) SendStepCommand(ctx context.Context, serviceTarget string, cmd saga.StepCommand) error {
	return c.publish(ctx, c.dest.Command(serviceTarget), StepCommandMessage{cmd})
}

func (c *BusChannel) SendCompensationCommand(ctx context.Context, cmd saga.CompensationCommand) error {
	return c.publish(ctx, c.dest.Compensation, CompensationCommandMessage{cmd})
}

// SendStepResult 协作服务回送步骤结果
func (c *BusChannel) SendStepResult(ctx context.Context, result saga.StepResult) error {
	return c.publish(ctx, c.dest.Result, StepResultMessage{result})
}

// SendCompensationResult 协作服务回送补偿结果
func (c *BusChannel) SendCompensationResult(ctx context.Context, result saga.CompensationResult) error {
	return c.publish(ctx, c.dest.CompensationResult, CompensationResultMessage{result})
}

// BindResults 订阅结果目的地并交给 sink（通常是 Orchestrator）
func (c *BusChannel) BindResults(ctx context.Context, sink saga.IResultSink) error {
	handler := c.inbound("saga.results", func(ctx context.Context, m Message) error {
		switch v := m.(type) {
		case StepResultMessage:
			return sink.HandleStepResult(ctx, v.StepResult)
		case CompensationResultMessage:
			return sink.HandleCompensationResult(ctx, v.CompensationResult)
		default:
			c.logger.Warn(ctx, "结果目的地收到非结果消息，已丢弃", logging.String("kind", string(m.Kind())))
			return nil
		}
	})
	if err := c.bus.Subscribe(ctx, c.dest.Result, handler); err != nil {
		return err
	}
	return c.bus.Subscribe(ctx, c.dest.CompensationResult, handler)
}

// BindService 为协作服务订阅其命令目的地与公共补偿目的地
func (c *BusChannel) BindService(ctx context.Context, serviceTarget string, h ICommandHandler) error {
	handler := c.inbound(serviceTarget, func(ctx context.Context, m Message) error {
		switch v := m.(type) {
		case StepCommandMessage:
			return h.HandleStepCommand(ctx, v.StepCommand)
		case CompensationCommandMessage:
			return h.HandleCompensationCommand(ctx, v.CompensationCommand)
		default:
			c.logger.Warn(ctx, "命令目的地收到非命令消息，已丢弃", logging.String("kind", string(m.Kind())))
			return nil
		}
	})
	if err := c.bus.Subscribe(ctx, c.dest.Command(serviceTarget), handler); err != nil {
		return err
	}
	return c.bus.Subscribe(ctx, c.dest.Compensation, handler)
}

func (c *BusChannel) publish(ctx context.Context, destination string, m Message) error {
	msg, err := Encode(destination, m)
	if err != nil {
		return errors.WrapError(err, errors.ErrCodeInternal, "encode saga message")
	}
	err = retry.Do(ctx, func(ctx context.Context, attempt int) error {
		perr := c.bus.Publish(ctx, msg)
		if perr != nil {
			c.logger.Warn(ctx, "发布失败",
				logging.String("destination", destination),
				logging.Int("attempt", attempt),
				logging.Error(perr))
		}
		return perr
	}, c.retry)
	if err != nil {
		return errors.WrapError(err, errors.ErrCodeQueue, "publish "+string(m.Kind())+" to "+destination)
	}
	return nil
}

// inbound 构造入站处理器：解码、去重、分发
//
// 去重键带上订阅者名称，同一消息被多个订阅者接收时互不影响。
func (c *BusChannel) inbound(subscriber string, fn func(ctx context.Context, m Message) error) messaging.IMessageHandler {
	return messaging.NewHandler(subscriber, func(ctx context.Context, msg messaging.IMessage) error {
		decoded, err := Decode(msg)
		if err != nil {
			c.logger.Warn(ctx, "无法解码的 Saga 消息，已丢弃",
				logging.String("message_id", msg.GetID()),
				logging.String("destination", msg.GetType()),
				logging.Error(err))
			return nil
		}
		sagaID, stepID := decoded.ids()
		ctx = logging.WithCorrelationID(ctx, sagaID)

		key := subscriber + "|" + decoded.Key()
		if c.dedup != nil {
			fresh, derr := c.dedup.Claim(ctx, key)
			if derr != nil {
				c.logger.Warn(ctx, "去重检查失败，继续处理", logging.Error(derr))
			} else if !fresh {
				c.logger.Debug(ctx, "重复消息，已忽略",
					logging.SagaID(sagaID), logging.StepID(stepID), logging.String("kind", string(decoded.Kind())))
				return nil
			}
		}
		if err := fn(ctx, decoded); err != nil {
			if c.dedup != nil {
				if rerr := c.dedup.Release(ctx, key); rerr != nil {
					c.logger.Warn(ctx, "释放去重键失败", logging.Error(rerr))
				}
			}
			return err
		}
		return nil
	})
}

var _ saga.IChannel = (*BusChannel)(nil)
