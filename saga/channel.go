package saga

import "context"

// IChannel 编排器使用的出站消息通道
//
// 底层传输至少一次投递，可能重复、跨目的地无序。
type IChannel interface {
	// SendStepCommand 发送步骤命令到 serviceTarget 绑定的目的地
	SendStepCommand(ctx context.Context, serviceTarget string, cmd StepCommand) error

	// SendCompensationCommand 发送补偿命令到补偿目的地
	SendCompensationCommand(ctx context.Context, cmd CompensationCommand) error
}

// IResultSink 入站结果的接收方，由 Orchestrator 实现
type IResultSink interface {
	HandleStepResult(ctx context.Context, result StepResult) error
	HandleCompensationResult(ctx context.Context, result CompensationResult) error
}
