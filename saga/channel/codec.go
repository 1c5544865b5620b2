// Package channel 在消息总线之上实现 Saga 的命令/结果通道
package channel

import (
	"encoding/json"
	"fmt"

	"accesssaga/messaging"
	"accesssaga/saga"
)

// 元数据键
const (
	MetadataKind   = "saga_kind"
	MetadataSagaID = "saga_id"
	MetadataStepID = "step_id"
)

// Kind 消息种类标签
type Kind string

const (
	KindStepCommand         Kind = "step.command"
	KindCompensationCommand Kind = "compensation.command"
	KindStepResult          Kind = "step.result"
	KindCompensationResult  Kind = "compensation.result"
)

// Message 四种 Saga 消息的封闭集合
type Message interface {
	Kind() Kind
	// Key 幂等键：种类 + (sagaId, stepId[, compensationAction])
	Key() string
	ids() (sagaID, stepID string)
}

type StepCommandMessage struct{ saga.StepCommand }

type CompensationCommandMessage struct{ saga.CompensationCommand }

type StepResultMessage struct{ saga.StepResult }

type CompensationResultMessage struct{ saga.CompensationResult }

func (StepCommandMessage) Kind() Kind         { return KindStepCommand }
func (CompensationCommandMessage) Kind() Kind { return KindCompensationCommand }
func (StepResultMessage) Kind() Kind          { return KindStepResult }
func (CompensationResultMessage) Kind() Kind  { return KindCompensationResult }

func (m StepCommandMessage) Key() string {
	return fmt.Sprintf("%s:%s:%s", KindStepCommand, m.SagaID, m.StepID)
}

func (m CompensationCommandMessage) Key() string {
	return fmt.Sprintf("%s:%s:%s:%s", KindCompensationCommand, m.SagaID, m.StepID, m.CompensationAction)
}

func (m StepResultMessage) Key() string {
	return fmt.Sprintf("%s:%s:%s", KindStepResult, m.SagaID, m.StepID)
}

func (m CompensationResultMessage) Key() string {
	return fmt.Sprintf("%s:%s:%s:%s", KindCompensationResult, m.SagaID, m.StepID, m.CompensationAction)
}

func (m StepCommandMessage) ids() (string, string)         { return m.SagaID, m.StepID }
func (m CompensationCommandMessage) ids() (string, string) { return m.SagaID, m.StepID }
func (m StepResultMessage) ids() (string, string)          { return m.SagaID, m.StepID }
func (m CompensationResultMessage) ids() (string, string)  { return m.SagaID, m.StepID }

// Encode 把 Saga 消息编码为发往 destination 的总线消息
func Encode(destination string, m Message) (*messaging.Message, error) {
	var body any
	switch v := m.(type) {
	case StepCommandMessage:
		body = v.StepCommand
	case CompensationCommandMessage:
		body = v.CompensationCommand
	case StepResultMessage:
		body = v.StepResult
	case CompensationResultMessage:
		body = v.CompensationResult
	default:
		return nil, fmt.Errorf("unsupported saga message %T", m)
	}
	data, err := json.Marshal(body)
	if err != nil {
		return nil, err
	}
	msg := messaging.NewMessage(destination, json.RawMessage(data))
	sagaID, stepID := m.ids()
	msg.SetMetadata(MetadataKind, string(m.Kind()))
	msg.SetMetadata(MetadataSagaID, sagaID)
	msg.SetMetadata(MetadataStepID, stepID)
	return msg, nil
}

// Decode 按 saga_kind 标签解码，未知标签返回错误
func Decode(msg messaging.IMessage) (Message, error) {
	kind := Kind(messaging.MetadataString(msg, MetadataKind))
	data, err := messaging.PayloadBytes(msg)
	if err != nil {
		return nil, fmt.Errorf("decode %s: %w", kind, err)
	}
	switch kind {
	case KindStepCommand:
		var v saga.StepCommand
		err = json.Unmarshal(data, &v)
		return StepCommandMessage{v}, wrapDecode(kind, err)
	case KindCompensationCommand:
		var v saga.CompensationCommand
		err = json.Unmarshal(data, &v)
		return CompensationCommandMessage{v}, wrapDecode(kind, err)
	case KindStepResult:
		var v saga.StepResult
		err = json.Unmarshal(data, &v)
		return StepResultMessage{v}, wrapDecode(kind, err)
	case KindCompensationResult:
		var v saga.CompensationResult
		err = json.Unmarshal(data, &v)
		return CompensationResultMessage{v}, wrapDecode(kind, err)
	default:
		return nil, fmt.Errorf("unknown saga message kind %q", kind)
	}
}

func wrapDecode(kind Kind, err error) error {
	if err != nil {
		return fmt.Errorf("decode %s: %w", kind, err)
	}
	return nil
}
