package saga

import (
	"encoding/json"
	"fmt"
)

// Outcome 步骤结果
type Outcome string

const (
	OutcomeSuccess Outcome = "success"
	OutcomeFailure Outcome = "failure"
)

// CompensateAction 补偿命令固定的 action 字段
const CompensateAction = "compensate"

// StepCommand 发送给协作服务的步骤命令
//
// 编码为扁平 JSON：{sagaId, stepId, action, ...Fields}，保留字段优先于 Fields 中的同名键。
type StepCommand struct {
	SagaID string
	StepID string
	Action string
	Fields map[string]any
}

var reservedCommandKeys = []string{"sagaId", "stepId", "action"}

func (c StepCommand) MarshalJSON() ([]byte, error) {
	flat := make(map[string]any, len(c.Fields)+3)
	for k, v := range c.Fields {
		flat[k] = v
	}
	flat["sagaId"] = c.SagaID
	flat["stepId"] = c.StepID
	flat["action"] = c.Action
	return json.Marshal(flat)
}

func (c *StepCommand) UnmarshalJSON(data []byte) error {
	var raw map[string]json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	targets := []*string{&c.SagaID, &c.StepID, &c.Action}
	for i, key := range reservedCommandKeys {
		v, ok := raw[key]
		if !ok {
			continue
		}
		if err := json.Unmarshal(v, targets[i]); err != nil {
			return fmt.Errorf("step command field %s: %w", key, err)
		}
		delete(raw, key)
	}
	c.Fields = make(map[string]any, len(raw))
	for k, v := range raw {
		var val any
		if err := json.Unmarshal(v, &val); err != nil {
			return fmt.Errorf("step command field %s: %w", k, err)
		}
		c.Fields[k] = val
	}
	return nil
}

// Field 读取字符串字段
func (c StepCommand) Field(key string) string {
	s, _ := c.Fields[key].(string)
	return s
}

// CompensationCommand 补偿命令，按 (sagaId, stepId, compensationAction) 关联
type CompensationCommand struct {
	SagaID             string `json:"sagaId"`
	StepID             string `json:"stepId"`
	Action             string `json:"action"`
	CompensationAction string `json:"compensationAction"`
}

// NewCompensationCommand 构造补偿命令
func NewCompensationCommand(sagaID, stepID, compensationAction string) CompensationCommand {
	return CompensationCommand{
		SagaID:             sagaID,
		StepID:             stepID,
		Action:             CompensateAction,
		CompensationAction: compensationAction,
	}
}

// StepResult 协作服务返回的步骤结果
type StepResult struct {
	SagaID          string          `json:"sagaId"`
	StepID          string          `json:"stepId"`
	Outcome         Outcome         `json:"outcome"`
	ResponsePayload json.RawMessage `json:"responsePayload,omitempty"`
	ErrorMessage    string          `json:"errorMessage,omitempty"`
}

// CompensationResult 补偿结果
type CompensationResult struct {
	SagaID             string          `json:"sagaId"`
	StepID             string          `json:"stepId"`
	CompensationAction string          `json:"compensationAction"`
	Outcome            Outcome         `json:"outcome"`
	ResponsePayload    json.RawMessage `json:"responsePayload,omitempty"`
	ErrorMessage       string          `json:"errorMessage,omitempty"`
}

// Succeeded 结果是否成功
func (r StepResult) Succeeded() bool { return r.Outcome == OutcomeSuccess }

// Succeeded 结果是否成功
func (r CompensationResult) Succeeded() bool { return r.Outcome == OutcomeSuccess }
