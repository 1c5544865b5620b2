package saga

import (
	"encoding/json"
	"fmt"
	"sort"

	"github.com/puzpuzpuz/xsync/v3"

	"accesssaga/errors"
	"accesssaga/validation"
)

// StepDefinition 步骤定义
type StepDefinition struct {
	Name          string
	ServiceTarget string
	Action        string

	// CompensationAction 为空表示不可补偿
	CompensationAction string

	// BuildRequest 根据 Saga 输入生成命令字段；为 nil 时命令不携带额外字段
	BuildRequest func(input json.RawMessage) (map[string]any, error)
}

// Definition 一种 Saga 类型的固定步骤序列
type Definition struct {
	SagaType string
	Steps    []StepDefinition

	// Validate 在持久化之前校验输入，失败时不创建任何记录
	Validate func(input json.RawMessage) error
}

func (d Definition) validate() error {
	if err := validation.ValidateRequired(d.SagaType, "sagaType"); err != nil {
		return err
	}
	if len(d.Steps) == 0 {
		return errors.NewErrorf(errors.ErrCodeValidation, "saga %s has no steps", d.SagaType)
	}
	seen := make(map[string]bool, len(d.Steps))
	for i, s := range d.Steps {
		prefix := fmt.Sprintf("%s.steps[%d].", d.SagaType, i)
		for field, value := range map[string]string{"name": s.Name, "serviceTarget": s.ServiceTarget, "action": s.Action} {
			if err := validation.ValidateRequired(value, prefix+field); err != nil {
				return err
			}
		}
		if seen[s.Name] {
			return errors.NewErrorf(errors.ErrCodeValidation, "saga %s: duplicate step %s", d.SagaType, s.Name)
		}
		seen[s.Name] = true
	}
	return nil
}

func (s StepDefinition) compensationAction() *string {
	if s.CompensationAction == "" {
		return nil
	}
	action := s.CompensationAction
	return &action
}

func (s StepDefinition) request(input json.RawMessage) (map[string]any, error) {
	if s.BuildRequest == nil {
		return map[string]any{}, nil
	}
	fields, err := s.BuildRequest(input)
	if err != nil {
		return nil, err
	}
	if fields == nil {
		fields = map[string]any{}
	}
	return fields, nil
}

// Registry Saga 定义注册表
type Registry struct {
	defs *xsync.MapOf[string, Definition]
}

// NewRegistry 创建注册表
func NewRegistry(defs ...Definition) (*Registry, error) {
	r := &Registry{defs: xsync.NewMapOf[string, Definition]()}
	for _, d := range defs {
		if err := r.Register(d); err != nil {
			return nil, err
		}
	}
	return r, nil
}

// Register 注册定义，同一类型重复注册返回错误
func (r *Registry) Register(def Definition) error {
	if err := def.validate(); err != nil {
		return err
	}
	if _, loaded := r.defs.LoadOrStore(def.SagaType, def); loaded {
		return errors.NewErrorf(errors.ErrCodeConflict, "saga type %s already registered", def.SagaType)
	}
	return nil
}

func (r *Registry) Get(sagaType string) (Definition, bool) {
	return r.defs.Load(sagaType)
}

// Types 已注册的类型，按名称排序
func (r *Registry) Types() []string {
	types := make([]string, 0, r.defs.Size())
	r.defs.Range(func(k string, _ Definition) bool {
		types = append(types, k)
		return true
	})
	sort.Strings(types)
	return types
}
