// Package accessreg 员工门禁登记 Saga：先校验员工，再登记出入记录
package accessreg

import (
	"encoding/json"
	"strings"

	"accesssaga/errors"
	"accesssaga/saga"
	"accesssaga/validation"
)

const (
	SagaType = "ACCESS_REGISTRATION"

	StepValidateEmployee = "VALIDATE_EMPLOYEE"
	StepRegisterAccess   = "REGISTER_ACCESS"

	EmployeeService      = "employee-service"
	AccessControlService = "access-control-service"

	ActionValidate = "validate"
	ActionRegister = "register"

	// RollbackAccessRegistration 撤销出入登记的补偿动作
	RollbackAccessRegistration = "rollback_access_registration"
)

// AccessType 出入类型
type AccessType string

const (
	AccessEntry AccessType = "ENTRY"
	AccessExit  AccessType = "EXIT"
)

// Input 登记请求
type Input struct {
	EmployeeDocument string     `json:"employeeDocument" validate:"notblank,max=64"`
	AccessType       AccessType `json:"accessType" validate:"required,oneof=ENTRY EXIT"`
	Location         string     `json:"location,omitempty" validate:"max=128"`
	DeviceID         string     `json:"deviceId,omitempty" validate:"max=128"`
}

// Normalize 去除首尾空白，出入类型统一为大写
func (in Input) Normalize() Input {
	in.EmployeeDocument = strings.TrimSpace(in.EmployeeDocument)
	in.AccessType = AccessType(strings.ToUpper(strings.TrimSpace(string(in.AccessType))))
	in.Location = strings.TrimSpace(in.Location)
	in.DeviceID = strings.TrimSpace(in.DeviceID)
	return in
}

// Validate 校验请求字段
func (in Input) Validate() error {
	return validation.Struct(in)
}

// Definition ACCESS_REGISTRATION 的步骤序列
//
// VALIDATE_EMPLOYEE 只读，不可补偿；REGISTER_ACCESS 失败后由
// rollback_access_registration 撤销。
func Definition() saga.Definition {
	return saga.Definition{
		SagaType: SagaType,
		Validate: func(raw json.RawMessage) error {
			in, err := decodeInput(raw)
			if err != nil {
				return err
			}
			return in.Validate()
		},
		Steps: []saga.StepDefinition{
			{
				Name:          StepValidateEmployee,
				ServiceTarget: EmployeeService,
				Action:        ActionValidate,
				BuildRequest: func(raw json.RawMessage) (map[string]any, error) {
					in, err := decodeInput(raw)
					if err != nil {
						return nil, err
					}
					return map[string]any{"document": in.EmployeeDocument}, nil
				},
			},
			{
				Name:               StepRegisterAccess,
				ServiceTarget:      AccessControlService,
				Action:             ActionRegister,
				CompensationAction: RollbackAccessRegistration,
				BuildRequest: func(raw json.RawMessage) (map[string]any, error) {
					in, err := decodeInput(raw)
					if err != nil {
						return nil, err
					}
					return map[string]any{
						"employeeDocument": in.EmployeeDocument,
						"accessType":       string(in.AccessType),
						"location":         in.Location,
						"deviceId":         in.DeviceID,
					}, nil
				},
			},
		},
	}
}

func decodeInput(raw json.RawMessage) (Input, error) {
	var in Input
	if len(raw) == 0 {
		return in, errors.NewValidationError("请求体不能为空")
	}
	if err := json.Unmarshal(raw, &in); err != nil {
		return in, errors.WrapError(err, errors.ErrCodeValidation, "请求体不是合法的 JSON")
	}
	return in.Normalize(), nil
}
