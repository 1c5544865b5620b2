// Package validation 提供字段级校验辅助函数与基于 struct tag 的结构体校验
package validation

import (
	stdErrors "errors"
	"fmt"
	"strings"
	"sync"

	"github.com/go-playground/validator/v10"

	"accesssaga/errors"
)

var (
	structValidate *validator.Validate
	initOnce       sync.Once
)

func engine() *validator.Validate {
	initOnce.Do(func() {
		structValidate = validator.New(validator.WithRequiredStructEnabled())
		_ = structValidate.RegisterValidation("notblank", func(fl validator.FieldLevel) bool {
			return strings.TrimSpace(fl.Field().String()) != ""
		})
	})
	return structValidate
}

// Struct 按 validate tag 校验结构体，失败时返回 VALIDATION_ERROR
//
// 错误消息列出所有不合法字段，details 中 fields 记录字段到规则的映射。
func Struct(v any) error {
	err := engine().Struct(v)
	if err == nil {
		return nil
	}
	var fieldErrs validator.ValidationErrors
	if !stdErrors.As(err, &fieldErrs) {
		return errors.WrapError(err, errors.ErrCodeValidation, "数据验证失败")
	}
	fields := make(map[string]string, len(fieldErrs))
	parts := make([]string, 0, len(fieldErrs))
	for _, fe := range fieldErrs {
		fields[fe.Field()] = fe.Tag()
		parts = append(parts, describe(fe))
	}
	return errors.NewError(errors.ErrCodeValidation, strings.Join(parts, "; ")).
		WithContext("fields", fields)
}

func describe(fe validator.FieldError) string {
	switch fe.Tag() {
	case "required", "notblank":
		return fmt.Sprintf("%s不能为空", fe.Field())
	case "oneof":
		return fmt.Sprintf("%s的值无效，必须是以下之一: %s", fe.Field(), fe.Param())
	case "max":
		return fmt.Sprintf("%s长度不能超过%s", fe.Field(), fe.Param())
	default:
		return fmt.Sprintf("%s未通过%s校验", fe.Field(), fe.Tag())
	}
}

// ValidateRequired 验证必填字段
func ValidateRequired(value, fieldName string) error {
	if strings.TrimSpace(value) == "" {
		return errors.NewError(errors.ErrCodeValidation,
			fmt.Sprintf("%s不能为空", fieldName))
	}
	return nil
}

// ValidateStringLength 验证字符串长度，max<=0 表示不限制上限
func ValidateStringLength(value, fieldName string, min, max int) error {
	length := len(value)
	if length < min {
		return errors.NewError(errors.ErrCodeValidation,
			fmt.Sprintf("%s长度不能少于%d个字符（当前%d）", fieldName, min, length))
	}
	if max > 0 && length > max {
		return errors.NewError(errors.ErrCodeValidation,
			fmt.Sprintf("%s长度不能超过%d个字符（当前%d）", fieldName, max, length))
	}
	return nil
}

// ValidateEnum 验证枚举值
func ValidateEnum(value, fieldName string, validValues []string) error {
	for _, valid := range validValues {
		if value == valid {
			return nil
		}
	}
	return errors.NewError(errors.ErrCodeValidation,
		fmt.Sprintf("%s的值无效，必须是以下之一: %v", fieldName, validValues))
}
