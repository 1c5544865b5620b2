// Package errors 提供带错误码的应用错误体系
package errors

import (
	stdErrors "errors"
	"fmt"
	"runtime"
	"strings"
)

// ErrorCode 错误代码类型
type ErrorCode string

// 预定义错误代码
const (
	// 通用错误代码
	ErrCodeInternal     ErrorCode = "INTERNAL_ERROR"
	ErrCodeInvalidInput ErrorCode = "INVALID_INPUT"
	ErrCodeNotFound     ErrorCode = "NOT_FOUND"
	ErrCodeConflict     ErrorCode = "CONFLICT"
	ErrCodeTimeout      ErrorCode = "TIMEOUT"
	ErrCodeCanceled     ErrorCode = "CANCELED"
	ErrCodeConcurrency  ErrorCode = "CONCURRENCY_ERROR"

	// Saga 错误分类
	ErrCodeValidation         ErrorCode = "VALIDATION_ERROR"
	ErrCodeStepFailed         ErrorCode = "STEP_FAILED"
	ErrCodeStepTimeout        ErrorCode = "STEP_TIMEOUT"
	ErrCodeCompensationFailed ErrorCode = "COMPENSATION_FAILED"
	ErrCodePersistence        ErrorCode = "PERSISTENCE_ERROR"
	ErrCodeInvalidTransition  ErrorCode = "INVALID_TRANSITION"

	// 基础设施错误代码
	ErrCodeDatabase ErrorCode = "DATABASE_ERROR"
	ErrCodeQueue    ErrorCode = "QUEUE_ERROR"
)

// IError 错误接口
type IError interface {
	error

	Code() ErrorCode
	Message() string
	Cause() error
	Details() map[string]any
	Stack() string

	// WithContext 返回附加了上下文字段的副本
	WithContext(key string, value any) IError
}

// AppError 应用错误实现
type AppError struct {
	code    ErrorCode
	message string
	cause   error
	details map[string]any
	stack   string
}

// NewError 创建新错误
func NewError(code ErrorCode, message string) IError {
	return &AppError{
		code:    code,
		message: message,
		details: make(map[string]any),
		stack:   captureStack(),
	}
}

// NewErrorf 使用格式化消息创建错误
func NewErrorf(code ErrorCode, format string, args ...any) IError {
	return &AppError{
		code:    code,
		message: fmt.Sprintf(format, args...),
		details: make(map[string]any),
		stack:   captureStack(),
	}
}

// WrapError 包装错误，err 为 nil 时返回 nil
func WrapError(err error, code ErrorCode, message string) IError {
	if err == nil {
		return nil
	}
	return &AppError{
		code:    code,
		message: message,
		cause:   err,
		details: make(map[string]any),
		stack:   captureStack(),
	}
}

func (e *AppError) Error() string {
	if e.cause != nil {
		return fmt.Sprintf("[%s] %s: %v", e.code, e.message, e.cause)
	}
	return fmt.Sprintf("[%s] %s", e.code, e.message)
}

func (e *AppError) Code() ErrorCode { return e.code }

func (e *AppError) Message() string { return e.message }

func (e *AppError) Cause() error { return e.cause }

// Details 获取错误详情
func (e *AppError) Details() map[string]any {
	if e.details == nil {
		e.details = make(map[string]any)
	}
	return e.details
}

func (e *AppError) Stack() string { return e.stack }

// Is 同错误码视为同一类错误；否则继续比较 cause
func (e *AppError) Is(target error) bool {
	if target == nil {
		return false
	}
	if appErr, ok := target.(*AppError); ok {
		return e.code == appErr.code
	}
	return false
}

// Unwrap 解包错误（支持 errors.Unwrap）
func (e *AppError) Unwrap() error {
	return e.cause
}

// WithContext 添加上下文
func (e *AppError) WithContext(key string, value any) IError {
	details := make(map[string]any, len(e.details)+1)
	for k, v := range e.details {
		details[k] = v
	}
	details[key] = value
	return &AppError{
		code:    e.code,
		message: e.message,
		cause:   e.cause,
		details: details,
		stack:   e.stack,
	}
}

// 预定义错误变量，用于 errors.Is 按错误码匹配
var (
	ErrInternal           = NewError(ErrCodeInternal, "内部错误")
	ErrNotFound           = NewError(ErrCodeNotFound, "资源未找到")
	ErrTimeout            = NewError(ErrCodeTimeout, "操作超时")
	ErrValidation         = NewError(ErrCodeValidation, "数据验证失败")
	ErrConcurrency        = NewError(ErrCodeConcurrency, "并发冲突")
	ErrStepFailed         = NewError(ErrCodeStepFailed, "步骤执行失败")
	ErrStepTimeout        = NewError(ErrCodeStepTimeout, "步骤等待结果超时")
	ErrCompensationFailed = NewError(ErrCodeCompensationFailed, "补偿失败")
	ErrPersistence        = NewError(ErrCodePersistence, "持久化失败")
	ErrInvalidTransition  = NewError(ErrCodeInvalidTransition, "非法状态转换")
	ErrQueue              = NewError(ErrCodeQueue, "消息发布失败")
)

// IsNotFound 检查是否为未找到错误
func IsNotFound(err error) bool {
	return IsErrorCode(err, ErrCodeNotFound)
}

// IsValidation 检查是否为验证错误
func IsValidation(err error) bool {
	return IsErrorCode(err, ErrCodeValidation)
}

// IsErrorCode 检查错误链上是否存在指定错误码
func IsErrorCode(err error, code ErrorCode) bool {
	for err != nil {
		var appErr *AppError
		if !stdErrors.As(err, &appErr) {
			return false
		}
		if appErr.code == code {
			return true
		}
		err = appErr.cause
	}
	return false
}

// GetErrorCode 获取最外层错误码，非 AppError 返回 INTERNAL_ERROR
func GetErrorCode(err error) ErrorCode {
	if err == nil {
		return ""
	}
	var appErr *AppError
	if stdErrors.As(err, &appErr) {
		return appErr.code
	}
	return ErrCodeInternal
}

// captureStack 捕获堆栈信息
func captureStack() string {
	const depth = 32
	var pcs [depth]uintptr
	n := runtime.Callers(3, pcs[:])

	var builder strings.Builder
	frames := runtime.CallersFrames(pcs[:n])
	for {
		frame, more := frames.Next()
		fmt.Fprintf(&builder, "%s:%d %s\n", frame.File, frame.Line, frame.Function)
		if !more {
			break
		}
	}
	return builder.String()
}
