package errors

import (
	"context"
	"fmt"
	"runtime"

	"accesssaga/logging"
)

// WrapWithLog 包装错误并记录警告日志
func WrapWithLog(ctx context.Context, err error, code ErrorCode, msg string, fields ...logging.Field) error {
	if err == nil {
		return nil
	}
	_, file, line, _ := runtime.Caller(1)
	wrapped := WrapError(err, code, msg)

	allFields := append([]logging.Field{
		logging.Error(err),
		logging.String("error_code", string(code)),
		logging.String("location", fmt.Sprintf("%s:%d", file, line)),
	}, fields...)
	logging.GetLogger().Warn(ctx, msg, allFields...)
	return wrapped
}

// WrapPersistence 包装存储层错误
//
// sql.ErrNoRows 归一为 NOT_FOUND，已带错误码的错误原样返回，其余归为 PERSISTENCE_ERROR。
func WrapPersistence(ctx context.Context, err error, operation string) error {
	if err == nil {
		return nil
	}
	normalized := Normalize(err)
	if _, ok := normalized.(IError); ok {
		return normalized
	}
	return WrapWithLog(ctx, err, ErrCodePersistence,
		fmt.Sprintf("存储操作失败: %s", operation),
		logging.String("operation", operation),
	)
}

// NewValidationError 创建新的验证错误
func NewValidationError(msg string) error {
	return NewError(ErrCodeValidation, msg)
}
