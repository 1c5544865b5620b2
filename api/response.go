package api

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"accesssaga/errors"
)

// envelope 统一响应体：成功 code=0，失败时 code 为 HTTP 状态码
type envelope struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
	Error   string `json:"error,omitempty"`
	Data    any    `json:"data,omitempty"`
}

func success(c *gin.Context, status int, data any) {
	c.JSON(status, envelope{Code: 0, Message: "success", Data: data})
}

func failure(c *gin.Context, err error) {
	status := StatusFor(err)
	message := err.Error()
	if appErr, ok := err.(errors.IError); ok {
		message = appErr.Message()
	}
	c.AbortWithStatusJSON(status, envelope{
		Code:    status,
		Message: message,
		Error:   string(errors.GetErrorCode(err)),
	})
}

// StatusFor 错误码到 HTTP 状态码的映射
func StatusFor(err error) int {
	switch errors.GetErrorCode(err) {
	case errors.ErrCodeValidation, errors.ErrCodeInvalidInput:
		return http.StatusBadRequest
	case errors.ErrCodeNotFound:
		return http.StatusNotFound
	case errors.ErrCodeInvalidTransition, errors.ErrCodeConcurrency, errors.ErrCodeConflict:
		return http.StatusConflict
	case errors.ErrCodeTimeout:
		return http.StatusGatewayTimeout
	default:
		return http.StatusInternalServerError
	}
}
