// Package errors 定义统一错误码
package errors

import (
	"fmt"
	"net/http"
)

// Code 错误码
type Code string

// 错误码定义
const (
	// 通用错误
	CodeOK           Code = "OK"
	CodeUnknown      Code = "UNKNOWN"
	CodeInvalidParam Code = "INVALID_PARAM"
	CodeInternal     Code = "INTERNAL"
	CodeUnavailable  Code = "UNAVAILABLE"
	CodeTimeout      Code = "TIMEOUT"

	// 交易
	CodeSymbolNotFound  Code = "SYMBOL_NOT_FOUND"
	CodeInvalidSide     Code = "INVALID_SIDE"
	CodeInvalidPrice    Code = "INVALID_PRICE"
	CodeInvalidQuantity Code = "INVALID_QUANTITY"
	CodeOrderNotFound   Code = "ORDER_NOT_FOUND"

	// 引擎与持久化
	CodeStorageFailure       Code = "STORAGE_FAILURE"
	CodeEngineHalted         Code = "ENGINE_HALTED"
	CodeEngineQueueFull      Code = "ENGINE_QUEUE_FULL"
	CodeSequencerUnavailable Code = "SEQUENCER_UNAVAILABLE"
)

// Error 业务错误
type Error struct {
	Code      Code   `json:"code"`
	Message   string `json:"message"`
	Retryable bool   `json:"retryable"`
	RequestID string `json:"requestId,omitempty"`
}

func (e *Error) Error() string {
	return fmt.Sprintf("[%s] %s", e.Code, e.Message)
}

// New 创建错误
func New(code Code, message string) *Error {
	return &Error{
		Code:      code,
		Message:   message,
		Retryable: isRetryable(code),
	}
}

// Newf 创建格式化错误
func Newf(code Code, format string, args ...interface{}) *Error {
	return New(code, fmt.Sprintf(format, args...))
}

// WithRequestID 添加请求 ID
func (e *Error) WithRequestID(requestID string) *Error {
	e.RequestID = requestID
	return e
}

// HTTPStatus 返回对应的 HTTP 状态码
func (e *Error) HTTPStatus() int {
	return httpStatus(e.Code)
}

// Is 支持 errors.Is 按错误码匹配
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return e.Code == t.Code
}

// CodeOf 提取业务错误码，非业务错误返回 CodeUnknown
func CodeOf(err error) Code {
	if err == nil {
		return CodeOK
	}
	if e, ok := err.(*Error); ok {
		return e.Code
	}
	return CodeUnknown
}

// isRetryable 判断是否可重试
func isRetryable(code Code) bool {
	switch code {
	case CodeTimeout, CodeUnavailable,
		CodeStorageFailure, CodeEngineQueueFull:
		return true
	default:
		return false
	}
}

// httpStatus 错误码对应的 HTTP 状态码
func httpStatus(code Code) int {
	switch code {
	case CodeOK:
		return http.StatusOK
	case CodeInvalidParam, CodeInvalidPrice,
		CodeInvalidQuantity, CodeInvalidSide:
		return http.StatusBadRequest
	case CodeOrderNotFound, CodeSymbolNotFound:
		return http.StatusNotFound
	case CodeEngineQueueFull:
		return http.StatusTooManyRequests
	case CodeInternal, CodeUnknown, CodeStorageFailure:
		return http.StatusInternalServerError
	case CodeUnavailable, CodeEngineHalted, CodeSequencerUnavailable:
		return http.StatusServiceUnavailable
	case CodeTimeout:
		return http.StatusGatewayTimeout
	default:
		return http.StatusInternalServerError
	}
}

// 预定义错误
var (
	ErrInvalidParam   = New(CodeInvalidParam, "invalid parameter")
	ErrOrderNotFound  = New(CodeOrderNotFound, "order not found")
	ErrSymbolNotFound = New(CodeSymbolNotFound, "symbol not found")
	ErrEngineHalted   = New(CodeEngineHalted, "matching engine halted")
)
