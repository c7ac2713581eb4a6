// Package errors 定义统一错误码
package errors

import (
	stderrors "errors"
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
	CodeNotFound     Code = "NOT_FOUND"
	CodeForbidden    Code = "FORBIDDEN"
	CodeInternal     Code = "INTERNAL"
	CodeUnavailable  Code = "UNAVAILABLE"
	CodeTimeout      Code = "TIMEOUT"

	// 交易
	CodeInvalidOrder   Code = "INVALID_ORDER"
	CodeInvalidState   Code = "INVALID_STATE"
	CodeSymbolNotFound Code = "SYMBOL_NOT_FOUND"
	CodeQueueFull      Code = "QUEUE_FULL"

	// 资金
	CodeInsufficientFunds  Code = "INSUFFICIENT_FUNDS"
	CodeInvalidAmount      Code = "INVALID_AMOUNT"
	CodeAssetNotFound      Code = "ASSET_NOT_FOUND"
	CodeInvariantViolation Code = "INVARIANT_VIOLATION"
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

// Is 按错误码比较，errors.Is(err, ErrNotFound) 对任意 NOT_FOUND 错误成立
func (e *Error) Is(target error) bool {
	var t *Error
	if !stderrors.As(target, &t) {
		return false
	}
	return t.Code == e.Code
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

// CodeOf 提取错误码，非业务错误返回 CodeInternal
func CodeOf(err error) Code {
	if err == nil {
		return CodeOK
	}
	var e *Error
	if stderrors.As(err, &e) {
		return e.Code
	}
	return CodeInternal
}

// HasCode 判断错误链中是否包含指定错误码
func HasCode(err error, code Code) bool {
	return CodeOf(err) == code
}

// Wrap 将任意错误转换为业务错误，已是业务错误时原样返回
func Wrap(err error, code Code) *Error {
	if err == nil {
		return nil
	}
	var e *Error
	if stderrors.As(err, &e) {
		return e
	}
	return New(code, err.Error())
}

func isRetryable(code Code) bool {
	switch code {
	case CodeUnavailable, CodeTimeout, CodeQueueFull:
		return true
	default:
		return false
	}
}

func httpStatus(code Code) int {
	switch code {
	case CodeOK:
		return http.StatusOK
	case CodeInvalidParam, CodeInvalidOrder, CodeInvalidAmount:
		return http.StatusBadRequest
	case CodeForbidden:
		return http.StatusForbidden
	case CodeNotFound, CodeSymbolNotFound, CodeAssetNotFound:
		return http.StatusNotFound
	case CodeInvalidState:
		return http.StatusConflict
	case CodeInsufficientFunds:
		return http.StatusUnprocessableEntity
	case CodeQueueFull:
		return http.StatusTooManyRequests
	case CodeUnavailable:
		return http.StatusServiceUnavailable
	case CodeTimeout:
		return http.StatusGatewayTimeout
	default:
		return http.StatusInternalServerError
	}
}

// 预定义错误
var (
	ErrInvalidParam       = New(CodeInvalidParam, "invalid parameter")
	ErrInvalidOrder       = New(CodeInvalidOrder, "invalid order")
	ErrNotFound           = New(CodeNotFound, "not found")
	ErrForbidden          = New(CodeForbidden, "forbidden")
	ErrInvalidState       = New(CodeInvalidState, "invalid state")
	ErrInsufficientFunds  = New(CodeInsufficientFunds, "insufficient funds")
	ErrInvalidAmount      = New(CodeInvalidAmount, "invalid amount")
	ErrInvariantViolation = New(CodeInvariantViolation, "invariant violation")
	ErrUnavailable        = New(CodeUnavailable, "service unavailable")
)
