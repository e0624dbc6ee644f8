// internal/pkg/apperr/apperr.go
package apperr

import (
	"errors"
	"fmt"
	"net/http"
)

// Code 是领域错误的封闭编码集合。
// 用单一映射表取代运行时错误码注册表：新增错误码必须同时出现在这里和 httpStatus 表中。
type Code string

const (
	CodeNotFound            Code = "NOT_FOUND"
	CodeInvalidArgument     Code = "INVALID_ARGUMENT"
	CodeInsufficientStock   Code = "INSUFFICIENT_STOCK"
	CodeInsufficientPoints  Code = "INSUFFICIENT_POINTS"
	CodeCouponSoldOut       Code = "COUPON_SOLD_OUT"
	CodeCouponAlreadyIssued Code = "COUPON_ALREADY_ISSUED"
	CodeCouponExpired       Code = "COUPON_EXPIRED"
	CodeCouponNotUsable     Code = "COUPON_NOT_USABLE"
	CodeLockTimeout         Code = "LOCK_TIMEOUT"
	CodeConflict            Code = "CONFLICT"
	CodeInternal            Code = "INTERNAL_ERROR"
)

var httpStatus = map[Code]int{
	CodeNotFound:            http.StatusNotFound,
	CodeInvalidArgument:     http.StatusBadRequest,
	CodeInsufficientStock:   http.StatusUnprocessableEntity,
	CodeInsufficientPoints:  http.StatusUnprocessableEntity,
	CodeCouponSoldOut:       http.StatusConflict,
	CodeCouponAlreadyIssued: http.StatusConflict,
	CodeCouponExpired:       http.StatusUnprocessableEntity,
	CodeCouponNotUsable:     http.StatusUnprocessableEntity,
	CodeLockTimeout:         http.StatusConflict,
	CodeConflict:            http.StatusConflict,
	CodeInternal:            http.StatusInternalServerError,
}

// Error 是带稳定错误码的领域错误。
type Error struct {
	Code    Code
	Message string
	cause   error
}

func (e *Error) Error() string {
	if e.cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Message, e.cause)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func (e *Error) Unwrap() error { return e.cause }

// Is 让 errors.Is 按错误码比较，错误码相同即视为同一类错误。
func (e *Error) Is(target error) bool {
	var t *Error
	if errors.As(target, &t) {
		return e.Code == t.Code
	}
	return false
}

// New 创建一个领域错误。
func New(code Code, format string, args ...interface{}) *Error {
	return &Error{Code: code, Message: fmt.Sprintf(format, args...)}
}

// Wrap 把底层错误包装为领域错误，保留原因链。
func Wrap(cause error, code Code, format string, args ...interface{}) *Error {
	return &Error{Code: code, Message: fmt.Sprintf(format, args...), cause: cause}
}

// CodeOf 提取错误码，未分类的错误一律归 INTERNAL_ERROR。
func CodeOf(err error) Code {
	var e *Error
	if errors.As(err, &e) {
		return e.Code
	}
	return CodeInternal
}

// HTTPStatus 返回错误码对应的 HTTP 状态。
func HTTPStatus(err error) int {
	if s, ok := httpStatus[CodeOf(err)]; ok {
		return s
	}
	return http.StatusInternalServerError
}

// IsRetryable 判断一个失败是否值得重试。
// 只有并发/瞬态类错误可重试；业务规则失败与 not-found 永远不重试。
func IsRetryable(err error) bool {
	switch CodeOf(err) {
	case CodeLockTimeout, CodeInternal:
		return true
	default:
		return false
	}
}

// IsBusiness 判断是否为终态业务失败（在 Saga 中触发失败事件而非重试）。
func IsBusiness(err error) bool {
	switch CodeOf(err) {
	case CodeInsufficientStock, CodeInsufficientPoints,
		CodeCouponSoldOut, CodeCouponAlreadyIssued,
		CodeCouponExpired, CodeCouponNotUsable,
		CodeInvalidArgument, CodeNotFound:
		return true
	default:
		return false
	}
}
