package errs

import (
	"errors"
	"fmt"
	"net/http"
)

// Kind 错误分类，路由层据此决定 HTTP 状态码与对外文案。
type Kind int

const (
	KindInternal Kind = iota
	KindValidation
	KindNotFound
	KindInsufficientFunds
	KindGatewayTransport
	KindGatewayRejected
	KindSagaPrecondition
	KindIdempotencyConflict
)

func (k Kind) String() string {
	switch k {
	case KindValidation:
		return "validation"
	case KindNotFound:
		return "not_found"
	case KindInsufficientFunds:
		return "insufficient_funds"
	case KindGatewayTransport:
		return "gateway_transport"
	case KindGatewayRejected:
		return "gateway_rejected"
	case KindSagaPrecondition:
		return "saga_precondition"
	case KindIdempotencyConflict:
		return "idempotency_conflict"
	default:
		return "internal"
	}
}

// Error 业务错误。
type Error struct {
	Kind    Kind
	Message string
	Err     error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.Err)
	}
	return e.Message
}

func (e *Error) Unwrap() error { return e.Err }

// New 创建不带底层错误的业务错误。
func New(kind Kind, msg string) *Error {
	return &Error{Kind: kind, Message: msg}
}

// Wrap 包装底层错误。
func Wrap(kind Kind, msg string, err error) *Error {
	return &Error{Kind: kind, Message: msg, Err: err}
}

func Validation(msg string) *Error        { return New(KindValidation, msg) }
func NotFound(msg string) *Error          { return New(KindNotFound, msg) }
func InsufficientFunds(msg string) *Error { return New(KindInsufficientFunds, msg) }
func SagaPrecondition(msg string) *Error  { return New(KindSagaPrecondition, msg) }

// Internal 包装未预期的存储或编码错误。
func Internal(msg string, err error) *Error { return Wrap(KindInternal, msg, err) }

// KindOf 取出错误链上的 Kind，非业务错误视为 Internal。
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindInternal
}

// Is 判断错误链上是否为指定 Kind。
func Is(err error, kind Kind) bool {
	if err == nil {
		return false
	}
	return KindOf(err) == kind
}

// Retryable 稍后重试可能成功的错误：网关结果未知、订单正被处理、存储故障。
func Retryable(err error) bool {
	if err == nil {
		return false
	}
	switch KindOf(err) {
	case KindGatewayTransport, KindIdempotencyConflict, KindInternal:
		return true
	}
	return false
}

// HTTPStatus 错误分类到 HTTP 状态码的映射。
func HTTPStatus(kind Kind) int {
	switch kind {
	case KindValidation:
		return http.StatusBadRequest
	case KindNotFound:
		return http.StatusNotFound
	case KindInsufficientFunds:
		return http.StatusPaymentRequired
	case KindGatewayTransport:
		return http.StatusAccepted
	case KindGatewayRejected:
		return http.StatusBadGateway
	case KindSagaPrecondition:
		return http.StatusUnprocessableEntity
	case KindIdempotencyConflict:
		return http.StatusConflict
	default:
		return http.StatusInternalServerError
	}
}

// PublicMessage 对外可见的文案；Internal 错误不暴露底层细节。
func PublicMessage(err error) string {
	var e *Error
	if errors.As(err, &e) {
		if e.Kind == KindInternal {
			return "internal error"
		}
		return e.Message
	}
	return "internal error"
}
