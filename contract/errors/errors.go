package errors

import (
	"context"
	stderrors "errors"
	"fmt"
)

// Error codes for the rpc contracts. Keep stable; they travel on the wire as
// the error kind of a failure outcome and are shared by adapters and runtime.
const (
	ErrCodeUnknownService      = "rpc.unknown_service"
	ErrCodeDuplicateService    = "rpc.duplicate_service"
	ErrCodeInvalidBinding      = "rpc.invalid_binding"
	ErrCodeHandlerError        = "rpc.handler_error"
	ErrCodeHandlerContract     = "rpc.handler_contract"
	ErrCodeTimeout             = "rpc.timeout"
	ErrCodeDelivery            = "rpc.delivery"
	ErrCodePublishFailed       = "rpc.publish_failed"
	ErrCodeSubscribeFailed     = "rpc.subscribe_failed"
	ErrCodeSerializationFailed = "rpc.serialization_failed"
	ErrCodeBrokerUnavailable   = "rpc.broker_unavailable"
	ErrCodeClosed              = "rpc.closed"
	ErrCodeCanceled            = "rpc.canceled"
)

// Code returns an error value that carries only a code string.
// It implements error by returning the code string in Error().
func Code(code string) error { return codedError(code) }

type codedError string

func (e codedError) Error() string { return string(e) }

var (
	ErrUnknownService      = Code(ErrCodeUnknownService)
	ErrDuplicateService    = Code(ErrCodeDuplicateService)
	ErrInvalidBinding      = Code(ErrCodeInvalidBinding)
	ErrHandlerError        = Code(ErrCodeHandlerError)
	ErrHandlerContract     = Code(ErrCodeHandlerContract)
	ErrTimeout             = Code(ErrCodeTimeout)
	ErrDelivery            = Code(ErrCodeDelivery)
	ErrPublishFailed       = Code(ErrCodePublishFailed)
	ErrSubscribeFailed     = Code(ErrCodeSubscribeFailed)
	ErrSerializationFailed = Code(ErrCodeSerializationFailed)
	ErrBrokerUnavailable   = Code(ErrCodeBrokerUnavailable)
	ErrClosed              = Code(ErrCodeClosed)
	ErrCanceled            = Code(ErrCodeCanceled)
)

// Failure is the typed failure a caller receives when a request did not
// produce a value. Kind is one of the ErrCode* constants.
type Failure struct {
	Kind    string
	Message string

	// local error behind the failure; never serialized
	cause error
}

// NewFailure builds a Failure of the given kind.
func NewFailure(kind, message string) *Failure {
	return &Failure{Kind: kind, Message: message}
}

// FailureFrom converts err into a Failure, keeping the kind when err
// already is (or wraps) one and falling back to fallbackKind otherwise.
func FailureFrom(err error, fallbackKind string) *Failure {
	var f *Failure
	if stderrors.As(err, &f) {
		return f
	}

	return &Failure{Kind: fallbackKind, Message: err.Error()}
}

func (f *Failure) Error() string {
	if f.Message == "" {
		return f.Kind
	}

	return fmt.Sprintf("%s: %s", f.Kind, f.Message)
}

// FromContext converts a context error into a Failure: timeout for an
// expired deadline, canceled for anything else. errors.Is still matches the
// original context error.
func FromContext(err error) *Failure {
	kind := ErrCodeCanceled
	if stderrors.Is(err, context.DeadlineExceeded) {
		kind = ErrCodeTimeout
	}

	return &Failure{Kind: kind, Message: err.Error(), cause: err}
}

// Unwrap exposes the sentinel of the failure kind so errors.Is works against
// the Err* values.
func (f *Failure) Unwrap() []error {
	if f.cause == nil {
		return []error{Code(f.Kind)}
	}

	return []error{Code(f.Kind), f.cause}
}

// KindOf returns the code carried by err: the Kind of a wrapped *Failure or
// the code of a wrapped sentinel. It returns "" for nil and uncoded errors.
func KindOf(err error) string {
	if err == nil {
		return ""
	}

	var f *Failure
	if stderrors.As(err, &f) {
		return f.Kind
	}

	var c codedError
	if stderrors.As(err, &c) {
		return string(c)
	}

	return ""
}
