package domain

import (
	"context"
	"errors"
	"time"
)

// FailureClass tells the retry layer and the engine how to treat an error.
type FailureClass string

const (
	ClassTransient FailureClass = "transient"
	ClassPermanent FailureClass = "permanent"
	ClassWiring    FailureClass = "wiring"
	ClassGate      FailureClass = "gate"
)

// Failure codes reported by provider adapters.
const (
	CodeRateLimited    = "rate_limited"
	CodeServerError    = "server_error"
	CodeTimeout        = "timeout"
	CodeInvalidRequest = "invalid_request"
	CodeUnauthorized   = "unauthorized"
	CodeNotFound       = "not_found"
	CodeMalformed      = "malformed_response"
)

// Failure is a classified external-service failure.
type Failure struct {
	Class   FailureClass
	Code    string
	Service string
	// RetryAfter is the provider's suggested delay, zero when none was given.
	RetryAfter time.Duration
	Err        error
}

func (f *Failure) Error() string {
	msg := string(f.Class)
	if f.Code != "" {
		msg += " " + f.Code
	}
	if f.Service != "" {
		msg = f.Service + ": " + msg
	}
	if f.Err != nil {
		msg += ": " + f.Err.Error()
	}
	return msg
}

func (f *Failure) Unwrap() error { return f.Err }

// Transient builds a retryable failure.
func Transient(code string, err error) *Failure {
	return &Failure{Class: ClassTransient, Code: code, Err: err}
}

// Permanent builds a failure that must not be retried.
func Permanent(code string, err error) *Failure {
	return &Failure{Class: ClassPermanent, Code: code, Err: err}
}

// ClassOf classifies any error. Unknown errors are permanent; deadline
// expiry is transient; cancellation is permanent.
func ClassOf(err error) FailureClass {
	if err == nil {
		return ""
	}
	var f *Failure
	if errors.As(err, &f) {
		return f.Class
	}
	var w *WiringError
	if errors.As(err, &w) {
		return ClassWiring
	}
	var g *GateExhaustedError
	if errors.As(err, &g) {
		return ClassGate
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return ClassTransient
	}
	return ClassPermanent
}

// RetryAfterOf returns the suggested delay carried by err, if any.
func RetryAfterOf(err error) (time.Duration, bool) {
	var f *Failure
	if errors.As(err, &f) && f.RetryAfter > 0 {
		return f.RetryAfter, true
	}
	return 0, false
}

// CodeOf returns the failure code carried by err, or "" when unclassified.
func CodeOf(err error) string {
	var f *Failure
	if errors.As(err, &f) {
		return f.Code
	}
	return ""
}

// WithService tags a failure with the service name, leaving other errors untouched.
func WithService(err error, service string) error {
	if f, ok := err.(*Failure); ok && f.Service == "" {
		tagged := *f
		tagged.Service = service
		return &tagged
	}
	return err
}
