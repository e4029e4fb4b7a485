package rpc

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/pkg/errors"
)

// ValidationError reports malformed caller input.  It is raised before any
// network call is made and is never retried.
type ValidationError struct {
	Field   string
	Value   interface{}
	Message string
}

func newValidationError(field string, value interface{}, msg string) *ValidationError {
	return &ValidationError{Field: field, Value: value, Message: msg}
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid %s (%v): %s", e.Field, e.Value, e.Message)
}

// RPCError reports that the platform or the device rejected a call or
// reported a failure.
type RPCError struct {
	Method     string
	DeviceID   string
	RequestID  string
	StatusCode int
	Status     Status
	Message    string

	cause error
}

func (e *RPCError) Error() string {
	var b strings.Builder

	b.WriteString("rpc ")
	b.WriteString(e.Method)
	if e.DeviceID != "" {
		b.WriteString(" to device ")
		b.WriteString(e.DeviceID)
	}
	if e.RequestID != "" {
		b.WriteString(" (request ")
		b.WriteString(e.RequestID)
		b.WriteString(")")
	}
	b.WriteString(": ")
	b.WriteString(e.Message)

	if e.StatusCode != 0 {
		fmt.Fprintf(&b, ": HTTP status %d", e.StatusCode)
	}
	if e.Status != "" {
		fmt.Fprintf(&b, ": status %s", e.Status)
	}
	if e.cause != nil {
		b.WriteString(": ")
		b.WriteString(e.cause.Error())
	}

	return b.String()
}

// Cause returns the underlying transport error, if any
func (e *RPCError) Cause() error {
	return e.cause
}

func (e *RPCError) Unwrap() error {
	return e.cause
}

// TimeoutError reports that an application-level deadline elapsed.
// Transport-level timeouts are translated into this type before they reach
// the caller.
type TimeoutError struct {
	Timeout   time.Duration
	Operation string
}

func (e *TimeoutError) Error() string {
	return fmt.Sprintf("%s timed out after %s", e.Operation, e.Timeout)
}

// IsValidation reports whether err is or wraps a *ValidationError
func IsValidation(err error) bool {
	var v *ValidationError
	return errors.As(err, &v)
}

// IsRPC reports whether err is or wraps an *RPCError
func IsRPC(err error) bool {
	var v *RPCError
	return errors.As(err, &v)
}

// IsTimeout reports whether err is or wraps a *TimeoutError
func IsTimeout(err error) bool {
	var v *TimeoutError
	return errors.As(err, &v)
}

type timeout interface {
	Timeout() bool
}

// isTransportTimeout recognises the ways an HTTP transport reports a
// deadline: context expiry, or a net.Error / url.Error with Timeout() set.
func isTransportTimeout(err error) bool {
	if err == nil {
		return false
	}

	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}

	var t timeout
	if errors.As(err, &t) {
		return t.Timeout()
	}

	return false
}
