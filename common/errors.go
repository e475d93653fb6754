package common

import (
	"errors"
	"fmt"
)

// The ZRM error taxonomy. Every failure surfaced by the middleware is one of
// these kinds so that callers can branch with errors.As / errors.Is without
// string matching:
//
//   - TypeError: schema mismatch at endpoint construction or a call site.
//     Raised synchronously, never sent over the wire.
//   - TimeoutError: a bounded-wait operation exceeded its deadline.
//   - ServiceError: the server returned an error reply (handler failure,
//     decode failure).
//   - ErrServiceCancelled: a future's result was consumed after Cancel().
//   - ActionError: illegal goal state transition, rejected goal, or other
//     action protocol failure.
//   - GraphError: an argument error on a graph query (wrong entity kind).

// TypeError reports a message schema mismatch.
type TypeError struct {
	Msg string
}

func (e *TypeError) Error() string { return e.Msg }

// NewTypeErrorf creates a TypeError with a formatted message.
func NewTypeErrorf(format string, args ...interface{}) *TypeError {
	return &TypeError{Msg: fmt.Sprintf(format, args...)}
}

// TimeoutError reports that a bounded-wait operation exceeded its deadline.
type TimeoutError struct {
	Msg string
}

func (e *TimeoutError) Error() string { return e.Msg }

// NewTimeoutErrorf creates a TimeoutError with a formatted message.
func NewTimeoutErrorf(format string, args ...interface{}) *TimeoutError {
	return &TimeoutError{Msg: fmt.Sprintf(format, args...)}
}

// ServiceError reports an error reply from a service server.
type ServiceError struct {
	Msg string
}

func (e *ServiceError) Error() string { return e.Msg }

// NewServiceErrorf creates a ServiceError with a formatted message.
func NewServiceErrorf(format string, args ...interface{}) *ServiceError {
	return &ServiceError{Msg: fmt.Sprintf(format, args...)}
}

// ErrServiceCancelled is returned from Future.Result after a successful
// Cancel.
var ErrServiceCancelled = errors.New("service call cancelled")

// ActionError reports an action protocol failure.
type ActionError struct {
	Msg string
}

func (e *ActionError) Error() string { return e.Msg }

// NewActionErrorf creates an ActionError with a formatted message.
func NewActionErrorf(format string, args ...interface{}) *ActionError {
	return &ActionError{Msg: fmt.Sprintf(format, args...)}
}

// GraphError reports an argument error on a graph query.
type GraphError struct {
	Msg string
}

func (e *GraphError) Error() string { return e.Msg }

// NewGraphErrorf creates a GraphError with a formatted message.
func NewGraphErrorf(format string, args ...interface{}) *GraphError {
	return &GraphError{Msg: fmt.Sprintf(format, args...)}
}

// IsTimeout reports whether err is a TimeoutError anywhere in its chain.
func IsTimeout(err error) bool {
	var te *TimeoutError
	return errors.As(err, &te)
}
