// Package api
// Author: polyphase <dev@polyphase.io>
//
// Common error types and error handling utilities for the rolebus runtime.

package api

import "fmt"

// Common errors used across the runtime.
var (
	ErrShutdown        = fmt.Errorf("runtime is shutting down")
	ErrRoleClosed      = fmt.Errorf("role instance is closed")
	ErrNoSuchChannel   = fmt.Errorf("channel not declared in interface")
	ErrNotSender       = fmt.Errorf("role is not a declared sender on channel")
	ErrNotSubscriber   = fmt.Errorf("role is not a declared subscriber on channel")
	ErrStreamClosed    = fmt.Errorf("stream key is closed")
	ErrProtocol        = fmt.Errorf("protocol violation")
	ErrInvalidArgument = fmt.Errorf("invalid argument")
	ErrExecutorClosed  = fmt.Errorf("executor is closed")
	ErrTransportClosed = fmt.Errorf("transport is closed")
)

// ErrorCode represents specific error conditions in the runtime.
type ErrorCode int

const (
	ErrCodeOK ErrorCode = iota
	ErrCodeInvalidArgument
	ErrCodeShutdown
	ErrCodeRoleClosed
	ErrCodeNoSuchChannel
	ErrCodeNotSender
	ErrCodeProtocol
	ErrCodeInternal
)

// Error represents a structured error with code and context.
type Error struct {
	Code    ErrorCode
	Message string
	Context map[string]any
}

// Error implements the error interface.
func (e *Error) Error() string {
	if len(e.Context) == 0 {
		return e.Message
	}
	return fmt.Sprintf("%s (context: %+v)", e.Message, e.Context)
}

// NewError creates a new structured error.
func NewError(code ErrorCode, message string) *Error {
	return &Error{
		Code:    code,
		Message: message,
		Context: make(map[string]any),
	}
}

// WithContext adds context information to the error.
func (e *Error) WithContext(key string, value any) *Error {
	if e.Context == nil {
		e.Context = make(map[string]any)
	}
	e.Context[key] = value
	return e
}
