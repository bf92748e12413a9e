package jsonrpc

import (
	"encoding/json"
	"fmt"
)

// RPCError wraps a JSON-RPC error response surfaced to a caller of Request.
type RPCError struct {
	Err *Error
}

// NewRPCError wraps a wire Error.
func NewRPCError(err *Error) *RPCError {
	return &RPCError{Err: err}
}

// Error implements the error interface. Data is deliberately omitted from the
// message — it may carry peer-controlled content; use Data() to read it.
func (e *RPCError) Error() string {
	if e.Err == nil {
		return "rpc error: <nil>"
	}
	return fmt.Sprintf("rpc error: code=%d message=%q", e.Err.Code, e.Err.Message)
}

// Code returns the JSON-RPC error code.
func (e *RPCError) Code() int {
	if e.Err == nil {
		return 0
	}
	return e.Err.Code
}

// Data returns the raw error data, if any.
func (e *RPCError) Data() json.RawMessage {
	if e.Err == nil {
		return nil
	}
	return e.Err.Data
}

// Is matches RPCErrors that carry the same error code.
func (e *RPCError) Is(target error) bool {
	t, ok := target.(*RPCError)
	if !ok {
		return false
	}
	if e.Err == nil || t.Err == nil {
		return e.Err == t.Err
	}
	return e.Err.Code == t.Err.Code
}

// TransportError wraps an I/O or connection failure in Send/Notify.
type TransportError struct {
	msg   string
	cause error
}

// NewTransportError creates a TransportError.
func NewTransportError(msg string, cause error) *TransportError {
	return &TransportError{msg: msg, cause: cause}
}

func (e *TransportError) Error() string {
	if e.cause != nil {
		return fmt.Sprintf("transport error: %s: %v", e.msg, e.cause)
	}
	return fmt.Sprintf("transport error: %s", e.msg)
}

// Unwrap exposes the underlying cause to errors.Is/As.
func (e *TransportError) Unwrap() error { return e.cause }

// TimeoutError represents a request whose deadline elapsed before a response arrived.
type TimeoutError struct {
	msg string
}

// NewTimeoutError creates a TimeoutError.
func NewTimeoutError(msg string) *TimeoutError {
	return &TimeoutError{msg: msg}
}

func (e *TimeoutError) Error() string { return fmt.Sprintf("timeout: %s", e.msg) }

// Is matches all TimeoutErrors — a timeout is a timeout regardless of message.
func (e *TimeoutError) Is(target error) bool {
	_, ok := target.(*TimeoutError)
	return ok
}
