// Package channel implements a named-method invocation transport: inbound
// calls that produce exactly one result, and outbound invocations toward the
// caller.
package channel

import (
	"encoding/json"
	"errors"
	"fmt"
)

var ErrNotImplemented = errors.New("method not implemented")

// MethodCall is a named invocation with optional JSON arguments.
type MethodCall struct {
	Method    string
	Arguments json.RawMessage
}

// StringArgument decodes the arguments as a single string.
func (c MethodCall) StringArgument() (string, error) {
	if len(c.Arguments) == 0 {
		return "", fmt.Errorf("%s: missing argument", c.Method)
	}
	var s string
	if err := json.Unmarshal(c.Arguments, &s); err != nil {
		return "", fmt.Errorf("%s: argument is not a string: %w", c.Method, err)
	}
	return s, nil
}

// Result receives the single outcome of a MethodCall.
type Result interface {
	Success(value any)
	Error(code, message string, details any)
	NotImplemented()
}

type Handler interface {
	HandleMethodCall(call MethodCall, result Result)
}

type HandlerFunc func(call MethodCall, result Result)

func (f HandlerFunc) HandleMethodCall(call MethodCall, result Result) { f(call, result) }

// Invoker sends a named invocation toward the caller.
type Invoker interface {
	InvokeMethod(method string, arguments any) error
}

// Poster schedules work on a serialized executor.
type Poster interface {
	Post(fn func()) error
}

// Serialized returns a Handler that runs h on p. Calls that cannot be posted
// are answered with an "unavailable" error.
func Serialized(p Poster, h Handler) Handler {
	return HandlerFunc(func(call MethodCall, result Result) {
		if err := p.Post(func() { h.HandleMethodCall(call, result) }); err != nil {
			result.Error("unavailable", err.Error(), nil)
		}
	})
}

// CallError is a failed call as seen by the caller.
type CallError struct {
	Method  string
	Code    string
	Message string
}

func (e *CallError) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("%s: %s", e.Method, e.Code)
	}
	return fmt.Sprintf("%s: %s: %s", e.Method, e.Code, e.Message)
}
