// Package errtax implements the error taxonomy of the wire protocol: every
// kind the core can raise is a concrete struct so it can be classified with
// errors.As and serialized onto an ERROR frame body.
package errtax

import (
	"encoding/json"
	"errors"
	"fmt"
)

// FrameError is the shape every taxonomy error reduces to before it is
// JSON-encoded into an ERROR frame body: {name, message, stack, ...ownProps}.
type FrameError struct {
	Name    string         `json:"name"`
	Message string         `json:"message"`
	Stack   string         `json:"stack,omitempty"`
	Extra   map[string]any `json:"-"`
}

// MarshalJSON flattens Extra's keys alongside name/message/stack, matching
// the taxonomy's documented {name, message, stack, ...ownProps} shape.
func (fe FrameError) MarshalJSON() ([]byte, error) {
	out := make(map[string]any, len(fe.Extra)+3)
	for k, v := range fe.Extra {
		out[k] = v
	}
	out["name"] = fe.Name
	out["message"] = fe.Message
	if fe.Stack != "" {
		out["stack"] = fe.Stack
	}
	return json.Marshal(out)
}

// ToFrameError is implemented by every taxonomy error type.
type ToFrameError interface {
	ToFrame() FrameError
}

// InvalidSchemaTypeError is raised when a decoded frame header carries a
// type byte outside {0..3}.
type InvalidSchemaTypeError struct {
	Got byte
}

func (e *InvalidSchemaTypeError) Error() string {
	return fmt.Sprintf("invalid schema type: %d", e.Got)
}

func (e *InvalidSchemaTypeError) ToFrame() FrameError {
	return FrameError{Name: "InvalidSchemaType", Message: e.Error(), Extra: map[string]any{"got": e.Got}}
}

// UnregisteredRunnerError is raised when dispatch receives a frame whose
// suiteId was never registered in the coordinator's suites map.
type UnregisteredRunnerError struct {
	SuiteID string
}

func (e *UnregisteredRunnerError) Error() string {
	return fmt.Sprintf("unregistered runner for suite %q", e.SuiteID)
}

func (e *UnregisteredRunnerError) ToFrame() FrameError {
	return FrameError{Name: "UnregisteredRunner", Message: e.Error(), Extra: map[string]any{"suiteId": e.SuiteID}}
}

// EmptySuiteError is raised when a suite finishes registration with zero
// tests.
type EmptySuiteError struct{}

func (e *EmptySuiteError) Error() string { return "suite has no tests registered" }

func (e *EmptySuiteError) ToFrame() FrameError {
	return FrameError{Name: "EmptySuite", Message: e.Error()}
}

// NestedDescribeInTestError is raised when addDescribe is invoked while a
// test body is executing.
type NestedDescribeInTestError struct {
	Description string
}

func (e *NestedDescribeInTestError) Error() string {
	return fmt.Sprintf("describe %q registered inside a running test", e.Description)
}

func (e *NestedDescribeInTestError) ToFrame() FrameError {
	return FrameError{Name: "NestedDescribeInTest", Message: e.Error(), Extra: map[string]any{"description": e.Description}}
}

// TimeoutError is injected as a test's result when its body does not settle
// within the effective timeout.
type TimeoutError struct {
	TimeoutMS int
}

func (e *TimeoutError) Error() string {
	return fmt.Sprintf("test timed out after %dms", e.TimeoutMS)
}

func (e *TimeoutError) ToFrame() FrameError {
	return FrameError{Name: "Timeout", Message: e.Error(), Extra: map[string]any{"timeoutMs": e.TimeoutMS}}
}

// MethodNotOnObjectError is raised when mock() cannot locate the owning
// object of a free function via the global-scope scan.
type MethodNotOnObjectError struct {
	FunctionName string
}

func (e *MethodNotOnObjectError) Error() string {
	return fmt.Sprintf("could not locate parent object of function %q", e.FunctionName)
}

func (e *MethodNotOnObjectError) ToFrame() FrameError {
	return FrameError{Name: "MethodNotOnObject", Message: e.Error(), Extra: map[string]any{"function": e.FunctionName}}
}

// InvalidMethodTypeError is raised when mock() is given a non-callable
// argument.
type InvalidMethodTypeError struct {
	Kind string
}

func (e *InvalidMethodTypeError) Error() string {
	return fmt.Sprintf("expected a callable, got %s", e.Kind)
}

func (e *InvalidMethodTypeError) ToFrame() FrameError {
	return FrameError{Name: "InvalidMethodType", Message: e.Error(), Extra: map[string]any{"kind": e.Kind}}
}

// PrimitiveTargetError is raised when spyOn() is given a non-object target.
type PrimitiveTargetError struct {
	Kind string
}

func (e *PrimitiveTargetError) Error() string {
	return fmt.Sprintf("spyOn target must be an object, got %s", e.Kind)
}

func (e *PrimitiveTargetError) ToFrame() FrameError {
	return FrameError{Name: "PrimitiveTarget", Message: e.Error(), Extra: map[string]any{"kind": e.Kind}}
}

// NoPropertyNameError is raised when spyOn() is given an empty key.
type NoPropertyNameError struct{}

func (e *NoPropertyNameError) Error() string { return "spyOn requires a non-empty property name" }

func (e *NoPropertyNameError) ToFrame() FrameError {
	return FrameError{Name: "NoPropertyName", Message: e.Error()}
}

// PropertyNotFoundError is raised when spyOn() targets a missing property.
type PropertyNotFoundError struct {
	Key string
}

func (e *PropertyNotFoundError) Error() string {
	return fmt.Sprintf("property %q not found on target", e.Key)
}

func (e *PropertyNotFoundError) ToFrame() FrameError {
	return FrameError{Name: "PropertyNotFound", Message: e.Error(), Extra: map[string]any{"key": e.Key}}
}

// ConfigParseFailureError wraps a failure to parse a configuration file.
type ConfigParseFailureError struct {
	Path string
	Err  error
}

func (e *ConfigParseFailureError) Error() string {
	return fmt.Sprintf("parse config %s: %v", e.Path, e.Err)
}

func (e *ConfigParseFailureError) Unwrap() error { return e.Err }

func (e *ConfigParseFailureError) ToFrame() FrameError {
	return FrameError{Name: "ConfigParseFailure", Message: e.Error(), Extra: map[string]any{"path": e.Path}}
}

// SourceMapLoadFailureError wraps a failure to parse a suite's source map.
type SourceMapLoadFailureError struct {
	Source string
	Err    error
}

func (e *SourceMapLoadFailureError) Error() string {
	return fmt.Sprintf("load source map for %s: %v", e.Source, e.Err)
}

func (e *SourceMapLoadFailureError) Unwrap() error { return e.Err }

func (e *SourceMapLoadFailureError) ToFrame() FrameError {
	return FrameError{Name: "SourceMapLoadFailure", Message: e.Error(), Extra: map[string]any{"source": e.Source}}
}

// CancelledError marks a queued task rejected by queue.Clear or bail
// cancellation.
type CancelledError struct {
	Reason string
}

func (e *CancelledError) Error() string {
	if e.Reason == "" {
		return "task cancelled"
	}
	return fmt.Sprintf("task cancelled: %s", e.Reason)
}

func (e *CancelledError) ToFrame() FrameError {
	return FrameError{Name: "Cancelled", Message: e.Error(), Extra: map[string]any{"reason": e.Reason}}
}

// IsTimeout reports whether err (or something it wraps) is a TimeoutError.
func IsTimeout(err error) bool {
	var t *TimeoutError
	return errors.As(err, &t)
}

// IsCancelled reports whether err (or something it wraps) is a CancelledError.
func IsCancelled(err error) bool {
	var c *CancelledError
	return errors.As(err, &c)
}

// AsFrameError converts any error into a FrameError, falling back to a
// generic Error kind for errors outside the taxonomy (e.g. panics recovered
// from sandbox evaluation).
func AsFrameError(err error) FrameError {
	if err == nil {
		return FrameError{}
	}
	var tfe ToFrameError
	if errors.As(err, &tfe) {
		return tfe.ToFrame()
	}
	return FrameError{Name: "Error", Message: err.Error()}
}
