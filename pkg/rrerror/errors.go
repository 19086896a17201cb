// Copyright 2025 Tom Barlow
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package rrerror defines the tagged error shape used across tabconductor:
// every error surfaced to a caller (RPC response, RunEvent, CLI output)
// carries a stable Code alongside its message, so callers can branch on
// the bucket without string-matching.
package rrerror

import "fmt"

// Code identifies the bucket an error belongs to.
type Code string

const (
	// CodeValidation covers malformed flows, bad RPC params, and schema
	// mismatches caught before anything runs.
	CodeValidation Code = "VALIDATION_ERROR"
	// CodeUnsupportedNode covers a node whose kind has no registered
	// plugin.NodeDefinition.
	CodeUnsupportedNode Code = "UNSUPPORTED_NODE"
	// CodeDAGInvalid covers a flow whose nodes/edges/entry node do not
	// form a well-formed graph (dangling reference, ambiguous
	// fallthrough, missing entry node).
	CodeDAGInvalid Code = "DAG_INVALID"
	// CodeDAGCycle covers a flow whose edges form a cycle.
	CodeDAGCycle Code = "DAG_CYCLE"
	// CodeDAGExecutionFailed covers a node that exhausted its retries, or
	// otherwise could not be driven to any terminal outcome.
	CodeDAGExecutionFailed Code = "DAG_EXECUTION_FAILED"

	// CodeTimeout covers a node or run exceeding its resolved timeout.
	CodeTimeout Code = "TIMEOUT"
	// CodeTabNotFound, CodeFrameNotFound, CodeTargetNotFound,
	// CodeElementNotVisible, CodeNavigationFailed, and
	// CodeNetworkRequestFailed cover failures a tab-control node kind
	// raises against the host's browser surface.
	CodeTabNotFound          Code = "TAB_NOT_FOUND"
	CodeFrameNotFound        Code = "FRAME_NOT_FOUND"
	CodeTargetNotFound       Code = "TARGET_NOT_FOUND"
	CodeElementNotVisible    Code = "ELEMENT_NOT_VISIBLE"
	CodeNavigationFailed     Code = "NAVIGATION_FAILED"
	CodeNetworkRequestFailed Code = "NETWORK_REQUEST_FAILED"

	// CodeScriptFailed, CodePermissionDenied, and CodeToolError cover a
	// node's dependency on host tooling misbehaving.
	CodeScriptFailed     Code = "SCRIPT_FAILED"
	CodePermissionDenied Code = "PERMISSION_DENIED"
	CodeToolError        Code = "TOOL_ERROR"

	// CodeRunCanceled and CodeRunPaused cover a run ending, or blocking,
	// on an explicit control request rather than a failure.
	CodeRunCanceled Code = "RUN_CANCELED"
	CodeRunPaused   Code = "RUN_PAUSED"
	// CodeControl covers every other control-plane rejection: a runner
	// draining, a run not active where a caller expects it, a capability
	// the host hasn't enabled.
	CodeControl Code = "CONTROL_ERROR"

	// CodeInternal covers anything the engine itself could not recover
	// from. CodeInvariantViolation is the sharper form, for a state the
	// engine's own invariants guarantee cannot occur (loop guard trips,
	// impossible status transitions).
	CodeInternal           Code = "INTERNAL"
	CodeInvariantViolation Code = "INVARIANT_VIOLATION"

	// CodeNotFound covers lookups against ids that do not exist.
	CodeNotFound Code = "NOT_FOUND"
)

// RRError is the engine's single tagged-error type. Data carries
// structured context (e.g. the offending node id); it is omitted from
// Error() to keep log lines short, but preserved for RPC/debug callers
// that want to inspect it programmatically.
type RRError struct {
	Code      Code
	Message   string
	Data      map[string]any
	Retryable bool
	Cause     error
}

func (e *RRError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Message, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func (e *RRError) Unwrap() error {
	return e.Cause
}

// New constructs an RRError with no cause.
func New(code Code, message string) *RRError {
	return &RRError{Code: code, Message: message}
}

// Newf constructs an RRError with a formatted message.
func Newf(code Code, format string, args ...any) *RRError {
	return &RRError{Code: code, Message: fmt.Sprintf(format, args...)}
}

// Wrap constructs an RRError that carries an existing error as Cause.
func Wrap(code Code, cause error, message string) *RRError {
	return &RRError{Code: code, Message: message, Cause: cause}
}

// WithData returns a copy of e with Data set. The original is untouched.
func (e *RRError) WithData(data map[string]any) *RRError {
	cp := *e
	cp.Data = data
	return &cp
}

// WithRetryable returns a copy of e with Retryable set.
func (e *RRError) WithRetryable(retryable bool) *RRError {
	cp := *e
	cp.Retryable = retryable
	return &cp
}

// CodeOf extracts the Code from err if it is (or wraps) an *RRError,
// otherwise returns CodeInternal. Never panics on nil or foreign errors.
func CodeOf(err error) Code {
	var rr *RRError
	if As(err, &rr) {
		return rr.Code
	}
	return CodeInternal
}

// IsRetryable reports whether err is an *RRError explicitly marked
// retryable. Non-RRError errors are treated as non-retryable.
func IsRetryable(err error) bool {
	var rr *RRError
	if As(err, &rr) {
		return rr.Retryable
	}
	return false
}
