// SPDX-License-Identifier: AGPL-3.0
// Copyright 2025 Kadir Pekel
//
// Licensed under the GNU Affero General Public License v3.0 (AGPL-3.0) (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     https://www.gnu.org/licenses/agpl-3.0.en.html
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package agenterr defines the error taxonomy shared by the orchestrator.
//
// Every failure surfaced to a caller is an *Error carrying a Kind (what
// went wrong) and a Class (whose fault it is). The Class drives recovery
// policy: external errors are retryable, everything else stops the
// session by default.
//
// Provider status mapping: 4xx responses are the caller's fault and
// surface as ClassInvalid at the session boundary; 5xx and transport
// failures are ClassExternal and eligible for retry.
package agenterr

import (
	"errors"
	"fmt"
)

// Class groups errors by recovery policy.
type Class string

const (
	// ClassInvalid covers user or agent-spec input faults.
	ClassInvalid Class = "invalid"
	// ClassFramework covers violated internal invariants.
	ClassFramework Class = "framework"
	// ClassExternal covers provider, network, and backend faults.
	ClassExternal Class = "external"
	// ClassUnknown covers everything else.
	ClassUnknown Class = "unknown"
)

// Kind identifies the failure shape.
type Kind string

const (
	KindInvalidConfig        Kind = "invalid_config"
	KindInvalidMessageFormat Kind = "invalid_message_format"
	KindValidation           Kind = "validation"
	KindExecution            Kind = "execution"
	KindParsing              Kind = "parsing"
	KindProvider             Kind = "provider"
	KindTool                 Kind = "tool"
	KindUnknownSource        Kind = "unknown_source"
	KindNotFound             Kind = "not_found"
)

// Sentinel causes for execution errors. They are wrapped in an *Error of
// KindExecution so both errors.Is and class extraction work.
var (
	ErrMaxIterations     = errors.New("max tool iterations exceeded")
	ErrEmptyResponse     = errors.New("provider returned neither content nor tool calls")
	ErrCycle             = errors.New("dependency cycle detected")
	ErrMissingDep        = errors.New("stage depends on undeclared stage")
	ErrUnreachableStages = errors.New("remaining stages are unreachable")
	ErrNoStages          = errors.New("agent declares no stages")
	ErrTimeout           = errors.New("session deadline exceeded")
	ErrNotFound          = errors.New("not found")
)

// Error is the tagged failure value delivered to callers.
type Error struct {
	Kind   Kind
	Class  Class
	Module string // offending component hint, optional
	Stage  string // stage name, optional
	Cause  error
	Msg    string
}

func (e *Error) Error() string {
	var b []byte
	b = append(b, string(e.Kind)...)
	if e.Stage != "" {
		b = append(b, fmt.Sprintf(" (stage %s)", e.Stage)...)
	}
	if e.Module != "" {
		b = append(b, fmt.Sprintf(" [%s]", e.Module)...)
	}
	if e.Msg != "" {
		b = append(b, ": "...)
		b = append(b, e.Msg...)
	}
	if e.Cause != nil {
		b = append(b, ": "...)
		b = append(b, e.Cause.Error()...)
	}
	return string(b)
}

func (e *Error) Unwrap() error { return e.Cause }

// WithStage returns a copy annotated with the stage name.
func (e *Error) WithStage(stage string) *Error {
	clone := *e
	clone.Stage = stage
	return &clone
}

// NewInvalidConfig reports a malformed LLM call, tool, or memory config.
func NewInvalidConfig(format string, args ...any) *Error {
	return &Error{Kind: KindInvalidConfig, Class: ClassInvalid, Msg: fmt.Sprintf(format, args...)}
}

// NewInvalidMessageFormat reports an unusable message or part payload.
func NewInvalidMessageFormat(reason string, offending any) *Error {
	return &Error{
		Kind:  KindInvalidMessageFormat,
		Class: ClassInvalid,
		Msg:   fmt.Sprintf("%s: %v", reason, offending),
	}
}

// NewValidation reports an input, output, or structured-response schema
// violation.
func NewValidation(cause error) *Error {
	return &Error{Kind: KindValidation, Class: ClassFramework, Cause: cause}
}

// NewExecution reports an internal executor or DAG fault (cycle, missing
// dependency, iteration cap, empty response).
func NewExecution(stage string, cause error) *Error {
	return &Error{Kind: KindExecution, Class: ClassFramework, Stage: stage, Cause: cause}
}

// NewParsing reports a spec or DSL decoding fault.
func NewParsing(module string, cause error) *Error {
	return &Error{Kind: KindParsing, Class: ClassInvalid, Module: module, Cause: cause}
}

// NewProvider reports a provider failure. Status 4xx maps to
// ClassInvalid, everything else (5xx, 0 for transport faults) to
// ClassExternal.
func NewProvider(provider string, status int, cause error) *Error {
	class := ClassExternal
	if status >= 400 && status < 500 {
		class = ClassInvalid
	}
	return &Error{
		Kind:   KindProvider,
		Class:  class,
		Module: provider,
		Msg:    fmt.Sprintf("status %d", status),
		Cause:  cause,
	}
}

// NewTool reports a failure inside a tool invocation.
func NewTool(module string, cause error) *Error {
	return &Error{Kind: KindTool, Class: ClassExternal, Module: module, Cause: cause}
}

// NewUnknownSource reports a memory operation routed to an unregistered
// source.
func NewUnknownSource(name string) *Error {
	return &Error{Kind: KindUnknownSource, Class: ClassInvalid, Msg: fmt.Sprintf("memory source '%s'", name)}
}

// NewNotFound reports a missing memory item.
func NewNotFound(key string) *Error {
	return &Error{Kind: KindNotFound, Class: ClassInvalid, Msg: key, Cause: ErrNotFound}
}

// ClassOf extracts the class of any error; plain errors are ClassUnknown.
func ClassOf(err error) Class {
	var e *Error
	if errors.As(err, &e) {
		return e.Class
	}
	return ClassUnknown
}

// KindOf extracts the kind of any error; plain errors report an empty Kind.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return ""
}

// Retryable reports whether the default recovery policy may retry err.
func Retryable(err error) bool {
	return ClassOf(err) == ClassExternal
}

// IsNotFound reports whether err denotes a missing memory item.
func IsNotFound(err error) bool {
	return errors.Is(err, ErrNotFound)
}
