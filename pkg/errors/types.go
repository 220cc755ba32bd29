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

// Package errors defines the error taxonomy for the run-management core.
//
// Every failure a caller can observe maps to one of the typed errors here:
// validation failures on submission, attachment staging failures, unknown
// run ids, and dispatch infrastructure failures. Handlers translate these
// into stable HTTP status codes; nothing in the core surfaces an untyped
// crash to a client.
package errors

import (
	"fmt"
)

// ValidationError represents a malformed or incomplete submission.
// The run is never created when a ValidationError is returned.
type ValidationError struct {
	// Field identifies which submission field failed validation
	Field string

	// Message is the human-readable error description
	Message string
}

// Error implements the error interface.
func (e *ValidationError) Error() string {
	if e.Field != "" {
		return fmt.Sprintf("invalid request: %s: %s", e.Field, e.Message)
	}
	return fmt.Sprintf("invalid request: %s", e.Message)
}

// NotFoundError represents an unknown run id on a query or cancel.
type NotFoundError struct {
	// Resource is the type of resource (e.g., "run")
	Resource string

	// ID is the identifier that was not found
	ID string
}

// Error implements the error interface.
func (e *NotFoundError) Error() string {
	return fmt.Sprintf("%s not found: %s", e.Resource, e.ID)
}

// AttachmentError represents an invalid workflow attachment, such as two
// attachments resolving to the same destination path.
type AttachmentError struct {
	// Name is the attachment's requested destination path
	Name string

	// Message is the human-readable error description
	Message string
}

// Error implements the error interface.
func (e *AttachmentError) Error() string {
	return fmt.Sprintf("invalid attachment %q: %s", e.Name, e.Message)
}

// PathEscapeError is returned when an attachment destination resolves
// outside the run's execution directory.
type PathEscapeError struct {
	// Path is the offending destination path as submitted
	Path string
}

// Error implements the error interface.
func (e *PathEscapeError) Error() string {
	return fmt.Sprintf("attachment path escapes run directory: %q", e.Path)
}

// DispatchError represents a failure to hand a run to the task execution
// layer, typically because the broker or worker pool is unreachable.
// Submissions that fail with a DispatchError create no run.
type DispatchError struct {
	// Op is the dispatcher operation that failed (submit, poll, cancel)
	Op string

	// Cause is the underlying transport error
	Cause error
}

// Error implements the error interface.
func (e *DispatchError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("dispatch %s failed: %v", e.Op, e.Cause)
	}
	return fmt.Sprintf("dispatch %s failed", e.Op)
}

// Unwrap returns the underlying cause.
func (e *DispatchError) Unwrap() error {
	return e.Cause
}

// ConflictError represents an operation that is not valid for the run's
// current state, such as reusing a run id that already exists.
type ConflictError struct {
	// RunID is the id of the conflicting run
	RunID string

	// Message is the human-readable error description
	Message string
}

// Error implements the error interface.
func (e *ConflictError) Error() string {
	return fmt.Sprintf("run %s: %s", e.RunID, e.Message)
}
