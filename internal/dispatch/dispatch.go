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

// Package dispatch abstracts the asynchronous worker pool that executes
// run commands out of process.
//
// The front end submits a constructed command as a unit of work, obtains
// an opaque handle, and later resolves that handle against the task state
// set below. The dispatcher never decides workflow-level success or
// failure semantics; that interpretation belongs to the run lifecycle
// machinery.
package dispatch

import (
	"context"
)

// TaskState is the dispatcher's view of one unit of work.
type TaskState string

const (
	// TaskPending means the task sits in the queue, not yet accepted by a
	// worker.
	TaskPending TaskState = "pending"
	// TaskInitializing means a worker accepted the task and is preparing
	// to start the process.
	TaskInitializing TaskState = "initializing"
	// TaskRunning means the engine process has started.
	TaskRunning TaskState = "running"
	// TaskSucceeded means the process exited zero.
	TaskSucceeded TaskState = "succeeded"
	// TaskFailed means the process exited non-zero.
	TaskFailed TaskState = "failed"
	// TaskCanceled means the process was terminated on request and the
	// worker confirmed it.
	TaskCanceled TaskState = "canceled"
	// TaskLost means the dispatcher cannot determine the worker's fate:
	// the broker is unreachable or the worker vanished without reporting.
	// Callers must treat lost as an infrastructure failure, never as
	// still-pending.
	TaskLost TaskState = "lost"
)

// Terminal reports whether the task state is final from the dispatcher's
// point of view.
func (s TaskState) Terminal() bool {
	switch s {
	case TaskSucceeded, TaskFailed, TaskCanceled, TaskLost:
		return true
	}
	return false
}

// Status is a poll result for one task.
type Status struct {
	State TaskState

	// ExitCode is set once the process has exited.
	ExitCode *int
}

// Task is one unit of work: an argument vector executed in a working
// directory with its output captured to files.
type Task struct {
	// Handle identifies the task. The dispatcher assigns it at submit
	// time; by convention it equals the run id.
	Handle string

	// Cmd is the full argument vector, argv[0] included.
	Cmd []string

	// Dir is the working directory for the process.
	Dir string

	// StdoutPath and StderrPath are where the worker captures the
	// process output.
	StdoutPath string
	StderrPath string

	// WorkflowURL, when set, names a remote workflow document the worker
	// fetches to WorkflowPath before starting the process.
	WorkflowURL  string
	WorkflowPath string
}

// Dispatcher is the contract with the asynchronous worker pool.
type Dispatcher interface {
	// Submit enqueues a task and returns its handle. It must not block
	// on task completion. A broker that cannot accept the task surfaces
	// a DispatchError.
	Submit(ctx context.Context, task *Task) (string, error)

	// Poll resolves a handle to the task's current status. Inability to
	// determine the worker's fate is reported as TaskLost in the status,
	// not as an error.
	Poll(ctx context.Context, handle string) (Status, error)

	// Cancel requests termination of the task. The request is an
	// acknowledgement only; confirmation arrives through Poll.
	Cancel(ctx context.Context, handle string) error

	// Close releases dispatcher resources.
	Close() error
}
