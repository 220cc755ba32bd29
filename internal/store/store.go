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

// Package store provides durable storage for run records.
//
// # Interface Hierarchy
//
// The store package uses interface segregation to allow minimal
// implementations:
//
//   - RunStore (core, required): CreateRun, GetRun, UpdateRun
//   - RunLister (optional): ListRuns, DeleteRun
//   - io.Closer (optional): Close
//
// The Store interface composes all of these for full-featured
// implementations. The store owns the persisted record; it never decides
// lifecycle transitions itself.
package store

import (
	"context"
	"io"
	"time"
)

// State is a run lifecycle state.
type State string

// Run lifecycle states. Exactly one is current at any time; the four
// terminal states have no outgoing transitions.
const (
	StateQueued        State = "QUEUED"
	StateInitializing  State = "INITIALIZING"
	StateRunning       State = "RUNNING"
	StateComplete      State = "COMPLETE"
	StateExecutorError State = "EXECUTOR_ERROR"
	StateSystemError   State = "SYSTEM_ERROR"
	StateCanceling     State = "CANCELING"
	StateCanceled      State = "CANCELED"
)

// Terminal reports whether s has no outgoing transitions.
func (s State) Terminal() bool {
	switch s {
	case StateComplete, StateExecutorError, StateSystemError, StateCanceled:
		return true
	}
	return false
}

// Active reports whether s is a state that still has work in flight.
func (s State) Active() bool {
	return !s.Terminal()
}

// Request is the original submission for a run. Immutable after acceptance.
type Request struct {
	WorkflowURL              string            `json:"workflow_url"`
	WorkflowType             string            `json:"workflow_type"`
	WorkflowTypeVersion      string            `json:"workflow_type_version"`
	WorkflowParams           map[string]any    `json:"workflow_params,omitempty"`
	WorkflowAttachments      []string          `json:"workflow_attachment,omitempty"`
	WorkflowEngineParameters map[string]string `json:"workflow_engine_parameters,omitempty"`
	Tags                     map[string]string `json:"tags,omitempty"`
}

// RunLog captures the execution record of a run. Only the lifecycle state
// machine writes to it as the run progresses.
type RunLog struct {
	Cmd       []string   `json:"cmd,omitempty"`
	StartTime *time.Time `json:"start_time,omitempty"`
	EndTime   *time.Time `json:"end_time,omitempty"`
	Stdout    string     `json:"stdout,omitempty"`
	Stderr    string     `json:"stderr,omitempty"`
	ExitCode  *int       `json:"exit_code,omitempty"`
}

// TaskLog is a sub-task record reported by a workflow engine. The core
// stores these verbatim; it does not interpret them.
type TaskLog struct {
	Name      string     `json:"name"`
	Cmd       []string   `json:"cmd,omitempty"`
	StartTime *time.Time `json:"start_time,omitempty"`
	EndTime   *time.Time `json:"end_time,omitempty"`
	Stdout    string     `json:"stdout,omitempty"`
	Stderr    string     `json:"stderr,omitempty"`
	ExitCode  *int       `json:"exit_code,omitempty"`
}

// Run is the persisted record for one workflow run.
type Run struct {
	ID       string         `json:"run_id"`
	State    State          `json:"state"`
	Request  Request        `json:"request"`
	RunLog   RunLog         `json:"run_log"`
	TaskLogs []TaskLog      `json:"task_logs"`
	Outputs  map[string]any `json:"outputs"`

	// Handle is the dispatch handle for the run's unit of work. It is
	// internal bookkeeping: set when the run is enqueued, cleared once
	// the run reaches a terminal state.
	Handle string `json:"-"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// RunFilter contains filtering options for listing runs.
type RunFilter struct {
	// State filters by lifecycle state when non-empty.
	State State

	// Limit bounds the number of results. Zero means no limit.
	Limit int
}

// RunStore is the core interface for run record operations. This is the
// minimal interface that backends must implement.
type RunStore interface {
	// CreateRun creates a new run record. It fails with a ConflictError
	// if the run id already exists; ids are never reused.
	CreateRun(ctx context.Context, run *Run) error

	// GetRun retrieves a run by id, or a NotFoundError.
	GetRun(ctx context.Context, id string) (*Run, error)

	// UpdateRun persists the run's mutable fields (state, run log, task
	// logs, outputs, handle). The request is write-once and updates must
	// not alter it.
	UpdateRun(ctx context.Context, run *Run) error
}

// RunLister is an optional interface for listing and deleting runs.
type RunLister interface {
	// ListRuns lists runs with optional filtering, most recent first.
	ListRuns(ctx context.Context, filter RunFilter) ([]*Run, error)

	// DeleteRun deletes a run by id.
	DeleteRun(ctx context.Context, id string) error
}

// Store composes the full storage surface.
type Store interface {
	RunStore
	RunLister
	io.Closer
}
