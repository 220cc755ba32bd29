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

// Package memory provides an in-memory store implementation, used in tests
// and for single-process deployments that do not need durability.
package memory

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/flowd-io/flowd/internal/store"
	"github.com/flowd-io/flowd/pkg/errors"
)

// Compile-time interface assertions.
var (
	_ store.RunStore  = (*Store)(nil)
	_ store.RunLister = (*Store)(nil)
	_ store.Store     = (*Store)(nil)
)

// Store is an in-memory run record store.
type Store struct {
	mu   sync.RWMutex
	runs map[string]*store.Run
}

// New creates a new in-memory store.
func New() *Store {
	return &Store{
		runs: make(map[string]*store.Run),
	}
}

// CreateRun creates a new run record.
func (s *Store) CreateRun(ctx context.Context, run *store.Run) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.runs[run.ID]; exists {
		return &errors.ConflictError{RunID: run.ID, Message: "run already exists"}
	}

	run.CreatedAt = time.Now()
	run.UpdatedAt = run.CreatedAt
	s.runs[run.ID] = cloneRun(run)
	return nil
}

// GetRun retrieves a run by id.
func (s *Store) GetRun(ctx context.Context, id string) (*store.Run, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	run, exists := s.runs[id]
	if !exists {
		return nil, &errors.NotFoundError{Resource: "run", ID: id}
	}
	return cloneRun(run), nil
}

// UpdateRun updates an existing run record.
func (s *Store) UpdateRun(ctx context.Context, run *store.Run) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	existing, exists := s.runs[run.ID]
	if !exists {
		return &errors.NotFoundError{Resource: "run", ID: run.ID}
	}

	updated := cloneRun(run)
	updated.CreatedAt = existing.CreatedAt
	// Request is write-once; keep the original regardless of the caller's copy.
	updated.Request = existing.Request
	updated.UpdatedAt = time.Now()
	s.runs[run.ID] = updated
	run.UpdatedAt = updated.UpdatedAt
	return nil
}

// ListRuns lists runs with optional filtering, most recent first.
func (s *Store) ListRuns(ctx context.Context, filter store.RunFilter) ([]*store.Run, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var result []*store.Run
	for _, run := range s.runs {
		if filter.State != "" && run.State != filter.State {
			continue
		}
		result = append(result, cloneRun(run))
	}

	sort.Slice(result, func(i, j int) bool {
		return result[i].CreatedAt.After(result[j].CreatedAt)
	})

	if filter.Limit > 0 && len(result) > filter.Limit {
		result = result[:filter.Limit]
	}
	return result, nil
}

// DeleteRun deletes a run.
func (s *Store) DeleteRun(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	delete(s.runs, id)
	return nil
}

// Close closes the store.
func (s *Store) Close() error {
	return nil
}

// cloneRun deep-copies a run so callers never alias stored state.
func cloneRun(run *store.Run) *store.Run {
	out := *run

	if run.Request.WorkflowParams != nil {
		out.Request.WorkflowParams = make(map[string]any, len(run.Request.WorkflowParams))
		for k, v := range run.Request.WorkflowParams {
			out.Request.WorkflowParams[k] = v
		}
	}
	if run.Request.WorkflowEngineParameters != nil {
		out.Request.WorkflowEngineParameters = make(map[string]string, len(run.Request.WorkflowEngineParameters))
		for k, v := range run.Request.WorkflowEngineParameters {
			out.Request.WorkflowEngineParameters[k] = v
		}
	}
	if run.Request.Tags != nil {
		out.Request.Tags = make(map[string]string, len(run.Request.Tags))
		for k, v := range run.Request.Tags {
			out.Request.Tags[k] = v
		}
	}
	out.Request.WorkflowAttachments = append([]string(nil), run.Request.WorkflowAttachments...)
	out.RunLog.Cmd = append([]string(nil), run.RunLog.Cmd...)
	out.TaskLogs = append([]store.TaskLog(nil), run.TaskLogs...)

	if run.Outputs != nil {
		out.Outputs = make(map[string]any, len(run.Outputs))
		for k, v := range run.Outputs {
			out.Outputs[k] = v
		}
	}
	return &out
}
