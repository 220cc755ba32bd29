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

package runs

import (
	"reflect"
	"testing"

	"github.com/flowd-io/flowd/internal/dispatch"
	"github.com/flowd-io/flowd/internal/store"
)

func TestTerminalStatesHaveNoEdges(t *testing.T) {
	for _, s := range []store.State{
		store.StateComplete,
		store.StateExecutorError,
		store.StateSystemError,
		store.StateCanceled,
	} {
		if edges := transitions[s]; len(edges) != 0 {
			t.Errorf("terminal state %s has outgoing edges %v", s, edges)
		}
	}
}

func TestCanTransition(t *testing.T) {
	tests := []struct {
		from, to store.State
		want     bool
	}{
		{store.StateQueued, store.StateInitializing, true},
		{store.StateInitializing, store.StateRunning, true},
		{store.StateRunning, store.StateComplete, true},
		{store.StateRunning, store.StateExecutorError, true},
		{store.StateRunning, store.StateSystemError, true},
		{store.StateQueued, store.StateCanceling, true},
		{store.StateCanceling, store.StateCanceled, true},
		{store.StateCanceling, store.StateSystemError, true},

		{store.StateQueued, store.StateComplete, false},
		{store.StateQueued, store.StateRunning, false},
		{store.StateComplete, store.StateCanceling, false},
		{store.StateCanceled, store.StateQueued, false},
		{store.StateCanceling, store.StateRunning, false},
	}

	for _, tt := range tests {
		if got := canTransition(tt.from, tt.to); got != tt.want {
			t.Errorf("canTransition(%s, %s) = %v, want %v", tt.from, tt.to, got, tt.want)
		}
	}
}

func TestPathTo(t *testing.T) {
	tests := []struct {
		name     string
		from, to store.State
		want     []store.State
	}{
		{
			name: "single edge",
			from: store.StateQueued, to: store.StateInitializing,
			want: []store.State{store.StateInitializing},
		},
		{
			name: "queued straight to running",
			from: store.StateQueued, to: store.StateRunning,
			want: []store.State{store.StateInitializing, store.StateRunning},
		},
		{
			name: "queued straight to complete",
			from: store.StateQueued, to: store.StateComplete,
			want: []store.State{store.StateInitializing, store.StateRunning, store.StateComplete},
		},
		{
			name: "canceled without ever running",
			from: store.StateQueued, to: store.StateCanceled,
			want: []store.State{store.StateCanceling, store.StateCanceled},
		},
		{
			name: "running to canceled passes canceling",
			from: store.StateRunning, to: store.StateCanceled,
			want: []store.State{store.StateCanceling, store.StateCanceled},
		},
		{
			name: "same state",
			from: store.StateRunning, to: store.StateRunning,
			want: nil,
		},
		{
			name: "terminal is unreachable backwards",
			from: store.StateComplete, to: store.StateRunning,
			want: nil,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := pathTo(tt.from, tt.to)
			if !reflect.DeepEqual(got, tt.want) {
				t.Errorf("pathTo(%s, %s) = %v, want %v", tt.from, tt.to, got, tt.want)
			}
		})
	}
}

func TestInterpret(t *testing.T) {
	tests := []struct {
		name    string
		current store.State
		task    dispatch.TaskState
		want    store.State
		changed bool
	}{
		{"pending carries no news", store.StateQueued, dispatch.TaskPending, store.StateQueued, false},
		{"worker accepted", store.StateQueued, dispatch.TaskInitializing, store.StateInitializing, true},
		{"process started", store.StateInitializing, dispatch.TaskRunning, store.StateRunning, true},
		{"fast task skips observations", store.StateQueued, dispatch.TaskSucceeded, store.StateComplete, true},
		{"zero exit", store.StateRunning, dispatch.TaskSucceeded, store.StateComplete, true},
		{"non-zero exit", store.StateRunning, dispatch.TaskFailed, store.StateExecutorError, true},
		{"lost task", store.StateRunning, dispatch.TaskLost, store.StateSystemError, true},
		{"lost while queued", store.StateQueued, dispatch.TaskLost, store.StateSystemError, true},
		{"stale pending while running", store.StateRunning, dispatch.TaskPending, store.StateRunning, false},

		{"cancel confirmed", store.StateCanceling, dispatch.TaskCanceled, store.StateCanceled, true},
		{"finished before cancel landed", store.StateCanceling, dispatch.TaskSucceeded, store.StateCanceled, true},
		{"failed before cancel landed", store.StateCanceling, dispatch.TaskFailed, store.StateCanceled, true},
		{"lost while canceling", store.StateCanceling, dispatch.TaskLost, store.StateSystemError, true},
		{"still canceling", store.StateCanceling, dispatch.TaskRunning, store.StateCanceling, false},

		{"terminal never moves", store.StateComplete, dispatch.TaskFailed, store.StateComplete, false},
		{"canceled never moves", store.StateCanceled, dispatch.TaskSucceeded, store.StateCanceled, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, changed := interpret(tt.current, dispatch.Status{State: tt.task})
			if got != tt.want || changed != tt.changed {
				t.Errorf("interpret(%s, %s) = (%s, %v), want (%s, %v)",
					tt.current, tt.task, got, changed, tt.want, tt.changed)
			}
		})
	}
}

// Every state interpret can return must be reachable through pathTo, so
// applyStatus never drops a poll result on the floor.
func TestInterpretTargetsReachable(t *testing.T) {
	states := []store.State{
		store.StateQueued, store.StateInitializing, store.StateRunning, store.StateCanceling,
	}
	taskStates := []dispatch.TaskState{
		dispatch.TaskPending, dispatch.TaskInitializing, dispatch.TaskRunning,
		dispatch.TaskSucceeded, dispatch.TaskFailed, dispatch.TaskCanceled, dispatch.TaskLost,
	}

	for _, from := range states {
		for _, ts := range taskStates {
			target, changed := interpret(from, dispatch.Status{State: ts})
			if !changed {
				continue
			}
			if path := pathTo(from, target); len(path) == 0 {
				t.Errorf("interpret(%s, %s) = %s but pathTo found no route", from, ts, target)
			}
		}
	}
}
