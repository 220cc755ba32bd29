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

// Run lifecycle transition rules. Everything in this file is a pure
// function of states and poll results, so the transition semantics are
// testable without a store, a dispatcher, or a clock.
package runs

import (
	"github.com/flowd-io/flowd/internal/dispatch"
	"github.com/flowd-io/flowd/internal/store"
)

// transitions is the canonical edge set of the lifecycle graph. Terminal
// states have no outgoing edges; any attempt to leave one is a no-op for
// callers, never an error that corrupts state.
var transitions = map[store.State][]store.State{
	store.StateQueued:       {store.StateInitializing, store.StateCanceling, store.StateSystemError},
	store.StateInitializing: {store.StateRunning, store.StateCanceling, store.StateSystemError},
	store.StateRunning: {
		store.StateComplete,
		store.StateExecutorError,
		store.StateSystemError,
		store.StateCanceling,
	},
	store.StateCanceling: {store.StateCanceled, store.StateSystemError},
}

// canTransition reports whether from -> to is a single edge in the graph.
func canTransition(from, to store.State) bool {
	for _, next := range transitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// pathTo returns the ordered intermediate-plus-target states to move from
// `from` to `target`, or nil when target is unreachable. Poll results can
// skip observations (a fast task may go from pending straight to
// succeeded), so the walk reconstructs the states the run logically
// passed through.
func pathTo(from, target store.State) []store.State {
	if from == target {
		return nil
	}
	if canTransition(from, target) {
		return []store.State{target}
	}

	// Single-intermediate hops cover the whole graph: e.g. QUEUED ->
	// INITIALIZING -> RUNNING, or INITIALIZING -> RUNNING -> COMPLETE.
	for _, mid := range transitions[from] {
		if canTransition(mid, target) {
			return []store.State{mid, target}
		}
		for _, mid2 := range transitions[mid] {
			if canTransition(mid2, target) {
				return []store.State{mid, mid2, target}
			}
		}
	}
	return nil
}

// interpret maps a run's current state and a dispatcher poll result to
// the state the run should now be in. The bool result is false when the
// poll carries no new information.
func interpret(current store.State, st dispatch.Status) (store.State, bool) {
	if current.Terminal() {
		return current, false
	}

	if current == store.StateCanceling {
		// Any terminal task outcome confirms the worker stopped.
		switch st.State {
		case dispatch.TaskCanceled, dispatch.TaskSucceeded, dispatch.TaskFailed:
			return store.StateCanceled, true
		case dispatch.TaskLost:
			return store.StateSystemError, true
		}
		return current, false
	}

	switch st.State {
	case dispatch.TaskPending:
		return current, false
	case dispatch.TaskInitializing:
		if current == store.StateQueued {
			return store.StateInitializing, true
		}
		return current, false
	case dispatch.TaskRunning:
		if current == store.StateQueued || current == store.StateInitializing {
			return store.StateRunning, true
		}
		return current, false
	case dispatch.TaskSucceeded:
		return store.StateComplete, true
	case dispatch.TaskFailed:
		return store.StateExecutorError, true
	case dispatch.TaskCanceled:
		return store.StateCanceled, true
	case dispatch.TaskLost:
		return store.StateSystemError, true
	}
	return current, false
}
