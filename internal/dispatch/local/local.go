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

// Package local provides an in-process dispatcher: a fixed worker pool
// consuming an in-memory FIFO queue. It serves single-node deployments
// and tests; the broker-backed dispatcher covers everything else.
package local

import (
	"context"
	"log/slog"
	"sync"

	"github.com/flowd-io/flowd/internal/dispatch"
	"github.com/flowd-io/flowd/internal/log"
	"github.com/flowd-io/flowd/pkg/errors"
)

// Compile-time interface assertion.
var _ dispatch.Dispatcher = (*Dispatcher)(nil)

// taskEntry tracks one submitted task.
type taskEntry struct {
	task            *dispatch.Task
	state           dispatch.TaskState
	exitCode        *int
	cancelRequested bool
	cancel          context.CancelFunc
}

// Dispatcher executes tasks on an in-process worker pool.
type Dispatcher struct {
	logger *slog.Logger

	mu     sync.Mutex
	queue  []*taskEntry
	tasks  map[string]*taskEntry
	signal chan struct{}
	closed bool

	stop   context.CancelFunc
	wg     sync.WaitGroup
}

// New creates a local dispatcher with the given pool size and starts its
// workers.
func New(workers int, logger *slog.Logger) *Dispatcher {
	if workers <= 0 {
		workers = 4
	}
	if logger == nil {
		logger = slog.Default()
	}

	ctx, stop := context.WithCancel(context.Background())
	d := &Dispatcher{
		logger: log.WithComponent(logger, "dispatch.local"),
		tasks:  make(map[string]*taskEntry),
		signal: make(chan struct{}, 1),
		stop:   stop,
	}

	d.wg.Add(workers)
	for i := 0; i < workers; i++ {
		go d.worker(ctx)
	}
	return d
}

// Submit enqueues a task for execution.
func (d *Dispatcher) Submit(ctx context.Context, task *dispatch.Task) (string, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.closed {
		return "", &errors.DispatchError{Op: "submit", Cause: errors.New("dispatcher closed")}
	}
	if _, exists := d.tasks[task.Handle]; exists {
		return "", &errors.DispatchError{Op: "submit", Cause: errors.New("duplicate handle " + task.Handle)}
	}

	entry := &taskEntry{task: task, state: dispatch.TaskPending}
	d.tasks[task.Handle] = entry
	d.queue = append(d.queue, entry)

	select {
	case d.signal <- struct{}{}:
	default:
	}
	return task.Handle, nil
}

// Poll reports the task's current status. Unknown handles resolve to
// TaskLost: the pool has no record, so the fate is undeterminable.
func (d *Dispatcher) Poll(ctx context.Context, handle string) (dispatch.Status, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	entry, exists := d.tasks[handle]
	if !exists {
		return dispatch.Status{State: dispatch.TaskLost}, nil
	}
	return dispatch.Status{State: entry.state, ExitCode: entry.exitCode}, nil
}

// Cancel requests termination of a task. Pending tasks are dropped from
// the queue without ever starting; running tasks get their process
// signalled.
func (d *Dispatcher) Cancel(ctx context.Context, handle string) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	entry, exists := d.tasks[handle]
	if !exists {
		return &errors.DispatchError{Op: "cancel", Cause: errors.New("unknown handle " + handle)}
	}

	entry.cancelRequested = true
	if entry.state == dispatch.TaskPending {
		entry.state = dispatch.TaskCanceled
		code := dispatch.ExitCodeCanceled
		entry.exitCode = &code
		return nil
	}
	if entry.cancel != nil {
		entry.cancel()
	}
	return nil
}

// Close stops the worker pool. In-flight tasks are terminated.
func (d *Dispatcher) Close() error {
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return nil
	}
	d.closed = true
	d.mu.Unlock()

	d.stop()
	d.wg.Wait()
	return nil
}

// worker consumes the queue until the dispatcher is closed.
func (d *Dispatcher) worker(ctx context.Context) {
	defer d.wg.Done()

	for {
		entry := d.dequeue(ctx)
		if entry == nil {
			return
		}
		d.execute(ctx, entry)
	}
}

// dequeue blocks until a runnable task is available or ctx is cancelled.
// Tasks cancelled while pending are skipped; their state was already
// settled by Cancel.
func (d *Dispatcher) dequeue(ctx context.Context) *taskEntry {
	for {
		d.mu.Lock()
		for len(d.queue) > 0 {
			entry := d.queue[0]
			d.queue = d.queue[1:]
			if entry.state != dispatch.TaskPending {
				continue
			}
			entry.state = dispatch.TaskInitializing
			d.mu.Unlock()
			return entry
		}
		d.mu.Unlock()

		select {
		case <-ctx.Done():
			return nil
		case <-d.signal:
		}
	}
}

// execute runs one task to completion and records its outcome.
func (d *Dispatcher) execute(ctx context.Context, entry *taskEntry) {
	taskCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	d.mu.Lock()
	if entry.cancelRequested {
		entry.state = dispatch.TaskCanceled
		code := dispatch.ExitCodeCanceled
		entry.exitCode = &code
		d.mu.Unlock()
		return
	}
	entry.cancel = cancel
	d.mu.Unlock()

	logger := d.logger.With(slog.String("handle", entry.task.Handle))
	logger.Info("executing task", slog.String("cmd", entry.task.Cmd[0]))

	code, err := dispatch.RunTask(taskCtx, entry.task, func() {
		d.mu.Lock()
		if entry.state == dispatch.TaskInitializing {
			entry.state = dispatch.TaskRunning
		}
		d.mu.Unlock()
	})
	if err != nil {
		// The engine could not be invoked at all; report it as a
		// command-not-found style failure.
		logger.Error("task failed to start", log.Error(err))
		code = 127
	}

	d.mu.Lock()
	entry.exitCode = &code
	switch {
	case code == 0:
		entry.state = dispatch.TaskSucceeded
	case code == dispatch.ExitCodeCanceled:
		entry.state = dispatch.TaskCanceled
	default:
		entry.state = dispatch.TaskFailed
	}
	entry.cancel = nil
	d.mu.Unlock()

	logger.Info("task finished",
		slog.String("task_state", string(entry.state)),
		slog.Int("exit_code", code))
}
