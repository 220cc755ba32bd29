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

// Package redisq provides a Redis-backed dispatcher for deployments where
// workers run in separate processes, possibly on separate hosts.
//
// Protocol: tasks are JSON payloads pushed onto a Redis list; per-task
// status lives in a hash keyed by handle; cancellation is a flag on the
// hash plus a pub/sub nudge so a worker holding the process learns about
// it promptly. A broker that cannot be reached makes Poll report the task
// as lost, which callers map to an infrastructure failure.
package redisq

import (
	"context"
	"encoding/json"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/flowd-io/flowd/internal/dispatch"
	"github.com/flowd-io/flowd/pkg/errors"
)

// Compile-time interface assertion.
var _ dispatch.Dispatcher = (*Dispatcher)(nil)

// Key layout in Redis.
const (
	taskKeyPrefix = "flowd:task:"
	cancelChannel = "flowd:cancel"
)

// Hash fields on a task key.
const (
	fieldState    = "state"
	fieldExitCode = "exit_code"
	fieldCancel   = "cancel"
)

// taskTTL bounds how long finished task records linger in the broker.
const taskTTL = 7 * 24 * time.Hour

// Dispatcher submits tasks through a Redis list and reads their status
// back from per-task hashes.
type Dispatcher struct {
	client *redis.Client
	queue  string
}

// New creates a Redis-backed dispatcher. The client is owned by the
// dispatcher and closed with it.
func New(client *redis.Client, queue string) *Dispatcher {
	return &Dispatcher{client: client, queue: queue}
}

// taskKey returns the status hash key for a handle.
func taskKey(handle string) string {
	return taskKeyPrefix + handle
}

// Submit marks the task pending and pushes it onto the queue.
func (d *Dispatcher) Submit(ctx context.Context, task *dispatch.Task) (string, error) {
	payload, err := json.Marshal(task)
	if err != nil {
		return "", &errors.DispatchError{Op: "submit", Cause: err}
	}

	pipe := d.client.TxPipeline()
	pipe.HSet(ctx, taskKey(task.Handle), fieldState, string(dispatch.TaskPending))
	pipe.Expire(ctx, taskKey(task.Handle), taskTTL)
	pipe.LPush(ctx, d.queue, payload)
	if _, err := pipe.Exec(ctx); err != nil {
		return "", &errors.DispatchError{Op: "submit", Cause: err}
	}
	return task.Handle, nil
}

// Poll reads the task's status hash. An unreachable broker or a missing
// record both resolve to TaskLost.
func (d *Dispatcher) Poll(ctx context.Context, handle string) (dispatch.Status, error) {
	fields, err := d.client.HGetAll(ctx, taskKey(handle)).Result()
	if err != nil || len(fields) == 0 {
		return dispatch.Status{State: dispatch.TaskLost}, nil
	}

	status := dispatch.Status{State: dispatch.TaskState(fields[fieldState])}
	if raw, ok := fields[fieldExitCode]; ok {
		if code, err := strconv.Atoi(raw); err == nil {
			status.ExitCode = &code
		}
	}
	return status, nil
}

// Cancel flags the task for cancellation and notifies workers.
func (d *Dispatcher) Cancel(ctx context.Context, handle string) error {
	pipe := d.client.TxPipeline()
	pipe.HSet(ctx, taskKey(handle), fieldCancel, "1")
	pipe.Publish(ctx, cancelChannel, handle)
	if _, err := pipe.Exec(ctx); err != nil {
		return &errors.DispatchError{Op: "cancel", Cause: err}
	}
	return nil
}

// Close closes the underlying Redis client.
func (d *Dispatcher) Close() error {
	return d.client.Close()
}
