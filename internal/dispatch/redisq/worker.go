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

package redisq

import (
	"context"
	"encoding/json"
	"log/slog"
	"strconv"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/flowd-io/flowd/internal/dispatch"
	"github.com/flowd-io/flowd/internal/log"
)

// popTimeout is the blocking-pop window; it bounds how long a worker
// goroutine waits before re-checking for shutdown.
const popTimeout = 2 * time.Second

// Worker consumes tasks from the broker queue and executes them. It is
// the process behind `flowd worker`, running independently of the front
// end: it may crash, restart, or be scaled out without the server's
// involvement.
type Worker struct {
	client      *redis.Client
	queue       string
	concurrency int
	logger      *slog.Logger
}

// NewWorker creates a worker pool over the given broker connection.
func NewWorker(client *redis.Client, queue string, concurrency int, logger *slog.Logger) *Worker {
	if concurrency <= 0 {
		concurrency = 4
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Worker{
		client:      client,
		queue:       queue,
		concurrency: concurrency,
		logger:      log.WithComponent(logger, "dispatch.worker"),
	}
}

// Run consumes the queue until ctx is cancelled.
func (w *Worker) Run(ctx context.Context) error {
	w.logger.Info("worker started",
		slog.String("queue", w.queue),
		slog.Int("concurrency", w.concurrency))

	var wg sync.WaitGroup
	wg.Add(w.concurrency)
	for i := 0; i < w.concurrency; i++ {
		go func() {
			defer wg.Done()
			w.consume(ctx)
		}()
	}
	wg.Wait()
	return ctx.Err()
}

// consume pops and executes tasks until ctx is cancelled.
func (w *Worker) consume(ctx context.Context) {
	for {
		if ctx.Err() != nil {
			return
		}

		res, err := w.client.BRPop(ctx, popTimeout, w.queue).Result()
		if err == redis.Nil {
			continue
		}
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			w.logger.Warn("broker pop failed", log.Error(err))
			time.Sleep(time.Second)
			continue
		}

		var task dispatch.Task
		if err := json.Unmarshal([]byte(res[1]), &task); err != nil || len(task.Cmd) == 0 {
			w.logger.Error("dropping malformed task payload", log.Error(err))
			continue
		}
		w.execute(ctx, &task)
	}
}

// execute runs one task and writes its outcome back to the status hash.
func (w *Worker) execute(ctx context.Context, task *dispatch.Task) {
	logger := w.logger.With(slog.String("handle", task.Handle))
	key := taskKey(task.Handle)

	// Cancel may have raced the queue; settle without starting anything.
	if w.cancelRequested(ctx, task.Handle) {
		w.finish(ctx, key, dispatch.TaskCanceled, dispatch.ExitCodeCanceled)
		logger.Info("task canceled before start")
		return
	}

	w.setState(ctx, key, dispatch.TaskInitializing)

	taskCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	go w.watchCancel(taskCtx, task.Handle, cancel)

	logger.Info("executing task", slog.String("cmd", task.Cmd[0]))
	code, err := dispatch.RunTask(taskCtx, task, func() {
		w.setState(ctx, key, dispatch.TaskRunning)
	})
	if err != nil {
		logger.Error("task failed to start", log.Error(err))
		code = 127
	}

	switch {
	case code == 0:
		w.finish(ctx, key, dispatch.TaskSucceeded, code)
	case code == dispatch.ExitCodeCanceled:
		w.finish(ctx, key, dispatch.TaskCanceled, code)
	default:
		w.finish(ctx, key, dispatch.TaskFailed, code)
	}
	logger.Info("task finished", slog.Int("exit_code", code))
}

// watchCancel cancels the task context when a cancel request arrives,
// either through pub/sub or (as a fallback) the cancel flag on the hash.
func (w *Worker) watchCancel(ctx context.Context, handle string, cancel context.CancelFunc) {
	sub := w.client.Subscribe(ctx, cancelChannel)
	defer sub.Close()

	ticker := time.NewTicker(2 * time.Second)
	defer ticker.Stop()

	ch := sub.Channel()
	for {
		select {
		case <-ctx.Done():
			return
		case msg, ok := <-ch:
			if ok && msg.Payload == handle {
				cancel()
				return
			}
		case <-ticker.C:
			if w.cancelRequested(ctx, handle) {
				cancel()
				return
			}
		}
	}
}

// cancelRequested reports whether the task's cancel flag is set.
func (w *Worker) cancelRequested(ctx context.Context, handle string) bool {
	v, err := w.client.HGet(ctx, taskKey(handle), fieldCancel).Result()
	return err == nil && v == "1"
}

// setState writes the task state field.
func (w *Worker) setState(ctx context.Context, key string, state dispatch.TaskState) {
	if err := w.client.HSet(ctx, key, fieldState, string(state)).Err(); err != nil {
		w.logger.Warn("failed to update task state", log.Error(err))
	}
}

// finish writes the terminal state and exit code.
func (w *Worker) finish(ctx context.Context, key string, state dispatch.TaskState, code int) {
	err := w.client.HSet(ctx, key,
		fieldState, string(state),
		fieldExitCode, strconv.Itoa(code),
	).Err()
	if err != nil {
		w.logger.Warn("failed to record task outcome", log.Error(err))
	}
}
