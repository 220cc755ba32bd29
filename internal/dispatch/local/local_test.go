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

package local

import (
	"context"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"testing"
	"time"

	"github.com/flowd-io/flowd/internal/dispatch"
)

// newTask builds a shell task writing to files under dir.
func newTask(t *testing.T, handle, script string) *dispatch.Task {
	t.Helper()
	dir := t.TempDir()
	return &dispatch.Task{
		Handle:     handle,
		Cmd:        []string{"sh", "-c", script},
		Dir:        dir,
		StdoutPath: filepath.Join(dir, "stdout"),
		StderrPath: filepath.Join(dir, "stderr"),
	}
}

// waitFor polls until the task reaches a terminal state or the deadline
// passes.
func waitFor(t *testing.T, d *Dispatcher, handle string, timeout time.Duration) dispatch.Status {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		st, err := d.Poll(context.Background(), handle)
		if err != nil {
			t.Fatalf("Poll() error = %v", err)
		}
		if st.State.Terminal() {
			return st
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("task %s did not settle within %s", handle, timeout)
	return dispatch.Status{}
}

func TestExecuteSuccess(t *testing.T) {
	if runtime.GOOS == "windows" {
		t.Skip("requires a POSIX shell")
	}
	d := New(2, nil)
	defer d.Close()

	task := newTask(t, "t1", "echo hello; echo oops >&2; exit 0")
	if _, err := d.Submit(context.Background(), task); err != nil {
		t.Fatalf("Submit() error = %v", err)
	}

	st := waitFor(t, d, "t1", 5*time.Second)
	if st.State != dispatch.TaskSucceeded {
		t.Fatalf("state = %s, want succeeded", st.State)
	}
	if st.ExitCode == nil || *st.ExitCode != 0 {
		t.Errorf("exit code = %v, want 0", st.ExitCode)
	}

	stdout, err := os.ReadFile(task.StdoutPath)
	if err != nil {
		t.Fatalf("reading stdout: %v", err)
	}
	if !strings.Contains(string(stdout), "hello") {
		t.Errorf("stdout = %q, want hello", stdout)
	}
	stderr, _ := os.ReadFile(task.StderrPath)
	if !strings.Contains(string(stderr), "oops") {
		t.Errorf("stderr = %q, want oops", stderr)
	}
}

func TestExecuteFailure(t *testing.T) {
	if runtime.GOOS == "windows" {
		t.Skip("requires a POSIX shell")
	}
	d := New(1, nil)
	defer d.Close()

	task := newTask(t, "t1", "exit 3")
	if _, err := d.Submit(context.Background(), task); err != nil {
		t.Fatalf("Submit() error = %v", err)
	}

	st := waitFor(t, d, "t1", 5*time.Second)
	if st.State != dispatch.TaskFailed {
		t.Fatalf("state = %s, want failed", st.State)
	}
	if st.ExitCode == nil || *st.ExitCode != 3 {
		t.Errorf("exit code = %v, want 3", st.ExitCode)
	}
}

func TestStartFailure(t *testing.T) {
	d := New(1, nil)
	defer d.Close()

	dir := t.TempDir()
	task := &dispatch.Task{
		Handle:     "t1",
		Cmd:        []string{"/no/such/binary"},
		Dir:        dir,
		StdoutPath: filepath.Join(dir, "stdout"),
		StderrPath: filepath.Join(dir, "stderr"),
	}
	if _, err := d.Submit(context.Background(), task); err != nil {
		t.Fatalf("Submit() error = %v", err)
	}

	st := waitFor(t, d, "t1", 5*time.Second)
	if st.State != dispatch.TaskFailed {
		t.Fatalf("state = %s, want failed", st.State)
	}
	if st.ExitCode == nil || *st.ExitCode != 127 {
		t.Errorf("exit code = %v, want 127", st.ExitCode)
	}
}

func TestCancelRunning(t *testing.T) {
	if runtime.GOOS == "windows" {
		t.Skip("requires a POSIX shell")
	}
	d := New(1, nil)
	defer d.Close()

	task := newTask(t, "t1", "sleep 30")
	if _, err := d.Submit(context.Background(), task); err != nil {
		t.Fatalf("Submit() error = %v", err)
	}

	// Wait for the process to actually start before cancelling.
	deadline := time.Now().Add(5 * time.Second)
	for {
		st, _ := d.Poll(context.Background(), "t1")
		if st.State == dispatch.TaskRunning {
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("task never started")
		}
		time.Sleep(10 * time.Millisecond)
	}

	if err := d.Cancel(context.Background(), "t1"); err != nil {
		t.Fatalf("Cancel() error = %v", err)
	}

	st := waitFor(t, d, "t1", 10*time.Second)
	if st.State != dispatch.TaskCanceled {
		t.Fatalf("state = %s, want canceled", st.State)
	}
	if st.ExitCode == nil || *st.ExitCode != dispatch.ExitCodeCanceled {
		t.Errorf("exit code = %v, want %d", st.ExitCode, dispatch.ExitCodeCanceled)
	}
}

func TestCancelPending(t *testing.T) {
	if runtime.GOOS == "windows" {
		t.Skip("requires a POSIX shell")
	}
	// One worker, occupied by a long task, so the second stays pending.
	d := New(1, nil)
	defer d.Close()

	blocker := newTask(t, "blocker", "sleep 30")
	if _, err := d.Submit(context.Background(), blocker); err != nil {
		t.Fatalf("Submit() error = %v", err)
	}
	pending := newTask(t, "pending", "echo never")
	if _, err := d.Submit(context.Background(), pending); err != nil {
		t.Fatalf("Submit() error = %v", err)
	}

	if err := d.Cancel(context.Background(), "pending"); err != nil {
		t.Fatalf("Cancel() error = %v", err)
	}

	st, err := d.Poll(context.Background(), "pending")
	if err != nil {
		t.Fatalf("Poll() error = %v", err)
	}
	if st.State != dispatch.TaskCanceled {
		t.Fatalf("state = %s, want canceled without starting", st.State)
	}

	// The canceled task must never execute.
	if _, err := os.Stat(pending.StdoutPath); !os.IsNotExist(err) {
		data, _ := os.ReadFile(pending.StdoutPath)
		if strings.Contains(string(data), "never") {
			t.Error("canceled pending task was executed")
		}
	}

	if err := d.Cancel(context.Background(), "blocker"); err != nil {
		t.Fatalf("Cancel(blocker) error = %v", err)
	}
}

func TestPollUnknownHandle(t *testing.T) {
	d := New(1, nil)
	defer d.Close()

	st, err := d.Poll(context.Background(), "ghost")
	if err != nil {
		t.Fatalf("Poll() error = %v", err)
	}
	if st.State != dispatch.TaskLost {
		t.Errorf("state = %s, want lost", st.State)
	}
}

func TestSubmitDuplicateHandle(t *testing.T) {
	if runtime.GOOS == "windows" {
		t.Skip("requires a POSIX shell")
	}
	d := New(1, nil)
	defer d.Close()

	task := newTask(t, "t1", "true")
	if _, err := d.Submit(context.Background(), task); err != nil {
		t.Fatalf("Submit() error = %v", err)
	}
	if _, err := d.Submit(context.Background(), newTask(t, "t1", "true")); err == nil {
		t.Fatal("duplicate handle should be rejected")
	}
}

func TestSubmitAfterClose(t *testing.T) {
	d := New(1, nil)
	if err := d.Close(); err != nil {
		t.Fatalf("Close() error = %v", err)
	}
	if _, err := d.Submit(context.Background(), newTask(t, "t1", "true")); err == nil {
		t.Fatal("submit after close should fail")
	}
}
