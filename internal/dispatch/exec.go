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

package dispatch

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/exec"
	"syscall"
	"time"
)

// ExitCodeCanceled is the conventional exit code for a process terminated
// by a cancellation signal.
const ExitCodeCanceled = 130

// termGrace is how long a canceled process gets to exit after SIGTERM
// before it is killed.
const termGrace = 5 * time.Second

// RunTask executes the task's command with stdout and stderr captured to
// the task's output files. onStart is invoked once the process has
// started. Cancelling ctx sends SIGTERM to the process group, waits a
// grace period, then kills it; the returned exit code is then
// ExitCodeCanceled.
//
// Both dispatcher implementations' workers share this: the in-process
// pool calls it directly, the broker-backed worker calls it from its
// consume loop.
func RunTask(ctx context.Context, task *Task, onStart func()) (int, error) {
	if len(task.Cmd) == 0 {
		return -1, fmt.Errorf("dispatch: empty command for task %s", task.Handle)
	}

	if task.WorkflowURL != "" {
		if err := fetchWorkflow(ctx, task.WorkflowURL, task.WorkflowPath); err != nil {
			return -1, err
		}
	}

	stdout, err := os.Create(task.StdoutPath)
	if err != nil {
		return -1, fmt.Errorf("dispatch: creating stdout file: %w", err)
	}
	defer stdout.Close()

	stderr, err := os.Create(task.StderrPath)
	if err != nil {
		return -1, fmt.Errorf("dispatch: creating stderr file: %w", err)
	}
	defer stderr.Close()

	cmd := exec.Command(task.Cmd[0], task.Cmd[1:]...)
	cmd.Dir = task.Dir
	cmd.Stdout = stdout
	cmd.Stderr = stderr
	// Own process group so a termination signal reaches engine children.
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}

	if err := cmd.Start(); err != nil {
		return -1, fmt.Errorf("dispatch: starting %s: %w", task.Cmd[0], err)
	}
	if onStart != nil {
		onStart()
	}

	done := make(chan error, 1)
	go func() {
		done <- cmd.Wait()
	}()

	select {
	case err := <-done:
		return exitCode(cmd, err), nil

	case <-ctx.Done():
		_ = syscall.Kill(-cmd.Process.Pid, syscall.SIGTERM)
		select {
		case <-done:
		case <-time.After(termGrace):
			_ = syscall.Kill(-cmd.Process.Pid, syscall.SIGKILL)
			<-done
		}
		return ExitCodeCanceled, nil
	}
}

// fetchWorkflow downloads a remote workflow document to dest. It runs on
// the worker side so the submission path never blocks on a download.
func fetchWorkflow(ctx context.Context, rawURL, dest string) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return fmt.Errorf("dispatch: fetching workflow %s: %w", rawURL, err)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return fmt.Errorf("dispatch: fetching workflow %s: %w", rawURL, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("dispatch: fetching workflow %s: status %d", rawURL, resp.StatusCode)
	}

	f, err := os.Create(dest)
	if err != nil {
		return fmt.Errorf("dispatch: creating workflow file %s: %w", dest, err)
	}
	defer f.Close()
	if _, err := io.Copy(f, resp.Body); err != nil {
		return fmt.Errorf("dispatch: writing workflow file %s: %w", dest, err)
	}
	return nil
}

// exitCode extracts the process exit code from cmd.Wait's result.
func exitCode(cmd *exec.Cmd, err error) int {
	if err == nil {
		return 0
	}
	if exitErr, ok := err.(*exec.ExitError); ok {
		status := exitErr.Sys().(syscall.WaitStatus)
		if status.Signaled() {
			return ExitCodeCanceled
		}
		return status.ExitStatus()
	}
	return cmd.ProcessState.ExitCode()
}
