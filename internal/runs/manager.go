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

// Package runs coordinates the run lifecycle: it accepts submissions,
// materializes execution directories, dispatches engine commands, and
// reconciles dispatcher poll results into run state transitions.
//
// The Manager is the only writer of a run's state and run log after
// acceptance. All mutation happens under a per-run lock, so two
// concurrent requests for the same run serialize while requests for
// different runs proceed independently.
package runs

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/flowd-io/flowd/internal/command"
	"github.com/flowd-io/flowd/internal/config"
	"github.com/flowd-io/flowd/internal/dispatch"
	"github.com/flowd-io/flowd/internal/log"
	"github.com/flowd-io/flowd/internal/store"
	"github.com/flowd-io/flowd/internal/workdir"
	"github.com/flowd-io/flowd/pkg/errors"
)

const tracerName = "github.com/flowd-io/flowd/internal/runs"

// SubmitRequest carries a decoded run submission into the Manager.
type SubmitRequest struct {
	WorkflowURL         string
	WorkflowType        string
	WorkflowTypeVersion string
	WorkflowParams      map[string]any
	EngineParameters    map[string]string
	Tags                map[string]string
	Attachments         []workdir.Attachment
}

// Options configures a Manager.
type Options struct {
	Store      store.Store
	Builder    *workdir.Builder
	Dispatcher dispatch.Dispatcher
	Engine     config.EngineConfig

	// PublicURL is the base for stdout/stderr artifact links in run logs.
	PublicURL string

	// PollInterval drives the background reconciliation loop.
	PollInterval time.Duration

	// Staleness is the record age past which a status query triggers an
	// inline dispatcher poll instead of serving the cached state.
	Staleness time.Duration

	// CancelTimeout bounds how long a run may sit in CANCELING before it
	// resolves to SYSTEM_ERROR.
	CancelTimeout time.Duration

	Logger *slog.Logger
}

// Manager owns run lifecycle coordination.
type Manager struct {
	store      store.Store
	builder    *workdir.Builder
	dispatcher dispatch.Dispatcher
	engine     config.EngineConfig

	publicURL     string
	pollInterval  time.Duration
	staleness     time.Duration
	cancelTimeout time.Duration

	logger *slog.Logger
	tracer trace.Tracer

	mu    sync.Mutex
	locks map[string]*sync.Mutex

	stop chan struct{}
	done chan struct{}
}

// NewManager creates a Manager. Call Start to begin background
// reconciliation and Close to stop it.
func NewManager(opts Options) *Manager {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Manager{
		store:         opts.Store,
		builder:       opts.Builder,
		dispatcher:    opts.Dispatcher,
		engine:        opts.Engine,
		publicURL:     strings.TrimRight(opts.PublicURL, "/"),
		pollInterval:  opts.PollInterval,
		staleness:     opts.Staleness,
		cancelTimeout: opts.CancelTimeout,
		logger:        log.WithComponent(logger, "runs"),
		tracer:        otel.Tracer(tracerName),
		locks:         make(map[string]*sync.Mutex),
		stop:          make(chan struct{}),
		done:          make(chan struct{}),
	}
}

// Start launches the background poll loop.
func (m *Manager) Start() {
	go m.pollLoop()
}

// Close stops the poll loop and waits for it to drain.
func (m *Manager) Close() error {
	close(m.stop)
	<-m.done
	return nil
}

// runLock returns the mutex guarding one run's record.
func (m *Manager) runLock(id string) *sync.Mutex {
	m.mu.Lock()
	defer m.mu.Unlock()
	l, ok := m.locks[id]
	if !ok {
		l = &sync.Mutex{}
		m.locks[id] = l
	}
	return l
}

// releaseLock drops a run's mutex entry once the run can no longer change.
func (m *Manager) releaseLock(id string) {
	m.mu.Lock()
	delete(m.locks, id)
	m.mu.Unlock()
}

// Submit accepts a run submission. On success the run exists in QUEUED
// with its execution directory materialized and its command dispatched.
//
// Failure semantics differ by stage: validation failures reject the
// submission outright with no run created; a directory build failure
// leaves a run record that has already resolved to SYSTEM_ERROR; a
// dispatcher that cannot accept the task rejects the submission and
// removes both the record and the directory, so no orphaned QUEUED run
// survives a broker outage.
func (m *Manager) Submit(ctx context.Context, req *SubmitRequest) (*store.Run, error) {
	ctx, span := m.tracer.Start(ctx, "runs.Submit",
		trace.WithAttributes(attribute.String("workflow.type", req.WorkflowType)))
	defer span.End()

	wfType, err := command.ParseType(req.WorkflowType)
	if err != nil {
		submissionsRejected.WithLabelValues("invalid_type").Inc()
		return nil, err
	}
	if err := m.validateVersion(wfType, req.WorkflowTypeVersion); err != nil {
		submissionsRejected.WithLabelValues("invalid_version").Inc()
		return nil, err
	}
	if req.WorkflowURL == "" {
		submissionsRejected.WithLabelValues("missing_url").Inc()
		return nil, &errors.ValidationError{Field: "workflow_url", Message: "is required"}
	}
	if err := m.validateEngineParameters(req.EngineParameters); err != nil {
		submissionsRejected.WithLabelValues("invalid_engine_parameters").Inc()
		return nil, err
	}

	runID := strings.ReplaceAll(uuid.NewString(), "-", "")
	span.SetAttributes(attribute.String("run.id", runID))
	logger := log.WithRun(m.logger, runID)

	attNames := make([]string, 0, len(req.Attachments))
	for _, att := range req.Attachments {
		attNames = append(attNames, att.Name)
	}

	now := time.Now().UTC()
	run := &store.Run{
		ID:    runID,
		State: store.StateQueued,
		Request: store.Request{
			WorkflowURL:              req.WorkflowURL,
			WorkflowType:             string(wfType),
			WorkflowTypeVersion:      req.WorkflowTypeVersion,
			WorkflowParams:           req.WorkflowParams,
			WorkflowAttachments:      attNames,
			WorkflowEngineParameters: req.EngineParameters,
			Tags:                     req.Tags,
		},
		CreatedAt: now,
		UpdatedAt: now,
	}

	l := m.runLock(runID)
	l.Lock()
	defer l.Unlock()

	if err := m.store.CreateRun(ctx, run); err != nil {
		submissionsRejected.WithLabelValues("store").Inc()
		return nil, err
	}
	activeRuns.Inc()

	layout, err := m.builder.Build(runID, req.WorkflowURL, req.WorkflowParams, req.Attachments)
	if err != nil {
		logger.Error("execution directory build failed", log.Error(err))
		m.failRun(ctx, run)
		return run, err
	}

	cmd, err := command.Build(command.Spec{
		Type:         wfType,
		Runner:       m.engine.Runners[string(wfType)],
		WorkflowPath: layout.WorkflowPath,
		ParamsPath:   layout.ParamsPath,
		OutputDir:    layout.OutputsDir,
		Defaults:     m.engine.DefaultParameters,
		Overrides:    req.EngineParameters,
		Repeatable:   m.engine.RepeatableSet(),
	})
	if err != nil {
		logger.Error("command construction failed", log.Error(err))
		m.failRun(ctx, run)
		return run, err
	}

	run.RunLog.Cmd = cmd
	run.RunLog.Stdout = m.artifactURL(runID, "stdout")
	run.RunLog.Stderr = m.artifactURL(runID, "stderr")

	handle, err := m.dispatcher.Submit(ctx, &dispatch.Task{
		Handle:       runID,
		Cmd:          cmd,
		Dir:          layout.ExecDir,
		StdoutPath:   layout.StdoutPath,
		StderrPath:   layout.StderrPath,
		WorkflowURL:  layout.WorkflowURL,
		WorkflowPath: layout.WorkflowPath,
	})
	if err != nil {
		// The broker rejected the task: withdraw the submission entirely
		// rather than strand a QUEUED run nothing will ever execute.
		dispatchErrors.WithLabelValues("submit").Inc()
		logger.Error("dispatch rejected submission", log.Error(err))
		if derr := m.store.DeleteRun(ctx, runID); derr != nil {
			logger.Error("removing rejected run record", log.Error(derr))
		}
		if derr := m.builder.Remove(runID); derr != nil {
			logger.Error("removing rejected run directory", log.Error(derr))
		}
		activeRuns.Dec()
		m.releaseLock(runID)
		return nil, &errors.DispatchError{Op: "submit", Cause: err}
	}

	run.Handle = handle
	run.UpdatedAt = time.Now().UTC()
	if err := m.store.UpdateRun(ctx, run); err != nil {
		// The task is queued but the record cannot remember its handle.
		// Withdraw the task and resolve the run rather than leave a
		// QUEUED record nothing can ever poll.
		logger.Error("persisting dispatched run", log.Error(err))
		if cerr := m.dispatcher.Cancel(ctx, handle); cerr != nil {
			dispatchErrors.WithLabelValues("cancel").Inc()
			logger.Error("withdrawing task for unpersistable run", log.Error(cerr))
		}
		m.failRun(ctx, run)
		return run, err
	}

	submissionsTotal.WithLabelValues(string(wfType)).Inc()
	logger.Info("run accepted",
		log.String(log.StateKey, string(run.State)),
		log.String(log.WorkflowTypeKey, string(wfType)))
	return run, nil
}

// Get returns the full run record, refreshing a stale non-terminal record
// from the dispatcher first.
func (m *Manager) Get(ctx context.Context, id string) (*store.Run, error) {
	run, err := m.store.GetRun(ctx, id)
	if err != nil {
		return nil, err
	}
	if m.isStale(run) {
		return m.refresh(ctx, id)
	}
	return run, nil
}

// GetStatus returns the run's id and state only.
func (m *Manager) GetStatus(ctx context.Context, id string) (string, store.State, error) {
	run, err := m.Get(ctx, id)
	if err != nil {
		return "", "", err
	}
	return run.ID, run.State, nil
}

// List returns run summaries, most recent first.
func (m *Manager) List(ctx context.Context, filter store.RunFilter) ([]*store.Run, error) {
	return m.store.ListRuns(ctx, filter)
}

// Cancel requests termination of a run. Cancelling a terminal run is a
// no-op that reports the existing state; cancelling a run already in
// CANCELING is likewise idempotent.
func (m *Manager) Cancel(ctx context.Context, id string) (*store.Run, error) {
	ctx, span := m.tracer.Start(ctx, "runs.Cancel",
		trace.WithAttributes(attribute.String("run.id", id)))
	defer span.End()

	l := m.runLock(id)
	l.Lock()
	defer l.Unlock()

	run, err := m.store.GetRun(ctx, id)
	if err != nil {
		return nil, err
	}
	if run.State.Terminal() || run.State == store.StateCanceling {
		return run, nil
	}

	if err := m.dispatcher.Cancel(ctx, run.Handle); err != nil {
		dispatchErrors.WithLabelValues("cancel").Inc()
		return nil, &errors.DispatchError{Op: "cancel", Cause: err}
	}

	m.setState(run, store.StateCanceling)
	if err := m.store.UpdateRun(ctx, run); err != nil {
		return nil, err
	}
	return run, nil
}

// Layout exposes the run's on-disk layout for log artifact serving.
func (m *Manager) Layout(runID string) workdir.Layout {
	return m.builder.LayoutFor(runID)
}

// StateCounts tallies runs per lifecycle state across the store.
func (m *Manager) StateCounts(ctx context.Context) (map[string]int, error) {
	all, err := m.store.ListRuns(ctx, store.RunFilter{})
	if err != nil {
		return nil, err
	}
	counts := make(map[string]int)
	for _, run := range all {
		counts[string(run.State)]++
	}
	return counts, nil
}

// isStale reports whether a record should be refreshed before serving.
func (m *Manager) isStale(run *store.Run) bool {
	if run.State.Terminal() || m.staleness <= 0 {
		return false
	}
	return time.Since(run.UpdatedAt) > m.staleness
}

// refresh polls the dispatcher for one run and applies the resulting
// transitions under the run's lock.
func (m *Manager) refresh(ctx context.Context, id string) (*store.Run, error) {
	ctx, span := m.tracer.Start(ctx, "runs.refresh",
		trace.WithAttributes(attribute.String("run.id", id)))
	defer span.End()

	l := m.runLock(id)
	l.Lock()
	defer l.Unlock()

	run, err := m.store.GetRun(ctx, id)
	if err != nil {
		return nil, err
	}
	if run.State.Terminal() {
		return run, nil
	}

	st, err := m.dispatcher.Poll(ctx, run.Handle)
	if err != nil {
		// Poll contract folds broker uncertainty into TaskLost; a hard
		// error here is transient. Serve the cached record.
		dispatchErrors.WithLabelValues("poll").Inc()
		m.logger.Warn("dispatcher poll failed",
			log.String(log.RunIDKey, id), log.Error(err))
		return run, nil
	}

	changed := m.applyStatus(run, st)
	if !changed && run.State == store.StateCanceling && m.cancelTimeout > 0 &&
		time.Since(run.UpdatedAt) > m.cancelTimeout {
		// The worker never confirmed termination inside the window.
		m.logger.Error("cancel confirmation window exceeded",
			log.String(log.RunIDKey, id))
		m.setState(run, store.StateSystemError)
		changed = true
	}

	if changed {
		run.UpdatedAt = time.Now().UTC()
		if err := m.store.UpdateRun(ctx, run); err != nil {
			return nil, err
		}
		if run.State.Terminal() {
			m.releaseLock(id)
		}
	}
	return run, nil
}

// applyStatus folds a poll result into the run, walking intermediate
// lifecycle states when the dispatcher skipped observations.
func (m *Manager) applyStatus(run *store.Run, st dispatch.Status) bool {
	target, ok := interpret(run.State, st)
	if !ok {
		return false
	}

	for _, next := range pathTo(run.State, target) {
		m.setState(run, next)
	}

	if target.Terminal() {
		if st.ExitCode != nil {
			code := *st.ExitCode
			run.RunLog.ExitCode = &code
		}
		if target == store.StateComplete {
			run.Outputs = m.collectOutputs(run)
		}
	}
	return true
}

// setState applies one lifecycle edge and its bookkeeping: timestamps,
// metrics, and handle retirement. Callers persist the record afterwards.
func (m *Manager) setState(run *store.Run, to store.State) {
	from := run.State
	run.State = to
	stateTransitions.WithLabelValues(string(from), string(to)).Inc()

	now := time.Now().UTC()
	if to == store.StateRunning && run.RunLog.StartTime == nil {
		run.RunLog.StartTime = &now
	}
	if to.Terminal() {
		if run.RunLog.EndTime == nil {
			run.RunLog.EndTime = &now
		}
		run.Handle = ""
		activeRuns.Dec()
		start := run.CreatedAt
		if run.RunLog.StartTime != nil {
			start = *run.RunLog.StartTime
		}
		runDuration.WithLabelValues(string(to)).Observe(now.Sub(start).Seconds())
	}

	m.logger.Info("run state changed",
		log.String(log.RunIDKey, run.ID),
		log.String(log.EventKey, "transition"),
		log.String("from", string(from)),
		log.String(log.StateKey, string(to)))
}

// failRun resolves a freshly created run that can never execute.
func (m *Manager) failRun(ctx context.Context, run *store.Run) {
	m.setState(run, store.StateSystemError)
	run.UpdatedAt = time.Now().UTC()
	if err := m.store.UpdateRun(ctx, run); err != nil {
		m.logger.Error("persisting failed run",
			log.String(log.RunIDKey, run.ID), log.Error(err))
	}
	m.releaseLock(run.ID)
}

// collectOutputs assembles the outputs document for a completed run.
//
// CWL interpreters print the output object as JSON on stdout; when that
// parses, it is the authoritative document. Otherwise the outputs
// directory is enumerated file by file.
func (m *Manager) collectOutputs(run *store.Run) map[string]any {
	layout := m.builder.LayoutFor(run.ID)

	if run.Request.WorkflowType == string(command.TypeCWL) {
		if data, err := os.ReadFile(layout.StdoutPath); err == nil {
			var doc map[string]any
			if json.Unmarshal(data, &doc) == nil && len(doc) > 0 {
				return doc
			}
		}
	}

	entries, err := os.ReadDir(layout.OutputsDir)
	if err != nil {
		return nil
	}
	outputs := make(map[string]any, len(entries))
	names := make([]string, 0, len(entries))
	for _, e := range entries {
		names = append(names, e.Name())
	}
	sort.Strings(names)
	for _, name := range names {
		path := filepath.Join(layout.OutputsDir, name)
		info, err := os.Stat(path)
		if err != nil {
			continue
		}
		class := "File"
		entry := map[string]any{
			"location": "file://" + path,
		}
		if info.IsDir() {
			class = "Directory"
		} else {
			entry["size"] = info.Size()
		}
		entry["class"] = class
		outputs[name] = entry
	}
	return outputs
}

// pollLoop periodically reconciles every non-terminal run with the
// dispatcher.
func (m *Manager) pollLoop() {
	defer close(m.done)
	if m.pollInterval <= 0 {
		m.pollInterval = 2 * time.Second
	}
	ticker := time.NewTicker(m.pollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-m.stop:
			return
		case <-ticker.C:
			m.reconcile()
		}
	}
}

// reconcile refreshes every active run once.
func (m *Manager) reconcile() {
	ctx, cancel := context.WithTimeout(context.Background(), m.pollInterval)
	defer cancel()

	all, err := m.store.ListRuns(ctx, store.RunFilter{})
	if err != nil {
		m.logger.Warn("listing runs for reconciliation", log.Error(err))
		return
	}
	for _, run := range all {
		if run.State.Terminal() {
			continue
		}
		if _, err := m.refresh(ctx, run.ID); err != nil {
			m.logger.Warn("refreshing run",
				log.String(log.RunIDKey, run.ID), log.Error(err))
		}
	}
}

// validateVersion checks the submitted type version against the
// configured support matrix.
func (m *Manager) validateVersion(t command.Type, version string) error {
	supported, ok := m.engine.SupportedVersions[string(t)]
	if !ok || len(supported) == 0 {
		return nil
	}
	if version == "" {
		return &errors.ValidationError{
			Field:   "workflow_type_version",
			Message: "is required",
		}
	}
	for _, v := range supported {
		if v == version {
			return nil
		}
	}
	return &errors.ValidationError{
		Field: "workflow_type_version",
		Message: fmt.Sprintf("unsupported version %q for type %q (supported: %s)",
			version, t, strings.Join(supported, ", ")),
	}
}

// validateEngineParameters rejects override keys that could not be
// command-line options.
func (m *Manager) validateEngineParameters(params map[string]string) error {
	for key := range params {
		if key == "" || strings.ContainsAny(key, " \t\n") {
			return &errors.ValidationError{
				Field:   "workflow_engine_parameters",
				Message: fmt.Sprintf("invalid parameter key %q", key),
			}
		}
	}
	return nil
}

// artifactURL builds the externally visible link to a log artifact.
func (m *Manager) artifactURL(runID, artifact string) string {
	if m.publicURL == "" {
		return ""
	}
	return fmt.Sprintf("%s/v1/runs/%s/%s", m.publicURL, runID, artifact)
}
