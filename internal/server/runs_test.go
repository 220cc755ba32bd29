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

package server

import (
	"bytes"
	"context"
	"encoding/json"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"os"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/flowd-io/flowd/internal/config"
	"github.com/flowd-io/flowd/internal/dispatch"
	"github.com/flowd-io/flowd/internal/runs"
	"github.com/flowd-io/flowd/internal/store/memory"
	"github.com/flowd-io/flowd/internal/workdir"
)

// stubDispatcher accepts every task and reports a scripted status.
type stubDispatcher struct {
	mu       sync.Mutex
	statuses map[string]dispatch.Status
	fail     bool
}

func newStubDispatcher() *stubDispatcher {
	return &stubDispatcher{statuses: make(map[string]dispatch.Status)}
}

func (s *stubDispatcher) Submit(ctx context.Context, task *dispatch.Task) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.fail {
		return "", context.DeadlineExceeded
	}
	s.statuses[task.Handle] = dispatch.Status{State: dispatch.TaskPending}
	return task.Handle, nil
}

func (s *stubDispatcher) Poll(ctx context.Context, handle string) (dispatch.Status, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	st, ok := s.statuses[handle]
	if !ok {
		return dispatch.Status{State: dispatch.TaskLost}, nil
	}
	return st, nil
}

func (s *stubDispatcher) Cancel(ctx context.Context, handle string) error { return nil }
func (s *stubDispatcher) Close() error                                    { return nil }

func (s *stubDispatcher) setStatus(handle string, state dispatch.TaskState, exitCode *int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.statuses[handle] = dispatch.Status{State: state, ExitCode: exitCode}
}

func newTestServer(t *testing.T, sd *stubDispatcher) *Server {
	t.Helper()
	srv, _ := newTestHarness(t, sd, time.Hour)
	return srv
}

// newTestHarness builds a server and exposes its manager so tests can
// reach the run directory layout and drive staleness-based refreshes.
func newTestHarness(t *testing.T, sd *stubDispatcher, staleness time.Duration) (*Server, *runs.Manager) {
	t.Helper()
	builder, err := workdir.NewBuilder(t.TempDir())
	require.NoError(t, err)

	engine := config.EngineConfig{
		Runners: map[string]string{"cwl": "toil-cwl-runner", "py": "python3"},
		SupportedVersions: map[string][]string{
			"cwl": {"v1.2"},
			"py":  {"3.12"},
		},
	}

	manager := runs.NewManager(runs.Options{
		Store:         memory.New(),
		Builder:       builder,
		Dispatcher:    sd,
		Engine:        engine,
		PublicURL:     "http://flowd.test",
		PollInterval:  time.Second,
		Staleness:     staleness,
		CancelTimeout: time.Hour,
	})

	srv := New(Options{
		Addr:           "127.0.0.1:0",
		Manager:        manager,
		Engine:         engine,
		Version:        "test",
		MaxUploadBytes: 1 << 20,
	})
	return srv, manager
}

// submitForm builds a multipart submission with one attached workflow.
func submitForm(t *testing.T) (*bytes.Buffer, string) {
	t.Helper()
	var buf bytes.Buffer
	form := multipart.NewWriter(&buf)

	require.NoError(t, form.WriteField("workflow_url", "wf.cwl"))
	require.NoError(t, form.WriteField("workflow_type", "cwl"))
	require.NoError(t, form.WriteField("workflow_type_version", "v1.2"))
	require.NoError(t, form.WriteField("workflow_params", `{"threads":2}`))
	require.NoError(t, form.WriteField("workflow_engine_parameters", `{"--logLevel":"DEBUG","--no-container":null}`))

	part, err := form.CreateFormFile("workflow_attachment", "wf.cwl")
	require.NoError(t, err)
	_, err = part.Write([]byte("cwlVersion: v1.2"))
	require.NoError(t, err)

	require.NoError(t, form.Close())
	return &buf, form.FormDataContentType()
}

func doSubmit(t *testing.T, srv *Server) string {
	t.Helper()
	body, contentType := submitForm(t)
	req := httptest.NewRequest(http.MethodPost, "/v1/runs", body)
	req.Header.Set("Content-Type", contentType)
	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code, "body: %s", rec.Body.String())
	var resp map[string]string
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	require.NotEmpty(t, resp["run_id"])
	return resp["run_id"]
}

func TestSubmitMultipart(t *testing.T) {
	sd := newStubDispatcher()
	srv := newTestServer(t, sd)

	runID := doSubmit(t, srv)

	req := httptest.NewRequest(http.MethodGet, "/v1/runs/"+runID, nil)
	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, req)
	require.Equal(t, http.StatusOK, rec.Code)

	var doc runLogDocument
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &doc))
	assert.Equal(t, "QUEUED", doc.State)
	assert.Equal(t, "wf.cwl", doc.Request.WorkflowURL)
	assert.Equal(t, "DEBUG", doc.Request.WorkflowEngineParameters["--logLevel"])
	assert.Contains(t, doc.Request.WorkflowAttachments, "wf.cwl")
	assert.Equal(t, "toil-cwl-runner", doc.RunLog.Cmd[0])
	assert.Contains(t, doc.RunLog.Cmd, "--logLevel=DEBUG")
	assert.Contains(t, doc.RunLog.Cmd, "--no-container")
	assert.Equal(t, "http://flowd.test/v1/runs/"+runID+"/stdout", doc.RunLog.Stdout)
}

func TestSubmitJSON(t *testing.T) {
	sd := newStubDispatcher()
	srv := newTestServer(t, sd)

	body := `{
		"workflow_url": "https://example.org/wf.cwl",
		"workflow_type": "cwl",
		"workflow_type_version": "v1.2"
	}`
	req := httptest.NewRequest(http.MethodPost, "/v1/runs", strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code, "body: %s", rec.Body.String())
}

func TestSubmitValidationFailure(t *testing.T) {
	sd := newStubDispatcher()
	srv := newTestServer(t, sd)

	body := `{"workflow_url": "wf.xyz", "workflow_type": "nextflow", "workflow_type_version": "1"}`
	req := httptest.NewRequest(http.MethodPost, "/v1/runs", strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, req)

	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.NotContains(t, rec.Body.String(), "run_id")
}

func TestSubmitDispatchUnavailable(t *testing.T) {
	sd := newStubDispatcher()
	sd.fail = true
	srv := newTestServer(t, sd)

	body, contentType := submitForm(t)
	req := httptest.NewRequest(http.MethodPost, "/v1/runs", body)
	req.Header.Set("Content-Type", contentType)
	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, req)

	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)

	// The rejected submission left nothing behind.
	listReq := httptest.NewRequest(http.MethodGet, "/v1/runs", nil)
	listRec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(listRec, listReq)
	var list struct {
		Runs []runSummary `json:"runs"`
	}
	require.NoError(t, json.Unmarshal(listRec.Body.Bytes(), &list))
	assert.Empty(t, list.Runs)
}

func TestStatusAndListAndCancel(t *testing.T) {
	sd := newStubDispatcher()
	srv := newTestServer(t, sd)

	runID := doSubmit(t, srv)

	req := httptest.NewRequest(http.MethodGet, "/v1/runs/"+runID+"/status", nil)
	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, req)
	require.Equal(t, http.StatusOK, rec.Code)
	var st runSummary
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &st))
	assert.Equal(t, "QUEUED", st.State)

	req = httptest.NewRequest(http.MethodGet, "/v1/runs?state=QUEUED", nil)
	rec = httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, req)
	var list struct {
		Runs []runSummary `json:"runs"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &list))
	require.Len(t, list.Runs, 1)
	assert.Equal(t, runID, list.Runs[0].RunID)

	req = httptest.NewRequest(http.MethodPost, "/v1/runs/"+runID+"/cancel", nil)
	rec = httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, req)
	require.Equal(t, http.StatusOK, rec.Code)
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &st))
	assert.Equal(t, "CANCELING", st.State)
}

func TestUnknownRunIs404(t *testing.T) {
	srv := newTestServer(t, newStubDispatcher())

	for _, path := range []string{
		"/v1/runs/nope",
		"/v1/runs/nope/status",
		"/v1/runs/nope/stdout",
	} {
		req := httptest.NewRequest(http.MethodGet, path, nil)
		rec := httptest.NewRecorder()
		srv.Handler().ServeHTTP(rec, req)
		assert.Equal(t, http.StatusNotFound, rec.Code, "path %s", path)
	}
}

func TestServiceInfo(t *testing.T) {
	sd := newStubDispatcher()
	srv := newTestServer(t, sd)
	doSubmit(t, srv)

	req := httptest.NewRequest(http.MethodGet, "/v1/service-info", nil)
	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, req)
	require.Equal(t, http.StatusOK, rec.Code)

	var info map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &info))
	counts, ok := info["system_state_counts"].(map[string]any)
	require.True(t, ok, "system_state_counts missing: %v", info)
	assert.Equal(t, float64(1), counts["QUEUED"])

	versions, ok := info["workflow_type_versions"].(map[string]any)
	require.True(t, ok)
	assert.Contains(t, versions, "cwl")
}

func TestSubmitRateLimit(t *testing.T) {
	sd := newStubDispatcher()
	builder, err := workdir.NewBuilder(t.TempDir())
	require.NoError(t, err)
	engine := config.EngineConfig{
		Runners:           map[string]string{"cwl": "toil-cwl-runner"},
		SupportedVersions: map[string][]string{"cwl": {"v1.2"}},
	}
	manager := runs.NewManager(runs.Options{
		Store: memory.New(), Builder: builder, Dispatcher: sd,
		Engine: engine, PollInterval: time.Second,
		Staleness: time.Hour, CancelTimeout: time.Hour,
	})
	srv := New(Options{
		Addr:                "127.0.0.1:0",
		Manager:             manager,
		Engine:              engine,
		SubmitRatePerSecond: 0.001,
		SubmitBurst:         1,
	})

	first := httptest.NewRecorder()
	body, contentType := submitForm(t)
	req := httptest.NewRequest(http.MethodPost, "/v1/runs", body)
	req.Header.Set("Content-Type", contentType)
	srv.Handler().ServeHTTP(first, req)
	require.Equal(t, http.StatusOK, first.Code)

	second := httptest.NewRecorder()
	body, contentType = submitForm(t)
	req = httptest.NewRequest(http.MethodPost, "/v1/runs", body)
	req.Header.Set("Content-Type", contentType)
	srv.Handler().ServeHTTP(second, req)
	assert.Equal(t, http.StatusTooManyRequests, second.Code)

	// Reads are never throttled.
	listRec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(listRec, httptest.NewRequest(http.MethodGet, "/v1/runs", nil))
	assert.Equal(t, http.StatusOK, listRec.Code)
}

func TestRunDocumentSurfacesOutputs(t *testing.T) {
	sd := newStubDispatcher()
	srv, mgr := newTestHarness(t, sd, time.Millisecond)

	runID := doSubmit(t, srv)

	// The engine prints the output object as JSON on stdout.
	layout := mgr.Layout(runID)
	require.NoError(t, os.WriteFile(layout.StdoutPath, []byte(`{"answer":{"class":"File","location":"file:///data/answer.txt"}}`), 0o644))

	code := 0
	sd.setStatus(runID, dispatch.TaskSucceeded, &code)
	time.Sleep(5 * time.Millisecond)

	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/v1/runs/"+runID, nil))
	require.Equal(t, http.StatusOK, rec.Code)

	var doc runLogDocument
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &doc))
	assert.Equal(t, "COMPLETE", doc.State)
	require.NotEmpty(t, doc.Outputs)
	answer, ok := doc.Outputs["answer"].(map[string]any)
	require.True(t, ok)
	assert.Equal(t, "File", answer["class"])
	assert.Equal(t, "file:///data/answer.txt", answer["location"])
}
