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
	"encoding/json"
	"fmt"
	"mime/multipart"
	"net/http"
	"strconv"
	"strings"

	"github.com/flowd-io/flowd/internal/runs"
	"github.com/flowd-io/flowd/internal/store"
	"github.com/flowd-io/flowd/internal/workdir"
)

// multipartMemory is the in-memory threshold for parsed uploads; larger
// attachments spill to temporary files.
const multipartMemory = 32 << 20

// RunsHandler handles run-related API requests.
type RunsHandler struct {
	manager *runs.Manager

	maxUploadBytes int64
}

// NewRunsHandler creates a new runs handler.
func NewRunsHandler(m *runs.Manager, maxUploadBytes int64) *RunsHandler {
	return &RunsHandler{manager: m, maxUploadBytes: maxUploadBytes}
}

// RegisterRoutes registers run API routes on the router.
func (h *RunsHandler) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("POST /v1/runs", h.handleSubmit)
	mux.HandleFunc("GET /v1/runs", h.handleList)
	mux.HandleFunc("GET /v1/runs/{id}", h.handleGet)
	mux.HandleFunc("GET /v1/runs/{id}/status", h.handleStatus)
	mux.HandleFunc("POST /v1/runs/{id}/cancel", h.handleCancel)
	mux.HandleFunc("GET /v1/runs/{id}/stdout", h.handleArtifact(workdir.StdoutFileName))
	mux.HandleFunc("GET /v1/runs/{id}/stderr", h.handleArtifact(workdir.StderrFileName))
}

// submitFields are the non-file form fields of a run submission.
type submitFields struct {
	WorkflowURL         string
	WorkflowType        string
	WorkflowTypeVersion string
	WorkflowParams      map[string]any
	EngineParameters    map[string]string
	Tags                map[string]string
}

// handleSubmit handles POST /v1/runs. Submissions arrive as
// multipart/form-data carrying the workflow descriptor fields plus any
// number of workflow_attachment file parts; a plain JSON body is accepted
// for attachment-free submissions.
func (h *RunsHandler) handleSubmit(w http.ResponseWriter, r *http.Request) {
	if h.maxUploadBytes > 0 {
		r.Body = http.MaxBytesReader(w, r.Body, h.maxUploadBytes)
	}

	var (
		fields      submitFields
		attachments []workdir.Attachment
		err         error
	)

	contentType := r.Header.Get("Content-Type")
	switch {
	case strings.HasPrefix(contentType, "multipart/form-data"):
		fields, attachments, err = parseMultipartSubmission(r)
	case strings.HasPrefix(contentType, "application/json"):
		fields, err = parseJSONSubmission(r)
	default:
		writeError(w, http.StatusUnsupportedMediaType,
			fmt.Sprintf("unsupported content type %q", contentType))
		return
	}
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	defer closeAttachments(attachments)

	run, err := h.manager.Submit(r.Context(), &runs.SubmitRequest{
		WorkflowURL:         fields.WorkflowURL,
		WorkflowType:        fields.WorkflowType,
		WorkflowTypeVersion: fields.WorkflowTypeVersion,
		WorkflowParams:      fields.WorkflowParams,
		EngineParameters:    fields.EngineParameters,
		Tags:                fields.Tags,
		Attachments:         attachments,
	})
	if err != nil {
		status := statusFor(err)
		body := map[string]any{
			"msg":         err.Error(),
			"status_code": status,
		}
		// A run that was created but failed during directory build still
		// has an inspectable record.
		if run != nil {
			body["run_id"] = run.ID
		}
		writeJSON(w, status, body)
		return
	}

	writeJSON(w, http.StatusOK, map[string]string{"run_id": run.ID})
}

// parseMultipartSubmission decodes the WES-style multipart form.
func parseMultipartSubmission(r *http.Request) (submitFields, []workdir.Attachment, error) {
	if err := r.ParseMultipartForm(multipartMemory); err != nil {
		return submitFields{}, nil, fmt.Errorf("parsing multipart form: %w", err)
	}

	fields := submitFields{
		WorkflowURL:         r.FormValue("workflow_url"),
		WorkflowType:        r.FormValue("workflow_type"),
		WorkflowTypeVersion: r.FormValue("workflow_type_version"),
	}

	if raw := r.FormValue("workflow_params"); raw != "" {
		if err := json.Unmarshal([]byte(raw), &fields.WorkflowParams); err != nil {
			return fields, nil, fmt.Errorf("workflow_params is not valid JSON: %w", err)
		}
	}
	if raw := r.FormValue("workflow_engine_parameters"); raw != "" {
		params, err := decodeEngineParameters(raw)
		if err != nil {
			return fields, nil, err
		}
		fields.EngineParameters = params
	}
	if raw := r.FormValue("tags"); raw != "" {
		if err := json.Unmarshal([]byte(raw), &fields.Tags); err != nil {
			return fields, nil, fmt.Errorf("tags is not valid JSON: %w", err)
		}
	}

	var attachments []workdir.Attachment
	if r.MultipartForm != nil {
		for _, fh := range r.MultipartForm.File["workflow_attachment"] {
			f, err := fh.Open()
			if err != nil {
				return fields, nil, fmt.Errorf("opening attachment %q: %w", fh.Filename, err)
			}
			attachments = append(attachments, workdir.Attachment{
				Name:   fh.Filename,
				Dest:   fh.Filename,
				Reader: f,
			})
		}
	}
	return fields, attachments, nil
}

// jsonSubmission is the attachment-free JSON submission body.
type jsonSubmission struct {
	WorkflowURL              string            `json:"workflow_url"`
	WorkflowType             string            `json:"workflow_type"`
	WorkflowTypeVersion      string            `json:"workflow_type_version"`
	WorkflowParams           map[string]any    `json:"workflow_params"`
	WorkflowEngineParameters map[string]any    `json:"workflow_engine_parameters"`
	Tags                     map[string]string `json:"tags"`
}

// parseJSONSubmission decodes a JSON submission body.
func parseJSONSubmission(r *http.Request) (submitFields, error) {
	var body jsonSubmission
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		return submitFields{}, fmt.Errorf("invalid request body: %w", err)
	}
	return submitFields{
		WorkflowURL:         body.WorkflowURL,
		WorkflowType:        body.WorkflowType,
		WorkflowTypeVersion: body.WorkflowTypeVersion,
		WorkflowParams:      body.WorkflowParams,
		EngineParameters:    stringifyParameters(body.WorkflowEngineParameters),
		Tags:                body.Tags,
	}, nil
}

// decodeEngineParameters accepts a JSON object whose values may be
// strings, numbers, booleans, or null. Null values become bare flags.
func decodeEngineParameters(raw string) (map[string]string, error) {
	var doc map[string]any
	if err := json.Unmarshal([]byte(raw), &doc); err != nil {
		return nil, fmt.Errorf("workflow_engine_parameters is not a JSON object: %w", err)
	}
	return stringifyParameters(doc), nil
}

// stringifyParameters flattens decoded JSON values to strings.
func stringifyParameters(doc map[string]any) map[string]string {
	if doc == nil {
		return nil
	}
	out := make(map[string]string, len(doc))
	for k, v := range doc {
		switch val := v.(type) {
		case nil:
			out[k] = ""
		case string:
			out[k] = val
		case bool:
			out[k] = strconv.FormatBool(val)
		case float64:
			out[k] = strconv.FormatFloat(val, 'f', -1, 64)
		default:
			data, _ := json.Marshal(val)
			out[k] = string(data)
		}
	}
	return out
}

// runSummary is the list-entry projection of a run.
type runSummary struct {
	RunID string `json:"run_id"`
	State string `json:"state"`
}

// handleList handles GET /v1/runs.
func (h *RunsHandler) handleList(w http.ResponseWriter, r *http.Request) {
	filter := store.RunFilter{}
	if s := r.URL.Query().Get("state"); s != "" {
		filter.State = store.State(strings.ToUpper(s))
	}
	if s := r.URL.Query().Get("page_size"); s != "" {
		n, err := strconv.Atoi(s)
		if err != nil || n < 0 {
			writeError(w, http.StatusBadRequest, "page_size must be a non-negative integer")
			return
		}
		filter.Limit = n
	}

	all, err := h.manager.List(r.Context(), filter)
	if err != nil {
		writeDomainError(w, err)
		return
	}

	summaries := make([]runSummary, 0, len(all))
	for _, run := range all {
		summaries = append(summaries, runSummary{RunID: run.ID, State: string(run.State)})
	}
	writeJSON(w, http.StatusOK, map[string]any{"runs": summaries})
}

// runLogDocument is the full run record projection.
type runLogDocument struct {
	RunID    string          `json:"run_id"`
	State    string          `json:"state"`
	Request  store.Request   `json:"request"`
	RunLog   store.RunLog    `json:"run_log"`
	TaskLogs []store.TaskLog `json:"task_logs"`
	Outputs  map[string]any  `json:"outputs"`
}

// handleGet handles GET /v1/runs/{id}.
func (h *RunsHandler) handleGet(w http.ResponseWriter, r *http.Request) {
	run, err := h.manager.Get(r.Context(), r.PathValue("id"))
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, runLogDocument{
		RunID:    run.ID,
		State:    string(run.State),
		Request:  run.Request,
		RunLog:   run.RunLog,
		TaskLogs: run.TaskLogs,
		Outputs:  run.Outputs,
	})
}

// handleStatus handles GET /v1/runs/{id}/status.
func (h *RunsHandler) handleStatus(w http.ResponseWriter, r *http.Request) {
	id, state, err := h.manager.GetStatus(r.Context(), r.PathValue("id"))
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, runSummary{RunID: id, State: string(state)})
}

// handleCancel handles POST /v1/runs/{id}/cancel.
func (h *RunsHandler) handleCancel(w http.ResponseWriter, r *http.Request) {
	run, err := h.manager.Cancel(r.Context(), r.PathValue("id"))
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, runSummary{RunID: run.ID, State: string(run.State)})
}

// handleArtifact serves a captured output stream as plain text.
func (h *RunsHandler) handleArtifact(name string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id := r.PathValue("id")
		// Existence check goes through the store so an unknown id is a 404
		// rather than an empty file.
		if _, err := h.manager.Get(r.Context(), id); err != nil {
			writeDomainError(w, err)
			return
		}

		layout := h.manager.Layout(id)
		path := layout.StdoutPath
		if name == workdir.StderrFileName {
			path = layout.StderrPath
		}

		w.Header().Set("Content-Type", "text/plain; charset=utf-8")
		http.ServeFile(w, r, path)
	}
}

// closeAttachments releases open multipart file handles.
func closeAttachments(attachments []workdir.Attachment) {
	for _, att := range attachments {
		if c, ok := att.Reader.(multipart.File); ok {
			c.Close()
		}
	}
}
