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
	"net/http"
	"strings"

	"github.com/flowd-io/flowd/internal/config"
	"github.com/flowd-io/flowd/internal/runs"
)

// ServiceInfoHandler serves the service capability document.
type ServiceInfoHandler struct {
	manager *runs.Manager
	engine  config.EngineConfig
	version string
}

// NewServiceInfoHandler creates a service-info handler.
func NewServiceInfoHandler(m *runs.Manager, engine config.EngineConfig, version string) *ServiceInfoHandler {
	return &ServiceInfoHandler{manager: m, engine: engine, version: version}
}

// RegisterRoutes registers the service-info route.
func (h *ServiceInfoHandler) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("GET /v1/service-info", h.handleServiceInfo)
}

// handleServiceInfo handles GET /v1/service-info. The document advertises
// the supported workflow types and versions, the server-wide default
// engine parameters, and a live tally of runs per lifecycle state.
func (h *ServiceInfoHandler) handleServiceInfo(w http.ResponseWriter, r *http.Request) {
	counts, err := h.manager.StateCounts(r.Context())
	if err != nil {
		writeDomainError(w, err)
		return
	}

	typeVersions := make(map[string]map[string][]string, len(h.engine.SupportedVersions))
	for wfType, versions := range h.engine.SupportedVersions {
		typeVersions[wfType] = map[string][]string{"workflow_type_version": versions}
	}

	defaults := make(map[string]string, len(h.engine.DefaultParameters))
	for _, raw := range h.engine.DefaultParameters {
		key, value := raw, ""
		if i := strings.IndexByte(raw, '='); i >= 0 {
			key, value = raw[:i], raw[i+1:]
		}
		defaults[key] = value
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"version":                            h.version,
		"workflow_type_versions":             typeVersions,
		"supported_wes_versions":             []string{"1.0.0"},
		"supported_filesystem_protocols":     []string{"file", "http", "https"},
		"default_workflow_engine_parameters": defaults,
		"system_state_counts":                counts,
		"tags":                               map[string]string{},
	})
}
