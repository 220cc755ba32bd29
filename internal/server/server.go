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

// Package server provides the HTTP API for flowd.
package server

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/time/rate"

	"github.com/flowd-io/flowd/internal/config"
	"github.com/flowd-io/flowd/internal/log"
	"github.com/flowd-io/flowd/internal/runs"
)

// Server wraps the HTTP listener and routes.
type Server struct {
	httpServer *http.Server
	logger     *slog.Logger
}

// Options configures a Server.
type Options struct {
	Addr    string
	Manager *runs.Manager
	Engine  config.EngineConfig
	Version string

	// MaxUploadBytes bounds the request body of submissions.
	MaxUploadBytes int64

	// SubmitRatePerSecond and SubmitBurst configure the submission rate
	// limiter. A zero rate disables limiting.
	SubmitRatePerSecond float64
	SubmitBurst         int

	Logger *slog.Logger
}

// New assembles the HTTP server with all routes registered.
func New(opts Options) *Server {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	logger = log.WithComponent(logger, "server")

	mux := http.NewServeMux()

	runsHandler := NewRunsHandler(opts.Manager, opts.MaxUploadBytes)
	runsHandler.RegisterRoutes(mux)

	infoHandler := NewServiceInfoHandler(opts.Manager, opts.Engine, opts.Version)
	infoHandler.RegisterRoutes(mux)

	mux.Handle("GET /metrics", promhttp.Handler())
	mux.HandleFunc("GET /healthz", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})

	var handler http.Handler = mux
	if opts.SubmitRatePerSecond > 0 {
		burst := opts.SubmitBurst
		if burst <= 0 {
			burst = 1
		}
		limiter := rate.NewLimiter(rate.Limit(opts.SubmitRatePerSecond), burst)
		handler = submitRateLimit(limiter, handler)
	}
	handler = requestLog(logger, handler)

	return &Server{
		httpServer: &http.Server{
			Addr:              opts.Addr,
			Handler:           handler,
			ReadHeaderTimeout: 10 * time.Second,
		},
		logger: logger,
	}
}

// ListenAndServe runs the server until Shutdown or a listener error.
func (s *Server) ListenAndServe() error {
	s.logger.Info("http server listening", log.String("addr", s.httpServer.Addr))
	return s.httpServer.ListenAndServe()
}

// Shutdown gracefully drains in-flight requests.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.httpServer.Shutdown(ctx)
}

// Handler exposes the assembled handler for tests.
func (s *Server) Handler() http.Handler {
	return s.httpServer.Handler
}

// submitRateLimit applies the token bucket to run submissions only; reads
// and cancels are never throttled.
func submitRateLimit(limiter *rate.Limiter, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method == http.MethodPost && r.URL.Path == "/v1/runs" {
			if !limiter.Allow() {
				w.Header().Set("Retry-After", "1")
				writeError(w, http.StatusTooManyRequests, "submission rate limit exceeded")
				return
			}
		}
		next.ServeHTTP(w, r)
	})
}

// statusRecorder captures the response status for request logging.
type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(status int) {
	r.status = status
	r.ResponseWriter.WriteHeader(status)
}

// requestLog logs one line per request.
func requestLog(logger *slog.Logger, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, r)
		logger.Debug("request",
			log.String("method", r.Method),
			log.String("path", r.URL.Path),
			log.Int("status", rec.status),
			slog.Int64(log.DurationKey, time.Since(start).Milliseconds()))
	})
}
