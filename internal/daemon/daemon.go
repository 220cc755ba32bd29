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

// Package daemon assembles the flowd server from its configured parts:
// store, execution directory builder, dispatcher, run manager, and HTTP
// server.
package daemon

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"

	"github.com/redis/go-redis/v9"

	"github.com/flowd-io/flowd/internal/config"
	"github.com/flowd-io/flowd/internal/dispatch"
	"github.com/flowd-io/flowd/internal/dispatch/local"
	"github.com/flowd-io/flowd/internal/dispatch/redisq"
	"github.com/flowd-io/flowd/internal/log"
	"github.com/flowd-io/flowd/internal/runs"
	"github.com/flowd-io/flowd/internal/server"
	"github.com/flowd-io/flowd/internal/store"
	"github.com/flowd-io/flowd/internal/store/memory"
	"github.com/flowd-io/flowd/internal/store/sqlite"
	"github.com/flowd-io/flowd/internal/tracing"
	"github.com/flowd-io/flowd/internal/workdir"
)

// Daemon is the assembled flowd server process.
type Daemon struct {
	cfg        *config.Config
	logger     *slog.Logger
	store      store.Store
	dispatcher dispatch.Dispatcher
	manager    *runs.Manager
	server     *server.Server

	shutdownTracing func(context.Context) error
}

// New builds a Daemon from configuration. Nothing is listening yet;
// call Run.
func New(cfg *config.Config, version string, logger *slog.Logger) (*Daemon, error) {
	if logger == nil {
		logger = slog.Default()
	}
	logger = log.WithComponent(logger, "daemon")

	shutdownTracing, err := tracing.Setup(cfg.Tracing, version)
	if err != nil {
		return nil, err
	}

	st, err := openStore(cfg.Store)
	if err != nil {
		return nil, err
	}

	builder, err := workdir.NewBuilder(cfg.Store.DataDir)
	if err != nil {
		st.Close()
		return nil, err
	}

	dispatcher, err := openDispatcher(cfg.Dispatch, logger)
	if err != nil {
		st.Close()
		return nil, err
	}

	manager := runs.NewManager(runs.Options{
		Store:         st,
		Builder:       builder,
		Dispatcher:    dispatcher,
		Engine:        cfg.Engine,
		PublicURL:     cfg.Server.PublicURL,
		PollInterval:  cfg.Dispatch.PollInterval,
		Staleness:     cfg.Dispatch.StalenessThreshold,
		CancelTimeout: cfg.Dispatch.CancelTimeout,
		Logger:        logger,
	})

	srv := server.New(server.Options{
		Addr:                cfg.Server.Addr,
		Manager:             manager,
		Engine:              cfg.Engine,
		Version:             version,
		MaxUploadBytes:      cfg.Server.MaxUploadBytes,
		SubmitRatePerSecond: cfg.Server.SubmitRatePerSecond,
		SubmitBurst:         cfg.Server.SubmitBurst,
		Logger:              logger,
	})

	return &Daemon{
		cfg:             cfg,
		logger:          logger,
		store:           st,
		dispatcher:      dispatcher,
		manager:         manager,
		server:          srv,
		shutdownTracing: shutdownTracing,
	}, nil
}

// Run serves until ctx is canceled, then shuts everything down in
// dependency order.
func (d *Daemon) Run(ctx context.Context) error {
	d.manager.Start()

	errCh := make(chan error, 1)
	go func() {
		if err := d.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		d.shutdown(context.Background())
		return err
	case <-ctx.Done():
	}

	d.logger.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), d.cfg.Server.ShutdownTimeout)
	defer cancel()

	if err := d.server.Shutdown(shutdownCtx); err != nil {
		d.logger.Error("http shutdown", log.Error(err))
	}
	d.shutdown(shutdownCtx)
	return nil
}

// shutdown releases manager, dispatcher, store, and tracing resources.
func (d *Daemon) shutdown(ctx context.Context) {
	if err := d.manager.Close(); err != nil {
		d.logger.Error("manager shutdown", log.Error(err))
	}
	if err := d.dispatcher.Close(); err != nil {
		d.logger.Error("dispatcher shutdown", log.Error(err))
	}
	if err := d.store.Close(); err != nil {
		d.logger.Error("store shutdown", log.Error(err))
	}
	if err := d.shutdownTracing(ctx); err != nil {
		d.logger.Error("tracing shutdown", log.Error(err))
	}
}

// openStore creates the configured store backend.
func openStore(cfg config.StoreConfig) (store.Store, error) {
	switch cfg.Backend {
	case "memory":
		return memory.New(), nil
	case "sqlite":
		if err := os.MkdirAll(filepath.Dir(cfg.SQLitePath), 0o755); err != nil {
			return nil, fmt.Errorf("daemon: creating database directory: %w", err)
		}
		return sqlite.New(sqlite.Config{Path: cfg.SQLitePath, WAL: true})
	default:
		return nil, fmt.Errorf("daemon: unknown store backend %q", cfg.Backend)
	}
}

// openDispatcher creates the configured dispatcher backend.
func openDispatcher(cfg config.DispatchConfig, logger *slog.Logger) (dispatch.Dispatcher, error) {
	switch cfg.Backend {
	case "local":
		return local.New(cfg.Workers, logger), nil
	case "redis":
		client := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr})
		return redisq.New(client, cfg.RedisQueue), nil
	default:
		return nil, fmt.Errorf("daemon: unknown dispatch backend %q", cfg.Backend)
	}
}
