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

// Package sqlite provides a SQLite store implementation for single-node
// deployments.
package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/flowd-io/flowd/internal/store"
	"github.com/flowd-io/flowd/pkg/errors"
	_ "modernc.org/sqlite"
)

// Compile-time interface assertions.
var (
	_ store.RunStore  = (*Store)(nil)
	_ store.RunLister = (*Store)(nil)
	_ store.Store     = (*Store)(nil)
)

// Store is a SQLite run record store.
type Store struct {
	db *sql.DB
}

// Config contains SQLite connection configuration.
type Config struct {
	// Path is the database file path.
	Path string

	// WAL enables Write-Ahead Logging mode for concurrent reads.
	WAL bool
}

// New creates a new SQLite store.
func New(cfg Config) (*Store, error) {
	db, err := sql.Open("sqlite", cfg.Path)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// SQLite serializes writes, so only 1 connection for writes
	db.SetMaxOpenConns(1)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	s := &Store{db: db}

	if err := s.configurePragmas(ctx, cfg.WAL); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to configure pragmas: %w", err)
	}

	if err := s.migrate(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to run migrations: %w", err)
	}

	return s, nil
}

// configurePragmas sets SQLite configuration options.
func (s *Store) configurePragmas(ctx context.Context, enableWAL bool) error {
	pragmas := []string{
		"PRAGMA foreign_keys=ON",
		"PRAGMA busy_timeout=5000",
		"PRAGMA synchronous=NORMAL",
	}

	if enableWAL {
		pragmas = append(pragmas, "PRAGMA journal_mode=WAL")
	}

	for _, pragma := range pragmas {
		if _, err := s.db.ExecContext(ctx, pragma); err != nil {
			return fmt.Errorf("failed to execute %s: %w", pragma, err)
		}
	}

	return nil
}

// migrate runs database migrations.
func (s *Store) migrate(ctx context.Context) error {
	migrations := []string{
		`CREATE TABLE IF NOT EXISTS runs (
			id TEXT PRIMARY KEY,
			state TEXT NOT NULL,
			request TEXT NOT NULL,
			run_log TEXT,
			task_logs TEXT,
			outputs TEXT,
			handle TEXT,
			created_at TEXT NOT NULL,
			updated_at TEXT NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_runs_state ON runs(state)`,
		`CREATE INDEX IF NOT EXISTS idx_runs_created_at ON runs(created_at)`,
	}

	for _, migration := range migrations {
		if _, err := s.db.ExecContext(ctx, migration); err != nil {
			return fmt.Errorf("migration failed: %w", err)
		}
	}

	return nil
}

// CreateRun creates a new run record.
func (s *Store) CreateRun(ctx context.Context, run *store.Run) error {
	requestJSON, runLogJSON, taskLogsJSON, outputsJSON, err := marshalRun(run)
	if err != nil {
		return err
	}

	query := `
		INSERT INTO runs (id, state, request, run_log, task_logs, outputs, handle, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
	`

	now := time.Now()
	_, err = s.db.ExecContext(ctx, query,
		run.ID, string(run.State), requestJSON, runLogJSON, taskLogsJSON, outputsJSON,
		nullString(run.Handle), now.Format(time.RFC3339Nano), now.Format(time.RFC3339Nano),
	)
	if err != nil {
		if isUniqueViolation(err) {
			return &errors.ConflictError{RunID: run.ID, Message: "run already exists"}
		}
		return fmt.Errorf("failed to create run: %w", err)
	}

	run.CreatedAt = now
	run.UpdatedAt = now
	return nil
}

// GetRun retrieves a run by id.
func (s *Store) GetRun(ctx context.Context, id string) (*store.Run, error) {
	query := `
		SELECT id, state, request, run_log, task_logs, outputs, handle, created_at, updated_at
		FROM runs WHERE id = ?
	`

	row := s.db.QueryRowContext(ctx, query, id)
	run, err := scanRun(row)
	if err == sql.ErrNoRows {
		return nil, &errors.NotFoundError{Resource: "run", ID: id}
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get run: %w", err)
	}
	return run, nil
}

// UpdateRun updates the mutable fields of an existing run. The request
// column is write-once and deliberately excluded from the statement.
func (s *Store) UpdateRun(ctx context.Context, run *store.Run) error {
	_, runLogJSON, taskLogsJSON, outputsJSON, err := marshalRun(run)
	if err != nil {
		return err
	}

	query := `
		UPDATE runs
		SET state = ?, run_log = ?, task_logs = ?, outputs = ?, handle = ?, updated_at = ?
		WHERE id = ?
	`

	now := time.Now()
	res, err := s.db.ExecContext(ctx, query,
		string(run.State), runLogJSON, taskLogsJSON, outputsJSON,
		nullString(run.Handle), now.Format(time.RFC3339Nano), run.ID,
	)
	if err != nil {
		return fmt.Errorf("failed to update run: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to update run: %w", err)
	}
	if affected == 0 {
		return &errors.NotFoundError{Resource: "run", ID: run.ID}
	}

	run.UpdatedAt = now
	return nil
}

// ListRuns lists runs with optional filtering, most recent first.
func (s *Store) ListRuns(ctx context.Context, filter store.RunFilter) ([]*store.Run, error) {
	query := `
		SELECT id, state, request, run_log, task_logs, outputs, handle, created_at, updated_at
		FROM runs
	`
	var args []any
	if filter.State != "" {
		query += ` WHERE state = ?`
		args = append(args, string(filter.State))
	}
	query += ` ORDER BY created_at DESC`
	if filter.Limit > 0 {
		query += ` LIMIT ?`
		args = append(args, filter.Limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list runs: %w", err)
	}
	defer rows.Close()

	var result []*store.Run
	for rows.Next() {
		run, err := scanRun(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan run: %w", err)
		}
		result = append(result, run)
	}
	return result, rows.Err()
}

// DeleteRun deletes a run by id.
func (s *Store) DeleteRun(ctx context.Context, id string) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM runs WHERE id = ?`, id); err != nil {
		return fmt.Errorf("failed to delete run: %w", err)
	}
	return nil
}

// Close closes the database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// scanner abstracts *sql.Row and *sql.Rows for scanRun.
type scanner interface {
	Scan(dest ...any) error
}

func scanRun(sc scanner) (*store.Run, error) {
	var run store.Run
	var state string
	var requestJSON string
	var runLogJSON, taskLogsJSON, outputsJSON, handle sql.NullString
	var createdAt, updatedAt string

	err := sc.Scan(&run.ID, &state, &requestJSON, &runLogJSON, &taskLogsJSON, &outputsJSON, &handle, &createdAt, &updatedAt)
	if err != nil {
		return nil, err
	}

	run.State = store.State(state)
	if err := json.Unmarshal([]byte(requestJSON), &run.Request); err != nil {
		return nil, fmt.Errorf("failed to unmarshal request: %w", err)
	}
	if runLogJSON.Valid && runLogJSON.String != "" {
		if err := json.Unmarshal([]byte(runLogJSON.String), &run.RunLog); err != nil {
			return nil, fmt.Errorf("failed to unmarshal run_log: %w", err)
		}
	}
	if taskLogsJSON.Valid && taskLogsJSON.String != "" {
		if err := json.Unmarshal([]byte(taskLogsJSON.String), &run.TaskLogs); err != nil {
			return nil, fmt.Errorf("failed to unmarshal task_logs: %w", err)
		}
	}
	if outputsJSON.Valid && outputsJSON.String != "" {
		if err := json.Unmarshal([]byte(outputsJSON.String), &run.Outputs); err != nil {
			return nil, fmt.Errorf("failed to unmarshal outputs: %w", err)
		}
	}
	if handle.Valid {
		run.Handle = handle.String
	}

	run.CreatedAt, _ = time.Parse(time.RFC3339Nano, createdAt)
	run.UpdatedAt, _ = time.Parse(time.RFC3339Nano, updatedAt)
	return &run, nil
}

func marshalRun(run *store.Run) (request, runLog, taskLogs, outputs string, err error) {
	b, err := json.Marshal(run.Request)
	if err != nil {
		return "", "", "", "", fmt.Errorf("failed to marshal request: %w", err)
	}
	request = string(b)

	b, err = json.Marshal(run.RunLog)
	if err != nil {
		return "", "", "", "", fmt.Errorf("failed to marshal run_log: %w", err)
	}
	runLog = string(b)

	b, err = json.Marshal(run.TaskLogs)
	if err != nil {
		return "", "", "", "", fmt.Errorf("failed to marshal task_logs: %w", err)
	}
	taskLogs = string(b)

	b, err = json.Marshal(run.Outputs)
	if err != nil {
		return "", "", "", "", fmt.Errorf("failed to marshal outputs: %w", err)
	}
	outputs = string(b)
	return request, runLog, taskLogs, outputs, nil
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}

// isUniqueViolation reports whether err is a primary key conflict. The
// modernc driver surfaces SQLITE_CONSTRAINT in the error text.
func isUniqueViolation(err error) bool {
	if err == nil {
		return false
	}
	return strings.Contains(err.Error(), "constraint failed")
}
