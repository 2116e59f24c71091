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

package ledger

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/tombee/dispatch/pkg/errors"
	"github.com/tombee/dispatch/pkg/work"
	_ "modernc.org/sqlite"
)

// Compile-time interface assertions.
var (
	_ Ledger   = (*SQLite)(nil)
	_ DLQStore = (*SQLite)(nil)
)

// SQLite is a sqlite-backed ledger for single-node deployments.
type SQLite struct {
	db *sql.DB
}

// SQLiteConfig contains connection configuration.
type SQLiteConfig struct {
	// Path is the database file path. ":memory:" is accepted for tests.
	Path string

	// WAL enables Write-Ahead Logging mode for concurrent reads.
	WAL bool
}

// NewSQLite opens the database, configures pragmas, and runs migrations.
func NewSQLite(cfg SQLiteConfig) (*SQLite, error) {
	db, err := sql.Open("sqlite", cfg.Path)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// SQLite serializes writes, so only 1 connection for writes.
	db.SetMaxOpenConns(1)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	l := &SQLite{db: db}

	if err := l.configurePragmas(ctx, cfg.WAL); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to configure pragmas: %w", err)
	}

	if err := l.migrate(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to run migrations: %w", err)
	}

	return l, nil
}

// configurePragmas sets SQLite configuration options.
func (l *SQLite) configurePragmas(ctx context.Context, enableWAL bool) error {
	pragmas := []string{
		"PRAGMA foreign_keys=ON",
		"PRAGMA busy_timeout=5000",
		"PRAGMA synchronous=NORMAL",
	}
	if enableWAL {
		pragmas = append(pragmas, "PRAGMA journal_mode=WAL")
	}

	for _, pragma := range pragmas {
		if _, err := l.db.ExecContext(ctx, pragma); err != nil {
			return fmt.Errorf("failed to execute %s: %w", pragma, err)
		}
	}
	return nil
}

// migrate runs database migrations.
func (l *SQLite) migrate(ctx context.Context) error {
	migrations := []string{
		`CREATE TABLE IF NOT EXISTS runs (
			run_id TEXT PRIMARY KEY,
			kind TEXT NOT NULL,
			name TEXT NOT NULL,
			params_json TEXT,
			priority TEXT,
			lane TEXT,
			status TEXT NOT NULL,
			external_ref TEXT,
			executor_name TEXT,
			result_json TEXT,
			error TEXT,
			error_type TEXT,
			error_category TEXT,
			attempt INTEGER NOT NULL DEFAULT 1,
			retry_of_run_id TEXT REFERENCES runs(run_id),
			parent_run_id TEXT REFERENCES runs(run_id),
			idempotency_key TEXT,
			correlation_id TEXT,
			trigger_source TEXT,
			max_retries INTEGER DEFAULT 0,
			timeout_seconds INTEGER DEFAULT 0,
			metadata_json TEXT,
			tags_json TEXT,
			created_at TEXT NOT NULL,
			started_at TEXT,
			completed_at TEXT
		)`,
		`CREATE INDEX IF NOT EXISTS idx_runs_status ON runs(status)`,
		`CREATE INDEX IF NOT EXISTS idx_runs_name ON runs(name)`,
		`CREATE INDEX IF NOT EXISTS idx_runs_created_at ON runs(created_at DESC)`,
		`CREATE INDEX IF NOT EXISTS idx_runs_parent_run_id ON runs(parent_run_id)`,
		// One live claim per idempotency key: active or completed runs hold
		// the key; failed and cancelled runs free it for a fresh attempt.
		`CREATE UNIQUE INDEX IF NOT EXISTS idx_runs_idempotency_key ON runs(idempotency_key)
			WHERE idempotency_key IS NOT NULL
			AND status IN ('pending','queued','running','completed')`,
		// Concurrency guard: at most one active run per entity.
		`CREATE UNIQUE INDEX IF NOT EXISTS idx_runs_active_entity ON runs(
			json_extract(metadata_json, '$.entity_type'),
			json_extract(metadata_json, '$.entity_id'))
			WHERE status IN ('pending','queued','running')
			AND json_extract(metadata_json, '$.entity_type') IS NOT NULL
			AND json_extract(metadata_json, '$.entity_id') IS NOT NULL`,
		`CREATE TABLE IF NOT EXISTS run_events (
			event_id TEXT PRIMARY KEY,
			run_id TEXT NOT NULL REFERENCES runs(run_id) ON DELETE CASCADE,
			event_type TEXT NOT NULL,
			timestamp TEXT NOT NULL,
			data_json TEXT,
			source TEXT
		)`,
		`CREATE INDEX IF NOT EXISTS idx_run_events_run_id_timestamp ON run_events(run_id, timestamp)`,
		`CREATE TABLE IF NOT EXISTS dlq_entries (
			id TEXT PRIMARY KEY,
			run_id TEXT NOT NULL REFERENCES runs(run_id),
			spec_json TEXT NOT NULL,
			reason TEXT NOT NULL,
			error_category TEXT,
			error TEXT,
			enqueued_at TEXT NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_dlq_entries_enqueued_at ON dlq_entries(enqueued_at)`,
	}

	for _, migration := range migrations {
		if _, err := l.db.ExecContext(ctx, migration); err != nil {
			return fmt.Errorf("migration failed: %w", err)
		}
	}
	return nil
}

// CreateRun implements Ledger.
func (l *SQLite) CreateRun(ctx context.Context, rec *work.Record) error {
	if err := validateCreate(rec); err != nil {
		return err
	}

	paramsJSON, err := json.Marshal(rec.Spec.Params)
	if err != nil {
		return errors.Wrap(errors.CategoryValidation, err, "params are not JSON-serialisable")
	}
	metadataJSON, err := json.Marshal(rec.Spec.Metadata)
	if err != nil {
		return errors.Wrap(errors.CategoryValidation, err, "metadata is not JSON-serialisable")
	}
	tagsJSON, err := json.Marshal(rec.Spec.Tags)
	if err != nil {
		return errors.Wrap(errors.CategoryValidation, err, "tags are not JSON-serialisable")
	}
	resultJSON, err := json.Marshal(rec.Result)
	if err != nil {
		return errors.Wrap(errors.CategoryValidation, err, "result is not JSON-serialisable")
	}

	query := `
		INSERT INTO runs (run_id, kind, name, params_json, priority, lane, status,
			external_ref, executor_name, result_json, error, error_type, error_category,
			attempt, retry_of_run_id, parent_run_id, idempotency_key, correlation_id,
			trigger_source, max_retries, timeout_seconds, metadata_json, tags_json,
			created_at, started_at, completed_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`

	_, err = l.db.ExecContext(ctx, query,
		rec.RunID, string(rec.Spec.Kind), rec.Spec.Name, string(paramsJSON),
		string(rec.Spec.Priority), rec.Spec.Lane, string(rec.Status),
		nullString(rec.ExternalRef), nullString(rec.ExecutorName), string(resultJSON),
		nullString(rec.Error), nullString(rec.ErrorType), nullString(rec.ErrorCategory),
		rec.Attempt, nullString(rec.RetryOfRunID), nullString(rec.Spec.ParentRunID),
		nullString(rec.Spec.IdempotencyKey), nullString(rec.Spec.CorrelationID),
		string(rec.Spec.TriggerSource), rec.Spec.MaxRetries, rec.Spec.TimeoutSeconds,
		string(metadataJSON), string(tagsJSON),
		formatTime(rec.CreatedAt), formatTimePtr(rec.StartedAt), formatTimePtr(rec.CompletedAt),
	)
	if err != nil {
		return classifyInsertError(err, rec)
	}
	return nil
}

// classifyInsertError maps unique-index violations onto the error taxonomy:
// the active-entity index enforces the concurrency guard, the idempotency
// index surfaces the duplicate-submission race.
func classifyInsertError(err error, rec *work.Record) error {
	msg := err.Error()
	if strings.Contains(msg, "UNIQUE constraint failed") {
		if strings.Contains(msg, "runs.run_id") {
			return errors.Wrap(errors.CategoryInternal, err, "duplicate run ID %s", rec.RunID)
		}
		if strings.Contains(msg, "idx_runs_active_entity") ||
			strings.Contains(msg, "entity") {
			et, eid, _ := rec.Spec.Entity()
			return errors.NewConcurrencyConflict(et, eid)
		}
		return errors.Wrap(errors.CategoryValidation, err,
			"idempotency key %q already held", rec.Spec.IdempotencyKey)
	}
	return fmt.Errorf("failed to create run: %w", err)
}

// UpdateStatus implements Ledger. The conditional update and the transition
// event are applied in one transaction.
func (l *SQLite) UpdateStatus(ctx context.Context, runID string, from, to work.Status, upd *StatusUpdate) (bool, error) {
	if !from.CanTransitionTo(to) {
		return false, errors.New(errors.CategoryInternal,
			"illegal status transition %s -> %s for run %s", from, to, runID)
	}

	tx, err := l.db.BeginTx(ctx, nil)
	if err != nil {
		return false, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	set := []string{"status = ?"}
	args := []any{string(to)}

	if upd != nil {
		if upd.ExternalRef != "" {
			set = append(set, "external_ref = ?")
			args = append(args, upd.ExternalRef)
		}
		if upd.ExecutorName != "" {
			set = append(set, "executor_name = ?")
			args = append(args, upd.ExecutorName)
		}
		if upd.Result != nil {
			resultJSON, err := json.Marshal(upd.Result)
			if err != nil {
				return false, errors.Wrap(errors.CategoryValidation, err, "result is not JSON-serialisable")
			}
			set = append(set, "result_json = ?")
			args = append(args, string(resultJSON))
		}
		if upd.Error != "" {
			set = append(set, "error = ?")
			args = append(args, upd.Error)
		}
		if upd.ErrorType != "" {
			set = append(set, "error_type = ?")
			args = append(args, upd.ErrorType)
		}
		if upd.ErrorCategory != "" {
			set = append(set, "error_category = ?")
			args = append(args, string(upd.ErrorCategory))
		}
		if upd.Attempt > 0 {
			set = append(set, "attempt = ?")
			args = append(args, upd.Attempt)
		}
		if upd.StartedAt != nil {
			set = append(set, "started_at = ?")
			args = append(args, formatTime(*upd.StartedAt))
		}
		if upd.CompletedAt != nil {
			set = append(set, "completed_at = ?")
			args = append(args, formatTime(*upd.CompletedAt))
		}
	}

	query := fmt.Sprintf("UPDATE runs SET %s WHERE run_id = ? AND status = ?", strings.Join(set, ", "))
	args = append(args, runID, string(from))

	res, err := tx.ExecContext(ctx, query, args...)
	if err != nil {
		return false, fmt.Errorf("failed to update status: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("failed to read rows affected: %w", err)
	}
	if affected == 0 {
		return false, nil
	}

	if to != from {
		if eventType, ok := eventTypeFor(to); ok {
			ev := work.NewEvent(runID, eventType, eventSource(upd), eventData(upd))
			if err := insertEvent(ctx, tx, ev); err != nil {
				return false, err
			}
		}
	}

	if err := tx.Commit(); err != nil {
		return false, fmt.Errorf("failed to commit status update: %w", err)
	}
	return true, nil
}

// AppendEvent implements Ledger.
func (l *SQLite) AppendEvent(ctx context.Context, ev work.Event) error {
	if ev.EventID == "" {
		return errors.NewValidation("event_id", "event ID cannot be empty")
	}
	if !ev.Type.Valid() {
		return errors.NewValidation("event_type", "unknown event type "+string(ev.Type))
	}

	tx, err := l.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	if err := insertEvent(ctx, tx, ev); err != nil {
		return err
	}
	return tx.Commit()
}

func insertEvent(ctx context.Context, tx *sql.Tx, ev work.Event) error {
	dataJSON, err := json.Marshal(ev.Data)
	if err != nil {
		return errors.Wrap(errors.CategoryValidation, err, "event data is not JSON-serialisable")
	}

	_, err = tx.ExecContext(ctx,
		`INSERT INTO run_events (event_id, run_id, event_type, timestamp, data_json, source)
		 VALUES (?, ?, ?, ?, ?, ?)`,
		ev.EventID, ev.RunID, string(ev.Type), formatTime(ev.Timestamp),
		string(dataJSON), nullString(ev.Source),
	)
	if err != nil {
		if strings.Contains(err.Error(), "UNIQUE constraint failed") {
			return errors.Wrap(errors.CategoryInternal, err, "duplicate event ID %s", ev.EventID)
		}
		return fmt.Errorf("failed to append event: %w", err)
	}
	return nil
}

const runColumns = `run_id, kind, name, params_json, priority, lane, status,
	external_ref, executor_name, result_json, error, error_type, error_category,
	attempt, retry_of_run_id, parent_run_id, idempotency_key, correlation_id,
	trigger_source, max_retries, timeout_seconds, metadata_json, tags_json,
	created_at, started_at, completed_at`

// GetRun implements Ledger.
func (l *SQLite) GetRun(ctx context.Context, runID string) (*work.Record, error) {
	row := l.db.QueryRowContext(ctx,
		fmt.Sprintf("SELECT %s FROM runs WHERE run_id = ?", runColumns), runID)

	rec, err := scanRun(row)
	if err == sql.ErrNoRows {
		return nil, errors.New(errors.CategoryValidation, "run not found: %s", runID)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get run: %w", err)
	}
	return rec, nil
}

// ListRuns implements Ledger.
func (l *SQLite) ListRuns(ctx context.Context, f *Filter) ([]*work.Record, error) {
	var where []string
	var args []any

	if f != nil {
		if len(f.Status) > 0 {
			placeholders := make([]string, len(f.Status))
			for i, s := range f.Status {
				placeholders[i] = "?"
				args = append(args, string(s))
			}
			where = append(where, fmt.Sprintf("status IN (%s)", strings.Join(placeholders, ",")))
		}
		if f.Kind != "" {
			where = append(where, "kind = ?")
			args = append(args, string(f.Kind))
		}
		if f.Name != "" {
			where = append(where, "name = ?")
			args = append(args, f.Name)
		}
		if f.Lane != "" {
			where = append(where, "lane = ?")
			args = append(args, f.Lane)
		}
		if f.ParentRunID != "" {
			where = append(where, "parent_run_id = ?")
			args = append(args, f.ParentRunID)
		}
		if f.CorrelationID != "" {
			where = append(where, "correlation_id = ?")
			args = append(args, f.CorrelationID)
		}
		if f.IdempotencyKey != "" {
			where = append(where, "idempotency_key = ?")
			args = append(args, f.IdempotencyKey)
		}
		if f.CreatedAfter != nil {
			where = append(where, "created_at > ?")
			args = append(args, formatTime(*f.CreatedAfter))
		}
		if f.CreatedBefore != nil {
			where = append(where, "created_at < ?")
			args = append(args, formatTime(*f.CreatedBefore))
		}
	}

	query := fmt.Sprintf("SELECT %s FROM runs", runColumns)
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY created_at DESC"
	if f != nil && (f.Limit > 0 || f.Offset > 0) {
		// SQLite requires LIMIT before OFFSET; -1 means no limit.
		limit := -1
		if f.Limit > 0 {
			limit = f.Limit
		}
		query += " LIMIT ?"
		args = append(args, limit)
		if f.Offset > 0 {
			query += " OFFSET ?"
			args = append(args, f.Offset)
		}
	}

	rows, err := l.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list runs: %w", err)
	}
	defer rows.Close()

	var results []*work.Record
	for rows.Next() {
		rec, err := scanRun(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan run: %w", err)
		}
		results = append(results, rec)
	}
	return results, rows.Err()
}

// GetEvents implements Ledger.
func (l *SQLite) GetEvents(ctx context.Context, runID string) ([]work.Event, error) {
	rows, err := l.db.QueryContext(ctx,
		`SELECT event_id, run_id, event_type, timestamp, data_json, source
		 FROM run_events WHERE run_id = ?
		 ORDER BY timestamp, rowid`, runID)
	if err != nil {
		return nil, fmt.Errorf("failed to get events: %w", err)
	}
	defer rows.Close()

	var events []work.Event
	for rows.Next() {
		var ev work.Event
		var eventType, timestamp string
		var dataJSON, source sql.NullString

		if err := rows.Scan(&ev.EventID, &ev.RunID, &eventType, &timestamp, &dataJSON, &source); err != nil {
			return nil, fmt.Errorf("failed to scan event: %w", err)
		}
		ev.Type = work.EventType(eventType)
		ev.Timestamp, _ = time.Parse(time.RFC3339Nano, timestamp)
		if dataJSON.Valid && dataJSON.String != "" && dataJSON.String != "null" {
			if err := json.Unmarshal([]byte(dataJSON.String), &ev.Data); err != nil {
				return nil, fmt.Errorf("failed to decode event data: %w", err)
			}
		}
		if source.Valid {
			ev.Source = source.String
		}
		events = append(events, ev)
	}
	return events, rows.Err()
}

// FindActiveByIdempotency implements Ledger.
func (l *SQLite) FindActiveByIdempotency(ctx context.Context, key string) (*work.Record, error) {
	if key == "" {
		return nil, nil
	}

	row := l.db.QueryRowContext(ctx,
		fmt.Sprintf(`SELECT %s FROM runs WHERE idempotency_key = ?
			AND status IN ('pending','queued','running','completed')
			LIMIT 1`, runColumns), key)

	rec, err := scanRun(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to find run by idempotency key: %w", err)
	}
	return rec, nil
}

// CountActiveByEntity implements Ledger.
func (l *SQLite) CountActiveByEntity(ctx context.Context, entityType, entityID string) (int, error) {
	var count int
	err := l.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM runs
		 WHERE status IN ('pending','queued','running')
		 AND json_extract(metadata_json, '$.entity_type') = ?
		 AND json_extract(metadata_json, '$.entity_id') = ?`,
		entityType, entityID).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("failed to count active runs by entity: %w", err)
	}
	return count, nil
}

// Close implements Ledger.
func (l *SQLite) Close() error {
	return l.db.Close()
}

// AddDLQ implements DLQStore.
func (l *SQLite) AddDLQ(ctx context.Context, entry *DLQEntry) error {
	if entry == nil || entry.ID == "" {
		return errors.NewValidation("id", "DLQ entry ID cannot be empty")
	}

	specJSON, err := json.Marshal(entry.Spec)
	if err != nil {
		return errors.Wrap(errors.CategoryValidation, err, "spec is not JSON-serialisable")
	}

	_, err = l.db.ExecContext(ctx,
		`INSERT INTO dlq_entries (id, run_id, spec_json, reason, error_category, error, enqueued_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`,
		entry.ID, entry.RunID, string(specJSON), entry.Reason,
		nullString(entry.ErrorCategory), nullString(entry.Error),
		formatTime(entry.EnqueuedAt),
	)
	if err != nil {
		if strings.Contains(err.Error(), "UNIQUE constraint failed") {
			return errors.Wrap(errors.CategoryInternal, err, "duplicate DLQ entry %s", entry.ID)
		}
		return fmt.Errorf("failed to add DLQ entry: %w", err)
	}
	return nil
}

// GetDLQ implements DLQStore.
func (l *SQLite) GetDLQ(ctx context.Context, id string) (*DLQEntry, error) {
	row := l.db.QueryRowContext(ctx,
		`SELECT id, run_id, spec_json, reason, error_category, error, enqueued_at
		 FROM dlq_entries WHERE id = ?`, id)

	entry, err := scanDLQ(row)
	if err == sql.ErrNoRows {
		return nil, errors.New(errors.CategoryValidation, "DLQ entry not found: %s", id)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get DLQ entry: %w", err)
	}
	return entry, nil
}

// ListDLQ implements DLQStore. Entries come back oldest first so
// reprocessing can preserve original submission order.
func (l *SQLite) ListDLQ(ctx context.Context, f *DLQFilter) ([]*DLQEntry, error) {
	var where []string
	var args []any

	if f != nil {
		if f.Reason != "" {
			where = append(where, "reason = ?")
			args = append(args, f.Reason)
		}
		if f.SpecName != "" {
			where = append(where, "json_extract(spec_json, '$.name') = ?")
			args = append(args, f.SpecName)
		}
		if f.EnqueuedBefore != nil {
			where = append(where, "enqueued_at < ?")
			args = append(args, formatTime(*f.EnqueuedBefore))
		}
	}

	query := `SELECT id, run_id, spec_json, reason, error_category, error, enqueued_at FROM dlq_entries`
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY enqueued_at, rowid"
	if f != nil && f.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, f.Limit)
		if f.Offset > 0 {
			query += " OFFSET ?"
			args = append(args, f.Offset)
		}
	}

	rows, err := l.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list DLQ entries: %w", err)
	}
	defer rows.Close()

	var results []*DLQEntry
	for rows.Next() {
		entry, err := scanDLQ(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan DLQ entry: %w", err)
		}
		results = append(results, entry)
	}
	return results, rows.Err()
}

// PurgeDLQ implements DLQStore.
func (l *SQLite) PurgeDLQ(ctx context.Context, before time.Time) (int, error) {
	res, err := l.db.ExecContext(ctx,
		`DELETE FROM dlq_entries WHERE enqueued_at < ?`, formatTime(before))
	if err != nil {
		return 0, fmt.Errorf("failed to purge DLQ: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("failed to read rows affected: %w", err)
	}
	return int(affected), nil
}

// scanner abstracts sql.Row and sql.Rows for shared scan code.
type scanner interface {
	Scan(dest ...any) error
}

// scanRun decodes one runs row into a record.
func scanRun(s scanner) (*work.Record, error) {
	var rec work.Record
	var kind, name, priority, lane, status, triggerSource string
	var paramsJSON, metadataJSON, tagsJSON, resultJSON sql.NullString
	var externalRef, executorName, errStr, errType, errCategory sql.NullString
	var retryOf, parentRunID, idempotencyKey, correlationID sql.NullString
	var createdAt string
	var startedAt, completedAt sql.NullString

	err := s.Scan(
		&rec.RunID, &kind, &name, &paramsJSON, &priority, &lane, &status,
		&externalRef, &executorName, &resultJSON, &errStr, &errType, &errCategory,
		&rec.Attempt, &retryOf, &parentRunID, &idempotencyKey, &correlationID,
		&triggerSource, &rec.Spec.MaxRetries, &rec.Spec.TimeoutSeconds,
		&metadataJSON, &tagsJSON, &createdAt, &startedAt, &completedAt,
	)
	if err != nil {
		return nil, err
	}

	rec.Spec.Kind = work.Kind(kind)
	rec.Spec.Name = name
	rec.Spec.Priority = work.Priority(priority)
	rec.Spec.Lane = lane
	rec.Spec.TriggerSource = work.TriggerSource(triggerSource)
	rec.Status = work.Status(status)

	if paramsJSON.Valid && paramsJSON.String != "" && paramsJSON.String != "null" {
		if err := json.Unmarshal([]byte(paramsJSON.String), &rec.Spec.Params); err != nil {
			return nil, fmt.Errorf("failed to decode params: %w", err)
		}
	}
	if metadataJSON.Valid && metadataJSON.String != "" && metadataJSON.String != "null" {
		if err := json.Unmarshal([]byte(metadataJSON.String), &rec.Spec.Metadata); err != nil {
			return nil, fmt.Errorf("failed to decode metadata: %w", err)
		}
	}
	if tagsJSON.Valid && tagsJSON.String != "" && tagsJSON.String != "null" {
		if err := json.Unmarshal([]byte(tagsJSON.String), &rec.Spec.Tags); err != nil {
			return nil, fmt.Errorf("failed to decode tags: %w", err)
		}
	}
	if resultJSON.Valid && resultJSON.String != "" && resultJSON.String != "null" {
		if err := json.Unmarshal([]byte(resultJSON.String), &rec.Result); err != nil {
			return nil, fmt.Errorf("failed to decode result: %w", err)
		}
	}

	rec.ExternalRef = stringOr(externalRef)
	rec.ExecutorName = stringOr(executorName)
	rec.Error = stringOr(errStr)
	rec.ErrorType = stringOr(errType)
	rec.ErrorCategory = stringOr(errCategory)
	rec.RetryOfRunID = stringOr(retryOf)
	rec.Spec.ParentRunID = stringOr(parentRunID)
	rec.Spec.IdempotencyKey = stringOr(idempotencyKey)
	rec.Spec.CorrelationID = stringOr(correlationID)

	rec.CreatedAt, _ = time.Parse(time.RFC3339Nano, createdAt)
	rec.StartedAt = parseTimePtr(startedAt)
	rec.CompletedAt = parseTimePtr(completedAt)

	return &rec, nil
}

// scanDLQ decodes one dlq_entries row.
func scanDLQ(s scanner) (*DLQEntry, error) {
	var entry DLQEntry
	var specJSON, enqueuedAt string
	var errCategory, errStr sql.NullString

	if err := s.Scan(&entry.ID, &entry.RunID, &specJSON, &entry.Reason,
		&errCategory, &errStr, &enqueuedAt); err != nil {
		return nil, err
	}

	if err := json.Unmarshal([]byte(specJSON), &entry.Spec); err != nil {
		return nil, fmt.Errorf("failed to decode DLQ spec: %w", err)
	}
	entry.ErrorCategory = stringOr(errCategory)
	entry.Error = stringOr(errStr)
	entry.EnqueuedAt, _ = time.Parse(time.RFC3339Nano, enqueuedAt)
	return &entry, nil
}

// timeLayout is RFC3339 with fixed-width nanoseconds so lexicographic
// ordering of stored strings matches chronological ordering.
const timeLayout = "2006-01-02T15:04:05.000000000Z07:00"

func formatTime(t time.Time) string {
	return t.UTC().Format(timeLayout)
}

func formatTimePtr(t *time.Time) any {
	if t == nil {
		return nil
	}
	return formatTime(*t)
}

func parseTimePtr(s sql.NullString) *time.Time {
	if !s.Valid || s.String == "" {
		return nil
	}
	t, err := time.Parse(time.RFC3339Nano, s.String)
	if err != nil {
		return nil
	}
	return &t
}

func nullString(s string) any {
	if s == "" {
		return nil
	}
	return s
}

func stringOr(s sql.NullString) string {
	if s.Valid {
		return s.String
	}
	return ""
}
