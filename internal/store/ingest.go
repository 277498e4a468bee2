package store

import (
	"context"
	"database/sql"
	"time"

	"github.com/google/uuid"
)

// IngestRun records one forecast pull or observation feed batch for auditing.
type IngestRun struct {
	ID              int64
	RunID           string
	StartedAt       time.Time
	FinishedAt      sql.NullTime
	Source          string // "ftp", "kafka"
	Target          string // remote file or topic
	RecordsParsed   sql.NullInt64
	RecordsStored   sql.NullInt64
	RecordsRejected sql.NullInt64
	Success         bool
	ErrorMessage    sql.NullString
}

// StartIngestRun creates a new ingest run record and returns it.
func (s *Store) StartIngestRun(ctx context.Context, source, target string) (*IngestRun, error) {
	run := &IngestRun{
		RunID:     uuid.NewString(),
		StartedAt: time.Now().UTC(),
		Source:    source,
		Target:    target,
	}

	result, err := s.db.ExecContext(ctx, `
		INSERT INTO ingest_runs (run_id, started_at, source, target, success)
		VALUES (?, ?, ?, ?, FALSE)
	`, run.RunID, run.StartedAt, run.Source, run.Target)
	if err != nil {
		return nil, err
	}

	run.ID, err = result.LastInsertId()
	if err != nil {
		return nil, err
	}
	return run, nil
}

// CompleteIngestRun updates the ingest run with results.
func (s *Store) CompleteIngestRun(ctx context.Context, run *IngestRun) error {
	if run == nil {
		return nil
	}

	run.FinishedAt = sql.NullTime{Time: time.Now().UTC(), Valid: true}

	_, err := s.db.ExecContext(ctx, `
		UPDATE ingest_runs SET
			finished_at = ?,
			records_parsed = ?,
			records_stored = ?,
			records_rejected = ?,
			success = ?,
			error_message = ?
		WHERE id = ?
	`, run.FinishedAt, run.RecordsParsed, run.RecordsStored, run.RecordsRejected,
		run.Success, run.ErrorMessage, run.ID)
	return err
}

// Fail marks the run failed with err's message.
func (r *IngestRun) Fail(err error) {
	r.Success = false
	r.ErrorMessage = sql.NullString{String: err.Error(), Valid: true}
}

// Counts sets the record counters.
func (r *IngestRun) Counts(parsed, stored, rejected int) {
	r.RecordsParsed = sql.NullInt64{Int64: int64(parsed), Valid: true}
	r.RecordsStored = sql.NullInt64{Int64: int64(stored), Valid: true}
	r.RecordsRejected = sql.NullInt64{Int64: int64(rejected), Valid: true}
}

// GetRecentIngestErrors returns recent failed ingest runs.
func (s *Store) GetRecentIngestErrors(ctx context.Context, limit int) ([]IngestRun, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, run_id, started_at, finished_at, source, target,
			   records_parsed, records_stored, records_rejected, success, error_message
		FROM ingest_runs
		WHERE success = FALSE
		ORDER BY started_at DESC
		LIMIT ?
	`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var results []IngestRun
	for rows.Next() {
		var r IngestRun
		if err := rows.Scan(&r.ID, &r.RunID, &r.StartedAt, &r.FinishedAt, &r.Source, &r.Target,
			&r.RecordsParsed, &r.RecordsStored, &r.RecordsRejected, &r.Success, &r.ErrorMessage); err != nil {
			return nil, err
		}
		results = append(results, r)
	}
	return results, rows.Err()
}
