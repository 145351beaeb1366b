package stores

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"
)

const runColumns = `id, plan_id, execution_group_id, location, environment, triggered_by, status, started_at, completed_at, duration_ms, success, errors`

// CreateRun inserts a new run record.
func (s *SQLStore) CreateRun(ctx context.Context, run *Run) error {
	errorsJSON, err := encodeErrors(run.Errors)
	if err != nil {
		return err
	}

	query := s.db.Rebind(`
		INSERT INTO runs (` + runColumns + `)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`)

	_, err = s.db.SQL().ExecContext(ctx, query,
		run.ID,
		run.PlanID,
		run.ExecutionGroupID,
		run.Location,
		run.Environment,
		string(run.TriggeredBy),
		string(run.Status),
		FormatTime(run.StartedAt),
		formatTimePtr(run.CompletedAt),
		run.DurationMS,
		run.Success,
		errorsJSON,
	)
	if err != nil {
		return fmt.Errorf("failed to create run: %w", err)
	}

	return nil
}

// GetRun retrieves a run by ID.
func (s *SQLStore) GetRun(ctx context.Context, id string) (*Run, error) {
	query := s.db.Rebind(`SELECT ` + runColumns + ` FROM runs WHERE id = ?`)

	run, err := scanRun(s.db.SQL().QueryRowContext(ctx, query, id))
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("run %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get run: %w", err)
	}
	return run, nil
}

// ListRuns lists runs with optional filters and pagination, newest first.
func (s *SQLStore) ListRuns(ctx context.Context, filter RunFilter) ([]*Run, error) {
	if filter.Limit <= 0 {
		filter.Limit = 100
	}

	query := s.db.Rebind(`
		SELECT ` + runColumns + ` FROM runs
		WHERE (? = '' OR plan_id = ?)
		ORDER BY started_at DESC
		LIMIT ? OFFSET ?
	`)

	rows, err := s.db.SQL().QueryContext(ctx, query,
		filter.PlanID, filter.PlanID,
		filter.Limit, filter.Offset,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to list runs: %w", err)
	}
	defer rows.Close()

	runs := []*Run{}
	for rows.Next() {
		run, err := scanRun(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan run: %w", err)
		}
		runs = append(runs, run)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating runs: %w", err)
	}

	return runs, nil
}

// UpdateRunStatus applies a status PATCH with the monotone transition
// gate: terminal statuses are only written when the current status is
// RUNNING, and RUNNING only from PENDING. A duplicate write of the same
// terminal status is accepted as an idempotent no-op, and so is a
// repeated RUNNING write: when the visibility sweeper requeues a stale
// job, the redelivered job reports RUNNING against a run that never
// left it.
func (s *SQLStore) UpdateRunStatus(ctx context.Context, id string, update RunUpdate) error {
	current, err := s.GetRun(ctx, id)
	if err != nil {
		return err
	}

	if duplicateStatusWrite(current.Status, update.Status) {
		return nil
	}
	if !validTransition(current.Status, update.Status) {
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, current.Status, update.Status)
	}

	errorsJSON, err := encodeErrors(update.Errors)
	if err != nil {
		return err
	}

	var completedAt *string
	if update.Status.Terminal() {
		now := FormatTime(time.Now())
		completedAt = &now
	}

	query := s.db.Rebind(`
		UPDATE runs
		SET status = ?, duration_ms = COALESCE(?, duration_ms), success = COALESCE(?, success),
		    errors = COALESCE(?, errors), completed_at = COALESCE(?, completed_at)
		WHERE id = ? AND status = ?
	`)

	result, err := s.db.SQL().ExecContext(ctx, query,
		string(update.Status),
		update.DurationMS,
		update.Success,
		errorsJSON,
		completedAt,
		id,
		string(current.Status),
	)
	if err != nil {
		return fmt.Errorf("failed to update run status: %w", err)
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if rows == 0 {
		// Lost a race with a concurrent transition. Re-read to decide
		// whether the write is now a duplicate no-op.
		latest, gerr := s.GetRun(ctx, id)
		if gerr != nil {
			return gerr
		}
		if duplicateStatusWrite(latest.Status, update.Status) {
			return nil
		}
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, latest.Status, update.Status)
	}

	return nil
}

// duplicateStatusWrite reports whether writing the current status again
// is an idempotent no-op rather than an invalid transition.
func duplicateStatusWrite(current, next RunStatus) bool {
	if current != next {
		return false
	}
	return current.Terminal() || current == RunStatusRunning
}

func validTransition(from, to RunStatus) bool {
	switch from {
	case RunStatusPending:
		return to == RunStatusRunning || to == RunStatusFailed
	case RunStatusRunning:
		return to == RunStatusCompleted || to == RunStatusFailed
	default:
		return false
	}
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanRun(row rowScanner) (*Run, error) {
	run := &Run{}
	var triggeredBy, status, startedAt string
	var completedAt, errorsJSON sql.NullString
	var durationMS sql.NullInt64
	var success sql.NullBool

	err := row.Scan(
		&run.ID,
		&run.PlanID,
		&run.ExecutionGroupID,
		&run.Location,
		&run.Environment,
		&triggeredBy,
		&status,
		&startedAt,
		&completedAt,
		&durationMS,
		&success,
		&errorsJSON,
	)
	if err != nil {
		return nil, err
	}

	run.TriggeredBy = TriggerSource(triggeredBy)
	run.Status = RunStatus(status)
	if run.StartedAt, err = ParseTime(startedAt); err != nil {
		return nil, fmt.Errorf("failed to parse run started_at: %w", err)
	}
	if completedAt.Valid {
		t, err := ParseTime(completedAt.String)
		if err != nil {
			return nil, fmt.Errorf("failed to parse run completed_at: %w", err)
		}
		run.CompletedAt = &t
	}
	if durationMS.Valid {
		run.DurationMS = &durationMS.Int64
	}
	if success.Valid {
		run.Success = &success.Bool
	}
	if errorsJSON.Valid && errorsJSON.String != "" {
		if err := json.Unmarshal([]byte(errorsJSON.String), &run.Errors); err != nil {
			return nil, fmt.Errorf("failed to decode run errors: %w", err)
		}
	}

	return run, nil
}

func encodeErrors(errs []string) (*string, error) {
	if errs == nil {
		return nil, nil
	}
	raw, err := json.Marshal(errs)
	if err != nil {
		return nil, fmt.Errorf("failed to encode run errors: %w", err)
	}
	s := string(raw)
	return &s, nil
}

func formatTimePtr(t *time.Time) *string {
	if t == nil {
		return nil
	}
	s := FormatTime(*t)
	return &s
}
