package queue

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/openprobe/openprobe/pkg/stores"
)

const jobColumns = `id, queue_name, data, location, status, attempts, max_attempts, priority, scheduled_for, started_at, completed_at, error`

// SQLQueue implements Queue on the shared database. On PostgreSQL the
// dequeue uses FOR UPDATE SKIP LOCKED; on SQLite it relies on the
// immediate write transaction plus a compare-and-swap update, which is
// equivalent because SQLite serializes writers.
type SQLQueue struct {
	db *stores.DB
}

// NewSQLQueue creates a queue on an open database. The jobs table is
// part of the stores schema.
func NewSQLQueue(db *stores.DB) *SQLQueue {
	return &SQLQueue{db: db}
}

// Enqueue implements Queue.
func (q *SQLQueue) Enqueue(ctx context.Context, queueName string, data json.RawMessage, opts EnqueueOptions) (string, error) {
	if opts.Location == "" {
		return "", fmt.Errorf("enqueue requires a location")
	}
	if opts.MaxAttempts <= 0 {
		opts.MaxAttempts = 3
	}
	now := time.Now().UTC()
	runAt := opts.RunAt
	if runAt.IsZero() {
		runAt = now
	}

	id := uuid.New().String()
	query := q.db.Rebind(`
		INSERT INTO jobs (id, queue_name, data, location, status, attempts, max_attempts, priority, scheduled_for, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, 0, ?, ?, ?, ?, ?)
	`)

	_, err := q.db.SQL().ExecContext(ctx, query,
		id,
		queueName,
		string(data),
		opts.Location,
		string(StatusPending),
		opts.MaxAttempts,
		opts.Priority,
		stores.FormatTime(runAt),
		stores.FormatTime(now),
		stores.FormatTime(now),
	)
	if err != nil {
		return "", fmt.Errorf("failed to enqueue job: %w", err)
	}

	return id, nil
}

// Dequeue implements Queue.
func (q *SQLQueue) Dequeue(ctx context.Context, queueName, location string) (*Job, error) {
	if q.db.Dialect() == stores.DialectPostgres {
		return q.dequeuePostgres(ctx, queueName, location)
	}
	return q.dequeueSQLite(ctx, queueName, location)
}

func (q *SQLQueue) dequeuePostgres(ctx context.Context, queueName, location string) (*Job, error) {
	now := stores.FormatTime(time.Now())
	query := q.db.Rebind(`
		UPDATE jobs
		SET status = 'RUNNING', started_at = ?, attempts = attempts + 1, updated_at = ?
		WHERE id = (
			SELECT id FROM jobs
			WHERE queue_name = ? AND location = ?
			  AND status IN ('PENDING', 'RETRYING')
			  AND scheduled_for <= ?
			ORDER BY priority DESC, scheduled_for ASC
			LIMIT 1
			FOR UPDATE SKIP LOCKED
		)
		RETURNING ` + jobColumns)

	job, err := scanJob(q.db.SQL().QueryRowContext(ctx, query, now, now, queueName, location, now))
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to dequeue job: %w", err)
	}
	return job, nil
}

func (q *SQLQueue) dequeueSQLite(ctx context.Context, queueName, location string) (*Job, error) {
	tx, err := q.db.SQL().BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to begin dequeue transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	now := stores.FormatTime(time.Now())
	selectQuery := `
		SELECT ` + jobColumns + ` FROM jobs
		WHERE queue_name = ? AND location = ?
		  AND status IN ('PENDING', 'RETRYING')
		  AND scheduled_for <= ?
		ORDER BY priority DESC, scheduled_for ASC
		LIMIT 1
	`

	job, err := scanJob(tx.QueryRowContext(ctx, selectQuery, queueName, location, now))
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to select eligible job: %w", err)
	}

	// Compare-and-swap on the status so a lost race yields zero rows
	// instead of a double claim.
	result, err := tx.ExecContext(ctx, `
		UPDATE jobs
		SET status = 'RUNNING', started_at = ?, attempts = attempts + 1, updated_at = ?
		WHERE id = ? AND status IN ('PENDING', 'RETRYING')
	`, now, now, job.ID)
	if err != nil {
		return nil, fmt.Errorf("failed to claim job: %w", err)
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return nil, fmt.Errorf("failed to get rows affected: %w", err)
	}
	if rows == 0 {
		return nil, nil
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("failed to commit dequeue: %w", err)
	}

	job.Status = StatusRunning
	job.Attempts++
	startedAt, _ := stores.ParseTime(now)
	job.StartedAt = &startedAt
	return job, nil
}

// Acknowledge implements Queue.
func (q *SQLQueue) Acknowledge(ctx context.Context, jobID string) error {
	now := stores.FormatTime(time.Now())
	query := q.db.Rebind(`
		UPDATE jobs
		SET status = 'COMPLETED', completed_at = ?, updated_at = ?
		WHERE id = ? AND status = 'RUNNING'
	`)

	result, err := q.db.SQL().ExecContext(ctx, query, now, now, jobID)
	if err != nil {
		return fmt.Errorf("failed to acknowledge job: %w", err)
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if rows == 0 {
		return fmt.Errorf("job %s is not RUNNING: %w", jobID, ErrNotFound)
	}

	return nil
}

// Fail implements Queue.
func (q *SQLQueue) Fail(ctx context.Context, jobID string, jobErr error, retry bool) error {
	job, err := q.GetJob(ctx, jobID)
	if err != nil {
		return err
	}

	message := ""
	if jobErr != nil {
		message = jobErr.Error()
	}

	now := time.Now().UTC()
	if retry && job.Attempts < job.MaxAttempts {
		query := q.db.Rebind(`
			UPDATE jobs
			SET status = 'RETRYING', error = ?, scheduled_for = ?, updated_at = ?
			WHERE id = ?
		`)
		_, err = q.db.SQL().ExecContext(ctx, query,
			message,
			stores.FormatTime(now.Add(Backoff(job.Attempts))),
			stores.FormatTime(now),
			jobID,
		)
		if err != nil {
			return fmt.Errorf("failed to reschedule job: %w", err)
		}
		return nil
	}

	query := q.db.Rebind(`
		UPDATE jobs
		SET status = 'FAILED', error = ?, completed_at = ?, updated_at = ?
		WHERE id = ?
	`)
	_, err = q.db.SQL().ExecContext(ctx, query,
		message,
		stores.FormatTime(now),
		stores.FormatTime(now),
		jobID,
	)
	if err != nil {
		return fmt.Errorf("failed to mark job failed: %w", err)
	}

	return nil
}

// GetJob implements Queue.
func (q *SQLQueue) GetJob(ctx context.Context, jobID string) (*Job, error) {
	query := q.db.Rebind(`SELECT ` + jobColumns + ` FROM jobs WHERE id = ?`)

	job, err := scanJob(q.db.SQL().QueryRowContext(ctx, query, jobID))
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("job %s: %w", jobID, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get job: %w", err)
	}
	return job, nil
}

// RequeueStale implements Queue.
func (q *SQLQueue) RequeueStale(ctx context.Context, queueName string, visibilityTimeout time.Duration) (int64, error) {
	now := time.Now().UTC()
	cutoff := stores.FormatTime(now.Add(-visibilityTimeout))

	query := q.db.Rebind(`
		UPDATE jobs
		SET status = 'PENDING', started_at = NULL, scheduled_for = ?, updated_at = ?
		WHERE queue_name = ? AND status = 'RUNNING' AND started_at < ?
	`)

	result, err := q.db.SQL().ExecContext(ctx, query,
		stores.FormatTime(now),
		stores.FormatTime(now),
		queueName,
		cutoff,
	)
	if err != nil {
		return 0, fmt.Errorf("failed to requeue stale jobs: %w", err)
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("failed to get rows affected: %w", err)
	}

	return rows, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanJob(row rowScanner) (*Job, error) {
	job := &Job{}
	var data, status, scheduledFor string
	var startedAt, completedAt, jobErr sql.NullString

	err := row.Scan(
		&job.ID,
		&job.QueueName,
		&data,
		&job.Location,
		&status,
		&job.Attempts,
		&job.MaxAttempts,
		&job.Priority,
		&scheduledFor,
		&startedAt,
		&completedAt,
		&jobErr,
	)
	if err != nil {
		return nil, err
	}

	job.Data = json.RawMessage(data)
	job.Status = Status(status)
	if job.ScheduledFor, err = stores.ParseTime(scheduledFor); err != nil {
		return nil, fmt.Errorf("failed to parse job scheduled_for: %w", err)
	}
	if startedAt.Valid {
		t, err := stores.ParseTime(startedAt.String)
		if err != nil {
			return nil, fmt.Errorf("failed to parse job started_at: %w", err)
		}
		job.StartedAt = &t
	}
	if completedAt.Valid {
		t, err := stores.ParseTime(completedAt.String)
		if err != nil {
			return nil, fmt.Errorf("failed to parse job completed_at: %w", err)
		}
		job.CompletedAt = &t
	}
	if jobErr.Valid {
		job.Error = jobErr.String
	}

	return job, nil
}
