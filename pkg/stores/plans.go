package stores

import (
	"context"
	"database/sql"
	"fmt"
	"time"
)

// CreatePlan inserts a new plan row.
func (s *SQLStore) CreatePlan(ctx context.Context, p *StoredPlan) error {
	now := time.Now().UTC()
	p.CreatedAt = now
	p.UpdatedAt = now

	query := s.db.Rebind(`
		INSERT INTO plans (id, organization, project, environment, name, version, content_hash, document, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`)

	_, err := s.db.SQL().ExecContext(ctx, query,
		p.ID,
		p.Organization,
		p.Project,
		p.Environment,
		p.Name,
		p.Version,
		p.ContentHash,
		string(p.Document),
		FormatTime(p.CreatedAt),
		FormatTime(p.UpdatedAt),
	)
	if err != nil {
		return fmt.Errorf("failed to create plan: %w", err)
	}

	return nil
}

// UpdatePlan replaces the document and projections of an existing plan.
func (s *SQLStore) UpdatePlan(ctx context.Context, p *StoredPlan) error {
	p.UpdatedAt = time.Now().UTC()

	query := s.db.Rebind(`
		UPDATE plans
		SET organization = ?, project = ?, environment = ?, name = ?, version = ?, content_hash = ?, document = ?, updated_at = ?
		WHERE id = ?
	`)

	result, err := s.db.SQL().ExecContext(ctx, query,
		p.Organization,
		p.Project,
		p.Environment,
		p.Name,
		p.Version,
		p.ContentHash,
		string(p.Document),
		FormatTime(p.UpdatedAt),
		p.ID,
	)
	if err != nil {
		return fmt.Errorf("failed to update plan: %w", err)
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if rows == 0 {
		return fmt.Errorf("plan %s: %w", p.ID, ErrNotFound)
	}

	return nil
}

const planColumns = `id, organization, project, environment, name, version, content_hash, document, created_at, updated_at`

// GetPlan retrieves a plan by ID.
func (s *SQLStore) GetPlan(ctx context.Context, id string) (*StoredPlan, error) {
	query := s.db.Rebind(`SELECT ` + planColumns + ` FROM plans WHERE id = ?`)
	return s.scanPlan(s.db.SQL().QueryRowContext(ctx, query, id), id)
}

// GetPlanByName retrieves a plan by its identity tuple.
func (s *SQLStore) GetPlanByName(ctx context.Context, project, environment, name string) (*StoredPlan, error) {
	query := s.db.Rebind(`
		SELECT ` + planColumns + ` FROM plans
		WHERE project = ? AND environment = ? AND name = ?
	`)
	row := s.db.SQL().QueryRowContext(ctx, query, project, environment, name)
	return s.scanPlan(row, name)
}

func (s *SQLStore) scanPlan(row *sql.Row, ref string) (*StoredPlan, error) {
	p := &StoredPlan{}
	var document, createdAt, updatedAt string
	err := row.Scan(
		&p.ID,
		&p.Organization,
		&p.Project,
		&p.Environment,
		&p.Name,
		&p.Version,
		&p.ContentHash,
		&document,
		&createdAt,
		&updatedAt,
	)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("plan %s: %w", ref, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get plan: %w", err)
	}

	p.Document = []byte(document)
	if p.CreatedAt, err = ParseTime(createdAt); err != nil {
		return nil, fmt.Errorf("failed to parse plan created_at: %w", err)
	}
	if p.UpdatedAt, err = ParseTime(updatedAt); err != nil {
		return nil, fmt.Errorf("failed to parse plan updated_at: %w", err)
	}
	return p, nil
}

// ListPlans lists plans with optional filters and pagination.
func (s *SQLStore) ListPlans(ctx context.Context, filter PlanFilter) ([]*StoredPlan, error) {
	if filter.Limit <= 0 {
		filter.Limit = 100
	}

	query := s.db.Rebind(`
		SELECT ` + planColumns + ` FROM plans
		WHERE (? = '' OR project = ?)
		  AND (? = '' OR environment = ?)
		ORDER BY project, environment, name
		LIMIT ? OFFSET ?
	`)

	rows, err := s.db.SQL().QueryContext(ctx, query,
		filter.ProjectID, filter.ProjectID,
		filter.Environment, filter.Environment,
		filter.Limit, filter.Offset,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to list plans: %w", err)
	}
	defer rows.Close()

	plans := []*StoredPlan{}
	for rows.Next() {
		p := &StoredPlan{}
		var document, createdAt, updatedAt string
		err := rows.Scan(
			&p.ID,
			&p.Organization,
			&p.Project,
			&p.Environment,
			&p.Name,
			&p.Version,
			&p.ContentHash,
			&document,
			&createdAt,
			&updatedAt,
		)
		if err != nil {
			return nil, fmt.Errorf("failed to scan plan: %w", err)
		}
		p.Document = []byte(document)
		if p.CreatedAt, err = ParseTime(createdAt); err != nil {
			return nil, fmt.Errorf("failed to parse plan created_at: %w", err)
		}
		if p.UpdatedAt, err = ParseTime(updatedAt); err != nil {
			return nil, fmt.Errorf("failed to parse plan updated_at: %w", err)
		}
		plans = append(plans, p)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating plans: %w", err)
	}

	return plans, nil
}

// DeletePlan deletes a plan by ID.
func (s *SQLStore) DeletePlan(ctx context.Context, id string) error {
	query := s.db.Rebind(`DELETE FROM plans WHERE id = ?`)

	result, err := s.db.SQL().ExecContext(ctx, query, id)
	if err != nil {
		return fmt.Errorf("failed to delete plan: %w", err)
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if rows == 0 {
		return fmt.Errorf("plan %s: %w", id, ErrNotFound)
	}

	return nil
}

// DuePlans returns every plan whose document declares a frequency,
// annotated with its most recent run start. The caller decides which are
// actually due; the interval arithmetic stays in Go so both dialects
// behave identically.
func (s *SQLStore) DuePlans(ctx context.Context) ([]*StoredPlan, error) {
	query := s.db.Rebind(`
		SELECT ` + planColumns + `,
		       (SELECT MAX(r.started_at) FROM runs r WHERE r.plan_id = plans.id) AS last_started_at
		FROM plans
	`)

	rows, err := s.db.SQL().QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("failed to query due plans: %w", err)
	}
	defer rows.Close()

	plans := []*StoredPlan{}
	for rows.Next() {
		p := &StoredPlan{}
		var document, createdAt, updatedAt string
		var lastStarted sql.NullString
		err := rows.Scan(
			&p.ID,
			&p.Organization,
			&p.Project,
			&p.Environment,
			&p.Name,
			&p.Version,
			&p.ContentHash,
			&document,
			&createdAt,
			&updatedAt,
			&lastStarted,
		)
		if err != nil {
			return nil, fmt.Errorf("failed to scan due plan: %w", err)
		}
		p.Document = []byte(document)
		if p.CreatedAt, err = ParseTime(createdAt); err != nil {
			return nil, fmt.Errorf("failed to parse plan created_at: %w", err)
		}
		if p.UpdatedAt, err = ParseTime(updatedAt); err != nil {
			return nil, fmt.Errorf("failed to parse plan updated_at: %w", err)
		}
		if lastStarted.Valid {
			t, err := ParseTime(lastStarted.String)
			if err != nil {
				return nil, fmt.Errorf("failed to parse last_started_at: %w", err)
			}
			p.LastStartedAt = &t
		}
		plans = append(plans, p)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating due plans: %w", err)
	}

	return plans, nil
}
