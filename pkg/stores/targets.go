package stores

import (
	"context"
	"database/sql"
	"fmt"
	"time"
)

// PutTarget inserts or replaces one target mapping.
func (s *SQLStore) PutTarget(ctx context.Context, organization, environment, key, baseURL string) error {
	query := s.db.Rebind(`
		INSERT INTO targets (organization, environment, target_key, base_url, updated_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT (organization, environment, target_key) DO UPDATE SET
			base_url = excluded.base_url,
			updated_at = excluded.updated_at
	`)

	_, err := s.db.SQL().ExecContext(ctx, query,
		organization,
		environment,
		key,
		baseURL,
		FormatTime(time.Now()),
	)
	if err != nil {
		return fmt.Errorf("failed to put target: %w", err)
	}

	return nil
}

// GetTarget returns the base URL for one target key.
func (s *SQLStore) GetTarget(ctx context.Context, organization, environment, key string) (string, error) {
	query := s.db.Rebind(`
		SELECT base_url FROM targets
		WHERE organization = ? AND environment = ? AND target_key = ?
	`)

	var baseURL string
	err := s.db.SQL().QueryRowContext(ctx, query, organization, environment, key).Scan(&baseURL)
	if err == sql.ErrNoRows {
		return "", fmt.Errorf("target %s/%s/%s: %w", organization, environment, key, ErrNotFound)
	}
	if err != nil {
		return "", fmt.Errorf("failed to get target: %w", err)
	}

	return baseURL, nil
}

// GetTargets returns the full target map for an (organization,
// environment) pair.
func (s *SQLStore) GetTargets(ctx context.Context, organization, environment string) (map[string]string, error) {
	query := s.db.Rebind(`
		SELECT target_key, base_url FROM targets
		WHERE organization = ? AND environment = ?
	`)

	rows, err := s.db.SQL().QueryContext(ctx, query, organization, environment)
	if err != nil {
		return nil, fmt.Errorf("failed to get targets: %w", err)
	}
	defer rows.Close()

	targets := map[string]string{}
	for rows.Next() {
		var key, baseURL string
		if err := rows.Scan(&key, &baseURL); err != nil {
			return nil, fmt.Errorf("failed to scan target: %w", err)
		}
		targets[key] = baseURL
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating targets: %w", err)
	}

	return targets, nil
}

// DeleteTarget removes one target mapping.
func (s *SQLStore) DeleteTarget(ctx context.Context, organization, environment, key string) error {
	query := s.db.Rebind(`
		DELETE FROM targets
		WHERE organization = ? AND environment = ? AND target_key = ?
	`)

	result, err := s.db.SQL().ExecContext(ctx, query, organization, environment, key)
	if err != nil {
		return fmt.Errorf("failed to delete target: %w", err)
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if rows == 0 {
		return fmt.Errorf("target %s/%s/%s: %w", organization, environment, key, ErrNotFound)
	}

	return nil
}
