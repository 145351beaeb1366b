package stores

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"
)

const agentColumns = `id, location, status, last_heartbeat, registered_at, metadata`

// CreateAgent inserts a new agent record.
func (s *SQLStore) CreateAgent(ctx context.Context, agent *Agent) error {
	metadata, err := encodeMetadata(agent.Metadata)
	if err != nil {
		return err
	}

	query := s.db.Rebind(`
		INSERT INTO agents (` + agentColumns + `)
		VALUES (?, ?, ?, ?, ?, ?)
	`)

	_, err = s.db.SQL().ExecContext(ctx, query,
		agent.ID,
		agent.Location,
		string(agent.Status),
		FormatTime(agent.LastHeartbeat),
		FormatTime(agent.RegisteredAt),
		metadata,
	)
	if err != nil {
		return fmt.Errorf("failed to create agent: %w", err)
	}

	return nil
}

// GetAgent retrieves an agent by ID.
func (s *SQLStore) GetAgent(ctx context.Context, id string) (*Agent, error) {
	query := s.db.Rebind(`SELECT ` + agentColumns + ` FROM agents WHERE id = ?`)

	agent, err := scanAgent(s.db.SQL().QueryRowContext(ctx, query, id))
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("agent %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get agent: %w", err)
	}
	return agent, nil
}

// TouchAgent records a heartbeat: updates the timestamp and resets the
// agent to ONLINE.
func (s *SQLStore) TouchAgent(ctx context.Context, id string, at time.Time) error {
	query := s.db.Rebind(`UPDATE agents SET last_heartbeat = ?, status = ? WHERE id = ?`)

	result, err := s.db.SQL().ExecContext(ctx, query, FormatTime(at), string(AgentOnline), id)
	if err != nil {
		return fmt.Errorf("failed to record heartbeat: %w", err)
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if rows == 0 {
		return fmt.Errorf("agent %s: %w", id, ErrNotFound)
	}

	return nil
}

// DeleteAgent removes an agent record.
func (s *SQLStore) DeleteAgent(ctx context.Context, id string) error {
	query := s.db.Rebind(`DELETE FROM agents WHERE id = ?`)

	result, err := s.db.SQL().ExecContext(ctx, query, id)
	if err != nil {
		return fmt.Errorf("failed to delete agent: %w", err)
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if rows == 0 {
		return fmt.Errorf("agent %s: %w", id, ErrNotFound)
	}

	return nil
}

// ListAgents lists agents with optional filters.
func (s *SQLStore) ListAgents(ctx context.Context, filter AgentFilter) ([]*Agent, error) {
	query := s.db.Rebind(`
		SELECT ` + agentColumns + ` FROM agents
		WHERE (? = '' OR location = ?)
		  AND (? = '' OR status = ?)
		ORDER BY registered_at ASC
	`)

	rows, err := s.db.SQL().QueryContext(ctx, query,
		filter.Location, filter.Location,
		string(filter.Status), string(filter.Status),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to list agents: %w", err)
	}
	defer rows.Close()

	agents := []*Agent{}
	for rows.Next() {
		agent, err := scanAgent(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan agent: %w", err)
		}
		agents = append(agents, agent)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating agents: %w", err)
	}

	return agents, nil
}

// ListOnlineLocations returns the distinct locations of ONLINE agents.
func (s *SQLStore) ListOnlineLocations(ctx context.Context) ([]string, error) {
	query := s.db.Rebind(`SELECT DISTINCT location FROM agents WHERE status = ? ORDER BY location`)

	rows, err := s.db.SQL().QueryContext(ctx, query, string(AgentOnline))
	if err != nil {
		return nil, fmt.Errorf("failed to list locations: %w", err)
	}
	defer rows.Close()

	locations := []string{}
	for rows.Next() {
		var location string
		if err := rows.Scan(&location); err != nil {
			return nil, fmt.Errorf("failed to scan location: %w", err)
		}
		locations = append(locations, location)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating locations: %w", err)
	}

	return locations, nil
}

// MarkStaleAgentsOffline flips every ONLINE agent whose last heartbeat
// is older than the cutoff to OFFLINE. Returns the number of agents
// swept.
func (s *SQLStore) MarkStaleAgentsOffline(ctx context.Context, cutoff time.Time) (int64, error) {
	query := s.db.Rebind(`
		UPDATE agents SET status = ?
		WHERE status = ? AND last_heartbeat < ?
	`)

	result, err := s.db.SQL().ExecContext(ctx, query,
		string(AgentOffline),
		string(AgentOnline),
		FormatTime(cutoff),
	)
	if err != nil {
		return 0, fmt.Errorf("failed to sweep stale agents: %w", err)
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("failed to get rows affected: %w", err)
	}

	return rows, nil
}

func scanAgent(row rowScanner) (*Agent, error) {
	agent := &Agent{}
	var status, lastHeartbeat, registeredAt string
	var metadata sql.NullString

	err := row.Scan(
		&agent.ID,
		&agent.Location,
		&status,
		&lastHeartbeat,
		&registeredAt,
		&metadata,
	)
	if err != nil {
		return nil, err
	}

	agent.Status = AgentStatus(status)
	if agent.LastHeartbeat, err = ParseTime(lastHeartbeat); err != nil {
		return nil, fmt.Errorf("failed to parse agent last_heartbeat: %w", err)
	}
	if agent.RegisteredAt, err = ParseTime(registeredAt); err != nil {
		return nil, fmt.Errorf("failed to parse agent registered_at: %w", err)
	}
	if metadata.Valid && metadata.String != "" {
		if err := json.Unmarshal([]byte(metadata.String), &agent.Metadata); err != nil {
			return nil, fmt.Errorf("failed to decode agent metadata: %w", err)
		}
	}

	return agent, nil
}

func encodeMetadata(metadata map[string]string) (*string, error) {
	if metadata == nil {
		return nil, nil
	}
	raw, err := json.Marshal(metadata)
	if err != nil {
		return nil, fmt.Errorf("failed to encode agent metadata: %w", err)
	}
	s := string(raw)
	return &s, nil
}
