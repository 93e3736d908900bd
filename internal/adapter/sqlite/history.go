package sqlite

import (
	"encoding/json"
	"fmt"

	"edgeagent/internal/deployment"
)

func (s *Store) EffectiveConfig() ([]byte, bool, error) {
	data, ok, err := s.loadBlob(`SELECT data FROM effective_config WHERE id = 1`)
	if err != nil {
		return nil, false, fmt.Errorf("query effective configuration: %w", err)
	}
	return data, ok, nil
}

func (s *Store) SaveEffectiveConfig(data []byte) error {
	if data == nil {
		data = []byte{}
	}
	if _, err := s.db.Exec(
		`INSERT INTO effective_config (id, data, updated_at) VALUES (1, ?, ?)
ON CONFLICT(id) DO UPDATE SET data = excluded.data, updated_at = excluded.updated_at`,
		data,
		s.stamp(),
	); err != nil {
		return fmt.Errorf("save effective configuration: %w", err)
	}
	return nil
}

func (s *Store) AppendStatus(u deployment.StatusUpdate) error {
	payload, err := json.Marshal(u)
	if err != nil {
		return fmt.Errorf("marshal status update: %w", err)
	}
	if _, err := s.db.Exec(
		`INSERT INTO status_history (deployment_id, update_json, recorded_at) VALUES (?, ?, ?)`,
		u.DeploymentID,
		string(payload),
		s.stamp(),
	); err != nil {
		return fmt.Errorf("append status of deployment %s: %w", u.DeploymentID, err)
	}
	return nil
}

// ListStatuses returns the newest limit updates, newest first. A limit of
// zero or less returns all.
func (s *Store) ListStatuses(limit int) ([]deployment.StatusUpdate, error) {
	if limit <= 0 {
		limit = -1
	}
	rows, err := s.db.Query(`SELECT update_json FROM status_history ORDER BY seq DESC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("list status history: %w", err)
	}
	defer rows.Close()

	out := make([]deployment.StatusUpdate, 0)
	for rows.Next() {
		var raw string
		if err := rows.Scan(&raw); err != nil {
			return nil, fmt.Errorf("scan status row: %w", err)
		}
		var u deployment.StatusUpdate
		if err := json.Unmarshal([]byte(raw), &u); err != nil {
			return nil, fmt.Errorf("unmarshal status update: %w", err)
		}
		out = append(out, u)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate status rows: %w", err)
	}
	return out, nil
}
