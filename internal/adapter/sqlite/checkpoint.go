package sqlite

import (
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"edgeagent/internal/deployment"
)

// Stage returns the stage marker. A missing marker is DEFAULT.
func (s *Store) Stage() (deployment.Stage, error) {
	var raw string
	err := s.db.QueryRow(`SELECT stage FROM deployment_stage WHERE id = 1`).Scan(&raw)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return deployment.StageDefault, nil
		}
		return deployment.StageDefault, fmt.Errorf("query deployment stage: %w", err)
	}
	stage, err := deployment.ParseStage(raw)
	if err != nil {
		return deployment.StageDefault, fmt.Errorf("parse deployment stage: %w", err)
	}
	return stage, nil
}

func (s *Store) SaveStage(stage deployment.Stage) error {
	if _, err := s.db.Exec(
		`INSERT INTO deployment_stage (id, stage, updated_at) VALUES (1, ?, ?)
ON CONFLICT(id) DO UPDATE SET stage = excluded.stage, updated_at = excluded.updated_at`,
		stage.String(),
		s.stamp(),
	); err != nil {
		return fmt.Errorf("save deployment stage: %w", err)
	}
	return nil
}

func (s *Store) LoadDeployment() (deployment.Deployment, bool, error) {
	data, ok, err := s.loadBlob(`SELECT record_json FROM deployment_record WHERE id = 1`)
	if err != nil {
		return deployment.Deployment{}, false, fmt.Errorf("query deployment record: %w", err)
	}
	if !ok {
		return deployment.Deployment{}, false, nil
	}
	var d deployment.Deployment
	if err := json.Unmarshal(data, &d); err != nil {
		return deployment.Deployment{}, false, fmt.Errorf("unmarshal deployment record: %w", err)
	}
	return d, true, nil
}

func (s *Store) SaveDeployment(d deployment.Deployment) error {
	payload, err := json.Marshal(d)
	if err != nil {
		return fmt.Errorf("marshal deployment record: %w", err)
	}
	if _, err := s.db.Exec(
		`INSERT INTO deployment_record (id, deployment_id, record_json, updated_at) VALUES (1, ?, ?, ?)
ON CONFLICT(id) DO UPDATE SET
	deployment_id = excluded.deployment_id,
	record_json = excluded.record_json,
	updated_at = excluded.updated_at`,
		d.ID,
		string(payload),
		s.stamp(),
	); err != nil {
		return fmt.Errorf("save deployment record: %w", err)
	}
	return nil
}

func (s *Store) Payload(name string) ([]byte, bool, error) {
	data, ok, err := s.loadBlob(`SELECT data FROM deployment_payloads WHERE name = ?`, name)
	if err != nil {
		return nil, false, fmt.Errorf("query payload %q: %w", name, err)
	}
	return data, ok, nil
}

func (s *Store) SavePayload(name string, data []byte) error {
	if name == "" {
		return fmt.Errorf("payload name is required")
	}
	if data == nil {
		data = []byte{}
	}
	if _, err := s.db.Exec(
		`INSERT INTO deployment_payloads (name, data, updated_at) VALUES (?, ?, ?)
ON CONFLICT(name) DO UPDATE SET data = excluded.data, updated_at = excluded.updated_at`,
		name,
		data,
		s.stamp(),
	); err != nil {
		return fmt.Errorf("save payload %q: %w", name, err)
	}
	return nil
}

// ClearCheckpoint drops the record and payloads and resets the marker in
// one transaction.
func (s *Store) ClearCheckpoint() error {
	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("begin clear checkpoint: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	stmts := []string{
		`DELETE FROM deployment_payloads`,
		`DELETE FROM deployment_record`,
		`DELETE FROM deployment_stage`,
	}
	for _, stmt := range stmts {
		if _, err := tx.Exec(stmt); err != nil {
			return fmt.Errorf("clear checkpoint: %w", err)
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit clear checkpoint: %w", err)
	}
	return nil
}
