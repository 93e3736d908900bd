package deployment

import (
	"encoding/json"
	"errors"
	"fmt"

	"edgeagent/internal/configtree"
)

// LoadTasks reads a bootstrap task list payload.
func LoadTasks(cp Checkpoint, payload string) ([]BootstrapTask, error) {
	data, ok, err := cp.Payload(payload)
	if err != nil {
		return nil, fmt.Errorf("load %s tasks: %w", payload, err)
	}
	if !ok {
		return nil, fmt.Errorf("load %s tasks: payload missing", payload)
	}
	var tasks []BootstrapTask
	if err := json.Unmarshal(data, &tasks); err != nil {
		return nil, fmt.Errorf("decode %s tasks: %w", payload, err)
	}
	return tasks, nil
}

// SaveTasks writes a bootstrap task list payload.
func SaveTasks(cp Checkpoint, payload string, tasks []BootstrapTask) error {
	data, err := json.Marshal(tasks)
	if err != nil {
		return fmt.Errorf("encode %s tasks: %w", payload, err)
	}
	if err := cp.SavePayload(payload, data); err != nil {
		return fmt.Errorf("save %s tasks: %w", payload, err)
	}
	return nil
}

// LoadConfig reads a configuration payload.
func LoadConfig(cp Checkpoint, payload string) (map[string]configtree.Component, error) {
	data, ok, err := cp.Payload(payload)
	if err != nil {
		return nil, fmt.Errorf("load %s configuration: %w", payload, err)
	}
	if !ok {
		return nil, fmt.Errorf("load %s configuration: payload missing", payload)
	}
	return configtree.Decode(data)
}

// PrepareBootstrap persists everything needed to run d's bootstrap tasks
// after a restart and moves the checkpoint to BOOTSTRAP. snapshot is nil
// when rollback was not requested.
func PrepareBootstrap(cp Checkpoint, d Deployment, doc Document, snapshot []byte, tasks []BootstrapTask) (Deployment, error) {
	target, err := configtree.Encode(doc.Components)
	if err != nil {
		return d, err
	}
	if snapshot != nil {
		if err := cp.SavePayload(PayloadSnapshot, snapshot); err != nil {
			return d, fmt.Errorf("save configuration snapshot: %w", err)
		}
	}
	if err := cp.SavePayload(PayloadTarget, target); err != nil {
		return d, fmt.Errorf("save target configuration: %w", err)
	}
	if err := SaveTasks(cp, PayloadBootstrap, tasks); err != nil {
		return d, err
	}
	d.Stage = d.Stage.Transition(StageBootstrap)
	if err := cp.SaveDeployment(d); err != nil {
		return d, fmt.Errorf("save deployment record: %w", err)
	}
	if err := cp.SaveStage(StageBootstrap); err != nil {
		return d, fmt.Errorf("save deployment stage: %w", err)
	}
	return d, nil
}

// ErrNoSnapshot reports a rollback for a deployment that did not ask for one.
var ErrNoSnapshot = errors.New("no configuration snapshot to roll back to")

// PrepareRollback records cause on d and moves the checkpoint so the next
// launch rolls back to the snapshot. Components of the snapshot that need
// their own bootstrap step first route through ROLLBACK_BOOTSTRAP.
func PrepareRollback(cp Checkpoint, d Deployment, cause error) (Deployment, error) {
	snapshot, err := LoadConfig(cp, PayloadSnapshot)
	if err != nil {
		return d, errors.Join(ErrNoSnapshot, err)
	}
	target, err := LoadConfig(cp, PayloadTarget)
	if err != nil {
		return d, err
	}

	next := StageKernelRollback
	if tasks := BootstrapTasks(target, snapshot); len(tasks) > 0 {
		if err := SaveTasks(cp, PayloadRollbackBootstrap, tasks); err != nil {
			return d, err
		}
		next = StageRollbackBootstrap
	}
	RecordFailure(&d, cause)
	d.Stage = d.Stage.Transition(next)
	if err := cp.SaveDeployment(d); err != nil {
		return d, fmt.Errorf("save deployment record: %w", err)
	}
	if err := cp.SaveStage(next); err != nil {
		return d, fmt.Errorf("save deployment stage: %w", err)
	}
	return d, nil
}
