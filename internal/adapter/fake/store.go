package fake

import (
	"maps"
	"slices"
	"sync"

	"edgeagent/internal/adapter/fake/fault"
	"edgeagent/internal/deployment"
)

var _ deployment.Store = (*Store)(nil)

// Fault points evaluated by Store.
const (
	FaultStoreSaveStage      = "store.save_stage"
	FaultStoreSaveDeployment = "store.save_deployment"
	FaultStoreSavePayload    = "store.save_payload"
	FaultStoreLoadDeployment = "store.load_deployment"
	FaultStoreClear          = "store.clear_checkpoint"
	FaultStoreSaveConfig     = "store.save_effective_config"
	FaultStoreAppendStatus   = "store.append_status"
)

// Store is an in-memory deployment.Store.
type Store struct {
	CallRecorder
	Faults *fault.Injector

	mu        sync.Mutex
	stage     deployment.Stage
	current   *deployment.Deployment
	payloads  map[string][]byte
	effective []byte
	statuses  []deployment.StatusUpdate
}

// NewStore creates an empty store at stage DEFAULT.
func NewStore() *Store {
	return &Store{
		Faults:   fault.NewInjector(),
		stage:    deployment.StageDefault,
		payloads: make(map[string][]byte),
	}
}

func (s *Store) Stage() (deployment.Stage, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.stage, nil
}

func (s *Store) SaveStage(stage deployment.Stage) error {
	s.record("SaveStage", stage)
	if err := s.Faults.Eval(FaultStoreSaveStage, stage); err != nil {
		return err
	}
	s.mu.Lock()
	s.stage = stage
	s.mu.Unlock()
	return nil
}

func (s *Store) LoadDeployment() (deployment.Deployment, bool, error) {
	if err := s.Faults.Eval(FaultStoreLoadDeployment); err != nil {
		return deployment.Deployment{}, false, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.current == nil {
		return deployment.Deployment{}, false, nil
	}
	return *s.current, true, nil
}

func (s *Store) SaveDeployment(d deployment.Deployment) error {
	s.record("SaveDeployment", d.ID, d.Stage)
	if err := s.Faults.Eval(FaultStoreSaveDeployment, d); err != nil {
		return err
	}
	s.mu.Lock()
	s.current = &d
	s.mu.Unlock()
	return nil
}

func (s *Store) Payload(name string) ([]byte, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	data, ok := s.payloads[name]
	return slices.Clone(data), ok, nil
}

func (s *Store) SavePayload(name string, data []byte) error {
	s.record("SavePayload", name)
	if err := s.Faults.Eval(FaultStoreSavePayload, name); err != nil {
		return err
	}
	s.mu.Lock()
	s.payloads[name] = slices.Clone(data)
	s.mu.Unlock()
	return nil
}

// PayloadNames lists stored payloads.
func (s *Store) PayloadNames() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return slices.Sorted(maps.Keys(s.payloads))
}

func (s *Store) ClearCheckpoint() error {
	s.record("ClearCheckpoint")
	if err := s.Faults.Eval(FaultStoreClear); err != nil {
		return err
	}
	s.mu.Lock()
	s.stage = deployment.StageDefault
	s.current = nil
	s.payloads = make(map[string][]byte)
	s.mu.Unlock()
	return nil
}

func (s *Store) EffectiveConfig() ([]byte, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return slices.Clone(s.effective), s.effective != nil, nil
}

func (s *Store) SaveEffectiveConfig(data []byte) error {
	s.record("SaveEffectiveConfig")
	if err := s.Faults.Eval(FaultStoreSaveConfig); err != nil {
		return err
	}
	s.mu.Lock()
	s.effective = slices.Clone(data)
	s.mu.Unlock()
	return nil
}

func (s *Store) AppendStatus(u deployment.StatusUpdate) error {
	if err := s.Faults.Eval(FaultStoreAppendStatus, u); err != nil {
		return err
	}
	s.mu.Lock()
	s.statuses = append(s.statuses, u)
	s.mu.Unlock()
	return nil
}

// ListStatuses returns the newest limit updates, newest first. A limit of
// zero or less returns all.
func (s *Store) ListStatuses(limit int) ([]deployment.StatusUpdate, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := slices.Clone(s.statuses)
	slices.Reverse(out)
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}
