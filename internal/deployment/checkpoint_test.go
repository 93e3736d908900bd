package deployment_test

import (
	"errors"
	"slices"
	"testing"

	"edgeagent/internal/adapter/fake"
	"edgeagent/internal/configtree"
	"edgeagent/internal/deployment"
)

func prepared(t *testing.T, store *fake.Store, snapshot, target map[string]configtree.Component) deployment.Deployment {
	t.Helper()
	var snap []byte
	if snapshot != nil {
		var err error
		if snap, err = configtree.Encode(snapshot); err != nil {
			t.Fatalf("Encode() error = %v", err)
		}
	}
	doc := docOf(target)
	d := deployment.Deployment{ID: "d1", Type: deployment.TypeLocal, Stage: deployment.StageDefault}
	d, err := deployment.PrepareBootstrap(store, d, doc, snap, deployment.BootstrapTasks(snapshot, target))
	if err != nil {
		t.Fatalf("PrepareBootstrap() error = %v", err)
	}
	return d
}

func TestPrepareBootstrap(t *testing.T) {
	store := fake.NewStore()
	target := map[string]configtree.Component{
		"driver": {Version: "2", Bootstrap: &configtree.Bootstrap{Requires: configtree.BootstrapReboot}},
	}

	d := prepared(t, store, map[string]configtree.Component{}, target)

	if d.Stage != deployment.StageBootstrap {
		t.Fatalf("stage = %s, want BOOTSTRAP", d.Stage)
	}
	record, ok, err := store.LoadDeployment()
	if err != nil || !ok || record.Stage != deployment.StageBootstrap {
		t.Fatalf("LoadDeployment() = %+v %v %v", record, ok, err)
	}
	loaded, err := deployment.LoadConfig(store, deployment.PayloadTarget)
	if err != nil {
		t.Fatalf("LoadConfig() error = %v", err)
	}
	if loaded["driver"].Version != "2" {
		t.Fatalf("target = %+v", loaded)
	}
	tasks, err := deployment.LoadTasks(store, deployment.PayloadBootstrap)
	if err != nil || len(tasks) != 1 || tasks[0].Requires != configtree.BootstrapReboot {
		t.Fatalf("LoadTasks() = %+v, %v", tasks, err)
	}
}

func TestPrepareBootstrap_StageWrittenLast(t *testing.T) {
	store := fake.NewStore()
	store.Faults.FailOnce(fake.FaultStoreSaveDeployment, errors.New("disk full"))
	target := map[string]configtree.Component{"driver": {Bootstrap: &configtree.Bootstrap{Requires: configtree.BootstrapRestart}}}

	_, err := deployment.PrepareBootstrap(store, deployment.Deployment{ID: "d1", Stage: deployment.StageDefault}, docOf(target), nil, deployment.BootstrapTasks(nil, target))

	if err == nil {
		t.Fatal("PrepareBootstrap() error = nil, want failure")
	}
	if stage, _ := store.Stage(); stage != deployment.StageDefault {
		t.Fatalf("stage = %s after failed record write, want DEFAULT", stage)
	}
	if len(store.Calls("SaveStage")) != 0 {
		t.Fatal("stage marker written before the record")
	}
}

func TestPrepareRollback(t *testing.T) {
	store := fake.NewStore()
	snapshot := map[string]configtree.Component{"driver": {Version: "1"}}
	target := map[string]configtree.Component{"driver": {Version: "2", Bootstrap: &configtree.Bootstrap{Requires: configtree.BootstrapRestart}}}
	d := prepared(t, store, snapshot, target)
	d.Stage = d.Stage.Transition(deployment.StageKernelActivation)
	_, cause := deployment.ParseDocument(nil)

	next, err := deployment.PrepareRollback(store, d, cause)

	if err != nil {
		t.Fatalf("PrepareRollback() error = %v", err)
	}
	if next.Stage != deployment.StageKernelRollback {
		t.Fatalf("stage = %s, want KERNEL_ROLLBACK", next.Stage)
	}
	if stage, _ := store.Stage(); stage != deployment.StageKernelRollback {
		t.Fatalf("stored stage = %s, want KERNEL_ROLLBACK", stage)
	}
	record, _, _ := store.LoadDeployment()
	if !slices.Equal(record.ErrorStack, deployment.ErrorStack(cause)) {
		t.Fatalf("recorded stack = %v, want %v", record.ErrorStack, deployment.ErrorStack(cause))
	}
}

func TestPrepareRollback_SnapshotNeedingBootstrap(t *testing.T) {
	store := fake.NewStore()
	restart := &configtree.Bootstrap{Requires: configtree.BootstrapRestart}
	snapshot := map[string]configtree.Component{"driver": {Version: "1", Bootstrap: restart}}
	target := map[string]configtree.Component{"driver": {Version: "2", Bootstrap: restart}}
	d := prepared(t, store, snapshot, target)

	next, err := deployment.PrepareRollback(store, d, errors.New("bootstrap failed"))

	if err != nil {
		t.Fatalf("PrepareRollback() error = %v", err)
	}
	if next.Stage != deployment.StageRollbackBootstrap {
		t.Fatalf("stage = %s, want ROLLBACK_BOOTSTRAP", next.Stage)
	}
	tasks, err := deployment.LoadTasks(store, deployment.PayloadRollbackBootstrap)
	if err != nil || len(tasks) != 1 || tasks[0].Component != "driver" {
		t.Fatalf("rollback tasks = %+v, %v", tasks, err)
	}
}

func TestPrepareRollback_WithoutSnapshot(t *testing.T) {
	store := fake.NewStore()
	d := prepared(t, store, nil, map[string]configtree.Component{
		"driver": {Bootstrap: &configtree.Bootstrap{Requires: configtree.BootstrapRestart}},
	})

	_, err := deployment.PrepareRollback(store, d, errors.New("bootstrap failed"))

	if !errors.Is(err, deployment.ErrNoSnapshot) {
		t.Fatalf("PrepareRollback() error = %v, want ErrNoSnapshot", err)
	}
	if stage, _ := store.Stage(); stage != deployment.StageBootstrap {
		t.Fatalf("stage = %s, want BOOTSTRAP unchanged", stage)
	}
}
