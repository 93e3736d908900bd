package deployment_test

import (
	"context"
	"errors"
	"slices"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"go.opentelemetry.io/otel/codes"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"

	"edgeagent/internal/adapter/fake"
	"edgeagent/internal/configtree"
	"edgeagent/internal/deployment"
	"edgeagent/internal/graph"
)

func TestDeploy_NewComponentRuns(t *testing.T) {
	h := newHarness(t)

	got := h.deploy(t, "d1", docOf(map[string]configtree.Component{
		"RedSignal": {Version: "1.0.0"},
	}))

	if got.Status != deployment.StatusSucceeded || got.Detailed != deployment.DetailedSuccessful {
		t.Fatalf("status = %s/%s, want SUCCEEDED/SUCCESSFUL (%s)", got.Status, got.Detailed, got.FailureCause)
	}
	updates := h.statuses("d1")
	if updates[0].Status != deployment.StatusInProgress {
		t.Fatalf("first status = %s, want IN_PROGRESS", updates[0].Status)
	}
	c := h.state("RedSignal")
	if c.State != graph.StateRunning {
		t.Fatalf("RedSignal state = %s, want RUNNING", c.State)
	}
	mod, _ := h.tree.ModTime("RedSignal")
	if c.StateChangedAt.Before(mod) {
		t.Fatalf("RedSignal changed at %v, before configuration at %v", c.StateChangedAt, mod)
	}

	data, ok, err := h.store.EffectiveConfig()
	if err != nil || !ok {
		t.Fatalf("EffectiveConfig() = ok %v, error %v", ok, err)
	}
	effective, err := configtree.Decode(data)
	if err != nil {
		t.Fatalf("Decode() error = %v", err)
	}
	if effective["RedSignal"].Version != "1.0.0" {
		t.Fatalf("effective RedSignal version = %q, want 1.0.0", effective["RedSignal"].Version)
	}
}

func TestDeploy_MissingCapabilitiesChangesNothing(t *testing.T) {
	h := newHarness(t)
	doc := docOf(map[string]configtree.Component{"RedSignal": {}})
	doc.RequiredCapabilities = []string{"ANOTHER_CAPABILITY", "LARGE_CONFIGURATION"}

	got := h.deploy(t, "d1", doc)

	if got.Detailed != deployment.DetailedFailedNoStateChange {
		t.Fatalf("detailed = %s, want FAILED_NO_STATE_CHANGE", got.Detailed)
	}
	wantStack := []string{deployment.CodeDeploymentFailure, deployment.CodeMissingCapabilities}
	if !slices.Equal(got.ErrorStack, wantStack) {
		t.Fatalf("error stack = %v, want %v", got.ErrorStack, wantStack)
	}
	if !slices.Equal(got.ErrorTypes, []string{deployment.TypeRequestError}) {
		t.Fatalf("error types = %v, want [REQUEST_ERROR]", got.ErrorTypes)
	}
	if len(h.tree.Components()) != 0 {
		t.Fatalf("tree = %v, want empty", h.tree.Components())
	}
	if _, ok, _ := h.store.EffectiveConfig(); ok {
		t.Fatal("effective configuration written for a rejected deployment")
	}
}

func TestDeploy_CircularDependencyRejected(t *testing.T) {
	h := newHarness(t)

	got := h.deploy(t, "d1", docOf(map[string]configtree.Component{
		"a": {Dependencies: hardDep("b")},
		"b": {Dependencies: hardDep("a")},
	}))

	wantStack := []string{deployment.CodeDeploymentFailure, deployment.CodeCircularDependency}
	if got.Detailed != deployment.DetailedFailedNoStateChange || !slices.Equal(got.ErrorStack, wantStack) {
		t.Fatalf("status = %s %v, want FAILED_NO_STATE_CHANGE %v", got.Detailed, got.ErrorStack, wantStack)
	}
	if h.launcher.Starts("a")+h.launcher.Starts("b") != 0 {
		t.Fatal("components of a rejected deployment were started")
	}
}

func TestDeploy_InvalidDocument(t *testing.T) {
	h := newHarness(t)
	id := h.service.Submit(deployment.Deployment{ID: "d1", Type: deployment.TypeLocal, Document: []byte("components: [")})

	got := h.waitTerminal(t, id)

	wantStack := []string{deployment.CodeDeploymentFailure, deployment.CodeDocumentNotValid}
	if !slices.Equal(got.ErrorStack, wantStack) {
		t.Fatalf("error stack = %v, want %v", got.ErrorStack, wantStack)
	}
}

func TestDeploy_ReapplyIsIdempotent(t *testing.T) {
	h := newHarness(t)
	doc := docOf(map[string]configtree.Component{"RedSignal": {Version: "1.0.0"}})

	for _, id := range []string{"d1", "d2"} {
		if got := h.deploy(t, id, doc); got.Status != deployment.StatusSucceeded {
			t.Fatalf("%s status = %s, want SUCCEEDED (%s)", id, got.Status, got.FailureCause)
		}
	}
	if got := h.launcher.Starts("RedSignal"); got != 1 {
		t.Fatalf("RedSignal starts = %d, want 1", got)
	}
}

func TestDeploy_GeneratesID(t *testing.T) {
	h := newHarness(t)
	data, err := docOf(map[string]configtree.Component{"RedSignal": {}}).Encode()
	if err != nil {
		t.Fatalf("Encode() error = %v", err)
	}

	id := h.service.Submit(deployment.Deployment{Type: deployment.TypeShadow, Document: data})

	if id == "" {
		t.Fatal("Submit() returned an empty ID")
	}
	if got := h.waitTerminal(t, id); got.Type != deployment.TypeShadow {
		t.Fatalf("type = %s, want SHADOW", got.Type)
	}
}

func TestDeploy_BrokenComponentRollsBack(t *testing.T) {
	h := newHarness(t)
	if got := h.deploy(t, "d1", docOf(map[string]configtree.Component{"svc": {Version: "1"}})); got.Status != deployment.StatusSucceeded {
		t.Fatalf("d1 status = %s, want SUCCEEDED", got.Status)
	}
	h.launcher.SetVersion("svc", "2", fake.BehaviorError)

	got := h.deploy(t, "d2", docOf(map[string]configtree.Component{"svc": {Version: "2"}}))

	if got.Status != deployment.StatusFailed || got.Detailed != deployment.DetailedFailedRollbackComplete {
		t.Fatalf("status = %s/%s, want FAILED/FAILED_ROLLBACK_COMPLETE", got.Status, got.Detailed)
	}
	wantStack := []string{deployment.CodeDeploymentFailure, deployment.CodeComponentUpdate, deployment.CodeComponentBroken}
	if !slices.Equal(got.ErrorStack, wantStack) {
		t.Fatalf("error stack = %v, want %v", got.ErrorStack, wantStack)
	}
	if !slices.Equal(got.ErrorTypes, []string{deployment.TypeUserComponentError}) {
		t.Fatalf("error types = %v, want [USER_COMPONENT_ERROR]", got.ErrorTypes)
	}
	if cfg, _ := h.tree.Get("svc"); cfg.Version != "1" {
		t.Fatalf("svc version = %q after rollback, want 1", cfg.Version)
	}
	if c := h.state("svc"); c.State != graph.StateRunning {
		t.Fatalf("svc state = %s after rollback, want RUNNING", c.State)
	}
}

func TestDeploy_DoNothingLeavesFailedConfiguration(t *testing.T) {
	h := newHarness(t)
	h.launcher.Set("svc", fake.BehaviorError)
	doc := docOf(map[string]configtree.Component{"svc": {Version: "2"}})
	doc.FailureHandlingPolicy = deployment.PolicyDoNothing

	got := h.deploy(t, "d1", doc)

	if got.Detailed != deployment.DetailedFailedRollbackNotRequested {
		t.Fatalf("detailed = %s, want FAILED_ROLLBACK_NOT_REQUESTED", got.Detailed)
	}
	if _, ok := h.tree.Get("svc"); !ok {
		t.Fatal("svc configuration was removed without rollback")
	}
	if c := h.state("svc"); c.State != graph.StateBroken {
		t.Fatalf("svc state = %s, want BROKEN", c.State)
	}
	if effective := effectiveConfig(t, h); effective["svc"].Version != "2" {
		t.Fatalf("effective configuration = %+v, want the failed svc kept", effective)
	}
}

func TestDeploy_ConvergenceTimeout(t *testing.T) {
	h := newHarness(t)
	h.launcher.Set("slow", fake.BehaviorHang)
	doc := docOf(map[string]configtree.Component{"slow": {}})
	doc.FailureHandlingPolicy = deployment.PolicyDoNothing
	doc.Timeout = 100 * time.Millisecond

	got := h.deploy(t, "d1", doc)

	wantStack := []string{deployment.CodeDeploymentFailure, deployment.CodeComponentUpdate, deployment.CodeUpdateTimeout}
	if got.Detailed != deployment.DetailedFailedRollbackNotRequested || !slices.Equal(got.ErrorStack, wantStack) {
		t.Fatalf("status = %s %v, want FAILED_ROLLBACK_NOT_REQUESTED %v", got.Detailed, got.ErrorStack, wantStack)
	}
}

func TestDeploy_TimeoutRollbackRemovesAddedComponents(t *testing.T) {
	h := newHarness(t)
	h.launcher.Set("slow", fake.BehaviorHang)
	doc := docOf(map[string]configtree.Component{"slow": {}})
	doc.Timeout = 100 * time.Millisecond

	got := h.deploy(t, "d1", doc)

	if got.Detailed != deployment.DetailedFailedRollbackComplete {
		t.Fatalf("detailed = %s, want FAILED_ROLLBACK_COMPLETE (%s)", got.Detailed, got.FailureCause)
	}
	if _, ok := h.tree.Get("slow"); ok {
		t.Fatal("slow is still configured after rollback")
	}
	if h.launcher.Running("slow") {
		t.Fatal("slow is still running after rollback")
	}
}

func TestDeploy_CancelDuringWait(t *testing.T) {
	h := newHarness(t)
	h.launcher.Set("slow", fake.BehaviorHang)
	h.submit(t, "d1", docOf(map[string]configtree.Component{"slow": {}}))
	waitFor(t, "d1 to wait for components", h.service.Queue().Waiting)

	h.service.Submit(deployment.Deployment{ID: "d1", Type: deployment.TypeLocal, Cancel: true})

	got := h.waitTerminal(t, "d1")
	if got.Status != deployment.StatusCanceled || got.Detailed != deployment.DetailedCanceled {
		t.Fatalf("status = %s/%s, want CANCELED/CANCELED", got.Status, got.Detailed)
	}
	if _, ok := effectiveConfig(t, h)["slow"]; !ok {
		t.Fatal("effective configuration lost the merged but cancelled component")
	}
}

func TestDeploy_NewerSubmissionCancelsWaitingDeployment(t *testing.T) {
	h := newHarness(t)
	h.launcher.Set("slow", fake.BehaviorHang)
	h.submit(t, "d1", docOf(map[string]configtree.Component{"slow": {}}))
	waitFor(t, "d1 to wait for components", h.service.Queue().Waiting)

	h.submit(t, "d2", docOf(map[string]configtree.Component{"fast": {}}))

	if got := h.waitTerminal(t, "d1"); got.Detailed != deployment.DetailedCanceled {
		t.Fatalf("d1 detailed = %s, want CANCELED", got.Detailed)
	}
	if got := h.waitTerminal(t, "d2"); got.Status != deployment.StatusSucceeded {
		t.Fatalf("d2 status = %s, want SUCCEEDED (%s)", got.Status, got.FailureCause)
	}
	if _, ok := h.tree.Get("slow"); ok {
		t.Fatal("slow is still configured after d2 replaced the target")
	}
}

func TestDeploy_DeferredUpdateIsNotInterrupted(t *testing.T) {
	h := newHarness(t)
	entered := make(chan struct{})
	var once sync.Once
	var released atomic.Bool
	h.activator.Gate().Subscribe("RedSignal", func(id string) time.Duration {
		if id != "d1" || released.Load() {
			return 0
		}
		once.Do(func() { close(entered) })
		return 10 * time.Millisecond
	})
	doc := docOf(map[string]configtree.Component{"RedSignal": {}})
	doc.ComponentUpdatePolicy.Timeout = 30 * time.Second

	h.submit(t, "d1", doc)
	<-entered
	h.submit(t, "d2", docOf(map[string]configtree.Component{"RedSignal": {}, "YellowSignal": {}}))
	h.submit(t, "d3", docOf(map[string]configtree.Component{"RedSignal": {}, "GreenSignal": {}}))

	d2 := h.waitTerminal(t, "d2")
	if d2.Status != deployment.StatusCanceled || d2.Detailed != deployment.DetailedReplaced {
		t.Fatalf("d2 status = %s/%s, want CANCELED/REPLACED", d2.Status, d2.Detailed)
	}
	released.Store(true)
	waitFor(t, "d1 to leave the deferral", func() bool {
		h.clock.Advance(10 * time.Millisecond)
		return len(h.statuses("d1")) > 1
	})

	if got := h.waitTerminal(t, "d1"); got.Status != deployment.StatusSucceeded {
		t.Fatalf("d1 status = %s, want SUCCEEDED", got.Status)
	}
	if got := h.waitTerminal(t, "d3"); got.Status != deployment.StatusSucceeded {
		t.Fatalf("d3 status = %s, want SUCCEEDED", got.Status)
	}
	if n := len(h.statuses("d2")); n != 1 {
		t.Fatalf("d2 published %d statuses, want 1", n)
	}
	if h.launcher.Starts("YellowSignal") != 0 {
		t.Fatal("replaced deployment d2 was executed")
	}
	if h.launcher.Starts("GreenSignal") != 1 {
		t.Fatal("d3 was not executed")
	}
}

func TestDeploy_RollbackSkipsComponentsBrokenBefore(t *testing.T) {
	h := newHarness(t)
	h.launcher.Set("broken", fake.BehaviorError)
	h.launcher.Set("bad", fake.BehaviorError)
	first := docOf(map[string]configtree.Component{
		"broken":    {},
		"dependent": {Dependencies: hardDep("broken")},
	})
	first.FailureHandlingPolicy = deployment.PolicyDoNothing
	if got := h.deploy(t, "d1", first); got.Detailed != deployment.DetailedFailedRollbackNotRequested {
		t.Fatalf("d1 detailed = %s, want FAILED_ROLLBACK_NOT_REQUESTED", got.Detailed)
	}

	got := h.deploy(t, "d2", docOf(map[string]configtree.Component{
		"broken":    {},
		"dependent": {Version: "2", Dependencies: hardDep("broken")},
		"bad":       {},
	}))

	if got.Detailed != deployment.DetailedFailedRollbackComplete {
		t.Fatalf("d2 detailed = %s, want FAILED_ROLLBACK_COMPLETE (%s)", got.Detailed, got.FailureCause)
	}
	if cfg, _ := h.tree.Get("dependent"); cfg.Version != "" {
		t.Fatalf("dependent version = %q after rollback, want empty", cfg.Version)
	}
	if _, ok := h.tree.Get("bad"); ok {
		t.Fatal("bad is still configured after rollback")
	}
}

func TestDeploy_StatusHistoryRecordsEveryUpdate(t *testing.T) {
	h := newHarness(t)
	h.deploy(t, "d1", docOf(map[string]configtree.Component{"RedSignal": {}}))

	history, err := h.store.ListStatuses(0)
	if err != nil {
		t.Fatalf("ListStatuses() error = %v", err)
	}
	if len(history) != 2 {
		t.Fatalf("history = %d entries, want 2", len(history))
	}
	if history[0].Status != deployment.StatusSucceeded || history[1].Status != deployment.StatusInProgress {
		t.Fatalf("history statuses = %s, %s, want SUCCEEDED, IN_PROGRESS", history[0].Status, history[1].Status)
	}
}

func TestDeploy_BootstrapRequestsRestart(t *testing.T) {
	h := newHarness(t)
	doc := docOf(map[string]configtree.Component{
		"kernel-module": {Version: "2", Bootstrap: &configtree.Bootstrap{Requires: configtree.BootstrapRestart}},
	})

	id := h.submit(t, "d1", doc)

	var err error
	select {
	case err = <-h.runErr:
	case <-time.After(5 * time.Second):
		t.Fatal("Run() did not return for a bootstrap deployment")
	}
	se := shutdownOf(t, err)
	if se.Kind != deployment.ShutdownRestart || se.Kind.ExitCode() != 100 {
		t.Fatalf("shutdown = %s (exit %d), want restart (exit 100)", se.Kind, se.Kind.ExitCode())
	}
	if stage, _ := h.store.Stage(); stage != deployment.StageBootstrap {
		t.Fatalf("stage = %s, want BOOTSTRAP", stage)
	}
	wantPayloads := []string{deployment.PayloadBootstrap, deployment.PayloadSnapshot, deployment.PayloadTarget}
	if got := h.store.PayloadNames(); !slices.Equal(got, wantPayloads) {
		t.Fatalf("payloads = %v, want %v", got, wantPayloads)
	}
	tasks, err := deployment.LoadTasks(h.store, deployment.PayloadBootstrap)
	if err != nil {
		t.Fatalf("LoadTasks() error = %v", err)
	}
	if len(tasks) != 1 || tasks[0].Component != "kernel-module" || tasks[0].Requires != configtree.BootstrapRestart {
		t.Fatalf("tasks = %+v, want kernel-module restart", tasks)
	}
	if _, ok := h.tree.Get("kernel-module"); ok {
		t.Fatal("bootstrap deployment merged configuration before restart")
	}
	for _, u := range h.statuses(id) {
		if u.Terminal() {
			t.Fatalf("terminal status %s published before bootstrap", u.Status)
		}
	}
}

// resume prepares the harness as it is after a restart into stage with
// config loaded and launched.
func resume(t *testing.T, h *harness, stage deployment.Stage, doc deployment.Document, loaded map[string]configtree.Component, snapshot map[string]configtree.Component) deployment.Deployment {
	t.Helper()
	data, err := doc.Encode()
	if err != nil {
		t.Fatalf("Encode() error = %v", err)
	}
	target, err := configtree.Encode(doc.Components)
	if err != nil {
		t.Fatalf("Encode(target) error = %v", err)
	}
	snap, err := configtree.Encode(snapshot)
	if err != nil {
		t.Fatalf("Encode(snapshot) error = %v", err)
	}
	d := deployment.Deployment{ID: "d1", Type: deployment.TypeLocal, Document: data, Stage: stage}
	for name, payload := range map[string][]byte{deployment.PayloadTarget: target, deployment.PayloadSnapshot: snap} {
		if err := h.store.SavePayload(name, payload); err != nil {
			t.Fatalf("SavePayload() error = %v", err)
		}
	}
	if err := h.store.SaveDeployment(d); err != nil {
		t.Fatalf("SaveDeployment() error = %v", err)
	}
	if err := h.store.SaveStage(stage); err != nil {
		t.Fatalf("SaveStage() error = %v", err)
	}

	if _, err := h.tree.Merge(h.clock.Now(), loaded); err != nil {
		t.Fatalf("Merge() error = %v", err)
	}
	if err := h.manager.Launch(context.Background()); err != nil {
		t.Fatalf("Launch() error = %v", err)
	}
	return d
}

func TestResume_ActivationSucceeds(t *testing.T) {
	h := newHarness(t)
	target := map[string]configtree.Component{
		"kernel-module": {Version: "2", Bootstrap: &configtree.Bootstrap{Requires: configtree.BootstrapRestart}},
	}
	d := resume(t, h, deployment.StageKernelActivation, docOf(target), target, map[string]configtree.Component{})

	h.service.Submit(d)

	got := h.waitTerminal(t, "d1")
	if got.Detailed != deployment.DetailedSuccessful {
		t.Fatalf("detailed = %s, want SUCCESSFUL (%s)", got.Detailed, got.FailureCause)
	}
	if stage, _ := h.store.Stage(); stage != deployment.StageDefault {
		t.Fatalf("stage = %s, want DEFAULT", stage)
	}
	if _, ok, _ := h.store.LoadDeployment(); ok {
		t.Fatal("deployment record kept after completion")
	}
	if _, ok, _ := h.store.EffectiveConfig(); !ok {
		t.Fatal("effective configuration not persisted")
	}
}

func TestResume_ActivationFailurePreparesRollback(t *testing.T) {
	h := newHarness(t)
	h.launcher.SetVersion("kernel-module", "2", fake.BehaviorError)
	target := map[string]configtree.Component{
		"kernel-module": {Version: "2", Bootstrap: &configtree.Bootstrap{Requires: configtree.BootstrapRestart}},
	}
	snapshot := map[string]configtree.Component{"kernel-module": {Version: "1"}}
	d := resume(t, h, deployment.StageKernelActivation, docOf(target), target, snapshot)

	h.service.Submit(d)

	var err error
	select {
	case err = <-h.runErr:
	case <-time.After(5 * time.Second):
		t.Fatal("Run() did not return after a failed activation")
	}
	if se := shutdownOf(t, err); se.Kind != deployment.ShutdownRestart {
		t.Fatalf("shutdown = %s, want restart", se.Kind)
	}
	if stage, _ := h.store.Stage(); stage != deployment.StageKernelRollback {
		t.Fatalf("stage = %s, want KERNEL_ROLLBACK", stage)
	}
	record, ok, err := h.store.LoadDeployment()
	if err != nil || !ok {
		t.Fatalf("LoadDeployment() = ok %v, error %v", ok, err)
	}
	wantStack := []string{deployment.CodeDeploymentFailure, deployment.CodeComponentUpdate, deployment.CodeComponentBroken}
	if !slices.Equal(record.ErrorStack, wantStack) {
		t.Fatalf("recorded stack = %v, want %v", record.ErrorStack, wantStack)
	}
	for _, u := range h.statuses("d1") {
		if u.Terminal() {
			t.Fatalf("terminal status %s published before rollback", u.Status)
		}
	}
}

func TestResume_RollbackReportsRecordedFailure(t *testing.T) {
	h := newHarness(t)
	snapshot := map[string]configtree.Component{"kernel-module": {Version: "1"}}
	target := map[string]configtree.Component{"kernel-module": {Version: "2"}}
	d := resume(t, h, deployment.StageKernelRollback, docOf(target), snapshot, snapshot)
	d.FailureCause = "component kernel-module is broken after deployment"
	d.ErrorStack = []string{deployment.CodeDeploymentFailure, deployment.CodeComponentUpdate, deployment.CodeComponentBroken}
	d.ErrorTypes = []string{deployment.TypeUserComponentError}

	h.service.Submit(d)

	got := h.waitTerminal(t, "d1")
	if got.Detailed != deployment.DetailedFailedRollbackComplete {
		t.Fatalf("detailed = %s, want FAILED_ROLLBACK_COMPLETE", got.Detailed)
	}
	if !slices.Equal(got.ErrorStack, d.ErrorStack) || !slices.Equal(got.ErrorTypes, d.ErrorTypes) {
		t.Fatalf("reported %v %v, want %v %v", got.ErrorStack, got.ErrorTypes, d.ErrorStack, d.ErrorTypes)
	}
	if got.FailureCause != d.FailureCause {
		t.Fatalf("failure cause = %q, want %q", got.FailureCause, d.FailureCause)
	}
	if stage, _ := h.store.Stage(); stage != deployment.StageDefault {
		t.Fatalf("stage = %s, want DEFAULT", stage)
	}
}

func TestResume_RollbackBootstrapFailureIsUnableToRollback(t *testing.T) {
	h := newHarness(t)
	snapshot := map[string]configtree.Component{"kernel-module": {Version: "1"}}
	d := resume(t, h, deployment.StageRollbackBootstrap, docOf(snapshot), snapshot, snapshot)
	d.ErrorStack = []string{deployment.CodeDeploymentFailure, deployment.CodeComponentUpdate, deployment.CodeBootstrap}

	h.service.Submit(d)

	got := h.waitTerminal(t, "d1")
	if got.Detailed != deployment.DetailedFailedUnableToRollback {
		t.Fatalf("detailed = %s, want FAILED_UNABLE_TO_ROLLBACK", got.Detailed)
	}
	if !slices.Equal(got.ErrorStack, d.ErrorStack) {
		t.Fatalf("error stack = %v, want %v", got.ErrorStack, d.ErrorStack)
	}
}

func TestDeploy_BootstrapDeploymentValidatedBeforeCheckpoint(t *testing.T) {
	h := newHarness(t)
	doc := docOf(map[string]configtree.Component{
		"kernel-module": {Version: "2", Bootstrap: &configtree.Bootstrap{Requires: configtree.BootstrapRestart}},
	})
	doc.RequiredCapabilities = []string{"QUANTUM"}

	got := h.deploy(t, "d1", doc)

	wantStack := []string{deployment.CodeDeploymentFailure, deployment.CodeMissingCapabilities}
	if got.Detailed != deployment.DetailedFailedNoStateChange || !slices.Equal(got.ErrorStack, wantStack) {
		t.Fatalf("status = %s %v, want FAILED_NO_STATE_CHANGE %v", got.Detailed, got.ErrorStack, wantStack)
	}
	if stage, _ := h.store.Stage(); stage != deployment.StageDefault {
		t.Fatalf("stage = %s, want DEFAULT", stage)
	}
	if names := h.store.PayloadNames(); len(names) != 0 {
		t.Fatalf("payloads = %v, want none", names)
	}
}

func TestDeploy_CancelDuringRollback(t *testing.T) {
	h := newHarness(t)
	if got := h.deploy(t, "d1", docOf(map[string]configtree.Component{"svc": {Version: "1"}})); got.Status != deployment.StatusSucceeded {
		t.Fatalf("d1 status = %s, want SUCCEEDED", got.Status)
	}
	h.launcher.SetVersion("svc", "1", fake.BehaviorHang)
	h.launcher.SetVersion("svc", "2", fake.BehaviorError)

	h.submit(t, "d2", docOf(map[string]configtree.Component{"svc": {Version: "2"}}))
	waitFor(t, "rollback to wait for svc", func() bool {
		cfg, _ := h.tree.Get("svc")
		return cfg.Version == "1" && h.service.Queue().Waiting()
	})
	h.service.Submit(deployment.Deployment{ID: "d2", Type: deployment.TypeLocal, Cancel: true})

	got := h.waitTerminal(t, "d2")
	if got.Status != deployment.StatusCanceled || got.Detailed != deployment.DetailedCanceled {
		t.Fatalf("status = %s/%s, want CANCELED/CANCELED", got.Status, got.Detailed)
	}
}

func TestDeploy_ShutdownDuringWaitReportsNothing(t *testing.T) {
	h := newHarness(t, withoutRun())
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	h.run(ctx)
	h.launcher.Set("slow", fake.BehaviorHang)

	h.submit(t, "d1", docOf(map[string]configtree.Component{"slow": {}}))
	waitFor(t, "d1 to wait for components", h.service.Queue().Waiting)
	cancel()

	select {
	case err := <-h.runErr:
		if err != nil {
			t.Fatalf("Run() error = %v, want clean stop", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("Run() did not return after shutdown")
	}
	updates := h.statuses("d1")
	if len(updates) != 1 || updates[0].Status != deployment.StatusInProgress {
		t.Fatalf("statuses = %+v, want only IN_PROGRESS", updates)
	}
	if _, ok := h.tree.Get("slow"); !ok {
		t.Fatal("shutdown rolled back the deployment")
	}
}

func TestDeploy_LoadFailureRollsBack(t *testing.T) {
	h := newHarness(t)
	h.launcher.Faults.FailOnce(fake.FaultLauncherLaunch, errors.New("artifact missing"))

	got := h.deploy(t, "d1", docOf(map[string]configtree.Component{"svc": {Version: "1"}}))

	if got.Detailed != deployment.DetailedFailedRollbackComplete {
		t.Fatalf("detailed = %s, want FAILED_ROLLBACK_COMPLETE (%s)", got.Detailed, got.FailureCause)
	}
	wantStack := []string{deployment.CodeDeploymentFailure, deployment.CodeComponentUpdate, deployment.CodeComponentLoad}
	if !slices.Equal(got.ErrorStack, wantStack) {
		t.Fatalf("error stack = %v, want %v", got.ErrorStack, wantStack)
	}
	if !slices.Equal(got.ErrorTypes, []string{deployment.TypeNucleusError}) {
		t.Fatalf("error types = %v, want [NUCLEUS_ERROR]", got.ErrorTypes)
	}
	if _, ok := h.tree.Get("svc"); ok {
		t.Fatal("svc is still configured after rollback")
	}
}

func TestDeploy_RollbackThatFailsIsUnableToRollback(t *testing.T) {
	recorder := tracetest.NewSpanRecorder()
	tp := sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(recorder))
	h := newHarness(t, withActivator(deployment.WithTracer(tp.Tracer("test"))))
	if got := h.deploy(t, "d1", docOf(map[string]configtree.Component{"svc": {Version: "1"}})); got.Status != deployment.StatusSucceeded {
		t.Fatalf("d1 status = %s, want SUCCEEDED", got.Status)
	}
	h.launcher.SetVersion("svc", "1", fake.BehaviorError)
	h.launcher.SetVersion("svc", "2", fake.BehaviorError)

	got := h.deploy(t, "d2", docOf(map[string]configtree.Component{"svc": {Version: "2"}}))

	if got.Detailed != deployment.DetailedFailedUnableToRollback {
		t.Fatalf("detailed = %s, want FAILED_UNABLE_TO_ROLLBACK", got.Detailed)
	}
	wantStack := []string{deployment.CodeDeploymentFailure, deployment.CodeComponentUpdate, deployment.CodeComponentBroken}
	if !slices.Equal(got.ErrorStack, wantStack) {
		t.Fatalf("error stack = %v, want the deployment failure %v", got.ErrorStack, wantStack)
	}
	var rollback sdktrace.ReadOnlySpan
	for _, span := range recorder.Ended() {
		if span.Name() == "rollback" {
			rollback = span
		}
	}
	if rollback == nil {
		t.Fatal("no rollback span recorded")
	}
	if rollback.Status().Code != codes.Error {
		t.Fatalf("rollback span status = %v, want error", rollback.Status().Code)
	}
}

// unencodable fails configuration snapshots.
type unencodable struct{}

func (unencodable) MarshalYAML() (any, error) { return nil, errors.New("cannot encode") }

func TestDeploy_SnapshotFailureChangesNothing(t *testing.T) {
	h := newHarness(t)
	legacy := map[string]configtree.Component{"legacy": {Parameters: map[string]any{"blob": unencodable{}}}}
	if _, err := h.tree.Merge(h.clock.Now(), legacy); err != nil {
		t.Fatalf("Merge() error = %v", err)
	}

	got := h.deploy(t, "d1", docOf(map[string]configtree.Component{"svc": {}}))

	wantStack := []string{deployment.CodeDeploymentFailure, deployment.CodeSnapshot}
	if got.Detailed != deployment.DetailedFailedNoStateChange || !slices.Equal(got.ErrorStack, wantStack) {
		t.Fatalf("status = %s %v, want FAILED_NO_STATE_CHANGE %v", got.Detailed, got.ErrorStack, wantStack)
	}
	if !slices.Equal(got.ErrorTypes, []string{deployment.TypeNucleusError}) {
		t.Fatalf("error types = %v, want [NUCLEUS_ERROR]", got.ErrorTypes)
	}
	if _, ok := h.tree.Get("svc"); ok {
		t.Fatal("svc was merged after the snapshot failed")
	}
	if h.launcher.Starts("svc") != 0 {
		t.Fatal("svc was started after the snapshot failed")
	}
}

func TestResume_BootstrapFailureWithoutRollbackIsReported(t *testing.T) {
	h := newHarness(t)
	current := map[string]configtree.Component{"kernel-module": {Version: "1"}}
	doc := docOf(map[string]configtree.Component{
		"kernel-module": {Version: "2", Bootstrap: &configtree.Bootstrap{Requires: configtree.BootstrapRestart}},
	})
	doc.FailureHandlingPolicy = deployment.PolicyDoNothing
	d := resume(t, h, deployment.StageBootstrap, doc, current, current)
	deployment.RecordFailure(&d, deployment.BootstrapError("kernel-module", errors.New("flash failed")))

	h.service.Submit(d)

	got := h.waitTerminal(t, "d1")
	if got.Detailed != deployment.DetailedFailedRollbackNotRequested {
		t.Fatalf("detailed = %s, want FAILED_ROLLBACK_NOT_REQUESTED", got.Detailed)
	}
	wantStack := []string{deployment.CodeDeploymentFailure, deployment.CodeComponentUpdate, deployment.CodeBootstrap}
	if !slices.Equal(got.ErrorStack, wantStack) {
		t.Fatalf("error stack = %v, want %v", got.ErrorStack, wantStack)
	}
	if !slices.Equal(got.ErrorTypes, []string{deployment.TypeUserComponentError}) {
		t.Fatalf("error types = %v, want [USER_COMPONENT_ERROR]", got.ErrorTypes)
	}
	if stage, _ := h.store.Stage(); stage != deployment.StageDefault {
		t.Fatalf("stage = %s, want DEFAULT", stage)
	}
	if _, ok, _ := h.store.LoadDeployment(); ok {
		t.Fatal("deployment record kept after it was reported")
	}
	if cfg, _ := h.tree.Get("kernel-module"); cfg.Version != "1" {
		t.Fatalf("kernel-module version = %q, want 1", cfg.Version)
	}
}
