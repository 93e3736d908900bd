package fault

import (
	"errors"
	"testing"
)

const savePoint = "store.save_stage"

func TestInjector_FailOnceConsumesInOrder(t *testing.T) {
	i := NewInjector()
	first := errors.New("first")
	second := errors.New("second")
	i.FailOnce(savePoint, first)
	i.FailOnce(savePoint, second)

	if err := i.Eval(savePoint); !errors.Is(err, first) {
		t.Fatalf("Eval() #1 error = %v, want %v", err, first)
	}
	if err := i.Eval(savePoint); !errors.Is(err, second) {
		t.Fatalf("Eval() #2 error = %v, want %v", err, second)
	}
	if err := i.Eval(savePoint); err != nil {
		t.Fatalf("Eval() #3 error = %v, want nil", err)
	}
}

func TestInjector_FailAlwaysAfterQueue(t *testing.T) {
	i := NewInjector()
	once := errors.New("once")
	always := errors.New("always")
	i.FailAlways(savePoint, always)
	i.FailOnce(savePoint, once)

	if err := i.Eval(savePoint); !errors.Is(err, once) {
		t.Fatalf("Eval() #1 error = %v, want %v", err, once)
	}
	for n := 0; n < 2; n++ {
		if err := i.Eval(savePoint); !errors.Is(err, always) {
			t.Fatalf("Eval() error = %v, want %v", err, always)
		}
	}
}

func TestInjector_HookSeesArguments(t *testing.T) {
	i := NewInjector()
	rejected := errors.New("rejected")
	i.SetHook("launch", func(args ...any) error {
		if name, _ := args[0].(string); name == "broker" {
			return rejected
		}
		return nil
	})

	if err := i.Eval("launch", "broker"); !errors.Is(err, rejected) {
		t.Fatalf("Eval(broker) error = %v, want %v", err, rejected)
	}
	if err := i.Eval("launch", "RedSignal"); err != nil {
		t.Fatalf("Eval(RedSignal) error = %v, want nil", err)
	}
}

func TestInjector_ClearAndReset(t *testing.T) {
	i := NewInjector()
	boom := errors.New("boom")
	i.FailAlways("a", boom)
	i.FailAlways("b", boom)

	i.Clear("a")
	if err := i.Eval("a"); err != nil {
		t.Fatalf("Eval(a) after Clear error = %v, want nil", err)
	}
	if err := i.Eval("b"); !errors.Is(err, boom) {
		t.Fatalf("Eval(b) error = %v, want %v", err, boom)
	}

	i.Reset()
	if err := i.Eval("b"); err != nil {
		t.Fatalf("Eval(b) after Reset error = %v, want nil", err)
	}
}

func TestInjector_NilIsInert(t *testing.T) {
	var i *Injector
	if err := i.Eval(savePoint); err != nil {
		t.Fatalf("nil Eval() error = %v, want nil", err)
	}
}
