package scheduler

import "testing"

type fakePruner struct{ calls int }

func (f *fakePruner) PruneNow() { f.calls++ }

func TestSweeper_SweepCallsRegisteredPruners(t *testing.T) {
	s, err := NewSweeper("@every 1h", nil)
	if err != nil {
		t.Fatalf("NewSweeper: %v", err)
	}
	p1, p2 := &fakePruner{}, &fakePruner{}
	s.Register(p1)
	unregister2 := s.Register(p2)

	s.sweep()
	if p1.calls != 1 || p2.calls != 1 {
		t.Fatalf("expected both pruners swept once, got p1=%d p2=%d", p1.calls, p2.calls)
	}

	unregister2()
	s.sweep()
	if p1.calls != 2 || p2.calls != 1 {
		t.Fatalf("expected unregistered pruner to be skipped, got p1=%d p2=%d", p1.calls, p2.calls)
	}
}

func TestSweeper_PanicInPrunerDoesNotStopSweep(t *testing.T) {
	s, err := NewSweeper("@every 1h", nil)
	if err != nil {
		t.Fatalf("NewSweeper: %v", err)
	}
	s.Register(panicPruner{})
	safe := &fakePruner{}
	s.Register(safe)

	s.sweep()
	if safe.calls != 1 {
		t.Fatalf("expected sweep to continue past a panicking pruner, got %d", safe.calls)
	}
}

type panicPruner struct{}

func (panicPruner) PruneNow() { panic("boom") }
