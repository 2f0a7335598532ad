package sched_test

import (
	"testing"
	"time"

	"github.com/ferrovisor/ferrovisor/sched"
	"github.com/ferrovisor/ferrovisor/vcpu"
)

func TestCooperativeSchedulerYieldBlocksUntilWake(t *testing.T) {
	s := sched.NewCooperativeScheduler()

	done := make(chan struct{})

	go func() {
		s.Yield(1)
		close(done)
	}()

	select {
	case <-done:
		t.Fatal("Yield returned before Wake was called")
	case <-time.After(20 * time.Millisecond):
	}

	s.Wake(1)

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Yield did not return after Wake")
	}
}

func TestCooperativeSchedulerCurrent(t *testing.T) {
	s := sched.NewCooperativeScheduler()
	s.SetCurrent(3)

	if s.Current() != 3 {
		t.Fatalf("Current = %d, want 3", s.Current())
	}
}

func TestWFIPolicyModeNOPResumesImmediately(t *testing.T) {
	p := sched.WFIPolicy{Mode: sched.ModeNOP}

	if res := p.HandleWFI(vcpu.New()); res != vcpu.Resume {
		t.Fatalf("Resolution = %v, want Resume", res)
	}
}

func TestWFIPolicyModeDeferReturnsYield(t *testing.T) {
	p := sched.WFIPolicy{Mode: sched.ModeDefer}

	if res := p.HandleWFI(vcpu.New()); res != vcpu.Yield {
		t.Fatalf("Resolution = %v, want Yield", res)
	}
}

func TestWFIPolicyModeYieldBlocksUntilWoken(t *testing.T) {
	s := sched.NewCooperativeScheduler()
	p := sched.WFIPolicy{Sched: s, Self: 2, Mode: sched.ModeYield}

	resCh := make(chan vcpu.Resolution, 1)

	go func() {
		resCh <- p.HandleWFI(vcpu.New())
	}()

	select {
	case <-resCh:
		t.Fatal("HandleWFI returned before Wake was called")
	case <-time.After(20 * time.Millisecond):
	}

	s.Wake(2)

	select {
	case res := <-resCh:
		if res != vcpu.Resume {
			t.Fatalf("Resolution = %v, want Resume", res)
		}
	case <-time.After(time.Second):
		t.Fatal("HandleWFI did not return after Wake")
	}
}
