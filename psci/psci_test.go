package psci_test

import (
	"testing"
	"time"

	"github.com/ferrovisor/ferrovisor/psci"
	"github.com/ferrovisor/ferrovisor/sched"
	"github.com/ferrovisor/ferrovisor/vcpu"
	"github.com/ferrovisor/ferrovisor/vmid"
)

type fakeSink struct {
	offCalls   []vmid.ID
	resetCalls []vmid.ID
}

func (f *fakeSink) SystemOff(vm vmid.ID)   { f.offCalls = append(f.offCalls, vm) }
func (f *fakeSink) SystemReset(vm vmid.ID) { f.resetCalls = append(f.resetCalls, vm) }

func mpidrOf(i int) uint64 { return 0x8000_0000 | uint64(i) }

func newDispatcher(t *testing.T, nVCPU int) (*psci.Dispatcher, *sched.CooperativeScheduler, *fakeSink) {
	t.Helper()

	s := sched.NewCooperativeScheduler()
	sink := &fakeSink{}
	d := psci.NewDispatcher(vmid.ID(1), nVCPU, mpidrOf, 0, s, sink, nil)

	return d, s, sink
}

func call(d *psci.Dispatcher, self int, funcID uint32, a1, a2, a3 uint64) int64 {
	vc := vcpu.New()
	vc.GPRegs[0] = uint64(funcID)
	vc.GPRegs[1] = a1
	vc.GPRegs[2] = a2
	vc.GPRegs[3] = a3

	d.ForVCPU(self).Dispatch(vc)

	return int64(vc.GPRegs[0])
}

// TestCPUOnPowersSecondaryAndWakesScheduler covers spec.md §8 scenario
// S6.
func TestCPUOnPowersSecondaryAndWakesScheduler(t *testing.T) {
	d, s, _ := newDispatcher(t, 2)

	done := make(chan struct{})

	go func() {
		s.Yield(sched.VcpuID(1))
		close(done)
	}()

	ret := call(d, 0, psci.FuncCPUOn64, mpidrOf(1), 0x4000_0000, 0)
	if ret != psci.Success {
		t.Fatalf("CPU_ON = %d, want Success", ret)
	}

	st := d.VCPUState(1)
	if st.State != psci.OnPending || st.EntryPoint != 0x4000_0000 {
		t.Fatalf("VCPU 1 state = %+v, want OnPending entry=0x40000000", st)
	}

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("expected scheduler Wake to unblock the target VCPU's Yield")
	}
}

// TestCPUOnIdempotence covers spec.md §8 property 8.
func TestCPUOnIdempotence(t *testing.T) {
	d, _, _ := newDispatcher(t, 2)

	if ret := call(d, 0, psci.FuncCPUOn64, mpidrOf(1), 0x1000, 0); ret != psci.Success {
		t.Fatalf("first CPU_ON = %d, want Success", ret)
	}

	if ret := call(d, 0, psci.FuncCPUOn64, mpidrOf(1), 0x2000, 0); ret != psci.OnPendingErr {
		t.Fatalf("second CPU_ON (still OnPending) = %d, want OnPendingErr", ret)
	}

	d.AckOn(1)

	if ret := call(d, 0, psci.FuncCPUOn64, mpidrOf(1), 0x3000, 0); ret != psci.AlreadyOn {
		t.Fatalf("third CPU_ON (now On) = %d, want AlreadyOn", ret)
	}

	// Entry point from the first successful call must not have been
	// overwritten by the rejected calls.
	if st := d.VCPUState(1); st.EntryPoint != 0x1000 {
		t.Fatalf("EntryPoint = %#x, want 0x1000 (unchanged by idempotent calls)", st.EntryPoint)
	}
}

func TestCPUOnUnknownMPIDRIsInvalidParams(t *testing.T) {
	d, _, _ := newDispatcher(t, 2)

	if ret := call(d, 0, psci.FuncCPUOn64, 0xFFFF_FFFF, 0, 0); ret != psci.InvalidParams {
		t.Fatalf("CPU_ON unknown target = %d, want InvalidParams", ret)
	}
}

func TestAffinityInfoReportsEachPowerState(t *testing.T) {
	d, _, _ := newDispatcher(t, 2)

	if ret := call(d, 0, psci.FuncAffinityInfo64, mpidrOf(0), 0, 0); ret != 0 {
		t.Fatalf("AFFINITY_INFO boot VCPU = %d, want 0 (On)", ret)
	}

	if ret := call(d, 0, psci.FuncAffinityInfo64, mpidrOf(1), 0, 0); ret != 1 {
		t.Fatalf("AFFINITY_INFO secondary VCPU = %d, want 1 (Off)", ret)
	}

	call(d, 0, psci.FuncCPUOn64, mpidrOf(1), 0x1000, 0)

	if ret := call(d, 0, psci.FuncAffinityInfo64, mpidrOf(1), 0, 0); ret != 2 {
		t.Fatalf("AFFINITY_INFO OnPending VCPU = %d, want 2", ret)
	}
}

func TestCPUOffMarksCallerOff(t *testing.T) {
	d, _, _ := newDispatcher(t, 2)

	if ret := call(d, 0, psci.FuncCPUOff, 0, 0, 0); ret != psci.Success {
		t.Fatalf("CPU_OFF = %d, want Success", ret)
	}

	if st := d.VCPUState(0); st.State != psci.Off {
		t.Fatalf("VCPU 0 state = %v, want Off", st.State)
	}
}

// TestCPUOffRequestsHalt covers spec.md §4.H "the scheduler must not run
// it": a successful CPU_OFF must tell fault.Dispatcher to stop scheduling
// the calling VCPU, not just flip its power-state record.
func TestCPUOffRequestsHalt(t *testing.T) {
	d, _, _ := newDispatcher(t, 2)

	vc := vcpu.New()
	vc.GPRegs[0] = uint64(psci.FuncCPUOff)

	if halt := d.ForVCPU(0).Dispatch(vc); !halt {
		t.Fatal("expected CPU_OFF to report halt=true")
	}

	if vc.GPRegs[0] != uint64(psci.Success) {
		t.Fatalf("CPU_OFF return = %#x, want Success", vc.GPRegs[0])
	}
}

// TestCPUOnDoesNotRequestHalt covers the negative case: a call that
// doesn't power off the caller must never ask the scheduler to stop
// running it.
func TestCPUOnDoesNotRequestHalt(t *testing.T) {
	d, _, _ := newDispatcher(t, 2)

	vc := vcpu.New()
	vc.GPRegs[0] = uint64(psci.FuncCPUOn64)
	vc.GPRegs[1] = mpidrOf(1)
	vc.GPRegs[2] = 0x1000

	if halt := d.ForVCPU(0).Dispatch(vc); halt {
		t.Fatal("expected CPU_ON not to request halt")
	}
}

func TestSystemOffNotifiesSink(t *testing.T) {
	d, _, sink := newDispatcher(t, 1)

	call(d, 0, psci.FuncSystemOff, 0, 0, 0)

	if len(sink.offCalls) != 1 || sink.offCalls[0] != vmid.ID(1) {
		t.Fatalf("offCalls = %+v, want one call with vmid 1", sink.offCalls)
	}
}

func TestSystemResetNotifiesSink(t *testing.T) {
	d, _, sink := newDispatcher(t, 1)

	call(d, 0, psci.FuncSystemReset, 0, 0, 0)

	if len(sink.resetCalls) != 1 {
		t.Fatalf("resetCalls = %+v, want one call", sink.resetCalls)
	}
}

func TestPSCIFeaturesKnownVsUnknown(t *testing.T) {
	d, _, _ := newDispatcher(t, 1)

	if ret := call(d, 0, psci.FuncPSCIFeatures, psci.FuncCPUOn64, 0, 0); ret != psci.Success {
		t.Fatalf("FEATURES(CPU_ON) = %d, want Success", ret)
	}

	if ret := call(d, 0, psci.FuncPSCIFeatures, 0x8400FFFF, 0, 0); ret != psci.NotSupported {
		t.Fatalf("FEATURES(unknown) = %d, want NotSupported", ret)
	}
}

func TestMigrateIsExplicitlyNotSupported(t *testing.T) {
	d, _, _ := newDispatcher(t, 1)

	if ret := call(d, 0, psci.FuncMigrateInfoType, 0, 0, 0); ret != psci.NotSupported {
		t.Fatalf("MIGRATE_INFO_TYPE = %d, want NotSupported", ret)
	}
}
