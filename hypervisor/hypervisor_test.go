package hypervisor_test

import (
	"testing"

	"github.com/ferrovisor/ferrovisor/hypervisor"
	"github.com/ferrovisor/ferrovisor/pagealloc"
	"github.com/ferrovisor/ferrovisor/sched"
	"github.com/ferrovisor/ferrovisor/stage2"
	"github.com/ferrovisor/ferrovisor/sysreg"
	"github.com/ferrovisor/ferrovisor/vcpu"
	"github.com/ferrovisor/ferrovisor/vgic"
	"github.com/ferrovisor/ferrovisor/vmid"
)

type fakeTLB struct{}

func (fakeTLB) InvalidateByVMID(uint64)                {}
func (fakeTLB) InvalidateRange(uint64, uint64, uint64) {}

type fakeSink struct {
	offCalls, resetCalls int
}

func (f *fakeSink) SystemOff(vmid.ID)   { f.offCalls++ }
func (f *fakeSink) SystemReset(vmid.ID) { f.resetCalls++ }

func newTestVM(t *testing.T, nVCPU int, backends []vcpu.Backend, sink hypervisor.LifecycleSink) *hypervisor.VM {
	t.Helper()

	arena, err := pagealloc.NewArena(64)
	if err != nil {
		t.Fatalf("NewArena: %v", err)
	}

	pool, err := vmid.New(vmid.Width16)
	if err != nil {
		t.Fatalf("vmid.New: %v", err)
	}

	cfg := hypervisor.Config{
		IPABits:   40,
		Granule:   stage2.Granule4KB,
		Caps:      stage2.DefaultCapabilities(),
		VMIDWidth: vmid.Width16,
		Mem:       arena,
		TLB:       fakeTLB{},
		NumVCPU:   nVCPU,
		Backends:  backends,
		Codec:     vgic.NewGICv3Codec(),
		MIDR:      sysreg.NewMIDR(0x410F_D083),
		MPIDROf: func(i int) sysreg.MPIDR {
			return sysreg.NewMPIDR(uint64(i), 0, 0, 0)
		},
		BootVCPU: 0,
		WFIMode:  sched.ModeNOP,
		Sink:     sink,
	}

	vm, err := hypervisor.NewVM(pool, cfg)
	if err != nil {
		t.Fatalf("NewVM: %v", err)
	}

	return vm
}

func TestNewVMProgramsStage2AndVTTBRPerVCPU(t *testing.T) {
	backends := []vcpu.Backend{&vcpu.SimBackend{}, &vcpu.SimBackend{}}
	vm := newTestVM(t, 2, backends, nil)

	for i := 0; i < vm.NumVCPU(); i++ {
		vc := vm.Vcpu(i).Context()
		if vc.VTTBR.Read() == 0 {
			t.Fatalf("vcpu %d: VTTBR not programmed", i)
		}

		if vc.VTCR.Read() == 0 {
			t.Fatalf("vcpu %d: VTCR not programmed", i)
		}
	}
}

func TestRunDrivesOneWorldSwitch(t *testing.T) {
	sim := &vcpu.SimBackend{}
	vm := newTestVM(t, 1, []vcpu.Backend{sim}, nil)

	if _, err := vm.Run(0); err != nil {
		t.Fatalf("Run: %v", err)
	}

	if !sim.Entered {
		t.Fatal("expected the backend's Enter to have been called")
	}
}

func TestRunRejectsUnknownVCPU(t *testing.T) {
	vm := newTestVM(t, 1, []vcpu.Backend{&vcpu.SimBackend{}}, nil)

	if _, err := vm.Run(5); err == nil {
		t.Fatal("expected an error for an out-of-range VCPU index")
	}
}

func TestTryBringUpSeedsEntryPointAfterCPUOn(t *testing.T) {
	backends := []vcpu.Backend{&vcpu.SimBackend{}, &vcpu.SimBackend{}}
	vm := newTestVM(t, 2, backends, nil)

	if vm.TryBringUp(1) {
		t.Fatal("expected no bring-up before CPU_ON targets VCPU 1")
	}

	boot := vm.Vcpu(0).Context()
	boot.GPRegs[0] = 0xC4000003 // PSCI CPU_ON (SMC64)
	boot.GPRegs[1] = sysreg.NewMPIDR(1, 0, 0, 0).Read()
	boot.GPRegs[2] = 0x4000_0000
	boot.GPRegs[3] = 0xCAFE

	vm.Vcpu(0).VGIC() // touch accessor for coverage of the getter

	esr := sysreg.BuildESR(sysreg.ECSMC64, 0)
	backends[0].(*vcpu.SimBackend).Queue = []vcpu.ExitInfo{{ESR: esr}}

	if _, err := vm.Run(0); err != nil {
		t.Fatalf("Run: %v", err)
	}

	if boot.GPRegs[0] != 0 {
		t.Fatalf("CPU_ON return = %#x, want Success(0)", boot.GPRegs[0])
	}

	if !vm.TryBringUp(1) {
		t.Fatal("expected TryBringUp to seed VCPU 1 after CPU_ON")
	}

	secondary := vm.Vcpu(1).Context()
	if secondary.PC != 0x4000_0000 || secondary.GPRegs[0] != 0xCAFE {
		t.Fatalf("secondary PC/x0 = %#x/%#x, want 0x40000000/0xcafe", secondary.PC, secondary.GPRegs[0])
	}

	if vm.PowerState(1) != 2 {
		// psci.On == 2; avoid importing psci just to spell the constant.
		t.Fatalf("PowerState(1) = %v, want On", vm.PowerState(1))
	}

	if vm.TryBringUp(1) {
		t.Fatal("expected a second TryBringUp to be a no-op once already On")
	}
}

func TestSystemOffHaltsEveryVCPUAndNotifiesSink(t *testing.T) {
	sink := &fakeSink{}
	backends := []vcpu.Backend{&vcpu.SimBackend{}, &vcpu.SimBackend{}}
	vm := newTestVM(t, 2, backends, sink)

	vm.SystemOff(vm.VMID())

	if sink.offCalls != 1 {
		t.Fatalf("offCalls = %d, want 1", sink.offCalls)
	}

	for cpu := 0; cpu < vm.NumVCPU(); cpu++ {
		res, err := vm.Run(cpu)
		if err != nil {
			t.Fatalf("Run(%d): %v", cpu, err)
		}

		if res != vcpu.Halt {
			t.Fatalf("Run(%d) Resolution = %v, want Halt after SystemOff", cpu, res)
		}
	}
}

func TestSystemResetNotifiesSink(t *testing.T) {
	sink := &fakeSink{}
	vm := newTestVM(t, 1, []vcpu.Backend{&vcpu.SimBackend{}}, sink)

	vm.SystemReset(vm.VMID())

	if sink.resetCalls != 1 {
		t.Fatalf("resetCalls = %d, want 1", sink.resetCalls)
	}
}

// TestRunHaltsCallerAfterCPUOffAndStopsRescheduling covers spec.md §4.H
// "CPU_OFF -> mark the calling VCPU Off; the scheduler must not run it":
// the exit that issues CPU_OFF itself resolves to Halt, and so does every
// subsequent Run call, even without any ESR queued.
func TestRunHaltsCallerAfterCPUOffAndStopsRescheduling(t *testing.T) {
	sim := &vcpu.SimBackend{}
	vm := newTestVM(t, 1, []vcpu.Backend{sim}, nil)

	esr := sysreg.BuildESR(sysreg.ECSMC64, 0)
	sim.Queue = []vcpu.ExitInfo{{ESR: esr, GPRegs: [31]uint64{0: 0x84000002}}} // PSCI CPU_OFF

	res, err := vm.Run(0)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}

	if res != vcpu.Halt {
		t.Fatalf("Resolution = %v, want Halt for the CPU_OFF exit itself", res)
	}

	if vm.PowerState(0) != 0 { // psci.Off == 0
		t.Fatalf("PowerState(0) = %v, want Off", vm.PowerState(0))
	}

	res, err = vm.Run(0)
	if err != nil {
		t.Fatalf("second Run: %v", err)
	}

	if res != vcpu.Halt {
		t.Fatalf("second Resolution = %v, want Halt (VCPU must stay off)", res)
	}
}

// TestRunInjectsTimerPPIWhenHostCounterReachesCompare covers spec.md
// §4.G's timer->VGIC injection: once the configured HostCounter reports
// the virtual timer has fired, Run must place the timer PPI in a list
// register before the next world switch.
func TestRunInjectsTimerPPIWhenHostCounterReachesCompare(t *testing.T) {
	arena, err := pagealloc.NewArena(64)
	if err != nil {
		t.Fatalf("NewArena: %v", err)
	}

	pool, err := vmid.New(vmid.Width16)
	if err != nil {
		t.Fatalf("vmid.New: %v", err)
	}

	sim := &vcpu.SimBackend{}
	cfg := hypervisor.Config{
		IPABits:   40,
		Granule:   stage2.Granule4KB,
		Caps:      stage2.DefaultCapabilities(),
		VMIDWidth: vmid.Width16,
		Mem:       arena,
		TLB:       fakeTLB{},
		NumVCPU:   1,
		Backends:  []vcpu.Backend{sim},
		Codec:     vgic.NewGICv3Codec(),
		MIDR:      sysreg.NewMIDR(0x410F_D083),
		MPIDROf: func(i int) sysreg.MPIDR {
			return sysreg.NewMPIDR(uint64(i), 0, 0, 0)
		},
		BootVCPU:    0,
		WFIMode:     sched.ModeNOP,
		HostCounter: func() uint64 { return 1000 },
	}

	vm, err := hypervisor.NewVM(pool, cfg)
	if err != nil {
		t.Fatalf("NewVM: %v", err)
	}

	vc := vm.Vcpu(0)
	vc.Timer().SetOffset(0)
	vc.Timer().SetCompare(500) // already behind HostCounter's fixed 1000
	vc.Context().Timer.CNTVCtl = 0b1 // ENABLE, not masked

	if _, err := vm.Run(0); err != nil {
		t.Fatalf("Run: %v", err)
	}

	if vc.VGIC().UsedCount() != 1 {
		t.Fatalf("UsedCount = %d, want 1 (timer PPI injected)", vc.VGIC().UsedCount())
	}
}
