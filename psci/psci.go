// Package psci implements the SMP bring-up and PSCI gateway (spec.md
// §4.H): SMCCC dispatch over the PSCI function-ID ranges, CPU power-state
// tracking, and the SYSTEM_OFF/SYSTEM_RESET VM-lifecycle hooks.
//
// Grounded on the teacher's kvm.IRQLine/CreateIRQChip style of a small,
// fixed set of host-facing calls dispatched by a flat switch, generalized
// from "IRQ chip ioctls" to "SMCCC function IDs".
package psci

import (
	"log"
	"sync"

	"github.com/ferrovisor/ferrovisor/sched"
	"github.com/ferrovisor/ferrovisor/vcpu"
	"github.com/ferrovisor/ferrovisor/vmid"
)

// PowerState is the three-value CPU power state (spec.md §3 "CPU power
// state").
type PowerState int

const (
	Off PowerState = iota
	OnPending
	On
)

func (s PowerState) String() string {
	switch s {
	case Off:
		return "Off"
	case OnPending:
		return "OnPending"
	case On:
		return "On"
	default:
		return "unknown"
	}
}

// PSCI function IDs per ARM DEN 0022, spanning the SMC32 and SMC64
// calling conventions (spec.md §4.H "0x84000000..0x8400000A,
// 0xC4000001..0xC4000007").
const (
	FuncPSCIVersion        = 0x84000000
	FuncCPUSuspend32       = 0x84000001
	FuncCPUSuspend64       = 0xC4000001
	FuncCPUOff             = 0x84000002
	FuncCPUOn32            = 0x84000003
	FuncCPUOn64            = 0xC4000003
	FuncAffinityInfo32     = 0x84000004
	FuncAffinityInfo64     = 0xC4000004
	FuncMigrate32          = 0x84000005
	FuncMigrate64          = 0xC4000005
	FuncMigrateInfoType    = 0x84000006
	FuncMigrateInfoUpCPU32 = 0x84000007
	FuncMigrateInfoUpCPU64 = 0xC4000007
	FuncSystemOff          = 0x84000008
	FuncSystemReset        = 0x84000009
	FuncPSCIFeatures       = 0x8400000A
)

// SMCCC return-value convention (spec.md §4.H, §6 "PSCI SMC interface").
const (
	Success        int64 = 0
	NotSupported   int64 = -1
	InvalidParams  int64 = -2
	Denied         int64 = -3
	AlreadyOn      int64 = -4
	OnPendingErr   int64 = -5
	InternalFail   int64 = -6
	NotPresent     int64 = -7
	Disabled       int64 = -8
)

// advertisedVersion is the PSCI version this gateway implements, encoded
// per DEN 0022 as (major << 16 | minor): 1.1.
const advertisedVersion = 0x0001_0001

// LifecycleSink receives VM-wide shutdown/reset notifications (spec.md
// §4.H "signal VM shutdown/reset to the external VM lifecycle manager").
// Declared here with the same two-method shape as hypervisor.LifecycleSink
// so psci never imports the orchestration package; hypervisor.VM
// satisfies this structurally.
type LifecycleSink interface {
	SystemOff(vm vmid.ID)
	SystemReset(vm vmid.ID)
}

// VCPU is the per-physical-CPU power-state and entry-point record PSCI
// operates on (spec.md §3 "CPU power state", §4.H CPU_ON "set entry
// point, mark OnPending").
type VCPU struct {
	mu         sync.Mutex
	index      int
	MPIDR      uint64
	State      PowerState
	EntryPoint uint64
	ContextID  uint64
}

// Dispatcher holds the PSCI state shared by every VCPU of one VM: the
// power-state table, the lifecycle sink, and the scheduler wake hook
// (spec.md §4.H "wake the scheduler").
type Dispatcher struct {
	mu     sync.Mutex
	vm     vmid.ID
	vcpus  []*VCPU
	sched  sched.Scheduler
	sink   LifecycleSink
	logger *log.Logger
}

// NewDispatcher returns a Dispatcher for nVCPU VCPUs of vm, with mpidrOf
// supplying each VCPU's MPIDR_EL1.Aff value and boot naming the index of
// the one VCPU that starts powered On (every other VCPU starts Off, per
// spec.md §4.H "power-on of secondary CPUs via PSCI").
func NewDispatcher(vm vmid.ID, nVCPU int, mpidrOf func(index int) uint64, boot int, scheduler sched.Scheduler, sink LifecycleSink, logger *log.Logger) *Dispatcher {
	if logger == nil {
		logger = log.Default()
	}

	vcpus := make([]*VCPU, nVCPU)
	for i := range vcpus {
		state := Off
		if i == boot {
			state = On
		}

		vcpus[i] = &VCPU{index: i, MPIDR: mpidrOf(i), State: state}
	}

	return &Dispatcher{vm: vm, vcpus: vcpus, sched: scheduler, sink: sink, logger: logger}
}

// VCPUState returns a copy of the power-state record for VCPU index i,
// for the orchestration layer to observe after an OnPending transition
// (e.g. to start running the newly-powered VCPU at EntryPoint).
func (d *Dispatcher) VCPUState(i int) VCPU {
	v := d.vcpus[i]
	v.mu.Lock()
	defer v.mu.Unlock()

	return *v
}

// AckOn transitions VCPU i from OnPending to On once the orchestration
// layer has actually started running it at its recorded entry point.
func (d *Dispatcher) AckOn(i int) {
	v := d.vcpus[i]
	v.mu.Lock()
	defer v.mu.Unlock()

	if v.State == OnPending {
		v.State = On
	}
}

// ForVCPU returns the fault.SMCHandler for VCPU index self.
func (d *Dispatcher) ForVCPU(self int) *PerVCPU { return &PerVCPU{d: d, self: self} }

// PerVCPU binds a shared Dispatcher to the VCPU index that issues SMC
// calls through it, implementing fault.SMCHandler.
type PerVCPU struct {
	d    *Dispatcher
	self int
}

// Dispatch implements fault.SMCHandler: decode the function ID and
// arguments from x0-x3, run the handler, write the result back to x0,
// and report whether the calling VCPU must halt afterward (true only
// for a successful CPU_OFF, spec.md §4.H "the scheduler must not run
// it").
func (p *PerVCPU) Dispatch(vc *vcpu.VcpuContext) bool {
	funcID := uint32(vc.GPRegs[0])
	a1, a2, a3 := vc.GPRegs[1], vc.GPRegs[2], vc.GPRegs[3]

	result, halt := p.d.dispatch(funcID, a1, a2, a3, p.self)
	vc.GPRegs[0] = uint64(result)

	return halt
}

func (d *Dispatcher) dispatch(funcID uint32, a1, a2, a3 uint64, self int) (result int64, halt bool) {
	switch funcID {
	case FuncPSCIVersion:
		return advertisedVersion, false
	case FuncCPUSuspend32, FuncCPUSuspend64:
		return Success, false // treated as WFI, spec.md §4.H
	case FuncCPUOff:
		return d.cpuOff(self), true
	case FuncCPUOn32, FuncCPUOn64:
		return d.cpuOn(a1, a2, a3), false
	case FuncAffinityInfo32, FuncAffinityInfo64:
		return d.affinityInfo(a1), false
	case FuncSystemOff:
		d.sink.SystemOff(d.vm)
		return Success, false
	case FuncSystemReset:
		d.sink.SystemReset(d.vm)
		return Success, false
	case FuncPSCIFeatures:
		return d.features(uint32(a1)), false
	case FuncMigrate32, FuncMigrate64, FuncMigrateInfoType, FuncMigrateInfoUpCPU32, FuncMigrateInfoUpCPU64:
		return NotSupported, false // migration is a non-goal, spec.md §1
	default:
		d.logger.Printf("psci: unhandled function ID %#x", funcID)
		return NotSupported, false
	}
}

func (d *Dispatcher) findByMPIDR(mpidr uint64) *VCPU {
	d.mu.Lock()
	defer d.mu.Unlock()

	for _, v := range d.vcpus {
		if v.MPIDR == mpidr {
			return v
		}
	}

	return nil
}

// cpuOn implements spec.md §4.H CPU_ON and §8 property 8 (idempotence):
// locate the target VCPU, check its power state, set entry point, mark
// OnPending, wake the scheduler.
func (d *Dispatcher) cpuOn(targetMPIDR, entry, ctx uint64) int64 {
	target := d.findByMPIDR(targetMPIDR)
	if target == nil {
		return InvalidParams
	}

	target.mu.Lock()
	defer target.mu.Unlock()

	switch target.State {
	case On:
		return AlreadyOn
	case OnPending:
		return OnPendingErr
	}

	target.State = OnPending
	target.EntryPoint = entry
	target.ContextID = ctx

	if d.sched != nil {
		d.sched.Wake(sched.VcpuID(target.index))
	}

	return Success
}

// cpuOff implements spec.md §4.H CPU_OFF: mark the calling VCPU Off so
// the scheduler never runs it again until a CPU_ON retargets it.
func (d *Dispatcher) cpuOff(self int) int64 {
	v := d.vcpus[self]
	v.mu.Lock()
	v.State = Off
	v.mu.Unlock()

	return Success
}

// affinityInfo implements spec.md §4.H AFFINITY_INFO, returning the PSCI
// wire encoding of power state: 0=On, 1=Off, 2=OnPending.
func (d *Dispatcher) affinityInfo(targetMPIDR uint64) int64 {
	target := d.findByMPIDR(targetMPIDR)
	if target == nil {
		return InvalidParams
	}

	target.mu.Lock()
	defer target.mu.Unlock()

	switch target.State {
	case On:
		return 0
	case Off:
		return 1
	case OnPending:
		return 2
	default:
		return InvalidParams
	}
}

// supportedFeatures is the closed set of function IDs PSCI_FEATURES
// reports as implemented.
var supportedFeatures = map[uint32]bool{
	FuncPSCIVersion:     true,
	FuncCPUSuspend32:    true,
	FuncCPUSuspend64:    true,
	FuncCPUOff:          true,
	FuncCPUOn32:         true,
	FuncCPUOn64:         true,
	FuncAffinityInfo32:  true,
	FuncAffinityInfo64:  true,
	FuncSystemOff:       true,
	FuncSystemReset:     true,
	FuncPSCIFeatures:    true,
}

// features implements PSCI_FEATURES (SPEC_FULL.md §4.H "added here
// because a conformant PSCI client probes it before calling anything
// else"): Success with no extra feature flags for a recognized function,
// NotSupported otherwise.
func (d *Dispatcher) features(funcID uint32) int64 {
	if supportedFeatures[funcID] {
		return Success
	}

	return NotSupported
}
