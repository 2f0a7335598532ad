// Package vcpu defines the per-VCPU guest register file and the
// world-switch sequence that turns a host execution context into a guest
// one and back (spec.md §4.C). The save/restore choreography is grounded
// on the teacher's Machine.RunOnce switch-on-exit-reason loop
// (machine/machine.go, kvm/kvm.go LinuxGuest.RunOnce), generalized from
// "one ioctl that runs the guest until KVM_EXIT_*" to "one hardware
// backend call that runs the guest until an EL2 exception".
package vcpu

import "github.com/ferrovisor/ferrovisor/sysreg"

// FPState is the full ARMv8 FP/SIMD register file: 32 128-bit V registers
// plus the two FP control/status registers (spec.md §3 VcpuContext).
type FPState struct {
	V    [32][2]uint64
	FPCR uint32
	FPSR uint32
}

// LazyState is the lazy-FPU state machine attached to each VCPU (spec.md
// §3 "Lazy-FPU state machine: {Clean, Active, Dirty}").
type LazyState int

const (
	// Clean means the guest has not touched FP/SIMD since the last
	// restore point; CPTR.TFP stays set so first use traps.
	Clean LazyState = iota
	// Active means the guest's FP state is loaded and CPTR.TFP is clear.
	Active
	// Dirty means the guest used FP/SIMD and the saved state must be
	// written back to the VcpuContext on the next exit.
	Dirty
)

func (s LazyState) String() string {
	switch s {
	case Clean:
		return "Clean"
	case Active:
		return "Active"
	case Dirty:
		return "Dirty"
	default:
		return "unknown"
	}
}

// EL1Bank is the saved EL1 system-register bank (spec.md §3 VcpuContext
// bullet 3).
type EL1Bank struct {
	SCTLR      sysreg.SCTLR
	TTBR0      uint64
	TTBR1      uint64
	TCR        uint64
	MAIR       uint64
	AMAIR      uint64
	VBAR       uint64
	ESR        uint64
	FAR        uint64
	PAR        uint64
	CONTEXTIDR uint64
	TPIDR0     uint64 // TPIDR_EL0
	TPIDRRO    uint64 // TPIDRRO_EL0
	TPIDR1     uint64 // TPIDR_EL1
	CPACR      sysreg.CPACR
	ACTLR      uint64
}

// AArch32Shadow holds the extra banked state needed only when the guest
// runs (or may run) in AArch32 mode (spec.md §9 "AArch32 guest support").
// It is nil on VcpuContext until the guest is first observed executing
// AArch32 code, matching the spec's "activated when the guest's SPSR
// indicates AArch32 mode".
type AArch32Shadow struct {
	SPSRabt uint32
	SPSRund uint32
	SPSRirq uint32
	SPSRfiq uint32
	DACR32  uint32
	IFSR32  uint32
	FPEXC32 uint32
	TEECR   uint32
	TEEHBR  uint32
}

// VGICState is the per-VCPU virtual interrupt controller shadow
// (spec.md §3 VcpuContext bullet 5); concretely a vgic.Shadow, kept here
// as an opaque value to avoid vcpu depending on vgic's internals beyond
// this storage slot.
type VGICState struct {
	// HCR, VMCR, and APR mirror the architectural hypervisor-interface
	// control registers saved/restored around entry/exit (spec.md §4.F).
	HCR  uint64
	VMCR uint64
	APR  uint32
	// LR holds the shadow copy of every hardware list register; only the
	// first NumLR entries are meaningful.
	LR    [16]uint64
	Used  uint32 // bitmap, bit i set iff LR[i] holds a live interrupt
	NumLR int
}

// TimerState is the per-VCPU virtual timer context (spec.md §3 VcpuContext
// bullet 6, §4.G).
type TimerState struct {
	CNTVOFF uint64
	CNTVCtl uint64
	CNTVCVAL uint64
}

// VcpuContext is the complete per-VCPU state (spec.md §3 VcpuContext).
// It is mutated only by its owning pCPU during the exit handler, or by
// another pCPU while the VCPU is not running and under Lock/Unlock
// (spec.md §3 Lifecycle).
type VcpuContext struct {
	mustExit uint32 // written via atomic ops only; see RequestExit/ClearExit

	GPRegs [31]uint64
	SP     uint64
	PC     uint64 // ELR_EL2 on exit, entry PC on entry
	PSTATE uint64 // SPSR_EL2

	FP    FPState
	Lazy  LazyState
	EL1   EL1Bank
	AArch32 *AArch32Shadow

	HCR   sysreg.HCR
	CPTR  sysreg.CPTR
	HSTR  sysreg.HSTR
	VTCR  sysreg.VTCR
	VTTBR sysreg.VTTBR

	VGIC  VGICState
	Timer TimerState
}

// New returns a VcpuContext with CPTR.TFP set so the first FP/SIMD
// instruction traps (spec.md §4.C entry step 5 "otherwise leave CPTR.TFP
// set").
func New() *VcpuContext {
	vc := &VcpuContext{}
	vc.CPTR = sysreg.DefaultCPTR()
	vc.Lazy = Clean

	return vc
}
