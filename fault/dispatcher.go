// Package fault implements the guest-exit dispatcher (spec.md §4.E):
// decode ESR_EL2.EC and fan out to the right subsystem. It implements
// vcpu.ExitHandler, so a vcpu.RunOnce call drives straight into HandleExit
// without the world-switch package needing to know about sysreg
// emulation, Stage-2 faults, VGIC, or PSCI.
//
// The fan-out table is grounded on the teacher's LinuxGuest.RunOnce
// switch-on-KVM-exit-reason loop (kvm/kvm.go), generalized from a
// closed set of KVM_EXIT_* constants to a closed set of ESR_EL2.EC
// values.
package fault

import (
	"log"

	"github.com/ferrovisor/ferrovisor/stage2"
	"github.com/ferrovisor/ferrovisor/sysreg"
	"github.com/ferrovisor/ferrovisor/sysregemu"
	"github.com/ferrovisor/ferrovisor/vcpu"
)

// StageAborts is the Stage-2 surface a fault Dispatcher needs to classify
// and (optionally, via Resolver) fix up aborts (spec.md §4.E Stage-2
// abort handling).
type StageAborts interface {
	ClassifyFault(ipa uint64, write bool) stage2.FaultKind
}

// Resolver is an optional demand-fixup hook: given a faulting IPA and
// access direction, it attempts to install a mapping and reports whether
// the fault is now resolved (spec.md §4.E "try resolve (populate mapping
// if the IPA is expected), else inject"). A nil Resolver means every
// recoverable Stage-2 fault is injected rather than fixed up in place,
// which is still spec-compliant (pure policy choice left to the VM
// lifecycle layer).
type Resolver interface {
	Resolve(ipa uint64, write bool) bool
}

// ICCHandler lets package vgic claim ICC_* system-register traps before
// they reach the general sysregemu table (spec.md §4.D "GIC CPU interface
// system registers ... handled by §4.F").
type ICCHandler interface {
	IsICCEncoding(iss sysreg.MSRMRSISS) bool
	HandleICC(vc *vcpu.VcpuContext, iss sysreg.MSRMRSISS) sysregemu.Result
}

// SMCHandler dispatches SMC/HVC traps to the PSCI gateway (spec.md §4.H).
// Implementations write return values directly into vc.GPRegs and report
// whether the calling VCPU must halt afterward (PSCI CPU_OFF).
type SMCHandler interface {
	Dispatch(vc *vcpu.VcpuContext) (halt bool)
}

// WFIPolicy decides what a trapped WFI/WFE should do (spec.md §4.E "Either
// NOP-return, pass-through, or yield-to-scheduler per policy").
type WFIPolicy interface {
	HandleWFI(vc *vcpu.VcpuContext) vcpu.Resolution
}

// Dispatcher implements vcpu.ExitHandler for one VM's VCPUs, wired to the
// collaborators that actually know how to resolve each exit category.
type Dispatcher struct {
	Sysregs *sysregemu.Dispatcher
	Stage   StageAborts
	Resolve Resolver // optional
	ICC     ICCHandler
	SMC     SMCHandler
	WFI     WFIPolicy
	Instr   InstrFetch // optional, see decode.go
	Logger  *log.Logger
}

// HandleExit implements vcpu.ExitHandler.
func (d *Dispatcher) HandleExit(vc *vcpu.VcpuContext, info vcpu.ExitInfo) vcpu.Resolution {
	esr := sysreg.NewESR(info.ESR)

	switch esr.EC() {
	case sysreg.ECMSRMRSSystem:
		return d.handleMSRMRS(vc, esr)
	case sysreg.ECMCRMRCCP15:
		return d.handleCP15(vc, esr)
	case sysreg.ECFPSIMDAccess:
		return d.handleFPFirstUse(vc)
	case sysreg.ECHVC64, sysreg.ECHVC32:
		return d.handleSMC(vc) // HVC reuses the same PSCI/hypercall surface
	case sysreg.ECSMC64, sysreg.ECSMC32:
		return d.handleSMC(vc)
	case sysreg.ECInstrAbortLowerEL:
		return d.handleStage2Abort(vc, esr, info.FAR, false, true)
	case sysreg.ECDataAbortLowerEL:
		abort := sysreg.DecodeAbortISS(esr.ISS())

		if !abort.ISV {
			d.logDecodedMMIO(vc)
		}

		return d.handleStage2Abort(vc, esr, info.FAR, abort.WnR, false)
	case sysreg.ECWFIWFE:
		if d.WFI != nil {
			return d.WFI.HandleWFI(vc)
		}

		return vcpu.Resume
	default:
		return d.injectUndefined(vc)
	}
}

func (d *Dispatcher) handleMSRMRS(vc *vcpu.VcpuContext, esr sysreg.ESR) vcpu.Resolution {
	iss := sysreg.DecodeMSRMRSISS(esr.ISS())

	if d.ICC != nil && d.ICC.IsICCEncoding(iss) {
		if res := d.ICC.HandleICC(vc, iss); res == sysregemu.Unimplemented {
			return d.injectUndefined(vc)
		}

		return vcpu.Resume
	}

	if sysregemu.IsCacheMaintenanceSys(iss) {
		return vcpu.Resume // architecturally a no-op, spec.md §4.D
	}

	res := d.Sysregs.Dispatch(vc, iss)
	if res == sysregemu.Unimplemented {
		return d.injectUndefined(vc)
	}

	return vcpu.Resume
}

func (d *Dispatcher) handleCP15(vc *vcpu.VcpuContext, esr sysreg.ESR) vcpu.Resolution {
	iss := sysreg.DecodeCP15ISS(esr.ISS())

	if sysregemu.IsCacheMaintenance(iss) {
		return vcpu.Resume
	}

	res := d.Sysregs.DispatchCP15(vc, iss)
	if res == sysregemu.Unimplemented {
		return d.injectUndefined(vc)
	}

	return vcpu.Resume
}

// handleFPFirstUse implements the lazy-FP trap (spec.md §4.E EC
// 0b000111): clear CPTR.TFP and mark the VCPU Active so the next
// vcpu.RunOnce entry restores FP state; the actual FP register save/
// restore happens in the world-switch sequence, not here.
func (d *Dispatcher) handleFPFirstUse(vc *vcpu.VcpuContext) vcpu.Resolution {
	vc.CPTR.SetTFP(false)
	vc.Lazy = vcpu.Active

	return vcpu.Resume
}

func (d *Dispatcher) handleSMC(vc *vcpu.VcpuContext) vcpu.Resolution {
	if d.SMC == nil {
		return d.injectUndefined(vc)
	}

	if d.SMC.Dispatch(vc) {
		return vcpu.Halt
	}

	return vcpu.Resume
}

// handleStage2Abort implements spec.md §4.E's Stage-2 abort row for both
// instruction and data aborts: classify the fault, optionally try to
// resolve it, and either resume or inject a synthesized EL1 abort.
func (d *Dispatcher) handleStage2Abort(vc *vcpu.VcpuContext, esr sysreg.ESR, far uint64, write, instruction bool) vcpu.Resolution {
	ipa := far // HPFAR supplies the page-aligned IPA bits in real hardware;
	// FAR/HPFAR composition is a backend concern, so the Backend is
	// expected to have already folded them into ExitInfo.FAR for this
	// dispatcher (see vcpu.ExitInfo.FAR doc).

	kind := d.Stage.ClassifyFault(ipa, write)

	if !recoverable(kind) {
		return d.injectAbort(vc, esr, far, instruction)
	}

	if d.Resolve != nil && d.Resolve.Resolve(ipa, write) {
		return vcpu.Resume
	}

	return d.injectAbort(vc, esr, far, instruction)
}

// recoverable reports whether kind is one of the fault kinds spec.md §4.E
// lists as recoverable: "{Translation, AccessFlag, Permission, Alignment,
// TlbConflict, HardwareUpdateAF, HardwareUpdateDirty}". This
// implementation's stage2.FaultKind does not distinguish TlbConflict or
// the hardware-managed AF/dirty-bit cases (buildLeaf always pre-sets AF
// in software, so they cannot occur here). Every other kind, AddressSize
// and Unknown included, is not recoverable.
func recoverable(kind stage2.FaultKind) bool {
	switch kind {
	case stage2.FaultTranslationMissing, stage2.FaultAccessFlagMissing, stage2.FaultPermissionDenied:
		return true
	default:
		return false
	}
}

// injectAbort synthesizes ESR_EL1/FAR_EL1 for an unresolved Stage-2
// abort and stores them in the VCPU's EL1 bank for the next entry to
// observe (spec.md §4.E "prepare an injected abort with ESR_EL1 and
// FAR_EL1 synthesized from the trap").
func (d *Dispatcher) injectAbort(vc *vcpu.VcpuContext, esr sysreg.ESR, far uint64, instruction bool) vcpu.Resolution {
	ec := sysreg.ECDataAbortSameEL
	if instruction {
		ec = sysreg.ECInstrAbortSameEL
	}

	vc.EL1.ESR = sysreg.BuildESR(ec, esr.ISS())
	vc.EL1.FAR = far

	return vcpu.InjectAndResume
}

// logDecodedMMIO decodes the guest instruction at vc.PC and logs the
// access it recovers, for an ISV-clear Stage-2 data abort (spec.md §4.E
// "ISV clear ... decode the guest instruction at the faulting PC"). Best
// effort only: a nil Instr collaborator, a fetch failure, or an
// unrecognized opcode just mean nothing gets logged.
func (d *Dispatcher) logDecodedMMIO(vc *vcpu.VcpuContext) {
	if d.Instr == nil || d.Logger == nil {
		return
	}

	word, err := d.Instr.FetchInstruction(vc.PC)
	if err != nil {
		return
	}

	access, err := decodeMMIOAccess(word)
	if err != nil {
		return
	}

	d.Logger.Printf("fault: ISV-clear data abort at pc=%#x decoded as %d-byte %s via x%d",
		vc.PC, access.Size, writeOrRead(access.Write), access.Reg)
}

func writeOrRead(write bool) string {
	if write {
		return "store"
	}

	return "load"
}

func (d *Dispatcher) injectUndefined(vc *vcpu.VcpuContext) vcpu.Resolution {
	vc.EL1.ESR = sysreg.BuildESR(sysreg.ECUnknown, 0)

	if d.Logger != nil {
		d.Logger.Printf("fault: injecting undefined instruction exception")
	}

	return vcpu.InjectAndResume
}
