package vcpu

// ExitInfo is what the hardware (or simulated) backend hands back once a
// guest exception returns control to EL2 (spec.md §4.C Exit sequence
// steps 1-4, already performed by the backend by the time RunOnce sees
// this value).
type ExitInfo struct {
	ESR    uint64
	FAR    uint64
	HPFAR  uint64
	GPRegs [31]uint64
	SP     uint64
	PC     uint64 // ELR_EL1/EL2 observed at exit
	PSTATE uint64
	EL1    EL1Bank
	// FPDirty reports whether CPTR.TFP was clear at exit time, meaning
	// the guest used FP/SIMD and its state must be saved (spec.md §4.C
	// exit step 4).
	FPDirty bool
	FP      FPState
	// VGIC is the list-register/HCR/VMCR/APR state the backend saved back
	// from the hardware GIC virtual CPU interface on exit (spec.md §4.F
	// "On exit: save them back").
	VGIC VGICState
}

// Backend is the hardware (or simulated) surface RunOnce drives to
// perform one guest entry/exit cycle. A real implementation programs the
// named EL2 system registers directly and executes ERET; SimBackend
// below is a software model used by tests and the simulation harness.
type Backend interface {
	// ProgramStage2 writes VTTBR_EL2 and VTCR_EL2 (entry step 2).
	ProgramStage2(vttbr, vtcr uint64)
	// ProgramTraps writes HCR_EL2, CPTR_EL2, and HSTR_EL2 (entry step 3).
	ProgramTraps(hcr, cptr, hstr uint64)
	// RestoreEL1 writes the guest EL1 system-register bank (entry step 4).
	RestoreEL1(EL1Bank)
	// RestoreFP restores FP/SIMD state; only called when Lazy is Active
	// or Dirty (entry step 5).
	RestoreFP(FPState)
	// RestoreTimer writes CNTVOFF_EL2 and the guest's CNTV_CTL/CNTV_CVAL
	// (entry step 6).
	RestoreTimer(cntvoff, cntvCtl, cntvCval uint64)
	// RestoreVGIC writes ICH_HCR_EL2, ICH_VMCR_EL2, the APR, and the
	// list-register file from the per-VCPU shadow (spec.md §4.F "On VCPU
	// entry: restore HCR_vgic, VMCR_vgic, APR, and the list-register
	// file").
	RestoreVGIC(VGICState)
	// Enter restores general-purpose registers, sets ELR/SPSR, and
	// executes ERET, then blocks until the next EL2 exception and
	// returns the exit state (entry steps 7-8, exit steps 1-4).
	Enter(gprs [31]uint64, sp, elr, spsr uint64) ExitInfo
	// SwitchToHostTraps reprograms HCR_EL2 so EL2 itself runs under host
	// trap configuration (exit step 5).
	SwitchToHostTraps()
}
