package vcpu

// Resolution is what the exit dispatcher decides to do with a guest exit
// (spec.md §7 "fault handlers return a small Resolution enum").
type Resolution int

const (
	// Resume re-enters the same guest immediately.
	Resume Resolution = iota
	// InjectAndResume means an exception was synthesized into the
	// guest's EL1 state and the guest should be re-entered to take it.
	InjectAndResume
	// Yield means the handler asked to give up the pCPU (WFI/WFE),
	// returning to the scheduler rather than re-entering immediately.
	Yield
	// Halt means the VM cannot continue; the caller must tear it down.
	Halt
)

func (r Resolution) String() string {
	switch r {
	case Resume:
		return "Resume"
	case InjectAndResume:
		return "InjectAndResume"
	case Yield:
		return "Yield"
	case Halt:
		return "Halt"
	default:
		return "unknown"
	}
}

// ExitHandler dispatches one guest exit and decides how to proceed
// (spec.md §4.E). It is implemented by package fault; vcpu only depends
// on this narrow interface to avoid an import cycle between the
// world-switch loop and the exit dispatcher that inspects its state.
type ExitHandler interface {
	HandleExit(vc *VcpuContext, info ExitInfo) Resolution
}

// RunOnce performs exactly one world switch: entry sequence, one guest
// execution interval, exit sequence, and exit dispatch (spec.md §4.C
// entry/exit sequences in full).
func RunOnce(vc *VcpuContext, hw Backend, handler ExitHandler) Resolution {
	hw.ProgramStage2(vc.VTTBR.Read(), vc.VTCR.Read())
	hw.ProgramTraps(vc.HCR.Read(), vc.CPTR.Read(), vc.HSTR.Read())
	hw.RestoreEL1(vc.EL1)

	if vc.Lazy == Active || vc.Lazy == Dirty {
		hw.RestoreFP(vc.FP)
	}

	hw.RestoreTimer(vc.Timer.CNTVOFF, vc.Timer.CNTVCtl, vc.Timer.CNTVCVAL)
	hw.RestoreVGIC(vc.VGIC)

	info := hw.Enter(vc.GPRegs, vc.SP, vc.PC, vc.PSTATE)

	vc.GPRegs = info.GPRegs
	vc.SP = info.SP
	vc.PC = info.PC
	vc.PSTATE = info.PSTATE
	vc.EL1 = info.EL1
	vc.VGIC = info.VGIC

	if info.FPDirty {
		vc.FP = info.FP
		vc.Lazy = Clean
		vc.CPTR.SetTFP(true)
	}

	hw.SwitchToHostTraps()

	return handler.HandleExit(vc, info)
}
