package vcpu

// SimBackend is a software model of Backend for the simulation harness
// and unit tests: instead of real ERET/trap hardware, Enter consumes one
// queued ExitInfo, synthesizing plausible entry-echoing fields (GPRegs,
// SP, PC, PSTATE, EL1 bank) when the queued entry leaves them zero, the
// way the teacher's LinuxGuest.RunOnce loop is driven by mocked KVM exit
// reasons in its own tests.
type SimBackend struct {
	Queue []ExitInfo

	// Recorded calls, for assertions.
	StageVTTBR, StageVTCR     uint64
	TrapHCR, TrapCPTR, TrapHSTR uint64
	RestoredEL1               EL1Bank
	RestoredFP                *FPState
	RestoredCNTVOFF           uint64
	RestoredCNTVCtl           uint64
	RestoredCNTVCval          uint64
	RestoredVGIC              VGICState
	Entered                   bool
	SwitchedToHostTraps       bool
}

func (s *SimBackend) ProgramStage2(vttbr, vtcr uint64) {
	s.StageVTTBR, s.StageVTCR = vttbr, vtcr
}

func (s *SimBackend) ProgramTraps(hcr, cptr, hstr uint64) {
	s.TrapHCR, s.TrapCPTR, s.TrapHSTR = hcr, cptr, hstr
}

func (s *SimBackend) RestoreEL1(bank EL1Bank) { s.RestoredEL1 = bank }

func (s *SimBackend) RestoreFP(fp FPState) {
	cp := fp
	s.RestoredFP = &cp
}

func (s *SimBackend) RestoreTimer(cntvoff, cntvCtl, cntvCval uint64) {
	s.RestoredCNTVOFF, s.RestoredCNTVCtl, s.RestoredCNTVCval = cntvoff, cntvCtl, cntvCval
}

func (s *SimBackend) RestoreVGIC(v VGICState) { s.RestoredVGIC = v }

func (s *SimBackend) Enter(gprs [31]uint64, sp, elr, spsr uint64) ExitInfo {
	s.Entered = true

	if len(s.Queue) == 0 {
		return ExitInfo{GPRegs: gprs, SP: sp, PC: elr, PSTATE: spsr}
	}

	info := s.Queue[0]
	s.Queue = s.Queue[1:]

	if info.GPRegs == ([31]uint64{}) {
		info.GPRegs = gprs
	}

	if info.SP == 0 {
		info.SP = sp
	}

	if info.PC == 0 {
		info.PC = elr
	}

	if info.PSTATE == 0 {
		info.PSTATE = spsr
	}

	if info.EL1 == (EL1Bank{}) {
		info.EL1 = s.RestoredEL1
	}

	if info.VGIC == (VGICState{}) {
		info.VGIC = s.RestoredVGIC
	}

	return info
}

func (s *SimBackend) SwitchToHostTraps() { s.SwitchedToHostTraps = true }
