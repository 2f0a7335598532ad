package sysreg

// HCR is the Hypervisor Configuration Register, HCR_EL2. It is programmed
// once per VCPU entry (spec.md §4.C step 3): virtual-memory enable, IRQ/FIQ/
// SError routing to EL2, and WFI/WFE trapping all live here.
type HCR struct {
	raw uint64
}

// Field layout, ARMv8-A Architecture Reference Manual, HCR_EL2.
var (
	hcrVM   = field{0, 0}
	hcrSWIO = field{1, 1}
	hcrPTW  = field{2, 2}
	hcrFMO  = field{3, 3} // route physical FIQ to EL2
	hcrIMO  = field{4, 4} // route physical IRQ to EL2
	hcrAMO  = field{5, 5} // route physical SError to EL2
	hcrVF   = field{6, 6}
	hcrVI   = field{7, 7}
	hcrVSE  = field{8, 8}
	hcrFB   = field{9, 9}
	hcrBSU  = field{11, 10}
	hcrDC   = field{12, 12}
	hcrTWI  = field{13, 13} // trap WFI
	hcrTWE  = field{14, 14} // trap WFE
	hcrTID0 = field{15, 15}
	hcrTID1 = field{16, 16}
	hcrTID2 = field{17, 17}
	hcrTID3 = field{18, 18}
	hcrTSC  = field{19, 19} // trap SMC
	hcrTIDCP = field{20, 20}
	hcrTACR = field{21, 21}
	hcrTSW  = field{22, 22}
	hcrTPCP = field{23, 23}
	hcrTPU  = field{24, 24}
	hcrTTLB = field{25, 25}
	hcrTVM  = field{26, 26}
	hcrTGE  = field{27, 27}
	hcrTDZ  = field{28, 28}
	hcrHCD  = field{29, 29}
	hcrTRVM = field{30, 30}
	hcrRW   = field{31, 31} // guest execution state: 1=AArch64, 0=AArch32
	hcrCD   = field{32, 32}
	hcrID   = field{33, 33}
	hcrE2H  = field{34, 34}
	hcrTLOR = field{35, 35}
	hcrTERR = field{36, 36}
	hcrTEA  = field{37, 37}
	hcrMIOCNCE = field{38, 38}
	hcrAPK  = field{40, 40}
	hcrAPI  = field{41, 41}
)

func (r *HCR) Read() uint64      { return r.raw }
func (r *HCR) Write(v uint64)    { r.raw = v }

func (r *HCR) VM() bool         { return hcrVM.getBool(r.raw) }
func (r *HCR) SetVM(v bool)     { r.raw = hcrVM.setBool(r.raw, v) }
func (r *HCR) FMO() bool        { return hcrFMO.getBool(r.raw) }
func (r *HCR) SetFMO(v bool)    { r.raw = hcrFMO.setBool(r.raw, v) }
func (r *HCR) IMO() bool        { return hcrIMO.getBool(r.raw) }
func (r *HCR) SetIMO(v bool)    { r.raw = hcrIMO.setBool(r.raw, v) }
func (r *HCR) AMO() bool        { return hcrAMO.getBool(r.raw) }
func (r *HCR) SetAMO(v bool)    { r.raw = hcrAMO.setBool(r.raw, v) }
func (r *HCR) VF() bool         { return hcrVF.getBool(r.raw) }
func (r *HCR) SetVF(v bool)     { r.raw = hcrVF.setBool(r.raw, v) }
func (r *HCR) VI() bool         { return hcrVI.getBool(r.raw) }
func (r *HCR) SetVI(v bool)     { r.raw = hcrVI.setBool(r.raw, v) }
func (r *HCR) VSE() bool        { return hcrVSE.getBool(r.raw) }
func (r *HCR) SetVSE(v bool)    { r.raw = hcrVSE.setBool(r.raw, v) }
func (r *HCR) TWI() bool        { return hcrTWI.getBool(r.raw) }
func (r *HCR) SetTWI(v bool)    { r.raw = hcrTWI.setBool(r.raw, v) }
func (r *HCR) TWE() bool        { return hcrTWE.getBool(r.raw) }
func (r *HCR) SetTWE(v bool)    { r.raw = hcrTWE.setBool(r.raw, v) }
func (r *HCR) TSC() bool        { return hcrTSC.getBool(r.raw) }
func (r *HCR) SetTSC(v bool)    { r.raw = hcrTSC.setBool(r.raw, v) }
func (r *HCR) TIDCP() bool      { return hcrTIDCP.getBool(r.raw) }
func (r *HCR) SetTIDCP(v bool)  { r.raw = hcrTIDCP.setBool(r.raw, v) }
func (r *HCR) TVM() bool        { return hcrTVM.getBool(r.raw) }
func (r *HCR) SetTVM(v bool)    { r.raw = hcrTVM.setBool(r.raw, v) }
func (r *HCR) TGE() bool        { return hcrTGE.getBool(r.raw) }
func (r *HCR) SetTGE(v bool)    { r.raw = hcrTGE.setBool(r.raw, v) }
func (r *HCR) RW() bool         { return hcrRW.getBool(r.raw) }
func (r *HCR) SetRW(v bool)     { r.raw = hcrRW.setBool(r.raw, v) }

// DefaultGuestHCR returns the HCR_EL2 value programmed on every VCPU entry
// per spec.md §4.C step 3: Stage-2 enabled, interrupts routed to EL2,
// WFI/WFE trapped, guest running AArch64.
func DefaultGuestHCR(aarch64 bool) HCR {
	var h HCR
	h.SetVM(true)
	h.SetFMO(true)
	h.SetIMO(true)
	h.SetAMO(true)
	h.SetTWI(true)
	h.SetTWE(true)
	h.SetTSC(true)
	h.SetRW(aarch64)

	return h
}
