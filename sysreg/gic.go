package sysreg

// ICH_LR is one GICv3 hypervisor-interface list register, ICH_LR<n>_EL2 --
// the hardware slot that holds one pending/active virtual interrupt
// (spec.md §4.F, GLOSSARY "LR"). GICv2 exposes an analogous, narrower
// layout via the memory-mapped GICH_LR<n>; ListRegisterCodec in package
// vgic translates between the architectural LR value and the
// version-specific encoding, but both encode the same logical fields this
// type exposes.
type ICHLR struct {
	raw uint64
}

var (
	lrVINTID   = field{31, 0}
	lrPINTID   = field{41, 32} // physical INTID, valid only when HW=1
	lrPriority = field{55, 48}
	lrGroup    = field{60, 60}
	lrHW       = field{61, 61}
	lrState    = field{63, 62}
	lrEOI      = field{41, 41} // GICv2-only maintenance-interrupt-on-EOI bit alias
)

// List-register State field encodings.
const (
	LRStateInactive       = 0b00
	LRStatePending        = 0b01
	LRStateActive         = 0b10
	LRStateActivePending  = 0b11
)

func NewICHLR(raw uint64) ICHLR { return ICHLR{raw: raw} }
func (r ICHLR) Read() uint64    { return r.raw }

func (r ICHLR) VINTID() uint32   { return uint32(lrVINTID.get(r.raw)) }
func (r ICHLR) PINTID() uint32   { return uint32(lrPINTID.get(r.raw)) }
func (r ICHLR) Priority() uint8  { return uint8(lrPriority.get(r.raw)) }
func (r ICHLR) Group() uint8     { return uint8(lrGroup.get(r.raw)) }
func (r ICHLR) HW() bool         { return lrHW.getBool(r.raw) }
func (r ICHLR) State() uint8     { return uint8(lrState.get(r.raw)) }
func (r ICHLR) Pending() bool {
	s := r.State()
	return s == LRStatePending || s == LRStateActivePending
}
func (r ICHLR) Active() bool {
	s := r.State()
	return s == LRStateActive || s == LRStateActivePending
}

// BuildICHLR assembles a list-register value for injection (spec.md
// §4.F inject): vIRQ, priority, group, and state=pending always; pIRQ and
// hw select whether the HW bit and physical INTID field are populated.
func BuildICHLR(vIRQ uint32, priority uint8, group uint8, hw bool, pIRQ uint32) ICHLR {
	var raw uint64
	raw = lrVINTID.set(raw, uint64(vIRQ))
	raw = lrPriority.set(raw, uint64(priority))
	raw = lrGroup.set(raw, uint64(group))
	raw = lrState.set(raw, LRStatePending)

	if hw {
		raw = lrHW.set(raw, 1)
		raw = lrPINTID.set(raw, uint64(pIRQ))
	}

	return ICHLR{raw: raw}
}

// WithState returns a copy of r with its State field replaced.
func (r ICHLR) WithState(state uint8) ICHLR {
	r.raw = lrState.set(r.raw, uint64(state))
	return r
}

// ICHHCR is the Hypervisor Control Register, ICH_HCR_EL2: enables the
// virtual CPU interface and the underflow maintenance interrupt used when
// inject has no free list register (spec.md §4.F inject).
type ICHHCR struct {
	raw uint64
}

var (
	ichhcrEn   = field{0, 0}
	ichhcrUIE  = field{1, 1} // underflow interrupt enable
	ichhcrLRENPIE = field{2, 2}
	ichhcrNPIE = field{3, 3}
	ichhcrVGrp0EIE = field{4, 4}
	ichhcrEOIcount = field{31, 27}
)

func NewICHHCR(raw uint64) ICHHCR { return ICHHCR{raw: raw} }

func (r *ICHHCR) Read() uint64      { return r.raw }
func (r *ICHHCR) Write(v uint64)    { r.raw = v }
func (r *ICHHCR) SetEn(v bool)      { r.raw = ichhcrEn.setBool(r.raw, v) }
func (r *ICHHCR) SetUIE(v bool)     { r.raw = ichhcrUIE.setBool(r.raw, v) }
func (r *ICHHCR) UIE() bool         { return ichhcrUIE.getBool(r.raw) }
func (r *ICHHCR) EOICount() uint8   { return uint8(ichhcrEOIcount.get(r.raw)) }

// ICHVMCR is the Virtual Machine Control Register, ICH_VMCR_EL2: the
// guest-visible priority mask and binary-point registers, part of
// per-VCPU VGIC state saved/restored around entry/exit (spec.md §4.F "On
// VCPU entry: restore ... VMCR_vgic").
type ICHVMCR struct {
	raw uint64
}

func NewICHVMCR(raw uint64) ICHVMCR { return ICHVMCR{raw: raw} }

func (r *ICHVMCR) Read() uint64   { return r.raw }
func (r *ICHVMCR) Write(v uint64) { r.raw = v }

// ICCSRE is ICC_SRE_EL2: enables the system-register CPU interface so the
// guest can use ICC_* instructions instead of MMIO.
type ICCSRE struct {
	raw uint64
}

var iccsreSRE = field{0, 0}

func (r *ICCSRE) Read() uint64  { return r.raw }
func (r *ICCSRE) Write(v uint64) { r.raw = v }
func (r *ICCSRE) SetSRE(v bool) { r.raw = iccsreSRE.setBool(r.raw, v) }
