package sysreg

// CNTHCTL is the Counter-timer Hypervisor Control Register, CNTHCTL_EL2:
// the trap-policy bit for the physical timer (spec.md §4.G).
type CNTHCTL struct {
	raw uint64
}

var (
	cnthctlEL1PCTEN = field{0, 0}
	cnthctlEL1PCEN  = field{1, 1} // 0 = trap CNTP_* accesses from EL1
)

func NewCNTHCTL(raw uint64) CNTHCTL { return CNTHCTL{raw: raw} }

func (r *CNTHCTL) Read() uint64   { return r.raw }
func (r *CNTHCTL) Write(v uint64) { r.raw = v }

// TrapPhysicalTimer reports whether CNTP_* accesses from the guest
// currently trap to EL2.
func (r *CNTHCTL) TrapPhysicalTimer() bool { return !cnthctlEL1PCEN.getBool(r.raw) }

// SetTrapPhysicalTimer sets the EL1PCEN bit so that trap==true means guest
// CNTP_* accesses fault into the hypervisor.
func (r *CNTHCTL) SetTrapPhysicalTimer(trap bool) {
	r.raw = cnthctlEL1PCEN.setBool(r.raw, !trap)
	r.raw = cnthctlEL1PCTEN.setBool(r.raw, !trap)
}

// CNTVOFF is the Counter-timer Virtual Offset Register, CNTVOFF_EL2: the
// per-VM value subtracted from the physical counter to produce the value
// the guest observes as its virtual counter (spec.md §4.G).
type CNTVOFF struct {
	raw uint64
}

func (r *CNTVOFF) Read() uint64   { return r.raw }
func (r *CNTVOFF) Write(v uint64) { r.raw = v }

// CNTVCtl is the guest-visible CNTV_CTL_EL0: enable and mask bits for the
// virtual timer, part of per-VCPU context (spec.md §3 VcpuContext "timer
// state").
type CNTVCtl struct {
	raw uint64
}

var (
	cntvEnable = field{0, 0}
	cntvMask   = field{1, 1}
	cntvISTATUS = field{2, 2}
)

func NewCNTVCtl(raw uint64) CNTVCtl { return CNTVCtl{raw: raw} }

func (r *CNTVCtl) Read() uint64    { return r.raw }
func (r *CNTVCtl) Write(v uint64)  { r.raw = v }
func (r *CNTVCtl) Enabled() bool   { return cntvEnable.getBool(r.raw) }
func (r *CNTVCtl) Masked() bool    { return cntvMask.getBool(r.raw) }
func (r *CNTVCtl) SetEnabled(v bool) {
	r.raw = cntvEnable.setBool(r.raw, v)
}
func (r *CNTVCtl) SetMasked(v bool) {
	r.raw = cntvMask.setBool(r.raw, v)
}
func (r *CNTVCtl) SetISTATUS(v bool) {
	r.raw = cntvISTATUS.setBool(r.raw, v)
}
