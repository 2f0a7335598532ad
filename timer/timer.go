// Package timer implements virtual generic-timer emulation (spec.md
// §4.G): the virtual counter is the host physical counter minus a
// per-VM offset, and the virtual timer's compare value/enable bits ride
// along in vcpu.TimerState across every world switch untouched by the
// hypervisor, mirroring how the teacher lets the guest own its own PIT
// once kvm.CreatePIT2 has wired it up (kvm/irq.go).
package timer

import (
	"github.com/ferrovisor/ferrovisor/sysreg"
	"github.com/ferrovisor/ferrovisor/vcpu"
)

// VirtualTimerPPI is the GIC PPI INTID the virtual timer's interrupt is
// wired to, per the Linux arch-timer device-tree binding (PPI 11, i.e.
// GIC INTID 16+11).
const VirtualTimerPPI = 27

// VirtualTimer wraps one VCPU's timer context (spec.md §3 VcpuContext
// "timer state"). It never owns the CNTVOFF/CNTV_CTL/CNTV_CVAL values --
// those live in the vcpu.VcpuContext that crosses the world-switch
// boundary -- it only adds behavior on top.
type VirtualTimer struct {
	state *vcpu.TimerState
}

// New wraps state, a pointer into a live VcpuContext's Timer field.
func New(state *vcpu.TimerState) *VirtualTimer { return &VirtualTimer{state: state} }

// SetOffset installs CNTVOFF_EL2 so the guest's virtual counter reads 0
// at baseHostCount (spec.md §4.G "a per-VM value set so the guest
// observes a monotonic counter from 0 at VM start (or a value chosen at
// resume)").
func (t *VirtualTimer) SetOffset(baseHostCount uint64) {
	t.state.CNTVOFF = baseHostCount
}

// VirtualCount returns the value CNTVCT_EL0 the guest observes, given the
// host's free-running physical counter value (spec.md §4.G "physical
// counter - CNTVOFF_EL2").
func (t *VirtualTimer) VirtualCount(hostPhysical uint64) uint64 {
	return hostPhysical - t.state.CNTVOFF
}

// SetCompare writes CNTV_CVAL (the virtual compare value) directly; the
// guest normally programs this itself, untrapped (spec.md §4.G "The
// virtual timer (CNTV_*) is not trapped").
func (t *VirtualTimer) SetCompare(cval uint64) { t.state.CNTVCVAL = cval }

// Compare returns the current CNTV_CVAL.
func (t *VirtualTimer) Compare() uint64 { return t.state.CNTVCVAL }

func (t *VirtualTimer) ctl() sysreg.CNTVCtl { return sysreg.NewCNTVCtl(t.state.CNTVCtl) }

// Enabled reports CNTV_CTL.ENABLE.
func (t *VirtualTimer) Enabled() bool { c := t.ctl(); return c.Enabled() }

// Masked reports CNTV_CTL.IMASK.
func (t *VirtualTimer) Masked() bool { c := t.ctl(); return c.Masked() }

// ExpiresAt reports whether the virtual timer has already fired as of
// hostNow (the host physical counter value) and, if not, how many host
// counter ticks remain until it would. Used by the simulation harness's
// scheduler to avoid busy-polling a VCPU blocked on WFI (SPEC_FULL.md
// §4.G, grounded on the teacher's event-driven serial IRQ callback style
// generalized from "UART has data" to "timer compare reached").
func (t *VirtualTimer) ExpiresAt(hostNow uint64) (fire bool, remaining uint64) {
	if !t.Enabled() || t.Masked() {
		return false, 0
	}

	virtualNow := t.VirtualCount(hostNow)
	if virtualNow >= t.state.CNTVCVAL {
		return true, 0
	}

	return false, t.state.CNTVCVAL - virtualNow
}

// TrapPolicy programs CNTHCTL_EL2's physical-timer trap bit (spec.md
// §4.G "The physical timer (CNTP_*) is trapped so the hypervisor can
// multiplex it; a trap policy bit in CNTHCTL_EL2 controls this"). This is
// a per-PE register, not per-VCPU context, so it is applied directly
// rather than stored in VcpuContext.
func TrapPolicy(hctl uint64, trapPhysical bool) uint64 {
	c := sysreg.NewCNTHCTL(hctl)
	c.SetTrapPhysicalTimer(trapPhysical)

	return c.Read()
}
