package sched

import "github.com/ferrovisor/ferrovisor/vcpu"

// Mode selects how a trapped WFI/WFE is handled (spec.md §4.E "Either
// NOP-return, pass-through, or yield-to-scheduler per policy").
type Mode int

const (
	// ModeNOP resumes the guest immediately without consulting the
	// scheduler; the guest re-traps on its next WFI if still idle.
	ModeNOP Mode = iota
	// ModePassThrough is observably identical to ModeNOP in this software
	// model: there is no real CPU idle state for the trap to fall through
	// to, so "pass through" means "let the guest keep running".
	ModePassThrough
	// ModeYield synchronously blocks the calling goroutine on the
	// scheduler until woken, then resumes the same VCPU (spec.md §5 "A
	// handler may synchronously wait on a scheduler queue ... by
	// yielding").
	ModeYield
	// ModeDefer returns vcpu.Yield without blocking, leaving the actual
	// suspend/reschedule decision to the orchestration layer that called
	// vcpu.RunOnce.
	ModeDefer
)

// WFIPolicy adapts a Scheduler to fault.WFIPolicy for one VCPU,
// implementing it structurally (fault never imports this package).
type WFIPolicy struct {
	Sched Scheduler
	Self  VcpuID
	Mode  Mode
}

// HandleWFI implements fault.WFIPolicy.
func (w WFIPolicy) HandleWFI(vc *vcpu.VcpuContext) vcpu.Resolution {
	switch w.Mode {
	case ModeYield:
		if w.Sched != nil {
			w.Sched.Yield(w.Self)
		}

		return vcpu.Resume
	case ModeDefer:
		return vcpu.Yield
	default:
		return vcpu.Resume
	}
}
