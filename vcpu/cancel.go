package vcpu

import "sync/atomic"

// RequestExit sets the "must-exit" flag an IPI handler uses to force the
// VCPU out of guest mode (spec.md §5 "Cancellation"). Safe to call from
// any pCPU.
func (vc *VcpuContext) RequestExit() {
	atomic.StoreUint32(&vc.mustExit, 1)
}

// ClearExit clears the must-exit flag; called once the owning pCPU has
// observed it and is about to resume normal dispatch.
func (vc *VcpuContext) ClearExit() {
	atomic.StoreUint32(&vc.mustExit, 0)
}

// MustExit reports whether a forced exit has been requested.
func (vc *VcpuContext) MustExit() bool {
	return atomic.LoadUint32(&vc.mustExit) != 0
}
