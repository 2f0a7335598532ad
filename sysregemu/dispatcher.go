// Package sysregemu implements the trapped system-register emulation
// layer (spec.md §4.D): given a decoded MRS/MSR or MCR/MRC access, locate
// the virtual register it names and read or write it without ever
// touching real EL1 state. The dispatch-table idiom is grounded on the
// teacher's cpuid/msr handling style (kvm/cpuid.go, kvm/msr.go: a fixed,
// closed list of indices resolved once at init), generalized from "one
// flat index list" to "a table keyed by the architectural encoding
// tuple", per spec.md §9 "per-register sysreg handlers are better as a
// static dispatch table indexed by encoding because the set is closed".
package sysregemu

import (
	"log"
	"sync"

	"github.com/ferrovisor/ferrovisor/sysreg"
	"github.com/ferrovisor/ferrovisor/vcpu"
)

// Result is the outcome of one emulated register access (spec.md §4.D
// "Result types").
type Result int

const (
	// Ok means the access completed normally; for reads, the value is
	// also returned to the caller.
	Ok Result = iota
	// ReadOnly means a write targeted a read-only register; the access
	// is silently dropped (identification registers, spec.md §4.D).
	ReadOnly
	// Unimplemented means no handler exists for this encoding; the
	// Dispatcher has logged it (once per encoding) and the caller must
	// inject an undefined-instruction exception (spec.md §4.D, §7
	// RegisterUnimplemented).
	Unimplemented
	// Ignored means the access is architecturally defined to be a no-op
	// from this hypervisor's point of view (cache maintenance, RES0/RES1
	// performance-counter fields).
	Ignored
)

// regKey is the AArch64 MSR/MRS dispatch key (spec.md §4.D "quintuple
// (Op0, Op1, CRn, CRm, Op2)").
type regKey struct {
	Op0, Op1, CRn, CRm, Op2 uint8
}

func keyOf(d sysreg.MSRMRSISS) regKey {
	return regKey{d.Op0, d.Op1, d.CRn, d.CRm, d.Op2}
}

// handler reads or writes one virtual register against a VCPU's EL1 bank.
// read returns the value; write applies v and returns the Result (normally Ok, ReadOnly, or Ignored).
type handler struct {
	read  func(vc *vcpu.VcpuContext, d *Dispatcher) uint64
	write func(vc *vcpu.VcpuContext, d *Dispatcher, v uint64) Result
}

// Dispatcher holds the per-VM identification values (MIDR/MPIDR are
// fixed per VCPU at creation, not guest-writable) and the rate-limited
// Unimplemented-access log.
type Dispatcher struct {
	midr  sysreg.MIDR
	mpidr sysreg.MPIDR

	logger *log.Logger

	mu          sync.Mutex
	warnedOnce  map[regKey]bool
	warnedCP15  map[cp15Key]bool
}

// NewDispatcher returns a Dispatcher that reports midr/mpidr for
// Identification-bank reads and logs unimplemented accesses through
// logger (nil selects log.Default()).
func NewDispatcher(midr sysreg.MIDR, mpidr sysreg.MPIDR, logger *log.Logger) *Dispatcher {
	if logger == nil {
		logger = log.Default()
	}

	return &Dispatcher{
		midr:       midr,
		mpidr:      mpidr,
		logger:     logger,
		warnedOnce: map[regKey]bool{},
		warnedCP15: map[cp15Key]bool{},
	}
}

// Dispatch handles one decoded AArch64 MSR/MRS trap: on a read, it writes
// the emulated value into vc.GPRegs[Rt]; on a write, it reads
// vc.GPRegs[Rt] and applies it to the virtual register.
func (d *Dispatcher) Dispatch(vc *vcpu.VcpuContext, iss sysreg.MSRMRSISS) Result {
	h, ok := registerTable[keyOf(iss)]
	if !ok {
		d.logUnimplementedOnce(keyOf(iss))
		return Unimplemented
	}

	if iss.Direction == sysreg.DirRead {
		if iss.Rt != 31 { // x31 in this encoding position means XZR, discard
			vc.GPRegs[iss.Rt] = h.read(vc, d)
		} else {
			h.read(vc, d)
		}

		return Ok
	}

	var v uint64
	if iss.Rt != 31 {
		v = vc.GPRegs[iss.Rt]
	}

	return h.write(vc, d, v)
}

func (d *Dispatcher) logUnimplementedOnce(k regKey) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.warnedOnce[k] {
		return
	}

	d.warnedOnce[k] = true
	d.logger.Printf("sysregemu: unimplemented access Op0=%d Op1=%d CRn=%d CRm=%d Op2=%d",
		k.Op0, k.Op1, k.CRn, k.CRm, k.Op2)
}
