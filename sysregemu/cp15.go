package sysregemu

import (
	"github.com/ferrovisor/ferrovisor/sysreg"
	"github.com/ferrovisor/ferrovisor/vcpu"
)

// cp15Key is the AArch32 CP15 dispatch key (spec.md §4.D "(opc1, CRn,
// CRm, opc2) for AArch32 CP15/CP14 access").
type cp15Key struct {
	Opc1, CRn, CRm, Opc2 uint8
}

func cp15KeyOf(d sysreg.CP15ISS) cp15Key {
	return cp15Key{d.Opc1, d.CRn, d.CRm, d.Opc2}
}

// cp15Table routes the subset of CP15 registers whose AArch64 shadow
// already lives in EL1Bank (spec.md §4.D "routes CP15 accesses to shadow
// banks that also back the AArch64 equivalents when the guest is
// mixed-mode"). Only the registers relevant to a mixed-mode guest's core
// behavior are modeled; anything else falls through to Unimplemented the
// same way an unmodeled AArch64 encoding does.
var cp15Table = map[cp15Key]handler{
	{0, 1, 0, 0}: { // SCTLR
		read:  func(vc *vcpu.VcpuContext, d *Dispatcher) uint64 { return vc.EL1.SCTLR.Read() },
		write: func(vc *vcpu.VcpuContext, d *Dispatcher, v uint64) Result { vc.EL1.SCTLR.Write(v); return Ok },
	},
	{0, 2, 0, 0}: field64(func(vc *vcpu.VcpuContext) *uint64 { return &vc.EL1.TTBR0 }),
	{0, 2, 0, 1}: field64(func(vc *vcpu.VcpuContext) *uint64 { return &vc.EL1.TTBR1 }),
	{0, 2, 0, 2}: field64(func(vc *vcpu.VcpuContext) *uint64 { return &vc.EL1.TCR }),
	{0, 0, 0, 0}: { // MIDR
		read:  func(vc *vcpu.VcpuContext, d *Dispatcher) uint64 { return d.midr.Read() },
		write: readOnly,
	},
	{0, 0, 0, 5}: { // MPIDR
		read:  func(vc *vcpu.VcpuContext, d *Dispatcher) uint64 { return d.mpidr.Read() },
		write: readOnly,
	},
	{0, 13, 0, 1}: field64(func(vc *vcpu.VcpuContext) *uint64 { return &vc.EL1.CONTEXTIDR }),
}

// DispatchCP15 handles one decoded AArch32 MCR/MRC trap the same way
// Dispatch handles an AArch64 MSR/MRS trap.
func (d *Dispatcher) DispatchCP15(vc *vcpu.VcpuContext, iss sysreg.CP15ISS) Result {
	h, ok := cp15Table[cp15KeyOf(iss)]
	if !ok {
		d.logUnimplementedCP15Once(cp15KeyOf(iss))
		return Unimplemented
	}

	if iss.Direction == sysreg.DirRead {
		if iss.Rt != 15 {
			vc.GPRegs[iss.Rt] = h.read(vc, d)
		}

		return Ok
	}

	var v uint64
	if iss.Rt != 15 {
		v = vc.GPRegs[iss.Rt]
	}

	return h.write(vc, d, v)
}

func (d *Dispatcher) logUnimplementedCP15Once(k cp15Key) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.warnedCP15[k] {
		return
	}

	d.warnedCP15[k] = true
	d.logger.Printf("sysregemu: unimplemented cp15 access opc1=%d CRn=%d CRm=%d opc2=%d",
		k.Opc1, k.CRn, k.CRm, k.Opc2)
}

// IsCacheMaintenance reports whether a decoded CP15 access targets the
// CRn=7 cache/TLB/branch-predictor maintenance range, which this
// hypervisor always treats as a no-op (spec.md §4.D "Cache maintenance
// ops ... emulated as no-ops").
func IsCacheMaintenance(iss sysreg.CP15ISS) bool { return iss.CRn == 7 }

// IsCacheMaintenanceSys reports the AArch64 SYS-instruction equivalent
// (DC/IC encoded with CRn=7 under the System-instruction encoding space).
func IsCacheMaintenanceSys(iss sysreg.MSRMRSISS) bool { return iss.CRn == 7 }
