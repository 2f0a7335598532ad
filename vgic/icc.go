package vgic

import (
	"github.com/ferrovisor/ferrovisor/sysreg"
	"github.com/ferrovisor/ferrovisor/sysregemu"
	"github.com/ferrovisor/ferrovisor/vcpu"
)

// iccKey is the AArch64 MSR/MRS encoding for one ICC_* GIC CPU-interface
// register, mirroring sysregemu's own regKey shape (spec.md §4.D "GIC CPU
// interface system registers ... handled by §4.F").
type iccKey struct {
	Op0, Op1, CRn, CRm, Op2 uint8
}

func iccKeyOf(iss sysreg.MSRMRSISS) iccKey {
	return iccKey{iss.Op0, iss.Op1, iss.CRn, iss.CRm, iss.Op2}
}

// ICC_* register encodings per the ARMv8-A architecture manual.
var (
	iccPMR     = iccKey{3, 0, 4, 6, 0}
	iccIAR1    = iccKey{3, 0, 12, 12, 0}
	iccEOIR1   = iccKey{3, 0, 12, 12, 1}
	iccBPR1    = iccKey{3, 0, 12, 12, 3}
	iccCTLR    = iccKey{3, 0, 12, 12, 4}
	iccSGI1R   = iccKey{3, 0, 12, 11, 5}
	iccIGRPEN1 = iccKey{3, 0, 12, 12, 7}
)

// spuriousINTID is what ICC_IAR1_EL1 returns when no interrupt is
// pending, per the GIC architecture's reserved "spurious" value.
const spuriousINTID = 1023

// IsICCEncoding reports whether iss names one of the ICC_* registers this
// PerVCPU claims, letting fault.Dispatcher route it here before falling
// through to the general sysregemu table.
func (p *PerVCPU) IsICCEncoding(iss sysreg.MSRMRSISS) bool {
	switch iccKeyOf(iss) {
	case iccPMR, iccIAR1, iccEOIR1, iccBPR1, iccCTLR, iccSGI1R, iccIGRPEN1:
		return true
	default:
		return false
	}
}

// HandleICC implements fault.ICCHandler for the GIC CPU-interface
// registers listed above.
func (p *PerVCPU) HandleICC(vc *vcpu.VcpuContext, iss sysreg.MSRMRSISS) sysregemu.Result {
	p.mu.Lock()
	defer p.mu.Unlock()

	switch iccKeyOf(iss) {
	case iccPMR:
		return accessField(vc, iss, &p.pmr)
	case iccBPR1:
		return accessField(vc, iss, &p.bpr)
	case iccIGRPEN1:
		return accessBoolField(vc, iss, &p.grpEn)
	case iccCTLR:
		return readOnlyZero(vc, iss)
	case iccIAR1:
		return p.readIAR1Locked(vc, iss)
	case iccEOIR1:
		return p.writeEOIR1Locked(vc, iss)
	case iccSGI1R:
		return p.writeSGI1RLocked(vc, iss)
	default:
		return sysregemu.Unimplemented
	}
}

func accessField(vc *vcpu.VcpuContext, iss sysreg.MSRMRSISS, f *uint8) sysregemu.Result {
	if iss.Direction == sysreg.DirRead {
		writeRt(vc, iss.Rt, uint64(*f))
		return sysregemu.Ok
	}

	*f = uint8(readRt(vc, iss.Rt))

	return sysregemu.Ok
}

func accessBoolField(vc *vcpu.VcpuContext, iss sysreg.MSRMRSISS, f *bool) sysregemu.Result {
	if iss.Direction == sysreg.DirRead {
		var v uint64
		if *f {
			v = 1
		}

		writeRt(vc, iss.Rt, v)

		return sysregemu.Ok
	}

	*f = readRt(vc, iss.Rt)&1 != 0

	return sysregemu.Ok
}

func readOnlyZero(vc *vcpu.VcpuContext, iss sysreg.MSRMRSISS) sysregemu.Result {
	if iss.Direction == sysreg.DirRead {
		writeRt(vc, iss.Rt, 0)
		return sysregemu.Ok
	}

	return sysregemu.Ignored
}

// readIAR1Locked implements ICC_IAR1_EL1: find the highest-priority
// Pending list register, transition it to Active, and return its vINTID
// (or spuriousINTID if nothing is pending).
func (p *PerVCPU) readIAR1Locked(vc *vcpu.VcpuContext, iss sysreg.MSRMRSISS) sysregemu.Result {
	if iss.Direction != sysreg.DirRead {
		return sysregemu.Ignored // ICC_IAR1_EL1 is read-only
	}

	best := -1
	var bestPrio uint8 = 0xFF

	for _, slot := range p.irqToLR {
		lr := p.codec.Decode(p.vc.VGIC.LR[slot])
		if lr.Pending() && lr.Priority() < bestPrio {
			bestPrio = lr.Priority()
			best = slot
		}
	}

	if best < 0 {
		writeRt(vc, iss.Rt, spuriousINTID)
		return sysregemu.Ok
	}

	lr := p.codec.Decode(p.vc.VGIC.LR[best])
	p.vc.VGIC.LR[best] = p.codec.Encode(lr.WithState(sysreg.LRStateActive))
	writeRt(vc, iss.Rt, uint64(lr.VINTID()))

	return sysregemu.Ok
}

// writeEOIR1Locked implements ICC_EOIR1_EL1: deactivate the list register
// holding vINTID (the value the guest previously got from IAR1), leaving
// final teardown to ScanEOI at the next exit.
func (p *PerVCPU) writeEOIR1Locked(vc *vcpu.VcpuContext, iss sysreg.MSRMRSISS) sysregemu.Result {
	if iss.Direction != sysreg.DirWrite {
		return sysregemu.Ignored
	}

	vIRQ := uint32(readRt(vc, iss.Rt))

	slot, ok := p.irqToLR[vIRQ]
	if !ok {
		return sysregemu.Ok // spurious or already-retired EOI, architecturally benign
	}

	lr := p.codec.Decode(p.vc.VGIC.LR[slot])
	p.vc.VGIC.LR[slot] = p.codec.Encode(lr.WithState(sysreg.LRStateInactive))

	return sysregemu.Ok
}

// writeSGI1RLocked implements ICC_SGI1R_EL1: decode the target list and
// INTID from the 64-bit value across Rt and route the SGI through the
// shared Distributor (spec.md §4.F route_sgi).
func (p *PerVCPU) writeSGI1RLocked(vc *vcpu.VcpuContext, iss sysreg.MSRMRSISS) sysregemu.Result {
	if iss.Direction != sysreg.DirWrite {
		return sysregemu.Ignored
	}

	v := readRt(vc, iss.Rt)
	sgi := uint32((v >> 24) & 0xF)
	targetList := uint8(v & 0xFF) // simplified: low 8 affinity-0 bits as an 8-VCPU mask

	p.dist.RouteSGI(p.index, sgi, targetList)

	return sysregemu.Ok
}

func readRt(vc *vcpu.VcpuContext, rt uint8) uint64 {
	if rt == 31 {
		return 0
	}

	return vc.GPRegs[rt]
}

func writeRt(vc *vcpu.VcpuContext, rt uint8, v uint64) {
	if rt == 31 {
		return
	}

	vc.GPRegs[rt] = v
}
