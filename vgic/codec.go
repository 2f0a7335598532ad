package vgic

import "github.com/ferrovisor/ferrovisor/sysreg"

// ListRegisterCodec translates between the canonical sysreg.ICHLR value
// this package operates on internally and the version-specific hardware
// list-register encoding a given host GIC actually exposes (spec.md §4.F,
// via SPEC_FULL.md §4.F "a GICv2 and a GICv3 list-register encoding are
// supported behind one interface").
//
// Grounded on how the teacher picks PIC vs IOAPIC routing via
// kvm.CreateIRQChip/kvm.IRQLine without templating the call site per chip
// type: callers of PerVCPU never know which codec is active.
type ListRegisterCodec interface {
	// Encode converts a canonical LR value to the raw bits this GIC
	// version's hardware list register expects.
	Encode(lr sysreg.ICHLR) uint64
	// Decode converts raw hardware list-register bits back to the
	// canonical form.
	Decode(raw uint64) sysreg.ICHLR
	// MaxLR reports how many list registers this GIC version exposes.
	MaxLR() int
}

// gicv3Codec is the identity codec: sysreg.ICHLR already models the
// GICv3 ICH_LR<n>_EL2 layout directly.
type gicv3Codec struct{}

// NewGICv3Codec returns the codec for a host GICv3 (16 list registers,
// 64-bit layout matching sysreg.ICHLR exactly).
func NewGICv3Codec() ListRegisterCodec { return gicv3Codec{} }

func (gicv3Codec) Encode(lr sysreg.ICHLR) uint64   { return lr.Read() }
func (gicv3Codec) Decode(raw uint64) sysreg.ICHLR { return sysreg.NewICHLR(raw) }
func (gicv3Codec) MaxLR() int                      { return 16 }

// gicv2Codec narrows the canonical 64-bit layout to the GICv2 GICH_LR<n>
// 32-bit format: a 10-bit virtual ID, 10-bit physical ID (for HW=1
// entries), one HW bit, one group bit, a 2-bit state field, and a 5-bit
// priority (GICv2 has fewer priority bits than GICv3). Fields beyond
// GICv2's narrower widths are truncated on Encode and zero-extended on
// Decode -- acceptable because this hypervisor only ever round-trips
// values it built itself via BuildICHLR.
type gicv2Codec struct{}

// NewGICv2Codec returns the codec for a host GICv2 (8 list registers).
func NewGICv2Codec() ListRegisterCodec { return gicv2Codec{} }

const (
	gicv2VINTIDMask = 0x3FF
	gicv2PINTIDMask = 0x3FF
	gicv2PriMask    = 0x1F
)

func (gicv2Codec) Encode(lr sysreg.ICHLR) uint64 {
	var raw uint64

	raw |= uint64(lr.VINTID()) & gicv2VINTIDMask
	raw |= (uint64(lr.PINTID()) & gicv2PINTIDMask) << 10
	raw |= (uint64(lr.Priority()) >> 3 & gicv2PriMask) << 23
	raw |= uint64(boolBit(lr.HW())) << 31
	raw |= uint64(boolBit(lr.Group() != 0)) << 30
	raw |= uint64(lr.State()) << 28

	return raw
}

func (gicv2Codec) Decode(raw uint64) sysreg.ICHLR {
	vintid := uint32(raw & gicv2VINTIDMask)
	pintid := uint32((raw >> 10) & gicv2PINTIDMask)
	priority := uint8((raw>>23)&gicv2PriMask) << 3
	hw := (raw>>31)&1 != 0
	group := uint8((raw >> 30) & 1)
	state := uint8((raw >> 28) & 0b11)

	lr := sysreg.BuildICHLR(vintid, priority, group, hw, pintid)

	return lr.WithState(state)
}

func (gicv2Codec) MaxLR() int { return 8 }

func boolBit(b bool) int {
	if b {
		return 1
	}

	return 0
}
