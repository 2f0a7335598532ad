package sysreg

// VTCR is the Virtual Translation Control Register, VTCR_EL2: it encodes
// the Stage-2 IPA size, granule, and walk parameters for one VM (spec.md
// §4.B create_context). Unlike most registers in this package, VTCR is
// normally built once from stage2.Mode.VTCR0 and never touched again, so its
// accessors favor a whole-value constructor (New) over piecemeal field
// mutation.
type VTCR struct {
	raw uint64
}

var (
	vtcrT0SZ  = field{5, 0}
	vtcrSL0   = field{7, 6}
	vtcrIRGN0 = field{9, 8}
	vtcrORGN0 = field{11, 10}
	vtcrSH0   = field{13, 12}
	vtcrTG0   = field{15, 14}
	vtcrPS    = field{18, 16}
	vtcrVS    = field{19, 19}
	vtcrNSA   = field{30, 30}
)

func (r *VTCR) Read() uint64   { return r.raw }
func (r *VTCR) Write(v uint64) { r.raw = v }

func (r *VTCR) T0SZ() uint64 { return vtcrT0SZ.get(r.raw) }
func (r *VTCR) SL0() uint64  { return vtcrSL0.get(r.raw) }
func (r *VTCR) TG0() uint64  { return vtcrTG0.get(r.raw) }
func (r *VTCR) PS() uint64   { return vtcrPS.get(r.raw) }

// TG0 granule encodings.
const (
	TG0_4KB  = 0b00
	TG0_64KB = 0b01
	TG0_16KB = 0b10
)

// PS (physical address size) encodings, Table D13-8 ARMv8-A ARM.
const (
	PS_32BIT = 0b000
	PS_36BIT = 0b001
	PS_40BIT = 0b010
	PS_42BIT = 0b011
	PS_44BIT = 0b100
	PS_48BIT = 0b101
	PS_52BIT = 0b110
)

// NewVTCR builds a VTCR_EL2 value for a Stage-2 configuration with the
// given T0SZ (derived from IPA width: t0sz = 64 - ipaBits), starting lookup
// level sl0, TG0 granule encoding, and PS physical-address-size encoding.
// Shareability/cacheability are fixed to Inner-Shareable, Normal WB-WA,
// matching the teacher's pattern of encoding one fixed, known-good memory
// attribute combination for all host-visible structures rather than
// exposing every combination to the caller.
func NewVTCR(t0sz, sl0, tg0, ps uint64) VTCR {
	var r VTCR
	r.raw = vtcrT0SZ.set(r.raw, t0sz)
	r.raw = vtcrSL0.set(r.raw, sl0)
	r.raw = vtcrIRGN0.set(r.raw, 0b01) // Normal WB-WA
	r.raw = vtcrORGN0.set(r.raw, 0b01)
	r.raw = vtcrSH0.set(r.raw, 0b11) // Inner Shareable
	r.raw = vtcrTG0.set(r.raw, tg0)
	r.raw = vtcrPS.set(r.raw, ps)

	return r
}

// VTTBR is the Virtual Translation Table Base Register, VTTBR_EL2: VMID in
// the upper bits plus the Stage-2 root table's physical address.
type VTTBR struct {
	raw uint64
}

var (
	vttbrBADDR = field{47, 1}
	vttbrVMID8  = field{55, 48}
	vttbrVMID16 = field{63, 48}
)

func (r *VTTBR) Read() uint64   { return r.raw }
func (r *VTTBR) Write(v uint64) { r.raw = v }

func (r *VTTBR) BADDR() uint64 { return vttbrBADDR.get(r.raw) << 1 }

// NewVTTBR builds VTTBR_EL2 from a 4-KiB-aligned root table physical
// address and a VMID. vmidWidth16 selects whether the VMID occupies
// bits[63:48] (16-bit VMID hardware) or bits[55:48] (8-bit VMID hardware,
// bits[63:56] reserved at 0).
func NewVTTBR(rootPA uint64, id uint64, vmidWidth16 bool) VTTBR {
	var r VTTBR
	r.raw = vttbrBADDR.set(r.raw, rootPA>>1)

	if vmidWidth16 {
		r.raw = vttbrVMID16.set(r.raw, id)
	} else {
		r.raw = vttbrVMID8.set(r.raw, id)
	}

	return r
}
