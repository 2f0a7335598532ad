package stage2

// Descriptor is one 64-bit Stage-2 translation table entry, laid out per
// spec.md §6 "Stage-2 page descriptor format":
//
//	[0]     valid
//	[1]     table-or-block (1 = table descriptor or page descriptor, 0 = block)
//	[5:2]   memory-attr index (Stage-2 direct encoding)
//	[7:6]   HAP (Stage-2 access permissions)
//	[9:8]   shareability
//	[10]    access flag
//	[47:12] output address (4 KiB granule case; scaled for other granules)
//	[52]    contiguous
//	[54]    XN (execute-never)
type Descriptor uint64

var (
	descValid   = field{0, 0}
	descTable   = field{1, 1}
	descMemAttr = field{5, 2}
	descHAP     = field{7, 6}
	descSH      = field{9, 8}
	descAF      = field{10, 10}
	descOA      = field{47, 12}
	descContig  = field{52, 52}
	descXN      = field{54, 54}
)

// field is a tiny local copy of sysreg's bit-field helper so this package
// does not need to import sysreg for pure descriptor-bit arithmetic; see
// sysreg.field for the canonical version used by register accessors.
type field struct{ hi, lo uint8 }

func (f field) mask() uint64 {
	width := uint(f.hi) - uint(f.lo) + 1
	if width == 64 {
		return ^uint64(0)
	}

	return ((uint64(1) << width) - 1) << f.lo
}

func (f field) get(raw uint64) uint64 { return (raw & f.mask()) >> f.lo }
func (f field) set(raw, v uint64) uint64 {
	return (raw &^ f.mask()) | ((v << f.lo) & f.mask())
}

// Stage-2 memory-attribute direct encodings (MemAttr[3:0] when
// MemAttr[3:2] != 0b00), spec.md §4.B map_range flag mapping.
const (
	MemAttrDevicenGnRnE = 0x0
	MemAttrNormalNC     = 0x4
	MemAttrNormalWT     = 0x5
	MemAttrNormalWBWA   = 0x7
)

// HAP (Stage-2 access permission) encodings.
const (
	HAPNone = 0b00
	HAPRead = 0b01
	HAPWrite = 0b10
	HAPRW   = 0b11
)

// Flags is the caller-facing permission/attribute set for map_range
// (spec.md §3 GuestPhysicalPage, §4.B map_range).
type Flags struct {
	Cacheable  bool
	Bufferable bool
	Writable   bool
	Executable bool
	Device     bool
}

// memAttr resolves f to the Stage-2 direct memory-attribute encoding,
// exactly per spec.md's fixed mapping table.
func (f Flags) memAttr() uint8 {
	switch {
	case f.Device:
		return MemAttrDevicenGnRnE
	case f.Cacheable && f.Bufferable:
		return MemAttrNormalWBWA
	case f.Cacheable:
		return MemAttrNormalWT
	default:
		return MemAttrNormalNC
	}
}

func (f Flags) hap() uint8 {
	if f.Writable {
		return HAPRW
	}

	return HAPRead
}

// buildLeaf constructs a page (level 3) or block (level < 3) descriptor
// for output address oa with the given flags. isPage selects bit[1]: set
// for level-3 "page" descriptors, clear for block descriptors at any
// other level (spec.md §3 Stage2Table invariant (b)).
func buildLeaf(oa uint64, f Flags, isPage bool) Descriptor {
	var raw uint64

	raw = descValid.set(raw, 1)
	if isPage {
		raw = descTable.set(raw, 1)
	}

	raw = descMemAttr.set(raw, uint64(f.memAttr()))
	raw = descHAP.set(raw, uint64(f.hap()))
	raw = descSH.set(raw, 0b11) // Inner Shareable
	raw = descAF.set(raw, 1)    // Stage-2 AF managed entirely in software here; always pre-set
	raw = descOA.set(raw, oa>>12)

	if !f.Executable {
		raw = descXN.set(raw, 1)
	}

	return Descriptor(raw)
}

// buildTable constructs a table descriptor pointing at the next-level
// table whose physical address is tablePA.
func buildTable(tablePA uint64) Descriptor {
	var raw uint64
	raw = descValid.set(raw, 1)
	raw = descTable.set(raw, 1)
	raw = descOA.set(raw, tablePA>>12)

	return Descriptor(raw)
}

func (d Descriptor) Valid() bool { return descValid.get(uint64(d)) != 0 }

// IsTable reports whether d is a table descriptor (as opposed to an
// invalid or block/page descriptor). Only meaningful above level 3.
func (d Descriptor) IsTable(level int) bool {
	return level < 3 && d.Valid() && descTable.get(uint64(d)) != 0
}

// IsLeaf reports whether d is a block (level<3) or page (level==3)
// descriptor carrying a translation.
func (d Descriptor) IsLeaf(level int) bool {
	if !d.Valid() {
		return false
	}

	if level == 3 {
		return descTable.get(uint64(d)) != 0 // level-3 "page" bit
	}

	return descTable.get(uint64(d)) == 0
}

func (d Descriptor) OutputAddress() uint64 {
	return descOA.get(uint64(d)) << 12
}

func (d Descriptor) AF() bool { return descAF.get(uint64(d)) != 0 }

func (d Descriptor) HAP() uint8 { return uint8(descHAP.get(uint64(d))) }

func (d Descriptor) MemAttr() uint8 { return uint8(descMemAttr.get(uint64(d))) }

func (d Descriptor) XN() bool { return descXN.get(uint64(d)) != 0 }

func (d Descriptor) Writable() bool { return d.HAP()&HAPWrite != 0 }

func (d Descriptor) Executable() bool { return !d.XN() }
