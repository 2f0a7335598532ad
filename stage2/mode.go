// Package stage2 implements the per-VM two-stage ("G-stage") address
// translation engine: Stage-2 tables mapping an Intermediate Physical
// Address space onto host physical pages, with VMID tagging, fault
// decoding, and TLB maintenance (spec.md §4.B).
//
// The table-walk code is grounded on the teacher's memory-region
// bookkeeping style (memory.Memory / memory.MemorySlot: a small number of
// tracked regions with an explicit allocate-and-register step) generalized
// from "one flat guest-RAM region" to "a tree of page-table pages, each
// individually allocated and refcounted", and on
// usbarmory-tamago/arm64-mmu.go's block/page descriptor construction
// (initL1Table/initL2Table picking the largest block that fits before
// falling back to the next level).
package stage2

import (
	"errors"
	"fmt"
)

// Granule is a Stage-2 translation granule size.
type Granule int

const (
	Granule4KB  Granule = 4 << 10
	Granule16KB Granule = 16 << 10
	Granule64KB Granule = 64 << 10
)

func (g Granule) bitsPerLevel() uint {
	switch g {
	case Granule4KB:
		return 9
	case Granule16KB:
		return 11
	case Granule64KB:
		return 13
	default:
		return 0
	}
}

func (g Granule) offsetBits() uint {
	switch g {
	case Granule4KB:
		return 12
	case Granule16KB:
		return 14
	case Granule64KB:
		return 16
	default:
		return 0
	}
}

func (g Granule) tg0() uint64 {
	switch g {
	case Granule4KB:
		return 0b00
	case Granule64KB:
		return 0b01
	case Granule16KB:
		return 0b10
	default:
		return 0
	}
}

// Capabilities describes what the hardware underneath this implementation
// actually supports, so create_context can fail fast with
// ErrUnsupportedMode instead of building a table layout the real Stage-2
// walker could never honor (spec.md §4.B "Fails with ... UnsupportedMode if
// hardware lacks the requested combination").
type Capabilities struct {
	// MaxIPABits is the largest IPA width the PS field can encode on this
	// system (typically 40, 42, 44, 48, or 52).
	MaxIPABits int
	// Granules lists the granule sizes the hardware TCR/VTCR can select.
	Granules []Granule
	// LPA2 reports support for the 52-bit IPA / 5-level table extension
	// (FEAT_LPA2). Required for IPA widths above 48 bits.
	LPA2 bool
}

// SupportsGranule reports whether g is in caps.Granules.
func (caps Capabilities) SupportsGranule(g Granule) bool {
	for _, c := range caps.Granules {
		if c == g {
			return true
		}
	}

	return false
}

// DefaultCapabilities describes a generic ARMv8.2 part: 4 KiB and 64 KiB
// granules, up to 48-bit IPA, no LPA2. Production code should query the
// real ID_AA64MMFR0_EL1 instead (out of scope for this module, §1).
func DefaultCapabilities() Capabilities {
	return Capabilities{
		MaxIPABits: 48,
		Granules:   []Granule{Granule4KB, Granule64KB},
	}
}

// ErrUnsupportedMode is returned by NewMode when the requested IPA
// width/granule combination cannot be encoded by the given Capabilities.
var ErrUnsupportedMode = errors.New("stage2: unsupported IPA width/granule for this hardware")

// PS field encodings keyed by the IPA width they represent, Table D13-8.
var psEncodingByBits = map[int]uint64{
	32: 0b000,
	36: 0b001,
	40: 0b010,
	42: 0b011,
	44: 0b100,
	48: 0b101,
	52: 0b110,
}

// Mode is a fully resolved Stage-2 table configuration: IPA width,
// granule, level count, and the starting lookup level (spec.md §4.B
// create_context "Modes select IPA width ... and granule").
type Mode struct {
	IPABits     int
	Granule     Granule
	StartLevel  int // 0..3; level 3 is always the leaf level
	TopEntries  int // entries in the (possibly concatenated) start-level table
	T0SZ        uint64
	PSEncoding  uint64
}

// NewMode resolves ipaBits/granule into a Mode, or ErrUnsupportedMode if
// caps cannot encode the combination.
func NewMode(ipaBits int, granule Granule, caps Capabilities) (Mode, error) {
	if !caps.SupportsGranule(granule) {
		return Mode{}, fmt.Errorf("%w: granule %d", ErrUnsupportedMode, granule)
	}

	if ipaBits > caps.MaxIPABits {
		return Mode{}, fmt.Errorf("%w: ipa width %d exceeds max %d", ErrUnsupportedMode, ipaBits, caps.MaxIPABits)
	}

	if ipaBits > 48 && !caps.LPA2 {
		return Mode{}, fmt.Errorf("%w: ipa width %d requires LPA2", ErrUnsupportedMode, ipaBits)
	}

	ps, ok := psEncodingByBits[ipaBits]
	if !ok {
		return Mode{}, fmt.Errorf("%w: unrecognized ipa width %d", ErrUnsupportedMode, ipaBits)
	}

	bitsPerLevel := granule.bitsPerLevel()
	offsetBits := granule.offsetBits()

	resolvableBits := ipaBits - int(offsetBits)
	if resolvableBits <= 0 {
		return Mode{}, fmt.Errorf("%w: ipa width %d too small for granule %d", ErrUnsupportedMode, ipaBits, granule)
	}

	// Pick the shallowest start level (fewest table walks) whose
	// concatenated index still fits in bitsPerLevel+4 bits (16-way
	// concatenation, the architectural limit): try level 3 first (no
	// intermediate levels at all, pure concatenation at the leaf), then
	// walk up one level at a time until the remaining index width fits.
	level := 3
	extra := resolvableBits
	for {
		if extra > 0 && extra <= int(bitsPerLevel)+4 {
			break
		}

		if level == 0 {
			return Mode{}, fmt.Errorf("%w: ipa width %d needs >16-way concatenation at granule %d", ErrUnsupportedMode, ipaBits, granule)
		}

		level--
		extra -= int(bitsPerLevel)
	}

	return Mode{
		IPABits:    ipaBits,
		Granule:    granule,
		StartLevel: level,
		TopEntries: 1 << uint(extra),
		T0SZ:       uint64(64 - ipaBits),
		PSEncoding: ps,
	}, nil
}

// VTCR0 returns the VTCR_EL2.{T0SZ,SL0,TG0,PS} quadruple matching m.
// SL0 is the 2-bit encoding of StartLevel used by Stage-2 VTCR: with the
// 4 KiB granule SL0 = 2 - StartLevel (0 = level 2, 1 = level 1, 2 =
// level 0); with the 16 KiB and 64 KiB granules SL0 = 3 - StartLevel
// (0 = level 3, 1 = level 2, 2 = level 1).
func (m Mode) VTCR0() (t0sz, sl0, tg0, ps uint64) {
	sl0 = uint64(3 - m.StartLevel)
	if m.Granule == Granule4KB {
		sl0 = uint64(2 - m.StartLevel)
	}

	return m.T0SZ, sl0, m.Granule.tg0(), m.PSEncoding
}

// entriesAtLevel returns how many descriptor slots a table at the given
// level holds: TopEntries at StartLevel, the granule's native entry count
// (2^bitsPerLevel) at every level below that.
func (m Mode) entriesAtLevel(level int) int {
	if level == m.StartLevel {
		return m.TopEntries
	}

	return 1 << m.Granule.bitsPerLevel()
}

// blockSize returns the span in bytes one descriptor at level covers; at
// the leaf level (3) that is the granule's page size.
func (m Mode) blockSize(level int) uint64 {
	if level >= 3 {
		return uint64(1) << m.Granule.offsetBits()
	}

	levelsBelow := uint(3 - level)

	return uint64(1) << (m.Granule.offsetBits() + levelsBelow*m.Granule.bitsPerLevel())
}

// indexAtLevel returns the table index that ipa resolves to at level.
func (m Mode) indexAtLevel(ipa uint64, level int) uint64 {
	shift := m.Granule.offsetBits() + uint(3-level)*m.Granule.bitsPerLevel()
	bits := m.Granule.bitsPerLevel()

	if level == m.StartLevel {
		// the start level may be concatenated; its index field is wider.
		extra := uint(0)
		for sz := m.TopEntries; sz > (1 << bits); sz >>= 1 {
			extra++
		}
		bits += extra
	}

	mask := (uint64(1) << bits) - 1

	return (ipa >> shift) & mask
}
