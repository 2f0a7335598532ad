package stage2

import (
	"errors"
	"fmt"

	"github.com/ferrovisor/ferrovisor/pagealloc"
	"github.com/ferrovisor/ferrovisor/vmid"
)

// TLB is the hardware TLB-maintenance surface a Context needs: the write
// ->DSB->TLBI->DSB->ISB sequence itself lives here so stage2 never assumes
// a particular CPU is live (spec.md §4.B "invalidates the Stage-2 TLB
// entries for this VM" and GLOSSARY "TLB maintenance sequence").
type TLB interface {
	// InvalidateByVMID invalidates every Stage-2 TLB entry tagged with
	// vmid on the calling PE (TLBI VMALLS12E1IS-equivalent).
	InvalidateByVMID(vmid uint64)
	// InvalidateRange invalidates Stage-2 TLB entries for [ipa, ipa+size)
	// tagged with vmid (TLBI IPAS2E1IS-equivalent range loop).
	InvalidateRange(vmid uint64, ipa, size uint64)
}

// ErrOutOfVMIDs is returned by NewVM when the shared vmid.Pool is
// exhausted (spec.md §4.B create_context "fails ... if the VMID space is
// exhausted").
var ErrOutOfVMIDs = errors.New("stage2: no VMID available")

// VM owns one guest's Stage-2 Context plus the VMID it was allocated from
// a shared pool, and serializes every table mutation behind a single
// mutex, generalizing the teacher's one-spinlock-per-shared-resource rule.
type VM struct {
	ctx  *Context
	vids *vmid.Pool
	id   vmid.ID
	tlb  TLB
}

// NewVM allocates a VMID from pool, builds a fresh Stage-2 table rooted
// in mem, and returns a VM ready for MapRange/UnmapRange/Translate
// (spec.md §4.B create_context).
func NewVM(ipaBits int, granule Granule, caps Capabilities, pool *vmid.Pool, mem Memory, tlb TLB) (*VM, error) {
	id, err := pool.Alloc()
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrOutOfVMIDs, err)
	}

	ctx, err := NewContext(ipaBits, granule, caps, uint64(id), mem)
	if err != nil {
		pool.Free(id)
		return nil, err
	}

	return &VM{ctx: ctx, vids: pool, id: id, tlb: tlb}, nil
}

// VMID returns the VMID this VM's Stage-2 tables are tagged with.
func (v *VM) VMID() vmid.ID { return v.id }

// Root returns the host physical address of the root table, for
// programming VTTBR_EL2.
func (v *VM) Root() pagealloc.HPA { return v.ctx.Root() }

// Mode returns the resolved IPA/granule configuration.
func (v *VM) Mode() Mode { return v.ctx.Mode() }

// MapRange installs [ipa, ipa+size) -> [hpa, hpa+size) with the given
// permissions and memory type, splitting into the largest blocks the
// alignment allows (spec.md §4.B map_range).
func (v *VM) MapRange(ipa, hpa, size uint64, flags Flags) error {
	v.ctx.mu.Lock()
	defer v.ctx.mu.Unlock()

	return v.ctx.mapRangeLocked(ipa, hpa, size, flags)
}

// UnmapRange removes every translation covering [ipa, ipa+size) and frees
// any table page left entirely empty, but does NOT invalidate the TLB --
// callers must call FlushTLBRange afterward before the change is safe to
// rely on (spec.md §4.B unmap_range).
func (v *VM) UnmapRange(ipa, size uint64) error {
	v.ctx.mu.Lock()
	defer v.ctx.mu.Unlock()

	return v.ctx.unmapRangeLocked(ipa, size)
}

// Translate resolves ipa against the current table, for software-only
// introspection (debuggers, migration) rather than the hot Stage-2 abort
// path, which walks hardware directly (spec.md §4.B translate).
func (v *VM) Translate(ipa uint64) (Descriptor, int, bool) {
	v.ctx.mu.Lock()
	defer v.ctx.mu.Unlock()

	return v.ctx.translateLocked(ipa)
}

// FlushTLB invalidates every Stage-2 TLB entry tagged with this VM's
// VMID, following the architected write->DSB->TLBI->DSB->ISB sequence via
// the TLB collaborator (spec.md §4.B flush_tlb).
func (v *VM) FlushTLB() {
	v.tlb.InvalidateByVMID(uint64(v.id))
}

// FlushTLBRange invalidates Stage-2 TLB entries for [ipa, ipa+size)
// tagged with this VM's VMID (spec.md §4.B flush_tlb_range).
func (v *VM) FlushTLBRange(ipa, size uint64) {
	v.tlb.InvalidateRange(uint64(v.id), ipa, size)
}

// Close tears down the Stage-2 table is not attempted here (the root and
// every intermediate table page remain allocator-owned); Close only
// returns the VMID to the shared pool once the caller has confirmed no
// VCPU can still reference it.
func (v *VM) Close() {
	v.vids.Free(v.id)
}

// FaultKind classifies why a Stage-2 abort occurred, independent of the
// raw ESR/FSC encoding (spec.md §4.E "Stage-2 aborts are further split by
// recoverability").
type FaultKind int

const (
	// FaultTranslationMissing means no valid descriptor covers the
	// faulting IPA at all: the classic "unmapped guest access" case,
	// resolved by map_range then retry.
	FaultTranslationMissing FaultKind = iota
	// FaultPermissionDenied means a descriptor exists but denies the
	// attempted access (e.g. write to a read-only mapping).
	FaultPermissionDenied
	// FaultAccessFlagMissing means a descriptor exists with AF=0 and
	// software is expected to set it and retry (spec.md §4.B hardware
	// access-flag management is out of scope; AF is always pre-set by
	// this implementation's buildLeaf, so this case only arises for
	// descriptors injected directly by a caller).
	FaultAccessFlagMissing
	// FaultAddressSize means the IPA itself is out of range for this
	// Context's Mode (beyond the configured IPA width) -- architecturally
	// fatal, not resolvable by installing a mapping.
	FaultAddressSize
	// FaultUnknown covers encodings this classifier does not recognize.
	FaultUnknown
)

// ClassifyFault inspects the Context's own translation state for ipa to
// decide whether a Stage-2 abort there is a missing mapping, a permission
// violation, or something the caller must not attempt to resolve by
// mapping (spec.md §8 scenario S2: AddressSize fault for an IPA beyond
// the configured Stage-2 range).
func (v *VM) ClassifyFault(ipa uint64, write bool) FaultKind {
	maxIPA := uint64(1) << uint(v.ctx.mode.IPABits)
	if ipa >= maxIPA {
		return FaultAddressSize
	}

	d, _, ok := v.Translate(ipa)
	if !ok {
		return FaultTranslationMissing
	}

	if write && !d.Writable() {
		return FaultPermissionDenied
	}

	if !d.AF() {
		return FaultAccessFlagMissing
	}

	return FaultUnknown
}
