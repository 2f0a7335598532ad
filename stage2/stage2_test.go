package stage2_test

import (
	"testing"

	"github.com/ferrovisor/ferrovisor/pagealloc"
	"github.com/ferrovisor/ferrovisor/stage2"
	"github.com/ferrovisor/ferrovisor/vmid"
)

// fakeTLB records invalidation calls instead of touching real hardware.
type fakeTLB struct {
	byVMID []uint64
	ranges []struct{ vmid, ipa, size uint64 }
}

func (f *fakeTLB) InvalidateByVMID(id uint64) { f.byVMID = append(f.byVMID, id) }
func (f *fakeTLB) InvalidateRange(id uint64, ipa, size uint64) {
	f.ranges = append(f.ranges, struct{ vmid, ipa, size uint64 }{id, ipa, size})
}

func newVM(t *testing.T, ipaBits int) (*stage2.VM, *fakeTLB) {
	t.Helper()

	arena, err := pagealloc.NewArena(4096)
	if err != nil {
		t.Fatalf("NewArena: %v", err)
	}

	pool, err := vmid.New(vmid.Width16)
	if err != nil {
		t.Fatalf("vmid.New: %v", err)
	}

	tlb := &fakeTLB{}

	vm, err := stage2.NewVM(ipaBits, stage2.Granule4KB, stage2.DefaultCapabilities(), pool, arena, tlb)
	if err != nil {
		t.Fatalf("NewVM: %v", err)
	}

	return vm, tlb
}

// TestIdentityMapRoundTrip exercises spec.md §8 property 2: a freshly
// mapped range translates back to exactly what was mapped.
func TestIdentityMapRoundTrip(t *testing.T) {
	vm, _ := newVM(t, 40)

	const ipa = uint64(0x1000)
	const hpa = uint64(0x9000)

	if err := vm.MapRange(ipa, hpa, 4096, stage2.Flags{Cacheable: true, Bufferable: true, Writable: true}); err != nil {
		t.Fatalf("MapRange: %v", err)
	}

	d, level, ok := vm.Translate(ipa)
	if !ok {
		t.Fatal("expected translation to succeed")
	}

	if d.OutputAddress() != hpa {
		t.Fatalf("OutputAddress = %#x, want %#x", d.OutputAddress(), hpa)
	}

	if level != 3 {
		t.Fatalf("level = %d, want 3 (page)", level)
	}

	if !d.Writable() {
		t.Fatal("expected writable mapping")
	}
}

// TestLargeRangeUsesBlockDescriptors verifies spec.md §8 property 3: a
// 2 MiB-aligned, 2 MiB-sized range is installed as a single level-2 block
// rather than 512 level-3 pages.
func TestLargeRangeUsesBlockDescriptors(t *testing.T) {
	vm, _ := newVM(t, 40)

	const twoMiB = uint64(2 << 20)
	const ipa = twoMiB * 3
	const hpa = twoMiB * 5

	if err := vm.MapRange(ipa, hpa, twoMiB, stage2.Flags{Cacheable: true, Bufferable: true}); err != nil {
		t.Fatalf("MapRange: %v", err)
	}

	_, level, ok := vm.Translate(ipa)
	if !ok {
		t.Fatal("expected translation to succeed")
	}

	if level != 2 {
		t.Fatalf("level = %d, want 2 (2 MiB block)", level)
	}

	// An address at the far edge of the block should resolve to the same
	// block, proving one descriptor covers the whole 2 MiB span.
	_, level2, ok2 := vm.Translate(ipa + twoMiB - 1)
	if !ok2 || level2 != 2 {
		t.Fatalf("edge of block: ok=%v level=%d, want ok=true level=2", ok2, level2)
	}
}

// TestUnmapLeavesNoStaleTranslation covers spec.md §8 property 4.
func TestUnmapLeavesNoStaleTranslation(t *testing.T) {
	vm, tlb := newVM(t, 40)

	const ipa = uint64(0x2000)

	if err := vm.MapRange(ipa, 0xA000, 4096, stage2.Flags{Cacheable: true, Bufferable: true, Writable: true}); err != nil {
		t.Fatalf("MapRange: %v", err)
	}

	if err := vm.UnmapRange(ipa, 4096); err != nil {
		t.Fatalf("UnmapRange: %v", err)
	}

	vm.FlushTLBRange(ipa, 4096)

	if _, _, ok := vm.Translate(ipa); ok {
		t.Fatal("expected no translation after unmap")
	}

	if len(tlb.ranges) != 1 || tlb.ranges[0].ipa != ipa {
		t.Fatalf("expected one recorded range flush at %#x, got %+v", ipa, tlb.ranges)
	}
}

// TestUnmapPartialBlockClearsWholeLeaf documents that unmapping a
// sub-range of a block-mapped region clears the whole covering leaf,
// since this implementation does not split blocks on partial unmap.
func TestUnmapPartialBlockClearsWholeLeaf(t *testing.T) {
	vm, _ := newVM(t, 40)

	const twoMiB = uint64(2 << 20)

	if err := vm.MapRange(0, twoMiB, twoMiB, stage2.Flags{Cacheable: true, Bufferable: true}); err != nil {
		t.Fatalf("MapRange: %v", err)
	}

	if err := vm.UnmapRange(0, 4096); err != nil {
		t.Fatalf("UnmapRange: %v", err)
	}

	if _, _, ok := vm.Translate(twoMiB / 2); ok {
		t.Fatal("expected the whole 2 MiB block to be cleared, not just the first page")
	}
}

// TestDistinctVMsHaveDistinctVMIDs covers spec.md §8 scenario S1: two
// VMs mapping overlapping IPA ranges remain isolated by VMID. Both VMs
// draw from one pool, as every VM of one hypervisor does.
func TestDistinctVMsHaveDistinctVMIDs(t *testing.T) {
	arena, err := pagealloc.NewArena(4096)
	if err != nil {
		t.Fatalf("NewArena: %v", err)
	}

	pool, err := vmid.New(vmid.Width16)
	if err != nil {
		t.Fatalf("vmid.New: %v", err)
	}

	vmA, err := stage2.NewVM(40, stage2.Granule4KB, stage2.DefaultCapabilities(), pool, arena, &fakeTLB{})
	if err != nil {
		t.Fatalf("NewVM A: %v", err)
	}

	vmB, err := stage2.NewVM(40, stage2.Granule4KB, stage2.DefaultCapabilities(), pool, arena, &fakeTLB{})
	if err != nil {
		t.Fatalf("NewVM B: %v", err)
	}

	if vmA.VMID() == vmB.VMID() {
		t.Fatalf("expected distinct VMIDs, got %d and %d", vmA.VMID(), vmB.VMID())
	}

	if err := vmA.MapRange(0x1000, 0x9000, 4096, stage2.Flags{Writable: true}); err != nil {
		t.Fatalf("MapRange A: %v", err)
	}

	if _, _, ok := vmB.Translate(0x1000); ok {
		t.Fatal("expected vmB's table to be independent of vmA's")
	}
}

// TestAddressSizeFault covers spec.md §8 scenario S2: an IPA beyond the
// Context's configured width classifies as an address-size fault, not a
// plain missing-translation fault.
func TestAddressSizeFault(t *testing.T) {
	vm, _ := newVM(t, 32)

	beyond := uint64(1) << 33

	if kind := vm.ClassifyFault(beyond, false); kind != stage2.FaultAddressSize {
		t.Fatalf("ClassifyFault = %v, want FaultAddressSize", kind)
	}

	if kind := vm.ClassifyFault(0x1000, false); kind != stage2.FaultTranslationMissing {
		t.Fatalf("ClassifyFault(unmapped in-range) = %v, want FaultTranslationMissing", kind)
	}
}

func TestPermissionFaultOnReadOnlyMapping(t *testing.T) {
	vm, _ := newVM(t, 40)

	if err := vm.MapRange(0x4000, 0xB000, 4096, stage2.Flags{Cacheable: true}); err != nil {
		t.Fatalf("MapRange: %v", err)
	}

	if kind := vm.ClassifyFault(0x4000, true); kind != stage2.FaultPermissionDenied {
		t.Fatalf("ClassifyFault(write to RO) = %v, want FaultPermissionDenied", kind)
	}
}

func TestUnsupportedModeRejected(t *testing.T) {
	arena, err := pagealloc.NewArena(16)
	if err != nil {
		t.Fatalf("NewArena: %v", err)
	}

	pool, err := vmid.New(vmid.Width16)
	if err != nil {
		t.Fatalf("vmid.New: %v", err)
	}

	_, err = stage2.NewVM(52, stage2.Granule4KB, stage2.DefaultCapabilities(), pool, arena, &fakeTLB{})
	if err == nil {
		t.Fatal("expected 52-bit IPA to be rejected without LPA2")
	}
}
