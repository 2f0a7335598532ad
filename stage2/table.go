package stage2

import (
	"sync"

	"github.com/ferrovisor/ferrovisor/pagealloc"
)

// tableNode is one allocated translation-table page together with the
// bookkeeping needed to free it again once empty, mirroring the teacher's
// MemorySlot "track what you handed out so you can tear it down" idiom.
type tableNode struct {
	pa       pagealloc.HPA
	level    int
	entries  int
	children int // number of valid descriptors currently in this table
}

// Context is one VM's Stage-2 translation tree: a root table plus the
// page allocator and VMID it was built with (spec.md §3 Stage2Table, §4.B
// create_context).
type Context struct {
	mu sync.Mutex

	mode Mode
	vmid uint64
	mem  Memory

	root pagealloc.HPA
	// nodes indexes every allocated table page by its HPA so walks can
	// find/extend/free them without re-deriving addresses from descriptor
	// bits each time.
	nodes map[pagealloc.HPA]*tableNode
}

// Memory is the byte-level access a Stage-2 context needs on top of
// pagealloc.Allocator: table walks must read and overwrite the raw
// descriptor words of allocated pages, which the bare Allocator contract
// does not expose. pagealloc.Arena satisfies this today.
type Memory interface {
	pagealloc.Allocator
	Bytes(pagealloc.HPA) []byte
}

// NewContext allocates a root table and returns a Context ready for
// map_range/translate calls (spec.md §4.B create_context).
func NewContext(ipaBits int, granule Granule, caps Capabilities, vmid uint64, mem Memory) (*Context, error) {
	mode, err := NewMode(ipaBits, granule, caps)
	if err != nil {
		return nil, err
	}

	root, err := mem.AllocPage()
	if err != nil {
		return nil, err
	}

	c := &Context{
		mode:  mode,
		vmid:  vmid,
		mem:   mem,
		root:  root,
		nodes: map[pagealloc.HPA]*tableNode{},
	}
	c.nodes[root] = &tableNode{pa: root, level: mode.StartLevel, entries: mode.TopEntries}

	return c, nil
}

// Mode returns the resolved IPA/granule configuration this context was
// built with.
func (c *Context) Mode() Mode { return c.mode }

// Root returns the host physical address of the root table, for
// programming VTTBR_EL2.
func (c *Context) Root() pagealloc.HPA { return c.root }

func (c *Context) descSlice(node *tableNode) []Descriptor {
	raw := c.mem.Bytes(node.pa)
	out := make([]Descriptor, node.entries)

	for i := range out {
		var v uint64
		for b := 0; b < 8; b++ {
			v |= uint64(raw[i*8+b]) << (8 * b)
		}
		out[i] = Descriptor(v)
	}

	return out
}

func (c *Context) writeDesc(node *tableNode, index int, d Descriptor) {
	raw := c.mem.Bytes(node.pa)
	v := uint64(d)

	for b := 0; b < 8; b++ {
		raw[index*8+b] = byte(v >> (8 * b))
	}
}

func (c *Context) readDesc(node *tableNode, index int) Descriptor {
	raw := c.mem.Bytes(node.pa)
	var v uint64

	for b := 0; b < 8; b++ {
		v |= uint64(raw[index*8+b]) << (8 * b)
	}

	return Descriptor(v)
}

// walkOrCreate descends from the root to level, allocating intermediate
// tables as needed, and returns the node at level plus the index ipa
// resolves to there.
func (c *Context) walkOrCreate(ipa uint64, level int) (*tableNode, int, error) {
	node := c.nodes[c.root]

	for node.level < level {
		idx := c.mode.indexAtLevel(ipa, node.level)
		d := c.readDesc(node, int(idx))

		var child *tableNode
		if d.Valid() && d.IsTable(node.level) {
			child = c.nodes[pagealloc.HPA(d.OutputAddress())]
		} else {
			pa, err := c.mem.AllocPage()
			if err != nil {
				return nil, 0, err
			}

			child = &tableNode{pa: pa, level: node.level + 1, entries: c.mode.entriesAtLevel(node.level + 1)}
			c.nodes[pa] = child
			c.writeDesc(node, int(idx), buildTable(uint64(pa)))
			node.children++
		}

		node = child
	}

	return node, int(c.mode.indexAtLevel(ipa, level)), nil
}

// MapRange installs a single flags-consistent translation for [ipa, ipa+size)
// to [hpa, hpa+size), choosing the largest block size the hardware allows
// that still fits within both the requested range and the natural
// alignment of ipa/hpa (spec.md §4.B map_range, §8 property 3).
func (c *Context) mapRangeLocked(ipa, hpa, size uint64, flags Flags) error {
	for size > 0 {
		level, blockSize := c.bestFit(ipa, hpa, size)

		node, idx, err := c.walkOrCreate(ipa, level)
		if err != nil {
			return err
		}

		isPage := level == 3
		old := c.readDesc(node, idx)
		c.writeDesc(node, idx, buildLeaf(hpa, flags, isPage))

		if !old.Valid() {
			node.children++
		}

		ipa += blockSize
		hpa += blockSize
		size -= blockSize
	}

	return nil
}

// bestFit returns the lowest level (largest block) whose natural size is
// no larger than size and to which both ipa and hpa are aligned,
// clamped to the leaf level as a last resort.
func (c *Context) bestFit(ipa, hpa, size uint64) (level int, blockSize uint64) {
	for level = c.mode.StartLevel; level < 3; level++ {
		bs := c.mode.blockSize(level)
		if size >= bs && ipa%bs == 0 && hpa%bs == 0 {
			return level, bs
		}
	}

	return 3, c.mode.blockSize(3)
}

// UnmapRange clears every descriptor covering [ipa, ipa+size), freeing any
// intermediate table that becomes entirely empty as a result (spec.md
// §4.B unmap_range, §8 property 4: "no stale descriptor survives for any
// sub-range").
func (c *Context) unmapRangeLocked(ipa, size uint64) error {
	for size > 0 {
		level, blockSize, node, idx, err := c.findCovering(ipa)
		if err != nil {
			return err
		}

		step := blockSize
		if step > size {
			step = size // clearing a sub-block range still clears the whole leaf it falls in
		}

		if node != nil {
			old := c.readDesc(node, idx)
			if old.Valid() {
				c.writeDesc(node, idx, Descriptor(0))
				node.children--
				c.collapseIfEmpty(node)
			}
		}

		_ = level
		ipa += step
		size -= step
	}

	return nil
}

// collapseIfEmpty frees node and clears its parent's pointer to it once
// node holds no valid descriptors, walking upward so a cascade of empty
// tables is fully reclaimed.
func (c *Context) collapseIfEmpty(node *tableNode) {
	if node.pa == c.root || node.children > 0 {
		return
	}

	parent, parentIdx, ok := c.findParent(node)
	if !ok {
		return
	}

	c.writeDesc(parent, parentIdx, Descriptor(0))
	parent.children--
	c.mem.FreePage(node.pa)
	delete(c.nodes, node.pa)

	c.collapseIfEmpty(parent)
}

func (c *Context) findParent(target *tableNode) (*tableNode, int, bool) {
	for _, n := range c.nodes {
		if n.level != target.level-1 {
			continue
		}

		descs := c.descSlice(n)
		for i, d := range descs {
			if d.Valid() && d.IsTable(n.level) && pagealloc.HPA(d.OutputAddress()) == target.pa {
				return n, i, true
			}
		}
	}

	return nil, 0, false
}

// findCovering walks the tree for ipa and returns the leaf level/blockSize
// and the table node/index holding (or that would hold) its descriptor.
func (c *Context) findCovering(ipa uint64) (level int, blockSize uint64, node *tableNode, idx int, err error) {
	cur := c.nodes[c.root]

	for {
		i := int(c.mode.indexAtLevel(ipa, cur.level))
		d := c.readDesc(cur, i)

		if cur.level == 3 || !d.IsTable(cur.level) {
			return cur.level, c.mode.blockSize(cur.level), cur, i, nil
		}

		child, ok := c.nodes[pagealloc.HPA(d.OutputAddress())]
		if !ok {
			return cur.level, c.mode.blockSize(cur.level), cur, i, nil
		}

		cur = child
	}
}

// Translate resolves ipa through the tree, returning the matching leaf
// descriptor and the level it was found at, or ok=false for an
// unmapped/partial translation (spec.md §4.B translate, §8 property 5).
func (c *Context) translateLocked(ipa uint64) (d Descriptor, level int, ok bool) {
	cur := c.nodes[c.root]

	for {
		i := int(c.mode.indexAtLevel(ipa, cur.level))
		desc := c.readDesc(cur, i)

		if !desc.Valid() {
			return Descriptor(0), cur.level, false
		}

		if desc.IsLeaf(cur.level) {
			return desc, cur.level, true
		}

		child, ok := c.nodes[pagealloc.HPA(desc.OutputAddress())]
		if !ok {
			return Descriptor(0), cur.level, false
		}

		cur = child
	}
}
