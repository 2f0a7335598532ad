// Package vmid manages the pool of Virtual Machine Identifiers used to tag
// Stage-2 TLB entries. Allocation and release are guarded by a single
// mutex, mirroring the "VMID pool: single spinlock" rule from the core's
// concurrency model: the lock is held only long enough to flip a bit.
package vmid

import (
	"errors"
	"sync"
)

// ID identifies a guest for Stage-2 TLB tagging purposes. Hardware may tag
// TLB entries with either 8 or 16 bits of VMID; Pool.Width chooses which
// range is handed out.
type ID uint16

// Width selects how many bits of VMID the underlying hardware implements.
type Width int

const (
	Width8  Width = 8
	Width16 Width = 16
)

// ErrNoVMID is returned by Alloc when the pool is exhausted.
var ErrNoVMID = errors.New("vmid: pool exhausted")

// ErrInvalidWidth is returned by New for an unsupported width.
var ErrInvalidWidth = errors.New("vmid: width must be 8 or 16")

// ErrNotAllocated is returned by Free for an ID that is not currently live.
var ErrNotAllocated = errors.New("vmid: id not allocated")

// Pool is a fixed-size bitmap of VMIDs in use. The zero value is not valid;
// use New.
type Pool struct {
	mu       sync.Mutex
	used     []bool
	freeHint ID
}

// New creates a Pool sized for the given hardware VMID width. VMID 0 is
// reserved for the host/hypervisor address space and is never handed out.
func New(width Width) (*Pool, error) {
	switch width {
	case Width8, Width16:
	default:
		return nil, ErrInvalidWidth
	}

	n := 1 << uint(width)
	p := &Pool{
		used:     make([]bool, n),
		freeHint: 1,
	}
	// VMID 0 is reserved.
	p.used[0] = true

	return p, nil
}

// Alloc reserves and returns an unused VMID.
func (p *Pool) Alloc() (ID, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	n := len(p.used) // 65536 for Width16, which does not fit in an ID
	for i := 0; i < n; i++ {
		id := ID((int(p.freeHint) + i) % n)
		if id == 0 {
			continue
		}

		if !p.used[id] {
			p.used[id] = true
			p.freeHint = id + 1

			return id, nil
		}
	}

	return 0, ErrNoVMID
}

// Free releases id back to the pool. The caller is responsible for issuing
// the broadcast Stage-2 TLB invalidation for id before a subsequent Alloc
// can observe stale translations tagged with it (spec.md §3 VMID
// invariant): Free itself performs no TLB maintenance, since only the
// Stage-2 engine (which owns the hardware handle) can do that.
func (p *Pool) Free(id ID) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if int(id) >= len(p.used) || id == 0 || !p.used[id] {
		return ErrNotAllocated
	}

	p.used[id] = false

	return nil
}

// InUse reports whether id is currently allocated. Intended for tests and
// diagnostics, not hot-path use.
func (p *Pool) InUse(id ID) bool {
	p.mu.Lock()
	defer p.mu.Unlock()

	return int(id) < len(p.used) && p.used[id]
}

// Len returns the number of VMIDs the pool can hand out, including the
// reserved VMID 0.
func (p *Pool) Len() int {
	p.mu.Lock()
	defer p.mu.Unlock()

	return len(p.used)
}
