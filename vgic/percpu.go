package vgic

import (
	"sync"

	"github.com/ferrovisor/ferrovisor/sysreg"
	"github.com/ferrovisor/ferrovisor/vcpu"
)

// PerVCPU is one VCPU's list-register allocator plus the guest-visible
// CPU-interface registers the guest programs via ICC_* traps (spec.md
// §4.F "Per-VCPU state: shadow of the hardware list registers ..., a
// used bitmap, and an IRQ->LR index map").
//
// The hardware-facing half of this state (list registers, HCR, VMCR,
// APR) lives directly in vcpu.VGICState so it crosses the world-switch
// boundary the same way EL1Bank and FPState do; PerVCPU only adds the
// software-only IRQ->LR index and the virtual priority-mask/binary-point
// registers, grounded on the teacher's memory.MemorySlot bookkeeping
// layered on top of plain mmap'd bytes.
type PerVCPU struct {
	mu      sync.Mutex
	vc      *vcpu.VcpuContext
	dist    *Distributor
	codec   ListRegisterCodec
	index   int
	irqToLR map[uint32]int

	pmr   uint8 // ICC_PMR_EL1: priority mask
	bpr   uint8 // ICC_BPR1_EL1: binary point
	grpEn bool  // ICC_IGRPEN1_EL1
}

// NewPerVCPU wires vc's VGIC shadow to dist using codec for list-register
// encoding. index is this VCPU's bit position in distributor target
// masks.
func NewPerVCPU(vc *vcpu.VcpuContext, dist *Distributor, codec ListRegisterCodec, index int) *PerVCPU {
	vc.VGIC.NumLR = codec.MaxLR()

	p := &PerVCPU{
		vc:      vc,
		dist:    dist,
		codec:   codec,
		index:   index,
		irqToLR: make(map[uint32]int),
	}

	dist.register(index, p)

	return p
}

func (p *PerVCPU) freeSlot() (int, bool) {
	for i := 0; i < p.vc.VGIC.NumLR; i++ {
		if p.vc.VGIC.Used&(1<<uint(i)) == 0 {
			return i, true
		}
	}

	return 0, false
}

// Inject implements spec.md §4.F inject: find a free list register and
// write a pending-state entry for vIRQ. If pIRQ is non-nil, the HW bit is
// set so the guest's eventual EOI deactivates the physical line directly.
// When no list register is free, the IRQ is marked pending in the
// distributor shadow and the underflow maintenance interrupt is enabled
// so the next exit retries delivery.
func (p *PerVCPU) Inject(vIRQ uint32, priority uint8, group Group, pIRQ *uint32) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	slot, ok := p.freeSlot()
	if !ok {
		p.dist.setPending(vIRQ, true)

		hcr := sysreg.NewICHHCR(p.vc.VGIC.HCR)
		hcr.SetUIE(true)
		p.vc.VGIC.HCR = hcr.Read()

		return ErrNoFreeLR
	}

	hw := pIRQ != nil

	var pID uint32
	if hw {
		pID = *pIRQ
	}

	lr := sysreg.BuildICHLR(vIRQ, priority, uint8(group), hw, pID)
	p.vc.VGIC.LR[slot] = p.codec.Encode(lr)
	p.vc.VGIC.Used |= 1 << uint(slot)
	p.irqToLR[vIRQ] = slot

	return nil
}

// UsedCount reports the popcount of the used-list-register bitmap,
// exercised by spec.md §8 property 7 ("VGIC LR conservation").
func (p *PerVCPU) UsedCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()

	count := 0

	for i := 0; i < p.vc.VGIC.NumLR; i++ {
		if p.vc.VGIC.Used&(1<<uint(i)) != 0 {
			count++
		}
	}

	return count
}

// ScanEOI implements the exit-time half of spec.md §4.F "On exit: ...
// scan the EOI-status register to translate EOIs into either SGI/PPI/SPI
// deactivation in the distributor shadow or hardware EOIs if the IRQ was
// hw". It inspects every list register no longer Pending or Active (i.e.
// State==Inactive) that this PerVCPU still has indexed and retires it.
//
// hwEOI is called once per retired hardware-backed IRQ so the caller
// (the hypervisor orchestration layer) can deactivate the physical line
// via the GIC hypervisor interface; it may be nil if no IRQ here is
// hardware-backed.
func (p *PerVCPU) ScanEOI(hwEOI func(hostIRQ uint32)) {
	p.mu.Lock()
	defer p.mu.Unlock()

	for vIRQ, slot := range p.irqToLR {
		lr := p.codec.Decode(p.vc.VGIC.LR[slot])
		if lr.Pending() || lr.Active() {
			continue
		}

		if lr.HW() && hwEOI != nil {
			hwEOI(lr.PINTID())
		}

		p.vc.VGIC.Used &^= 1 << uint(slot)
		p.vc.VGIC.LR[slot] = 0
		delete(p.irqToLR, vIRQ)
	}
}

// RetryPending re-attempts Inject for every IRQ the distributor shadow
// still has marked pending for this VCPU's index, called after ScanEOI
// frees list registers (spec.md §4.F "mark the IRQ pending ... so the
// next exit picks it up").
func (p *PerVCPU) RetryPending(candidates []uint32) {
	for _, irq := range candidates {
		if !p.dist.takePending(irq) {
			continue
		}

		vi := p.dist.State(irq)

		var pIRQ *uint32
		if vi.HW {
			h := vi.HostIRQ
			pIRQ = &h
		}

		if err := p.Inject(irq, vi.Priority, vi.Group, pIRQ); err != nil {
			p.dist.setPending(irq, true) // still no room, put it back
		}
	}
}

// RetryAllPending finds every IRQ still marked pending in the
// distributor shadow for this VCPU's index and retries Inject for each.
// Intended to be called once per exit, after ScanEOI has had a chance to
// free list registers (spec.md §4.F "the underflow maintenance interrupt
// ... the next exit retries delivery").
func (p *PerVCPU) RetryAllPending() {
	p.RetryPending(p.dist.PendingForVCPU(p.index))
}
