package vgic

import "sync"

// Distributor is one VM's shared interrupt-routing state: per-IRQ
// enable/pending/active/priority/target-mask/config, independent of
// which VCPU is currently running (spec.md §4.F "Distributor state").
//
// Grounded on the teacher's memory.Memory slot map (one mutex-guarded map
// keyed by a small integer, looked up on every access) generalized from
// physical-page slots to IRQ numbers.
type Distributor struct {
	mu    sync.Mutex
	irqs  map[uint32]*VirtualInterrupt
	nVCPU int
	lpis  *lpiTable
	vcpus []*PerVCPU // registered by NewPerVCPU, indexed by VCPU index
}

// NewDistributor returns a Distributor for a VM with nVCPU virtual CPUs,
// used to size target masks.
func NewDistributor(nVCPU int) *Distributor {
	return &Distributor{
		irqs:  make(map[uint32]*VirtualInterrupt),
		nVCPU: nVCPU,
		lpis:  newLPITable(),
		vcpus: make([]*PerVCPU, nVCPU),
	}
}

// register records p as the PerVCPU state backing VCPU index i, so
// RouteSGI/RouteSPI can deliver straight into its list registers. Called
// once by NewPerVCPU; a nil entry (never registered) is treated as a
// target with no list registers, so delivery to it just leaves the IRQ
// pending in the shadow.
func (d *Distributor) register(i int, p *PerVCPU) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if i >= 0 && i < len(d.vcpus) {
		d.vcpus[i] = p
	}
}

func (d *Distributor) entry(irq uint32) *VirtualInterrupt {
	vi, ok := d.irqs[irq]
	if !ok {
		vi = &VirtualInterrupt{IRQ: irq, Group: Group1, SourceVCPU: -1}
		d.irqs[irq] = vi
	}

	return vi
}

// Configure sets the static properties of irq (priority, group, edge
// trigger, and optional hardware-IRQ mapping). Safe to call before or
// after the IRQ has ever been pended.
func (d *Distributor) Configure(irq uint32, priority uint8, group Group, edge bool, hostIRQ uint32, hw bool) {
	d.mu.Lock()
	defer d.mu.Unlock()

	vi := d.entry(irq)
	vi.Priority = priority
	vi.Group = group
	vi.EdgeTrigger = edge
	vi.HostIRQ = hostIRQ
	vi.HW = hw
}

// SetEnable enables or disables delivery of irq.
func (d *Distributor) SetEnable(irq uint32, enabled bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.entry(irq).Enabled = enabled
}

// State returns a copy of irq's current distributor state.
func (d *Distributor) State(irq uint32) VirtualInterrupt {
	d.mu.Lock()
	defer d.mu.Unlock()

	return *d.entry(irq)
}

// setPending marks irq pending in the shadow, used as the fallback path
// when Inject finds no free list register.
func (d *Distributor) setPending(irq uint32, pending bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.entry(irq).Pending = pending
}

// takePending clears and returns whether irq was pending in the shadow,
// used by PerVCPU.Inject to retry IRQs that backed off earlier.
func (d *Distributor) takePending(irq uint32) bool {
	d.mu.Lock()
	defer d.mu.Unlock()

	vi := d.entry(irq)
	was := vi.Pending
	vi.Pending = false

	return was
}

// RouteSGI implements spec.md §4.F route_sgi: mark sgi pending in every
// VCPU named by targetMask's bits, recording srcVCPU for acknowledgement,
// then deliver it immediately to every targeted VCPU that has a
// registered PerVCPU (see deliver).
func (d *Distributor) RouteSGI(srcVCPU int, sgi uint32, targetMask uint8) {
	if ClassifyIRQ(sgi) != KindSGI {
		return
	}

	d.mu.Lock()
	vi := d.entry(sgi)
	vi.TargetMask |= targetMask
	vi.SourceVCPU = srcVCPU
	vi.Pending = true
	priority, group := vi.Priority, vi.Group
	d.mu.Unlock()

	d.deliver(sgi, priority, group, nil, targetMask)
}

// RouteSPI implements spec.md §4.F route_spi: mark spi pending for every
// VCPU in targetMask, then deliver it immediately the same way RouteSGI
// does.
func (d *Distributor) RouteSPI(spi uint32, targetMask uint8) {
	if ClassifyIRQ(spi) != KindSPI {
		return
	}

	d.mu.Lock()
	vi := d.entry(spi)
	vi.TargetMask |= targetMask
	vi.Pending = true
	priority, group, hw, hostIRQ := vi.Priority, vi.Group, vi.HW, vi.HostIRQ
	d.mu.Unlock()

	var pIRQ *uint32
	if hw {
		pIRQ = &hostIRQ
	}

	d.deliver(spi, priority, group, pIRQ, targetMask)
}

// deliver implements the delivery half of route_sgi/route_spi (spec.md
// §4.F "the caller ... calling PerVCPU.Inject on each targeted VCPU"):
// call Inject on every VCPU targetMask names that has a registered
// PerVCPU. A target with no free list register (or no registered
// PerVCPU at all) leaves the shadow Pending bit set, picked up again by
// PerVCPU.RetryAllPending once a list register frees up.
func (d *Distributor) deliver(irq uint32, priority uint8, group Group, pIRQ *uint32, targetMask uint8) {
	delivered := false

	for _, i := range TargetedVCPUs(targetMask, d.nVCPU) {
		d.mu.Lock()
		p := d.vcpus[i]
		d.mu.Unlock()

		if p == nil {
			continue
		}

		if err := p.Inject(irq, priority, group, pIRQ); err == nil {
			delivered = true
		}
	}

	if delivered {
		d.setPending(irq, false)
	}
}

// PendingForVCPU returns every IRQ number currently marked pending in the
// shadow that targets VCPU index i, for PerVCPU.RetryAllPending to retry
// after ScanEOI frees list registers.
func (d *Distributor) PendingForVCPU(i int) []uint32 {
	d.mu.Lock()
	defer d.mu.Unlock()

	var out []uint32

	for irq, vi := range d.irqs {
		if vi.Pending && vi.TargetMask&(1<<uint(i)) != 0 {
			out = append(out, irq)
		}
	}

	return out
}

// TargetedVCPUs returns the VCPU indices targetMask names, for callers
// that need to iterate and call Inject on each.
func TargetedVCPUs(targetMask uint8, nVCPU int) []int {
	var out []int

	for i := 0; i < nVCPU && i < 8; i++ {
		if targetMask&(1<<uint(i)) != 0 {
			out = append(out, i)
		}
	}

	return out
}
