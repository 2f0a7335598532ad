package vgic

import "sync"

// lpiTable is a software redistributor-table model for LPIs
// (spec.md §3 IRQ range "LPI >= 4096"): a flat map from LPI number to its
// VirtualInterrupt plus the one VCPU it is currently routed to, standing
// in for a full ITS (Interrupt Translation Service) command processor,
// which is out of scope (SPEC_FULL.md §4.F "the core's VGIC
// responsibility names SGI/PPI/SPI/LPI routing but not ITS command
// processing").
type lpiTable struct {
	mu     sync.Mutex
	routes map[uint32]int // lpi -> target VCPU index
}

func newLPITable() *lpiTable {
	return &lpiTable{routes: make(map[uint32]int)}
}

func (t *lpiTable) route(lpi uint32) (int, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()

	v, ok := t.routes[lpi]

	return v, ok
}

func (t *lpiTable) setRoute(lpi uint32, target int) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.routes[lpi] = target
}

// SetLPIRoute assigns lpi to a single target VCPU, the static
// device-assignment operation this model supports in place of full ITS
// command processing (spec.md §4.F "route_spi"-equivalent for LPIs).
// Configure must be called separately (as for any other IRQ) to set
// priority/group/HW-mapping before the LPI is ever pended.
func (d *Distributor) SetLPIRoute(lpi uint32, target int) error {
	if ClassifyIRQ(lpi) != KindLPI {
		return ErrUnknownIRQ
	}

	d.mu.Lock()
	if target < 0 || target >= d.nVCPU {
		d.mu.Unlock()
		return ErrUnknownIRQ
	}
	d.mu.Unlock()

	d.lpis.setRoute(lpi, target)

	d.mu.Lock()
	vi := d.entry(lpi)
	vi.TargetMask = 1 << uint(target)
	d.mu.Unlock()

	return nil
}

// LPIRoute returns the VCPU lpi is currently routed to, or ok=false if
// SetLPIRoute has never been called for it.
func (d *Distributor) LPIRoute(lpi uint32) (int, bool) {
	return d.lpis.route(lpi)
}
