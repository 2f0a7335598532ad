// Package vgic implements the virtual Generic Interrupt Controller
// (spec.md §4.F): a per-VM distributor shadow plus a per-VCPU
// list-register allocator, presenting the guest a GICv2- or
// GICv3-compatible interrupt controller while the host GIC's hypervisor
// interface does the actual interrupt delivery.
//
// The distributor/list-register split mirrors the teacher's own
// interrupt-routing split between a shared IRQ chip (kvm.CreateIRQChip)
// and the per-call kvm.IRQLine line-level ioctl: one shared resource
// (here, the Distributor) and one fast per-delivery path (here, Inject).
package vgic

import "errors"

// Group distinguishes the two ARM GIC interrupt groups. Group 1 is the
// only group a guest OS normally uses; Group 0 exists for completeness
// since the LR encodes it (spec.md §3 "VirtualInterrupt ... plus a Group
// field").
type Group uint8

const (
	Group0 Group = 0
	Group1 Group = 1
)

// IRQ number ranges (spec.md §4.F "IRQ ranges: SGI 0-15, PPI 16-31,
// SPI 32-1019, LPI >= 4096").
const (
	SGIBase = 0
	SGIMax  = 15
	PPIBase = 16
	PPIMax  = 31
	SPIBase = 32
	SPIMax  = 1019
	LPIBase = 4096
)

// Kind classifies an IRQ number into its architectural category.
type Kind int

const (
	KindSGI Kind = iota
	KindPPI
	KindSPI
	KindLPI
	KindReserved
)

// ClassifyIRQ reports which IRQ category irq falls into.
func ClassifyIRQ(irq uint32) Kind {
	switch {
	case irq <= SGIMax:
		return KindSGI
	case irq <= PPIMax:
		return KindPPI
	case irq <= SPIMax:
		return KindSPI
	case irq >= LPIBase:
		return KindLPI
	default:
		return KindReserved
	}
}

// VirtualInterrupt is the per-IRQ distributor state (spec.md §3
// "VirtualInterrupt" data model entry).
type VirtualInterrupt struct {
	IRQ         uint32
	Enabled     bool
	Pending     bool
	Active      bool
	Priority    uint8
	TargetMask  uint8 // bitmask of VCPU indices, meaningful for SGI/PPI/SPI
	EdgeTrigger bool  // false = level-triggered
	Group       Group
	HostIRQ     uint32 // valid only when HW is true
	HW          bool
	SourceVCPU  int // set by route_sgi, -1 otherwise
}

var (
	// ErrNoFreeLR is returned by Inject when every list register on the
	// target VCPU already holds a pending or active interrupt; the caller
	// falls back to marking the IRQ pending in the distributor shadow and
	// enabling the underflow maintenance interrupt (spec.md §4.F inject).
	ErrNoFreeLR = errors.New("vgic: no free list register")
	// ErrUnknownIRQ is returned by SetLPIRoute when the IRQ number is not
	// in the LPI range or the target VCPU index is out of range.
	ErrUnknownIRQ = errors.New("vgic: unknown irq")
)
