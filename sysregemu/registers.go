package sysregemu

import (
	"github.com/ferrovisor/ferrovisor/vcpu"
)

// registerTable is the closed set of AArch64 system registers this
// hypervisor emulates, keyed by (Op0,Op1,CRn,CRm,Op2) per spec.md §4.D.
// Encodings follow the ARMv8-A Architecture Reference Manual system
// instruction tables.
var registerTable = map[regKey]handler{
	// Identification: read-only, writes Ignored (not ReadOnly -- the
	// architecture defines MSR to a read-only register as UNDEFINED,
	// but real guests occasionally probe this path, so treat it as a
	// harmless no-op rather than injecting a fault storm).
	{3, 0, 0, 0, 0}: { // MIDR_EL1
		read:  func(vc *vcpu.VcpuContext, d *Dispatcher) uint64 { return d.midr.Read() },
		write: readOnly,
	},
	{3, 0, 0, 0, 5}: { // MPIDR_EL1
		read:  func(vc *vcpu.VcpuContext, d *Dispatcher) uint64 { return d.mpidr.Read() },
		write: readOnly,
	},

	// System control.
	{3, 0, 1, 0, 0}: { // SCTLR_EL1
		read:  func(vc *vcpu.VcpuContext, d *Dispatcher) uint64 { return vc.EL1.SCTLR.Read() },
		write: func(vc *vcpu.VcpuContext, d *Dispatcher, v uint64) Result { vc.EL1.SCTLR.Write(v); return Ok },
	},
	{3, 0, 1, 0, 1}: { // ACTLR_EL1
		read:  func(vc *vcpu.VcpuContext, d *Dispatcher) uint64 { return vc.EL1.ACTLR },
		write: func(vc *vcpu.VcpuContext, d *Dispatcher, v uint64) Result { vc.EL1.ACTLR = v; return Ok },
	},
	{3, 0, 1, 0, 2}: { // CPACR_EL1
		read:  func(vc *vcpu.VcpuContext, d *Dispatcher) uint64 { return vc.EL1.CPACR.Read() },
		write: func(vc *vcpu.VcpuContext, d *Dispatcher, v uint64) Result { vc.EL1.CPACR.Write(v); return Ok },
	},

	// Memory management.
	{3, 0, 2, 0, 0}: field64(func(vc *vcpu.VcpuContext) *uint64 { return &vc.EL1.TTBR0 }), // TTBR0_EL1
	{3, 0, 2, 0, 1}: field64(func(vc *vcpu.VcpuContext) *uint64 { return &vc.EL1.TTBR1 }), // TTBR1_EL1
	{3, 0, 2, 0, 2}: field64(func(vc *vcpu.VcpuContext) *uint64 { return &vc.EL1.TCR }),   // TCR_EL1
	{3, 0, 10, 2, 0}: field64(func(vc *vcpu.VcpuContext) *uint64 { return &vc.EL1.MAIR }), // MAIR_EL1
	{3, 0, 10, 3, 0}: field64(func(vc *vcpu.VcpuContext) *uint64 { return &vc.EL1.AMAIR }), // AMAIR_EL1

	// Exception state.
	{3, 0, 5, 2, 0}: field64(func(vc *vcpu.VcpuContext) *uint64 { return &vc.EL1.ESR }), // ESR_EL1
	{3, 0, 6, 0, 0}: field64(func(vc *vcpu.VcpuContext) *uint64 { return &vc.EL1.FAR }), // FAR_EL1
	{3, 0, 7, 4, 0}: field64(func(vc *vcpu.VcpuContext) *uint64 { return &vc.EL1.PAR }), // PAR_EL1
	{3, 0, 12, 0, 0}: field64(func(vc *vcpu.VcpuContext) *uint64 { return &vc.EL1.VBAR }), // VBAR_EL1

	// TLS / context.
	{3, 0, 13, 0, 1}: field64(func(vc *vcpu.VcpuContext) *uint64 { return &vc.EL1.CONTEXTIDR }), // CONTEXTIDR_EL1
	{3, 3, 13, 0, 2}: field64(func(vc *vcpu.VcpuContext) *uint64 { return &vc.EL1.TPIDR0 }),     // TPIDR_EL0
	{3, 3, 13, 0, 3}: field64(func(vc *vcpu.VcpuContext) *uint64 { return &vc.EL1.TPIDRRO }),    // TPIDRRO_EL0
	{3, 0, 13, 0, 4}: field64(func(vc *vcpu.VcpuContext) *uint64 { return &vc.EL1.TPIDR1 }),     // TPIDR_EL1

	// Performance counters: honour RES0/RES1 masks by discarding writes
	// entirely (spec.md §4.D "events themselves are not emulated").
	{3, 3, 9, 12, 0}: ignoredRW(), // PMCR_EL0
	{3, 3, 9, 12, 1}: ignoredRW(), // PMCNTENSET_EL0
	{3, 3, 9, 12, 2}: ignoredRW(), // PMCNTENCLR_EL0
	{3, 3, 9, 12, 3}: ignoredRW(), // PMOVSCLR_EL0
	{3, 3, 9, 14, 0}: ignoredRW(), // PMUSERENR_EL0
	{3, 3, 14, 8, 0}: ignoredRW(), // PMEVTYPER0_EL0 (representative; real silicon has 31 of these)
}

// readOnly implements handler.write for a register the architecture
// defines as read-only (spec.md §4.D "Identification ... writes
// Ignored").
func readOnly(vc *vcpu.VcpuContext, d *Dispatcher, v uint64) Result { return ReadOnly }

// field64 builds a handler that stores a register verbatim in the field
// a selector function points at, matching spec.md §4.D's "stored
// verbatim" and "stored in the VCPU" categories.
func field64(selector func(*vcpu.VcpuContext) *uint64) handler {
	return handler{
		read:  func(vc *vcpu.VcpuContext, d *Dispatcher) uint64 { return *selector(vc) },
		write: func(vc *vcpu.VcpuContext, d *Dispatcher, v uint64) Result { *selector(vc) = v; return Ok },
	}
}

// ignoredRW builds a handler for registers this hypervisor accepts
// syntactically but never actually models (spec.md §4.D performance
// counters): reads always return 0, writes are accepted and discarded.
func ignoredRW() handler {
	return handler{
		read:  func(vc *vcpu.VcpuContext, d *Dispatcher) uint64 { return 0 },
		write: func(vc *vcpu.VcpuContext, d *Dispatcher, v uint64) Result { return Ignored },
	}
}
