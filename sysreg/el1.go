package sysreg

// SCTLR is the EL1 System Control Register, SCTLR_EL1: the guest's MMU and
// alignment-check enable bits. The hypervisor never acts on it directly;
// sysregemu stores whatever the guest writes and vcpu applies it to the
// real EL1 bank on the next entry (spec.md §4.D "System control").
type SCTLR struct {
	raw uint64
}

var (
	sctlrM  = field{0, 0} // MMU enable
	sctlrA  = field{1, 1}
	sctlrC  = field{2, 2} // data cache enable
	sctlrSA = field{3, 3}
	sctlrI  = field{12, 12} // instruction cache enable
)

func (r *SCTLR) Read() uint64   { return r.raw }
func (r *SCTLR) Write(v uint64) { r.raw = v }

func (r *SCTLR) M() bool { return sctlrM.getBool(r.raw) }
func (r *SCTLR) C() bool { return sctlrC.getBool(r.raw) }
func (r *SCTLR) I() bool { return sctlrI.getBool(r.raw) }

// CPACR is the Architectural Feature Access Control Register, CPACR_EL1: a
// guest-owned register that is fully read/write from the guest's point of
// view (spec.md §4.D) and merely stored/restored by the hypervisor.
type CPACR struct {
	raw uint64
}

func (r *CPACR) Read() uint64   { return r.raw }
func (r *CPACR) Write(v uint64) { r.raw = v }

// MIDR is the Main ID Register, MIDR_EL1: read-only identification, the
// per-VM configured CPU implementer/part/revision (spec.md §4.D
// "Identification"; scenario S3).
type MIDR struct {
	raw uint64
}

func NewMIDR(raw uint64) MIDR { return MIDR{raw: raw} }
func (r MIDR) Read() uint64   { return r.raw }

// MPIDR is the Multiprocessor Affinity Register, MPIDR_EL1: the
// hierarchical affinity fields PSCI's CPU_ON/AFFINITY_INFO index by
// (spec.md §4.H, GLOSSARY "MPIDR").
type MPIDR struct {
	raw uint64
}

var (
	mpidrAff0 = field{7, 0}
	mpidrAff1 = field{15, 8}
	mpidrAff2 = field{23, 16}
	mpidrAff3 = field{39, 32}
	mpidrMT   = field{24, 24}
	mpidrU    = field{30, 30}
)

// NewMPIDR builds an MPIDR_EL1 value for a multi-core, multi-cluster
// topology: aff0 is the core index within a cluster, aff1 the cluster
// index. Bit 31 (RES1 on ARMv8) and the U/MT bits follow the architecture.
func NewMPIDR(aff0, aff1, aff2, aff3 uint64) MPIDR {
	var r MPIDR
	r.raw = mpidrAff0.set(r.raw, aff0)
	r.raw = mpidrAff1.set(r.raw, aff1)
	r.raw = mpidrAff2.set(r.raw, aff2)
	r.raw = mpidrAff3.set(r.raw, aff3)
	r.raw |= 1 << 31 // RES1

	return r
}

func (r MPIDR) Read() uint64 { return r.raw }
func (r MPIDR) Aff0() uint64 { return mpidrAff0.get(r.raw) }
func (r MPIDR) Aff1() uint64 { return mpidrAff1.get(r.raw) }
func (r MPIDR) Aff2() uint64 { return mpidrAff2.get(r.raw) }
func (r MPIDR) Aff3() uint64 { return mpidrAff3.get(r.raw) }

// AffinityMatch reports whether r and other match down to the given
// "lowest affinity level" as used by PSCI AFFINITY_INFO: 0 means match on
// Aff0 only, 1 adds Aff1, 2 adds Aff2, 3 adds Aff3.
func (r MPIDR) AffinityMatch(other MPIDR, lowestLevel int) bool {
	if r.Aff0() != other.Aff0() {
		return false
	}

	if lowestLevel >= 1 && r.Aff1() != other.Aff1() {
		return false
	}

	if lowestLevel >= 2 && r.Aff2() != other.Aff2() {
		return false
	}

	if lowestLevel >= 3 && r.Aff3() != other.Aff3() {
		return false
	}

	return true
}
