package sysreg

// CPTR is the Architectural Feature Trap Register, CPTR_EL2. It gates
// lazy FP/SIMD restore (spec.md §4.C step 5): TFP set means the next guest
// FP/SIMD instruction traps to EL2 instead of running natively.
type CPTR struct {
	raw uint64
}

var (
	cptrTFP  = field{10, 10}
	cptrTTA  = field{20, 20}
	cptrTCPAC = field{31, 31}
	cptrTSM  = field{12, 12} // trap SME, RES0 if SME not implemented
	cptrTZ   = field{8, 8}   // trap SVE, RES0 if SVE not implemented
)

func (r *CPTR) Read() uint64   { return r.raw }
func (r *CPTR) Write(v uint64) { r.raw = v }

func (r *CPTR) TFP() bool     { return cptrTFP.getBool(r.raw) }
func (r *CPTR) SetTFP(v bool) { r.raw = cptrTFP.setBool(r.raw, v) }
func (r *CPTR) TTA() bool     { return cptrTTA.getBool(r.raw) }
func (r *CPTR) SetTTA(v bool) { r.raw = cptrTTA.setBool(r.raw, v) }

// DefaultCPTR returns the CPTR_EL2 value used when a VCPU's lazy-FP state
// is Clean: FP/SIMD is trapped so the first guest FP instruction faults
// into the lazy-restore path (spec.md §4.E EC 0b000111).
func DefaultCPTR() CPTR {
	var c CPTR
	c.SetTFP(true)

	return c
}

// HSTR is the Hypervisor System Trap Register, HSTR_EL2: per-CRn traps for
// AArch32 CP15 accesses (spec.md §4.C step 3, §9 AArch32 guest support).
type HSTR struct {
	raw uint64
}

// TrapCRn sets or clears the trap bit for coprocessor register CRn
// (0-15, excluding CRn 4 and 14 which are RES0).
func (r *HSTR) TrapCRn(crn uint, trap bool) {
	if crn > 15 {
		return
	}

	f := field{uint8(crn), uint8(crn)}
	r.raw = f.setBool(r.raw, trap)
}

func (r *HSTR) Read() uint64   { return r.raw }
func (r *HSTR) Write(v uint64) { r.raw = v }
