package sysreg

// ESR is the Exception Syndrome Register (ESR_EL2 on the hypervisor side,
// ESR_EL1 when synthesized for injection into a guest): the exception
// class plus an instruction-specific syndrome (spec.md §4.E, GLOSSARY
// "ESR").
type ESR struct {
	raw uint64
}

var (
	esrISS = field{24, 0}
	esrIL  = field{25, 25}
	esrEC  = field{31, 26}
	esrISS2 = field{36, 32}
)

func NewESR(raw uint64) ESR  { return ESR{raw: raw} }
func (r ESR) Read() uint64   { return r.raw }
func (r *ESR) Write(v uint64) { r.raw = v }

// EC returns the exception class, ESR_EL2.EC[31:26].
func (r ESR) EC() uint8 { return uint8(esrEC.get(r.raw)) }

// ISS returns the 25-bit instruction-specific syndrome, ESR_EL2.ISS[24:0].
func (r ESR) ISS() uint32 { return uint32(esrISS.get(r.raw)) }

// IL reports whether the trapped instruction was 32 bits (true) or 16 bits
// (false) -- only meaningful for AArch32 guests.
func (r ESR) IL() bool { return esrIL.getBool(r.raw) }

// BuildESR assembles a raw ESR value from EC and ISS, used when
// synthesizing ESR_EL1 for injection (spec.md §4.E "prepare an injected
// abort with ESR_EL1 ... synthesized from the trap").
func BuildESR(ec uint8, iss uint32) uint64 {
	var raw uint64
	raw = esrEC.set(raw, uint64(ec))
	raw = esrISS.set(raw, uint64(iss))
	raw = esrIL.set(raw, 1)

	return raw
}

// Exception classes, ARMv8-A Architecture Reference Manual, Table D13-11.
const (
	ECUnknown           uint8 = 0b000000
	ECWFIWFE             uint8 = 0b000001
	ECMCRMRCCP15         uint8 = 0b000011
	ECMCRRMRRCCP15       uint8 = 0b000100
	ECMCRMRCCP14         uint8 = 0b000101
	ECLDCSTCCP14         uint8 = 0b000110
	ECFPSIMDAccess       uint8 = 0b000111
	ECMRCVMRSCP10        uint8 = 0b001000
	ECMRRCCP14           uint8 = 0b001100
	ECIllegalState       uint8 = 0b001110
	ECSVC32              uint8 = 0b010001
	ECHVC32              uint8 = 0b010010
	ECSMC32              uint8 = 0b010011
	ECSVC64              uint8 = 0b010101
	ECHVC64              uint8 = 0b010110
	ECSMC64              uint8 = 0b010111
	ECMSRMRSSystem       uint8 = 0b011000 // trapped MSR/MRS/system instr, AArch64
	ECSVEAccess          uint8 = 0b011001
	ECInstrAbortLowerEL  uint8 = 0b100000
	ECInstrAbortSameEL   uint8 = 0b100001
	ECPCAlignment        uint8 = 0b100010
	ECDataAbortLowerEL   uint8 = 0b100100
	ECDataAbortSameEL    uint8 = 0b100101
	ECSPAlignment        uint8 = 0b100110
	ECTrappedFP          uint8 = 0b101100
	ECSError             uint8 = 0b101111
	ECBreakpointLowerEL  uint8 = 0b110000
	ECBreakpointSameEL   uint8 = 0b110001
	ECSoftwareStepLowerEL uint8 = 0b110010
	ECSoftwareStepSameEL uint8 = 0b110011
	ECWatchpointLowerEL  uint8 = 0b110100
	ECWatchpointSameEL   uint8 = 0b110101
	ECBRK64              uint8 = 0b111100
)

// Data/instruction abort ISS fields, shared layout for EC 0b10010x/0b10000x.
var (
	issDFSC  = field{5, 0}
	issWnR   = field{6, 6}
	issS1PTW = field{7, 7}
	issCM    = field{8, 8}
	issSSE   = field{21, 21}
	issSRT   = field{20, 16}
	issSF    = field{15, 15}
	issAR    = field{14, 14}
	issISV   = field{24, 24}
	issSAS   = field{23, 22}
	issEA    = field{9, 9}
	issFnV   = field{10, 10}
	issSET   = field{12, 11}
)

// AbortISS decodes the data/instruction-abort specific fields of an ISS.
type AbortISS struct {
	DFSC  uint8 // Data/Instruction Fault Status Code
	WnR   bool  // true = write, false = read
	ISV   bool  // true = SAS/SRT/SF/AR valid (data abort only)
	SAS   uint8 // access size: 0=byte 1=halfword 2=word 3=doubleword
	SRT   uint8 // syndrome register transfer (Xt index)
	SF    bool  // 64-bit wide register
	S1PTW bool  // fault on a Stage-1 translation table walk
	EA    bool  // external abort
	FnV   bool  // FAR not valid
}

// DecodeAbortISS decodes iss as produced by a data or instruction abort.
func DecodeAbortISS(iss uint32) AbortISS {
	raw := uint64(iss)

	return AbortISS{
		DFSC:  uint8(issDFSC.get(raw)),
		WnR:   issWnR.getBool(raw),
		ISV:   issISV.getBool(raw),
		SAS:   uint8(issSAS.get(raw)),
		SRT:   uint8(issSRT.get(raw)),
		SF:    issSF.getBool(raw),
		S1PTW: issS1PTW.getBool(raw),
		EA:    issEA.getBool(raw),
		FnV:   issFnV.getBool(raw),
	}
}

// Data/instruction fault status codes (DFSC/IFSC), Table D13-25.
const (
	FaultTranslationL0 uint8 = 0b000100
	FaultTranslationL1 uint8 = 0b000101
	FaultTranslationL2 uint8 = 0b000110
	FaultTranslationL3 uint8 = 0b000111
	FaultAccessFlagL1  uint8 = 0b001001
	FaultAccessFlagL2  uint8 = 0b001010
	FaultAccessFlagL3  uint8 = 0b001011
	FaultPermissionL1  uint8 = 0b001101
	FaultPermissionL2  uint8 = 0b001110
	FaultPermissionL3  uint8 = 0b001111
	FaultAlignment     uint8 = 0b100001
	FaultTLBConflict   uint8 = 0b110000
	FaultAddressSize0  uint8 = 0b000000
)

// MSRMRSISS decodes the ISS of a trapped MSR/MRS (EC 0b011000), giving the
// (Op0, Op1, CRn, CRm, Op2) quintuple sysregemu dispatches on plus the
// direction and target register.
type MSRMRSISS struct {
	Op0, Op1, CRn, CRm, Op2 uint8
	Rt                      uint8
	Direction               Direction // Read or Write
}

// Direction distinguishes an MRS (read) from an MSR (write) trap.
type Direction uint8

const (
	DirWrite Direction = 0
	DirRead  Direction = 1
)

var (
	issSysOp0 = field{21, 20}
	issSysOp2 = field{19, 17}
	issSysOp1 = field{16, 14}
	issSysCRn = field{13, 10}
	issSysRt  = field{9, 5}
	issSysCRm = field{4, 1}
	issSysDir = field{0, 0}
)

// DecodeMSRMRSISS decodes iss as produced by EC 0b011000.
func DecodeMSRMRSISS(iss uint32) MSRMRSISS {
	raw := uint64(iss)

	return MSRMRSISS{
		Op0:       uint8(issSysOp0.get(raw)),
		Op1:       uint8(issSysOp1.get(raw)),
		CRn:       uint8(issSysCRn.get(raw)),
		CRm:       uint8(issSysCRm.get(raw)),
		Op2:       uint8(issSysOp2.get(raw)),
		Rt:        uint8(issSysRt.get(raw)),
		Direction: Direction(issSysDir.get(raw)),
	}
}

// CP15ISS decodes the ISS of a trapped MCR/MRC CP15 access (EC 0b000011),
// giving the (opc1, CRn, CRm, opc2) quadruple AArch32 coprocessor dispatch
// uses.
type CP15ISS struct {
	Opc1, CRn, CRm, Opc2 uint8
	Rt                   uint8
	Direction            Direction
}

var (
	issCP15Dir  = field{0, 0}
	issCP15CRm  = field{4, 1}
	issCP15Rt   = field{9, 5}
	issCP15CRn  = field{13, 10}
	issCP15Opc1 = field{16, 14}
	issCP15Opc2 = field{19, 17}
)

// DecodeCP15ISS decodes iss as produced by EC 0b000011.
func DecodeCP15ISS(iss uint32) CP15ISS {
	raw := uint64(iss)

	return CP15ISS{
		Opc1:      uint8(issCP15Opc1.get(raw)),
		CRn:       uint8(issCP15CRn.get(raw)),
		CRm:       uint8(issCP15CRm.get(raw)),
		Opc2:      uint8(issCP15Opc2.get(raw)),
		Rt:        uint8(issCP15Rt.get(raw)),
		Direction: Direction(issCP15Dir.get(raw)),
	}
}
