package fault

import "github.com/ferrovisor/ferrovisor/sysreg"

// Category is the exit category an ESR.EC value decodes to, independent
// of dispatch side effects -- used both by HandleExit's switch and by
// tests verifying spec.md §8 property 6 ("unknown ECs fall through to
// Unknown rather than misclassifying").
type Category int

const (
	CategoryUnknown Category = iota
	CategorySysreg64
	CategoryCP15
	CategoryFPFirstUse
	CategoryHVC
	CategorySMC
	CategoryInstructionAbort
	CategoryDataAbort
	CategoryWFIWFE
)

// Classify maps an ESR.EC value to its exit Category (spec.md §4.E EC
// pattern table). Every EC this dispatcher does not explicitly handle
// falls through to CategoryUnknown.
func Classify(ec uint8) Category {
	switch ec {
	case sysreg.ECMSRMRSSystem:
		return CategorySysreg64
	case sysreg.ECMCRMRCCP15:
		return CategoryCP15
	case sysreg.ECFPSIMDAccess:
		return CategoryFPFirstUse
	case sysreg.ECHVC64, sysreg.ECHVC32:
		return CategoryHVC
	case sysreg.ECSMC64, sysreg.ECSMC32:
		return CategorySMC
	case sysreg.ECInstrAbortLowerEL:
		return CategoryInstructionAbort
	case sysreg.ECDataAbortLowerEL:
		return CategoryDataAbort
	case sysreg.ECWFIWFE:
		return CategoryWFIWFE
	default:
		return CategoryUnknown
	}
}
