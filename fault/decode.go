package fault

import (
	"errors"
	"fmt"
	"strconv"
	"strings"

	"golang.org/x/arch/arm64/arm64asm"
)

// ErrDecodeFailed wraps a failure to recover an MMIO access from the
// guest instruction word at the faulting PC.
var ErrDecodeFailed = errors.New("fault: guest instruction decode failed")

// InstrFetch lets the dispatcher read the 4-byte guest instruction word
// at a virtual address, so an ISV-clear Stage-2 data abort's missing
// access width/register can be recovered by decoding the faulting
// instruction directly (spec.md §4.E "ISV clear ... MMIO emulation needs
// the actual load/store width and register"). Optional: a nil InstrFetch
// means ISV-clear aborts are still classified and injected/resumed as
// usual, just without the decoded access logged.
type InstrFetch interface {
	FetchInstruction(pc uint64) ([4]byte, error)
}

// MMIOAccess is the load/store width, register, and direction recovered
// by decoding the guest instruction.
type MMIOAccess struct {
	Reg   int // GPR index, or -1 for SP/ZR forms this decoder does not resolve
	Size  int // access width in bytes: 1, 2, 4, or 8
	Write bool
}

// decodeMMIOAccess decodes a little-endian AArch64 instruction word,
// grounded on the teacher's x86asm-based Machine.Inst (machine's own
// debug_amd64.go decodes the faulting x86 instruction to recover a
// memory operand's base/index/displacement for single-step tracing);
// here the AArch64 sibling package recovers a load/store's width and
// register instead.
func decodeMMIOAccess(word [4]byte) (MMIOAccess, error) {
	inst, err := arm64asm.Decode(word[:])
	if err != nil {
		return MMIOAccess{}, fmt.Errorf("%w: %v", ErrDecodeFailed, err)
	}

	op := inst.Op.String()

	size, ok := loadStoreSize(op)
	if !ok {
		return MMIOAccess{}, fmt.Errorf("%w: opcode %q is not a recognized load/store", ErrDecodeFailed, op)
	}

	write := strings.HasPrefix(op, "ST")

	reg := -1
	for _, a := range inst.Args {
		if a == nil {
			continue
		}

		if r, ok := parseGPR(a.String()); ok {
			reg = r

			if size == 8 && strings.HasPrefix(a.String(), "W") {
				size = 4
			}

			break
		}
	}

	return MMIOAccess{Reg: reg, Size: size, Write: write}, nil
}

// loadStoreSize maps a load/store mnemonic's byte/half/word/doubleword
// suffix to an access width in bytes, covering the register-offset and
// unscaled-immediate forms (LDR/STR/LDUR/STUR and their B/H/SB/SH/SW
// variants). Anything else is reported unrecognized rather than guessed.
func loadStoreSize(op string) (int, bool) {
	switch {
	case strings.HasPrefix(op, "LDRSB"), strings.HasPrefix(op, "LDURSB"),
		strings.HasPrefix(op, "LDRB"), strings.HasPrefix(op, "LDURB"),
		strings.HasPrefix(op, "STRB"), strings.HasPrefix(op, "STURB"):
		return 1, true
	case strings.HasPrefix(op, "LDRSH"), strings.HasPrefix(op, "LDURSH"),
		strings.HasPrefix(op, "LDRH"), strings.HasPrefix(op, "LDURH"),
		strings.HasPrefix(op, "STRH"), strings.HasPrefix(op, "STURH"):
		return 2, true
	case strings.HasPrefix(op, "LDRSW"), strings.HasPrefix(op, "LDURSW"):
		return 4, true
	case op == "LDR" || op == "LDUR" || op == "STR" || op == "STUR":
		// The register-width form (W vs X) further narrows this to 4
		// bytes; decodeMMIOAccess reads that off the decoded register's
		// name ("Wn" vs "Xn").
		return 8, true
	default:
		return 0, false
	}
}

// parseGPR extracts a general-purpose register index from arm64asm's
// register syntax ("W3", "X12"). SP and zero-register spellings are
// reported as not-a-GPR since neither is a valid MMIO data register.
func parseGPR(s string) (int, bool) {
	if len(s) < 2 {
		return 0, false
	}

	switch s[0] {
	case 'W', 'X':
	default:
		return 0, false
	}

	n, err := strconv.Atoi(s[1:])
	if err != nil || n < 0 || n > 30 {
		return 0, false
	}

	return n, true
}
