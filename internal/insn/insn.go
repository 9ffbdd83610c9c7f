// Package insn measures guest instructions fetched by the processor on an
// intercept.
package insn

import (
	"errors"
	"fmt"

	"golang.org/x/arch/x86/x86asm"
)

// MaxLength is the architectural upper bound on an x86 instruction.
const MaxLength = 15

var (
	ErrNoBytes   = errors.New("insn: no instruction bytes available")
	ErrTruncated = errors.New("insn: truncated instruction")
)

// Length returns the length of the instruction at the start of code.
// longMode selects 64-bit decoding; otherwise the code is decoded as 32-bit
// protected mode.
func Length(code []byte, longMode bool) (int, error) {
	if len(code) == 0 {
		return 0, ErrNoBytes
	}
	if len(code) > MaxLength {
		code = code[:MaxLength]
	}

	mode := 32
	if longMode {
		mode = 64
	}

	inst, err := x86asm.Decode(code, mode)
	if err != nil {
		return 0, fmt.Errorf("insn: decode % x in %d-bit mode: %w", code, mode, err)
	}
	// A lone prefix decodes with no opcode when the rest was not fetched.
	if inst.Op == 0 {
		return 0, fmt.Errorf("insn: decode % x in %d-bit mode: %w", code, mode, ErrTruncated)
	}
	return inst.Len, nil
}
