// Package hv holds the state shared between the exit trampoline and the exit
// handlers: the register snapshot the trampoline saves on every exit.
package hv

import (
	"errors"
	"fmt"
)

var ErrVMHalted = errors.New("virtual processor halted")

type Register uint8

const (
	RegisterInvalid Register = iota

	RegisterAMD64Rax
	RegisterAMD64Rbx
	RegisterAMD64Rcx
	RegisterAMD64Rdx
	RegisterAMD64Rsi
	RegisterAMD64Rdi
	RegisterAMD64Rbp
	RegisterAMD64R8
	RegisterAMD64R9
	RegisterAMD64R10
	RegisterAMD64R11
	RegisterAMD64R12
	RegisterAMD64R13
	RegisterAMD64R14
	RegisterAMD64R15
)

var registerNames = [...]string{
	RegisterInvalid:  "invalid",
	RegisterAMD64Rax: "rax",
	RegisterAMD64Rbx: "rbx",
	RegisterAMD64Rcx: "rcx",
	RegisterAMD64Rdx: "rdx",
	RegisterAMD64Rsi: "rsi",
	RegisterAMD64Rdi: "rdi",
	RegisterAMD64Rbp: "rbp",
	RegisterAMD64R8:  "r8",
	RegisterAMD64R9:  "r9",
	RegisterAMD64R10: "r10",
	RegisterAMD64R11: "r11",
	RegisterAMD64R12: "r12",
	RegisterAMD64R13: "r13",
	RegisterAMD64R14: "r14",
	RegisterAMD64R15: "r15",
}

func (r Register) String() string {
	if int(r) < len(registerNames) {
		return registerNames[r]
	}
	return fmt.Sprintf("Register(%d)", uint8(r))
}

// GPRState is the general-purpose register snapshot of a guest at exit time.
// RSP is not part of it because the processor keeps the guest stack pointer
// in the control block. RAX is kept there too; the dispatcher copies it in
// before running a handler and back out afterwards.
type GPRState struct {
	RAX uint64
	RBX uint64
	RCX uint64
	RDX uint64
	RSI uint64
	RDI uint64
	RBP uint64
	R8  uint64
	R9  uint64
	R10 uint64
	R11 uint64
	R12 uint64
	R13 uint64
	R14 uint64
	R15 uint64
}

func (s *GPRState) ptr(r Register) *uint64 {
	switch r {
	case RegisterAMD64Rax:
		return &s.RAX
	case RegisterAMD64Rbx:
		return &s.RBX
	case RegisterAMD64Rcx:
		return &s.RCX
	case RegisterAMD64Rdx:
		return &s.RDX
	case RegisterAMD64Rsi:
		return &s.RSI
	case RegisterAMD64Rdi:
		return &s.RDI
	case RegisterAMD64Rbp:
		return &s.RBP
	case RegisterAMD64R8:
		return &s.R8
	case RegisterAMD64R9:
		return &s.R9
	case RegisterAMD64R10:
		return &s.R10
	case RegisterAMD64R11:
		return &s.R11
	case RegisterAMD64R12:
		return &s.R12
	case RegisterAMD64R13:
		return &s.R13
	case RegisterAMD64R14:
		return &s.R14
	case RegisterAMD64R15:
		return &s.R15
	default:
		return nil
	}
}

// Get returns the value of r.
func (s *GPRState) Get(r Register) (uint64, error) {
	p := s.ptr(r)
	if p == nil {
		return 0, fmt.Errorf("hv: register %s is not in the snapshot", r)
	}
	return *p, nil
}

// Set stores v in r.
func (s *GPRState) Set(r Register, v uint64) error {
	p := s.ptr(r)
	if p == nil {
		return fmt.Errorf("hv: register %s is not in the snapshot", r)
	}
	*p = v
	return nil
}

// Clear zeroes every register.
func (s *GPRState) Clear() {
	*s = GPRState{}
}

// Registers lists the registers held by GPRState in encoding order.
func Registers() []Register {
	regs := make([]Register, 0, RegisterAMD64R15)
	for r := RegisterAMD64Rax; r <= RegisterAMD64R15; r++ {
		regs = append(regs, r)
	}
	return regs
}
