//go:build amd64

package svm

// Platform is the privileged instruction surface the exit handlers need from
// the processor they run on.
type Platform interface {
	// STGI sets the host global interrupt flag. Handlers call it before
	// logging from contexts where interrupts may still be blocked.
	STGI()
	// VMLoad loads the hidden state of the control block at pa.
	VMLoad(pa uint64)
	// WriteCR3 switches the host address space.
	WriteCR3(cr3 uint64)
	// ClearDebugAddressRegisters zeroes DR0-DR3.
	ClearDebugAddressRegisters()
	// DebugBreak stops the processor for a debugger.
	DebugBreak(reason error)
}
