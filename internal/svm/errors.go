//go:build amd64

package svm

import (
	"errors"
	"fmt"

	"github.com/tinyrange/svmcore/internal/hv"
)

var (
	ErrInvalidGuestState        = errors.New("svm: guest state is invalid")
	ErrShutdown                 = errors.New("svm: shutdown intercepted")
	ErrNestedASIDZero           = errors.New("svm: nested control block has asid 0")
	ErrCustomGuestUnimplemented = errors.New("svm: customized guest exits are not implemented")
	ErrUnmappedBlock            = errors.New("svm: control block address is not mapped")
)

// HaltError describes a condition that stopped a processor through a debug
// break. Emulation cannot continue past it.
type HaltError struct {
	ProcID uint32
	Code   int64
	Err    error
}

func (e *HaltError) Error() string {
	return fmt.Sprintf("svm: processor %d halted on intercept %#x: %v", e.ProcID, e.Code, e.Err)
}

func (e *HaltError) Unwrap() error { return e.Err }

// Is reports every halt as hv.ErrVMHalted.
func (e *HaltError) Is(target error) bool { return target == hv.ErrVMHalted }
