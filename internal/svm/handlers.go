//go:build amd64

package svm

import "github.com/tinyrange/svmcore/internal/hv"

// Intercept codes handled by the core.
const (
	ExitCodeSX       = 0x05e
	ExitCodeCPUID    = 0x072
	ExitCodeMSR      = 0x07c
	ExitCodeShutdown = 0x07f
	ExitCodeVMRUN    = 0x080
	ExitCodeVMMCALL  = 0x081
	ExitCodeVMLOAD   = 0x082
	ExitCodeVMSAVE   = 0x083
	ExitCodeSTGI     = 0x084
	ExitCodeCLGI     = 0x085
	ExitCodeSKINIT   = 0x086
	ExitCodeNPF      = 0x400

	ExitCodeInvalid = -1
	ExitCodeBusy    = -2
)

const (
	groupShift = 10
	groupMask  = 0xc00
	codeMask   = 0x3ff
	groupSize  = codeMask + 1

	negativeSize = 3
)

// Handler services one intercept. It may change the register snapshot and
// the processor's control block and reports what the trampoline does next.
type Handler func(h *Hypervisor, v *VCPU, gpr *hv.GPRState) Outcome

type handlerGroup [groupSize]Handler

// handlerTables is filled once by Build and never written afterwards.
type handlerTables struct {
	groups   [4]*handlerGroup
	negative [negativeSize]Handler
}

func newHandlerTables() handlerTables {
	var t handlerTables

	// Groups 2 and 3 have no defined intercepts and stay nil.
	for g := 0; g < 2; g++ {
		t.groups[g] = new(handlerGroup)
		for i := range t.groups[g] {
			t.groups[g][i] = handleDefault
		}
	}
	for i := range t.negative {
		t.negative[i] = handleDefault
	}

	t.set(ExitCodeSX, handleSX)
	t.set(ExitCodeCPUID, handleCPUID)
	t.set(ExitCodeMSR, handleMSR)
	t.set(ExitCodeShutdown, handleShutdown)
	t.set(ExitCodeVMRUN, handleVMRUN)
	t.set(ExitCodeVMMCALL, handleVMMCALL)
	t.set(ExitCodeVMLOAD, handleVMLOAD)
	t.set(ExitCodeVMSAVE, handleVMSAVE)
	t.set(ExitCodeSTGI, handleSTGI)
	t.set(ExitCodeCLGI, handleCLGI)
	t.set(ExitCodeSKINIT, handleSKINIT)
	t.set(ExitCodeNPF, handleNPF)
	t.negative[-ExitCodeInvalid] = handleInvalidGuestState

	return t
}

func (t *handlerTables) set(code uint64, fn Handler) {
	t.groups[(code&groupMask)>>groupShift][code&codeMask] = fn
}

// lookup returns the handler for an intercept code. Codes without an entry
// resolve to the default handler.
func (t *handlerTables) lookup(code int64) Handler {
	if code < 0 {
		// -code overflows for math.MinInt64, so compare before negating.
		if code > -negativeSize {
			return t.negative[-code]
		}
		return handleDefault
	}
	group := t.groups[(code&groupMask)>>groupShift]
	if group == nil {
		return handleDefault
	}
	return group[code&codeMask]
}
