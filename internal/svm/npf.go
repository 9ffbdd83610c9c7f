//go:build amd64

package svm

import (
	"github.com/tinyrange/svmcore/internal/hv"
	"github.com/tinyrange/svmcore/internal/insn"
	"github.com/tinyrange/svmcore/internal/vmcb"
)

// npfExecute is set in EXITINFO1 when the fault was an instruction fetch.
const npfExecute = 1 << 4

// Expected intercept code 0x400. Runs on every nested page fault, so it only
// logs at debug level.
func handleNPF(h *Hypervisor, v *VCPU, gpr *hv.GPRState) Outcome {
	b := v.Block

	if h.hooking && b.Read64(vmcb.ExitInfo1)&npfExecute != 0 {
		view := v.Primary
		if _, hit := h.hooks.Lookup(b.Read64(vmcb.ExitInfo2)); hit {
			view = v.Secondary
		}
		b.Write64(vmcb.NestedCR3, view.NCR3)
		b.MarkDirty(vmcb.CleanNP)
		b.SetTLBControl(vmcb.TLBFlushEntire)
		v.Stats.viewSwitches.Add(1)
		return resume()
	}

	// The processor does not provide a next RIP for nested page faults.
	// Faults that reach here are writes to pages protected by the
	// integrity policy; the write is skipped, not emulated.
	n, err := insn.Length(b.InstructionBytes(), v.longMode())
	if err != nil {
		h.log.Debug("svm: cannot measure faulting instruction", "proc", v.ProcID, "error", err)
		return resume()
	}
	b.Write64(vmcb.GuestRIP, b.Read64(vmcb.GuestRIP)+uint64(n))
	return resume()
}
