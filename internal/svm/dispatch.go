//go:build amd64

package svm

import (
	"github.com/tinyrange/svmcore/internal/hv"
	"github.com/tinyrange/svmcore/internal/trace"
	"github.com/tinyrange/svmcore/internal/vmcb"
)

// Dispatch handles one exit of v. exitedPA is the physical address of the
// control block the processor exited from; gpr is the register snapshot the
// trampoline saved.
//
// For ActionResume and ActionUnimplemented the trampoline resumes the block
// at Outcome.ResumePA, whose address Dispatch has also placed in gpr.RAX.
// ActionExitToHost never returns to guest mode.
func (h *Hypervisor) Dispatch(v *VCPU, gpr *hv.GPRState, exitedPA uint64) Outcome {
	v.Stats.exits.Add(1)

	var out Outcome
	if exitedPA == v.Launch.GuestVMCBPA {
		out = h.dispatchHost(v, gpr)
		if out.Action == ActionExitToHost {
			return out
		}
	} else {
		// Exits of a customized guest are not handled yet. The host block
		// is resumed untouched.
		attrs := []any{"proc", v.ProcID, "block", exitedPA}
		if c := v.Launch.Custom; c != nil {
			attrs = append(attrs, "custom_block", c.Block.Phys())
		}
		h.log.Debug("svm: exit from customized guest", attrs...)
		out = Outcome{Action: ActionUnimplemented, Err: ErrCustomGuestUnimplemented}
	}

	out.ResumePA = v.Launch.GuestVMCBPA
	gpr.RAX = out.ResumePA
	h.platform.VMLoad(out.ResumePA)
	return out
}

func (h *Hypervisor) dispatchHost(v *VCPU, gpr *hv.GPRState) Outcome {
	b := v.Block

	raw := b.Read64(vmcb.ExitCode)
	code := int64(raw)

	// The processor keeps the guest RAX in the control block.
	gpr.RAX = b.Read64(vmcb.GuestRAX)

	if h.caching {
		b.MarkAllClean()
	}
	b.SetTLBControl(vmcb.TLBDoNothing)

	var rec trace.Exit
	if h.trace != nil {
		rec = trace.Exit{
			Code:      raw,
			RIP:       b.Read64(vmcb.GuestRIP),
			ExitInfo1: b.Read64(vmcb.ExitInfo1),
			ExitInfo2: b.Read64(vmcb.ExitInfo2),
			NextRIP:   b.Read64(vmcb.NextRIP),
		}
	}

	out := h.tables.lookup(code)(h, v, gpr)

	if out.Action != ActionExitToHost {
		b.Write64(vmcb.GuestRAX, gpr.RAX)
	}

	if h.trace != nil {
		rec.Action = uint8(out.Action)
		if err := h.trace.WriteExit(v.source, rec); err != nil {
			h.log.Debug("svm: trace write failed", "proc", v.ProcID, "error", err)
		}
	}
	return out
}
