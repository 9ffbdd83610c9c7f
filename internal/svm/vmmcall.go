//go:build amd64

package svm

import (
	"github.com/tinyrange/svmcore/internal/hv"
	"github.com/tinyrange/svmcore/internal/vmcb"
)

// VMMCALL function codes, passed in ECX.
const (
	VMMCallExit          = 1
	VMMCallRunCustomVCPU = 2
)

// Expected intercept code 0x81.
//
// Unlike the other SVM instructions, VMMCALL is not gated on the guest's
// EFER.SVME: the call-exit path has to work whatever the nested state is.
func handleVMMCALL(h *Hypervisor, v *VCPU, gpr *hv.GPRState) Outcome {
	b := v.Block
	fn := uint32(gpr.RCX)

	switch fn {
	case VMMCallExit:
		rip := b.Read64(vmcb.GuestRIP)
		if h.image.Contains(rip) {
			return h.callExit(v, gpr)
		}
		h.log.Warn("svm: call-exit from outside the hypervisor image ignored",
			"proc", v.ProcID, "rip", rip)
	case VMMCallRunCustomVCPU:
		// Running a customized guest would save the host, run the guest
		// block, save the guest and return to the host. None of it exists
		// yet.
		h.log.Debug("svm: run-custom-vcpu requested", "proc", v.ProcID)
	default:
		h.log.Debug("svm: unknown vmmcall function", "proc", v.ProcID, "function", fn)
	}

	b.AdvanceRIP()
	return resume()
}

// callExit leaves guest mode for good. The returned snapshot resumes the
// caller right after its VMMCALL: RAX holds the return address, RCX the
// flags and RDX the stack pointer.
func (h *Hypervisor) callExit(v *VCPU, gpr *hv.GPRState) Outcome {
	b := v.Block

	h.platform.STGI()
	h.log.Info("svm: call-exit intercepted, leaving guest mode", "proc", v.ProcID)

	saved := *gpr
	saved.RAX = b.Read64(vmcb.NextRIP)
	saved.RCX = b.Read64(vmcb.GuestRFLAGS)
	saved.RDX = b.Read64(vmcb.GuestRSP)

	b.Write64(vmcb.GuestLStar, v.VirtualMSR.LStar)
	h.platform.VMLoad(b.Phys())

	cr3 := b.Read64(vmcb.GuestCR3)
	h.platform.WriteCR3(cr3)

	v.Status = StatusTransition
	return Outcome{Action: ActionExitToHost, Saved: &saved, CR3: cr3}
}
