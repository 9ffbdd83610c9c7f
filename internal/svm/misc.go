//go:build amd64

package svm

import (
	"github.com/tinyrange/svmcore/internal/amd64"
	"github.com/tinyrange/svmcore/internal/hv"
	"github.com/tinyrange/svmcore/internal/vmcb"
)

// halt raises a debug break on the current processor.
func (h *Hypervisor) halt(v *VCPU, err error) Outcome {
	herr := &HaltError{
		ProcID: v.ProcID,
		Code:   int64(v.Block.Read64(vmcb.ExitCode)),
		Err:    err,
	}
	v.Stats.halts.Add(1)
	h.platform.DebugBreak(herr)
	return Outcome{Action: ActionHalt, Err: herr}
}

// handleDefault catches every intercept without a handler. An exit landing
// here means an intercept was enabled that nothing services.
func handleDefault(h *Hypervisor, v *VCPU, gpr *hv.GPRState) Outcome {
	code := int64(v.Block.Read64(vmcb.ExitCode))
	v.Stats.unhandled.Add(1)
	h.log.Warn("svm: unhandled intercept", "proc", v.ProcID, "code", code)
	return resume()
}

// Expected intercept code -1.
func handleInvalidGuestState(h *Hypervisor, v *VCPU, gpr *hv.GPRState) Outcome {
	b := v.Block
	h.log.Error("svm: guest state is invalid",
		"proc", v.ProcID,
		"vmcb", b.Phys(),
		"efer", b.Read64(vmcb.GuestEFER),
		"dr6", b.Read64(vmcb.GuestDR6),
		"dr7", b.Read64(vmcb.GuestDR7),
		"cr0", b.Read64(vmcb.GuestCR0),
		"cr3", b.Read64(vmcb.GuestCR3),
		"cr4", b.Read64(vmcb.GuestCR4),
		"asid", b.Read32(vmcb.GuestASID),
		"intercept_misc1", b.Read32(vmcb.InterceptMisc1),
		"intercept_misc2", b.Read32(vmcb.InterceptMisc2))
	return h.halt(v, ErrInvalidGuestState)
}

// Expected intercept code 0x7F, usually a triple fault.
func handleShutdown(h *Hypervisor, v *VCPU, gpr *hv.GPRState) Outcome {
	h.platform.STGI()
	h.log.Error("svm: shutdown intercepted", "proc", v.ProcID, "rip", v.Block.Read64(vmcb.GuestRIP))
	return h.halt(v, ErrShutdown)
}

// Expected intercept code 0x5E. INIT signals are redirected into #SX because
// an intercepted INIT stays pending; the INIT is emulated here.
func handleSX(h *Hypervisor, v *VCPU, gpr *hv.GPRState) Outcome {
	errorCode := uint32(v.Block.Read64(vmcb.ExitInfo1))
	if errorCode != amd64.SXInitRedirection {
		v.inject(amd64.VectorSecurityException, vmcb.EventException, true, errorCode)
		return resume()
	}
	h.emulateINIT(v, gpr)
	return resume()
}

// emulateINIT puts the processor in the state an INIT signal leaves it in
// (AMD64 APM Vol. 2, Table 14-1).
func (h *Hypervisor) emulateINIT(v *VCPU, gpr *hv.GPRState) {
	b := v.Block

	// CD and NW survive INIT; ET is always set.
	cr0 := b.Read64(vmcb.GuestCR0)
	b.Write64(vmcb.GuestCR0, cr0&(amd64.CR0CD|amd64.CR0NW)|amd64.CR0ET)
	b.Write64(vmcb.GuestCR2, 0)
	b.Write64(vmcb.GuestCR3, 0)
	b.Write64(vmcb.GuestCR4, 0)
	b.Write64(vmcb.GuestEFER, amd64.EFERSVME)

	h.platform.ClearDebugAddressRegisters()
	b.Write64(vmcb.GuestDR6, 0xffff0ff0)
	b.Write64(vmcb.GuestDR7, 0x400)

	b.SetSegment(vmcb.CS, vmcb.Segment{Selector: 0xf000, Attrib: 0x9b, Limit: 0xffff, Base: 0xffff0000})
	for _, seg := range []vmcb.SegmentReg{vmcb.DS, vmcb.ES, vmcb.FS, vmcb.GS, vmcb.SS} {
		b.SetSegment(seg, vmcb.Segment{Attrib: 0x93, Limit: 0xffff})
	}
	b.SetSegment(vmcb.GDTR, vmcb.Segment{Limit: 0xffff})
	b.SetSegment(vmcb.IDTR, vmcb.Segment{Limit: 0xffff})
	b.SetSegment(vmcb.LDTR, vmcb.Segment{Attrib: 0x82, Limit: 0xffff})
	b.SetSegment(vmcb.TR, vmcb.Segment{Attrib: 0x8b, Limit: 0xffff})

	b.Write64(vmcb.GuestRSP, 0)
	b.Write64(vmcb.GuestRIP, 0xfff0)
	b.Write64(vmcb.GuestRFLAGS, 2)
	gpr.Clear()
	gpr.RDX = uint64(v.CPUIDFMS)

	// Paging is off after INIT, so guest translations are stale.
	b.SetTLBControl(vmcb.TLBFlushGuest)
	b.MarkDirty(vmcb.CleanCRx, vmcb.CleanDRx, vmcb.CleanDT, vmcb.CleanSeg, vmcb.CleanCR2)
}
