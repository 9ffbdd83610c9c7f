//go:build amd64

package svm

import (
	"errors"

	"github.com/tinyrange/svmcore/internal/amd64"
	"github.com/tinyrange/svmcore/internal/hv"
	"github.com/tinyrange/svmcore/internal/mshv"
	"github.com/tinyrange/svmcore/internal/vmcb"
)

// blockMSRs are architectural MSRs whose guest value lives in the state-save
// area, so reads and writes go straight to the control block.
var blockMSRs = map[uint32]vmcb.Field{
	amd64.MSRStar:         vmcb.GuestStar,
	amd64.MSRCStar:        vmcb.GuestCStar,
	amd64.MSRSyscallMask:  vmcb.GuestSFMask,
	amd64.MSRKernelGsBase: vmcb.GuestKernelGsBase,
	amd64.MSRSysenterCS:   vmcb.GuestSysenterCS,
	amd64.MSRSysenterESP:  vmcb.GuestSysenterESP,
	amd64.MSRSysenterEIP:  vmcb.GuestSysenterEIP,
	amd64.MSRFsBase:       vmcb.FS.Base(),
	amd64.MSRGsBase:       vmcb.GS.Base(),
	amd64.MSRPAT:          vmcb.GuestPAT,
}

// Expected intercept code 0x7C. Bit 0 of EXITINFO1 selects WRMSR.
func handleMSR(h *Hypervisor, v *VCPU, gpr *hv.GPRState) Outcome {
	var faulted bool
	if v.Block.Read64(vmcb.ExitInfo1)&1 != 0 {
		faulted = h.writeMSR(v, gpr)
	} else {
		faulted = h.readMSR(v, gpr)
	}
	// A faulting access is restarted by the guest's #GP handler, so RIP
	// stays on the instruction.
	if !faulted {
		v.Block.AdvanceRIP()
	}
	return resume()
}

// readMSR serves RDMSR and reports whether a fault was injected.
func (h *Hypervisor) readMSR(v *VCPU, gpr *hv.GPRState) bool {
	b := v.Block
	index := uint32(gpr.RCX)

	var val uint64
	if amd64.IsSyntheticMSR(index) {
		if !h.syntheticOpen() {
			v.injectGP(0)
			return true
		}
		var ok bool
		if v.Synthetic != nil {
			val, ok = v.Synthetic.ReadMSR(index)
		}
		if !ok {
			h.log.Debug("svm: read of unknown synthetic msr", "proc", v.ProcID, "msr", index)
		}
	} else {
		switch index {
		case amd64.MSREFER:
			val = b.Read64(vmcb.GuestEFER)
			if !v.Nested.SVME {
				val &^= amd64.EFERSVME
			}
		case amd64.MSRHsavePA:
			val = v.Nested.HostSavePA
		case amd64.MSRLStar:
			val = v.VirtualMSR.LStar
		default:
			if f, ok := blockMSRs[index]; ok {
				val = b.Read64(f)
			} else {
				h.log.Debug("svm: read of unlisted msr returns zero", "proc", v.ProcID, "msr", index)
			}
		}
	}

	gpr.RAX = uint64(uint32(val))
	gpr.RDX = val >> 32
	return false
}

// writeMSR serves WRMSR and reports whether a fault was injected.
func (h *Hypervisor) writeMSR(v *VCPU, gpr *hv.GPRState) bool {
	b := v.Block
	index := uint32(gpr.RCX)
	val := uint64(uint32(gpr.RAX)) | uint64(uint32(gpr.RDX))<<32

	if amd64.IsSyntheticMSR(index) {
		if !h.syntheticOpen() || v.Synthetic == nil {
			v.injectGP(0)
			return true
		}
		handled, err := v.Synthetic.WriteMSR(index, val)
		if errors.Is(err, mshv.ErrReadOnly) {
			v.injectGP(0)
			return true
		}
		if !handled {
			h.log.Debug("svm: write to unknown synthetic msr dropped", "proc", v.ProcID, "msr", index)
		}
		return false
	}

	switch index {
	case amd64.MSREFER:
		v.Nested.SVME = val&amd64.EFERSVME != 0
		// The guest can never turn SVM off underneath the hypervisor.
		b.Write64(vmcb.GuestEFER, val|amd64.EFERSVME)
		b.MarkDirty(vmcb.CleanCRx)
	case amd64.MSRHsavePA:
		v.Nested.HostSavePA = val
	case amd64.MSRLStar:
		v.VirtualMSR.LStar = val
	default:
		f, ok := blockMSRs[index]
		if !ok {
			h.log.Debug("svm: write to unlisted msr dropped", "proc", v.ProcID, "msr", index)
			break
		}
		b.Write64(f, val)
		if index == amd64.MSRPAT {
			b.MarkDirty(vmcb.CleanNP)
		}
	}
	return false
}
