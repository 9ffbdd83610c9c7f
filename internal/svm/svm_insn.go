//go:build amd64

package svm

import (
	"fmt"

	"github.com/tinyrange/svmcore/internal/amd64"
	"github.com/tinyrange/svmcore/internal/hv"
	"github.com/tinyrange/svmcore/internal/vmcb"
)

// hiddenStateFields is exactly the state VMLOAD and VMSAVE transfer.
var hiddenStateFields = func() []vmcb.Field {
	var fields []vmcb.Field
	for _, seg := range []vmcb.SegmentReg{vmcb.FS, vmcb.GS, vmcb.TR, vmcb.LDTR} {
		fields = append(fields, seg.Fields()...)
	}
	return append(fields,
		vmcb.GuestSysenterCS,
		vmcb.GuestSysenterESP,
		vmcb.GuestSysenterEIP,
		vmcb.GuestStar,
		vmcb.GuestLStar,
		vmcb.GuestCStar,
		vmcb.GuestSFMask,
		vmcb.GuestKernelGsBase,
	)
}()

// nestedBlock locates the control block whose physical address the guest
// passed in RAX.
func (h *Hypervisor) nestedBlock(gpr *hv.GPRState) (*vmcb.Block, error) {
	pa := gpr.RAX
	if pa&amd64.PageMask != 0 {
		return nil, fmt.Errorf("%w: 0x%x is not page aligned", ErrUnmappedBlock, pa)
	}
	buf, ok := h.mem.Resolve(pa, vmcb.Size)
	if !ok {
		return nil, fmt.Errorf("%w: 0x%x", ErrUnmappedBlock, pa)
	}
	return vmcb.Wrap(buf, pa)
}

// svmEnabled injects #UD when the guest has not set EFER.SVME.
func svmEnabled(v *VCPU) bool {
	if !v.Nested.SVME {
		v.injectUD()
		return false
	}
	return true
}

// Expected intercept code 0x80. Nested guests are not run; VMRUN only checks
// the nested block and steps over the instruction.
func handleVMRUN(h *Hypervisor, v *VCPU, gpr *hv.GPRState) Outcome {
	if !svmEnabled(v) {
		return resume()
	}
	nested, err := h.nestedBlock(gpr)
	if err != nil {
		h.log.Warn("svm: vmrun rejected", "proc", v.ProcID, "error", err)
		v.injectGP(0)
		return resume()
	}
	if nested.Read32(vmcb.GuestASID) == 0 {
		return h.halt(v, ErrNestedASIDZero)
	}
	h.log.Debug("svm: vmrun intercepted, nested virtualization is not supported", "proc", v.ProcID, "pa", gpr.RAX)
	v.Block.AdvanceRIP()
	return resume()
}

// Expected intercept code 0x82.
func handleVMLOAD(h *Hypervisor, v *VCPU, gpr *hv.GPRState) Outcome {
	if !svmEnabled(v) {
		return resume()
	}
	nested, err := h.nestedBlock(gpr)
	if err != nil {
		h.log.Warn("svm: vmload rejected", "proc", v.ProcID, "error", err)
		v.injectGP(0)
		return resume()
	}
	v.Block.CopyFields(nested, hiddenStateFields)
	v.Block.AdvanceRIP()
	return resume()
}

// Expected intercept code 0x83.
func handleVMSAVE(h *Hypervisor, v *VCPU, gpr *hv.GPRState) Outcome {
	if !svmEnabled(v) {
		return resume()
	}
	nested, err := h.nestedBlock(gpr)
	if err != nil {
		h.log.Warn("svm: vmsave rejected", "proc", v.ProcID, "error", err)
		v.injectGP(0)
		return resume()
	}
	nested.CopyFields(v.Block, hiddenStateFields)
	v.Block.AdvanceRIP()
	return resume()
}

// Expected intercept code 0x84.
// TODO: deliver interrupts held back while the guest GIF was clear.
func handleSTGI(h *Hypervisor, v *VCPU, gpr *hv.GPRState) Outcome {
	if !svmEnabled(v) {
		return resume()
	}
	v.Nested.GIF = true
	v.Block.AdvanceRIP()
	return resume()
}

// Expected intercept code 0x85.
func handleCLGI(h *Hypervisor, v *VCPU, gpr *hv.GPRState) Outcome {
	if !svmEnabled(v) {
		return resume()
	}
	v.Nested.GIF = false
	v.Block.AdvanceRIP()
	return resume()
}

// Expected intercept code 0x86. Secure init is never offered to guests.
func handleSKINIT(h *Hypervisor, v *VCPU, gpr *hv.GPRState) Outcome {
	v.injectUD()
	return resume()
}
