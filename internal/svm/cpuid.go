//go:build amd64

package svm

import (
	"gvisor.dev/gvisor/pkg/cpuid"

	"github.com/tinyrange/svmcore/internal/amd64"
	"github.com/tinyrange/svmcore/internal/hv"
	"github.com/tinyrange/svmcore/internal/mshv"
)

// CPUIDFilter rewrites CPUID results before the guest sees them.
type CPUIDFilter interface {
	Filter(in cpuid.In) cpuid.Out
	Name() string
}

// Visible advertises the hypervisor: hypervisor leaves are answered from
// Leaves and the standard feature leaf reports a hypervisor.
type Visible struct {
	Host   cpuid.Function
	Leaves []mshv.LeafFunc
}

func (f *Visible) Name() string { return "visible" }

func (f *Visible) Filter(in cpuid.In) cpuid.Out {
	if isHypervisorLeaf(in.Eax) {
		idx := in.Eax - amd64.CPUIDHypervisorBase
		if idx < uint32(len(f.Leaves)) {
			return f.Leaves[idx](in)
		}
		return cpuid.Out{}
	}

	out := f.Host.Query(in)
	switch in.Eax {
	case amd64.CPUIDStdFeatures:
		out.Ecx |= 1 << amd64.CPUIDHypervisorPresentBit
	default:
		out = hideSVM(in.Eax, out)
	}
	return out
}

// Stealthy passes the host CPUID through and only hides SVM itself.
type Stealthy struct {
	Host cpuid.Function
}

func (f *Stealthy) Name() string { return "stealthy" }

func (f *Stealthy) Filter(in cpuid.In) cpuid.Out {
	return hideSVM(in.Eax, f.Host.Query(in))
}

func hideSVM(leaf uint32, out cpuid.Out) cpuid.Out {
	switch leaf {
	case amd64.CPUIDExtFeatures:
		out.Ecx &^= 1 << amd64.CPUIDSVMBit
	case amd64.CPUIDSVMFeatures, amd64.CPUIDMemEncryption:
		out = cpuid.Out{}
	}
	return out
}

func isHypervisorLeaf(leaf uint32) bool {
	return leaf>>30 == amd64.CPUIDHypervisorBase>>30
}

// cpuidSlot pairs a CPUID filter with whether the synthetic MSR range is
// open, so one store switches both.
type cpuidSlot struct {
	filter   CPUIDFilter
	presence bool
}

func (h *Hypervisor) cpuidFilter() CPUIDFilter {
	return h.filter.Load().filter
}

func (h *Hypervisor) syntheticOpen() bool {
	return h.filter.Load().presence
}

// Expected intercept code 0x72.
func handleCPUID(h *Hypervisor, v *VCPU, gpr *hv.GPRState) Outcome {
	in := cpuid.In{Eax: uint32(gpr.RAX), Ecx: uint32(gpr.RCX)}
	out := h.cpuidFilter().Filter(in)

	gpr.RAX = uint64(out.Eax)
	gpr.RBX = uint64(out.Ebx)
	gpr.RCX = uint64(out.Ecx)
	gpr.RDX = uint64(out.Edx)

	v.Block.AdvanceRIP()
	return resume()
}
