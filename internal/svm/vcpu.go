//go:build amd64

package svm

import (
	"github.com/tinyrange/svmcore/internal/amd64"
	"github.com/tinyrange/svmcore/internal/mshv"
	"github.com/tinyrange/svmcore/internal/npt"
	"github.com/tinyrange/svmcore/internal/vmcb"
)

// Status is the lifecycle state of a virtual processor.
type Status uint8

const (
	StatusSubvertedHost Status = iota
	StatusTransition
	StatusCustomGuest
)

func (s Status) String() string {
	switch s {
	case StatusSubvertedHost:
		return "subverted-host"
	case StatusTransition:
		return "transition"
	case StatusCustomGuest:
		return "custom-guest"
	default:
		return "unknown"
	}
}

// NestedState is the guest's view of its own SVM state.
type NestedState struct {
	SVME       bool
	GIF        bool
	HostSavePA uint64
}

// VirtualMSRs holds MSR values the guest sees instead of the real ones.
type VirtualMSRs struct {
	LStar uint64
}

// LaunchRecord is written when the processor enters guest mode and tells the
// dispatcher which control block belongs to the subverted host.
type LaunchRecord struct {
	GuestVMCBPA uint64
	Custom      *VCPU
}

// VCPU is the per-processor record. It is owned by one logical processor and
// only its exit path touches it.
type VCPU struct {
	ProcID uint32
	Block  *vmcb.Block

	Nested     NestedState
	VirtualMSR VirtualMSRs
	Status     Status

	Primary   *npt.Manager
	Secondary *npt.Manager

	Launch LaunchRecord

	// CPUIDFMS is the family/model/stepping signature reported in EDX after
	// an INIT.
	CPUIDFMS uint32

	Synthetic *mshv.VP

	Stats Stats

	source string
}

func (v *VCPU) inject(vector uint8, typ vmcb.EventType, hasErrorCode bool, errorCode uint32) {
	v.Block.InjectEvent(vector, typ, hasErrorCode, errorCode)
	v.Stats.injected.Add(1)
}

func (v *VCPU) injectUD() {
	v.inject(amd64.VectorInvalidOpcode, vmcb.EventException, false, 0)
}

func (v *VCPU) injectGP(errorCode uint32) {
	v.inject(amd64.VectorGeneralProtection, vmcb.EventException, true, errorCode)
}

// longMode reports whether the guest code segment is a 64-bit segment.
func (v *VCPU) longMode() bool {
	return v.Block.Read16(vmcb.CS.Attrib())&amd64.SegAttrLongMode != 0
}
