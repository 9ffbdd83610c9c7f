//go:build amd64

package mshv

import (
	"errors"
	"time"
)

const (
	MSRGuestOSID    = 0x40000000
	MSRHypercall    = 0x40000001
	MSRVPIndex      = 0x40000002
	MSRTimeRefCount = 0x40000020
	MSRSControl     = 0x40000080
	MSRSVersion     = 0x40000081
)

const (
	hypercallEnable   = 1 << 0
	hypercallLocked   = 1 << 1
	hypercallPageMask = ^uint64(0xfff)
	scontrolEnable    = 1 << 0
	synicVersion      = 1
	referenceTimeUnit = 100 * time.Nanosecond
)

// ErrReadOnly is returned for writes to read-only synthetic MSRs. The caller
// raises #GP in the guest.
var ErrReadOnly = errors.New("mshv: write to read-only synthetic msr")

// Partition is the state shared by every processor of one guest.
type Partition struct {
	start time.Time
	now   func() time.Time
}

// NewPartition starts the partition reference clock. A nil now uses
// time.Now.
func NewPartition(now func() time.Time) *Partition {
	if now == nil {
		now = time.Now
	}
	return &Partition{start: now(), now: now}
}

// ReferenceTime returns the partition reference counter in 100ns units.
func (p *Partition) ReferenceTime() uint64 {
	return uint64(p.now().Sub(p.start) / referenceTimeUnit)
}

// VP is the synthetic register state of one virtual processor. It is only
// touched from that processor's exit path.
type VP struct {
	partition *Partition
	index     uint32

	guestOSID uint64
	hypercall uint64
	scontrol  uint64
}

func (p *Partition) NewVP(index uint32) *VP {
	return &VP{partition: p, index: index}
}

// ReadMSR returns the value of a synthetic MSR. Unknown indices read as zero.
func (vp *VP) ReadMSR(index uint32) (uint64, bool) {
	switch index {
	case MSRGuestOSID:
		return vp.guestOSID, true
	case MSRHypercall:
		return vp.hypercall, true
	case MSRVPIndex:
		return uint64(vp.index), true
	case MSRTimeRefCount:
		return vp.partition.ReferenceTime(), true
	case MSRSControl:
		return vp.scontrol, true
	case MSRSVersion:
		return synicVersion, true
	default:
		return 0, false
	}
}

// WriteMSR updates a synthetic MSR. Writes to unknown indices are dropped and
// reported through the boolean.
func (vp *VP) WriteMSR(index uint32, value uint64) (bool, error) {
	switch index {
	case MSRGuestOSID:
		vp.guestOSID = value
		if value == 0 {
			// Clearing the guest identity disables the hypercall page.
			vp.hypercall &^= hypercallEnable
		}
		return true, nil
	case MSRHypercall:
		if vp.hypercall&hypercallLocked != 0 {
			return true, nil
		}
		if vp.guestOSID == 0 {
			value &^= hypercallEnable
		}
		vp.hypercall = value & (hypercallPageMask | hypercallEnable | hypercallLocked)
		return true, nil
	case MSRSControl:
		vp.scontrol = value & scontrolEnable
		return true, nil
	case MSRVPIndex, MSRTimeRefCount, MSRSVersion:
		return true, ErrReadOnly
	default:
		return false, nil
	}
}

// HypercallPage returns the guest physical page of the hypercall page and
// whether it is enabled.
func (vp *VP) HypercallPage() (uint64, bool) {
	return vp.hypercall & hypercallPageMask, vp.hypercall&hypercallEnable != 0
}
