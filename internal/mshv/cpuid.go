//go:build amd64

// Package mshv implements the Hyper-V compatible synthetic interface a guest
// sees when the hypervisor advertises itself: the hypervisor CPUID leaves and
// the synthetic MSRs.
package mshv

import (
	"encoding/binary"
	"fmt"

	"gvisor.dev/gvisor/pkg/cpuid"

	"github.com/tinyrange/svmcore/internal/amd64"
)

const (
	LeafVendor          = amd64.CPUIDHypervisorBase + 0
	LeafInterface       = amd64.CPUIDHypervisorBase + 1
	LeafVersion         = amd64.CPUIDHypervisorBase + 2
	LeafFeatures        = amd64.CPUIDHypervisorBase + 3
	LeafRecommendations = amd64.CPUIDHypervisorBase + 4
	LeafLimits          = amd64.CPUIDHypervisorBase + 5
)

// InterfaceSignature is "Hv#1".
const InterfaceSignature = 0x31237648

// Partition privilege bits reported in EAX of LeafFeatures.
const (
	PrivAccessPartitionReferenceCounter = 1 << 1
	PrivAccessSynicRegs                 = 1 << 2
	PrivAccessHypercallMsrs             = 1 << 5
	PrivAccessVpIndex                   = 1 << 6
)

const (
	versionBuild = 0x4a61
	versionMajor = 10
	versionMinor = 0

	// No spinlock retry notification.
	spinlockRetriesNever = 0xffffffff
)

// LeafFunc answers one hypervisor CPUID leaf.
type LeafFunc func(in cpuid.In) cpuid.Out

// Leaves builds the table of hypervisor leaves, indexed by leaf number minus
// the hypervisor base leaf.
func Leaves(vendor string, processors int) ([]LeafFunc, error) {
	if len(vendor) != 12 {
		return nil, fmt.Errorf("mshv: vendor %q must be 12 bytes", vendor)
	}
	if processors < 1 {
		return nil, fmt.Errorf("mshv: invalid processor count %d", processors)
	}

	var sig [12]byte
	copy(sig[:], vendor)

	table := []LeafFunc{
		func(cpuid.In) cpuid.Out {
			return cpuid.Out{
				Eax: LeafLimits,
				Ebx: binary.LittleEndian.Uint32(sig[0:4]),
				Ecx: binary.LittleEndian.Uint32(sig[4:8]),
				Edx: binary.LittleEndian.Uint32(sig[8:12]),
			}
		},
		func(cpuid.In) cpuid.Out {
			return cpuid.Out{Eax: InterfaceSignature}
		},
		func(cpuid.In) cpuid.Out {
			return cpuid.Out{Eax: versionBuild, Ebx: versionMajor<<16 | versionMinor}
		},
		func(cpuid.In) cpuid.Out {
			return cpuid.Out{Eax: PrivAccessPartitionReferenceCounter |
				PrivAccessSynicRegs |
				PrivAccessHypercallMsrs |
				PrivAccessVpIndex}
		},
		func(cpuid.In) cpuid.Out {
			return cpuid.Out{Ebx: spinlockRetriesNever}
		},
		func(cpuid.In) cpuid.Out {
			return cpuid.Out{Eax: uint32(processors), Ebx: uint32(processors)}
		},
	}
	return table, nil
}
