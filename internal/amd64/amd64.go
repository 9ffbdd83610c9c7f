// Package amd64 holds the architectural constants the SVM exit core needs:
// MSR indices, EFER bits, exception vectors and the CPUID leaves and bits it
// filters. Values follow the AMD64 Architecture Programmer's Manual.
package amd64

// Model-specific registers.
const (
	MSRSysenterCS   = 0x00000174
	MSRSysenterESP  = 0x00000175
	MSRSysenterEIP  = 0x00000176
	MSRPAT          = 0x00000277
	MSREFER         = 0xc0000080
	MSRStar         = 0xc0000081
	MSRLStar        = 0xc0000082
	MSRCStar        = 0xc0000083
	MSRSyscallMask  = 0xc0000084
	MSRFsBase       = 0xc0000100
	MSRGsBase       = 0xc0000101
	MSRKernelGsBase = 0xc0000102
	MSRTscAux       = 0xc0000103
	MSRVMCR         = 0xc0010114
	MSRHsavePA      = 0xc0010117
)

// Synthetic MSRs occupy 0x40000000-0x7fffffff, the range reserved for
// software and used by hypervisor interfaces.
const (
	SyntheticMSRBase  = 0x40000000
	SyntheticMSRLimit = 0x7fffffff
)

// IsSyntheticMSR reports whether index lies in the hypervisor-defined range.
func IsSyntheticMSR(index uint32) bool {
	return index>>30 == 1
}

// EFER bits.
const (
	EFERSCE     = 1 << 0
	EFERLME     = 1 << 8
	EFERLMA     = 1 << 10
	EFERNXE     = 1 << 11
	EFERSVMEBit = 12
	EFERSVME    = 1 << EFERSVMEBit
)

// CR0 bits
const (
	CR0PE = 1
	CR0MP = 1 << 1
	CR0EM = 1 << 2
	CR0TS = 1 << 3
	CR0ET = 1 << 4
	CR0NE = 1 << 5
	CR0WP = 1 << 16
	CR0AM = 1 << 18
	CR0NW = 1 << 29
	CR0CD = 1 << 30
	CR0PG = 1 << 31
)

// Exception vectors.
const (
	VectorDivideError       = 0
	VectorDebug             = 1
	VectorNMI               = 2
	VectorBreakpoint        = 3
	VectorInvalidOpcode     = 6
	VectorDoubleFault       = 8
	VectorGeneralProtection = 13
	VectorPageFault         = 14
	VectorSecurityException = 30
)

// SXInitRedirection is the #SX error code the processor reports when an INIT
// signal has been redirected into a security exception.
const SXInitRedirection = 1

// CPUID leaves the filters care about.
const (
	CPUIDStdFeatures    = 0x00000001
	CPUIDHypervisorBase = 0x40000000
	CPUIDExtFeatures    = 0x80000001
	CPUIDSVMFeatures    = 0x8000000a
	CPUIDMemEncryption  = 0x8000001f
)

// CPUIDHypervisorPresentBit is ECX bit 31 of the standard feature leaf.
const CPUIDHypervisorPresentBit = 31

// CPUIDSVMBit is ECX bit 2 of the extended feature leaf.
const CPUIDSVMBit = 2

// Segment attribute bits in the packed 12-bit VMCB form.
const (
	SegAttrLongMode = 1 << 9
	SegAttrDefault  = 1 << 10
)

// PageSize is the only page granularity the exit core deals with.
const (
	PageShift = 12
	PageSize  = 1 << PageShift
	PageMask  = PageSize - 1
)

// PageAlign rounds addr down to its page.
func PageAlign(addr uint64) uint64 {
	return addr &^ PageMask
}
