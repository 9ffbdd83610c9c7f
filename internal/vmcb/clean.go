package vmcb

import "math/bits"

// Clean is a bit index into the VMCB clean-bits field. A set bit tells the
// processor the corresponding category is unchanged since the last VMRUN.
type Clean uint8

const (
	CleanIntercepts Clean = iota // intercept vectors, TSC offset, pause filter
	CleanIOPM                    // IOPM and MSRPM base addresses
	CleanASID
	CleanTPR // virtual interrupt control
	CleanNP  // nested CR3 and guest PAT
	CleanCRx // CR0, CR3, CR4 and EFER
	CleanDRx // DR6 and DR7
	CleanDT  // GDTR and IDTR
	CleanSeg // CS, DS, SS, ES and CPL
	CleanCR2
	CleanLBR
	CleanAVIC
)

// AllClean marks every category as cached.
const AllClean = 0xffffffff

// MarkDirty clears the clean bit of each category so the processor reloads it
// on the next VMRUN.
func (b *Block) MarkDirty(cs ...Clean) {
	v := b.Read32(CleanBits)
	for _, c := range cs {
		v &^= 1 << c
	}
	b.Write32(CleanBits, v)
}

// MarkAllClean declares every category as unchanged.
func (b *Block) MarkAllClean() {
	b.Write32(CleanBits, AllClean)
}

// IsClean reports whether c is currently marked as cached.
func (b *Block) IsClean(c Clean) bool {
	return b.Read32(CleanBits)&(1<<c) != 0
}

// DirtyCount returns the number of categories currently marked dirty among
// the architecturally defined ones.
func (b *Block) DirtyCount() int {
	const defined = 1<<(CleanAVIC+1) - 1
	return bits.OnesCount32(^b.Read32(CleanBits) & defined)
}

// TLBControl selects the TLB flush performed on the next VMRUN.
type TLBControl uint8

const (
	TLBDoNothing           TLBControl = 0
	TLBFlushEntire         TLBControl = 1
	TLBFlushGuest          TLBControl = 3
	TLBFlushGuestNonGlobal TLBControl = 7
)

func (b *Block) SetTLBControl(t TLBControl) {
	b.Write8(TLBControlField, uint8(t))
}

func (b *Block) TLBControl() TLBControl {
	return TLBControl(b.Read8(TLBControlField))
}
