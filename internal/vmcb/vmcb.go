// Package vmcb provides typed access to an SVM virtual machine control block.
//
// A Block wraps one 4KiB page laid out as described in AMD64 APM Volume 2,
// Appendix B: the control area at offset 0 and the state-save area at offset
// 0x400. Every access goes through a Field, which fixes the offset and the
// width of the value; reading or writing a field with the wrong width panics,
// since field definitions are static and a mismatch is a programming error.
//
// Writes never touch the clean-bits field on their own. A caller that modifies
// a field whose category is cached by the processor must call MarkDirty for
// that category, otherwise the next VMRUN may run with stale state.
package vmcb

import (
	"encoding/binary"
	"fmt"
)

// Size is the size of a control block in bytes.
const Size = 4096

// Width is the size of a field in bytes.
type Width uint8

const (
	Width8  Width = 1
	Width16 Width = 2
	Width32 Width = 4
	Width64 Width = 8
)

func (w Width) String() string {
	return fmt.Sprintf("%d-bit", int(w)*8)
}

// Field names a value at a fixed offset of the control block.
type Field struct {
	Name   string
	Offset uint16
	Width  Width
}

func (f Field) String() string { return f.Name }

// Block is a control block backed by caller-provided memory.
type Block struct {
	buf  []byte
	phys uint64
}

// Wrap returns a Block over buf, which must be at least Size bytes long.
// phys is the physical address the processor knows the block by.
func Wrap(buf []byte, phys uint64) (*Block, error) {
	if len(buf) < Size {
		return nil, fmt.Errorf("vmcb: buffer of %d bytes is smaller than a control block", len(buf))
	}
	if phys&(Size-1) != 0 {
		return nil, fmt.Errorf("vmcb: physical address 0x%x is not page aligned", phys)
	}
	return &Block{buf: buf[:Size], phys: phys}, nil
}

// Phys returns the physical address of the block.
func (b *Block) Phys() uint64 { return b.phys }

// Bytes returns the raw backing memory.
func (b *Block) Bytes() []byte { return b.buf }

func (b *Block) check(f Field, w Width) {
	if f.Width != w {
		panic(fmt.Sprintf("vmcb: %s is a %s field, accessed as %s", f.Name, f.Width, w))
	}
}

func (b *Block) Read8(f Field) uint8 {
	b.check(f, Width8)
	return b.buf[f.Offset]
}

func (b *Block) Read16(f Field) uint16 {
	b.check(f, Width16)
	return binary.LittleEndian.Uint16(b.buf[f.Offset:])
}

func (b *Block) Read32(f Field) uint32 {
	b.check(f, Width32)
	return binary.LittleEndian.Uint32(b.buf[f.Offset:])
}

func (b *Block) Read64(f Field) uint64 {
	b.check(f, Width64)
	return binary.LittleEndian.Uint64(b.buf[f.Offset:])
}

func (b *Block) Write8(f Field, v uint8) {
	b.check(f, Width8)
	b.buf[f.Offset] = v
}

func (b *Block) Write16(f Field, v uint16) {
	b.check(f, Width16)
	binary.LittleEndian.PutUint16(b.buf[f.Offset:], v)
}

func (b *Block) Write32(f Field, v uint32) {
	b.check(f, Width32)
	binary.LittleEndian.PutUint32(b.buf[f.Offset:], v)
}

func (b *Block) Write64(f Field, v uint64) {
	b.check(f, Width64)
	binary.LittleEndian.PutUint64(b.buf[f.Offset:], v)
}

// Read returns f zero-extended to 64 bits, whatever its width.
func (b *Block) Read(f Field) uint64 {
	switch f.Width {
	case Width8:
		return uint64(b.Read8(f))
	case Width16:
		return uint64(b.Read16(f))
	case Width32:
		return uint64(b.Read32(f))
	case Width64:
		return b.Read64(f)
	default:
		panic(fmt.Sprintf("vmcb: %s has invalid width %d", f.Name, f.Width))
	}
}

// Write stores v truncated to the width of f.
func (b *Block) Write(f Field, v uint64) {
	switch f.Width {
	case Width8:
		b.Write8(f, uint8(v))
	case Width16:
		b.Write16(f, uint16(v))
	case Width32:
		b.Write32(f, uint32(v))
	case Width64:
		b.Write64(f, v)
	default:
		panic(fmt.Sprintf("vmcb: %s has invalid width %d", f.Name, f.Width))
	}
}

// CopyFields copies each field in fields from src to b.
func (b *Block) CopyFields(src *Block, fields []Field) {
	for _, f := range fields {
		b.Write(f, src.Read(f))
	}
}

// AdvanceRIP moves the guest instruction pointer past the intercepted
// instruction using the next-RIP value saved by the processor.
func (b *Block) AdvanceRIP() {
	b.Write64(GuestRIP, b.Read64(NextRIP))
}

// InstructionBytes returns the guest instruction bytes the processor fetched
// for the intercept, if any.
func (b *Block) InstructionBytes() []byte {
	n := int(b.Read8(InstructionLength))
	if n > maxInstructionBytes {
		n = maxInstructionBytes
	}
	return b.buf[instructionBytesOffset : instructionBytesOffset+n]
}

// SetInstructionBytes stores code as the fetched guest instruction bytes.
func (b *Block) SetInstructionBytes(code []byte) {
	n := copy(b.buf[instructionBytesOffset:instructionBytesOffset+maxInstructionBytes], code)
	b.Write8(InstructionLength, uint8(n))
}

// Reset zeroes the whole block.
func (b *Block) Reset() {
	clear(b.buf)
}
