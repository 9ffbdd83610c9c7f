// Package trace is a binary, append-only diagnostic log shared by every
// processor's exit path.
//
// Each record is laid out as:
//   - 2 bytes kind
//   - 2 bytes source length
//   - 4 bytes payload length
//   - 8 bytes timestamp (nanoseconds since epoch)
//   - source bytes
//   - payload bytes
//
// Writers reserve space by atomically advancing the log offset and then write
// at the reserved offset, so concurrent writers never take a lock.
package trace

import (
	"encoding/binary"
	"fmt"
	"io"
	"os"
	"sync"
	"sync/atomic"
	"time"
)

const headerSize = 16

type Kind uint16

const (
	KindInvalid Kind = iota
	KindBytes
	KindString
	KindExit
)

func (k Kind) String() string {
	switch k {
	case KindBytes:
		return "bytes"
	case KindString:
		return "string"
	case KindExit:
		return "exit"
	default:
		return fmt.Sprintf("kind(%d)", uint16(k))
	}
}

// Writer is the backing store of a Log.
type Writer interface {
	io.WriterAt
	io.Closer
}

// Log is safe for concurrent use. A nil *Log discards everything.
type Log struct {
	w      Writer
	offset atomic.Int64
	closed atomic.Bool
}

// Open starts a log at offset zero of w.
func Open(w Writer) *Log {
	return &Log{w: w}
}

// OpenFile truncates filename and starts a log in it.
func OpenFile(filename string) (*Log, error) {
	f, err := os.OpenFile(filename, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0644)
	if err != nil {
		return nil, fmt.Errorf("trace: open %s: %w", filename, err)
	}
	return Open(f), nil
}

func encodeHeader(kind Kind, source string, payload []byte, now time.Time) []byte {
	buf := make([]byte, headerSize, headerSize+len(source)+len(payload))
	binary.LittleEndian.PutUint16(buf[0:2], uint16(kind))
	binary.LittleEndian.PutUint16(buf[2:4], uint16(len(source)))
	binary.LittleEndian.PutUint32(buf[4:8], uint32(len(payload)))
	binary.LittleEndian.PutUint64(buf[8:16], uint64(now.UnixNano()))
	return buf
}

func decodeHeader(h []byte) (kind Kind, sourceLen uint16, payloadLen uint32, ts int64) {
	kind = Kind(binary.LittleEndian.Uint16(h[0:2]))
	sourceLen = binary.LittleEndian.Uint16(h[2:4])
	payloadLen = binary.LittleEndian.Uint32(h[4:8])
	ts = int64(binary.LittleEndian.Uint64(h[8:16]))
	return
}

// Write appends one record.
func (l *Log) Write(kind Kind, source string, payload []byte) error {
	if l == nil || l.closed.Load() {
		return nil
	}
	if len(source) > 0xffff {
		source = source[:0xffff]
	}

	rec := encodeHeader(kind, source, payload, time.Now())
	rec = append(rec, source...)
	rec = append(rec, payload...)

	size := int64(len(rec))
	off := l.offset.Add(size) - size
	if _, err := l.w.WriteAt(rec, off); err != nil {
		return fmt.Errorf("trace: write record at %d: %w", off, err)
	}
	return nil
}

func (l *Log) WriteString(source, msg string) error {
	return l.Write(KindString, source, []byte(msg))
}

func (l *Log) Writef(source, format string, args ...any) error {
	return l.Write(KindString, source, fmt.Appendf(nil, format, args...))
}

// WriteExit appends a binary exit record.
func (l *Log) WriteExit(source string, e Exit) error {
	return l.Write(KindExit, source, e.MarshalBinary())
}

// Size returns the number of bytes reserved so far.
func (l *Log) Size() int64 {
	if l == nil {
		return 0
	}
	return l.offset.Load()
}

// Close stops the log and closes the backing writer.
func (l *Log) Close() error {
	if l == nil || l.closed.Swap(true) {
		return nil
	}
	return l.w.Close()
}

// Buffer is an in-memory Writer. Writes at arbitrary offsets are kept until
// Bytes assembles them.
type Buffer struct {
	mu     sync.Mutex
	chunks map[int64][]byte
	size   int64
}

func (b *Buffer) WriteAt(p []byte, off int64) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.chunks == nil {
		b.chunks = make(map[int64][]byte)
	}
	b.chunks[off] = append([]byte(nil), p...)
	if end := off + int64(len(p)); end > b.size {
		b.size = end
	}
	return len(p), nil
}

func (b *Buffer) Close() error { return nil }

// Bytes returns the log contents.
func (b *Buffer) Bytes() []byte {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]byte, b.size)
	for off, chunk := range b.chunks {
		copy(out[off:], chunk)
	}
	return out
}
