// Package buffer implements the growable octet buffer the connection core
// uses for its in/out queues: append, length, search-for-byte,
// delete-prefix, and a raw read-into-tail primitive, plus the prefix
// compaction heuristic described by the connection core's data model.
//
// No pack example implements a cursor-tracked mutable octet buffer with
// prefix compaction and a writable tail slice for syscall reads; the
// closest analogues (bytes.Buffer, the teacher's ChunkedIngress) either
// don't expose a writable tail or solve a different problem (task queues,
// not octets). A plain []byte plus a read cursor is the direct, idiomatic
// expression of the invariant this type exists to hold:
// 0 <= pos <= len(data).
package buffer

import "bytes"

// Buffer is a growable byte sequence with an unread-prefix cursor. The zero
// value is ready to use.
type Buffer struct {
	data []byte
	pos  int
}

// Len returns the number of unread octets.
func (b *Buffer) Len() int {
	return len(b.data) - b.pos
}

// TotalLen returns the full stored length, read and unread, mostly of use
// around Reserve/Truncate.
func (b *Buffer) TotalLen() int {
	return len(b.data)
}

// Cap returns the capacity of the underlying storage, mostly useful for
// tests asserting the compaction heuristic actually ran.
func (b *Buffer) Cap() int {
	return cap(b.data)
}

// Append adds octets to the end of the buffer.
func (b *Buffer) Append(p []byte) {
	b.data = append(b.data, p...)
}

// Bytes returns the unread octets. The returned slice aliases the buffer's
// storage and is invalidated by the next mutating call.
func (b *Buffer) Bytes() []byte {
	return b.data[b.pos:]
}

// Compact discards the already-read prefix in place, the way the
// connection's refill path reclaims inbuf_pos before appending new data.
func (b *Buffer) Compact() {
	if b.pos == 0 {
		return
	}
	n := copy(b.data, b.data[b.pos:])
	b.data = b.data[:n]
	b.pos = 0
}

// CompactIfOverHalf runs the outbuf compaction heuristic: once more than
// half of the stored bytes have been consumed, reclaim them.
func (b *Buffer) CompactIfOverHalf() {
	if b.pos > len(b.data)/2 {
		b.Compact()
	}
}

// Advance marks n octets at the front as consumed.
func (b *Buffer) Advance(n int) {
	b.pos += n
	if b.pos > len(b.data) {
		b.pos = len(b.data)
	}
}

// Reset empties the buffer entirely.
func (b *Buffer) Reset() {
	b.data = b.data[:0]
	b.pos = 0
}

// Take returns and consumes up to n unread octets, copied out so the caller
// owns the result independent of future mutation.
func (b *Buffer) Take(n int) []byte {
	if n > b.Len() {
		n = b.Len()
	}
	out := make([]byte, n)
	copy(out, b.data[b.pos:b.pos+n])
	b.Advance(n)
	return out
}

// IndexByte returns the offset of the first occurrence of c in the unread
// region, or -1.
func (b *Buffer) IndexByte(c byte) int {
	return bytes.IndexByte(b.data[b.pos:], c)
}

// Grow ensures the buffer has room to append n more octets without
// reallocating on the next Append, compacting the read prefix first if
// that alone suffices.
func (b *Buffer) Grow(n int) {
	if cap(b.data)-len(b.data) >= n {
		return
	}
	b.Compact()
	if cap(b.data)-len(b.data) >= n {
		return
	}
	grown := make([]byte, len(b.data), len(b.data)+n)
	copy(grown, b.data)
	b.data = grown
}

// Reserve grows the buffer by n octets and returns a writable slice over
// them, for a raw read(2) straight into the buffer's storage. Pair with
// Truncate(before + n_actually_read) once the syscall reports how many
// octets actually landed.
func (b *Buffer) Reserve(n int) []byte {
	b.Grow(n)
	l := len(b.data)
	b.data = b.data[:l+n]
	return b.data[l : l+n]
}

// Truncate sets the buffer's total stored length, releasing the unused tail
// of a Reserve call back to free capacity.
func (b *Buffer) Truncate(totalLen int) {
	b.data = b.data[:totalLen]
}
