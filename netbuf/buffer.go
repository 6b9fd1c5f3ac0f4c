// SPDX-FileCopyrightText: 2026 The spyglass developers
//
// SPDX-License-Identifier: GPL-3.0-or-later

// Package netbuf provides growable byte buffers and the buffered Conn that
// multiplexes plaintext and TLS sockets under one would-block contract.
package netbuf

// growth is the fixed increment in which Buffer capacity is extended, bounding
// reallocation frequency for streamed payloads.
const growth = 1024

// Buffer is an owned, growable byte region. Besides its logical length it
// keeps a read cursor for incremental consumers; Consume drops consumed bytes
// and resets the cursor.
type Buffer struct {
	data []byte
	cur  int
}

// Len returns the logical length in bytes.
func (b *Buffer) Len() int {
	return len(b.data)
}

// Bytes returns the buffered bytes. The slice is only valid until the next
// mutating call.
func (b *Buffer) Bytes() []byte {
	return b.data
}

// Append copies p onto the end of the buffer, growing it as needed.
func (b *Buffer) Append(p []byte) {
	b.reserve(len(p))
	b.data = append(b.data, p...)
}

// Space reserves room for n more bytes and returns the writable region behind
// the current length. The caller reports how much was actually filled via Mark.
func (b *Buffer) Space(n int) []byte {
	b.reserve(n)
	return b.data[len(b.data) : len(b.data)+n]
}

// Mark extends the logical length by n bytes previously filled through Space.
func (b *Buffer) Mark(n int) {
	b.data = b.data[: len(b.data)+n : cap(b.data)]
}

// Rest returns the bytes behind the read cursor.
func (b *Buffer) Rest() []byte {
	return b.data[b.cur:]
}

// Advance moves the read cursor n bytes forward.
func (b *Buffer) Advance(n int) {
	b.cur += n
}

// Consume drops the first n bytes, compacting the remainder to the front and
// resetting the read cursor.
func (b *Buffer) Consume(n int) {
	if n > len(b.data) {
		n = len(b.data)
	}

	rest := copy(b.data, b.data[n:])
	b.data = b.data[:rest]
	b.cur = 0
}

// Reset empties the buffer, keeping its capacity.
func (b *Buffer) Reset() {
	b.data = b.data[:0]
	b.cur = 0
}

// reserve ensures capacity for n more bytes, growing in multiples of the
// growth increment.
func (b *Buffer) reserve(n int) {
	need := len(b.data) + n
	if need <= cap(b.data) {
		return
	}

	capacity := ((need + growth - 1) / growth) * growth
	data := make([]byte, len(b.data), capacity)
	copy(data, b.data)
	b.data = data
}
