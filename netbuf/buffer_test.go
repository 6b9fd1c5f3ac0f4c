// SPDX-FileCopyrightText: 2026 The spyglass developers
//
// SPDX-License-Identifier: GPL-3.0-or-later

package netbuf

import (
	"bytes"
	"testing"
)

func TestBufferAppendConsume(t *testing.T) {
	var b Buffer

	b.Append([]byte("hello, "))
	b.Append([]byte("world"))

	if b.Len() != 12 {
		t.Fatalf("length is %d", b.Len())
	}
	if !bytes.Equal(b.Bytes(), []byte("hello, world")) {
		t.Fatalf("bytes are %q", b.Bytes())
	}

	b.Consume(7)
	if !bytes.Equal(b.Bytes(), []byte("world")) {
		t.Fatalf("after consume, bytes are %q", b.Bytes())
	}

	b.Consume(5)
	if b.Len() != 0 {
		t.Fatalf("length after draining is %d", b.Len())
	}
}

func TestBufferSpaceMark(t *testing.T) {
	var b Buffer

	copy(b.Space(4), "abcd")
	b.Mark(4)
	copy(b.Space(2), "ef")
	b.Mark(2)

	if !bytes.Equal(b.Bytes(), []byte("abcdef")) {
		t.Fatalf("bytes are %q", b.Bytes())
	}
}

func TestBufferGrowth(t *testing.T) {
	var b Buffer

	// Sizes around the growth increment to exercise reserve.
	for _, n := range []int{0, 1, growth - 1, growth, growth + 1, 3 * growth} {
		b.Reset()

		payload := bytes.Repeat([]byte{0x42}, n)
		b.Append(payload)

		if b.Len() != n {
			t.Fatalf("length is %d instead of %d", b.Len(), n)
		}
		if !bytes.Equal(b.Bytes(), payload) {
			t.Fatalf("payload of size %d mangled", n)
		}
	}
}

func TestBufferCompaction(t *testing.T) {
	var b Buffer

	b.Append(bytes.Repeat([]byte{0x01}, growth))
	b.Consume(growth - 1)
	b.Append(bytes.Repeat([]byte{0x02}, growth))

	if b.Len() != growth+1 {
		t.Fatalf("length is %d", b.Len())
	}
	if b.Bytes()[0] != 0x01 || b.Bytes()[1] != 0x02 {
		t.Fatal("consumed prefix leaked into the remaining data")
	}
}

func TestBufferAdvanceRest(t *testing.T) {
	var b Buffer

	b.Append([]byte("header\r\nbody"))
	b.Advance(8)

	if !bytes.Equal(b.Rest(), []byte("body")) {
		t.Fatalf("rest is %q", b.Rest())
	}

	// Consume resets the cursor along with the dropped prefix.
	b.Consume(8)
	if !bytes.Equal(b.Rest(), []byte("body")) {
		t.Fatalf("rest after consume is %q", b.Rest())
	}
}
