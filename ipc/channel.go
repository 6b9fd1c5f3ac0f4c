// SPDX-FileCopyrightText: 2026 The spyglass developers
//
// SPDX-License-Identifier: GPL-3.0-or-later

package ipc

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"io"

	"github.com/dtn7/cboring"
	"github.com/hashicorp/go-multierror"
	"golang.org/x/sys/unix"

	"github.com/spyglass-browser/spyglass/netbuf"
)

const (
	// headerLen is the fixed frame header size in bytes.
	headerLen = 16

	// MaxPayload bounds a single frame's payload. Streamed bodies must be
	// chunked below this; an incoming frame claiming more is a framing
	// error and fatal for the channel.
	MaxPayload = 16384

	// flagFdAttached marks a frame with a descriptor in its ancillary data.
	flagFdAttached uint32 = 0x1
)

// fillChunk is the read size per Recvmsg call.
const fillChunk = 4096

// header is the wire representation preceding every payload.
type header struct {
	Type  uint32
	Len   uint32
	ID    uint32
	Flags uint32
}

func putHeader(dst []byte, h header) {
	binary.BigEndian.PutUint32(dst[0:], h.Type)
	binary.BigEndian.PutUint32(dst[4:], h.Len)
	binary.BigEndian.PutUint32(dst[8:], h.ID)
	binary.BigEndian.PutUint32(dst[12:], h.Flags)
}

func parseHeader(src []byte) (h header) {
	h.Type = binary.BigEndian.Uint32(src[0:])
	h.Len = binary.BigEndian.Uint32(src[4:])
	h.ID = binary.BigEndian.Uint32(src[8:])
	h.Flags = binary.BigEndian.Uint32(src[12:])
	return
}

// Message is one fully framed message received from a Channel.
type Message struct {
	Type uint32
	ID   uint32
	Data []byte

	fd int
}

// TakeFd claims the attached descriptor, transferring ownership to the caller.
// It returns -1 if no descriptor was attached or it was already taken.
func (m *Message) TakeFd() int {
	fd := m.fd
	m.fd = -1
	return fd
}

// Discard closes an unclaimed attached descriptor. Always safe to call.
func (m *Message) Discard() {
	if m.fd >= 0 {
		_ = unix.Close(m.fd)
		m.fd = -1
	}
}

// Decode unmarshals the payload into p.
func (m *Message) Decode(p cboring.CborMarshaler) error {
	return cboring.Unmarshal(p, bytes.NewReader(m.Data))
}

// frame is a serialized message queued for sending, optionally carrying a
// descriptor which is transferred with the frame's first byte.
type frame struct {
	data []byte
	fd   int
}

// Channel frames typed messages over a duplex byte stream, usually one end of
// a socketpair. Filling and flushing follow the netbuf would-block contract so
// a Channel slots into the event loop like any buffered connection.
type Channel struct {
	fd int

	rbuf    netbuf.Buffer
	sendq   []*frame
	recvFds []int

	closed bool
}

// NewChannel wraps an open stream socket. The descriptor is switched to
// non-blocking mode and owned by the channel from here on.
func NewChannel(fd int) (*Channel, error) {
	if err := unix.SetNonblock(fd, true); err != nil {
		return nil, fmt.Errorf("setting channel fd non-blocking: %w", err)
	}
	return &Channel{fd: fd}, nil
}

// Fd returns the underlying descriptor for Scheduler registration.
func (ch *Channel) Fd() int {
	return ch.fd
}

// Compose serializes a message onto the send queue. A non-negative fd is
// attached to the frame and owned by the channel until sent. The bytes leave
// through Flush once the descriptor is writable.
func (ch *Channel) Compose(msgType, id uint32, fd int, payload cboring.CborMarshaler) error {
	var body bytes.Buffer
	if payload != nil {
		if err := cboring.Marshal(payload, &body); err != nil {
			return fmt.Errorf("marshalling payload for type 0x%x: %w", msgType, err)
		}
	}
	if body.Len() > MaxPayload {
		return fmt.Errorf("payload of %d bytes exceeds frame limit %d", body.Len(), MaxPayload)
	}

	h := header{Type: msgType, Len: uint32(body.Len()), ID: id}
	if fd >= 0 {
		h.Flags |= flagFdAttached
	}

	data := make([]byte, headerLen+body.Len())
	putHeader(data, h)
	copy(data[headerLen:], body.Bytes())

	ch.sendq = append(ch.sendq, &frame{data: data, fd: fd})
	return nil
}

// PendingWrite reports whether frames are waiting to be flushed.
func (ch *Channel) PendingWrite() bool {
	return len(ch.sendq) > 0
}

// Flush sends queued frames until the queue is empty or the socket stalls, in
// which case netbuf.ErrWouldBlock is returned. An attached descriptor rides in
// the ancillary data of its frame's first byte; the local copy is closed after
// the transfer.
func (ch *Channel) Flush() error {
	for len(ch.sendq) > 0 {
		f := ch.sendq[0]

		var oob []byte
		if f.fd >= 0 {
			oob = unix.UnixRights(f.fd)
		}

		n, err := unix.SendmsgN(ch.fd, f.data, oob, nil, 0)
		if err == unix.EAGAIN || err == unix.EINTR {
			return netbuf.ErrWouldBlock
		} else if err != nil {
			return err
		}

		if f.fd >= 0 {
			_ = unix.Close(f.fd)
			f.fd = -1
		}

		if f.data = f.data[n:]; len(f.data) > 0 {
			return netbuf.ErrWouldBlock
		}
		ch.sendq = ch.sendq[1:]
	}
	return nil
}

// Fill reads available bytes and ancillary descriptors from the socket.
// A zero-length read means the peer closed the channel and surfaces as io.EOF,
// fatal for everything outstanding through this channel.
func (ch *Channel) Fill() (int, error) {
	buf := ch.rbuf.Space(fillChunk)
	oob := make([]byte, unix.CmsgSpace(4*4))

	n, oobn, _, _, err := unix.Recvmsg(ch.fd, buf, oob, unix.MSG_CMSG_CLOEXEC)
	if err == unix.EAGAIN || err == unix.EINTR {
		return 0, netbuf.ErrWouldBlock
	} else if err != nil {
		return 0, err
	}

	if oobn > 0 {
		scms, err := unix.ParseSocketControlMessage(oob[:oobn])
		if err != nil {
			return 0, fmt.Errorf("parsing ancillary data: %w", err)
		}
		for i := range scms {
			fds, err := unix.ParseUnixRights(&scms[i])
			if err != nil {
				continue
			}
			ch.recvFds = append(ch.recvFds, fds...)
		}
	}

	if n == 0 {
		return 0, io.EOF
	}

	ch.rbuf.Mark(n)
	return n, nil
}

// Next extracts the next complete frame, or nil if none is buffered yet.
// Received descriptors are paired with fd-flagged frames in arrival order.
func (ch *Channel) Next() (*Message, error) {
	data := ch.rbuf.Bytes()
	if len(data) < headerLen {
		return nil, nil
	}

	h := parseHeader(data)
	if h.Len > MaxPayload {
		return nil, fmt.Errorf("frame payload of %d bytes exceeds limit %d", h.Len, MaxPayload)
	}

	total := headerLen + int(h.Len)
	if len(data) < total {
		return nil, nil
	}

	msg := &Message{
		Type: h.Type,
		ID:   h.ID,
		Data: append([]byte(nil), data[headerLen:total]...),
		fd:   -1,
	}

	if h.Flags&flagFdAttached != 0 && len(ch.recvFds) > 0 {
		msg.fd = ch.recvFds[0]
		ch.recvFds = ch.recvFds[1:]
	}

	ch.rbuf.Consume(total)
	return msg, nil
}

// Close releases the socket, unsent descriptors and unclaimed received
// descriptors. Close is idempotent.
func (ch *Channel) Close() error {
	if ch.closed {
		return nil
	}
	ch.closed = true

	var errs *multierror.Error

	for _, f := range ch.sendq {
		if f.fd >= 0 {
			_ = unix.Close(f.fd)
		}
	}
	ch.sendq = nil

	for _, fd := range ch.recvFds {
		_ = unix.Close(fd)
	}
	ch.recvFds = nil

	errs = multierror.Append(errs, unix.Close(ch.fd))
	return errs.ErrorOrNil()
}
