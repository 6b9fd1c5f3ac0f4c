// SPDX-FileCopyrightText: 2026 The spyglass developers
//
// SPDX-License-Identifier: GPL-3.0-or-later

// Package ipc implements the framed message protocol between the UI process
// and the network process, and the control socket a second invocation uses to
// reach a running instance.
//
// A frame is a fixed 16 byte header - type, payload length, correlation id,
// flags, big endian - followed by a CBOR payload. A file descriptor may ride
// along out-of-band over the socketpair.
package ipc

import (
	"fmt"
	"io"

	"github.com/dtn7/cboring"
)

// Message type codes. The 0x1X range flows from the UI process to the network
// process, 0x2X the other way, 0x3X is the control socket.
const (
	// MsgGet starts a request for the correlation id.
	MsgGet uint32 = 0x10

	// MsgCertStatus answers a MsgCheckCert with the user's trust decision.
	MsgCertStatus uint32 = 0x11

	// MsgProceed resumes a request paused after its reply header.
	MsgProceed uint32 = 0x12

	// MsgStop cancels the request with the frame's correlation id.
	MsgStop uint32 = 0x13

	// MsgQuit terminates the network process's loop.
	MsgQuit uint32 = 0x14

	// MsgCheckCert reports the peer certificate hash for a trust decision.
	MsgCheckCert uint32 = 0x20

	// MsgReply carries the numeric reply code and meta line.
	MsgReply uint32 = 0x21

	// MsgBuf carries a bounded chunk of body bytes.
	MsgBuf uint32 = 0x22

	// MsgEof signals the end of the body.
	MsgEof uint32 = 0x23

	// MsgErr reports a terminal failure; no further frames follow for the id.
	MsgErr uint32 = 0x24

	// MsgOpenURL hands a URL to a running instance via the control socket.
	MsgOpenURL uint32 = 0x30
)

// Protocol identifies the wire protocol a request speaks.
type Protocol uint64

const (
	// Gemini rides on TLS and negotiates a reply header.
	Gemini Protocol = 0

	// Gopher is plaintext with no reply header.
	Gopher Protocol = 1

	// Finger is plaintext with no reply header.
	Finger Protocol = 2
)

func (p Protocol) String() string {
	switch p {
	case Gemini:
		return "gemini"
	case Gopher:
		return "gopher"
	case Finger:
		return "finger"
	default:
		return "INVALID"
	}
}

// IsValid checks if this Protocol represents a known value.
func (p Protocol) IsValid() bool {
	return p.String() != "INVALID"
}

// UsesTLS reports whether the protocol requires a TLS session.
func (p Protocol) UsesTLS() bool {
	return p == Gemini
}

// HasReplyHeader reports whether a reply header precedes the body.
func (p Protocol) HasReplyHeader() bool {
	return p == Gemini
}

// GetPayload is the MsgGet payload. An attached client certificate travels as
// a file descriptor on the frame, not in the payload.
type GetPayload struct {
	Proto       Protocol
	Scheme      string
	Host        string
	Port        string
	RequestLine string
}

// MarshalCbor writes a GetPayload as a CBOR array of five elements.
func (g *GetPayload) MarshalCbor(w io.Writer) (err error) {
	if err = cboring.WriteArrayLength(5, w); err != nil {
		return
	}
	if err = cboring.WriteUInt(uint64(g.Proto), w); err != nil {
		return
	}
	for _, field := range []string{g.Scheme, g.Host, g.Port, g.RequestLine} {
		if err = cboring.WriteTextString(field, w); err != nil {
			return
		}
	}
	return
}

// UnmarshalCbor reads a CBOR representation back into a GetPayload.
func (g *GetPayload) UnmarshalCbor(r io.Reader) (err error) {
	if err = expectArray(5, r); err != nil {
		return
	}

	var proto uint64
	if proto, err = cboring.ReadUInt(r); err != nil {
		return
	} else if g.Proto = Protocol(proto); !g.Proto.IsValid() {
		return fmt.Errorf("GetPayload: unknown protocol %d", proto)
	}

	for _, field := range []*string{&g.Scheme, &g.Host, &g.Port, &g.RequestLine} {
		if *field, err = readText(r); err != nil {
			return
		}
	}
	return
}

// CertStatusPayload is the MsgCertStatus payload.
type CertStatusPayload struct {
	Accept bool
}

func (c *CertStatusPayload) MarshalCbor(w io.Writer) error {
	var accept uint64
	if c.Accept {
		accept = 1
	}
	return cboring.WriteUInt(accept, w)
}

func (c *CertStatusPayload) UnmarshalCbor(r io.Reader) error {
	accept, err := cboring.ReadUInt(r)
	if err != nil {
		return err
	}
	c.Accept = accept != 0
	return nil
}

// CheckCertPayload is the MsgCheckCert payload.
type CheckCertPayload struct {
	Hash string
}

func (c *CheckCertPayload) MarshalCbor(w io.Writer) error {
	return cboring.WriteTextString(c.Hash, w)
}

func (c *CheckCertPayload) UnmarshalCbor(r io.Reader) (err error) {
	c.Hash, err = readText(r)
	return
}

// ReplyPayload is the MsgReply payload.
type ReplyPayload struct {
	Code uint64
	Meta string
}

func (p *ReplyPayload) MarshalCbor(w io.Writer) (err error) {
	if err = cboring.WriteArrayLength(2, w); err != nil {
		return
	}
	if err = cboring.WriteUInt(p.Code, w); err != nil {
		return
	}
	return cboring.WriteTextString(p.Meta, w)
}

func (p *ReplyPayload) UnmarshalCbor(r io.Reader) (err error) {
	if err = expectArray(2, r); err != nil {
		return
	}
	if p.Code, err = cboring.ReadUInt(r); err != nil {
		return
	}
	p.Meta, err = readText(r)
	return
}

// BufPayload is the MsgBuf payload.
type BufPayload struct {
	Data []byte
}

func (b *BufPayload) MarshalCbor(w io.Writer) error {
	return cboring.WriteByteString(b.Data, w)
}

func (b *BufPayload) UnmarshalCbor(r io.Reader) (err error) {
	b.Data, err = cboring.ReadByteString(r)
	return
}

// ErrPayload is the MsgErr payload.
type ErrPayload struct {
	Message string
}

func (e *ErrPayload) MarshalCbor(w io.Writer) error {
	return cboring.WriteTextString(e.Message, w)
}

func (e *ErrPayload) UnmarshalCbor(r io.Reader) (err error) {
	e.Message, err = readText(r)
	return
}

// OpenURLPayload is the MsgOpenURL payload.
type OpenURLPayload struct {
	URL string
}

func (o *OpenURLPayload) MarshalCbor(w io.Writer) error {
	return cboring.WriteTextString(o.URL, w)
}

func (o *OpenURLPayload) UnmarshalCbor(r io.Reader) (err error) {
	o.URL, err = readText(r)
	return
}

func expectArray(length uint64, r io.Reader) error {
	if n, err := cboring.ReadArrayLength(r); err != nil {
		return err
	} else if n != length {
		return fmt.Errorf("expected array of length %d, got %d", length, n)
	}
	return nil
}

func readText(r io.Reader) (string, error) {
	m, n, err := cboring.ReadMajors(r)
	if err != nil {
		return "", err
	} else if m != cboring.TextString {
		return "", fmt.Errorf("expected text string, got major type 0x%X", m)
	}

	raw, err := cboring.ReadRawBytes(n, r)
	if err != nil {
		return "", err
	}
	return string(raw), nil
}
