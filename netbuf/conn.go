// SPDX-FileCopyrightText: 2026 The spyglass developers
//
// SPDX-License-Identifier: GPL-3.0-or-later

package netbuf

import (
	"errors"
	"io"

	"github.com/hashicorp/go-multierror"
	"golang.org/x/sys/unix"

	"github.com/spyglass-browser/spyglass/ev"
)

// ErrWouldBlock reports that a read or write made no progress and the caller
// must wait for readiness before retrying. Both the plaintext and the TLS
// backend normalize every non-fatal stall to this error, including TLS needing
// a write to make read progress.
var ErrWouldBlock = errors.New("operation would block")

// Conn is a buffered connection over a raw descriptor, optionally upgraded to
// TLS. Reads accumulate in an owned read buffer, writes drain from an owned
// write buffer; neither Fill nor Flush ever blocks.
type Conn struct {
	fd   int
	rbuf Buffer
	wbuf Buffer

	tls *tlsSession

	closed bool
}

// NewConn creates an unbound connection.
func NewConn() *Conn {
	return &Conn{fd: -1}
}

// Bind attaches the connection to an open descriptor, which must already be
// non-blocking.
func (c *Conn) Bind(fd int) {
	c.fd = fd
}

// Readiness reports which descriptor the caller must register and with which
// interest. Write interest is requested while the write buffer is non-empty or
// a TLS handshake/close step is outstanding.
func (c *Conn) Readiness() (fd int, interest ev.Events) {
	if c.tls != nil {
		// TLS progress of any kind is announced on the notify pipe.
		return c.tls.notifyRead, ev.Read
	}

	interest = ev.Read
	if c.wbuf.Len() > 0 {
		interest |= ev.Write
	}
	return c.fd, interest
}

// Fill reads available bytes into the read buffer, growing it as needed. It
// returns the number of bytes added, ErrWouldBlock if no progress is possible
// right now, io.EOF at end-of-stream, or a terminal I/O error.
func (c *Conn) Fill() (int, error) {
	if c.tls != nil {
		return c.tls.fill(&c.rbuf)
	}

	buf := c.rbuf.Space(growth)
	n, err := unix.Read(c.fd, buf)
	switch {
	case err == unix.EAGAIN || err == unix.EINTR:
		return 0, ErrWouldBlock
	case err != nil:
		return 0, err
	case n == 0:
		return 0, io.EOF
	}

	c.rbuf.Mark(n)
	return n, nil
}

// Flush writes pending bytes from the write buffer, draining what succeeds.
// Same would-block normalization as Fill.
func (c *Conn) Flush() (int, error) {
	if c.wbuf.Len() == 0 {
		return 0, nil
	}

	if c.tls != nil {
		n := c.wbuf.Len()
		if err := c.tls.send(c.wbuf.Bytes()); err != nil {
			return 0, err
		}
		c.wbuf.Reset()
		return n, nil
	}

	n, err := unix.Write(c.fd, c.wbuf.Bytes())
	if err == unix.EAGAIN || err == unix.EINTR {
		return 0, ErrWouldBlock
	} else if err != nil {
		return 0, err
	}

	c.wbuf.Consume(n)
	return n, nil
}

// Push appends p to the write buffer. It never blocks; the bytes leave through
// Flush once the descriptor is writable.
func (c *Conn) Push(p []byte) {
	c.wbuf.Append(p)
}

// Data returns the unconsumed contents of the read buffer.
func (c *Conn) Data() []byte {
	return c.rbuf.Bytes()
}

// Consume drops the first n bytes of the read buffer.
func (c *Conn) Consume(n int) {
	c.rbuf.Consume(n)
}

// Pending reports whether the write buffer still holds bytes.
func (c *Conn) Pending() bool {
	return c.wbuf.Len() > 0
}

// Shutdown drives connection teardown. On TLS connections this is the close
// handshake, which may itself need further I/O: Shutdown returns ErrWouldBlock
// until the handshake completes and nil afterwards. Plaintext connections are
// ready immediately. Repeated calls are harmless.
func (c *Conn) Shutdown() error {
	if c.tls != nil {
		return c.tls.shutdown()
	}
	return nil
}

// Close releases the descriptor and, for TLS connections, the notify pipe.
// The TLS close handshake should have been driven to completion through
// Shutdown first; Close never blocks on it. Close is idempotent.
func (c *Conn) Close() error {
	if c.closed {
		return nil
	}
	c.closed = true

	var errs *multierror.Error

	if c.tls != nil {
		errs = multierror.Append(errs, c.tls.close())
	} else if c.fd >= 0 {
		errs = multierror.Append(errs, unix.Close(c.fd))
	}
	c.fd = -1

	return errs.ErrorOrNil()
}
