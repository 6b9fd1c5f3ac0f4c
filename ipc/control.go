// SPDX-FileCopyrightText: 2026 The spyglass developers
//
// SPDX-License-Identifier: GPL-3.0-or-later

package ipc

import (
	"bytes"
	"fmt"
	"io"
	"net"
	"os"

	"github.com/dtn7/cboring"
	log "github.com/sirupsen/logrus"
	"golang.org/x/sys/unix"

	"github.com/spyglass-browser/spyglass/ev"
	"github.com/spyglass-browser/spyglass/netbuf"
)

// OpenURLHandler consumes URLs handed over through the control socket.
type OpenURLHandler func(url string)

// ControlListener accepts connections on a Unix domain socket and decodes
// MsgOpenURL frames from them. It reuses the channel framing, one direction
// only: a second invocation of the program hands its URL to the running
// instance here instead of starting its own UI.
type ControlListener struct {
	loop    *ev.Loop
	fd      int
	path    string
	handler OpenURLHandler

	conns map[int]*Channel
}

// ListenControl binds the control socket at path and registers it with the
// loop. A stale socket file is replaced.
func ListenControl(loop *ev.Loop, path string, handler OpenURLHandler) (*ControlListener, error) {
	_ = os.Remove(path)

	fd, err := unix.Socket(unix.AF_UNIX, unix.SOCK_STREAM|unix.SOCK_NONBLOCK|unix.SOCK_CLOEXEC, 0)
	if err != nil {
		return nil, fmt.Errorf("control socket: %w", err)
	}

	if err := unix.Bind(fd, &unix.SockaddrUnix{Name: path}); err != nil {
		_ = unix.Close(fd)
		return nil, fmt.Errorf("binding control socket %s: %w", path, err)
	}
	if err := unix.Listen(fd, unix.SOMAXCONN); err != nil {
		_ = unix.Close(fd)
		return nil, fmt.Errorf("listening on control socket %s: %w", path, err)
	}

	l := &ControlListener{
		loop:    loop,
		fd:      fd,
		path:    path,
		handler: handler,
		conns:   make(map[int]*Channel),
	}

	if err := loop.Register(fd, ev.Read, l.onAcceptable); err != nil {
		_ = unix.Close(fd)
		return nil, err
	}

	return l, nil
}

// Close tears down the listener, its connections and the socket file.
func (l *ControlListener) Close() error {
	for fd, ch := range l.conns {
		l.loop.Unregister(fd)
		_ = ch.Close()
	}
	l.conns = nil

	l.loop.Unregister(l.fd)
	_ = os.Remove(l.path)
	return unix.Close(l.fd)
}

func (l *ControlListener) onAcceptable(fd int, _ ev.Events) {
	for {
		connFd, _, err := unix.Accept4(fd, unix.SOCK_NONBLOCK|unix.SOCK_CLOEXEC)
		if err == unix.EAGAIN || err == unix.EINTR {
			return
		} else if err != nil {
			log.WithError(err).Warn("Accepting control connection errored")
			return
		}

		ch, err := NewChannel(connFd)
		if err != nil {
			log.WithError(err).Warn("Wrapping control connection errored")
			_ = unix.Close(connFd)
			continue
		}

		l.conns[connFd] = ch
		if err := l.loop.Register(connFd, ev.Read, l.onReadable); err != nil {
			log.WithError(err).Warn("Registering control connection errored")
			l.drop(connFd)
		}
	}
}

func (l *ControlListener) onReadable(fd int, _ ev.Events) {
	ch, exists := l.conns[fd]
	if !exists {
		return
	}

	if _, err := ch.Fill(); err == netbuf.ErrWouldBlock {
		return
	} else if err != nil {
		if err != io.EOF {
			log.WithError(err).Debug("Control connection read errored")
		}
		l.drop(fd)
		return
	}

	for {
		msg, err := ch.Next()
		if err != nil {
			log.WithError(err).Warn("Control connection framing errored")
			l.drop(fd)
			return
		} else if msg == nil {
			return
		}

		l.dispatch(msg)
	}
}

func (l *ControlListener) dispatch(msg *Message) {
	defer msg.Discard()

	if msg.Type != MsgOpenURL {
		log.WithField("type", msg.Type).Warn("Unexpected control message type")
		return
	}

	var payload OpenURLPayload
	if err := msg.Decode(&payload); err != nil {
		log.WithError(err).Warn("Decoding open-url payload errored")
		return
	}

	l.handler(payload.URL)
}

func (l *ControlListener) drop(fd int) {
	if ch, exists := l.conns[fd]; exists {
		l.loop.Unregister(fd)
		_ = ch.Close()
		delete(l.conns, fd)
	}
}

// SendOpenURL connects to a running instance's control socket and hands it a
// URL. It runs in a fresh process before any loop exists, so plain blocking
// I/O is fine here.
func SendOpenURL(path, url string) error {
	conn, err := net.Dial("unix", path)
	if err != nil {
		return err
	}
	defer conn.Close()

	var body bytes.Buffer
	payload := OpenURLPayload{URL: url}
	if err := cboring.Marshal(&payload, &body); err != nil {
		return fmt.Errorf("marshalling open-url payload: %w", err)
	}

	data := make([]byte, headerLen+body.Len())
	putHeader(data, header{Type: MsgOpenURL, Len: uint32(body.Len())})
	copy(data[headerLen:], body.Bytes())

	_, err = conn.Write(data)
	return err
}
