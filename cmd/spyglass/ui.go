// SPDX-FileCopyrightText: 2026 The spyglass developers
//
// SPDX-License-Identifier: GPL-3.0-or-later

package main

import (
	"fmt"
	"io"
	"net/url"
	"os"
	"strings"

	"github.com/dtn7/cboring"
	log "github.com/sirupsen/logrus"

	"github.com/spyglass-browser/spyglass/ev"
	"github.com/spyglass-browser/spyglass/ipc"
	"github.com/spyglass-browser/spyglass/netbuf"
)

// Frontend consumes the engine's events for one correlation id each. The
// terminal renderer implements this; decisions flow back through the UI's
// CertStatus, Proceed and Stop methods.
type Frontend interface {
	CheckCert(id uint32, hash string)
	Reply(id uint32, code uint64, meta string)
	Buf(id uint32, data []byte)
	Eof(id uint32)
	Err(id uint32, message string)
}

// UI is the UI process's side of the IPC channel: it issues requests with
// fresh correlation ids and routes the network process's messages to the
// Frontend. All methods run on the loop thread.
type UI struct {
	loop  *ev.Loop
	ch    *ipc.Channel
	front Frontend

	nextID uint32
}

func newUI(loop *ev.Loop, ch *ipc.Channel, front Frontend) (*UI, error) {
	ui := &UI{
		loop:  loop,
		ch:    ch,
		front: front,
	}

	if err := loop.Register(ch.Fd(), ev.Read, ui.onChannelEvent); err != nil {
		return nil, err
	}
	return ui, nil
}

// Get starts a request for rawURL and returns its correlation id.
func (ui *UI) Get(rawURL string) (uint32, error) {
	get, err := buildGet(rawURL)
	if err != nil {
		return 0, err
	}

	ui.nextID++
	id := ui.nextID

	log.WithFields(log.Fields{
		"id":  id,
		"url": rawURL,
	}).Info("Requesting URL")

	ui.compose(ipc.MsgGet, id, &get)
	return id, nil
}

// CertStatus relays the user's trust decision for a paused request.
func (ui *UI) CertStatus(id uint32, accept bool) {
	ui.compose(ipc.MsgCertStatus, id, &ipc.CertStatusPayload{Accept: accept})
}

// Proceed resumes a request paused after its reply header.
func (ui *UI) Proceed(id uint32) {
	ui.compose(ipc.MsgProceed, id, nil)
}

// Stop cancels a request.
func (ui *UI) Stop(id uint32) {
	ui.compose(ipc.MsgStop, id, nil)
}

// Quit asks the network process to terminate.
func (ui *UI) Quit() {
	ui.compose(ipc.MsgQuit, 0, nil)
}

func (ui *UI) compose(msgType, id uint32, payload cboring.CborMarshaler) {
	if err := ui.ch.Compose(msgType, id, -1, payload); err != nil {
		log.WithError(err).Error("Composing message errored")
		return
	}
	if err := ui.ch.Flush(); err != nil && err != netbuf.ErrWouldBlock {
		ui.channelDead(err)
		return
	}
	ui.syncInterest()
}

func (ui *UI) onChannelEvent(_ int, events ev.Events) {
	if events.Readable() {
		for {
			if _, err := ui.ch.Fill(); err == netbuf.ErrWouldBlock {
				break
			} else if err != nil {
				ui.channelDead(err)
				return
			}
		}

		for {
			msg, err := ui.ch.Next()
			if err != nil {
				ui.channelDead(err)
				return
			} else if msg == nil {
				break
			}

			ui.dispatch(msg)
		}
	}

	if events.Writable() {
		if err := ui.ch.Flush(); err != nil && err != netbuf.ErrWouldBlock {
			ui.channelDead(err)
			return
		}
	}

	ui.syncInterest()
}

func (ui *UI) dispatch(msg *ipc.Message) {
	defer msg.Discard()

	switch msg.Type {
	case ipc.MsgCheckCert:
		var payload ipc.CheckCertPayload
		if err := msg.Decode(&payload); err == nil {
			ui.front.CheckCert(msg.ID, payload.Hash)
		}

	case ipc.MsgReply:
		var payload ipc.ReplyPayload
		if err := msg.Decode(&payload); err == nil {
			ui.front.Reply(msg.ID, payload.Code, payload.Meta)
		}

	case ipc.MsgBuf:
		var payload ipc.BufPayload
		if err := msg.Decode(&payload); err == nil {
			ui.front.Buf(msg.ID, payload.Data)
		}

	case ipc.MsgEof:
		ui.front.Eof(msg.ID)

	case ipc.MsgErr:
		var payload ipc.ErrPayload
		if err := msg.Decode(&payload); err == nil {
			ui.front.Err(msg.ID, payload.Message)
		}

	default:
		log.WithField("type", msg.Type).Warn("Unexpected message from the network process")
	}
}

func (ui *UI) syncInterest() {
	interest := ev.Read
	if ui.ch.PendingWrite() {
		interest |= ev.Write
	}

	if err := ui.loop.Register(ui.ch.Fd(), interest, ui.onChannelEvent); err != nil {
		log.WithError(err).Error("Re-registering IPC channel errored")
	}
}

func (ui *UI) channelDead(err error) {
	if err == io.EOF {
		log.Error("Network process closed the channel")
	} else {
		log.WithError(err).Error("IPC channel failed")
	}

	ui.loop.Unregister(ui.ch.Fd())
	ui.loop.Stop()
}

// buildGet maps a URL onto the wire request the network process understands.
func buildGet(rawURL string) (ipc.GetPayload, error) {
	if !strings.Contains(rawURL, "://") {
		rawURL = "gemini://" + rawURL
	}

	u, err := url.Parse(rawURL)
	if err != nil {
		return ipc.GetPayload{}, err
	}
	if u.Hostname() == "" {
		return ipc.GetPayload{}, fmt.Errorf("URL %q has no host", rawURL)
	}

	get := ipc.GetPayload{
		Scheme: u.Scheme,
		Host:   u.Hostname(),
		Port:   u.Port(),
	}

	switch u.Scheme {
	case "gemini":
		get.Proto = ipc.Gemini
		get.RequestLine = u.String()
		if get.Port == "" {
			get.Port = "1965"
		}

	case "gopher":
		get.Proto = ipc.Gopher
		// The first path element is the gopher item type, not part of
		// the selector.
		selector := strings.TrimPrefix(u.Path, "/")
		if len(selector) > 0 {
			selector = selector[1:]
		}
		get.RequestLine = selector
		if get.Port == "" {
			get.Port = "70"
		}

	case "finger":
		get.Proto = ipc.Finger
		user := u.User.Username()
		if user == "" {
			user = strings.TrimPrefix(u.Path, "/")
		}
		get.RequestLine = user
		if get.Port == "" {
			get.Port = "79"
		}

	default:
		return ipc.GetPayload{}, fmt.Errorf("unsupported scheme %q", u.Scheme)
	}

	return get, nil
}

// stdoutFrontend is the placeholder consumer wired in until a renderer sits
// on top: certificates are accepted, every reply proceeds, bodies go to
// standard output. In one-shot mode the program ends with its only request.
type stdoutFrontend struct {
	ui      *UI
	oneShot bool
}

func (f *stdoutFrontend) CheckCert(id uint32, hash string) {
	log.WithFields(log.Fields{
		"id":   id,
		"hash": hash,
	}).Info("Accepting server certificate")
	f.ui.CertStatus(id, true)
}

func (f *stdoutFrontend) Reply(id uint32, code uint64, meta string) {
	log.WithFields(log.Fields{
		"id":   id,
		"code": code,
		"meta": meta,
	}).Info("Got reply header")
	f.ui.Proceed(id)
}

func (f *stdoutFrontend) Buf(_ uint32, data []byte) {
	_, _ = os.Stdout.Write(data)
}

func (f *stdoutFrontend) Eof(id uint32) {
	log.WithField("id", id).Info("Request finished")
	f.done()
}

func (f *stdoutFrontend) Err(id uint32, message string) {
	log.WithFields(log.Fields{
		"id":    id,
		"error": message,
	}).Error("Request failed")
	f.done()
}

func (f *stdoutFrontend) done() {
	if f.oneShot {
		f.ui.Quit()
		f.ui.loop.Stop()
	}
}
