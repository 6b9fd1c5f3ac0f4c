// SPDX-FileCopyrightText: 2026 The spyglass developers
//
// SPDX-License-Identifier: GPL-3.0-or-later

package fetch

import (
	"testing"
	"time"

	"golang.org/x/sys/unix"

	"github.com/spyglass-browser/spyglass/ev"
	"github.com/spyglass-browser/spyglass/ipc"
	"github.com/spyglass-browser/spyglass/netbuf"
)

// TestRequestEOFWhilePaused drives an end-of-stream into a request paused
// after its reply header. Every started request owes exactly one terminal
// message, so the pause must not swallow the Eof.
func TestRequestEOFWhilePaused(t *testing.T) {
	fds, err := unix.Socketpair(unix.AF_UNIX, unix.SOCK_STREAM|unix.SOCK_CLOEXEC, 0)
	if err != nil {
		t.Fatal(err)
	}

	loop, err := ev.NewLoop()
	if err != nil {
		t.Fatal(err)
	}
	defer loop.Close()

	engCh, err := ipc.NewChannel(fds[0])
	if err != nil {
		t.Fatal(err)
	}
	defer engCh.Close()
	testCh, err := ipc.NewChannel(fds[1])
	if err != nil {
		t.Fatal(err)
	}
	defer testCh.Close()

	eng := NewEngine(loop, engCh, Options{Resolver: NewStaticResolver(loop, nil, 0, 0)})

	r := newRequest(eng, 21, ipc.Gemini, "example.org", "1965", "gemini://example.org/", nil)
	eng.requests[21] = r
	r.state = &stateHeader{paused: true}

	r.onEOF()

	if !r.terminalSent {
		t.Fatal("no terminal message recorded")
	}
	if _, ok := r.state.(*stateDone); !ok {
		t.Fatalf("request ended in state %q", r.state.name())
	}
	if len(eng.requests) != 0 {
		t.Fatal("request still in the active table")
	}

	deadline := time.Now().Add(time.Second)
	for {
		if msg, err := testCh.Next(); err != nil {
			t.Fatal(err)
		} else if msg != nil {
			msg.Discard()
			if msg.Type != ipc.MsgEof || msg.ID != 21 {
				t.Fatalf("got message type 0x%x id %d", msg.Type, msg.ID)
			}
			return
		}

		if time.Now().After(deadline) {
			t.Fatal("no message arrived")
		}

		pfd := []unix.PollFd{{Fd: int32(testCh.Fd()), Events: unix.POLLIN}}
		if _, err := unix.Poll(pfd, 100); err != nil && err != unix.EINTR {
			t.Fatal(err)
		}
		if _, err := testCh.Fill(); err != nil && err != netbuf.ErrWouldBlock {
			t.Fatal(err)
		}
	}
}
