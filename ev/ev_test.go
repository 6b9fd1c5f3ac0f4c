// SPDX-FileCopyrightText: 2026 The spyglass developers
//
// SPDX-License-Identifier: GPL-3.0-or-later

package ev

import (
	"os"
	"reflect"
	"syscall"
	"testing"
	"time"

	"golang.org/x/sys/unix"
)

func newTestLoop(t *testing.T) *Loop {
	t.Helper()

	loop, err := NewLoop()
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = loop.Close() })

	return loop
}

func TestTimerOrdering(t *testing.T) {
	loop := newTestLoop(t)

	var fired []string
	delays := map[string]time.Duration{
		"c": 30 * time.Millisecond,
		"a": 5 * time.Millisecond,
		"b": 15 * time.Millisecond,
	}

	for _, name := range []string{"c", "a", "b"} {
		name := name
		loop.ArmTimer(delays[name], func() {
			fired = append(fired, name)
			if len(fired) == len(delays) {
				loop.Stop()
			}
		})
	}

	if err := loop.Run(); err != nil {
		t.Fatal(err)
	}

	if expected := []string{"a", "b", "c"}; !reflect.DeepEqual(fired, expected) {
		t.Fatalf("timers fired as %v instead of %v", fired, expected)
	}
}

func TestTimerCancelDuringTick(t *testing.T) {
	loop := newTestLoop(t)

	var bFired, cFired bool
	var idB TimerID

	// A and B share a deadline and are merged into the same tick; A's
	// callback cancels B mid-dispatch and stages a replacement.
	loop.ArmTimer(time.Millisecond, func() {
		loop.CancelTimer(idB)
		loop.ArmTimer(5*time.Millisecond, func() {
			cFired = true
			loop.Stop()
		})
	})
	idB = loop.ArmTimer(time.Millisecond, func() {
		bFired = true
	})

	if err := loop.Run(); err != nil {
		t.Fatal(err)
	}

	if bFired {
		t.Fatal("cancelled timer fired")
	}
	if !cFired {
		t.Fatal("timer armed during dispatch did not fire")
	}
	if total := len(loop.timers) + loop.staged.Length(); total != 0 {
		t.Fatalf("%d timers left over", total)
	}
}

func TestTimerCancelStaged(t *testing.T) {
	loop := newTestLoop(t)

	id := loop.ArmTimer(time.Millisecond, func() {
		t.Error("cancelled staged timer fired")
	})
	loop.CancelTimer(id)
	loop.CancelTimer(0)
	loop.CancelTimer(4711)

	loop.ArmTimer(5*time.Millisecond, loop.Stop)

	if err := loop.Run(); err != nil {
		t.Fatal(err)
	}
	if total := len(loop.timers) + loop.staged.Length(); total != 0 {
		t.Fatalf("%d timers left over", total)
	}
}

func TestRegisterDispatch(t *testing.T) {
	loop := newTestLoop(t)

	var fds [2]int
	if err := unix.Pipe2(fds[:], unix.O_NONBLOCK|unix.O_CLOEXEC); err != nil {
		t.Fatal(err)
	}
	defer unix.Close(fds[0])
	defer unix.Close(fds[1])

	var got []byte
	err := loop.Register(fds[0], Read, func(fd int, events Events) {
		if !events.Readable() {
			t.Errorf("unexpected events %v", events)
		}

		buf := make([]byte, 16)
		n, err := unix.Read(fd, buf)
		if err != nil {
			t.Error(err)
		}
		got = append(got, buf[:n]...)
		loop.Stop()
	})
	if err != nil {
		t.Fatal(err)
	}

	if _, err := unix.Write(fds[1], []byte("ping")); err != nil {
		t.Fatal(err)
	}

	if err := loop.Run(); err != nil {
		t.Fatal(err)
	}

	if string(got) != "ping" {
		t.Fatalf("read %q", got)
	}
}

func TestUnregisterIdempotent(t *testing.T) {
	loop := newTestLoop(t)

	var fds [2]int
	if err := unix.Pipe2(fds[:], unix.O_NONBLOCK|unix.O_CLOEXEC); err != nil {
		t.Fatal(err)
	}
	defer unix.Close(fds[0])
	defer unix.Close(fds[1])

	if err := loop.Register(fds[0], Read, func(int, Events) {}); err != nil {
		t.Fatal(err)
	}

	loop.Unregister(fds[0])
	loop.Unregister(fds[0])
	loop.Unregister(4711)
}

func TestPostFromOtherGoroutine(t *testing.T) {
	loop := newTestLoop(t)

	done := make(chan struct{})
	go func() {
		loop.Post(func() {
			close(done)
			loop.Stop()
		})
	}()

	if err := loop.Run(); err != nil {
		t.Fatal(err)
	}

	select {
	case <-done:
	default:
		t.Fatal("posted function did not run")
	}
}

func TestSignalBridge(t *testing.T) {
	loop := newTestLoop(t)

	var got os.Signal
	loop.Signal(syscall.SIGUSR1, func(sig os.Signal) {
		got = sig
		loop.Stop()
	})

	if err := unix.Kill(os.Getpid(), unix.SIGUSR1); err != nil {
		t.Fatal(err)
	}

	if err := loop.Run(); err != nil {
		t.Fatal(err)
	}

	if got != syscall.SIGUSR1 {
		t.Fatalf("signal callback got %v", got)
	}
}

func TestTimerNoAutoRepeat(t *testing.T) {
	loop := newTestLoop(t)

	var fires int
	loop.ArmTimer(time.Millisecond, func() {
		fires++
	})
	loop.ArmTimer(20*time.Millisecond, loop.Stop)

	if err := loop.Run(); err != nil {
		t.Fatal(err)
	}

	if fires != 1 {
		t.Fatalf("timer fired %d times", fires)
	}
}
