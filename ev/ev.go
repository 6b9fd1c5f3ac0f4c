// SPDX-FileCopyrightText: 2026 The spyglass developers
//
// SPDX-License-Identifier: GPL-3.0-or-later

// Package ev provides a readiness-based event loop: registered file descriptors
// are multiplexed through epoll, one-shot timers fire in deadline order, and
// POSIX signals are bridged onto the loop thread through a wakeup pipe.
//
// A Loop is single-threaded. Every callback runs on the goroutine that called
// Run. Code running on other goroutines must reach the loop through Post, which
// is the only thread-safe method besides Stop.
package ev

import (
	"fmt"
	"time"

	"github.com/eapache/queue"
	log "github.com/sirupsen/logrus"
	"golang.org/x/sys/unix"
)

// Events is a bit mask of I/O readiness kinds.
type Events uint8

const (
	// Read indicates the descriptor is readable.
	Read Events = 1 << iota

	// Write indicates the descriptor is writable.
	Write
)

// Readable checks the Read bit.
func (e Events) Readable() bool {
	return e&Read != 0
}

// Writable checks the Write bit.
func (e Events) Writable() bool {
	return e&Write != 0
}

// Callback is invoked from Run for a ready file descriptor.
type Callback func(fd int, events Events)

// registration associates a file descriptor with its interest set and Callback.
type registration struct {
	interest Events
	cb       Callback
}

// Loop is an epoll-backed event loop with timers and a signal bridge.
type Loop struct {
	epfd int

	// wakeRead / wakeWrite form the self-pipe used by Post and the signal
	// forwarders to interrupt an in-progress epoll wait.
	wakeRead  int
	wakeWrite int

	registrations map[int]*registration

	// timers is the live min-heap; staged holds timers armed since the last
	// tick. The split is load-bearing: a callback dispatched while the heap
	// is being scanned may arm or cancel timers, and those mutations must
	// not touch the heap mid-scan. Staged timers are merged at tick start.
	timers    timerHeap
	staged    *queue.Queue
	nextTimer TimerID

	post    *postQueue
	signals []chan struct{}

	stop bool
}

// NewLoop creates an event loop with its epoll instance and wakeup pipe.
func NewLoop() (*Loop, error) {
	epfd, err := unix.EpollCreate1(unix.EPOLL_CLOEXEC)
	if err != nil {
		return nil, fmt.Errorf("epoll create: %w", err)
	}

	var pipeFds [2]int
	if err := unix.Pipe2(pipeFds[:], unix.O_NONBLOCK|unix.O_CLOEXEC); err != nil {
		_ = unix.Close(epfd)
		return nil, fmt.Errorf("wakeup pipe: %w", err)
	}

	l := &Loop{
		epfd:          epfd,
		wakeRead:      pipeFds[0],
		wakeWrite:     pipeFds[1],
		registrations: make(map[int]*registration),
		staged:        queue.New(),
		post:          newPostQueue(),
	}

	if err := l.Register(l.wakeRead, Read, l.onWakeup); err != nil {
		l.Close()
		return nil, err
	}

	return l, nil
}

// Register adds fd to the interest set, replacing any prior registration for
// the same descriptor. It fails only if fd is not pollable.
func (l *Loop) Register(fd int, interest Events, cb Callback) error {
	ev := unix.EpollEvent{Fd: int32(fd), Events: epollEvents(interest)}

	op := unix.EPOLL_CTL_ADD
	if _, exists := l.registrations[fd]; exists {
		op = unix.EPOLL_CTL_MOD
	}

	if err := unix.EpollCtl(l.epfd, op, fd, &ev); err != nil {
		return fmt.Errorf("epoll ctl fd %d: %w", fd, err)
	}

	l.registrations[fd] = &registration{interest: interest, cb: cb}
	return nil
}

// Unregister removes fd from the interest set. Unknown descriptors are ignored.
func (l *Loop) Unregister(fd int) {
	if _, exists := l.registrations[fd]; !exists {
		return
	}

	if err := unix.EpollCtl(l.epfd, unix.EPOLL_CTL_DEL, fd, nil); err != nil {
		log.WithFields(log.Fields{
			"fd":    fd,
			"error": err,
		}).Debug("Removing fd from epoll errored")
	}
	delete(l.registrations, fd)
}

// Run dispatches events until Stop is called. Each tick merges staged timers,
// waits for readiness or the nearest deadline, fires due timers in ascending
// deadline order and finally invokes the callbacks of ready descriptors.
func (l *Loop) Run() error {
	var events [64]unix.EpollEvent

	for !l.stop {
		l.mergeStagedTimers()

		n, err := unix.EpollWait(l.epfd, events[:], l.pollTimeout())
		if err == unix.EINTR {
			continue
		} else if err != nil {
			return fmt.Errorf("epoll wait: %w", err)
		}

		// time.Now carries a monotonic reading; deadline comparisons are
		// immune to wall-clock adjustments.
		l.fireTimers(time.Now())

		for i := 0; i < n; i++ {
			l.dispatchFd(int(events[i].Fd), events[i].Events)
		}
	}

	l.stop = false
	return nil
}

// Stop requests loop exit after the current tick's dispatch completes. It is
// safe to call from any goroutine.
func (l *Loop) Stop() {
	l.Post(func() { l.stop = true })
}

// Post hands fn to the loop thread, waking it if it is blocked in the poll.
// It is safe to call from any goroutine and is the only door through which
// helper goroutines may touch loop-owned state.
func (l *Loop) Post(fn func()) {
	l.post.add(fn)
	l.wakeup()
}

// Close releases the epoll instance and the wakeup pipe. The loop must not be
// running.
func (l *Loop) Close() error {
	for _, stop := range l.signals {
		close(stop)
	}
	l.signals = nil

	_ = unix.Close(l.wakeWrite)
	_ = unix.Close(l.wakeRead)
	return unix.Close(l.epfd)
}

// wakeup writes a single byte into the self-pipe. A full pipe already
// guarantees a pending wakeup, so EAGAIN is fine.
func (l *Loop) wakeup() {
	_, _ = unix.Write(l.wakeWrite, []byte{0})
}

// onWakeup drains the self-pipe and runs every posted function.
func (l *Loop) onWakeup(fd int, _ Events) {
	var buf [128]byte
	for {
		if n, err := unix.Read(fd, buf[:]); err != nil || n < len(buf) {
			break
		}
	}

	for _, fn := range l.post.drain() {
		fn()
	}
}

func (l *Loop) dispatchFd(fd int, epollMask uint32) {
	reg, exists := l.registrations[fd]
	if !exists {
		// A callback earlier in this tick may have unregistered it.
		return
	}

	var events Events
	if epollMask&(unix.EPOLLIN|unix.EPOLLHUP|unix.EPOLLERR) != 0 {
		events |= Read
	}
	if epollMask&(unix.EPOLLOUT|unix.EPOLLERR) != 0 {
		events |= Write
	}

	// Report only what was asked for; errors surface through the next
	// read or write attempt on the descriptor.
	if events &= reg.interest; events != 0 {
		reg.cb(fd, events)
	}
}

func epollEvents(interest Events) (mask uint32) {
	if interest.Readable() {
		mask |= unix.EPOLLIN
	}
	if interest.Writable() {
		mask |= unix.EPOLLOUT
	}
	return mask
}
