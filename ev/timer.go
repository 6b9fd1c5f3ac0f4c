// SPDX-FileCopyrightText: 2026 The spyglass developers
//
// SPDX-License-Identifier: GPL-3.0-or-later

package ev

import (
	"time"
)

// TimerID identifies an armed timer. The zero value never identifies a live
// timer and may be used as a "no timer" marker.
type TimerID uint32

// TimerCallback is invoked from Run when a timer's deadline is reached.
type TimerCallback func()

// timer is a one-shot deadline. A cancelled timer stays in its container with
// the cancelled flag set and is skipped on merge respectively fire.
type timer struct {
	id       TimerID
	deadline time.Time
	cb       TimerCallback

	cancelled bool
}

// ArmTimer schedules cb to fire once after d. The relative duration is
// converted to an absolute deadline now, not at merge time. The returned id is
// unique among live timers and never zero.
//
// The timer enters the staging queue first and joins the live heap at the
// start of the next tick, so arming from within a timer callback is safe.
func (l *Loop) ArmTimer(d time.Duration, cb TimerCallback) TimerID {
	l.nextTimer++
	if l.nextTimer == 0 {
		l.nextTimer = 1
	}

	t := &timer{
		id:       l.nextTimer,
		deadline: time.Now().Add(d),
		cb:       cb,
	}
	l.staged.Add(t)

	return t.id
}

// CancelTimer removes the timer with the given id, searching both the live
// heap and the staging queue. Zero and unknown ids are ignored, so cancelling
// an already-fired timer is harmless.
func (l *Loop) CancelTimer(id TimerID) {
	if id == 0 {
		return
	}

	// The number of outstanding timers is bounded by the number of
	// in-flight requests; a linear scan is fine.
	for i, t := range l.timers {
		if t.id == id {
			l.timers.remove(i)
			return
		}
	}

	for i := 0; i < l.staged.Length(); i++ {
		if t := l.staged.Get(i).(*timer); t.id == id {
			t.cancelled = true
			return
		}
	}
}

// mergeStagedTimers moves every staged timer into the live heap. Called at
// tick start, never while the heap is being scanned.
func (l *Loop) mergeStagedTimers() {
	for l.staged.Length() > 0 {
		t := l.staged.Remove().(*timer)
		if !t.cancelled {
			l.timers.push(t)
		}
	}
}

// fireTimers pops and invokes every timer due at now, in ascending deadline
// order. Timers do not repeat; a periodic callback must re-arm itself.
func (l *Loop) fireTimers(now time.Time) {
	for len(l.timers) > 0 && !l.timers[0].deadline.After(now) {
		t := l.timers.pop()
		t.cb()
	}
}

// pollTimeout converts the nearest live deadline into an epoll timeout in
// milliseconds, or -1 if no timer is armed.
func (l *Loop) pollTimeout() int {
	if len(l.timers) == 0 {
		return -1
	}

	d := time.Until(l.timers[0].deadline)
	if d <= 0 {
		return 0
	}

	// Round up so a timer is never polled for before its deadline.
	ms := (d + time.Millisecond - 1) / time.Millisecond
	return int(ms)
}

// timerHeap is a binary min-heap keyed by deadline. Equal deadlines fire in an
// arbitrary but deterministic order.
type timerHeap []*timer

func (h *timerHeap) push(t *timer) {
	*h = append(*h, t)
	h.siftUp(len(*h) - 1)
}

func (h *timerHeap) pop() *timer {
	t := (*h)[0]
	h.remove(0)
	return t
}

// remove deletes the element at index i, restoring the heap property by
// swapping in the last element and sifting it into place.
func (h *timerHeap) remove(i int) {
	last := len(*h) - 1
	(*h)[i] = (*h)[last]
	(*h)[last] = nil
	*h = (*h)[:last]

	if i < last {
		h.siftDown(i)
		h.siftUp(i)
	}
}

func (h timerHeap) siftUp(i int) {
	for i > 0 {
		parent := (i - 1) / 2
		if !h[i].deadline.Before(h[parent].deadline) {
			return
		}
		h[i], h[parent] = h[parent], h[i]
		i = parent
	}
}

func (h timerHeap) siftDown(i int) {
	for {
		smallest := i
		for _, child := range []int{2*i + 1, 2*i + 2} {
			if child < len(h) && h[child].deadline.Before(h[smallest].deadline) {
				smallest = child
			}
		}
		if smallest == i {
			return
		}
		h[i], h[smallest] = h[smallest], h[i]
		i = smallest
	}
}
