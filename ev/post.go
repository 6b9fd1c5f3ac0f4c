// SPDX-FileCopyrightText: 2026 The spyglass developers
//
// SPDX-License-Identifier: GPL-3.0-or-later

package ev

import (
	"sync"

	"github.com/eapache/queue"
)

// postQueue is the hand-off point between helper goroutines and the loop
// thread. It is the single place in the engine guarded by a mutex; everything
// it protects is drained back onto the loop thread before being touched.
type postQueue struct {
	mu  sync.Mutex
	fns *queue.Queue
}

func newPostQueue() *postQueue {
	return &postQueue{fns: queue.New()}
}

func (p *postQueue) add(fn func()) {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.fns.Add(fn)
}

// drain removes all queued functions, preserving submission order.
func (p *postQueue) drain() []func() {
	p.mu.Lock()
	defer p.mu.Unlock()

	fns := make([]func(), 0, p.fns.Length())
	for p.fns.Length() > 0 {
		fns = append(fns, p.fns.Remove().(func()))
	}
	return fns
}
