// Copyright 2025 The QI Survey Authors
// SPDX-License-Identifier: Apache-2.0

// Package pubsub provides a small synchronous subscriber registry shared by
// the connectivity monitor and the sync engine.
package pubsub

import (
	"sync"
)

// Broadcaster fans a value out to subscribers, synchronously and in
// registration order. Callbacks must not call Subscribe or Publish on the
// same broadcaster from inside the callback.
type Broadcaster[T any] struct {
	mu     sync.Mutex
	nextID uint64
	subs   []subscriber[T]
	closed bool
}

type subscriber[T any] struct {
	id uint64
	fn func(T)
}

// Subscribe registers fn and returns a function that removes it. The
// returned function is safe to call any number of times, including after Close.
func (b *Broadcaster[T]) Subscribe(fn func(T)) func() {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return func() {}
	}
	b.nextID++
	id := b.nextID
	b.subs = append(b.subs, subscriber[T]{id: id, fn: fn})
	b.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() { b.remove(id) })
	}
}

func (b *Broadcaster[T]) remove(id uint64) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for i, s := range b.subs {
		if s.id == id {
			b.subs = append(b.subs[:i:i], b.subs[i+1:]...)
			return
		}
	}
}

// Publish calls every current subscriber with v
func (b *Broadcaster[T]) Publish(v T) {
	b.mu.Lock()
	subs := make([]subscriber[T], len(b.subs))
	copy(subs, b.subs)
	b.mu.Unlock()

	for _, s := range subs {
		s.fn(v)
	}
}

// Len reports the number of live subscribers
func (b *Broadcaster[T]) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.subs)
}

// Close drops all subscribers; later Subscribe calls are no-ops
func (b *Broadcaster[T]) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.closed = true
	b.subs = nil
}
