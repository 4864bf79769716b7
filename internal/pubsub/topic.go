// Package pubsub delivers task client notifications to subscribers.
//
// topic.go - Typed fan-out topic
//
// Delivery is synchronous: Publish returns after every subscriber has been
// called, in subscription order. Subscribers registered during a Publish only
// see later publications.

package pubsub

import (
	"fmt"
	"runtime/debug"
	"sync"

	"github.com/HyphaGroup/agentbridge/internal/logger"
)

// Subscription identifies one registered handler
type Subscription struct {
	topic string
	id    uint64
}

type subscriber[T any] struct {
	id uint64
	fn func(T)
}

// Topic fans values of type T out to its subscribers
type Topic[T any] struct {
	name string

	// clone, when set, gives every subscriber its own copy of a value
	clone func(T) T

	mu     sync.RWMutex
	subs   []subscriber[T]
	nextID uint64
}

// NewTopic creates an empty topic. The name is used in logs.
func NewTopic[T any](name string) *Topic[T] {
	return &Topic[T]{name: name}
}

// NewClonedTopic creates a topic for values that share memory, such as
// structs holding slices. Each subscriber receives clone(v), so one
// subscriber mutating its value cannot affect another.
func NewClonedTopic[T any](name string, clone func(T) T) *Topic[T] {
	return &Topic[T]{name: name, clone: clone}
}

// Name returns the topic name
func (t *Topic[T]) Name() string { return t.name }

// Subscribe registers fn and returns a handle for Unsubscribe
func (t *Topic[T]) Subscribe(fn func(T)) Subscription {
	if fn == nil {
		panic(fmt.Sprintf("pubsub: nil handler for topic %s", t.name))
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	t.nextID++
	t.subs = append(t.subs, subscriber[T]{id: t.nextID, fn: fn})
	return Subscription{topic: t.name, id: t.nextID}
}

// Unsubscribe removes the handler. It reports false for unknown or already
// removed subscriptions.
func (t *Topic[T]) Unsubscribe(sub Subscription) bool {
	if sub.topic != t.name {
		return false
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	for i, s := range t.subs {
		if s.id == sub.id {
			// Copy so in-flight publishers keep iterating their own slice
			subs := make([]subscriber[T], 0, len(t.subs)-1)
			subs = append(subs, t.subs[:i]...)
			t.subs = append(subs, t.subs[i+1:]...)
			return true
		}
	}
	return false
}

// Len returns the number of subscribers
func (t *Topic[T]) Len() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.subs)
}

// Publish calls every subscriber with v. A panicking subscriber is logged
// and skipped.
func (t *Topic[T]) Publish(v T) {
	t.mu.RLock()
	subs := t.subs
	t.mu.RUnlock()

	for _, s := range subs {
		t.deliver(s, v)
	}
}

func (t *Topic[T]) deliver(s subscriber[T], v T) {
	defer func() {
		if r := recover(); r != nil {
			logger.Slog().Error("subscriber panicked",
				"topic", t.name,
				"subscription", s.id,
				"panic", r,
				"stack", string(debug.Stack()))
		}
	}()
	if t.clone != nil {
		v = t.clone(v)
	}
	s.fn(v)
}
