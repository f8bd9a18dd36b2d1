// Package events provides the typed publish/subscribe bus that decouples the
// transports from the transcript and the control surface.
package events

import (
	"fmt"
	"log/slog"
	"sync"
)

// Topic names a channel on the bus and fixes the payload type carried on it.
// Topic names must be unique per payload type.
type Topic[T any] struct {
	name string
}

// NewTopic declares a topic carrying payloads of type T.
func NewTopic[T any](name string) Topic[T] {
	return Topic[T]{name: name}
}

func (t Topic[T]) Name() string { return t.name }

// Token identifies a subscription so it can be removed later.
type Token struct {
	topic string
	id    uint64
}

type subscription struct {
	id uint64
	fn func(any)
}

// Bus delivers payloads synchronously, in subscription order, on the
// publisher's goroutine.
type Bus struct {
	mu     sync.RWMutex
	nextID uint64
	subs   map[string][]subscription
}

func NewBus() *Bus {
	return &Bus{subs: make(map[string][]subscription)}
}

// Subscribe registers handler for every payload published on topic.
func Subscribe[T any](b *Bus, topic Topic[T], handler func(T)) Token {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.nextID++
	id := b.nextID
	b.subs[topic.name] = append(b.subs[topic.name], subscription{
		id: id,
		fn: func(v any) { handler(v.(T)) },
	})
	return Token{topic: topic.name, id: id}
}

// Publish hands payload to every current subscriber of topic and returns the
// number of handlers invoked.
func Publish[T any](b *Bus, topic Topic[T], payload T) int {
	b.mu.RLock()
	current := b.subs[topic.name]
	handlers := make([]subscription, len(current))
	copy(handlers, current)
	b.mu.RUnlock()

	for _, s := range handlers {
		safeInvoke(topic.name, s.fn, payload)
	}
	return len(handlers)
}

// Unsubscribe removes the subscription behind tok. It reports whether the
// subscription was still registered.
func (b *Bus) Unsubscribe(tok Token) bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	subs := b.subs[tok.topic]
	for i, s := range subs {
		if s.id != tok.id {
			continue
		}
		b.subs[tok.topic] = append(subs[:i:i], subs[i+1:]...)
		if len(b.subs[tok.topic]) == 0 {
			delete(b.subs, tok.topic)
		}
		return true
	}
	return false
}

// Subscribers returns the number of handlers registered on a topic name.
func (b *Bus) Subscribers(name string) int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs[name])
}

func safeInvoke(topic string, fn func(any), payload any) {
	defer func() {
		if r := recover(); r != nil {
			slog.Error("events: subscriber panicked",
				"topic", topic,
				"panic", fmt.Sprint(r),
			)
		}
	}()
	fn(payload)
}
