// Package bus provides the in-process publish/subscribe spine that every
// other component communicates through: chat.inbound, chat.outbound, and
// system.event all flow across a single Bus instance. Delivery is
// fire-and-forget — Publish spawns one goroutine per subscriber and
// returns immediately, and a panic inside one handler is recovered and
// logged without affecting its siblings.
//
// The bus is nil-safe: calling Publish on a nil *Bus is a no-op, so
// components under test can be constructed without one.
package bus

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
)

// Handler receives a published value. Handlers must be safe for
// concurrent invocation: the bus may run two deliveries to the same
// handler at once if two Publish calls race.
type Handler func(value any)

// Stats summarizes the bus's current load, suitable for a !diagnostics
// command or a health endpoint.
type Stats struct {
	Topics      int
	Subscribers int
	InFlight    int
}

// subscription pairs a handler with a label used in logs (the component
// name, not a generated id — there is no Unsubscribe in this model, so
// no id is needed for lookup).
type subscription struct {
	label   string
	handler Handler
}

// Bus is a topic-keyed fan-out broadcaster with supervised delivery.
type Bus struct {
	logger *slog.Logger

	mu   sync.RWMutex
	subs map[string][]subscription

	wg       sync.WaitGroup
	inFlight int64
	inFlMu   sync.Mutex
}

// New creates a Bus ready for use. A nil logger falls back to slog.Default().
func New(logger *slog.Logger) *Bus {
	if logger == nil {
		logger = slog.Default()
	}
	return &Bus{
		logger: logger,
		subs:   make(map[string][]subscription),
	}
}

// Subscribe registers handler to receive every value published on topic.
// label identifies the handler in logs (e.g. "announcer", "command-router")
// and appears in any handler-panic log line. Multiple handlers may
// subscribe to the same topic; Publish starts their goroutines in
// subscription order, but the handlers run concurrently and may execute
// in any order, and two concurrent Publish calls may interleave their
// handler invocations.
func (b *Bus) Subscribe(topic string, label string, handler Handler) {
	if b == nil || handler == nil {
		return
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	b.subs[topic] = append(b.subs[topic], subscription{label: label, handler: handler})
}

// Publish delivers value to every subscriber of topic. It never blocks on
// subscriber completion: each handler invocation runs in its own tracked
// goroutine. A handler that panics or returns abnormally is recovered and
// logged with topic and label; it never takes down the publisher or
// other subscribers. Safe to call on a nil receiver (no-op).
func (b *Bus) Publish(topic string, value any) {
	if b == nil {
		return
	}

	b.mu.RLock()
	// Copy the slice under the lock so delivery never holds it — new
	// subscribers registered mid-publish simply miss this delivery.
	subs := make([]subscription, len(b.subs[topic]))
	copy(subs, b.subs[topic])
	b.mu.RUnlock()

	for _, sub := range subs {
		b.wg.Add(1)
		b.addInFlight(1)
		go func(sub subscription) {
			defer b.wg.Done()
			defer b.addInFlight(-1)
			defer func() {
				if r := recover(); r != nil {
					b.logger.Error("bus handler panicked",
						"topic", topic,
						"handler", sub.label,
						"panic", fmt.Sprintf("%v", r),
					)
				}
			}()
			sub.handler(value)
		}(sub)
	}
}

func (b *Bus) addInFlight(delta int64) {
	b.inFlMu.Lock()
	b.inFlight += delta
	b.inFlMu.Unlock()
}

// WaitAll blocks until every in-flight delivery completes, or ctx expires.
// Intended for use during shutdown only.
func (b *Bus) WaitAll(ctx context.Context) error {
	if b == nil {
		return nil
	}
	done := make(chan struct{})
	go func() {
		b.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Stats reports the bus's current topic, subscriber, and in-flight counts.
func (b *Bus) Stats() Stats {
	if b == nil {
		return Stats{}
	}
	b.mu.RLock()
	defer b.mu.RUnlock()

	s := Stats{Topics: len(b.subs)}
	for _, subs := range b.subs {
		s.Subscribers += len(subs)
	}
	b.inFlMu.Lock()
	s.InFlight = int(b.inFlight)
	b.inFlMu.Unlock()
	return s
}

// Topics used across the system. Payload shapes are documented alongside
// the producing component (ChatMessage, OutboundMessage, SystemEvent in
// package chatmodel).
const (
	TopicChatInbound  = "chat.inbound"
	TopicChatOutbound = "chat.outbound"
	TopicSystemEvent  = "system.event"
)
