// Package stream is the process-wide broadcast of session update events.
// Publishers never block; every subscriber reads through its own cursor into
// a shared ring and is told when it fell behind instead of being dropped.
package stream

import (
	"context"
	"errors"
	"fmt"
	"sync"
)

// DefaultCapacity is the number of events retained for slow subscribers.
const DefaultCapacity = 1024

var (
	// ErrClosed is returned by Next once the bus is closed and drained.
	ErrClosed = errors.New("stream: bus closed")
	// ErrLagged matches every *LaggedError.
	ErrLagged = errors.New("stream: subscriber lagged")
)

// Event announces that the session with AttrID changed. It carries no
// attribute values; consumers re-read the store.
type Event struct {
	AttrID string `json:"attr_id"`
}

// LaggedError reports how many events a subscriber missed.
type LaggedError struct {
	Missed uint64
}

func (e *LaggedError) Error() string {
	return fmt.Sprintf("stream: subscriber lagged, %d events missed", e.Missed)
}

func (e *LaggedError) Is(target error) bool { return target == ErrLagged }

// Bus fan-outs events to all active subscribers.
type Bus struct {
	mu     sync.RWMutex
	ring   []Event
	head   uint64 // sequence number of the next event
	notify chan struct{}
	closed bool
	subs   int
}

// NewBus creates a bus retaining capacity events (DefaultCapacity if <= 0).
func NewBus(capacity int) *Bus {
	if capacity <= 0 {
		capacity = DefaultCapacity
	}
	return &Bus{
		ring:   make([]Event, capacity),
		notify: make(chan struct{}),
	}
}

// Publish appends evt, overwriting the oldest slot when the ring is full.
// With no subscribers it does nothing.
func (b *Bus) Publish(evt Event) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed || b.subs == 0 {
		return
	}
	b.ring[b.head%uint64(len(b.ring))] = evt
	b.head++
	close(b.notify)
	b.notify = make(chan struct{})
}

// Subscribe returns a subscription that sees every event published after
// this call.
func (b *Bus) Subscribe() *Subscription {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.subs++
	return &Subscription{bus: b, cursor: b.head}
}

// Subscribers returns the number of open subscriptions.
func (b *Bus) Subscribers() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.subs
}

// Close wakes all subscribers; they drain what is buffered and then get ErrClosed.
func (b *Bus) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	b.closed = true
	close(b.notify)
}

// Subscription is one consumer's cursor. It is not safe for concurrent use.
type Subscription struct {
	bus    *Bus
	cursor uint64
	once   sync.Once
}

// Next blocks until an event is available, the bus closes or ctx ends.
// Cancellation wins over pending events.
func (s *Subscription) Next(ctx context.Context) (Event, error) {
	b := s.bus
	for {
		if err := ctx.Err(); err != nil {
			return Event{}, err
		}

		b.mu.RLock()
		size := uint64(len(b.ring))
		var oldest uint64
		if b.head > size {
			oldest = b.head - size
		}
		if s.cursor < oldest {
			missed := oldest - s.cursor
			s.cursor = oldest
			b.mu.RUnlock()
			return Event{}, &LaggedError{Missed: missed}
		}
		if s.cursor < b.head {
			evt := b.ring[s.cursor%size]
			s.cursor++
			b.mu.RUnlock()
			return evt, nil
		}
		if b.closed {
			b.mu.RUnlock()
			return Event{}, ErrClosed
		}
		wait := b.notify
		b.mu.RUnlock()

		select {
		case <-ctx.Done():
			return Event{}, ctx.Err()
		case <-wait:
		}
	}
}

// Close releases the subscription. Safe to call more than once.
func (s *Subscription) Close() {
	s.once.Do(func() {
		s.bus.mu.Lock()
		s.bus.subs--
		s.bus.mu.Unlock()
	})
}
