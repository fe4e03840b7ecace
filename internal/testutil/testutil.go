// Package testutil provides shared helpers for package tests: an in-process
// transport that captures publishes and loops them back on demand, and a
// controllable clock.
package testutil

import (
	"context"
	"sync"
	"time"
)

// CaptureTransport is a core.Transport for tests. Publishes are recorded;
// Deliver pushes a raw message to every subscriber, simulating the event
// log's broadcast.
type CaptureTransport struct {
	mu        sync.Mutex
	published [][]byte
	handlers  []func(raw []byte)
	// Loopback re-delivers every publish to subscribers, like a real log.
	Loopback bool
}

// NewCaptureTransport creates an empty capture transport.
func NewCaptureTransport() *CaptureTransport { return &CaptureTransport{} }

// Publish records the raw message and, with Loopback set, re-delivers it.
func (t *CaptureTransport) Publish(ctx context.Context, raw []byte) error {
	t.mu.Lock()
	cp := make([]byte, len(raw))
	copy(cp, raw)
	t.published = append(t.published, cp)
	handlers := append([]func(raw []byte){}, t.handlers...)
	loopback := t.Loopback
	t.mu.Unlock()

	if loopback {
		for _, h := range handlers {
			h(cp)
		}
	}
	return nil
}

// Subscribe registers a handler.
func (t *CaptureTransport) Subscribe(ctx context.Context, handler func(raw []byte)) (func() error, error) {
	t.mu.Lock()
	t.handlers = append(t.handlers, handler)
	t.mu.Unlock()
	return func() error { return nil }, nil
}

// Deliver pushes one raw message to all subscribers.
func (t *CaptureTransport) Deliver(raw []byte) {
	t.mu.Lock()
	handlers := append([]func(raw []byte){}, t.handlers...)
	t.mu.Unlock()
	for _, h := range handlers {
		h(raw)
	}
}

// Published returns a copy of all published raw messages.
func (t *CaptureTransport) Published() [][]byte {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([][]byte, len(t.published))
	copy(out, t.published)
	return out
}

// Clock is a controllable time source.
type Clock struct {
	mu  sync.Mutex
	now time.Time
}

// NewClock creates a clock frozen at start.
func NewClock(start time.Time) *Clock { return &Clock{now: start} }

// Now returns the current frozen time.
func (c *Clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

// Advance moves the clock forward.
func (c *Clock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}
