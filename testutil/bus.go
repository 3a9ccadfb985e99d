// Package testutil provides in-memory doubles and wait helpers for
// pipeline tests.
package testutil

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"
)

// MockBus is a simple in-memory event bus for testing. It satisfies the
// component.EventBus capability set and is safe for concurrent use.
type MockBus struct {
	mu            sync.RWMutex
	messages      map[string][][]byte
	subscriptions map[string][]func(context.Context, []byte)
	closed        bool
}

// NewMockBus creates a new mock event bus.
func NewMockBus() *MockBus {
	return &MockBus{
		messages:      make(map[string][][]byte),
		subscriptions: make(map[string][]func(context.Context, []byte)),
	}
}

// Publish publishes a message to a subject and delivers it synchronously
// to matching subscriptions.
func (b *MockBus) Publish(ctx context.Context, subject string, data []byte) error {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return fmt.Errorf("bus is closed")
	}
	b.messages[subject] = append(b.messages[subject], data)

	var handlers []func(context.Context, []byte)
	for pattern, hs := range b.subscriptions {
		if subjectMatches(pattern, subject) {
			handlers = append(handlers, hs...)
		}
	}
	b.mu.Unlock()

	for _, handler := range handlers {
		handler(ctx, data)
	}
	return nil
}

// Subscribe registers a handler for a subject. NATS-style ">" and "*"
// wildcards are supported.
func (b *MockBus) Subscribe(_ context.Context, subject string, handler func(context.Context, []byte)) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return fmt.Errorf("bus is closed")
	}
	b.subscriptions[subject] = append(b.subscriptions[subject], handler)
	return nil
}

func subjectMatches(pattern, subject string) bool {
	if pattern == subject {
		return true
	}
	pp := strings.Split(pattern, ".")
	sp := strings.Split(subject, ".")
	for i, seg := range pp {
		if seg == ">" {
			return true
		}
		if i >= len(sp) {
			return false
		}
		if seg != "*" && seg != sp[i] {
			return false
		}
	}
	return len(pp) == len(sp)
}

// Messages returns a copy of all messages published to a subject.
func (b *MockBus) Messages(subject string) [][]byte {
	b.mu.RLock()
	defer b.mu.RUnlock()
	msgs := b.messages[subject]
	out := make([][]byte, len(msgs))
	copy(out, msgs)
	return out
}

// MessageCount returns the number of messages on a subject.
func (b *MockBus) MessageCount(subject string) int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.messages[subject])
}

// Clear removes all recorded messages.
func (b *MockBus) Clear() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.messages = make(map[string][][]byte)
}

// Close closes the bus.
func (b *MockBus) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.closed = true
	return nil
}

// WaitForMessageCount waits until a subject has at least count messages.
func WaitForMessageCount(t *testing.T, bus *MockBus, subject string, count int, timeout time.Duration) {
	t.Helper()

	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if bus.MessageCount(subject) >= count {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("timeout waiting for %d messages on subject %s (got %d)",
		count, subject, bus.MessageCount(subject))
}

// Eventually polls cond until it returns true or the timeout expires.
func Eventually(t *testing.T, timeout time.Duration, cond func() bool, msg string) {
	t.Helper()

	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal(msg)
}
