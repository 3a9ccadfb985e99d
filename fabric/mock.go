package fabric

import (
	"context"
	"sync"
	"time"

	"github.com/kafaat/sahool-iot-pipeline/errors"
)

// Mock is an in-process fabric for tests. Publishes deliver synchronously
// to matching subscriptions, so a test can publish a payload and assert
// on downstream effects without sleeping.
type Mock struct {
	mu            sync.RWMutex
	connected     bool
	subscriptions map[string]MessageHandler
	onReconnect   []func()
	published     map[string][][]byte
}

var _ Client = (*Mock)(nil)

// NewMock creates a disconnected mock fabric.
func NewMock() *Mock {
	return &Mock{
		subscriptions: make(map[string]MessageHandler),
		published:     make(map[string][][]byte),
	}
}

// Connect marks the mock connected.
func (m *Mock) Connect(_ context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.connected = true
	return nil
}

// Disconnect marks the mock disconnected.
func (m *Mock) Disconnect(_ time.Duration) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.connected = false
}

// Subscribe registers a handler for a topic pattern.
func (m *Mock) Subscribe(topicPattern string, handler MessageHandler) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.subscriptions[topicPattern] = handler
	return nil
}

// Publish records the payload and delivers it synchronously to every
// matching subscription.
func (m *Mock) Publish(topic string, payload []byte) error {
	m.mu.Lock()
	if !m.connected {
		m.mu.Unlock()
		return errors.ErrNoConnection
	}
	m.published[topic] = append(m.published[topic], payload)

	var handlers []MessageHandler
	for pattern, handler := range m.subscriptions {
		if MatchTopic(pattern, topic) {
			handlers = append(handlers, handler)
		}
	}
	m.mu.Unlock()

	// Deliver outside the lock so handlers may publish in turn
	for _, handler := range handlers {
		handler(topic, payload)
	}
	return nil
}

// OnReconnect registers a reconnect callback.
func (m *Mock) OnReconnect(fn func()) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.onReconnect = append(m.onReconnect, fn)
}

// Connected reports the mock connection state.
func (m *Mock) Connected() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.connected
}

// SimulateReconnect flips the connection and fires reconnect callbacks,
// mimicking a broker outage followed by recovery.
func (m *Mock) SimulateReconnect() {
	m.mu.Lock()
	m.connected = true
	callbacks := append([]func(){}, m.onReconnect...)
	m.mu.Unlock()

	for _, fn := range callbacks {
		fn()
	}
}

// Published returns the payloads published to a topic by the pipeline.
func (m *Mock) Published(topic string) [][]byte {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([][]byte, len(m.published[topic]))
	copy(out, m.published[topic])
	return out
}
