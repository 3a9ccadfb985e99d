// Package fabric models the external device publish/subscribe transport.
// The bridge depends only on the Client capability set; production uses
// the MQTT implementation, tests use the in-memory Mock.
package fabric

import (
	"context"
	"strings"
	"time"
)

// MessageHandler receives messages delivered for a subscription.
type MessageHandler func(topic string, payload []byte)

// Client is the capability set the bridge requires from the device fabric.
type Client interface {
	// Connect establishes the transport connection. Implementations
	// re-establish subscriptions on every (re)connect.
	Connect(ctx context.Context) error

	// Disconnect closes the connection, waiting up to timeout for
	// in-flight work.
	Disconnect(timeout time.Duration)

	// Subscribe registers a handler for a topic pattern. Patterns use the
	// fabric's wildcard syntax ("+" one level, "#" remainder).
	Subscribe(topicPattern string, handler MessageHandler) error

	// Publish sends a payload to a topic.
	Publish(topic string, payload []byte) error

	// OnReconnect registers a callback invoked after each successful
	// reconnection, once subscriptions are re-established.
	OnReconnect(fn func())

	// Connected reports whether the transport is currently usable.
	Connected() bool
}

// MatchTopic reports whether a concrete topic matches a subscription
// pattern with "+" (single level) and "#" (multi level) wildcards.
func MatchTopic(pattern, topic string) bool {
	pp := strings.Split(pattern, "/")
	tp := strings.Split(topic, "/")

	for i, seg := range pp {
		if seg == "#" {
			return true
		}
		if i >= len(tp) {
			return false
		}
		if seg != "+" && seg != tp[i] {
			return false
		}
	}
	return len(pp) == len(tp)
}
