// Package component defines the lifecycle and discovery contracts shared
// by the pipeline components (bridge, registry, aggregator, alert
// manager, gateway). The health monitor inspects components only through
// these interfaces.
package component

import (
	"context"
	"time"
)

// State represents the current lifecycle state of a component
type State int

const (
	// StateCreated indicates the component was created but not initialized
	StateCreated State = iota
	// StateInitialized indicates the component was initialized but not started
	StateInitialized
	// StateStarted indicates the component is running
	StateStarted
	// StateStopped indicates the component was stopped
	StateStopped
	// StateFailed indicates the component failed during a lifecycle operation
	StateFailed
)

// String returns a string representation of the component state
func (cs State) String() string {
	switch cs {
	case StateCreated:
		return "created"
	case StateInitialized:
		return "initialized"
	case StateStarted:
		return "started"
	case StateStopped:
		return "stopped"
	case StateFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// Lifecycle defines components that support full lifecycle management:
//   - Initialize() error                 // Setup/create only, NO context
//   - Start(ctx context.Context) error   // Start with context passed through
//   - Stop(timeout time.Duration) error  // Graceful shutdown with timeout
type Lifecycle interface {
	Discoverable
	Initialize() error
	Start(ctx context.Context) error
	Stop(timeout time.Duration) error
}

// Discoverable defines the interface for components that can be inspected
// by the management layer.
type Discoverable interface {
	// Meta returns basic component information
	Meta() Metadata

	// Health returns current health status
	Health() HealthStatus

	// DataFlow returns current data flow metrics
	DataFlow() FlowMetrics
}

// Metadata describes what a component is
type Metadata struct {
	Name        string `json:"name"`
	Type        string `json:"type"` // "bridge", "registry", "aggregator", "alert", "gateway"
	Description string `json:"description"`
	Version     string `json:"version"`
}

// HealthStatus describes the current health state of a component
type HealthStatus struct {
	Healthy    bool          `json:"healthy"`
	LastCheck  time.Time     `json:"last_check"`
	ErrorCount int           `json:"error_count"`
	LastError  string        `json:"last_error,omitempty"`
	Uptime     time.Duration `json:"uptime"`
}

// FlowMetrics describes the current data flow through a component
type FlowMetrics struct {
	MessagesPerSecond float64   `json:"messages_per_second"`
	ErrorRate         float64   `json:"error_rate"`
	LastActivity      time.Time `json:"last_activity"`
}

// EventBus is the capability set components use to reach the internal
// event bus. Implemented by natsclient.Client in production and
// testutil.MockBus in tests.
type EventBus interface {
	Publish(ctx context.Context, subject string, data []byte) error
	Subscribe(ctx context.Context, subject string, handler func(context.Context, []byte)) error
}
