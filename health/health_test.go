package health

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kafaat/sahool-iot-pipeline/component"
)

type stubComponent struct {
	name    string
	healthy bool
	rate    float64
}

func (s *stubComponent) Meta() component.Metadata {
	return component.Metadata{Name: s.name, Type: "stub"}
}

func (s *stubComponent) Health() component.HealthStatus {
	return component.HealthStatus{Healthy: s.healthy, LastCheck: time.Now()}
}

func (s *stubComponent) DataFlow() component.FlowMetrics {
	return component.FlowMetrics{MessagesPerSecond: s.rate}
}

type stubConn struct{ up bool }

func (s stubConn) Connected() bool   { return s.up }
func (s stubConn) IsConnected() bool { return s.up }

type stubRegistry struct{ online int64 }

func (s stubRegistry) OnlineCount() int64 { return s.online }

type stubAlerts struct {
	last  time.Time
	depth int
}

func (s stubAlerts) LastAlertAt() time.Time { return s.last }
func (s stubAlerts) OutboxDepth() int       { return s.depth }

func TestSnapshotHealthyPipeline(t *testing.T) {
	m := NewMonitor()
	bridge := &stubComponent{name: "bridge", healthy: true, rate: 2}
	m.Register(bridge)
	m.Register(&stubComponent{name: "registry", healthy: true})
	m.SetFabric(stubConn{up: true})
	m.SetBus(stubConn{up: true})
	m.SetRegistry(stubRegistry{online: 7})
	m.SetAlerts(stubAlerts{last: time.Now(), depth: 3})
	m.SetIngest(bridge)

	snap := m.Snapshot()

	assert.True(t, snap.Healthy)
	assert.True(t, snap.FabricConnected)
	assert.True(t, snap.BusConnected)
	assert.Equal(t, int64(7), snap.DevicesOnline)
	assert.Equal(t, 3, snap.OutboxDepth)
	assert.InDelta(t, 120, snap.ReadingsPerMin, 1e-9)
	require.NotNil(t, snap.LastAlertAt)
	assert.Len(t, snap.Components, 2)
}

func TestSnapshotUnhealthyComponent(t *testing.T) {
	m := NewMonitor()
	m.Register(&stubComponent{name: "bridge", healthy: false})
	m.SetFabric(stubConn{up: true})
	m.SetBus(stubConn{up: true})

	assert.False(t, m.Snapshot().Healthy)
}

func TestSnapshotDisconnectedTransport(t *testing.T) {
	m := NewMonitor()
	m.Register(&stubComponent{name: "bridge", healthy: true})
	m.SetFabric(stubConn{up: false})
	m.SetBus(stubConn{up: true})

	snap := m.Snapshot()
	assert.False(t, snap.Healthy)
	assert.False(t, snap.FabricConnected)
}

func TestSnapshotNoAlertYet(t *testing.T) {
	m := NewMonitor()
	m.SetAlerts(stubAlerts{})

	assert.Nil(t, m.Snapshot().LastAlertAt)
}
