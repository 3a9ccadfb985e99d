package fabric

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMatchTopic(t *testing.T) {
	tests := []struct {
		pattern string
		topic   string
		want    bool
	}{
		{"sahool/sensors/+/+/+", "sahool/sensors/t1/f1/d1", true},
		{"sahool/sensors/+/+/+", "sahool/sensors/t1/f1", false},
		{"sahool/sensors/+/+/+", "sahool/sensors/t1/f1/d1/extra", false},
		{"sahool/#", "sahool/sensors/t1/f1/d1", true},
		{"sahool/#", "other/sensors/t1/f1/d1", false},
		{"sahool/devices/+/+/status", "sahool/devices/t1/d1/status", true},
		{"sahool/devices/+/+/status", "sahool/devices/t1/d1/config", false},
		{"a/b/c", "a/b/c", true},
		{"a/b/c", "a/b/x", false},
		{"#", "anything/at/all", true},
	}

	for _, tt := range tests {
		t.Run(tt.pattern+"~"+tt.topic, func(t *testing.T) {
			assert.Equal(t, tt.want, MatchTopic(tt.pattern, tt.topic))
		})
	}
}

func TestMockDeliversToMatchingSubscriptions(t *testing.T) {
	m := NewMock()
	require.NoError(t, m.Connect(context.Background()))

	var got []string
	require.NoError(t, m.Subscribe("root/+/leaf", func(topic string, _ []byte) {
		got = append(got, topic)
	}))

	require.NoError(t, m.Publish("root/a/leaf", []byte("x")))
	require.NoError(t, m.Publish("root/a/other", []byte("y")))

	assert.Equal(t, []string{"root/a/leaf"}, got)
	assert.Len(t, m.Published("root/a/leaf"), 1)
}

func TestMockPublishRequiresConnection(t *testing.T) {
	m := NewMock()
	assert.Error(t, m.Publish("topic", nil))

	require.NoError(t, m.Connect(context.Background()))
	assert.NoError(t, m.Publish("topic", nil))

	m.Disconnect(time.Second)
	assert.Error(t, m.Publish("topic", nil))
}

func TestMockSimulateReconnectFiresCallbacks(t *testing.T) {
	m := NewMock()
	require.NoError(t, m.Connect(context.Background()))

	fired := 0
	m.OnReconnect(func() { fired++ })
	m.Disconnect(time.Second)
	m.SimulateReconnect()

	assert.Equal(t, 1, fired)
	assert.True(t, m.Connected())
}
