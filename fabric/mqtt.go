package fabric

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"

	"github.com/kafaat/sahool-iot-pipeline/errors"
	"github.com/kafaat/sahool-iot-pipeline/pkg/retry"
)

// MQTTConfig holds MQTT connection settings.
type MQTTConfig struct {
	BrokerURL string
	ClientID  string
	Username  string
	Password  string

	// Reconnect backoff policy
	ReconnectBase time.Duration
	ReconnectCap  time.Duration
}

// MQTT is the production fabric client backed by an MQTT broker. The
// paho auto-reconnect is disabled; reconnection runs through the
// pipeline's own backoff policy so subscriptions are re-established and
// the reconnect callback fires deterministically.
type MQTT struct {
	cfg    MQTTConfig
	logger *slog.Logger

	client mqtt.Client

	mu            sync.RWMutex
	subscriptions map[string]MessageHandler
	onReconnect   []func()

	lost    chan error
	stopped chan struct{}
	stopMu  sync.Mutex
	running bool
}

var _ Client = (*MQTT)(nil)

// NewMQTT creates an MQTT fabric client.
func NewMQTT(cfg MQTTConfig, logger *slog.Logger) *MQTT {
	if logger == nil {
		logger = slog.Default().With("component", "fabric-mqtt")
	}
	if cfg.ReconnectBase <= 0 {
		cfg.ReconnectBase = 100 * time.Millisecond
	}
	if cfg.ReconnectCap <= 0 {
		cfg.ReconnectCap = 30 * time.Second
	}

	m := &MQTT{
		cfg:           cfg,
		logger:        logger,
		subscriptions: make(map[string]MessageHandler),
		lost:          make(chan error, 1),
		stopped:       make(chan struct{}),
	}

	opts := mqtt.NewClientOptions()
	opts.AddBroker(cfg.BrokerURL)
	opts.SetClientID(cfg.ClientID)
	opts.SetUsername(cfg.Username)
	opts.SetPassword(cfg.Password)
	opts.SetAutoReconnect(false)
	opts.SetKeepAlive(60 * time.Second)
	opts.SetPingTimeout(10 * time.Second)
	opts.SetOrderMatters(true)
	opts.SetConnectionLostHandler(func(_ mqtt.Client, err error) {
		m.logger.Warn("fabric connection lost", "error", err)
		select {
		case m.lost <- err:
		default:
		}
	})

	m.client = mqtt.NewClient(opts)
	return m
}

// Connect establishes the connection, re-establishes subscriptions, and
// starts the reconnect loop.
func (m *MQTT) Connect(ctx context.Context) error {
	if err := m.connectOnce(); err != nil {
		return err
	}

	m.stopMu.Lock()
	if !m.running {
		m.running = true
		go m.reconnectLoop(ctx)
	}
	m.stopMu.Unlock()
	return nil
}

func (m *MQTT) connectOnce() error {
	token := m.client.Connect()
	if !token.WaitTimeout(10 * time.Second) {
		return errors.WrapTransient(errors.ErrConnectionTimeout, "fabric-mqtt", "Connect", "broker connection")
	}
	if err := token.Error(); err != nil {
		return errors.WrapTransient(err, "fabric-mqtt", "Connect", "broker connection")
	}

	if err := m.resubscribe(); err != nil {
		return err
	}
	m.logger.Info("connected to fabric", "broker", m.cfg.BrokerURL)
	return nil
}

// reconnectLoop waits for connection-lost signals and reconnects with
// exponential backoff, then fires the reconnect callbacks.
func (m *MQTT) reconnectLoop(ctx context.Context) {
	cfg := retry.Config{
		MaxAttempts:  1 << 30,
		InitialDelay: m.cfg.ReconnectBase,
		MaxDelay:     m.cfg.ReconnectCap,
		Multiplier:   2.0,
		AddJitter:    true,
	}

	for {
		select {
		case <-ctx.Done():
			return
		case <-m.stopped:
			return
		case err := <-m.lost:
			m.logger.Info("fabric reconnecting", "cause", err)
			if rerr := retry.Do(ctx, cfg, m.connectOnce); rerr != nil {
				m.logger.Error("fabric reconnect abandoned", "error", rerr)
				return
			}
			m.mu.RLock()
			callbacks := append([]func(){}, m.onReconnect...)
			m.mu.RUnlock()
			for _, fn := range callbacks {
				fn()
			}
		}
	}
}

func (m *MQTT) resubscribe() error {
	m.mu.RLock()
	defer m.mu.RUnlock()

	for pattern, handler := range m.subscriptions {
		if err := m.subscribeLocked(pattern, handler); err != nil {
			return err
		}
	}
	return nil
}

func (m *MQTT) subscribeLocked(pattern string, handler MessageHandler) error {
	token := m.client.Subscribe(pattern, 1, func(_ mqtt.Client, msg mqtt.Message) {
		handler(msg.Topic(), msg.Payload())
	})
	if !token.WaitTimeout(10 * time.Second) {
		return errors.WrapTransient(errors.ErrSubscriptionFailed, "fabric-mqtt", "Subscribe",
			fmt.Sprintf("subscription to %s", pattern))
	}
	if err := token.Error(); err != nil {
		return errors.WrapTransient(err, "fabric-mqtt", "Subscribe",
			fmt.Sprintf("subscription to %s", pattern))
	}
	return nil
}

// Subscribe registers a handler and subscribes if currently connected.
func (m *MQTT) Subscribe(topicPattern string, handler MessageHandler) error {
	m.mu.Lock()
	m.subscriptions[topicPattern] = handler
	m.mu.Unlock()

	if !m.client.IsConnected() {
		// Will be established by the next (re)connect
		return nil
	}
	return m.subscribeLocked(topicPattern, handler)
}

// Publish sends a payload to a topic at QoS 1 (at-least-once).
func (m *MQTT) Publish(topic string, payload []byte) error {
	token := m.client.Publish(topic, 1, false, payload)
	if !token.WaitTimeout(10 * time.Second) {
		return errors.WrapTransient(errors.ErrPublishTimeout, "fabric-mqtt", "Publish", "fabric publish")
	}
	if err := token.Error(); err != nil {
		return errors.WrapTransient(err, "fabric-mqtt", "Publish", "fabric publish")
	}
	return nil
}

// OnReconnect registers a reconnect callback.
func (m *MQTT) OnReconnect(fn func()) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.onReconnect = append(m.onReconnect, fn)
}

// Connected reports whether the broker connection is usable.
func (m *MQTT) Connected() bool {
	return m.client.IsConnectionOpen()
}

// Disconnect stops the reconnect loop and closes the connection.
func (m *MQTT) Disconnect(timeout time.Duration) {
	m.stopMu.Lock()
	if m.running {
		close(m.stopped)
		m.running = false
	}
	m.stopMu.Unlock()

	m.client.Disconnect(uint(timeout.Milliseconds()))
}
