package metric

import "github.com/prometheus/client_golang/prometheus"

const namespace = "iot_pipeline"

// Core holds the pipeline-wide metrics every deployment exposes
// regardless of which components are enabled.
type Core struct {
	ReadingsIngested *prometheus.CounterVec // labels: sensor_type
	ReadingsDropped  *prometheus.CounterVec // labels: reason
	AlertsActive     *prometheus.GaugeVec   // labels: kind, priority
	PublishRetries   prometheus.Counter
	Reconnects       prometheus.Counter
	DevicesOnline    prometheus.Gauge
	OutboxDepth      prometheus.Gauge
}

func newCore() *Core {
	return &Core{
		ReadingsIngested: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "readings_ingested_total",
			Help:      "Canonical readings published on the internal bus",
		}, []string{"sensor_type"}),
		ReadingsDropped: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "readings_dropped_total",
			Help:      "Readings dropped before publication",
		}, []string{"reason"}),
		AlertsActive: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "alerts_active",
			Help:      "Alerts currently in a non-terminal state",
		}, []string{"kind", "priority"}),
		PublishRetries: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "publish_retries_total",
			Help:      "Bus publish attempts beyond the first",
		}),
		Reconnects: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "reconnects_total",
			Help:      "Device fabric reconnections",
		}),
		DevicesOnline: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "devices_online",
			Help:      "Devices currently in the online state",
		}),
		OutboxDepth: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "alert_outbox_depth",
			Help:      "Alert events waiting for publication",
		}),
	}
}

func (c *Core) register(reg *prometheus.Registry) {
	reg.MustRegister(
		c.ReadingsIngested,
		c.ReadingsDropped,
		c.AlertsActive,
		c.PublishRetries,
		c.Reconnects,
		c.DevicesOnline,
		c.OutboxDepth,
	)
}
