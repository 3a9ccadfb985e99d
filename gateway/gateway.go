// Package gateway serves the operational HTTP surface: health snapshots,
// per-device health, the alert API, and prometheus metrics.
package gateway

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/kafaat/sahool-iot-pipeline/aggregate"
	"github.com/kafaat/sahool-iot-pipeline/alert"
	"github.com/kafaat/sahool-iot-pipeline/component"
	"github.com/kafaat/sahool-iot-pipeline/errors"
	"github.com/kafaat/sahool-iot-pipeline/health"
	"github.com/kafaat/sahool-iot-pipeline/metric"
	"github.com/kafaat/sahool-iot-pipeline/registry"
	"github.com/kafaat/sahool-iot-pipeline/types"
)

// Deps holds the surfaces the gateway exposes.
type Deps struct {
	Name            string
	Addr            string
	Monitor         *health.Monitor
	Registry        *registry.Registry
	Aggregator      *aggregate.Aggregator
	Alerts          *alert.Manager
	MetricsRegistry *metric.Registry
	Logger          *slog.Logger
}

// Gateway is the HTTP server component.
type Gateway struct {
	name       string
	addr       string
	monitor    *health.Monitor
	registry   *registry.Registry
	aggregator *aggregate.Aggregator
	alerts     *alert.Manager
	metrics    *metric.Registry
	logger     *slog.Logger

	server     *http.Server
	requests   atomic.Int64
	errorCount atomic.Int64
	startTime  time.Time
	running    atomic.Bool
}

var _ component.Lifecycle = (*Gateway)(nil)

// New creates a gateway.
func New(deps Deps) *Gateway {
	logger := deps.Logger
	if logger == nil {
		logger = slog.Default().With("component", "gateway")
	}
	addr := deps.Addr
	if addr == "" {
		addr = ":8090"
	}
	return &Gateway{
		name:       deps.Name,
		addr:       addr,
		monitor:    deps.Monitor,
		registry:   deps.Registry,
		aggregator: deps.Aggregator,
		alerts:     deps.Alerts,
		metrics:    deps.MetricsRegistry,
		logger:     logger,
		startTime:  time.Now(),
	}
}

// Meta returns the component metadata.
func (g *Gateway) Meta() component.Metadata {
	name := g.name
	if name == "" {
		name = "gateway"
	}
	return component.Metadata{
		Name:        name,
		Type:        "gateway",
		Description: "operational HTTP surface: health, devices, alerts, metrics",
		Version:     "1.0.0",
	}
}

// Health returns the current health status.
func (g *Gateway) Health() component.HealthStatus {
	return component.HealthStatus{
		Healthy:    g.running.Load(),
		LastCheck:  time.Now(),
		ErrorCount: int(g.errorCount.Load()),
		Uptime:     time.Since(g.startTime),
	}
}

// DataFlow returns request throughput metrics.
func (g *Gateway) DataFlow() component.FlowMetrics {
	requests := g.requests.Load()
	var perSecond float64
	if uptime := time.Since(g.startTime).Seconds(); uptime > 0 {
		perSecond = float64(requests) / uptime
	}
	return component.FlowMetrics{MessagesPerSecond: perSecond}
}

// Initialize validates dependencies.
func (g *Gateway) Initialize() error {
	if g.monitor == nil {
		return errors.WrapInvalid(fmt.Errorf("nil health monitor"),
			"gateway", "Initialize", "dependency validation")
	}
	return nil
}

// Start launches the HTTP server.
func (g *Gateway) Start(_ context.Context) error {
	if g.running.Load() {
		return nil
	}

	g.server = &http.Server{
		Addr:              g.addr,
		Handler:           g.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}
	g.running.Store(true)
	g.startTime = time.Now()

	go func() {
		if err := g.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			g.errorCount.Add(1)
			g.logger.Error("http server stopped", "error", err)
			g.running.Store(false)
		}
	}()

	g.logger.Info("gateway listening", "addr", g.addr)
	return nil
}

// Stop shuts the HTTP server down gracefully.
func (g *Gateway) Stop(timeout time.Duration) error {
	if !g.running.Load() {
		return nil
	}
	g.running.Store(false)

	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	if err := g.server.Shutdown(ctx); err != nil {
		return errors.WrapTransient(err, "gateway", "Stop", "http shutdown")
	}
	return nil
}

// Handler builds the route table. Exposed so tests can drive the mux
// without a listener.
func (g *Gateway) Handler() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("GET /healthz", g.handleHealthz)
	mux.HandleFunc("GET /devices", g.handleListDevices)
	mux.HandleFunc("GET /devices/{id}", g.handleGetDevice)
	mux.HandleFunc("GET /devices/{id}/health", g.handleDeviceHealth)
	mux.HandleFunc("GET /alerts", g.handleListAlerts)
	mux.HandleFunc("POST /alerts/{id}/acknowledge", g.handleAcknowledge)
	mux.HandleFunc("POST /alerts/{id}/snooze", g.handleSnooze)
	mux.HandleFunc("POST /alerts/{id}/resolve", g.handleResolve)

	if g.metrics != nil {
		mux.Handle("GET /metrics", promhttp.HandlerFor(
			g.metrics.PrometheusRegistry(), promhttp.HandlerOpts{}))
	}

	return g.count(mux)
}

func (g *Gateway) count(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		g.requests.Add(1)
		next.ServeHTTP(w, r)
	})
}

func (g *Gateway) handleHealthz(w http.ResponseWriter, _ *http.Request) {
	snap := g.monitor.Snapshot()
	status := http.StatusOK
	if !snap.Healthy {
		status = http.StatusServiceUnavailable
	}
	g.writeJSON(w, status, snap)
}

func (g *Gateway) handleListDevices(w http.ResponseWriter, r *http.Request) {
	if g.registry == nil {
		http.Error(w, "registry not available", http.StatusNotImplemented)
		return
	}
	q := r.URL.Query()
	filter := registry.Filter{
		TenantID: q.Get("tenant_id"),
		FieldID:  q.Get("field_id"),
		Type:     types.DeviceType(q.Get("type")),
		Status:   types.DeviceStatus(q.Get("status")),
	}
	g.writeJSON(w, http.StatusOK, g.registry.List(filter))
}

func (g *Gateway) handleGetDevice(w http.ResponseWriter, r *http.Request) {
	if g.registry == nil {
		http.Error(w, "registry not available", http.StatusNotImplemented)
		return
	}
	dev, ok := g.registry.Get(r.PathValue("id"))
	if !ok {
		http.Error(w, "device not found", http.StatusNotFound)
		return
	}
	g.writeJSON(w, http.StatusOK, dev)
}

func (g *Gateway) handleDeviceHealth(w http.ResponseWriter, r *http.Request) {
	if g.aggregator == nil {
		http.Error(w, "aggregator not available", http.StatusNotImplemented)
		return
	}
	id := r.PathValue("id")
	if g.registry != nil {
		if _, ok := g.registry.Get(id); !ok {
			http.Error(w, "device not found", http.StatusNotFound)
			return
		}
	}
	g.writeJSON(w, http.StatusOK, g.aggregator.Snapshot(id, time.Now().UTC()))
}

func (g *Gateway) handleListAlerts(w http.ResponseWriter, r *http.Request) {
	if g.alerts == nil {
		http.Error(w, "alerts not available", http.StatusNotImplemented)
		return
	}
	q := r.URL.Query()
	filter := alert.Filter{
		Status:     alert.Status(q.Get("status")),
		Kind:       alert.Kind(q.Get("kind")),
		SubjectRef: q.Get("device_id"),
		Priority:   alert.Priority(q.Get("priority")),
	}
	g.writeJSON(w, http.StatusOK, g.alerts.List(filter))
}

func (g *Gateway) handleAcknowledge(w http.ResponseWriter, r *http.Request) {
	g.mutateAlert(w, r, func(id string) (alert.Alert, error) {
		return g.alerts.Acknowledge(id)
	})
}

func (g *Gateway) handleSnooze(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Until time.Time `json:"until"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil || body.Until.IsZero() {
		http.Error(w, "body requires an RFC3339 'until' timestamp", http.StatusBadRequest)
		return
	}
	g.mutateAlert(w, r, func(id string) (alert.Alert, error) {
		return g.alerts.Snooze(id, body.Until)
	})
}

func (g *Gateway) handleResolve(w http.ResponseWriter, r *http.Request) {
	g.mutateAlert(w, r, func(id string) (alert.Alert, error) {
		return g.alerts.Resolve(id)
	})
}

func (g *Gateway) mutateAlert(w http.ResponseWriter, r *http.Request,
	fn func(id string) (alert.Alert, error)) {

	if g.alerts == nil {
		http.Error(w, "alerts not available", http.StatusNotImplemented)
		return
	}
	a, err := fn(r.PathValue("id"))
	if err != nil {
		status := http.StatusConflict
		if errors.Is(err, errors.ErrAlertNotFound) {
			status = http.StatusNotFound
		}
		http.Error(w, err.Error(), status)
		return
	}
	g.writeJSON(w, http.StatusOK, a)
}

func (g *Gateway) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		g.errorCount.Add(1)
	}
}
