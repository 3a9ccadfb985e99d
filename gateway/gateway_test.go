package gateway

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kafaat/sahool-iot-pipeline/aggregate"
	"github.com/kafaat/sahool-iot-pipeline/alert"
	"github.com/kafaat/sahool-iot-pipeline/health"
	"github.com/kafaat/sahool-iot-pipeline/metric"
	"github.com/kafaat/sahool-iot-pipeline/registry"
	"github.com/kafaat/sahool-iot-pipeline/testutil"
	"github.com/kafaat/sahool-iot-pipeline/types"
)

func testGateway(t *testing.T) (*Gateway, *registry.Registry, *alert.Manager) {
	t.Helper()
	bus := testutil.NewMockBus()
	metrics := metric.NewRegistry()

	reg := registry.New(registry.Deps{Bus: bus})
	alerts := alert.New(alert.Deps{Bus: bus})
	agg := aggregate.New(aggregate.Deps{Bus: bus, Devices: reg})
	agg.SetAlertSource(alerts)

	g := New(Deps{
		Monitor:         health.NewMonitor(),
		Registry:        reg,
		Aggregator:      agg,
		Alerts:          alerts,
		MetricsRegistry: metrics,
	})
	return g, reg, alerts
}

func doRequest(t *testing.T, g *Gateway, method, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	var req *http.Request
	if body == "" {
		req = httptest.NewRequest(method, path, nil)
	} else {
		req = httptest.NewRequest(method, path, strings.NewReader(body))
	}
	rec := httptest.NewRecorder()
	g.Handler().ServeHTTP(rec, req)
	return rec
}

func TestHealthzEndpoint(t *testing.T) {
	g, _, _ := testGateway(t)

	rec := doRequest(t, g, http.MethodGet, "/healthz", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "application/json", rec.Header().Get("Content-Type"))

	var snap health.Snapshot
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &snap))
	assert.True(t, snap.Healthy, "no registered components and no transports means nothing is failing")
}

func TestDeviceEndpoints(t *testing.T) {
	g, reg, _ := testGateway(t)
	now := time.Date(2026, 8, 31, 9, 0, 0, 0, time.UTC)
	reg.Observe(context.Background(), types.Reading{
		DeviceID: "dev-1", TenantID: "t1", FieldID: "f1",
		SensorType: types.SensorSoilMoisture, Value: 40,
		Timestamp: now, Quality: types.QualityGood,
	})

	rec := doRequest(t, g, http.MethodGet, "/devices", "")
	require.Equal(t, http.StatusOK, rec.Code)
	var devices []types.Device
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &devices))
	require.Len(t, devices, 1)

	rec = doRequest(t, g, http.MethodGet, "/devices?field_id=other", "")
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &devices))
	assert.Empty(t, devices)

	rec = doRequest(t, g, http.MethodGet, "/devices/dev-1", "")
	require.Equal(t, http.StatusOK, rec.Code)
	var dev types.Device
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &dev))
	assert.Equal(t, types.StatusOnline, dev.Status)

	assert.Equal(t, http.StatusNotFound,
		doRequest(t, g, http.MethodGet, "/devices/ghost", "").Code)

	rec = doRequest(t, g, http.MethodGet, "/devices/dev-1/health", "")
	require.Equal(t, http.StatusOK, rec.Code)
	var snap aggregate.HealthSnapshot
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &snap))
	assert.Equal(t, "dev-1", snap.DeviceID)
}

func TestAlertEndpoints(t *testing.T) {
	g, _, alerts := testGateway(t)
	a := alerts.Raise(alert.Alert{
		Kind: alert.KindAnomaly, SubjectRef: "dev-1", Priority: alert.PriorityMedium,
	})

	rec := doRequest(t, g, http.MethodGet, "/alerts?status=active", "")
	require.Equal(t, http.StatusOK, rec.Code)
	var list []alert.Alert
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &list))
	require.Len(t, list, 1)

	rec = doRequest(t, g, http.MethodPost, "/alerts/"+a.ID+"/acknowledge", "")
	require.Equal(t, http.StatusOK, rec.Code)

	until := time.Now().UTC().Add(time.Hour).Format(time.RFC3339)
	rec = doRequest(t, g, http.MethodPost, "/alerts/"+a.ID+"/snooze",
		`{"until":"`+until+`"}`)
	require.Equal(t, http.StatusOK, rec.Code)

	assert.Equal(t, http.StatusBadRequest,
		doRequest(t, g, http.MethodPost, "/alerts/"+a.ID+"/snooze", `{}`).Code)

	rec = doRequest(t, g, http.MethodPost, "/alerts/"+a.ID+"/resolve", "")
	require.Equal(t, http.StatusOK, rec.Code)

	// resolved is terminal: further mutation conflicts
	assert.Equal(t, http.StatusConflict,
		doRequest(t, g, http.MethodPost, "/alerts/"+a.ID+"/acknowledge", "").Code)
	assert.Equal(t, http.StatusNotFound,
		doRequest(t, g, http.MethodPost, "/alerts/ghost/resolve", "").Code)
}

func TestMetricsEndpoint(t *testing.T) {
	g, _, _ := testGateway(t)

	g.metrics.Core.ReadingsIngested.WithLabelValues("soil_moisture").Inc()

	rec := doRequest(t, g, http.MethodGet, "/metrics", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "iot_pipeline_readings_ingested_total",
		"core pipeline metrics are exported")
	assert.Contains(t, rec.Body.String(), "go_goroutines")
}

func TestGatewayLifecycle(t *testing.T) {
	g, _, _ := testGateway(t)
	g.addr = "127.0.0.1:0"

	require.NoError(t, g.Initialize())
	require.NoError(t, g.Start(context.Background()))
	assert.True(t, g.Health().Healthy)
	require.NoError(t, g.Stop(time.Second))
	assert.False(t, g.Health().Healthy)
}
