// Package normalize unifies heterogeneous device payload shapes into the
// canonical Reading schema. Downstream components never see raw payloads:
// the alias tables here absorb the shape variance of the device fleet.
//
// The normalizer does no outlier detection and no threshold evaluation;
// those belong to the aggregator and the alert manager.
package normalize

import (
	"encoding/json"
	"fmt"
	"math"
	"strconv"
	"time"

	"github.com/kafaat/sahool-iot-pipeline/errors"
	"github.com/kafaat/sahool-iot-pipeline/thresholds"
	"github.com/kafaat/sahool-iot-pipeline/types"
)

// Topic carries the identifiers parsed from the fabric topic. Payload
// fields override topic fields when both are present.
type Topic struct {
	TenantID string
	FieldID  string
	DeviceID string
	Raw      string
}

// Normalizer maps raw payloads to canonical readings.
type Normalizer struct {
	// Passthrough forwards readings with unknown sensor types instead of
	// rejecting them. Passthrough readings carry the raw type name and
	// are excluded from threshold evaluation downstream.
	Passthrough bool

	// Now is the ingestion clock, overridable in tests.
	Now func() time.Time
}

// New creates a Normalizer with the ingestion clock set to UTC wall time.
func New(passthrough bool) *Normalizer {
	return &Normalizer{
		Passthrough: passthrough,
		Now:         func() time.Time { return time.Now().UTC() },
	}
}

// unix timestamps above this are interpreted as milliseconds
const millisCutoff = 1e12

// Normalize maps a raw payload object and its topic onto one canonical
// Reading. Rules are applied in order: sensor type aliasing, unit
// aliasing, timestamp resolution, metadata extraction, finiteness.
func (n *Normalizer) Normalize(payload map[string]any, topic Topic) (types.Reading, error) {
	var r types.Reading

	rawType, ok := stringField(payload, "type", "sensor_type", "sensor")
	if !ok {
		return r, errors.WrapInvalid(
			fmt.Errorf("%w: missing sensor type", errors.ErrInvalidPayload),
			"normalizer", "Normalize", "sensor type resolution")
	}

	st, known := ResolveSensorType(rawType)
	if !known {
		if !n.Passthrough {
			return r, errors.WrapInvalid(
				fmt.Errorf("%w: %q", errors.ErrUnknownSensorType, rawType),
				"normalizer", "Normalize", "sensor type resolution")
		}
		st = types.SensorType(rawType)
	}
	r.SensorType = st

	value, ok := numberField(payload, "value")
	if !ok {
		return r, errors.WrapInvalid(
			fmt.Errorf("%w: missing value", errors.ErrInvalidPayload),
			"normalizer", "Normalize", "value extraction")
	}
	if math.IsNaN(value) || math.IsInf(value, 0) {
		return r, errors.WrapInvalid(
			fmt.Errorf("%w: %v", errors.ErrInvalidValue, value),
			"normalizer", "Normalize", "value validation")
	}
	r.Value = value

	if rawUnit, ok := stringField(payload, "unit"); ok && rawUnit != "" {
		r.Unit = ResolveUnit(rawUnit)
	} else {
		r.Unit = thresholds.DefaultUnit(st)
	}

	r.Timestamp = n.resolveTimestamp(payload)

	if battery, ok := numberField(payload, "battery"); ok {
		r.Metadata.Battery = types.Float64Ptr(battery)
	}
	if rssi, ok := numberField(payload, "rssi"); ok {
		r.Metadata.RSSI = types.Float64Ptr(rssi)
	}
	r.Metadata.RawTopic = topic.Raw

	// Topic identifiers unless overridden in the payload
	r.TenantID = topic.TenantID
	r.FieldID = topic.FieldID
	r.DeviceID = topic.DeviceID
	if v, ok := stringField(payload, "tenant_id"); ok && v != "" {
		r.TenantID = v
	}
	if v, ok := stringField(payload, "field_id"); ok && v != "" {
		r.FieldID = v
	}
	if v, ok := stringField(payload, "device_id"); ok && v != "" {
		r.DeviceID = v
	}
	if r.DeviceID == "" {
		return r, errors.WrapInvalid(
			fmt.Errorf("%w: missing device_id", errors.ErrInvalidPayload),
			"normalizer", "Normalize", "device identification")
	}

	r.Quality = types.QualityGood
	return r, nil
}

// NormalizeBytes parses raw bytes as a JSON object and normalizes it.
func (n *Normalizer) NormalizeBytes(data []byte, topic Topic) (types.Reading, error) {
	var payload map[string]any
	if err := json.Unmarshal(data, &payload); err != nil {
		return types.Reading{}, errors.WrapInvalid(
			fmt.Errorf("%w: %v", errors.ErrParseFailed, err),
			"normalizer", "NormalizeBytes", "JSON parsing")
	}
	return n.Normalize(payload, topic)
}

// Denormalize maps a canonical reading back into the payload/topic pair it
// would have been normalized from. Normalize(Denormalize(r)) == r for any
// reading in the canonical schema.
func Denormalize(r types.Reading) (map[string]any, Topic) {
	payload := map[string]any{
		"type":      string(r.SensorType),
		"value":     r.Value,
		"unit":      r.Unit,
		"timestamp": r.Timestamp.UTC().Format(time.RFC3339Nano),
	}
	if r.Metadata.Battery != nil {
		payload["battery"] = *r.Metadata.Battery
	}
	if r.Metadata.RSSI != nil {
		payload["rssi"] = *r.Metadata.RSSI
	}
	topic := Topic{
		TenantID: r.TenantID,
		FieldID:  r.FieldID,
		DeviceID: r.DeviceID,
		Raw:      r.Metadata.RawTopic,
	}
	return payload, topic
}

// resolveTimestamp applies the timestamp resolution rules: RFC 3339
// strings parse as UTC, numbers are unix seconds (milliseconds above the
// cutoff), anything else gets the ingestion clock.
func (n *Normalizer) resolveTimestamp(payload map[string]any) time.Time {
	raw, ok := firstField(payload, "timestamp", "time", "ts")
	if !ok {
		return n.Now()
	}

	switch v := raw.(type) {
	case string:
		if t, err := time.Parse(time.RFC3339Nano, v); err == nil {
			return t.UTC()
		}
		if t, err := time.Parse(time.RFC3339, v); err == nil {
			return t.UTC()
		}
		return n.Now()
	case float64:
		return unixToTime(v)
	case json.Number:
		if f, err := v.Float64(); err == nil {
			return unixToTime(f)
		}
		return n.Now()
	default:
		return n.Now()
	}
}

func unixToTime(v float64) time.Time {
	if v > millisCutoff {
		return time.UnixMilli(int64(v)).UTC()
	}
	sec := int64(v)
	nsec := int64((v - float64(sec)) * 1e9)
	return time.Unix(sec, nsec).UTC()
}

func firstField(payload map[string]any, keys ...string) (any, bool) {
	for _, k := range keys {
		if v, ok := payload[k]; ok && v != nil {
			return v, true
		}
	}
	return nil, false
}

func stringField(payload map[string]any, keys ...string) (string, bool) {
	v, ok := firstField(payload, keys...)
	if !ok {
		return "", false
	}
	s, ok := v.(string)
	return s, ok
}

func numberField(payload map[string]any, keys ...string) (float64, bool) {
	v, ok := firstField(payload, keys...)
	if !ok {
		return 0, false
	}
	switch n := v.(type) {
	case float64:
		return n, true
	case json.Number:
		f, err := n.Float64()
		return f, err == nil
	case string:
		// Some firmwares quote numeric values
		f, err := strconv.ParseFloat(n, 64)
		return f, err == nil
	default:
		return 0, false
	}
}
