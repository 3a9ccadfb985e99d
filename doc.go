// Package pipeline is the root of the sensor ingestion, aggregation, and
// alerting pipeline for agricultural device fleets.
//
// Raw device telemetry arrives over an MQTT fabric, is normalized into a
// canonical reading schema, and flows over a NATS event bus through the
// device registry, the windowed aggregator, and the alert manager. The
// gateway package exposes the operational HTTP surface.
//
// See cmd/iot-pipeline for the runnable binary.
package pipeline
