// Package alert turns threshold breaches, liveness transitions, and
// aggregation findings into deduplicated alerts with an explicit
// lifecycle, and publishes alert events on the internal bus.
package alert

import (
	"time"

	"github.com/kafaat/sahool-iot-pipeline/types"
)

// Kind classifies what an alert is about.
type Kind string

// Alert kinds
const (
	KindThresholdLow  Kind = "threshold_low"
	KindThresholdHigh Kind = "threshold_high"
	KindSensorOffline Kind = "sensor_offline"
	KindSensorDrift   Kind = "sensor_drift"
	KindLowBattery    Kind = "low_battery"
	KindAnomaly       Kind = "anomaly"

	// Platform kinds raised by upstream services through Raise; the
	// pipeline itself never generates them.
	KindLowStock   Kind = "low_stock"
	KindExpirySoon Kind = "expiry_soon"
	KindExpired    Kind = "expired"
)

// Priority orders alerts by urgency.
type Priority string

// Alert priorities
const (
	PriorityLow      Priority = "low"
	PriorityMedium   Priority = "medium"
	PriorityHigh     Priority = "high"
	PriorityCritical Priority = "critical"
)

func (p Priority) rank() int {
	switch p {
	case PriorityLow:
		return 0
	case PriorityMedium:
		return 1
	case PriorityHigh:
		return 2
	case PriorityCritical:
		return 3
	}
	return -1
}

// Exceeds reports whether p outranks other.
func (p Priority) Exceeds(other Priority) bool {
	return p.rank() > other.rank()
}

// Status is the lifecycle state of an alert.
type Status string

// Alert lifecycle states
const (
	StatusActive       Status = "active"
	StatusAcknowledged Status = "acknowledged"
	StatusSnoozed      Status = "snoozed"
	StatusResolved     Status = "resolved"
)

// Terminal reports whether the state admits no further transitions.
func (s Status) Terminal() bool {
	return s == StatusResolved
}

// validTransition encodes the lifecycle state machine. Resolved is
// terminal; snoozed alerts return to active when the snooze expires.
func validTransition(from, to Status) bool {
	if from.Terminal() {
		return false
	}
	switch from {
	case StatusActive:
		return to == StatusAcknowledged || to == StatusSnoozed || to == StatusResolved
	case StatusAcknowledged:
		return to == StatusSnoozed || to == StatusResolved || to == StatusActive
	case StatusSnoozed:
		return to == StatusActive || to == StatusResolved
	}
	return false
}

// Alert is a single deduplicated alert record. The manager owns these
// records exclusively; callers receive copies.
type Alert struct {
	ID         string           `json:"id"`
	Kind       Kind             `json:"kind"`
	Priority   Priority         `json:"priority"`
	Status     Status           `json:"status"`
	SubjectRef string           `json:"subject_ref"`
	TenantID   string           `json:"tenant_id,omitempty"`
	FieldID    string           `json:"field_id,omitempty"`
	SensorType types.SensorType `json:"sensor_type,omitempty"`
	Message    string           `json:"message"`

	Value     *float64 `json:"value,omitempty"`
	Threshold *float64 `json:"threshold,omitempty"`

	CreatedAt      time.Time  `json:"created_at"`
	UpdatedAt      time.Time  `json:"updated_at"`
	AcknowledgedAt *time.Time `json:"acknowledged_at,omitempty"`
	SnoozedUntil   *time.Time `json:"snoozed_until,omitempty"`
	ResolvedAt     *time.Time `json:"resolved_at,omitempty"`

	OccurrenceCount int       `json:"occurrence_count"`
	LastOccurrence  time.Time `json:"last_occurrence"`
}

// Event is the payload published on iot.alert.{kind} subjects.
type Event struct {
	Alert  Alert  `json:"alert"`
	Action string `json:"action"` // created, reoccurred, reactivated
}

// Event actions
const (
	ActionCreated     = "created"
	ActionReoccurred  = "reoccurred"
	ActionReactivated = "reactivated"
)
