package types

// Internal event bus subjects. Message keys on the bus are the relevant
// device_id or subject_ref so per-device ordering survives fan-out.
const (
	SubjectReading           = "iot.reading"
	SubjectDeviceOnline      = "iot.device.online"
	SubjectDeviceOffline     = "iot.device.offline"
	SubjectDeviceError       = "iot.device.error"
	SubjectAggregateComputed = "iot.aggregate.computed"

	// Alert subjects are "iot.alert." + alert kind
	SubjectAlertPrefix = "iot.alert."
)
