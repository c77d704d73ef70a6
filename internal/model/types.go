package model

import "time"

// Proximity buckets a ranged beacon by estimated distance.
type Proximity string

const (
	ProximityImmediate Proximity = "immediate"
	ProximityNear      Proximity = "near"
	ProximityFar       Proximity = "far"
	ProximityUnknown   Proximity = "unknown"
)

// SignalQuality is the coarse tier derived from RSSI.
type SignalQuality string

const (
	SignalStrong SignalQuality = "strong"
	SignalMedium SignalQuality = "medium"
	SignalWeak   SignalQuality = "weak"
)

// DiscoveredSensor is a sensor advertising the provisioning service,
// observed during one scan session.
type DiscoveredSensor struct {
	ID       string        `json:"id"`
	Name     string        `json:"name"`
	RSSI     int           `json:"rssi"`
	Quality  SignalQuality `json:"quality"`
	LastSeen time.Time     `json:"last_seen"`
}

// BeaconConfig is one provisioned beacon: minor value mapped to a room.
type BeaconConfig struct {
	ID        string    `json:"id"`
	Minor     uint16    `json:"minor"`
	RoomName  string    `json:"room_name"`
	IsActive  bool      `json:"is_active"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// EventType marks a presence transition.
type EventType string

const (
	EventEnter EventType = "enter"
	EventExit  EventType = "exit"
	EventTest  EventType = "test"
)

// BeaconEvent is a single enter/exit transition emitted by the ranging engine.
// DurationSeconds is set only on exit, and only when the matching enter was
// observed by this process.
type BeaconEvent struct {
	Type            EventType
	Minor           uint16
	Proximity       Proximity
	RSSI            int
	DistanceMeters  float64
	DurationSeconds *int
	Source          string
	Timestamp       time.Time
}

// WebhookPayload is the canonical signed representation posted to the
// operator endpoint. Field order is fixed; the HMAC covers the serialized
// bytes as-is.
type WebhookPayload struct {
	Event           string   `json:"event"`
	BeaconMinor     int      `json:"beacon_minor"`
	RoomName        string   `json:"room_name,omitempty"`
	Proximity       string   `json:"proximity"`
	RSSI            int      `json:"rssi"`
	DistanceMeters  *float64 `json:"distance_meters,omitempty"`
	DurationSeconds *int     `json:"duration_seconds,omitempty"`
	Timestamp       string   `json:"timestamp"`
	DeviceID        string   `json:"device_id"`
	Source          string   `json:"source"`
}

// PendingWebhookDelivery is a failed delivery parked in the durable queue.
type PendingWebhookDelivery struct {
	ID           int64          `json:"id"`
	Payload      WebhookPayload `json:"payload"`
	TargetURL    string         `json:"target_url"`
	EnqueuedAt   time.Time      `json:"enqueued_at"`
	AttemptCount int            `json:"attempt_count"`
}

// QualityFraction maps RSSI in dBm onto [0,1] over the usable range
// [-100,-30]. An RSSI of 0 is the platform sentinel for "unavailable" and
// maps to zero, never to a strong reading.
func QualityFraction(rssi int) float64 {
	if rssi == 0 {
		return 0
	}
	f := (float64(rssi) + 100) / 70
	if f < 0 {
		return 0
	}
	if f > 1 {
		return 1
	}
	return f
}

// QualityTier converts an RSSI sample into its coarse signal tier. The
// medium band reaches down to -82.5 dBm so typical through-wall readings
// around -75 dBm still rank as usable.
func QualityTier(rssi int) SignalQuality {
	f := QualityFraction(rssi)
	switch {
	case f > 0.7:
		return SignalStrong
	case f > 0.25:
		return SignalMedium
	default:
		return SignalWeak
	}
}
