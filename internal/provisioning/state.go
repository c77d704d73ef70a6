package provisioning

import "roomsense/go-beacon-hub/internal/model"

// State is the provisioning session state. Each state carries its own
// payload; the engine owns exactly one State at a time and every transition
// happens on the engine's run loop.
type State interface {
	Name() string
}

// Idle: no session in progress.
type Idle struct{}

func (Idle) Name() string { return "idle" }

// Scanning: filtered advertisement scan running, collecting sensors.
type Scanning struct{}

func (Scanning) Name() string { return "scanning" }

// Connecting: transport connect in flight to the selected sensor.
type Connecting struct {
	Sensor model.DiscoveredSensor
}

func (Connecting) Name() string { return "connecting" }

// DiscoveringServices: connected, GATT discovery in flight.
type DiscoveringServices struct {
	Sensor model.DiscoveredSensor
}

func (DiscoveringServices) Name() string { return "discovering_services" }

// Ready: all required characteristics found, waiting for provision().
type Ready struct {
	Sensor model.DiscoveredSensor
}

func (Ready) Name() string { return "ready" }

// Writing: ordered characteristic write sequence in flight.
type Writing struct {
	Sensor model.DiscoveredSensor
}

func (Writing) Name() string { return "writing" }

// Saving: writes acknowledged, config committed, liveness check running.
// The peripheral disconnecting here is expected: applying settings reboots
// the device.
type Saving struct {
	Sensor model.DiscoveredSensor
	Minor  uint16
}

func (Saving) Name() string { return "saving" }

// Saved: terminal. Online reports whether the ranging engine observed the
// new minor within the confirmation window; false only downgrades the
// confirmation message, the commit stands either way.
type Saved struct {
	Minor  uint16
	Online bool
}

func (Saved) Name() string { return "saved" }

// Errored: a protocol failure. Retry() returns to Scanning.
type Errored struct {
	Message string
}

func (Errored) Name() string { return "error" }
