package ble

import (
	"errors"
	"time"

	"roomsense/go-beacon-hub/internal/model"
)

// GATT identifiers for the sensor provisioning service. Sensors stop
// advertising this service once configured, so a provisioned beacon never
// reappears in a scan.
const (
	ProvisioningServiceUUID = "c0de0001-5b1e-4a0c-9e6f-8b2d44c51d10"
	CharRoomLabelUUID       = "c0de0002-5b1e-4a0c-9e6f-8b2d44c51d10"
	CharMinorUUID           = "c0de0003-5b1e-4a0c-9e6f-8b2d44c51d10"
	CharSSIDUUID            = "c0de0004-5b1e-4a0c-9e6f-8b2d44c51d10"
	CharPasswordUUID        = "c0de0005-5b1e-4a0c-9e6f-8b2d44c51d10"
)

// Characteristic names one provisioning write target.
type Characteristic int

const (
	CharRoomLabel Characteristic = iota
	CharMinor
	CharSSID
	CharPassword
)

func (c Characteristic) String() string {
	switch c {
	case CharRoomLabel:
		return "room_label"
	case CharMinor:
		return "minor"
	case CharSSID:
		return "ssid"
	case CharPassword:
		return "password"
	default:
		return "unknown"
	}
}

// Precondition failures of the radio itself. These cannot be retried from
// the provisioning flow; the operator has to fix the host first.
var (
	ErrRadioOff          = errors.New("bluetooth radio is powered off")
	ErrRadioUnauthorized = errors.New("bluetooth access is not authorized")
)

// Central is the BLE central role used by the provisioning engine. One
// central exists per hub; callers must not run overlapping scans.
type Central interface {
	// Enable powers the radio. Returns ErrRadioOff or ErrRadioUnauthorized
	// when the host cannot provide a usable adapter.
	Enable() error
	// StartScan begins filtered scanning for sensors advertising the
	// provisioning service. onFound fires on the adapter's delivery
	// goroutine; callers must hop to their own context before mutating
	// shared state. Idempotent while a scan is already running.
	StartScan(onFound func(model.DiscoveredSensor)) error
	// StopScan halts an in-progress scan. Safe to call when idle.
	StopScan() error
	// Connect establishes a link to a previously discovered sensor,
	// bounded by timeout.
	Connect(id string, timeout time.Duration) (Peripheral, error)
	// SetDisconnectHandler registers a callback fired when a connected
	// peripheral drops, expected or not.
	SetDisconnectHandler(fn func(id string))
}

// Peripheral is one connected sensor during provisioning.
type Peripheral interface {
	ID() string
	// DiscoverProvisioning performs service and characteristic discovery
	// and fails if any required characteristic is missing.
	DiscoverProvisioning() error
	// Write performs one acknowledged characteristic write.
	Write(c Characteristic, value []byte) error
	Disconnect() error
}
