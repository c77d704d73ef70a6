package ble

import (
	"encoding/binary"
	"fmt"
	"math"
	"strings"

	"github.com/google/uuid"

	"roomsense/go-beacon-hub/internal/model"
)

// iBeacon manufacturer data layout (big-endian): type 0x02, length 0x15,
// proximity UUID (16), major uint16, minor uint16, measured power int8
// (23 bytes following Apple's company ID 0x004C).
const (
	AppleCompanyID = 0x004C

	ibeaconType = 0x02
	ibeaconLen  = 0x15

	ibeaconPayloadLen = 23
)

// Advertisement is a parsed iBeacon advertisement.
type Advertisement struct {
	UUID          string
	Major         uint16
	Minor         uint16
	MeasuredPower int
	RSSI          int
}

// ParseIBeacon parses Apple-format manufacturer data from a scan result.
// Returns an error if the payload is not an iBeacon frame.
func ParseIBeacon(data []byte, rssi int) (*Advertisement, error) {
	if len(data) < ibeaconPayloadLen {
		return nil, fmt.Errorf("payload too short: %d", len(data))
	}
	if data[0] != ibeaconType || data[1] != ibeaconLen {
		return nil, fmt.Errorf("not an ibeacon frame: %02X %02X", data[0], data[1])
	}

	id, err := uuid.FromBytes(data[2:18])
	if err != nil {
		return nil, fmt.Errorf("parse proximity uuid: %w", err)
	}

	return &Advertisement{
		UUID:          id.String(),
		Major:         binary.BigEndian.Uint16(data[18:20]),
		Minor:         binary.BigEndian.Uint16(data[20:22]),
		MeasuredPower: int(int8(data[22])),
		RSSI:          rssi,
	}, nil
}

// Matches reports whether the advertisement belongs to the given identifier
// space. UUID comparison is case-insensitive; a zero major matches any.
func (a *Advertisement) Matches(spaceUUID string, major uint16) bool {
	if !strings.EqualFold(a.UUID, spaceUUID) {
		return false
	}
	return major == 0 || a.Major == major
}

// EstimateDistance converts RSSI plus the beacon's calibrated measured power
// into a rough distance in meters using a log-distance path loss model.
// Returns 0 for the RSSI-unavailable sentinel.
func EstimateDistance(rssi, measuredPower int) float64 {
	if rssi == 0 {
		return 0
	}
	if measuredPower == 0 {
		measuredPower = -59
	}
	return math.Pow(10, float64(measuredPower-rssi)/20.0)
}

// ProximityFor buckets an estimated distance the way beacon receivers
// conventionally do.
func ProximityFor(rssi, measuredPower int) model.Proximity {
	if rssi == 0 {
		return model.ProximityUnknown
	}
	d := EstimateDistance(rssi, measuredPower)
	switch {
	case d < 0.5:
		return model.ProximityImmediate
	case d < 3:
		return model.ProximityNear
	default:
		return model.ProximityFar
	}
}
