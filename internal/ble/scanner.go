package ble

import (
	"context"
	"fmt"
	"log/slog"

	"tinygo.org/x/bluetooth"
)

// IBeaconScanner continuously scans for iBeacon advertisements in one
// identifier space and reports each matching frame.
type IBeaconScanner struct {
	adapter *bluetooth.Adapter
	logger  *slog.Logger

	spaceUUID string
	major     uint16
}

// NewIBeaconScanner wraps the named host adapter for ranging.
func NewIBeaconScanner(adapterID, spaceUUID string, major uint16, logger *slog.Logger) *IBeaconScanner {
	if adapterID == "" {
		adapterID = "hci0"
	}
	return &IBeaconScanner{
		adapter:   bluetooth.NewAdapter(adapterID),
		logger:    logger,
		spaceUUID: spaceUUID,
		major:     major,
	}
}

// Run scans until the context is cancelled, invoking onAdvert for every
// advertisement in the configured identifier space. onAdvert fires on the
// adapter's delivery goroutine.
func (s *IBeaconScanner) Run(ctx context.Context, onAdvert func(Advertisement)) error {
	if err := s.adapter.Enable(); err != nil {
		return classifyEnableError(err)
	}

	go func() {
		<-ctx.Done()
		_ = s.adapter.StopScan()
	}()

	s.logger.Info("ranging scan started", "uuid", s.spaceUUID, "major", s.major)

	// adapter.Scan blocks until StopScan() or error.
	err := s.adapter.Scan(func(a *bluetooth.Adapter, r bluetooth.ScanResult) {
		for _, md := range r.ManufacturerData() {
			if md.CompanyID != AppleCompanyID {
				continue
			}
			adv, err := ParseIBeacon(md.Data, int(r.RSSI))
			if err != nil {
				continue
			}
			if !adv.Matches(s.spaceUUID, s.major) {
				continue
			}
			onAdvert(*adv)
			return
		}
	})

	if ctx.Err() != nil {
		s.logger.Info("ranging scan stopped")
		return nil
	}
	if err != nil {
		return fmt.Errorf("ranging scan: %w", err)
	}
	return nil
}
