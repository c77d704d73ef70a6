package ble

import (
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"tinygo.org/x/bluetooth"

	"roomsense/go-beacon-hub/internal/model"
)

// TinyGoCentral implements Central on top of the BlueZ adapter.
type TinyGoCentral struct {
	adapter *bluetooth.Adapter
	logger  *slog.Logger

	svcUUID   bluetooth.UUID
	charUUIDs map[string]Characteristic

	mu        sync.Mutex
	enabled   bool
	scanning  bool
	addresses map[string]bluetooth.Address
	onDrop    func(id string)
}

// NewTinyGoCentral wraps the named host adapter ("hci0" by default).
func NewTinyGoCentral(adapterID string, logger *slog.Logger) (*TinyGoCentral, error) {
	if adapterID == "" {
		adapterID = "hci0"
	}

	svcUUID, err := bluetooth.ParseUUID(ProvisioningServiceUUID)
	if err != nil {
		return nil, fmt.Errorf("parse provisioning service uuid: %w", err)
	}

	c := &TinyGoCentral{
		adapter: bluetooth.NewAdapter(adapterID),
		logger:  logger,
		svcUUID: svcUUID,
		charUUIDs: map[string]Characteristic{
			CharRoomLabelUUID: CharRoomLabel,
			CharMinorUUID:     CharMinor,
			CharSSIDUUID:      CharSSID,
			CharPasswordUUID:  CharPassword,
		},
		addresses: make(map[string]bluetooth.Address),
	}

	c.adapter.SetConnectHandler(func(device bluetooth.Device, connected bool) {
		if connected {
			return
		}
		c.mu.Lock()
		fn := c.onDrop
		c.mu.Unlock()
		if fn != nil {
			fn(device.Address.String())
		}
	})

	return c, nil
}

// Enable powers the radio, classifying host failures as preconditions.
func (c *TinyGoCentral) Enable() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.enabled {
		return nil
	}
	if err := c.adapter.Enable(); err != nil {
		return classifyEnableError(err)
	}
	c.enabled = true
	return nil
}

func classifyEnableError(err error) error {
	msg := strings.ToLower(err.Error())
	if strings.Contains(msg, "permission") || strings.Contains(msg, "not authorized") || strings.Contains(msg, "access denied") {
		return fmt.Errorf("%w: %v", ErrRadioUnauthorized, err)
	}
	return fmt.Errorf("%w: %v", ErrRadioOff, err)
}

// StartScan scans for sensors advertising the provisioning service.
func (c *TinyGoCentral) StartScan(onFound func(model.DiscoveredSensor)) error {
	c.mu.Lock()
	if c.scanning {
		c.mu.Unlock()
		return nil
	}
	c.scanning = true
	c.mu.Unlock()

	go func() {
		// adapter.Scan blocks until StopScan() or error.
		err := c.adapter.Scan(func(a *bluetooth.Adapter, r bluetooth.ScanResult) {
			if !r.HasServiceUUID(c.svcUUID) {
				return
			}

			id := r.Address.String()
			c.mu.Lock()
			c.addresses[id] = r.Address
			c.mu.Unlock()

			name := r.LocalName()
			if name == "" {
				name = id
			}

			onFound(model.DiscoveredSensor{
				ID:       id,
				Name:     name,
				RSSI:     int(r.RSSI),
				Quality:  model.QualityTier(int(r.RSSI)),
				LastSeen: time.Now().UTC(),
			})
		})

		c.mu.Lock()
		c.scanning = false
		c.mu.Unlock()

		if err != nil {
			c.logger.Warn("provisioning scan terminated", "error", err)
		}
	}()

	return nil
}

// StopScan halts an in-progress scan.
func (c *TinyGoCentral) StopScan() error {
	c.mu.Lock()
	scanning := c.scanning
	c.mu.Unlock()

	if !scanning {
		return nil
	}
	return c.adapter.StopScan()
}

// Connect establishes a link to a previously discovered sensor.
func (c *TinyGoCentral) Connect(id string, timeout time.Duration) (Peripheral, error) {
	c.mu.Lock()
	addr, ok := c.addresses[id]
	c.mu.Unlock()
	if !ok {
		return nil, fmt.Errorf("unknown sensor %q", id)
	}

	device, err := c.adapter.Connect(addr, bluetooth.ConnectionParams{
		ConnectionTimeout: bluetooth.NewDuration(timeout),
	})
	if err != nil {
		return nil, fmt.Errorf("connect %s: %w", id, err)
	}

	return &tinyGoPeripheral{central: c, id: id, device: device}, nil
}

// SetDisconnectHandler registers the peripheral-drop callback.
func (c *TinyGoCentral) SetDisconnectHandler(fn func(id string)) {
	c.mu.Lock()
	c.onDrop = fn
	c.mu.Unlock()
}

type tinyGoPeripheral struct {
	central *TinyGoCentral
	id      string
	device  bluetooth.Device

	chars map[Characteristic]bluetooth.DeviceCharacteristic
}

func (p *tinyGoPeripheral) ID() string { return p.id }

func (p *tinyGoPeripheral) DiscoverProvisioning() error {
	svcs, err := p.device.DiscoverServices([]bluetooth.UUID{p.central.svcUUID})
	if err != nil {
		return fmt.Errorf("discover services: %w", err)
	}
	if len(svcs) == 0 {
		return fmt.Errorf("provisioning service not present on %s", p.id)
	}

	chars, err := svcs[0].DiscoverCharacteristics(nil)
	if err != nil {
		return fmt.Errorf("discover characteristics: %w", err)
	}

	found := make(map[Characteristic]bluetooth.DeviceCharacteristic, len(p.central.charUUIDs))
	for _, ch := range chars {
		if target, ok := p.central.charUUIDs[strings.ToLower(ch.UUID().String())]; ok {
			found[target] = ch
		}
	}

	for _, required := range []Characteristic{CharRoomLabel, CharMinor, CharSSID, CharPassword} {
		if _, ok := found[required]; !ok {
			return fmt.Errorf("characteristic %s missing on %s", required, p.id)
		}
	}

	p.chars = found
	return nil
}

func (p *tinyGoPeripheral) Write(c Characteristic, value []byte) error {
	ch, ok := p.chars[c]
	if !ok {
		return fmt.Errorf("characteristic %s not discovered", c)
	}
	if _, err := ch.Write(value); err != nil {
		return fmt.Errorf("write %s: %w", c, err)
	}
	return nil
}

func (p *tinyGoPeripheral) Disconnect() error {
	return p.device.Disconnect()
}
