package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/google/uuid"
)

// Config lists the tunable parameters for the beacon hub.
type Config struct {
	HTTPPort        int
	DatabasePath    string
	LogLevel        string
	DeviceID        string
	BLEAdapter      string
	BeaconUUID      string
	BeaconMajor     uint16
	WebhookURL      string
	WebhookSecret   string
	RangingInterval time.Duration
}

const (
	defaultHTTPPort        = 8080
	defaultDatabasePath    = "data/beaconhub.db"
	defaultLogLevel        = "info"
	defaultBLEAdapter      = "hci0"
	defaultBeaconUUID      = "e2c56db5-dffb-48d2-b060-d0f5a71096e0"
	defaultBeaconMajor     = 1
	defaultRangingInterval = 2 * time.Second
)

// Load derives configuration values from environment variables, falling back to defaults.
func Load() (Config, error) {
	cfg := Config{
		HTTPPort:        defaultHTTPPort,
		DatabasePath:    defaultDatabasePath,
		LogLevel:        defaultLogLevel,
		BLEAdapter:      defaultBLEAdapter,
		BeaconUUID:      defaultBeaconUUID,
		BeaconMajor:     defaultBeaconMajor,
		RangingInterval: defaultRangingInterval,
	}

	if v := os.Getenv("BEACONHUB_HTTP_PORT"); v != "" {
		port, err := strconv.Atoi(v)
		if err != nil {
			return Config{}, fmt.Errorf("invalid BEACONHUB_HTTP_PORT: %w", err)
		}
		cfg.HTTPPort = port
	}

	if v := os.Getenv("BEACONHUB_DATABASE_PATH"); v != "" {
		cfg.DatabasePath = v
	}

	if v := os.Getenv("BEACONHUB_LOG_LEVEL"); v != "" {
		cfg.LogLevel = v
	}

	if v := os.Getenv("BEACONHUB_DEVICE_ID"); v != "" {
		cfg.DeviceID = v
	}
	if cfg.DeviceID == "" {
		hostname, err := os.Hostname()
		if err != nil || hostname == "" {
			hostname = "beacon-hub"
		}
		cfg.DeviceID = hostname
	}

	if v := os.Getenv("BEACONHUB_BLE_ADAPTER"); v != "" {
		cfg.BLEAdapter = v
	}

	if v := os.Getenv("BEACONHUB_BEACON_UUID"); v != "" {
		if _, err := uuid.Parse(v); err != nil {
			return Config{}, fmt.Errorf("invalid BEACONHUB_BEACON_UUID: %w", err)
		}
		cfg.BeaconUUID = v
	}

	if v := os.Getenv("BEACONHUB_BEACON_MAJOR"); v != "" {
		major, err := strconv.ParseUint(v, 10, 16)
		if err != nil {
			return Config{}, fmt.Errorf("invalid BEACONHUB_BEACON_MAJOR: %w", err)
		}
		cfg.BeaconMajor = uint16(major)
	}

	if v := os.Getenv("BEACONHUB_WEBHOOK_URL"); v != "" {
		cfg.WebhookURL = v
	}

	if v := os.Getenv("BEACONHUB_WEBHOOK_SECRET"); v != "" {
		cfg.WebhookSecret = v
	}

	if v := os.Getenv("BEACONHUB_RANGING_INTERVAL"); v != "" {
		interval, err := time.ParseDuration(v)
		if err != nil {
			return Config{}, fmt.Errorf("invalid BEACONHUB_RANGING_INTERVAL: %w", err)
		}
		cfg.RangingInterval = interval
	}

	return cfg, nil
}
