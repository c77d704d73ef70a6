package provisioning

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"strings"
	"sync"
	"testing"
	"time"

	"roomsense/go-beacon-hub/internal/ble"
	"roomsense/go-beacon-hub/internal/model"
	"roomsense/go-beacon-hub/internal/store"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type fakePeripheral struct {
	mu          sync.Mutex
	id          string
	discoverErr error
	writeErr    map[ble.Characteristic]error
	writes      []ble.Characteristic
	disconnects int
}

func (p *fakePeripheral) ID() string { return p.id }

func (p *fakePeripheral) DiscoverProvisioning() error { return p.discoverErr }

func (p *fakePeripheral) Write(c ble.Characteristic, value []byte) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if err, ok := p.writeErr[c]; ok {
		return err
	}
	p.writes = append(p.writes, c)
	return nil
}

func (p *fakePeripheral) Disconnect() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.disconnects++
	return nil
}

func (p *fakePeripheral) writeOrder() []ble.Characteristic {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]ble.Characteristic(nil), p.writes...)
}

func (p *fakePeripheral) disconnectCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.disconnects
}

type fakeCentral struct {
	mu           sync.Mutex
	enableErr    error
	connectErr   error
	connectHang  bool
	peripheral   *fakePeripheral
	onFound      func(model.DiscoveredSensor)
	onDisconnect func(id string)
	stopScans    int
}

func newFakeCentral() *fakeCentral {
	return &fakeCentral{peripheral: &fakePeripheral{id: "AA:BB:CC:DD:EE:FF"}}
}

func (c *fakeCentral) Enable() error { return c.enableErr }

func (c *fakeCentral) StartScan(onFound func(model.DiscoveredSensor)) error {
	c.mu.Lock()
	c.onFound = onFound
	c.mu.Unlock()
	return nil
}

func (c *fakeCentral) StopScan() error {
	c.mu.Lock()
	c.stopScans++
	c.mu.Unlock()
	return nil
}

func (c *fakeCentral) Connect(id string, timeout time.Duration) (ble.Peripheral, error) {
	if c.connectHang {
		time.Sleep(timeout + 250*time.Millisecond)
	}
	if c.connectErr != nil {
		return nil, c.connectErr
	}
	return c.peripheral, nil
}

func (c *fakeCentral) SetDisconnectHandler(fn func(id string)) {
	c.mu.Lock()
	c.onDisconnect = fn
	c.mu.Unlock()
}

func (c *fakeCentral) advertise(s model.DiscoveredSensor) {
	c.mu.Lock()
	fn := c.onFound
	c.mu.Unlock()
	if fn != nil {
		fn(s)
	}
}

func (c *fakeCentral) dropLink(id string) {
	c.mu.Lock()
	fn := c.onDisconnect
	c.mu.Unlock()
	if fn != nil {
		fn(id)
	}
}

// fakeConfigs is an in-memory ConfigStore.
type fakeConfigs struct {
	mu        sync.Mutex
	byMinor   map[uint16]model.BeaconConfig
	upsertErr error
}

func newFakeConfigs() *fakeConfigs {
	return &fakeConfigs{byMinor: make(map[uint16]model.BeaconConfig)}
}

func (f *fakeConfigs) UpsertBeacon(ctx context.Context, cfg model.BeaconConfig) (model.BeaconConfig, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.upsertErr != nil {
		return model.BeaconConfig{}, f.upsertErr
	}
	if cfg.ID == "" {
		cfg.ID = "test-id"
	}
	f.byMinor[cfg.Minor] = cfg
	return cfg, nil
}

func (f *fakeConfigs) BeaconByMinor(ctx context.Context, minor uint16) (model.BeaconConfig, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	cfg, ok := f.byMinor[minor]
	if !ok {
		return model.BeaconConfig{}, store.ErrNotFound
	}
	return cfg, nil
}

func (f *fakeConfigs) saved(minor uint16) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	_, ok := f.byMinor[minor]
	return ok
}

func testTimeouts() Timeouts {
	return Timeouts{
		Connect:  200 * time.Millisecond,
		Discover: 200 * time.Millisecond,
		Write:    200 * time.Millisecond,
		Liveness: 50 * time.Millisecond,
	}
}

func startEngine(t *testing.T, central *fakeCentral, configs *fakeConfigs, probe LivenessProbe) *Engine {
	t.Helper()

	e := New(central, configs, probe, testLogger(), WithTimeouts(testTimeouts()))
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- e.Run(ctx) }()
	t.Cleanup(func() {
		cancel()
		select {
		case <-done:
		case <-time.After(2 * time.Second):
			t.Error("engine run loop did not stop")
		}
	})
	return e
}

func waitForState(t *testing.T, e *Engine, state string) Snapshot {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for {
		snap := e.Snapshot()
		if snap.State == state {
			return snap
		}
		if time.Now().After(deadline) {
			t.Fatalf("state never reached %s; stuck at %s (%s)", state, snap.State, snap.Message)
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func sensor(id string) model.DiscoveredSensor {
	return model.DiscoveredSensor{ID: id, Name: "roomsense-sensor", RSSI: -58, Quality: model.QualityTier(-58), LastSeen: time.Now()}
}

// provisionToReady walks a session to the ready state.
func provisionToReady(t *testing.T, e *Engine, central *fakeCentral) {
	t.Helper()
	if err := e.StartScanning(); err != nil {
		t.Fatalf("start scanning: %v", err)
	}
	central.advertise(sensor(central.peripheral.id))
	deadline := time.Now().Add(2 * time.Second)
	for len(e.Snapshot().Discovered) == 0 {
		if time.Now().After(deadline) {
			t.Fatal("sensor never surfaced in snapshot")
		}
		time.Sleep(5 * time.Millisecond)
	}
	if err := e.Select(central.peripheral.id); err != nil {
		t.Fatalf("select: %v", err)
	}
	waitForState(t, e, "ready")
}

func TestHappyPathProvisioning(t *testing.T) {
	central := newFakeCentral()
	configs := newFakeConfigs()
	e := startEngine(t, central, configs, func(minor uint16) bool { return true })

	provisionToReady(t, e, central)

	params := Params{SSID: "attic-net", Password: "hunter2", RoomName: "Attic", Minor: 21}
	if err := e.Provision(context.Background(), params); err != nil {
		t.Fatalf("provision: %v", err)
	}

	snap := waitForState(t, e, "saved")
	if snap.SavedMinor != 21 {
		t.Errorf("saved minor = %d, want 21", snap.SavedMinor)
	}
	if !snap.Online {
		t.Error("liveness probe reported present, expected online confirmation")
	}
	if !configs.saved(21) {
		t.Error("beacon config was not committed")
	}

	// Non-network parameters first, password last.
	want := []ble.Characteristic{ble.CharRoomLabel, ble.CharMinor, ble.CharSSID, ble.CharPassword}
	got := central.peripheral.writeOrder()
	if len(got) != len(want) {
		t.Fatalf("writes = %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("write order = %v, want %v", got, want)
		}
	}
}

func TestSavedWithoutLiveness(t *testing.T) {
	central := newFakeCentral()
	configs := newFakeConfigs()
	e := startEngine(t, central, configs, func(minor uint16) bool { return false })

	provisionToReady(t, e, central)
	if err := e.Provision(context.Background(), Params{SSID: "n", Password: "p", RoomName: "Hall", Minor: 8}); err != nil {
		t.Fatalf("provision: %v", err)
	}

	snap := waitForState(t, e, "saved")
	if snap.Online {
		t.Error("expected saved without liveness confirmation")
	}
	if !configs.saved(8) {
		t.Error("commit must stand even when the sensor is not observed")
	}
}

func TestWriteFailureAbortsWithoutCommit(t *testing.T) {
	central := newFakeCentral()
	central.peripheral.writeErr = map[ble.Characteristic]error{
		ble.CharSSID: errors.New("gatt write rejected"),
	}
	configs := newFakeConfigs()
	e := startEngine(t, central, configs, nil)

	provisionToReady(t, e, central)
	if err := e.Provision(context.Background(), Params{SSID: "n", Password: "p", RoomName: "Attic", Minor: 30}); err != nil {
		t.Fatalf("provision: %v", err)
	}

	snap := waitForState(t, e, "error")
	if !strings.Contains(snap.Message, "writing settings") {
		t.Errorf("error message = %q", snap.Message)
	}
	if configs.saved(30) {
		t.Error("config must not be committed after an aborted write sequence")
	}
	if n := central.peripheral.disconnectCount(); n != 1 {
		t.Errorf("disconnects = %d, want exactly 1", n)
	}
}

func TestProvisionValidation(t *testing.T) {
	central := newFakeCentral()
	configs := newFakeConfigs()
	configs.byMinor[12] = model.BeaconConfig{ID: "existing", Minor: 12, RoomName: "Kitchen"}
	e := startEngine(t, central, configs, nil)

	provisionToReady(t, e, central)

	cases := []struct {
		name   string
		params Params
		check  func(error) bool
	}{
		{"zero minor", Params{SSID: "n", RoomName: "r", Minor: 0}, func(err error) bool { return errors.Is(err, store.ErrInvalidMinor) }},
		{"empty ssid", Params{SSID: "  ", RoomName: "r", Minor: 5}, func(err error) bool { return err != nil }},
		{"empty room", Params{SSID: "n", RoomName: "", Minor: 5}, func(err error) bool { return err != nil }},
		{"duplicate minor", Params{SSID: "n", RoomName: "r", Minor: 12}, func(err error) bool { return errors.Is(err, store.ErrDuplicateMinor) }},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			err := e.Provision(context.Background(), tc.params)
			if !tc.check(err) {
				t.Errorf("Provision(%+v) = %v", tc.params, err)
			}
		})
	}

	// Rejections happen before any write reaches the peripheral.
	if got := central.peripheral.writeOrder(); len(got) != 0 {
		t.Errorf("unexpected writes: %v", got)
	}
	if snap := e.Snapshot(); snap.State != "ready" {
		t.Errorf("state = %s, want ready after rejected provision calls", snap.State)
	}
}

func TestConnectTimeout(t *testing.T) {
	central := newFakeCentral()
	central.connectHang = true
	e := startEngine(t, central, newFakeConfigs(), nil)

	if err := e.StartScanning(); err != nil {
		t.Fatalf("start scanning: %v", err)
	}
	central.advertise(sensor(central.peripheral.id))
	deadline := time.Now().Add(2 * time.Second)
	for len(e.Snapshot().Discovered) == 0 {
		if time.Now().After(deadline) {
			t.Fatal("sensor never surfaced")
		}
		time.Sleep(5 * time.Millisecond)
	}
	if err := e.Select(central.peripheral.id); err != nil {
		t.Fatalf("select: %v", err)
	}

	snap := waitForState(t, e, "error")
	if !strings.Contains(snap.Message, "did not respond") {
		t.Errorf("error message = %q", snap.Message)
	}
}

func TestUnexpectedDisconnectWhileReady(t *testing.T) {
	central := newFakeCentral()
	e := startEngine(t, central, newFakeConfigs(), nil)

	provisionToReady(t, e, central)
	central.dropLink(central.peripheral.id)

	snap := waitForState(t, e, "error")
	if !strings.Contains(snap.Message, "disconnected unexpectedly") {
		t.Errorf("error message = %q", snap.Message)
	}
}

func TestRadioPreconditionKeepsSessionIdle(t *testing.T) {
	central := newFakeCentral()
	central.enableErr = ble.ErrRadioOff
	e := startEngine(t, central, newFakeConfigs(), nil)

	if err := e.StartScanning(); !errors.Is(err, ble.ErrRadioOff) {
		t.Fatalf("expected ErrRadioOff, got %v", err)
	}
	if snap := e.Snapshot(); snap.State != "idle" {
		t.Errorf("state = %s, want idle", snap.State)
	}

	// The radio comes back; scanning then starts normally.
	central.enableErr = nil
	if err := e.StartScanning(); err != nil {
		t.Fatalf("start scanning after recovery: %v", err)
	}
	waitForState(t, e, "scanning")
}

func TestCancelIsIdempotent(t *testing.T) {
	central := newFakeCentral()
	e := startEngine(t, central, newFakeConfigs(), nil)

	provisionToReady(t, e, central)
	e.Cancel()
	e.Cancel()
	e.Cancel()

	if snap := e.Snapshot(); snap.State != "idle" {
		t.Errorf("state = %s, want idle", snap.State)
	}
	if n := central.peripheral.disconnectCount(); n != 1 {
		t.Errorf("disconnects = %d, want exactly 1", n)
	}

	// Stale advertisements from the abandoned scan are ignored.
	central.advertise(sensor("11:22:33:44:55:66"))
	time.Sleep(50 * time.Millisecond)
	if snap := e.Snapshot(); len(snap.Discovered) != 0 {
		t.Errorf("stale discovery leaked into idle session: %+v", snap.Discovered)
	}
}

func TestRetryAfterError(t *testing.T) {
	central := newFakeCentral()
	central.connectErr = errors.New("link layer refused")
	e := startEngine(t, central, newFakeConfigs(), nil)

	if err := e.StartScanning(); err != nil {
		t.Fatalf("start scanning: %v", err)
	}
	central.advertise(sensor(central.peripheral.id))
	deadline := time.Now().Add(2 * time.Second)
	for len(e.Snapshot().Discovered) == 0 {
		if time.Now().After(deadline) {
			t.Fatal("sensor never surfaced")
		}
		time.Sleep(5 * time.Millisecond)
	}
	if err := e.Select(central.peripheral.id); err != nil {
		t.Fatalf("select: %v", err)
	}
	waitForState(t, e, "error")

	logBefore := e.Snapshot().LogEntries

	central.connectErr = nil
	if err := e.Retry(); err != nil {
		t.Fatalf("retry: %v", err)
	}
	snap := waitForState(t, e, "scanning")
	if len(snap.Discovered) != 0 {
		t.Errorf("retry must discard previously discovered sensors: %+v", snap.Discovered)
	}
	if snap.LogEntries < logBefore {
		t.Error("retry must keep the session diagnostic log")
	}

	// Retry outside the error state is rejected.
	if err := e.Retry(); err == nil {
		t.Error("retry while scanning should fail")
	}
}

func TestDisconnectDuringSavingIsExpected(t *testing.T) {
	central := newFakeCentral()
	configs := newFakeConfigs()
	e := startEngine(t, central, configs, func(minor uint16) bool { return false })

	provisionToReady(t, e, central)
	if err := e.Provision(context.Background(), Params{SSID: "n", Password: "p", RoomName: "Den", Minor: 14}); err != nil {
		t.Fatalf("provision: %v", err)
	}
	waitForState(t, e, "saving")

	// The sensor reboots to apply settings; this must not error the session.
	central.dropLink(central.peripheral.id)

	snap := waitForState(t, e, "saved")
	if snap.SavedMinor != 14 {
		t.Errorf("saved minor = %d, want 14", snap.SavedMinor)
	}
}

func TestExportLogCoversSession(t *testing.T) {
	central := newFakeCentral()
	e := startEngine(t, central, newFakeConfigs(), nil)

	provisionToReady(t, e, central)

	log := e.ExportLog()
	for _, want := range []string{"phase scanning", "discovered sensor", "connected to", "characteristics discovered"} {
		if !strings.Contains(log, want) {
			t.Errorf("diagnostic log missing %q:\n%s", want, log)
		}
	}
}
