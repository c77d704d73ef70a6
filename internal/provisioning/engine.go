// Package provisioning drives a single BLE central session through
// discovery, connection, GATT discovery, credential transfer, and post-write
// verification, producing beacon configuration entries.
package provisioning

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strconv"
	"strings"
	"time"

	"roomsense/go-beacon-hub/internal/ble"
	"roomsense/go-beacon-hub/internal/model"
	"roomsense/go-beacon-hub/internal/store"
)

// Timeouts bound every BLE suspension point; no phase waits indefinitely.
type Timeouts struct {
	Connect  time.Duration
	Discover time.Duration
	Write    time.Duration
	Liveness time.Duration
}

// DefaultTimeouts are the production phase bounds.
func DefaultTimeouts() Timeouts {
	return Timeouts{
		Connect:  15 * time.Second,
		Discover: 10 * time.Second,
		Write:    10 * time.Second,
		Liveness: 5 * time.Second,
	}
}

const livenessPoll = 500 * time.Millisecond

// ErrEngineStopped is returned when the run loop is no longer accepting
// commands.
var ErrEngineStopped = errors.New("provisioning engine stopped")

// Params are the values written to the sensor during provisioning.
type Params struct {
	SSID     string
	Password string
	RoomName string
	Minor    uint16
}

// ConfigStore is the subset of the beacon store the engine needs.
type ConfigStore interface {
	UpsertBeacon(ctx context.Context, cfg model.BeaconConfig) (model.BeaconConfig, error)
	BeaconByMinor(ctx context.Context, minor uint16) (model.BeaconConfig, error)
}

// LivenessProbe reports whether the ranging engine currently observes a
// minor. Used only for the post-commit confirmation message; never treated
// as a provisioning acknowledgment.
type LivenessProbe func(minor uint16) bool

// Snapshot is a point-in-time view of the session for the control surface.
type Snapshot struct {
	State      string                   `json:"state"`
	Message    string                   `json:"message,omitempty"`
	Selected   *model.DiscoveredSensor  `json:"selected,omitempty"`
	Discovered []model.DiscoveredSensor `json:"discovered"`
	SavedMinor uint16                   `json:"saved_minor,omitempty"`
	Online     bool                     `json:"online,omitempty"`
	LogEntries int                      `json:"log_entries"`
}

type session struct {
	gen        uint64
	state      State
	discovered map[string]model.DiscoveredSensor
	selected   *model.DiscoveredSensor
	peripheral ble.Peripheral
	params     Params
	watchdog   *time.Timer
	log        *DiagnosticLog
}

// Engine is the provisioning state machine. All state mutation happens on
// the Run loop; BLE callbacks and workers post messages into the mailbox.
type Engine struct {
	central ble.Central
	configs ConfigStore
	probe   LivenessProbe
	logger  *slog.Logger
	now     func() time.Time
	limits  Timeouts

	mailbox chan any
	stopped chan struct{}

	gen  uint64
	sess *session
}

// Option tunes an Engine.
type Option func(*Engine)

// WithClock overrides the time source.
func WithClock(fn func() time.Time) Option {
	return func(e *Engine) { e.now = fn }
}

// WithTimeouts overrides the phase bounds.
func WithTimeouts(t Timeouts) Option {
	return func(e *Engine) { e.limits = t }
}

// New constructs the engine. Run must be started before commands are issued.
func New(central ble.Central, configs ConfigStore, probe LivenessProbe, logger *slog.Logger, opts ...Option) *Engine {
	e := &Engine{
		central: central,
		configs: configs,
		probe:   probe,
		logger:  logger,
		now:     func() time.Time { return time.Now().UTC() },
		limits:  DefaultTimeouts(),
		mailbox: make(chan any, 128),
		stopped: make(chan struct{}),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// mailbox message types

type cmdStartScan struct{ reply chan error }
type cmdSelect struct {
	id    string
	reply chan error
}
type cmdProvision struct {
	params Params
	reply  chan error
}
type cmdCancel struct{ reply chan struct{} }
type cmdRetry struct{ reply chan error }
type cmdSnapshot struct{ reply chan Snapshot }
type cmdExportLog struct{ reply chan string }

type evtFound struct {
	gen    uint64
	sensor model.DiscoveredSensor
}
type evtConnected struct {
	gen        uint64
	peripheral ble.Peripheral
	err        error
}
type evtDiscovered struct {
	gen uint64
	err error
}
type evtWriteAck struct {
	gen  uint64
	char ble.Characteristic
}
type evtWritesDone struct {
	gen uint64
	err error
}
type evtCommitted struct {
	gen   uint64
	minor uint16
	err   error
}
type evtLiveness struct {
	gen    uint64
	online bool
}
type evtDisconnected struct{ id string }
type evtTimeout struct {
	gen   uint64
	phase string
}

// Run processes the mailbox until the context is cancelled. It must be
// running for any engine method to complete.
func (e *Engine) Run(ctx context.Context) error {
	e.central.SetDisconnectHandler(func(id string) {
		e.post(evtDisconnected{id: id})
	})

	for {
		select {
		case <-ctx.Done():
			e.teardown()
			close(e.stopped)
			return nil
		case msg := <-e.mailbox:
			e.handle(ctx, msg)
		}
	}
}

// post delivers a message without ever blocking a BLE delivery goroutine.
func (e *Engine) post(msg any) {
	select {
	case e.mailbox <- msg:
	case <-e.stopped:
	default:
		e.logger.Warn("provisioning mailbox full, dropping message", "type", fmt.Sprintf("%T", msg))
	}
}

func (e *Engine) send(msg any) error {
	select {
	case e.mailbox <- msg:
		return nil
	case <-e.stopped:
		return ErrEngineStopped
	}
}

// StartScanning begins filtered advertisement scanning. Radio preconditions
// (powered off, unauthorized) are returned directly and leave the session
// idle: they cannot be remedied by retrying the flow. Idempotent while
// already scanning.
func (e *Engine) StartScanning() error {
	reply := make(chan error, 1)
	if err := e.send(cmdStartScan{reply: reply}); err != nil {
		return err
	}
	return <-reply
}

// Select picks a discovered sensor and starts the connection handshake.
func (e *Engine) Select(sensorID string) error {
	reply := make(chan error, 1)
	if err := e.send(cmdSelect{id: sensorID, reply: reply}); err != nil {
		return err
	}
	return <-reply
}

// Provision starts the ordered, acknowledged write sequence. Validation
// failures (bad minor, empty SSID, duplicate minor) are rejected here,
// before any characteristic write.
func (e *Engine) Provision(ctx context.Context, params Params) error {
	if err := store.ValidateMinor(int(params.Minor)); err != nil {
		return err
	}
	if strings.TrimSpace(params.SSID) == "" {
		return errors.New("ssid must not be empty")
	}
	if strings.TrimSpace(params.RoomName) == "" {
		return errors.New("room name must not be empty")
	}
	if _, err := e.configs.BeaconByMinor(ctx, params.Minor); err == nil {
		return store.ErrDuplicateMinor
	} else if !errors.Is(err, store.ErrNotFound) {
		return fmt.Errorf("check minor: %w", err)
	}

	reply := make(chan error, 1)
	if err := e.send(cmdProvision{params: params, reply: reply}); err != nil {
		return err
	}
	return <-reply
}

// Cancel tears down the session from any state: stops scanning, disconnects
// any in-progress peripheral (at most once), discards discovered sensors,
// and returns to idle. Idempotent.
func (e *Engine) Cancel() {
	reply := make(chan struct{}, 1)
	if err := e.send(cmdCancel{reply: reply}); err != nil {
		return
	}
	<-reply
}

// Retry re-enters scanning after a protocol error, discarding partial
// session state.
func (e *Engine) Retry() error {
	reply := make(chan error, 1)
	if err := e.send(cmdRetry{reply: reply}); err != nil {
		return err
	}
	return <-reply
}

// Snapshot returns the current session view.
func (e *Engine) Snapshot() Snapshot {
	reply := make(chan Snapshot, 1)
	if err := e.send(cmdSnapshot{reply: reply}); err != nil {
		return Snapshot{State: Idle{}.Name(), Discovered: []model.DiscoveredSensor{}}
	}
	return <-reply
}

// ExportLog renders the session diagnostic log as flat text.
func (e *Engine) ExportLog() string {
	reply := make(chan string, 1)
	if err := e.send(cmdExportLog{reply: reply}); err != nil {
		return ""
	}
	return <-reply
}

func (e *Engine) handle(ctx context.Context, msg any) {
	switch m := msg.(type) {
	case cmdStartScan:
		m.reply <- e.startScan()
	case cmdSelect:
		m.reply <- e.selectSensor(m.id)
	case cmdProvision:
		m.reply <- e.provision(ctx, m.params)
	case cmdCancel:
		e.cancelSession()
		m.reply <- struct{}{}
	case cmdRetry:
		m.reply <- e.retry()
	case cmdSnapshot:
		m.reply <- e.snapshot()
	case cmdExportLog:
		if e.sess != nil {
			m.reply <- e.sess.log.Export()
		} else {
			m.reply <- ""
		}

	case evtFound:
		e.onFound(m)
	case evtConnected:
		e.onConnected(m)
	case evtDiscovered:
		e.onDiscovered(m)
	case evtWriteAck:
		e.onWriteAck(m)
	case evtWritesDone:
		e.onWritesDone(ctx, m)
	case evtCommitted:
		e.onCommitted(m)
	case evtLiveness:
		e.onLiveness(m)
	case evtDisconnected:
		e.onDisconnected(m)
	case evtTimeout:
		e.onTimeout(m)
	}
}

func (e *Engine) stateName() string {
	if e.sess == nil {
		return Idle{}.Name()
	}
	return e.sess.state.Name()
}

func (e *Engine) startScan() error {
	if e.sess != nil {
		if _, ok := e.sess.state.(Scanning); ok {
			return nil
		}
		return fmt.Errorf("cannot start scanning while %s", e.stateName())
	}

	if err := e.central.Enable(); err != nil {
		// Terminal precondition, distinct from protocol errors.
		return err
	}

	e.gen++
	e.sess = &session{
		gen:        e.gen,
		state:      Scanning{},
		discovered: make(map[string]model.DiscoveredSensor),
		log:        newDiagnosticLog(e.now),
	}
	e.sess.log.appendf("phase scanning")

	gen := e.sess.gen
	if err := e.central.StartScan(func(s model.DiscoveredSensor) {
		e.post(evtFound{gen: gen, sensor: s})
	}); err != nil {
		e.sess = nil
		return fmt.Errorf("start scan: %w", err)
	}

	e.logger.Info("provisioning scan started")
	return nil
}

func (e *Engine) onFound(m evtFound) {
	if e.sess == nil || m.gen != e.sess.gen {
		return
	}
	if _, ok := e.sess.state.(Scanning); !ok {
		return
	}

	_, known := e.sess.discovered[m.sensor.ID]
	e.sess.discovered[m.sensor.ID] = m.sensor
	if !known {
		e.sess.log.appendf("discovered sensor %s (%s) rssi=%d", m.sensor.Name, m.sensor.ID, m.sensor.RSSI)
		e.logger.Debug("sensor discovered", "id", m.sensor.ID, "name", m.sensor.Name, "rssi", m.sensor.RSSI)
	}
}

func (e *Engine) selectSensor(id string) error {
	if e.sess == nil {
		return errors.New("no scan session in progress")
	}
	if _, ok := e.sess.state.(Scanning); !ok {
		return fmt.Errorf("cannot select a sensor while %s", e.stateName())
	}

	sensor, ok := e.sess.discovered[id]
	if !ok {
		return fmt.Errorf("unknown sensor %q", id)
	}

	if err := e.central.StopScan(); err != nil {
		e.logger.Warn("stop scan before connect", "error", err)
	}

	e.sess.selected = &sensor
	e.transition(Connecting{Sensor: sensor})
	e.armWatchdog(e.limits.Connect, "connect")

	gen := e.sess.gen
	go func() {
		p, err := e.central.Connect(id, e.limits.Connect)
		e.post(evtConnected{gen: gen, peripheral: p, err: err})
	}()
	return nil
}

func (e *Engine) onConnected(m evtConnected) {
	if e.sess == nil || m.gen != e.sess.gen {
		if m.peripheral != nil {
			// Session moved on; release the stale link.
			_ = m.peripheral.Disconnect()
		}
		return
	}
	if _, ok := e.sess.state.(Connecting); !ok {
		return
	}

	e.stopWatchdog()
	if m.err != nil {
		e.sess.log.appendf("connect failed: %v", m.err)
		e.fail(fmt.Sprintf("could not connect to the sensor: %v", m.err))
		return
	}

	e.sess.peripheral = m.peripheral
	e.sess.log.appendf("connected to %s", m.peripheral.ID())
	e.transition(DiscoveringServices{Sensor: *e.sess.selected})
	e.armWatchdog(e.limits.Discover, "service discovery")

	gen := e.sess.gen
	p := m.peripheral
	go func() {
		err := p.DiscoverProvisioning()
		e.post(evtDiscovered{gen: gen, err: err})
	}()
}

func (e *Engine) onDiscovered(m evtDiscovered) {
	if e.sess == nil || m.gen != e.sess.gen {
		return
	}
	if _, ok := e.sess.state.(DiscoveringServices); !ok {
		return
	}

	e.stopWatchdog()
	if m.err != nil {
		e.sess.log.appendf("service discovery failed: %v", m.err)
		e.fail(fmt.Sprintf("sensor is missing the provisioning service: %v", m.err))
		return
	}

	e.sess.log.appendf("provisioning characteristics discovered")
	e.transition(Ready{Sensor: *e.sess.selected})
}

func (e *Engine) provision(ctx context.Context, params Params) error {
	if e.sess == nil {
		return errors.New("no session in progress")
	}
	if _, ok := e.sess.state.(Ready); !ok {
		return fmt.Errorf("cannot provision while %s", e.stateName())
	}

	e.sess.params = params
	e.transition(Writing{Sensor: *e.sess.selected})
	e.armWatchdog(e.limits.Write, "characteristic write")

	// Ordered sequence, non-network parameters first: the device starts
	// acting on network credentials as soon as they are written.
	writes := []struct {
		char  ble.Characteristic
		value []byte
	}{
		{ble.CharRoomLabel, []byte(params.RoomName)},
		{ble.CharMinor, []byte(strconv.FormatUint(uint64(params.Minor), 10))},
		{ble.CharSSID, []byte(params.SSID)},
		{ble.CharPassword, []byte(params.Password)},
	}

	gen := e.sess.gen
	p := e.sess.peripheral
	go func() {
		for _, w := range writes {
			if err := p.Write(w.char, w.value); err != nil {
				e.post(evtWritesDone{gen: gen, err: fmt.Errorf("write %s: %w", w.char, err)})
				return
			}
			e.post(evtWriteAck{gen: gen, char: w.char})
		}
		e.post(evtWritesDone{gen: gen})
	}()
	return nil
}

func (e *Engine) onWriteAck(m evtWriteAck) {
	if e.sess == nil || m.gen != e.sess.gen {
		return
	}
	if _, ok := e.sess.state.(Writing); !ok {
		return
	}
	e.sess.log.appendf("write acknowledged: %s", m.char)
	// Each acknowledged write re-arms the watchdog for the next one.
	e.armWatchdog(e.limits.Write, "characteristic write")
}

func (e *Engine) onWritesDone(ctx context.Context, m evtWritesDone) {
	if e.sess == nil || m.gen != e.sess.gen {
		return
	}
	if _, ok := e.sess.state.(Writing); !ok {
		return
	}

	e.stopWatchdog()
	if m.err != nil {
		// A single failed write aborts the whole sequence; nothing was
		// committed.
		e.sess.log.appendf("write sequence aborted: %v", m.err)
		e.fail(fmt.Sprintf("writing settings to the sensor failed: %v", m.err))
		return
	}

	e.sess.log.appendf("all writes acknowledged")
	params := e.sess.params
	e.transition(Saving{Sensor: *e.sess.selected, Minor: params.Minor})

	gen := e.sess.gen
	go func() {
		commitCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
		defer cancel()
		_, err := e.configs.UpsertBeacon(commitCtx, model.BeaconConfig{
			Minor:    params.Minor,
			RoomName: params.RoomName,
			IsActive: true,
		})
		e.post(evtCommitted{gen: gen, minor: params.Minor, err: err})
	}()
}

func (e *Engine) onCommitted(m evtCommitted) {
	if e.sess == nil || m.gen != e.sess.gen {
		return
	}
	if _, ok := e.sess.state.(Saving); !ok {
		return
	}

	if m.err != nil {
		e.sess.log.appendf("config commit failed: %v", m.err)
		e.fail(fmt.Sprintf("saving the beacon configuration failed: %v", m.err))
		return
	}

	e.sess.log.appendf("beacon config committed for minor %d", m.minor)

	// Best-effort liveness check. The commit stands regardless of the
	// outcome; a miss only downgrades the confirmation from "online" to
	// "saved".
	gen := e.sess.gen
	minor := m.minor
	go func() {
		deadline := time.Now().Add(e.limits.Liveness)
		for time.Now().Before(deadline) {
			if e.probe != nil && e.probe(minor) {
				e.post(evtLiveness{gen: gen, online: true})
				return
			}
			time.Sleep(livenessPoll)
		}
		e.post(evtLiveness{gen: gen, online: false})
	}()
}

func (e *Engine) onLiveness(m evtLiveness) {
	if e.sess == nil || m.gen != e.sess.gen {
		return
	}
	saving, ok := e.sess.state.(Saving)
	if !ok {
		return
	}

	if m.online {
		e.sess.log.appendf("minor %d observed by ranging engine", saving.Minor)
	} else {
		e.sess.log.appendf("minor %d not yet observed; saved without liveness confirmation", saving.Minor)
	}
	e.transition(Saved{Minor: saving.Minor, Online: m.online})
	e.logger.Info("sensor provisioned", "minor", saving.Minor, "online", m.online)
}

func (e *Engine) onDisconnected(m evtDisconnected) {
	if e.sess == nil || e.sess.peripheral == nil || e.sess.peripheral.ID() != m.id {
		return
	}

	e.sess.log.appendf("peripheral %s disconnected", m.id)
	e.sess.peripheral = nil

	switch e.sess.state.(type) {
	case Saving, Saved:
		// Expected: applying settings reboots the device.
	case Connecting, DiscoveringServices, Ready, Writing:
		e.stopWatchdog()
		e.fail("the sensor disconnected unexpectedly")
	}
}

func (e *Engine) onTimeout(m evtTimeout) {
	if e.sess == nil || m.gen != e.sess.gen {
		return
	}

	switch e.sess.state.(type) {
	case Connecting, DiscoveringServices, Writing:
		e.sess.log.appendf("%s timed out", m.phase)
		e.fail(fmt.Sprintf("the sensor did not respond during %s", m.phase))
	}
}

func (e *Engine) retry() error {
	if e.sess == nil {
		return errors.New("no session to retry")
	}
	if _, ok := e.sess.state.(Errored); !ok {
		return fmt.Errorf("cannot retry while %s", e.stateName())
	}

	// Discard partial state but keep the diagnostic log: one add-sensor
	// flow is one session, retries included.
	e.disconnectPeripheral()
	e.gen++
	e.sess.gen = e.gen
	e.sess.discovered = make(map[string]model.DiscoveredSensor)
	e.sess.selected = nil
	e.sess.params = Params{}
	e.transition(Scanning{})

	gen := e.sess.gen
	if err := e.central.StartScan(func(s model.DiscoveredSensor) {
		e.post(evtFound{gen: gen, sensor: s})
	}); err != nil {
		return fmt.Errorf("restart scan: %w", err)
	}
	return nil
}

func (e *Engine) cancelSession() {
	if e.sess == nil {
		return
	}

	e.stopWatchdog()
	if err := e.central.StopScan(); err != nil {
		e.logger.Warn("stop scan on cancel", "error", err)
	}
	e.disconnectPeripheral()
	e.gen++
	e.sess = nil
	e.logger.Info("provisioning session cancelled")
}

func (e *Engine) teardown() {
	e.cancelSession()
}

// disconnectPeripheral issues at most one disconnect for the active link.
func (e *Engine) disconnectPeripheral() {
	if e.sess == nil || e.sess.peripheral == nil {
		return
	}
	if err := e.sess.peripheral.Disconnect(); err != nil {
		e.logger.Warn("disconnect peripheral", "error", err)
	}
	e.sess.peripheral = nil
}

func (e *Engine) fail(message string) {
	e.disconnectPeripheral()
	e.gen++
	e.sess.gen = e.gen
	e.transition(Errored{Message: message})
}

func (e *Engine) transition(next State) {
	prev := e.stateName()
	e.sess.state = next
	e.sess.log.appendf("phase %s (from %s)", next.Name(), prev)
	e.logger.Debug("provisioning transition", "from", prev, "to", next.Name())
}

func (e *Engine) armWatchdog(d time.Duration, phase string) {
	e.stopWatchdog()
	gen := e.sess.gen
	e.sess.watchdog = time.AfterFunc(d, func() {
		e.post(evtTimeout{gen: gen, phase: phase})
	})
}

func (e *Engine) stopWatchdog() {
	if e.sess != nil && e.sess.watchdog != nil {
		e.sess.watchdog.Stop()
		e.sess.watchdog = nil
	}
}

func (e *Engine) snapshot() Snapshot {
	snap := Snapshot{State: e.stateName(), Discovered: []model.DiscoveredSensor{}}
	if e.sess == nil {
		return snap
	}

	for _, s := range e.sess.discovered {
		snap.Discovered = append(snap.Discovered, s)
	}
	sort.Slice(snap.Discovered, func(i, j int) bool {
		return snap.Discovered[i].RSSI > snap.Discovered[j].RSSI
	})

	snap.Selected = e.sess.selected
	snap.LogEntries = e.sess.log.Len()

	switch s := e.sess.state.(type) {
	case Errored:
		snap.Message = s.Message
	case Saved:
		snap.SavedMinor = s.Minor
		snap.Online = s.Online
		if s.Online {
			snap.Message = "sensor is online"
		} else {
			snap.Message = "sensor saved"
		}
	}
	return snap
}
