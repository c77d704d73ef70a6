package app

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"roomsense/go-beacon-hub/internal/config"
	"roomsense/go-beacon-hub/internal/model"
	"roomsense/go-beacon-hub/internal/ranging"
	"roomsense/go-beacon-hub/internal/store"
	"roomsense/go-beacon-hub/internal/webhook"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func setupApp(t *testing.T, cfg config.Config) *App {
	t.Helper()

	st, err := store.Open(filepath.Join(t.TempDir(), "hub.db"))
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { st.Close() })
	if err := st.InitSchema(context.Background()); err != nil {
		t.Fatalf("init schema: %v", err)
	}

	logger := testLogger()
	sender := webhook.NewSender(logger)
	return &App{
		cfg:    cfg,
		logger: logger,
		store:  st,
		sender: sender,
		queue:  webhook.NewQueue(st, sender, logger),
	}
}

// flakyEndpoint rejects deliveries with a 503 until recovered, recording the
// events it accepts.
type flakyEndpoint struct {
	mu        sync.Mutex
	rejecting bool
	accepted  []model.WebhookPayload
}

func (e *flakyEndpoint) handler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		e.mu.Lock()
		defer e.mu.Unlock()
		if e.rejecting {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		var payload model.WebhookPayload
		if err := json.NewDecoder(r.Body).Decode(&payload); err != nil {
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		e.accepted = append(e.accepted, payload)
		w.WriteHeader(http.StatusOK)
	}
}

func (e *flakyEndpoint) setRejecting(v bool) {
	e.mu.Lock()
	e.rejecting = v
	e.mu.Unlock()
}

func (e *flakyEndpoint) deliveries() []model.WebhookPayload {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]model.WebhookPayload(nil), e.accepted...)
}

func TestBeaconEventDeliveryWithRecovery(t *testing.T) {
	endpoint := &flakyEndpoint{}
	endpoint.setRejecting(true)
	srv := httptest.NewServer(endpoint.handler())
	defer srv.Close()

	a := setupApp(t, config.Config{
		DeviceID:      "hub-test",
		WebhookURL:    srv.URL,
		WebhookSecret: "s3cret",
	})
	ctx := context.Background()

	if _, err := a.store.UpsertBeacon(ctx, model.BeaconConfig{Minor: 12, RoomName: "Kitchen", IsActive: true}); err != nil {
		t.Fatalf("seed beacon: %v", err)
	}

	consume := a.handleBeaconEvent(ctx)

	// The endpoint is down: the enter event parks in the durable queue.
	consume(model.BeaconEvent{
		Type:      model.EventEnter,
		Minor:     12,
		Proximity: model.ProximityNear,
		RSSI:      -67,
		Source:    "ranging",
		Timestamp: time.Now().UTC(),
	})
	if n, _ := a.store.QueueLength(ctx); n != 1 {
		t.Fatalf("queue length = %d, want 1 after failed direct send", n)
	}

	// The endpoint recovers: the exit delivers directly, bypassing the queue.
	endpoint.setRejecting(false)
	dwell := 95
	consume(model.BeaconEvent{
		Type:            model.EventExit,
		Minor:           12,
		Proximity:       model.ProximityUnknown,
		DurationSeconds: &dwell,
		Source:          "ranging",
		Timestamp:       time.Now().UTC(),
	})
	if n, _ := a.store.QueueLength(ctx); n != 1 {
		t.Fatalf("queue length = %d, want 1 after direct exit delivery", n)
	}

	// A drain delivers the parked enter.
	delivered, err := a.queue.RetryPending(ctx, a.cfg.WebhookSecret)
	if err != nil {
		t.Fatalf("retry: %v", err)
	}
	if delivered != 1 {
		t.Errorf("delivered = %d, want 1", delivered)
	}
	if n, _ := a.store.QueueLength(ctx); n != 0 {
		t.Errorf("queue length = %d, want 0 after drain", n)
	}

	got := endpoint.deliveries()
	if len(got) != 2 || got[0].Event != "exit" || got[1].Event != "enter" {
		t.Fatalf("deliveries = %+v, want direct exit then queued enter", got)
	}
	for _, payload := range got {
		if payload.RoomName != "Kitchen" {
			t.Errorf("room_name = %q, want Kitchen", payload.RoomName)
		}
		if payload.DeviceID != "hub-test" {
			t.Errorf("device_id = %q", payload.DeviceID)
		}
	}
	if got[0].DurationSeconds == nil || *got[0].DurationSeconds != 95 {
		t.Errorf("exit duration = %v, want 95", got[0].DurationSeconds)
	}
}

func TestBeaconEventValidationFailureIsNotEnqueued(t *testing.T) {
	a := setupApp(t, config.Config{
		DeviceID:   "hub-test",
		WebhookURL: "not a url",
	})
	ctx := context.Background()

	a.handleBeaconEvent(ctx)(model.BeaconEvent{
		Type:      model.EventEnter,
		Minor:     5,
		Proximity: model.ProximityNear,
		RSSI:      -70,
		Source:    "ranging",
		Timestamp: time.Now().UTC(),
	})

	if n, _ := a.store.QueueLength(ctx); n != 0 {
		t.Errorf("queue length = %d; invalid targets are dropped, never enqueued", n)
	}
}

// idleScanner blocks until the monitoring session ends.
type idleScanner struct{}

func (idleScanner) Run(ctx context.Context, onSample func(ranging.Sample)) error {
	<-ctx.Done()
	return nil
}

func TestMonitoringRestartReloadsMinorFilter(t *testing.T) {
	a := setupApp(t, config.Config{DeviceID: "hub-test"})
	ctx := context.Background()

	if _, err := a.store.UpsertBeacon(ctx, model.BeaconConfig{Minor: 40, RoomName: "Garage", IsActive: false}); err != nil {
		t.Fatalf("seed beacon: %v", err)
	}

	a.ranger = ranging.New(idleScanner{}, a.logger, ranging.WithMinorFilter(a.minorAccepted))
	a.ranger.SetConsumer(func(model.BeaconEvent) {}, nil)

	if err := a.startMonitoring(ctx); err != nil {
		t.Fatalf("start monitoring: %v", err)
	}
	if a.minorAccepted(40) {
		t.Error("deactivated minor 40 must be filtered")
	}
	if !a.minorAccepted(41) {
		t.Error("unknown minor 41 must pass the filter")
	}

	// The operator reactivates the beacon and restarts monitoring.
	if err := a.store.SetBeaconActive(ctx, 40, true); err != nil {
		t.Fatalf("activate beacon: %v", err)
	}
	a.ranger.StopMonitoring()
	if err := a.startMonitoring(ctx); err != nil {
		t.Fatalf("restart monitoring: %v", err)
	}
	defer a.ranger.StopMonitoring()

	if !a.minorAccepted(40) {
		t.Error("reactivated minor 40 must pass after a monitoring restart")
	}
}
