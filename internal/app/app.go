package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/grandcat/zeroconf"

	"roomsense/go-beacon-hub/internal/ble"
	"roomsense/go-beacon-hub/internal/config"
	"roomsense/go-beacon-hub/internal/model"
	"roomsense/go-beacon-hub/internal/provisioning"
	"roomsense/go-beacon-hub/internal/ranging"
	"roomsense/go-beacon-hub/internal/store"
	"roomsense/go-beacon-hub/internal/webhook"
)

// App wires together the beacon hub services and manages their lifecycle.
type App struct {
	cfg    config.Config
	logger *slog.Logger

	store   *store.Store
	central ble.Central
	prov    *provisioning.Engine
	ranger  *ranging.Engine
	sender  *webhook.Sender
	queue   *webhook.Queue
	mdns    *zeroconf.Server

	inactiveMu sync.Mutex
	inactive   map[uint16]struct{}
}

// New constructs a new application instance.
func New(cfg config.Config, logger *slog.Logger) *App {
	return &App{cfg: cfg, logger: logger}
}

// Run starts all configured services and blocks until the context is cancelled or an error occurs.
func (a *App) Run(ctx context.Context) error {
	db, err := store.Open(a.cfg.DatabasePath)
	if err != nil {
		return err
	}
	a.store = db

	if err := a.store.InitSchema(ctx); err != nil {
		return err
	}

	defer func() {
		if cerr := a.store.Close(); cerr != nil {
			a.logger.Error("close store", "error", cerr)
		}
	}()

	central, err := ble.NewTinyGoCentral(a.cfg.BLEAdapter, a.logger)
	if err != nil {
		return err
	}
	a.central = central

	a.sender = webhook.NewSender(a.logger)
	a.queue = webhook.NewQueue(a.store, a.sender, a.logger)

	spaceUUID, err := a.store.IdentifierSpace(ctx, a.cfg.BeaconUUID)
	if err != nil {
		return err
	}

	scanner := &ibeaconSource{inner: ble.NewIBeaconScanner(a.cfg.BLEAdapter, spaceUUID, a.cfg.BeaconMajor, a.logger)}
	a.ranger = ranging.New(scanner, a.logger,
		ranging.WithInterval(a.cfg.RangingInterval),
		ranging.WithAuthorization(a.authorization),
		ranging.WithMinorFilter(a.minorAccepted),
	)
	a.ranger.SetConsumer(a.handleBeaconEvent(ctx), a.handleMonitorError)

	a.prov = provisioning.New(central, a.store, a.ranger.Present, a.logger)
	provDone := make(chan struct{})
	provCtx, stopProv := context.WithCancel(ctx)
	defer stopProv()
	go func() {
		defer close(provDone)
		_ = a.prov.Run(provCtx)
	}()

	if err := a.startMonitoring(ctx); err != nil {
		// An unusable radio should not keep the control surface down; the
		// operator can remediate and restart monitoring over the API.
		a.logger.Warn("monitoring not started", "error", err)
	}

	if err := a.startMDNS(a.cfg.HTTPPort); err != nil {
		a.logger.Warn("mDNS advertisement failed", "error", err)
	}
	defer a.stopMDNS()

	httpErrCh := make(chan error, 1)

	httpServer := &http.Server{
		Addr:    fmt.Sprintf(":%d", a.cfg.HTTPPort),
		Handler: a.routes(),
	}

	go func() {
		a.logger.Info("http server started", "addr", httpServer.Addr)
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			httpErrCh <- fmt.Errorf("http server: %w", err)
		}
	}()

	for {
		select {
		case <-ctx.Done():
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()

			if err := httpServer.Shutdown(shutdownCtx); err != nil {
				return fmt.Errorf("http server shutdown: %w", err)
			}
			a.logger.Info("http server stopped")

			a.ranger.StopMonitoring()
			stopProv()
			<-provDone
			a.logger.Info("engines stopped")
			return nil
		case err := <-httpErrCh:
			if err != nil {
				a.ranger.StopMonitoring()
				return err
			}
		}
	}
}

// startMonitoring begins ranging and opportunistically drains whatever the
// queue accumulated while the hub was down or offline. The deactivated-minor
// set is reloaded here so a monitoring restart picks up activation changes.
func (a *App) startMonitoring(ctx context.Context) error {
	a.reloadInactiveMinors(ctx)

	if err := a.ranger.StartMonitoring(ctx); err != nil {
		return err
	}

	if a.cfg.WebhookSecret != "" || a.cfg.WebhookURL != "" {
		go func() {
			delivered, err := a.queue.RetryPending(ctx, a.cfg.WebhookSecret)
			if err != nil {
				a.logger.Warn("queue drain stopped", "delivered", delivered, "error", err)
				return
			}
			if delivered > 0 {
				a.logger.Info("queue drained", "delivered", delivered)
			}
		}()
	}
	return nil
}

// authorization maps the radio's enable state onto the monitoring
// authorization model. An unauthorized adapter is terminal until the
// operator grants access.
func (a *App) authorization() ranging.Authorization {
	err := a.central.Enable()
	switch {
	case err == nil:
		return ranging.AuthorizationAuthorized
	case errors.Is(err, ble.ErrRadioUnauthorized):
		return ranging.AuthorizationDenied
	default:
		return ranging.AuthorizationNotDetermined
	}
}

// reloadInactiveMinors refreshes the set of beacons the operator deactivated.
func (a *App) reloadInactiveMinors(ctx context.Context) {
	loadCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()

	inactive := make(map[uint16]struct{})
	configs, err := a.store.ListBeacons(loadCtx)
	if err != nil {
		a.logger.Warn("could not load beacon configs for filtering", "error", err)
	}
	for _, cfg := range configs {
		if !cfg.IsActive {
			inactive[cfg.Minor] = struct{}{}
		}
	}

	a.inactiveMu.Lock()
	a.inactive = inactive
	a.inactiveMu.Unlock()
}

// minorAccepted suppresses events for deactivated beacons. Unknown minors
// pass: third-party hardware sharing the identifier space is ranged too.
func (a *App) minorAccepted(minor uint16) bool {
	a.inactiveMu.Lock()
	defer a.inactiveMu.Unlock()
	_, off := a.inactive[minor]
	return !off
}

// handleBeaconEvent is the single registered ranging consumer: it resolves
// the room, builds the signed payload, attempts direct delivery, and parks
// failures in the durable queue.
func (a *App) handleBeaconEvent(ctx context.Context) func(model.BeaconEvent) {
	return func(ev model.BeaconEvent) {
		a.logger.Info("beacon event",
			"type", ev.Type,
			"minor", ev.Minor,
			"proximity", ev.Proximity,
			"rssi", ev.RSSI,
		)

		if a.cfg.WebhookURL == "" {
			return
		}

		roomName := ""
		resolveCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
		cfg, err := a.store.BeaconByMinor(resolveCtx, ev.Minor)
		cancel()
		if err == nil {
			roomName = cfg.RoomName
		} else if !errors.Is(err, store.ErrNotFound) {
			a.logger.Warn("room resolution failed", "minor", ev.Minor, "error", err)
		}

		payload := webhook.BuildPayload(ev, roomName, a.cfg.DeviceID)

		sendCtx, cancel := context.WithTimeout(ctx, 15*time.Second)
		defer cancel()

		if _, err := a.sender.Send(sendCtx, payload, a.cfg.WebhookURL, a.cfg.WebhookSecret); err != nil {
			var deliveryErr *webhook.DeliveryError
			if !errors.As(err, &deliveryErr) {
				// Validation failure; nothing to retry.
				a.logger.Error("webhook rejected", "error", err)
				return
			}

			a.logger.Warn("webhook delivery failed, enqueueing", "event", payload.Event, "minor", payload.BeaconMinor, "error", err)
			if err := a.queue.Enqueue(ctx, payload, a.cfg.WebhookURL); err != nil {
				a.logger.Error("failed to enqueue webhook delivery", "error", err)
			}
		}
	}
}

func (a *App) handleMonitorError(err error) {
	// Reported, not retried: the engine stays down until monitoring is
	// restarted over the API.
	a.logger.Error("ranging monitor failed", "error", err)
}

// ibeaconSource adapts the iBeacon scanner to the ranging engine's sample feed.
type ibeaconSource struct {
	inner *ble.IBeaconScanner
}

func (s *ibeaconSource) Run(ctx context.Context, onSample func(ranging.Sample)) error {
	return s.inner.Run(ctx, func(adv ble.Advertisement) {
		onSample(ranging.Sample{
			Minor:          adv.Minor,
			RSSI:           adv.RSSI,
			Proximity:      ble.ProximityFor(adv.RSSI, adv.MeasuredPower),
			DistanceMeters: ble.EstimateDistance(adv.RSSI, adv.MeasuredPower),
		})
	})
}
