// Package ranging converts continuous proximity samples into discrete,
// deduplicated enter/exit events with dwell time.
package ranging

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"roomsense/go-beacon-hub/internal/model"
)

// Authorization mirrors the platform location/radio permission state.
type Authorization int

const (
	AuthorizationNotDetermined Authorization = iota
	AuthorizationAuthorized
	AuthorizationDenied
	AuthorizationRestricted
)

func (a Authorization) String() string {
	switch a {
	case AuthorizationNotDetermined:
		return "not_determined"
	case AuthorizationAuthorized:
		return "authorized"
	case AuthorizationDenied:
		return "denied"
	case AuthorizationRestricted:
		return "restricted"
	default:
		return "unknown"
	}
}

// AuthorizationError is terminal: monitoring cannot start until the operator
// remediates the permission externally. It is never retried automatically.
type AuthorizationError struct {
	Status Authorization
}

func (e *AuthorizationError) Error() string {
	return fmt.Sprintf("monitoring authorization %s; grant bluetooth/location access and restart monitoring", e.Status)
}

// ErrAlreadyMonitoring is returned by StartMonitoring while a session runs.
var ErrAlreadyMonitoring = errors.New("monitoring already running")

// ErrNoConsumer is returned when no event handler was registered.
var ErrNoConsumer = errors.New("no event consumer registered")

// Sample is one proximity observation for a minor within the identifier
// space. Exit marks an explicit out-of-range signal from the scanner rather
// than a proximity reading.
type Sample struct {
	Minor          uint16
	RSSI           int
	Proximity      model.Proximity
	DistanceMeters float64
	Exit           bool
}

// Scanner feeds raw samples to the engine until the context is cancelled.
// onSample may fire on any goroutine; the engine serializes internally.
type Scanner interface {
	Run(ctx context.Context, onSample func(Sample)) error
}

// Option tunes an Engine.
type Option func(*Engine)

// WithInterval sets the ranging cycle length.
func WithInterval(d time.Duration) Option {
	return func(e *Engine) { e.interval = d }
}

// WithAuthorization sets the permission probe consulted on start.
func WithAuthorization(fn func() Authorization) Option {
	return func(e *Engine) { e.authorize = fn }
}

// WithClock overrides the time source.
func WithClock(fn func() time.Time) Option {
	return func(e *Engine) { e.now = fn }
}

// WithMinorFilter suppresses events for minors the filter rejects
// (deactivated beacons). Unknown minors pass by default: third-party
// hardware sharing the identifier space is ranged too.
func WithMinorFilter(fn func(uint16) bool) Option {
	return func(e *Engine) { e.accept = fn }
}

type presence struct {
	enteredAt time.Time
	lastSeen  time.Time
}

type presentQuery struct {
	reply chan []uint16
}

// Engine keeps the per-minor present set and emits enter/exit transitions to
// exactly one registered consumer. All state lives on the run loop goroutine;
// samples and queries reach it through channels.
type Engine struct {
	scanner   Scanner
	logger    *slog.Logger
	interval  time.Duration
	authorize func() Authorization
	accept    func(uint16) bool
	now       func() time.Time

	onEvent        func(model.BeaconEvent)
	onMonitorError func(error)

	mu      sync.Mutex
	running bool
	cancel  context.CancelFunc
	done    chan struct{}

	samples chan Sample
	queries chan presentQuery
}

// New constructs an engine over the given scanner.
func New(scanner Scanner, logger *slog.Logger, opts ...Option) *Engine {
	e := &Engine{
		scanner:   scanner,
		logger:    logger,
		interval:  2 * time.Second,
		authorize: func() Authorization { return AuthorizationAuthorized },
		accept:    func(uint16) bool { return true },
		now:       func() time.Time { return time.Now().UTC() },
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// SetConsumer registers the single event consumer. Must be called before
// StartMonitoring; replacing the consumer mid-session is not supported.
func (e *Engine) SetConsumer(onEvent func(model.BeaconEvent), onMonitorError func(error)) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.onEvent = onEvent
	e.onMonitorError = onMonitorError
}

// StartMonitoring begins ranging the identifier space. Denied or restricted
// authorization fails immediately with an AuthorizationError.
func (e *Engine) StartMonitoring(ctx context.Context) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.running {
		return ErrAlreadyMonitoring
	}
	if e.onEvent == nil {
		return ErrNoConsumer
	}

	switch status := e.authorize(); status {
	case AuthorizationDenied, AuthorizationRestricted:
		return &AuthorizationError{Status: status}
	}

	runCtx, cancel := context.WithCancel(ctx)
	e.cancel = cancel
	e.done = make(chan struct{})
	e.samples = make(chan Sample, 64)
	e.queries = make(chan presentQuery)
	e.running = true

	go e.runScanner(runCtx)
	go e.loop(runCtx)

	return nil
}

// StopMonitoring halts ranging. Minors still present are dropped without an
// exit event; a dismissed consumer receives nothing further. Idempotent.
func (e *Engine) StopMonitoring() {
	e.mu.Lock()
	cancel := e.cancel
	done := e.done
	e.cancel = nil
	e.running = false
	e.mu.Unlock()

	if cancel == nil {
		return
	}
	cancel()
	<-done
}

// Running reports whether a monitoring session is active.
func (e *Engine) Running() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.running
}

// PresentMinors returns the minors currently in the present set.
func (e *Engine) PresentMinors() []uint16 {
	e.mu.Lock()
	running := e.running
	queries := e.queries
	done := e.done
	e.mu.Unlock()

	if !running {
		return nil
	}

	q := presentQuery{reply: make(chan []uint16, 1)}
	select {
	case queries <- q:
		return <-q.reply
	case <-done:
		return nil
	}
}

// Present reports whether one minor is currently in the present set.
func (e *Engine) Present(minor uint16) bool {
	for _, m := range e.PresentMinors() {
		if m == minor {
			return true
		}
	}
	return false
}

func (e *Engine) runScanner(ctx context.Context) {
	err := e.scanner.Run(ctx, func(s Sample) {
		select {
		case e.samples <- s:
		case <-ctx.Done():
		}
	})
	if err != nil && ctx.Err() == nil {
		e.reportMonitorError(err)
		// The engine does not self-heal; the caller restarts monitoring.
		e.mu.Lock()
		cancel := e.cancel
		e.cancel = nil
		e.running = false
		e.mu.Unlock()
		if cancel != nil {
			cancel()
		}
	}
}

func (e *Engine) reportMonitorError(err error) {
	e.mu.Lock()
	fn := e.onMonitorError
	e.mu.Unlock()

	e.logger.Error("monitoring failed", "error", err)
	if fn != nil {
		fn(err)
	}
}

func (e *Engine) loop(ctx context.Context) {
	defer close(e.done)

	present := make(map[uint16]*presence)

	ticker := time.NewTicker(e.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return

		case s := <-e.samples:
			e.handleSample(present, s)

		case <-ticker.C:
			e.expireAbsent(present)

		case q := <-e.queries:
			minors := make([]uint16, 0, len(present))
			for minor := range present {
				minors = append(minors, minor)
			}
			q.reply <- minors
		}
	}
}

func (e *Engine) handleSample(present map[uint16]*presence, s Sample) {
	if !e.accept(s.Minor) {
		return
	}

	now := e.now()

	if s.Exit {
		ev := model.BeaconEvent{
			Type:      model.EventExit,
			Minor:     s.Minor,
			Proximity: model.ProximityUnknown,
			Source:    "ranging",
			Timestamp: now,
		}
		// No duration when the matching enter was never observed, such as
		// after a restart mid-visit.
		if p, ok := present[s.Minor]; ok {
			duration := int(now.Sub(p.enteredAt).Seconds())
			ev.DurationSeconds = &duration
			delete(present, s.Minor)
		}
		e.emit(ev)
		return
	}

	if p, ok := present[s.Minor]; ok {
		p.lastSeen = now
		return
	}

	present[s.Minor] = &presence{enteredAt: now, lastSeen: now}
	e.emit(model.BeaconEvent{
		Type:           model.EventEnter,
		Minor:          s.Minor,
		Proximity:      s.Proximity,
		RSSI:           s.RSSI,
		DistanceMeters: s.DistanceMeters,
		Source:         "ranging",
		Timestamp:      now,
	})
}

// expireAbsent emits an exit for every present minor that missed a full
// ranging cycle.
func (e *Engine) expireAbsent(present map[uint16]*presence) {
	now := e.now()
	for minor, p := range present {
		if now.Sub(p.lastSeen) < e.interval {
			continue
		}

		duration := int(now.Sub(p.enteredAt).Seconds())
		delete(present, minor)
		e.emit(model.BeaconEvent{
			Type:            model.EventExit,
			Minor:           minor,
			Proximity:       model.ProximityUnknown,
			DurationSeconds: &duration,
			Source:          "ranging",
			Timestamp:       now,
		})
	}
}

func (e *Engine) emit(ev model.BeaconEvent) {
	e.mu.Lock()
	fn := e.onEvent
	e.mu.Unlock()
	if fn != nil {
		fn(ev)
	}
}
