// beacon-sim drives a synthetic beacon through enter/dwell/exit cycles and
// posts the resulting events to a webhook endpoint, exercising the full
// ranging and delivery path without BLE hardware.
package main

import (
	"context"
	"flag"
	"log"
	"log/slog"
	"math/rand"
	"os"
	"os/signal"
	"syscall"
	"time"

	"roomsense/go-beacon-hub/internal/model"
	"roomsense/go-beacon-hub/internal/ranging"
	"roomsense/go-beacon-hub/internal/webhook"
)

func main() {
	target := flag.String("target", "http://localhost:9000/webhook", "Webhook URL to deliver events to")
	secret := flag.String("secret", "", "Shared secret for HMAC signing (empty = unsigned)")
	minor := flag.Int("minor", 12, "Simulated beacon minor value")
	room := flag.String("room", "Living Room", "Room name attached to events")
	deviceID := flag.String("device-id", "beacon-sim", "Device identifier reported in payloads")
	baseRSSI := flag.Int("base-rssi", -60, "Baseline RSSI value to simulate")
	rssiJitter := flag.Int("rssi-jitter", 6, "Maximum random jitter applied to RSSI readings")
	interval := flag.Duration("interval", 1*time.Second, "Interval between simulated samples")
	dwell := flag.Duration("dwell", 10*time.Second, "How long the beacon stays present per cycle")
	gap := flag.Duration("gap", 5*time.Second, "How long the beacon stays absent between cycles")
	cycles := flag.Int("cycles", 3, "Number of enter/exit cycles to simulate (0 = until interrupted)")

	flag.Parse()

	logger := slog.New(slog.NewTextHandler(os.Stdout, nil))
	sender := webhook.NewSender(logger)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	scanner := &simScanner{
		minor:    uint16(*minor),
		baseRSSI: *baseRSSI,
		jitter:   *rssiJitter,
		interval: *interval,
		dwell:    *dwell,
		gap:      *gap,
		cycles:   *cycles,
	}

	done := make(chan struct{})

	engine := ranging.New(scanner, logger, ranging.WithInterval(*interval*2))
	engine.SetConsumer(func(ev model.BeaconEvent) {
		payload := webhook.BuildPayload(ev, *room, *deviceID)
		sendCtx, cancel := context.WithTimeout(ctx, 15*time.Second)
		defer cancel()

		status, err := sender.Send(sendCtx, payload, *target, *secret)
		if err != nil {
			log.Printf("delivery failed: %v", err)
			return
		}
		log.Printf("delivered %s minor=%d status=%d", payload.Event, payload.BeaconMinor, status)
	}, func(err error) {
		log.Printf("monitor error: %v", err)
	})

	scanner.onDone = func() {
		// Let the final exit expire before shutting down.
		time.Sleep(*interval * 3)
		close(done)
	}

	if err := engine.StartMonitoring(ctx); err != nil {
		log.Fatalf("failed to start: %v", err)
	}

	select {
	case <-ctx.Done():
		log.Print("received shutdown signal")
	case <-done:
		log.Print("simulation complete")
	}
	engine.StopMonitoring()
}

// simScanner feeds synthetic iBeacon samples: present during dwell windows,
// silent during gaps.
type simScanner struct {
	minor    uint16
	baseRSSI int
	jitter   int
	interval time.Duration
	dwell    time.Duration
	gap      time.Duration
	cycles   int
	onDone   func()
}

func (s *simScanner) Run(ctx context.Context, onSample func(ranging.Sample)) error {
	defer func() {
		if s.onDone != nil {
			s.onDone()
		}
	}()

	for cycle := 0; s.cycles == 0 || cycle < s.cycles; cycle++ {
		dwellEnd := time.Now().Add(s.dwell)
		for time.Now().Before(dwellEnd) {
			rssi := randomRSSI(s.baseRSSI, s.jitter)
			onSample(ranging.Sample{
				Minor:          s.minor,
				RSSI:           rssi,
				Proximity:      model.ProximityNear,
				DistanceMeters: 1.5,
			})
			select {
			case <-ctx.Done():
				return nil
			case <-time.After(s.interval):
			}
		}

		select {
		case <-ctx.Done():
			return nil
		case <-time.After(s.gap):
		}
	}
	return nil
}

func randomRSSI(base, jitter int) int {
	if jitter <= 0 {
		return base
	}
	delta := rand.Intn(jitter*2+1) - jitter
	return base + delta
}
