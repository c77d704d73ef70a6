package webhook

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"roomsense/go-beacon-hub/internal/model"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func samplePayload() model.WebhookPayload {
	return model.WebhookPayload{
		Event:       "enter",
		BeaconMinor: 12,
		RoomName:    "Kitchen",
		Proximity:   "near",
		RSSI:        -67,
		Timestamp:   "2026-08-31T10:00:00Z",
		DeviceID:    "hub-01",
		Source:      "ranging",
	}
}

func TestSendSignsBody(t *testing.T) {
	const secret = "s3cret"

	var gotBody []byte
	var gotSignature string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var err error
		gotBody, err = io.ReadAll(r.Body)
		if err != nil {
			t.Errorf("read body: %v", err)
		}
		gotSignature = r.Header.Get(SignatureHeader)
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	status, err := NewSender(testLogger()).Send(context.Background(), samplePayload(), srv.URL, secret)
	if err != nil {
		t.Fatalf("send: %v", err)
	}
	if status != http.StatusOK {
		t.Errorf("status = %d, want 200", status)
	}

	// Recompute the MAC independently so the signing convention is pinned.
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(gotBody)
	want := "sha256=" + hex.EncodeToString(mac.Sum(nil))
	if gotSignature != want {
		t.Errorf("signature = %s, want %s", gotSignature, want)
	}
	if !VerifySignature(gotBody, secret, gotSignature) {
		t.Error("VerifySignature rejected a valid signature")
	}
	if VerifySignature(gotBody, "wrong", gotSignature) {
		t.Error("VerifySignature accepted a bad secret")
	}

	var decoded model.WebhookPayload
	if err := json.Unmarshal(gotBody, &decoded); err != nil {
		t.Fatalf("decode body: %v", err)
	}
	if decoded.Event != "enter" || decoded.BeaconMinor != 12 {
		t.Errorf("body mismatch: %+v", decoded)
	}
}

func TestSendOmitsSignatureWithoutSecret(t *testing.T) {
	var header string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		header = r.Header.Get(SignatureHeader)
		w.WriteHeader(http.StatusNoContent)
	}))
	defer srv.Close()

	if _, err := NewSender(testLogger()).Send(context.Background(), samplePayload(), srv.URL, ""); err != nil {
		t.Fatalf("send: %v", err)
	}
	if header != "" {
		t.Errorf("unexpected signature header on unsigned request: %q", header)
	}
}

func TestSendClassifiesStatusFailure(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer srv.Close()

	status, err := NewSender(testLogger()).Send(context.Background(), samplePayload(), srv.URL, "s")
	var delivErr *DeliveryError
	if !errors.As(err, &delivErr) {
		t.Fatalf("expected DeliveryError, got %v", err)
	}
	if delivErr.Kind != FailureStatus || delivErr.Status != http.StatusBadGateway || status != http.StatusBadGateway {
		t.Errorf("got kind=%s status=%d, want status failure 502", delivErr.Kind, delivErr.Status)
	}
}

func TestSendClassifiesNetworkFailure(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	srv.Close() // refuse connections

	_, err := NewSender(testLogger()).Send(context.Background(), samplePayload(), srv.URL, "s")
	var delivErr *DeliveryError
	if !errors.As(err, &delivErr) {
		t.Fatalf("expected DeliveryError, got %v", err)
	}
	if delivErr.Kind != FailureNetwork {
		t.Errorf("kind = %s, want network", delivErr.Kind)
	}
}

func TestSendRejectsInvalidURLBeforeIO(t *testing.T) {
	for _, raw := range []string{"", "not a url", "ftp://example.com/hook", "https://"} {
		_, err := NewSender(testLogger()).Send(context.Background(), samplePayload(), raw, "s")
		if !errors.Is(err, ErrInvalidURL) {
			t.Errorf("Send(%q): expected ErrInvalidURL, got %v", raw, err)
		}
	}
}

func TestBuildPayload(t *testing.T) {
	dwell := 95
	ev := model.BeaconEvent{
		Type:            model.EventExit,
		Minor:           7,
		Proximity:       model.ProximityFar,
		RSSI:            -82,
		DistanceMeters:  4.2,
		DurationSeconds: &dwell,
		Timestamp:       time.Date(2026, 8, 31, 10, 0, 0, 0, time.UTC),
		Source:          "ranging",
	}

	payload := BuildPayload(ev, "Office", "hub-01")
	if payload.Event != "exit" || payload.BeaconMinor != 7 || payload.RoomName != "Office" {
		t.Errorf("payload fields wrong: %+v", payload)
	}
	if payload.DurationSeconds == nil || *payload.DurationSeconds != 95 {
		t.Errorf("duration = %v, want 95", payload.DurationSeconds)
	}
	if payload.DistanceMeters == nil || *payload.DistanceMeters != 4.2 {
		t.Errorf("distance = %v, want 4.2", payload.DistanceMeters)
	}
	if payload.Timestamp != "2026-08-31T10:00:00Z" {
		t.Errorf("timestamp = %s", payload.Timestamp)
	}

	// Sentinel RSSI carries no distance at all.
	ev.RSSI = 0
	ev.DistanceMeters = 0
	ev.DurationSeconds = nil
	payload = BuildPayload(ev, "", "hub-01")
	if payload.DistanceMeters != nil {
		t.Errorf("expected nil distance for sentinel reading, got %v", payload.DistanceMeters)
	}
	if payload.DurationSeconds != nil {
		t.Errorf("expected nil duration, got %v", payload.DurationSeconds)
	}
}
