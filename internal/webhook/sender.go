// Package webhook delivers beacon events to the operator endpoint with
// HMAC-SHA256 authentication and a durable, order-preserving retry queue.
package webhook

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"net/url"
	"time"

	"roomsense/go-beacon-hub/internal/model"
)

// SignatureHeader carries the hex HMAC-SHA256 of the raw request body.
const SignatureHeader = "X-Beacon-Signature"

const requestTimeout = 10 * time.Second

// ErrInvalidURL marks a caller-side validation failure, rejected before any
// I/O. Invalid URLs are not enqueuable.
var ErrInvalidURL = errors.New("invalid webhook url")

// FailureKind classifies a failed delivery attempt.
type FailureKind string

const (
	FailureNetwork FailureKind = "network"
	FailureTimeout FailureKind = "timeout"
	FailureStatus  FailureKind = "status"
)

// DeliveryError is a typed delivery failure; any DeliveryError is a
// candidate for the retry queue.
type DeliveryError struct {
	Kind   FailureKind
	Status int
	cause  error
}

func (e *DeliveryError) Error() string {
	switch e.Kind {
	case FailureStatus:
		return fmt.Sprintf("webhook delivery failed: endpoint returned %d", e.Status)
	case FailureTimeout:
		return fmt.Sprintf("webhook delivery timed out: %v", e.cause)
	default:
		return fmt.Sprintf("webhook delivery failed: %v", e.cause)
	}
}

func (e *DeliveryError) Unwrap() error { return e.cause }

// Sender posts signed payloads. It performs no synchronous retry.
type Sender struct {
	client *http.Client
	logger *slog.Logger
}

// NewSender constructs a sender with the bounded request timeout.
func NewSender(logger *slog.Logger) *Sender {
	return &Sender{
		client: &http.Client{Timeout: requestTimeout},
		logger: logger,
	}
}

// Sign computes the signature header value for a serialized body.
func Sign(body []byte, secret string) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	return "sha256=" + hex.EncodeToString(mac.Sum(nil))
}

// VerifySignature checks a received signature header against the raw body.
func VerifySignature(body []byte, secret, signature string) bool {
	return hmac.Equal([]byte(Sign(body, secret)), []byte(signature))
}

// ValidateURL rejects malformed or non-HTTP target URLs.
func ValidateURL(raw string) error {
	u, err := url.Parse(raw)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidURL, err)
	}
	if (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return fmt.Errorf("%w: %q", ErrInvalidURL, raw)
	}
	return nil
}

// Send serializes the payload, signs it when a secret is configured, and
// issues a single POST. Returns the HTTP status on success or a typed
// failure. An empty secret produces an unsigned request.
func (s *Sender) Send(ctx context.Context, payload model.WebhookPayload, targetURL, secret string) (int, error) {
	if err := ValidateURL(targetURL); err != nil {
		return 0, err
	}

	body, err := json.Marshal(payload)
	if err != nil {
		return 0, fmt.Errorf("encode payload: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, targetURL, bytes.NewReader(body))
	if err != nil {
		return 0, fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if secret != "" {
		req.Header.Set(SignatureHeader, Sign(body, secret))
	}

	resp, err := s.client.Do(req)
	if err != nil {
		kind := FailureNetwork
		var netErr net.Error
		if errors.Is(err, context.DeadlineExceeded) || (errors.As(err, &netErr) && netErr.Timeout()) {
			kind = FailureTimeout
		}
		return 0, &DeliveryError{Kind: kind, cause: err}
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return resp.StatusCode, &DeliveryError{Kind: FailureStatus, Status: resp.StatusCode}
	}

	s.logger.Debug("webhook delivered", "event", payload.Event, "minor", payload.BeaconMinor, "status", resp.StatusCode)
	return resp.StatusCode, nil
}

// BuildPayload converts a beacon event into the canonical wire payload.
func BuildPayload(ev model.BeaconEvent, roomName, deviceID string) model.WebhookPayload {
	payload := model.WebhookPayload{
		Event:           string(ev.Type),
		BeaconMinor:     int(ev.Minor),
		RoomName:        roomName,
		Proximity:       string(ev.Proximity),
		RSSI:            ev.RSSI,
		DurationSeconds: ev.DurationSeconds,
		Timestamp:       ev.Timestamp.UTC().Format(time.RFC3339),
		DeviceID:        deviceID,
		Source:          ev.Source,
	}
	if ev.DistanceMeters > 0 {
		d := ev.DistanceMeters
		payload.DistanceMeters = &d
	}
	return payload
}
