package app

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"roomsense/go-beacon-hub/internal/ble"
	"roomsense/go-beacon-hub/internal/model"
	"roomsense/go-beacon-hub/internal/provisioning"
	"roomsense/go-beacon-hub/internal/ranging"
	"roomsense/go-beacon-hub/internal/store"
	"roomsense/go-beacon-hub/internal/webhook"
)

func (a *App) routes() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", a.handleHealthz)
	mux.HandleFunc("/readyz", a.handleReadyz)
	mux.HandleFunc("/api/beacons", a.handleBeacons)
	mux.HandleFunc("/api/beacons/", a.handleBeaconByMinor)
	mux.HandleFunc("/api/identifier-space", a.handleIdentifierSpace)
	mux.HandleFunc("/api/provisioning/scan", a.handleProvisioningScan)
	mux.HandleFunc("/api/provisioning/select", a.handleProvisioningSelect)
	mux.HandleFunc("/api/provisioning/provision", a.handleProvision)
	mux.HandleFunc("/api/provisioning/cancel", a.handleProvisioningCancel)
	mux.HandleFunc("/api/provisioning/retry", a.handleProvisioningRetry)
	mux.HandleFunc("/api/provisioning/session", a.handleProvisioningSession)
	mux.HandleFunc("/api/provisioning/log", a.handleProvisioningLog)
	mux.HandleFunc("/api/monitoring/start", a.handleMonitoringStart)
	mux.HandleFunc("/api/monitoring/stop", a.handleMonitoringStop)
	mux.HandleFunc("/api/monitoring/status", a.handleMonitoringStatus)
	mux.HandleFunc("/api/webhook/test", a.handleWebhookTest)
	mux.HandleFunc("/api/webhook/retry", a.handleWebhookRetry)
	mux.HandleFunc("/api/webhook/queue", a.handleWebhookQueue)

	return mux
}

func (a *App) handleHealthz(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	_, _ = w.Write([]byte(`{"status":"ok"}`))
}

func (a *App) handleReadyz(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	if a.store == nil || a.prov == nil {
		w.WriteHeader(http.StatusServiceUnavailable)
		_, _ = w.Write([]byte(`{"status":"starting"}`))
		return
	}
	_, _ = w.Write([]byte(`{"status":"ready"}`))
}

func (a *App) handleBeacons(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		a.listBeacons(w, r)
	case http.MethodPost:
		a.createBeacon(w, r)
	default:
		w.Header().Set("Allow", "GET, POST")
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
	}
}

func (a *App) listBeacons(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()

	beacons, err := a.store.ListBeacons(ctx)
	if err != nil {
		a.logger.Error("failed to list beacons", "error", err)
		http.Error(w, "failed to list beacons", http.StatusInternalServerError)
		return
	}
	if beacons == nil {
		beacons = []model.BeaconConfig{}
	}

	writeJSON(w, a, struct {
		Beacons []model.BeaconConfig `json:"beacons"`
	}{Beacons: beacons})
}

func (a *App) createBeacon(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Minor    int    `json:"minor"`
		RoomName string `json:"room_name"`
		IsActive *bool  `json:"is_active"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid payload", http.StatusBadRequest)
		return
	}

	if err := store.ValidateMinor(req.Minor); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	if strings.TrimSpace(req.RoomName) == "" {
		http.Error(w, "room_name required", http.StatusBadRequest)
		return
	}

	active := true
	if req.IsActive != nil {
		active = *req.IsActive
	}

	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()

	cfg, err := a.store.UpsertBeacon(ctx, model.BeaconConfig{
		Minor:    uint16(req.Minor),
		RoomName: strings.TrimSpace(req.RoomName),
		IsActive: active,
	})
	if errors.Is(err, store.ErrDuplicateMinor) {
		http.Error(w, err.Error(), http.StatusConflict)
		return
	}
	if err != nil {
		a.logger.Error("failed to create beacon", "error", err)
		http.Error(w, "failed to create beacon", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusCreated)
	if err := json.NewEncoder(w).Encode(cfg); err != nil {
		a.logger.Error("failed to encode response", "error", err)
	}
}

func (a *App) handleBeaconByMinor(w http.ResponseWriter, r *http.Request) {
	raw := strings.TrimPrefix(r.URL.Path, "/api/beacons/")
	minor, err := strconv.Atoi(raw)
	if err != nil || store.ValidateMinor(minor) != nil {
		http.Error(w, "invalid minor", http.StatusBadRequest)
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()

	switch r.Method {
	case http.MethodPatch:
		a.patchBeacon(ctx, w, r, uint16(minor))
	case http.MethodDelete:
		err := a.store.RemoveBeacon(ctx, uint16(minor))
		if errors.Is(err, store.ErrNotFound) {
			http.Error(w, "beacon not found", http.StatusNotFound)
			return
		}
		if err != nil {
			a.logger.Error("failed to remove beacon", "minor", minor, "error", err)
			http.Error(w, "failed to remove beacon", http.StatusInternalServerError)
			return
		}
		w.WriteHeader(http.StatusNoContent)
	default:
		w.Header().Set("Allow", "PATCH, DELETE")
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
	}
}

func (a *App) patchBeacon(ctx context.Context, w http.ResponseWriter, r *http.Request, minor uint16) {
	var req struct {
		RoomName *string `json:"room_name"`
		IsActive *bool   `json:"is_active"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid payload", http.StatusBadRequest)
		return
	}
	if req.RoomName == nil && req.IsActive == nil {
		http.Error(w, "no supported fields provided", http.StatusBadRequest)
		return
	}

	if req.RoomName != nil {
		if strings.TrimSpace(*req.RoomName) == "" {
			http.Error(w, "room_name must not be empty", http.StatusBadRequest)
			return
		}
		if err := a.store.RenameBeacon(ctx, minor, strings.TrimSpace(*req.RoomName)); err != nil {
			a.beaconUpdateError(w, minor, err)
			return
		}
	}
	if req.IsActive != nil {
		if err := a.store.SetBeaconActive(ctx, minor, *req.IsActive); err != nil {
			a.beaconUpdateError(w, minor, err)
			return
		}
	}

	cfg, err := a.store.BeaconByMinor(ctx, minor)
	if err != nil {
		a.beaconUpdateError(w, minor, err)
		return
	}
	writeJSON(w, a, cfg)
}

func (a *App) beaconUpdateError(w http.ResponseWriter, minor uint16, err error) {
	if errors.Is(err, store.ErrNotFound) {
		http.Error(w, "beacon not found", http.StatusNotFound)
		return
	}
	a.logger.Error("failed to update beacon", "minor", minor, "error", err)
	http.Error(w, "failed to update beacon", http.StatusInternalServerError)
}

func (a *App) handleIdentifierSpace(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()

	switch r.Method {
	case http.MethodGet:
		space, err := a.store.IdentifierSpace(ctx, a.cfg.BeaconUUID)
		if err != nil {
			a.logger.Error("failed to load identifier space", "error", err)
			http.Error(w, "failed to load identifier space", http.StatusInternalServerError)
			return
		}
		writeJSON(w, a, map[string]string{"uuid": space})
	case http.MethodPut:
		var req struct {
			UUID string `json:"uuid"`
		}
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			http.Error(w, "invalid payload", http.StatusBadRequest)
			return
		}
		if err := a.store.SetIdentifierSpace(ctx, req.UUID); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		// The running scanner keeps the old space; a monitoring restart
		// picks up the new one.
		writeJSON(w, a, map[string]any{"uuid": req.UUID, "requires_restart": true})
	default:
		w.Header().Set("Allow", "GET, PUT")
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
	}
}

func (a *App) handleProvisioningScan(w http.ResponseWriter, r *http.Request) {
	if !requirePost(w, r) {
		return
	}

	if err := a.prov.StartScanning(); err != nil {
		if errors.Is(err, ble.ErrRadioOff) || errors.Is(err, ble.ErrRadioUnauthorized) {
			http.Error(w, err.Error(), http.StatusServiceUnavailable)
			return
		}
		http.Error(w, err.Error(), http.StatusConflict)
		return
	}
	w.WriteHeader(http.StatusAccepted)
	_, _ = w.Write([]byte(`{"status":"scanning"}`))
}

func (a *App) handleProvisioningSelect(w http.ResponseWriter, r *http.Request) {
	if !requirePost(w, r) {
		return
	}

	var req struct {
		SensorID string `json:"sensor_id"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.SensorID == "" {
		http.Error(w, "sensor_id required", http.StatusBadRequest)
		return
	}

	if err := a.prov.Select(req.SensorID); err != nil {
		http.Error(w, err.Error(), http.StatusConflict)
		return
	}
	w.WriteHeader(http.StatusAccepted)
	_, _ = w.Write([]byte(`{"status":"connecting"}`))
}

func (a *App) handleProvision(w http.ResponseWriter, r *http.Request) {
	if !requirePost(w, r) {
		return
	}

	var req struct {
		SSID     string `json:"ssid"`
		Password string `json:"password"`
		RoomName string `json:"room_name"`
		Minor    int    `json:"minor"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid payload", http.StatusBadRequest)
		return
	}
	if err := store.ValidateMinor(req.Minor); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	err := a.prov.Provision(r.Context(), provisioning.Params{
		SSID:     req.SSID,
		Password: req.Password,
		RoomName: req.RoomName,
		Minor:    uint16(req.Minor),
	})
	if errors.Is(err, store.ErrDuplicateMinor) {
		http.Error(w, err.Error(), http.StatusConflict)
		return
	}
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	w.WriteHeader(http.StatusAccepted)
	_, _ = w.Write([]byte(`{"status":"writing"}`))
}

func (a *App) handleProvisioningCancel(w http.ResponseWriter, r *http.Request) {
	if !requirePost(w, r) {
		return
	}
	a.prov.Cancel()
	writeJSON(w, a, map[string]string{"status": "idle"})
}

func (a *App) handleProvisioningRetry(w http.ResponseWriter, r *http.Request) {
	if !requirePost(w, r) {
		return
	}
	if err := a.prov.Retry(); err != nil {
		http.Error(w, err.Error(), http.StatusConflict)
		return
	}
	w.WriteHeader(http.StatusAccepted)
	_, _ = w.Write([]byte(`{"status":"scanning"}`))
}

func (a *App) handleProvisioningSession(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.Header().Set("Allow", http.MethodGet)
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	writeJSON(w, a, a.prov.Snapshot())
}

func (a *App) handleProvisioningLog(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.Header().Set("Allow", http.MethodGet)
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.Header().Set("Content-Disposition", "attachment; filename=provisioning_session.log")
	_, _ = w.Write([]byte(a.prov.ExportLog()))
}

func (a *App) handleMonitoringStart(w http.ResponseWriter, r *http.Request) {
	if !requirePost(w, r) {
		return
	}

	err := a.startMonitoring(r.Context())
	if err == nil {
		w.WriteHeader(http.StatusAccepted)
		_, _ = w.Write([]byte(`{"status":"monitoring"}`))
		return
	}

	var authErr *ranging.AuthorizationError
	switch {
	case errors.Is(err, ranging.ErrAlreadyMonitoring):
		writeJSON(w, a, map[string]string{"status": "monitoring"})
	case errors.As(err, &authErr):
		http.Error(w, err.Error(), http.StatusServiceUnavailable)
	default:
		http.Error(w, err.Error(), http.StatusInternalServerError)
	}
}

func (a *App) handleMonitoringStop(w http.ResponseWriter, r *http.Request) {
	if !requirePost(w, r) {
		return
	}
	a.ranger.StopMonitoring()
	writeJSON(w, a, map[string]string{"status": "stopped"})
}

func (a *App) handleMonitoringStatus(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.Header().Set("Allow", http.MethodGet)
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	minors := a.ranger.PresentMinors()
	if minors == nil {
		minors = []uint16{}
	}
	writeJSON(w, a, struct {
		Running bool     `json:"running"`
		Present []uint16 `json:"present"`
	}{Running: a.ranger.Running(), Present: minors})
}

func (a *App) handleWebhookTest(w http.ResponseWriter, r *http.Request) {
	if !requirePost(w, r) {
		return
	}

	if a.cfg.WebhookURL == "" {
		http.Error(w, "no webhook url configured", http.StatusBadRequest)
		return
	}

	payload := webhook.BuildPayload(model.BeaconEvent{
		Type:      model.EventTest,
		Proximity: model.ProximityUnknown,
		Source:    "test",
		Timestamp: time.Now().UTC(),
	}, "", a.cfg.DeviceID)

	ctx, cancel := context.WithTimeout(r.Context(), 15*time.Second)
	defer cancel()

	status, err := a.sender.Send(ctx, payload, a.cfg.WebhookURL, a.cfg.WebhookSecret)
	if err != nil {
		http.Error(w, fmt.Sprintf("test delivery failed: %v", err), http.StatusBadGateway)
		return
	}
	writeJSON(w, a, map[string]int{"status": status})
}

func (a *App) handleWebhookRetry(w http.ResponseWriter, r *http.Request) {
	if !requirePost(w, r) {
		return
	}

	delivered, err := a.queue.RetryPending(r.Context(), a.cfg.WebhookSecret)
	resp := struct {
		Delivered int    `json:"delivered"`
		Stopped   string `json:"stopped,omitempty"`
	}{Delivered: delivered}
	if err != nil {
		resp.Stopped = err.Error()
	}
	writeJSON(w, a, resp)
}

func (a *App) handleWebhookQueue(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.Header().Set("Allow", http.MethodGet)
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()

	pending, err := a.queue.Pending(ctx)
	if err != nil {
		a.logger.Error("failed to load webhook queue", "error", err)
		http.Error(w, "failed to load queue", http.StatusInternalServerError)
		return
	}
	if pending == nil {
		pending = []model.PendingWebhookDelivery{}
	}
	writeJSON(w, a, struct {
		Pending []model.PendingWebhookDelivery `json:"pending"`
	}{Pending: pending})
}

func requirePost(w http.ResponseWriter, r *http.Request) bool {
	if r.Method != http.MethodPost {
		w.Header().Set("Allow", http.MethodPost)
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return false
	}
	return true
}

func writeJSON(w http.ResponseWriter, a *App, v any) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(v); err != nil {
		a.logger.Error("failed to encode response", "error", err)
	}
}
