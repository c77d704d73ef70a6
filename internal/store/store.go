package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"

	"roomsense/go-beacon-hub/internal/model"

	_ "modernc.org/sqlite"
)

// schemaVersion is bumped on any incompatible layout change.
const schemaVersion = 1

var (
	// ErrInvalidMinor marks a minor value outside 1..65535.
	ErrInvalidMinor = errors.New("minor must be between 1 and 65535")
	// ErrDuplicateMinor marks an insert that would reuse an existing minor.
	ErrDuplicateMinor = errors.New("minor value already configured")
	// ErrNotFound marks a lookup for an unknown beacon.
	ErrNotFound = errors.New("beacon not found")
)

// Store wraps the SQLite database holding beacon configuration, the shared
// identifier space, and the pending webhook queue. A single connection
// serializes writers so provisioning and manual edits cannot race.
type Store struct {
	db *sql.DB
}

// Open initializes the database connection, creating directories as needed.
func Open(path string) (*Store, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create db directory: %w", err)
	}

	dsn := fmt.Sprintf("file:%s?_pragma=foreign_keys(ON)", path)

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}

	db.SetMaxOpenConns(1)
	db.SetConnMaxLifetime(0)
	db.SetConnMaxIdleTime(5 * time.Minute)

	return &Store{db: db}, nil
}

// Close releases the underlying database handle.
func (s *Store) Close() error {
	if s.db == nil {
		return nil
	}
	return s.db.Close()
}

// InitSchema ensures baseline tables exist and the stored schema version is
// one this build understands.
func (s *Store) InitSchema(ctx context.Context) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS beacon_configs (
			id TEXT PRIMARY KEY,
			minor INTEGER NOT NULL UNIQUE,
			room_name TEXT NOT NULL,
			is_active INTEGER NOT NULL DEFAULT 1,
			created_at TEXT NOT NULL DEFAULT (strftime('%Y-%m-%dT%H:%M:%fZ', 'now')),
			updated_at TEXT NOT NULL DEFAULT (strftime('%Y-%m-%dT%H:%M:%fZ', 'now'))
		);`,
		`CREATE TABLE IF NOT EXISTS app_config (
			key TEXT PRIMARY KEY,
			value TEXT NOT NULL,
			updated_at TEXT NOT NULL DEFAULT (strftime('%Y-%m-%dT%H:%M:%fZ', 'now'))
		);`,
		`CREATE TABLE IF NOT EXISTS webhook_queue (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			payload TEXT NOT NULL,
			target_url TEXT NOT NULL,
			enqueued_at TEXT NOT NULL DEFAULT (strftime('%Y-%m-%dT%H:%M:%fZ', 'now')),
			attempt_count INTEGER NOT NULL DEFAULT 0
		);`,
	}

	for _, stmt := range stmts {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("init schema: %w", err)
		}
	}

	return s.checkSchemaVersion(ctx)
}

func (s *Store) checkSchemaVersion(ctx context.Context) error {
	var raw string
	err := s.db.QueryRowContext(ctx, `SELECT value FROM app_config WHERE key = 'schema_version';`).Scan(&raw)
	if errors.Is(err, sql.ErrNoRows) {
		return s.UpsertAppConfig(ctx, "schema_version", fmt.Sprintf("%d", schemaVersion))
	}
	if err != nil {
		return fmt.Errorf("read schema version: %w", err)
	}

	var stored int
	if _, err := fmt.Sscanf(raw, "%d", &stored); err != nil {
		return fmt.Errorf("parse schema version %q: %w", raw, err)
	}
	if stored > schemaVersion {
		return fmt.Errorf("database schema version %d is newer than supported version %d", stored, schemaVersion)
	}
	return nil
}

// DB exposes the underlying sql.DB for callers that need raw access.
func (s *Store) DB() *sql.DB {
	return s.db
}

// ValidateMinor rejects minor values outside the iBeacon 16-bit range.
// Zero is excluded so an unset field can never collide with a real beacon.
func ValidateMinor(minor int) error {
	if minor < 1 || minor > 65535 {
		return ErrInvalidMinor
	}
	return nil
}

// UpsertBeacon inserts or replaces the configuration for one beacon. A new
// entry with a minor already claimed by a different beacon is rejected.
func (s *Store) UpsertBeacon(ctx context.Context, cfg model.BeaconConfig) (model.BeaconConfig, error) {
	if s.db == nil {
		return model.BeaconConfig{}, fmt.Errorf("store not initialized")
	}
	if err := ValidateMinor(int(cfg.Minor)); err != nil {
		return model.BeaconConfig{}, err
	}
	if cfg.ID == "" {
		cfg.ID = uuid.NewString()
	}

	var existingID string
	err := s.db.QueryRowContext(ctx, `SELECT id FROM beacon_configs WHERE minor = ?;`, cfg.Minor).Scan(&existingID)
	if err != nil && !errors.Is(err, sql.ErrNoRows) {
		return model.BeaconConfig{}, fmt.Errorf("check minor: %w", err)
	}
	if err == nil && existingID != cfg.ID {
		return model.BeaconConfig{}, ErrDuplicateMinor
	}

	now := time.Now().UTC()
	_, err = s.db.ExecContext(
		ctx,
		`INSERT INTO beacon_configs (id, minor, room_name, is_active, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?)
		 ON CONFLICT(id)
		 DO UPDATE SET minor = excluded.minor,
				 room_name = excluded.room_name,
				 is_active = excluded.is_active,
				 updated_at = excluded.updated_at;`,
		cfg.ID,
		cfg.Minor,
		cfg.RoomName,
		boolToInt(cfg.IsActive),
		now.Format(time.RFC3339Nano),
		now.Format(time.RFC3339Nano),
	)
	if err != nil {
		return model.BeaconConfig{}, fmt.Errorf("upsert beacon config: %w", err)
	}

	return s.BeaconByMinor(ctx, cfg.Minor)
}

// BeaconByMinor resolves one beacon by its minor value.
func (s *Store) BeaconByMinor(ctx context.Context, minor uint16) (model.BeaconConfig, error) {
	if s.db == nil {
		return model.BeaconConfig{}, fmt.Errorf("store not initialized")
	}

	row := s.db.QueryRowContext(
		ctx,
		`SELECT id, minor, room_name, is_active, created_at, updated_at FROM beacon_configs WHERE minor = ?;`,
		minor,
	)
	cfg, err := scanBeacon(row)
	if errors.Is(err, sql.ErrNoRows) {
		return model.BeaconConfig{}, ErrNotFound
	}
	if err != nil {
		return model.BeaconConfig{}, fmt.Errorf("get beacon config: %w", err)
	}
	return cfg, nil
}

// ListBeacons returns every configured beacon ordered by minor.
func (s *Store) ListBeacons(ctx context.Context) ([]model.BeaconConfig, error) {
	if s.db == nil {
		return nil, fmt.Errorf("store not initialized")
	}

	rows, err := s.db.QueryContext(
		ctx,
		`SELECT id, minor, room_name, is_active, created_at, updated_at FROM beacon_configs ORDER BY minor ASC;`,
	)
	if err != nil {
		return nil, fmt.Errorf("query beacon configs: %w", err)
	}
	defer rows.Close()

	var configs []model.BeaconConfig
	for rows.Next() {
		cfg, err := scanBeacon(rows)
		if err != nil {
			return nil, fmt.Errorf("scan beacon config: %w", err)
		}
		configs = append(configs, cfg)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate beacon configs: %w", err)
	}

	return configs, nil
}

// RenameBeacon updates the room label for a minor.
func (s *Store) RenameBeacon(ctx context.Context, minor uint16, roomName string) error {
	return s.updateBeacon(ctx, minor, `UPDATE beacon_configs SET room_name = ?, updated_at = ? WHERE minor = ?;`, roomName)
}

// SetBeaconActive flips the active flag for a minor.
func (s *Store) SetBeaconActive(ctx context.Context, minor uint16, active bool) error {
	return s.updateBeacon(ctx, minor, `UPDATE beacon_configs SET is_active = ?, updated_at = ? WHERE minor = ?;`, boolToInt(active))
}

func (s *Store) updateBeacon(ctx context.Context, minor uint16, query string, value any) error {
	if s.db == nil {
		return fmt.Errorf("store not initialized")
	}

	res, err := s.db.ExecContext(ctx, query, value, time.Now().UTC().Format(time.RFC3339Nano), minor)
	if err != nil {
		return fmt.Errorf("update beacon config: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("update beacon config: %w", err)
	}
	if affected == 0 {
		return ErrNotFound
	}
	return nil
}

// RemoveBeacon deletes the configuration for a minor.
func (s *Store) RemoveBeacon(ctx context.Context, minor uint16) error {
	if s.db == nil {
		return fmt.Errorf("store not initialized")
	}

	res, err := s.db.ExecContext(ctx, `DELETE FROM beacon_configs WHERE minor = ?;`, minor)
	if err != nil {
		return fmt.Errorf("remove beacon config: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("remove beacon config: %w", err)
	}
	if affected == 0 {
		return ErrNotFound
	}
	return nil
}

const identifierSpaceKey = "identifier_space"

// IdentifierSpace returns the shared beacon UUID string, or fallback when unset.
func (s *Store) IdentifierSpace(ctx context.Context, fallback string) (string, error) {
	if s.db == nil {
		return "", fmt.Errorf("store not initialized")
	}

	var raw string
	err := s.db.QueryRowContext(ctx, `SELECT value FROM app_config WHERE key = ?;`, identifierSpaceKey).Scan(&raw)
	if errors.Is(err, sql.ErrNoRows) {
		return fallback, nil
	}
	if err != nil {
		return "", fmt.Errorf("get identifier space: %w", err)
	}
	return raw, nil
}

// SetIdentifierSpace persists the shared beacon UUID string.
func (s *Store) SetIdentifierSpace(ctx context.Context, value string) error {
	if _, err := uuid.Parse(value); err != nil {
		return fmt.Errorf("invalid identifier space: %w", err)
	}
	return s.UpsertAppConfig(ctx, identifierSpaceKey, value)
}

// UpsertAppConfig stores or updates a configuration key/value pair.
func (s *Store) UpsertAppConfig(ctx context.Context, key, value string) error {
	if s.db == nil {
		return fmt.Errorf("store not initialized")
	}

	_, err := s.db.ExecContext(
		ctx,
		`INSERT INTO app_config (key, value, updated_at) VALUES (?, ?, strftime('%Y-%m-%dT%H:%M:%fZ', 'now'))
		 ON CONFLICT(key) DO UPDATE SET value = excluded.value, updated_at = excluded.updated_at;`,
		key,
		value,
	)
	if err != nil {
		return fmt.Errorf("upsert app config: %w", err)
	}
	return nil
}

// EnqueueDelivery appends a failed delivery to the tail of the durable queue.
func (s *Store) EnqueueDelivery(ctx context.Context, payload model.WebhookPayload, targetURL string) error {
	if s.db == nil {
		return fmt.Errorf("store not initialized")
	}

	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("encode pending payload: %w", err)
	}

	_, err = s.db.ExecContext(
		ctx,
		`INSERT INTO webhook_queue (payload, target_url, enqueued_at) VALUES (?, ?, ?);`,
		string(body),
		targetURL,
		time.Now().UTC().Format(time.RFC3339Nano),
	)
	if err != nil {
		return fmt.Errorf("enqueue delivery: %w", err)
	}
	return nil
}

// HeadDelivery returns the oldest pending delivery, or (nil, nil) when the
// queue is empty.
func (s *Store) HeadDelivery(ctx context.Context) (*model.PendingWebhookDelivery, error) {
	if s.db == nil {
		return nil, fmt.Errorf("store not initialized")
	}

	row := s.db.QueryRowContext(
		ctx,
		`SELECT id, payload, target_url, enqueued_at, attempt_count FROM webhook_queue ORDER BY id ASC LIMIT 1;`,
	)

	pending, err := scanDelivery(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("head delivery: %w", err)
	}
	return &pending, nil
}

// ListDeliveries returns the queue contents in FIFO order.
func (s *Store) ListDeliveries(ctx context.Context) ([]model.PendingWebhookDelivery, error) {
	if s.db == nil {
		return nil, fmt.Errorf("store not initialized")
	}

	rows, err := s.db.QueryContext(
		ctx,
		`SELECT id, payload, target_url, enqueued_at, attempt_count FROM webhook_queue ORDER BY id ASC;`,
	)
	if err != nil {
		return nil, fmt.Errorf("query webhook queue: %w", err)
	}
	defer rows.Close()

	var pending []model.PendingWebhookDelivery
	for rows.Next() {
		entry, err := scanDelivery(rows)
		if err != nil {
			return nil, fmt.Errorf("scan pending delivery: %w", err)
		}
		pending = append(pending, entry)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate webhook queue: %w", err)
	}

	return pending, nil
}

// DeleteDelivery removes a delivered entry from the queue.
func (s *Store) DeleteDelivery(ctx context.Context, id int64) error {
	if s.db == nil {
		return fmt.Errorf("store not initialized")
	}

	if _, err := s.db.ExecContext(ctx, `DELETE FROM webhook_queue WHERE id = ?;`, id); err != nil {
		return fmt.Errorf("delete delivery: %w", err)
	}
	return nil
}

// IncrementDeliveryAttempts bumps the attempt counter after a failed retry.
func (s *Store) IncrementDeliveryAttempts(ctx context.Context, id int64) error {
	if s.db == nil {
		return fmt.Errorf("store not initialized")
	}

	if _, err := s.db.ExecContext(ctx, `UPDATE webhook_queue SET attempt_count = attempt_count + 1 WHERE id = ?;`, id); err != nil {
		return fmt.Errorf("increment delivery attempts: %w", err)
	}
	return nil
}

// QueueLength reports the number of pending deliveries.
func (s *Store) QueueLength(ctx context.Context) (int, error) {
	if s.db == nil {
		return 0, fmt.Errorf("store not initialized")
	}

	var n int
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM webhook_queue;`).Scan(&n); err != nil {
		return 0, fmt.Errorf("count webhook queue: %w", err)
	}
	return n, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanBeacon(row rowScanner) (model.BeaconConfig, error) {
	var (
		id           string
		minor        int
		roomName     string
		isActive     int
		createdAtStr string
		updatedAtStr string
	)

	if err := row.Scan(&id, &minor, &roomName, &isActive, &createdAtStr, &updatedAtStr); err != nil {
		return model.BeaconConfig{}, err
	}

	return model.BeaconConfig{
		ID:        id,
		Minor:     uint16(minor),
		RoomName:  roomName,
		IsActive:  isActive != 0,
		CreatedAt: parseStoredTime(createdAtStr),
		UpdatedAt: parseStoredTime(updatedAtStr),
	}, nil
}

func scanDelivery(row rowScanner) (model.PendingWebhookDelivery, error) {
	var (
		id            int64
		payloadRaw    string
		targetURL     string
		enqueuedAtStr string
		attemptCount  int
	)

	if err := row.Scan(&id, &payloadRaw, &targetURL, &enqueuedAtStr, &attemptCount); err != nil {
		return model.PendingWebhookDelivery{}, err
	}

	var payload model.WebhookPayload
	if err := json.Unmarshal([]byte(payloadRaw), &payload); err != nil {
		return model.PendingWebhookDelivery{}, fmt.Errorf("decode pending payload: %w", err)
	}

	return model.PendingWebhookDelivery{
		ID:           id,
		Payload:      payload,
		TargetURL:    targetURL,
		EnqueuedAt:   parseStoredTime(enqueuedAtStr),
		AttemptCount: attemptCount,
	}, nil
}

func parseStoredTime(raw string) time.Time {
	t, err := time.Parse(time.RFC3339Nano, raw)
	if err != nil {
		t, _ = time.Parse("2006-01-02T15:04:05Z07:00", raw)
	}
	return t
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
