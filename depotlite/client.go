// Package depotlite is the client side of the depot synchronization protocol:
// a durable SQLite record store with an append-only transaction log, an
// outbox of unacknowledged entries, and a coordinator that reconciles the
// local log with the authoritative server in push-then-pull cycles.
package depotlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	_ "github.com/mattn/go-sqlite3"
)

// Client owns the local SQLite database and the sync transport.
type Client struct {
	DB       *sql.DB
	BaseURL  string
	Token    func(context.Context) (string, error) // returns a bearer JWT
	DeviceID string
	HTTP     *http.Client
	config   *Config
	logger   *slog.Logger
	writeMu  sync.Mutex // serialize writes to avoid SQLite lock contention
}

// Config holds configuration for the sync client.
type Config struct {
	PushLimit    int           // records per push request, e.g. 200
	PullLimit    int           // per-type records per pull request, e.g. 500
	SyncInterval time.Duration // periodic trigger for the coordinator

	// StrongFingerprints must match the server's setting.
	StrongFingerprints bool
}

// DefaultConfig returns the stock client configuration.
func DefaultConfig() *Config {
	return &Config{
		PushLimit:    200,
		PullLimit:    500,
		SyncInterval: 30 * time.Second,
	}
}

// NewClient creates a sync client over an open SQLite handle and bootstraps
// the local schema.
func NewClient(db *sql.DB, baseURL, deviceID string, tok func(ctx context.Context) (string, error), config *Config, logger *slog.Logger) (*Client, error) {
	if config == nil {
		config = DefaultConfig()
	}
	if deviceID == "" {
		return nil, errors.New("deviceID must be provided")
	}
	if logger == nil {
		logger = slog.Default()
	}

	if err := initializeDatabase(db, deviceID); err != nil {
		return nil, fmt.Errorf("failed to initialize database: %w", err)
	}

	return &Client{
		DB:       db,
		BaseURL:  baseURL,
		Token:    tok,
		DeviceID: deviceID,
		HTTP:     &http.Client{Timeout: 60 * time.Second},
		config:   config,
		logger:   logger,
	}, nil
}

// EnsureDeviceID returns the persisted device ID for this installation,
// generating and storing one on first use.
func EnsureDeviceID(db *sql.DB) (string, error) {
	if err := createSchema(db); err != nil {
		return "", err
	}

	var deviceID string
	err := db.QueryRow(`SELECT device_id FROM sync_client_info LIMIT 1`).Scan(&deviceID)
	if errors.Is(err, sql.ErrNoRows) {
		deviceID = uuid.New().String()
		_, err = db.Exec(`INSERT INTO sync_client_info (device_id, watermark, last_sync_at) VALUES (?, '', '')`, deviceID)
		if err != nil {
			return "", fmt.Errorf("failed to insert client info: %w", err)
		}
	} else if err != nil {
		return "", fmt.Errorf("failed to query client info: %w", err)
	}
	return deviceID, nil
}

func initializeDatabase(db *sql.DB, deviceID string) error {
	if _, err := db.Exec(`PRAGMA journal_mode=WAL`); err != nil {
		return fmt.Errorf("failed to enable WAL mode: %w", err)
	}
	if _, err := db.Exec(`PRAGMA foreign_keys=ON`); err != nil {
		return fmt.Errorf("failed to enable foreign keys: %w", err)
	}

	if err := createSchema(db); err != nil {
		return err
	}

	// One row per installation.
	_, err := db.Exec(`
		INSERT INTO sync_client_info (device_id, watermark, last_sync_at)
		VALUES (?, '', '')
		ON CONFLICT(device_id) DO NOTHING
	`, deviceID)
	if err != nil {
		return fmt.Errorf("failed to seed client info: %w", err)
	}

	return nil
}

func createSchema(db *sql.DB) error {
	tables := []string{
		`CREATE TABLE IF NOT EXISTS sync_client_info (
			device_id    TEXT PRIMARY KEY,
			watermark    TEXT NOT NULL DEFAULT '',
			last_sync_at TEXT NOT NULL DEFAULT ''
		)`,

		// Append-only local transaction log. sync_state is client-only;
		// rowid provides the stable creation order the outbox drains in.
		`CREATE TABLE IF NOT EXISTS transactions (
			local_id       TEXT PRIMARY KEY,
			server_id      TEXT,
			fingerprint    TEXT NOT NULL,
			device_id      TEXT NOT NULL,
			location_id    TEXT NOT NULL,
			material_id    TEXT NOT NULL,
			source_type    TEXT NOT NULL,
			weight_kg      REAL NOT NULL,
			unit_price     REAL NOT NULL,
			total_amount   REAL NOT NULL,
			payment_method TEXT NOT NULL DEFAULT '',
			payment_ref    TEXT NOT NULL DEFAULT '',
			notes          TEXT NOT NULL DEFAULT '',
			occurred_at    TEXT NOT NULL,
			last_modified  TEXT NOT NULL,
			sync_state     TEXT NOT NULL CHECK (sync_state IN ('local','pending','synced','conflicted'))
		)`,

		`CREATE UNIQUE INDEX IF NOT EXISTS idx_transactions_server_id
			ON transactions (server_id) WHERE server_id IS NOT NULL`,
		`CREATE INDEX IF NOT EXISTS idx_transactions_sync_state ON transactions (sync_state)`,
		`CREATE INDEX IF NOT EXISTS idx_transactions_fingerprint ON transactions (fingerprint)`,

		`CREATE TABLE IF NOT EXISTS materials (
			id            TEXT PRIMARY KEY,
			name          TEXT NOT NULL,
			category      TEXT NOT NULL DEFAULT '',
			last_modified TEXT NOT NULL
		)`,

		`CREATE TABLE IF NOT EXISTS locations (
			id            TEXT PRIMARY KEY,
			name          TEXT NOT NULL,
			region        TEXT NOT NULL DEFAULT '',
			last_modified TEXT NOT NULL
		)`,

		`CREATE TABLE IF NOT EXISTS prices (
			id             TEXT PRIMARY KEY,
			material_id    TEXT NOT NULL,
			location_id    TEXT NOT NULL DEFAULT '',
			price_per_kg   REAL NOT NULL,
			effective_from TEXT NOT NULL,
			last_modified  TEXT NOT NULL
		)`,
	}

	for _, table := range tables {
		if _, err := db.Exec(table); err != nil {
			return fmt.Errorf("failed to create sync table: %w", err)
		}
	}
	return nil
}

// formatTime renders a timestamp in the canonical storage form. The fraction
// is fixed-width so lexical order on stored strings equals chronological
// order; the merge SQL compares these strings directly. Zero times render as
// the empty string.
func formatTime(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return t.UTC().Format("2006-01-02T15:04:05.000000000Z07:00")
}

// parseTime is the inverse of formatTime.
func parseTime(s string) (time.Time, error) {
	if s == "" {
		return time.Time{}, nil
	}
	t, err := time.Parse(time.RFC3339Nano, s)
	if err != nil {
		return time.Time{}, fmt.Errorf("failed to parse stored timestamp %q: %w", s, err)
	}
	return t, nil
}
