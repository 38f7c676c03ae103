package depotlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/fieldops/depotsync/depotsync"
)

// ErrServerIDMismatch signals that a local record was already acknowledged
// under a different canonical identity. This should never happen in a healthy
// deployment and indicates a fingerprint collision or server-side data loss.
var ErrServerIDMismatch = errors.New("record already synced under a different server id")

// Append inserts a new transaction into the local log in state Local.
// Storage errors propagate; the record is never silently dropped.
func (c *Client) Append(ctx context.Context, rec *depotsync.TransactionRecord) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	if rec.LocalID == "" {
		rec.LocalID = uuid.New().String()
	}
	if rec.DeviceID == "" {
		rec.DeviceID = c.DeviceID
	}
	rec.SyncState = depotsync.StateLocal
	if rec.LastModified.IsZero() {
		rec.LastModified = time.Now().UTC()
	}

	fp := depotsync.FingerprintRecord(rec, c.config.StrongFingerprints)

	_, err := c.DB.ExecContext(ctx, `
		INSERT INTO transactions (
			local_id, server_id, fingerprint, device_id, location_id, material_id,
			source_type, weight_kg, unit_price, total_amount,
			payment_method, payment_ref, notes, occurred_at, last_modified, sync_state
		) VALUES (?, NULL, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, rec.LocalID, fp, rec.DeviceID, rec.LocationID, rec.MaterialID,
		rec.SourceType, rec.WeightKg, rec.UnitPrice, rec.TotalAmount,
		rec.PaymentMethod, rec.PaymentRef, rec.Notes,
		formatTime(rec.OccurredAt), formatTime(rec.LastModified), rec.SyncState)
	if err != nil {
		return fmt.Errorf("failed to append transaction: %w", err)
	}
	return nil
}

// MarkSynced records the server's acceptance of a local record. It is
// idempotent: repeating the call with the same server ID is a no-op, while a
// different server ID for an already-synced record is an error.
func (c *Client) MarkSynced(ctx context.Context, localID, serverID string, lastModified time.Time) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	tx, err := c.DB.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	if err := c.markSyncedInTx(ctx, tx, localID, serverID, lastModified); err != nil {
		return err
	}
	return tx.Commit()
}

func (c *Client) markSyncedInTx(ctx context.Context, tx *sql.Tx, localID, serverID string, lastModified time.Time) error {
	var existingServerID sql.NullString
	var state string
	err := tx.QueryRowContext(ctx, `
		SELECT server_id, sync_state FROM transactions WHERE local_id = ?
	`, localID).Scan(&existingServerID, &state)
	if err != nil {
		return fmt.Errorf("failed to load transaction %s: %w", localID, err)
	}

	if state == depotsync.StateSynced {
		if existingServerID.Valid && existingServerID.String == serverID {
			return nil
		}
		return fmt.Errorf("%w: local_id=%s have=%s got=%s",
			ErrServerIDMismatch, localID, existingServerID.String, serverID)
	}

	_, err = tx.ExecContext(ctx, `
		UPDATE transactions
		SET server_id = ?, sync_state = ?, last_modified = ?
		WHERE local_id = ?
	`, serverID, depotsync.StateSynced, formatTime(lastModified), localID)
	if err != nil {
		return fmt.Errorf("failed to mark transaction synced: %w", err)
	}
	return nil
}

// MarkConflicted resolves a duplicate outcome by adopting the server's
// canonical record. The local copy's business fields are overwritten and the
// record ends in state Synced; the losing version is not retained.
func (c *Client) MarkConflicted(ctx context.Context, localID string, canonical *depotsync.TransactionRecord) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	tx, err := c.DB.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	if err := c.markConflictedInTx(ctx, tx, localID, canonical); err != nil {
		return err
	}
	return tx.Commit()
}

func (c *Client) markConflictedInTx(ctx context.Context, tx *sql.Tx, localID string, canonical *depotsync.TransactionRecord) error {
	res, err := tx.ExecContext(ctx, `
		UPDATE transactions
		SET server_id = ?, device_id = ?, location_id = ?, material_id = ?,
		    source_type = ?, weight_kg = ?, unit_price = ?, total_amount = ?,
		    payment_method = ?, payment_ref = ?, notes = ?, occurred_at = ?,
		    last_modified = ?, sync_state = ?
		WHERE local_id = ?
	`, canonical.ServerID, canonical.DeviceID, canonical.LocationID, canonical.MaterialID,
		canonical.SourceType, canonical.WeightKg, canonical.UnitPrice, canonical.TotalAmount,
		canonical.PaymentMethod, canonical.PaymentRef, canonical.Notes,
		formatTime(canonical.OccurredAt), formatTime(canonical.LastModified),
		depotsync.StateSynced, localID)
	if err != nil {
		return fmt.Errorf("failed to adopt canonical record: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to read rows affected: %w", err)
	}
	if n == 0 {
		return fmt.Errorf("transaction %s not found", localID)
	}
	return nil
}

// GetTransaction loads a single transaction by local ID.
func (c *Client) GetTransaction(ctx context.Context, localID string) (*depotsync.TransactionRecord, error) {
	row := c.DB.QueryRowContext(ctx, `
		SELECT local_id, server_id, device_id, location_id, material_id,
		       source_type, weight_kg, unit_price, total_amount,
		       payment_method, payment_ref, notes, occurred_at, last_modified, sync_state
		FROM transactions WHERE local_id = ?
	`, localID)
	rec, err := scanTransaction(row)
	if err != nil {
		return nil, fmt.Errorf("failed to load transaction %s: %w", localID, err)
	}
	return rec, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanTransaction(row rowScanner) (*depotsync.TransactionRecord, error) {
	var rec depotsync.TransactionRecord
	var serverID sql.NullString
	var occurredAt, lastModified string
	if err := row.Scan(
		&rec.LocalID, &serverID, &rec.DeviceID, &rec.LocationID, &rec.MaterialID,
		&rec.SourceType, &rec.WeightKg, &rec.UnitPrice, &rec.TotalAmount,
		&rec.PaymentMethod, &rec.PaymentRef, &rec.Notes,
		&occurredAt, &lastModified, &rec.SyncState,
	); err != nil {
		return nil, err
	}
	if serverID.Valid {
		rec.ServerID = serverID.String
	}
	var err error
	if rec.OccurredAt, err = parseTime(occurredAt); err != nil {
		return nil, err
	}
	if rec.LastModified, err = parseTime(lastModified); err != nil {
		return nil, err
	}
	return &rec, nil
}

// Watermark returns the persisted sync watermark for this installation.
func (c *Client) Watermark(ctx context.Context) (time.Time, error) {
	var raw string
	err := c.DB.QueryRowContext(ctx, `
		SELECT watermark FROM sync_client_info WHERE device_id = ?
	`, c.DeviceID).Scan(&raw)
	if err != nil {
		return time.Time{}, fmt.Errorf("failed to read watermark: %w", err)
	}
	return parseTime(raw)
}

// advanceWatermarkInTx moves the watermark forward, never backward.
func (c *Client) advanceWatermarkInTx(ctx context.Context, tx *sql.Tx, to time.Time) error {
	if to.IsZero() {
		return nil
	}
	current, err := c.watermarkInTx(ctx, tx)
	if err != nil {
		return err
	}
	if !to.After(current) {
		return nil
	}
	_, err = tx.ExecContext(ctx, `
		UPDATE sync_client_info SET watermark = ? WHERE device_id = ?
	`, formatTime(to), c.DeviceID)
	if err != nil {
		return fmt.Errorf("failed to advance watermark: %w", err)
	}
	return nil
}

func (c *Client) watermarkInTx(ctx context.Context, tx *sql.Tx) (time.Time, error) {
	var raw string
	err := tx.QueryRowContext(ctx, `
		SELECT watermark FROM sync_client_info WHERE device_id = ?
	`, c.DeviceID).Scan(&raw)
	if err != nil {
		return time.Time{}, fmt.Errorf("failed to read watermark: %w", err)
	}
	return parseTime(raw)
}

// markLastSync records the completion time of a successful cycle.
func (c *Client) markLastSync(ctx context.Context, at time.Time) error {
	_, err := c.DB.ExecContext(ctx, `
		UPDATE sync_client_info SET last_sync_at = ? WHERE device_id = ?
	`, formatTime(at), c.DeviceID)
	if err != nil {
		return fmt.Errorf("failed to record last sync time: %w", err)
	}
	return nil
}
