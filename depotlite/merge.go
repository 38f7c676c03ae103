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

// PullOnce fetches pages of changes past the local watermark and merges them
// until the server reports a complete window. Each page is merged and its
// watermark advanced in one local transaction, so a crash between pages loses
// nothing: the next pull resumes from the last durable watermark.
func (c *Client) PullOnce(ctx context.Context) error {
	for {
		since, err := c.Watermark(ctx)
		if err != nil {
			return err
		}

		resp, err := c.sendPullRequest(ctx, since, c.config.PullLimit)
		if err != nil {
			return err
		}

		if err := c.mergePage(ctx, resp); err != nil {
			return err
		}

		if !resp.Partial {
			return nil
		}
	}
}

func (c *Client) mergePage(ctx context.Context, resp *depotsync.PullResponse) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	tx, err := c.DB.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	if err := c.mergeReferenceData(ctx, tx, resp); err != nil {
		return err
	}
	for i := range resp.Transactions {
		if err := c.mergeTransaction(ctx, tx, &resp.Transactions[i]); err != nil {
			return err
		}
	}
	if err := c.advanceWatermarkInTx(ctx, tx, resp.WindowLatest); err != nil {
		return err
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit merge page: %w", err)
	}
	return nil
}

// mergeReferenceData upserts materials, locations and prices. The server is
// authoritative for these; a newer-or-equal incoming version always wins.
func (c *Client) mergeReferenceData(ctx context.Context, tx *sql.Tx, resp *depotsync.PullResponse) error {
	for _, m := range resp.Materials {
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO materials (id, name, category, last_modified)
			VALUES (?, ?, ?, ?)
			ON CONFLICT(id) DO UPDATE SET
				name = excluded.name,
				category = excluded.category,
				last_modified = excluded.last_modified
			WHERE excluded.last_modified >= materials.last_modified
		`, m.ID, m.Name, m.Category, formatTime(m.LastModified)); err != nil {
			return fmt.Errorf("failed to merge material %s: %w", m.ID, err)
		}
	}

	for _, l := range resp.Locations {
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO locations (id, name, region, last_modified)
			VALUES (?, ?, ?, ?)
			ON CONFLICT(id) DO UPDATE SET
				name = excluded.name,
				region = excluded.region,
				last_modified = excluded.last_modified
			WHERE excluded.last_modified >= locations.last_modified
		`, l.ID, l.Name, l.Region, formatTime(l.LastModified)); err != nil {
			return fmt.Errorf("failed to merge location %s: %w", l.ID, err)
		}
	}

	for _, p := range resp.Prices {
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO prices (id, material_id, location_id, price_per_kg, effective_from, last_modified)
			VALUES (?, ?, ?, ?, ?, ?)
			ON CONFLICT(id) DO UPDATE SET
				material_id = excluded.material_id,
				location_id = excluded.location_id,
				price_per_kg = excluded.price_per_kg,
				effective_from = excluded.effective_from,
				last_modified = excluded.last_modified
			WHERE excluded.last_modified >= prices.last_modified
		`, p.ID, p.MaterialID, p.LocationID, p.PricePerKg,
			formatTime(p.EffectiveFrom), formatTime(p.LastModified)); err != nil {
			return fmt.Errorf("failed to merge price %s: %w", p.ID, err)
		}
	}

	return nil
}

// mergeTransaction applies one pulled transaction. Local unsynced edits take
// precedence: an incoming record never overwrites a row the server has not
// acknowledged.
func (c *Client) mergeTransaction(ctx context.Context, tx *sql.Tx, incoming *depotsync.TransactionRecord) error {
	// Already known by canonical identity?
	var localID, state string
	err := tx.QueryRowContext(ctx, `
		SELECT local_id, sync_state FROM transactions WHERE server_id = ?
	`, incoming.ServerID).Scan(&localID, &state)
	switch {
	case err == nil:
		if state != depotsync.StateSynced {
			// Local changes pending; leave the row alone.
			return nil
		}
		_, err = tx.ExecContext(ctx, `
			UPDATE transactions
			SET device_id = ?, location_id = ?, material_id = ?, source_type = ?,
			    weight_kg = ?, unit_price = ?, total_amount = ?,
			    payment_method = ?, payment_ref = ?, notes = ?,
			    occurred_at = ?, last_modified = ?
			WHERE local_id = ? AND last_modified <= ?
		`, incoming.DeviceID, incoming.LocationID, incoming.MaterialID, incoming.SourceType,
			incoming.WeightKg, incoming.UnitPrice, incoming.TotalAmount,
			incoming.PaymentMethod, incoming.PaymentRef, incoming.Notes,
			formatTime(incoming.OccurredAt), formatTime(incoming.LastModified),
			localID, formatTime(incoming.LastModified))
		if err != nil {
			return fmt.Errorf("failed to update synced transaction %s: %w", localID, err)
		}
		return nil
	case !errors.Is(err, sql.ErrNoRows):
		return fmt.Errorf("failed to look up transaction by server id: %w", err)
	}

	// Unknown server ID. If an unacknowledged local row carries the same
	// fingerprint this is our own record coming back early; the push phase
	// will reconcile it, so skip the insert.
	fp := depotsync.FingerprintRecord(incoming, c.config.StrongFingerprints)
	var n int
	err = tx.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM transactions WHERE fingerprint = ? AND sync_state != ?
	`, fp, depotsync.StateSynced).Scan(&n)
	if err != nil {
		return fmt.Errorf("failed to check fingerprint: %w", err)
	}
	if n > 0 {
		return nil
	}

	_, err = tx.ExecContext(ctx, `
		INSERT INTO transactions (
			local_id, server_id, fingerprint, device_id, location_id, material_id,
			source_type, weight_kg, unit_price, total_amount,
			payment_method, payment_ref, notes, occurred_at, last_modified, sync_state
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, uuid.New().String(), incoming.ServerID, fp, incoming.DeviceID,
		incoming.LocationID, incoming.MaterialID, incoming.SourceType,
		incoming.WeightKg, incoming.UnitPrice, incoming.TotalAmount,
		incoming.PaymentMethod, incoming.PaymentRef, incoming.Notes,
		formatTime(incoming.OccurredAt), formatTime(incoming.LastModified),
		depotsync.StateSynced)
	if err != nil {
		return fmt.Errorf("failed to insert pulled transaction %s: %w", incoming.ServerID, err)
	}
	return nil
}

// Material returns a reference material by ID, or nil if unknown.
func (c *Client) Material(ctx context.Context, id string) (*depotsync.Material, error) {
	var m depotsync.Material
	var lastModified string
	err := c.DB.QueryRowContext(ctx, `
		SELECT id, name, category, last_modified FROM materials WHERE id = ?
	`, id).Scan(&m.ID, &m.Name, &m.Category, &lastModified)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load material %s: %w", id, err)
	}
	if m.LastModified, err = parseTime(lastModified); err != nil {
		return nil, err
	}
	return &m, nil
}

// CurrentPrice returns the newest effective price for a material at a
// location, falling back to the location-agnostic rate. Returns nil when no
// price is known.
func (c *Client) CurrentPrice(ctx context.Context, materialID, locationID string, at time.Time) (*depotsync.Price, error) {
	var p depotsync.Price
	var effectiveFrom, lastModified string
	err := c.DB.QueryRowContext(ctx, `
		SELECT id, material_id, location_id, price_per_kg, effective_from, last_modified
		FROM prices
		WHERE material_id = ? AND location_id IN (?, '') AND effective_from <= ?
		ORDER BY location_id DESC, effective_from DESC
		LIMIT 1
	`, materialID, locationID, formatTime(at)).Scan(
		&p.ID, &p.MaterialID, &p.LocationID, &p.PricePerKg, &effectiveFrom, &lastModified)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load price: %w", err)
	}
	if p.EffectiveFrom, err = parseTime(effectiveFrom); err != nil {
		return nil, err
	}
	if p.LastModified, err = parseTime(lastModified); err != nil {
		return nil, err
	}
	return &p, nil
}
