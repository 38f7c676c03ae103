package depotlite

import (
	"context"
	"fmt"

	"github.com/fieldops/depotsync/depotsync"
)

// The outbox is a derived view over the transaction log: every entry the
// server has not acknowledged yet. Entries drain in stable creation order
// (SQLite rowid), which fixes the push batch order.

// ListUnsynced returns all transactions in state Local, oldest first.
func (c *Client) ListUnsynced(ctx context.Context) ([]depotsync.TransactionRecord, error) {
	rows, err := c.DB.QueryContext(ctx, `
		SELECT local_id, server_id, device_id, location_id, material_id,
		       source_type, weight_kg, unit_price, total_amount,
		       payment_method, payment_ref, notes, occurred_at, last_modified, sync_state
		FROM transactions
		WHERE sync_state = ?
		ORDER BY rowid
	`, depotsync.StateLocal)
	if err != nil {
		return nil, fmt.Errorf("failed to query unsynced transactions: %w", err)
	}
	defer rows.Close()

	var recs []depotsync.TransactionRecord
	for rows.Next() {
		rec, err := scanTransaction(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan unsynced transaction: %w", err)
		}
		recs = append(recs, *rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating unsynced transactions: %w", err)
	}
	return recs, nil
}

// OutboxCount returns the number of entries awaiting acknowledgment
// (states Local and Pending).
func (c *Client) OutboxCount(ctx context.Context) (int, error) {
	var n int
	err := c.DB.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM transactions WHERE sync_state IN (?, ?)
	`, depotsync.StateLocal, depotsync.StatePending).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("failed to count outbox: %w", err)
	}
	return n, nil
}

// markBatchPending flips a push batch Local -> Pending before it goes on the
// wire, so the in-flight set is visible and recoverable.
func (c *Client) markBatchPending(ctx context.Context, localIDs []string) error {
	return c.setBatchState(ctx, localIDs, depotsync.StatePending)
}

// revertBatchToLocal returns an in-flight batch to the outbox after a
// transport failure.
func (c *Client) revertBatchToLocal(ctx context.Context, localIDs []string) error {
	return c.setBatchState(ctx, localIDs, depotsync.StateLocal)
}

func (c *Client) setBatchState(ctx context.Context, localIDs []string, state string) error {
	if len(localIDs) == 0 {
		return nil
	}
	tx, err := c.DB.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	for _, id := range localIDs {
		if _, err := tx.ExecContext(ctx, `
			UPDATE transactions SET sync_state = ? WHERE local_id = ?
		`, state, id); err != nil {
			return fmt.Errorf("failed to set state for %s: %w", id, err)
		}
	}
	return tx.Commit()
}

// recoverStalePending returns Pending rows to Local. Called at the start of
// every cycle: a crash between send and acknowledgment must not strand rows
// outside the outbox. Re-pushing a record the server already accepted is
// safe; it comes back as a duplicate and converges to Synced.
func (c *Client) recoverStalePending(ctx context.Context) error {
	_, err := c.DB.ExecContext(ctx, `
		UPDATE transactions SET sync_state = ? WHERE sync_state = ?
	`, depotsync.StateLocal, depotsync.StatePending)
	if err != nil {
		return fmt.Errorf("failed to recover stale pending rows: %w", err)
	}
	return nil
}
