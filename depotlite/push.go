package depotlite

import (
	"context"
	"fmt"

	"github.com/fieldops/depotsync/depotsync"
)

// PushOnce drains the outbox: it lists every unacknowledged transaction once,
// sends it to the server in batches, and applies the per-record outcomes.
// Rejected records return to the outbox and wait for correction; they are not
// retried within the cycle, so a bad record cannot wedge the drain.
func (c *Client) PushOnce(ctx context.Context) error {
	if err := c.recoverStalePending(ctx); err != nil {
		return err
	}

	recs, err := c.ListUnsynced(ctx)
	if err != nil {
		return err
	}
	if len(recs) == 0 {
		return nil
	}

	for start := 0; start < len(recs); start += c.config.PushLimit {
		end := start + c.config.PushLimit
		if end > len(recs) {
			end = len(recs)
		}
		if err := c.pushBatch(ctx, recs[start:end]); err != nil {
			return err
		}
	}
	return nil
}

func (c *Client) pushBatch(ctx context.Context, batch []depotsync.TransactionRecord) error {
	localIDs := make([]string, len(batch))
	for i := range batch {
		localIDs[i] = batch[i].LocalID
	}

	if err := c.markBatchPending(ctx, localIDs); err != nil {
		return err
	}

	resp, err := c.sendPushRequest(ctx, batch)
	if err != nil {
		// The server may or may not have processed the batch. Return it to
		// the outbox; a re-push of already-accepted records converges via
		// the duplicate outcome.
		if revertErr := c.revertBatchToLocal(ctx, localIDs); revertErr != nil {
			return fmt.Errorf("push failed (%w) and batch revert failed: %v", err, revertErr)
		}
		return err
	}

	return c.applyPushResponse(ctx, resp)
}

// applyPushResponse commits every outcome of a push batch in one local
// transaction, so a crash leaves either the whole batch acknowledged or none
// of it.
func (c *Client) applyPushResponse(ctx context.Context, resp *depotsync.PushResponse) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	tx, err := c.DB.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	for _, acc := range resp.Accepted {
		if err := c.markSyncedInTx(ctx, tx, acc.LocalID, acc.ServerID, acc.LastModified); err != nil {
			return err
		}
	}

	for _, dup := range resp.Duplicates {
		canonical := dup.CanonicalRecord
		if err := c.markConflictedInTx(ctx, tx, dup.LocalID, &canonical); err != nil {
			return err
		}
		c.logger.Info("Adopted canonical record for duplicate",
			"local_id", dup.LocalID, "server_id", canonical.ServerID)
	}

	for _, rej := range resp.Rejected {
		if _, err := tx.ExecContext(ctx, `
			UPDATE transactions SET sync_state = ? WHERE local_id = ?
		`, depotsync.StateLocal, rej.LocalID); err != nil {
			return fmt.Errorf("failed to return rejected record %s to outbox: %w", rej.LocalID, err)
		}
		c.logger.Warn("Server rejected record",
			"local_id", rej.LocalID, "reason", rej.Reason, "message", rej.Message)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit push outcomes: %w", err)
	}
	return nil
}
