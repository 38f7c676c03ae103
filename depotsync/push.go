package depotsync

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
)

// ProcessPush accepts a batch of client-submitted transactions inside a
// single database transaction and returns a disjoint partition of per-record
// outcomes. Duplicate suppression rides on the unique fingerprint index, so
// concurrent batches from different devices may interleave freely.
//
// Partial batch success (some accepted, some duplicate, some rejected) is the
// expected shape, not an error. Only infrastructure failures (pool down,
// commit failure) surface as an error, in which case nothing was written.
func (s *SyncService) ProcessPush(ctx context.Context, deviceID string, req *PushRequest) (*PushResponse, error) {
	if err := s.checkClosed(); err != nil {
		return nil, err
	}

	resp := &PushResponse{
		Accepted:   []PushAccepted{},
		Duplicates: []PushDuplicate{},
		Rejected:   []PushRejected{},
	}
	if len(req.Transactions) == 0 {
		return resp, nil
	}

	if s.config.MaxPushBatchSize > 0 && len(req.Transactions) > s.config.MaxPushBatchSize {
		// Reject the whole batch so the client can shrink and retry without
		// losing records.
		for _, rec := range req.Transactions {
			resp.Rejected = append(resp.Rejected, PushRejected{
				LocalID: rec.LocalID,
				Reason:  ReasonBatchTooLarge,
				Message: fmt.Sprintf("batch too large: records=%d limit=%d", len(req.Transactions), s.config.MaxPushBatchSize),
			})
		}
		return resp, nil
	}

	totalStart := s.stageStart()
	err := pgx.BeginTxFunc(ctx, s.pool, pgx.TxOptions{}, func(tx pgx.Tx) error {
		for i := range req.Transactions {
			rec := &req.Transactions[i]

			if verr := s.validateRecord(deviceID, rec); verr != nil {
				s.logger.Warn("Push record rejected",
					"device_id", deviceID, "local_id", rec.LocalID,
					"reason", rejectionReason(verr), "error", verr)
				resp.Rejected = append(resp.Rejected, PushRejected{
					LocalID: rec.LocalID,
					Reason:  rejectionReason(verr),
					Message: verr.Error(),
				})
				continue
			}

			fp := FingerprintRecord(rec, s.config.StrongFingerprints)
			applyStart := s.stageStart()
			err := s.applyRecord(ctx, tx, i, rec, fp, resp)
			s.observeStage(ctx, MetricsOpPush, MetricsStagePushApply, applyStart, 1, err != nil)
			if err != nil {
				return err
			}
		}
		return nil
	})
	s.observeStage(ctx, MetricsOpPush, MetricsStageTotal, totalStart, len(req.Transactions), err != nil)
	if err != nil {
		return nil, fmt.Errorf("failed to process push transaction: %w", err)
	}

	s.logger.Info("Processed push batch",
		"device_id", deviceID,
		"records", len(req.Transactions),
		"accepted", len(resp.Accepted),
		"duplicates", len(resp.Duplicates),
		"rejected", len(resp.Rejected))

	return resp, nil
}

// applyRecord inserts one record under SAVEPOINT isolation so a storage
// fault rejects that record without aborting the batch. The insert is an
// atomic check-and-insert: ON CONFLICT on the fingerprint index decides
// accepted vs duplicate.
func (s *SyncService) applyRecord(ctx context.Context, tx pgx.Tx, idx int, rec *TransactionRecord, fp string, resp *PushResponse) error {
	spName := pgx.Identifier{fmt.Sprintf("sp_%d", idx)}.Sanitize()
	if _, err := tx.Exec(ctx, "SAVEPOINT "+spName); err != nil {
		return fmt.Errorf("failed to create savepoint: %w", err)
	}

	serverID := uuid.New().String()
	var (
		gotServerID  string
		lastModified time.Time
	)
	err := tx.QueryRow(ctx, `
		INSERT INTO depot.transactions (
			server_id, fingerprint, device_id, location_id, material_id,
			source_type, weight_kg, unit_price, total_amount,
			payment_method, payment_ref, notes, occurred_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)
		ON CONFLICT (fingerprint) DO NOTHING
		RETURNING server_id::text, last_modified
	`, serverID, fp, rec.DeviceID, rec.LocationID, rec.MaterialID,
		rec.SourceType, rec.WeightKg, rec.UnitPrice, rec.TotalAmount,
		rec.PaymentMethod, rec.PaymentRef, rec.Notes, rec.OccurredAt,
	).Scan(&gotServerID, &lastModified)

	switch {
	case err == nil:
		if _, rerr := tx.Exec(ctx, "RELEASE SAVEPOINT "+spName); rerr != nil {
			return fmt.Errorf("failed to release savepoint: %w", rerr)
		}
		resp.Accepted = append(resp.Accepted, PushAccepted{
			LocalID:      rec.LocalID,
			ServerID:     gotServerID,
			LastModified: lastModified,
		})
		return nil

	case errors.Is(err, pgx.ErrNoRows):
		// Fingerprint already present: same logical event, echo the canonical
		// record.
		if _, rerr := tx.Exec(ctx, "RELEASE SAVEPOINT "+spName); rerr != nil {
			return fmt.Errorf("failed to release savepoint: %w", rerr)
		}
		canonical, ferr := s.fetchByFingerprint(ctx, tx, fp)
		if ferr != nil {
			s.logger.Error("Failed to fetch canonical record for duplicate",
				"fingerprint", fp, "local_id", rec.LocalID, "error", ferr)
			resp.Rejected = append(resp.Rejected, PushRejected{
				LocalID: rec.LocalID,
				Reason:  ReasonStorageFault,
				Message: ferr.Error(),
			})
			return nil
		}
		resp.Duplicates = append(resp.Duplicates, PushDuplicate{
			LocalID:         rec.LocalID,
			CanonicalRecord: *canonical,
		})
		return nil

	default:
		// Storage fault on this record only: roll back to the savepoint and
		// keep going.
		_, _ = tx.Exec(ctx, "ROLLBACK TO SAVEPOINT "+spName)
		_, _ = tx.Exec(ctx, "RELEASE SAVEPOINT "+spName)
		if isRetryablePGTxError(err) {
			return fmt.Errorf("retryable failure applying record %s: %w", rec.LocalID, err)
		}
		s.logger.Error("Failed to insert pushed record",
			"device_id", rec.DeviceID, "local_id", rec.LocalID, "error", err)
		resp.Rejected = append(resp.Rejected, PushRejected{
			LocalID: rec.LocalID,
			Reason:  ReasonStorageFault,
			Message: err.Error(),
		})
		return nil
	}
}

// fetchByFingerprint loads the canonical record holding the given
// idempotency key.
func (s *SyncService) fetchByFingerprint(ctx context.Context, tx pgx.Tx, fp string) (*TransactionRecord, error) {
	var rec TransactionRecord
	err := tx.QueryRow(ctx, `
		SELECT server_id::text, device_id, location_id::text, material_id::text,
		       source_type, weight_kg, unit_price, total_amount,
		       payment_method, payment_ref, notes, occurred_at, last_modified
		FROM depot.transactions
		WHERE fingerprint = $1
	`, fp).Scan(
		&rec.ServerID, &rec.DeviceID, &rec.LocationID, &rec.MaterialID,
		&rec.SourceType, &rec.WeightKg, &rec.UnitPrice, &rec.TotalAmount,
		&rec.PaymentMethod, &rec.PaymentRef, &rec.Notes, &rec.OccurredAt, &rec.LastModified,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch record by fingerprint: %w", err)
	}
	return &rec, nil
}
