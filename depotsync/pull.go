package depotsync

import (
	"context"
	"fmt"
	"time"
)

// ProcessPull returns every reference entity and transaction whose
// last-modified time is strictly greater than the watermark, each entity type
// sorted by last-modified ascending and capped at the configured batch size.
//
// WindowLatest is the max last-modified among returned rows only. When any
// type fills its cap the response is marked partial; callers must merge,
// advance to WindowLatest, and pull again rather than assume completeness.
func (s *SyncService) ProcessPull(ctx context.Context, since time.Time, limit int) (*PullResponse, error) {
	if err := s.checkClosed(); err != nil {
		return nil, err
	}

	if limit <= 0 || limit > s.config.MaxPullBatchSize {
		limit = s.config.MaxPullBatchSize
	}

	resp := &PullResponse{
		Materials:    []Material{},
		Locations:    []Location{},
		Prices:       []Price{},
		Transactions: []TransactionRecord{},
	}

	fetchStart := s.stageStart()

	if err := s.pullMaterials(ctx, since, limit, resp); err != nil {
		return nil, err
	}
	if err := s.pullLocations(ctx, since, limit, resp); err != nil {
		return nil, err
	}
	if err := s.pullPrices(ctx, since, limit, resp); err != nil {
		return nil, err
	}
	if err := s.pullTransactions(ctx, since, limit, resp); err != nil {
		return nil, err
	}

	resp.Partial = len(resp.Materials) == limit ||
		len(resp.Locations) == limit ||
		len(resp.Prices) == limit ||
		len(resp.Transactions) == limit

	total := len(resp.Materials) + len(resp.Locations) + len(resp.Prices) + len(resp.Transactions)
	s.observeStage(ctx, MetricsOpPull, MetricsStagePullFetch, fetchStart, total, false)

	return resp, nil
}

func (resp *PullResponse) observe(lastModified time.Time) {
	if lastModified.After(resp.WindowLatest) {
		resp.WindowLatest = lastModified
	}
}

func (s *SyncService) pullMaterials(ctx context.Context, since time.Time, limit int, resp *PullResponse) error {
	rows, err := s.pool.Query(ctx, `
		SELECT id::text, name, category, last_modified
		FROM depot.materials
		WHERE last_modified > $1
		ORDER BY last_modified
		LIMIT $2
	`, since, limit)
	if err != nil {
		return fmt.Errorf("failed to query materials: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var m Material
		if err := rows.Scan(&m.ID, &m.Name, &m.Category, &m.LastModified); err != nil {
			return fmt.Errorf("failed to scan material: %w", err)
		}
		resp.Materials = append(resp.Materials, m)
		resp.observe(m.LastModified)
	}
	return rows.Err()
}

func (s *SyncService) pullLocations(ctx context.Context, since time.Time, limit int, resp *PullResponse) error {
	rows, err := s.pool.Query(ctx, `
		SELECT id::text, name, region, last_modified
		FROM depot.locations
		WHERE last_modified > $1
		ORDER BY last_modified
		LIMIT $2
	`, since, limit)
	if err != nil {
		return fmt.Errorf("failed to query locations: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var l Location
		if err := rows.Scan(&l.ID, &l.Name, &l.Region, &l.LastModified); err != nil {
			return fmt.Errorf("failed to scan location: %w", err)
		}
		resp.Locations = append(resp.Locations, l)
		resp.observe(l.LastModified)
	}
	return rows.Err()
}

func (s *SyncService) pullPrices(ctx context.Context, since time.Time, limit int, resp *PullResponse) error {
	rows, err := s.pool.Query(ctx, `
		SELECT id::text, material_id::text, COALESCE(location_id::text, ''),
		       price_per_kg, effective_from, last_modified
		FROM depot.prices
		WHERE last_modified > $1
		ORDER BY last_modified
		LIMIT $2
	`, since, limit)
	if err != nil {
		return fmt.Errorf("failed to query prices: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var p Price
		if err := rows.Scan(&p.ID, &p.MaterialID, &p.LocationID, &p.PricePerKg, &p.EffectiveFrom, &p.LastModified); err != nil {
			return fmt.Errorf("failed to scan price: %w", err)
		}
		resp.Prices = append(resp.Prices, p)
		resp.observe(p.LastModified)
	}
	return rows.Err()
}

func (s *SyncService) pullTransactions(ctx context.Context, since time.Time, limit int, resp *PullResponse) error {
	rows, err := s.pool.Query(ctx, `
		SELECT server_id::text, device_id, location_id::text, material_id::text,
		       source_type, weight_kg, unit_price, total_amount,
		       payment_method, payment_ref, notes, occurred_at, last_modified
		FROM depot.transactions
		WHERE last_modified > $1
		ORDER BY last_modified
		LIMIT $2
	`, since, limit)
	if err != nil {
		return fmt.Errorf("failed to query transactions: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var t TransactionRecord
		if err := rows.Scan(
			&t.ServerID, &t.DeviceID, &t.LocationID, &t.MaterialID,
			&t.SourceType, &t.WeightKg, &t.UnitPrice, &t.TotalAmount,
			&t.PaymentMethod, &t.PaymentRef, &t.Notes, &t.OccurredAt, &t.LastModified,
		); err != nil {
			return fmt.Errorf("failed to scan transaction: %w", err)
		}
		resp.Transactions = append(resp.Transactions, t)
		resp.observe(t.LastModified)
	}
	return rows.Err()
}
