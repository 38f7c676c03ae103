package depotlite

import (
	"context"
	"fmt"
	"time"
)

// Status is the client-side sync snapshot shown to operators.
type Status struct {
	PendingCount int       `json:"pending_count"`
	LastSyncAt   time.Time `json:"last_sync_at"`
	Watermark    time.Time `json:"watermark"`
}

// Status reports how far this installation is from being caught up.
func (c *Client) Status(ctx context.Context) (*Status, error) {
	pending, err := c.OutboxCount(ctx)
	if err != nil {
		return nil, err
	}

	var watermarkRaw, lastSyncRaw string
	err = c.DB.QueryRowContext(ctx, `
		SELECT watermark, last_sync_at FROM sync_client_info WHERE device_id = ?
	`, c.DeviceID).Scan(&watermarkRaw, &lastSyncRaw)
	if err != nil {
		return nil, fmt.Errorf("failed to read client info: %w", err)
	}

	watermark, err := parseTime(watermarkRaw)
	if err != nil {
		return nil, err
	}
	lastSync, err := parseTime(lastSyncRaw)
	if err != nil {
		return nil, err
	}

	return &Status{
		PendingCount: pending,
		LastSyncAt:   lastSync,
		Watermark:    watermark,
	}, nil
}
