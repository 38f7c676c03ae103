package depotlite

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/fieldops/depotsync/depotsync"
)

// sendPushRequest posts an outbox batch to the server and decodes the
// per-record outcomes. Any transport or HTTP-level failure is a batch-level
// error; the caller returns the batch to the outbox.
func (c *Client) sendPushRequest(ctx context.Context, recs []depotsync.TransactionRecord) (*depotsync.PushResponse, error) {
	body, err := json.Marshal(&depotsync.PushRequest{
		DeviceID:     c.DeviceID,
		Transactions: recs,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to marshal push request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.BaseURL+"/sync/push", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("failed to create push request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if err := c.authorize(ctx, req); err != nil {
		return nil, err
	}

	resp, err := c.HTTP.Do(req)
	if err != nil {
		return nil, fmt.Errorf("push request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, httpStatusError("push", resp)
	}

	var pushResp depotsync.PushResponse
	if err := json.NewDecoder(resp.Body).Decode(&pushResp); err != nil {
		return nil, fmt.Errorf("failed to decode push response: %w", err)
	}
	return &pushResp, nil
}

// sendPullRequest fetches one page of changes past the given watermark.
func (c *Client) sendPullRequest(ctx context.Context, since time.Time, limit int) (*depotsync.PullResponse, error) {
	q := url.Values{}
	if !since.IsZero() {
		q.Set("since", since.UTC().Format(time.RFC3339Nano))
	}
	if limit > 0 {
		q.Set("limit", strconv.Itoa(limit))
	}

	endpoint := c.BaseURL + "/sync/pull"
	if len(q) > 0 {
		endpoint += "?" + q.Encode()
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create pull request: %w", err)
	}
	if err := c.authorize(ctx, req); err != nil {
		return nil, err
	}

	resp, err := c.HTTP.Do(req)
	if err != nil {
		return nil, fmt.Errorf("pull request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, httpStatusError("pull", resp)
	}

	var pullResp depotsync.PullResponse
	if err := json.NewDecoder(resp.Body).Decode(&pullResp); err != nil {
		return nil, fmt.Errorf("failed to decode pull response: %w", err)
	}
	return &pullResp, nil
}

func (c *Client) authorize(ctx context.Context, req *http.Request) error {
	if c.Token == nil {
		return nil
	}
	token, err := c.Token(ctx)
	if err != nil {
		return fmt.Errorf("failed to obtain auth token: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+token)
	return nil
}

func httpStatusError(op string, resp *http.Response) error {
	var envelope depotsync.ErrorResponse
	raw, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
	if json.Unmarshal(raw, &envelope) == nil && envelope.Error != "" {
		return fmt.Errorf("%s failed: HTTP %d: %s: %s", op, resp.StatusCode, envelope.Error, envelope.Message)
	}
	return fmt.Errorf("%s failed: HTTP %d", op, resp.StatusCode)
}
