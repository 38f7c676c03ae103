package depotsync

import (
	"time"
)

// REST/JSON models for the sync HTTP API.

// PushRequest is a batch of client-originated transactions. DeviceID must
// match the did claim of the bearer token; the server rejects mismatches.
type PushRequest struct {
	DeviceID     string              `json:"device_id"`
	Transactions []TransactionRecord `json:"transactions"`
}

// PushAccepted reports a record the server inserted and assigned identity to.
type PushAccepted struct {
	LocalID      string    `json:"local_id"`
	ServerID     string    `json:"server_id"`
	LastModified time.Time `json:"last_modified"`
}

// PushDuplicate reports a record whose fingerprint already exists
// canonically. The canonical record is echoed so the client can adopt it.
type PushDuplicate struct {
	LocalID         string            `json:"local_id"`
	CanonicalRecord TransactionRecord `json:"canonical_record"`
}

// PushRejected reports a record that failed validation or storage. The record
// stays unsynced on the client until corrected and retried.
type PushRejected struct {
	LocalID string `json:"local_id"`
	Reason  string `json:"reason"`
	Message string `json:"message,omitempty"`
}

// PushResponse partitions every submitted record into exactly one outcome.
type PushResponse struct {
	Accepted   []PushAccepted  `json:"accepted"`
	Duplicates []PushDuplicate `json:"duplicates"`
	Rejected   []PushRejected  `json:"rejected"`
}

// PullResponse carries every reference entity and transaction modified
// strictly after the requested watermark, each type sorted by last-modified
// ascending.
//
// Partial signals that at least one entity type hit the batch cap; the client
// should merge this page, advance to WindowLatest, and pull again before
// treating itself as caught up. WindowLatest is the max last-modified among
// the *returned* rows only, never the server-side max, so a truncated page
// can never skip records.
type PullResponse struct {
	Materials    []Material          `json:"materials"`
	Locations    []Location          `json:"locations"`
	Prices       []Price             `json:"prices"`
	Transactions []TransactionRecord `json:"transactions"`
	Partial      bool                `json:"partial"`
	WindowLatest time.Time           `json:"window_latest"`
}

// StatusResponse is the server-side diagnostic view.
type StatusResponse struct {
	Status           string    `json:"status"`
	AppName          string    `json:"app_name"`
	TransactionCount int64     `json:"transaction_count"`
	LatestChange     time.Time `json:"latest_change"`
}

// ErrorResponse is the standard error envelope.
type ErrorResponse struct {
	Error   string `json:"error"`
	Message string `json:"message"`
}
