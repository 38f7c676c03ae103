package depotsync

import (
	"time"
)

// Client-side sync states for a transaction record. The server never stores
// these; they travel in this package because the client and server share the
// record model.
const (
	StateLocal      = "local"
	StatePending    = "pending"
	StateSynced     = "synced"
	StateConflicted = "conflicted"
)

// Rejection reason constants
const (
	ReasonBadPayload    = "bad_payload"
	ReasonValidation    = "validation_failed"
	ReasonStorageFault  = "storage_fault"
	ReasonBatchTooLarge = "batch_too_large"
	ReasonInternalError = "internal_error"
)

// TransactionRecord is a purchase transaction as recorded at a depot.
//
// LocalID is the client-generated correlation key and never acts as identity
// on the server. ServerID is assigned on first acceptance. SyncState is
// client-only and omitted from server responses.
type TransactionRecord struct {
	LocalID       string    `json:"local_id,omitempty"`
	ServerID      string    `json:"server_id,omitempty"`
	DeviceID      string    `json:"device_id" validate:"required"`
	LocationID    string    `json:"location_id" validate:"required,uuid"`
	MaterialID    string    `json:"material_id" validate:"required,uuid"`
	SourceType    string    `json:"source_type" validate:"required,oneof=walk-in pickup commercial internal"`
	WeightKg      float64   `json:"weight_kg" validate:"required,gt=0"`
	UnitPrice     float64   `json:"unit_price" validate:"gte=0"`
	TotalAmount   float64   `json:"total_amount" validate:"gte=0"`
	PaymentMethod string    `json:"payment_method,omitempty" validate:"omitempty,oneof=cash transfer voucher"`
	PaymentRef    string    `json:"payment_ref,omitempty"`
	Notes         string    `json:"notes,omitempty"`
	OccurredAt    time.Time `json:"occurred_at" validate:"required"`
	LastModified  time.Time `json:"last_modified,omitempty"`
	SyncState     string    `json:"-"`
}

// Material is a server-authoritative reference entity (what the depot buys).
type Material struct {
	ID           string    `json:"id"`
	Name         string    `json:"name"`
	Category     string    `json:"category,omitempty"`
	LastModified time.Time `json:"last_modified"`
}

// Location is a server-authoritative reference entity (a depot site).
type Location struct {
	ID           string    `json:"id"`
	Name         string    `json:"name"`
	Region       string    `json:"region,omitempty"`
	LastModified time.Time `json:"last_modified"`
}

// Price is the per-kg rate for a material, optionally scoped to a location.
type Price struct {
	ID            string    `json:"id"`
	MaterialID    string    `json:"material_id"`
	LocationID    string    `json:"location_id,omitempty"`
	PricePerKg    float64   `json:"price_per_kg"`
	EffectiveFrom time.Time `json:"effective_from"`
	LastModified  time.Time `json:"last_modified"`
}
