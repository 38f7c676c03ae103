package depotsync

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func newTestService() *SyncService {
	return &SyncService{
		config:   &ServiceConfig{AppName: "test"},
		validate: newRecordValidator(),
	}
}

func validRecord() *TransactionRecord {
	return &TransactionRecord{
		LocalID:       "c2f6f9f0-1111-4222-8333-444455556666",
		DeviceID:      "device-a",
		LocationID:    "3f1a2b3c-4d5e-4f60-8172-839405162738",
		MaterialID:    "9a8b7c6d-5e4f-4a3b-8c1d-0e9f8a7b6c5d",
		SourceType:    "walk-in",
		WeightKg:      12.5,
		UnitPrice:     4.0,
		TotalAmount:   50.0,
		PaymentMethod: "cash",
		OccurredAt:    time.Date(2026, 3, 14, 9, 0, 0, 0, time.UTC),
	}
}

func TestValidateRecordAccepts(t *testing.T) {
	s := newTestService()
	require.NoError(t, s.validateRecord("device-a", validRecord()))
}

func TestValidateRecordRejections(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*TransactionRecord)
		reason string
	}{
		{
			name:   "missing local id",
			mutate: func(r *TransactionRecord) { r.LocalID = "" },
			reason: ReasonBadPayload,
		},
		{
			name:   "device mismatch with token",
			mutate: func(r *TransactionRecord) { r.DeviceID = "device-b" },
			reason: ReasonValidation,
		},
		{
			name:   "zero weight",
			mutate: func(r *TransactionRecord) { r.WeightKg = 0; r.TotalAmount = 0 },
			reason: ReasonValidation,
		},
		{
			name:   "negative weight",
			mutate: func(r *TransactionRecord) { r.WeightKg = -1 },
			reason: ReasonValidation,
		},
		{
			name:   "unknown source type",
			mutate: func(r *TransactionRecord) { r.SourceType = "drive-by" },
			reason: ReasonValidation,
		},
		{
			name:   "unknown payment method",
			mutate: func(r *TransactionRecord) { r.PaymentMethod = "barter" },
			reason: ReasonValidation,
		},
		{
			name:   "material not a uuid",
			mutate: func(r *TransactionRecord) { r.MaterialID = "copper" },
			reason: ReasonValidation,
		},
		{
			name:   "missing occurred_at",
			mutate: func(r *TransactionRecord) { r.OccurredAt = time.Time{} },
			reason: ReasonValidation,
		},
		{
			name:   "total does not match weight times rate",
			mutate: func(r *TransactionRecord) { r.TotalAmount = 51.0 },
			reason: ReasonValidation,
		},
	}

	s := newTestService()
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			rec := validRecord()
			tc.mutate(rec)
			err := s.validateRecord("device-a", rec)
			require.Error(t, err)
			require.Equal(t, tc.reason, rejectionReason(err))
		})
	}
}

func TestValidateRecordToleratesRoundingNoise(t *testing.T) {
	s := newTestService()
	rec := validRecord()
	rec.TotalAmount = rec.WeightKg*rec.UnitPrice + 0.009
	require.NoError(t, s.validateRecord("device-a", rec))
}
