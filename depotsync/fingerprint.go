package depotsync

import (
	"crypto/sha256"
	"encoding/hex"
	"strconv"
	"strings"
	"time"
)

// Fingerprint derives the idempotency key for a transaction from its defining
// fields: originating device, the moment the transaction occurred, and the
// weighed amount. Two records with equal fingerprints are the same logical
// event; the server enforces this with a unique constraint at insert time.
//
// The timestamp is truncated to millisecond precision in UTC so that clients
// with differing sub-millisecond clock resolution still agree on the key.
func Fingerprint(deviceID string, occurredAt time.Time, weightKg float64) string {
	return fingerprintOf(deviceID, occurredAt, weightKg)
}

// FingerprintStrong additionally folds in material and location, for
// deployments where two distinct purchases can plausibly share
// device+timestamp+weight. Selected via ServiceConfig.StrongFingerprints and
// Config.StrongFingerprints on the client; both sides must agree.
func FingerprintStrong(deviceID string, occurredAt time.Time, weightKg float64, materialID, locationID string) string {
	return fingerprintOf(deviceID, occurredAt, weightKg, materialID, locationID)
}

// FingerprintRecord computes the fingerprint for a record under the given
// strength setting. This is the single call site both reconcilers use.
func FingerprintRecord(rec *TransactionRecord, strong bool) string {
	if strong {
		return FingerprintStrong(rec.DeviceID, rec.OccurredAt, rec.WeightKg, rec.MaterialID, rec.LocationID)
	}
	return Fingerprint(rec.DeviceID, rec.OccurredAt, rec.WeightKg)
}

func fingerprintOf(deviceID string, occurredAt time.Time, weightKg float64, extra ...string) string {
	var b strings.Builder
	b.WriteString(deviceID)
	b.WriteByte('|')
	b.WriteString(strconv.FormatInt(occurredAt.UTC().UnixMilli(), 10))
	b.WriteByte('|')
	// Fixed 3-decimal rendering keeps the key stable across float formatting
	// differences (12.5 vs 12.50).
	b.WriteString(strconv.FormatFloat(weightKg, 'f', 3, 64))
	for _, e := range extra {
		b.WriteByte('|')
		b.WriteString(e)
	}
	sum := sha256.Sum256([]byte(b.String()))
	return hex.EncodeToString(sum[:])
}
