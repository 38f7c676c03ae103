package depotsync

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestFingerprintDeterministic(t *testing.T) {
	at := time.Date(2026, 3, 14, 9, 26, 53, 589_000_000, time.UTC)

	fp1 := Fingerprint("device-a", at, 12.5)
	fp2 := Fingerprint("device-a", at, 12.5)
	require.Equal(t, fp1, fp2)
	require.Len(t, fp1, 64) // sha256 hex
}

func TestFingerprintTimezoneInsensitive(t *testing.T) {
	loc := time.FixedZone("UTC+7", 7*3600)
	utc := time.Date(2026, 3, 14, 9, 0, 0, 0, time.UTC)

	require.Equal(t,
		Fingerprint("device-a", utc, 12.5),
		Fingerprint("device-a", utc.In(loc), 12.5))
}

func TestFingerprintSubMillisecondTruncation(t *testing.T) {
	base := time.Date(2026, 3, 14, 9, 0, 0, 500_000_000, time.UTC)

	// Same millisecond, different microseconds: same key.
	require.Equal(t,
		Fingerprint("device-a", base, 12.5),
		Fingerprint("device-a", base.Add(400*time.Microsecond), 12.5))

	// A different millisecond is a different event.
	require.NotEqual(t,
		Fingerprint("device-a", base, 12.5),
		Fingerprint("device-a", base.Add(time.Millisecond), 12.5))
}

func TestFingerprintWeightFormattingStable(t *testing.T) {
	at := time.Date(2026, 3, 14, 9, 0, 0, 0, time.UTC)

	require.Equal(t,
		Fingerprint("device-a", at, 12.5),
		Fingerprint("device-a", at, 12.500))
	require.NotEqual(t,
		Fingerprint("device-a", at, 12.5),
		Fingerprint("device-a", at, 12.501))
}

func TestFingerprintDiscriminatesDefiningFields(t *testing.T) {
	at := time.Date(2026, 3, 14, 9, 0, 0, 0, time.UTC)
	base := Fingerprint("device-a", at, 12.5)

	require.NotEqual(t, base, Fingerprint("device-b", at, 12.5))
	require.NotEqual(t, base, Fingerprint("device-a", at.Add(time.Second), 12.5))
	require.NotEqual(t, base, Fingerprint("device-a", at, 13.5))
}

func TestFingerprintStrongVariant(t *testing.T) {
	at := time.Date(2026, 3, 14, 9, 0, 0, 0, time.UTC)

	weak := Fingerprint("device-a", at, 12.5)
	strong := FingerprintStrong("device-a", at, 12.5, "mat-1", "loc-1")
	require.NotEqual(t, weak, strong)

	// Strong keys separate purchases that only differ in material.
	require.NotEqual(t,
		FingerprintStrong("device-a", at, 12.5, "mat-1", "loc-1"),
		FingerprintStrong("device-a", at, 12.5, "mat-2", "loc-1"))
}

func TestFingerprintRecordHonorsStrength(t *testing.T) {
	rec := &TransactionRecord{
		DeviceID:   "device-a",
		MaterialID: "mat-1",
		LocationID: "loc-1",
		WeightKg:   12.5,
		OccurredAt: time.Date(2026, 3, 14, 9, 0, 0, 0, time.UTC),
	}

	require.Equal(t, Fingerprint(rec.DeviceID, rec.OccurredAt, rec.WeightKg),
		FingerprintRecord(rec, false))
	require.Equal(t, FingerprintStrong(rec.DeviceID, rec.OccurredAt, rec.WeightKg, rec.MaterialID, rec.LocationID),
		FingerprintRecord(rec, true))
}
