package depotsync

import (
	"errors"

	"github.com/jackc/pgx/v5/pgconn"
)

// isRetryablePGTxError reports whether the whole push transaction should be
// surfaced to the client as a transport-level failure (retry next cycle)
// instead of a per-record rejection.
func isRetryablePGTxError(err error) bool {
	var pgErr *pgconn.PgError
	if !errors.As(err, &pgErr) {
		return false
	}
	switch pgErr.SQLState() {
	case "40001", // serialization_failure
		"40P01", // deadlock_detected
		"55P03": // lock_not_available (incl. lock_timeout)
		return true
	default:
		return false
	}
}
