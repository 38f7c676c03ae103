package depotsync

import (
	"errors"
	"fmt"
	"math"
	"strings"

	"github.com/go-playground/validator/v10"
)

// Validation error sentinels for mapping to rejection reasons
var (
	ErrBadPayload = errors.New("bad_payload")
	ErrValidation = errors.New("validation_failed")
)

func newRecordValidator() *validator.Validate {
	return validator.New()
}

// validateRecord checks a single pushed record. A failure here rejects the
// record only; the rest of the batch proceeds.
func (s *SyncService) validateRecord(tokenDeviceID string, rec *TransactionRecord) error {
	if rec.LocalID == "" {
		return fmt.Errorf("%w: missing local_id", ErrBadPayload)
	}
	if rec.DeviceID != tokenDeviceID {
		return fmt.Errorf("%w: device_id %q does not match token device %q",
			ErrValidation, rec.DeviceID, tokenDeviceID)
	}

	if err := s.validate.Struct(rec); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) {
			fields := make([]string, 0, len(verrs))
			for _, fe := range verrs {
				fields = append(fields, fmt.Sprintf("%s(%s)", fe.Field(), fe.Tag()))
			}
			return fmt.Errorf("%w: %s", ErrValidation, strings.Join(fields, ", "))
		}
		return fmt.Errorf("%w: %v", ErrBadPayload, err)
	}

	// The total is computed client-side from weight and rate; tolerate only
	// rounding noise.
	if math.Abs(rec.TotalAmount-rec.WeightKg*rec.UnitPrice) > 0.01 {
		return fmt.Errorf("%w: total_amount %.2f does not match weight_kg*unit_price %.2f",
			ErrValidation, rec.TotalAmount, rec.WeightKg*rec.UnitPrice)
	}

	return nil
}

// rejectionReason maps a validation error to the wire-level reason code.
func rejectionReason(err error) string {
	switch {
	case errors.Is(err, ErrBadPayload):
		return ReasonBadPayload
	case errors.Is(err, ErrValidation):
		return ReasonValidation
	default:
		return ReasonInternalError
	}
}
