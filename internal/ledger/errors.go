package ledger

import "errors"

var (
	// ErrCollateralNotSufficient: the operation would break the collateral
	// ratio, or a liquidation targets a position above the threshold.
	ErrCollateralNotSufficient = errors.New("collateral not sufficient")

	// ErrInvalidArgument: zero amount, overpayment or over-withdrawal.
	ErrInvalidArgument = errors.New("invalid argument")

	// ErrOverflow: a balance would exceed the uint64 range.
	ErrOverflow = errors.New("amount overflow")

	// ErrStorageFailure wraps any failure of the position store.
	ErrStorageFailure = errors.New("storage failure")

	// ErrAlreadyApplied: the store has already journaled this request id.
	ErrAlreadyApplied = errors.New("request already applied")
)

// IsRejection reports whether err is a deterministic domain rejection, as
// opposed to an infrastructure failure that may succeed on retry.
func IsRejection(err error) bool {
	return errors.Is(err, ErrCollateralNotSufficient) ||
		errors.Is(err, ErrInvalidArgument) ||
		errors.Is(err, ErrOverflow)
}

// Reason returns a short stable label for err, used in metrics and logs.
func Reason(err error) string {
	switch {
	case err == nil:
		return "ok"
	case errors.Is(err, ErrCollateralNotSufficient):
		return "collateral_not_sufficient"
	case errors.Is(err, ErrInvalidArgument):
		return "invalid_argument"
	case errors.Is(err, ErrOverflow):
		return "overflow"
	case errors.Is(err, ErrAlreadyApplied):
		return "duplicate"
	case errors.Is(err, ErrStorageFailure):
		return "storage_failure"
	default:
		return "other"
	}
}
