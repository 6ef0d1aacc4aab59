package credits

import "errors"

var (
	// ErrInvalidArgument is returned for a non-positive amount, an unknown category or
	// malformed grant metadata. Nothing is written.
	ErrInvalidArgument = errors.New("invalid argument")

	// ErrInsufficientBalance classifies a consume that returned false. Consume itself
	// reports the shortfall as a plain false result.
	ErrInsufficientBalance = errors.New("insufficient credits")

	// ErrConflict is returned when a consume kept losing races with concurrent writers
	// and gave up after the configured number of attempts.
	ErrConflict = errors.New("credit ledger conflict")
)

// errDrawMissed aborts a consume attempt whose conditional decrement matched no row.
var errDrawMissed = errors.New("package changed during draw")
