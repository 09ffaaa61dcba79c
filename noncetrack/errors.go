package noncetrack

import "errors"

var (
	// ErrInvalidRelease is returned when releasing a nonce that is not in
	// flight for the account. Releasing twice is always an error.
	ErrInvalidRelease = errors.New("nonce is not in flight for account")

	// ErrOutOfOrderConfirm is returned when confirming a nonce below the
	// account's confirmed high-water mark.
	ErrOutOfOrderConfirm = errors.New("nonce is below the confirmed mark")
)
