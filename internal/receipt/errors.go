package receipt

import "errors"

var (
	ErrMalformed      = errors.New("malformed receipt")
	ErrInvalidVersion = errors.New("invalid version")
	ErrInvalidReceipt = errors.New("invalid hmac")
	ErrMissingSeed    = errors.New("receipt seed not configured")
)
