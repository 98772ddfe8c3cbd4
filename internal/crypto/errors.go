package crypto

import "errors"

var (
	ErrInvalidSeedSize = errors.New("invalid receipt seed size")
	ErrEmptySeed       = errors.New("empty receipt seed")
	ErrSeedEncoding    = errors.New("unrecognized seed encoding")
)
