package spsp

import "errors"

var (
	// ErrEndpointNotFound means no upstream SPSP endpoint could be resolved.
	ErrEndpointNotFound = errors.New("spsp endpoint not found")
	// ErrUpstream covers transport failures talking to the upstream.
	ErrUpstream = errors.New("spsp upstream failure")
	// ErrUpstreamTooLarge means the upstream body exceeded the buffer limit.
	ErrUpstreamTooLarge = errors.New("spsp upstream response too large")
	// ErrReceiptsDisabled means the upstream did not declare receipts_enabled.
	ErrReceiptsDisabled = errors.New("spsp upstream does not support receipts")
	// ErrRegister means the nonce could not be stored after a successful upstream call.
	ErrRegister = errors.New("register receipt nonce")
)
