package ledger

import "errors"

var (
	ErrExpiredReceipt      = errors.New("expired receipt")
	ErrAmountOverflow      = errors.New("receipt amount exceeds max 64 bit signed integer")
	ErrNegativeAmount      = errors.New("amount must be non-negative")
	ErrMalformedAmount     = errors.New("amount must be a decimal integer")
	ErrCreditOverflow      = errors.New("credit amount exceeds max 64 bit signed integer")
	ErrSpendOverflow       = errors.New("spend amount exceeds max 64 bit signed integer")
	ErrBalanceOverflow     = errors.New("balance would exceed max 64 bit signed integer")
	ErrUnknownBalance      = errors.New("balance not found")
	ErrInsufficientBalance = errors.New("insufficient balance")
	ErrInvalidBalanceID    = errors.New("invalid balance id")
)
