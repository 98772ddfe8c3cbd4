package ledger

import (
	"context"
	"time"
)

// Store is the shared backing store for both ledgers. Every method is a
// single atomic operation against the store; callers never combine reads
// and writes themselves.
type Store interface {
	ReceiptStore
	BalanceStore
	Close() error
}

// ReceiptStore tracks the highest total seen per nonce and stream.
type ReceiptStore interface {
	// RegisterNonce records issuance metadata for a nonce with a TTL.
	RegisterNonce(ctx context.Context, nonce string, meta NonceMetadata, ttl time.Duration) error

	// ResolveReceipt compares the claim against the stored amount for its
	// stream and raises the stored amount when the claim is larger.
	// Unknown or expired nonces report Found=false and write nothing. A
	// registered nonce seen for the first time on a stream reports Prev=0.
	ResolveReceipt(ctx context.Context, claim Claim) (Resolution, error)

	// CreditReceipt resolves the claim and credits the resulting delta to
	// balanceID in the same step. Nothing is written when the delta is
	// zero or the credit would overflow (ErrBalanceOverflow).
	CreditReceipt(ctx context.Context, claim Claim, balanceID string) (Resolution, int64, error)
}

// BalanceStore holds signed 64-bit balances keyed by normalized id.
type BalanceStore interface {
	// Credit adds amount, creating the balance if needed. Returns
	// ErrBalanceOverflow without writing when the sum exceeds MaxInt64.
	Credit(ctx context.Context, id string, amount int64) (int64, error)

	// Spend subtracts amount. Returns ErrUnknownBalance or
	// ErrInsufficientBalance without writing.
	Spend(ctx context.Context, id string, amount int64) (int64, error)

	// Balance reads the current amount or ErrUnknownBalance.
	Balance(ctx context.Context, id string) (int64, error)
}

// NonceMetadata is what the issuance proxy knows about a nonce.
type NonceMetadata struct {
	SPSPEndpoint string
	SPSPID       string
}

// Claim is a verified receipt reduced to what the store needs.
type Claim struct {
	Nonce    string
	StreamID uint8
	Total    int64
	// TTL selects start-time expiry: when non-zero the stream key needs no
	// registration and lives for TTL from this write.
	TTL time.Duration
}

// Credits reports whether the claim raises the amount in res.
func (c Claim) Credits(res Resolution) bool {
	return res.Found && c.Total > res.Prev
}

// Resolution is the store's view of a receipt before the delta is computed.
type Resolution struct {
	Found bool
	Prev  int64
	NonceMetadata
}
