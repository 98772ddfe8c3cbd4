package ledger

import (
	"context"
	"math"
	"strconv"
	"sync"
	"time"
)

// InMemoryStore is a single-process Store for tests and local development.
// Each method runs under one lock, which stands in for the store-side
// atomicity of the shared backends.
type InMemoryStore struct {
	mu  sync.Mutex
	now func() time.Time

	nonces   map[string]nonceEntry
	timed    map[string]timedEntry
	balances map[string]int64
}

type nonceEntry struct {
	meta      NonceMetadata
	streams   map[uint8]int64
	expiresAt time.Time
}

type timedEntry struct {
	amount    int64
	expiresAt time.Time
}

func NewInMemoryStore() *InMemoryStore {
	return NewInMemoryStoreWithClock(time.Now)
}

// NewInMemoryStoreWithClock lets tests move time forward to expire nonces.
func NewInMemoryStoreWithClock(now func() time.Time) *InMemoryStore {
	return &InMemoryStore{
		now:      now,
		nonces:   make(map[string]nonceEntry),
		timed:    make(map[string]timedEntry),
		balances: make(map[string]int64),
	}
}

func (s *InMemoryStore) RegisterNonce(_ context.Context, nonce string, meta NonceMetadata, ttl time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	entry, ok := s.liveNonce(nonce)
	if !ok {
		entry = nonceEntry{streams: make(map[uint8]int64)}
	}
	entry.meta = meta
	entry.expiresAt = s.now().Add(ttl)
	s.nonces[nonce] = entry
	return nil
}

func (s *InMemoryStore) ResolveReceipt(_ context.Context, claim Claim) (Resolution, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	res := s.lookup(claim)
	if claim.Credits(res) {
		s.record(claim)
	}
	return res, nil
}

func (s *InMemoryStore) CreditReceipt(_ context.Context, claim Claim, balanceID string) (Resolution, int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	res := s.lookup(claim)
	if !claim.Credits(res) {
		return res, 0, nil
	}
	balance := s.balances[balanceID]
	delta := claim.Total - res.Prev
	if balance > math.MaxInt64-delta {
		return res, 0, ErrBalanceOverflow
	}
	s.record(claim)
	s.balances[balanceID] = balance + delta
	return res, balance + delta, nil
}

func (s *InMemoryStore) Credit(_ context.Context, id string, amount int64) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if amount < 0 {
		return 0, ErrNegativeAmount
	}
	balance := s.balances[id]
	if balance > math.MaxInt64-amount {
		return 0, ErrBalanceOverflow
	}
	s.balances[id] = balance + amount
	return balance + amount, nil
}

func (s *InMemoryStore) Spend(_ context.Context, id string, amount int64) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if amount < 0 {
		return 0, ErrNegativeAmount
	}
	balance, ok := s.balances[id]
	if !ok {
		return 0, ErrUnknownBalance
	}
	if amount > balance {
		return 0, ErrInsufficientBalance
	}
	s.balances[id] = balance - amount
	return balance - amount, nil
}

func (s *InMemoryStore) Balance(_ context.Context, id string) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	balance, ok := s.balances[id]
	if !ok {
		return 0, ErrUnknownBalance
	}
	return balance, nil
}

func (s *InMemoryStore) Close() error {
	return nil
}

// lookup must be called with the lock held.
func (s *InMemoryStore) lookup(claim Claim) Resolution {
	if claim.TTL > 0 {
		key := timedKey(claim)
		entry, ok := s.timed[key]
		if ok && !s.now().Before(entry.expiresAt) {
			delete(s.timed, key)
			entry = timedEntry{}
		}
		return Resolution{Found: true, Prev: entry.amount}
	}

	entry, ok := s.liveNonce(claim.Nonce)
	if !ok {
		return Resolution{}
	}
	return Resolution{Found: true, Prev: entry.streams[claim.StreamID], NonceMetadata: entry.meta}
}

// record must be called with the lock held, after lookup found the claim.
func (s *InMemoryStore) record(claim Claim) {
	if claim.TTL > 0 {
		s.timed[timedKey(claim)] = timedEntry{amount: claim.Total, expiresAt: s.now().Add(claim.TTL)}
		return
	}
	s.nonces[claim.Nonce].streams[claim.StreamID] = claim.Total
}

func (s *InMemoryStore) liveNonce(nonce string) (nonceEntry, bool) {
	entry, ok := s.nonces[nonce]
	if !ok {
		return nonceEntry{}, false
	}
	if !s.now().Before(entry.expiresAt) {
		delete(s.nonces, nonce)
		return nonceEntry{}, false
	}
	return entry, true
}

func timedKey(claim Claim) string {
	return claim.Nonce + ":" + strconv.FormatUint(uint64(claim.StreamID), 10)
}
