// Package storetest holds the behaviour every ledger.Store backend must share.
package storetest

import (
	"context"
	"math"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/davidahmann/receipt-verifier/internal/ledger"
)

// Harness is one freshly opened backend.
type Harness struct {
	Store ledger.Store
	// Advance moves the backend's notion of time forward.
	Advance func(time.Duration)
}

// Clock is a settable time source for backends that take a clock.
type Clock struct {
	mu  sync.Mutex
	now time.Time
}

func NewClock() *Clock {
	return &Clock{now: time.Unix(1700000000, 0)}
}

func (c *Clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *Clock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

var meta = ledger.NonceMetadata{SPSPEndpoint: "https://wallet.example/alice", SPSPID: "alice"}

// Run executes the suite. open is called once per subtest.
func Run(t *testing.T, open func(t *testing.T) Harness) {
	t.Run("UnknownNonce", func(t *testing.T) { testUnknownNonce(t, open(t)) })
	t.Run("MonotonicResolve", func(t *testing.T) { testMonotonicResolve(t, open(t)) })
	t.Run("IndependentStreams", func(t *testing.T) { testIndependentStreams(t, open(t)) })
	t.Run("RegisteredNonceExpires", func(t *testing.T) { testRegisteredNonceExpires(t, open(t)) })
	t.Run("TimedClaims", func(t *testing.T) { testTimedClaims(t, open(t)) })
	t.Run("CreditReceipt", func(t *testing.T) { testCreditReceipt(t, open(t)) })
	t.Run("CreditReceiptOverflow", func(t *testing.T) { testCreditReceiptOverflow(t, open(t)) })
	t.Run("Balances", func(t *testing.T) { testBalances(t, open(t)) })
	t.Run("BalanceOverflow", func(t *testing.T) { testBalanceOverflow(t, open(t)) })
	t.Run("ConcurrentReplay", func(t *testing.T) { testConcurrentReplay(t, open(t)) })
	t.Run("ConcurrentSpend", func(t *testing.T) { testConcurrentSpend(t, open(t)) })
}

func claim(nonce string, stream uint8, total int64) ledger.Claim {
	return ledger.Claim{Nonce: nonce, StreamID: stream, Total: total}
}

func testUnknownNonce(t *testing.T, h Harness) {
	ctx := context.Background()

	res, err := h.Store.ResolveReceipt(ctx, claim("missing", 1, 10))
	require.NoError(t, err)
	require.False(t, res.Found)

	res, _, err = h.Store.CreditReceipt(ctx, claim("missing", 1, 10), "alice")
	require.NoError(t, err)
	require.False(t, res.Found)

	_, err = h.Store.Balance(ctx, "alice")
	require.ErrorIs(t, err, ledger.ErrUnknownBalance)
}

func testMonotonicResolve(t *testing.T, h Harness) {
	ctx := context.Background()
	require.NoError(t, h.Store.RegisterNonce(ctx, "n1", meta, time.Minute))

	res, err := h.Store.ResolveReceipt(ctx, claim("n1", 1, 10))
	require.NoError(t, err)
	require.True(t, res.Found)
	require.EqualValues(t, 0, res.Prev)
	require.Equal(t, meta, res.NonceMetadata)

	// Replay.
	res, err = h.Store.ResolveReceipt(ctx, claim("n1", 1, 10))
	require.NoError(t, err)
	require.EqualValues(t, 10, res.Prev)

	res, err = h.Store.ResolveReceipt(ctx, claim("n1", 1, 25))
	require.NoError(t, err)
	require.EqualValues(t, 10, res.Prev)

	// A lower total never lowers the stored amount.
	res, err = h.Store.ResolveReceipt(ctx, claim("n1", 1, 5))
	require.NoError(t, err)
	require.EqualValues(t, 25, res.Prev)

	res, err = h.Store.ResolveReceipt(ctx, claim("n1", 1, 25))
	require.NoError(t, err)
	require.EqualValues(t, 25, res.Prev)

	res, err = h.Store.ResolveReceipt(ctx, claim("n1", 1, math.MaxInt64))
	require.NoError(t, err)
	require.EqualValues(t, 25, res.Prev)

	res, err = h.Store.ResolveReceipt(ctx, claim("n1", 1, math.MaxInt64))
	require.NoError(t, err)
	require.EqualValues(t, int64(math.MaxInt64), res.Prev)
}

func testIndependentStreams(t *testing.T, h Harness) {
	ctx := context.Background()
	require.NoError(t, h.Store.RegisterNonce(ctx, "n1", meta, time.Minute))

	_, err := h.Store.ResolveReceipt(ctx, claim("n1", 1, 10))
	require.NoError(t, err)

	res, err := h.Store.ResolveReceipt(ctx, claim("n1", 2, 4))
	require.NoError(t, err)
	require.True(t, res.Found)
	require.EqualValues(t, 0, res.Prev)

	res, err = h.Store.ResolveReceipt(ctx, claim("n1", 1, 11))
	require.NoError(t, err)
	require.EqualValues(t, 10, res.Prev)
}

func testRegisteredNonceExpires(t *testing.T, h Harness) {
	ctx := context.Background()
	require.NoError(t, h.Store.RegisterNonce(ctx, "n1", meta, 2*time.Second))

	_, err := h.Store.ResolveReceipt(ctx, claim("n1", 1, 10))
	require.NoError(t, err)

	h.Advance(3 * time.Second)

	res, err := h.Store.ResolveReceipt(ctx, claim("n1", 1, 20))
	require.NoError(t, err)
	require.False(t, res.Found)
}

func testTimedClaims(t *testing.T, h Harness) {
	ctx := context.Background()
	c := ledger.Claim{Nonce: "t1", StreamID: 1, Total: 10, TTL: 2 * time.Second}

	res, err := h.Store.ResolveReceipt(ctx, c)
	require.NoError(t, err)
	require.True(t, res.Found)
	require.EqualValues(t, 0, res.Prev)
	require.Empty(t, res.SPSPEndpoint)

	res, err = h.Store.ResolveReceipt(ctx, c)
	require.NoError(t, err)
	require.EqualValues(t, 10, res.Prev)

	h.Advance(3 * time.Second)

	res, err = h.Store.ResolveReceipt(ctx, c)
	require.NoError(t, err)
	require.True(t, res.Found)
	require.EqualValues(t, 0, res.Prev)
}

func testCreditReceipt(t *testing.T, h Harness) {
	ctx := context.Background()
	require.NoError(t, h.Store.RegisterNonce(ctx, "n1", meta, time.Minute))

	res, balance, err := h.Store.CreditReceipt(ctx, claim("n1", 1, 10), "alice")
	require.NoError(t, err)
	require.True(t, res.Found)
	require.EqualValues(t, 0, res.Prev)
	require.EqualValues(t, 10, balance)

	res, _, err = h.Store.CreditReceipt(ctx, claim("n1", 1, 10), "alice")
	require.NoError(t, err)
	require.EqualValues(t, 10, res.Prev)

	res, balance, err = h.Store.CreditReceipt(ctx, claim("n1", 1, 15), "alice")
	require.NoError(t, err)
	require.EqualValues(t, 10, res.Prev)
	require.EqualValues(t, 15, balance)

	got, err := h.Store.Balance(ctx, "alice")
	require.NoError(t, err)
	require.EqualValues(t, 15, got)

	timed := ledger.Claim{Nonce: "t1", StreamID: 3, Total: 7, TTL: time.Minute}
	_, balance, err = h.Store.CreditReceipt(ctx, timed, "alice")
	require.NoError(t, err)
	require.EqualValues(t, 22, balance)
}

func testCreditReceiptOverflow(t *testing.T, h Harness) {
	ctx := context.Background()
	require.NoError(t, h.Store.RegisterNonce(ctx, "n1", meta, time.Minute))

	_, err := h.Store.Credit(ctx, "alice", math.MaxInt64-5)
	require.NoError(t, err)

	_, _, err = h.Store.CreditReceipt(ctx, claim("n1", 1, 10), "alice")
	require.ErrorIs(t, err, ledger.ErrBalanceOverflow)

	got, err := h.Store.Balance(ctx, "alice")
	require.NoError(t, err)
	require.EqualValues(t, int64(math.MaxInt64-5), got)

	// The receipt was not consumed.
	res, err := h.Store.ResolveReceipt(ctx, claim("n1", 1, 10))
	require.NoError(t, err)
	require.EqualValues(t, 0, res.Prev)
}

func testBalances(t *testing.T, h Harness) {
	ctx := context.Background()

	_, err := h.Store.Spend(ctx, "alice", 1)
	require.ErrorIs(t, err, ledger.ErrUnknownBalance)

	balance, err := h.Store.Credit(ctx, "alice", 100)
	require.NoError(t, err)
	require.EqualValues(t, 100, balance)

	balance, err = h.Store.Credit(ctx, "alice", 0)
	require.NoError(t, err)
	require.EqualValues(t, 100, balance)

	_, err = h.Store.Spend(ctx, "alice", 101)
	require.ErrorIs(t, err, ledger.ErrInsufficientBalance)

	balance, err = h.Store.Spend(ctx, "alice", 40)
	require.NoError(t, err)
	require.EqualValues(t, 60, balance)

	balance, err = h.Store.Spend(ctx, "alice", 60)
	require.NoError(t, err)
	require.EqualValues(t, 0, balance)

	balance, err = h.Store.Spend(ctx, "alice", 0)
	require.NoError(t, err)
	require.EqualValues(t, 0, balance)

	got, err := h.Store.Balance(ctx, "alice")
	require.NoError(t, err)
	require.EqualValues(t, 0, got)

	_, err = h.Store.Balance(ctx, "bob")
	require.ErrorIs(t, err, ledger.ErrUnknownBalance)
}

func testBalanceOverflow(t *testing.T, h Harness) {
	ctx := context.Background()

	balance, err := h.Store.Credit(ctx, "alice", math.MaxInt64)
	require.NoError(t, err)
	require.EqualValues(t, int64(math.MaxInt64), balance)

	_, err = h.Store.Credit(ctx, "alice", 1)
	require.ErrorIs(t, err, ledger.ErrBalanceOverflow)

	got, err := h.Store.Balance(ctx, "alice")
	require.NoError(t, err)
	require.EqualValues(t, int64(math.MaxInt64), got)
}

func testConcurrentReplay(t *testing.T, h Harness) {
	ctx := context.Background()
	require.NoError(t, h.Store.RegisterNonce(ctx, "n1", meta, time.Minute))

	const workers = 16
	var (
		wg       sync.WaitGroup
		mu       sync.Mutex
		credited int
		errs     []error
	)
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			c := claim("n1", 1, 50)
			res, _, err := h.Store.CreditReceipt(ctx, c, "alice")
			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				errs = append(errs, err)
				return
			}
			if c.Credits(res) {
				credited++
			}
		}()
	}
	wg.Wait()

	require.Empty(t, errs)
	require.Equal(t, 1, credited)
	got, err := h.Store.Balance(ctx, "alice")
	require.NoError(t, err)
	require.EqualValues(t, 50, got)
}

func testConcurrentSpend(t *testing.T, h Harness) {
	ctx := context.Background()
	_, err := h.Store.Credit(ctx, "alice", 10)
	require.NoError(t, err)

	const workers = 16
	var (
		wg    sync.WaitGroup
		mu    sync.Mutex
		spent int
	)
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := h.Store.Spend(ctx, "alice", 3)
			if err == nil {
				mu.Lock()
				spent++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	require.Equal(t, 3, spent)
	got, err := h.Store.Balance(ctx, "alice")
	require.NoError(t, err)
	require.EqualValues(t, 1, got)
}
