package ledger

import (
	"context"
	"math"
	"time"

	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"

	"github.com/davidahmann/receipt-verifier/internal/metrics"
	"github.com/davidahmann/receipt-verifier/internal/receipt"
)

// ExpiryPolicy selects how receipt expiry is decided for a deployment.
type ExpiryPolicy string

const (
	// ExpiryStore relies on the TTL set when the proxy registered the nonce.
	ExpiryStore ExpiryPolicy = "store"
	// ExpiryStreamStart computes the remaining TTL from the receipt's
	// stream start time before consulting the store.
	ExpiryStreamStart ExpiryPolicy = "stream_start"
)

// Valid reports whether p is a known policy.
func (p ExpiryPolicy) Valid() bool {
	return p == ExpiryStore || p == ExpiryStreamStart
}

// Delta is the newly creditable part of a receipt.
type Delta struct {
	Value        uint64
	SPSPEndpoint string
	SPSPID       string
}

// Ledger turns verified receipts into one-time deltas and keeps balances.
type Ledger struct {
	store  Store
	expiry ExpiryPolicy
	ttl    time.Duration
	now    func() time.Time
	logger *zap.Logger
}

// Option configures a Ledger.
type Option func(*Ledger)

// WithExpiry selects the expiry policy. The default is ExpiryStore.
func WithExpiry(policy ExpiryPolicy) Option {
	return func(l *Ledger) {
		l.expiry = policy
	}
}

// WithReceiptTTL sets the receipt lifetime used by ExpiryStreamStart.
func WithReceiptTTL(ttl time.Duration) Option {
	return func(l *Ledger) {
		l.ttl = ttl
	}
}

// WithClock overrides the wall clock.
func WithClock(now func() time.Time) Option {
	return func(l *Ledger) {
		l.now = now
	}
}

// WithLogger sets the logger.
func WithLogger(logger *zap.Logger) Option {
	return func(l *Ledger) {
		l.logger = logger
	}
}

// New builds a Ledger over store.
func New(store Store, opts ...Option) *Ledger {
	l := &Ledger{
		store:  store,
		expiry: ExpiryStore,
		ttl:    300 * time.Second,
		now:    time.Now,
		logger: zap.NewNop(),
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// Expiry returns the configured expiry policy.
func (l *Ledger) Expiry() ExpiryPolicy {
	return l.expiry
}

// RegisterNonce records proxy issuance metadata for a nonce.
func (l *Ledger) RegisterNonce(ctx context.Context, nonce string, meta NonceMetadata, ttl time.Duration) error {
	defer observe("register_nonce")()
	if err := l.store.RegisterNonce(ctx, nonce, meta, ttl); err != nil {
		return errors.Wrap(err, "register nonce")
	}
	return nil
}

// ResolveReceipt resolves rec with the deployment's expiry policy.
func (l *Ledger) ResolveReceipt(ctx context.Context, rec receipt.Receipt) (Delta, error) {
	if l.expiry == ExpiryStreamStart {
		return l.ResolveTimed(ctx, rec)
	}
	return l.Resolve(ctx, rec)
}

// Resolve returns the amount rec adds over the last receipt seen for its
// nonce and stream. Replayed, stale, unknown and expired receipts resolve
// to a zero delta.
func (l *Ledger) Resolve(ctx context.Context, rec receipt.Receipt) (Delta, error) {
	claim, err := l.claim(rec)
	if err != nil {
		return Delta{}, err
	}
	return l.resolve(ctx, claim)
}

// ResolveTimed is Resolve for receipts that carry a stream start time. The
// remaining lifetime is computed here; expired receipts never reach the
// store.
func (l *Ledger) ResolveTimed(ctx context.Context, rec receipt.Receipt) (Delta, error) {
	claim, err := l.claim(rec)
	if err != nil {
		return Delta{}, err
	}
	if !l.timed(rec, &claim) {
		metrics.ReceiptsTotal.WithLabelValues("zero").Inc()
		return Delta{}, nil
	}
	return l.resolve(ctx, claim)
}

// CreditReceipt resolves rec and credits its delta to the balance id in one
// store operation. A zero delta is reported as ErrExpiredReceipt.
func (l *Ledger) CreditReceipt(ctx context.Context, id string, rec receipt.Receipt) (Delta, int64, error) {
	key, err := NormalizeID(id)
	if err != nil {
		return Delta{}, 0, err
	}
	claim, err := l.claim(rec)
	if err != nil {
		return Delta{}, 0, err
	}
	if l.expiry == ExpiryStreamStart && !l.timed(rec, &claim) {
		metrics.ReceiptsTotal.WithLabelValues("zero").Inc()
		return Delta{}, 0, ErrExpiredReceipt
	}

	done := observe("credit_receipt")
	res, balance, err := l.store.CreditReceipt(ctx, claim, key)
	done()
	if errors.Is(err, ErrBalanceOverflow) {
		metrics.BalanceOperationsTotal.WithLabelValues("credit", "overflow").Inc()
		return Delta{}, 0, err
	}
	if err != nil {
		metrics.ReceiptsTotal.WithLabelValues("error").Inc()
		return Delta{}, 0, errors.Wrap(err, "credit receipt")
	}

	delta := deltaOf(claim, res)
	if delta.Value == 0 {
		metrics.ReceiptsTotal.WithLabelValues("zero").Inc()
		return delta, 0, ErrExpiredReceipt
	}
	metrics.ReceiptsTotal.WithLabelValues("credited").Inc()
	metrics.ReceiptValueTotal.Add(float64(delta.Value))
	metrics.BalanceOperationsTotal.WithLabelValues("credit", "ok").Inc()
	l.logger.Debug("credited receipt",
		zap.String("balance_id", key),
		zap.String("nonce", claim.Nonce),
		zap.Uint8("stream_id", claim.StreamID),
		zap.Uint64("delta", delta.Value),
	)
	return delta, balance, nil
}

// Credit adds amount to the balance id.
func (l *Ledger) Credit(ctx context.Context, id string, amount uint64) (int64, error) {
	key, err := NormalizeID(id)
	if err != nil {
		return 0, err
	}
	if amount > math.MaxInt64 {
		metrics.BalanceOperationsTotal.WithLabelValues("credit", "overflow").Inc()
		return 0, ErrCreditOverflow
	}
	defer observe("credit")()
	balance, err := l.store.Credit(ctx, key, int64(amount))
	return balance, l.balanceResult("credit", err)
}

// Spend subtracts amount from the balance id if it holds enough.
func (l *Ledger) Spend(ctx context.Context, id string, amount uint64) (int64, error) {
	key, err := NormalizeID(id)
	if err != nil {
		return 0, err
	}
	if amount > math.MaxInt64 {
		metrics.BalanceOperationsTotal.WithLabelValues("spend", "overflow").Inc()
		return 0, ErrSpendOverflow
	}
	defer observe("spend")()
	balance, err := l.store.Spend(ctx, key, int64(amount))
	return balance, l.balanceResult("spend", err)
}

// Balance returns the current amount for id.
func (l *Ledger) Balance(ctx context.Context, id string) (int64, error) {
	key, err := NormalizeID(id)
	if err != nil {
		return 0, err
	}
	balance, err := l.store.Balance(ctx, key)
	if err != nil && !errors.Is(err, ErrUnknownBalance) {
		return 0, errors.Wrap(err, "read balance")
	}
	return balance, err
}

func (l *Ledger) claim(rec receipt.Receipt) (Claim, error) {
	if rec.TotalReceived > math.MaxInt64 {
		metrics.ReceiptsTotal.WithLabelValues("overflow").Inc()
		return Claim{}, ErrAmountOverflow
	}
	return Claim{
		Nonce:    rec.NonceString(),
		StreamID: rec.StreamID,
		Total:    int64(rec.TotalReceived),
	}, nil
}

// timed sets the claim TTL from the receipt start time and reports whether
// the receipt is still live.
func (l *Ledger) timed(rec receipt.Receipt, claim *Claim) bool {
	remaining := rec.RemainingTTL(l.ttl, l.now())
	if remaining <= 0 {
		return false
	}
	if remaining < time.Millisecond {
		remaining = time.Millisecond
	}
	claim.TTL = remaining.Round(time.Millisecond)
	return true
}

func (l *Ledger) resolve(ctx context.Context, claim Claim) (Delta, error) {
	done := observe("resolve_receipt")
	res, err := l.store.ResolveReceipt(ctx, claim)
	done()
	if err != nil {
		metrics.ReceiptsTotal.WithLabelValues("error").Inc()
		return Delta{}, errors.Wrap(err, "resolve receipt")
	}
	delta := deltaOf(claim, res)
	if delta.Value == 0 {
		metrics.ReceiptsTotal.WithLabelValues("zero").Inc()
		return delta, nil
	}
	metrics.ReceiptsTotal.WithLabelValues("credited").Inc()
	metrics.ReceiptValueTotal.Add(float64(delta.Value))
	return delta, nil
}

func (l *Ledger) balanceResult(op string, err error) error {
	switch {
	case err == nil:
		metrics.BalanceOperationsTotal.WithLabelValues(op, "ok").Inc()
		return nil
	case errors.Is(err, ErrBalanceOverflow):
		metrics.BalanceOperationsTotal.WithLabelValues(op, "overflow").Inc()
	case errors.Is(err, ErrUnknownBalance):
		metrics.BalanceOperationsTotal.WithLabelValues(op, "unknown").Inc()
	case errors.Is(err, ErrInsufficientBalance):
		metrics.BalanceOperationsTotal.WithLabelValues(op, "insufficient").Inc()
	case errors.Is(err, ErrNegativeAmount):
		metrics.BalanceOperationsTotal.WithLabelValues(op, "negative").Inc()
	default:
		metrics.BalanceOperationsTotal.WithLabelValues(op, "error").Inc()
		return errors.Wrapf(err, "%s balance", op)
	}
	return err
}

func deltaOf(claim Claim, res Resolution) Delta {
	delta := Delta{SPSPEndpoint: res.SPSPEndpoint, SPSPID: res.SPSPID}
	if claim.Credits(res) {
		delta.Value = uint64(claim.Total - res.Prev)
	}
	return delta
}

func observe(op string) func() {
	timer := prometheus.NewTimer(metrics.StoreOperationDuration.WithLabelValues(op))
	return func() {
		timer.ObserveDuration()
	}
}
