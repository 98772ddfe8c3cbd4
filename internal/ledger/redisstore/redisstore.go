// Package redisstore keeps the receipt and balance ledgers in Redis. Every
// ledger operation is a single Lua script so concurrent verifiers sharing
// one Redis never observe partial state.
package redisstore

import (
	"context"
	"strconv"
	"time"

	"github.com/pkg/errors"
	"github.com/redis/go-redis/v9"

	"github.com/davidahmann/receipt-verifier/internal/ledger"
)

const (
	receiptPrefix = "ilpReceipts:"
	balancePrefix = "ilpBalances:"
)

var _ ledger.Store = (*Store)(nil)

type Store struct {
	client redis.UniversalClient
}

// Open connects to the Redis server at uri, e.g. redis://localhost:6379/0.
func Open(ctx context.Context, uri string) (*Store, error) {
	opts, err := redis.ParseURL(uri)
	if err != nil {
		return nil, errors.Wrap(err, "parse redis uri")
	}
	client := redis.NewClient(opts)
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, errors.Wrap(err, "ping redis")
	}
	return New(client), nil
}

func New(client redis.UniversalClient) *Store {
	return &Store{client: client}
}

func (s *Store) Close() error {
	return s.client.Close()
}

func (s *Store) Client() redis.UniversalClient {
	return s.client
}

func (s *Store) RegisterNonce(ctx context.Context, nonce string, meta ledger.NonceMetadata, ttl time.Duration) error {
	key := receiptPrefix + nonce
	_, err := s.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.HSet(ctx, key, "spspEndpoint", meta.SPSPEndpoint, "spspId", meta.SPSPID)
		pipe.PExpire(ctx, key, ttl)
		return nil
	})
	return err
}

func (s *Store) ResolveReceipt(ctx context.Context, claim ledger.Claim) (ledger.Resolution, error) {
	key, args := receiptArgs(claim)
	out, err := resolveScript.Run(ctx, s.client, []string{key}, args...).StringSlice()
	if err != nil {
		return ledger.Resolution{}, err
	}
	return parseResolution(out)
}

func (s *Store) CreditReceipt(ctx context.Context, claim ledger.Claim, balanceID string) (ledger.Resolution, int64, error) {
	key, args := receiptArgs(claim)
	out, err := creditReceiptScript.Run(ctx, s.client, []string{key, balancePrefix + balanceID}, args...).StringSlice()
	if err != nil {
		return ledger.Resolution{}, 0, err
	}
	if len(out) != 5 {
		return ledger.Resolution{}, 0, errors.Errorf("unexpected credit receipt reply %q", out)
	}
	res, err := parseResolution(out[:4])
	if err != nil {
		return ledger.Resolution{}, 0, err
	}
	switch out[4] {
	case "":
		return res, 0, nil
	case "overflow":
		return ledger.Resolution{}, 0, ledger.ErrBalanceOverflow
	}
	balance, err := strconv.ParseInt(out[4], 10, 64)
	if err != nil {
		return ledger.Resolution{}, 0, errors.Wrap(err, "parse balance")
	}
	return res, balance, nil
}

func (s *Store) Credit(ctx context.Context, id string, amount int64) (int64, error) {
	if amount < 0 {
		return 0, ledger.ErrNegativeAmount
	}
	out, err := creditScript.Run(ctx, s.client, []string{balancePrefix + id}, strconv.FormatInt(amount, 10)).StringSlice()
	if err != nil {
		return 0, err
	}
	return parseBalanceReply(out)
}

func (s *Store) Spend(ctx context.Context, id string, amount int64) (int64, error) {
	if amount < 0 {
		return 0, ledger.ErrNegativeAmount
	}
	out, err := spendScript.Run(ctx, s.client, []string{balancePrefix + id}, strconv.FormatInt(amount, 10)).StringSlice()
	if err != nil {
		return 0, err
	}
	return parseBalanceReply(out)
}

func (s *Store) Balance(ctx context.Context, id string) (int64, error) {
	balance, err := s.client.Get(ctx, balancePrefix+id).Int64()
	if errors.Is(err, redis.Nil) {
		return 0, ledger.ErrUnknownBalance
	}
	return balance, err
}

func receiptArgs(claim ledger.Claim) (string, []any) {
	total := strconv.FormatInt(claim.Total, 10)
	stream := strconv.FormatUint(uint64(claim.StreamID), 10)
	if claim.TTL > 0 {
		ms := claim.TTL.Milliseconds()
		if ms < 1 {
			ms = 1
		}
		return receiptPrefix + claim.Nonce + ":" + stream, []any{"timed", stream, total, ms}
	}
	return receiptPrefix + claim.Nonce, []any{"registered", stream, total, 0}
}

func parseResolution(out []string) (ledger.Resolution, error) {
	if len(out) != 4 {
		return ledger.Resolution{}, errors.Errorf("unexpected resolve reply %q", out)
	}
	if out[0] != "1" {
		return ledger.Resolution{}, nil
	}
	prev, err := strconv.ParseInt(out[1], 10, 64)
	if err != nil {
		return ledger.Resolution{}, errors.Wrap(err, "parse stored amount")
	}
	return ledger.Resolution{
		Found:         true,
		Prev:          prev,
		NonceMetadata: ledger.NonceMetadata{SPSPEndpoint: out[2], SPSPID: out[3]},
	}, nil
}

func parseBalanceReply(out []string) (int64, error) {
	if len(out) != 2 {
		return 0, errors.Errorf("unexpected balance reply %q", out)
	}
	switch out[0] {
	case "ok":
		balance, err := strconv.ParseInt(out[1], 10, 64)
		if err != nil {
			return 0, errors.Wrap(err, "parse balance")
		}
		return balance, nil
	case "overflow":
		return 0, ledger.ErrBalanceOverflow
	case "unknown":
		return 0, ledger.ErrUnknownBalance
	case "insufficient":
		return 0, ledger.ErrInsufficientBalance
	default:
		return 0, errors.Errorf("unexpected balance status %q", out[0])
	}
}
