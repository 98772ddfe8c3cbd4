package pgstore

import (
	"context"
	"database/sql"
	"math"
	"time"

	_ "github.com/lib/pq"
	"github.com/pkg/errors"

	"github.com/davidahmann/receipt-verifier/internal/ledger"
)

var _ ledger.Store = (*Store)(nil)

// Store keeps both ledgers in Postgres. Concurrent resolutions of the same
// stream serialize on row locks taken inside each transaction.
type Store struct {
	db  *sql.DB
	now func() time.Time
}

type Option func(*Store)

func WithClock(now func() time.Time) Option {
	return func(s *Store) {
		s.now = now
	}
}

func OpenPostgres(dsn string, opts ...Option) (*Store, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, err
	}
	if err := db.Ping(); err != nil {
		_ = db.Close()
		return nil, err
	}
	return New(db, opts...), nil
}

func New(db *sql.DB, opts ...Option) *Store {
	s := &Store{db: db, now: time.Now}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *Store) Close() error { return s.db.Close() }

func (s *Store) DB() *sql.DB { return s.db }

func (s *Store) WithTx(ctx context.Context, fn func(*sql.Tx) error) error {
	tx, err := s.db.BeginTx(ctx, &sql.TxOptions{})
	if err != nil {
		return err
	}
	if err := fn(tx); err != nil {
		_ = tx.Rollback()
		return err
	}
	return tx.Commit()
}

func (s *Store) RegisterNonce(ctx context.Context, nonce string, meta ledger.NonceMetadata, ttl time.Duration) error {
	now := s.now()
	return s.WithTx(ctx, func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx, `DELETE FROM receipt_streams WHERE nonce = $1
  AND EXISTS (SELECT 1 FROM receipt_nonces WHERE nonce = $1 AND expires_at <= $2)`,
			nonce, now.UnixMilli()); err != nil {
			return err
		}
		_, err := tx.ExecContext(ctx, `INSERT INTO receipt_nonces(nonce, spsp_endpoint, spsp_id, expires_at)
VALUES($1, $2, $3, $4)
ON CONFLICT(nonce) DO UPDATE SET
  spsp_endpoint = EXCLUDED.spsp_endpoint,
  spsp_id = EXCLUDED.spsp_id,
  expires_at = EXCLUDED.expires_at`,
			nonce, meta.SPSPEndpoint, meta.SPSPID, now.Add(ttl).UnixMilli())
		return err
	})
}

func (s *Store) ResolveReceipt(ctx context.Context, claim ledger.Claim) (ledger.Resolution, error) {
	var res ledger.Resolution
	err := s.WithTx(ctx, func(tx *sql.Tx) error {
		var err error
		res, err = s.resolve(ctx, tx, claim)
		return err
	})
	return res, err
}

func (s *Store) CreditReceipt(ctx context.Context, claim ledger.Claim, balanceID string) (ledger.Resolution, int64, error) {
	var (
		res     ledger.Resolution
		balance int64
	)
	err := s.WithTx(ctx, func(tx *sql.Tx) error {
		var err error
		res, err = s.resolve(ctx, tx, claim)
		if err != nil || !claim.Credits(res) {
			return err
		}
		balance, err = credit(ctx, tx, balanceID, claim.Total-res.Prev, s.now())
		return err
	})
	if err != nil {
		return ledger.Resolution{}, 0, err
	}
	return res, balance, nil
}

func (s *Store) Credit(ctx context.Context, id string, amount int64) (int64, error) {
	if amount < 0 {
		return 0, ledger.ErrNegativeAmount
	}
	return credit(ctx, s.db, id, amount, s.now())
}

func (s *Store) Spend(ctx context.Context, id string, amount int64) (int64, error) {
	if amount < 0 {
		return 0, ledger.ErrNegativeAmount
	}
	var balance int64
	err := s.WithTx(ctx, func(tx *sql.Tx) error {
		var current int64
		err := tx.QueryRowContext(ctx, `SELECT amount FROM balances WHERE id = $1 FOR UPDATE`, id).Scan(&current)
		if errors.Is(err, sql.ErrNoRows) {
			return ledger.ErrUnknownBalance
		}
		if err != nil {
			return err
		}
		if amount > current {
			return ledger.ErrInsufficientBalance
		}
		return tx.QueryRowContext(ctx, `UPDATE balances SET amount = amount - $1, updated_at = $2
WHERE id = $3
RETURNING amount`, amount, s.now().UnixMilli(), id).Scan(&balance)
	})
	if err != nil {
		return 0, err
	}
	return balance, nil
}

func (s *Store) Balance(ctx context.Context, id string) (int64, error) {
	var balance int64
	err := s.db.QueryRowContext(ctx, `SELECT amount FROM balances WHERE id = $1`, id).Scan(&balance)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, ledger.ErrUnknownBalance
	}
	return balance, err
}

// PurgeExpired deletes expired nonces, their streams and expired timed
// streams. It returns the number of rows removed.
func (s *Store) PurgeExpired(ctx context.Context) (int64, error) {
	now := s.now().UnixMilli()
	var removed int64
	err := s.WithTx(ctx, func(tx *sql.Tx) error {
		for _, stmt := range []string{
			`DELETE FROM receipt_streams WHERE nonce IN (SELECT nonce FROM receipt_nonces WHERE expires_at <= $1)`,
			`DELETE FROM receipt_nonces WHERE expires_at <= $1`,
			`DELETE FROM receipt_timed_streams WHERE expires_at <= $1`,
		} {
			r, err := tx.ExecContext(ctx, stmt, now)
			if err != nil {
				return err
			}
			n, err := r.RowsAffected()
			if err != nil {
				return err
			}
			removed += n
		}
		return nil
	})
	return removed, err
}

func (s *Store) resolve(ctx context.Context, tx *sql.Tx, claim ledger.Claim) (ledger.Resolution, error) {
	now := s.now()
	if claim.TTL > 0 {
		return resolveTimed(ctx, tx, claim, now)
	}

	var res ledger.Resolution
	err := tx.QueryRowContext(ctx, `SELECT spsp_endpoint, spsp_id FROM receipt_nonces
WHERE nonce = $1 AND expires_at > $2
FOR UPDATE`, claim.Nonce, now.UnixMilli()).Scan(&res.SPSPEndpoint, &res.SPSPID)
	if errors.Is(err, sql.ErrNoRows) {
		return ledger.Resolution{}, nil
	}
	if err != nil {
		return ledger.Resolution{}, err
	}
	res.Found = true

	err = tx.QueryRowContext(ctx, `SELECT total_received FROM receipt_streams WHERE nonce = $1 AND stream_id = $2`,
		claim.Nonce, int16(claim.StreamID)).Scan(&res.Prev)
	if err != nil && !errors.Is(err, sql.ErrNoRows) {
		return ledger.Resolution{}, err
	}
	if !claim.Credits(res) {
		return res, nil
	}
	_, err = tx.ExecContext(ctx, `INSERT INTO receipt_streams(nonce, stream_id, total_received)
VALUES($1, $2, $3)
ON CONFLICT(nonce, stream_id) DO UPDATE SET total_received = EXCLUDED.total_received`,
		claim.Nonce, int16(claim.StreamID), claim.Total)
	if err != nil {
		return ledger.Resolution{}, err
	}
	return res, nil
}

// resolveTimed has no registered row to lock, so it makes sure the stream
// row exists and locks that instead.
func resolveTimed(ctx context.Context, tx *sql.Tx, claim ledger.Claim, now time.Time) (ledger.Resolution, error) {
	if _, err := tx.ExecContext(ctx, `INSERT INTO receipt_timed_streams(nonce, stream_id, total_received, expires_at)
VALUES($1, $2, 0, $3)
ON CONFLICT(nonce, stream_id) DO NOTHING`, claim.Nonce, int16(claim.StreamID), now.UnixMilli()); err != nil {
		return ledger.Resolution{}, err
	}

	var prev, expiresAt int64
	err := tx.QueryRowContext(ctx, `SELECT total_received, expires_at FROM receipt_timed_streams
WHERE nonce = $1 AND stream_id = $2
FOR UPDATE`, claim.Nonce, int16(claim.StreamID)).Scan(&prev, &expiresAt)
	if err != nil {
		return ledger.Resolution{}, err
	}
	if expiresAt <= now.UnixMilli() {
		prev = 0
	}

	res := ledger.Resolution{Found: true, Prev: prev}
	if !claim.Credits(res) {
		return res, nil
	}
	_, err = tx.ExecContext(ctx, `UPDATE receipt_timed_streams SET total_received = $1, expires_at = $2
WHERE nonce = $3 AND stream_id = $4`, claim.Total, now.Add(claim.TTL).UnixMilli(), claim.Nonce, int16(claim.StreamID))
	if err != nil {
		return ledger.Resolution{}, err
	}
	return res, nil
}

type queryer interface {
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

func credit(ctx context.Context, q queryer, id string, amount int64, now time.Time) (int64, error) {
	var balance int64
	err := q.QueryRowContext(ctx, `INSERT INTO balances(id, amount, updated_at) VALUES($1, $2, $3)
ON CONFLICT(id) DO UPDATE SET
  amount = balances.amount + EXCLUDED.amount,
  updated_at = EXCLUDED.updated_at
WHERE balances.amount <= $4
RETURNING amount`, id, amount, now.UnixMilli(), int64(math.MaxInt64)-amount).Scan(&balance)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, ledger.ErrBalanceOverflow
	}
	return balance, err
}
