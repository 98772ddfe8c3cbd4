package sqlstore

import (
	"context"
	"database/sql"
	"math"
	"time"

	"github.com/pkg/errors"
	_ "modernc.org/sqlite"

	"github.com/davidahmann/receipt-verifier/internal/ledger"
)

var _ ledger.Store = (*Store)(nil)

// Store keeps both ledgers in SQLite. Expiry is evaluated against the
// store clock at read time; PurgeExpired reclaims the rows.
type Store struct {
	db  *sql.DB
	now func() time.Time
}

type Option func(*Store)

// WithClock overrides the clock used for expiry.
func WithClock(now func() time.Time) Option {
	return func(s *Store) {
		s.now = now
	}
}

func OpenSQLite(dsn string, opts ...Option) (*Store, error) {
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, err
	}
	// A single connection serializes writers so every transaction below
	// is atomic with respect to the others.
	db.SetMaxOpenConns(1)
	if err := db.Ping(); err != nil {
		_ = db.Close()
		return nil, err
	}
	if _, err := db.Exec("PRAGMA busy_timeout = 5000;"); err != nil {
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

func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) DB() *sql.DB {
	return s.db
}

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
		// Streams of an expired registration must not survive into the new one.
		if _, err := tx.ExecContext(ctx, `DELETE FROM receipt_streams WHERE nonce = ?
  AND EXISTS (SELECT 1 FROM receipt_nonces WHERE nonce = ? AND expires_at <= ?)`,
			nonce, nonce, now.UnixMilli()); err != nil {
			return err
		}
		_, err := tx.ExecContext(ctx, `INSERT INTO receipt_nonces(nonce, spsp_endpoint, spsp_id, expires_at)
VALUES(?, ?, ?, ?)
ON CONFLICT(nonce) DO UPDATE SET
  spsp_endpoint = excluded.spsp_endpoint,
  spsp_id = excluded.spsp_id,
  expires_at = excluded.expires_at`,
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
		err := tx.QueryRowContext(ctx, `UPDATE balances SET amount = amount - ?, updated_at = ?
WHERE id = ? AND amount >= ?
RETURNING amount`, amount, s.now().UnixMilli(), id, amount).Scan(&balance)
		if !errors.Is(err, sql.ErrNoRows) {
			return err
		}
		var exists int
		err = tx.QueryRowContext(ctx, `SELECT 1 FROM balances WHERE id = ?`, id).Scan(&exists)
		switch {
		case errors.Is(err, sql.ErrNoRows):
			return ledger.ErrUnknownBalance
		case err != nil:
			return err
		default:
			return ledger.ErrInsufficientBalance
		}
	})
	if err != nil {
		return 0, err
	}
	return balance, nil
}

func (s *Store) Balance(ctx context.Context, id string) (int64, error) {
	var balance int64
	err := s.db.QueryRowContext(ctx, `SELECT amount FROM balances WHERE id = ?`, id).Scan(&balance)
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
			`DELETE FROM receipt_streams WHERE nonce IN (SELECT nonce FROM receipt_nonces WHERE expires_at <= ?)`,
			`DELETE FROM receipt_nonces WHERE expires_at <= ?`,
			`DELETE FROM receipt_timed_streams WHERE expires_at <= ?`,
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
		var prev int64
		err := tx.QueryRowContext(ctx, `SELECT total_received FROM receipt_timed_streams
WHERE nonce = ? AND stream_id = ? AND expires_at > ?`, claim.Nonce, claim.StreamID, now.UnixMilli()).Scan(&prev)
		if err != nil && !errors.Is(err, sql.ErrNoRows) {
			return ledger.Resolution{}, err
		}
		res := ledger.Resolution{Found: true, Prev: prev}
		if !claim.Credits(res) {
			return res, nil
		}
		_, err = tx.ExecContext(ctx, `INSERT INTO receipt_timed_streams(nonce, stream_id, total_received, expires_at)
VALUES(?, ?, ?, ?)
ON CONFLICT(nonce, stream_id) DO UPDATE SET
  total_received = excluded.total_received,
  expires_at = excluded.expires_at`,
			claim.Nonce, claim.StreamID, claim.Total, now.Add(claim.TTL).UnixMilli())
		if err != nil {
			return ledger.Resolution{}, err
		}
		return res, nil
	}

	var res ledger.Resolution
	err := tx.QueryRowContext(ctx, `SELECT spsp_endpoint, spsp_id FROM receipt_nonces
WHERE nonce = ? AND expires_at > ?`, claim.Nonce, now.UnixMilli()).Scan(&res.SPSPEndpoint, &res.SPSPID)
	if errors.Is(err, sql.ErrNoRows) {
		return ledger.Resolution{}, nil
	}
	if err != nil {
		return ledger.Resolution{}, err
	}
	res.Found = true

	err = tx.QueryRowContext(ctx, `SELECT total_received FROM receipt_streams WHERE nonce = ? AND stream_id = ?`,
		claim.Nonce, claim.StreamID).Scan(&res.Prev)
	if err != nil && !errors.Is(err, sql.ErrNoRows) {
		return ledger.Resolution{}, err
	}
	if claim.Credits(res) {
		_, err = tx.ExecContext(ctx, `INSERT INTO receipt_streams(nonce, stream_id, total_received)
VALUES(?, ?, ?)
ON CONFLICT(nonce, stream_id) DO UPDATE SET total_received = excluded.total_received`,
			claim.Nonce, claim.StreamID, claim.Total)
		if err != nil {
			return ledger.Resolution{}, err
		}
	}
	return res, nil
}

type queryer interface {
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// credit adds amount unless the result would pass MaxInt64, in which case
// the conflict update is skipped and no row is returned.
func credit(ctx context.Context, q queryer, id string, amount int64, now time.Time) (int64, error) {
	var balance int64
	err := q.QueryRowContext(ctx, `INSERT INTO balances(id, amount, updated_at) VALUES(?, ?, ?)
ON CONFLICT(id) DO UPDATE SET
  amount = balances.amount + excluded.amount,
  updated_at = excluded.updated_at
WHERE balances.amount <= ?
RETURNING amount`, id, amount, now.UnixMilli(), math.MaxInt64-amount).Scan(&balance)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, ledger.ErrBalanceOverflow
	}
	return balance, err
}
