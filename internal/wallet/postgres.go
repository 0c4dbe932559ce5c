package wallet

import (
	"context"
	"errors"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

const opTimeout = 3 * time.Second

// Postgres implements Gateway on top of the wallets and
// wallet_transactions tables. SELECT ... FOR UPDATE on the wallet row
// serializes mutations per user; the unique idempotency_key column on the
// transaction log makes retries no-ops that return the originally recorded
// balance.
type Postgres struct {
	pool *pgxpool.Pool
}

func NewPostgres(pool *pgxpool.Pool) *Postgres {
	return &Postgres{pool: pool}
}

func (p *Postgres) Debit(ctx context.Context, userID string, amount float64, key string) (float64, error) {
	return p.apply(ctx, userID, -amount, key, "debit")
}

func (p *Postgres) Credit(ctx context.Context, userID string, amount float64, key string) (float64, error) {
	return p.apply(ctx, userID, amount, key, "credit")
}

func (p *Postgres) Balance(ctx context.Context, userID string) (float64, error) {
	ctx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()

	var balance float64
	err := p.pool.QueryRow(ctx, `SELECT balance FROM wallets WHERE user_id = $1`, userID).Scan(&balance)
	if errors.Is(err, pgx.ErrNoRows) {
		return 0, ErrNotFound
	}
	if err != nil {
		return 0, mapPgError(err)
	}
	return balance, nil
}

func (p *Postgres) apply(ctx context.Context, userID string, delta float64, key, kind string) (float64, error) {
	ctx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()

	tx, err := p.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return 0, mapPgError(err)
	}
	defer tx.Rollback(ctx)

	// Replay check first: an applied key returns the recorded outcome.
	var recorded float64
	err = tx.QueryRow(ctx,
		`SELECT new_balance FROM wallet_transactions WHERE idempotency_key = $1`, key,
	).Scan(&recorded)
	if err == nil {
		return recorded, nil
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		return 0, mapPgError(err)
	}

	var balance float64
	err = tx.QueryRow(ctx,
		`SELECT balance FROM wallets WHERE user_id = $1 FOR UPDATE`, userID,
	).Scan(&balance)
	if errors.Is(err, pgx.ErrNoRows) {
		return 0, ErrNotFound
	}
	if err != nil {
		return 0, mapPgError(err)
	}

	newBalance := balance + delta
	if newBalance < 0 {
		return balance, ErrInsufficientFunds
	}

	if _, err := tx.Exec(ctx,
		`UPDATE wallets SET balance = $1, updated_at = now() WHERE user_id = $2`,
		newBalance, userID,
	); err != nil {
		return 0, mapPgError(err)
	}

	if _, err := tx.Exec(ctx,
		`INSERT INTO wallet_transactions (idempotency_key, user_id, kind, amount, new_balance)
		 VALUES ($1, $2, $3, $4, $5)`,
		key, userID, kind, delta, newBalance,
	); err != nil {
		// A concurrent retry with the same key won the race; read its result.
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23505" {
			return p.replayResult(ctx, key)
		}
		return 0, mapPgError(err)
	}

	if err := tx.Commit(ctx); err != nil {
		return 0, mapPgError(err)
	}
	return newBalance, nil
}

func (p *Postgres) replayResult(ctx context.Context, key string) (float64, error) {
	var recorded float64
	err := p.pool.QueryRow(ctx,
		`SELECT new_balance FROM wallet_transactions WHERE idempotency_key = $1`, key,
	).Scan(&recorded)
	if err != nil {
		return 0, mapPgError(err)
	}
	return recorded, nil
}

func mapPgError(err error) error {
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return ErrBusy
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		switch pgErr.Code {
		case "55P03", "40001", "40P01": // lock not available, serialization, deadlock
			return ErrBusy
		}
	}
	return err
}
