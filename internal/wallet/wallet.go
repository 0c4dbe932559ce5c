// Package wallet holds the balance gateway the engine debits and credits
// through. Implementations must serialize mutations per user and be
// idempotent on the supplied key: retrying an applied operation returns the
// original result without moving money again.
package wallet

import (
	"context"
	"errors"
)

var (
	ErrInsufficientFunds = errors.New("wallet: insufficient funds")
	ErrBusy              = errors.New("wallet: busy")
	ErrNotFound          = errors.New("wallet: not found")
)

// Gateway is the contract the engine calls. The engine supplies
// idempotencyKey = bet_id on debit and bet_id + ":win" (or ":rollback")
// on credit.
type Gateway interface {
	// Debit withdraws amount and returns the new balance.
	Debit(ctx context.Context, userID string, amount float64, idempotencyKey string) (float64, error)
	// Credit deposits amount and returns the new balance.
	Credit(ctx context.Context, userID string, amount float64, idempotencyKey string) (float64, error)
	// Balance reads the current balance without mutating it.
	Balance(ctx context.Context, userID string) (float64, error)
}
