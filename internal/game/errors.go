package game

import "fmt"

// Kind classifies an engine error for handling policy. Validation and
// authorization errors never change state; contention errors may be retried;
// external errors trigger compensation or reconciliation.
type Kind int

const (
	KindValidation Kind = iota
	KindAuthorization
	KindContention
	KindCapacity
	KindExternal
	KindFatal
)

func (k Kind) String() string {
	switch k {
	case KindValidation:
		return "validation"
	case KindAuthorization:
		return "authorization"
	case KindContention:
		return "contention"
	case KindCapacity:
		return "capacity"
	case KindExternal:
		return "external"
	case KindFatal:
		return "fatal"
	}
	return "unknown"
}

// Error is the engine error type. Code is stable and machine-readable;
// Message is safe to send to clients. Internal bet IDs never appear here.
type Error struct {
	Kind    Kind
	Code    string
	Message string
}

func (e *Error) Error() string {
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// Is matches on Code so callers can use errors.Is against the sentinels.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	return ok && t.Code == e.Code
}

var (
	ErrBettingClosed          = &Error{KindValidation, "BETTING_CLOSED", "betting is closed for the current round"}
	ErrAmountOutOfRange       = &Error{KindValidation, "AMOUNT_OUT_OF_RANGE", "bet amount is outside the allowed range"}
	ErrTooManyBets            = &Error{KindValidation, "TOO_MANY_BETS", "active bet limit for this round reached"}
	ErrInsufficientFunds      = &Error{KindValidation, "INSUFFICIENT_FUNDS", "wallet balance is too low"}
	ErrCashoutClosed          = &Error{KindValidation, "CASHOUT_CLOSED", "cashout is not available right now"}
	ErrMultiplierTooLow       = &Error{KindValidation, "MULTIPLIER_TOO_LOW", "multiplier must be greater than 1.00"}
	ErrBetNotFound            = &Error{KindValidation, "BET_NOT_FOUND", "no such bet"}
	ErrNotOwner               = &Error{KindAuthorization, "NOT_OWNER", "bet reference belongs to another user"}
	ErrInvalidStateTransition = &Error{KindContention, "INVALID_STATE_TRANSITION", "bet is not in the expected state"}
	ErrWalletBusy             = &Error{KindExternal, "WALLET_BUSY", "wallet is temporarily unavailable"}
	ErrWalletNotFound         = &Error{KindExternal, "WALLET_NOT_FOUND", "wallet does not exist"}
	ErrRandomnessUnavailable  = &Error{KindFatal, "RANDOMNESS_UNAVAILABLE", "entropy source failed"}
)
