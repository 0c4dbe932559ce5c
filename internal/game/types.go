package game

import (
	"math"
	"time"
)

type Phase string

const (
	PhaseBetting Phase = "BETTING"
	PhaseFlying  Phase = "FLYING"
	PhaseCrashed Phase = "CRASHED"
)

type BetStatus string

const (
	BetPlaced BetStatus = "PLACED"
	BetActive BetStatus = "ACTIVE"
	BetWon    BetStatus = "WON"
	BetLost   BetStatus = "LOST"
)

// Terminal reports whether a bet can no longer change state.
func (s BetStatus) Terminal() bool {
	return s == BetWon || s == BetLost
}

type BetType string

const (
	BetManual BetType = "MANUAL"
	BetAuto   BetType = "AUTO"
)

// Round is the scheduler's record of one BETTING -> FLYING -> CRASHED cycle.
// CrashPoint is fixed at creation and hidden from clients until CRASHED.
type Round struct {
	RoundID         string    `json:"round_id"`
	Phase           Phase     `json:"phase"`
	Seed            string    `json:"-"`
	Commitment      string    `json:"commitment"`
	CrashPoint      float64   `json:"-"`
	PhaseStartedAt  time.Time `json:"phase_started_at"`
	BettingDeadline time.Time `json:"betting_deadline"`
	FlightStartedAt time.Time `json:"flight_started_at,omitempty"`
	FlightEndedAt   time.Time `json:"flight_ended_at,omitempty"`
}

// StateChange is one entry of a bet's audit trail.
type StateChange struct {
	From BetStatus `json:"from"`
	To   BetStatus `json:"to"`
	At   time.Time `json:"at"`
	Note string    `json:"note,omitempty"`
}

// Bet is a single wager. The internal BetID is never sent to clients;
// they hold an opaque reference from the RefMap instead.
type Bet struct {
	BetID             int64         `json:"-"`
	RoundID           string        `json:"round_id"`
	UserID            string        `json:"user_id"`
	Amount            float64       `json:"amount"`
	Type              BetType       `json:"bet_type"`
	AutoCashout       float64       `json:"auto_cashout,omitempty"`
	Status            BetStatus     `json:"status"`
	CashoutMultiplier float64       `json:"cashout_multiplier,omitempty"`
	Payout            float64       `json:"payout,omitempty"`
	PlacedAt          time.Time     `json:"placed_at"`
	ResolvedAt        time.Time     `json:"resolved_at,omitempty"`
	Reconcile         bool          `json:"reconcile,omitempty"`
	History           []StateChange `json:"-"`
}

// Snapshot is the immutable view of the scheduler's state handed to the
// bet service and to newly connected clients. CrashPoint is zero until
// the round has crashed.
type Snapshot struct {
	RoundID    string  `json:"round_id"`
	Phase      Phase   `json:"phase"`
	Multiplier float64 `json:"multiplier"`
	Countdown  float64 `json:"countdown,omitempty"`
	Commitment string  `json:"commitment,omitempty"`
	CrashPoint float64 `json:"crash_point,omitempty"`
}

// PlaceResult is the acknowledgement for a successful placement.
type PlaceResult struct {
	BetRef     string  `json:"bet_ref"`
	NewBalance float64 `json:"new_balance"`
}

// CashoutResult is the acknowledgement for a successful cashout.
type CashoutResult struct {
	BetRef     string  `json:"bet_ref"`
	Multiplier float64 `json:"multiplier"`
	Payout     float64 `json:"payout"`
	NewBalance float64 `json:"new_balance"`
}

// Wire messages fanned out by the hub.

type WSMessage struct {
	Type string      `json:"type"`
	Data interface{} `json:"data,omitempty"`
}

type RoundStateMessage struct {
	RoundID     string  `json:"round_id"`
	Phase       Phase   `json:"phase"`
	Multiplier  float64 `json:"multiplier"`
	Countdown   float64 `json:"countdown,omitempty"`
	Commitment  string  `json:"commitment,omitempty"`
	PlayerCount int     `json:"player_count"`
}

type BetAcceptedMessage struct {
	BetRef     string  `json:"bet_ref"`
	Amount     float64 `json:"amount"`
	NewBalance float64 `json:"new_balance"`
}

type BetResolvedMessage struct {
	BetRef     string  `json:"bet_ref"`
	Outcome    string  `json:"outcome"`
	Payout     float64 `json:"payout,omitempty"`
	Multiplier float64 `json:"multiplier,omitempty"`
}

type RoundRevealedMessage struct {
	RoundID    string  `json:"round_id"`
	Seed       string  `json:"seed"`
	CrashPoint float64 `json:"crash_point"`
}

// floor2 truncates to 2 decimals; this is the client-visible rounding for
// multipliers. Crash checks always use the full-precision value.
func floor2(v float64) float64 {
	// The epsilon absorbs binary representation error so values already at
	// two decimals survive the multiply (2.55*100 evaluates to 254.999...).
	return math.Floor(v*100+1e-9) / 100
}

// round2 rounds money amounts to 2 decimals.
func round2(v float64) float64 {
	return math.Round(v*100) / 100
}
