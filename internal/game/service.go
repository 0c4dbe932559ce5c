package game

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/bwmarrin/snowflake"

	"skycrash/internal/logger"
	"skycrash/internal/wallet"
)

const (
	walletCallTimeout = 3 * time.Second
	settleRetries     = 3
	settleBackoffBase = 50 * time.Millisecond
)

// Limits are the placement validation bounds.
type Limits struct {
	MinBet        float64
	MaxBet        float64
	MaxActiveBets int
}

type notifier interface {
	BroadcastEvent(v interface{})
	SendToUser(userID string, v interface{})
}

// BetService validates placements and cashouts and orchestrates the wallet
// gateway, bet store, and reference map under the scheduler's current
// state. It also implements Resolver, which is how the scheduler reaches
// back into bet settlement without holding a reference to any of this.
type BetService struct {
	store    *BetStore
	refs     *RefMap
	wallet   wallet.Gateway
	sched    *Scheduler
	hub      notifier
	ids      *snowflake.Node
	limits   Limits
	recorder Recorder
}

// SetRecorder wires an optional history recorder for settled bets.
func (b *BetService) SetRecorder(r Recorder) { b.recorder = r }

func (b *BetService) recordSettled(bet *Bet) {
	if b.recorder != nil {
		b.recorder.BetSettled(context.Background(), *bet)
	}
}

func NewBetService(store *BetStore, refs *RefMap, gw wallet.Gateway, sched *Scheduler, hub notifier, limits Limits) (*BetService, error) {
	node, err := snowflake.NewNode(1)
	if err != nil {
		return nil, fmt.Errorf("snowflake node: %w", err)
	}
	return &BetService{
		store:  store,
		refs:   refs,
		wallet: gw,
		sched:  sched,
		hub:    hub,
		ids:    node,
		limits: limits,
	}, nil
}

// Place validates and records a wager during BETTING. The wallet debit is
// keyed by the bet id, so a retried call cannot double-charge; a store
// failure after the debit is compensated with a rollback credit.
func (b *BetService) Place(ctx context.Context, userID string, amount float64, betType BetType, autoCashout float64) (*PlaceResult, error) {
	snap := b.sched.Snapshot()
	if snap.Phase != PhaseBetting || b.sched.Stopping() {
		return nil, ErrBettingClosed
	}
	if amount < b.limits.MinBet || amount > b.limits.MaxBet {
		return nil, ErrAmountOutOfRange
	}
	if betType == BetAuto && autoCashout <= 1.00 {
		return nil, ErrMultiplierTooLow
	}
	if betType != BetAuto {
		autoCashout = 0
	}
	if b.store.CountNonTerminal(snap.RoundID, userID) >= b.limits.MaxActiveBets {
		return nil, ErrTooManyBets
	}

	betID := b.ids.Generate().Int64()
	idemKey := fmt.Sprintf("%d", betID)

	wctx, cancel := context.WithTimeout(ctx, walletCallTimeout)
	defer cancel()
	newBalance, err := b.wallet.Debit(wctx, userID, amount, idemKey)
	if err != nil {
		return nil, mapWalletError(err)
	}

	now := time.Now()
	bet := &Bet{
		BetID:       betID,
		RoundID:     snap.RoundID,
		UserID:      userID,
		Amount:      amount,
		Type:        betType,
		AutoCashout: autoCashout,
		Status:      BetPlaced,
		PlacedAt:    now,
		History:     []StateChange{{To: BetPlaced, At: now}},
	}
	if err := b.store.Insert(bet); err != nil {
		b.compensateDebit(userID, amount, betID)
		return nil, err
	}

	// The deadline may have passed between the snapshot and the insert.
	// A bet the activation sweep already picked up made the cut; one
	// still in PLACED is rejected, refunded and removed so a round that
	// ended while we held the wallet call does not linger in the store.
	late := b.sched.Snapshot()
	if late.RoundID != snap.RoundID || late.Phase != PhaseBetting {
		_, terr := b.store.Transition(snap.RoundID, betID, BetPlaced, BetLost, TransitionExtra{Note: "late placement rejected"})
		if terr == nil || errors.Is(terr, ErrBetNotFound) {
			b.store.Remove(snap.RoundID, betID)
			b.compensateDebit(userID, amount, betID)
			return nil, ErrBettingClosed
		}
	}

	ref, err := b.refs.Generate(betID, snap.RoundID, userID)
	if err != nil {
		return nil, err
	}

	logger.With("bets").Info().
		Str("round_id", snap.RoundID).
		Str("user_id", userID).
		Float64("amount", amount).
		Msg("bet placed")

	b.hub.SendToUser(userID, WSMessage{Type: "bet_accepted", Data: BetAcceptedMessage{
		BetRef:     ref,
		Amount:     amount,
		NewBalance: newBalance,
	}})
	b.hub.BroadcastEvent(WSMessage{Type: "bet_placed", Data: map[string]interface{}{
		"user_id": userID,
		"amount":  amount,
	}})

	return &PlaceResult{BetRef: ref, NewBalance: newBalance}, nil
}

// Cashout settles a bet at the multiplier quoted by the scheduler. The
// compare-and-swap on status guarantees exactly one winner per bet however
// many concurrent requests race.
func (b *BetService) Cashout(ctx context.Context, userID, ref string) (*CashoutResult, error) {
	betID, roundID, err := b.refs.Resolve(ref, userID)
	if err != nil {
		return nil, err
	}

	quoteRound, multiplier, err := b.sched.CashoutQuote()
	if err != nil {
		return nil, err
	}
	if quoteRound != roundID {
		return nil, ErrCashoutClosed
	}
	if multiplier <= 1.00 {
		return nil, ErrMultiplierTooLow
	}

	bet, err := b.store.Get(roundID, betID)
	if err != nil {
		return nil, err
	}
	finalPayout := round2(bet.Amount * multiplier)

	won, err := b.store.Transition(roundID, betID, BetActive, BetWon, TransitionExtra{
		CashoutMultiplier: multiplier,
		Payout:            finalPayout,
		Note:              "manual cashout",
	})
	if err != nil {
		return nil, err
	}

	newBalance := b.settleWin(won, multiplier, finalPayout)
	b.recordSettled(won)

	logger.With("bets").Info().
		Str("round_id", roundID).
		Str("user_id", userID).
		Float64("multiplier", multiplier).
		Float64("payout", finalPayout).
		Msg("cashed out")

	result := &CashoutResult{
		BetRef:     ref,
		Multiplier: multiplier,
		Payout:     finalPayout,
		NewBalance: newBalance,
	}
	b.hub.SendToUser(userID, WSMessage{Type: "cashout_result", Data: result})
	b.hub.BroadcastEvent(WSMessage{Type: "cashout", Data: map[string]interface{}{
		"user_id":    userID,
		"multiplier": multiplier,
		"payout":     finalPayout,
	}})
	return result, nil
}

// settleWin credits the payout with bounded retries. On persistent failure
// the bet is flagged for reconciliation and the engine moves on; the credit
// is idempotent and replayable.
func (b *BetService) settleWin(bet *Bet, multiplier, payout float64) float64 {
	key := fmt.Sprintf("%d:win", bet.BetID)

	var newBalance float64
	var err error
	for attempt := 0; attempt < settleRetries; attempt++ {
		if attempt > 0 {
			time.Sleep(settleBackoffBase << uint(attempt-1))
		}
		ctx, cancel := context.WithTimeout(context.Background(), walletCallTimeout)
		newBalance, err = b.wallet.Credit(ctx, bet.UserID, payout, key)
		cancel()
		if err == nil {
			return newBalance
		}
		if !errors.Is(err, wallet.ErrBusy) {
			break
		}
	}

	logger.With("bets").Error().Err(err).
		Str("user_id", bet.UserID).
		Float64("payout", payout).
		Msg("win credit failed, marking for reconciliation")
	b.store.MarkReconcile(bet.RoundID, bet.BetID, "win credit pending")
	return 0
}

func (b *BetService) compensateDebit(userID string, amount float64, betID int64) {
	ctx, cancel := context.WithTimeout(context.Background(), walletCallTimeout)
	defer cancel()
	key := fmt.Sprintf("%d:rollback", betID)
	if _, err := b.wallet.Credit(ctx, userID, amount, key); err != nil {
		logger.With("bets").Error().Err(err).
			Str("user_id", userID).
			Msg("debit compensation failed")
	}
}

// --- Resolver ---

// ActivateRound bulk compare-and-swaps every PLACED bet to ACTIVE at the
// start of flight.
func (b *BetService) ActivateRound(roundID string) {
	for _, bet := range b.store.ListByRound(roundID, BetPlaced) {
		if _, err := b.store.Transition(roundID, bet.BetID, BetPlaced, BetActive, TransitionExtra{Note: "flight started"}); err != nil {
			logger.With("bets").Warn().Err(err).Str("round_id", roundID).Msg("activation skipped")
		}
	}
}

// EvaluateAutoCashouts fires every ACTIVE auto bet whose target the
// full-precision multiplier has reached. The win is settled at the target
// multiplier exactly; the caller guarantees multiplier < crash_point.
func (b *BetService) EvaluateAutoCashouts(roundID string, multiplier float64) {
	for _, bet := range b.store.ListByRound(roundID, BetActive) {
		if bet.AutoCashout > 1.00 && multiplier >= bet.AutoCashout {
			b.autoCashout(bet, bet.AutoCashout)
		}
	}
}

// ResolveCrash settles the round at the authoritative crash instant:
// auto bets whose target sits below the crash point fire first, every other
// ACTIVE bet loses. The wallet keeps the original debit for losses.
func (b *BetService) ResolveCrash(roundID string, crashPoint float64) {
	for _, bet := range b.store.ListByRound(roundID, BetActive) {
		if bet.AutoCashout > 1.00 && bet.AutoCashout < crashPoint {
			b.autoCashout(bet, bet.AutoCashout)
		}
	}

	for _, bet := range b.store.ListByRound(roundID) {
		if bet.Status.Terminal() {
			continue
		}
		from := bet.Status
		lost, err := b.store.Transition(roundID, bet.BetID, from, BetLost, TransitionExtra{Note: "crashed"})
		if err != nil {
			continue // a racing cashout won; that is its prerogative
		}
		b.notifyResolved(lost, "LOST")
		b.recordSettled(lost)
	}
}

// HaltRound marks every open bet of a broken round for manual resolution.
func (b *BetService) HaltRound(roundID string) {
	for _, bet := range b.store.ListByRound(roundID) {
		if bet.Status.Terminal() {
			continue
		}
		halted, err := b.store.Transition(roundID, bet.BetID, bet.Status, BetLost, TransitionExtra{
			Reconcile: true,
			Note:      "round halted, manual resolution required",
		})
		if err == nil {
			b.recordSettled(halted)
		}
	}
	logger.With("bets").Error().Str("round_id", roundID).Msg("round halted, bets flagged for manual resolution")
}

// PruneRound clears the round's bets once the post-crash pause has passed.
// Refs live on until the replay-window sweep.
func (b *BetService) PruneRound(roundID string) {
	b.store.PruneRound(roundID)
}

// SweepRefs expires bet references older than the replay window.
func (b *BetService) SweepRefs(window time.Duration) {
	if n := b.refs.Sweep(window); n > 0 {
		logger.With("bets").Debug().Int("expired", n).Msg("bet refs swept")
	}
}

func (b *BetService) autoCashout(bet *Bet, target float64) {
	payout := round2(bet.Amount * target)
	won, err := b.store.Transition(bet.RoundID, bet.BetID, BetActive, BetWon, TransitionExtra{
		CashoutMultiplier: target,
		Payout:            payout,
		Note:              "auto cashout",
	})
	if err != nil {
		return // already settled by a manual cashout or a previous tick
	}
	// The credit happens off the tick loop; it is idempotent and safe to
	// finish after the round has moved on.
	go b.settleWin(won, target, payout)
	b.notifyResolved(won, "WON")
	b.recordSettled(won)
}

func (b *BetService) notifyResolved(bet *Bet, outcome string) {
	ref, ok := b.refs.RefFor(bet.BetID)
	if !ok {
		return
	}
	b.hub.SendToUser(bet.UserID, WSMessage{Type: "bet_resolved", Data: BetResolvedMessage{
		BetRef:     ref,
		Outcome:    outcome,
		Payout:     bet.Payout,
		Multiplier: bet.CashoutMultiplier,
	}})
}

func mapWalletError(err error) error {
	switch {
	case errors.Is(err, wallet.ErrInsufficientFunds):
		return ErrInsufficientFunds
	case errors.Is(err, wallet.ErrNotFound):
		return ErrWalletNotFound
	case errors.Is(err, wallet.ErrBusy):
		return ErrWalletBusy
	default:
		return &Error{Kind: KindExternal, Code: "WALLET_ERROR", Message: "wallet call failed"}
	}
}
