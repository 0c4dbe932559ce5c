package game

import (
	"sync"
	"time"
)

// allowed bet state edges; everything else is INVALID_STATE_TRANSITION.
var allowedTransitions = map[BetStatus]map[BetStatus]bool{
	BetPlaced: {BetActive: true, BetLost: true},
	BetActive: {BetWon: true, BetLost: true},
}

// TransitionExtra carries the fields a transition may set alongside the
// status change.
type TransitionExtra struct {
	CashoutMultiplier float64
	Payout            float64
	Reconcile         bool
	Note              string
}

// BetStore holds every bet of the live rounds, keyed by (round_id, bet_id).
// All mutation goes through Insert and Transition; Transition is a
// compare-and-swap on status, so concurrent cashouts on one bet serialize
// and exactly one wins.
type BetStore struct {
	mu   sync.RWMutex
	bets map[string]map[int64]*Bet // round_id -> bet_id -> bet
}

func NewBetStore() *BetStore {
	return &BetStore{
		bets: make(map[string]map[int64]*Bet),
	}
}

// Insert stores a new bet. The bet_id must be unused.
func (s *BetStore) Insert(bet *Bet) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	round := s.bets[bet.RoundID]
	if round == nil {
		round = make(map[int64]*Bet)
		s.bets[bet.RoundID] = round
	}
	if _, exists := round[bet.BetID]; exists {
		return ErrInvalidStateTransition
	}

	stored := *bet
	stored.History = append([]StateChange(nil), bet.History...)
	round[bet.BetID] = &stored
	return nil
}

// Remove drops a single bet, deleting the round entry when it empties. Used
// when a placement is rejected after Insert; a terminal bet left behind in a
// pruned round would otherwise never be collected.
func (s *BetStore) Remove(roundID string, betID int64) {
	s.mu.Lock()
	defer s.mu.Unlock()

	round, ok := s.bets[roundID]
	if !ok {
		return
	}
	delete(round, betID)
	if len(round) == 0 {
		delete(s.bets, roundID)
	}
}

// Transition moves a bet from expected to next atomically and applies extra
// fields. It returns a copy of the updated bet. A wrong current status
// yields INVALID_STATE_TRANSITION; an unknown bet yields BET_NOT_FOUND.
func (s *BetStore) Transition(roundID string, betID int64, expected, next BetStatus, extra TransitionExtra) (*Bet, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	bet, ok := s.bets[roundID][betID]
	if !ok {
		return nil, ErrBetNotFound
	}
	if bet.Status != expected || !allowedTransitions[expected][next] {
		return nil, ErrInvalidStateTransition
	}

	now := time.Now()
	bet.Status = next
	if extra.CashoutMultiplier > 0 {
		bet.CashoutMultiplier = extra.CashoutMultiplier
	}
	if extra.Payout > 0 {
		bet.Payout = extra.Payout
	}
	if extra.Reconcile {
		bet.Reconcile = true
	}
	if next.Terminal() {
		bet.ResolvedAt = now
	}
	bet.History = append(bet.History, StateChange{From: expected, To: next, At: now, Note: extra.Note})

	cp := *bet
	cp.History = append([]StateChange(nil), bet.History...)
	return &cp, nil
}

// MarkReconcile flags a bet whose wallet settlement needs a manual or
// replayed retry. The status is left untouched.
func (s *BetStore) MarkReconcile(roundID string, betID int64, note string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if bet, ok := s.bets[roundID][betID]; ok {
		bet.Reconcile = true
		bet.History = append(bet.History, StateChange{From: bet.Status, To: bet.Status, At: time.Now(), Note: note})
	}
}

// Get returns a copy of one bet.
func (s *BetStore) Get(roundID string, betID int64) (*Bet, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	bet, ok := s.bets[roundID][betID]
	if !ok {
		return nil, ErrBetNotFound
	}
	cp := *bet
	cp.History = append([]StateChange(nil), bet.History...)
	return &cp, nil
}

// ListByRound returns copies of a round's bets, optionally filtered by
// status.
func (s *BetStore) ListByRound(roundID string, statuses ...BetStatus) []*Bet {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []*Bet
	for _, bet := range s.bets[roundID] {
		if len(statuses) > 0 {
			match := false
			for _, st := range statuses {
				if bet.Status == st {
					match = true
					break
				}
			}
			if !match {
				continue
			}
		}
		cp := *bet
		cp.History = append([]StateChange(nil), bet.History...)
		out = append(out, &cp)
	}
	return out
}

// CountNonTerminal counts a user's open bets within a round. Enforcing the
// per-user bet cap reads through here.
func (s *BetStore) CountNonTerminal(roundID, userID string) int {
	s.mu.RLock()
	defer s.mu.RUnlock()

	n := 0
	for _, bet := range s.bets[roundID] {
		if bet.UserID == userID && !bet.Status.Terminal() {
			n++
		}
	}
	return n
}

// PruneRound drops every bet of a round. Called after the post-crash pause;
// the audit trail lives on in the history store.
func (s *BetStore) PruneRound(roundID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.bets, roundID)
}
