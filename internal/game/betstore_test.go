package game

import (
	"errors"
	"sync"
	"testing"
	"time"
)

func newTestBet(roundID string, betID int64, userID string) *Bet {
	now := time.Now()
	return &Bet{
		BetID:    betID,
		RoundID:  roundID,
		UserID:   userID,
		Amount:   100,
		Type:     BetManual,
		Status:   BetPlaced,
		PlacedAt: now,
		History:  []StateChange{{To: BetPlaced, At: now}},
	}
}

func TestBetStore_InsertAndGet(t *testing.T) {
	store := NewBetStore()

	if err := store.Insert(newTestBet("r1", 1, "alice")); err != nil {
		t.Fatalf("Insert() error = %v", err)
	}

	bet, err := store.Get("r1", 1)
	if err != nil {
		t.Fatalf("Get() error = %v", err)
	}
	if bet.Status != BetPlaced {
		t.Errorf("status = %v, want %v", bet.Status, BetPlaced)
	}

	if _, err := store.Get("r1", 99); !errors.Is(err, ErrBetNotFound) {
		t.Errorf("Get() unknown bet error = %v, want %v", err, ErrBetNotFound)
	}
	if _, err := store.Get("nope", 1); !errors.Is(err, ErrBetNotFound) {
		t.Errorf("Get() unknown round error = %v, want %v", err, ErrBetNotFound)
	}
}

func TestBetStore_Insert_DuplicateID(t *testing.T) {
	store := NewBetStore()

	if err := store.Insert(newTestBet("r1", 1, "alice")); err != nil {
		t.Fatalf("Insert() error = %v", err)
	}
	if err := store.Insert(newTestBet("r1", 1, "bob")); err == nil {
		t.Error("Insert() accepted a duplicate bet id")
	}
}

func TestBetStore_Transition_AllowedEdges(t *testing.T) {
	tests := []struct {
		name     string
		from, to BetStatus
		wantErr  bool
	}{
		{name: "placed to active", from: BetPlaced, to: BetActive},
		{name: "placed to lost", from: BetPlaced, to: BetLost},
		{name: "active to won", from: BetActive, to: BetWon},
		{name: "active to lost", from: BetActive, to: BetLost},
		{name: "placed to won is invalid", from: BetPlaced, to: BetWon, wantErr: true},
		{name: "won is terminal", from: BetWon, to: BetLost, wantErr: true},
		{name: "lost is terminal", from: BetLost, to: BetActive, wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			store := NewBetStore()
			bet := newTestBet("r1", 1, "alice")
			bet.Status = tt.from
			if err := store.Insert(bet); err != nil {
				t.Fatalf("Insert() error = %v", err)
			}

			_, err := store.Transition("r1", 1, tt.from, tt.to, TransitionExtra{})
			if tt.wantErr {
				if !errors.Is(err, ErrInvalidStateTransition) {
					t.Errorf("Transition() error = %v, want %v", err, ErrInvalidStateTransition)
				}
				return
			}
			if err != nil {
				t.Errorf("Transition() error = %v", err)
			}
		})
	}
}

func TestBetStore_Transition_WrongExpectedStatus(t *testing.T) {
	store := NewBetStore()
	if err := store.Insert(newTestBet("r1", 1, "alice")); err != nil {
		t.Fatalf("Insert() error = %v", err)
	}

	// Bet is PLACED; claiming it is ACTIVE must fail.
	if _, err := store.Transition("r1", 1, BetActive, BetWon, TransitionExtra{}); !errors.Is(err, ErrInvalidStateTransition) {
		t.Errorf("Transition() error = %v, want %v", err, ErrInvalidStateTransition)
	}

	// The failed compare-and-swap must not have touched the bet.
	bet, _ := store.Get("r1", 1)
	if bet.Status != BetPlaced {
		t.Errorf("status after failed transition = %v, want %v", bet.Status, BetPlaced)
	}
}

func TestBetStore_Transition_AppliesExtra(t *testing.T) {
	store := NewBetStore()
	bet := newTestBet("r1", 1, "alice")
	bet.Status = BetActive
	if err := store.Insert(bet); err != nil {
		t.Fatalf("Insert() error = %v", err)
	}

	won, err := store.Transition("r1", 1, BetActive, BetWon, TransitionExtra{
		CashoutMultiplier: 2.5,
		Payout:            250,
		Note:              "manual cashout",
	})
	if err != nil {
		t.Fatalf("Transition() error = %v", err)
	}

	if won.CashoutMultiplier != 2.5 {
		t.Errorf("cashout multiplier = %v, want 2.5", won.CashoutMultiplier)
	}
	if won.Payout != 250 {
		t.Errorf("payout = %v, want 250", won.Payout)
	}
	if won.ResolvedAt.IsZero() {
		t.Error("terminal transition did not set ResolvedAt")
	}
	last := won.History[len(won.History)-1]
	if last.From != BetActive || last.To != BetWon || last.Note != "manual cashout" {
		t.Errorf("history entry = %+v, want ACTIVE->WON with note", last)
	}
}

func TestBetStore_Transition_ExactlyOneWinner(t *testing.T) {
	store := NewBetStore()
	bet := newTestBet("r1", 1, "alice")
	bet.Status = BetActive
	if err := store.Insert(bet); err != nil {
		t.Fatalf("Insert() error = %v", err)
	}

	const racers = 50
	var wg sync.WaitGroup
	wins := make(chan *Bet, racers)

	for i := 0; i < racers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if won, err := store.Transition("r1", 1, BetActive, BetWon, TransitionExtra{Payout: 200}); err == nil {
				wins <- won
			}
		}()
	}
	wg.Wait()
	close(wins)

	count := 0
	for range wins {
		count++
	}
	if count != 1 {
		t.Errorf("concurrent cashouts produced %v winners, want exactly 1", count)
	}
}

func TestBetStore_CountNonTerminal(t *testing.T) {
	store := NewBetStore()
	store.Insert(newTestBet("r1", 1, "alice"))
	store.Insert(newTestBet("r1", 2, "alice"))
	store.Insert(newTestBet("r1", 3, "bob"))

	if got := store.CountNonTerminal("r1", "alice"); got != 2 {
		t.Errorf("CountNonTerminal() = %v, want 2", got)
	}

	store.Transition("r1", 1, BetPlaced, BetLost, TransitionExtra{})
	if got := store.CountNonTerminal("r1", "alice"); got != 1 {
		t.Errorf("CountNonTerminal() after loss = %v, want 1", got)
	}
}

func TestBetStore_ListByRound_Filter(t *testing.T) {
	store := NewBetStore()
	store.Insert(newTestBet("r1", 1, "alice"))
	b2 := newTestBet("r1", 2, "bob")
	b2.Status = BetActive
	store.Insert(b2)

	if got := len(store.ListByRound("r1")); got != 2 {
		t.Errorf("ListByRound() = %v bets, want 2", got)
	}
	active := store.ListByRound("r1", BetActive)
	if len(active) != 1 || active[0].BetID != 2 {
		t.Errorf("ListByRound(ACTIVE) = %+v, want bet 2 only", active)
	}
}

func TestBetStore_PruneRound(t *testing.T) {
	store := NewBetStore()
	store.Insert(newTestBet("r1", 1, "alice"))
	store.Insert(newTestBet("r2", 2, "bob"))

	store.PruneRound("r1")

	if _, err := store.Get("r1", 1); !errors.Is(err, ErrBetNotFound) {
		t.Error("pruned bet still resolvable")
	}
	if _, err := store.Get("r2", 2); err != nil {
		t.Errorf("other round affected by prune: %v", err)
	}
}

func TestBetStore_Remove(t *testing.T) {
	store := NewBetStore()
	store.Insert(newTestBet("r1", 1, "alice"))
	store.Insert(newTestBet("r1", 2, "bob"))

	store.Remove("r1", 1)

	if _, err := store.Get("r1", 1); !errors.Is(err, ErrBetNotFound) {
		t.Error("removed bet still resolvable")
	}
	if _, err := store.Get("r1", 2); err != nil {
		t.Errorf("sibling bet affected by remove: %v", err)
	}

	// Removing the last bet must drop the round entry itself, so an insert
	// landing after PruneRound cannot leave an orphaned round behind.
	store.Remove("r1", 2)
	store.mu.RLock()
	_, lingering := store.bets["r1"]
	store.mu.RUnlock()
	if lingering {
		t.Error("empty round entry left behind after last remove")
	}

	// No-ops on unknown rounds and bets.
	store.Remove("r1", 99)
	store.Remove("nope", 1)
}

func TestBetStore_Remove_AfterPrune(t *testing.T) {
	store := NewBetStore()
	store.Insert(newTestBet("r1", 1, "alice"))
	store.PruneRound("r1")

	// A placement that straddled the whole round re-creates the entry;
	// the rejection path removes it again.
	store.Insert(newTestBet("r1", 2, "carol"))
	store.Remove("r1", 2)

	store.mu.RLock()
	_, lingering := store.bets["r1"]
	store.mu.RUnlock()
	if lingering {
		t.Error("round entry resurrected by a rejected late placement")
	}
}

func TestBetStore_ReturnsCopies(t *testing.T) {
	store := NewBetStore()
	store.Insert(newTestBet("r1", 1, "alice"))

	bet, _ := store.Get("r1", 1)
	bet.Status = BetWon
	bet.Payout = 9999

	fresh, _ := store.Get("r1", 1)
	if fresh.Status != BetPlaced || fresh.Payout != 0 {
		t.Error("mutating a returned bet leaked into the store")
	}
}
