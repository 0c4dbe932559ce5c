package game

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

// testTimings keep whole rounds in the low hundreds of milliseconds.
var testTimings = Timings{
	BettingDuration: 100 * time.Millisecond,
	PostCrashPause:  80 * time.Millisecond,
	TickInterval:    5 * time.Millisecond,
}

// testCurve grows linearly at 4x per second: 2.00 after 250ms, 3.00 after
// 500ms. Steep enough for short tests, shallow enough that ticks land many
// times between interesting multipliers.
func testCurve(elapsed time.Duration) float64 {
	return 1 + 4*elapsed.Seconds()
}

// scriptedRound builds a fair draw with a chosen crash point, keeping the
// seed/commitment relationship intact so reveal checks still hold.
func scriptedRound(seed string, crashPoint float64) RoundSeed {
	return RoundSeed{
		Seed:       seed,
		Commitment: Commitment(seed),
		CrashPoint: crashPoint,
	}
}

// stubSource replays scripted draws; the last one repeats forever.
type stubSource struct {
	mu    sync.Mutex
	seeds []RoundSeed
	next  int
}

func (s *stubSource) NewRound() (RoundSeed, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rs := s.seeds[s.next]
	if s.next < len(s.seeds)-1 {
		s.next++
	}
	return rs, nil
}

type failingSource struct{}

func (failingSource) NewRound() (RoundSeed, error) { return RoundSeed{}, ErrRandomnessUnavailable }

// fakeHub satisfies both the scheduler's broadcaster and the bet service's
// notifier, recording every message for assertions.
type fakeHub struct {
	mu     sync.Mutex
	events []WSMessage
	user   map[string][]WSMessage
}

func newFakeHub() *fakeHub {
	return &fakeHub{user: make(map[string][]WSMessage)}
}

func (h *fakeHub) BroadcastTick(v interface{}) {}

func (h *fakeHub) BroadcastEvent(v interface{}) {
	if m, ok := v.(WSMessage); ok {
		h.mu.Lock()
		h.events = append(h.events, m)
		h.mu.Unlock()
	}
}

func (h *fakeHub) GetClientCount() int { return 0 }

func (h *fakeHub) SendToUser(userID string, v interface{}) {
	if m, ok := v.(WSMessage); ok {
		h.mu.Lock()
		h.user[userID] = append(h.user[userID], m)
		h.mu.Unlock()
	}
}

func (h *fakeHub) eventsOfType(msgType string) []WSMessage {
	h.mu.Lock()
	defer h.mu.Unlock()
	var out []WSMessage
	for _, m := range h.events {
		if m.Type == msgType {
			out = append(out, m)
		}
	}
	return out
}

func (h *fakeHub) userMessages(userID string, msgType string) []WSMessage {
	h.mu.Lock()
	defer h.mu.Unlock()
	var out []WSMessage
	for _, m := range h.user[userID] {
		if m.Type == msgType {
			out = append(out, m)
		}
	}
	return out
}

// fakeResolver records the scheduler's callbacks in order.
type fakeResolver struct {
	mu    sync.Mutex
	calls []string
}

func (r *fakeResolver) record(call string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.calls = append(r.calls, call)
}

func (r *fakeResolver) ActivateRound(roundID string)           { r.record("activate:" + roundID) }
func (r *fakeResolver) EvaluateAutoCashouts(string, float64)   {}
func (r *fakeResolver) ResolveCrash(roundID string, _ float64) { r.record("resolve:" + roundID) }
func (r *fakeResolver) HaltRound(roundID string)               { r.record("halt:" + roundID) }
func (r *fakeResolver) PruneRound(roundID string)              { r.record("prune:" + roundID) }

func (r *fakeResolver) snapshot() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.calls...)
}

func waitForPhase(t *testing.T, s *Scheduler, phase Phase, timeout time.Duration) Snapshot {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if snap := s.Snapshot(); snap.Phase == phase {
			return snap
		}
		time.Sleep(time.Millisecond)
	}
	t.Fatalf("phase %v not reached within %v", phase, timeout)
	return Snapshot{}
}

func waitForMultiplier(t *testing.T, s *Scheduler, min float64, timeout time.Duration) Snapshot {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if snap := s.Snapshot(); snap.Phase == PhaseFlying && snap.Multiplier >= min {
			return snap
		}
		time.Sleep(time.Millisecond)
	}
	t.Fatalf("multiplier %v not reached within %v", min, timeout)
	return Snapshot{}
}

func startScheduler(t *testing.T, src Source, curve Curve) (*Scheduler, *fakeHub, *fakeResolver) {
	t.Helper()
	hub := newFakeHub()
	resolver := &fakeResolver{}
	sched := NewScheduler(testTimings, curve, src, hub)
	sched.SetResolver(resolver)
	sched.Start()
	t.Cleanup(func() {
		sched.Stop()
		sched.Wait()
	})
	return sched, hub, resolver
}

func TestScheduler_PhaseCycle(t *testing.T) {
	src := &stubSource{seeds: []RoundSeed{scriptedRound("cycle_seed", 1.50)}}
	sched, _, _ := startScheduler(t, src, testCurve)

	betting := waitForPhase(t, sched, PhaseBetting, time.Second)
	require.NotEmpty(t, betting.RoundID)
	require.NotEmpty(t, betting.Commitment)
	require.Zero(t, betting.CrashPoint, "crash point must stay hidden during betting")
	require.Greater(t, betting.Countdown, 0.0)

	flying := waitForPhase(t, sched, PhaseFlying, time.Second)
	require.Equal(t, betting.RoundID, flying.RoundID)
	require.Zero(t, flying.CrashPoint, "crash point must stay hidden during flight")

	crashed := waitForPhase(t, sched, PhaseCrashed, time.Second)
	require.Equal(t, betting.RoundID, crashed.RoundID)
	require.Equal(t, 1.50, crashed.CrashPoint)
	require.Equal(t, 1.50, crashed.Multiplier, "display multiplier lands exactly on the crash point")

	// The next round opens with a fresh id after the pause.
	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) {
		snap := sched.Snapshot()
		if snap.Phase == PhaseBetting && snap.RoundID != betting.RoundID {
			return
		}
		time.Sleep(time.Millisecond)
	}
	t.Fatal("next round never opened")
}

func TestScheduler_MultiplierMonotonic(t *testing.T) {
	src := &stubSource{seeds: []RoundSeed{scriptedRound("mono_seed", 3.00)}}
	sched, _, _ := startScheduler(t, src, testCurve)

	flying := waitForPhase(t, sched, PhaseFlying, time.Second)

	prev := 0.0
	for {
		snap := sched.Snapshot()
		if snap.RoundID != flying.RoundID || snap.Phase != PhaseFlying {
			break
		}
		require.GreaterOrEqual(t, snap.Multiplier, prev, "display multiplier regressed")
		require.LessOrEqual(t, snap.Multiplier, 3.00)
		prev = snap.Multiplier
		time.Sleep(time.Millisecond)
	}
	require.Greater(t, prev, 1.0, "never observed the multiplier moving")
}

func TestScheduler_RevealVerifies(t *testing.T) {
	src := &stubSource{seeds: []RoundSeed{scriptedRound("reveal_seed", 1.80)}}
	sched, hub, _ := startScheduler(t, src, testCurve)

	betting := waitForPhase(t, sched, PhaseBetting, time.Second)
	waitForPhase(t, sched, PhaseCrashed, time.Second)

	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) {
		for _, m := range hub.eventsOfType("round_revealed") {
			reveal := m.Data.(RoundRevealedMessage)
			if reveal.RoundID != betting.RoundID {
				continue
			}
			require.Equal(t, "reveal_seed", reveal.Seed)
			require.Equal(t, 1.80, reveal.CrashPoint)
			require.Equal(t, betting.Commitment, Commitment(reveal.Seed),
				"revealed seed does not hash to the published commitment")
			return
		}
		time.Sleep(time.Millisecond)
	}
	t.Fatal("round_revealed event never broadcast")
}

func TestScheduler_ResolverOrdering(t *testing.T) {
	src := &stubSource{seeds: []RoundSeed{scriptedRound("order_seed", 1.20)}}
	sched, _, resolver := startScheduler(t, src, testCurve)

	betting := waitForPhase(t, sched, PhaseBetting, time.Second)
	waitForPhase(t, sched, PhaseCrashed, time.Second)
	time.Sleep(testTimings.PostCrashPause + 50*time.Millisecond)

	var activate, resolve, prune = -1, -1, -1
	for i, call := range resolver.snapshot() {
		switch call {
		case "activate:" + betting.RoundID:
			activate = i
		case "resolve:" + betting.RoundID:
			resolve = i
		case "prune:" + betting.RoundID:
			prune = i
		}
	}

	require.GreaterOrEqual(t, activate, 0, "ActivateRound never called")
	require.Greater(t, resolve, activate, "ResolveCrash must follow ActivateRound")
	require.Greater(t, prune, resolve, "PruneRound must follow ResolveCrash")
}

func TestScheduler_CashoutQuoteWindow(t *testing.T) {
	src := &stubSource{seeds: []RoundSeed{scriptedRound("quote_seed", 3.00)}}
	sched, _, _ := startScheduler(t, src, testCurve)

	betting := waitForPhase(t, sched, PhaseBetting, time.Second)
	_, _, err := sched.CashoutQuote()
	require.ErrorIs(t, err, ErrCashoutClosed, "no quote during betting")

	waitForMultiplier(t, sched, 1.2, time.Second)
	roundID, multiplier, err := sched.CashoutQuote()
	require.NoError(t, err)
	require.Equal(t, betting.RoundID, roundID)
	require.GreaterOrEqual(t, multiplier, 1.2)
	require.Less(t, multiplier, 3.00, "quoted multiplier must sit below the crash point")

	waitForPhase(t, sched, PhaseCrashed, time.Second)
	_, _, err = sched.CashoutQuote()
	require.ErrorIs(t, err, ErrCashoutClosed, "no quote after the crash")
}

func TestScheduler_HaltOnRegression(t *testing.T) {
	// A curve that collapses mid-flight violates monotonicity; the round
	// must be halted, not crashed.
	broken := func(elapsed time.Duration) float64 {
		if elapsed < 30*time.Millisecond {
			return 1 + 4*elapsed.Seconds()
		}
		return 0.5
	}
	src := &stubSource{seeds: []RoundSeed{scriptedRound("halt_seed", 50.0)}}
	sched, _, resolver := startScheduler(t, src, broken)

	betting := waitForPhase(t, sched, PhaseBetting, time.Second)
	waitForPhase(t, sched, PhaseFlying, time.Second)

	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) {
		for _, call := range resolver.snapshot() {
			if call == "halt:"+betting.RoundID {
				return
			}
		}
		time.Sleep(time.Millisecond)
	}
	t.Fatal("HaltRound never called for the broken round")
}

func TestScheduler_GracefulStop(t *testing.T) {
	src := &stubSource{seeds: []RoundSeed{scriptedRound("stop_seed", 1.50)}}
	hub := newFakeHub()
	resolver := &fakeResolver{}
	sched := NewScheduler(testTimings, testCurve, src, hub)
	sched.SetResolver(resolver)
	sched.Start()

	betting := waitForPhase(t, sched, PhaseBetting, time.Second)
	sched.Stop()
	require.True(t, sched.Stopping())

	done := make(chan struct{})
	go func() {
		sched.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("scheduler did not stop")
	}

	// The in-flight round still settled before the loop exited.
	resolved := false
	for _, call := range resolver.snapshot() {
		if call == "resolve:"+betting.RoundID {
			resolved = true
		}
	}
	require.True(t, resolved, "graceful stop must settle the current round")
}

func TestScheduler_SourceFailureRetries(t *testing.T) {
	hub := newFakeHub()
	sched := NewScheduler(testTimings, testCurve, failingSource{}, hub)
	sched.SetResolver(&fakeResolver{})
	sched.Start()

	// No round can open; the loop must keep retrying without spinning and
	// still stop cleanly.
	time.Sleep(20 * time.Millisecond)
	require.Equal(t, Snapshot{}, sched.Snapshot())

	sched.Stop()
	done := make(chan struct{})
	go func() {
		sched.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("scheduler stuck after source failure")
	}
}

// Recorder plumbing: started before revealed, seed only in the reveal.
func TestScheduler_RecorderSequence(t *testing.T) {
	rec := &memoryRecorder{}
	src := &stubSource{seeds: []RoundSeed{scriptedRound("record_seed", 1.30)}}
	hub := newFakeHub()
	sched := NewScheduler(testTimings, testCurve, src, hub)
	sched.SetResolver(&fakeResolver{})
	sched.SetRecorder(rec)
	sched.Start()
	t.Cleanup(func() {
		sched.Stop()
		sched.Wait()
	})

	betting := waitForPhase(t, sched, PhaseBetting, time.Second)
	waitForPhase(t, sched, PhaseCrashed, time.Second)

	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) {
		if r, ok := rec.revealed(betting.RoundID); ok {
			require.Equal(t, "record_seed", r.Seed)
			require.Equal(t, 1.30, r.CrashPoint)
			started, ok := rec.started(betting.RoundID)
			require.True(t, ok, "RoundStarted missing")
			require.Equal(t, PhaseBetting, started.Phase)
			return
		}
		time.Sleep(time.Millisecond)
	}
	t.Fatal("RoundRevealed never recorded")
}

type memoryRecorder struct {
	mu     sync.Mutex
	starts []Round
	ends   []Round
	bets   []Bet
}

func (r *memoryRecorder) RoundStarted(_ context.Context, round Round) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.starts = append(r.starts, round)
}

func (r *memoryRecorder) RoundRevealed(_ context.Context, round Round) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.ends = append(r.ends, round)
}

func (r *memoryRecorder) BetSettled(_ context.Context, bet Bet) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.bets = append(r.bets, bet)
}

func (r *memoryRecorder) started(roundID string) (Round, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, round := range r.starts {
		if round.RoundID == roundID {
			return round, true
		}
	}
	return Round{}, false
}

func (r *memoryRecorder) revealed(roundID string) (Round, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, round := range r.ends {
		if round.RoundID == roundID {
			return round, true
		}
	}
	return Round{}, false
}
