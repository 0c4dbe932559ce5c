package game

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"skycrash/internal/logger"
)

// Timings are the configurable phase durations of a round.
type Timings struct {
	BettingDuration time.Duration
	PostCrashPause  time.Duration
	TickInterval    time.Duration
}

// Curve maps elapsed flight time to the full-precision multiplier. It must
// be smooth and strictly increasing from 1.00.
type Curve func(elapsed time.Duration) float64

// PolynomialCurve is the default growth curve:
// multiplier(t) = 1 + t/linear + t^2 * quadratic.
func PolynomialCurve(linear, quadratic float64) Curve {
	return func(elapsed time.Duration) float64 {
		t := elapsed.Seconds()
		return 1.0 + t/linear + t*t*quadratic
	}
}

// Resolver is the bet-side collaborator the scheduler drives. The bet
// service implements it; the indirection keeps the scheduler free of any
// back-reference into bet handling.
type Resolver interface {
	// ActivateRound flips every PLACED bet of the round to ACTIVE when
	// flight begins.
	ActivateRound(roundID string)
	// EvaluateAutoCashouts fires auto cashouts whose target the
	// full-precision multiplier has reached.
	EvaluateAutoCashouts(roundID string, multiplier float64)
	// ResolveCrash settles the round at the authoritative crash instant.
	ResolveCrash(roundID string, crashPoint float64)
	// HaltRound marks every open bet of a broken round for manual
	// resolution.
	HaltRound(roundID string)
	// PruneRound drops the round's bets after the post-crash pause.
	PruneRound(roundID string)
}

// Recorder persists round lifecycle events outside the hot path.
// Implementations must not block the tick loop; failures are logged, not
// propagated.
type Recorder interface {
	RoundStarted(ctx context.Context, r Round)
	RoundRevealed(ctx context.Context, r Round)
	BetSettled(ctx context.Context, b Bet)
}

type broadcaster interface {
	BroadcastTick(v interface{})
	BroadcastEvent(v interface{})
	GetClientCount() int
}

// Scheduler drives the BETTING -> FLYING -> CRASHED cycle. Exactly one
// goroutine runs the loop; it is the canonical source of phase and
// multiplier. Everyone else reads through Snapshot or CashoutQuote.
type Scheduler struct {
	timings  Timings
	curve    Curve
	fair     Source
	hub      broadcaster
	resolver Resolver
	recorder Recorder

	mu          sync.RWMutex
	round       *Round
	rawMult     float64
	displayMult float64
	stopping    bool

	stopCh   chan struct{}
	stopOnce sync.Once
	done     chan struct{}
}

func NewScheduler(timings Timings, curve Curve, fair Source, hub broadcaster) *Scheduler {
	return &Scheduler{
		timings: timings,
		curve:   curve,
		fair:    fair,
		hub:     hub,
		stopCh:  make(chan struct{}),
		done:    make(chan struct{}),
	}
}

// SetResolver wires the bet service in. Must be called before Start.
func (s *Scheduler) SetResolver(r Resolver) { s.resolver = r }

// SetRecorder wires an optional history recorder in.
func (s *Scheduler) SetRecorder(r Recorder) { s.recorder = r }

// Start launches the round loop.
func (s *Scheduler) Start() {
	go s.run()
}

// Stop requests a graceful stop: the current round finishes and settles,
// new placements are rejected, then the loop exits. Wait blocks until the
// loop has exited.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	s.stopping = true
	s.mu.Unlock()
	s.stopOnce.Do(func() { close(s.stopCh) })
}

func (s *Scheduler) Wait() { <-s.done }

// Stopping reports whether a graceful stop is in progress.
func (s *Scheduler) Stopping() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.stopping
}

// Snapshot returns an immutable copy of the current round state. CrashPoint
// is populated only once the round has crashed.
func (s *Scheduler) Snapshot() Snapshot {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.round == nil {
		return Snapshot{}
	}
	snap := Snapshot{
		RoundID:    s.round.RoundID,
		Phase:      s.round.Phase,
		Multiplier: s.displayMult,
		Commitment: s.round.Commitment,
	}
	switch s.round.Phase {
	case PhaseBetting:
		if remaining := time.Until(s.round.BettingDeadline); remaining > 0 {
			snap.Countdown = remaining.Seconds()
		}
	case PhaseCrashed:
		snap.CrashPoint = s.round.CrashPoint
	}
	return snap
}

// CashoutQuote takes the single consistent read a cashout decision is made
// from. It returns the round and the client-visible multiplier iff the
// round is FLYING; the quoted multiplier is always strictly below the crash
// point because the CRASHED commit happens under the same lock.
func (s *Scheduler) CashoutQuote() (roundID string, multiplier float64, err error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.round == nil || s.round.Phase != PhaseFlying {
		return "", 0, ErrCashoutClosed
	}
	return s.round.RoundID, s.displayMult, nil
}

func (s *Scheduler) run() {
	defer close(s.done)
	log := logger.With("scheduler")

	for {
		s.mu.RLock()
		stopping := s.stopping
		s.mu.RUnlock()
		if stopping {
			log.Info().Msg("scheduler stopped")
			return
		}
		s.runRound(log)
	}
}

func (s *Scheduler) runRound(log *zerolog.Logger) {
	seed, err := s.fair.NewRound()
	if err != nil {
		log.Error().Err(err).Msg("crash point draw failed")
		select {
		case <-time.After(time.Second):
		case <-s.stopCh:
		}
		return
	}

	now := time.Now()
	round := &Round{
		RoundID:         uuid.NewString(),
		Phase:           PhaseBetting,
		Seed:            seed.Seed,
		Commitment:      seed.Commitment,
		CrashPoint:      seed.CrashPoint,
		PhaseStartedAt:  now,
		BettingDeadline: now.Add(s.timings.BettingDuration),
	}

	s.mu.Lock()
	s.round = round
	s.rawMult = 1.0
	s.displayMult = 1.0
	s.mu.Unlock()

	log.Info().
		Str("round_id", round.RoundID).
		Str("commitment", round.Commitment[:16]).
		Msg("round open")

	if s.recorder != nil {
		s.recorder.RoundStarted(context.Background(), *round)
	}

	s.broadcastState(false)
	s.bettingPhase(round)

	// Flip to FLYING atomically, then bulk-activate placed bets.
	flightStart := time.Now()
	s.mu.Lock()
	round.Phase = PhaseFlying
	round.PhaseStartedAt = flightStart
	round.FlightStartedAt = flightStart
	s.mu.Unlock()

	s.resolver.ActivateRound(round.RoundID)
	s.broadcastState(false)

	crashed := s.flightPhase(round, flightStart, log)
	if !crashed {
		// The flight loop bailed out on a broken invariant; a fresh
		// round starts immediately.
		return
	}

	log.Info().
		Str("round_id", round.RoundID).
		Float64("crash_point", round.CrashPoint).
		Msg("round crashed")

	select {
	case <-time.After(s.timings.PostCrashPause):
	case <-s.stopCh:
	}
	s.resolver.PruneRound(round.RoundID)
}

// bettingPhase holds the round open for placements, broadcasting the
// countdown on every tick.
func (s *Scheduler) bettingPhase(round *Round) {
	deadline := time.NewTimer(s.timings.BettingDuration)
	defer deadline.Stop()
	ticker := time.NewTicker(s.timings.TickInterval)
	defer ticker.Stop()

	stop := s.stopCh
	for {
		select {
		case <-deadline.C:
			return
		case <-ticker.C:
			s.broadcastState(true)
		case <-stop:
			// Graceful stop still finishes the round; placements are
			// already rejected via Stopping.
			stop = nil
		}
	}
}

// flightPhase drives the multiplier until the pre-drawn crash point. The
// CRASHED commit under the state lock is the authoritative crash instant:
// no cashout quoted after it can win. Returns false if the curve broke
// monotonicity, which is fatal for the round.
func (s *Scheduler) flightPhase(round *Round, flightStart time.Time, log *zerolog.Logger) bool {
	ticker := time.NewTicker(s.timings.TickInterval)
	defer ticker.Stop()

	stop := s.stopCh
	for {
		select {
		case <-ticker.C:
		case <-stop:
			// Keep flying; the round must settle before the loop exits.
			stop = nil
			continue
		}

		raw := s.curve(time.Since(flightStart))

		s.mu.Lock()
		if raw < s.rawMult {
			prev := s.rawMult
			round.Phase = PhaseCrashed
			round.FlightEndedAt = time.Now()
			s.mu.Unlock()

			log.Error().
				Str("round_id", round.RoundID).
				Float64("raw", raw).
				Float64("prev", prev).
				Msg("multiplier regressed, halting round")
			s.resolver.HaltRound(round.RoundID)
			s.broadcastState(false)
			return false
		}
		s.rawMult = raw

		if raw >= round.CrashPoint {
			round.Phase = PhaseCrashed
			round.FlightEndedAt = time.Now()
			s.displayMult = round.CrashPoint
			s.mu.Unlock()

			s.resolver.ResolveCrash(round.RoundID, round.CrashPoint)
			if s.recorder != nil {
				s.recorder.RoundRevealed(context.Background(), *round)
			}
			s.broadcastState(false)
			s.hub.BroadcastEvent(WSMessage{Type: "round_revealed", Data: RoundRevealedMessage{
				RoundID:    round.RoundID,
				Seed:       round.Seed,
				CrashPoint: round.CrashPoint,
			}})
			return true
		}

		s.displayMult = floor2(raw)
		s.mu.Unlock()

		s.broadcastState(true)
		s.resolver.EvaluateAutoCashouts(round.RoundID, raw)
	}
}

func (s *Scheduler) broadcastState(droppable bool) {
	snap := s.Snapshot()
	msg := WSMessage{Type: "round_state", Data: RoundStateMessage{
		RoundID:     snap.RoundID,
		Phase:       snap.Phase,
		Multiplier:  snap.Multiplier,
		Countdown:   snap.Countdown,
		Commitment:  snap.Commitment,
		PlayerCount: s.hub.GetClientCount(),
	}}
	if droppable {
		s.hub.BroadcastTick(msg)
		return
	}
	s.hub.BroadcastEvent(msg)
}
