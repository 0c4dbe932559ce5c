// Package history keeps the replay-window record of finished rounds:
// round headers and settled bets in postgres for audit, plus a redis list
// of recent crash points and per-round reveal data for client verification.
package history

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"

	"skycrash/internal/game"
	"skycrash/internal/logger"
)

const (
	redisKeyRoundPrefix  = "crash:round:"
	redisKeyCrashHistory = "crash:history"
)

// RevealRecord is what a client needs to verify one round.
type RevealRecord struct {
	RoundID    string  `json:"round_id"`
	Seed       string  `json:"seed"`
	Commitment string  `json:"commitment"`
	CrashPoint float64 `json:"crash_point"`
	CrashedAt  string  `json:"crashed_at"`
}

// Store implements game.Recorder. All writes happen off the scheduler's
// tick path and failures only log; one lost history row never stalls a
// round.
type Store struct {
	pool        *pgxpool.Pool
	rdb         *redis.Client
	window      time.Duration
	historySize int
}

func New(pool *pgxpool.Pool, rdb *redis.Client, window time.Duration, historySize int) *Store {
	return &Store{pool: pool, rdb: rdb, window: window, historySize: historySize}
}

func (s *Store) RoundStarted(ctx context.Context, r game.Round) {
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
		defer cancel()

		if s.pool != nil {
			_, err := s.pool.Exec(ctx,
				`INSERT INTO rounds (round_id, phase, commitment, crash_point, started_at, betting_deadline)
				 VALUES ($1, $2, $3, $4, $5, $6)`,
				r.RoundID, string(r.Phase), r.Commitment, r.CrashPoint, r.PhaseStartedAt, r.BettingDeadline,
			)
			if err != nil {
				logger.With("history").Error().Err(err).Str("round_id", r.RoundID).Msg("round insert failed")
			}
		}
	}()
}

func (s *Store) RoundRevealed(ctx context.Context, r game.Round) {
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
		defer cancel()

		if s.pool != nil {
			_, err := s.pool.Exec(ctx,
				`UPDATE rounds SET phase = $2, seed = $3, flight_started_at = $4, flight_ended_at = $5
				 WHERE round_id = $1`,
				r.RoundID, string(r.Phase), r.Seed, r.FlightStartedAt, r.FlightEndedAt,
			)
			if err != nil {
				logger.With("history").Error().Err(err).Str("round_id", r.RoundID).Msg("round reveal update failed")
			}
		}

		if s.rdb != nil {
			record := RevealRecord{
				RoundID:    r.RoundID,
				Seed:       r.Seed,
				Commitment: r.Commitment,
				CrashPoint: r.CrashPoint,
				CrashedAt:  r.FlightEndedAt.UTC().Format(time.RFC3339),
			}
			payload, _ := json.Marshal(record)

			pipe := s.rdb.Pipeline()
			pipe.Set(ctx, redisKeyRoundPrefix+r.RoundID, payload, s.window)
			pipe.LPush(ctx, redisKeyCrashHistory, fmt.Sprintf("%.2f", r.CrashPoint))
			pipe.LTrim(ctx, redisKeyCrashHistory, 0, int64(s.historySize)-1)
			if _, err := pipe.Exec(ctx); err != nil {
				logger.With("history").Error().Err(err).Str("round_id", r.RoundID).Msg("redis reveal write failed")
			}
		}
	}()
}

// BetSettled persists a terminal bet row for audit.
func (s *Store) BetSettled(ctx context.Context, b game.Bet) {
	if s.pool == nil {
		return
	}
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
		defer cancel()

		_, err := s.pool.Exec(ctx,
			`INSERT INTO bets (bet_id, round_id, user_id, amount, bet_type, auto_cashout, status,
			                   cashout_multiplier, payout, reconcile, placed_at, resolved_at)
			 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)
			 ON CONFLICT (bet_id) DO UPDATE
			 SET status = EXCLUDED.status, cashout_multiplier = EXCLUDED.cashout_multiplier,
			     payout = EXCLUDED.payout, reconcile = EXCLUDED.reconcile, resolved_at = EXCLUDED.resolved_at`,
			b.BetID, b.RoundID, b.UserID, b.Amount, string(b.Type), b.AutoCashout, string(b.Status),
			b.CashoutMultiplier, b.Payout, b.Reconcile, b.PlacedAt, b.ResolvedAt,
		)
		if err != nil {
			logger.With("history").Error().Err(err).Str("round_id", b.RoundID).Msg("bet row write failed")
		}
	}()
}

// RecentCrashes returns the latest crash points, most recent first.
func (s *Store) RecentCrashes(ctx context.Context, n int) ([]string, error) {
	if s.rdb == nil {
		return nil, nil
	}
	return s.rdb.LRange(ctx, redisKeyCrashHistory, 0, int64(n)-1).Result()
}

// Reveal fetches one round's verification record while it is still inside
// the replay window.
func (s *Store) Reveal(ctx context.Context, roundID string) (*RevealRecord, error) {
	if s.rdb == nil {
		return nil, redis.Nil
	}
	payload, err := s.rdb.Get(ctx, redisKeyRoundPrefix+roundID).Result()
	if err != nil {
		return nil, err
	}
	var record RevealRecord
	if err := json.Unmarshal([]byte(payload), &record); err != nil {
		return nil, err
	}
	return &record, nil
}
