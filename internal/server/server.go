package server

import (
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/limiter"
	"github.com/gofiber/fiber/v2/middleware/recover"
	"github.com/robfig/cron/v3"

	"skycrash/internal/cache"
	"skycrash/internal/config"
	"skycrash/internal/database"
	"skycrash/internal/game"
	"skycrash/internal/history"
	"skycrash/internal/logger"
	"skycrash/internal/wallet"
)

type FiberServer struct {
	*fiber.App

	cfg     *config.Config
	db      database.Service
	cache   cache.Service
	wallet  wallet.Gateway
	hub     *game.Hub
	sched   *game.Scheduler
	bets    *game.BetService
	history *history.Store
	cron    *cron.Cron
}

func New(cfg *config.Config) *FiberServer {
	db := database.New()

	redisService := cache.New()
	if redisService == nil {
		logger.Fatal().Msg("redis is required for round history")
	}

	gw := wallet.NewPostgres(db.Pool())

	hub := game.NewHub()
	sched := game.NewScheduler(
		game.Timings{
			BettingDuration: cfg.BettingDuration(),
			PostCrashPause:  cfg.PostCrashPause(),
			TickInterval:    cfg.TickInterval(),
		},
		game.PolynomialCurve(cfg.GrowthLinear, cfg.GrowthQuadratic),
		game.NewCryptoSource(cfg.MultiplierCeiling),
		hub,
	)

	store := game.NewBetStore()
	refs := game.NewRefMap()
	bets, err := game.NewBetService(store, refs, gw, sched, hub, game.Limits{
		MinBet:        cfg.MinBet,
		MaxBet:        cfg.MaxBet,
		MaxActiveBets: cfg.MaxActiveBetsPerUser,
	})
	if err != nil {
		logger.Fatal().Err(err).Msg("bet service init failed")
	}

	hist := history.New(db.Pool(), redisService.GetClient(), cfg.ReplayWindow(), cfg.CrashHistorySize)
	sched.SetResolver(bets)
	sched.SetRecorder(hist)
	bets.SetRecorder(hist)

	server := &FiberServer{
		App: fiber.New(fiber.Config{
			ServerHeader:  "skycrash",
			AppName:       "skycrash",
			ReadTimeout:   10 * time.Second,
			WriteTimeout:  10 * time.Second,
			IdleTimeout:   120 * time.Second,
			StrictRouting: false,
		}),

		cfg:     cfg,
		db:      db,
		cache:   redisService,
		wallet:  gw,
		hub:     hub,
		sched:   sched,
		bets:    bets,
		history: hist,
		cron:    cron.New(),
	}

	server.App.Use(recover.New())
	server.App.Use(limiter.New(limiter.Config{
		Max:        100,
		Expiration: 1 * time.Minute,
	}))

	go hub.Run()
	sched.Start()

	// Housekeeping: expired bet refs go away once the replay window has
	// passed. The redis round keys expire on their own TTL.
	window := cfg.ReplayWindow()
	server.cron.AddFunc("@every 1m", func() { bets.SweepRefs(window) })
	server.cron.Start()

	logger.With("server").Info().Msg("round engine started")

	return server
}

// Shutdown stops the engine gracefully: the current round finishes and
// settles, new placements are rejected, broadcasts flush, then connections
// close.
func (s *FiberServer) Shutdown() error {
	logger.With("server").Info().Msg("shutting down")

	s.cron.Stop()

	if s.sched != nil {
		s.sched.Stop()
		s.sched.Wait()
	}
	if s.hub != nil {
		s.hub.Stop()
	}
	if s.cache != nil {
		s.cache.Close()
	}
	if s.db != nil {
		s.db.Close()
	}
	return nil
}
