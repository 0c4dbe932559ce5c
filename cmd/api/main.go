package main

import (
	"fmt"
	"os"
	"os/signal"
	"syscall"

	_ "github.com/joho/godotenv/autoload"

	"skycrash/internal/config"
	"skycrash/internal/logger"
	"skycrash/internal/server"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}

	logger.Init(cfg.LogLevel, cfg.AppEnv)

	srv := server.New(cfg)
	srv.RegisterFiberRoutes()

	done := make(chan struct{})
	go func() {
		sig := make(chan os.Signal, 1)
		signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
		<-sig

		logger.Info().Msg("signal received, finishing current round")
		if err := srv.Shutdown(); err != nil {
			logger.Error().Err(err).Msg("shutdown error")
		}
		srv.App.Shutdown()
		close(done)
	}()

	if err := srv.Listen(fmt.Sprintf(":%d", cfg.Port)); err != nil {
		logger.Fatal().Err(err).Msg("server exited")
	}
	<-done
}
