package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/TheRockettek/Sandwich-Conduit/internal/config"
	"github.com/TheRockettek/Sandwich-Conduit/internal/proxy"
)

func main() {
	logger := zerolog.New(zerolog.ConsoleWriter{
		Out:        os.Stdout,
		TimeFormat: time.Stamp,
	}).With().Timestamp().Logger()

	cfg, err := config.Load()
	if err != nil {
		logger.Fatal().Err(err).Msg("Failed to load configuration")
	}

	if level, err := zerolog.ParseLevel(cfg.LogLevel); err == nil {
		logger = logger.Level(level)
	}

	if err = cfg.ValidateProxy(); err != nil {
		logger.Fatal().Err(err).Msg("Configuration is incomplete")
	}

	server, err := proxy.NewServer(cfg.Proxy.Addr, cfg.Proxy.Upstream, logger)
	if err != nil {
		logger.Fatal().Err(err).Msg("Failed to create proxy")
	}

	group, groupCtx := errgroup.WithContext(context.Background())

	group.Go(server.ListenAndServe)

	group.Go(func() error {
		signals := make(chan os.Signal, 1)
		signal.Notify(signals, syscall.SIGINT, syscall.SIGTERM)

		select {
		case <-groupCtx.Done():
			return nil
		case sig := <-signals:
			logger.Info().Str("signal", sig.String()).Msg("Shutting down")
		}

		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()

		return server.Shutdown(shutdownCtx)
	})

	if err = group.Wait(); err != nil {
		logger.Fatal().Err(err).Msg("Proxy exited with error")
	}
}
