package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/TheRockettek/Sandwich-Conduit/internal/broker"
	"github.com/TheRockettek/Sandwich-Conduit/internal/config"
	"github.com/TheRockettek/Sandwich-Conduit/internal/gateway"
	"github.com/TheRockettek/Sandwich-Conduit/internal/metrics"
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

	if err = cfg.ValidateProducer(); err != nil {
		logger.Fatal().Err(err).Msg("Configuration is incomplete")
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	bus := broker.NewBroker(cfg.AMQP.URL, cfg.AMQP.Group, cfg.AMQP.Subgroup, logger)
	if err = bus.Connect(); err != nil {
		logger.Fatal().Err(err).Msg("Failed to connect to the broker")
	}

	manager, err := gateway.NewManager(gateway.ManagerConfiguration{
		Token:      cfg.Token,
		ShardCount: cfg.ShardCount,
	}, logger)
	if err != nil {
		logger.Fatal().Err(err).Msg("Failed to create manager")
	}

	if err = manager.Open(ctx); err != nil {
		logger.Fatal().Err(err).Msg("Failed to open manager")
	}

	bridge := broker.NewBridge(manager, bus, cfg.EventBlacklist, logger)
	bridge.Open()

	router := broker.NewRouter(bus, manager.TotalShards(), logger)
	if err = router.Open(); err != nil {
		logger.Fatal().Err(err).Msg("Failed to open send router")
	}

	group, groupCtx := errgroup.WithContext(ctx)

	if cfg.MetricsAddr != "" {
		metricsServer := &http.Server{
			Addr:    cfg.MetricsAddr,
			Handler: metrics.Handler(),
		}

		group.Go(func() error {
			logger.Info().Str("addr", cfg.MetricsAddr).Msg("Metrics listening")

			err := metricsServer.ListenAndServe()
			if err != nil && err != http.ErrServerClosed {
				return err
			}

			return nil
		})

		group.Go(func() error {
			<-groupCtx.Done()

			shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer shutdownCancel()

			return metricsServer.Shutdown(shutdownCtx)
		})
	}

	group.Go(func() error {
		ticker := time.NewTicker(15 * time.Second)
		defer ticker.Stop()

		for {
			select {
			case <-groupCtx.Done():
				return nil
			case <-ticker.C:
				for shardID := 0; shardID < manager.TotalShards(); shardID++ {
					if shard, ok := manager.Shard(shardID); ok {
						metrics.ShardStatus.WithLabelValues(strconv.Itoa(shardID)).
							Set(float64(shard.Status()))
					}
				}
			}
		}
	})

	signals := make(chan os.Signal, 1)
	signal.Notify(signals, syscall.SIGINT, syscall.SIGTERM)

	sig := <-signals
	logger.Info().Str("signal", sig.String()).Msg("Shutting down")

	manager.Close()
	bridge.Close()
	bus.Close()
	cancel()

	if err = group.Wait(); err != nil {
		logger.Error().Err(err).Msg("Shutdown finished with error")
	}
}
