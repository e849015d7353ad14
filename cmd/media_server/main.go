package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/arzzra/media_server/pkg/config"
	"github.com/arzzra/media_server/pkg/core"
	"github.com/arzzra/media_server/pkg/logging"
	"github.com/arzzra/media_server/pkg/metrics"
)

const shutdownTimeout = 5 * time.Second

func main() {
	var (
		configPath = flag.String("config", "", "Path to YAML config")
		endpoints  = flag.Int("endpoints", 0, "Number of mixer endpoints to activate at startup")
	)
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Ошибка конфигурации: %v\n", err)
		os.Exit(1)
	}

	logger, err := logging.New(cfg.LoggingConfig())
	if err != nil {
		fmt.Fprintf(os.Stderr, "Ошибка логгера: %v\n", err)
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, logger, *endpoints); err != nil {
		logger.Error().Err(err).Msg("media server stopped with error")
		os.Exit(1)
	}
	logger.Info().Msg("media server stopped")
}

func run(ctx context.Context, cfg *config.Config, logger zerolog.Logger, endpoints int) error {
	observers := metrics.Multi{metrics.NewLogObserver(logger)}
	registry := prometheus.NewRegistry()
	if cfg.Metrics.Enabled {
		registry.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
		observers = append(observers, metrics.NewPrometheusObserver(metrics.PrometheusConfig{
			Namespace:  cfg.Metrics.Namespace,
			Registerer: registry,
		}))
	}

	server, err := core.New(*cfg, core.Options{Logger: logger, Observer: observers})
	if err != nil {
		return err
	}

	for i := 0; i < endpoints; i++ {
		e, err := server.CreateEndpoint(core.KindMixer)
		if err != nil {
			return err
		}
		e.Activate(func(err error) {
			if err != nil {
				logger.Error().Err(err).Str("endpoint_id", e.ID()).Msg("endpoint activation failed")
			}
		})
	}

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return server.Run(ctx)
	})

	if cfg.Metrics.Enabled {
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.HandlerFor(registry, promhttp.HandlerOpts{}))
		httpServer := &http.Server{
			Addr:              cfg.Metrics.ListenAddress,
			Handler:           mux,
			ReadHeaderTimeout: 5 * time.Second,
		}

		g.Go(func() error {
			logger.Info().Str("address", cfg.Metrics.ListenAddress).Msg("metrics endpoint listening")
			if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return fmt.Errorf("сервер метрик: %w", err)
			}
			return nil
		})
		g.Go(func() error {
			<-ctx.Done()
			shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
			defer cancel()
			return httpServer.Shutdown(shutdownCtx)
		})
	}

	err = g.Wait()
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}
