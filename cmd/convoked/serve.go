package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	anthropicsdk "github.com/anthropics/anthropic-sdk-go"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/convoke-ai/convoke/codec"
	"github.com/convoke-ai/convoke/delegation"
	"github.com/convoke-ai/convoke/dispatcher"
	"github.com/convoke-ai/convoke/executor"
	"github.com/convoke-ai/convoke/internal/config"
	"github.com/convoke-ai/convoke/logging"
	"github.com/convoke-ai/convoke/model"
	"github.com/convoke-ai/convoke/model/anthropic"
	"github.com/convoke-ai/convoke/model/openai"
	"github.com/convoke-ai/convoke/phase"
	"github.com/convoke-ai/convoke/store"
	natstransport "github.com/convoke-ai/convoke/transport/nats"
)

func newServeCmd(configPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the orchestration daemon",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(*configPath)
			if err != nil {
				return err
			}
			return serve(cfg)
		},
	}
}

func serve(cfg *config.Config) error {
	logger, zl := buildLogger(cfg.Logging)

	db, err := store.Open(cfg.Storage.Path, logger)
	if err != nil {
		return err
	}
	defer db.Close()

	convStore := store.NewConversationStore(db)
	restored, err := convStore.Restore()
	if err != nil {
		return fmt.Errorf("restore conversations: %w", err)
	}
	logger.Info("daemon.conversations.restored", "count", restored)

	registry := delegation.NewRegistry(func(o *delegation.Options) {
		o.Store = store.NewBatchStore(db)
		o.Logger = logger
	})
	if err := registry.Restore(); err != nil {
		return fmt.Errorf("restore batches: %w", err)
	}

	phases := phase.NewController(convStore, func(o *phase.Options) {
		o.Logger = logger
	})

	nc, err := natstransport.Connect(cfg.Transport.NATSURL)
	if err != nil {
		return err
	}
	defer nc.Drain() //nolint:errcheck

	transport := natstransport.New(nc, func(o *natstransport.Options) {
		o.Subject = cfg.Transport.Subject
		o.Logger = logger
	})

	metrics := dispatcher.NewMetrics(prometheus.DefaultRegisterer)

	d := dispatcher.NewDispatcher(convStore, registry, phases, func(o *dispatcher.Options) {
		o.Logger = logger
		o.Metrics = metrics
		o.Workers = cfg.Engine.Workers
		o.Coordinator = cfg.Engine.Coordinator
		o.Codec = codec.NewJSONCodec()
		o.Transport = transport
		o.RetryAttempts = cfg.Engine.RetryAttempts
		o.RetryBaseDelay = cfg.Engine.RetryBaseDelay
	})

	for _, ac := range cfg.Engine.Agents {
		m, err := buildModel(ac)
		if err != nil {
			return err
		}
		d.RegisterAgent(executor.NewAgent(ac.Name, ac.Instruction, m))
		logger.Info("daemon.agent.registered", "agent", ac.Name, "provider", ac.Provider)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := d.Start(ctx); err != nil {
		return err
	}
	defer d.Stop()

	sweeper := cron.New()
	if _, err := sweeper.AddFunc(cfg.Engine.SweepInterval, func() {
		if n := d.SweepDeadlines(); n > 0 {
			logger.Info("daemon.sweep.timed_out", "batches", n)
		}
	}); err != nil {
		return fmt.Errorf("schedule deadline sweep: %w", err)
	}
	sweeper.Start()
	defer sweeper.Stop()

	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	srv := &http.Server{Addr: cfg.Server.MetricsAddr, Handler: mux}
	go func() {
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			zl.Error().Err(err).Msg("metrics server failed")
		}
	}()

	logger.Info("daemon.started",
		"nats_url", cfg.Transport.NATSURL,
		"subject", cfg.Transport.Subject,
		"metrics_addr", cfg.Server.MetricsAddr,
	)

	<-ctx.Done()
	logger.Info("daemon.shutting_down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Warn("daemon.metrics.shutdown_failed", "error", err.Error())
	}
	return nil
}

func buildLogger(cfg config.LoggingConfig) (logging.Logger, zerolog.Logger) {
	level, err := zerolog.ParseLevel(cfg.Level)
	if err != nil {
		level = zerolog.InfoLevel
	}

	var zl zerolog.Logger
	if cfg.Pretty {
		zl = zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339})
	} else {
		zl = zerolog.New(os.Stderr)
	}
	zl = zl.Level(level).With().Timestamp().Logger()
	return logging.NewZerologAdapter(zl), zl
}

func buildModel(ac config.AgentConfig) (model.Model, error) {
	switch ac.Provider {
	case "anthropic":
		return anthropic.NewModel(func(o *anthropic.Options) {
			if ac.Model != "" {
				o.Model = anthropicsdk.Model(ac.Model)
			}
		}), nil
	case "openai":
		return openai.NewModel(func(o *openai.Options) {
			if ac.Model != "" {
				o.Model = ac.Model
			}
		}), nil
	default:
		return nil, fmt.Errorf("agent %s: unsupported provider %q", ac.Name, ac.Provider)
	}
}
