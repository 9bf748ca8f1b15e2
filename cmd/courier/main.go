package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/cuemby/courier/pkg/activity"
	"github.com/cuemby/courier/pkg/anomaly"
	"github.com/cuemby/courier/pkg/buffer"
	"github.com/cuemby/courier/pkg/config"
	"github.com/cuemby/courier/pkg/engine"
	"github.com/cuemby/courier/pkg/events"
	"github.com/cuemby/courier/pkg/log"
	"github.com/cuemby/courier/pkg/metrics"
	"github.com/cuemby/courier/pkg/storage"
)

var (
	// Version information (set via ldflags during build)
	Version   = "dev"
	Commit    = "unknown"
	BuildTime = "unknown"
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:   "courier",
	Short: "Courier - Durable message broker on PostgreSQL",
	Long: `Courier is a multi-tenant message broker backed by PostgreSQL.

Messages move through a four-state lifecycle with visibility timeouts,
bounded retries and a dead-letter status. Every operation is recorded in a
denormalized activity log with inline anomaly detection.`,
	Version: Version,
}

func init() {
	rootCmd.SetVersionTemplate(fmt.Sprintf(
		"Courier version %s\nCommit: %s\nBuilt: %s\n",
		Version, Commit, BuildTime,
	))

	rootCmd.PersistentFlags().String("config", "", "Path to configuration file")

	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(queueCmd)
}

func loadConfig(cmd *cobra.Command) (*config.Config, error) {
	path, _ := cmd.Flags().GetString("config")
	cfg, err := config.Load(path)
	if err != nil {
		return nil, fmt.Errorf("failed to load configuration: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func openStore(ctx context.Context, cfg *config.Config) (storage.Store, error) {
	switch cfg.Storage.Driver {
	case "memory":
		return storage.NewMemoryStore(), nil
	default:
		return storage.NewPostgresStore(ctx, storage.Config{
			DSN:          cfg.Storage.DSN,
			MaxConns:     cfg.Storage.MaxConns,
			EventChannel: cfg.Storage.EventChannel,
		})
	}
}

func thresholdsFrom(cfg *config.Config) anomaly.Thresholds {
	return anomaly.Thresholds{
		FlashThresholdMs:  cfg.Detectors.FlashThresholdMs,
		LargePayloadBytes: cfg.Detectors.LargePayloadBytes,
		LongProcessingMs:  cfg.Detectors.LongProcessingMs,
		NearDLQThreshold:  cfg.Detectors.NearDLQThreshold,
		ZombieMultiplier:  cfg.Detectors.ZombieMultiplier,
		BurstCount:        cfg.Detectors.BurstCount,
		BurstSeconds:      cfg.Detectors.BurstSeconds,
		BulkThreshold:     cfg.Detectors.BulkThreshold,
	}
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the broker",
	Long: `Start the broker: storage, event bus, engine with its reaper, the
optional enqueue buffer, and the metrics/health listener.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig(cmd)
		if err != nil {
			return err
		}

		log.Init(log.Config{
			Level:      log.Level(cfg.Log.Level),
			JSONOutput: cfg.Log.JSON,
		})
		logger := log.WithComponent("serve")
		logger.Info().
			Str("version", Version).
			Str("driver", cfg.Storage.Driver).
			Msg("starting broker")
		metrics.SetVersion(Version)

		ctx, cancel := context.WithCancel(context.Background())
		defer cancel()

		store, err := openStore(ctx, cfg)
		if err != nil {
			return fmt.Errorf("failed to open storage: %w", err)
		}
		defer store.Close()
		metrics.RegisterComponent("storage", true, "")

		bus := events.NewBus(cfg.Events.SubscriberBuffer)
		metrics.RegisterComponent("listener", true, "")
		go func() {
			if err := bus.Run(ctx, store); err != nil && ctx.Err() == nil {
				logger.Error().Err(err).Msg("event listener exited")
				metrics.UpdateComponent("listener", false, err.Error())
			}
		}()

		actLogger := activity.NewLogger(anomaly.NewDefaultRegistry(), thresholdsFrom(cfg))
		eng := engine.New(store, actLogger, bus, cfg)
		eng.Start()

		var buf *buffer.Buffer
		if cfg.Buffer.Enabled {
			buf = buffer.New(eng, cfg.Buffer)
			buf.Start()
			logger.Info().
				Int("max_size", cfg.Buffer.MaxSize).
				Int("max_wait_ms", cfg.Buffer.MaxWaitMs).
				Msg("enqueue buffer enabled")
		}

		collector := metrics.NewCollector(store)
		collector.Start()

		var httpServer *http.Server
		if cfg.Metrics.ListenAddr != "" {
			mux := http.NewServeMux()
			mux.Handle("/metrics", metrics.Handler())
			mux.HandleFunc("/healthz", metrics.HealthHandler())
			mux.HandleFunc("/readyz", metrics.ReadyHandler())
			httpServer = &http.Server{Addr: cfg.Metrics.ListenAddr, Handler: mux}
			go func() {
				logger.Info().Str("addr", cfg.Metrics.ListenAddr).Msg("metrics listener started")
				if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
					logger.Error().Err(err).Msg("metrics listener failed")
				}
			}()
		}

		logger.Info().Msg("broker running")

		sigCh := make(chan os.Signal, 1)
		signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
		<-sigCh
		logger.Info().Msg("shutting down")

		if buf != nil {
			buf.Stop()
		}
		eng.Close()
		collector.Stop()
		cancel()
		if httpServer != nil {
			shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
			_ = httpServer.Shutdown(shutdownCtx)
			shutdownCancel()
		}

		logger.Info().Msg("shutdown complete")
		return nil
	},
}
