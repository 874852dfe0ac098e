package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"carepulse/internal/config"
	"carepulse/internal/delivery"
	"carepulse/internal/dispatch"
	"carepulse/internal/hook"
	"carepulse/internal/notifier"
	"carepulse/internal/platform"
	"carepulse/internal/retry"
	"carepulse/internal/server"
	"carepulse/internal/transport"

	connpkg "carepulse/internal/connection"
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "carepulse",
		Short: "Realtime clinic-notification daemon",
	}
	rootCmd.AddCommand(serveCmd())

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func serveCmd() *cobra.Command {
	var configPath string
	var topics []string

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Connect to the channel service and deliver local feedback",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(configPath)
			if err != nil {
				log := zerolog.New(os.Stderr).With().Timestamp().Logger()
				log.Error().Err(err).Msg("failed to load config")
				return err
			}

			logger := setupLogger(cfg.LogLevel)
			logger.Info().
				Str("config", configPath).
				Str("realtime", cfg.Realtime.URL).
				Str("platform", cfg.Platform.BaseURL).
				Msg("starting carepulse")

			return run(cfg, topics, logger)
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", "config.yaml", "path to config file")
	cmd.Flags().StringSliceVarP(&topics, "topic", "t", nil, "topic keys to subscribe at startup (e.g. user:42)")
	return cmd
}

func run(cfg *config.Config, topics []string, logger zerolog.Logger) error {
	ws := transport.NewWSClient(transport.WSConfig{
		URL:            cfg.Realtime.URL,
		CommandTimeout: cfg.Realtime.CommandTimeout,
		PingInterval:   cfg.Realtime.PingInterval,
	}, logger)

	backend := platform.NewClient(platform.Config{
		BaseURL: cfg.Platform.BaseURL,
		APIKey:  cfg.Platform.APIKey,
		Timeout: cfg.Platform.Timeout,
	}, logger)

	channels, err := buildChannels(cfg.Delivery.DedupSize, logger)
	if err != nil {
		logger.Error().Err(err).Msg("failed to build delivery channels")
		return err
	}

	policy := retry.Policy{
		BaseDelay:   cfg.Retry.BaseDelay,
		MaxDelay:    cfg.Retry.MaxDelay,
		MaxAttempts: cfg.Retry.MaxAttempts,
	}
	service := notifier.New(notifier.Config{
		Connection: connpkg.Config{
			HealthCheckInterval: cfg.Realtime.HealthCheckInterval,
			Debounce:            cfg.Realtime.Debounce,
			Retry:               policy,
		},
		Retry: policy,
	}, ws, backend, channels, logger)

	if cfg.HooksDir != "" {
		hooks := hook.NewManager(logger)
		if err := hooks.LoadFromDirectory(cfg.HooksDir); err != nil {
			logger.Error().Err(err).Msg("failed to load hooks")
			return err
		}
		if hooks.Len() > 0 {
			service.AddHook(hooks)
		}
	}

	ctx := context.Background()
	if err := service.Start(ctx); err != nil {
		// Reconnection is already scheduled; keep running.
		logger.Warn().Err(err).Msg("initial connection failed, reconnecting in background")
	}

	for _, topic := range topics {
		service.Subscribe(ctx, topic, dispatch.Options{})
	}

	adminSrv := server.New(cfg.Server.Host, cfg.Server.Port, service, logger)
	go func() {
		if err := adminSrv.Start(); err != nil {
			logger.Error().Err(err).Msg("admin server stopped")
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	sig := <-quit
	logger.Info().Str("signal", sig.String()).Msg("received shutdown signal")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := adminSrv.Shutdown(shutdownCtx); err != nil {
		logger.Error().Err(err).Msg("error during admin server shutdown")
	}
	service.Stop()
	if err := ws.Close(); err != nil {
		logger.Error().Err(err).Msg("error closing transport")
	}
	return nil
}

func buildChannels(dedupSize int, logger zerolog.Logger) ([]delivery.Channel, error) {
	visual, err := delivery.NewVisualChannel(delivery.BeeepAlertDriver{}, dedupSize, logger)
	if err != nil {
		return nil, err
	}
	return []delivery.Channel{
		delivery.NewSoundChannel(delivery.BeeepAudioDriver{}, logger),
		visual,
		delivery.NewHapticChannel(delivery.SysfsVibrationDriver{}, logger),
	}, nil
}

// setupLogger configures the zerolog logger
func setupLogger(level string) zerolog.Logger {
	var logLevel zerolog.Level
	switch level {
	case "debug":
		logLevel = zerolog.DebugLevel
	case "info":
		logLevel = zerolog.InfoLevel
	case "warn":
		logLevel = zerolog.WarnLevel
	case "error":
		logLevel = zerolog.ErrorLevel
	default:
		logLevel = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(logLevel)

	output := zerolog.ConsoleWriter{
		Out:        os.Stdout,
		TimeFormat: time.RFC3339,
	}
	return zerolog.New(output).With().Timestamp().Logger()
}
