// Command keeper polls a SoroTask server and executes due tasks.
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/alfredjeanlab/sorotask/internal/client"
	"github.com/alfredjeanlab/sorotask/internal/events"
	"github.com/alfredjeanlab/sorotask/internal/keeper"
)

var (
	configFile string
	logFormat  string
)

func newLogger(format string) *slog.Logger {
	if format == "json" {
		return slog.New(slog.NewJSONHandler(os.Stderr, nil))
	}
	return slog.New(slog.NewTextHandler(os.Stderr, nil))
}

func dial(cfg *keeper.Config) (client.TaskClient, error) {
	switch cfg.Transport {
	case "grpc":
		return client.NewGRPCClient(cfg.ServerURL, cfg.AuthToken)
	default:
		return client.NewHTTPClient(cfg.ServerURL, cfg.AuthToken), nil
	}
}

var rootCmd = &cobra.Command{
	Use:           "keeper",
	Short:         "Poll a SoroTask server and execute due tasks",
	SilenceUsage:  true,
	SilenceErrors: true,
	Args:          cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		logger := newLogger(logFormat)
		slog.SetDefault(logger)

		cfg, err := keeper.LoadConfig(configFile)
		if err != nil {
			return err
		}

		tc, err := dial(cfg)
		if err != nil {
			return fmt.Errorf("connecting to %s: %w", cfg.ServerURL, err)
		}
		defer tc.Close()

		opts := []keeper.Option{keeper.WithLogger(logger)}
		if cfg.NATSURL != "" {
			sub, err := events.NewNATSSubscriber(cfg.NATSURL)
			if err != nil {
				return fmt.Errorf("connecting to NATS: %w", err)
			}
			defer sub.Close()
			pub, err := events.NewNATSPublisher(cfg.NATSURL)
			if err != nil {
				return fmt.Errorf("connecting to NATS: %w", err)
			}
			defer pub.Close()
			opts = append(opts, keeper.WithSubscriber(sub), keeper.WithPublisher(pub))
			logger.Info("keeper: NATS enabled", "url", cfg.NATSURL)
		}

		k := keeper.New(cfg, tc, opts...)

		ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		var healthSrv *http.Server
		if cfg.HealthAddr != "" {
			healthSrv = &http.Server{
				Addr:              cfg.HealthAddr,
				Handler:           keeper.NewHealthHandler(k.Health(), k.Metrics()),
				ReadHeaderTimeout: 5 * time.Second,
			}
			go func() {
				logger.Info("keeper: health server listening", "addr", cfg.HealthAddr)
				if err := healthSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
					logger.Error("keeper: health server failed", "err", err)
					stop()
				}
			}()
		}

		runErr := k.Run(ctx)

		if healthSrv != nil {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			if err := healthSrv.Shutdown(shutdownCtx); err != nil {
				logger.Error("keeper: health server shutdown", "err", err)
			}
		}
		return runErr
	},
}

func init() {
	rootCmd.Flags().StringVar(&configFile, "config", "", "TOML, YAML or JSON config file")
	rootCmd.Flags().StringVar(&logFormat, "log-format", os.Getenv(keeper.EnvPrefix+"_LOG_FORMAT"), "log format (text or json)")
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}
