package main

import (
	"context"
	"io"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/alfredjeanlab/sorotask/internal/auth"
	"github.com/alfredjeanlab/sorotask/internal/config"
	"github.com/alfredjeanlab/sorotask/internal/engine"
	"github.com/alfredjeanlab/sorotask/internal/events"
	"github.com/alfredjeanlab/sorotask/internal/invoke"
	"github.com/alfredjeanlab/sorotask/internal/model"
	"github.com/alfredjeanlab/sorotask/internal/server"
	"github.com/alfredjeanlab/sorotask/internal/store"
	"github.com/alfredjeanlab/sorotask/internal/store/memory"
	"github.com/alfredjeanlab/sorotask/internal/store/postgres"
	tasksync "github.com/alfredjeanlab/sorotask/internal/sync"
)

func newLogger(format string, w io.Writer) *slog.Logger {
	if format == "json" {
		return slog.New(slog.NewJSONHandler(w, nil))
	}
	return slog.New(slog.NewTextHandler(w, nil))
}

// builtinCapabilities are always reachable under the "local" scheme.
func builtinCapabilities() *invoke.Local {
	local := invoke.NewLocal()
	local.Register("noop", func(context.Context, string, []model.Value) (model.Value, error) {
		return model.Value("null"), nil
	})
	local.Register("always", func(context.Context, string, []model.Value) (model.Value, error) {
		return model.Value("true"), nil
	})
	return local
}

func openStore(cfg *config.Config, logger *slog.Logger) (store.Store, error) {
	if cfg.DatabaseURL == "" {
		logger.Warn("SOROTASK_DATABASE_URL not set, using in-memory store")
		return memory.New(), nil
	}
	return postgres.New(cfg.DatabaseURL)
}

var serveCmd = &cobra.Command{
	Use:     "serve",
	Short:   "Start the SoroTask HTTP and gRPC servers",
	GroupID: "system",
	// Override PersistentPreRunE so we don't create a client connection.
	PersistentPreRunE: localOnly,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.Load()
		if err != nil {
			return err
		}
		logger := newLogger(cfg.LogFormat, os.Stderr)

		st, err := openStore(cfg, logger)
		if err != nil {
			return err
		}

		// Event publisher.
		var publisher events.Publisher
		if cfg.NATSURL != "" {
			pub, err := events.NewNATSPublisher(cfg.NATSURL)
			if err != nil {
				st.Close()
				return err
			}
			publisher = pub
			logger.Info("events enabled", "nats_url", cfg.NATSURL)
		} else {
			publisher = &events.NoopPublisher{}
			logger.Info("events disabled (SOROTASK_NATS_URL not set)")
		}

		// Capability routing.
		router := invoke.NewRouter(logger).Handle("local", builtinCapabilities())
		if cfg.Directory != "" {
			dir, err := invoke.ParseDirectory(cfg.Directory)
			if err != nil {
				publisher.Close()
				st.Close()
				return err
			}
			router.Handle("http", invoke.NewHTTPInvoker(dir, cfg.InvokeTimeout))
			logger.Info("http capabilities enabled", "entries", len(dir))
		}
		var natsInvoker *invoke.NATSInvoker
		if cfg.NATSURL != "" {
			natsInvoker, err = invoke.NewNATSInvoker(cfg.NATSURL, cfg.InvokeTimeout)
			if err != nil {
				publisher.Close()
				st.Close()
				return err
			}
			router.Handle("nats", natsInvoker)
		}

		eng := engine.New(st, auth.NewJWTSigner(cfg.ProofMaxAge, logger), router,
			engine.WithPublisher(publisher),
			engine.WithLogger(logger),
			engine.WithCallTimeout(cfg.InvokeTimeout),
		)
		taskServer := server.NewTaskServer(eng, logger)
		grpcServer := server.NewGRPCServer(taskServer, cfg.AuthToken, logger)

		lis, err := net.Listen("tcp", cfg.GRPCAddr)
		if err != nil {
			publisher.Close()
			st.Close()
			return err
		}
		go func() {
			logger.Info("gRPC server listening", "addr", cfg.GRPCAddr)
			if err := grpcServer.Serve(lis); err != nil {
				logger.Error("gRPC server error", "err", err)
			}
		}()

		httpServer := &http.Server{
			Addr:              cfg.HTTPAddr,
			Handler:           taskServer.NewHTTPHandler(cfg.AuthToken),
			ReadHeaderTimeout: 10 * time.Second,
		}
		go func() {
			logger.Info("HTTP server listening", "addr", cfg.HTTPAddr)
			if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				logger.Error("HTTP server error", "err", err)
			}
		}()

		// Registry snapshots.
		var scheduler *tasksync.Scheduler
		if cfg.SyncInterval > 0 {
			var dests []tasksync.Destination
			if cfg.SyncS3Bucket != "" {
				s3Dest, err := tasksync.NewS3Destination(
					context.Background(),
					cfg.SyncS3Bucket,
					cfg.SyncS3Key,
					cfg.SyncS3Region,
					cfg.SyncS3Endpoint,
				)
				if err != nil {
					logger.Error("failed to create S3 sync destination", "err", err)
				} else {
					dests = append(dests, s3Dest)
					logger.Info("sync S3 destination enabled", "bucket", cfg.SyncS3Bucket, "key", cfg.SyncS3Key)
				}
			}
			if cfg.SyncGitRepo != "" {
				dests = append(dests, tasksync.NewGitDestination(cfg.SyncGitRepo, cfg.SyncGitFile, cfg.SyncGitBranch))
				logger.Info("sync git destination enabled", "repo", cfg.SyncGitRepo, "file", cfg.SyncGitFile)
			}
			if len(dests) > 0 {
				scheduler = tasksync.NewScheduler(st, dests, cfg.SyncInterval, logger)
				scheduler.Start()
				logger.Info("sync scheduler started", "interval", cfg.SyncInterval)
			}
		}

		logger.Info("sorotask server started",
			"grpc_addr", cfg.GRPCAddr,
			"http_addr", cfg.HTTPAddr,
			"capability_schemes", router.Schemes(),
		)

		sigCh := make(chan os.Signal, 1)
		signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
		sig := <-sigCh
		logger.Info("received signal, shutting down", "signal", sig)

		if scheduler != nil {
			scheduler.Stop()
			logger.Info("sync scheduler stopped")
		}

		grpcServer.GracefulStop()
		logger.Info("gRPC server stopped")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := httpServer.Shutdown(shutdownCtx); err != nil {
			logger.Error("HTTP server shutdown error", "err", err)
		}
		logger.Info("HTTP server stopped")

		if natsInvoker != nil {
			natsInvoker.Close()
		}
		if err := publisher.Close(); err != nil {
			logger.Error("error closing publisher", "err", err)
		}
		if err := st.Close(); err != nil {
			logger.Error("error closing store", "err", err)
		}

		logger.Info("shutdown complete")
		return nil
	},
}
