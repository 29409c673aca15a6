package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/4xmen/storechat/internal/auth"
	"github.com/4xmen/storechat/internal/db"
	"github.com/4xmen/storechat/internal/handlers"
	"github.com/4xmen/storechat/internal/obs"
	"github.com/4xmen/storechat/internal/push"
	"github.com/4xmen/storechat/internal/relay"
	"github.com/4xmen/storechat/internal/storage"
	"github.com/4xmen/storechat/pkg/config"
)

const shutdownTimeout = 10 * time.Second

func newServeCmd(cfg *config.Config) *cobra.Command {
	var port string
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the chat relay (REST API and websocket)",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if port != "" {
				cfg.Port = port
			}
			return runServer(cmd.Context(), cfg, obs.NewLogger(cfg.Environment))
		},
	}
	cmd.Flags().StringVarP(&port, "port", "p", "", "listen port (overrides PORT)")
	return cmd
}

// newStorage picks S3 when an endpoint is configured and the local upload
// directory otherwise. filesDir is empty when nothing is served from disk.
func newStorage(cfg *config.Config, logger *slog.Logger) (files storage.Storage, filesDir string, err error) {
	if cfg.S3Endpoint != "" {
		s3, err := storage.NewS3(cfg.S3Endpoint, cfg.S3UseSSL, cfg.S3AccessKey, cfg.S3SecretKey, cfg.S3Bucket, logger)
		if err != nil {
			return nil, "", err
		}
		return s3, "", nil
	}
	disk, err := storage.NewDisk(cfg.FileStoragePath, "/api/files")
	if err != nil {
		return nil, "", err
	}
	return disk, cfg.FileStoragePath, nil
}

func runServer(ctx context.Context, cfg *config.Config, logger *slog.Logger) error {
	database, err := db.New(cfg.DatabasePath)
	if err != nil {
		return fmt.Errorf("failed to initialize database: %w", err)
	}
	defer database.Close()

	files, filesDir, err := newStorage(cfg, logger)
	if err != nil {
		return fmt.Errorf("failed to initialize storage: %w", err)
	}

	authSvc := auth.New(database.GetConn(), cfg.JWTSecret)
	hubOpts := relay.Options{
		Store:  database,
		Locale: cfg.Locale,
		Logger: logger,
	}
	notifier := push.NewNotifier(database, cfg.VAPIDPublicKey, cfg.VAPIDPrivateKey, logger)
	if notifier != nil {
		hubOpts.Notifier = notifier
	} else {
		logger.Info("web push disabled, VAPID keys not configured")
	}
	hub := relay.NewHub(hubOpts)

	router := handlers.NewRouter(handlers.RouterConfig{
		Environment:   cfg.Environment,
		CORSOrigins:   cfg.CORSOrigins,
		MaxUploadSize: cfg.MaxUploadSize,
		FilesDir:      filesDir,
		Auth:          handlers.NewAuthHandler(authSvc),
		Chat: handlers.NewChatHandler(handlers.ChatHandlerConfig{
			Store:         database,
			OnlineChecker: hub,
			Deliverer:     hub,
			Files:         files,
			MaxUploadSize: cfg.MaxUploadSize,
			VAPIDKey:      notifier.VAPIDPublicKey(),
			Logger:        logger,
		}),
		WebSocket: hub.HandleWebSocket,
		Logger:    logger,
	})

	srv := &http.Server{
		Addr:              "0.0.0.0:" + cfg.Port,
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		hub.Run(ctx)
		return nil
	})
	g.Go(func() error {
		logger.Info("starting server", "addr", srv.Addr, "environment", cfg.Environment)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-ctx.Done()
		logger.Info("shutting down gracefully")
		shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), shutdownTimeout)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})

	return g.Wait()
}
