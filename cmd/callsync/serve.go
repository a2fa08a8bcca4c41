package main

import (
	"context"
	"errors"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/MarcoPoloResearchLab/callsync/internal/auth"
	"github.com/MarcoPoloResearchLab/callsync/internal/config"
	"github.com/MarcoPoloResearchLab/callsync/internal/crm"
	"github.com/MarcoPoloResearchLab/callsync/internal/database"
	"github.com/MarcoPoloResearchLab/callsync/internal/server"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

func newServeCommand() *cobra.Command {
	defaults := config.NewViper()
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the create-call API",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServer(cmd.Context())
		},
	}
	cmd.Flags().String("http-address", defaults.GetString("server.address"), "HTTP listen address")
	cmd.Flags().String("database-path", defaults.GetString("server.database_path"), "Server SQLite database path")
	cmd.Flags().String("redis-address", defaults.GetString("server.redis_address"), "Redis address for the idempotency cache (disabled when empty)")

	bindLocalFlag(cmd, "server.address", "http-address")
	bindLocalFlag(cmd, "server.database_path", "database-path")
	bindLocalFlag(cmd, "server.redis_address", "redis-address")
	return cmd
}

func runServer(ctx context.Context) error {
	appConfig, logger, err := loadConfig()
	if err != nil {
		return err
	}
	defer logger.Sync() //nolint:errcheck

	if err := appConfig.ValidateServer(); err != nil {
		return err
	}

	db, err := database.OpenCRM(appConfig.ServerDatabasePath, logger)
	if err != nil {
		return err
	}
	sqlDB, err := db.DB()
	if err != nil {
		return err
	}
	defer sqlDB.Close()

	serviceConfig := crm.ServiceConfig{
		Database: db,
		Clock:    time.Now,
		Logger:   logger,
	}
	if appConfig.RedisAddress != "" {
		cache, err := crm.NewRedisIdempotencyCache(ctx, appConfig.RedisAddress, appConfig.IdempotencyTTL)
		if err != nil {
			return err
		}
		defer cache.Close()
		serviceConfig.Cache = cache
		logger.Info("idempotency cache enabled", zap.String("redis_address", appConfig.RedisAddress))
	}

	callService, err := crm.NewService(serviceConfig)
	if err != nil {
		return err
	}

	tokenIssuer, err := auth.NewTokenIssuer(auth.TokenIssuerConfig{
		SigningSecret: []byte(appConfig.SigningSecret),
		Issuer:        appConfig.TokenIssuer,
		Audience:      appConfig.TokenAudience,
		TokenTTL:      appConfig.TokenTTL,
	})
	if err != nil {
		return err
	}

	handler, err := server.NewHTTPHandler(server.Dependencies{
		TokenValidator: tokenIssuer,
		CallService:    callService,
		AllowedOrigins: appConfig.AllowedOrigins,
		Logger:         logger,
	})
	if err != nil {
		return err
	}

	httpServer := &http.Server{
		Addr:              appConfig.HTTPAddress,
		Handler:           handler,
		ReadHeaderTimeout: 10 * time.Second,
	}

	signalCtx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	errCh := make(chan error, 1)
	go func() {
		logger.Info("server starting", zap.String("address", appConfig.HTTPAddress))
		err := httpServer.ListenAndServe()
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case <-signalCtx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return httpServer.Shutdown(shutdownCtx)
	case err := <-errCh:
		return err
	}
}
