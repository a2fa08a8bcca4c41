package main

import (
	"context"
	"database/sql"
	"errors"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/MarcoPoloResearchLab/callsync/internal/calls"
	"github.com/MarcoPoloResearchLab/callsync/internal/config"
	"github.com/MarcoPoloResearchLab/callsync/internal/database"
	"github.com/MarcoPoloResearchLab/callsync/internal/producer"
	"github.com/MarcoPoloResearchLab/callsync/internal/queue"
	"github.com/MarcoPoloResearchLab/callsync/internal/reachability"
	"github.com/MarcoPoloResearchLab/callsync/internal/remote"
	"github.com/MarcoPoloResearchLab/callsync/internal/syncer"
	"github.com/gofrs/flock"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

const (
	syncLockSuffix     = ".lock"
	syncLockRetryDelay = time.Second
)

// agentRuntime holds the device-side components, constructed once per process.
// Only the holder of syncLock may drain the queue.
type agentRuntime struct {
	config       config.AppConfig
	logger       *zap.Logger
	sqlDB        *sql.DB
	syncLock     *flock.Flock
	store        *queue.Store
	network      *reachability.Observer
	prober       *reachability.Prober
	orchestrator *syncer.Orchestrator
	producer     *producer.Producer
}

func newAgentRuntime(appConfig config.AppConfig, logger *zap.Logger) (*agentRuntime, error) {
	if err := appConfig.ValidateAgent(); err != nil {
		return nil, err
	}

	db, err := database.OpenQueue(appConfig.QueueDatabasePath, logger)
	if err != nil {
		return nil, err
	}
	sqlDB, err := db.DB()
	if err != nil {
		return nil, err
	}

	store, err := queue.NewStore(queue.StoreConfig{
		Database:   db,
		IDProvider: calls.NewUUIDProvider(),
		Logger:     logger,
	})
	if err != nil {
		_ = sqlDB.Close()
		return nil, err
	}

	network := reachability.NewObserver(false, logger)
	prober, err := reachability.NewProber(reachability.ProberConfig{
		URL:        appConfig.ProbeURL,
		Interval:   appConfig.ProbeInterval,
		Timeout:    appConfig.ProbeTimeout,
		HTTPClient: &http.Client{},
		Observer:   network,
		Logger:     logger,
	})
	if err != nil {
		_ = sqlDB.Close()
		return nil, err
	}

	client, err := remote.NewClient(remote.Config{
		BaseURL:     appConfig.RemoteBaseURL,
		AccessToken: appConfig.RemoteAccessToken,
	})
	if err != nil {
		_ = sqlDB.Close()
		return nil, err
	}

	orchestrator, err := syncer.NewOrchestrator(syncer.Config{
		Queue:          store,
		Remote:         client,
		Network:        network,
		Logger:         logger,
		Interval:       appConfig.SyncInterval,
		RequestTimeout: appConfig.RequestTimeout,
		BackoffBase:    appConfig.BackoffBase,
		BackoffMax:     appConfig.BackoffMax,
		MaxRetries:     appConfig.MaxRetries,
	})
	if err != nil {
		_ = sqlDB.Close()
		return nil, err
	}

	callProducer, err := producer.New(producer.Config{
		Queue:   store,
		Syncer:  orchestrator,
		Network: network,
		Logger:  logger,
	})
	if err != nil {
		_ = sqlDB.Close()
		return nil, err
	}

	return &agentRuntime{
		config:       appConfig,
		logger:       logger,
		sqlDB:        sqlDB,
		syncLock:     flock.New(appConfig.QueueDatabasePath + syncLockSuffix),
		store:        store,
		network:      network,
		prober:       prober,
		orchestrator: orchestrator,
		producer:     callProducer,
	}, nil
}

// claimSync takes the queue's sync lock without waiting. It reports false when another
// process, usually a running agent, holds it.
func (r *agentRuntime) claimSync() (bool, error) {
	return r.syncLock.TryLock()
}

func (r *agentRuntime) Close() error {
	r.orchestrator.Stop()
	if err := r.syncLock.Unlock(); err != nil {
		r.logger.Warn("failed to release sync lock", zap.Error(err))
	}
	return r.sqlDB.Close()
}

func openAgentRuntime() (*agentRuntime, error) {
	appConfig, logger, err := loadConfig()
	if err != nil {
		return nil, err
	}
	return newAgentRuntime(appConfig, logger)
}

func newAgentCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "agent",
		Short: "Run the device sync agent until interrupted",
		RunE: func(cmd *cobra.Command, args []string) error {
			runtime, err := openAgentRuntime()
			if err != nil {
				return err
			}
			defer runtime.logger.Sync() //nolint:errcheck
			defer runtime.Close()

			signalCtx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			return runtime.run(signalCtx)
		},
	}
}

func (r *agentRuntime) run(ctx context.Context) error {
	claimed, err := r.claimSync()
	if err != nil {
		return err
	}
	if !claimed {
		r.logger.Info("another process is syncing this queue, waiting for it to finish",
			zap.String("lock", r.syncLock.Path()))
		claimed, err = r.syncLock.TryLockContext(ctx, syncLockRetryDelay)
		if ctx.Err() != nil {
			return nil
		}
		if err != nil {
			return err
		}
		if !claimed {
			return errors.New("sync lock not acquired")
		}
	}

	online := r.prober.Probe(ctx)
	r.logger.Info("sync agent starting",
		zap.String("remote", r.config.RemoteBaseURL),
		zap.Bool("online", online),
		zap.Duration("interval", r.config.SyncInterval))

	group, groupCtx := errgroup.WithContext(ctx)
	group.Go(func() error {
		r.prober.Run(groupCtx)
		return nil
	})
	group.Go(func() error {
		return r.orchestrator.Run(groupCtx)
	})
	err = group.Wait()
	r.logger.Info("sync agent stopped")
	return err
}
