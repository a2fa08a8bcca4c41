package syncer

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/MarcoPoloResearchLab/callsync/internal/calls"
	"github.com/MarcoPoloResearchLab/callsync/internal/queue"
	"github.com/MarcoPoloResearchLab/callsync/internal/reachability"
	"github.com/MarcoPoloResearchLab/callsync/internal/remote"
	"go.uber.org/zap"
)

const (
	// SkipInProgress marks a trigger dropped because another run held the guard.
	SkipInProgress = "in_progress"
	// SkipOffline marks a trigger dropped because the device was offline.
	SkipOffline = "offline"

	defaultInterval       = 5 * time.Minute
	defaultRequestTimeout = 15 * time.Second
	defaultBackoffBase    = 30 * time.Second
	defaultBackoffMax     = 30 * time.Minute
	defaultMaxRetries     = 20

	fieldLocalID    = "local_id"
	fieldRetryCount = "retry_count"
)

// Queue is the subset of the durable queue the orchestrator drives.
type Queue interface {
	ListPending(ctx context.Context) ([]queue.OfflineCallRecord, error)
	MarkSyncing(ctx context.Context, localID int64) error
	MarkCompleted(ctx context.Context, localID int64, serverID int64) error
	MarkFailed(ctx context.Context, localID int64, message string, nextAttemptAt time.Time) error
	MarkDead(ctx context.Context, localID int64, message string) error
	Release(ctx context.Context, localID int64) error
	DeleteCompleted(ctx context.Context, localID int64) error
	DeleteAcknowledged(ctx context.Context) (int64, error)
	RecoverInterrupted(ctx context.Context) (int64, error)
}

// Remote delivers one call to the server.
type Remote interface {
	CreateCall(ctx context.Context, payload calls.CreateCallPayload) (calls.CallData, error)
}

// Network exposes connectivity state and reconnect edges.
type Network interface {
	Online() bool
	Subscribe(ctx context.Context) (<-chan reachability.Event, func())
}

// Config describes the orchestrator dependencies and retry policy.
type Config struct {
	Queue          Queue
	Remote         Remote
	Network        Network
	Clock          func() time.Time
	Logger         *zap.Logger
	Interval       time.Duration
	RequestTimeout time.Duration
	BackoffBase    time.Duration
	BackoffMax     time.Duration
	MaxRetries     int
}

// RunReport summarizes one sync run.
type RunReport struct {
	StartedAt  time.Time
	FinishedAt time.Time
	Skipped    string
	Attempted  int
	Synced     int
	Failed     int
	Dead       int
	Deferred   int
	Errors     int
}

// Orchestrator drains the durable queue to the server one record at a time.
type Orchestrator struct {
	queue          Queue
	remote         Remote
	network        Network
	clock          func() time.Time
	logger         *zap.Logger
	interval       time.Duration
	requestTimeout time.Duration
	backoffBase    time.Duration
	backoffMax     time.Duration
	maxRetries     int

	running atomic.Bool
	// stranded holds records this process left in syncing because the outcome
	// of their delivery could not be recorded. Guarded by running.
	stranded map[int64]struct{}

	triggerMu sync.Mutex
	stopping  bool
	inflight  sync.WaitGroup

	reportMu   sync.RWMutex
	lastReport RunReport
}

// NewOrchestrator validates the configuration and constructs an Orchestrator.
func NewOrchestrator(cfg Config) (*Orchestrator, error) {
	if cfg.Queue == nil {
		return nil, errors.New("syncer: queue is required")
	}
	if cfg.Remote == nil {
		return nil, errors.New("syncer: remote is required")
	}
	if cfg.Network == nil {
		return nil, errors.New("syncer: network is required")
	}
	orchestrator := &Orchestrator{
		queue:          cfg.Queue,
		remote:         cfg.Remote,
		network:        cfg.Network,
		clock:          cfg.Clock,
		logger:         cfg.Logger,
		interval:       cfg.Interval,
		requestTimeout: cfg.RequestTimeout,
		backoffBase:    cfg.BackoffBase,
		backoffMax:     cfg.BackoffMax,
		maxRetries:     cfg.MaxRetries,
		stranded:       make(map[int64]struct{}),
	}
	if orchestrator.clock == nil {
		orchestrator.clock = time.Now
	}
	if orchestrator.logger == nil {
		orchestrator.logger = zap.NewNop()
	}
	if orchestrator.interval <= 0 {
		orchestrator.interval = defaultInterval
	}
	if orchestrator.requestTimeout <= 0 {
		orchestrator.requestTimeout = defaultRequestTimeout
	}
	if orchestrator.backoffBase <= 0 {
		orchestrator.backoffBase = defaultBackoffBase
	}
	if orchestrator.backoffMax <= 0 {
		orchestrator.backoffMax = defaultBackoffMax
	}
	if orchestrator.backoffMax < orchestrator.backoffBase {
		orchestrator.backoffMax = orchestrator.backoffBase
	}
	if orchestrator.maxRetries <= 0 {
		orchestrator.maxRetries = defaultMaxRetries
	}
	return orchestrator, nil
}

// Sync performs one drain of the queue. Concurrent callers are dropped with Skipped set
// rather than queued. Cancelling ctx does not interrupt a run that has started.
func (o *Orchestrator) Sync(ctx context.Context) (RunReport, error) {
	if !o.running.CompareAndSwap(false, true) {
		o.logger.Debug("sync already in progress, trigger dropped")
		return RunReport{Skipped: SkipInProgress}, nil
	}
	defer o.running.Store(false)

	if !o.network.Online() {
		o.logger.Debug("device offline, sync skipped")
		return RunReport{Skipped: SkipOffline}, nil
	}

	runCtx := context.WithoutCancel(ctx)
	report := RunReport{StartedAt: o.clock().UTC()}
	defer func() {
		report.FinishedAt = o.clock().UTC()
		o.storeReport(report)
	}()

	if err := o.housekeep(runCtx); err != nil {
		o.logger.Error("sync run aborted, in-flight records could not be released", zap.Error(err))
		report.Errors++
		return report, err
	}

	records, err := o.queue.ListPending(runCtx)
	if err != nil {
		o.logger.Error("failed to list pending calls", zap.Error(err))
		report.Errors++
		return report, fmt.Errorf("syncer: list pending: %w", err)
	}

	for _, record := range records {
		if !record.DueAt(o.clock()) {
			report.Deferred++
			continue
		}
		if !o.attempt(runCtx, record, &report) {
			o.logger.Error("sync run stopped, a record is stuck in flight", zap.Int64(fieldLocalID, record.LocalID))
			break
		}
	}

	if report.Attempted > 0 || report.Deferred > 0 {
		o.logger.Info("sync run finished",
			zap.Int("attempted", report.Attempted),
			zap.Int("synced", report.Synced),
			zap.Int("failed", report.Failed),
			zap.Int("dead", report.Dead),
			zap.Int("deferred", report.Deferred),
			zap.Int("errors", report.Errors))
	}
	return report, nil
}

// TriggerAsync starts a Sync on a tracked goroutine and returns immediately.
// Triggers after Stop are dropped.
func (o *Orchestrator) TriggerAsync(ctx context.Context) {
	o.triggerMu.Lock()
	if o.stopping {
		o.triggerMu.Unlock()
		o.logger.Debug("orchestrator stopping, trigger dropped")
		return
	}
	o.inflight.Add(1)
	o.triggerMu.Unlock()

	go func() {
		defer o.inflight.Done()
		if _, err := o.Sync(ctx); err != nil {
			o.logger.Warn("triggered sync failed", zap.Error(err))
		}
	}()
}

// Wait blocks until every triggered run has returned.
func (o *Orchestrator) Wait() {
	o.inflight.Wait()
}

// Stop rejects further triggers and waits for in-flight runs to return.
func (o *Orchestrator) Stop() {
	o.triggerMu.Lock()
	o.stopping = true
	o.triggerMu.Unlock()
	o.inflight.Wait()
}

// Run recovers interrupted records and then syncs on start, on every interval tick and on
// every reconnect edge until ctx is cancelled. It returns after in-flight runs finish.
func (o *Orchestrator) Run(ctx context.Context) error {
	recovered, err := o.queue.RecoverInterrupted(ctx)
	if err != nil {
		return fmt.Errorf("syncer: recover interrupted: %w", err)
	}
	if recovered > 0 {
		o.logger.Info("requeued interrupted call records", zap.Int64("count", recovered))
	}

	edges, unsubscribe := o.network.Subscribe(ctx)
	defer unsubscribe()

	ticker := time.NewTicker(o.interval)
	defer ticker.Stop()

	o.TriggerAsync(ctx)
	for {
		select {
		case <-ctx.Done():
			o.Stop()
			return nil
		case event := <-edges:
			o.logger.Info("reconnect detected, triggering sync", zap.Time("at", event.Timestamp))
			o.TriggerAsync(ctx)
		case <-ticker.C:
			o.TriggerAsync(ctx)
		}
	}
}

// Running reports whether a run currently holds the guard.
func (o *Orchestrator) Running() bool {
	return o.running.Load()
}

// LastReport returns the report of the most recent run that was not skipped.
func (o *Orchestrator) LastReport() RunReport {
	o.reportMu.RLock()
	defer o.reportMu.RUnlock()
	return o.lastReport
}

// attempt delivers one record. It returns false when the record was left in syncing
// and the run must not claim another one.
func (o *Orchestrator) attempt(ctx context.Context, record queue.OfflineCallRecord, report *RunReport) bool {
	fields := []zap.Field{zap.Int64(fieldLocalID, record.LocalID), zap.Int(fieldRetryCount, record.RetryCount)}

	if err := o.queue.MarkSyncing(ctx, record.LocalID); err != nil {
		if errors.Is(err, queue.ErrInvalidTransition) || errors.Is(err, queue.ErrRecordNotFound) {
			o.logger.Debug("call record claimed elsewhere", append(fields, zap.Error(err))...)
		} else {
			o.logger.Error("failed to claim call record", append(fields, zap.Error(err))...)
		}
		report.Errors++
		return true
	}
	report.Attempted++

	attemptCtx, cancel := context.WithTimeout(ctx, o.requestTimeout)
	data, err := o.remote.CreateCall(attemptCtx, record.Payload())
	cancel()

	if err == nil {
		return o.complete(ctx, record, data.ID, report, fields)
	}

	message := err.Error()
	retryCount := record.RetryCount + 1
	if remote.IsPermanent(err) || retryCount >= o.maxRetries {
		if markErr := o.queue.MarkDead(ctx, record.LocalID, message); markErr != nil {
			o.logger.Error("failed to park call record", append(fields, zap.Error(markErr))...)
			report.Errors++
			return o.release(ctx, record.LocalID)
		}
		report.Dead++
		o.logger.Error("call record will not be retried",
			append(fields, zap.Error(err), zap.Bool("permanent", remote.IsPermanent(err)))...)
		return true
	}

	nextAttemptAt := o.clock().Add(o.Backoff(record.RetryCount))
	if markErr := o.queue.MarkFailed(ctx, record.LocalID, message, nextAttemptAt); markErr != nil {
		o.logger.Error("failed to record sync failure", append(fields, zap.Error(markErr))...)
		report.Errors++
		return o.release(ctx, record.LocalID)
	}
	report.Failed++
	o.logger.Warn("call sync failed, will retry",
		append(fields, zap.Error(err), zap.Time("next_attempt_at", nextAttemptAt))...)
	return true
}

func (o *Orchestrator) complete(ctx context.Context, record queue.OfflineCallRecord, serverID int64, report *RunReport, fields []zap.Field) bool {
	if err := o.queue.MarkCompleted(ctx, record.LocalID, serverID); err != nil {
		// The idempotency key makes the resend return the same server call.
		o.logger.Error("failed to record server acknowledgement", append(fields, zap.Int64("server_id", serverID), zap.Error(err))...)
		report.Errors++
		return o.release(ctx, record.LocalID)
	}
	report.Synced++
	if err := o.queue.DeleteCompleted(ctx, record.LocalID); err != nil {
		o.logger.Warn("failed to delete completed call record, next run sweeps it", append(fields, zap.Error(err))...)
		return true
	}
	o.logger.Debug("call record synced", append(fields, zap.Int64("server_id", serverID))...)
	return true
}

// release returns a record whose outcome could not be recorded to the pending pool.
// When that fails too the record is remembered and retried at the start of the next run.
func (o *Orchestrator) release(ctx context.Context, localID int64) bool {
	err := o.queue.Release(ctx, localID)
	if err == nil || errors.Is(err, queue.ErrInvalidTransition) || errors.Is(err, queue.ErrRecordNotFound) {
		delete(o.stranded, localID)
		return true
	}
	o.logger.Error("failed to release in-flight call record", zap.Int64(fieldLocalID, localID), zap.Error(err))
	o.stranded[localID] = struct{}{}
	return false
}

// housekeep releases records stranded by earlier runs and removes acknowledged records
// whose delete did not go through.
func (o *Orchestrator) housekeep(ctx context.Context) error {
	for localID := range o.stranded {
		if !o.release(ctx, localID) {
			return fmt.Errorf("syncer: release call record %d", localID)
		}
		o.logger.Info("released stranded call record", zap.Int64(fieldLocalID, localID))
	}

	deleted, err := o.queue.DeleteAcknowledged(ctx)
	if err != nil {
		o.logger.Warn("failed to sweep acknowledged call records", zap.Error(err))
		return nil
	}
	if deleted > 0 {
		o.logger.Info("removed acknowledged call records", zap.Int64("count", deleted))
	}
	return nil
}

// Backoff returns the delay before the next attempt of a record that has already failed
// retryCount times: base doubled per failure, capped at the configured maximum.
func (o *Orchestrator) Backoff(retryCount int) time.Duration {
	delay := o.backoffBase
	for i := 0; i < retryCount && delay < o.backoffMax; i++ {
		delay *= 2
	}
	if delay > o.backoffMax {
		delay = o.backoffMax
	}
	return delay
}

func (o *Orchestrator) storeReport(report RunReport) {
	o.reportMu.Lock()
	o.lastReport = report
	o.reportMu.Unlock()
}
