package producer

import (
	"context"
	"errors"
	"time"

	"github.com/MarcoPoloResearchLab/callsync/internal/calls"
	"github.com/MarcoPoloResearchLab/callsync/internal/queue"
	"go.uber.org/zap"
)

// Appender durably stores a new call record.
type Appender interface {
	Append(ctx context.Context, details calls.Details) (queue.OfflineCallRecord, error)
}

// Trigger requests a sync without waiting for it.
type Trigger interface {
	TriggerAsync(ctx context.Context)
}

// Connectivity reports whether a flush is worth attempting.
type Connectivity interface {
	Online() bool
}

// Config describes the producer dependencies.
type Config struct {
	Queue   Appender
	Syncer  Trigger
	Network Connectivity
	Clock   func() time.Time
	Logger  *zap.Logger
}

// CallSession tracks a call between its start and end events.
type CallSession struct {
	LeadID    calls.LeadID
	UserID    calls.UserID
	StartedAt time.Time
}

// CallResult carries what the user entered when the call ended.
// A nil DurationSeconds is derived from the session start.
type CallResult struct {
	DurationSeconds *int
	Outcome         *string
	Notes           *string
	ReminderDate    *time.Time
}

// Producer turns call lifecycle events into durable queue records.
type Producer struct {
	queue   Appender
	syncer  Trigger
	network Connectivity
	clock   func() time.Time
	logger  *zap.Logger
}

// New validates the configuration and constructs a Producer. Syncer and Network are optional;
// without them records are only appended.
func New(cfg Config) (*Producer, error) {
	if cfg.Queue == nil {
		return nil, errors.New("producer: queue is required")
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Producer{
		queue:   cfg.Queue,
		syncer:  cfg.Syncer,
		network: cfg.Network,
		clock:   clock,
		logger:  logger,
	}, nil
}

// CallStarted opens a session stamped with the current time.
func (p *Producer) CallStarted(leadID calls.LeadID, userID calls.UserID) CallSession {
	return CallSession{
		LeadID:    leadID,
		UserID:    userID,
		StartedAt: p.clock().UTC(),
	}
}

// CallEnded records the finished call. The call date is the session start.
func (p *Producer) CallEnded(ctx context.Context, session CallSession, result CallResult) (queue.OfflineCallRecord, error) {
	duration := result.DurationSeconds
	if duration == nil {
		elapsed := int(p.clock().Sub(session.StartedAt) / time.Second)
		if elapsed < 0 {
			elapsed = 0
		}
		duration = &elapsed
	}
	return p.RecordCall(ctx, calls.Details{
		LeadID:          session.LeadID,
		UserID:          session.UserID,
		CallDate:        session.StartedAt,
		DurationSeconds: duration,
		Outcome:         result.Outcome,
		Notes:           result.Notes,
		ReminderDate:    result.ReminderDate,
	})
}

// RecordCall appends the call to the durable queue and returns once the write completes.
// When the device is online a sync is triggered in the background; its outcome never
// reaches the caller.
func (p *Producer) RecordCall(ctx context.Context, details calls.Details) (queue.OfflineCallRecord, error) {
	record, err := p.queue.Append(ctx, details)
	if err != nil {
		p.logger.Error("failed to queue call", zap.Error(err), zap.Int64("lead_id", details.LeadID.Int64()))
		return queue.OfflineCallRecord{}, err
	}
	p.logger.Info("call queued",
		zap.Int64("local_id", record.LocalID),
		zap.Int64("lead_id", record.LeadID))

	if p.syncer != nil && p.network != nil && p.network.Online() {
		p.syncer.TriggerAsync(context.WithoutCancel(ctx))
	}
	return record, nil
}
