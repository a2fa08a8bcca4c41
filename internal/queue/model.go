package queue

import (
	"time"

	"github.com/MarcoPoloResearchLab/callsync/internal/calls"
)

// SyncStatus enumerates the lifecycle states of a queued call record.
type SyncStatus string

const (
	// StatusPending marks a record waiting for its first delivery attempt.
	StatusPending SyncStatus = "pending"
	// StatusSyncing marks the single record currently in flight.
	StatusSyncing SyncStatus = "syncing"
	// StatusCompleted marks a record acknowledged by the server.
	StatusCompleted SyncStatus = "completed"
	// StatusFailed marks a record whose last attempt failed and will be retried.
	StatusFailed SyncStatus = "failed"
	// StatusDead marks a record that will not be retried without operator action.
	StatusDead SyncStatus = "dead"
)

// OfflineCallRecord is a call logged on the device and not yet owned by the server.
type OfflineCallRecord struct {
	LocalID         int64      `gorm:"column:local_id;primaryKey;autoIncrement"`
	IdempotencyKey  string     `gorm:"column:idempotency_key;size:64;not null;uniqueIndex"`
	ServerID        *int64     `gorm:"column:server_id"`
	LeadID          int64      `gorm:"column:lead_id;not null"`
	UserID          int64      `gorm:"column:user_id;not null"`
	CallDate        time.Time  `gorm:"column:call_date;not null"`
	DurationSeconds *int       `gorm:"column:duration_s"`
	Outcome         *string    `gorm:"column:outcome;size:64"`
	Notes           *string    `gorm:"column:notes;type:text"`
	ReminderDate    *time.Time `gorm:"column:reminder_date"`
	SyncStatus      SyncStatus `gorm:"column:sync_status;size:16;not null;index:idx_offline_calls_status_created,priority:1"`
	RetryCount      int        `gorm:"column:retry_count;not null;default:0"`
	ErrorMessage    *string    `gorm:"column:error_message;type:text"`
	NextAttemptAtNs *int64     `gorm:"column:next_attempt_at_ns"`
	LastAttemptAtNs *int64     `gorm:"column:last_attempt_at_ns"`
	CreatedAtNs     int64      `gorm:"column:created_at_ns;not null;index:idx_offline_calls_status_created,priority:2"`
}

// TableName provides the explicit table binding for GORM.
func (OfflineCallRecord) TableName() string {
	return "offline_calls"
}

// CreatedAt returns the local creation time used as the sync ordering key.
func (r OfflineCallRecord) CreatedAt() time.Time {
	return time.Unix(0, r.CreatedAtNs).UTC()
}

// NextAttemptAt returns the earliest retry time, or the zero time when the record is due now.
func (r OfflineCallRecord) NextAttemptAt() time.Time {
	if r.NextAttemptAtNs == nil {
		return time.Time{}
	}
	return time.Unix(0, *r.NextAttemptAtNs).UTC()
}

// DueAt reports whether the record may be attempted at the provided time.
func (r OfflineCallRecord) DueAt(now time.Time) bool {
	if r.NextAttemptAtNs == nil {
		return true
	}
	return *r.NextAttemptAtNs <= now.UnixNano()
}

// Details returns the immutable business fields of the record.
func (r OfflineCallRecord) Details() calls.Details {
	return calls.Details{
		LeadID:          calls.LeadID(r.LeadID),
		UserID:          calls.UserID(r.UserID),
		CallDate:        r.CallDate.UTC(),
		DurationSeconds: r.DurationSeconds,
		Outcome:         r.Outcome,
		Notes:           r.Notes,
		ReminderDate:    r.ReminderDate,
	}
}

// Payload builds the remote create-call request. The local identifier is never included.
func (r OfflineCallRecord) Payload() calls.CreateCallPayload {
	return calls.NewCreateCallPayload(r.Details(), r.IdempotencyKey)
}

// Stats summarizes the queue for status reporting.
type Stats struct {
	Pending           int64
	Syncing           int64
	Failed            int64
	Dead              int64
	Completed         int64
	OldestOutstanding *time.Time
}

// Outstanding returns the number of records still awaiting delivery.
func (s Stats) Outstanding() int64 {
	return s.Pending + s.Syncing + s.Failed
}
