package crm

import (
	"time"

	"github.com/MarcoPoloResearchLab/callsync/internal/calls"
)

// Call is the server-authoritative call record.
type Call struct {
	ID              int64      `gorm:"column:id;primaryKey;autoIncrement"`
	UserLeadID      int64      `gorm:"column:user_lead_id;not null;index"`
	UserID          int64      `gorm:"column:user_id;not null;uniqueIndex:idx_calls_user_idempotency,priority:1"`
	CallDate        time.Time  `gorm:"column:call_date;not null"`
	DurationSeconds *int       `gorm:"column:duration_s"`
	Outcome         *string    `gorm:"column:outcome;size:64"`
	Notes           *string    `gorm:"column:notes;type:text"`
	ReminderDate    *time.Time `gorm:"column:reminder_date"`
	IdempotencyKey  *string    `gorm:"column:idempotency_key;size:64;uniqueIndex:idx_calls_user_idempotency,priority:2"`
	CreatedAtNs     int64      `gorm:"column:created_at_ns;not null"`
}

// TableName provides the explicit table binding for GORM.
func (Call) TableName() string {
	return "calls"
}

// Data renders the call in the create-call response shape.
func (c Call) Data() calls.CallData {
	return calls.CallData{
		ID:           c.ID,
		UserLeadID:   c.UserLeadID,
		UserID:       c.UserID,
		CallDate:     c.CallDate.UTC(),
		Duration:     c.DurationSeconds,
		Outcome:      c.Outcome,
		Notes:        c.Notes,
		ReminderDate: c.ReminderDate,
	}
}

// CreateOutcome reports the stored call and whether an earlier request already created it.
type CreateOutcome struct {
	Call      Call
	Duplicate bool
}
