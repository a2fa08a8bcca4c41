package calls

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

const (
	maxOutcomeLength        = 64
	maxNotesLength          = 4000
	maxIdempotencyKeyLength = 64
)

var (
	// ErrInvalidLeadID indicates that a lead reference is not a positive integer.
	ErrInvalidLeadID = errors.New("calls: invalid lead id")
	// ErrInvalidUserID indicates that a user reference is not a positive integer.
	ErrInvalidUserID = errors.New("calls: invalid user id")
	// ErrInvalidCallDate indicates that the call timestamp is missing.
	ErrInvalidCallDate = errors.New("calls: invalid call date")
	// ErrInvalidDuration indicates that a call duration is negative.
	ErrInvalidDuration = errors.New("calls: invalid duration")
	// ErrInvalidOutcome indicates that a call outcome exceeds storage bounds.
	ErrInvalidOutcome = errors.New("calls: invalid outcome")
	// ErrInvalidNotes indicates that call notes exceed storage bounds.
	ErrInvalidNotes = errors.New("calls: invalid notes")
	// ErrInvalidIdempotencyKey indicates that an idempotency key exceeds storage bounds.
	ErrInvalidIdempotencyKey = errors.New("calls: invalid idempotency key")
)

// LeadID references a server-side lead.
type LeadID int64

// NewLeadID validates raw input and returns a LeadID.
func NewLeadID(value int64) (LeadID, error) {
	if value <= 0 {
		return 0, fmt.Errorf("%w: %d", ErrInvalidLeadID, value)
	}
	return LeadID(value), nil
}

// Int64 exposes the raw identifier.
func (id LeadID) Int64() int64 {
	return int64(id)
}

// UserID references a server-side user.
type UserID int64

// NewUserID validates raw input and returns a UserID.
func NewUserID(value int64) (UserID, error) {
	if value <= 0 {
		return 0, fmt.Errorf("%w: %d", ErrInvalidUserID, value)
	}
	return UserID(value), nil
}

// Int64 exposes the raw identifier.
func (id UserID) Int64() int64 {
	return int64(id)
}

// Details holds the business fields of a logged call. Optional fields are nil when absent.
type Details struct {
	LeadID          LeadID
	UserID          UserID
	CallDate        time.Time
	DurationSeconds *int
	Outcome         *string
	Notes           *string
	ReminderDate    *time.Time
}

// Validate checks the business fields and normalizes optional text.
func (d Details) Validate() (Details, error) {
	if _, err := NewLeadID(d.LeadID.Int64()); err != nil {
		return Details{}, err
	}
	if _, err := NewUserID(d.UserID.Int64()); err != nil {
		return Details{}, err
	}
	if d.CallDate.IsZero() {
		return Details{}, fmt.Errorf("%w: empty", ErrInvalidCallDate)
	}
	if d.DurationSeconds != nil && *d.DurationSeconds < 0 {
		return Details{}, fmt.Errorf("%w: %d", ErrInvalidDuration, *d.DurationSeconds)
	}

	normalized := d
	normalized.CallDate = d.CallDate.UTC()
	outcome, err := optionalText(d.Outcome, maxOutcomeLength, ErrInvalidOutcome)
	if err != nil {
		return Details{}, err
	}
	normalized.Outcome = outcome
	notes, err := optionalText(d.Notes, maxNotesLength, ErrInvalidNotes)
	if err != nil {
		return Details{}, err
	}
	normalized.Notes = notes
	if d.ReminderDate != nil {
		if d.ReminderDate.IsZero() {
			normalized.ReminderDate = nil
		} else {
			reminder := d.ReminderDate.UTC()
			normalized.ReminderDate = &reminder
		}
	}
	return normalized, nil
}

// ValidateIdempotencyKey trims and bounds a client supplied idempotency key.
func ValidateIdempotencyKey(rawInput string) (string, error) {
	trimmed := strings.TrimSpace(rawInput)
	if len(trimmed) > maxIdempotencyKeyLength {
		return "", fmt.Errorf("%w: exceeds %d characters", ErrInvalidIdempotencyKey, maxIdempotencyKeyLength)
	}
	return trimmed, nil
}

func optionalText(value *string, limit int, sentinel error) (*string, error) {
	if value == nil {
		return nil, nil
	}
	trimmed := strings.TrimSpace(*value)
	if trimmed == "" {
		return nil, nil
	}
	if len(trimmed) > limit {
		return nil, fmt.Errorf("%w: exceeds %d characters", sentinel, limit)
	}
	return &trimmed, nil
}
