package calls

import "time"

// CreateCallPayload is the request body accepted by the remote create-call endpoint.
type CreateCallPayload struct {
	UserLeadID     int64      `json:"userLeadId"`
	UserID         int64      `json:"userId"`
	CallDate       time.Time  `json:"callDate"`
	Duration       *int       `json:"duration,omitempty"`
	Outcome        *string    `json:"outcome,omitempty"`
	Notes          *string    `json:"notes,omitempty"`
	ReminderDate   *time.Time `json:"reminderDate,omitempty"`
	IdempotencyKey string     `json:"idempotencyKey,omitempty"`
}

// NewCreateCallPayload builds the wire payload from validated business fields.
func NewCreateCallPayload(details Details, idempotencyKey string) CreateCallPayload {
	return CreateCallPayload{
		UserLeadID:     details.LeadID.Int64(),
		UserID:         details.UserID.Int64(),
		CallDate:       details.CallDate,
		Duration:       details.DurationSeconds,
		Outcome:        details.Outcome,
		Notes:          details.Notes,
		ReminderDate:   details.ReminderDate,
		IdempotencyKey: idempotencyKey,
	}
}

// Details converts the payload into business fields for validation.
func (p CreateCallPayload) Details() Details {
	return Details{
		LeadID:          LeadID(p.UserLeadID),
		UserID:          UserID(p.UserID),
		CallDate:        p.CallDate,
		DurationSeconds: p.Duration,
		Outcome:         p.Outcome,
		Notes:           p.Notes,
		ReminderDate:    p.ReminderDate,
	}
}

// CallData is the call representation echoed by the server.
type CallData struct {
	ID           int64      `json:"id"`
	UserLeadID   int64      `json:"userLeadId"`
	UserID       int64      `json:"userId"`
	CallDate     time.Time  `json:"callDate"`
	Duration     *int       `json:"duration,omitempty"`
	Outcome      *string    `json:"outcome,omitempty"`
	Notes        *string    `json:"notes,omitempty"`
	ReminderDate *time.Time `json:"reminderDate,omitempty"`
}

// CreateCallResponse is the envelope returned by the create-call endpoint.
type CreateCallResponse struct {
	Success   bool      `json:"success"`
	Data      *CallData `json:"data,omitempty"`
	Duplicate bool      `json:"duplicate,omitempty"`
	Error     string    `json:"error,omitempty"`
	Message   string    `json:"message,omitempty"`
}
