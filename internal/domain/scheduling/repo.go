package scheduling

import (
	"context"
	"time"

	"github.com/google/uuid"
)

// Action is what the orchestrator did with a submission.
type Action string

const (
	ActionForwarded Action = "forwarded"
	ActionRejected  Action = "rejected"
	ActionInvalid   Action = "invalid"
	ActionFailed    Action = "failed"
)

// Decision is one journaled booking decision. It holds no payload and no
// credentials.
type Decision struct {
	ID             uuid.UUID  `json:"id"`
	Mode           string     `json:"mode"`
	AppointmentID  string     `json:"appointment_id,omitempty"`
	PractitionerID string     `json:"practitioner_id,omitempty"`
	WindowStart    *time.Time `json:"window_start,omitempty"`
	WindowEnd      *time.Time `json:"window_end,omitempty"`
	Outcome        string     `json:"outcome"`
	Action         Action     `json:"action"`
	UpstreamStatus int        `json:"upstream_status,omitempty"`
	RequestID      string     `json:"request_id,omitempty"`
	CreatedAt      time.Time  `json:"created_at"`
}

// DecisionRepository stores booking decisions for later audit.
type DecisionRepository interface {
	Record(ctx context.Context, d *Decision) error
	// List returns decisions newest first, optionally narrowed to one
	// practitioner, with the total number of matches.
	List(ctx context.Context, practitionerID string, limit, offset int) ([]*Decision, int, error)
}

// ChangeEvent announces a completed appointment mutation.
type ChangeEvent struct {
	Action        string    `json:"action"`
	AppointmentID string    `json:"appointmentId"`
	Status        string    `json:"status,omitempty"`
	At            time.Time `json:"at"`
}

// Publisher delivers change events to a message broker.
type Publisher interface {
	Publish(ctx context.Context, routingKey string, payload interface{}) error
}
