package model

import "time"

type Status string

const (
	StatusCreated              Status = "CREATED"
	StatusAcknowledged         Status = "ACKNOWLEDGED"
	StatusConfirmed            Status = "CONFIRMED"
	StatusNotAvailable         Status = "NOT_AVAILABLE"
	StatusNoShow               Status = "NO_SHOW"
	StatusAlreadyBookedOffline Status = "ALREADY_BOOKED_OFFLINE"
	StatusExpired              Status = "EXPIRED"
)

// IsTerminal reports whether no further transition can leave s.
func (s Status) IsTerminal() bool {
	switch s {
	case StatusConfirmed, StatusNotAvailable, StatusNoShow, StatusAlreadyBookedOffline, StatusExpired:
		return true
	}
	return false
}

// IsResolution reports whether s is a staff-chosen outcome.
func (s Status) IsResolution() bool {
	return s.IsTerminal() && s != StatusExpired
}

// Request is a guest request tracked through the lifecycle graph.
type Request struct {
	ID             string     `json:"id" db:"id"`
	TenantID       string     `json:"tenant_id" db:"tenant_id"`
	DepartmentID   string     `json:"department_id" db:"department_id"`
	RoomNumber     string     `json:"room_number" db:"room_number"`
	StayID         string     `json:"stay_id,omitempty" db:"stay_id"`
	Status         Status     `json:"status" db:"status"`
	AfterHours     bool       `json:"after_hours" db:"after_hours"`
	Reason         string     `json:"resolution_reason,omitempty" db:"resolution_reason"`
	CreatedAt      time.Time  `json:"created_at" db:"created_at"`
	UpdatedAt      time.Time  `json:"updated_at" db:"updated_at"`
	AcknowledgedAt *time.Time `json:"acknowledged_at,omitempty" db:"acknowledged_at"`
	RespondedAt    *time.Time `json:"responded_at,omitempty" db:"responded_at"`
	ResponseDueAt  *time.Time `json:"response_due_at,omitempty" db:"response_due_at"`

	ReminderClaimedAt *time.Time `json:"-" db:"reminder_claimed_at"`
	ReminderSentAt    *time.Time `json:"-" db:"reminder_sent_at"`
}

// Reminder is the claimable view of a request whose response is overdue.
type Reminder struct {
	RequestID    string
	TenantID     string
	DepartmentID string
	RoomNumber   string
	ClaimedAt    time.Time
}

func (r Reminder) ClaimKey() string { return r.RequestID }
