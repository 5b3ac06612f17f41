package model

import "time"

const (
	EventRequestCreated   = "request.created"
	EventRequestUpdated   = "request.updated"
	EventRequestEscalated = "request.escalated"
)

// RequestEvent is the real-time payload published after a transition or an
// escalation delivery. It never carries guest identifying data.
type RequestEvent struct {
	Type         string    `json:"type"`
	TenantID     string    `json:"tenant_id"`
	RequestID    string    `json:"request_id"`
	DepartmentID string    `json:"department_id,omitempty"`
	Status       Status    `json:"status,omitempty"`
	Tier         int       `json:"tier,omitempty"`
	OccurredAt   time.Time `json:"occurred_at"`
}

// DeliveryReport is a primary-channel status callback from the provider.
type DeliveryReport struct {
	MessageID string `json:"message_id"`
	Status    string `json:"status"`
}

const (
	DeliveryStatusSent      = "sent"
	DeliveryStatusDelivered = "delivered"
	DeliveryStatusRead      = "read"
	DeliveryStatusFailed    = "failed"
)
