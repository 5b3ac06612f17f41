package model

import "time"

const (
	ActionAcknowledged = "acknowledged"
	ActionResolved     = "resolved"
	ActionExpired      = "expired"
	ActionEscalated    = "escalated"
	ActionReminded     = "reminded"
)

// allowedDetailKeys keeps guest identifying data out of the activity log.
var allowedDetailKeys = map[string]bool{
	"reason":        true,
	"tier":          true,
	"actor_id":      true,
	"department_id": true,
	"after_hours":   true,
	"source":        true,
}

// Activity is one immutable audit row per transition.
type Activity struct {
	ID         string            `json:"id" db:"id"`
	RequestID  string            `json:"request_id" db:"request_id"`
	TenantID   string            `json:"tenant_id" db:"tenant_id"`
	Action     string            `json:"action" db:"action"`
	FromStatus Status            `json:"from_status" db:"from_status"`
	ToStatus   Status            `json:"to_status" db:"to_status"`
	ActorID    string            `json:"actor_id,omitempty" db:"actor_id"`
	Details    map[string]string `json:"details,omitempty" db:"-"`
	CreatedAt  time.Time         `json:"created_at" db:"created_at"`
}

// SanitizeDetails drops every key outside the allow-list.
func SanitizeDetails(in map[string]string) map[string]string {
	if len(in) == 0 {
		return nil
	}
	out := make(map[string]string, len(in))
	for k, v := range in {
		if allowedDetailKeys[k] {
			out[k] = v
		}
	}
	return out
}
