package model

// Tenant carries the per-tenant escalation settings. An empty TierMinutes
// means the process default ladder applies.
type Tenant struct {
	ID                string `json:"id" db:"id"`
	Name              string `json:"name" db:"name"`
	Active            bool   `json:"active" db:"active"`
	EscalationEnabled bool   `json:"escalation_enabled" db:"escalation_enabled"`
	TierMinutes       []int  `json:"tier_minutes,omitempty" db:"-"`
}
