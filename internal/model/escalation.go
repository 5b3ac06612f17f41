package model

import (
	"fmt"
	"time"
)

// EscalationEvent records that a request crossed one tier of its tenant's
// ladder. (RequestID, Tier) is unique in the ledger.
type EscalationEvent struct {
	ID           int64      `json:"id" db:"id"`
	RequestID    string     `json:"request_id" db:"request_id"`
	Tier         int        `json:"tier" db:"tier"`
	ClaimedAt    *time.Time `json:"claimed_at,omitempty" db:"claimed_at"`
	DeliveredAt  *time.Time `json:"delivered_at,omitempty" db:"delivered_at"`
	CreatedAt    time.Time  `json:"created_at" db:"created_at"`
	TenantID     string     `json:"tenant_id" db:"tenant_id"`
	DepartmentID string     `json:"department_id" db:"department_id"`
	RoomNumber   string     `json:"room_number" db:"room_number"`
}

func (e EscalationEvent) ClaimKey() string {
	return fmt.Sprintf("%s/%d", e.RequestID, e.Tier)
}
