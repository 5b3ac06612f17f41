package model

import "time"

const (
	HeartbeatOK     = "OK"
	HeartbeatFailed = "FAILED"
)

// Sweep names used as heartbeat keys.
const (
	SweepEscalations = "check_escalations"
	SweepFallback    = "otp_fallback_sweep"
	SweepExpiry      = "expire_stale_requests"
	SweepReminders   = "response_due_reminders"
	SweepCodePurge   = "purge_expired_codes"
)

type Heartbeat struct {
	Name    string    `json:"name" db:"name"`
	LastRun time.Time `json:"last_run" db:"last_run"`
	Status  string    `json:"status" db:"status"`
	Details string    `json:"details,omitempty" db:"details"`
}
