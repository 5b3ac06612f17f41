package storage

import (
	"context"
	"time"

	"github.com/samims/concierge/internal/model"
)

// MutateFunc edits a locked request in place. Returning a nil activity means
// nothing changed and nothing is written. Returning an error rolls back.
type MutateFunc func(req *model.Request) (*model.Activity, error)

type RequestStore interface {
	CreateRequest(ctx context.Context, req *model.Request) error
	GetRequest(ctx context.Context, id string) (*model.Request, error)
	// MutateRequest holds a row lock on the request for the whole
	// read-modify-write and appends the returned activity in the same
	// transaction.
	MutateRequest(ctx context.Context, id string, fn MutateFunc) (*model.Request, error)
	// ListPendingRequests returns CREATED requests of one tenant created at
	// or before createdBefore.
	ListPendingRequests(ctx context.Context, tenantID string, createdBefore time.Time) ([]model.Request, error)
	// ListOverdueRequests returns CREATED requests of every tenant created
	// before the cutoff.
	ListOverdueRequests(ctx context.Context, createdBefore time.Time, limit int) ([]model.Request, error)
	ListActivity(ctx context.Context, requestID string) ([]model.Activity, error)

	ClaimReminders(ctx context.Context, now, staleBefore time.Time, limit int) ([]model.Reminder, error)
	CommitReminder(ctx context.Context, r model.Reminder, now time.Time) error
	ReleaseReminder(ctx context.Context, r model.Reminder) error
}

type EscalationStore interface {
	// AdmitEscalation inserts the (request, tier) row. An existing row is
	// reported as appErr.ErrConflict.
	AdmitEscalation(ctx context.Context, requestID string, tier int, now time.Time) error
	ClaimEscalations(ctx context.Context, now, staleBefore time.Time, limit int) ([]model.EscalationEvent, error)
	CommitEscalation(ctx context.Context, ev model.EscalationEvent, now time.Time) error
	ReleaseEscalation(ctx context.Context, ev model.EscalationEvent) error
	ListEscalations(ctx context.Context, requestID string) ([]model.EscalationEvent, error)
}

// FallbackQuery selects fallback candidates. Exactly one of CreatedBefore,
// MessageID or CodeID narrows the eligible set.
type FallbackQuery struct {
	Now           time.Time
	StaleBefore   time.Time
	CreatedBefore time.Time
	MessageID     string
	CodeID        int64
	Limit         int
}

type CodeStore interface {
	CreateCode(ctx context.Context, c *model.DeliverableCode) error
	SetPrimaryMessageID(ctx context.Context, id int64, messageID string) error
	// ConfirmPrimary marks the code sent under messageID as delivered on the
	// primary channel. It reports false when no code matched.
	ConfirmPrimary(ctx context.Context, messageID string) (bool, error)
	ClaimFallback(ctx context.Context, q FallbackQuery) ([]model.DeliverableCode, error)
	// CommitFallback stores the new hash, switches the channel to SMS and
	// marks the fallback delivered in one write. A consumed code is refused
	// with appErr.ErrAlreadyClaimed. With
	// requirePrimaryUnconfirmed it refuses when the primary was confirmed
	// meanwhile and returns appErr.ErrAlreadyClaimed.
	CommitFallback(ctx context.Context, c model.DeliverableCode, now time.Time, requirePrimaryUnconfirmed bool) error
	ReleaseFallback(ctx context.Context, c model.DeliverableCode) error
	// ConsumeCode retires a code nobody delivered. It reports false and
	// leaves the row alone while a fallback claim is held or after the
	// fallback was delivered.
	ConsumeCode(ctx context.Context, id int64) (bool, error)
	// VerifyCode locks the newest live code for phone (and tenant when set),
	// counts a failed attempt when match rejects its hash and consumes it
	// otherwise.
	VerifyCode(ctx context.Context, phone, tenantID string, now time.Time, maxAttempts int, match func(hash string) bool) (*model.DeliverableCode, error)
	PurgeCodes(ctx context.Context, createdBefore time.Time) (int64, error)
}

type TenantStore interface {
	ListEscalationTenants(ctx context.Context) ([]model.Tenant, error)
	GetTenant(ctx context.Context, id string) (*model.Tenant, error)
}

type HeartbeatStore interface {
	RecordHeartbeat(ctx context.Context, hb model.Heartbeat) error
	GetHeartbeat(ctx context.Context, name string) (*model.Heartbeat, error)
	ListHeartbeats(ctx context.Context) ([]model.Heartbeat, error)
}

// WindowCounter counts ledger rows behind a rate-limit key. It is only
// consulted when the counter store is unreachable.
type WindowCounter interface {
	CountSince(ctx context.Context, key string, since time.Time) (int, error)
	// LockKey serializes decisions on key across instances until unlock is
	// called.
	LockKey(ctx context.Context, key string) (unlock func(), err error)
}

type HealthCheckStorage interface {
	Ping(ctx context.Context) error
}
