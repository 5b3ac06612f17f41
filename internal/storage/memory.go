package storage

import (
	"context"
	"fmt"
	"sort"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"

	appErr "github.com/samims/concierge/internal/errors"
	"github.com/samims/concierge/internal/model"
)

type escalationKey struct {
	requestID string
	tier      int
}

// MemoryLedger is an in-process ledger with the same atomicity and
// uniqueness guarantees as the Postgres one. Every method runs under a single
// mutex, which stands in for both row locks and SKIP LOCKED.
type MemoryLedger struct {
	mu sync.Mutex

	requests    map[string]*model.Request
	activities  []model.Activity
	escalations map[escalationKey]*model.EscalationEvent
	codes       map[int64]*model.DeliverableCode
	tenants     map[string]*model.Tenant
	heartbeats  map[string]model.Heartbeat

	nextEscalationID int64
	nextCodeID       int64

	keyLocks map[string]chan struct{}

	fail error
}

func NewMemoryLedger() *MemoryLedger {
	return &MemoryLedger{
		requests:    make(map[string]*model.Request),
		escalations: make(map[escalationKey]*model.EscalationEvent),
		codes:       make(map[int64]*model.DeliverableCode),
		tenants:     make(map[string]*model.Tenant),
		heartbeats:  make(map[string]model.Heartbeat),
		keyLocks:    make(map[string]chan struct{}),
	}
}

// SetFailure makes every following call fail with err wrapped as a durable
// store failure. A nil err restores normal operation.
func (m *MemoryLedger) SetFailure(err error) {
	m.mu.Lock()
	m.fail = err
	m.mu.Unlock()
}

func (m *MemoryLedger) failure(op string) error {
	if m.fail != nil {
		return appErr.NewDurable(op, m.fail)
	}
	return nil
}

func (m *MemoryLedger) Ping(_ context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.failure("ping")
}

// PutTenant inserts or replaces a tenant.
func (m *MemoryLedger) PutTenant(t model.Tenant) {
	m.mu.Lock()
	defer m.mu.Unlock()
	t.TierMinutes = append([]int(nil), t.TierMinutes...)
	m.tenants[t.ID] = &t
}

func (m *MemoryLedger) ListEscalationTenants(_ context.Context) ([]model.Tenant, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.failure("list tenants"); err != nil {
		return nil, err
	}
	var out []model.Tenant
	for _, t := range m.tenants {
		if t.Active && t.EscalationEnabled {
			c := *t
			c.TierMinutes = append([]int(nil), t.TierMinutes...)
			out = append(out, c)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (m *MemoryLedger) GetTenant(_ context.Context, id string) (*model.Tenant, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.failure("get tenant"); err != nil {
		return nil, err
	}
	t, ok := m.tenants[id]
	if !ok {
		return nil, appErr.NewNotFound("tenant %s", id)
	}
	c := *t
	c.TierMinutes = append([]int(nil), t.TierMinutes...)
	return &c, nil
}

func (m *MemoryLedger) CreateRequest(_ context.Context, req *model.Request) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.failure("create request"); err != nil {
		return err
	}
	if req.ID == "" {
		req.ID = uuid.NewString()
	}
	if _, ok := m.requests[req.ID]; ok {
		return appErr.NewConflict("request %s", req.ID)
	}
	if req.Status == "" {
		req.Status = model.StatusCreated
	}
	if req.UpdatedAt.IsZero() {
		req.UpdatedAt = req.CreatedAt
	}
	c := *req
	m.requests[req.ID] = &c
	return nil
}

func (m *MemoryLedger) GetRequest(_ context.Context, id string) (*model.Request, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.failure("get request"); err != nil {
		return nil, err
	}
	r, ok := m.requests[id]
	if !ok {
		return nil, appErr.NewNotFound("request %s", id)
	}
	c := *r
	return &c, nil
}

func (m *MemoryLedger) MutateRequest(_ context.Context, id string, fn MutateFunc) (*model.Request, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.failure("mutate request"); err != nil {
		return nil, err
	}
	r, ok := m.requests[id]
	if !ok {
		return nil, appErr.NewNotFound("request %s", id)
	}
	working := *r
	act, err := fn(&working)
	if err != nil {
		return nil, err
	}
	if act == nil {
		c := *r
		return &c, nil
	}
	*r = working
	a := *act
	if a.ID == "" {
		a.ID = uuid.NewString()
	}
	a.RequestID = r.ID
	a.TenantID = r.TenantID
	a.Details = model.SanitizeDetails(a.Details)
	m.activities = append(m.activities, a)
	c := *r
	return &c, nil
}

func (m *MemoryLedger) ListPendingRequests(_ context.Context, tenantID string, createdBefore time.Time) ([]model.Request, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.failure("list pending requests"); err != nil {
		return nil, err
	}
	var out []model.Request
	for _, r := range m.requests {
		if r.TenantID == tenantID && r.Status == model.StatusCreated && !r.CreatedAt.After(createdBefore) {
			out = append(out, *r)
		}
	}
	sortRequests(out)
	return out, nil
}

func (m *MemoryLedger) ListOverdueRequests(_ context.Context, createdBefore time.Time, limit int) ([]model.Request, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.failure("list overdue requests"); err != nil {
		return nil, err
	}
	var out []model.Request
	for _, r := range m.requests {
		if r.Status == model.StatusCreated && r.CreatedAt.Before(createdBefore) {
			out = append(out, *r)
		}
	}
	sortRequests(out)
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func sortRequests(rs []model.Request) {
	sort.Slice(rs, func(i, j int) bool {
		if rs[i].CreatedAt.Equal(rs[j].CreatedAt) {
			return rs[i].ID < rs[j].ID
		}
		return rs[i].CreatedAt.Before(rs[j].CreatedAt)
	})
}

func (m *MemoryLedger) ListActivity(_ context.Context, requestID string) ([]model.Activity, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.failure("list activity"); err != nil {
		return nil, err
	}
	var out []model.Activity
	for _, a := range m.activities {
		if a.RequestID == requestID {
			out = append(out, a)
		}
	}
	return out, nil
}

func (m *MemoryLedger) ClaimReminders(_ context.Context, now, staleBefore time.Time, limit int) ([]model.Reminder, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.failure("claim reminders"); err != nil {
		return nil, err
	}
	var candidates []*model.Request
	for _, r := range m.requests {
		if r.Status != model.StatusCreated || r.ResponseDueAt == nil || r.ResponseDueAt.After(now) {
			continue
		}
		if r.ReminderSentAt != nil {
			continue
		}
		if r.ReminderClaimedAt != nil && !r.ReminderClaimedAt.Before(staleBefore) {
			continue
		}
		candidates = append(candidates, r)
	}
	sort.Slice(candidates, func(i, j int) bool { return candidates[i].ResponseDueAt.Before(*candidates[j].ResponseDueAt) })
	if limit > 0 && len(candidates) > limit {
		candidates = candidates[:limit]
	}
	out := make([]model.Reminder, 0, len(candidates))
	for _, r := range candidates {
		t := now
		r.ReminderClaimedAt = &t
		out = append(out, model.Reminder{
			RequestID:    r.ID,
			TenantID:     r.TenantID,
			DepartmentID: r.DepartmentID,
			RoomNumber:   r.RoomNumber,
			ClaimedAt:    now,
		})
	}
	return out, nil
}

func (m *MemoryLedger) CommitReminder(_ context.Context, rem model.Reminder, now time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.failure("commit reminder"); err != nil {
		return err
	}
	r, ok := m.requests[rem.RequestID]
	if !ok || r.ReminderSentAt != nil {
		return fmt.Errorf("reminder %s: %w", rem.RequestID, appErr.ErrAlreadyClaimed)
	}
	t := now
	r.ReminderSentAt = &t
	r.ReminderClaimedAt = nil
	m.appendSweepActivity(r, model.ActionReminded, nil, now)
	return nil
}

func (m *MemoryLedger) ReleaseReminder(_ context.Context, rem model.Reminder) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.failure("release reminder"); err != nil {
		return err
	}
	r, ok := m.requests[rem.RequestID]
	if ok && r.ReminderSentAt == nil && r.ReminderClaimedAt != nil && r.ReminderClaimedAt.Equal(rem.ClaimedAt) {
		r.ReminderClaimedAt = nil
	}
	return nil
}

func (m *MemoryLedger) AdmitEscalation(_ context.Context, requestID string, tier int, now time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.failure("admit escalation"); err != nil {
		return err
	}
	k := escalationKey{requestID, tier}
	if _, ok := m.escalations[k]; ok {
		return appErr.NewConflict("escalation %s tier %d", requestID, tier)
	}
	if _, ok := m.requests[requestID]; !ok {
		return appErr.NewNotFound("request %s", requestID)
	}
	m.nextEscalationID++
	m.escalations[k] = &model.EscalationEvent{
		ID:        m.nextEscalationID,
		RequestID: requestID,
		Tier:      tier,
		CreatedAt: now,
	}
	return nil
}

func (m *MemoryLedger) ClaimEscalations(_ context.Context, now, staleBefore time.Time, limit int) ([]model.EscalationEvent, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.failure("claim escalations"); err != nil {
		return nil, err
	}
	var candidates []*model.EscalationEvent
	for _, ev := range m.escalations {
		if ev.DeliveredAt != nil {
			continue
		}
		if ev.ClaimedAt != nil && !ev.ClaimedAt.Before(staleBefore) {
			continue
		}
		candidates = append(candidates, ev)
	}
	sort.Slice(candidates, func(i, j int) bool { return candidates[i].ID < candidates[j].ID })
	if limit > 0 && len(candidates) > limit {
		candidates = candidates[:limit]
	}
	out := make([]model.EscalationEvent, 0, len(candidates))
	for _, ev := range candidates {
		t := now
		ev.ClaimedAt = &t
		c := *ev
		if r, ok := m.requests[ev.RequestID]; ok {
			c.TenantID = r.TenantID
			c.DepartmentID = r.DepartmentID
			c.RoomNumber = r.RoomNumber
		}
		out = append(out, c)
	}
	return out, nil
}

func (m *MemoryLedger) CommitEscalation(_ context.Context, ev model.EscalationEvent, now time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.failure("commit escalation"); err != nil {
		return err
	}
	row, ok := m.escalations[escalationKey{ev.RequestID, ev.Tier}]
	if !ok || row.DeliveredAt != nil {
		return fmt.Errorf("escalation %s: %w", ev.ClaimKey(), appErr.ErrAlreadyClaimed)
	}
	t := now
	row.DeliveredAt = &t
	row.ClaimedAt = nil
	if r, ok := m.requests[ev.RequestID]; ok {
		m.appendSweepActivity(r, model.ActionEscalated, map[string]string{"tier": strconv.Itoa(ev.Tier)}, now)
	}
	return nil
}

// appendSweepActivity records a delivery that leaves r's status unchanged.
// Callers hold m.mu.
func (m *MemoryLedger) appendSweepActivity(r *model.Request, action string, details map[string]string, now time.Time) {
	m.activities = append(m.activities, model.Activity{
		ID:         uuid.NewString(),
		RequestID:  r.ID,
		TenantID:   r.TenantID,
		Action:     action,
		FromStatus: r.Status,
		ToStatus:   r.Status,
		Details:    model.SanitizeDetails(details),
		CreatedAt:  now,
	})
}

func (m *MemoryLedger) ReleaseEscalation(_ context.Context, ev model.EscalationEvent) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.failure("release escalation"); err != nil {
		return err
	}
	row, ok := m.escalations[escalationKey{ev.RequestID, ev.Tier}]
	if ok && row.DeliveredAt == nil && sameClaim(row.ClaimedAt, ev.ClaimedAt) {
		row.ClaimedAt = nil
	}
	return nil
}

func (m *MemoryLedger) ListEscalations(_ context.Context, requestID string) ([]model.EscalationEvent, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.failure("list escalations"); err != nil {
		return nil, err
	}
	var out []model.EscalationEvent
	for _, ev := range m.escalations {
		if ev.RequestID == requestID {
			out = append(out, *ev)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Tier < out[j].Tier })
	return out, nil
}

func sameClaim(a, b *time.Time) bool {
	if a == nil || b == nil {
		return a == nil && b == nil
	}
	return a.Equal(*b)
}

func (m *MemoryLedger) CreateCode(_ context.Context, c *model.DeliverableCode) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.failure("create code"); err != nil {
		return err
	}
	m.nextCodeID++
	c.ID = m.nextCodeID
	cp := *c
	m.codes[c.ID] = &cp
	return nil
}

// Code returns a copy of the stored code for assertions.
func (m *MemoryLedger) Code(id int64) (model.DeliverableCode, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.codes[id]
	if !ok {
		return model.DeliverableCode{}, false
	}
	return *c, true
}

func (m *MemoryLedger) SetPrimaryMessageID(_ context.Context, id int64, messageID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.failure("set primary message id"); err != nil {
		return err
	}
	c, ok := m.codes[id]
	if !ok {
		return appErr.NewNotFound("code %d", id)
	}
	c.PrimaryMessageID = messageID
	return nil
}

func (m *MemoryLedger) ConfirmPrimary(_ context.Context, messageID string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.failure("confirm primary"); err != nil {
		return false, err
	}
	found := false
	for _, c := range m.codes {
		if messageID != "" && c.PrimaryMessageID == messageID {
			c.PrimaryConfirmed = true
			found = true
		}
	}
	return found, nil
}

func (m *MemoryLedger) ClaimFallback(_ context.Context, q FallbackQuery) ([]model.DeliverableCode, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.failure("claim fallback"); err != nil {
		return nil, err
	}
	var candidates []*model.DeliverableCode
	for _, c := range m.codes {
		if c.PrimaryConfirmed || c.FallbackDelivered || c.Consumed || c.Expired(q.Now) {
			continue
		}
		if c.FallbackClaimedAt != nil && !c.FallbackClaimedAt.Before(q.StaleBefore) {
			continue
		}
		switch {
		case q.MessageID != "":
			if c.PrimaryMessageID != q.MessageID {
				continue
			}
		case q.CodeID != 0:
			if c.ID != q.CodeID {
				continue
			}
		default:
			if !c.CreatedAt.Before(q.CreatedBefore) {
				continue
			}
		}
		candidates = append(candidates, c)
	}
	sort.Slice(candidates, func(i, j int) bool { return candidates[i].ID < candidates[j].ID })
	if q.Limit > 0 && len(candidates) > q.Limit {
		candidates = candidates[:q.Limit]
	}
	out := make([]model.DeliverableCode, 0, len(candidates))
	for _, c := range candidates {
		t := q.Now
		c.FallbackClaimedAt = &t
		out = append(out, *c)
	}
	return out, nil
}

func (m *MemoryLedger) CommitFallback(_ context.Context, dc model.DeliverableCode, now time.Time, requirePrimaryUnconfirmed bool) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.failure("commit fallback"); err != nil {
		return err
	}
	c, ok := m.codes[dc.ID]
	if !ok || c.FallbackDelivered || c.Consumed {
		return fmt.Errorf("code %d: %w", dc.ID, appErr.ErrAlreadyClaimed)
	}
	if requirePrimaryUnconfirmed && c.PrimaryConfirmed {
		return fmt.Errorf("code %d confirmed on primary: %w", dc.ID, appErr.ErrAlreadyClaimed)
	}
	c.CodeHash = dc.CodeHash
	c.Channel = model.ChannelSMS
	c.FallbackDelivered = true
	c.FallbackClaimedAt = nil
	return nil
}

func (m *MemoryLedger) ReleaseFallback(_ context.Context, dc model.DeliverableCode) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.failure("release fallback"); err != nil {
		return err
	}
	c, ok := m.codes[dc.ID]
	if ok && !c.FallbackDelivered && sameClaim(c.FallbackClaimedAt, dc.FallbackClaimedAt) {
		c.FallbackClaimedAt = nil
	}
	return nil
}

func (m *MemoryLedger) ConsumeCode(_ context.Context, id int64) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.failure("consume code"); err != nil {
		return false, err
	}
	c, ok := m.codes[id]
	if !ok {
		return false, appErr.NewNotFound("code %d", id)
	}
	if c.FallbackDelivered || c.FallbackClaimedAt != nil {
		return false, nil
	}
	c.Consumed = true
	return true, nil
}

func (m *MemoryLedger) VerifyCode(_ context.Context, phone, tenantID string, now time.Time, maxAttempts int, match func(hash string) bool) (*model.DeliverableCode, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.failure("verify code"); err != nil {
		return nil, err
	}
	var best *model.DeliverableCode
	for _, c := range m.codes {
		if c.Phone != phone || c.Consumed || c.Expired(now) || c.Attempts >= maxAttempts {
			continue
		}
		if tenantID != "" && c.TenantID != tenantID {
			continue
		}
		if best == nil || c.CreatedAt.After(best.CreatedAt) || (c.CreatedAt.Equal(best.CreatedAt) && c.ID > best.ID) {
			best = c
		}
	}
	if best == nil {
		return nil, fmt.Errorf("no live code: %w", appErr.ErrInvalidCode)
	}
	if !match(best.CodeHash) {
		best.Attempts++
		if best.Attempts >= maxAttempts {
			return nil, appErr.ErrTooManyAttempts
		}
		return nil, appErr.ErrInvalidCode
	}
	best.Consumed = true
	c := *best
	return &c, nil
}

func (m *MemoryLedger) PurgeCodes(_ context.Context, createdBefore time.Time) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.failure("purge codes"); err != nil {
		return 0, err
	}
	var n int64
	for id, c := range m.codes {
		if c.CreatedAt.Before(createdBefore) {
			delete(m.codes, id)
			n++
		}
	}
	return n, nil
}

func (m *MemoryLedger) RecordHeartbeat(_ context.Context, hb model.Heartbeat) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.failure("record heartbeat"); err != nil {
		return err
	}
	m.heartbeats[hb.Name] = hb
	return nil
}

func (m *MemoryLedger) GetHeartbeat(_ context.Context, name string) (*model.Heartbeat, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.failure("get heartbeat"); err != nil {
		return nil, err
	}
	hb, ok := m.heartbeats[name]
	if !ok {
		return nil, appErr.NewNotFound("heartbeat %s", name)
	}
	return &hb, nil
}

func (m *MemoryLedger) ListHeartbeats(_ context.Context) ([]model.Heartbeat, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.failure("list heartbeats"); err != nil {
		return nil, err
	}
	out := make([]model.Heartbeat, 0, len(m.heartbeats))
	for _, hb := range m.heartbeats {
		out = append(out, hb)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out, nil
}

func (m *MemoryLedger) LockKey(ctx context.Context, key string) (func(), error) {
	m.mu.Lock()
	if err := m.failure("lock key"); err != nil {
		m.mu.Unlock()
		return nil, err
	}
	lock, ok := m.keyLocks[key]
	if !ok {
		lock = make(chan struct{}, 1)
		m.keyLocks[key] = lock
	}
	m.mu.Unlock()

	select {
	case lock <- struct{}{}:
		return func() { <-lock }, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (m *MemoryLedger) CountSince(_ context.Context, key string, since time.Time) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.failure("count since"); err != nil {
		return 0, err
	}
	kind, args, err := model.ParseRateKey(key)
	if err != nil {
		return 0, err
	}
	n := 0
	switch kind {
	case model.RateKindPhone:
		for _, c := range m.codes {
			if c.Phone == args[0] && !c.CreatedAt.Before(since) {
				n++
			}
		}
	case model.RateKindIP:
		for _, c := range m.codes {
			if c.IPHash == args[0] && !c.CreatedAt.Before(since) {
				n++
			}
		}
	case model.RateKindRoom:
		for _, r := range m.requests {
			if r.TenantID == args[0] && r.RoomNumber == args[1] && !r.CreatedAt.Before(since) {
				n++
			}
		}
	case model.RateKindStay:
		for _, r := range m.requests {
			if r.StayID == args[0] && !r.CreatedAt.Before(since) {
				n++
			}
		}
	}
	return n, nil
}
