package storage

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	appErr "github.com/samims/concierge/internal/errors"
	"github.com/samims/concierge/internal/model"
)

var base = time.Date(2026, 5, 1, 12, 0, 0, 0, time.UTC)

func TestAdmitEscalationIsUnique(t *testing.T) {
	ctx := context.Background()
	m := NewMemoryLedger()
	req := &model.Request{TenantID: "t", CreatedAt: base}
	require.NoError(t, m.CreateRequest(ctx, req))

	require.NoError(t, m.AdmitEscalation(ctx, req.ID, 1, base))
	err := m.AdmitEscalation(ctx, req.ID, 1, base)
	assert.True(t, appErr.IsConflict(err))

	err = m.AdmitEscalation(ctx, "missing", 1, base)
	assert.True(t, appErr.IsNotFound(err))
}

func TestClaimEscalationsSkipsFreshClaims(t *testing.T) {
	ctx := context.Background()
	m := NewMemoryLedger()
	req := &model.Request{TenantID: "t", DepartmentID: "d", RoomNumber: "7", CreatedAt: base}
	require.NoError(t, m.CreateRequest(ctx, req))
	require.NoError(t, m.AdmitEscalation(ctx, req.ID, 1, base))

	first, err := m.ClaimEscalations(ctx, base, base.Add(-5*time.Minute), 10)
	require.NoError(t, err)
	require.Len(t, first, 1)
	assert.Equal(t, "7", first[0].RoomNumber)

	again, err := m.ClaimEscalations(ctx, base.Add(time.Minute), base.Add(-4*time.Minute), 10)
	require.NoError(t, err)
	assert.Empty(t, again)

	require.NoError(t, m.CommitEscalation(ctx, first[0], base.Add(time.Minute)))
	err = m.CommitEscalation(ctx, first[0], base.Add(time.Minute))
	assert.True(t, appErr.IsAlreadyClaimed(err))

	acts, err := m.ListActivity(ctx, req.ID)
	require.NoError(t, err)
	require.Len(t, acts, 1, "only the committed delivery is recorded")
	assert.Equal(t, model.ActionEscalated, acts[0].Action)
	assert.Equal(t, model.StatusCreated, acts[0].FromStatus)
	assert.Equal(t, model.StatusCreated, acts[0].ToStatus)
	assert.Equal(t, map[string]string{"tier": "1"}, acts[0].Details)
}

func TestMutateRequestWritesOneActivity(t *testing.T) {
	ctx := context.Background()
	m := NewMemoryLedger()
	req := &model.Request{TenantID: "t", CreatedAt: base}
	require.NoError(t, m.CreateRequest(ctx, req))

	_, err := m.MutateRequest(ctx, req.ID, func(r *model.Request) (*model.Activity, error) {
		r.Status = model.StatusAcknowledged
		return &model.Activity{Action: model.ActionAcknowledged, Details: map[string]string{"secret": "x", "source": "staff"}}, nil
	})
	require.NoError(t, err)

	_, err = m.MutateRequest(ctx, req.ID, func(r *model.Request) (*model.Activity, error) {
		r.Status = model.StatusExpired
		return nil, appErr.NewInvalidTransition("nope")
	})
	require.Error(t, err)

	got, err := m.GetRequest(ctx, req.ID)
	require.NoError(t, err)
	assert.Equal(t, model.StatusAcknowledged, got.Status, "failed mutation leaves the row untouched")

	acts, err := m.ListActivity(ctx, req.ID)
	require.NoError(t, err)
	require.Len(t, acts, 1)
	assert.Equal(t, map[string]string{"source": "staff"}, acts[0].Details)
}

func TestVerifyCode(t *testing.T) {
	ctx := context.Background()
	m := NewMemoryLedger()
	code := &model.DeliverableCode{Phone: "+100", TenantID: "t", CodeHash: "good", CreatedAt: base, ExpiresAt: base.Add(10 * time.Minute)}
	require.NoError(t, m.CreateCode(ctx, code))
	match := func(want string) func(string) bool { return func(h string) bool { return h == want } }

	_, err := m.VerifyCode(ctx, "+100", "t", base, 2, match("bad"))
	assert.ErrorIs(t, err, appErr.ErrInvalidCode)
	_, err = m.VerifyCode(ctx, "+100", "t", base, 2, match("bad"))
	assert.ErrorIs(t, err, appErr.ErrTooManyAttempts)
	_, err = m.VerifyCode(ctx, "+100", "t", base, 2, match("good"))
	assert.ErrorIs(t, err, appErr.ErrInvalidCode, "exhausted code is no longer a candidate")
}

func TestConsumeAndCommitAreFencedOnEachOther(t *testing.T) {
	ctx := context.Background()
	m := NewMemoryLedger()
	code := &model.DeliverableCode{Phone: "+100", CodeHash: "good", CreatedAt: base, ExpiresAt: base.Add(10 * time.Minute)}
	require.NoError(t, m.CreateCode(ctx, code))

	claimed, err := m.ClaimFallback(ctx, FallbackQuery{Now: base, StaleBefore: base.Add(-time.Minute), CodeID: code.ID, Limit: 1})
	require.NoError(t, err)
	require.Len(t, claimed, 1)

	consumed, err := m.ConsumeCode(ctx, code.ID)
	require.NoError(t, err)
	assert.False(t, consumed, "a held claim owns the code")

	_, err = m.VerifyCode(ctx, "+100", "", base, 5, func(h string) bool { return h == "good" })
	require.NoError(t, err)
	err = m.CommitFallback(ctx, claimed[0], base, false)
	assert.ErrorIs(t, err, appErr.ErrAlreadyClaimed, "a consumed code is never delivered again")

	other := &model.DeliverableCode{Phone: "+200", CodeHash: "x", CreatedAt: base, ExpiresAt: base.Add(10 * time.Minute)}
	require.NoError(t, m.CreateCode(ctx, other))
	consumed, err = m.ConsumeCode(ctx, other.ID)
	require.NoError(t, err)
	assert.True(t, consumed)

	_, err = m.ConsumeCode(ctx, 999)
	assert.True(t, appErr.IsNotFound(err))
}

func TestCountSince(t *testing.T) {
	ctx := context.Background()
	m := NewMemoryLedger()
	for i := 0; i < 3; i++ {
		require.NoError(t, m.CreateRequest(ctx, &model.Request{TenantID: "t", RoomNumber: "101", StayID: "s1", CreatedAt: base.Add(time.Duration(i) * time.Minute)}))
	}
	require.NoError(t, m.CreateRequest(ctx, &model.Request{TenantID: "t", RoomNumber: "101", CreatedAt: base.Add(-2 * time.Hour)}))

	n, err := m.CountSince(ctx, model.RateKeyRoom("t", "101"), base.Add(-time.Hour))
	require.NoError(t, err)
	assert.Equal(t, 3, n)

	n, err = m.CountSince(ctx, model.RateKeyStay("s1"), base.Add(90*time.Second))
	require.NoError(t, err)
	assert.Equal(t, 1, n)
}

func TestSetFailureIsDurable(t *testing.T) {
	m := NewMemoryLedger()
	m.SetFailure(errors.New("connection reset"))
	_, err := m.ListEscalationTenants(context.Background())
	assert.True(t, appErr.IsDurable(err))

	m.SetFailure(nil)
	_, err = m.ListEscalationTenants(context.Background())
	assert.NoError(t, err)
}
