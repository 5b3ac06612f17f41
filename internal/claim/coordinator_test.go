package claim

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/samims/concierge/internal/clock"
	appErr "github.com/samims/concierge/internal/errors"
	"github.com/samims/concierge/pkg/tracing"
)

type job struct {
	id        int
	claimedAt time.Time
}

func (j job) ClaimKey() string { return fmt.Sprintf("job/%d", j.id) }

type row struct {
	claimedAt *time.Time
	done      bool
}

// jobStore is a minimal ledger with the same claim predicate as the real
// stores.
type jobStore struct {
	mu         sync.Mutex
	rows       map[int]*row
	releaseErr error
	commitErr  error
}

func newJobStore(n int) *jobStore {
	s := &jobStore{rows: make(map[int]*row)}
	for i := 1; i <= n; i++ {
		s.rows[i] = &row{}
	}
	return s
}

func (s *jobStore) Claim(_ context.Context, now, staleBefore time.Time, limit int) ([]job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []job
	for id := 1; id <= len(s.rows); id++ {
		r := s.rows[id]
		if r.done || (r.claimedAt != nil && !r.claimedAt.Before(staleBefore)) {
			continue
		}
		t := now
		r.claimedAt = &t
		out = append(out, job{id: id, claimedAt: now})
		if len(out) == limit {
			break
		}
	}
	return out, nil
}

func (s *jobStore) Commit(_ context.Context, j job, _ time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.commitErr != nil {
		return s.commitErr
	}
	r := s.rows[j.id]
	if r.done {
		return appErr.ErrAlreadyClaimed
	}
	r.done = true
	r.claimedAt = nil
	return nil
}

func (s *jobStore) Release(_ context.Context, j job) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.releaseErr != nil {
		return s.releaseErr
	}
	r := s.rows[j.id]
	if !r.done && r.claimedAt != nil && r.claimedAt.Equal(j.claimedAt) {
		r.claimedAt = nil
	}
	return nil
}

func (s *jobStore) doneCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, r := range s.rows {
		if r.done {
			n++
		}
	}
	return n
}

type effects struct {
	mu    sync.Mutex
	calls map[int]int
}

func (e *effects) exec(fail func(id int) bool) Executor[job] {
	return func(_ context.Context, j job) (job, error) {
		if fail != nil && fail(j.id) {
			return j, errors.New("transport down")
		}
		e.mu.Lock()
		e.calls[j.id]++
		e.mu.Unlock()
		return j, nil
	}
}

func newEffects() *effects { return &effects{calls: make(map[int]int)} }

func newCoordinator(store Store[job], clk clock.Clock, batch, workers int) *Coordinator[job] {
	return New[job](store, Options{Name: "job", StaleTimeout: time.Minute, BatchSize: batch, Workers: workers},
		clk, tracing.NewTracer(nil), slog.Default())
}

func TestRunDeliversEveryUnit(t *testing.T) {
	store := newJobStore(25)
	fx := newEffects()
	c := newCoordinator(store, clock.NewManual(time.Now()), 10, 4)

	res, err := c.Run(context.Background(), fx.exec(nil))
	require.NoError(t, err)
	assert.Equal(t, 25, res.Claimed)
	assert.Equal(t, 25, res.Delivered)
	assert.Equal(t, 25, store.doneCount())
	for id, n := range fx.calls {
		assert.Equal(t, 1, n, "job %d", id)
	}
}

func TestConcurrentRunnersExecuteOnce(t *testing.T) {
	store := newJobStore(60)
	fx := newEffects()
	clk := clock.NewManual(time.Now())

	var wg sync.WaitGroup
	var delivered atomic.Int64
	for i := 0; i < 5; i++ {
		c := newCoordinator(store, clk, 7, 3)
		wg.Add(1)
		go func() {
			defer wg.Done()
			res, err := c.Run(context.Background(), fx.exec(nil))
			assert.NoError(t, err)
			delivered.Add(int64(res.Delivered))
		}()
	}
	wg.Wait()

	assert.EqualValues(t, 60, delivered.Load())
	require.Len(t, fx.calls, 60)
	for id, n := range fx.calls {
		assert.Equal(t, 1, n, "job %d", id)
	}
}

func TestFailedDeliveryReleasesAndStopsTheLoop(t *testing.T) {
	store := newJobStore(3)
	fx := newEffects()
	c := newCoordinator(store, clock.NewManual(time.Now()), 3, 1)

	res, err := c.Run(context.Background(), fx.exec(func(id int) bool { return id == 2 }))
	require.NoError(t, err)
	assert.Equal(t, 3, res.Claimed, "released unit is not reclaimed in the same pass")
	assert.Equal(t, 2, res.Delivered)
	assert.Equal(t, 1, res.Failed)
	assert.Nil(t, store.rows[2].claimedAt)

	res, err = c.Run(context.Background(), fx.exec(nil))
	require.NoError(t, err)
	assert.Equal(t, 1, res.Delivered)
	assert.Equal(t, 3, store.doneCount())
}

func TestStaleClaimIsTakenOver(t *testing.T) {
	ctx := context.Background()
	store := newJobStore(1)
	fx := newEffects()
	clk := clock.NewManual(time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC))
	c := newCoordinator(store, clk, 10, 1)

	// Crashed runner: claimed, never committed or released.
	now := clk.Now()
	_, err := store.Claim(ctx, now, c.StaleBefore(now), 10)
	require.NoError(t, err)

	clk.Advance(30 * time.Second)
	res, err := c.Run(ctx, fx.exec(nil))
	require.NoError(t, err)
	assert.Zero(t, res.Claimed)

	clk.Advance(31 * time.Second)
	res, err = c.Run(ctx, fx.exec(nil))
	require.NoError(t, err)
	assert.Equal(t, 1, res.Delivered)
	assert.Equal(t, 1, fx.calls[1])
}

func TestLateReleaseDoesNotClearNewerClaim(t *testing.T) {
	ctx := context.Background()
	store := newJobStore(1)
	clk := clock.NewManual(time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC))
	c := newCoordinator(store, clk, 10, 1)

	now := clk.Now()
	first, err := store.Claim(ctx, now, c.StaleBefore(now), 10)
	require.NoError(t, err)

	clk.Advance(2 * time.Minute)
	now = clk.Now()
	second, err := store.Claim(ctx, now, c.StaleBefore(now), 10)
	require.NoError(t, err)
	require.Len(t, second, 1)

	require.NoError(t, store.Release(ctx, first[0]))
	require.NotNil(t, store.rows[1].claimedAt)
	assert.True(t, store.rows[1].claimedAt.Equal(now))
}

func TestSupersededCommitCounts(t *testing.T) {
	ctx := context.Background()
	store := newJobStore(1)
	c := newCoordinator(store, clock.NewManual(time.Now()), 10, 1)

	units := []job{{id: 1}}
	store.rows[1].done = true
	res, err := c.Process(ctx, units, newEffects().exec(nil))
	require.NoError(t, err)
	assert.Equal(t, 1, res.Superseded)
	assert.Zero(t, res.Delivered)
}

func TestDurableFailures(t *testing.T) {
	durable := appErr.NewDurable("write", errors.New("disk full"))

	tests := []struct {
		name       string
		releaseErr error
		commitErr  error
		fail       func(int) bool
	}{
		{name: "release after delivery error", releaseErr: durable, fail: func(int) bool { return true }},
		{name: "commit after delivery", commitErr: durable},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			store := newJobStore(2)
			store.releaseErr = tt.releaseErr
			store.commitErr = tt.commitErr
			c := newCoordinator(store, clock.NewManual(time.Now()), 10, 1)

			_, err := c.Run(context.Background(), newEffects().exec(tt.fail))
			require.Error(t, err)
			assert.True(t, appErr.IsDurable(err))
		})
	}
}

func TestAdmit(t *testing.T) {
	tests := []struct {
		name     string
		err      error
		admitted bool
		wantErr  bool
	}{
		{name: "inserted", admitted: true},
		{name: "already exists", err: appErr.NewConflict("dup")},
		{name: "store down", err: appErr.NewDurable("insert", errors.New("timeout")), wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ok, err := Admit(context.Background(), func(context.Context) error { return tt.err })
			assert.Equal(t, tt.admitted, ok)
			if tt.wantErr {
				assert.Error(t, err)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}
