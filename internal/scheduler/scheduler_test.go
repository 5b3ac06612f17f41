package scheduler

import (
	"context"
	"errors"
	"log/slog"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestStartRunsJobsUntilCancelled(t *testing.T) {
	var fast, failing atomic.Int64
	s := New(slog.Default(),
		Job{Name: "fast", Interval: 5 * time.Millisecond, Run: func(context.Context) error {
			fast.Add(1)
			return nil
		}},
		Job{Name: "failing", Interval: 5 * time.Millisecond, Run: func(context.Context) error {
			failing.Add(1)
			return errors.New("boom")
		}},
		Job{Name: "disabled", Run: func(context.Context) error {
			t.Error("disabled job ran")
			return nil
		}},
	)

	ctx, cancel := context.WithCancel(context.Background())
	s.Start(ctx)
	assert.Eventually(t, func() bool { return fast.Load() >= 3 && failing.Load() >= 3 }, time.Second, 5*time.Millisecond,
		"a failing job keeps its schedule")
	cancel()
	s.Wait()
}

func TestRunAllJoinsErrors(t *testing.T) {
	var ran []string
	s := New(slog.Default(),
		Job{Name: "a", Run: func(context.Context) error { ran = append(ran, "a"); return nil }},
		Job{Name: "b", Run: func(context.Context) error { ran = append(ran, "b"); return errors.New("ledger down") }},
		Job{Name: "c", Run: func(context.Context) error { ran = append(ran, "c"); panic("nil map") }},
	)

	err := s.RunAll(context.Background())
	require.Error(t, err)
	assert.Equal(t, []string{"a", "b", "c"}, ran)
	assert.Contains(t, err.Error(), "b: ledger down")
	assert.Contains(t, err.Error(), "panicked")
}
