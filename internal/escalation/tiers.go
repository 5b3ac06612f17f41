package escalation

import (
	"sort"
	"time"

	"github.com/samims/concierge/internal/model"
)

// TierSource supplies the process-wide default ladder. It is asked on every
// pass so a reconfigured default takes effect without a restart.
type TierSource interface {
	DefaultTierMinutes() []int
}

// StaticTiers is a fixed ladder.
type StaticTiers []int

func (s StaticTiers) DefaultTierMinutes() []int {
	return append([]int(nil), s...)
}

// ResolveTiers returns the tenant's ladder, or the default when the tenant
// has none. Non-positive and duplicate thresholds are dropped and the result
// is ascending.
func ResolveTiers(tenant model.Tenant, src TierSource) []int {
	raw := tenant.TierMinutes
	if len(raw) == 0 {
		raw = src.DefaultTierMinutes()
	}
	seen := make(map[int]bool, len(raw))
	out := make([]int, 0, len(raw))
	for _, m := range raw {
		if m <= 0 || seen[m] {
			continue
		}
		seen[m] = true
		out = append(out, m)
	}
	sort.Ints(out)
	return out
}

// CrossedTiers returns the 1-based tier numbers whose threshold the elapsed
// wall-clock time has reached.
func CrossedTiers(tiers []int, elapsed time.Duration) []int {
	minutes := int(elapsed / time.Minute)
	var out []int
	for i, threshold := range tiers {
		if minutes >= threshold {
			out = append(out, i+1)
		}
	}
	return out
}
