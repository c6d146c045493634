package trend

import (
	"cmp"
	"sort"
	"time"

	"github.com/chenjianrui-111/trend-agent/pkg/source"
)

// SortItems returns a new slice ordered by strategy, highest first. Ties break on platform
// and then source id, both descending, so the order is total and repeatable. Unknown
// strategies sort like SortHybrid.
func SortItems(items []source.Item, strategy source.SortStrategy) []source.Item {
	out := make([]source.Item, len(items))
	copy(out, items)

	var primary func(a, b source.Item) int
	switch strategy {
	case source.SortEngagement:
		primary = func(a, b source.Item) int { return cmp.Compare(a.EngagementScore, b.EngagementScore) }
	case source.SortRecency:
		// undated items compare as the zero time and land last
		primary = func(a, b source.Item) int {
			return a.Timestamp(time.Time{}).Compare(b.Timestamp(time.Time{}))
		}
	default:
		primary = func(a, b source.Item) int { return cmp.Compare(a.NormalizedHeatScore, b.NormalizedHeatScore) }
	}

	sort.SliceStable(out, func(i, j int) bool {
		if c := primary(out[i], out[j]); c != 0 {
			return c > 0
		}
		if c := cmp.Compare(out[i].SourcePlatform, out[j].SourcePlatform); c != 0 {
			return c > 0
		}
		return out[i].SourceID > out[j].SourceID
	})
	return out
}
