package aggregate

import (
	"sort"
	"time"

	"ledgermarket/internal/provider"
)

// PairKey identifies a currency conversion direction.
type PairKey struct {
	From string
	To   string
}

// Need says that some record requires a From->To rate starting at Date.
type Need struct {
	From string    `json:"from"`
	To   string    `json:"to"`
	Date time.Time `json:"start_date"`
}

// EarliestByPair collapses needs by (From, To) keeping the earliest date.
// Codes are normalized; same-currency and incomplete needs are dropped.
// Output is sorted by From then To.
func EarliestByPair(needs []Need) []Need {
	earliest := make(map[PairKey]time.Time, len(needs))

	for _, n := range needs {
		from, to := provider.Normalize(n.From), provider.Normalize(n.To)
		if from == "" || to == "" || from == to || n.Date.IsZero() {
			continue
		}
		day := provider.Day(n.Date)
		key := PairKey{From: from, To: to}
		if cur, ok := earliest[key]; !ok || day.Before(cur) {
			earliest[key] = day
		}
	}

	out := make([]Need, 0, len(earliest))
	for k, d := range earliest {
		out = append(out, Need{From: k.From, To: k.To, Date: d})
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].From != out[j].From {
			return out[i].From < out[j].From
		}
		return out[i].To < out[j].To
	})
	return out
}

// Cap returns the earlier of first and floor; a zero first yields floor.
func Cap(first, floor time.Time) time.Time {
	if first.IsZero() || floor.Before(first) {
		return floor
	}
	return first
}
