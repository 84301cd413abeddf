package engine

import (
	"sort"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"tw-inst-tracker/internal/model"
)

// AlignedSnapshot is one point of a security's merged, forward-filled snapshot series.
type AlignedSnapshot struct {
	Date          time.Time
	Market        model.Market
	TotalShares   *int64
	ForeignShares *int64
	ForeignRatio  *decimal.Decimal
	// Carried is set when at least one field was taken from an earlier observation.
	Carried bool
}

type snapshotCandidate struct {
	row      model.OwnershipSnapshot
	priority int
	order    int
}

func (c snapshotCandidate) beats(prev snapshotCandidate) bool {
	if c.priority != prev.priority {
		return c.priority > prev.priority
	}
	if !c.row.FetchedAt.Equal(prev.row.FetchedAt) {
		return c.row.FetchedAt.After(prev.row.FetchedAt)
	}
	return c.order > prev.order
}

// Align merges snapshot sets from all exchanges into one sorted, forward-filled
// series per security code. Values are never back-filled.
func Align(sets []model.SnapshotSet) map[string][]AlignedSnapshot {
	best := make(map[string]map[time.Time]snapshotCandidate)
	order := 0
	for _, set := range sets {
		for _, row := range set.Rows {
			code := strings.TrimSpace(row.Code)
			if code == "" {
				continue
			}
			row.Code = code
			row.Date = model.NormalizeDate(row.Date)

			cand := snapshotCandidate{row: row, priority: set.Priority, order: order}
			order++

			byDate, ok := best[code]
			if !ok {
				byDate = make(map[time.Time]snapshotCandidate)
				best[code] = byDate
			}
			if prev, exists := byDate[row.Date]; !exists || cand.beats(prev) {
				byDate[row.Date] = cand
			}
		}
	}

	out := make(map[string][]AlignedSnapshot, len(best))
	for code, byDate := range best {
		dates := make([]time.Time, 0, len(byDate))
		for d := range byDate {
			dates = append(dates, d)
		}
		sort.Slice(dates, func(i, j int) bool { return dates[i].Before(dates[j]) })

		series := make([]AlignedSnapshot, 0, len(dates))
		var last AlignedSnapshot
		for _, d := range dates {
			row := byDate[d].row
			cur := AlignedSnapshot{Date: d, Market: row.Market}
			var carried [3]bool
			cur.TotalShares, carried[0] = fillInt(row.TotalShares, last.TotalShares)
			cur.ForeignShares, carried[1] = fillInt(row.ForeignShares, last.ForeignShares)
			cur.ForeignRatio, carried[2] = fillDecimal(row.ForeignRatio, last.ForeignRatio)
			cur.Carried = carried[0] || carried[1] || carried[2]
			if cur.Market == "" {
				cur.Market = last.Market
			}
			series = append(series, cur)
			last = cur
		}
		out[code] = series
	}
	return out
}

func fillInt(v, prev *int64) (*int64, bool) {
	if v != nil {
		return v, false
	}
	return prev, prev != nil
}

func fillDecimal(v, prev *decimal.Decimal) (*decimal.Decimal, bool) {
	if v != nil {
		return v, false
	}
	return prev, prev != nil
}
