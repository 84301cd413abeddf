package engine

import (
	"github.com/shopspring/decimal"

	"tw-inst-tracker/internal/model"
)

// DefaultWindows are the trading-day windows used when none are configured.
var DefaultWindows = []int{5, 20, 60, 120}

// applyChanges fills the change-over-window values of one security's ordered rows.
// Offsets are positional: row i is compared with row i-w of the same slice.
func applyChanges(rows []model.EstimatedOwnershipRecord, windows []int) {
	for i := range rows {
		changes := make([]model.WindowChange, len(windows))
		for j, w := range windows {
			changes[j].Window = w
			if i >= w {
				changes[j].Value = decimal.NullDecimal{
					Decimal: rows[i].ThreeInstRatioEst.Sub(rows[i-w].ThreeInstRatioEst),
					Valid:   true,
				}
			}
		}
		rows[i].Changes = changes
	}
}
