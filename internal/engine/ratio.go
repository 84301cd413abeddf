package engine

import (
	"github.com/shopspring/decimal"

	"tw-inst-tracker/internal/model"
)

// RatioPlaces is the number of decimal places kept for estimated ratios.
const RatioPlaces = 4

var (
	hundred = decimal.NewFromInt(100)
)

type ratios struct {
	foreign decimal.Decimal
	trust   decimal.Decimal
	dealer  decimal.Decimal
	three   decimal.Decimal
	quality model.Quality
}

// computeRatios converts estimated share counts into percentages of shares outstanding.
// An unknown or non-positive denominator forces both estimated ratios to zero.
func computeRatios(trustShares, dealerShares int64, snap *AlignedSnapshot) ratios {
	var r ratios

	if snap != nil && snap.TotalShares != nil && *snap.TotalShares > 0 {
		total := decimal.NewFromInt(*snap.TotalShares)
		r.trust = shareRatio(trustShares, total)
		r.dealer = shareRatio(dealerShares, total)
	} else {
		r.trust = decimal.Zero
		r.dealer = decimal.Zero
		r.quality |= model.QualityRatioUndefined
	}

	if snap != nil && snap.ForeignRatio != nil {
		r.foreign = *snap.ForeignRatio
	} else {
		r.foreign = decimal.Zero
		r.quality |= model.QualityForeignRatioMissing
	}

	r.three = r.foreign.Add(r.trust).Add(r.dealer)

	if !r.quality.Has(model.QualityRatioUndefined) {
		for _, v := range []decimal.Decimal{r.trust, r.dealer, r.three} {
			if outOfRange(v) {
				r.quality |= model.QualityRatioOutOfRange
				break
			}
		}
	}
	return r
}

func shareRatio(shares int64, total decimal.Decimal) decimal.Decimal {
	return decimal.NewFromInt(shares).Mul(hundred).DivRound(total, RatioPlaces)
}

func outOfRange(v decimal.Decimal) bool {
	return v.IsNegative() || v.GreaterThan(hundred)
}
