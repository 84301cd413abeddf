package model

import "strings"

// Quality is a bit set of data-quality signals attached to an estimated row.
type Quality uint16

const (
	// QualityRatioUndefined marks rows whose denominator was unknown or non-positive.
	QualityRatioUndefined Quality = 1 << iota
	// QualityForeignRatioMissing marks rows with no official foreign ratio yet.
	QualityForeignRatioMissing
	// QualityFlowImputed marks rows where the flow record was absent and zero was used.
	QualityFlowImputed
	// QualitySnapshotCarried marks rows whose snapshot fields were forward-filled.
	QualitySnapshotCarried
	// QualityNegativeShares marks negative estimated trust or dealer holdings.
	QualityNegativeShares
	// QualityRatioOutOfRange marks a ratio below 0% or above 100%.
	QualityRatioOutOfRange
	// QualityUnanchored marks rows estimated without any calibration point.
	QualityUnanchored
)

var qualityNames = []struct {
	flag Quality
	name string
}{
	{QualityRatioUndefined, "ratio_undefined"},
	{QualityForeignRatioMissing, "foreign_ratio_missing"},
	{QualityFlowImputed, "flow_imputed"},
	{QualitySnapshotCarried, "snapshot_carried"},
	{QualityNegativeShares, "negative_shares"},
	{QualityRatioOutOfRange, "ratio_out_of_range"},
	{QualityUnanchored, "unanchored"},
}

// Has reports whether all bits of f are set.
func (q Quality) Has(f Quality) bool {
	return q&f == f
}

// String renders the set flags joined by "|".
func (q Quality) String() string {
	if q == 0 {
		return "ok"
	}
	parts := make([]string, 0, len(qualityNames))
	for _, n := range qualityNames {
		if q.Has(n.flag) {
			parts = append(parts, n.name)
		}
	}
	return strings.Join(parts, "|")
}
