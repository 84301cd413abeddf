package model

import (
	"time"

	"github.com/shopspring/decimal"
)

// Market identifies the listing venue of a security.
type Market string

const (
	MarketTWSE Market = "TWSE"
	MarketTPEX Market = "TPEX"
)

// Security 证券基础信息。Code 是所有分组的唯一键。
type Security struct {
	Code   string
	Market Market
	Name   string
}

// FlowRecord holds the signed daily net share counts of the three institutional classes.
type FlowRecord struct {
	Code       string
	Date       time.Time
	ForeignNet int64
	TrustNet   int64
	DealerNet  int64
}

// OwnershipSnapshot is one exchange-published foreign ownership observation.
type OwnershipSnapshot struct {
	Code          string
	Market        Market
	Date          time.Time
	TotalShares   *int64
	ForeignShares *int64
	ForeignRatio  *decimal.Decimal
	FetchedAt     time.Time
}

// SnapshotSet groups the snapshots delivered by one upstream source.
// Higher priority wins when two sources publish the same (code, date).
type SnapshotSet struct {
	Source   string
	Priority int
	Rows     []OwnershipSnapshot
}

// BaselineAnchor 人工维护的投信/自营商持股校准点。
// A nil class value leaves that class untouched on the anchor date.
type BaselineAnchor struct {
	Code             string
	Date             time.Time
	TrustSharesBase  *int64
	DealerSharesBase *int64
}

// WindowChange is the change of the combined ratio over a trading-day window.
type WindowChange struct {
	Window int
	Value  decimal.NullDecimal
}

// EstimatedOwnershipRecord is the derived per-security, per-day output row.
type EstimatedOwnershipRecord struct {
	Code   string
	Market Market
	Name   string
	Date   time.Time

	ForeignRatio      decimal.Decimal
	TrustRatioEst     decimal.Decimal
	DealerRatioEst    decimal.Decimal
	ThreeInstRatioEst decimal.Decimal

	TrustSharesEst  int64
	DealerSharesEst int64
	// TotalShares is nil until the first shares-outstanding observation.
	TotalShares *int64

	Changes    []WindowChange
	Quality    Quality
	AnchorDate *time.Time
}

// Change returns the change value for window w.
func (r EstimatedOwnershipRecord) Change(w int) decimal.NullDecimal {
	for _, c := range r.Changes {
		if c.Window == w {
			return c.Value
		}
	}
	return decimal.NullDecimal{}
}

// NormalizeDate truncates t to its calendar date in UTC.
func NormalizeDate(t time.Time) time.Time {
	y, m, d := t.Date()
	return time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
}

// Int64Ptr returns a pointer to v.
func Int64Ptr(v int64) *int64 {
	return &v
}
