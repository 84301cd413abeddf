package model

import (
	"time"

	"github.com/shopspring/decimal"
)

// Mover is one ranked security by combined-ratio change over a window.
type Mover struct {
	Rank           int
	Code           string
	Name           string
	Market         Market
	Date           time.Time
	Window         int
	Change         decimal.Decimal
	ThreeInstRatio decimal.Decimal
	ForeignRatio   decimal.Decimal
	TrustRatio     decimal.Decimal
	DealerRatio    decimal.Decimal
}
