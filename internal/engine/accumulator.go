package engine

import (
	"time"

	"tw-inst-tracker/internal/model"
)

// accumulator carries the per-security running state of the cumulative-flow estimate.
//
// Estimated holdings for a class are the last anchor value plus the flow accumulated
// since that anchor. Before any anchor both terms are zero and the estimate is the
// plain cumulative sum.
type accumulator struct {
	cumTrust  int64
	cumDealer int64

	anchorTrust  int64
	anchorDealer int64

	trustAtAnchor  int64
	dealerAtAnchor int64

	anchorDate *time.Time
}

func (a *accumulator) add(trustNet, dealerNet int64) {
	a.cumTrust += trustNet
	a.cumDealer += dealerNet
}

// reanchor pins the estimate to the anchor values against the running totals as
// they stand now. Each anchor fully replaces the previous one.
func (a *accumulator) reanchor(an model.BaselineAnchor) {
	if an.TrustSharesBase == nil && an.DealerSharesBase == nil {
		return
	}
	if an.TrustSharesBase != nil {
		a.anchorTrust = *an.TrustSharesBase
		a.trustAtAnchor = a.cumTrust
	}
	if an.DealerSharesBase != nil {
		a.anchorDealer = *an.DealerSharesBase
		a.dealerAtAnchor = a.cumDealer
	}
	d := an.Date
	a.anchorDate = &d
}

func (a *accumulator) trustEst() int64 {
	return a.anchorTrust + (a.cumTrust - a.trustAtAnchor)
}

func (a *accumulator) dealerEst() int64 {
	return a.anchorDealer + (a.cumDealer - a.dealerAtAnchor)
}

func (a *accumulator) anchored() bool {
	return a.anchorDate != nil
}
