package source

import (
	"encoding/csv"
	"fmt"
	"io"
	"strconv"
	"time"

	"tw-inst-tracker/internal/model"
)

// EstimateHeader returns the CSV header for estimated records with the given windows.
func EstimateHeader(windows []int) []string {
	header := []string{
		"code", "market", "name", "date",
		"foreign_ratio", "trust_ratio_est", "dealer_ratio_est", "three_inst_ratio_est",
		"trust_shares_est", "dealer_shares_est", "total_shares",
	}
	for _, w := range windows {
		header = append(header, fmt.Sprintf("change_%dd", w))
	}
	return append(header, "quality", "anchor_date")
}

// EstimateRow renders one record in EstimateHeader column order.
func EstimateRow(rec model.EstimatedOwnershipRecord, windows []int) []string {
	row := []string{
		rec.Code,
		string(rec.Market),
		rec.Name,
		rec.Date.Format(time.DateOnly),
		rec.ForeignRatio.String(),
		rec.TrustRatioEst.String(),
		rec.DealerRatioEst.String(),
		rec.ThreeInstRatioEst.String(),
		strconv.FormatInt(rec.TrustSharesEst, 10),
		strconv.FormatInt(rec.DealerSharesEst, 10),
		"",
	}
	if rec.TotalShares != nil {
		row[10] = strconv.FormatInt(*rec.TotalShares, 10)
	}
	for _, w := range windows {
		c := rec.Change(w)
		if c.Valid {
			row = append(row, c.Decimal.String())
		} else {
			row = append(row, "")
		}
	}
	anchor := ""
	if rec.AnchorDate != nil {
		anchor = rec.AnchorDate.Format(time.DateOnly)
	}
	return append(row, rec.Quality.String(), anchor)
}

// WriteEstimates writes records as CSV. Null changes and unknown total shares are written as empty cells.
func WriteEstimates(w io.Writer, recs []model.EstimatedOwnershipRecord, windows []int) error {
	cw := csv.NewWriter(w)
	if err := cw.Write(EstimateHeader(windows)); err != nil {
		return fmt.Errorf("write csv header: %w", err)
	}
	for _, rec := range recs {
		if err := cw.Write(EstimateRow(rec, windows)); err != nil {
			return fmt.Errorf("write csv row: %w", err)
		}
	}
	cw.Flush()
	if err := cw.Error(); err != nil {
		return fmt.Errorf("flush csv: %w", err)
	}
	return nil
}
