package app

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/shopspring/decimal"

	"tw-inst-tracker/internal/model"
	"tw-inst-tracker/internal/storage"
)

// Show prints the recent estimates of one security.
func (a *App) Show(ctx context.Context, opts ShowOptions) error {
	if strings.TrimSpace(opts.Code) == "" {
		return errors.New("--code 必须提供")
	}

	store, closeStore, err := a.requireStore(ctx, "查询估算")
	if err != nil {
		return err
	}
	defer closeStore()

	recs, err := store.ListEstimates(ctx, storage.EstimateQuery{
		Code:  strings.TrimSpace(opts.Code),
		From:  opts.From,
		To:    opts.To,
		Limit: opts.Limit,
	})
	if err != nil {
		return err
	}
	if len(recs) == 0 {
		fmt.Fprintln(os.Stdout, "no estimates found")
		return nil
	}

	return renderEstimates(os.Stdout, recs, a.windows())
}

func renderEstimates(w io.Writer, recs []model.EstimatedOwnershipRecord, windows []int) error {
	writer := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)

	header := []string{"Date", "Foreign%", "Trust%", "Dealer%", "Three%"}
	for _, win := range windows {
		header = append(header, fmt.Sprintf("Δ%dd", win))
	}
	header = append(header, "Quality", "Anchor")
	fmt.Fprintln(writer, strings.Join(header, "\t"))

	for _, rec := range recs {
		cols := []string{
			rec.Date.Format(time.DateOnly),
			formatDecimal(rec.ForeignRatio, 2),
			formatDecimal(rec.TrustRatioEst, 4),
			formatDecimal(rec.DealerRatioEst, 4),
			formatDecimal(rec.ThreeInstRatioEst, 4),
		}
		for _, win := range windows {
			cols = append(cols, formatNullDecimal(rec.Change(win), 4))
		}
		anchor := "-"
		if rec.AnchorDate != nil {
			anchor = rec.AnchorDate.Format(time.DateOnly)
		}
		cols = append(cols, sanitizeInline(rec.Quality.String()), anchor)
		fmt.Fprintln(writer, strings.Join(cols, "\t"))
	}

	return writer.Flush()
}

func sanitizeInline(v string) string {
	if v == "" {
		return "-"
	}
	cleaned := strings.ReplaceAll(v, "\n", " ")
	cleaned = strings.ReplaceAll(cleaned, "\r", " ")
	return cleaned
}

func formatDecimal(d decimal.Decimal, places int32) string {
	return d.StringFixed(places)
}

func formatNullDecimal(d decimal.NullDecimal, places int32) string {
	if !d.Valid {
		return "-"
	}
	return d.Decimal.StringFixed(places)
}
