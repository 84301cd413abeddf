package app

import (
	"context"
	"errors"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"strings"
	"time"

	chart "github.com/wcharczuk/go-chart/v2"
	"github.com/xuri/excelize/v2"

	"tw-inst-tracker/internal/model"
	"tw-inst-tracker/internal/source"
	"tw-inst-tracker/internal/storage"
)

const exportSheet = "estimates"

// Export renders one security's stored estimates as CSV, PNG and/or XLSX.
func (a *App) Export(ctx context.Context, opts ExportOptions) error {
	if opts.CSVPath == "" && opts.PNGPath == "" && opts.XLSXPath == "" {
		return errors.New("at least one of --csv, --png or --xlsx must be provided")
	}
	if strings.TrimSpace(opts.Code) == "" {
		return errors.New("--code 必须提供")
	}
	if !opts.From.IsZero() && !opts.To.IsZero() && opts.To.Before(opts.From) {
		return errors.New("from must not be after to")
	}

	opts.MaxPoints = a.Config.ResolveMaxPoints(opts.MaxPoints)

	store, closeStore, err := a.requireStore(ctx, "导出")
	if err != nil {
		return err
	}
	defer closeStore()

	// 指定 --from 时取整个区间再抽样, 否则只取最近 MaxPoints 行
	limit := opts.MaxPoints
	if !opts.From.IsZero() {
		limit = math.MaxInt32
	}
	recs, err := store.ListEstimates(ctx, storage.EstimateQuery{
		Code:  strings.TrimSpace(opts.Code),
		From:  opts.From,
		To:    opts.To,
		Limit: limit,
	})
	if err != nil {
		return err
	}
	if len(recs) == 0 {
		a.Logger.Info().Str("code", opts.Code).Msg("no estimates found for export window")
		return nil
	}

	downsampled := downsampleRecords(recs, opts.MaxPoints)
	a.Logger.Info().Int("total", len(recs)).Int("exported", len(downsampled)).Msg("exporting estimates")

	windows := a.windows()
	if opts.CSVPath != "" {
		if err := a.writeEstimates(opts.CSVPath, downsampled); err != nil {
			return err
		}
	}
	if opts.PNGPath != "" {
		if err := writeRatiosPNG(opts.PNGPath, downsampled, windows); err != nil {
			return err
		}
	}
	if opts.XLSXPath != "" {
		if err := writeEstimatesXLSX(opts.XLSXPath, downsampled, windows); err != nil {
			return err
		}
	}
	return nil
}

func downsampleRecords(recs []model.EstimatedOwnershipRecord, max int) []model.EstimatedOwnershipRecord {
	if max <= 1 || len(recs) <= max {
		return recs
	}

	result := make([]model.EstimatedOwnershipRecord, 0, max)
	step := float64(len(recs)-1) / float64(max-1)
	for i := 0; i < max; i++ {
		idx := int(math.Round(step * float64(i)))
		if idx >= len(recs) {
			idx = len(recs) - 1
		}
		result = append(result, recs[idx])
	}
	return result
}

func writeRatiosPNG(path string, recs []model.EstimatedOwnershipRecord, windows []int) error {
	if err := ensureDir(path); err != nil {
		return err
	}

	x := make([]time.Time, len(recs))
	foreign := make([]float64, len(recs))
	trust := make([]float64, len(recs))
	dealer := make([]float64, len(recs))
	three := make([]float64, len(recs))

	for i, rec := range recs {
		x[i] = rec.Date
		foreign[i] = rec.ForeignRatio.InexactFloat64()
		trust[i] = rec.TrustRatioEst.InexactFloat64()
		dealer[i] = rec.DealerRatioEst.InexactFloat64()
		three[i] = rec.ThreeInstRatioEst.InexactFloat64()
	}

	pctFormatter := func(v interface{}) string {
		return chart.FloatValueFormatterWithFormat(v, "%.2f")
	}
	series := []chart.Series{
		chart.TimeSeries{Name: "Three inst. %", XValues: x, YValues: three},
		chart.TimeSeries{Name: "Foreign %", XValues: x, YValues: foreign},
		chart.TimeSeries{Name: "Trust % (est)", XValues: x, YValues: trust},
		chart.TimeSeries{Name: "Dealer % (est)", XValues: x, YValues: dealer},
	}

	// 最短窗口的变化量画在副轴, 空值跳过
	var secondary []float64
	if len(windows) > 0 {
		w := windows[0]
		var cx []time.Time
		var cy []float64
		for _, rec := range recs {
			if c := rec.Change(w); c.Valid {
				cx = append(cx, rec.Date)
				cy = append(cy, c.Decimal.InexactFloat64())
			}
		}
		if len(cx) >= 2 {
			secondary = cy
			series = append(series, chart.TimeSeries{
				Name:    fmt.Sprintf("Change %dd", w),
				XValues: cx,
				YValues: cy,
				YAxis:   chart.YAxisSecondary,
			})
		}
	}

	graph := chart.Chart{
		Title:  recs[0].Code + " " + recs[0].Name,
		Width:  1280,
		Height: 720,
		XAxis: chart.XAxis{
			ValueFormatter: chart.TimeDateValueFormatter,
		},
		YAxis: chart.YAxis{
			Name:           "Ownership (%)",
			ValueFormatter: pctFormatter,
			Range:          flatRange(foreign, trust, dealer, three),
		},
		YAxisSecondary: chart.YAxis{
			Name:           "Change (pp)",
			ValueFormatter: pctFormatter,
			Range:          flatRange(secondary),
		},
		Series: series,
	}
	graph.Elements = []chart.Renderable{chart.Legend(&graph)}

	file, err := os.Create(path)
	if err != nil {
		return err
	}
	defer file.Close()

	return graph.Render(chart.PNG, file)
}

// flatRange pads a constant series, which go-chart refuses to scale.
func flatRange(values ...[]float64) chart.Range {
	first := true
	var lo, hi float64
	for _, vs := range values {
		for _, v := range vs {
			if first {
				lo, hi, first = v, v, false
				continue
			}
			lo, hi = math.Min(lo, v), math.Max(hi, v)
		}
	}
	if first || lo != hi {
		return nil
	}
	return &chart.ContinuousRange{Min: lo - 1, Max: hi + 1}
}

func writeEstimatesXLSX(path string, recs []model.EstimatedOwnershipRecord, windows []int) error {
	if err := ensureDir(path); err != nil {
		return err
	}

	f := excelize.NewFile()
	defer f.Close()

	if err := f.SetSheetName(f.GetSheetName(0), exportSheet); err != nil {
		return fmt.Errorf("rename sheet: %w", err)
	}

	header := source.EstimateHeader(windows)
	headerRow := make([]any, len(header))
	for i, h := range header {
		headerRow[i] = h
	}
	if err := f.SetSheetRow(exportSheet, "A1", &headerRow); err != nil {
		return fmt.Errorf("write xlsx header: %w", err)
	}

	for i, rec := range recs {
		cell, err := excelize.CoordinatesToCellName(1, i+2)
		if err != nil {
			return err
		}
		row := xlsxRow(rec, windows)
		if err := f.SetSheetRow(exportSheet, cell, &row); err != nil {
			return fmt.Errorf("write xlsx row %d: %w", i+2, err)
		}
	}

	if err := f.SetPanes(exportSheet, &excelize.Panes{
		Freeze:      true,
		YSplit:      1,
		TopLeftCell: "A2",
		ActivePane:  "bottomLeft",
	}); err != nil {
		return fmt.Errorf("freeze xlsx header: %w", err)
	}

	if err := f.SaveAs(path); err != nil {
		return fmt.Errorf("save xlsx: %w", err)
	}
	return nil
}

// xlsxRow mirrors source.EstimateRow with numeric cells kept numeric.
func xlsxRow(rec model.EstimatedOwnershipRecord, windows []int) []any {
	row := []any{
		rec.Code,
		string(rec.Market),
		rec.Name,
		rec.Date.Format(time.DateOnly),
		rec.ForeignRatio.InexactFloat64(),
		rec.TrustRatioEst.InexactFloat64(),
		rec.DealerRatioEst.InexactFloat64(),
		rec.ThreeInstRatioEst.InexactFloat64(),
		rec.TrustSharesEst,
		rec.DealerSharesEst,
		nil,
	}
	if rec.TotalShares != nil {
		row[10] = *rec.TotalShares
	}
	for _, w := range windows {
		if c := rec.Change(w); c.Valid {
			row = append(row, c.Decimal.InexactFloat64())
		} else {
			row = append(row, nil)
		}
	}
	anchor := ""
	if rec.AnchorDate != nil {
		anchor = rec.AnchorDate.Format(time.DateOnly)
	}
	return append(row, rec.Quality.String(), anchor)
}

func ensureDir(path string) error {
	dir := filepath.Dir(path)
	if dir == "." || dir == "" {
		return nil
	}
	return os.MkdirAll(dir, 0o755)
}
