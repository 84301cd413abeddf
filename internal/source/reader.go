package source

import (
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"

	"tw-inst-tracker/internal/model"
)

// ErrMissingColumn is returned when a required header is absent.
var ErrMissingColumn = errors.New("source: missing column")

var validate = validator.New()

// keyRow holds the identifying cells common to every input file.
type keyRow struct {
	Code string `validate:"required,alphanum,max=10"`
	Date string `validate:"required"`
}

type snapshotKeyRow struct {
	keyRow
	Market string `validate:"omitempty,oneof=TWSE TPEX twse tpex"`
	Source string `validate:"omitempty,max=32"`
}

// table is a header-indexed CSV body.
type table struct {
	name   string
	cols   map[string]int
	rows   [][]string
	lineNo []int
}

func readTable(r io.Reader, name string) (*table, error) {
	cr := csv.NewReader(r)
	cr.Comment = '#'
	cr.FieldsPerRecord = -1
	cr.TrimLeadingSpace = true

	header, err := cr.Read()
	if err != nil {
		if errors.Is(err, io.EOF) {
			return &table{name: name, cols: map[string]int{}}, nil
		}
		return nil, fmt.Errorf("read %s header: %w", name, err)
	}

	t := &table{name: name, cols: make(map[string]int, len(header))}
	for i, h := range header {
		h = strings.ToLower(strings.TrimSpace(strings.TrimPrefix(h, "\ufeff")))
		t.cols[h] = i
	}

	for {
		rec, err := cr.Read()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("read %s: %w", name, err)
		}
		line, _ := cr.FieldPos(0)
		t.rows = append(t.rows, rec)
		t.lineNo = append(t.lineNo, line)
	}
	return t, nil
}

// column resolves the first header present among names.
func (t *table) column(required bool, names ...string) (int, error) {
	for _, n := range names {
		if idx, ok := t.cols[n]; ok {
			return idx, nil
		}
	}
	if required && len(t.rows) > 0 {
		return -1, fmt.Errorf("%w: %s needs %q", ErrMissingColumn, t.name, names[0])
	}
	return -1, nil
}

func cell(rec []string, idx int) string {
	if idx < 0 || idx >= len(rec) {
		return ""
	}
	return strings.TrimSpace(rec[idx])
}

func (t *table) rowErr(i int, err error) error {
	return fmt.Errorf("%s line %d: %w", t.name, t.lineNo[i], err)
}

// ReadFlows parses daily institutional net flows.
// Columns: code, date, foreign_net, trust_net, dealer_net.
func ReadFlows(r io.Reader) ([]model.FlowRecord, error) {
	t, err := readTable(r, "flows")
	if err != nil {
		return nil, err
	}
	codeIdx, err := t.column(true, "code", "stock_code")
	if err != nil {
		return nil, err
	}
	dateIdx, err := t.column(true, "date", "trade_date")
	if err != nil {
		return nil, err
	}
	foreignIdx, _ := t.column(false, "foreign_net")
	trustIdx, err := t.column(true, "trust_net")
	if err != nil {
		return nil, err
	}
	dealerIdx, err := t.column(true, "dealer_net")
	if err != nil {
		return nil, err
	}

	out := make([]model.FlowRecord, 0, len(t.rows))
	for i, rec := range t.rows {
		key := keyRow{Code: cell(rec, codeIdx), Date: cell(rec, dateIdx)}
		if err := validate.Struct(key); err != nil {
			return nil, t.rowErr(i, err)
		}
		date, err := ParseDate(key.Date)
		if err != nil {
			return nil, t.rowErr(i, err)
		}

		var nets [3]int64
		for j, idx := range []int{foreignIdx, trustIdx, dealerIdx} {
			v, err := ParseShares(cell(rec, idx))
			if err != nil {
				return nil, t.rowErr(i, err)
			}
			if v != nil {
				nets[j] = *v
			}
		}
		out = append(out, model.FlowRecord{
			Code:       key.Code,
			Date:       date,
			ForeignNet: nets[0],
			TrustNet:   nets[1],
			DealerNet:  nets[2],
		})
	}
	return out, nil
}

// ReadSnapshots parses foreign ownership snapshots and groups them by source.
// Columns: code, market, date, total_shares, foreign_shares, foreign_ratio,
// plus optional source and fetched_at. Rows without a source use defaultSource.
func ReadSnapshots(r io.Reader, defaultSource string, priority map[string]int) ([]model.SnapshotSet, error) {
	t, err := readTable(r, "snapshots")
	if err != nil {
		return nil, err
	}
	codeIdx, err := t.column(true, "code", "stock_code")
	if err != nil {
		return nil, err
	}
	dateIdx, err := t.column(true, "date", "trade_date")
	if err != nil {
		return nil, err
	}
	totalIdx, err := t.column(true, "total_shares")
	if err != nil {
		return nil, err
	}
	marketIdx, _ := t.column(false, "market")
	foreignSharesIdx, _ := t.column(false, "foreign_shares")
	foreignRatioIdx, _ := t.column(false, "foreign_ratio")
	sourceIdx, _ := t.column(false, "source")
	fetchedIdx, _ := t.column(false, "fetched_at")

	var sets []model.SnapshotSet
	bySource := make(map[string]int)
	for i, rec := range t.rows {
		key := snapshotKeyRow{
			keyRow: keyRow{Code: cell(rec, codeIdx), Date: cell(rec, dateIdx)},
			Market: cell(rec, marketIdx),
			Source: cell(rec, sourceIdx),
		}
		if err := validate.Struct(key); err != nil {
			return nil, t.rowErr(i, err)
		}
		date, err := ParseDate(key.Date)
		if err != nil {
			return nil, t.rowErr(i, err)
		}
		snap := model.OwnershipSnapshot{
			Code:   key.Code,
			Market: model.Market(strings.ToUpper(key.Market)),
			Date:   date,
		}
		if snap.TotalShares, err = ParseShares(cell(rec, totalIdx)); err != nil {
			return nil, t.rowErr(i, err)
		}
		if snap.ForeignShares, err = ParseShares(cell(rec, foreignSharesIdx)); err != nil {
			return nil, t.rowErr(i, err)
		}
		if snap.ForeignRatio, err = ParseDecimal(cell(rec, foreignRatioIdx)); err != nil {
			return nil, t.rowErr(i, err)
		}
		if raw := cell(rec, fetchedIdx); raw != "" {
			ts, err := time.Parse(time.RFC3339, raw)
			if err != nil {
				return nil, t.rowErr(i, fmt.Errorf("%w: fetched_at %q", ErrInvalidValue, raw))
			}
			snap.FetchedAt = ts
		}

		src := strings.ToLower(key.Source)
		if src == "" {
			src = defaultSource
		}
		idx, ok := bySource[src]
		if !ok {
			idx = len(sets)
			bySource[src] = idx
			sets = append(sets, model.SnapshotSet{Source: src, Priority: priority[src]})
		}
		sets[idx].Rows = append(sets[idx].Rows, snap)
	}
	return sets, nil
}

// ReadAnchors parses baseline calibration points.
// Columns: code (or stock_code), date, trust_shares_base, dealer_shares_base; either base may be blank.
func ReadAnchors(r io.Reader) ([]model.BaselineAnchor, error) {
	t, err := readTable(r, "anchors")
	if err != nil {
		return nil, err
	}
	codeIdx, err := t.column(true, "code", "stock_code")
	if err != nil {
		return nil, err
	}
	dateIdx, err := t.column(true, "date", "trade_date")
	if err != nil {
		return nil, err
	}
	trustIdx, _ := t.column(false, "trust_shares_base")
	dealerIdx, _ := t.column(false, "dealer_shares_base")
	if trustIdx < 0 && dealerIdx < 0 && len(t.rows) > 0 {
		return nil, fmt.Errorf("%w: anchors needs trust_shares_base or dealer_shares_base", ErrMissingColumn)
	}

	out := make([]model.BaselineAnchor, 0, len(t.rows))
	for i, rec := range t.rows {
		key := keyRow{Code: cell(rec, codeIdx), Date: cell(rec, dateIdx)}
		if err := validate.Struct(key); err != nil {
			return nil, t.rowErr(i, err)
		}
		date, err := ParseDate(key.Date)
		if err != nil {
			return nil, t.rowErr(i, err)
		}
		an := model.BaselineAnchor{Code: key.Code, Date: date}
		if an.TrustSharesBase, err = ParseShares(cell(rec, trustIdx)); err != nil {
			return nil, t.rowErr(i, err)
		}
		if an.DealerSharesBase, err = ParseShares(cell(rec, dealerIdx)); err != nil {
			return nil, t.rowErr(i, err)
		}
		out = append(out, an)
	}
	return out, nil
}

// ReadAnchorsFile reads anchors from path. A missing file yields no anchors.
func ReadAnchorsFile(path string) ([]model.BaselineAnchor, error) {
	f, err := os.Open(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, nil
		}
		return nil, fmt.Errorf("open anchors file: %w", err)
	}
	defer f.Close()
	return ReadAnchors(f)
}
