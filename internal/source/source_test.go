package source

import (
	"bytes"
	"strings"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"tw-inst-tracker/internal/model"
)

func TestParseDecimal(t *testing.T) {
	cases := map[string]string{
		"1,234":     "1234",
		"(1,500)":   "-1500",
		"－200":      "-200",
		"＋3.5":      "3.5",
		"12.34%":    "12.34",
		" 7 ":       "7",
		"1，000，000": "1000000",
	}
	for raw, want := range cases {
		got, err := ParseDecimal(raw)
		require.NoError(t, err, raw)
		require.NotNil(t, got, raw)
		assert.Truef(t, decimal.RequireFromString(want).Equal(*got), "%q => %s", raw, got)
	}

	for _, raw := range []string{"", "--", "N/A", "-", "null"} {
		got, err := ParseDecimal(raw)
		require.NoError(t, err)
		assert.Nil(t, got, raw)
	}

	_, err := ParseDecimal("abc")
	assert.ErrorIs(t, err, ErrInvalidValue)
}

func TestParseShares(t *testing.T) {
	v, err := ParseShares("2,500,000")
	require.NoError(t, err)
	assert.Equal(t, int64(2500000), *v)

	_, err = ParseShares("1.5")
	assert.ErrorIs(t, err, ErrInvalidValue)
}

func TestParseDate(t *testing.T) {
	want := time.Date(2024, 3, 8, 0, 0, 0, 0, time.UTC)
	for _, raw := range []string{"2024-03-08", "2024/03/08", "20240308", "113/03/08", "113/3/8"} {
		got, err := ParseDate(raw)
		require.NoError(t, err, raw)
		assert.True(t, want.Equal(got), "%s => %s", raw, got)
	}
	for _, raw := range []string{"", "2024-02-30", "2024-03", "abc/de/fg"} {
		_, err := ParseDate(raw)
		assert.ErrorIs(t, err, ErrInvalidValue, raw)
	}
}

func TestReadFlows(t *testing.T) {
	in := `code,date,foreign_net,trust_net,dealer_net
# comment line
2330,2024-01-02,"1,000",(500),0
6488,113/01/02,--,200,-30
`
	rows, err := ReadFlows(strings.NewReader(in))
	require.NoError(t, err)
	require.Len(t, rows, 2)
	assert.Equal(t, model.FlowRecord{Code: "2330", Date: time.Date(2024, 1, 2, 0, 0, 0, 0, time.UTC), ForeignNet: 1000, TrustNet: -500}, rows[0])
	assert.Equal(t, int64(0), rows[1].ForeignNet)
	assert.Equal(t, int64(-30), rows[1].DealerNet)
}

func TestReadFlowsRejectsBadRows(t *testing.T) {
	_, err := ReadFlows(strings.NewReader("code,date,trust_net\n2330,2024-01-02,1\n"))
	assert.ErrorIs(t, err, ErrMissingColumn)

	_, err = ReadFlows(strings.NewReader("code,date,trust_net,dealer_net\n,2024-01-02,1,1\n"))
	assert.Error(t, err)

	_, err = ReadFlows(strings.NewReader("code,date,trust_net,dealer_net\n23 30,2024-01-02,1,1\n"))
	assert.Error(t, err)

	rows, err := ReadFlows(strings.NewReader(""))
	require.NoError(t, err)
	assert.Empty(t, rows)
}

func TestReadSnapshotsGroupsBySource(t *testing.T) {
	in := `code,market,date,total_shares,foreign_shares,foreign_ratio,source,fetched_at
2330,TWSE,2024-01-02,"25,930,380,458",,72.5,twse,2024-01-02T18:00:00+08:00
2330,twse,2024-01-02,25930380458,,72.6,mirror,
6488,TPEX,2024-01-02,--,,N/A,,
`
	sets, err := ReadSnapshots(strings.NewReader(in), "manual", map[string]int{"twse": 10, "mirror": 1})
	require.NoError(t, err)
	require.Len(t, sets, 3)

	assert.Equal(t, "twse", sets[0].Source)
	assert.Equal(t, 10, sets[0].Priority)
	assert.Equal(t, int64(25930380458), *sets[0].Rows[0].TotalShares)
	assert.Nil(t, sets[0].Rows[0].ForeignShares)
	assert.False(t, sets[0].Rows[0].FetchedAt.IsZero())

	assert.Equal(t, "mirror", sets[1].Source)
	assert.Equal(t, model.MarketTWSE, sets[1].Rows[0].Market)

	assert.Equal(t, "manual", sets[2].Source)
	assert.Equal(t, 0, sets[2].Priority)
	assert.Nil(t, sets[2].Rows[0].TotalShares)
	assert.Nil(t, sets[2].Rows[0].ForeignRatio)
}

func TestReadSnapshotsRejectsUnknownMarket(t *testing.T) {
	in := "code,market,date,total_shares\n2330,NYSE,2024-01-02,1\n"
	_, err := ReadSnapshots(strings.NewReader(in), "", nil)
	assert.Error(t, err)
}

func TestReadAnchors(t *testing.T) {
	in := `stock_code,date,trust_shares_base,dealer_shares_base
# 2024 年報
2330,2024-03-29,"120,000",
2317,2024-03-29,,8000
`
	anchors, err := ReadAnchors(strings.NewReader(in))
	require.NoError(t, err)
	require.Len(t, anchors, 2)
	assert.Equal(t, int64(120000), *anchors[0].TrustSharesBase)
	assert.Nil(t, anchors[0].DealerSharesBase)
	assert.Nil(t, anchors[1].TrustSharesBase)
	assert.Equal(t, int64(8000), *anchors[1].DealerSharesBase)

	_, err = ReadAnchors(strings.NewReader("code,date\n2330,2024-01-01\n"))
	assert.ErrorIs(t, err, ErrMissingColumn)
}

func TestReadAnchorsFileMissing(t *testing.T) {
	anchors, err := ReadAnchorsFile(t.TempDir() + "/none.csv")
	require.NoError(t, err)
	assert.Nil(t, anchors)
}

func TestWriteEstimates(t *testing.T) {
	anchor := time.Date(2024, 1, 3, 0, 0, 0, 0, time.UTC)
	recs := []model.EstimatedOwnershipRecord{{
		Code:              "2330",
		Market:            model.MarketTWSE,
		Name:              "台積電",
		Date:              time.Date(2024, 1, 5, 0, 0, 0, 0, time.UTC),
		ForeignRatio:      decimal.RequireFromString("72.5"),
		TrustRatioEst:     decimal.RequireFromString("1.25"),
		DealerRatioEst:    decimal.RequireFromString("0.1"),
		ThreeInstRatioEst: decimal.RequireFromString("73.85"),
		TrustSharesEst:    125,
		DealerSharesEst:   10,
		TotalShares:       model.Int64Ptr(10000),
		Changes: []model.WindowChange{
			{Window: 5, Value: decimal.NewNullDecimal(decimal.RequireFromString("0.5"))},
			{Window: 20},
		},
		Quality:    model.QualitySnapshotCarried,
		AnchorDate: &anchor,
	}}

	var buf bytes.Buffer
	require.NoError(t, WriteEstimates(&buf, recs, []int{5, 20}))

	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	require.Len(t, lines, 2)
	assert.Equal(t, "code,market,name,date,foreign_ratio,trust_ratio_est,dealer_ratio_est,three_inst_ratio_est,trust_shares_est,dealer_shares_est,total_shares,change_5d,change_20d,quality,anchor_date", lines[0])
	assert.Equal(t, "2330,TWSE,台積電,2024-01-05,72.5,1.25,0.1,73.85,125,10,10000,0.5,,snapshot_carried,2024-01-03", lines[1])
}

func TestEstimateRowUnknownTotalShares(t *testing.T) {
	rec := model.EstimatedOwnershipRecord{
		Code:    "6488",
		Date:    time.Date(2024, 1, 2, 0, 0, 0, 0, time.UTC),
		Quality: model.QualityRatioUndefined,
	}
	row := EstimateRow(rec, nil)
	require.Len(t, row, 13)
	assert.Equal(t, "", row[10], "首个快照前总股本应为空而非 0")

	rec.TotalShares = model.Int64Ptr(0)
	assert.Equal(t, "0", EstimateRow(rec, nil)[10])
}
