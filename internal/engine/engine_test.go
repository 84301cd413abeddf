package engine

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"tw-inst-tracker/internal/model"
)

func day(n int) time.Time {
	return time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC).AddDate(0, 0, n)
}

func dec(s string) decimal.Decimal {
	return decimal.RequireFromString(s)
}

func decPtr(s string) *decimal.Decimal {
	d := dec(s)
	return &d
}

func flows(code string, trust []int64) []model.FlowRecord {
	out := make([]model.FlowRecord, len(trust))
	for i, v := range trust {
		out[i] = model.FlowRecord{Code: code, Date: day(i), TrustNet: v}
	}
	return out
}

func constantSnapshots(code string, n int, total int64, foreign string) model.SnapshotSet {
	set := model.SnapshotSet{Source: "twse", Priority: 1}
	for i := 0; i < n; i++ {
		set.Rows = append(set.Rows, model.OwnershipSnapshot{
			Code:         code,
			Market:       model.MarketTWSE,
			Date:         day(i),
			TotalShares:  model.Int64Ptr(total),
			ForeignRatio: decPtr(foreign),
		})
	}
	return set
}

func runEngine(t *testing.T, opts Options, in Input) *Result {
	t.Helper()
	eng, err := New(opts, zerolog.Nop())
	require.NoError(t, err)
	res, err := eng.Run(context.Background(), in)
	require.NoError(t, err)
	return res
}

func trustShares(recs []model.EstimatedOwnershipRecord) []int64 {
	out := make([]int64, len(recs))
	for i, r := range recs {
		out[i] = r.TrustSharesEst
	}
	return out
}

func assertDecimals(t *testing.T, want []string, got []decimal.Decimal) {
	t.Helper()
	require.Len(t, got, len(want))
	for i := range want {
		assert.Truef(t, dec(want[i]).Equal(got[i]), "第 %d 行: 期望 %s, 实际 %s", i, want[i], got[i])
	}
}

func TestRunWithoutAnchor(t *testing.T) {
	res := runEngine(t, Options{}, Input{
		Securities: []model.Security{{Code: "TEST1", Market: model.MarketTWSE, Name: "測試"}},
		Flows:      flows("TEST1", []int64{1000, -500, 2000, 0, 500}),
		Snapshots:  []model.SnapshotSet{constantSnapshots("TEST1", 5, 100000, "10.0")},
	})

	require.Len(t, res.Records, 5)
	assert.Equal(t, []int64{1000, 500, 2500, 2500, 3000}, trustShares(res.Records))

	var trust, three []decimal.Decimal
	for _, r := range res.Records {
		trust = append(trust, r.TrustRatioEst)
		three = append(three, r.ThreeInstRatioEst)
		assert.True(t, r.Quality.Has(model.QualityUnanchored))
		assert.Nil(t, r.AnchorDate)
		assert.Equal(t, "測試", r.Name)
	}
	assertDecimals(t, []string{"1.0", "0.5", "2.5", "2.5", "3.0"}, trust)
	assertDecimals(t, []string{"11.0", "10.5", "12.5", "12.5", "13.0"}, three)
	assert.Empty(t, res.Issues)
}

func TestRunWithAnchor(t *testing.T) {
	res := runEngine(t, Options{}, Input{
		Flows:     flows("TEST1", []int64{1000, -500, 2000, 0, 500}),
		Snapshots: []model.SnapshotSet{constantSnapshots("TEST1", 5, 100000, "10.0")},
		Anchors: []model.BaselineAnchor{
			{Code: "TEST1", Date: day(2), TrustSharesBase: model.Int64Ptr(10000)},
		},
	})

	require.Len(t, res.Records, 5)
	assert.Equal(t, []int64{1000, 500, 10000, 10000, 10500}, trustShares(res.Records))
	assert.True(t, res.Records[1].Quality.Has(model.QualityUnanchored))
	assert.False(t, res.Records[2].Quality.Has(model.QualityUnanchored))
	require.NotNil(t, res.Records[4].AnchorDate)
	assert.True(t, day(2).Equal(*res.Records[4].AnchorDate))
	assert.Equal(t, 1, res.Stats.Anchored)

	// dealer 没有基准值, 仍然按累计值计算
	assert.Equal(t, int64(0), res.Records[4].DealerSharesEst)
}

func TestAnchorOnNonTradingDate(t *testing.T) {
	in := Input{
		Flows:     flows("TEST1", []int64{100, 100, 100}),
		Snapshots: []model.SnapshotSet{constantSnapshots("TEST1", 3, 100000, "0")},
	}
	// 删除第二天的行, 并把锚点放在这个缺口上
	in.Flows = []model.FlowRecord{in.Flows[0], in.Flows[2]}
	in.Snapshots[0].Rows = []model.OwnershipSnapshot{in.Snapshots[0].Rows[0], in.Snapshots[0].Rows[2]}
	in.Anchors = []model.BaselineAnchor{{Code: "TEST1", Date: day(1), TrustSharesBase: model.Int64Ptr(5000)}}

	res := runEngine(t, Options{}, in)
	require.Len(t, res.Records, 2)
	assert.Equal(t, []int64{100, 5100}, trustShares(res.Records))
}

func TestSuccessiveAnchorsReset(t *testing.T) {
	res := runEngine(t, Options{}, Input{
		Flows:     flows("TEST1", []int64{10, 20, 30, 40}),
		Snapshots: []model.SnapshotSet{constantSnapshots("TEST1", 4, 1000, "0")},
		Anchors: []model.BaselineAnchor{
			{Code: "TEST1", Date: day(0), TrustSharesBase: model.Int64Ptr(500), DealerSharesBase: model.Int64Ptr(7)},
			{Code: "TEST1", Date: day(2), TrustSharesBase: model.Int64Ptr(900)},
		},
	})
	assert.Equal(t, []int64{500, 520, 900, 940}, trustShares(res.Records))
	for _, r := range res.Records {
		assert.Equal(t, int64(7), r.DealerSharesEst)
	}
}

func TestAnchorAfterLastRowIgnored(t *testing.T) {
	res := runEngine(t, Options{}, Input{
		Flows:     flows("TEST1", []int64{10, 20}),
		Snapshots: []model.SnapshotSet{constantSnapshots("TEST1", 2, 1000, "0")},
		Anchors:   []model.BaselineAnchor{{Code: "TEST1", Date: day(9), TrustSharesBase: model.Int64Ptr(1)}},
	})
	assert.Equal(t, []int64{10, 30}, trustShares(res.Records))
	assert.Nil(t, res.Records[1].AnchorDate)
}

func TestForwardFillAcrossMissingSnapshot(t *testing.T) {
	set := model.SnapshotSet{Source: "twse", Priority: 1, Rows: []model.OwnershipSnapshot{
		{Code: "A", Date: day(0), TotalShares: model.Int64Ptr(1000), ForeignRatio: decPtr("5")},
		{Code: "A", Date: day(1), ForeignRatio: decPtr("6")},
	}}
	res := runEngine(t, Options{}, Input{
		Flows:     flows("A", []int64{10, 10, 10}),
		Snapshots: []model.SnapshotSet{set},
	})

	require.Len(t, res.Records, 3)
	require.NotNil(t, res.Records[1].TotalShares)
	assert.Equal(t, int64(1000), *res.Records[1].TotalShares)
	assert.True(t, dec("2").Equal(res.Records[1].TrustRatioEst))
	assert.True(t, res.Records[1].Quality.Has(model.QualitySnapshotCarried))
	assert.False(t, res.Records[1].Quality.Has(model.QualityRatioUndefined))

	// 第三天没有快照, 沿用第二天的外资持股比例
	assert.True(t, dec("6").Equal(res.Records[2].ForeignRatio))
	assert.True(t, res.Records[2].Quality.Has(model.QualitySnapshotCarried))
	assert.False(t, res.Records[0].Quality.Has(model.QualitySnapshotCarried))
}

func TestDivisionGuardBeforeFirstShareCount(t *testing.T) {
	set := model.SnapshotSet{Source: "twse", Priority: 1, Rows: []model.OwnershipSnapshot{
		{Code: "A", Date: day(0), TotalShares: model.Int64Ptr(0), ForeignRatio: decPtr("5")},
		{Code: "A", Date: day(2), TotalShares: model.Int64Ptr(1000), ForeignRatio: decPtr("5")},
	}}
	flowRows := flows("A", []int64{10, 10, 10})
	res := runEngine(t, Options{}, Input{Flows: flowRows, Snapshots: []model.SnapshotSet{set}})

	require.Len(t, res.Records, 3)
	for _, r := range res.Records[:2] {
		assert.True(t, r.Quality.Has(model.QualityRatioUndefined))
		assert.True(t, r.TrustRatioEst.IsZero())
		assert.True(t, r.DealerRatioEst.IsZero())
	}
	assert.True(t, dec("3").Equal(res.Records[2].TrustRatioEst))
	assert.Equal(t, 2, res.IssueCounts()["division_guard"])
}

func TestFlowsBeforeFirstSnapshot(t *testing.T) {
	set := model.SnapshotSet{Source: "twse", Priority: 1, Rows: []model.OwnershipSnapshot{
		{Code: "A", Date: day(1), TotalShares: model.Int64Ptr(1000), ForeignRatio: decPtr("5")},
	}}
	res := runEngine(t, Options{}, Input{Flows: flows("A", []int64{10, 10}), Snapshots: []model.SnapshotSet{set}})

	require.Len(t, res.Records, 2)
	first := res.Records[0]
	assert.True(t, first.Quality.Has(model.QualityRatioUndefined))
	assert.True(t, first.Quality.Has(model.QualityForeignRatioMissing))
	assert.True(t, first.ThreeInstRatioEst.IsZero())
	assert.Nil(t, first.TotalShares, "首个快照前总股本未知, 不能当作 0")
	assert.Equal(t, int64(20), res.Records[1].TrustSharesEst)
	require.NotNil(t, res.Records[1].TotalShares)
	assert.Equal(t, int64(1000), *res.Records[1].TotalShares)
}

func TestMissingFlowImputedAsZero(t *testing.T) {
	in := Input{
		Flows:     flows("A", []int64{10, 10, 10}),
		Snapshots: []model.SnapshotSet{constantSnapshots("A", 3, 1000, "1")},
	}
	in.Flows = []model.FlowRecord{in.Flows[0], in.Flows[2]}

	res := runEngine(t, Options{}, in)
	require.Len(t, res.Records, 3)
	assert.Equal(t, []int64{10, 10, 20}, trustShares(res.Records))
	assert.True(t, res.Records[1].Quality.Has(model.QualityFlowImputed))
	require.Len(t, res.Issues, 1)
	assert.True(t, errors.Is(res.Issues[0], ErrDataGap))
	assert.Equal(t, 1, res.Issues[0].Count)
}

func TestSecurityWithoutSnapshotsWithheld(t *testing.T) {
	res := runEngine(t, Options{}, Input{
		Flows:     append(flows("A", []int64{1, 2}), flows("B", []int64{3})...),
		Snapshots: []model.SnapshotSet{constantSnapshots("A", 2, 1000, "1")},
	})

	assert.Equal(t, 1, res.Stats.Withheld)
	for _, r := range res.Records {
		assert.Equal(t, "A", r.Code)
	}
	require.Len(t, res.Issues, 1)
	assert.True(t, errors.Is(res.Issues[0], ErrUpstreamJoinMismatch))
	assert.Equal(t, "B", res.Issues[0].Code)
}

func TestSumIdentity(t *testing.T) {
	snaps := constantSnapshots("A", 30, 7777, "12.3456")
	var in Input
	for i := 0; i < 30; i++ {
		in.Flows = append(in.Flows, model.FlowRecord{
			Code: "A", Date: day(i), TrustNet: int64(i*13 - 50), DealerNet: int64(7 - i),
		})
	}
	in.Snapshots = []model.SnapshotSet{snaps}
	res := runEngine(t, Options{}, in)

	for _, r := range res.Records {
		sum := r.ForeignRatio.Add(r.TrustRatioEst).Add(r.DealerRatioEst)
		assert.Truef(t, sum.Equal(r.ThreeInstRatioEst), "%s: %s != %s", r.Date.Format(time.DateOnly), sum, r.ThreeInstRatioEst)
	}
}

func TestChangeWindows(t *testing.T) {
	const n = 201
	trust := make([]int64, n)
	for i := range trust {
		trust[i] = 1
	}
	res := runEngine(t, Options{}, Input{
		Flows:     flows("A", trust),
		Snapshots: []model.SnapshotSet{constantSnapshots("A", n, 100, "0")},
	})
	require.Len(t, res.Records, n)

	for i, r := range res.Records {
		require.Len(t, r.Changes, len(DefaultWindows))
		for _, w := range DefaultWindows {
			c := r.Change(w)
			if i < w {
				assert.Falsef(t, c.Valid, "行 %d 窗口 %d 应为空", i, w)
				continue
			}
			want := r.ThreeInstRatioEst.Sub(res.Records[i-w].ThreeInstRatioEst)
			assert.True(t, c.Valid)
			assert.Truef(t, want.Equal(c.Decimal), "行 %d 窗口 %d", i, w)
			assert.True(t, decimal.NewFromInt(int64(w)).Equal(c.Decimal))
		}
	}
}

func TestEmitRangeUsesWarmupHistory(t *testing.T) {
	trust := make([]int64, 10)
	for i := range trust {
		trust[i] = 1
	}
	in := Input{
		Flows:     flows("A", trust),
		Snapshots: []model.SnapshotSet{constantSnapshots("A", 10, 100, "0")},
	}
	res := runEngine(t, Options{Windows: []int{5}, EmitFrom: day(7)}, in)

	require.Len(t, res.Records, 3)
	assert.Equal(t, int64(8), res.Records[0].TrustSharesEst)
	assert.True(t, dec("5").Equal(res.Records[0].Change(5).Decimal))
	assert.Empty(t, res.Issues)

	res = runEngine(t, Options{Windows: []int{5}, EmitFrom: day(3)}, in)
	require.Len(t, res.Records, 7)
	require.Len(t, res.Issues, 1)
	assert.True(t, errors.Is(res.Issues[0], ErrInsufficientHistory))
	assert.False(t, res.Records[0].Change(5).Valid)
}

func TestDeterministicAcrossWorkers(t *testing.T) {
	var in Input
	codes := []string{"2330", "2317", "6488", "1101", "3008", "2454"}
	for ci, code := range codes {
		for i := 0; i < 40; i++ {
			in.Flows = append(in.Flows, model.FlowRecord{
				Code: code, Date: day(i), TrustNet: int64((i*7+ci)%19 - 9), DealerNet: int64((i*3+ci)%11 - 5),
			})
		}
		in.Snapshots = append(in.Snapshots, constantSnapshots(code, 40, int64(10000+ci), "33.3"))
	}

	base := runEngine(t, Options{Workers: 1}, in)
	for _, workers := range []int{2, 4, 16} {
		got := runEngine(t, Options{Workers: workers}, in)
		assert.Equal(t, base.Records, got.Records)
		assert.Equal(t, base.Stats, got.Stats)
	}
	again := runEngine(t, Options{Workers: 1}, in)
	assert.Equal(t, base.Records, again.Records)

	for i := 1; i < len(base.Records); i++ {
		prev, cur := base.Records[i-1], base.Records[i]
		ordered := prev.Code < cur.Code || (prev.Code == cur.Code && prev.Date.Before(cur.Date))
		assert.True(t, ordered, "输出应按 (code, date) 排序")
	}
}

func TestDuplicateFlowLastWins(t *testing.T) {
	in := Input{
		Flows: []model.FlowRecord{
			{Code: "A", Date: day(0), TrustNet: 1},
			{Code: "A", Date: day(0), TrustNet: 5},
		},
		Snapshots: []model.SnapshotSet{constantSnapshots("A", 1, 100, "0")},
	}
	res := runEngine(t, Options{}, in)
	require.Len(t, res.Records, 1)
	assert.Equal(t, int64(5), res.Records[0].TrustSharesEst)
}

func TestCalibrationAnomaly(t *testing.T) {
	res := runEngine(t, Options{}, Input{
		Flows:     flows("A", []int64{-50, 10}),
		Snapshots: []model.SnapshotSet{constantSnapshots("A", 2, 100, "0")},
	})
	first := res.Records[0]
	assert.True(t, first.Quality.Has(model.QualityNegativeShares))
	assert.True(t, first.Quality.Has(model.QualityRatioOutOfRange))
	assert.Equal(t, 2, res.IssueCounts()["calibration_anomaly"])
}

func TestNewRejectsBadOptions(t *testing.T) {
	cases := []Options{
		{Windows: []int{5, 0}},
		{Windows: []int{5, 5}},
		{Workers: -1},
		{EmitFrom: day(3), EmitTo: day(1)},
	}
	for _, opts := range cases {
		_, err := New(opts, zerolog.Nop())
		assert.ErrorIs(t, err, ErrInvalidOptions)
	}
}

func TestRunHonoursCancelledContext(t *testing.T) {
	eng, err := New(Options{}, zerolog.Nop())
	require.NoError(t, err)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err = eng.Run(ctx, Input{
		Flows:     flows("A", []int64{1}),
		Snapshots: []model.SnapshotSet{constantSnapshots("A", 1, 100, "0")},
	})
	assert.ErrorIs(t, err, context.Canceled)
}

func TestSameDateAnchorsMergePerClass(t *testing.T) {
	in := Input{
		Flows:     flows("TEST1", []int64{10, 20, 30}),
		Snapshots: []model.SnapshotSet{constantSnapshots("TEST1", 3, 1000, "0")},
		Anchors: []model.BaselineAnchor{
			// 数据库中的锚点
			{Code: "TEST1", Date: day(1), TrustSharesBase: model.Int64Ptr(500), DealerSharesBase: model.Int64Ptr(70)},
			// 文件只覆盖投信
			{Code: "TEST1", Date: day(1), TrustSharesBase: model.Int64Ptr(800)},
		},
	}
	res := runEngine(t, Options{}, in)
	require.Len(t, res.Records, 3)
	assert.Equal(t, []int64{10, 800, 830}, trustShares(res.Records))
	assert.Equal(t, int64(70), res.Records[1].DealerSharesEst, "同日锚点缺少的自营商基准不能被丢弃")
	assert.Equal(t, int64(70), res.Records[2].DealerSharesEst)

	// 反过来, 后到的只有自营商时保留投信
	in.Anchors = []model.BaselineAnchor{
		{Code: "TEST1", Date: day(1), TrustSharesBase: model.Int64Ptr(500)},
		{Code: "TEST1", Date: day(1), DealerSharesBase: model.Int64Ptr(9)},
	}
	res = runEngine(t, Options{}, in)
	assert.Equal(t, []int64{10, 500, 530}, trustShares(res.Records))
	assert.Equal(t, int64(9), res.Records[2].DealerSharesEst)
}

func snapshotSet(src string, priority int, rows ...model.OwnershipSnapshot) model.SnapshotSet {
	return model.SnapshotSet{Source: src, Priority: priority, Rows: rows}
}

func TestAlignPriorityWinsInEitherOrder(t *testing.T) {
	hi := snapshotSet("twse", 20, model.OwnershipSnapshot{
		Code: "2330", Market: model.MarketTWSE, Date: day(0), TotalShares: model.Int64Ptr(2000), ForeignRatio: decPtr("70"),
	})
	lo := snapshotSet("mirror", 10, model.OwnershipSnapshot{
		Code: "2330", Market: model.MarketTWSE, Date: day(0), TotalShares: model.Int64Ptr(1000), ForeignRatio: decPtr("60"),
		FetchedAt: day(5),
	})

	for _, sets := range [][]model.SnapshotSet{{hi, lo}, {lo, hi}} {
		series := Align(sets)["2330"]
		require.Len(t, series, 1)
		assert.Equal(t, int64(2000), *series[0].TotalShares)
		assert.True(t, dec("70").Equal(*series[0].ForeignRatio))
	}
}

func TestAlignEqualPriorityPrefersLaterFetch(t *testing.T) {
	early := snapshotSet("twse", 20, model.OwnershipSnapshot{
		Code: "2330", Date: day(0), TotalShares: model.Int64Ptr(333), FetchedAt: day(1),
	})
	late := snapshotSet("mirror", 20, model.OwnershipSnapshot{
		Code: "2330", Date: day(0), TotalShares: model.Int64Ptr(444), FetchedAt: day(2),
	})

	for _, sets := range [][]model.SnapshotSet{{early, late}, {late, early}} {
		series := Align(sets)["2330"]
		require.Len(t, series, 1)
		assert.Equal(t, int64(444), *series[0].TotalShares)
	}
}

func TestAlignFullTieKeepsLaterSet(t *testing.T) {
	a := snapshotSet("twse", 20, model.OwnershipSnapshot{Code: "2330", Date: day(0), TotalShares: model.Int64Ptr(1)})
	b := snapshotSet("manual", 20, model.OwnershipSnapshot{Code: "2330", Date: day(0), TotalShares: model.Int64Ptr(2)})

	assert.Equal(t, int64(2), *Align([]model.SnapshotSet{a, b})["2330"][0].TotalShares)
	assert.Equal(t, int64(1), *Align([]model.SnapshotSet{b, a})["2330"][0].TotalShares)
}

func TestMarketSwitchStaysOneSeries(t *testing.T) {
	twse := snapshotSet("twse", 20,
		model.OwnershipSnapshot{Code: "6488", Market: model.MarketTWSE, Date: day(0), TotalShares: model.Int64Ptr(1000), ForeignRatio: decPtr("10")},
		model.OwnershipSnapshot{Code: "6488", Market: model.MarketTWSE, Date: day(1), TotalShares: model.Int64Ptr(1000), ForeignRatio: decPtr("10")},
	)
	tpex := snapshotSet("tpex", 20,
		model.OwnershipSnapshot{Code: "6488", Market: model.MarketTPEX, Date: day(2), TotalShares: model.Int64Ptr(1000), ForeignRatio: decPtr("11")},
		model.OwnershipSnapshot{Code: "6488", Market: model.MarketTPEX, Date: day(3), TotalShares: model.Int64Ptr(1000), ForeignRatio: decPtr("12")},
	)

	for _, sets := range [][]model.SnapshotSet{{twse, tpex}, {tpex, twse}} {
		res := runEngine(t, Options{Windows: []int{2}}, Input{
			Securities: []model.Security{{Code: "6488", Market: model.MarketTWSE}},
			Flows:      flows("6488", []int64{10, 10, 10, 10}),
			Snapshots:  sets,
		})

		require.Len(t, res.Records, 4, "换市场后仍是同一条序列")
		assert.Equal(t, []int64{10, 20, 30, 40}, trustShares(res.Records))
		assert.Equal(t, model.MarketTWSE, res.Records[1].Market)
		assert.Equal(t, model.MarketTPEX, res.Records[2].Market)
		assert.Equal(t, model.MarketTPEX, res.Records[3].Market)
		// 窗口跨越换市场日期仍然有值
		assert.True(t, res.Records[3].Change(2).Valid)
		assert.Empty(t, res.Issues)
	}
}

func TestAlignNeverBackfillsNullFirstObservation(t *testing.T) {
	set := snapshotSet("twse", 20,
		model.OwnershipSnapshot{Code: "A", Date: day(0), ForeignRatio: decPtr("5")},
		model.OwnershipSnapshot{Code: "A", Date: day(1), TotalShares: model.Int64Ptr(1000)},
		model.OwnershipSnapshot{Code: "A", Date: day(2)},
	)
	series := Align([]model.SnapshotSet{set})["A"]
	require.Len(t, series, 3)
	assert.Nil(t, series[0].TotalShares, "不能用后面的值回填")
	assert.False(t, series[0].Carried)
	assert.Equal(t, int64(1000), *series[1].TotalShares)
	assert.True(t, series[1].Carried, "外资比例沿用前一天")
	assert.Equal(t, int64(1000), *series[2].TotalShares)
	assert.True(t, dec("5").Equal(*series[2].ForeignRatio))

	res := runEngine(t, Options{}, Input{Flows: flows("A", []int64{10, 10, 10}), Snapshots: []model.SnapshotSet{set}})
	require.Len(t, res.Records, 3)
	assert.Nil(t, res.Records[0].TotalShares)
	assert.True(t, res.Records[0].Quality.Has(model.QualityRatioUndefined))
	assert.True(t, res.Records[0].TrustRatioEst.IsZero())
	assert.True(t, dec("2").Equal(res.Records[1].TrustRatioEst))
}

func TestExtremeRatioKeptExact(t *testing.T) {
	// 总股本误记为 1 股时比例远超 100%, 数值保持精确并标记异常
	res := runEngine(t, Options{}, Input{
		Flows:     flows("A", []int64{1_000_000_000}),
		Snapshots: []model.SnapshotSet{constantSnapshots("A", 1, 1, "0")},
	})
	require.Len(t, res.Records, 1)
	rec := res.Records[0]
	assert.True(t, dec("100000000000").Equal(rec.TrustRatioEst), "实际 %s", rec.TrustRatioEst)
	assert.True(t, rec.Quality.Has(model.QualityRatioOutOfRange))
	assert.Equal(t, 1, res.IssueCounts()["calibration_anomaly"])
}
