package engine

import (
	"context"
	"errors"
	"fmt"
	"runtime"
	"sort"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"tw-inst-tracker/internal/model"
)

// Input holds the materialised rows of one estimation run.
type Input struct {
	Securities []model.Security
	Flows      []model.FlowRecord
	Snapshots  []model.SnapshotSet
	Anchors    []model.BaselineAnchor
}

// Options configure an Engine.
type Options struct {
	// Windows are the trading-day change windows; DefaultWindows when empty.
	Windows []int
	// EmitFrom and EmitTo bound the emitted rows (inclusive). Earlier rows are warm-up history.
	EmitFrom time.Time
	EmitTo   time.Time
	// Workers caps concurrently processed securities; GOMAXPROCS when zero.
	Workers int
}

// Stats summarise one run.
type Stats struct {
	Securities int
	Emitted    int
	Withheld   int
	Anchored   int
}

// Result is the deterministic output of Run.
type Result struct {
	Records []model.EstimatedOwnershipRecord
	Issues  []Issue
	Stats   Stats
}

// IssueCounts returns affected row counts keyed by issue kind label.
func (r *Result) IssueCounts() map[string]int {
	counts := make(map[string]int)
	for _, is := range r.Issues {
		counts[KindName(is.Kind)] += is.Count
	}
	return counts
}

// Engine estimates institutional ownership from flows, snapshots and anchors.
type Engine struct {
	opts   Options
	logger zerolog.Logger
}

// New validates options and constructs an Engine.
func New(opts Options, logger zerolog.Logger) (*Engine, error) {
	windows, err := normalizeWindows(opts.Windows)
	if err != nil {
		return nil, err
	}
	opts.Windows = windows

	if !opts.EmitFrom.IsZero() {
		opts.EmitFrom = model.NormalizeDate(opts.EmitFrom)
	}
	if !opts.EmitTo.IsZero() {
		opts.EmitTo = model.NormalizeDate(opts.EmitTo)
	}
	if !opts.EmitFrom.IsZero() && !opts.EmitTo.IsZero() && opts.EmitTo.Before(opts.EmitFrom) {
		return nil, fmt.Errorf("%w: emit range %s..%s is empty", ErrInvalidOptions,
			opts.EmitFrom.Format(time.DateOnly), opts.EmitTo.Format(time.DateOnly))
	}
	if opts.Workers < 0 {
		return nil, fmt.Errorf("%w: workers cannot be negative", ErrInvalidOptions)
	}
	if opts.Workers == 0 {
		opts.Workers = runtime.GOMAXPROCS(0)
	}

	return &Engine{opts: opts, logger: logger.With().Str("component", "engine").Logger()}, nil
}

// Windows returns the sorted change windows in use.
func (e *Engine) Windows() []int {
	return append([]int(nil), e.opts.Windows...)
}

func normalizeWindows(in []int) ([]int, error) {
	if len(in) == 0 {
		return append([]int(nil), DefaultWindows...), nil
	}
	out := append([]int(nil), in...)
	sort.Ints(out)
	for i, w := range out {
		if w <= 0 {
			return nil, fmt.Errorf("%w: window %d must be positive", ErrInvalidOptions, w)
		}
		if i > 0 && out[i-1] == w {
			return nil, fmt.Errorf("%w: duplicate window %d", ErrInvalidOptions, w)
		}
	}
	return out, nil
}

type arena struct {
	security model.Security
	flows    []model.FlowRecord
	series   []AlignedSnapshot
	anchors  []model.BaselineAnchor
}

type securityResult struct {
	records  []model.EstimatedOwnershipRecord
	issues   []Issue
	withheld bool
	anchored bool
}

// Run estimates every security found in the input. Securities are processed
// independently, so a problem in one never affects another.
func (e *Engine) Run(ctx context.Context, in Input) (*Result, error) {
	started := time.Now()
	arenas, codes := partition(in)

	results := make([]securityResult, len(codes))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(e.opts.Workers)
	for i, code := range codes {
		i, code := i, code
		g.Go(func() error {
			if err := gctx.Err(); err != nil {
				return err
			}
			results[i] = e.runSecurity(arenas[code])
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, fmt.Errorf("estimate ownership: %w", err)
	}
	if err := ctx.Err(); err != nil {
		return nil, fmt.Errorf("estimate ownership: %w", err)
	}

	res := &Result{}
	res.Stats.Securities = len(codes)
	for _, sr := range results {
		res.Records = append(res.Records, sr.records...)
		res.Issues = append(res.Issues, sr.issues...)
		if sr.withheld {
			res.Stats.Withheld++
		}
		if sr.anchored {
			res.Stats.Anchored++
		}
	}
	res.Stats.Emitted = len(res.Records)

	for _, is := range res.Issues {
		e.logIssue(is)
	}
	e.logger.Info().
		Int("securities", res.Stats.Securities).
		Int("emitted", res.Stats.Emitted).
		Int("withheld", res.Stats.Withheld).
		Int("anchored", res.Stats.Anchored).
		Int("issues", len(res.Issues)).
		Dur("elapsed", time.Since(started)).
		Msg("ownership estimation finished")
	return res, nil
}

func (e *Engine) logIssue(is Issue) {
	ev := e.logger.Debug()
	if errors.Is(is.Kind, ErrCalibrationAnomaly) || errors.Is(is.Kind, ErrUpstreamJoinMismatch) {
		ev = e.logger.Warn()
	}
	ev = ev.Str("kind", KindName(is.Kind)).Str("code", is.Code).Int("rows", is.Count)
	if !is.Date.IsZero() {
		ev = ev.Str("date", is.Date.Format(time.DateOnly))
	}
	ev.Msg(is.Detail)
}

func (e *Engine) inEmitRange(d time.Time) bool {
	if !e.opts.EmitFrom.IsZero() && d.Before(e.opts.EmitFrom) {
		return false
	}
	if !e.opts.EmitTo.IsZero() && d.After(e.opts.EmitTo) {
		return false
	}
	return true
}

func (e *Engine) runSecurity(a *arena) securityResult {
	code := a.security.Code
	issues := newIssueCollector(code)

	if len(a.series) == 0 {
		first := time.Time{}
		if len(a.flows) > 0 {
			first = a.flows[0].Date
		}
		issues.note(ErrUpstreamJoinMismatch, first, "flow rows without any ownership snapshot; output withheld")
		return securityResult{issues: issues.issues(), withheld: true}
	}

	dates := unionDates(a.flows, a.series)
	rows := make([]model.EstimatedOwnershipRecord, 0, len(dates))

	var (
		acc     accumulator
		snap    *AlignedSnapshot
		fi, si  int
		ai      int
		warmup  int
		emitted int
	)
	for _, d := range dates {
		// Anchors dated between two rows take effect at the end of their own date.
		for ai < len(a.anchors) && a.anchors[ai].Date.Before(d) {
			acc.reanchor(a.anchors[ai])
			ai++
		}

		var q model.Quality
		if fi < len(a.flows) && a.flows[fi].Date.Equal(d) {
			acc.add(a.flows[fi].TrustNet, a.flows[fi].DealerNet)
			fi++
		} else {
			q |= model.QualityFlowImputed
		}

		for ai < len(a.anchors) && a.anchors[ai].Date.Equal(d) {
			acc.reanchor(a.anchors[ai])
			ai++
		}

		for si < len(a.series) && !a.series[si].Date.After(d) {
			snap = &a.series[si]
			si++
		}
		if snap != nil && (!snap.Date.Equal(d) || snap.Carried) {
			q |= model.QualitySnapshotCarried
		}

		trust, dealer := acc.trustEst(), acc.dealerEst()
		r := computeRatios(trust, dealer, snap)
		q |= r.quality
		if trust < 0 || dealer < 0 {
			q |= model.QualityNegativeShares
		}
		if !acc.anchored() {
			q |= model.QualityUnanchored
		}

		rec := model.EstimatedOwnershipRecord{
			Code:              code,
			Market:            a.security.Market,
			Name:              a.security.Name,
			Date:              d,
			ForeignRatio:      r.foreign,
			TrustRatioEst:     r.trust,
			DealerRatioEst:    r.dealer,
			ThreeInstRatioEst: r.three,
			TrustSharesEst:    trust,
			DealerSharesEst:   dealer,
			Quality:           q,
		}
		if snap != nil {
			if snap.Market != "" {
				rec.Market = snap.Market
			}
			if snap.TotalShares != nil {
				total := *snap.TotalShares
				rec.TotalShares = &total
			}
		}
		if acc.anchorDate != nil {
			ad := *acc.anchorDate
			rec.AnchorDate = &ad
		}
		rows = append(rows, rec)

		if !e.inEmitRange(d) {
			if !e.opts.EmitFrom.IsZero() && d.Before(e.opts.EmitFrom) {
				warmup++
			}
			continue
		}
		emitted++
		e.noteRowIssues(issues, rec, trust, dealer)
	}

	applyChanges(rows, e.opts.Windows)

	out := make([]model.EstimatedOwnershipRecord, 0, emitted)
	for _, rec := range rows {
		if e.inEmitRange(rec.Date) {
			out = append(out, rec)
		}
	}

	maxWindow := e.opts.Windows[len(e.opts.Windows)-1]
	if !e.opts.EmitFrom.IsZero() && emitted > 0 && warmup < maxWindow {
		issues.note(ErrInsufficientHistory, e.opts.EmitFrom,
			fmt.Sprintf("%d warm-up rows before emit range, %d needed for all windows", warmup, maxWindow))
	}

	return securityResult{records: out, issues: issues.issues(), anchored: acc.anchored()}
}

func (e *Engine) noteRowIssues(c *issueCollector, rec model.EstimatedOwnershipRecord, trust, dealer int64) {
	if rec.Quality.Has(model.QualityFlowImputed) {
		c.note(ErrDataGap, rec.Date, "flow row missing; zero flow substituted")
	}
	if rec.Quality.Has(model.QualityRatioUndefined) {
		c.note(ErrDivisionGuard, rec.Date, "shares outstanding unknown; ratios forced to zero")
	}
	if rec.Quality.Has(model.QualityRatioOutOfRange) {
		c.note(ErrCalibrationAnomaly, rec.Date, fmt.Sprintf(
			"ratio outside [0,100]: trust=%s dealer=%s three=%s (trust_shares=%d dealer_shares=%d)",
			rec.TrustRatioEst, rec.DealerRatioEst, rec.ThreeInstRatioEst, trust, dealer))
	}
}

// partition splits the input into per-security arenas and returns the sorted codes.
func partition(in Input) (map[string]*arena, []string) {
	arenas := make(map[string]*arena)
	get := func(code string) *arena {
		a, ok := arenas[code]
		if !ok {
			a = &arena{security: model.Security{Code: code}}
			arenas[code] = a
		}
		return a
	}

	for _, f := range in.Flows {
		code := strings.TrimSpace(f.Code)
		if code == "" {
			continue
		}
		f.Code = code
		f.Date = model.NormalizeDate(f.Date)
		a := get(code)
		a.flows = append(a.flows, f)
	}

	for code, series := range Align(in.Snapshots) {
		get(code).series = series
	}

	for _, an := range in.Anchors {
		code := strings.TrimSpace(an.Code)
		a, ok := arenas[code]
		if !ok {
			continue
		}
		an.Code = code
		an.Date = model.NormalizeDate(an.Date)
		a.anchors = append(a.anchors, an)
	}

	for _, sec := range in.Securities {
		if a, ok := arenas[strings.TrimSpace(sec.Code)]; ok {
			a.security.Market = sec.Market
			a.security.Name = sec.Name
		}
	}

	codes := make([]string, 0, len(arenas))
	for code, a := range arenas {
		a.flows = dedupeFlows(a.flows)
		a.anchors = dedupeAnchors(a.anchors)
		codes = append(codes, code)
	}
	sort.Strings(codes)
	return arenas, codes
}

// dedupeFlows sorts by date and keeps the last input row for a repeated date.
func dedupeFlows(flows []model.FlowRecord) []model.FlowRecord {
	sort.SliceStable(flows, func(i, j int) bool { return flows[i].Date.Before(flows[j].Date) })
	out := flows[:0]
	for _, f := range flows {
		if n := len(out); n > 0 && out[n-1].Date.Equal(f.Date) {
			out[n-1] = f
			continue
		}
		out = append(out, f)
	}
	return out
}

// dedupeAnchors sorts by date and merges same-date anchors class by class:
// a later non-nil base overrides, a nil one keeps what is already there.
func dedupeAnchors(anchors []model.BaselineAnchor) []model.BaselineAnchor {
	sort.SliceStable(anchors, func(i, j int) bool { return anchors[i].Date.Before(anchors[j].Date) })
	out := anchors[:0]
	for _, an := range anchors {
		if n := len(out); n > 0 && out[n-1].Date.Equal(an.Date) {
			if an.TrustSharesBase != nil {
				out[n-1].TrustSharesBase = an.TrustSharesBase
			}
			if an.DealerSharesBase != nil {
				out[n-1].DealerSharesBase = an.DealerSharesBase
			}
			continue
		}
		out = append(out, an)
	}
	return out
}

// unionDates merges the sorted flow and snapshot dates of one security.
func unionDates(flows []model.FlowRecord, series []AlignedSnapshot) []time.Time {
	out := make([]time.Time, 0, len(flows)+len(series))
	i, j := 0, 0
	for i < len(flows) || j < len(series) {
		switch {
		case j >= len(series) || (i < len(flows) && flows[i].Date.Before(series[j].Date)):
			out = append(out, flows[i].Date)
			i++
		case i >= len(flows) || series[j].Date.Before(flows[i].Date):
			out = append(out, series[j].Date)
			j++
		default:
			out = append(out, flows[i].Date)
			i++
			j++
		}
	}
	return out
}
