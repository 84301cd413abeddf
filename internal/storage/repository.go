package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"

	"tw-inst-tracker/internal/model"
)

var (
	// ErrNotConfigured indicates the storage pool was not initialised.
	ErrNotConfigured = errors.New("storage: pool not configured")
)

const (
	listSecuritiesSQL = `SELECT code, market, name FROM stocks ORDER BY code;`

	upsertSecuritySQL = `INSERT INTO stocks (code, market, name, updated_at)
    VALUES ($1, $2, $3, now())
    ON CONFLICT (code) DO UPDATE
    SET market     = COALESCE(NULLIF(EXCLUDED.market, ''), stocks.market),
        name       = COALESCE(NULLIF(EXCLUDED.name, ''), stocks.name),
        updated_at = now();`

	listFlowsSQL = `SELECT stock_code, trade_date, foreign_net, trust_net, dealer_net
    FROM institutional_flows
    WHERE ($1::date IS NULL OR trade_date >= $1)
      AND trade_date <= $2
    ORDER BY stock_code, trade_date;`

	upsertFlowSQL = `INSERT INTO institutional_flows (stock_code, trade_date, foreign_net, trust_net, dealer_net)
    VALUES ($1, $2, $3, $4, $5)
    ON CONFLICT (stock_code, trade_date) DO UPDATE
    SET foreign_net = EXCLUDED.foreign_net,
        trust_net   = EXCLUDED.trust_net,
        dealer_net  = EXCLUDED.dealer_net;`

	// the latest observation before the window seeds forward-fill
	listHoldingsSQL = `SELECT stock_code, trade_date, source, market, total_shares, foreign_shares, foreign_ratio::text, fetched_at
    FROM foreign_holdings
    WHERE ($1::date IS NULL OR trade_date >= $1)
      AND trade_date <= $2
    UNION ALL
    SELECT * FROM (
        SELECT DISTINCT ON (stock_code, source)
            stock_code, trade_date, source, market, total_shares, foreign_shares, foreign_ratio::text, fetched_at
        FROM foreign_holdings
        WHERE $1::date IS NOT NULL AND trade_date < $1
        ORDER BY stock_code, source, trade_date DESC
    ) seed
    ORDER BY 3, 1, 2;`

	upsertHoldingSQL = `INSERT INTO foreign_holdings (
        stock_code, trade_date, source, market, total_shares, foreign_shares, foreign_ratio, fetched_at
    ) VALUES ($1, $2, $3, $4, $5, $6, $7::numeric, $8)
    ON CONFLICT (stock_code, trade_date, source) DO UPDATE
    SET market         = EXCLUDED.market,
        total_shares   = EXCLUDED.total_shares,
        foreign_shares = EXCLUDED.foreign_shares,
        foreign_ratio  = EXCLUDED.foreign_ratio,
        fetched_at     = EXCLUDED.fetched_at;`

	listAnchorsSQL = `SELECT stock_code, baseline_date, trust_shares_base, dealer_shares_base
    FROM institutional_baselines
    WHERE baseline_date <= $1
    ORDER BY stock_code, baseline_date;`

	upsertAnchorSQL = `INSERT INTO institutional_baselines (stock_code, baseline_date, trust_shares_base, dealer_shares_base, updated_at)
    VALUES ($1, $2, $3, $4, now())
    ON CONFLICT (stock_code, baseline_date) DO UPDATE
    SET trust_shares_base  = EXCLUDED.trust_shares_base,
        dealer_shares_base = EXCLUDED.dealer_shares_base,
        updated_at         = now();`

	upsertRatioSQL = `INSERT INTO institutional_ratios (
        stock_code, trade_date, market,
        foreign_ratio, trust_ratio_est, dealer_ratio_est, three_inst_ratio_est,
        trust_shares_est, dealer_shares_est, total_shares, quality_flags, anchor_date
    ) VALUES (
        $1,$2,$3,$4::numeric,$5::numeric,$6::numeric,$7::numeric,$8,$9,$10,$11,$12
    )
    ON CONFLICT (stock_code, trade_date) DO UPDATE
    SET market               = EXCLUDED.market,
        foreign_ratio        = EXCLUDED.foreign_ratio,
        trust_ratio_est      = EXCLUDED.trust_ratio_est,
        dealer_ratio_est     = EXCLUDED.dealer_ratio_est,
        three_inst_ratio_est = EXCLUDED.three_inst_ratio_est,
        trust_shares_est     = EXCLUDED.trust_shares_est,
        dealer_shares_est    = EXCLUDED.dealer_shares_est,
        total_shares         = EXCLUDED.total_shares,
        quality_flags        = EXCLUDED.quality_flags,
        anchor_date          = EXCLUDED.anchor_date;`

	upsertChangeSQL = `INSERT INTO institutional_ratio_changes (stock_code, trade_date, window_days, change_value)
    VALUES ($1, $2, $3, $4::numeric)
    ON CONFLICT (stock_code, trade_date, window_days) DO UPDATE
    SET change_value = EXCLUDED.change_value;`

	listEstimatesSQL = `SELECT r.stock_code, r.market, COALESCE(s.name, ''), r.trade_date,
        r.foreign_ratio::text, r.trust_ratio_est::text, r.dealer_ratio_est::text, r.three_inst_ratio_est::text,
        r.trust_shares_est, r.dealer_shares_est, r.total_shares, r.quality_flags, r.anchor_date
    FROM institutional_ratios r
    LEFT JOIN stocks s ON s.code = r.stock_code
    WHERE r.stock_code = $1
      AND ($2::date IS NULL OR r.trade_date >= $2)
      AND ($3::date IS NULL OR r.trade_date <= $3)
    ORDER BY r.trade_date DESC
    LIMIT $4;`

	listChangesSQL = `SELECT trade_date, window_days, change_value::text
    FROM institutional_ratio_changes
    WHERE stock_code = $1
      AND trade_date >= $2
      AND trade_date <= $3
    ORDER BY trade_date, window_days;`

	latestRatioDateSQL = `SELECT MAX(trade_date) FROM institutional_ratios;`

	listMoversSQL = `SELECT r.stock_code, COALESCE(s.name, ''), r.market, r.trade_date,
        c.change_value::text, r.three_inst_ratio_est::text, r.foreign_ratio::text,
        r.trust_ratio_est::text, r.dealer_ratio_est::text
    FROM institutional_ratio_changes c
    JOIN institutional_ratios r ON r.stock_code = c.stock_code AND r.trade_date = c.trade_date
    LEFT JOIN stocks s ON s.code = r.stock_code
    WHERE c.trade_date = $1
      AND c.window_days = $2
      AND c.change_value IS NOT NULL
      AND ($3::text = '' OR r.market = $3)
    ORDER BY c.change_value %s, r.stock_code
    LIMIT $4;`

	insertRunSQL = `INSERT INTO etl_runs (run_id, kind, trade_date, emit_from, emit_to, status, started_at)
    VALUES ($1::uuid, $2, $3, $4, $5, $6, $7);`

	finishRunSQL = `UPDATE etl_runs
    SET status = $2, rows_emitted = $3, withheld = $4, issues = $5, error = $6, finished_at = $7
    WHERE run_id = $1::uuid;`

	tryAdvisoryLockSQL = `SELECT pg_try_advisory_lock($1);`
	advisoryUnlockSQL  = `SELECT pg_advisory_unlock($1);`
)

// InputLoader reads the raw inputs of an estimation run.
type InputLoader interface {
	LoadSecurities(ctx context.Context) ([]model.Security, error)
	LoadFlows(ctx context.Context, from, to time.Time) ([]model.FlowRecord, error)
	LoadSnapshotSets(ctx context.Context, from, to time.Time, priority map[string]int) ([]model.SnapshotSet, error)
	LoadAnchors(ctx context.Context, to time.Time) ([]model.BaselineAnchor, error)
}

// InputWriter stores raw inputs imported from files.
type InputWriter interface {
	UpsertSecurities(ctx context.Context, secs []model.Security) (int, error)
	UpsertFlows(ctx context.Context, flows []model.FlowRecord) (int, error)
	UpsertSnapshots(ctx context.Context, sets []model.SnapshotSet) (int, error)
	UpsertAnchors(ctx context.Context, anchors []model.BaselineAnchor) (int, error)
}

// EstimateStore persists and reads estimated ownership rows.
type EstimateStore interface {
	UpsertEstimates(ctx context.Context, recs []model.EstimatedOwnershipRecord) error
	ListEstimates(ctx context.Context, q EstimateQuery) ([]model.EstimatedOwnershipRecord, error)
	LatestTradeDate(ctx context.Context) (time.Time, bool, error)
	ListMovers(ctx context.Context, date time.Time, window int, ascending bool, market model.Market, limit int) ([]model.Mover, error)
}

// RunStore records estimation runs.
type RunStore interface {
	StartRun(ctx context.Context, run RunRecord) error
	FinishRun(ctx context.Context, run RunRecord) error
}

// AdvisoryLocker exposes advisory lock helpers.
type AdvisoryLocker interface {
	TryAdvisoryLock(ctx context.Context, key int64) (unlock func(), acquired bool, err error)
}

// Store aggregates access to the ownership tables.
type Store struct {
	pool *pgxpool.Pool
}

var (
	_ InputLoader    = (*Store)(nil)
	_ InputWriter    = (*Store)(nil)
	_ EstimateStore  = (*Store)(nil)
	_ RunStore       = (*Store)(nil)
	_ AdvisoryLocker = (*Store)(nil)
)

// NewStore wires a pgx pool into a Store.
func NewStore(pool *pgxpool.Pool) *Store {
	return &Store{pool: pool}
}

// Close releases the underlying pool resources.
func (s *Store) Close() {
	if s == nil || s.pool == nil {
		return
	}
	s.pool.Close()
}

// TryAdvisoryLock attempts to acquire a postgres advisory lock and returns a release func.
func (s *Store) TryAdvisoryLock(ctx context.Context, key int64) (func(), bool, error) {
	pool, err := s.getPool()
	if err != nil {
		return nil, false, err
	}

	conn, err := pool.Acquire(ctx)
	if err != nil {
		return nil, false, fmt.Errorf("acquire connection: %w", err)
	}

	var acquired bool
	if err := conn.QueryRow(ctx, tryAdvisoryLockSQL, key).Scan(&acquired); err != nil {
		conn.Release()
		return nil, false, fmt.Errorf("try advisory lock: %w", err)
	}
	if !acquired {
		conn.Release()
		return nil, false, nil
	}

	unlock := func() {
		ctxUnlock, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		// 解锁失败时连接归还后会话结束, 锁随之释放
		_, _ = conn.Exec(ctxUnlock, advisoryUnlockSQL, key)
		conn.Release()
	}
	return unlock, true, nil
}

func (s *Store) getPool() (*pgxpool.Pool, error) {
	if s == nil || s.pool == nil {
		return nil, ErrNotConfigured
	}
	return s.pool, nil
}

// LoadSecurities lists the security master.
func (s *Store) LoadSecurities(ctx context.Context) ([]model.Security, error) {
	pool, err := s.getPool()
	if err != nil {
		return nil, err
	}
	rows, err := pool.Query(ctx, listSecuritiesSQL)
	if err != nil {
		return nil, fmt.Errorf("list securities: %w", err)
	}
	defer rows.Close()

	out := make([]model.Security, 0)
	for rows.Next() {
		var sec model.Security
		var market string
		if err := rows.Scan(&sec.Code, &market, &sec.Name); err != nil {
			return nil, err
		}
		sec.Market = model.Market(market)
		out = append(out, sec)
	}
	if rows.Err() != nil {
		return nil, rows.Err()
	}
	return out, nil
}

// LoadFlows lists flows in [from, to]; a zero from loads the full history.
func (s *Store) LoadFlows(ctx context.Context, from, to time.Time) ([]model.FlowRecord, error) {
	pool, err := s.getPool()
	if err != nil {
		return nil, err
	}
	rows, err := pool.Query(ctx, listFlowsSQL, dateArg(from), to)
	if err != nil {
		return nil, fmt.Errorf("list flows: %w", err)
	}
	defer rows.Close()

	out := make([]model.FlowRecord, 0)
	for rows.Next() {
		var f model.FlowRecord
		if err := rows.Scan(&f.Code, &f.Date, &f.ForeignNet, &f.TrustNet, &f.DealerNet); err != nil {
			return nil, err
		}
		out = append(out, f)
	}
	if rows.Err() != nil {
		return nil, rows.Err()
	}
	return out, nil
}

// LoadSnapshotSets lists holdings in [from, to] grouped by source, plus the last
// observation of every (security, source) before from.
func (s *Store) LoadSnapshotSets(ctx context.Context, from, to time.Time, priority map[string]int) ([]model.SnapshotSet, error) {
	pool, err := s.getPool()
	if err != nil {
		return nil, err
	}
	rows, err := pool.Query(ctx, listHoldingsSQL, dateArg(from), to)
	if err != nil {
		return nil, fmt.Errorf("list foreign holdings: %w", err)
	}
	defer rows.Close()

	var sets []model.SnapshotSet
	for rows.Next() {
		var (
			snap     model.OwnershipSnapshot
			src      string
			market   string
			ratioStr sql.NullString
		)
		if err := rows.Scan(&snap.Code, &snap.Date, &src, &market, &snap.TotalShares, &snap.ForeignShares, &ratioStr, &snap.FetchedAt); err != nil {
			return nil, err
		}
		snap.Market = model.Market(market)
		if snap.ForeignRatio, err = parseNullDecimal(ratioStr); err != nil {
			return nil, fmt.Errorf("parse foreign ratio of %s: %w", snap.Code, err)
		}
		if n := len(sets); n == 0 || sets[n-1].Source != src {
			sets = append(sets, model.SnapshotSet{Source: src, Priority: priority[src]})
		}
		last := &sets[len(sets)-1]
		last.Rows = append(last.Rows, snap)
	}
	if rows.Err() != nil {
		return nil, rows.Err()
	}
	return sets, nil
}

// LoadAnchors lists every anchor dated on or before to.
func (s *Store) LoadAnchors(ctx context.Context, to time.Time) ([]model.BaselineAnchor, error) {
	pool, err := s.getPool()
	if err != nil {
		return nil, err
	}
	rows, err := pool.Query(ctx, listAnchorsSQL, to)
	if err != nil {
		return nil, fmt.Errorf("list anchors: %w", err)
	}
	defer rows.Close()

	out := make([]model.BaselineAnchor, 0)
	for rows.Next() {
		var an model.BaselineAnchor
		if err := rows.Scan(&an.Code, &an.Date, &an.TrustSharesBase, &an.DealerSharesBase); err != nil {
			return nil, err
		}
		out = append(out, an)
	}
	if rows.Err() != nil {
		return nil, rows.Err()
	}
	return out, nil
}

// UpsertSecurities inserts or refreshes the security master. Empty fields keep stored values.
func (s *Store) UpsertSecurities(ctx context.Context, secs []model.Security) (int, error) {
	batch := &pgx.Batch{}
	for _, sec := range secs {
		batch.Queue(upsertSecuritySQL, sec.Code, string(sec.Market), sec.Name)
	}
	return s.sendBatch(ctx, batch, "upsert security")
}

// UpsertFlows stores daily net flows.
func (s *Store) UpsertFlows(ctx context.Context, flows []model.FlowRecord) (int, error) {
	batch := &pgx.Batch{}
	for _, f := range flows {
		batch.Queue(upsertFlowSQL, f.Code, model.NormalizeDate(f.Date), f.ForeignNet, f.TrustNet, f.DealerNet)
	}
	return s.sendBatch(ctx, batch, "upsert flow")
}

// UpsertSnapshots stores holdings, one row per source.
func (s *Store) UpsertSnapshots(ctx context.Context, sets []model.SnapshotSet) (int, error) {
	batch := &pgx.Batch{}
	now := time.Now().UTC()
	for _, set := range sets {
		for _, snap := range set.Rows {
			fetched := snap.FetchedAt
			if fetched.IsZero() {
				fetched = now
			}
			batch.Queue(upsertHoldingSQL,
				snap.Code,
				model.NormalizeDate(snap.Date),
				set.Source,
				string(snap.Market),
				snap.TotalShares,
				snap.ForeignShares,
				decimalArg(snap.ForeignRatio),
				fetched,
			)
		}
	}
	return s.sendBatch(ctx, batch, "upsert foreign holding")
}

// UpsertAnchors stores calibration points. Rows with neither base value are skipped.
func (s *Store) UpsertAnchors(ctx context.Context, anchors []model.BaselineAnchor) (int, error) {
	batch := &pgx.Batch{}
	for _, an := range anchors {
		if an.TrustSharesBase == nil && an.DealerSharesBase == nil {
			continue
		}
		batch.Queue(upsertAnchorSQL, an.Code, model.NormalizeDate(an.Date), an.TrustSharesBase, an.DealerSharesBase)
	}
	return s.sendBatch(ctx, batch, "upsert anchor")
}

func (s *Store) sendBatch(ctx context.Context, batch *pgx.Batch, what string) (int, error) {
	pool, err := s.getPool()
	if err != nil {
		return 0, err
	}
	if batch.Len() == 0 {
		return 0, nil
	}

	br := pool.SendBatch(ctx, batch)
	defer br.Close()

	for i := 0; i < batch.Len(); i++ {
		if _, err := br.Exec(); err != nil {
			return i, fmt.Errorf("%s: %w", what, err)
		}
	}
	return batch.Len(), nil
}

// UpsertEstimates writes estimated rows and their window changes, one transaction
// per security. A failing security is rolled back alone and reported in the
// joined error; the others are still committed.
// Null changes are written as NULL so a rerun over the same range yields identical rows.
func (s *Store) UpsertEstimates(ctx context.Context, recs []model.EstimatedOwnershipRecord) error {
	pool, err := s.getPool()
	if err != nil {
		return err
	}

	var errs []error
	for _, group := range groupByCode(recs) {
		if err := ctx.Err(); err != nil {
			return errors.Join(append(errs, err)...)
		}
		err := pgx.BeginFunc(ctx, pool, func(tx pgx.Tx) error {
			batch := estimateBatch(group)
			br := tx.SendBatch(ctx, batch)
			for i := 0; i < batch.Len(); i++ {
				if _, err := br.Exec(); err != nil {
					br.Close()
					return err
				}
			}
			return br.Close()
		})
		if err != nil {
			errs = append(errs, fmt.Errorf("upsert estimates %s: %w", group[0].Code, err))
		}
	}
	return errors.Join(errs...)
}

// groupByCode splits records into per-security runs, keeping first-seen order.
func groupByCode(recs []model.EstimatedOwnershipRecord) [][]model.EstimatedOwnershipRecord {
	idx := make(map[string]int)
	var out [][]model.EstimatedOwnershipRecord
	for _, rec := range recs {
		i, ok := idx[rec.Code]
		if !ok {
			i = len(out)
			idx[rec.Code] = i
			out = append(out, nil)
		}
		out[i] = append(out[i], rec)
	}
	return out
}

func estimateBatch(recs []model.EstimatedOwnershipRecord) *pgx.Batch {
	batch := &pgx.Batch{}
	for _, rec := range recs {
		batch.Queue(upsertRatioSQL, estimateArgs(rec)...)
		for _, c := range rec.Changes {
			var value any
			if c.Value.Valid {
				value = c.Value.Decimal.String()
			}
			batch.Queue(upsertChangeSQL, rec.Code, rec.Date, int16(c.Window), value)
		}
	}
	return batch
}

// estimateArgs renders upsertRatioSQL parameters. Ratios go over the wire as
// exact decimal strings, unknown shares outstanding as NULL.
func estimateArgs(rec model.EstimatedOwnershipRecord) []any {
	var total any
	if rec.TotalShares != nil {
		total = *rec.TotalShares
	}
	return []any{
		rec.Code,
		rec.Date,
		string(rec.Market),
		rec.ForeignRatio.String(),
		rec.TrustRatioEst.String(),
		rec.DealerRatioEst.String(),
		rec.ThreeInstRatioEst.String(),
		rec.TrustSharesEst,
		rec.DealerSharesEst,
		total,
		int32(rec.Quality),
		rec.AnchorDate,
	}
}

// ListEstimates returns the most recent Limit rows of a security in ascending date order.
func (s *Store) ListEstimates(ctx context.Context, q EstimateQuery) ([]model.EstimatedOwnershipRecord, error) {
	pool, err := s.getPool()
	if err != nil {
		return nil, err
	}
	limit := q.Limit
	if limit <= 0 {
		limit = 1000
	}

	rows, err := pool.Query(ctx, listEstimatesSQL, q.Code, dateArg(q.From), dateArg(q.To), limit)
	if err != nil {
		return nil, fmt.Errorf("list estimates: %w", err)
	}
	recs, err := scanEstimates(rows)
	if err != nil {
		return nil, err
	}
	if len(recs) == 0 {
		return recs, nil
	}
	sort.Slice(recs, func(i, j int) bool { return recs[i].Date.Before(recs[j].Date) })

	if err := s.attachChanges(ctx, pool, q.Code, recs); err != nil {
		return nil, err
	}
	return recs, nil
}

func scanEstimates(rows pgx.Rows) ([]model.EstimatedOwnershipRecord, error) {
	defer rows.Close()

	out := make([]model.EstimatedOwnershipRecord, 0)
	for rows.Next() {
		var (
			rec                               model.EstimatedOwnershipRecord
			market                            string
			foreign, trust, dealer, threeInst string
			flags                             int32
		)
		if err := rows.Scan(
			&rec.Code,
			&market,
			&rec.Name,
			&rec.Date,
			&foreign,
			&trust,
			&dealer,
			&threeInst,
			&rec.TrustSharesEst,
			&rec.DealerSharesEst,
			&rec.TotalShares,
			&flags,
			&rec.AnchorDate,
		); err != nil {
			return nil, err
		}
		rec.Market = model.Market(market)
		rec.Quality = model.Quality(flags)

		var convErr error
		for _, f := range []struct {
			dst *decimal.Decimal
			raw string
		}{
			{&rec.ForeignRatio, foreign},
			{&rec.TrustRatioEst, trust},
			{&rec.DealerRatioEst, dealer},
			{&rec.ThreeInstRatioEst, threeInst},
		} {
			if *f.dst, convErr = decimal.NewFromString(f.raw); convErr != nil {
				return nil, fmt.Errorf("parse ratio of %s: %w", rec.Code, convErr)
			}
		}
		out = append(out, rec)
	}
	if rows.Err() != nil {
		return nil, rows.Err()
	}
	return out, nil
}

func (s *Store) attachChanges(ctx context.Context, pool *pgxpool.Pool, code string, recs []model.EstimatedOwnershipRecord) error {
	from, to := recs[0].Date, recs[len(recs)-1].Date
	rows, err := pool.Query(ctx, listChangesSQL, code, from, to)
	if err != nil {
		return fmt.Errorf("list ratio changes: %w", err)
	}
	defer rows.Close()

	byDate := make(map[time.Time]int, len(recs))
	for i, rec := range recs {
		byDate[rec.Date] = i
	}
	for rows.Next() {
		var (
			date   time.Time
			window int16
			raw    sql.NullString
		)
		if err := rows.Scan(&date, &window, &raw); err != nil {
			return err
		}
		idx, ok := byDate[date]
		if !ok {
			continue
		}
		change := model.WindowChange{Window: int(window)}
		value, err := parseNullDecimal(raw)
		if err != nil {
			return fmt.Errorf("parse change of %s: %w", code, err)
		}
		if value != nil {
			change.Value = decimal.NewNullDecimal(*value)
		}
		recs[idx].Changes = append(recs[idx].Changes, change)
	}
	return rows.Err()
}

// LatestTradeDate returns the newest estimated date; ok is false when nothing is stored.
func (s *Store) LatestTradeDate(ctx context.Context) (time.Time, bool, error) {
	pool, err := s.getPool()
	if err != nil {
		return time.Time{}, false, err
	}
	var latest *time.Time
	if err := pool.QueryRow(ctx, latestRatioDateSQL).Scan(&latest); err != nil {
		return time.Time{}, false, fmt.Errorf("latest trade date: %w", err)
	}
	if latest == nil {
		return time.Time{}, false, nil
	}
	return *latest, true, nil
}

// ListMovers ranks securities by the change of their combined ratio on date.
func (s *Store) ListMovers(ctx context.Context, date time.Time, window int, ascending bool, market model.Market, limit int) ([]model.Mover, error) {
	pool, err := s.getPool()
	if err != nil {
		return nil, err
	}
	order := "DESC"
	if ascending {
		order = "ASC"
	}

	rows, err := pool.Query(ctx, fmt.Sprintf(listMoversSQL, order), date, int16(window), string(market), limit)
	if err != nil {
		return nil, fmt.Errorf("list movers: %w", err)
	}
	defer rows.Close()

	out := make([]model.Mover, 0, limit)
	for rows.Next() {
		var (
			m                                            model.Mover
			marketStr                                    string
			change, threeInst, foreign, trust, dealerStr string
		)
		if err := rows.Scan(&m.Code, &m.Name, &marketStr, &m.Date, &change, &threeInst, &foreign, &trust, &dealerStr); err != nil {
			return nil, err
		}
		m.Market = model.Market(marketStr)
		m.Window = window
		m.Rank = len(out) + 1

		var convErr error
		for _, f := range []struct {
			dst *decimal.Decimal
			raw string
		}{
			{&m.Change, change},
			{&m.ThreeInstRatio, threeInst},
			{&m.ForeignRatio, foreign},
			{&m.TrustRatio, trust},
			{&m.DealerRatio, dealerStr},
		} {
			if *f.dst, convErr = decimal.NewFromString(f.raw); convErr != nil {
				return nil, fmt.Errorf("parse mover %s: %w", m.Code, convErr)
			}
		}
		out = append(out, m)
	}
	if rows.Err() != nil {
		return nil, rows.Err()
	}
	return out, nil
}

// StartRun records a running estimation.
func (s *Store) StartRun(ctx context.Context, run RunRecord) error {
	pool, err := s.getPool()
	if err != nil {
		return err
	}
	if _, err := pool.Exec(ctx, insertRunSQL,
		run.ID.String(),
		run.Kind,
		dateArg(run.TradeDate),
		dateArg(run.EmitFrom),
		dateArg(run.EmitTo),
		RunStatusRunning,
		run.StartedAt,
	); err != nil {
		return fmt.Errorf("insert etl run: %w", err)
	}
	return nil
}

// FinishRun stores the outcome of a run.
func (s *Store) FinishRun(ctx context.Context, run RunRecord) error {
	pool, err := s.getPool()
	if err != nil {
		return err
	}
	counts := run.IssueCounts
	if counts == nil {
		counts = map[string]int{}
	}
	issues, err := json.Marshal(counts)
	if err != nil {
		return fmt.Errorf("marshal issue counts: %w", err)
	}
	finished := time.Now().UTC()
	if run.FinishedAt != nil {
		finished = *run.FinishedAt
	}

	var errMsg any
	if run.Error != nil {
		errMsg = *run.Error
	}

	tag, err := pool.Exec(ctx, finishRunSQL,
		run.ID.String(),
		run.Status,
		run.RowsEmitted,
		run.Withheld,
		issues,
		errMsg,
		finished,
	)
	if err != nil {
		return fmt.Errorf("finish etl run: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return pgx.ErrNoRows
	}
	return nil
}

func dateArg(t time.Time) any {
	if t.IsZero() {
		return nil
	}
	return model.NormalizeDate(t)
}

func decimalArg(d *decimal.Decimal) any {
	if d == nil {
		return nil
	}
	return d.String()
}

func parseNullDecimal(raw sql.NullString) (*decimal.Decimal, error) {
	if !raw.Valid {
		return nil, nil
	}
	d, err := decimal.NewFromString(raw.String)
	if err != nil {
		return nil, err
	}
	return &d, nil
}
