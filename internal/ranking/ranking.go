package ranking

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"strings"
	"time"

	"tw-inst-tracker/internal/model"
)

// MaxLimit caps a single ranking request.
const MaxLimit = 500

// Direction selects increasing or decreasing combined ownership.
type Direction string

const (
	Up   Direction = "up"
	Down Direction = "down"
)

var (
	// ErrInvalidQuery indicates an unusable ranking request.
	ErrInvalidQuery = errors.New("ranking: invalid query")
	// ErrNoData indicates no estimates are stored yet.
	ErrNoData = errors.New("ranking: no estimates stored")
)

// Query describes a top-movers request.
type Query struct {
	Window    int
	Direction Direction
	Market    model.Market
	Limit     int
	// Date defaults to the latest estimated trade date.
	Date time.Time
}

// MoverStore is the persistence the ranker reads from.
type MoverStore interface {
	LatestTradeDate(ctx context.Context) (time.Time, bool, error)
	ListMovers(ctx context.Context, date time.Time, window int, ascending bool, market model.Market, limit int) ([]model.Mover, error)
}

// Ranker answers top-movers queries for the configured windows.
type Ranker struct {
	store   MoverStore
	windows []int
}

// New constructs a Ranker restricted to windows.
func New(store MoverStore, windows []int) *Ranker {
	return &Ranker{store: store, windows: append([]int(nil), windows...)}
}

// Normalize validates q and fills defaults.
func (r *Ranker) Normalize(q Query) (Query, error) {
	if q.Window == 0 && len(r.windows) > 0 {
		q.Window = r.windows[0]
	}
	if !slices.Contains(r.windows, q.Window) {
		return q, fmt.Errorf("%w: window %d not in %v", ErrInvalidQuery, q.Window, r.windows)
	}

	q.Direction = Direction(strings.ToLower(strings.TrimSpace(string(q.Direction))))
	switch q.Direction {
	case "":
		q.Direction = Up
	case Up, Down:
	default:
		return q, fmt.Errorf("%w: direction %q", ErrInvalidQuery, q.Direction)
	}

	q.Market = model.Market(strings.ToUpper(strings.TrimSpace(string(q.Market))))
	switch q.Market {
	case "", model.MarketTWSE, model.MarketTPEX:
	default:
		return q, fmt.Errorf("%w: market %q", ErrInvalidQuery, q.Market)
	}

	if q.Limit == 0 {
		q.Limit = 50
	}
	if q.Limit < 0 || q.Limit > MaxLimit {
		return q, fmt.Errorf("%w: limit must be within 1..%d", ErrInvalidQuery, MaxLimit)
	}
	return q, nil
}

// Top returns the ranked movers for q.
func (r *Ranker) Top(ctx context.Context, q Query) ([]model.Mover, Query, error) {
	q, err := r.Normalize(q)
	if err != nil {
		return nil, q, err
	}

	if q.Date.IsZero() {
		latest, ok, err := r.store.LatestTradeDate(ctx)
		if err != nil {
			return nil, q, err
		}
		if !ok {
			return nil, q, ErrNoData
		}
		q.Date = latest
	}
	q.Date = model.NormalizeDate(q.Date)

	movers, err := r.store.ListMovers(ctx, q.Date, q.Window, q.Direction == Down, q.Market, q.Limit)
	if err != nil {
		return nil, q, err
	}
	return movers, q, nil
}
