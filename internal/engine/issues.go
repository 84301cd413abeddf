package engine

import (
	"errors"
	"fmt"
	"time"
)

// Issue kinds. All of them are recoverable and scoped to a single security.
var (
	// ErrDataGap indicates an expected flow row was missing and zero flow was substituted.
	ErrDataGap = errors.New("data gap")

	// ErrCalibrationAnomaly indicates a reconstructed ratio fell outside [0, 100].
	ErrCalibrationAnomaly = errors.New("calibration anomaly")

	// ErrDivisionGuard indicates the shares outstanding were unknown or non-positive.
	ErrDivisionGuard = errors.New("division guard")

	// ErrUpstreamJoinMismatch indicates flows exist for a security with no snapshot series.
	ErrUpstreamJoinMismatch = errors.New("upstream join mismatch")

	// ErrInsufficientHistory indicates fewer warm-up rows than the largest window.
	ErrInsufficientHistory = errors.New("insufficient history")
)

// ErrInvalidOptions is returned by New for unusable engine options.
var ErrInvalidOptions = errors.New("engine: invalid options")

// Issue describes one data-quality problem found while estimating a security.
type Issue struct {
	Kind   error
	Code   string
	Date   time.Time
	Count  int
	Detail string
}

func (i Issue) Error() string {
	if i.Date.IsZero() {
		return fmt.Sprintf("%s: %s: %s", i.Kind, i.Code, i.Detail)
	}
	return fmt.Sprintf("%s: %s@%s: %s", i.Kind, i.Code, i.Date.Format(time.DateOnly), i.Detail)
}

func (i Issue) Unwrap() error {
	return i.Kind
}

// KindName returns a stable label for metrics and notifications.
func KindName(err error) string {
	switch {
	case errors.Is(err, ErrDataGap):
		return "data_gap"
	case errors.Is(err, ErrCalibrationAnomaly):
		return "calibration_anomaly"
	case errors.Is(err, ErrDivisionGuard):
		return "division_guard"
	case errors.Is(err, ErrUpstreamJoinMismatch):
		return "upstream_join_mismatch"
	case errors.Is(err, ErrInsufficientHistory):
		return "insufficient_history"
	default:
		return "unknown"
	}
}

// issueCollector folds repeated per-row issues of one kind into a single Issue.
type issueCollector struct {
	code   string
	order  []error
	byKind map[error]*Issue
}

func newIssueCollector(code string) *issueCollector {
	return &issueCollector{code: code, byKind: make(map[error]*Issue)}
}

func (c *issueCollector) note(kind error, date time.Time, detail string) {
	if existing, ok := c.byKind[kind]; ok {
		existing.Count++
		return
	}
	c.order = append(c.order, kind)
	c.byKind[kind] = &Issue{Kind: kind, Code: c.code, Date: date, Count: 1, Detail: detail}
}

func (c *issueCollector) issues() []Issue {
	if len(c.order) == 0 {
		return nil
	}
	out := make([]Issue, 0, len(c.order))
	for _, kind := range c.order {
		out = append(out, *c.byKind[kind])
	}
	return out
}
