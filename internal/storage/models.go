package storage

import (
	"time"

	"github.com/google/uuid"
)

// Run kinds and statuses recorded in etl_runs.
const (
	RunKindScheduled = "scheduled"
	RunKindCompute   = "compute"

	RunStatusRunning   = "running"
	RunStatusSucceeded = "succeeded"
	RunStatusFailed    = "failed"
)

// RunRecord is one estimation run in the etl_runs audit table.
type RunRecord struct {
	ID          uuid.UUID
	Kind        string
	TradeDate   time.Time
	EmitFrom    time.Time
	EmitTo      time.Time
	Status      string
	RowsEmitted int
	Withheld    int
	IssueCounts map[string]int
	Error       *string
	StartedAt   time.Time
	FinishedAt  *time.Time
}

// EstimateQuery selects stored estimates of one security.
type EstimateQuery struct {
	Code  string
	From  time.Time
	To    time.Time
	Limit int
}
