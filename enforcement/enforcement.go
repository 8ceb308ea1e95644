// Package enforcement keeps the operator-facing log of why money moved or
// was scheduled to move.
package enforcement

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"escrowflow/db"
	"escrowflow/logging"
)

const (
	ActionAutoExecutionScheduled = "auto_execution_scheduled"
	ActionResolutionAppealed     = "resolution_appealed"
	ActionResolutionExecuted     = "resolution_executed"
	ActionAutoExecutionFailed    = "auto_execution_failed"
)

// PerformedBySystem marks entries written by the scheduler.
const PerformedBySystem = "system"

type Entry struct {
	DisputeID   string
	ActionType  string
	PerformedBy string
	Details     map[string]any
	Deadline    *time.Time
}

type Logger interface {
	Log(ctx context.Context, e Entry) error
}

// Record appends e and only logs a failure.
func Record(ctx context.Context, l Logger, e Entry) {
	if l == nil {
		return
	}
	if err := l.Log(ctx, e); err != nil {
		logging.Warn(ctx, "enforcement log dropped",
			slog.String("dispute_id", e.DisputeID),
			slog.String("action_type", e.ActionType),
			logging.Err(err),
		)
	}
}

type PGLogger struct {
	q db.Querier
}

func NewPGLogger(q db.Querier) *PGLogger {
	return &PGLogger{q: q}
}

func (l *PGLogger) Log(ctx context.Context, e Entry) error {
	if e.DisputeID == "" || e.ActionType == "" {
		return fmt.Errorf("enforcement: dispute id and action type are required")
	}
	if e.PerformedBy == "" {
		e.PerformedBy = PerformedBySystem
	}
	details := e.Details
	if details == nil {
		details = map[string]any{}
	}
	payload, err := json.Marshal(details)
	if err != nil {
		return fmt.Errorf("enforcement: marshal details: %w", err)
	}

	const insertSQL = `
		INSERT INTO enforcement_logs (dispute_id, action_type, performed_by, details, deadline)
		VALUES ($1, $2, $3, $4::jsonb, $5)
	`
	if _, err := l.q.Exec(ctx, insertSQL, e.DisputeID, e.ActionType, e.PerformedBy, payload, e.Deadline); err != nil {
		return fmt.Errorf("enforcement: insert: %w", err)
	}
	return nil
}
