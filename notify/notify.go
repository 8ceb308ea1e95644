// Package notify is the outbound activity-notification sink. Delivery is
// owned elsewhere; this package only records or forwards.
package notify

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"escrowflow/db"
	"escrowflow/logging"
)

type Priority string

const (
	PriorityNormal Priority = "normal"
	PriorityHigh   Priority = "high"
)

type Notification struct {
	Title       string
	Description string
	ActionURL   string
	Priority    Priority
}

type Notifier interface {
	Notify(ctx context.Context, userID string, n Notification) error
}

// Send delivers n and swallows any failure after logging it. A nil notifier is a no-op.
func Send(ctx context.Context, notifier Notifier, userID string, n Notification) {
	if notifier == nil || userID == "" {
		return
	}
	if n.Priority == "" {
		n.Priority = PriorityNormal
	}
	if err := notifier.Notify(ctx, userID, n); err != nil {
		logging.Warn(ctx, "notification dropped",
			slog.String("user_id", userID),
			slog.String("title", n.Title),
			logging.Err(err),
		)
	}
}

// Log writes notifications to the context logger.
type Log struct{}

func (Log) Notify(ctx context.Context, userID string, n Notification) error {
	logging.Info(ctx, "notification",
		slog.String("user_id", userID),
		slog.String("title", n.Title),
		slog.String("priority", string(n.Priority)),
		slog.String("action_url", n.ActionURL),
	)
	return nil
}

// Store appends notifications to the notifications table for the delivery worker.
type Store struct {
	q db.Querier
}

func NewStore(q db.Querier) *Store {
	return &Store{q: q}
}

func (s *Store) Notify(ctx context.Context, userID string, n Notification) error {
	const insertSQL = `
		INSERT INTO notifications (user_id, title, description, action_url, priority)
		VALUES ($1, $2, $3, $4, $5)
	`
	if _, err := s.q.Exec(ctx, insertSQL, userID, n.Title, n.Description, n.ActionURL, string(n.Priority)); err != nil {
		return fmt.Errorf("notify: insert: %w", err)
	}
	return nil
}

// Multi fans out to every notifier and joins their errors.
type Multi []Notifier

func (m Multi) Notify(ctx context.Context, userID string, n Notification) error {
	var errs []error
	for _, notifier := range m {
		if notifier == nil {
			continue
		}
		if err := notifier.Notify(ctx, userID, n); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
