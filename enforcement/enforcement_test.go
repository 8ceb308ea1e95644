package enforcement

import (
	"bytes"
	"context"
	"errors"
	"log/slog"
	"strings"
	"testing"

	"escrowflow/logging"
)

type failingLogger struct{ calls int }

func (f *failingLogger) Log(context.Context, Entry) error {
	f.calls++
	return errors.New("disk full")
}

func TestRecord_SwallowsFailure(t *testing.T) {
	var buf bytes.Buffer
	ctx := logging.WithLogger(context.Background(), slog.New(slog.NewTextHandler(&buf, nil)))

	l := &failingLogger{}
	Record(ctx, l, Entry{DisputeID: "d1", ActionType: ActionAutoExecutionScheduled})

	if l.calls != 1 {
		t.Fatalf("expected one call, got %d", l.calls)
	}
	out := buf.String()
	if !strings.Contains(out, "enforcement log dropped") || !strings.Contains(out, "dispute_id=d1") {
		t.Fatalf("unexpected log output %q", out)
	}
}

func TestRecord_NilLogger(t *testing.T) {
	Record(context.Background(), nil, Entry{DisputeID: "d1", ActionType: ActionResolutionExecuted})
}

func TestPGLogger_RequiresFields(t *testing.T) {
	l := NewPGLogger(nil)
	if err := l.Log(context.Background(), Entry{ActionType: ActionResolutionAppealed}); err == nil {
		t.Fatal("expected error for missing dispute id")
	}
}
