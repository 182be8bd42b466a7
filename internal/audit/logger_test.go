package audit

import (
	"context"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/aether-os/aether/internal/eventbus"
	"github.com/aether-os/aether/internal/store"
)

func newTestLogger(t *testing.T) (*Logger, *eventbus.Bus, store.Store) {
	t.Helper()
	st, err := store.NewSQLite(":memory:")
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { st.Close() })

	bus := eventbus.New(slog.New(slog.NewTextHandler(io.Discard, nil)))
	l := New(st, bus, slog.New(slog.NewTextHandler(io.Discard, nil)))
	t.Cleanup(l.Close)
	return l, bus, st
}

func TestCapturesDecisionGradeEvents(t *testing.T) {
	l, bus, _ := newTestLogger(t)
	ctx := context.Background()

	bus.Emit(eventbus.ProcessExit, map[string]any{"pid": 7, "code": 143, "signal": "SIGTERM"})
	bus.Emit(eventbus.AuthFailure, map[string]any{"username": "mallory", "reason": "bad_credentials"})
	bus.Emit(eventbus.PolicyDecision, map[string]any{
		"user_id": "u1", "action": "tool.rm.execute", "resource": "rm", "allowed": false,
	})
	// Chatter stays out of the audit log.
	bus.Emit(eventbus.AgentThought, map[string]any{"pid": 7, "text": "hm"})
	bus.Emit(eventbus.LogEntry, map[string]any{"msg": "noise"})

	entries, total, err := l.Query(ctx, store.AuditFilter{Limit: 50})
	if err != nil {
		t.Fatalf("Query: %v", err)
	}
	if total != 3 {
		t.Fatalf("captured %d entries, want 3", total)
	}

	// Newest first: policy decision, auth failure, process exit.
	if entries[0].EventType != "policy" || entries[0].Outcome != "deny" {
		t.Errorf("policy entry = %+v", entries[0])
	}
	if entries[1].Outcome != "failure" || entries[1].Subject != "mallory" {
		t.Errorf("auth entry = %+v", entries[1])
	}
	if entries[2].PID != 7 || entries[2].Action != eventbus.ProcessExit {
		t.Errorf("process entry = %+v", entries[2])
	}
}

func TestQueryFilters(t *testing.T) {
	l, bus, _ := newTestLogger(t)
	ctx := context.Background()

	bus.Emit(eventbus.ProcessSpawned, map[string]any{"pid": 1})
	bus.Emit(eventbus.ProcessSpawned, map[string]any{"pid": 2})
	bus.Emit(eventbus.AuthSuccess, map[string]any{"user_id": "u1"})

	_, total, err := l.Query(ctx, store.AuditFilter{EventType: "process"})
	if err != nil || total != 2 {
		t.Errorf("event_type filter: total=%d err=%v, want 2", total, err)
	}
	entries, total, err := l.Query(ctx, store.AuditFilter{PID: 2})
	if err != nil || total != 1 || entries[0].PID != 2 {
		t.Errorf("pid filter: total=%d err=%v", total, err)
	}
}

func TestCloseDetaches(t *testing.T) {
	l, bus, _ := newTestLogger(t)
	ctx := context.Background()

	l.Close()
	bus.Emit(eventbus.ProcessSpawned, map[string]any{"pid": 1})

	_, total, err := l.Query(ctx, store.AuditFilter{})
	if err != nil || total != 0 {
		t.Errorf("after Close: total=%d err=%v, want 0", total, err)
	}
}

func TestRetentionPurge(t *testing.T) {
	l, _, st := newTestLogger(t)
	ctx := context.Background()

	old := &store.AuditEntry{
		ID: "old", TS: time.Now().UTC().Add(-48 * time.Hour),
		Action: "process.exit", EventType: "process", Outcome: "ok",
	}
	if err := st.AppendAudit(ctx, old); err != nil {
		t.Fatalf("AppendAudit: %v", err)
	}

	purgeCtx, cancel := context.WithCancel(ctx)
	cancel() // one immediate purge pass, then exit
	l.RunRetention(purgeCtx, 24*time.Hour, time.Hour)

	_, total, err := l.Query(ctx, store.AuditFilter{})
	if err != nil || total != 0 {
		t.Errorf("after retention: total=%d err=%v, want 0", total, err)
	}
}
