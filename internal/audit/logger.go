// Package audit persists decision-grade kernel events into the
// append-only audit log.
package audit

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/aether-os/aether/internal/eventbus"
	"github.com/aether-os/aether/internal/store"
)

// captured maps bus subjects worth auditing to their event type. Chatter
// subjects (agent thoughts, log entries) stay out of the audit log.
var captured = map[string]string{
	eventbus.ProcessSpawned:         "process",
	eventbus.ProcessStateChange:     "process",
	eventbus.ProcessExit:            "process",
	eventbus.ProcessQueued:          "process",
	eventbus.ProcessDequeued:        "process",
	eventbus.ProcessReaped:          "process",
	eventbus.ProcessPriorityChanged: "process",
	eventbus.CronFired:              "scheduler",
	eventbus.CronError:              "scheduler",
	eventbus.TriggerFired:           "scheduler",
	eventbus.TriggerError:           "scheduler",
	eventbus.UserCreated:            "auth",
	eventbus.UserDeleted:            "auth",
	eventbus.AuthSuccess:            "auth",
	eventbus.AuthFailure:            "auth",
	eventbus.AuthMFAEnabled:         "auth",
	eventbus.AuthMFADisabled:        "auth",
	eventbus.OrgCreated:             "org",
	eventbus.OrgDeleted:             "org",
	eventbus.OrgMemberInvited:       "org",
	eventbus.OrgMemberRemoved:       "org",
	eventbus.OrgMemberUpdated:       "org",
	eventbus.PermissionGranted:      "policy",
	eventbus.PermissionRevoked:      "policy",
	eventbus.PolicyDecision:         "policy",
}

// Logger subscribes to the bus and appends captured events to the store.
type Logger struct {
	store  store.Store
	logger *slog.Logger
	cancel eventbus.CancelFunc
}

// New creates an audit logger and subscribes it to the bus.
func New(st store.Store, bus *eventbus.Bus, logger *slog.Logger) *Logger {
	l := &Logger{store: st, logger: logger.With("component", "audit")}
	l.cancel = bus.SubscribeAll(l.onEvent)
	return l
}

// Close detaches the logger from the bus.
func (l *Logger) Close() {
	if l.cancel != nil {
		l.cancel()
	}
}

func (l *Logger) onEvent(subject string, payload any) {
	eventType, ok := captured[subject]
	if !ok {
		return
	}

	entry := &store.AuditEntry{
		ID:        uuid.New().String(),
		TS:        time.Now().UTC(),
		Action:    subject,
		EventType: eventType,
	}

	if m, ok := payload.(map[string]any); ok {
		entry.PID = intField(m, "pid")
		entry.UID = stringField(m, "uid", "user_id", "owner_uid")
		entry.Subject = stringField(m, "subject", "username")
		entry.Resource = stringField(m, "resource", "name")
		entry.Outcome = outcomeOf(subject, m)
		if detail, err := json.Marshal(m); err == nil {
			entry.Detail = detail
		}
	} else if payload != nil {
		if detail, err := json.Marshal(payload); err == nil {
			entry.Detail = detail
		}
	}

	if err := l.store.AppendAudit(context.Background(), entry); err != nil {
		l.logger.Error("append audit entry", "subject", subject, "error", err)
	}
}

func outcomeOf(subject string, m map[string]any) string {
	switch subject {
	case eventbus.AuthFailure, eventbus.CronError, eventbus.TriggerError:
		return "failure"
	case eventbus.PolicyDecision:
		if allowed, _ := m["allowed"].(bool); allowed {
			return "allow"
		}
		return "deny"
	}
	return "ok"
}

func intField(m map[string]any, key string) int {
	switch v := m[key].(type) {
	case int:
		return v
	case float64:
		return int(v)
	}
	return 0
}

func stringField(m map[string]any, keys ...string) string {
	for _, k := range keys {
		if s, ok := m[k].(string); ok && s != "" {
			return s
		}
	}
	return ""
}

// Query reads back audit entries with filters and pagination.
func (l *Logger) Query(ctx context.Context, f store.AuditFilter) ([]store.AuditEntry, int, error) {
	return l.store.QueryAudit(ctx, f)
}

// RunRetention purges entries older than retention every interval until
// ctx is cancelled. One purge runs immediately on start.
func (l *Logger) RunRetention(ctx context.Context, retention, interval time.Duration) {
	if retention <= 0 {
		return
	}
	if interval <= 0 {
		interval = time.Hour
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		n, err := l.store.PurgeOldAudit(ctx, time.Now().UTC().Add(-retention))
		if err != nil {
			l.logger.Error("audit retention purge", "error", err)
		} else if n > 0 {
			l.logger.Info("audit retention purge", "purged", n)
		}
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}
