// Package eventbus provides the in-process pub/sub bus that glues the
// kernel subsystems together.
package eventbus

import (
	"log/slog"
	"strings"
	"sync"
)

// Event subjects published on the bus.
const (
	ProcessSpawned         = "process.spawned"
	ProcessStateChange     = "process.stateChange"
	ProcessExit            = "process.exit"
	ProcessQueued          = "process.queued"
	ProcessDequeued        = "process.dequeued"
	ProcessReaped          = "process.reaped"
	ProcessPriorityChanged = "process.priorityChanged"
	ProcessMessage         = "process.message"

	AgentThought     = "agent.thought"
	AgentAction      = "agent.action"
	AgentObservation = "agent.observation"
	AgentPhaseChange = "agent.phaseChange"

	CronFired    = "cron.fired"
	CronError    = "cron.error"
	TriggerFired = "trigger.fired"
	TriggerError = "trigger.error"

	UserCreated      = "user.created"
	UserDeleted      = "user.deleted"
	AuthSuccess      = "auth.success"
	AuthFailure      = "auth.failure"
	AuthMFAEnabled   = "auth.mfa.enabled"
	AuthMFADisabled  = "auth.mfa.disabled"
	OrgCreated       = "org.created"
	OrgDeleted       = "org.deleted"
	OrgMemberInvited = "org.member.invited"
	OrgMemberRemoved = "org.member.removed"
	OrgMemberUpdated = "org.member.updated"

	PermissionGranted = "permission.granted"
	PermissionRevoked = "permission.revoked"
	PolicyDecision    = "policy.decision"

	PlanUpdated = "plan.updated"
	LogEntry    = "log.entry"
)

// Handler receives events. Handlers run synchronously on the emitter's
// goroutine; a panicking handler is isolated and must not stop delivery
// to the remaining handlers.
type Handler func(subject string, payload any)

// CancelFunc removes a subscription. Safe to call more than once, and safe
// to call from inside a handler.
type CancelFunc func()

type subscription struct {
	id      uint64
	subject string // "" means all subjects
	fn      Handler
}

// Bus is a synchronous pub/sub bus keyed by dotted subject strings. Handlers
// for a subject run in registration order before Emit returns. The bus itself
// matches exact subjects only; prefix wildcards are a consumer concern (see
// MatchSubject).
type Bus struct {
	mu     sync.Mutex
	nextID uint64
	subs   map[string][]*subscription // subject → ordered handlers
	all    []*subscription            // observe every subject
	logger *slog.Logger
}

// New creates a new event bus. The logger records handler panics.
func New(logger *slog.Logger) *Bus {
	return &Bus{
		subs:   make(map[string][]*subscription),
		logger: logger.With("component", "eventbus"),
	}
}

// Subscribe registers a handler for an exact subject and returns a cancel
// function.
func (b *Bus) Subscribe(subject string, fn Handler) CancelFunc {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.nextID++
	sub := &subscription{id: b.nextID, subject: subject, fn: fn}
	b.subs[subject] = append(b.subs[subject], sub)
	return b.cancelFunc(sub)
}

// SubscribeAll registers a handler that observes every subject. Consumers
// that need wildcard semantics (SSE fan-out, event triggers) filter on
// their own side with MatchSubject.
func (b *Bus) SubscribeAll(fn Handler) CancelFunc {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.nextID++
	sub := &subscription{id: b.nextID, fn: fn}
	b.all = append(b.all, sub)
	return b.cancelFunc(sub)
}

func (b *Bus) cancelFunc(sub *subscription) CancelFunc {
	return func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		if sub.subject == "" {
			b.all = removeSub(b.all, sub.id)
			return
		}
		list := removeSub(b.subs[sub.subject], sub.id)
		if len(list) == 0 {
			delete(b.subs, sub.subject)
		} else {
			b.subs[sub.subject] = list
		}
	}
}

func removeSub(list []*subscription, id uint64) []*subscription {
	for i, s := range list {
		if s.id == id {
			return append(list[:i:i], list[i+1:]...)
		}
	}
	return list
}

// Emit delivers payload to every handler registered for subject, in
// registration order, before returning. A handler that panics is logged
// and skipped; it does not prevent later handlers from running. Handlers
// may unsubscribe (themselves or others) during delivery; a removed
// handler is neither skipped retroactively nor invoked twice.
func (b *Bus) Emit(subject string, payload any) {
	b.mu.Lock()
	targets := make([]*subscription, 0, len(b.subs[subject])+len(b.all))
	targets = append(targets, b.subs[subject]...)
	targets = append(targets, b.all...)
	b.mu.Unlock()

	for _, sub := range targets {
		if !b.alive(sub) {
			continue
		}
		b.invoke(sub, subject, payload)
	}
}

func (b *Bus) alive(sub *subscription) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	var list []*subscription
	if sub.subject == "" {
		list = b.all
	} else {
		list = b.subs[sub.subject]
	}
	for _, s := range list {
		if s.id == sub.id {
			return true
		}
	}
	return false
}

func (b *Bus) invoke(sub *subscription, subject string, payload any) {
	defer func() {
		if r := recover(); r != nil {
			b.logger.Error("event handler panicked", "subject", subject, "panic", r)
		}
	}()
	sub.fn(subject, payload)
}

// MatchSubject reports whether subject matches filter. A filter ending in
// ".*" matches any subject that begins with the prefix and has at least one
// extra segment; any other filter matches exactly.
func MatchSubject(filter, subject string) bool {
	if prefix, ok := strings.CutSuffix(filter, ".*"); ok {
		return len(subject) > len(prefix)+1 && strings.HasPrefix(subject, prefix+".")
	}
	return filter == subject
}
