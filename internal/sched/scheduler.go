// Package sched runs the kernel scheduler: cron-expression timers and
// event-pattern triggers that spawn agent processes.
package sched

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"reflect"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/robfig/cron/v3"

	"github.com/aether-os/aether/internal/eventbus"
	"github.com/aether-os/aether/internal/kerrors"
	"github.com/aether-os/aether/internal/proc"
	"github.com/aether-os/aether/internal/store"
)

// Spawner is the process-table surface the scheduler needs.
type Spawner interface {
	Spawn(cfg proc.AgentConfig, ppid int, ownerUID string) (*proc.Process, error)
	HasActiveJob(ownerUID, jobID string) bool
}

// Scheduler evaluates cron jobs at each minute boundary and fires event
// triggers off the bus.
type Scheduler struct {
	store   store.Store
	bus     *eventbus.Bus
	spawner Spawner
	logger  *slog.Logger

	mu       sync.Mutex
	triggers []store.EventTrigger
	firing   atomic.Int32

	cancelBus eventbus.CancelFunc
	done      chan struct{}
}

// New creates a scheduler. Call Run to start the cron loop and trigger
// subscription.
func New(st store.Store, bus *eventbus.Bus, spawner Spawner, logger *slog.Logger) *Scheduler {
	return &Scheduler{
		store:   st,
		bus:     bus,
		spawner: spawner,
		logger:  logger.With("component", "scheduler"),
		done:    make(chan struct{}),
	}
}

// Run loads enabled entries, subscribes to the bus for triggers, and
// blocks evaluating cron jobs at each wall-clock minute boundary until
// ctx is cancelled. Missed minutes are not backfilled: when evaluation or
// downtime overruns a boundary, the loop resumes at the next one.
func (s *Scheduler) Run(ctx context.Context) error {
	if err := s.ReloadTriggers(ctx); err != nil {
		return fmt.Errorf("load triggers: %w", err)
	}
	s.cancelBus = s.bus.SubscribeAll(s.onEvent)
	defer s.cancelBus()
	defer close(s.done)

	for {
		now := time.Now()
		next := now.Truncate(time.Minute).Add(time.Minute)
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(next.Sub(now)):
			s.evaluateCron(ctx, next)
		}
	}
}

// ReloadTriggers refreshes the in-memory trigger cache from the store.
// The API layer calls this after trigger mutations.
func (s *Scheduler) ReloadTriggers(ctx context.Context) error {
	triggers, err := s.store.ListTriggers(ctx, true)
	if err != nil {
		return err
	}
	s.mu.Lock()
	s.triggers = triggers
	s.mu.Unlock()
	return nil
}

// evaluateCron fires every enabled job whose expression matches minute.
func (s *Scheduler) evaluateCron(ctx context.Context, minute time.Time) {
	minute = minute.Truncate(time.Minute)
	jobs, err := s.store.ListCronJobs(ctx, true)
	if err != nil {
		s.logger.Error("list cron jobs", "error", err)
		return
	}

	for _, job := range jobs {
		sched, err := cron.ParseStandard(job.CronExpr)
		if err != nil {
			s.logger.Error("invalid cron expression", "job_id", job.ID, "expr", job.CronExpr, "error", err)
			s.bus.Emit(eventbus.CronError, map[string]any{"job_id": job.ID, "error": err.Error()})
			continue
		}
		// Cron activations land on whole minutes, so the expression
		// matches this minute exactly when it is the next activation
		// after the previous one.
		if !sched.Next(minute.Add(-time.Minute)).Equal(minute) {
			continue
		}
		s.fireCron(ctx, job, sched, minute)
	}
}

func (s *Scheduler) fireCron(ctx context.Context, job store.CronJob, sched cron.Schedule, minute time.Time) {
	if s.spawner.HasActiveJob(job.OwnerUID, job.ID) {
		s.logger.Info("cron job skipped, instance still active", "job_id", job.ID, "name", job.Name)
		return
	}

	cfg, err := parseAgentConfig(job.AgentConfig)
	if err != nil {
		s.logger.Error("cron job agent config", "job_id", job.ID, "error", err)
		s.bus.Emit(eventbus.CronError, map[string]any{"job_id": job.ID, "error": err.Error()})
		return
	}
	cfg.JobID = job.ID

	p, err := s.spawner.Spawn(cfg, 0, job.OwnerUID)
	if err != nil && !errors.Is(err, proc.ErrQueued) {
		s.logger.Error("cron spawn failed", "job_id", job.ID, "error", err)
		s.bus.Emit(eventbus.CronError, map[string]any{"job_id": job.ID, "error": err.Error()})
		return
	}

	if err := s.store.MarkCronJobFired(ctx, job.ID, minute, sched.Next(minute)); err != nil {
		s.logger.Error("mark cron fired", "job_id", job.ID, "error", err)
	}
	payload := map[string]any{"job_id": job.ID, "name": job.Name, "owner_uid": job.OwnerUID}
	if p != nil {
		payload["pid"] = p.PID
	} else {
		payload["queued"] = true
	}
	s.bus.Emit(eventbus.CronFired, payload)
}

// onEvent runs on every bus emission and fires matching triggers.
func (s *Scheduler) onEvent(subject string, payload any) {
	// Trigger bookkeeping itself emits; never re-enter on our own subjects.
	switch subject {
	case eventbus.TriggerFired, eventbus.TriggerError, eventbus.CronFired, eventbus.CronError, eventbus.LogEntry:
		return
	}
	// A firing trigger's own spawn emits process events on the same
	// synchronous bus; evaluating those would amplify without bound.
	if s.firing.Load() > 0 {
		return
	}

	s.mu.Lock()
	triggers := s.triggers
	s.mu.Unlock()

	now := time.Now().UTC()
	for i := range triggers {
		tr := &triggers[i]
		if !eventbus.MatchSubject(tr.EventPattern, subject) {
			continue
		}
		if !matchesFilter(tr.Filter, payload) {
			continue
		}
		s.fireTrigger(tr, subject, now)
	}
}

func (s *Scheduler) fireTrigger(tr *store.EventTrigger, subject string, now time.Time) {
	// Check-and-set under the lock so two concurrent events cannot both
	// pass the cooldown against the same stale LastFiredAt.
	s.mu.Lock()
	if tr.CooldownMs > 0 && now.Sub(tr.LastFiredAt) < time.Duration(tr.CooldownMs)*time.Millisecond {
		s.mu.Unlock()
		return
	}
	tr.LastFiredAt = now
	s.mu.Unlock()

	ctx := context.Background()
	s.firing.Add(1)
	defer s.firing.Add(-1)

	cfg, err := parseAgentConfig(tr.AgentConfig)
	if err != nil {
		s.logger.Error("trigger agent config", "trigger_id", tr.ID, "error", err)
		s.bus.Emit(eventbus.TriggerError, map[string]any{"trigger_id": tr.ID, "error": err.Error()})
		return
	}
	cfg.JobID = tr.ID

	p, err := s.spawner.Spawn(cfg, 0, tr.OwnerUID)
	if err != nil && !errors.Is(err, proc.ErrQueued) {
		s.logger.Error("trigger spawn failed", "trigger_id", tr.ID, "error", err)
		s.bus.Emit(eventbus.TriggerError, map[string]any{"trigger_id": tr.ID, "error": err.Error()})
		return
	}

	if err := s.store.MarkTriggerFired(ctx, tr.ID, now); err != nil {
		s.logger.Error("mark trigger fired", "trigger_id", tr.ID, "error", err)
	}
	payload := map[string]any{"trigger_id": tr.ID, "name": tr.Name, "subject": subject}
	if p != nil {
		payload["pid"] = p.PID
	} else {
		payload["queued"] = true
	}
	s.bus.Emit(eventbus.TriggerFired, payload)
}

// CreateCronJob validates and persists a new cron job.
func (s *Scheduler) CreateCronJob(ctx context.Context, name, expr string, agentConfig json.RawMessage, ownerUID string) (*store.CronJob, error) {
	if name == "" {
		return nil, kerrors.E(kerrors.CodeInvalidInput, "name is required")
	}
	sched, err := cron.ParseStandard(expr)
	if err != nil {
		return nil, kerrors.E(kerrors.CodeInvalidInput, "invalid cron expression %q: %v", expr, err)
	}
	if _, err := parseAgentConfig(agentConfig); err != nil {
		return nil, kerrors.E(kerrors.CodeInvalidInput, "invalid agent config: %v", err)
	}

	now := time.Now().UTC()
	job := &store.CronJob{
		ID:          uuid.New().String(),
		Name:        name,
		CronExpr:    expr,
		AgentConfig: agentConfig,
		OwnerUID:    ownerUID,
		Enabled:     true,
		NextFireAt:  sched.Next(now),
		CreatedAt:   now,
	}
	if err := s.store.CreateCronJob(ctx, job); err != nil {
		return nil, fmt.Errorf("create cron job: %w", err)
	}
	return job, nil
}

// CreateTrigger validates and persists a new event trigger, then reloads
// the trigger cache.
func (s *Scheduler) CreateTrigger(ctx context.Context, name, pattern string, filter, agentConfig json.RawMessage, cooldownMs int64, ownerUID string) (*store.EventTrigger, error) {
	if name == "" || pattern == "" {
		return nil, kerrors.E(kerrors.CodeInvalidInput, "name and event pattern are required")
	}
	if cooldownMs < 0 {
		return nil, kerrors.E(kerrors.CodeInvalidInput, "cooldown must be non-negative")
	}
	if _, err := parseAgentConfig(agentConfig); err != nil {
		return nil, kerrors.E(kerrors.CodeInvalidInput, "invalid agent config: %v", err)
	}
	if len(filter) > 0 {
		var f map[string]any
		if err := json.Unmarshal(filter, &f); err != nil {
			return nil, kerrors.E(kerrors.CodeInvalidInput, "filter must be a JSON object: %v", err)
		}
	}

	tr := &store.EventTrigger{
		ID:           uuid.New().String(),
		Name:         name,
		EventPattern: pattern,
		Filter:       filter,
		AgentConfig:  agentConfig,
		OwnerUID:     ownerUID,
		Enabled:      true,
		CooldownMs:   cooldownMs,
		CreatedAt:    time.Now().UTC(),
	}
	if err := s.store.CreateTrigger(ctx, tr); err != nil {
		return nil, fmt.Errorf("create trigger: %w", err)
	}
	if err := s.ReloadTriggers(ctx); err != nil {
		return nil, err
	}
	return tr, nil
}

func parseAgentConfig(raw json.RawMessage) (proc.AgentConfig, error) {
	var cfg proc.AgentConfig
	if len(raw) == 0 {
		return cfg, fmt.Errorf("agent config is empty")
	}
	if err := json.Unmarshal(raw, &cfg); err != nil {
		return cfg, err
	}
	if cfg.Name == "" {
		return cfg, fmt.Errorf("agent config missing name")
	}
	return cfg, nil
}

// matchesFilter applies the trigger's leaf-equality filter to the event
// payload. Every leaf key in the filter must exist in the payload with an
// equal value; missing keys fail the match. An empty filter matches all.
func matchesFilter(filter json.RawMessage, payload any) bool {
	if len(filter) == 0 {
		return true
	}
	var f map[string]any
	if err := json.Unmarshal(filter, &f); err != nil {
		return false
	}
	return matchTree(f, payload)
}

func matchTree(filter map[string]any, payload any) bool {
	m, ok := toMap(payload)
	if !ok {
		return false
	}
	for k, want := range filter {
		got, ok := m[k]
		if !ok {
			return false
		}
		if sub, ok := want.(map[string]any); ok {
			if !matchTree(sub, got) {
				return false
			}
			continue
		}
		if !leafEqual(want, got) {
			return false
		}
	}
	return true
}

// toMap views a payload node as a string-keyed map, round-tripping
// structs through JSON when needed.
func toMap(v any) (map[string]any, bool) {
	if m, ok := v.(map[string]any); ok {
		return m, true
	}
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, false
	}
	var m map[string]any
	if err := json.Unmarshal(raw, &m); err != nil {
		return nil, false
	}
	return m, true
}

// leafEqual compares filter and payload leaves, treating all numeric
// types as float64 the way JSON does.
func leafEqual(want, got any) bool {
	if wf, ok := toFloat(want); ok {
		gf, ok := toFloat(got)
		return ok && wf == gf
	}
	return reflect.DeepEqual(want, got)
}

func toFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int32:
		return float64(n), true
	case int64:
		return float64(n), true
	case uint:
		return float64(n), true
	case json.Number:
		f, err := n.Float64()
		return f, err == nil
	}
	return 0, false
}
