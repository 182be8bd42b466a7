// Package proc implements the agent process table: PID allocation, the
// lifecycle state machine, signals, mailboxes, and the admission queue.
package proc

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/aether-os/aether/internal/eventbus"
	"github.com/aether-os/aether/internal/kerrors"
)

// MaxProcesses caps non-dead processes in the table. Exceeding it is a
// fatal error to the spawn call, not a queueing condition.
const MaxProcesses = 64

// ErrQueued is returned by Spawn when the request was accepted into the
// admission queue instead of starting immediately.
var ErrQueued = errors.New("spawn request queued")

// State is a process lifecycle state.
type State string

const (
	StateCreated  State = "created"
	StateRunning  State = "running"
	StateSleeping State = "sleeping"
	StateStopped  State = "stopped"
	StatePaused   State = "paused"
	StateZombie   State = "zombie"
	StateDead     State = "dead"
)

// Signal names understood by the table.
const (
	SIGTERM = "SIGTERM"
	SIGKILL = "SIGKILL"
	SIGSTOP = "SIGSTOP"
	SIGCONT = "SIGCONT"
)

// transitions is the allowed state machine, keyed by from-state. The
// any-non-dead → zombie edge is handled separately in Signal and Exit.
var transitions = map[State][]State{
	StateCreated:  {StateRunning},
	StateRunning:  {StateSleeping, StateStopped, StatePaused},
	StateSleeping: {StateRunning},
	StateStopped:  {StateRunning},
	StatePaused:   {StateRunning},
}

func canTransition(from, to State) bool {
	if to == StateZombie {
		return from != StateDead && from != StateZombie
	}
	if from == StateZombie {
		return to == StateDead
	}
	for _, t := range transitions[from] {
		if t == to {
			return true
		}
	}
	return false
}

// AgentConfig describes the agent a process runs.
type AgentConfig struct {
	Name     string            `json:"name"`
	Role     string            `json:"role,omitempty"`
	Goal     string            `json:"goal,omitempty"`
	Priority int               `json:"priority,omitempty"` // 1..5, 1 is most urgent, default 3
	Env      map[string]string `json:"env,omitempty"`
	JobID    string            `json:"job_id,omitempty"` // set for scheduler-driven spawns
}

// Message is one mailbox entry.
type Message struct {
	ID        string    `json:"id"`
	FromPID   int       `json:"from_pid"`
	ToPID     int       `json:"to_pid"`
	Channel   string    `json:"channel"`
	Payload   any       `json:"payload"`
	SentAt    time.Time `json:"sent_at"`
	Delivered bool      `json:"delivered"`
}

// Process is one row of the process table.
type Process struct {
	PID        int               `json:"pid"`
	PPID       int               `json:"ppid"`
	UID        string            `json:"uid"`
	OwnerUID   string            `json:"owner_uid"`
	State      State             `json:"state"`
	Phase      string            `json:"phase"`
	Priority   int               `json:"priority"`
	Cwd        string            `json:"cwd"`
	Env        map[string]string `json:"env,omitempty"`
	Config     AgentConfig       `json:"config"`
	ExitCode   int               `json:"exit_code,omitempty"`
	ExitSignal string            `json:"exit_signal,omitempty"`
	SpawnedAt  time.Time         `json:"spawned_at"`
	ExitedAt   time.Time         `json:"exited_at,omitempty"`

	mailbox    []Message
	nextMsgID  int
	lastMsgAt  time.Time
}

func (p *Process) alive() bool {
	return p.State != StateDead && p.State != StateZombie
}

// spawnRequest is one admission queue entry.
type spawnRequest struct {
	Config   AgentConfig
	PPID     int
	OwnerUID string
	seq      uint64
}

// Table is the in-memory process table. All methods are safe for
// concurrent use; bus emits happen while the table lock is released.
type Table struct {
	mu            sync.Mutex
	bus           *eventbus.Bus
	procs         map[int]*Process
	nextPID       int
	queue         []spawnRequest
	nextSeq       uint64
	maxConcurrent int
	queueMax      int
}

// NewTable creates a process table. maxConcurrent bounds runnable
// processes before admission queueing; queueMax bounds the queue itself.
func NewTable(bus *eventbus.Bus, maxConcurrent, queueMax int) *Table {
	return &Table{
		bus:           bus,
		procs:         make(map[int]*Process),
		nextPID:       1,
		maxConcurrent: maxConcurrent,
		queueMax:      queueMax,
	}
}

// Spawn allocates a PID and creates a process in state created. When the
// concurrency limit is reached the request is queued instead and Spawn
// returns ErrQueued. Exceeding MaxProcesses non-dead processes fails the
// call outright.
func (t *Table) Spawn(cfg AgentConfig, ppid int, ownerUID string) (*Process, error) {
	if ownerUID == "" {
		ownerUID = "root"
	}

	t.mu.Lock()
	nonDead, runnable := 0, 0
	for _, p := range t.procs {
		if p.State != StateDead {
			nonDead++
		}
		switch p.State {
		case StateCreated, StateRunning, StateSleeping:
			runnable++
		}
	}
	if nonDead >= MaxProcesses {
		t.mu.Unlock()
		return nil, kerrors.E(kerrors.CodeFatal, "process table full (%d non-dead processes)", nonDead)
	}
	if runnable >= t.maxConcurrent {
		if len(t.queue) >= t.queueMax {
			t.mu.Unlock()
			return nil, kerrors.E(kerrors.CodeRateLimit, "admission queue full")
		}
		t.nextSeq++
		req := spawnRequest{Config: cfg, PPID: ppid, OwnerUID: ownerUID, seq: t.nextSeq}
		t.enqueueLocked(req)
		depth := len(t.queue)
		t.mu.Unlock()
		t.bus.Emit(eventbus.ProcessQueued, map[string]any{
			"name": cfg.Name, "owner_uid": ownerUID, "priority": clampPriority(cfg.Priority), "queue_depth": depth,
		})
		return nil, ErrQueued
	}

	p := t.spawnLocked(cfg, ppid, ownerUID)
	t.mu.Unlock()

	t.bus.Emit(eventbus.ProcessSpawned, p.snapshot())
	return p, nil
}

func (t *Table) spawnLocked(cfg AgentConfig, ppid int, ownerUID string) *Process {
	pid := t.nextPID
	t.nextPID++

	uid := fmt.Sprintf("agent_%d", pid)
	env := map[string]string{
		"AGENT_NAME": cfg.Name,
		"AGENT_ROLE": cfg.Role,
		"AGENT_GOAL": cfg.Goal,
	}
	for k, v := range cfg.Env {
		env[k] = v
	}

	p := &Process{
		PID:       pid,
		PPID:      ppid,
		UID:       uid,
		OwnerUID:  ownerUID,
		State:     StateCreated,
		Phase:     "booting",
		Priority:  clampPriority(cfg.Priority),
		Cwd:       "/home/" + uid,
		Env:       env,
		Config:    cfg,
		SpawnedAt: time.Now().UTC(),
	}
	t.procs[pid] = p
	return p
}

func clampPriority(p int) int {
	if p == 0 {
		return 3
	}
	if p < 1 {
		return 1
	}
	if p > 5 {
		return 5
	}
	return p
}

// Get returns the process with the given PID, or nil.
func (t *Table) Get(pid int) *Process {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.procs[pid]
}

// List returns all processes ordered by PID.
func (t *Table) List() []*Process {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]*Process, 0, len(t.procs))
	for pid := 1; pid < t.nextPID; pid++ {
		if p, ok := t.procs[pid]; ok {
			out = append(out, p)
		}
	}
	return out
}

// SetState applies one edge of the lifecycle state machine. Phase is
// updated when non-empty. Illegal transitions fail without mutating.
func (t *Table) SetState(pid int, state State, phase string) error {
	t.mu.Lock()
	p, ok := t.procs[pid]
	if !ok {
		t.mu.Unlock()
		return kerrors.E(kerrors.CodeNotFound, "no process %d", pid)
	}
	prev := p.State
	if !canTransition(prev, state) {
		t.mu.Unlock()
		return kerrors.E(kerrors.CodeInvalidState, "cannot transition %d from %s to %s", pid, prev, state)
	}
	p.State = state
	if phase != "" {
		p.Phase = phase
	}
	cur := p.Phase
	t.mu.Unlock()

	t.bus.Emit(eventbus.ProcessStateChange, map[string]any{
		"pid": pid, "from": string(prev), "to": string(state), "phase": cur,
	})
	return nil
}

// Signal delivers a POSIX-style signal. It returns false for dead or
// unknown PIDs and for signals that do not apply in the current state.
func (t *Table) Signal(pid int, sig string) bool {
	t.mu.Lock()
	p, ok := t.procs[pid]
	if !ok || p.State == StateDead {
		t.mu.Unlock()
		return false
	}

	switch sig {
	case SIGTERM, SIGKILL:
		if p.State == StateZombie {
			t.mu.Unlock()
			return false
		}
		prev := p.State
		code := 143
		if sig == SIGKILL {
			code = 137
		}
		p.State = StateZombie
		p.ExitCode = code
		p.ExitSignal = sig
		p.ExitedAt = time.Now().UTC()
		phase := p.Phase
		t.mu.Unlock()
		t.bus.Emit(eventbus.ProcessStateChange, map[string]any{
			"pid": pid, "from": string(prev), "to": string(StateZombie), "phase": phase,
		})
		t.bus.Emit(eventbus.ProcessExit, map[string]any{
			"pid": pid, "code": code, "signal": sig,
		})
		return true

	case SIGSTOP:
		if p.State != StateRunning {
			t.mu.Unlock()
			return false
		}
		p.State = StateStopped
		phase := p.Phase
		t.mu.Unlock()
		t.bus.Emit(eventbus.ProcessStateChange, map[string]any{
			"pid": pid, "from": string(StateRunning), "to": string(StateStopped), "phase": phase,
		})
		return true

	case SIGCONT:
		if p.State != StateStopped {
			t.mu.Unlock()
			return false
		}
		p.State = StateRunning
		phase := p.Phase
		t.mu.Unlock()
		t.bus.Emit(eventbus.ProcessStateChange, map[string]any{
			"pid": pid, "from": string(StateStopped), "to": string(StateRunning), "phase": phase,
		})
		return true
	}

	t.mu.Unlock()
	return false
}

// Exit records a normal (non-signal) exit, moving the process to zombie.
func (t *Table) Exit(pid, code int) bool {
	t.mu.Lock()
	p, ok := t.procs[pid]
	if !ok || !p.alive() {
		t.mu.Unlock()
		return false
	}
	prev := p.State
	p.State = StateZombie
	p.ExitCode = code
	p.ExitedAt = time.Now().UTC()
	phase := p.Phase
	t.mu.Unlock()

	t.bus.Emit(eventbus.ProcessStateChange, map[string]any{
		"pid": pid, "from": string(prev), "to": string(StateZombie), "phase": phase,
	})
	t.bus.Emit(eventbus.ProcessExit, map[string]any{"pid": pid, "code": code, "signal": ""})
	return true
}

// SetPriority updates a process priority. It rejects values outside 1..5
// and returns false for dead processes.
func (t *Table) SetPriority(pid, priority int) (bool, error) {
	if priority < 1 || priority > 5 {
		return false, kerrors.E(kerrors.CodeInvalidInput, "priority must be 1..5")
	}
	t.mu.Lock()
	p, ok := t.procs[pid]
	if !ok || p.State == StateDead {
		t.mu.Unlock()
		return false, nil
	}
	prev := p.Priority
	p.Priority = priority
	t.mu.Unlock()

	t.bus.Emit(eventbus.ProcessPriorityChanged, map[string]any{
		"pid": pid, "from": prev, "to": priority,
	})
	return true, nil
}

// Reap moves a zombie to dead, clears its mailbox, emits process.reaped
// with a final snapshot, and admits the best queued spawn request if any.
func (t *Table) Reap(pid int) error {
	t.mu.Lock()
	p, ok := t.procs[pid]
	if !ok {
		t.mu.Unlock()
		return kerrors.E(kerrors.CodeNotFound, "no process %d", pid)
	}
	if p.State != StateZombie {
		t.mu.Unlock()
		return kerrors.E(kerrors.CodeInvalidState, "process %d is %s, not zombie", pid, p.State)
	}
	p.State = StateDead
	p.mailbox = nil
	snap := p.snapshot()

	// The runnable slot freed at the zombie transition, so a direct spawn
	// may already have taken it. Admit queued requests only while capacity
	// actually remains.
	runnable := 0
	for _, q := range t.procs {
		switch q.State {
		case StateCreated, StateRunning, StateSleeping:
			runnable++
		}
	}
	var admitted []*Process
	for len(t.queue) > 0 && runnable < t.maxConcurrent {
		req := t.queue[0]
		t.queue = t.queue[1:]
		admitted = append(admitted, t.spawnLocked(req.Config, req.PPID, req.OwnerUID))
		runnable++
	}
	t.mu.Unlock()

	t.bus.Emit(eventbus.ProcessReaped, snap)
	for _, a := range admitted {
		t.bus.Emit(eventbus.ProcessDequeued, map[string]any{
			"pid": a.PID, "name": a.Config.Name, "owner_uid": a.OwnerUID,
		})
		t.bus.Emit(eventbus.ProcessSpawned, a.snapshot())
	}
	return nil
}

// SendMessage appends a message to the receiver's mailbox. Both endpoints
// must exist and be non-dead.
func (t *Table) SendMessage(fromPID, toPID int, channel string, payload any) (*Message, error) {
	t.mu.Lock()
	from, okF := t.procs[fromPID]
	to, okT := t.procs[toPID]
	if !okF || from.State == StateDead {
		t.mu.Unlock()
		return nil, kerrors.E(kerrors.CodeInvalidState, "sender %d not alive", fromPID)
	}
	if !okT || to.State == StateDead {
		t.mu.Unlock()
		return nil, kerrors.E(kerrors.CodeInvalidState, "receiver %d not alive", toPID)
	}

	to.nextMsgID++
	ts := time.Now().UTC()
	if !ts.After(to.lastMsgAt) {
		ts = to.lastMsgAt.Add(time.Nanosecond)
	}
	to.lastMsgAt = ts

	msg := Message{
		ID:      fmt.Sprintf("msg_%d", to.nextMsgID),
		FromPID: fromPID,
		ToPID:   toPID,
		Channel: channel,
		Payload: payload,
		SentAt:  ts,
	}
	to.mailbox = append(to.mailbox, msg)
	t.mu.Unlock()

	t.bus.Emit(eventbus.ProcessMessage, map[string]any{
		"id": msg.ID, "from_pid": fromPID, "to_pid": toPID, "channel": channel,
	})
	return &msg, nil
}

// DrainMessages atomically swaps the mailbox for an empty one and returns
// the messages in enqueue order, each marked delivered.
func (t *Table) DrainMessages(pid int) ([]Message, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	p, ok := t.procs[pid]
	if !ok {
		return nil, kerrors.E(kerrors.CodeNotFound, "no process %d", pid)
	}
	msgs := p.mailbox
	p.mailbox = nil
	for i := range msgs {
		msgs[i].Delivered = true
	}
	return msgs, nil
}

// IsOwner reports whether userID may operate on the process. Ownerless
// processes are open to everyone; admins bypass.
func (t *Table) IsOwner(pid int, userID string, admin bool) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	p, ok := t.procs[pid]
	if !ok {
		return false
	}
	return p.OwnerUID == "" || p.OwnerUID == userID || admin
}

// GetActiveByOwner returns the non-zombie, non-dead processes visible to
// userID, which is all of them for admins.
func (t *Table) GetActiveByOwner(userID string, admin bool) []*Process {
	t.mu.Lock()
	defer t.mu.Unlock()
	var out []*Process
	for pid := 1; pid < t.nextPID; pid++ {
		p, ok := t.procs[pid]
		if !ok || !p.alive() {
			continue
		}
		if admin || p.OwnerUID == "" || p.OwnerUID == userID {
			out = append(out, p)
		}
	}
	return out
}

// GetByPriority returns all processes with the given priority, by PID.
func (t *Table) GetByPriority(priority int) []*Process {
	t.mu.Lock()
	defer t.mu.Unlock()
	var out []*Process
	for pid := 1; pid < t.nextPID; pid++ {
		if p, ok := t.procs[pid]; ok && p.Priority == priority {
			out = append(out, p)
		}
	}
	return out
}

// Counts returns the number of processes per state.
func (t *Table) Counts() map[State]int {
	t.mu.Lock()
	defer t.mu.Unlock()
	counts := make(map[State]int)
	for _, p := range t.procs {
		counts[p.State]++
	}
	return counts
}

// HasActiveJob reports whether the owner already has a live process
// spawned for the given scheduler job id.
func (t *Table) HasActiveJob(ownerUID, jobID string) bool {
	if jobID == "" {
		return false
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	for _, p := range t.procs {
		if p.alive() && p.OwnerUID == ownerUID && p.Config.JobID == jobID {
			return true
		}
	}
	return false
}

// QueueDepth returns the number of pending admission requests.
func (t *Table) QueueDepth() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.queue)
}

// snapshot returns the bus/archive view of a process. Callers hold the
// table lock or own the only reference.
func (p *Process) snapshot() map[string]any {
	return map[string]any{
		"pid":        p.PID,
		"ppid":       p.PPID,
		"uid":        p.UID,
		"owner_uid":  p.OwnerUID,
		"name":       p.Config.Name,
		"state":      string(p.State),
		"phase":      p.Phase,
		"priority":   p.Priority,
		"cwd":        p.Cwd,
		"config":     p.Config,
		"spawned_at": p.SpawnedAt,
		"exited_at":  p.ExitedAt,
	}
}

// enqueueLocked inserts a request keeping the queue sorted by ascending
// priority with FIFO order inside each priority class.
func (t *Table) enqueueLocked(req spawnRequest) {
	prio := clampPriority(req.Config.Priority)
	i := len(t.queue)
	for j, q := range t.queue {
		if clampPriority(q.Config.Priority) > prio {
			i = j
			break
		}
	}
	t.queue = append(t.queue, spawnRequest{})
	copy(t.queue[i+1:], t.queue[i:])
	t.queue[i] = req
}
