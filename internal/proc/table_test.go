package proc

import (
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"

	"github.com/aether-os/aether/internal/eventbus"
	"github.com/aether-os/aether/internal/kerrors"
)

func newTestTable(t *testing.T, maxConcurrent, queueMax int) (*Table, *eventbus.Bus) {
	t.Helper()
	bus := eventbus.New(slog.New(slog.NewTextHandler(io.Discard, nil)))
	return NewTable(bus, maxConcurrent, queueMax), bus
}

func TestSpawnAssignsIncreasingPIDs(t *testing.T) {
	table, _ := newTestTable(t, 16, 16)

	last := 0
	for i := 0; i < 5; i++ {
		p, err := table.Spawn(AgentConfig{Name: "w"}, 0, "u1")
		if err != nil {
			t.Fatalf("Spawn: %v", err)
		}
		if p.PID <= last {
			t.Fatalf("PID %d not strictly increasing after %d", p.PID, last)
		}
		last = p.PID
		if p.State != StateCreated || p.Phase != "booting" {
			t.Errorf("new process state=%s phase=%s", p.State, p.Phase)
		}
		if want := "/home/" + p.UID; p.Cwd != want {
			t.Errorf("cwd = %q, want %q", p.Cwd, want)
		}
	}

	// PIDs are never reused, even after a full lifecycle.
	table.Signal(1, SIGKILL)
	if err := table.Reap(1); err != nil {
		t.Fatalf("Reap: %v", err)
	}
	p, _ := table.Spawn(AgentConfig{Name: "w"}, 0, "u1")
	if p.PID != 6 {
		t.Errorf("PID %d after reap, want 6 (no reuse)", p.PID)
	}
}

func TestSpawnDefaultsAndClamping(t *testing.T) {
	table, _ := newTestTable(t, 16, 16)

	p, _ := table.Spawn(AgentConfig{Name: "a"}, 0, "")
	if p.Priority != 3 {
		t.Errorf("default priority = %d, want 3", p.Priority)
	}
	if p.OwnerUID != "root" {
		t.Errorf("default owner = %q, want root", p.OwnerUID)
	}

	p, _ = table.Spawn(AgentConfig{Name: "b", Priority: 9}, 0, "u1")
	if p.Priority != 5 {
		t.Errorf("priority 9 clamped to %d, want 5", p.Priority)
	}
	p, _ = table.Spawn(AgentConfig{Name: "c", Priority: -2}, 0, "u1")
	if p.Priority != 1 {
		t.Errorf("priority -2 clamped to %d, want 1", p.Priority)
	}
}

func TestStateMachineRejectsIllegalTransitions(t *testing.T) {
	table, _ := newTestTable(t, 16, 16)
	p, _ := table.Spawn(AgentConfig{Name: "w"}, 0, "u1")

	// created → sleeping is not an edge.
	if err := table.SetState(p.PID, StateSleeping, ""); !kerrors.Is(err, kerrors.CodeInvalidState) {
		t.Fatalf("created→sleeping: err = %v, want INVALID_STATE", err)
	}
	if got := table.Get(p.PID).State; got != StateCreated {
		t.Fatalf("failed transition mutated state to %s", got)
	}

	// Walk a legal path.
	for _, step := range []struct {
		to    State
		phase string
	}{
		{StateRunning, "planning"},
		{StateSleeping, ""},
		{StateRunning, ""},
		{StatePaused, "human takeover"},
		{StateRunning, ""},
		{StateZombie, ""},
		{StateDead, ""},
	} {
		if err := table.SetState(p.PID, step.to, step.phase); err != nil {
			t.Fatalf("transition to %s: %v", step.to, err)
		}
	}

	// dead is terminal.
	if err := table.SetState(p.PID, StateRunning, ""); err == nil {
		t.Error("dead→running accepted")
	}
}

func TestSignalSemantics(t *testing.T) {
	table, bus := newTestTable(t, 16, 16)

	var exits []map[string]any
	bus.Subscribe(eventbus.ProcessExit, func(_ string, payload any) {
		exits = append(exits, payload.(map[string]any))
	})

	p, _ := table.Spawn(AgentConfig{Name: "w"}, 0, "u1")
	if err := table.SetState(p.PID, StateRunning, ""); err != nil {
		t.Fatalf("SetState: %v", err)
	}

	// SIGSTOP / SIGCONT are silent state flips.
	if !table.Signal(p.PID, SIGSTOP) {
		t.Fatal("SIGSTOP rejected on running process")
	}
	if table.Get(p.PID).State != StateStopped {
		t.Fatalf("state after SIGSTOP = %s", table.Get(p.PID).State)
	}
	if table.Signal(p.PID, SIGSTOP) {
		t.Error("SIGSTOP accepted on stopped process")
	}
	if !table.Signal(p.PID, SIGCONT) {
		t.Fatal("SIGCONT rejected on stopped process")
	}
	if len(exits) != 0 {
		t.Fatalf("stop/cont emitted %d exit events", len(exits))
	}

	// SIGTERM moves to zombie with exit code 143.
	if !table.Signal(p.PID, SIGTERM) {
		t.Fatal("SIGTERM rejected")
	}
	if table.Get(p.PID).State != StateZombie {
		t.Fatalf("state after SIGTERM = %s", table.Get(p.PID).State)
	}
	if len(exits) != 1 || exits[0]["code"] != 143 || exits[0]["signal"] != SIGTERM {
		t.Fatalf("exit event = %+v", exits)
	}

	// Signals on zombies and unknown PIDs return false.
	if table.Signal(p.PID, SIGTERM) {
		t.Error("SIGTERM accepted on zombie")
	}
	if table.Signal(999, SIGKILL) {
		t.Error("signal accepted for unknown PID")
	}

	// SIGKILL carries 137.
	q, _ := table.Spawn(AgentConfig{Name: "x"}, 0, "u1")
	table.Signal(q.PID, SIGKILL)
	if len(exits) != 2 || exits[1]["code"] != 137 {
		t.Fatalf("SIGKILL exit event = %+v", exits)
	}
}

func TestPriorityAdmissionQueue(t *testing.T) {
	table, _ := newTestTable(t, 1, 16)

	p1, err := table.Spawn(AgentConfig{Name: "p1", Priority: 3}, 0, "u1")
	if err != nil {
		t.Fatalf("Spawn p1: %v", err)
	}

	// Slot taken: both spawns queue.
	if _, err := table.Spawn(AgentConfig{Name: "q", Priority: 5}, 0, "u1"); !errors.Is(err, ErrQueued) {
		t.Fatalf("spawn q: err = %v, want ErrQueued", err)
	}
	if _, err := table.Spawn(AgentConfig{Name: "r", Priority: 1}, 0, "u1"); !errors.Is(err, ErrQueued) {
		t.Fatalf("spawn r: err = %v, want ErrQueued", err)
	}
	if table.QueueDepth() != 2 {
		t.Fatalf("queue depth = %d, want 2", table.QueueDepth())
	}

	// Reaping the running slot admits the lowest priority value first.
	table.Signal(p1.PID, SIGKILL)
	if err := table.Reap(p1.PID); err != nil {
		t.Fatalf("Reap: %v", err)
	}
	admitted := table.Get(2)
	if admitted == nil || admitted.Config.Name != "r" {
		t.Fatalf("admitted = %+v, want r (priority 1)", admitted)
	}
	if table.QueueDepth() != 1 {
		t.Errorf("queue depth = %d after admit, want 1", table.QueueDepth())
	}
}

func TestAdmissionQueueFIFOOnTies(t *testing.T) {
	table, _ := newTestTable(t, 1, 16)

	p, _ := table.Spawn(AgentConfig{Name: "busy"}, 0, "u1")
	for _, name := range []string{"a", "b", "c"} {
		if _, err := table.Spawn(AgentConfig{Name: name, Priority: 2}, 0, "u1"); !errors.Is(err, ErrQueued) {
			t.Fatalf("spawn %s: %v", name, err)
		}
	}

	table.Signal(p.PID, SIGKILL)
	if err := table.Reap(p.PID); err != nil {
		t.Fatalf("Reap: %v", err)
	}
	admitted := table.Get(2)
	if admitted == nil || admitted.Config.Name != "a" {
		t.Fatalf("admitted %+v, want first-enqueued a", admitted)
	}
}

func TestReapSkipsAdmissionWhenSlotAlreadyTaken(t *testing.T) {
	table, _ := newTestTable(t, 1, 16)

	p1, _ := table.Spawn(AgentConfig{Name: "p1"}, 0, "u1")
	if _, err := table.Spawn(AgentConfig{Name: "queued"}, 0, "u1"); !errors.Is(err, ErrQueued) {
		t.Fatalf("spawn queued: err = %v, want ErrQueued", err)
	}

	// The zombie transition frees the runnable slot, and a direct spawn
	// grabs it before the reap.
	table.Signal(p1.PID, SIGKILL)
	direct, err := table.Spawn(AgentConfig{Name: "direct"}, 0, "u1")
	if err != nil {
		t.Fatalf("spawn direct: %v", err)
	}
	if err := table.Reap(p1.PID); err != nil {
		t.Fatalf("Reap: %v", err)
	}

	// Reap must not admit past the concurrency limit.
	if table.QueueDepth() != 1 {
		t.Fatalf("queue depth = %d after reap, want 1", table.QueueDepth())
	}
	runnable := 0
	for _, p := range table.GetActiveByOwner("u1", true) {
		switch p.State {
		case StateCreated, StateRunning, StateSleeping:
			runnable++
		}
	}
	if runnable != 1 {
		t.Fatalf("runnable = %d after reap, want 1", runnable)
	}

	// With the slot free again the queued request is admitted.
	table.Signal(direct.PID, SIGKILL)
	if err := table.Reap(direct.PID); err != nil {
		t.Fatalf("Reap direct: %v", err)
	}
	if table.QueueDepth() != 0 {
		t.Errorf("queue depth = %d after second reap, want 0", table.QueueDepth())
	}
}

func TestHardCapIsFatal(t *testing.T) {
	table, _ := newTestTable(t, MaxProcesses+10, 16)

	for i := 0; i < MaxProcesses; i++ {
		if _, err := table.Spawn(AgentConfig{Name: "w"}, 0, "u1"); err != nil {
			t.Fatalf("spawn %d: %v", i, err)
		}
	}
	_, err := table.Spawn(AgentConfig{Name: "overflow"}, 0, "u1")
	if !kerrors.Is(err, kerrors.CodeFatal) {
		t.Fatalf("spawn past hard cap: err = %v, want FATAL", err)
	}

	// Reaping frees a slot against the hard cap.
	table.Signal(1, SIGKILL)
	if err := table.Reap(1); err != nil {
		t.Fatalf("Reap: %v", err)
	}
	if _, err := table.Spawn(AgentConfig{Name: "again"}, 0, "u1"); err != nil {
		t.Errorf("spawn after reap: %v", err)
	}
}

func TestMailboxDrainOnce(t *testing.T) {
	table, _ := newTestTable(t, 16, 16)

	a, _ := table.Spawn(AgentConfig{Name: "a"}, 0, "u1")
	b, _ := table.Spawn(AgentConfig{Name: "b"}, 0, "u1")

	var ids []string
	for i := 0; i < 3; i++ {
		m, err := table.SendMessage(a.PID, b.PID, "chat", map[string]any{"n": i})
		if err != nil {
			t.Fatalf("SendMessage: %v", err)
		}
		ids = append(ids, m.ID)
	}
	if ids[0] != "msg_1" || ids[2] != "msg_3" {
		t.Errorf("message ids = %v", ids)
	}

	msgs, err := table.DrainMessages(b.PID)
	if err != nil {
		t.Fatalf("DrainMessages: %v", err)
	}
	if len(msgs) != 3 {
		t.Fatalf("drained %d messages, want 3", len(msgs))
	}
	for i, m := range msgs {
		if !m.Delivered {
			t.Errorf("message %d not marked delivered", i)
		}
		if m.ID != ids[i] {
			t.Errorf("drain order: got %s at %d, want %s", m.ID, i, ids[i])
		}
		if i > 0 && !m.SentAt.After(msgs[i-1].SentAt) {
			t.Errorf("timestamps not monotonic at %d", i)
		}
	}

	// A second drain returns nothing: messages appear exactly once.
	again, _ := table.DrainMessages(b.PID)
	if len(again) != 0 {
		t.Errorf("second drain returned %d messages", len(again))
	}

	// Dead endpoints refuse messages.
	table.Signal(b.PID, SIGKILL)
	table.Reap(b.PID)
	if _, err := table.SendMessage(a.PID, b.PID, "chat", nil); !kerrors.Is(err, kerrors.CodeInvalidState) {
		t.Errorf("send to dead: err = %v, want INVALID_STATE", err)
	}
}

func TestReapRequiresZombie(t *testing.T) {
	table, _ := newTestTable(t, 16, 16)
	p, _ := table.Spawn(AgentConfig{Name: "w"}, 0, "u1")

	if err := table.Reap(p.PID); !kerrors.Is(err, kerrors.CodeInvalidState) {
		t.Fatalf("reap of created process: err = %v, want INVALID_STATE", err)
	}
	table.Signal(p.PID, SIGTERM)
	if err := table.Reap(p.PID); err != nil {
		t.Fatalf("reap of zombie: %v", err)
	}
	if err := table.Reap(p.PID); err == nil {
		t.Error("double reap accepted")
	}
}

func TestOwnershipHelpers(t *testing.T) {
	table, _ := newTestTable(t, 16, 16)

	mine, _ := table.Spawn(AgentConfig{Name: "mine"}, 0, "u1")
	theirs, _ := table.Spawn(AgentConfig{Name: "theirs"}, 0, "u2")

	if !table.IsOwner(mine.PID, "u1", false) {
		t.Error("owner rejected")
	}
	if table.IsOwner(theirs.PID, "u1", false) {
		t.Error("non-owner accepted")
	}
	if !table.IsOwner(theirs.PID, "u1", true) {
		t.Error("admin bypass failed")
	}

	active := table.GetActiveByOwner("u1", false)
	if len(active) != 1 || active[0].PID != mine.PID {
		t.Errorf("GetActiveByOwner = %+v", active)
	}
	all := table.GetActiveByOwner("u1", true)
	if len(all) != 2 {
		t.Errorf("admin sees %d processes, want 2", len(all))
	}

	counts := table.Counts()
	if counts[StateCreated] != 2 {
		t.Errorf("counts = %v", counts)
	}
}

func TestHasActiveJob(t *testing.T) {
	table, _ := newTestTable(t, 16, 16)

	p, _ := table.Spawn(AgentConfig{Name: "nightly", JobID: "job1"}, 0, "u1")
	if !table.HasActiveJob("u1", "job1") {
		t.Error("active job not found")
	}
	if table.HasActiveJob("u2", "job1") {
		t.Error("job matched across owners")
	}
	if table.HasActiveJob("u1", "") {
		t.Error("empty job id matched")
	}

	table.Signal(p.PID, SIGKILL)
	if table.HasActiveJob("u1", "job1") {
		t.Error("zombie counted as active job")
	}
}

func TestConcurrentSpawnsKeepPIDsUnique(t *testing.T) {
	table, _ := newTestTable(t, MaxProcesses, MaxProcesses)

	var mu sync.Mutex
	seen := make(map[int]bool)
	var wg sync.WaitGroup
	for i := 0; i < 32; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			p, err := table.Spawn(AgentConfig{Name: "w"}, 0, "u1")
			if err != nil {
				t.Errorf("Spawn: %v", err)
				return
			}
			mu.Lock()
			if seen[p.PID] {
				t.Errorf("duplicate PID %d", p.PID)
			}
			seen[p.PID] = true
			mu.Unlock()
		}()
	}
	wg.Wait()
}
