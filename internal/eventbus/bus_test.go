package eventbus

import (
	"io"
	"log/slog"
	"testing"
)

func newTestBus() *Bus {
	return New(slog.New(slog.NewTextHandler(io.Discard, nil)))
}

func TestEmitDeliversInRegistrationOrder(t *testing.T) {
	bus := newTestBus()

	var order []string
	bus.Subscribe("a.b", func(subject string, payload any) { order = append(order, "first") })
	bus.Subscribe("a.b", func(subject string, payload any) { order = append(order, "second") })
	bus.SubscribeAll(func(subject string, payload any) { order = append(order, "all") })

	bus.Emit("a.b", nil)

	want := []string{"first", "second", "all"}
	if len(order) != len(want) {
		t.Fatalf("delivered %v, want %v", order, want)
	}
	for i := range want {
		if order[i] != want[i] {
			t.Fatalf("delivered %v, want %v", order, want)
		}
	}
}

func TestEmitExactSubjectOnly(t *testing.T) {
	bus := newTestBus()

	var got int
	bus.Subscribe("a.b", func(subject string, payload any) { got++ })

	bus.Emit("a.b.c", nil)
	bus.Emit("a", nil)
	if got != 0 {
		t.Errorf("handler fired %d times for non-matching subjects", got)
	}

	bus.Emit("a.b", nil)
	if got != 1 {
		t.Errorf("handler fired %d times, want 1", got)
	}
}

func TestPanicIsolation(t *testing.T) {
	bus := newTestBus()

	var survived bool
	bus.Subscribe("x", func(subject string, payload any) { panic("boom") })
	bus.Subscribe("x", func(subject string, payload any) { survived = true })

	bus.Emit("x", nil)
	if !survived {
		t.Error("handler after a panicking one did not run")
	}
}

func TestCancelDuringEmit(t *testing.T) {
	bus := newTestBus()

	var cancelSecond CancelFunc
	var secondRan bool
	bus.Subscribe("x", func(subject string, payload any) { cancelSecond() })
	cancelSecond = bus.Subscribe("x", func(subject string, payload any) { secondRan = true })

	bus.Emit("x", nil)
	if secondRan {
		t.Error("handler removed during delivery still ran")
	}

	// Cancel is idempotent.
	cancelSecond()
	bus.Emit("x", nil)
}

func TestSelfUnsubscribe(t *testing.T) {
	bus := newTestBus()

	var calls int
	var cancel CancelFunc
	cancel = bus.Subscribe("once", func(subject string, payload any) {
		calls++
		cancel()
	})

	bus.Emit("once", nil)
	bus.Emit("once", nil)
	if calls != 1 {
		t.Errorf("one-shot handler ran %d times", calls)
	}
}

func TestEmitDuringEmit(t *testing.T) {
	bus := newTestBus()

	var inner bool
	bus.Subscribe("inner", func(subject string, payload any) { inner = true })
	bus.Subscribe("outer", func(subject string, payload any) { bus.Emit("inner", nil) })

	bus.Emit("outer", nil)
	if !inner {
		t.Error("nested emit was not delivered")
	}
}

func TestMatchSubject(t *testing.T) {
	cases := []struct {
		filter, subject string
		want            bool
	}{
		{"process.exit", "process.exit", true},
		{"process.exit", "process.exits", false},
		{"process.*", "process.exit", true},
		{"process.*", "process.state.change", true},
		{"process.*", "process", false},
		{"process.*", "process.", false},
		{"process.*", "processes.exit", false},
		{"*", "anything", false}, // bare star is not a prefix filter
		{"a.*", "a.b", true},
	}
	for _, tc := range cases {
		if got := MatchSubject(tc.filter, tc.subject); got != tc.want {
			t.Errorf("MatchSubject(%q, %q) = %v, want %v", tc.filter, tc.subject, got, tc.want)
		}
	}
}
