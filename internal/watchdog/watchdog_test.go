package watchdog

import "testing"

type fakeGuard struct{ depth int }

func (g *fakeGuard) Critical() func() {
	g.depth++
	return func() { g.depth-- }
}

type recordingResetter struct{ calls int }

func (r *recordingResetter) ResetSystem() { r.calls++ }

func TestKicksHoldCountdownAtResetValue(t *testing.T) {
	g := &fakeGuard{}
	w := New(g, &recordingResetter{}, WithResetValue(10))
	for i := 0; i < 5; i++ {
		w.Tick()
		w.Kick()
	}
	for i := 0; i < 7; i++ {
		w.Kick()
	}
	if w.Remaining() != 10 {
		t.Fatalf("remaining = %d, want 10", w.Remaining())
	}
	if acc, ref := w.Kicks(); acc != 12 || ref != 0 {
		t.Fatalf("kicks = %d/%d", acc, ref)
	}
	if g.depth != 0 {
		t.Fatalf("critical section left open: depth %d", g.depth)
	}
}

func TestFiresExactlyOnce(t *testing.T) {
	r := &recordingResetter{}
	w := New(&fakeGuard{}, r, WithResetValue(4))
	for i := 0; i < 3; i++ {
		w.Tick()
	}
	if r.calls != 0 || w.Fired() {
		t.Fatalf("fired early")
	}
	w.Tick()
	if r.calls != 1 || !w.Fired() || w.Remaining() != 0 {
		t.Fatalf("calls=%d fired=%v remaining=%d", r.calls, w.Fired(), w.Remaining())
	}
	for i := 0; i < 100; i++ {
		w.Tick()
	}
	if r.calls != 1 {
		t.Fatalf("fired %d times", r.calls)
	}
}

func TestKickOnLastTickPreventsReset(t *testing.T) {
	r := &recordingResetter{}
	w := New(&fakeGuard{}, r, WithResetValue(3))
	w.Tick()
	w.Tick()
	if w.Remaining() != 1 {
		t.Fatalf("remaining = %d", w.Remaining())
	}
	w.Kick()
	w.Tick()
	if r.calls != 0 || w.Remaining() != 2 {
		t.Fatalf("calls=%d remaining=%d", r.calls, w.Remaining())
	}
}

func TestBlockKicking(t *testing.T) {
	r := &recordingResetter{}
	w := New(&fakeGuard{}, r, WithResetValue(2))
	w.BlockKicking()
	w.Tick()
	w.Kick()
	if w.Remaining() != 1 {
		t.Fatalf("blocked kick reloaded the countdown")
	}
	if _, ref := w.Kicks(); ref != 1 {
		t.Fatalf("refusals = %d", ref)
	}
	w.Tick()
	if r.calls != 1 {
		t.Fatalf("starved watchdog did not fire")
	}

	w2 := New(&fakeGuard{}, r, WithResetValue(2))
	w2.BlockKicking()
	w2.AllowKicking()
	w2.Tick()
	w2.Kick()
	if w2.Remaining() != 2 {
		t.Fatalf("kick after AllowKicking ignored")
	}
}

func TestDefaults(t *testing.T) {
	w := New(&fakeGuard{}, nil, WithResetValue(0))
	if w.ResetValue() != DefaultResetValue || w.Remaining() != DefaultResetValue {
		t.Fatalf("reset value = %d", w.ResetValue())
	}
	// A nil resetter still latches the fired state.
	w = New(&fakeGuard{}, nil, WithResetValue(1))
	w.Tick()
	if !w.Fired() {
		t.Fatalf("not fired")
	}
}
