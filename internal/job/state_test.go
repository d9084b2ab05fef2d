package job

import (
	"errors"
	"slices"
	"testing"

	"github.com/valpere/poetran/internal/translate"
)

const fiveStanzas = "a1\na2\n\nb1\n\nc1\nc2\nc3\n\nd1\n\ne1\ne2"

func newState(t *testing.T, maxConcurrent, maxPerTick int) *State {
	t.Helper()
	st, err := New("t1", fiveStanzas, Options{MaxConcurrent: maxConcurrent, MaxPerTick: maxPerTick, Method: translate.MethodVariants})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return st
}

func TestNew(t *testing.T) {
	st := newState(t, 2, 2)
	if !slices.Equal(st.Queue, []int{0, 1, 2, 3, 4}) {
		t.Errorf("unexpected queue %v", st.Queue)
	}
	if st.Status[3] != StatusPending {
		t.Errorf("expected pending, got %s", st.Status[3])
	}
	if st.Stanzas[2].Lines[0].Index != 3 || st.Stanzas[4].Lines[1].Index != 8 {
		t.Error("line indices must be poem-wide")
	}
	if err := st.Validate(); err != nil {
		t.Errorf("fresh state invalid: %v", err)
	}
	if st.PoemHash == "" {
		t.Error("poem hash missing")
	}

	if _, err := New("t1", "  \n\n ", Options{MaxConcurrent: 1, MaxPerTick: 1}); err == nil {
		t.Error("expected error for empty poem")
	}
	if _, err := New("t1", fiveStanzas, Options{MaxConcurrent: 0, MaxPerTick: 1}); err == nil {
		t.Error("expected error for zero max_concurrent")
	}
	if _, err := New("t1", fiveStanzas, Options{MaxConcurrent: 1, MaxPerTick: 1, Method: translate.MethodRecipe}); err == nil {
		t.Error("expected error for recipe method without mode")
	}
}

func TestDequeue_RespectsMaxConcurrent(t *testing.T) {
	st := newState(t, 2, 5)

	got := st.Dequeue(st.AvailableSlots())
	if !slices.Equal(got, []int{0, 1}) {
		t.Fatalf("expected [0 1], got %v", got)
	}
	if !slices.Equal(st.Queue, []int{2, 3, 4}) || !slices.Equal(st.Active, []int{0, 1}) {
		t.Fatalf("unexpected queue=%v active=%v", st.Queue, st.Active)
	}
	if more := st.Dequeue(10); len(more) != 0 {
		t.Errorf("dequeue past max_concurrent returned %v", more)
	}
	if st.AvailableSlots() != 0 {
		t.Errorf("expected no slots, got %d", st.AvailableSlots())
	}
	if err := st.Validate(); err != nil {
		t.Error(err)
	}
}

func TestRequeue_AlwaysFront(t *testing.T) {
	st := newState(t, 2, 2)
	st.Dequeue(2)
	if err := st.Finish(0, StatusFailed); err != nil {
		t.Fatal(err)
	}

	if err := st.Requeue(0); err != nil {
		t.Fatal(err)
	}
	if st.Queue[0] != 0 || st.Status[0] != StatusQueued {
		t.Fatalf("failed stanza not at front: queue=%v status=%s", st.Queue, st.Status[0])
	}

	// Active stanza: removed from active, put at front.
	if err := st.Requeue(1); err != nil {
		t.Fatal(err)
	}
	if !slices.Equal(st.Queue, []int{1, 0, 2, 3, 4}) || len(st.Active) != 0 {
		t.Fatalf("unexpected queue=%v active=%v", st.Queue, st.Active)
	}

	// Already queued: moved, not duplicated.
	if err := st.Requeue(3); err != nil {
		t.Fatal(err)
	}
	if !slices.Equal(st.Queue, []int{3, 1, 0, 2, 4}) {
		t.Fatalf("unexpected queue %v", st.Queue)
	}
	if err := st.Validate(); err != nil {
		t.Error(err)
	}

	if err := st.Requeue(9); !errors.Is(err, ErrInvalidStanza) {
		t.Errorf("expected ErrInvalidStanza, got %v", err)
	}
}

func TestRequeueAll_PreservesOrder(t *testing.T) {
	st := newState(t, 3, 3)
	st.Dequeue(3)
	if err := st.RequeueAll([]int{0, 2}); err != nil {
		t.Fatal(err)
	}
	if !slices.Equal(st.Queue, []int{0, 2, 3, 4}) {
		t.Errorf("unexpected queue %v", st.Queue)
	}
}

func TestFinish(t *testing.T) {
	st := newState(t, 2, 2)
	st.Dequeue(1)
	if err := st.Finish(1, StatusCompleted); !errors.Is(err, ErrInvalidStanza) {
		t.Errorf("finishing a non-active stanza: got %v", err)
	}
	if err := st.Finish(0, StatusQueued); err == nil {
		t.Error("expected error for non-terminal status")
	}
	if err := st.Finish(0, StatusPartial); err != nil {
		t.Fatal(err)
	}
	if st.Status[0] != StatusPartial || len(st.Active) != 0 {
		t.Errorf("unexpected state %v %v", st.Status[0], st.Active)
	}
}

func TestRecoverOrphans(t *testing.T) {
	st := newState(t, 2, 2)
	st.Dequeue(2)
	got := st.RecoverOrphans()
	if !slices.Equal(got, []int{0, 1}) {
		t.Fatalf("unexpected orphans %v", got)
	}
	if !slices.Equal(st.Queue, []int{0, 1, 2, 3, 4}) || len(st.Active) != 0 {
		t.Fatalf("unexpected queue=%v active=%v", st.Queue, st.Active)
	}
	if st.RecoverOrphans() != nil {
		t.Error("second recovery must be a no-op")
	}
}

func TestValidate_Violations(t *testing.T) {
	tests := map[string]func(st *State){
		"too many active": func(st *State) {
			st.Queue = []int{3, 4}
			st.Active = []int{0, 1, 2}
			st.Status[0], st.Status[1], st.Status[2] = StatusActive, StatusActive, StatusActive
		},
		"queue and active overlap": func(st *State) {
			st.Active = []int{0}
			st.Status[0] = StatusActive
		},
		"duplicate in queue": func(st *State) {
			st.Queue = append(st.Queue, 1)
		},
		"active with wrong status": func(st *State) {
			st.Queue = st.Queue[1:]
			st.Active = []int{0}
		},
		"queued with terminal status": func(st *State) {
			st.Status[2] = StatusCompleted
		},
		"lost stanza": func(st *State) {
			st.Queue = st.Queue[1:]
		},
	}
	for name, mutate := range tests {
		t.Run(name, func(t *testing.T) {
			st := newState(t, 2, 2)
			mutate(st)
			if err := st.Validate(); !errors.Is(err, ErrInvalidState) {
				t.Errorf("expected ErrInvalidState, got %v", err)
			}
		})
	}
}

func TestProgressAndTerminal(t *testing.T) {
	st := newState(t, 5, 5)
	st.Dequeue(5)
	_ = st.Finish(0, StatusCompleted)
	_ = st.Finish(1, StatusPartial)
	_ = st.Finish(2, StatusFailed)
	_ = st.Requeue(3)

	p := st.Progress()
	if p.Total != 5 || p.Completed != 1 || p.Partial != 1 || p.Failed != 1 || p.Queued != 1 || p.Active != 1 {
		t.Errorf("unexpected progress %+v", p)
	}
	if p.LinesTotal != 9 {
		t.Errorf("expected 9 lines, got %d", p.LinesTotal)
	}
	if st.Terminal() {
		t.Error("job with queued work is not terminal")
	}

	_ = st.Finish(4, StatusCompleted)
	st.Dequeue(1)
	_ = st.Finish(3, StatusCompleted)
	if !st.Terminal() || !st.Progress().Terminal {
		t.Error("expected terminal job")
	}
}

func TestClone_IsDeep(t *testing.T) {
	st := newState(t, 2, 2)
	c := st.Clone()
	c.Dequeue(1)
	c.Stanzas[0].Lines[0].Text = "changed"
	if st.Status[0] != StatusPending || st.Stanzas[0].Lines[0].Text == "changed" || len(st.Active) != 0 {
		t.Error("clone shares state with original")
	}
}
