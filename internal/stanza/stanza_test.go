package stanza

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/valpere/poetran/internal/llm"
	"github.com/valpere/poetran/internal/translate"
)

type scriptedTranslator struct {
	mu    sync.Mutex
	calls []translate.Request
	fail  map[int]error
}

func (s *scriptedTranslator) Translate(_ context.Context, req translate.Request) (*translate.Artifact, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls = append(s.calls, req)
	if err, ok := s.fail[req.LineIndex]; ok {
		return nil, err
	}
	return &translate.Artifact{
		Key:      fmt.Sprintf("key-%d", req.LineIndex),
		Variants: []translate.Variant{{Label: "A", Text: "tr:" + req.LineText}, {Label: "B", Text: "b"}, {Label: "C", Text: "c"}},
	}, nil
}

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func fiveLines() State {
	return NewState(1, 10, []string{"one", "two", "three", "four", "five"})
}

func TestProcess_LineFailureDoesNotAbort(t *testing.T) {
	tr := &scriptedTranslator{fail: map[int]error{12: fmt.Errorf("%w: boom", translate.ErrGenerationFailed)}}
	p := NewProcessor(tr, WithLogger(quietLogger()))

	res := p.Process(context.Background(), Input{ThreadID: "t1", State: fiveLines(), Method: translate.MethodVariants})

	if res.Outcome != Partial {
		t.Fatalf("expected Partial, got %s", res.Outcome)
	}
	if len(tr.calls) != 5 {
		t.Fatalf("expected 5 calls, got %d", len(tr.calls))
	}
	for i, want := range []LineStatus{LineDone, LineDone, LineFailed, LineDone, LineDone} {
		if got := res.State.Lines[i].Status; got != want {
			t.Errorf("line %d: expected %s, got %s", i, want, got)
		}
	}
	if res.State.Lines[2].ErrorKind != translate.KindGenerationFailed {
		t.Errorf("unexpected error kind %q", res.State.Lines[2].ErrorKind)
	}
	if res.State.Lines[3].Variants[0].Text != "tr:four" {
		t.Errorf("line 4 result missing: %+v", res.State.Lines[3])
	}
	if res.Translated != 4 || res.Failed != 1 {
		t.Errorf("unexpected counts: %+v", res)
	}
}

func TestProcess_StrictOrderAndNeighbours(t *testing.T) {
	tr := &scriptedTranslator{}
	p := NewProcessor(tr, WithLogger(quietLogger()))

	p.Process(context.Background(), Input{
		ThreadID: "t1",
		State:    NewState(0, 0, []string{"a", "b", "c"}),
		PrevLine: "before",
		NextLine: "after",
		Context:  translate.LineContext{TargetLang: "en"},
	})

	if len(tr.calls) != 3 {
		t.Fatalf("expected 3 calls, got %d", len(tr.calls))
	}
	want := []struct{ prev, next string }{{"before", "b"}, {"a", "c"}, {"b", "after"}}
	for i, c := range tr.calls {
		if c.LineIndex != i {
			t.Errorf("call %d translated line %d", i, c.LineIndex)
		}
		if c.Context.Prev != want[i].prev || c.Context.Next != want[i].next {
			t.Errorf("call %d neighbours = (%q,%q), want (%q,%q)", i, c.Context.Prev, c.Context.Next, want[i].prev, want[i].next)
		}
		if c.Context.LineInStanza != i || c.Context.LinesInStanza != 3 || c.Context.TargetLang != "en" {
			t.Errorf("call %d position/context wrong: %+v", i, c.Context)
		}
	}
}

func TestProcess_RateLimitYieldsAndResumes(t *testing.T) {
	tr := &scriptedTranslator{fail: map[int]error{11: fmt.Errorf("%w: %w", translate.ErrGenerationFailed, llm.ErrRateLimited)}}
	p := NewProcessor(tr, WithLogger(quietLogger()))

	res := p.Process(context.Background(), Input{ThreadID: "t1", State: fiveLines()})
	if res.Outcome != RateLimited {
		t.Fatalf("expected RateLimited, got %s", res.Outcome)
	}
	if len(tr.calls) != 2 {
		t.Fatalf("expected processing to stop at the throttled line, got %d calls", len(tr.calls))
	}
	done, failed, pending := res.State.Counts()
	if done != 1 || failed != 0 || pending != 4 {
		t.Fatalf("unexpected counts done=%d failed=%d pending=%d", done, failed, pending)
	}

	tr.fail = nil
	tr.calls = nil
	res = p.Process(context.Background(), Input{ThreadID: "t1", State: res.State})
	if res.Outcome != Completed {
		t.Fatalf("expected Completed on resume, got %s", res.Outcome)
	}
	if len(tr.calls) != 4 || tr.calls[0].LineIndex != 11 {
		t.Errorf("resume must skip finished lines, calls=%d", len(tr.calls))
	}
	if res.State.Lines[1].Attempts != 2 {
		t.Errorf("expected 2 attempts on the throttled line, got %d", res.State.Lines[1].Attempts)
	}
}

func TestProcess_DeadlineCheckedBetweenLines(t *testing.T) {
	tr := &scriptedTranslator{}
	p := NewProcessor(tr, WithLogger(quietLogger()))

	base := time.Now()
	clock := base
	p.now = func() time.Time {
		clock = clock.Add(time.Second)
		return clock
	}

	// start=+1s, check line 0 at +2s, check line 1 at +3s (passes deadline)
	res := p.Process(context.Background(), Input{ThreadID: "t1", State: fiveLines(), Deadline: base.Add(2500 * time.Millisecond)})
	if res.Outcome != Interrupted {
		t.Fatalf("expected Interrupted, got %s", res.Outcome)
	}
	if len(tr.calls) != 1 {
		t.Errorf("expected 1 line before the deadline, got %d", len(tr.calls))
	}
}

func TestProcess_AllFailed(t *testing.T) {
	fail := map[int]error{}
	for i := 0; i < 3; i++ {
		fail[i] = translate.ErrInvalidResponse
	}
	tr := &scriptedTranslator{fail: fail}
	p := NewProcessor(tr, WithLogger(quietLogger()))

	res := p.Process(context.Background(), Input{ThreadID: "t1", State: NewState(0, 0, []string{"a", "b", "c"})})
	if res.Outcome != Failed {
		t.Fatalf("expected Failed, got %s", res.Outcome)
	}
	if res.State.Lines[0].ErrorKind != translate.KindInvalidResponse {
		t.Errorf("unexpected kind %q", res.State.Lines[0].ErrorKind)
	}
}

func TestProcess_DoesNotMutateInput(t *testing.T) {
	tr := &scriptedTranslator{}
	p := NewProcessor(tr, WithLogger(quietLogger()))

	in := NewState(0, 0, []string{"a"})
	p.Process(context.Background(), Input{ThreadID: "t1", State: in})
	if in.Lines[0].Status != LinePending {
		t.Error("input state was mutated")
	}
}

func TestProcess_CancelledContext(t *testing.T) {
	tr := &scriptedTranslator{}
	p := NewProcessor(tr, WithLogger(quietLogger()))

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	res := p.Process(ctx, Input{ThreadID: "t1", State: fiveLines()})
	if res.Outcome != Interrupted || len(tr.calls) != 0 {
		t.Fatalf("expected Interrupted with no calls, got %s and %d calls", res.Outcome, len(tr.calls))
	}
	if !errors.Is(ctx.Err(), context.Canceled) {
		t.Fatal("context should be cancelled")
	}
}

// blockingTranslator finishes every line except block, which waits for ctx
// to end the way an in-flight LLM call does.
type blockingTranslator struct {
	scriptedTranslator
	block   int
	started chan struct{}
}

func (b *blockingTranslator) Translate(ctx context.Context, req translate.Request) (*translate.Artifact, error) {
	if req.LineIndex != b.block {
		return b.scriptedTranslator.Translate(ctx, req)
	}
	b.mu.Lock()
	b.calls = append(b.calls, req)
	b.mu.Unlock()
	close(b.started)
	<-ctx.Done()
	return nil, fmt.Errorf("%w: %w", translate.ErrGenerationFailed, ctx.Err())
}

func TestProcess_CancelledMidLineLeavesLinePending(t *testing.T) {
	tr := &blockingTranslator{block: 11, started: make(chan struct{})}
	p := NewProcessor(tr, WithLogger(quietLogger()))

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		<-tr.started
		cancel()
	}()
	res := p.Process(ctx, Input{ThreadID: "t1", State: fiveLines()})

	if res.Outcome != Interrupted {
		t.Fatalf("expected Interrupted, got %s", res.Outcome)
	}
	if len(tr.calls) != 2 {
		t.Fatalf("expected 2 calls, got %d", len(tr.calls))
	}
	line := res.State.Lines[1]
	if line.Status != LinePending || line.ErrorKind != "" || line.Error != "" {
		t.Errorf("cancelled line must stay pending without an error, got %+v", line)
	}
	if res.State.Lines[0].Status != LineDone {
		t.Error("line finished before the cancel must be kept")
	}
	if res.Failed != 0 {
		t.Errorf("expected no failed lines, got %d", res.Failed)
	}
}
