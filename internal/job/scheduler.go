package job

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/valpere/poetran/internal/lock"
	"github.com/valpere/poetran/internal/stanza"
	"github.com/valpere/poetran/internal/translate"
)

// DefaultTickBudget is the wall-clock budget of one tick.
const DefaultTickBudget = 4 * time.Second

// Processor processes one stanza.
type Processor interface {
	Process(ctx context.Context, in stanza.Input) stanza.Result
}

// TickResult summarises one tick.
type TickResult struct {
	ThreadID  string        `json:"threadId"`
	Started   []int         `json:"started"`
	Completed []int         `json:"completed"`
	Partial   []int         `json:"partial"`
	Failed    []int         `json:"failed"`
	Requeued  []int         `json:"requeued"`
	Recovered []int         `json:"recovered,omitempty"`
	Progress  Progress      `json:"progress"`
	Elapsed   time.Duration `json:"elapsed"`
}

type SchedulerOption func(*Scheduler)

func WithLogger(l *slog.Logger) SchedulerOption {
	return func(s *Scheduler) { s.logger = l }
}

// WithJobLockTTL sets the per-job lease TTL. The lease is renewed while the
// tick runs, so the TTL only bounds recovery after a crash.
func WithJobLockTTL(d time.Duration) SchedulerOption {
	return func(s *Scheduler) { s.lockTTL = d }
}

// Scheduler runs ticks. It keeps no state between ticks; everything lives
// in the Repository, so any number of processes may drive the same jobs.
type Scheduler struct {
	repo      Repository
	locker    *lock.Locker
	processor Processor
	lockTTL   time.Duration
	logger    *slog.Logger
	now       func() time.Time
}

func NewScheduler(repo Repository, locker *lock.Locker, processor Processor, opts ...SchedulerOption) *Scheduler {
	s := &Scheduler{
		repo:      repo,
		locker:    locker,
		processor: processor,
		lockTTL:   90 * time.Second,
		logger:    slog.Default(),
		now:       time.Now,
	}
	for _, o := range opts {
		o(s)
	}
	return s
}

// Tick advances one job by at most MaxPerTick stanzas within budget.
//
// Ticks of one job are serialised by the lease job:<threadID>; a tick that
// finds it held returns ErrJobBusy at once. Stanzas are never aborted by the
// budget: it is handed to each stanza as a soft deadline checked between
// lines, and a stanza that could not start in time goes back to the queue
// front.
func (s *Scheduler) Tick(ctx context.Context, threadID string, budget time.Duration) (*TickResult, error) {
	if budget <= 0 {
		budget = DefaultTickBudget
	}
	start := s.now()
	deadline := start.Add(budget)

	lease, ok, err := s.locker.Acquire(ctx, "job:"+threadID, s.lockTTL)
	if err != nil {
		return nil, fmt.Errorf("tick: %w", err)
	}
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrJobBusy, threadID)
	}
	stop := lease.KeepAlive(ctx, 0)
	defer func() {
		stop()
		if err := lease.Release(context.WithoutCancel(ctx)); err != nil {
			s.logger.Warn("tick: release job lease", "thread_id", threadID, "err", err)
		}
	}()

	// Losing the lease stops the tick: no new stanza starts and running ones
	// are interrupted.
	ctx, cancel := context.WithCancelCause(ctx)
	defer cancel(nil)
	go func() {
		select {
		case <-lease.Lost():
			s.logger.Warn("tick: job lease lost, stopping", "thread_id", threadID)
			cancel(lock.ErrNotHeld)
		case <-ctx.Done():
		}
	}()

	res := &TickResult{ThreadID: threadID}
	var started []int
	st, err := Update(ctx, s.repo, threadID, func(st *State) error {
		res.Recovered = st.RecoverOrphans()
		started = st.Dequeue(st.AvailableSlots())
		st.LastTickAt = start.UTC()
		st.Ticks++
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("tick: dequeue: %w", err)
	}
	if len(res.Recovered) > 0 {
		s.logger.Warn("tick: recovered orphaned stanzas", "thread_id", threadID, "stanzas", res.Recovered)
	}
	res.Started = started
	if len(started) == 0 {
		res.Progress = st.Progress()
		res.Elapsed = s.now().Sub(start)
		return res, nil
	}

	results := s.run(ctx, st, started, deadline)

	// Outcomes are recorded even if the caller went away.
	st, err = Update(context.WithoutCancel(ctx), s.repo, threadID, func(st *State) error {
		res.Completed, res.Partial, res.Failed, res.Requeued = nil, nil, nil, nil
		var requeue []int
		for i, idx := range started {
			r := results[i]
			if r == nil {
				requeue = append(requeue, idx)
				continue
			}
			st.Stanzas[idx] = r.State
			if !st.IsActive(idx) {
				// Requeued by a retry request while running; keep its new place.
				continue
			}
			switch r.Outcome {
			case stanza.Completed:
				res.Completed = append(res.Completed, idx)
				_ = st.Finish(idx, StatusCompleted)
			case stanza.Partial:
				res.Partial = append(res.Partial, idx)
				_ = st.Finish(idx, StatusPartial)
			case stanza.Failed:
				res.Failed = append(res.Failed, idx)
				_ = st.Finish(idx, StatusFailed)
			default:
				requeue = append(requeue, idx)
			}
		}
		res.Requeued = requeue
		return st.RequeueAll(requeue)
	})
	if err != nil {
		return nil, fmt.Errorf("tick: record outcomes: %w", err)
	}

	res.Progress = st.Progress()
	res.Elapsed = s.now().Sub(start)
	s.logger.Info("tick: done",
		"thread_id", threadID,
		"started", len(res.Started),
		"completed", len(res.Completed),
		"partial", len(res.Partial),
		"failed", len(res.Failed),
		"requeued", len(res.Requeued),
		"elapsed", res.Elapsed)
	return res, nil
}

// run processes the started stanzas concurrently, bounded by MaxConcurrent.
// A nil entry means the stanza was not started before the deadline.
func (s *Scheduler) run(ctx context.Context, st *State, started []int, deadline time.Time) []*stanza.Result {
	results := make([]*stanza.Result, len(started))
	var g errgroup.Group
	g.SetLimit(st.MaxConcurrent)

	for i, idx := range started {
		g.Go(func() error {
			if !s.now().Before(deadline) || ctx.Err() != nil {
				s.logger.Debug("tick: budget exhausted before start", "thread_id", st.ThreadID, "stanza", idx)
				return nil
			}
			r := s.processor.Process(ctx, s.input(st, idx, deadline))
			results[i] = &r
			return nil
		})
	}
	_ = g.Wait()
	return results
}

func (s *Scheduler) input(st *State, idx int, deadline time.Time) stanza.Input {
	in := stanza.Input{
		ThreadID: st.ThreadID,
		State:    st.Stanzas[idx],
		Context: translate.LineContext{
			SourceLang:  st.SourceLang,
			TargetLang:  st.TargetLang,
			Preferences: st.Preferences,
			PoemHash:    st.PoemHash,
		},
		Method:   st.Method,
		Mode:     st.Mode,
		Model:    st.Model,
		Deadline: deadline,
	}
	if idx > 0 {
		if prev := st.Stanzas[idx-1].Lines; len(prev) > 0 {
			in.PrevLine = prev[len(prev)-1].Text
		}
	}
	if idx < len(st.Stanzas)-1 {
		if next := st.Stanzas[idx+1].Lines; len(next) > 0 {
			in.NextLine = next[0].Text
		}
	}
	return in
}

// IsBusy reports whether err means another tick holds the job.
func IsBusy(err error) bool {
	return errors.Is(err, ErrJobBusy)
}
