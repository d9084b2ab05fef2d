package job

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/valpere/poetran/internal"
)

// ThreadStore reads threads. A missing thread is reported as an error
// matching ErrNotFound.
type ThreadStore interface {
	GetThread(ctx context.Context, id string) (*internal.Thread, error)
}

// Snapshot is what every trigger returns.
type Snapshot struct {
	Job        *State      `json:"job"`
	Progress   Progress    `json:"progress"`
	TickResult *TickResult `json:"tickResult,omitempty"`
	// Created is set by Initialize when the job did not exist yet.
	Created bool `json:"created,omitempty"`
	// Busy is set when a tick was requested but another one was running.
	Busy bool `json:"busy,omitempty"`
}

type ServiceOption func(*Service)

func WithServiceLogger(l *slog.Logger) ServiceOption {
	return func(s *Service) { s.logger = l }
}

// WithTickBudget sets the budget of ticks run by triggers.
func WithTickBudget(d time.Duration) ServiceOption {
	return func(s *Service) { s.budget = d }
}

// Service implements the three job triggers on top of a Scheduler.
type Service struct {
	repo      Repository
	threads   ThreadStore
	scheduler *Scheduler
	defaults  Options
	budget    time.Duration
	logger    *slog.Logger
}

// NewService wires the triggers. defaults supplies the per-job limits and
// method for new jobs; languages and preferences come from the thread.
func NewService(repo Repository, threads ThreadStore, scheduler *Scheduler, defaults Options, opts ...ServiceOption) *Service {
	s := &Service{
		repo:      repo,
		threads:   threads,
		scheduler: scheduler,
		defaults:  defaults,
		budget:    DefaultTickBudget,
		logger:    slog.Default(),
	}
	for _, o := range opts {
		o(s)
	}
	return s
}

// Initialize creates the job for a thread from its poem. It is idempotent:
// an existing job is returned unchanged with Created unset.
func (s *Service) Initialize(ctx context.Context, threadID string, runInitialTick bool, override *Options) (*Snapshot, error) {
	thread, err := s.threads.GetThread(ctx, threadID)
	if err != nil {
		return nil, err
	}

	opts := s.defaults
	if override != nil {
		opts = mergeOptions(opts, *override)
	}
	opts.SourceLang = thread.SourceLang
	opts.TargetLang = thread.TargetLang
	opts.Preferences = thread.Preferences

	st, err := New(thread.ID, thread.Poem, opts)
	if err != nil {
		return nil, err
	}

	created := true
	if err := s.repo.CreateJob(ctx, st); err != nil {
		if !errors.Is(err, ErrAlreadyExists) {
			return nil, fmt.Errorf("job: create: %w", err)
		}
		created = false
	} else {
		s.logger.Info("job: created", "thread_id", threadID, "stanzas", len(st.Stanzas), "method", st.Method, "mode", st.Mode)
	}

	snap, err := s.snapshot(ctx, threadID, runInitialTick)
	if err != nil {
		return nil, err
	}
	snap.Created = created
	return snap, nil
}

// Advance optionally runs one tick and returns the current job.
func (s *Service) Advance(ctx context.Context, threadID string, advance bool) (*Snapshot, error) {
	return s.snapshot(ctx, threadID, advance)
}

// Status returns the current job without advancing it.
func (s *Service) Status(ctx context.Context, threadID string) (*Snapshot, error) {
	return s.snapshot(ctx, threadID, false)
}

// Requeue moves a stanza to the queue front, whatever its status, and
// optionally runs a tick right away.
func (s *Service) Requeue(ctx context.Context, threadID string, stanzaIndex int, runImmediately bool) (*Snapshot, error) {
	if _, err := Update(ctx, s.repo, threadID, func(st *State) error {
		return st.Requeue(stanzaIndex)
	}); err != nil {
		return nil, err
	}
	s.logger.Info("job: stanza requeued", "thread_id", threadID, "stanza", stanzaIndex)
	return s.snapshot(ctx, threadID, runImmediately)
}

// TickAll runs one tick for every open job. Busy jobs are skipped.
func (s *Service) TickAll(ctx context.Context) (int, error) {
	ids, err := s.repo.ListOpenJobs(ctx)
	if err != nil {
		return 0, fmt.Errorf("job: list open: %w", err)
	}
	ticked := 0
	for _, id := range ids {
		if ctx.Err() != nil {
			return ticked, ctx.Err()
		}
		if _, err := s.scheduler.Tick(ctx, id, s.budget); err != nil {
			if IsBusy(err) {
				s.logger.Debug("job: skipping busy job", "thread_id", id)
				continue
			}
			s.logger.Error("job: tick failed", "thread_id", id, "err", err)
			continue
		}
		ticked++
	}
	return ticked, nil
}

func (s *Service) snapshot(ctx context.Context, threadID string, tick bool) (*Snapshot, error) {
	snap := &Snapshot{}
	if tick {
		res, err := s.scheduler.Tick(ctx, threadID, s.budget)
		switch {
		case IsBusy(err):
			snap.Busy = true
		case err != nil:
			return nil, err
		default:
			snap.TickResult = res
		}
	}
	st, err := s.repo.LoadJob(ctx, threadID)
	if err != nil {
		return nil, err
	}
	snap.Job = st
	snap.Progress = st.Progress()
	return snap, nil
}

func mergeOptions(base, o Options) Options {
	if o.MaxConcurrent > 0 {
		base.MaxConcurrent = o.MaxConcurrent
	}
	if o.MaxPerTick > 0 {
		base.MaxPerTick = o.MaxPerTick
	}
	if o.Method != "" {
		base.Method = o.Method
	}
	if o.Mode != "" {
		base.Mode = o.Mode
	}
	if o.Model != "" {
		base.Model = o.Model
	}
	return base
}
