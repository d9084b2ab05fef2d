// Package job holds the per-poem translation job record and the scheduler
// that advances it one bounded tick at a time.
//
// A stanza moves pending → active → {completed | partial | failed}. A
// stanza that was throttled, interrupted or explicitly retried re-enters the
// queue at the front with status queued.
package job

import (
	"errors"
	"fmt"
	"slices"
	"time"

	"github.com/valpere/poetran/internal/poem"
	"github.com/valpere/poetran/internal/recipe"
	"github.com/valpere/poetran/internal/stanza"
	"github.com/valpere/poetran/internal/translate"
)

var (
	ErrNotFound        = errors.New("job: not found")
	ErrAlreadyExists   = errors.New("job: already exists")
	ErrVersionConflict = errors.New("job: version conflict")
	ErrInvalidStanza   = errors.New("job: invalid stanza")
	ErrJobBusy         = errors.New("job: tick already running")
	ErrInvalidState    = errors.New("job: invariant violated")
	ErrInvalidOptions  = errors.New("job: invalid options")
)

// Status is the scheduler's view of one stanza.
type Status string

const (
	StatusPending   Status = "pending"
	StatusQueued    Status = "queued"
	StatusActive    Status = "active"
	StatusCompleted Status = "completed"
	StatusPartial   Status = "partial"
	StatusFailed    Status = "failed"
)

func (s Status) terminal() bool {
	return s == StatusCompleted || s == StatusPartial || s == StatusFailed
}

// Options are the per-job knobs fixed at creation.
type Options struct {
	MaxConcurrent int
	MaxPerTick    int
	Method        translate.Method
	Mode          recipe.Mode
	Model         string
	SourceLang    string
	TargetLang    string
	Preferences   map[string]string
}

// State is the job record. It is only mutated inside Update.
type State struct {
	ThreadID      string            `json:"thread_id"`
	Queue         []int             `json:"queue"`
	Active        []int             `json:"active"`
	Status        map[int]Status    `json:"status"`
	Stanzas       []stanza.State    `json:"stanzas"`
	MaxConcurrent int               `json:"max_concurrent"`
	MaxPerTick    int               `json:"max_per_tick"`
	Method        translate.Method  `json:"method"`
	Mode          recipe.Mode       `json:"mode,omitempty"`
	Model         string            `json:"model,omitempty"`
	SourceLang    string            `json:"source_lang"`
	TargetLang    string            `json:"target_lang"`
	Preferences   map[string]string `json:"preferences,omitempty"`
	PoemHash      string            `json:"poem_hash"`
	Ticks         int               `json:"ticks"`
	Version       int64             `json:"version"`
	CreatedAt     time.Time         `json:"created_at"`
	UpdatedAt     time.Time         `json:"updated_at"`
	LastTickAt    time.Time         `json:"last_tick_at,omitempty"`
}

// New builds a job with every stanza pending, queued in poem order.
func New(threadID, text string, opts Options) (*State, error) {
	if threadID == "" {
		return nil, fmt.Errorf("%w: thread id required", ErrInvalidOptions)
	}
	if opts.MaxConcurrent < 1 || opts.MaxPerTick < 1 {
		return nil, fmt.Errorf("%w: max_concurrent and max_per_tick must be positive", ErrInvalidOptions)
	}
	if opts.Method == "" {
		opts.Method = translate.MethodVariants
	}
	if opts.Method == translate.MethodRecipe {
		if _, err := recipe.ParseMode(string(opts.Mode)); err != nil {
			return nil, fmt.Errorf("%w: %w", ErrInvalidOptions, err)
		}
	}
	stanzas := poem.Split(text)
	if len(stanzas) == 0 {
		return nil, fmt.Errorf("%w: poem has no stanzas", ErrInvalidOptions)
	}

	now := time.Now().UTC()
	st := &State{
		ThreadID:      threadID,
		Queue:         make([]int, 0, len(stanzas)),
		Active:        []int{},
		Status:        make(map[int]Status, len(stanzas)),
		Stanzas:       make([]stanza.State, 0, len(stanzas)),
		MaxConcurrent: opts.MaxConcurrent,
		MaxPerTick:    opts.MaxPerTick,
		Method:        opts.Method,
		Mode:          opts.Mode,
		Model:         opts.Model,
		SourceLang:    opts.SourceLang,
		TargetLang:    opts.TargetLang,
		Preferences:   opts.Preferences,
		PoemHash:      poem.Hash(text),
		CreatedAt:     now,
		UpdatedAt:     now,
	}
	line := 0
	for _, s := range stanzas {
		st.Stanzas = append(st.Stanzas, stanza.NewState(s.Index, line, s.Lines))
		st.Queue = append(st.Queue, s.Index)
		st.Status[s.Index] = StatusPending
		line += len(s.Lines)
	}
	return st, nil
}

func (s *State) valid(idx int) bool {
	return idx >= 0 && idx < len(s.Stanzas)
}

// AvailableSlots is how many stanzas may be started right now.
func (s *State) AvailableSlots() int {
	return max(0, min(s.MaxConcurrent-len(s.Active), s.MaxPerTick))
}

// Dequeue moves up to n stanzas from the queue front to active, never
// exceeding MaxConcurrent.
func (s *State) Dequeue(n int) []int {
	n = min(n, s.MaxConcurrent-len(s.Active))
	var taken []int
	rest := make([]int, 0, len(s.Queue))
	for _, idx := range s.Queue {
		st := s.Status[idx]
		if len(taken) < n && (st == StatusQueued || st == StatusPending) {
			taken = append(taken, idx)
			s.Status[idx] = StatusActive
			s.Active = append(s.Active, idx)
			continue
		}
		rest = append(rest, idx)
	}
	s.Queue = rest
	return taken
}

// Requeue puts idx at the queue front with status queued, whatever its
// current status.
func (s *State) Requeue(idx int) error {
	if !s.valid(idx) {
		return fmt.Errorf("%w: %d", ErrInvalidStanza, idx)
	}
	s.Active = slices.DeleteFunc(s.Active, func(i int) bool { return i == idx })
	s.Queue = slices.DeleteFunc(s.Queue, func(i int) bool { return i == idx })
	s.Queue = slices.Insert(s.Queue, 0, idx)
	s.Status[idx] = StatusQueued
	return nil
}

// RequeueAll requeues indices so that indices[0] ends up at the front.
func (s *State) RequeueAll(indices []int) error {
	for i := len(indices) - 1; i >= 0; i-- {
		if err := s.Requeue(indices[i]); err != nil {
			return err
		}
	}
	return nil
}

// Finish moves an active stanza to a terminal status.
func (s *State) Finish(idx int, status Status) error {
	if !status.terminal() {
		return fmt.Errorf("job: %q is not a terminal status", status)
	}
	if !slices.Contains(s.Active, idx) {
		return fmt.Errorf("%w: %d is not active", ErrInvalidStanza, idx)
	}
	s.Active = slices.DeleteFunc(s.Active, func(i int) bool { return i == idx })
	s.Status[idx] = status
	return nil
}

// IsActive reports whether idx is currently active.
func (s *State) IsActive(idx int) bool {
	return slices.Contains(s.Active, idx)
}

// RecoverOrphans requeues every active stanza. It is only correct while the
// caller holds the job lease: then nothing can be legitimately in flight.
func (s *State) RecoverOrphans() []int {
	if len(s.Active) == 0 {
		return nil
	}
	orphans := slices.Clone(s.Active)
	_ = s.RequeueAll(orphans)
	return orphans
}

// Validate checks the record invariants.
func (s *State) Validate() error {
	if len(s.Active) > s.MaxConcurrent {
		return fmt.Errorf("%w: %d active exceeds max_concurrent %d", ErrInvalidState, len(s.Active), s.MaxConcurrent)
	}
	seen := make(map[int]string, len(s.Stanzas))
	for _, idx := range s.Queue {
		if !s.valid(idx) {
			return fmt.Errorf("%w: queued index %d out of range", ErrInvalidState, idx)
		}
		if seen[idx] != "" {
			return fmt.Errorf("%w: %d appears twice in queue", ErrInvalidState, idx)
		}
		seen[idx] = "queue"
		if st := s.Status[idx]; st != StatusQueued && st != StatusPending {
			return fmt.Errorf("%w: queued stanza %d has status %s", ErrInvalidState, idx, st)
		}
	}
	for _, idx := range s.Active {
		if !s.valid(idx) {
			return fmt.Errorf("%w: active index %d out of range", ErrInvalidState, idx)
		}
		if seen[idx] != "" {
			return fmt.Errorf("%w: %d is both %s and active", ErrInvalidState, idx, seen[idx])
		}
		seen[idx] = "active"
		if st := s.Status[idx]; st != StatusActive {
			return fmt.Errorf("%w: active stanza %d has status %s", ErrInvalidState, idx, st)
		}
	}
	for i := range s.Stanzas {
		st, ok := s.Status[i]
		if !ok {
			return fmt.Errorf("%w: stanza %d has no status", ErrInvalidState, i)
		}
		if !st.terminal() && seen[i] == "" {
			return fmt.Errorf("%w: stanza %d is %s but neither queued nor active", ErrInvalidState, i, st)
		}
	}
	return nil
}

// Terminal reports whether no work remains.
func (s *State) Terminal() bool {
	if len(s.Queue) > 0 || len(s.Active) > 0 {
		return false
	}
	for _, st := range s.Status {
		if !st.terminal() {
			return false
		}
	}
	return true
}

// Progress is the externally visible summary.
type Progress struct {
	Total       int  `json:"total"`
	Pending     int  `json:"pending"`
	Queued      int  `json:"queued"`
	Active      int  `json:"active"`
	Completed   int  `json:"completed"`
	Partial     int  `json:"partial"`
	Failed      int  `json:"failed"`
	LinesTotal  int  `json:"lines_total"`
	LinesDone   int  `json:"lines_done"`
	LinesFailed int  `json:"lines_failed"`
	Terminal    bool `json:"terminal"`
}

func (s *State) Progress() Progress {
	p := Progress{Total: len(s.Stanzas), Terminal: s.Terminal()}
	for _, st := range s.Status {
		switch st {
		case StatusPending:
			p.Pending++
		case StatusQueued:
			p.Queued++
		case StatusActive:
			p.Active++
		case StatusCompleted:
			p.Completed++
		case StatusPartial:
			p.Partial++
		case StatusFailed:
			p.Failed++
		}
	}
	for _, sz := range s.Stanzas {
		done, failed, _ := sz.Counts()
		p.LinesTotal += len(sz.Lines)
		p.LinesDone += done
		p.LinesFailed += failed
	}
	return p
}

// Clone deep-copies the record.
func (s *State) Clone() *State {
	c := *s
	c.Queue = slices.Clone(s.Queue)
	c.Active = slices.Clone(s.Active)
	c.Status = make(map[int]Status, len(s.Status))
	for k, v := range s.Status {
		c.Status[k] = v
	}
	c.Stanzas = make([]stanza.State, len(s.Stanzas))
	for i, sz := range s.Stanzas {
		c.Stanzas[i] = sz.Clone()
	}
	return &c
}
