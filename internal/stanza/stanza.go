// Package stanza translates the lines of one stanza strictly in order,
// recording per-line results so an interrupted or partly failed stanza can
// be resumed without redoing finished lines.
package stanza

import (
	"context"
	"log/slog"
	"time"

	"github.com/valpere/poetran/internal/llm"
	"github.com/valpere/poetran/internal/recipe"
	"github.com/valpere/poetran/internal/translate"
)

// LineStatus is the state of one line.
type LineStatus string

const (
	LinePending LineStatus = "pending"
	LineDone    LineStatus = "done"
	LineFailed  LineStatus = "failed"
)

// Line is one poem line and its latest result.
type Line struct {
	Index     int                 `json:"index"`
	Text      string              `json:"text"`
	Status    LineStatus          `json:"status"`
	Variants  []translate.Variant `json:"variants,omitempty"`
	CacheKey  string              `json:"cache_key,omitempty"`
	Fallback  bool                `json:"fallback,omitempty"`
	ErrorKind translate.Kind      `json:"error_kind,omitempty"`
	Error     string              `json:"error,omitempty"`
	Attempts  int                 `json:"attempts,omitempty"`
}

// Outcome is the result of one Process call.
type Outcome string

const (
	Completed   Outcome = "completed"
	Partial     Outcome = "partial"
	Failed      Outcome = "failed"
	RateLimited Outcome = "rate_limited"
	Interrupted Outcome = "interrupted"
)

// State is a stanza and its lines. Outcome is the last processing outcome;
// the scheduler owns the stanza status.
type State struct {
	Index   int     `json:"index"`
	Lines   []Line  `json:"lines"`
	Outcome Outcome `json:"outcome,omitempty"`
}

// NewState builds a pending stanza whose first line has poem-wide index
// firstLine.
func NewState(index, firstLine int, lines []string) State {
	st := State{Index: index, Lines: make([]Line, len(lines))}
	for i, text := range lines {
		st.Lines[i] = Line{Index: firstLine + i, Text: text, Status: LinePending}
	}
	return st
}

// Counts returns the number of done, failed and pending lines.
func (s State) Counts() (done, failed, pending int) {
	for _, l := range s.Lines {
		switch l.Status {
		case LineDone:
			done++
		case LineFailed:
			failed++
		default:
			pending++
		}
	}
	return done, failed, pending
}

// Clone returns a deep copy of the line slice.
func (s State) Clone() State {
	c := s
	c.Lines = make([]Line, len(s.Lines))
	copy(c.Lines, s.Lines)
	return c
}

// Translator is the line translator as the processor sees it.
type Translator interface {
	Translate(ctx context.Context, req translate.Request) (*translate.Artifact, error)
}

// Input is one stanza to process.
type Input struct {
	ThreadID string
	State    State
	// Context carries the language pair, preferences and poem hash; the
	// processor fills in neighbours and position per line.
	Context translate.LineContext
	Method  translate.Method
	Mode    recipe.Mode
	Model   string
	// PrevLine and NextLine are the neighbours across the stanza boundary.
	PrevLine string
	NextLine string
	// Deadline is checked between lines only. Zero means none.
	Deadline time.Time
}

// Result is the processed stanza.
type Result struct {
	State      State
	Outcome    Outcome
	Translated int
	Failed     int
	Elapsed    time.Duration
}

type Option func(*Processor)

func WithLogger(l *slog.Logger) Option {
	return func(p *Processor) { p.logger = l }
}

// Processor runs stanzas through a Translator.
type Processor struct {
	translator Translator
	logger     *slog.Logger
	now        func() time.Time
}

func NewProcessor(t Translator, opts ...Option) *Processor {
	p := &Processor{translator: t, logger: slog.Default(), now: time.Now}
	for _, o := range opts {
		o(p)
	}
	return p
}

// Process translates every line not yet done. A failed line is recorded and
// the next line is attempted; a rate-limited line, a passed deadline or a
// cancelled ctx stops the stanza with the remaining lines left pending.
func (p *Processor) Process(ctx context.Context, in Input) Result {
	start := p.now()
	st := in.State.Clone()
	if !in.Deadline.IsZero() {
		ctx = llm.WithWaitLimit(ctx, in.Deadline)
	}

	res := Result{}
	finish := func(o Outcome) Result {
		st.Outcome = o
		res.State = st
		res.Outcome = o
		res.Elapsed = p.now().Sub(start)
		return res
	}

	for i := range st.Lines {
		line := &st.Lines[i]
		if line.Status == LineDone {
			continue
		}
		if ctx.Err() != nil || (!in.Deadline.IsZero() && !p.now().Before(in.Deadline)) {
			p.logger.Debug("stanza: deadline reached", "thread_id", in.ThreadID, "stanza", st.Index, "line", line.Index)
			return finish(Interrupted)
		}

		lc := in.Context
		lc.StanzaIndex = st.Index
		lc.LineInStanza = i
		lc.LinesInStanza = len(st.Lines)
		lc.Prev, lc.Next = in.PrevLine, in.NextLine
		if i > 0 {
			lc.Prev = st.Lines[i-1].Text
		}
		if i < len(st.Lines)-1 {
			lc.Next = st.Lines[i+1].Text
		}

		line.Attempts++
		art, err := p.translator.Translate(ctx, translate.Request{
			ThreadID:  in.ThreadID,
			LineIndex: line.Index,
			LineText:  line.Text,
			Context:   lc,
			Method:    in.Method,
			Mode:      in.Mode,
			Model:     in.Model,
		})
		if err != nil {
			if ctx.Err() != nil {
				// Cut short, not failed: the line keeps its previous result.
				p.logger.Debug("stanza: interrupted mid-line", "thread_id", in.ThreadID, "stanza", st.Index, "line", line.Index, "err", err)
				return finish(Interrupted)
			}
			kind := translate.Classify(err)
			line.ErrorKind = kind
			line.Error = err.Error()
			if kind == translate.KindRateLimited {
				line.Status = LinePending
				p.logger.Info("stanza: rate limited, yielding", "thread_id", in.ThreadID, "stanza", st.Index, "line", line.Index)
				return finish(RateLimited)
			}
			line.Status = LineFailed
			res.Failed++
			p.logger.Warn("stanza: line failed", "thread_id", in.ThreadID, "stanza", st.Index, "line", line.Index, "kind", kind, "err", err)
			continue
		}

		line.Status = LineDone
		line.Variants = art.Variants
		line.CacheKey = art.Key
		line.Fallback = art.Fallback
		line.ErrorKind = ""
		line.Error = ""
		res.Translated++
	}

	done, _, _ := st.Counts()
	switch {
	case done == len(st.Lines):
		return finish(Completed)
	case done == 0:
		return finish(Failed)
	default:
		return finish(Partial)
	}
}
