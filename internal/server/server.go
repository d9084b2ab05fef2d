package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"golang.org/x/text/language"

	"github.com/valpere/poetran/internal"
	"github.com/valpere/poetran/internal/job"
	"github.com/valpere/poetran/internal/poem"
	"github.com/valpere/poetran/internal/recipe"
	"github.com/valpere/poetran/internal/translate"
)

const maxBodySize = 1 << 20 // 1 MB

var errBadRequest = errors.New("bad request")

// Threads creates and reads poem threads.
type Threads interface {
	CreateThread(ctx context.Context, t *internal.Thread) error
	GetThread(ctx context.Context, id string) (*internal.Thread, error)
}

// Jobs is the trigger surface of job.Service.
type Jobs interface {
	Initialize(ctx context.Context, threadID string, runInitialTick bool, override *job.Options) (*job.Snapshot, error)
	Advance(ctx context.Context, threadID string, advance bool) (*job.Snapshot, error)
	Status(ctx context.Context, threadID string) (*job.Snapshot, error)
	Requeue(ctx context.Context, threadID string, stanzaIndex int, runImmediately bool) (*job.Snapshot, error)
}

// Detector guesses a poem's language as an ISO 639-1 code.
type Detector interface {
	DetectISO(text string) (string, bool)
}

// Pinger reports storage health.
type Pinger interface {
	Ping(ctx context.Context) error
}

type Option func(*Server)

func WithLogger(l *slog.Logger) Option {
	return func(s *Server) { s.logger = l }
}

// WithPinger makes /health check storage.
func WithPinger(p Pinger) Option {
	return func(s *Server) { s.pinger = p }
}

// Server exposes threads and the job triggers over HTTP.
type Server struct {
	threads   Threads
	jobs      Jobs
	detector  Detector
	pinger    Pinger
	logger    *slog.Logger
	mux       *http.ServeMux
	startedAt time.Time
}

func NewServer(threads Threads, jobs Jobs, det Detector, opts ...Option) *Server {
	s := &Server{
		threads:   threads,
		jobs:      jobs,
		detector:  det,
		logger:    slog.Default(),
		mux:       http.NewServeMux(),
		startedAt: time.Now(),
	}
	for _, o := range opts {
		o(s)
	}
	s.mux.HandleFunc("POST /threads", s.handleCreateThread)
	s.mux.HandleFunc("GET /threads/{threadId}", s.handleGetThread)
	s.mux.HandleFunc("POST /jobs", s.handleInitialize)
	s.mux.HandleFunc("GET /jobs/{threadId}", s.handleStatus)
	s.mux.HandleFunc("POST /jobs/{threadId}/advance", s.handleAdvance)
	s.mux.HandleFunc("POST /jobs/{threadId}/stanzas/{index}/requeue", s.handleRequeue)
	s.mux.HandleFunc("GET /health", s.handleHealth)
	return s
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.mux.ServeHTTP(w, r)
}

type createThreadRequest struct {
	Title       string            `json:"title"`
	Poem        string            `json:"poem"`
	SourceLang  string            `json:"source_lang"`
	TargetLang  string            `json:"target_lang"`
	Preferences map[string]string `json:"preferences"`
}

func (s *Server) handleCreateThread(w http.ResponseWriter, r *http.Request) {
	var req createThreadRequest
	if err := decode(r, &req, false); err != nil {
		s.writeError(w, err)
		return
	}
	if len(poem.Split(req.Poem)) == 0 {
		s.writeError(w, fmt.Errorf("%w: poem is empty", errBadRequest))
		return
	}

	src := strings.TrimSpace(req.SourceLang)
	if src == "" || strings.EqualFold(src, "auto") {
		code, ok := s.detector.DetectISO(req.Poem)
		if !ok {
			s.writeError(w, fmt.Errorf("%w: could not detect source language", errBadRequest))
			return
		}
		src = code
	}
	src, err := canonicalLang(src)
	if err != nil {
		s.writeError(w, fmt.Errorf("%w: source_lang: %w", errBadRequest, err))
		return
	}
	tgt, err := canonicalLang(req.TargetLang)
	if err != nil {
		s.writeError(w, fmt.Errorf("%w: target_lang: %w", errBadRequest, err))
		return
	}

	t := &internal.Thread{
		Title:       req.Title,
		Poem:        req.Poem,
		SourceLang:  src,
		TargetLang:  tgt,
		Preferences: req.Preferences,
	}
	if err := s.threads.CreateThread(r.Context(), t); err != nil {
		s.writeError(w, err)
		return
	}
	s.logger.Info("server: thread created", "thread_id", t.ID, "source", src, "target", tgt)
	writeJSON(w, http.StatusCreated, t)
}

func (s *Server) handleGetThread(w http.ResponseWriter, r *http.Request) {
	t, err := s.threads.GetThread(r.Context(), r.PathValue("threadId"))
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, t)
}

type initializeRequest struct {
	ThreadID       string `json:"threadId"`
	RunInitialTick bool   `json:"runInitialTick"`
	Method         string `json:"method"`
	Mode           string `json:"mode"`
	Model          string `json:"model"`
	MaxConcurrent  int    `json:"maxConcurrent"`
	MaxPerTick     int    `json:"maxPerTick"`
}

func (s *Server) handleInitialize(w http.ResponseWriter, r *http.Request) {
	var req initializeRequest
	if err := decode(r, &req, false); err != nil {
		s.writeError(w, err)
		return
	}
	if req.ThreadID == "" {
		s.writeError(w, fmt.Errorf("%w: threadId required", errBadRequest))
		return
	}
	if req.MaxConcurrent < 0 || req.MaxPerTick < 0 {
		s.writeError(w, fmt.Errorf("%w: limits must not be negative", errBadRequest))
		return
	}

	override := &job.Options{
		MaxConcurrent: req.MaxConcurrent,
		MaxPerTick:    req.MaxPerTick,
		Model:         req.Model,
	}
	if req.Method != "" {
		m, err := translate.ParseMethod(req.Method)
		if err != nil {
			s.writeError(w, fmt.Errorf("%w: %w", errBadRequest, err))
			return
		}
		override.Method = m
	}
	if req.Mode != "" {
		m, err := recipe.ParseMode(req.Mode)
		if err != nil {
			s.writeError(w, fmt.Errorf("%w: %w", errBadRequest, err))
			return
		}
		override.Mode = m
	}

	snap, err := s.jobs.Initialize(r.Context(), req.ThreadID, req.RunInitialTick, override)
	if err != nil {
		s.writeError(w, err)
		return
	}
	status := http.StatusOK
	if snap.Created {
		status = http.StatusCreated
	}
	writeJSON(w, status, snap)
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("threadId")
	advance, _ := strconv.ParseBool(r.URL.Query().Get("advance"))

	var (
		snap *job.Snapshot
		err  error
	)
	if advance {
		snap, err = s.jobs.Advance(r.Context(), id, true)
	} else {
		snap, err = s.jobs.Status(r.Context(), id)
	}
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, snap)
}

type advanceRequest struct {
	Advance *bool `json:"advance"`
}

func (s *Server) handleAdvance(w http.ResponseWriter, r *http.Request) {
	var req advanceRequest
	if err := decode(r, &req, true); err != nil {
		s.writeError(w, err)
		return
	}
	advance := true
	if req.Advance != nil {
		advance = *req.Advance
	}
	snap, err := s.jobs.Advance(r.Context(), r.PathValue("threadId"), advance)
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, snap)
}

type requeueRequest struct {
	RunImmediately bool `json:"runImmediately"`
}

func (s *Server) handleRequeue(w http.ResponseWriter, r *http.Request) {
	idx, err := strconv.Atoi(r.PathValue("index"))
	if err != nil {
		s.writeError(w, fmt.Errorf("%w: stanza index must be an integer", errBadRequest))
		return
	}
	var req requeueRequest
	if err := decode(r, &req, true); err != nil {
		s.writeError(w, err)
		return
	}
	snap, err := s.jobs.Requeue(r.Context(), r.PathValue("threadId"), idx, req.RunImmediately)
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, snap)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	resp := map[string]any{
		"status":         "running",
		"uptime_seconds": int(time.Since(s.startedAt).Seconds()),
	}
	if s.pinger != nil {
		if err := s.pinger.Ping(r.Context()); err != nil {
			s.logger.Error("server: health check failed", "err", err)
			resp["status"] = "degraded"
			writeJSON(w, http.StatusServiceUnavailable, resp)
			return
		}
	}
	writeJSON(w, http.StatusOK, resp)
}

// decode reads a JSON body. An empty body is accepted when optional is set.
func decode(r *http.Request, v any, optional bool) error {
	body, err := io.ReadAll(io.LimitReader(r.Body, maxBodySize+1))
	if err != nil {
		return fmt.Errorf("%w: read body: %w", errBadRequest, err)
	}
	if len(body) > maxBodySize {
		return fmt.Errorf("%w: body too large", errBadRequest)
	}
	if len(strings.TrimSpace(string(body))) == 0 {
		if optional {
			return nil
		}
		return fmt.Errorf("%w: empty body", errBadRequest)
	}
	if err := json.Unmarshal(body, v); err != nil {
		return fmt.Errorf("%w: invalid json: %w", errBadRequest, err)
	}
	return nil
}

func canonicalLang(code string) (string, error) {
	code = strings.TrimSpace(code)
	if code == "" {
		return "", errors.New("language required")
	}
	tag, err := language.Parse(code)
	if err != nil {
		return "", err
	}
	return tag.String(), nil
}

type errorResponse struct {
	Error string         `json:"error"`
	Kind  translate.Kind `json:"kind,omitempty"`
}

func (s *Server) writeError(w http.ResponseWriter, err error) {
	status := statusFor(err)
	if status >= http.StatusInternalServerError {
		s.logger.Error("server: request failed", "err", err)
	}
	writeJSON(w, status, errorResponse{Error: err.Error(), Kind: translate.Classify(err)})
}

func statusFor(err error) int {
	switch {
	case errors.Is(err, errBadRequest),
		errors.Is(err, job.ErrInvalidStanza),
		errors.Is(err, job.ErrInvalidOptions):
		return http.StatusBadRequest
	case errors.Is(err, job.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, job.ErrAlreadyExists),
		errors.Is(err, job.ErrJobBusy),
		errors.Is(err, job.ErrVersionConflict):
		return http.StatusConflict
	case errors.Is(err, context.DeadlineExceeded):
		return http.StatusGatewayTimeout
	default:
		return http.StatusInternalServerError
	}
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}
