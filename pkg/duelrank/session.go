package duelrank

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
)

// Presenter shows a gate to whoever decides and must eventually resolve it,
// either before Present returns or later from any goroutine. Present is
// called from the merge lane that opened the gate; with more than one lane it
// may be called concurrently.
type Presenter interface {
	Present(ctx context.Context, gate *Gate)
}

// PresenterFunc adapts a function to Presenter.
type PresenterFunc func(ctx context.Context, gate *Gate)

func (f PresenterFunc) Present(ctx context.Context, gate *Gate) { f(ctx, gate) }

// ResultSink is implemented by presenters that also want the final ranking.
type ResultSink interface {
	Complete(res Result)
}

// Result is what a finished session produced.
type Result struct {
	SessionID string        `json:"session_id"`
	Ranking   Sequence      `json:"ranking"`
	Judgments int           `json:"judgments"`
	Discarded []Item        `json:"discarded,omitempty"`
	TopK      int           `json:"top_k"` // Unbounded for a full ranking
	Elapsed   time.Duration `json:"elapsed"`
}

// Session ranks one item list at a time. A new Start abandons the previous
// run: its open gates stop accepting resolutions and its partial ranking is
// thrown away.
type Session struct {
	cfg       *Config
	presenter Presenter

	mu      sync.Mutex
	current *run
}

type run struct {
	id        string
	cfg       *Config
	presenter Presenter
	logger    *slog.Logger
	items     []Item
	limit     int
	rounds    int
	round     int
	cancel    context.CancelCauseFunc
	judgments atomic.Int64
	gateSeq   atomic.Int64

	mu        sync.Mutex
	discarded []Item

	done   chan struct{}
	result Result
	err    error
}

// NewSession validates cfg and binds it to a presenter.
func NewSession(cfg *Config, presenter Presenter) (*Session, error) {
	if cfg == nil {
		cfg = &Config{}
	}
	if presenter == nil {
		return nil, fmt.Errorf("presenter cannot be nil")
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &Session{cfg: cfg, presenter: presenter}, nil
}

// Start begins ranking items in the order given. It returns once the run is
// launched; use Wait for the result. Malformed input fails here and leaves the
// session untouched.
func (s *Session) Start(ctx context.Context, items []Item) error {
	if err := validateItems(items); err != nil {
		return err
	}

	owned := make([]Item, len(items))
	copy(owned, items)

	id := uuid.NewString()
	r := &run{
		id:        id,
		cfg:       s.cfg,
		presenter: s.presenter,
		logger:    s.cfg.Logger.With("session", id),
		items:     owned,
		limit:     s.cfg.limitFor(len(owned)),
		rounds:    roundsFor(len(owned)),
		done:      make(chan struct{}),
	}
	runCtx, cancel := context.WithCancelCause(ctx)
	r.cancel = cancel

	s.mu.Lock()
	prev := s.current
	s.current = r
	s.mu.Unlock()

	if prev != nil {
		prev.cancel(ErrSuperseded)
	}

	r.logger.Info("Session started", "items", len(owned), "top_k", s.cfg.TopK,
		"rounds", r.rounds, "lanes", s.cfg.Lanes)
	go r.execute(runCtx)
	return nil
}

func (r *run) execute(ctx context.Context) {
	defer close(r.done)
	defer r.cancel(nil)

	start := time.Now()
	ranking, err := r.sortLevels(ctx)
	if err != nil {
		if cause := context.Cause(ctx); cause != nil && errors.Is(err, context.Canceled) {
			err = cause
		}
		r.err = err
		r.logger.Info("Session stopped before completion", "reason", err, "judgments", r.judgments.Load())
		return
	}

	r.mu.Lock()
	discarded := append([]Item(nil), r.discarded...)
	r.mu.Unlock()

	r.result = Result{
		SessionID: r.id,
		Ranking:   ranking,
		Judgments: int(r.judgments.Load()),
		Discarded: discarded,
		TopK:      r.cfg.TopK,
		Elapsed:   time.Since(start),
	}
	r.logger.Info("Session complete", "ranked", len(ranking), "judgments", r.result.Judgments,
		"discarded", len(discarded), "elapsed", r.result.Elapsed)

	if sink, ok := r.presenter.(ResultSink); ok {
		sink.Complete(r.result)
	}
}

// Wait blocks until the current run finishes or ctx ends. A run replaced by a
// later Start reports ErrSuperseded.
func (s *Session) Wait(ctx context.Context) (Result, error) {
	r := s.active()
	if r == nil {
		return Result{}, fmt.Errorf("session not started")
	}
	select {
	case <-r.done:
		return r.result, r.err
	case <-ctx.Done():
		return Result{}, ctx.Err()
	}
}

// Run starts a ranking and waits for it.
func (s *Session) Run(ctx context.Context, items []Item) (Result, error) {
	if err := s.Start(ctx, items); err != nil {
		return Result{}, err
	}
	return s.Wait(ctx)
}

// Result returns the ranking of the current run once it has completed.
func (s *Session) Result() (Result, bool) {
	r := s.active()
	if r == nil {
		return Result{}, false
	}
	select {
	case <-r.done:
		return r.result, r.err == nil
	default:
		return Result{}, false
	}
}

// Judgments returns the judgments resolved so far in the current run.
func (s *Session) Judgments() int {
	r := s.active()
	if r == nil {
		return 0
	}
	return int(r.judgments.Load())
}

// ID returns the identifier of the current run, or "" before the first Start.
func (s *Session) ID() string {
	r := s.active()
	if r == nil {
		return ""
	}
	return r.id
}

// Cancel abandons the current run, if any.
func (s *Session) Cancel() {
	if r := s.active(); r != nil {
		r.cancel(context.Canceled)
	}
}

func (s *Session) active() *run {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.current
}
