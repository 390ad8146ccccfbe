package duelrank

import (
	"context"
	"errors"
	"sync"
)

// Outcome is how a gate was resolved.
type Outcome int

const (
	OutcomeNone Outcome = iota
	PickLeft
	PickRight
	DiscardLeft  // drop the left item from the ranking; not a judgment
	DiscardRight // drop the right item from the ranking; not a judgment
)

func (o Outcome) String() string {
	switch o {
	case PickLeft:
		return "left"
	case PickRight:
		return "right"
	case DiscardLeft:
		return "discard-left"
	case DiscardRight:
		return "discard-right"
	default:
		return "none"
	}
}

func (o Outcome) valid() bool {
	return o >= PickLeft && o <= DiscardRight
}

// IsJudgment reports whether the outcome ranks one item above the other.
func (o Outcome) IsJudgment() bool {
	return o == PickLeft || o == PickRight
}

var (
	ErrGateResolved   = errors.New("gate already resolved")
	ErrGateSuperseded = errors.New("gate belongs to a cancelled session")
	ErrInvalidOutcome = errors.New("invalid outcome")
)

// Gate presents two items and holds one merge until a single outcome arrives.
// Gates are single-shot. Sessions open them; a zero Gate is usable but is
// never abandoned.
type Gate struct {
	ID        int
	Round     int
	Rounds    int // rounds the session needs in total
	Judgments int // judgments resolved in the session when the gate opened
	Left      Item
	Right     Item

	mu        sync.Mutex
	outcome   Outcome
	done      chan struct{}
	abandoned <-chan struct{}
	onResolve func(*Gate, Outcome)
}

func newGate(ctx context.Context, id int, left, right Item, onResolve func(*Gate, Outcome)) *Gate {
	return &Gate{
		ID:        id,
		Left:      left,
		Right:     right,
		done:      make(chan struct{}),
		abandoned: ctx.Done(),
		onResolve: onResolve,
	}
}

// Resolve settles the gate. Late, repeated or stale resolutions are rejected
// with an error and otherwise ignored, so callers are free to drop it.
func (g *Gate) Resolve(o Outcome) error {
	if !o.valid() {
		return ErrInvalidOutcome
	}

	g.mu.Lock()
	defer g.mu.Unlock()

	if g.outcome != OutcomeNone {
		return ErrGateResolved
	}
	select {
	case <-g.abandoned:
		return ErrGateSuperseded
	default:
	}

	g.outcome = o
	if g.onResolve != nil {
		g.onResolve(g, o)
	}
	close(g.doneLocked())
	return nil
}

// Done is closed once the gate is resolved.
func (g *Gate) Done() <-chan struct{} {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.doneLocked()
}

func (g *Gate) doneLocked() chan struct{} {
	if g.done == nil {
		g.done = make(chan struct{})
	}
	return g.done
}

// Abandoned is closed once the session that opened the gate stops waiting on it.
func (g *Gate) Abandoned() <-chan struct{} {
	return g.abandoned
}

// Outcome returns the resolution, or OutcomeNone while pending.
func (g *Gate) Outcome() Outcome {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.outcome
}

// Pending reports whether the gate still accepts a resolution.
func (g *Gate) Pending() bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.outcome != OutcomeNone {
		return false
	}
	select {
	case <-g.abandoned:
		return false
	default:
		return true
	}
}

// wait blocks until the gate resolves or ctx ends.
func (g *Gate) wait(ctx context.Context) (Outcome, error) {
	select {
	case <-g.Done():
		return g.Outcome(), nil
	case <-ctx.Done():
		// a resolution may have raced with cancellation; the run is over either way
		return OutcomeNone, ctx.Err()
	}
}
