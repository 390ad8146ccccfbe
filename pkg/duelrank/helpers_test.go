package duelrank

import (
	"context"
	"io"
	"log/slog"
	"sync"
	"testing"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func testConfig(topK, lanes int) *Config {
	return &Config{TopK: topK, Lanes: lanes, Logger: testLogger()}
}

func itemsOf(values ...string) []Item {
	items := make([]Item, len(values))
	for i, v := range values {
		items[i] = Item{ID: v, Value: v}
	}
	return items
}

func idsOf(seq []Item) []string {
	ids := make([]string, len(seq))
	for i, item := range seq {
		ids[i] = item.ID
	}
	return ids
}

// alphabetical prefers the lexically smaller value, resolving before Present returns.
func alphabetical() PresenterFunc {
	return func(ctx context.Context, gate *Gate) {
		if gate.Left.Value < gate.Right.Value {
			_ = gate.Resolve(PickLeft)
		} else {
			_ = gate.Resolve(PickRight)
		}
	}
}

// recorder wraps a presenter and remembers every pair it was shown.
type recorder struct {
	next Presenter

	mu    sync.Mutex
	pairs [][2]string
}

func (r *recorder) Present(ctx context.Context, gate *Gate) {
	r.mu.Lock()
	r.pairs = append(r.pairs, [2]string{gate.Left.ID, gate.Right.ID})
	r.mu.Unlock()
	r.next.Present(ctx, gate)
}

func (r *recorder) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.pairs)
}

func runSession(t *testing.T, cfg *Config, p Presenter, items []Item) Result {
	t.Helper()
	s, err := NewSession(cfg, p)
	if err != nil {
		t.Fatalf("NewSession: %v", err)
	}
	res, err := s.Run(context.Background(), items)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	return res
}
