package duelrank

import (
	"context"
	"math/bits"

	"golang.org/x/sync/errgroup"
)

// roundsFor returns how many merge rounds n singleton sequences take.
func roundsFor(n int) int {
	if n <= 1 {
		return 0
	}
	return bits.Len(uint(n - 1))
}

// sortLevels runs bottom-up merge rounds until one sequence remains. Pairs are
// adjacent (0 with 1, 2 with 3, ...) and an odd tail is carried forward
// untouched. Up to cfg.Lanes merges of one round wait on gates at the same
// time; the next round starts only after all of them finished.
func (r *run) sortLevels(ctx context.Context) (Sequence, error) {
	level := make([]Sequence, len(r.items))
	for i, item := range r.items {
		level[i] = Sequence{item}
	}
	if len(level) == 0 {
		return Sequence{}, nil
	}

	for round := 1; len(level) > 1; round++ {
		r.round = round
		r.logger.Info("Starting round", "round", round, "of", r.rounds,
			"sequences", len(level), "judgments", r.judgments.Load())

		next := make([]Sequence, (len(level)+1)/2)
		g, gctx := errgroup.WithContext(ctx)
		g.SetLimit(r.cfg.Lanes)
		for i := 0; i+1 < len(level); i += 2 {
			left, right, slot := level[i], level[i+1], i/2
			g.Go(func() error {
				merged, err := merge(gctx, left, right, r.limit, r.decide)
				if err != nil {
					return err
				}
				next[slot] = merged
				return nil
			})
		}
		if len(level)%2 == 1 {
			next[len(next)-1] = level[len(level)-1]
		}
		if err := g.Wait(); err != nil {
			return nil, err
		}

		level = next
	}

	final := level[0]
	if len(final) > r.limit {
		final = final[:r.limit]
	}
	return final, nil
}

// decide opens a gate on two items, hands it to the presenter and waits.
func (r *run) decide(ctx context.Context, left, right Item) (Outcome, error) {
	gate := newGate(ctx, int(r.gateSeq.Add(1)), left, right, r.recordOutcome)
	gate.Round = r.round
	gate.Rounds = r.rounds
	gate.Judgments = int(r.judgments.Load())

	r.logger.Debug("Opening gate", "gate", gate.ID, "round", gate.Round, "left", left.ID, "right", right.ID)
	r.presenter.Present(ctx, gate)

	outcome, err := gate.wait(ctx)
	if err != nil {
		r.logger.Debug("Gate abandoned", "gate", gate.ID, "reason", err)
		return OutcomeNone, err
	}
	r.logger.Debug("Gate resolved", "gate", gate.ID, "outcome", outcome, "judgments", r.judgments.Load())
	return outcome, nil
}

// recordOutcome runs under the gate's lock, exactly once per gate.
func (r *run) recordOutcome(g *Gate, o Outcome) {
	switch o {
	case PickLeft, PickRight:
		r.judgments.Add(1)
	case DiscardLeft:
		r.addDiscard(g.Left)
	case DiscardRight:
		r.addDiscard(g.Right)
	}
}

func (r *run) addDiscard(item Item) {
	r.mu.Lock()
	r.discarded = append(r.discarded, item)
	r.mu.Unlock()
	r.logger.Info("Item discarded", "id", item.ID, "value", item.Value)
}
