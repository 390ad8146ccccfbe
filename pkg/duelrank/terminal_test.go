package duelrank

import (
	"context"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gdamore/tcell/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newSimulatedJudge(t *testing.T, quit func()) (*TerminalJudge, tcell.SimulationScreen) {
	t.Helper()
	screen := tcell.NewSimulationScreen("UTF-8")
	j, err := NewTerminalJudge(screen, quit, testLogger())
	require.NoError(t, err)
	t.Cleanup(j.Close)
	return j, screen
}

func screenText(screen tcell.SimulationScreen) string {
	cells, width, _ := screen.GetContents()
	var b strings.Builder
	for i, cell := range cells {
		if i > 0 && i%width == 0 {
			b.WriteByte('\n')
		}
		if len(cell.Runes) == 0 {
			b.WriteByte(' ')
			continue
		}
		b.WriteString(string(cell.Runes))
	}
	return b.String()
}

// nextGate waits for the judge to show a gate newer than after.
func nextGate(t *testing.T, j *TerminalJudge, after int) *Gate {
	t.Helper()
	var gate *Gate
	require.Eventually(t, func() bool {
		gate = j.current()
		return gate != nil && gate.ID > after
	}, 5*time.Second, time.Millisecond)
	return gate
}

func TestTerminalJudgeRanks(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var quits atomic.Int64
	j, screen := newSimulatedJudge(t, func() {
		quits.Add(1)
		cancel()
	})
	go j.Run(ctx)

	s, err := NewSession(testConfig(Unbounded, 1), j)
	require.NoError(t, err)
	require.NoError(t, s.Start(ctx, itemsOf("bravo", "alpha", "charlie")))

	last := 0
	for i := 0; i < 3; i++ {
		gate := nextGate(t, j, last)
		last = gate.ID
		if gate.Left.Value < gate.Right.Value {
			screen.InjectKey(tcell.KeyRune, '1', tcell.ModNone)
		} else {
			screen.InjectKey(tcell.KeyRight, 0, tcell.ModNone)
		}
		require.Eventually(t, func() bool { return !gate.Pending() }, 5*time.Second, time.Millisecond)
	}

	res, err := s.Wait(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"alpha", "bravo", "charlie"}, idsOf(res.Ranking))
	assert.Equal(t, 3, res.Judgments)

	assert.Eventually(t, func() bool {
		return strings.Contains(screenText(screen), "RANKING COMPLETE - 3 judgments")
	}, 5*time.Second, time.Millisecond)
	assert.Contains(t, screenText(screen), "1. alpha")

	screen.InjectKey(tcell.KeyRune, 'q', tcell.ModNone)
	assert.Eventually(t, func() bool { return quits.Load() == 1 }, 5*time.Second, time.Millisecond)
}

func TestTerminalJudgeShowsGateAndDiscards(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	j, screen := newSimulatedJudge(t, cancel)
	go j.Run(ctx)

	s, err := NewSession(testConfig(Unbounded, 1), j)
	require.NoError(t, err)
	require.NoError(t, s.Start(ctx, itemsOf("left item", "right item")))

	nextGate(t, j, 0)
	assert.Eventually(t, func() bool {
		text := screenText(screen)
		return strings.Contains(text, "Round 1/1") &&
			strings.Contains(text, "left item") &&
			strings.Contains(text, "right item")
	}, 5*time.Second, time.Millisecond)

	screen.InjectKey(tcell.KeyRune, ']', tcell.ModNone)

	res, err := s.Wait(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"left item"}, idsOf(res.Ranking))
	assert.Equal(t, []string{"right item"}, idsOf(res.Discarded))
	assert.Zero(t, res.Judgments)
}

func TestTerminalJudgeIgnoresKeysWithoutGate(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	j, screen := newSimulatedJudge(t, nil)
	done := make(chan struct{})
	go func() {
		j.Run(ctx)
		close(done)
	}()

	screen.InjectKey(tcell.KeyRune, '1', tcell.ModNone)
	assert.Eventually(t, func() bool {
		return strings.Contains(screenText(screen), "Waiting for the next comparison")
	}, 5*time.Second, time.Millisecond)

	cancel()
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("Run did not return after cancellation")
	}
}

func TestTerminalKeysMatchPromptAnswers(t *testing.T) {
	for _, r := range []rune{'1', '2', 'h', 'l', 'q'} {
		keyed, keyQuit := keyOutcome(tcell.NewEventKey(tcell.KeyRune, r, tcell.ModNone))
		typed, typedQuit, err := parseChoice(string(r))
		require.NoError(t, err, "rune %q", r)
		assert.Equal(t, typed, keyed, "rune %q", r)
		assert.Equal(t, typedQuit, keyQuit, "rune %q", r)
	}

	o, _ := keyOutcome(tcell.NewEventKey(tcell.KeyLeft, 0, tcell.ModNone))
	assert.Equal(t, PickLeft, o)
	o, _ = keyOutcome(tcell.NewEventKey(tcell.KeyRight, 0, tcell.ModNone))
	assert.Equal(t, PickRight, o)
	o, _ = keyOutcome(tcell.NewEventKey(tcell.KeyRune, ']', tcell.ModNone))
	assert.Equal(t, DiscardRight, o)
	_, quit := keyOutcome(tcell.NewEventKey(tcell.KeyEscape, 0, tcell.ModNone))
	assert.True(t, quit)
}
