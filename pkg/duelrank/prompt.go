package duelrank

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"sync"
)

// PromptJudge asks for judgments one line at a time over plain streams, for
// pipes and terminals where a full-screen UI is not wanted. Lanes that open
// gates concurrently are asked in turn.
type PromptJudge struct {
	out    io.Writer
	quit   func()
	logger *slog.Logger

	mu    sync.Mutex
	in    io.Reader
	lines chan string
	stop  chan struct{}

	once      sync.Once
	closeOnce sync.Once
}

// NewPromptJudge reads answers from in and writes questions to out. quit is
// called when the user asks to stop or in reaches EOF.
func NewPromptJudge(in io.Reader, out io.Writer, quit func(), logger *slog.Logger) *PromptJudge {
	if logger == nil {
		logger = slog.Default()
	}
	if quit == nil {
		quit = func() {}
	}
	return &PromptJudge{
		in:     in,
		out:    out,
		quit:   quit,
		logger: logger,
		lines:  make(chan string),
		stop:   make(chan struct{}),
	}
}

func (p *PromptJudge) readLines() {
	defer close(p.lines)
	scanner := bufio.NewScanner(p.in)
	for scanner.Scan() {
		select {
		case p.lines <- scanner.Text():
		case <-p.stop:
			return
		}
	}
	if err := scanner.Err(); err != nil {
		p.logger.Warn("Failed to read judgment", "error", err)
	}
}

// Close stops delivering input lines. A read already blocked on the
// underlying reader is not interrupted.
func (p *PromptJudge) Close() {
	p.once.Do(func() {})
	p.closeOnce.Do(func() { close(p.stop) })
}

func (p *PromptJudge) Present(ctx context.Context, gate *Gate) {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.once.Do(func() { go p.readLines() })

	for gate.Pending() {
		fmt.Fprintf(p.out, "\nRound %d/%d, judgments so far: %d\n", gate.Round, gate.Rounds, gate.Judgments)
		fmt.Fprintf(p.out, "  1) %s\n  2) %s\n", gate.Left.Value, gate.Right.Value)
		fmt.Fprint(p.out, "Choose 1/h or 2/l (d1/d2 to discard, q to quit): ")

		select {
		case line, ok := <-p.lines:
			if !ok {
				p.logger.Info("Input closed, stopping session")
				p.quit()
				return
			}
			outcome, quit, err := parseChoice(line)
			if quit {
				p.quit()
				return
			}
			if err != nil {
				fmt.Fprintf(p.out, "%v\n", err)
				continue
			}
			if err := gate.Resolve(outcome); err != nil {
				p.logger.Debug("Ignoring stale answer", "gate", gate.ID, "error", err)
			}
			return
		case <-gate.Abandoned():
			return
		case <-ctx.Done():
			return
		}
	}
}

func (p *PromptJudge) Complete(res Result) {
	fmt.Fprintf(p.out, "\nRanking complete: %d items after %d judgments.\n", len(res.Ranking), res.Judgments)
}

func parseChoice(line string) (Outcome, bool, error) {
	switch strings.ToLower(strings.TrimSpace(line)) {
	case "1", "h", "left":
		return PickLeft, false, nil
	case "2", "l", "right":
		return PickRight, false, nil
	case "d1", "x1":
		return DiscardLeft, false, nil
	case "d2", "x2":
		return DiscardRight, false, nil
	case "q", "quit", "exit":
		return OutcomeNone, true, nil
	default:
		return OutcomeNone, false, fmt.Errorf("unrecognized choice %q", strings.TrimSpace(line))
	}
}
