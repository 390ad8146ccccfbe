package duelrank

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/gdamore/tcell/v2"
)

const terminalHelp = "1/h/Left: pick left   2/l/Right: pick right   [ ]: discard left/right   q/Esc: quit"

// TerminalJudge is a full-screen judge. Gates from concurrent lanes are queued
// and shown one at a time, oldest first.
type TerminalJudge struct {
	screen tcell.Screen
	quit   func()
	logger *slog.Logger

	closeOnce sync.Once

	mu      sync.Mutex
	pending []*Gate
	final   *Result
	status  string
}

// NewTerminalJudge takes ownership of screen, or opens the terminal when
// screen is nil. quit is called on q, Esc or Ctrl+C.
func NewTerminalJudge(screen tcell.Screen, quit func(), logger *slog.Logger) (*TerminalJudge, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if quit == nil {
		quit = func() {}
	}
	if screen == nil {
		var err error
		screen, err = tcell.NewScreen()
		if err != nil {
			return nil, fmt.Errorf("failed to create screen: %w", err)
		}
	}
	if err := screen.Init(); err != nil {
		return nil, fmt.Errorf("failed to initialize screen: %w", err)
	}
	t := &TerminalJudge{screen: screen, quit: quit, logger: logger}
	t.render()
	return t, nil
}

// Run handles keyboard events until ctx ends or Close is called.
func (t *TerminalJudge) Run(ctx context.Context) {
	go func() {
		<-ctx.Done()
		t.screen.PostEvent(tcell.NewEventInterrupt(nil))
	}()

	for {
		ev := t.screen.PollEvent()
		if ev == nil {
			return
		}
		switch ev := ev.(type) {
		case *tcell.EventKey:
			t.handleKey(ev)
		case *tcell.EventResize:
			t.screen.Sync()
			t.render()
		case *tcell.EventInterrupt:
			if ctx.Err() != nil {
				return
			}
			t.render()
		}
	}
}

// Close restores the terminal. It is safe to call more than once.
func (t *TerminalJudge) Close() {
	t.closeOnce.Do(t.screen.Fini)
}

func (t *TerminalJudge) Present(ctx context.Context, gate *Gate) {
	t.mu.Lock()
	t.pending = append(t.pending, gate)
	t.final = nil
	t.mu.Unlock()
	t.screen.PostEvent(tcell.NewEventInterrupt(nil))
}

func (t *TerminalJudge) Complete(res Result) {
	t.mu.Lock()
	t.final = &res
	t.pending = nil
	t.mu.Unlock()
	t.screen.PostEvent(tcell.NewEventInterrupt(nil))
}

// keyOutcome maps a key to an outcome. The bindings match the prompt judge's
// answers, so 1/h pick left and 2/l pick right in both.
func keyOutcome(ev *tcell.EventKey) (outcome Outcome, quit bool) {
	switch {
	case ev.Key() == tcell.KeyCtrlC || ev.Key() == tcell.KeyEscape:
		return OutcomeNone, true
	case ev.Key() == tcell.KeyLeft:
		return PickLeft, false
	case ev.Key() == tcell.KeyRight:
		return PickRight, false
	case ev.Key() != tcell.KeyRune:
		return OutcomeNone, false
	}
	switch ev.Rune() {
	case 'q':
		return OutcomeNone, true
	case '1', 'h':
		return PickLeft, false
	case '2', 'l':
		return PickRight, false
	case '[':
		return DiscardLeft, false
	case ']':
		return DiscardRight, false
	}
	return OutcomeNone, false
}

func (t *TerminalJudge) handleKey(ev *tcell.EventKey) {
	outcome, quit := keyOutcome(ev)
	if quit {
		t.logger.Info("Interrupted by user")
		t.quit()
		return
	}
	if outcome == OutcomeNone {
		return
	}

	gate := t.current()
	if gate == nil {
		return
	}
	if err := gate.Resolve(outcome); err != nil {
		t.logger.Debug("Ignoring key for stale gate", "gate", gate.ID, "error", err)
	}
	t.mu.Lock()
	t.status = fmt.Sprintf("Gate %d: %s", gate.ID, outcome)
	t.mu.Unlock()
	t.render()
}

// current drops gates that no longer accept a resolution and returns the
// oldest one that does.
func (t *TerminalJudge) current() *Gate {
	t.mu.Lock()
	defer t.mu.Unlock()
	for len(t.pending) > 0 && !t.pending[0].Pending() {
		t.pending = t.pending[1:]
	}
	if len(t.pending) == 0 {
		return nil
	}
	return t.pending[0]
}

func (t *TerminalJudge) render() {
	gate := t.current()

	t.mu.Lock()
	final, status, queued := t.final, t.status, len(t.pending)
	t.mu.Unlock()

	t.screen.Clear()
	width, height := t.screen.Size()
	headerStyle := tcell.StyleDefault.Foreground(tcell.ColorYellow).Bold(true)
	dimStyle := tcell.StyleDefault.Foreground(tcell.ColorGray)

	switch {
	case final != nil:
		header := fmt.Sprintf("RANKING COMPLETE - %d judgments", final.Judgments)
		t.writeString((width-len(header))/2, 0, header, tcell.StyleDefault.Foreground(tcell.ColorGreen).Bold(true))
		for i, item := range final.Ranking {
			if 2+i >= height-2 {
				break
			}
			t.writeString(2, 2+i, fmt.Sprintf("%3d. %s", i+1, item.Value), tcell.StyleDefault)
		}
		t.writeString(0, height-1, "Press q or Esc to exit", dimStyle)
	case gate != nil:
		header := fmt.Sprintf("Round %d/%d - judgments so far: %d", gate.Round, gate.Rounds, gate.Judgments)
		if queued > 1 {
			header += fmt.Sprintf(" - %d waiting", queued-1)
		}
		t.writeString((width-len(header))/2, 0, header, headerStyle)

		half := width / 2
		t.writeString(2, 2, "[1] LEFT", headerStyle)
		t.writeWrapped(2, 4, half-4, height-8, gate.Left.Value, tcell.StyleDefault)
		t.writeString(half+2, 2, "[2] RIGHT", headerStyle)
		t.writeWrapped(half+2, 4, half-4, height-8, gate.Right.Value, tcell.StyleDefault)
		for y := 2; y < height-3; y++ {
			t.screen.SetContent(half, y, tcell.RuneVLine, nil, dimStyle)
		}
		t.writeString(0, height-2, terminalHelp, dimStyle)
	default:
		t.writeString(0, 0, "Waiting for the next comparison...", dimStyle)
	}
	if status != "" && final == nil {
		t.writeString(0, height-1, status, dimStyle)
	}

	t.screen.Show()
}

func (t *TerminalJudge) writeString(x, y int, s string, style tcell.Style) {
	if x < 0 {
		x = 0
	}
	for i, ch := range []rune(s) {
		t.screen.SetContent(x+i, y, ch, nil, style)
	}
}

// writeWrapped breaks s into lines of at most width runes.
func (t *TerminalJudge) writeWrapped(x, y, width, maxLines int, s string, style tcell.Style) {
	if width <= 0 || maxLines <= 0 {
		return
	}
	runes := []rune(s)
	for line := 0; line < maxLines && len(runes) > 0; line++ {
		n := min(width, len(runes))
		t.writeString(x, y+line, string(runes[:n]), style)
		runes = runes[n:]
	}
}
