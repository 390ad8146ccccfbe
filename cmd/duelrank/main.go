package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"math/rand"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/jedib0t/go-pretty/v6/text"
	"github.com/mattn/go-isatty"
	"github.com/noperator/duelrank/pkg/duelrank"
	"github.com/openai/openai-go"
)

type options struct {
	inputFile     string
	forceJSON     bool
	inputTemplate string
	configFile    string
	topK          int
	lanes         int
	shuffle       bool
	seed          int64
	judge         string
	initialPrompt string
	oaiModel      string
	oaiURL        string
	encoding      string
	batchTokens   int
	dryRun        bool
	outputFile    string
	table         bool
	debug         bool
	set           map[string]bool // flags given explicitly on the command line
}

type rankedItem struct {
	Key    string      `json:"key"`
	Value  string      `json:"value"`
	Object interface{} `json:"object"` // if loading from json file
	Rank   int         `json:"rank"`
}

type output struct {
	SessionID string       `json:"session_id"`
	TopK      int          `json:"top_k"`
	Judgments int          `json:"judgments"`
	Ranking   []rankedItem `json:"ranking"`
	Discarded []rankedItem `json:"discarded,omitempty"`
}

func main() {
	var opts options
	flag.StringVar(&opts.inputFile, "f", "", "Input file (JSON array of records, or one record per line)")
	flag.BoolVar(&opts.forceJSON, "json", false, "Force JSON parsing regardless of file extension")
	flag.StringVar(&opts.inputTemplate, "template", "", "Template for each record, e.g. '{{.songName}} by {{.songArtist}}' (prefix with @ to use a file)")
	flag.StringVar(&opts.configFile, "config", "", "JSON config file (top_limit, lanes, shuffle, seed, log_level)")
	flag.IntVar(&opts.topK, "k", 0, "Stop once the top K items are known (0 = full ranking)")
	flag.IntVar(&opts.lanes, "lanes", 1, "Comparisons allowed to wait for an answer at once")
	flag.BoolVar(&opts.shuffle, "shuffle", true, "Shuffle the input before ranking")
	flag.Int64Var(&opts.seed, "seed", 0, "Shuffle seed (0 = random)")
	flag.StringVar(&opts.judge, "judge", "auto", "Who judges: auto, terminal, prompt or openai")
	flag.StringVar(&opts.initialPrompt, "p", "", "Initial prompt for the openai judge (prefix with @ to use a file)")
	flag.StringVar(&opts.oaiModel, "openai-model", openai.ChatModelGPT4oMini, "OpenAI model name")
	flag.StringVar(&opts.oaiURL, "openai-url", "", "OpenAI API base URL (e.g., for OpenAI-compatible API like vLLM)")
	flag.StringVar(&opts.encoding, "encoding", "o200k_base", "Tokenizer encoding")
	flag.IntVar(&opts.batchTokens, "t", 128000, "Max tokens per comparison prompt")
	flag.BoolVar(&opts.dryRun, "dry-run", false, "Enable dry run mode for the openai judge (no API calls)")
	flag.StringVar(&opts.outputFile, "o", "", "JSON output file")
	flag.BoolVar(&opts.table, "table", false, "Print the ranking as a table instead of JSON")
	flag.BoolVar(&opts.debug, "debug", false, "Enable debug logging")
	flag.Parse()

	opts.set = make(map[string]bool)
	flag.Visit(func(f *flag.Flag) { opts.set[f.Name] = true })

	if err := run(context.Background(), opts, os.Stdin, os.Stdout, os.Stderr); err != nil {
		os.Exit(1)
	}
}

func run(parent context.Context, opts options, stdin io.Reader, stdout, stderr io.Writer) error {
	cfg, cfgErr := buildConfig(opts)

	// Set up structured logging with level based on debug flag
	logLevel := slog.LevelInfo
	if cfg != nil {
		logLevel = cfg.LogLevel
	}
	var handler slog.Handler = slog.NewTextHandler(stderr, &slog.HandlerOptions{
		Level: logLevel,
	})
	logger := slog.New(handler).With("component", "duelrank-cli")

	if opts.inputFile == "" {
		logger.Error("Usage: duelrank -f <input_file> [-template <tmpl>] [-k <top_k>] [-judge auto|terminal|prompt|openai] [-lanes <n>] [-config <file>] [-o <output_file>] [-table]")
		return errors.New("missing input file")
	}
	if cfgErr != nil {
		logger.Error("invalid configuration", "error", cfgErr)
		return cfgErr
	}

	ctx, cancel := context.WithCancelCause(parent)
	defer cancel(nil)
	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	judgeKind := opts.judge
	if judgeKind == "auto" {
		judgeKind = "prompt"
		if isTerminal(stdin) && isTerminal(stdout) {
			judgeKind = "terminal"
		}
	}

	// the full-screen judge owns the terminal, so logs go to a file meanwhile
	if judgeKind == "terminal" {
		logFile, err := os.OpenFile("duelrank.log", os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
		if err != nil {
			logger.Warn("Failed to create log file, continuing with stderr", "error", err)
		} else {
			defer logFile.Close()
			handler = slog.NewTextHandler(logFile, &slog.HandlerOptions{
				Level: logLevel,
			})
			logger = slog.New(handler).With("component", "duelrank-cli")
		}
	}
	cfg.Logger = slog.New(handler).With("component", "duelrank")

	items, err := duelrank.LoadItemsFromFile(opts.inputFile, opts.inputTemplate, opts.forceJSON, cfg.Logger)
	if err != nil {
		logger.Error("failed to load items", "error", err)
		return err
	}

	if cfg.Shuffle {
		seed := cfg.Seed
		if seed == 0 {
			seed = time.Now().UnixNano()
		}
		logger.Info("Shuffling input", "seed", seed)
		duelrank.Shuffle(items, rand.New(rand.NewSource(seed)))
	}

	var (
		presenter duelrank.Presenter
		terminal  *duelrank.TerminalJudge
	)
	switch judgeKind {
	case "terminal":
		terminal, err = duelrank.NewTerminalJudge(nil, func() { cancel(context.Canceled) }, cfg.Logger)
		if err != nil {
			logger.Error("failed to start terminal judge", "error", err)
			return err
		}
		defer terminal.Close()
		go terminal.Run(ctx)
		presenter = terminal
	case "prompt":
		prompt := duelrank.NewPromptJudge(stdin, stderr, func() { cancel(context.Canceled) }, cfg.Logger)
		defer prompt.Close()
		presenter = prompt
	case "openai":
		judge, err := newOpenAIJudge(opts, cfg.Logger, func(err error) { cancel(err) })
		if err != nil {
			logger.Error("failed to create openai judge", "error", err)
			return err
		}
		if err := judge.CheckItems(items); err != nil {
			logger.Error("input rejected", "error", err)
			return err
		}
		presenter = judge
	default:
		err := fmt.Errorf("unknown judge %q", opts.judge)
		logger.Error("invalid configuration", "error", err)
		return err
	}

	session, err := duelrank.NewSession(cfg, presenter)
	if err != nil {
		logger.Error("failed to create session", "error", err)
		return err
	}

	res, err := session.Run(ctx, items)
	if err != nil {
		if cause := context.Cause(ctx); cause != nil {
			err = cause
		}
		if terminal != nil {
			terminal.Close()
		}
		logger.Error("ranking did not complete", "error", err, "judgments", session.Judgments())
		return err
	}

	if terminal != nil {
		// keep the final ranking on screen until the user dismisses it
		<-ctx.Done()
		terminal.Close()
	}

	out := toOutput(res)
	jsonResults, err := json.MarshalIndent(out, "", "  ")
	if err != nil {
		logger.Error("could not marshal results to JSON", "error", err)
		return err
	}

	if opts.table {
		fmt.Fprintln(stdout, renderTable(out))
	} else {
		fmt.Fprintln(stdout, string(jsonResults))
	}

	if opts.outputFile != "" {
		if err := os.WriteFile(opts.outputFile, jsonResults, 0644); err != nil {
			logger.Error("could not write results", "file", opts.outputFile, "error", err)
			return err
		}
		logger.Info("results written to file", "file", opts.outputFile)
	}
	return nil
}

// buildConfig layers explicit flags over the optional config file.
func buildConfig(opts options) (*duelrank.Config, error) {
	cfg := &duelrank.Config{Shuffle: true}
	if opts.configFile != "" {
		fileCfg, err := duelrank.LoadConfigFile(opts.configFile)
		if err != nil {
			return nil, err
		}
		cfg = fileCfg
	}

	if opts.set["k"] || opts.configFile == "" {
		cfg.TopK = opts.topK
	}
	if opts.set["lanes"] || cfg.Lanes == 0 {
		cfg.Lanes = opts.lanes
	}
	if opts.set["shuffle"] || opts.configFile == "" {
		cfg.Shuffle = opts.shuffle
	}
	if opts.set["seed"] || opts.configFile == "" {
		cfg.Seed = opts.seed
	}
	if opts.debug {
		cfg.LogLevel = slog.LevelDebug
	}
	// the CLI installs its own handler once it knows where logs go
	cfg.Logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	return cfg, cfg.Validate()
}

func newOpenAIJudge(opts options, logger *slog.Logger, quit func(error)) (*duelrank.OpenAIJudge, error) {
	userPrompt := opts.initialPrompt
	if strings.HasPrefix(userPrompt, "@") {
		content, err := os.ReadFile(strings.TrimPrefix(userPrompt, "@"))
		if err != nil {
			return nil, fmt.Errorf("could not read initial prompt file: %w", err)
		}
		userPrompt = string(content)
	}

	// This "threshold" leaves 5% of wiggle room in the token estimate.
	tokenLimit := int(0.95 * float64(opts.batchTokens))

	return duelrank.NewOpenAIJudge(&duelrank.OpenAIConfig{
		InitialPrompt: userPrompt,
		Model:         opts.oaiModel,
		Key:           os.Getenv("OPENAI_API_KEY"),
		APIURL:        opts.oaiURL,
		Encoding:      opts.encoding,
		TokenLimit:    tokenLimit,
		DryRun:        opts.dryRun,
		Logger:        logger,
	}, quit)
}

func isTerminal(v any) bool {
	f, ok := v.(*os.File)
	if !ok {
		return false
	}
	return isatty.IsTerminal(f.Fd()) || isatty.IsCygwinTerminal(f.Fd())
}

func toOutput(res duelrank.Result) output {
	out := output{
		SessionID: res.SessionID,
		TopK:      res.TopK,
		Judgments: res.Judgments,
		Ranking:   make([]rankedItem, 0, len(res.Ranking)),
	}
	for i, item := range res.Ranking {
		out.Ranking = append(out.Ranking, rankedItem{Key: item.ID, Value: item.Value, Object: item.Object, Rank: i + 1})
	}
	for _, item := range res.Discarded {
		out.Discarded = append(out.Discarded, rankedItem{Key: item.ID, Value: item.Value, Object: item.Object})
	}
	return out
}

func renderTable(out output) string {
	tw := table.NewWriter()
	tw.SetStyle(table.StyleRounded)
	tw.AppendHeader(table.Row{"Rank", "Key", "Value"})
	for _, item := range out.Ranking {
		tw.AppendRow(table.Row{item.Rank, item.Key, item.Value})
	}
	tw.AppendFooter(table.Row{"", "Judgments", out.Judgments})
	tw.SetColumnConfigs([]table.ColumnConfig{
		{Number: 1, Align: text.AlignRight, AlignHeader: text.AlignLeft},
		{Number: 2, Align: text.AlignLeft, AlignHeader: text.AlignLeft},
		{Number: 3, Align: text.AlignLeft, AlignHeader: text.AlignLeft},
	})
	return tw.Render()
}
