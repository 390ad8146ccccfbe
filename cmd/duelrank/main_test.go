package main

import (
	"bytes"
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/noperator/duelrank/pkg/duelrank"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeFile(t *testing.T, name, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

func defaultOptions() options {
	return options{
		lanes:       1,
		judge:       "prompt",
		oaiModel:    "gpt-4o-mini",
		encoding:    "o200k_base",
		batchTokens: 128000,
		set:         map[string]bool{},
	}
}

func TestRunPromptJudge(t *testing.T) {
	opts := defaultOptions()
	opts.inputFile = writeFile(t, "words.txt", "bravo\nalpha\n")
	opts.outputFile = filepath.Join(t.TempDir(), "out.json")

	var stdout, stderr bytes.Buffer
	err := run(context.Background(), opts, strings.NewReader("2\n"), &stdout, &stderr)
	require.NoError(t, err, stderr.String())

	var out output
	require.NoError(t, json.Unmarshal(stdout.Bytes(), &out))
	require.Len(t, out.Ranking, 2)
	assert.Equal(t, "alpha", out.Ranking[0].Value)
	assert.Equal(t, 1, out.Ranking[0].Rank)
	assert.Equal(t, duelrank.ShortDeterministicID("alpha", 8), out.Ranking[0].Key)
	assert.Equal(t, "bravo", out.Ranking[1].Value)
	assert.Equal(t, 1, out.Judgments)
	assert.Equal(t, duelrank.Unbounded, out.TopK)
	assert.Contains(t, stderr.String(), "1) bravo")

	written, err := os.ReadFile(opts.outputFile)
	require.NoError(t, err)
	assert.JSONEq(t, stdout.String(), string(written))
}

func TestRunDryRunTable(t *testing.T) {
	opts := defaultOptions()
	opts.inputFile = writeFile(t, "songs.json", `[
		{"title": "Mercy Street"}, {"title": "Aja"},
		[{"title": "Hejira"}, {"title": "Blue"}]
	]`)
	opts.inputTemplate = "{{.title}}"
	opts.judge = "openai"
	opts.initialPrompt = "Which title comes first alphabetically?"
	opts.dryRun = true
	opts.shuffle = true
	opts.seed = 3
	opts.topK = 2
	opts.lanes = 2
	opts.table = true

	var stdout, stderr bytes.Buffer
	err := run(context.Background(), opts, strings.NewReader(""), &stdout, &stderr)
	require.NoError(t, err, stderr.String())

	table := stdout.String()
	assert.Contains(t, table, "Aja")
	assert.Contains(t, table, "Blue")
	assert.NotContains(t, table, "Hejira")
	assert.NotContains(t, table, "Mercy Street")
	assert.Less(t, strings.Index(table, "Aja"), strings.Index(table, "Blue"))
	assert.Contains(t, stderr.String(), "Shuffling input")
}

func TestRunQuitByUser(t *testing.T) {
	opts := defaultOptions()
	opts.inputFile = writeFile(t, "words.txt", "a\nb\nc\n")

	var stdout, stderr bytes.Buffer
	err := run(context.Background(), opts, strings.NewReader("q\n"), &stdout, &stderr)
	assert.ErrorIs(t, err, context.Canceled)
	assert.Empty(t, stdout.String())
}

func TestRunErrors(t *testing.T) {
	var stdout, stderr bytes.Buffer

	opts := defaultOptions()
	assert.Error(t, run(context.Background(), opts, strings.NewReader(""), &stdout, &stderr))
	assert.Contains(t, stderr.String(), "Usage: duelrank")

	opts.inputFile = writeFile(t, "words.txt", "a\nb\n")
	opts.judge = "oracle"
	assert.Error(t, run(context.Background(), opts, strings.NewReader(""), &stdout, &stderr))

	opts.judge = "prompt"
	opts.inputFile = writeFile(t, "bad.json", `[1, 2]`)
	err := run(context.Background(), opts, strings.NewReader(""), &stdout, &stderr)
	assert.ErrorIs(t, err, duelrank.ErrMalformedInput)

	stdout.Reset()
	opts.inputFile = writeFile(t, "null.json", "null\n")
	err = run(context.Background(), opts, strings.NewReader(""), &stdout, &stderr)
	assert.ErrorIs(t, err, duelrank.ErrMalformedInput)
	assert.Empty(t, stdout.String())

	opts.inputFile = writeFile(t, "words.txt", "a\nb\n")
	opts.lanes = -2
	opts.set["lanes"] = true
	assert.Error(t, run(context.Background(), opts, strings.NewReader(""), &stdout, &stderr))
}

func TestBuildConfig(t *testing.T) {
	opts := defaultOptions()
	cfg, err := buildConfig(opts)
	require.NoError(t, err)
	assert.Equal(t, duelrank.Unbounded, cfg.TopK)
	assert.Equal(t, 1, cfg.Lanes)
	assert.False(t, cfg.Shuffle)

	opts.configFile = writeFile(t, "duelrank.json", `{"top_limit": 3, "lanes": 2, "shuffle": false, "seed": 7}`)
	cfg, err = buildConfig(opts)
	require.NoError(t, err)
	assert.Equal(t, 3, cfg.TopK)
	assert.Equal(t, 2, cfg.Lanes)
	assert.False(t, cfg.Shuffle)
	assert.Equal(t, int64(7), cfg.Seed)

	opts.topK = 5
	opts.lanes = 4
	opts.debug = true
	opts.set = map[string]bool{"k": true, "lanes": true}
	cfg, err = buildConfig(opts)
	require.NoError(t, err)
	assert.Equal(t, 5, cfg.TopK)
	assert.Equal(t, 4, cfg.Lanes)
	assert.Equal(t, int64(7), cfg.Seed)
	assert.True(t, cfg.LogLevel < 0, "debug level")

	opts.configFile = filepath.Join(t.TempDir(), "missing.json")
	_, err = buildConfig(opts)
	assert.Error(t, err)
}

func TestRenderTable(t *testing.T) {
	out := toOutput(duelrank.Result{
		Ranking:   duelrank.Sequence{{ID: "k1", Value: "first"}, {ID: "k2", Value: "second"}},
		Discarded: []duelrank.Item{{ID: "k3", Value: "gone"}},
		Judgments: 1,
		TopK:      duelrank.Unbounded,
	})
	require.Len(t, out.Discarded, 1)
	assert.Zero(t, out.Discarded[0].Rank)

	table := renderTable(out)
	assert.Contains(t, table, "RANK")
	assert.Contains(t, table, "first")
	assert.Contains(t, table, "k2")
	assert.Contains(t, table, "JUDGMENTS")
	assert.NotContains(t, table, "gone")
}

func TestIsTerminal(t *testing.T) {
	assert.False(t, isTerminal(strings.NewReader("")))
	assert.False(t, isTerminal(&bytes.Buffer{}))
}
