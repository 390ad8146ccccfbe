// Package duelrank ranks items into a total order using pairwise judgments
// supplied from outside the process: a person at a terminal, a line-oriented
// prompt, or a language model standing in for one.
//
// Ranking is a bottom-up merge sort whose comparison step is a Gate. The merge
// suspends until the gate is resolved, and every merge is cut short once it has
// produced as many items as the session's top-K bound asks for.
package duelrank

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"os"
)

// Unbounded asks a session for a complete ranking.
const Unbounded = -1

/*
Config holds what a caller decides before a session starts. Anything that
changes while ranking (counters, the current run, open gates) lives on the
Session instead.
*/
type Config struct {
	TopK     int          `json:"top_limit"` // Bound on the ranking length; <= 0 means unbounded
	Lanes    int          `json:"lanes"`     // Merges of one round allowed to wait on gates at once
	Shuffle  bool         `json:"shuffle"`   // Randomize input order before ranking (applied by the caller)
	Seed     int64        `json:"seed"`      // Shuffle seed; 0 picks one from the clock
	Logger   *slog.Logger `json:"-"`
	LogLevel slog.Level   `json:"-"` // Defaults to 0 (slog.LevelInfo)
}

// Validate normalizes the config in place. An invalid bound is not an error;
// it falls back to Unbounded.
func (c *Config) Validate() error {
	if c.Lanes < 0 {
		return fmt.Errorf("lanes must not be negative")
	}
	if c.Lanes == 0 {
		c.Lanes = 1
	}
	if c.TopK <= 0 {
		c.TopK = Unbounded
	}
	if c.Logger == nil {
		c.Logger = slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
			Level:     c.LogLevel,
			AddSource: false,
		})).With("component", "duelrank")
	}
	return nil
}

// Bounded reports whether the config asks for a top-K prefix only.
func (c *Config) Bounded() bool {
	return c.TopK > 0
}

// limitFor returns the largest sequence any merge may produce for n items.
func (c *Config) limitFor(n int) int {
	if c.TopK > 0 && c.TopK < n {
		return c.TopK
	}
	return n
}

// fileConfig mirrors Config on disk. The bound is decoded loosely so that a
// bad value degrades to Unbounded instead of failing the load.
type fileConfig struct {
	TopLimit       any    `json:"top_limit"`
	LegacyTopLimit any    `json:"topLimit"`
	Lanes          int    `json:"lanes"`
	Shuffle        *bool  `json:"shuffle"`
	Seed           int64  `json:"seed"`
	LogLevel       string `json:"log_level"`
}

// LoadConfigFile reads a JSON config file.
func LoadConfigFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file %s: %w", path, err)
	}
	return parseConfig(data)
}

func parseConfig(data []byte) (*Config, error) {
	var fc fileConfig
	if err := json.Unmarshal(data, &fc); err != nil {
		return nil, fmt.Errorf("failed to decode config: %w", err)
	}

	cfg := &Config{
		Lanes:   fc.Lanes,
		Shuffle: true,
		Seed:    fc.Seed,
	}
	if fc.Shuffle != nil {
		cfg.Shuffle = *fc.Shuffle
	}

	raw := fc.TopLimit
	if raw == nil {
		raw = fc.LegacyTopLimit
	}
	cfg.TopK = parseBound(raw)

	if fc.LogLevel != "" {
		if err := cfg.LogLevel.UnmarshalText([]byte(fc.LogLevel)); err != nil {
			return nil, fmt.Errorf("invalid log level %q: %w", fc.LogLevel, err)
		}
	}
	return cfg, nil
}

// parseBound accepts a positive whole number and maps everything else to
// Unbounded.
func parseBound(raw any) int {
	v, ok := raw.(float64)
	if !ok || math.IsNaN(v) || math.IsInf(v, 0) || v < 1 || v != math.Trunc(v) || v > math.MaxInt32 {
		return Unbounded
	}
	return int(v)
}

var (
	// ErrMalformedInput is returned when the input feed does not yield a
	// usable list of records.
	ErrMalformedInput = errors.New("malformed input")
	// ErrSuperseded is returned by Wait when a newer Start replaced the run.
	ErrSuperseded = errors.New("session superseded")
)
