// Package config loads the engine's YAML configuration, back-filling
// defaults for anything the file leaves out.
package config

import (
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/quantfeed/tapegate/internal/book"
	"github.com/quantfeed/tapegate/internal/feed"
	"github.com/quantfeed/tapegate/internal/gating"
	"github.com/quantfeed/tapegate/internal/heuristics"
	"github.com/quantfeed/tapegate/internal/scarcity"
	"github.com/quantfeed/tapegate/internal/subs"
)

// JournalConfig selects the audit sink.
type JournalConfig struct {
	Backend string `yaml:"backend"` // "file", "postgres", "none"
	Dir     string `yaml:"dir"`
	DSN     string `yaml:"dsn"`
}

// MirrorConfig enables the redis active-set mirror.
type MirrorConfig struct {
	Enabled bool   `yaml:"enabled"`
	Addr    string `yaml:"addr"`
	Key     string `yaml:"key"`
	TTLSec  int    `yaml:"ttl_sec"`
}

// HTTPConfig is the health/metrics listener.
type HTTPConfig struct {
	Addr string `yaml:"addr"`
}

// EngineConfig holds the engine's timers and the candidate universe.
type EngineConfig struct {
	RefreshIntervalMs int64    `yaml:"refresh_interval_ms"`
	FlushIntervalMs   int64    `yaml:"flush_interval_ms"`
	Universe          []string `yaml:"universe"`
	UniverseFile      string   `yaml:"universe_file"`
}

// Config is the root of the YAML file.
type Config struct {
	LogLevel string `yaml:"log_level"`

	Engine     EngineConfig      `yaml:"engine"`
	Book       book.Config       `yaml:"book"`
	Subs       subs.Config       `yaml:"subscriptions"`
	Gating     gating.Config     `yaml:"gating"`
	Scarcity   scarcity.Config   `yaml:"scarcity"`
	Heuristics heuristics.Config `yaml:"heuristics"`
	Feed       feed.Config       `yaml:"feed"`
	Journal    JournalConfig     `yaml:"journal"`
	Mirror     MirrorConfig      `yaml:"mirror"`
	HTTP       HTTPConfig        `yaml:"http"`
}

// Default returns the full production default configuration.
func Default() Config {
	return Config{
		LogLevel: "info",
		Engine: EngineConfig{
			RefreshIntervalMs: 60 * 1000,
			FlushIntervalMs:   500,
		},
		Book:       book.DefaultConfig(),
		Subs:       subs.DefaultConfig(),
		Gating:     gating.DefaultConfig(),
		Scarcity:   scarcity.DefaultConfig(),
		Heuristics: heuristics.DefaultConfig(),
		Feed:       feed.DefaultConfig(),
		Journal:    JournalConfig{Backend: "file", Dir: "out/journal"},
		Mirror:     MirrorConfig{Key: "tapegate:active", TTLSec: 300},
		HTTP:       HTTPConfig{Addr: ":8099"},
	}
}

// Load reads path over the defaults and validates the result. An empty
// path returns the defaults unchanged.
func Load(path string) (Config, error) {
	cfg := Default()
	if path == "" {
		return cfg, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return cfg, fmt.Errorf("read config: %w", err)
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return cfg, fmt.Errorf("parse config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return cfg, err
	}
	return cfg, nil
}

// Validate rejects configurations the engine cannot run with.
func (c *Config) Validate() error {
	if c.Subs.MaxDepthSlots > c.Subs.MaxTickByTick {
		return fmt.Errorf("config: max_depth_slots (%d) cannot exceed max_tick_by_tick (%d): active symbols need both streams",
			c.Subs.MaxDepthSlots, c.Subs.MaxTickByTick)
	}
	if c.Subs.MaxDepthSlots > c.Subs.MaxLines {
		return fmt.Errorf("config: max_depth_slots (%d) cannot exceed max_lines (%d)",
			c.Subs.MaxDepthSlots, c.Subs.MaxLines)
	}
	if c.Book.MaxDepth <= 0 {
		return fmt.Errorf("config: book max_depth must be positive")
	}
	if c.Gating.ThrottleMs <= 0 {
		return fmt.Errorf("config: gating throttle_ms must be positive")
	}
	if c.Engine.RefreshIntervalMs <= 0 {
		return fmt.Errorf("config: refresh_interval_ms must be positive")
	}
	switch c.Journal.Backend {
	case "file", "none":
	case "postgres":
		if c.Journal.DSN == "" {
			return fmt.Errorf("config: postgres journal requires a dsn")
		}
	default:
		return fmt.Errorf("config: unknown journal backend %q", c.Journal.Backend)
	}
	return nil
}

// UniverseSymbols returns the configured candidate universe, reading the
// universe file when one is set (one symbol per line, # comments).
func (c *Config) UniverseSymbols() ([]string, error) {
	symbols := append([]string(nil), c.Engine.Universe...)
	if c.Engine.UniverseFile == "" {
		return symbols, nil
	}
	data, err := os.ReadFile(c.Engine.UniverseFile)
	if err != nil {
		return nil, fmt.Errorf("read universe file: %w", err)
	}
	for _, line := range strings.Split(string(data), "\n") {
		line = strings.TrimSpace(line)
		if line != "" && !strings.HasPrefix(line, "#") {
			symbols = append(symbols, line)
		}
	}
	return symbols, nil
}
