// Package config loads the relsync CLI configuration file.
package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/c0deZ3R0/relsync/logging"
	"github.com/c0deZ3R0/relsync/storage/postgres"
	"github.com/c0deZ3R0/relsync/storage/sqlite"
	"github.com/c0deZ3R0/relsync/synckit"
)

// Remote kinds.
const (
	RemoteREST     = "rest"
	RemotePostgres = "postgres"
	RemoteMemory   = "memory"
)

// Strategy names accepted in conflict rules.
const (
	StrategyLocal  = "local"
	StrategyServer = "server"
	StrategyMerge  = "merge"
	StrategyManual = "manual"
)

// Config is the root of the configuration file.
type Config struct {
	Local     sqlite.Config  `yaml:"local"`
	Remote    RemoteConfig   `yaml:"remote"`
	Tables    synckit.Tables `yaml:"tables"`
	Realtime  RealtimeConfig `yaml:"realtime"`
	Sync      SyncConfig     `yaml:"sync"`
	Conflicts ConflictConfig `yaml:"conflicts"`
	Logging   logging.Config `yaml:"logging"`
}

// RemoteConfig selects and configures the remote store.
type RemoteConfig struct {
	Kind     string          `yaml:"kind"`
	REST     RESTConfig      `yaml:"rest"`
	Postgres postgres.Config `yaml:"postgres"`
}

// RESTConfig configures the PostgREST-style HTTP client.
type RESTConfig struct {
	URL          string            `yaml:"url"`
	APIKey       string            `yaml:"api_key"`
	Token        string            `yaml:"token"`
	Headers      map[string]string `yaml:"headers"`
	Timeout      time.Duration     `yaml:"timeout"`
	Gzip         bool              `yaml:"gzip"`
	MaxBodyBytes int64             `yaml:"max_body_bytes"`
	// HealthURL is probed for IsOnline. Defaults to URL.
	HealthURL string `yaml:"health_url"`
}

// RealtimeConfig configures the websocket change feed. Empty URL disables it.
type RealtimeConfig struct {
	URL     string            `yaml:"url"`
	Token   string            `yaml:"token"`
	Headers map[string]string `yaml:"headers"`
}

// SyncConfig tunes the scheduler used by watch.
type SyncConfig struct {
	Interval         time.Duration `yaml:"interval"`
	ConnectivityPoll time.Duration `yaml:"connectivity_poll"`
	PassTimeout      time.Duration `yaml:"pass_timeout"`
	ProbeTimeout     time.Duration `yaml:"probe_timeout"`
}

// ConflictConfig describes the conflict resolution policy.
type ConflictConfig struct {
	// Default applies when no rule matches. "manual" or empty leaves the
	// conflict for resolution by hand.
	Default string       `yaml:"default"`
	Rules   []RuleConfig `yaml:"rules"`
}

// RuleConfig is one first-match-wins conflict rule. Empty matchers match
// everything.
type RuleConfig struct {
	Name         string `yaml:"name"`
	ChangeType   string `yaml:"change_type"`
	ServerStatus string `yaml:"server_status"`
	PayloadHas   string `yaml:"payload_has"`
	Strategy     string `yaml:"strategy"`
}

// Default returns the configuration used when no file is given.
func Default() *Config {
	c := &Config{
		Local:  sqlite.Config{DataSourceName: "relsync.db", EnableWAL: true},
		Remote: RemoteConfig{Kind: RemoteMemory},
	}
	c.setDefaults()
	return c
}

func (c *Config) setDefaults() {
	defaults := synckit.DefaultTables()
	if c.Tables.Relationships == "" {
		c.Tables.Relationships = defaults.Relationships
	}
	if c.Tables.Requests == "" {
		c.Tables.Requests = defaults.Requests
	}
	if c.Remote.Postgres.Tables == (synckit.Tables{}) {
		c.Remote.Postgres.Tables = c.Tables
	}
	if c.Local.DataSourceName == "" {
		c.Local.DataSourceName = "relsync.db"
	}
	if c.Remote.REST.Timeout == 0 {
		c.Remote.REST.Timeout = 30 * time.Second
	}
	if c.Sync.Interval == 0 {
		c.Sync.Interval = time.Minute
	}
	if c.Sync.ConnectivityPoll == 0 {
		c.Sync.ConnectivityPoll = 10 * time.Second
	}
	if c.Sync.PassTimeout == 0 {
		c.Sync.PassTimeout = 2 * time.Minute
	}
	if c.Sync.ProbeTimeout == 0 {
		c.Sync.ProbeTimeout = 3 * time.Second
	}
	if c.Conflicts.Default == "" {
		c.Conflicts.Default = StrategyManual
	}
}

// Load reads the YAML (or JSON) file at path. ${VAR} references are
// expanded from the environment before parsing so secrets can stay out of
// the file.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file %s: %w", path, err)
	}
	return Parse(data)
}

// Parse decodes and validates configuration bytes.
func Parse(data []byte) (*Config, error) {
	var c Config
	if err := yaml.Unmarshal([]byte(os.ExpandEnv(string(data))), &c); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}
	c.setDefaults()
	if err := c.Validate(); err != nil {
		return nil, err
	}
	return &c, nil
}

// Validate checks the configuration for missing or unknown values.
func (c *Config) Validate() error {
	switch c.Remote.Kind {
	case RemoteREST:
		if c.Remote.REST.URL == "" {
			return fmt.Errorf("remote.rest.url is required for the rest remote")
		}
	case RemotePostgres:
		if c.Remote.Postgres.ConnectionString == "" {
			return fmt.Errorf("remote.postgres.dsn is required for the postgres remote")
		}
	case RemoteMemory:
	case "":
		return fmt.Errorf("remote.kind is required")
	default:
		return fmt.Errorf("unknown remote kind %q", c.Remote.Kind)
	}

	if !validStrategy(c.Conflicts.Default) {
		return fmt.Errorf("unknown default conflict strategy %q", c.Conflicts.Default)
	}
	names := make(map[string]bool)
	for i, r := range c.Conflicts.Rules {
		if r.Name == "" {
			return fmt.Errorf("conflict rule %d: name is required", i)
		}
		if names[r.Name] {
			return fmt.Errorf("duplicate conflict rule name: %s", r.Name)
		}
		names[r.Name] = true
		if r.Strategy == "" {
			return fmt.Errorf("conflict rule %s: strategy is required", r.Name)
		}
		if !validStrategy(r.Strategy) {
			return fmt.Errorf("conflict rule %s: unknown strategy %q", r.Name, r.Strategy)
		}
		if r.ChangeType != "" {
			if _, err := synckit.ParseChangeType(r.ChangeType); err != nil {
				return fmt.Errorf("conflict rule %s: %w", r.Name, err)
			}
		}
	}
	return nil
}

func validStrategy(s string) bool {
	switch s {
	case StrategyLocal, StrategyServer, StrategyMerge, StrategyManual:
		return true
	}
	return false
}

func strategyResolver(s string) synckit.ConflictResolver {
	switch s {
	case StrategyLocal:
		return synckit.KeepLocal
	case StrategyServer:
		return synckit.KeepServer
	case StrategyMerge:
		return synckit.ShallowMerge
	default:
		return synckit.ManualReviewResolver{}
	}
}

// Resolver builds the conflict policy. It returns nil when every conflict
// is left for manual resolution.
func (c *ConflictConfig) Resolver() (synckit.ConflictResolver, error) {
	if len(c.Rules) == 0 {
		if c.Default == StrategyManual || c.Default == "" {
			return nil, nil
		}
		return strategyResolver(c.Default), nil
	}

	opts := make([]synckit.RuleOption, 0, len(c.Rules)+1)
	for _, r := range c.Rules {
		var specs []synckit.Spec
		if r.ChangeType != "" {
			specs = append(specs, synckit.ChangeTypeIs(synckit.ChangeType(r.ChangeType)))
		}
		if r.ServerStatus != "" {
			specs = append(specs, synckit.ServerFieldEquals(synckit.StatusField, r.ServerStatus))
		}
		if r.PayloadHas != "" {
			specs = append(specs, synckit.PayloadHas(r.PayloadHas))
		}
		opts = append(opts, synckit.WithRule(r.Name, synckit.And(specs...), strategyResolver(r.Strategy)))
	}
	if c.Default != StrategyManual && c.Default != "" {
		opts = append(opts, synckit.WithFallback(strategyResolver(c.Default)))
	}
	return synckit.NewRuleResolver(opts...)
}
