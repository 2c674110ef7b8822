// Package config handles Gambit configuration loading.
//
// Configuration comes from a single YAML file (environment variables in
// the file are expanded before parsing), with GAMBIT_-prefixed
// environment variables applied on top for container deployments.
package config

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/caarlos0/env/v11"
	"gopkg.in/yaml.v3"
)

// DefaultSearchPaths returns the config file search order.
// An explicit path (from -config flag) is checked first.
// Then: ./gambit.yaml, ~/.config/gambit/config.yaml, /etc/gambit/config.yaml.
func DefaultSearchPaths() []string {
	paths := []string{"gambit.yaml"}

	if home, err := os.UserHomeDir(); err == nil {
		paths = append(paths, filepath.Join(home, ".config", "gambit", "config.yaml"))
	}

	paths = append(paths, "/etc/gambit/config.yaml")
	return paths
}

// FindConfig locates a config file. If explicit is non-empty, it must exist.
// Otherwise, searches DefaultSearchPaths and returns the first that exists.
// Returns the path found, or an error if nothing was found.
func FindConfig(explicit string) (string, error) {
	if explicit != "" {
		if _, err := os.Stat(explicit); err != nil {
			return "", fmt.Errorf("config file not found: %s", explicit)
		}
		return explicit, nil
	}

	for _, p := range DefaultSearchPaths() {
		if _, err := os.Stat(p); err == nil {
			return p, nil
		}
	}

	return "", fmt.Errorf("no config file found (searched: %v)", DefaultSearchPaths())
}

// Config holds all Gambit configuration.
type Config struct {
	Emulator   EmulatorConfig   `yaml:"emulator" envPrefix:"EMULATOR_"`
	Model      ModelConfig      `yaml:"model" envPrefix:"MODEL_"`
	Loop       LoopConfig       `yaml:"loop" envPrefix:"LOOP_"`
	Context    ContextConfig    `yaml:"context" envPrefix:"CONTEXT_"`
	Classifier ClassifierConfig `yaml:"classifier" envPrefix:"CLASSIFIER_"`
	Listen     ListenConfig     `yaml:"listen" envPrefix:"LISTEN_"`
	MQTT       MQTTConfig       `yaml:"mqtt" envPrefix:"MQTT_"`
	DataDir    string           `yaml:"data_dir" env:"DATA_DIR"`
	RunID      string           `yaml:"run_id" env:"RUN_ID"`
	LogLevel   string           `yaml:"log_level" env:"LOG_LEVEL"`
}

// EmulatorConfig defines the emulator bridge connection.
type EmulatorConfig struct {
	// URL is the base URL of the emulator bridge service
	// (e.g., http://localhost:8765). The snapshot feed upgrades
	// this to a WebSocket; action injection uses plain HTTP.
	URL string `yaml:"url" env:"URL"`
	// SnapshotTimeoutSec bounds the wait for the next snapshot (default 30).
	SnapshotTimeoutSec int `yaml:"snapshot_timeout_sec" env:"SNAPSHOT_TIMEOUT_SEC"`
	// InjectTimeoutSec bounds a single action injection call (default 10).
	InjectTimeoutSec int `yaml:"inject_timeout_sec" env:"INJECT_TIMEOUT_SEC"`
}

func (c *EmulatorConfig) applyDefaults() {
	if c.URL == "" {
		c.URL = "http://localhost:8765"
	}
	if c.SnapshotTimeoutSec <= 0 {
		c.SnapshotTimeoutSec = 30
	}
	if c.InjectTimeoutSec <= 0 {
		c.InjectTimeoutSec = 10
	}
}

// ModelConfig defines the decision service connection and retry policy.
type ModelConfig struct {
	// URL is the decision service endpoint.
	URL string `yaml:"url" env:"URL"`
	// APIKey authenticates against the decision service, if required.
	APIKey string `yaml:"api_key" env:"API_KEY"`
	// TimeoutSec bounds a single decision call (default 120).
	TimeoutSec int `yaml:"timeout_sec" env:"TIMEOUT_SEC"`
	// Retry controls transient-error retry behavior.
	Retry RetryConfig `yaml:"retry" envPrefix:"RETRY_"`
}

func (c *ModelConfig) applyDefaults() {
	if c.URL == "" {
		c.URL = "http://localhost:8111"
	}
	if c.TimeoutSec <= 0 {
		c.TimeoutSec = 120
	}
	c.Retry.applyDefaults()
}

// RetryConfig controls exponential backoff for transient model errors.
// The schedule is InitialDelay, InitialDelay×Multiplier, ... capped at
// MaxDelay, with ±Jitter applied to each delay.
type RetryConfig struct {
	// MaxAttempts is the total number of tries, including the first (default 5).
	MaxAttempts int `yaml:"max_attempts" env:"MAX_ATTEMPTS"`
	// InitialDelayMS is the delay before the first retry (default 1000).
	InitialDelayMS int `yaml:"initial_delay_ms" env:"INITIAL_DELAY_MS"`
	// MaxDelayMS is the ceiling for backoff growth (default 30000).
	MaxDelayMS int `yaml:"max_delay_ms" env:"MAX_DELAY_MS"`
	// Multiplier scales the delay after each retry (default 2.0).
	Multiplier float64 `yaml:"multiplier" env:"MULTIPLIER"`
	// Jitter is the fraction of each delay randomized (default 0.2).
	Jitter float64 `yaml:"jitter" env:"JITTER"`
}

func (c *RetryConfig) applyDefaults() {
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = 5
	}
	if c.InitialDelayMS <= 0 {
		c.InitialDelayMS = 1000
	}
	if c.MaxDelayMS <= 0 {
		c.MaxDelayMS = 30000
	}
	if c.Multiplier <= 0 {
		c.Multiplier = 2.0
	}
	if c.Jitter < 0 || c.Jitter >= 1 {
		c.Jitter = 0.2
	}
}

// LoopConfig defines decision loop cadences and bounds.
type LoopConfig struct {
	// CheckpointInterval is how many turns pass between checkpoints (default 50).
	CheckpointInterval int `yaml:"checkpoint_interval" env:"CHECKPOINT_INTERVAL"`
	// ValidationBound is the number of consecutive unparseable model
	// responses tolerated before the safe default action is dispatched
	// (default 5).
	ValidationBound int `yaml:"validation_bound" env:"VALIDATION_BOUND"`
	// DispatchTimeoutSec bounds one action dispatch, including tool-planned
	// sequences (default 30).
	DispatchTimeoutSec int `yaml:"dispatch_timeout_sec" env:"DISPATCH_TIMEOUT_SEC"`
}

func (c *LoopConfig) applyDefaults() {
	if c.CheckpointInterval <= 0 {
		c.CheckpointInterval = 50
	}
	if c.ValidationBound <= 0 {
		c.ValidationBound = 5
	}
	if c.DispatchTimeoutSec <= 0 {
		c.DispatchTimeoutSec = 30
	}
}

// ContextConfig defines context compilation and compaction behavior.
type ContextConfig struct {
	// TokenCeiling is the hard budget for a compiled context (default 8000).
	TokenCeiling int `yaml:"token_ceiling" env:"TOKEN_CEILING"`
	// CharsPerToken is the approximate token cost divisor (default 4).
	CharsPerToken int `yaml:"chars_per_token" env:"CHARS_PER_TOKEN"`
	// RecentTurns is the rolling window of raw turns kept verbatim (default 10).
	RecentTurns int `yaml:"recent_turns" env:"RECENT_TURNS"`
	// SummarizeEvery is the tier-1 compaction block size in turns (default 100).
	SummarizeEvery int `yaml:"summarize_every" env:"SUMMARIZE_EVERY"`
	// CascadeWidth is how many same-tier summaries collapse into one
	// higher-tier summary (default 10).
	CascadeWidth int `yaml:"cascade_width" env:"CASCADE_WIDTH"`
	// CritiqueInterval is how many turns pass between self-review
	// critique requests; 0 disables (default 25).
	CritiqueInterval int `yaml:"critique_interval" env:"CRITIQUE_INTERVAL"`
}

func (c *ContextConfig) applyDefaults() {
	if c.TokenCeiling <= 0 {
		c.TokenCeiling = 8000
	}
	if c.CharsPerToken <= 0 {
		c.CharsPerToken = 4
	}
	if c.RecentTurns <= 0 {
		c.RecentTurns = 10
	}
	if c.SummarizeEvery <= 0 {
		c.SummarizeEvery = 100
	}
	if c.CascadeWidth <= 0 {
		c.CascadeWidth = 10
	}
	if c.CritiqueInterval < 0 {
		c.CritiqueInterval = 25
	}
}

// ClassifierConfig defines state classification tuning.
type ClassifierConfig struct {
	// Debounce is the number of consecutive identical classifications
	// required before a state change is reported (default 2).
	Debounce int `yaml:"debounce" env:"DEBOUNCE"`
	// SpecialLocations are location names that classify as SpecialLocation
	// ahead of dialog/menu/overworld rules.
	SpecialLocations []string `yaml:"special_locations" env:"SPECIAL_LOCATIONS"`
}

func (c *ClassifierConfig) applyDefaults() {
	if c.Debounce <= 0 {
		c.Debounce = 2
	}
}

// ListenConfig defines the status API server settings.
type ListenConfig struct {
	Address string `yaml:"address" env:"ADDRESS"` // Bind address (default: "" = all interfaces)
	Port    int    `yaml:"port" env:"PORT"`       // Default: 8090
}

func (c *ListenConfig) applyDefaults() {
	if c.Port <= 0 {
		c.Port = 8090
	}
}

// MQTTConfig defines telemetry broker settings. Disabled unless a
// broker URL is configured.
type MQTTConfig struct {
	Enabled bool `yaml:"enabled" env:"ENABLED"`
	// Broker is the broker URL (mqtt://, mqtts://, or ssl:// scheme).
	Broker   string `yaml:"broker" env:"BROKER"`
	Username string `yaml:"username" env:"USERNAME"`
	Password string `yaml:"password" env:"PASSWORD"`
	// DeviceName namespaces topics; default "gambit".
	DeviceName string `yaml:"device_name" env:"DEVICE_NAME"`
	// PublishIntervalSec is the stats publish cadence (default 30).
	PublishIntervalSec int `yaml:"publish_interval_sec" env:"PUBLISH_INTERVAL_SEC"`
}

func (c *MQTTConfig) applyDefaults() {
	if c.DeviceName == "" {
		c.DeviceName = "gambit"
	}
	if c.PublishIntervalSec <= 0 {
		c.PublishIntervalSec = 30
	}
}

// applyDefaults fills zero-valued fields across all sub-configs.
func (c *Config) applyDefaults() {
	c.Emulator.applyDefaults()
	c.Model.applyDefaults()
	c.Loop.applyDefaults()
	c.Context.applyDefaults()
	c.Classifier.applyDefaults()
	c.Listen.applyDefaults()
	c.MQTT.applyDefaults()
	if c.DataDir == "" {
		c.DataDir = "."
	}
}

// Load reads configuration from a YAML file, expands environment
// variables in the raw file, then applies GAMBIT_-prefixed environment
// overrides on top of the parsed values.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	// Expand environment variables
	expanded := os.ExpandEnv(string(data))

	cfg := &Config{}
	if err := yaml.Unmarshal([]byte(expanded), cfg); err != nil {
		return nil, err
	}

	if err := env.ParseWithOptions(cfg, env.Options{Prefix: "GAMBIT_"}); err != nil {
		return nil, fmt.Errorf("parse env overrides: %w", err)
	}

	cfg.applyDefaults()
	return cfg, nil
}

// Default returns a default configuration.
func Default() *Config {
	cfg := &Config{}
	cfg.applyDefaults()
	return cfg
}
