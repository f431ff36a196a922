package config

import (
	"fmt"
	"os"
	"regexp"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/dyluth/drey/pkg/den"
)

const (
	// DefaultPath is where drey looks for its configuration file.
	DefaultPath = "drey.yml"

	// MaxInstanceNameLength is the maximum length of an instance name.
	// Instance names end up in container names and bus channel names.
	MaxInstanceNameLength = 63
)

// instanceNamePattern matches valid instance names: lowercase alphanumerics
// and hyphens, not starting or ending with a hyphen.
var instanceNamePattern = regexp.MustCompile(`^[a-z0-9]([-a-z0-9]*[a-z0-9])?$`)

// Config represents the top-level drey.yml configuration
type Config struct {
	Version  string `yaml:"version"`
	Instance string `yaml:"instance,omitempty"` // Run instance name; scopes bus channels and container labels (default "default")
	Workers  int    `yaml:"workers,omitempty"`  // Number of concurrent workers to spawn (default 3)

	Builder    BuilderConfig    `yaml:"builder,omitempty"`
	Iterations IterationsConfig `yaml:"iterations,omitempty"`
	CI         CIConfig         `yaml:"ci,omitempty"`
	Heartbeat  HeartbeatConfig  `yaml:"heartbeat,omitempty"`
	Budget     BudgetConfig     `yaml:"budget,omitempty"`
	Decisions  DecisionsConfig  `yaml:"decisions,omitempty"`
	Git        GitConfig        `yaml:"git,omitempty"`
	Paths      PathsConfig      `yaml:"paths,omitempty"`
	Bus        BusConfig        `yaml:"bus,omitempty"`
	Runtime    RuntimeConfig    `yaml:"runtime,omitempty"`

	SuperviseIntervalSeconds int `yaml:"supervise_interval_seconds,omitempty"` // Orchestrator supervision cadence (default 30)
	ClaimPollSeconds         int `yaml:"claim_poll_seconds,omitempty"`         // Worker idle re-poll cadence when nothing is claimable (default 15)
	LockWaitSeconds          int `yaml:"lock_wait_seconds,omitempty"`          // Lock acquisition budget on the claim path (default 10)
}

// BuilderConfig specifies the command drey drives to build each feature
type BuilderConfig struct {
	Command        []string `yaml:"command,omitempty"`         // Builder argv; the task prompt is written to stdin
	TimeoutMinutes int      `yaml:"timeout_minutes,omitempty"` // Wall-clock limit per builder invocation (default 15)
}

// IterationsConfig bounds how many builder rounds a feature gets
type IterationsConfig struct {
	MaxPerFeature int `yaml:"max_per_feature,omitempty"` // Builder invocations before a feature is blocked (default 5)
}

// CIConfig bounds CI retry behavior
type CIConfig struct {
	MaxAttempts int `yaml:"max_attempts,omitempty"` // Failed CI attempts before the reaper blocks the feature (default 3)
}

// HeartbeatConfig controls worker liveness tracking
type HeartbeatConfig struct {
	IntervalSeconds   int `yaml:"interval_seconds,omitempty"`    // How often workers write their heartbeat (default 60)
	StaleAfterSeconds int `yaml:"stale_after_seconds,omitempty"` // Heartbeat age after which a worker counts as dead (default 600)
}

// BudgetConfig controls daily spend accounting and the gate threshold
type BudgetConfig struct {
	MaxDailyCost       *float64 `yaml:"max_daily_cost,omitempty"`       // Daily USD cap; workers pause when reached (0 = unlimited, default 50.0)
	CostPerInputToken  float64  `yaml:"cost_per_input_token,omitempty"`  // USD per prompt token (default 0.000003)
	CostPerOutputToken float64  `yaml:"cost_per_output_token,omitempty"` // USD per completion token (default 0.000015)
	CooldownMinutes    int      `yaml:"cooldown_minutes,omitempty"`      // Worker pause between budget re-checks once over cap (default 5)
}

// DecisionsConfig controls the async decision queue
type DecisionsConfig struct {
	TimeoutSeconds int `yaml:"timeout_seconds,omitempty"` // How long awaiting workers wait before taking the default option (default 3600)
}

// GitConfig specifies branch naming
type GitConfig struct {
	DefaultBranch string `yaml:"default_branch,omitempty"` // Base branch feature branches fork from (default "main")
	BranchPrefix  string `yaml:"branch_prefix,omitempty"`  // Feature branches are named <prefix>/<feature-id> (default "feature")
}

// PathsConfig locates the catalog and the den documents. Individual den
// documents may be relocated; anything left empty resolves under the den root.
type PathsConfig struct {
	Catalog   string `yaml:"catalog,omitempty"`   // Feature catalog file (default "catalog.yaml")
	Den       string `yaml:"den,omitempty"`       // Den root directory (default ".drey")
	State     string `yaml:"state,omitempty"`     // State document override
	Ledger    string `yaml:"ledger,omitempty"`    // Cost ledger override
	Decisions string `yaml:"decisions,omitempty"` // Decision records directory override
	Locks     string `yaml:"locks,omitempty"`     // Lock directory override
}

// BusConfig configures the optional redis event bus
type BusConfig struct {
	RedisURL string `yaml:"redis_url,omitempty"` // redis:// URL; enables the redis notifier and answer inbox when set
}

// RuntimeConfig selects how worker processes are launched
type RuntimeConfig struct {
	Kind  string `yaml:"kind,omitempty"`  // "process" or "docker" (default "process")
	Image string `yaml:"image,omitempty"` // Worker container image; required for the docker kind
}

// Validate performs strict validation and applies defaults in place
func (c *Config) Validate() error {
	if c.Version == "" {
		c.Version = "1"
	}
	if c.Version != "1" {
		return fmt.Errorf("unsupported version: %s (expected: 1)", c.Version)
	}

	if c.Instance == "" {
		c.Instance = "default"
	}
	if err := ValidateInstanceName(c.Instance); err != nil {
		return fmt.Errorf("invalid instance name: %w", err)
	}

	if c.Workers == 0 {
		c.Workers = 3
	}
	if c.Workers < 1 {
		return fmt.Errorf("workers must be >= 1, got %d", c.Workers)
	}

	if len(c.Builder.Command) == 0 {
		c.Builder.Command = []string{"claude", "-p", "--dangerously-skip-permissions"}
	}
	if c.Builder.TimeoutMinutes == 0 {
		c.Builder.TimeoutMinutes = 15
	}
	if c.Builder.TimeoutMinutes < 1 {
		return fmt.Errorf("builder.timeout_minutes must be >= 1, got %d", c.Builder.TimeoutMinutes)
	}

	if c.Iterations.MaxPerFeature == 0 {
		c.Iterations.MaxPerFeature = 5
	}
	if c.Iterations.MaxPerFeature < 1 {
		return fmt.Errorf("iterations.max_per_feature must be >= 1, got %d", c.Iterations.MaxPerFeature)
	}

	if c.CI.MaxAttempts == 0 {
		c.CI.MaxAttempts = 3
	}
	if c.CI.MaxAttempts < 1 {
		return fmt.Errorf("ci.max_attempts must be >= 1, got %d", c.CI.MaxAttempts)
	}

	if c.Heartbeat.IntervalSeconds == 0 {
		c.Heartbeat.IntervalSeconds = 60
	}
	if c.Heartbeat.IntervalSeconds < 1 {
		return fmt.Errorf("heartbeat.interval_seconds must be >= 1, got %d", c.Heartbeat.IntervalSeconds)
	}
	if c.Heartbeat.StaleAfterSeconds == 0 {
		c.Heartbeat.StaleAfterSeconds = 600
	}
	if c.Heartbeat.StaleAfterSeconds <= c.Heartbeat.IntervalSeconds {
		return fmt.Errorf("heartbeat.stale_after_seconds must be greater than heartbeat.interval_seconds (%d <= %d)",
			c.Heartbeat.StaleAfterSeconds, c.Heartbeat.IntervalSeconds)
	}

	if c.Budget.MaxDailyCost == nil {
		defaultCap := 50.0
		c.Budget.MaxDailyCost = &defaultCap
	}
	if *c.Budget.MaxDailyCost < 0 {
		return fmt.Errorf("budget.max_daily_cost must be >= 0 (0 = unlimited), got %v", *c.Budget.MaxDailyCost)
	}
	if c.Budget.CostPerInputToken == 0 {
		c.Budget.CostPerInputToken = 0.000003
	}
	if c.Budget.CostPerOutputToken == 0 {
		c.Budget.CostPerOutputToken = 0.000015
	}
	if c.Budget.CostPerInputToken < 0 || c.Budget.CostPerOutputToken < 0 {
		return fmt.Errorf("budget token costs must be >= 0")
	}
	if c.Budget.CooldownMinutes == 0 {
		c.Budget.CooldownMinutes = 5
	}
	if c.Budget.CooldownMinutes < 1 {
		return fmt.Errorf("budget.cooldown_minutes must be >= 1, got %d", c.Budget.CooldownMinutes)
	}

	if c.Decisions.TimeoutSeconds == 0 {
		c.Decisions.TimeoutSeconds = 3600
	}
	if c.Decisions.TimeoutSeconds < 1 {
		return fmt.Errorf("decisions.timeout_seconds must be >= 1, got %d", c.Decisions.TimeoutSeconds)
	}

	if c.Git.DefaultBranch == "" {
		c.Git.DefaultBranch = "main"
	}
	if c.Git.BranchPrefix == "" {
		c.Git.BranchPrefix = "feature"
	}

	if c.Paths.Catalog == "" {
		c.Paths.Catalog = "catalog.yaml"
	}
	if c.Paths.Den == "" {
		c.Paths.Den = ".drey"
	}

	switch c.Runtime.Kind {
	case "":
		c.Runtime.Kind = "process"
	case "process":
	case "docker":
		if c.Runtime.Image == "" {
			return fmt.Errorf("runtime.image is required when runtime.kind is 'docker'")
		}
	default:
		return fmt.Errorf("invalid runtime.kind: %s (must be 'process' or 'docker')", c.Runtime.Kind)
	}

	if c.SuperviseIntervalSeconds == 0 {
		c.SuperviseIntervalSeconds = 30
	}
	if c.SuperviseIntervalSeconds < 1 {
		return fmt.Errorf("supervise_interval_seconds must be >= 1, got %d", c.SuperviseIntervalSeconds)
	}
	if c.ClaimPollSeconds == 0 {
		c.ClaimPollSeconds = 15
	}
	if c.ClaimPollSeconds < 1 {
		return fmt.Errorf("claim_poll_seconds must be >= 1, got %d", c.ClaimPollSeconds)
	}
	if c.LockWaitSeconds == 0 {
		c.LockWaitSeconds = 10
	}
	if c.LockWaitSeconds < 1 {
		return fmt.Errorf("lock_wait_seconds must be >= 1, got %d", c.LockWaitSeconds)
	}

	return nil
}

// ValidateInstanceName checks that a name is usable as a drey instance name
func ValidateInstanceName(name string) error {
	if name == "" {
		return fmt.Errorf("instance name cannot be empty")
	}
	if len(name) > MaxInstanceNameLength {
		return fmt.Errorf("instance name too long: %d characters (max %d)", len(name), MaxInstanceNameLength)
	}
	if !instanceNamePattern.MatchString(name) {
		return fmt.Errorf("invalid instance name '%s': must be lowercase alphanumeric with hyphens (not at start/end)", name)
	}
	return nil
}

// Layout resolves the den layout described by the configuration
func (c *Config) Layout() den.Layout {
	return den.CustomLayout(c.Paths.Den, den.LayoutPaths{
		State:     c.Paths.State,
		Ledger:    c.Paths.Ledger,
		Decisions: c.Paths.Decisions,
		Locks:     c.Paths.Locks,
	})
}

// BuilderTimeout returns the per-invocation builder wall-clock limit
func (c *Config) BuilderTimeout() time.Duration {
	return time.Duration(c.Builder.TimeoutMinutes) * time.Minute
}

// HeartbeatInterval returns how often workers write their heartbeat
func (c *Config) HeartbeatInterval() time.Duration {
	return time.Duration(c.Heartbeat.IntervalSeconds) * time.Second
}

// StaleAfter returns the heartbeat age past which a worker counts as dead
func (c *Config) StaleAfter() time.Duration {
	return time.Duration(c.Heartbeat.StaleAfterSeconds) * time.Second
}

// BudgetCooldown returns the pause between budget re-checks once over cap
func (c *Config) BudgetCooldown() time.Duration {
	return time.Duration(c.Budget.CooldownMinutes) * time.Minute
}

// DecisionTimeout returns how long awaiting workers wait for an answer
func (c *Config) DecisionTimeout() time.Duration {
	return time.Duration(c.Decisions.TimeoutSeconds) * time.Second
}

// SuperviseInterval returns the orchestrator supervision cadence
func (c *Config) SuperviseInterval() time.Duration {
	return time.Duration(c.SuperviseIntervalSeconds) * time.Second
}

// ClaimPoll returns the worker idle re-poll cadence
func (c *Config) ClaimPoll() time.Duration {
	return time.Duration(c.ClaimPollSeconds) * time.Second
}

// LockWait returns the lock acquisition budget for the claim path
func (c *Config) LockWait() time.Duration {
	return time.Duration(c.LockWaitSeconds) * time.Second
}

// Load reads and validates drey.yml from the specified path.
// DREY_REDIS_URL (or REDIS_URL) overrides bus.redis_url when set.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config: %w", err)
	}

	var config Config
	if err := yaml.Unmarshal(data, &config); err != nil {
		return nil, fmt.Errorf("failed to parse YAML: %w", err)
	}

	if url := os.Getenv("DREY_REDIS_URL"); url != "" {
		config.Bus.RedisURL = url
	} else if url := os.Getenv("REDIS_URL"); url != "" {
		config.Bus.RedisURL = url
	}

	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return &config, nil
}

// Default returns a fully defaulted configuration, as if loading an empty file
func Default() *Config {
	c := &Config{}
	// Validate only fails on out-of-range values, which a zero Config has none of.
	_ = c.Validate()
	return c
}
