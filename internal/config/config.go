package config

import (
	"fmt"
	"os"
	"sort"
	"time"

	"gopkg.in/yaml.v3"
)

// DefaultFilename is the configuration file looked up in the working directory.
const DefaultFilename = "nightshift.yml"

// Store backends
const (
	BackendRedis    = "redis"
	BackendSQLite   = "sqlite"
	BackendPostgres = "postgres"
)

// Autonomy levels, lowest to highest
const (
	LevelProposeOnly = "propose_only"
	LevelAutoCommit  = "auto_commit"
	LevelAutoMerge   = "auto_merge"
)

// RouteAll delivers a knowledge type to every registered worker except its source.
const RouteAll = "all"

// Duration is a time.Duration read from YAML strings such as "30s" or "12h".
type Duration struct {
	time.Duration
}

// UnmarshalYAML parses a Go duration string.
func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	var s string
	if err := value.Decode(&s); err != nil {
		return fmt.Errorf("duration must be a string: %w", err)
	}
	parsed, err := time.ParseDuration(s)
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", s, err)
	}
	d.Duration = parsed
	return nil
}

// MarshalYAML renders the duration in Go syntax.
func (d Duration) MarshalYAML() (interface{}, error) {
	return d.Duration.String(), nil
}

// Config represents the top-level nightshift.yml configuration.
// It is immutable once Load returns; components receive the sections they need.
type Config struct {
	Version    string            `yaml:"version"`
	Instance   string            `yaml:"instance,omitempty"` // Namespace for Redis keys (default "default")
	Store      *StoreConfig      `yaml:"store,omitempty"`
	Dreamer    *DreamerConfig    `yaml:"dreamer,omitempty"`
	Autonomy   *AutonomyConfig   `yaml:"autonomy,omitempty"`
	Workers    map[string]Worker `yaml:"workers"`
	Loop       *LoopConfig       `yaml:"loop,omitempty"`
	Knowledge  *KnowledgeConfig  `yaml:"knowledge,omitempty"`
	Supervisor *SupervisorConfig `yaml:"supervisor,omitempty"`
	Logging    *LoggingConfig    `yaml:"logging,omitempty"`
}

// StoreConfig selects where experiments, knowledge and stats are persisted.
type StoreConfig struct {
	Backend     string `yaml:"backend,omitempty"` // redis, sqlite or postgres
	RedisURL    string `yaml:"redis_url,omitempty"`
	SQLitePath  string `yaml:"sqlite_path,omitempty"`
	PostgresDSN string `yaml:"postgres_dsn,omitempty"`
}

// DreamerConfig controls experiment scheduling and promotion.
type DreamerConfig struct {
	ExperimentRate     *float64           `yaml:"experiment_rate,omitempty"`     // Probability a cycle is experimental (default 0.15)
	PromotionThreshold *float64           `yaml:"promotion_threshold,omitempty"` // Minimum relative improvement to promote (default 0.20)
	ProposalTimeout    Duration           `yaml:"proposal_timeout,omitempty"`    // Default 30s
	ProposalCommand    []string           `yaml:"proposal_command,omitempty"`    // Empty = use the static catalogue
	Catalogue          []ProposalTemplate `yaml:"catalogue,omitempty"`
}

// ProposalTemplate is a catalogue entry for the static proposal generator.
type ProposalTemplate struct {
	Name          string   `yaml:"name"`
	Hypothesis    string   `yaml:"hypothesis"`
	Approach      string   `yaml:"approach"`
	TargetMetrics []string `yaml:"target_metrics,omitempty"`
}

// AutonomyConfig sets the deployment's autonomy ceiling and confidence thresholds.
type AutonomyConfig struct {
	Level           string      `yaml:"level,omitempty"` // propose_only, auto_commit or auto_merge
	Thresholds      *Thresholds `yaml:"thresholds,omitempty"`
	ExecutorCommand []string    `yaml:"executor_command,omitempty"` // Empty = log decisions only
	ExecutorTimeout Duration    `yaml:"executor_timeout,omitempty"` // Default 60s
}

// Thresholds are the minimum confidences for each autonomy tier.
type Thresholds struct {
	ProposeOnly *float64 `yaml:"propose_only,omitempty"` // Default 0.70
	AutoCommit  *float64 `yaml:"auto_commit,omitempty"`  // Default 0.80
	AutoMerge   *float64 `yaml:"auto_merge,omitempty"`   // Default 0.90
}

// Worker represents a single worker configuration
type Worker struct {
	Kind                string   `yaml:"kind"` // Routing class for knowledge delivery
	Interval            Duration `yaml:"interval,omitempty"`
	ProductionCommand   []string `yaml:"production_command"`
	ExperimentalCommand []string `yaml:"experimental_command,omitempty"` // Default: production_command
	PrimaryMetric       string   `yaml:"primary_metric"`
	Timeout             Duration `yaml:"timeout,omitempty"` // Per-routine limit, default 5m
	Environment         []string `yaml:"environment,omitempty"`
}

// LoopConfig tunes every worker loop.
type LoopConfig struct {
	FlushEvery   int      `yaml:"flush_every,omitempty"`   // Cycles between stats flushes (default 10)
	StatsBuffer  int      `yaml:"stats_buffer,omitempty"`  // Unflushed deltas kept on store failure (default 32)
	Jitter       *float64 `yaml:"jitter,omitempty"`        // Sleep jitter fraction (default 0.10)
	FlushTimeout Duration `yaml:"flush_timeout,omitempty"` // Retry budget per flush (default 5s)
}

// KnowledgeConfig declares the knowledge types workers may publish.
type KnowledgeConfig struct {
	InboxSize int                      `yaml:"inbox_size,omitempty"` // Per-worker queue length (default 64)
	Types     map[string]KnowledgeType `yaml:"types,omitempty"`      // Merged over the built-in types
}

// KnowledgeType is the schema, decay and routing of one knowledge type.
type KnowledgeType struct {
	HalfLife       Duration `yaml:"half_life"`
	RequiredFields []string `yaml:"required_fields,omitempty"`
	Route          []string `yaml:"route,omitempty"` // Worker kinds, or "all" (default)
}

// SupervisorConfig controls process lifecycle and the health endpoint.
type SupervisorConfig struct {
	ShutdownTimeout Duration `yaml:"shutdown_timeout,omitempty"` // Per-loop wait on stop (default 10s)
	HealthAddr      string   `yaml:"health_addr,omitempty"`      // Default ":8080"
	DisableHealth   bool     `yaml:"disable_health,omitempty"`
}

// LoggingConfig selects the log level and encoder.
type LoggingConfig struct {
	Level  string `yaml:"level,omitempty"`  // debug, info, warn or error
	Format string `yaml:"format,omitempty"` // json or console
}

// DefaultKnowledgeTypes returns the built-in knowledge types.
func DefaultKnowledgeTypes() map[string]KnowledgeType {
	all := []string{RouteAll}
	return map[string]KnowledgeType{
		"successful_fix": {
			HalfLife:       Duration{720 * time.Hour},
			RequiredFields: []string{"experiment_id", "improvement"},
			Route:          all,
		},
		"discovered_pattern": {
			HalfLife:       Duration{336 * time.Hour},
			RequiredFields: []string{"pattern"},
			Route:          all,
		},
		"failure_report": {
			HalfLife:       Duration{72 * time.Hour},
			RequiredFields: []string{"error"},
			Route:          all,
		},
		"metric_snapshot": {
			HalfLife:       Duration{24 * time.Hour},
			RequiredFields: []string{"metrics"},
			Route:          all,
		},
		"transient_context": {
			HalfLife:       Duration{6 * time.Hour},
			RequiredFields: []string{"summary"},
			Route:          all,
		},
	}
}

func float64Ptr(v float64) *float64 {
	return &v
}

// applyDefaults fills every omitted section and field.
func (c *Config) applyDefaults() {
	if c.Instance == "" {
		c.Instance = "default"
	}

	if c.Store == nil {
		c.Store = &StoreConfig{}
	}
	if c.Store.Backend == "" {
		c.Store.Backend = BackendRedis
	}
	if c.Store.Backend == BackendRedis && c.Store.RedisURL == "" {
		c.Store.RedisURL = "redis://localhost:6379"
	}
	if c.Store.Backend == BackendSQLite && c.Store.SQLitePath == "" {
		c.Store.SQLitePath = "nightshift.db"
	}

	if c.Dreamer == nil {
		c.Dreamer = &DreamerConfig{}
	}
	if c.Dreamer.ExperimentRate == nil {
		c.Dreamer.ExperimentRate = float64Ptr(0.15)
	}
	if c.Dreamer.PromotionThreshold == nil {
		c.Dreamer.PromotionThreshold = float64Ptr(0.20)
	}
	if c.Dreamer.ProposalTimeout.Duration == 0 {
		c.Dreamer.ProposalTimeout = Duration{30 * time.Second}
	}

	if c.Autonomy == nil {
		c.Autonomy = &AutonomyConfig{}
	}
	if c.Autonomy.Level == "" {
		c.Autonomy.Level = LevelProposeOnly
	}
	if c.Autonomy.Thresholds == nil {
		c.Autonomy.Thresholds = &Thresholds{}
	}
	if c.Autonomy.Thresholds.ProposeOnly == nil {
		c.Autonomy.Thresholds.ProposeOnly = float64Ptr(0.70)
	}
	if c.Autonomy.Thresholds.AutoCommit == nil {
		c.Autonomy.Thresholds.AutoCommit = float64Ptr(0.80)
	}
	if c.Autonomy.Thresholds.AutoMerge == nil {
		c.Autonomy.Thresholds.AutoMerge = float64Ptr(0.90)
	}
	if c.Autonomy.ExecutorTimeout.Duration == 0 {
		c.Autonomy.ExecutorTimeout = Duration{60 * time.Second}
	}

	for name, w := range c.Workers {
		if w.Interval.Duration == 0 {
			w.Interval = Duration{time.Minute}
		}
		if len(w.ExperimentalCommand) == 0 {
			w.ExperimentalCommand = w.ProductionCommand
		}
		if w.Timeout.Duration == 0 {
			w.Timeout = Duration{5 * time.Minute}
		}
		c.Workers[name] = w
	}

	if c.Loop == nil {
		c.Loop = &LoopConfig{}
	}
	if c.Loop.FlushEvery == 0 {
		c.Loop.FlushEvery = 10
	}
	if c.Loop.StatsBuffer == 0 {
		c.Loop.StatsBuffer = 32
	}
	if c.Loop.Jitter == nil {
		c.Loop.Jitter = float64Ptr(0.10)
	}
	if c.Loop.FlushTimeout.Duration == 0 {
		c.Loop.FlushTimeout = Duration{5 * time.Second}
	}

	if c.Knowledge == nil {
		c.Knowledge = &KnowledgeConfig{}
	}
	if c.Knowledge.InboxSize == 0 {
		c.Knowledge.InboxSize = 64
	}
	types := DefaultKnowledgeTypes()
	for name, kt := range c.Knowledge.Types {
		if len(kt.Route) == 0 {
			kt.Route = []string{RouteAll}
		}
		types[name] = kt
	}
	c.Knowledge.Types = types

	if c.Supervisor == nil {
		c.Supervisor = &SupervisorConfig{}
	}
	if c.Supervisor.ShutdownTimeout.Duration == 0 {
		c.Supervisor.ShutdownTimeout = Duration{10 * time.Second}
	}
	if c.Supervisor.HealthAddr == "" {
		c.Supervisor.HealthAddr = ":8080"
	}

	if c.Logging == nil {
		c.Logging = &LoggingConfig{}
	}
	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
	if c.Logging.Format == "" {
		c.Logging.Format = "json"
	}
}

// Validate performs strict validation on the configuration.
// It assumes defaults have been applied.
func (c *Config) Validate() error {
	// Required: version
	if c.Version != "1.0" {
		return fmt.Errorf("unsupported version: %s (expected: 1.0)", c.Version)
	}

	// Required: at least one worker
	if len(c.Workers) == 0 {
		return fmt.Errorf("no workers defined")
	}

	for _, name := range c.WorkerNames() {
		w := c.Workers[name]
		if err := w.Validate(name); err != nil {
			return err
		}
	}

	if err := c.Store.Validate(); err != nil {
		return err
	}

	if rate := *c.Dreamer.ExperimentRate; rate < 0 || rate > 1 {
		return fmt.Errorf("dreamer.experiment_rate must be within [0,1], got %v", rate)
	}
	if *c.Dreamer.PromotionThreshold < 0 {
		return fmt.Errorf("dreamer.promotion_threshold must be >= 0, got %v", *c.Dreamer.PromotionThreshold)
	}
	if c.Dreamer.ProposalTimeout.Duration < 0 {
		return fmt.Errorf("dreamer.proposal_timeout must be positive")
	}
	for i, tmpl := range c.Dreamer.Catalogue {
		if tmpl.Name == "" || tmpl.Hypothesis == "" {
			return fmt.Errorf("dreamer.catalogue[%d]: name and hypothesis are required", i)
		}
	}

	if err := c.Autonomy.Validate(); err != nil {
		return err
	}

	if c.Loop.FlushEvery < 1 {
		return fmt.Errorf("loop.flush_every must be >= 1, got %d", c.Loop.FlushEvery)
	}
	if c.Loop.StatsBuffer < 1 {
		return fmt.Errorf("loop.stats_buffer must be >= 1, got %d", c.Loop.StatsBuffer)
	}
	if j := *c.Loop.Jitter; j < 0 || j >= 1 {
		return fmt.Errorf("loop.jitter must be within [0,1), got %v", j)
	}

	if c.Knowledge.InboxSize < 1 {
		return fmt.Errorf("knowledge.inbox_size must be >= 1, got %d", c.Knowledge.InboxSize)
	}
	for name, kt := range c.Knowledge.Types {
		if kt.HalfLife.Duration < time.Second {
			return fmt.Errorf("knowledge type '%s': half_life must be at least 1s", name)
		}
	}

	if c.Supervisor.ShutdownTimeout.Duration < 0 {
		return fmt.Errorf("supervisor.shutdown_timeout must be positive")
	}

	switch c.Logging.Level {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("invalid logging.level: %s (must be 'debug', 'info', 'warn', or 'error')", c.Logging.Level)
	}
	if c.Logging.Format != "json" && c.Logging.Format != "console" {
		return fmt.Errorf("invalid logging.format: %s (must be 'json' or 'console')", c.Logging.Format)
	}

	return nil
}

// Validate performs validation on a single worker configuration
func (w *Worker) Validate(name string) error {
	if w.Kind == "" {
		return fmt.Errorf("worker '%s': kind is required", name)
	}
	if w.Kind == RouteAll {
		return fmt.Errorf("worker '%s': kind '%s' is reserved", name, RouteAll)
	}
	if len(w.ProductionCommand) == 0 {
		return fmt.Errorf("worker '%s': production_command is required", name)
	}
	if w.PrimaryMetric == "" {
		return fmt.Errorf("worker '%s': primary_metric is required", name)
	}
	if w.Interval.Duration <= 0 {
		return fmt.Errorf("worker '%s': interval must be positive", name)
	}
	if w.Timeout.Duration <= 0 {
		return fmt.Errorf("worker '%s': timeout must be positive", name)
	}
	return nil
}

// Validate checks the backend and its connection settings.
func (s *StoreConfig) Validate() error {
	switch s.Backend {
	case BackendRedis:
		if s.RedisURL == "" {
			return fmt.Errorf("store.redis_url is required for the redis backend")
		}
	case BackendSQLite:
		if s.SQLitePath == "" {
			return fmt.Errorf("store.sqlite_path is required for the sqlite backend")
		}
	case BackendPostgres:
		if s.PostgresDSN == "" {
			return fmt.Errorf("store.postgres_dsn is required for the postgres backend")
		}
	default:
		return fmt.Errorf("invalid store.backend: %s (must be 'redis', 'sqlite', or 'postgres')", s.Backend)
	}
	return nil
}

// Validate checks the level and that thresholds ascend within [0,1].
func (a *AutonomyConfig) Validate() error {
	switch a.Level {
	case LevelProposeOnly, LevelAutoCommit, LevelAutoMerge:
	default:
		return fmt.Errorf("invalid autonomy.level: %s (must be 'propose_only', 'auto_commit', or 'auto_merge')", a.Level)
	}

	t := a.Thresholds
	for name, v := range map[string]float64{
		"propose_only": *t.ProposeOnly,
		"auto_commit":  *t.AutoCommit,
		"auto_merge":   *t.AutoMerge,
	} {
		if v < 0 || v > 1 {
			return fmt.Errorf("autonomy.thresholds.%s must be within [0,1], got %v", name, v)
		}
	}
	if !(*t.ProposeOnly <= *t.AutoCommit && *t.AutoCommit <= *t.AutoMerge) {
		return fmt.Errorf("autonomy.thresholds must ascend: propose_only <= auto_commit <= auto_merge")
	}
	return nil
}

// WorkerNames returns the configured worker names in sorted order.
func (c *Config) WorkerNames() []string {
	names := make([]string, 0, len(c.Workers))
	for name := range c.Workers {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Parse applies defaults to and validates raw nightshift.yml content.
func Parse(data []byte) (*Config, error) {
	var config Config
	if err := yaml.Unmarshal(data, &config); err != nil {
		return nil, fmt.Errorf("failed to parse YAML: %w", err)
	}

	config.applyDefaults()

	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return &config, nil
}

// Load reads and validates nightshift.yml from the specified path
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config: %w", err)
	}
	return Parse(data)
}
