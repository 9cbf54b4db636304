package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const minimalConfig = `version: "1.0"
workers:
  optimizer:
    kind: "performance"
    production_command: ["./optimize.sh"]
    primary_metric: "throughput"
`

func TestLoad_ValidConfig(t *testing.T) {
	tmpDir := t.TempDir()
	configPath := filepath.Join(tmpDir, DefaultFilename)

	err := os.WriteFile(configPath, []byte(minimalConfig), 0644)
	require.NoError(t, err)

	config, err := Load(configPath)
	require.NoError(t, err)
	assert.Equal(t, "1.0", config.Version)
	require.Len(t, config.Workers, 1)
	assert.Equal(t, "performance", config.Workers["optimizer"].Kind)
	assert.Equal(t, []string{"./optimize.sh"}, config.Workers["optimizer"].ProductionCommand)
}

func TestLoad_FileNotFound(t *testing.T) {
	config, err := Load("/nonexistent/nightshift.yml")
	assert.Error(t, err)
	assert.Nil(t, config)
	assert.Contains(t, err.Error(), "failed to read config")
}

func TestParse_InvalidYAML(t *testing.T) {
	invalidYAML := `version: "1.0"
workers:
  - this is invalid
    yaml syntax
`
	config, err := Parse([]byte(invalidYAML))
	assert.Error(t, err)
	assert.Nil(t, config)
	assert.Contains(t, err.Error(), "failed to parse YAML")
}

func TestParse_Defaults(t *testing.T) {
	config, err := Parse([]byte(minimalConfig))
	require.NoError(t, err)

	assert.Equal(t, "default", config.Instance)
	assert.Equal(t, BackendRedis, config.Store.Backend)
	assert.Equal(t, "redis://localhost:6379", config.Store.RedisURL)

	assert.Equal(t, 0.15, *config.Dreamer.ExperimentRate)
	assert.Equal(t, 0.20, *config.Dreamer.PromotionThreshold)
	assert.Equal(t, 30*time.Second, config.Dreamer.ProposalTimeout.Duration)

	assert.Equal(t, LevelProposeOnly, config.Autonomy.Level)
	assert.Equal(t, 0.70, *config.Autonomy.Thresholds.ProposeOnly)
	assert.Equal(t, 0.80, *config.Autonomy.Thresholds.AutoCommit)
	assert.Equal(t, 0.90, *config.Autonomy.Thresholds.AutoMerge)

	w := config.Workers["optimizer"]
	assert.Equal(t, time.Minute, w.Interval.Duration)
	assert.Equal(t, 5*time.Minute, w.Timeout.Duration)
	assert.Equal(t, w.ProductionCommand, w.ExperimentalCommand)

	assert.Equal(t, 10, config.Loop.FlushEvery)
	assert.Equal(t, 32, config.Loop.StatsBuffer)
	assert.Equal(t, 0.10, *config.Loop.Jitter)

	assert.Equal(t, 64, config.Knowledge.InboxSize)
	assert.Len(t, config.Knowledge.Types, 5)
	assert.Equal(t, 720*time.Hour, config.Knowledge.Types["successful_fix"].HalfLife.Duration)
	assert.Equal(t, 6*time.Hour, config.Knowledge.Types["transient_context"].HalfLife.Duration)

	assert.Equal(t, 10*time.Second, config.Supervisor.ShutdownTimeout.Duration)
	assert.Equal(t, ":8080", config.Supervisor.HealthAddr)
	assert.Equal(t, "info", config.Logging.Level)
	assert.Equal(t, "json", config.Logging.Format)
}

func TestParse_ExplicitValues(t *testing.T) {
	full := `version: "1.0"
instance: "prod"
store:
  backend: "sqlite"
  sqlite_path: "/var/lib/nightshift.db"
dreamer:
  experiment_rate: 0
  promotion_threshold: 0.5
  proposal_timeout: "5s"
  catalogue:
    - name: "batching"
      hypothesis: "batch writes reduce latency"
      approach: "group writes in 10ms windows"
      target_metrics: ["latency_score"]
autonomy:
  level: "auto_merge"
  thresholds:
    propose_only: 0.5
    auto_commit: 0.6
    auto_merge: 0.95
workers:
  optimizer:
    kind: "performance"
    interval: "30s"
    production_command: ["./optimize.sh"]
    experimental_command: ["./experiment.sh"]
    primary_metric: "throughput"
knowledge:
  inbox_size: 8
  types:
    lint_hint:
      half_life: "2h"
      required_fields: ["rule"]
      route: ["style"]
loop:
  jitter: 0
`
	config, err := Parse([]byte(full))
	require.NoError(t, err)

	assert.Equal(t, "prod", config.Instance)
	assert.Equal(t, BackendSQLite, config.Store.Backend)
	assert.Equal(t, 0.0, *config.Dreamer.ExperimentRate)
	assert.Equal(t, 0.5, *config.Dreamer.PromotionThreshold)
	assert.Equal(t, 5*time.Second, config.Dreamer.ProposalTimeout.Duration)
	require.Len(t, config.Dreamer.Catalogue, 1)
	assert.Equal(t, []string{"latency_score"}, config.Dreamer.Catalogue[0].TargetMetrics)
	assert.Equal(t, LevelAutoMerge, config.Autonomy.Level)
	assert.Equal(t, 0.95, *config.Autonomy.Thresholds.AutoMerge)
	assert.Equal(t, 30*time.Second, config.Workers["optimizer"].Interval.Duration)
	assert.Equal(t, []string{"./experiment.sh"}, config.Workers["optimizer"].ExperimentalCommand)
	assert.Equal(t, 0.0, *config.Loop.Jitter)

	assert.Equal(t, 8, config.Knowledge.InboxSize)
	assert.Len(t, config.Knowledge.Types, 6)
	assert.Equal(t, []string{"style"}, config.Knowledge.Types["lint_hint"].Route)
}

func TestParse_ValidationErrors(t *testing.T) {
	tests := []struct {
		name    string
		yaml    string
		wantErr string
	}{
		{
			name:    "unsupported version",
			yaml:    "version: \"2.0\"\nworkers: {}\n",
			wantErr: "unsupported version",
		},
		{
			name:    "no workers",
			yaml:    "version: \"1.0\"\n",
			wantErr: "no workers defined",
		},
		{
			name: "missing kind",
			yaml: `version: "1.0"
workers:
  w:
    production_command: ["x"]
    primary_metric: "m"
`,
			wantErr: "kind is required",
		},
		{
			name: "reserved kind",
			yaml: `version: "1.0"
workers:
  w:
    kind: "all"
    production_command: ["x"]
    primary_metric: "m"
`,
			wantErr: "reserved",
		},
		{
			name: "missing production command",
			yaml: `version: "1.0"
workers:
  w:
    kind: "k"
    primary_metric: "m"
`,
			wantErr: "production_command is required",
		},
		{
			name: "missing primary metric",
			yaml: `version: "1.0"
workers:
  w:
    kind: "k"
    production_command: ["x"]
`,
			wantErr: "primary_metric is required",
		},
		{
			name:    "experiment rate out of range",
			yaml:    minimalConfig + "dreamer:\n  experiment_rate: 1.5\n",
			wantErr: "experiment_rate",
		},
		{
			name:    "invalid autonomy level",
			yaml:    minimalConfig + "autonomy:\n  level: \"yolo\"\n",
			wantErr: "invalid autonomy.level",
		},
		{
			name:    "descending thresholds",
			yaml:    minimalConfig + "autonomy:\n  thresholds:\n    auto_commit: 0.95\n",
			wantErr: "must ascend",
		},
		{
			name:    "threshold out of range",
			yaml:    minimalConfig + "autonomy:\n  thresholds:\n    propose_only: -0.1\n",
			wantErr: "within [0,1]",
		},
		{
			name:    "invalid backend",
			yaml:    minimalConfig + "store:\n  backend: \"mysql\"\n",
			wantErr: "invalid store.backend",
		},
		{
			name:    "postgres without dsn",
			yaml:    minimalConfig + "store:\n  backend: \"postgres\"\n",
			wantErr: "postgres_dsn is required",
		},
		{
			name:    "jitter too large",
			yaml:    minimalConfig + "loop:\n  jitter: 1.0\n",
			wantErr: "loop.jitter",
		},
		{
			name:    "invalid duration",
			yaml:    minimalConfig + "dreamer:\n  proposal_timeout: \"soon\"\n",
			wantErr: "invalid duration",
		},
		{
			name:    "knowledge type without half life",
			yaml:    minimalConfig + "knowledge:\n  types:\n    hint:\n      required_fields: [\"x\"]\n",
			wantErr: "half_life",
		},
		{
			name:    "invalid log level",
			yaml:    minimalConfig + "logging:\n  level: \"verbose\"\n",
			wantErr: "invalid logging.level",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			config, err := Parse([]byte(tt.yaml))
			require.Error(t, err)
			assert.Nil(t, config)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}

func TestWorkerNames_Sorted(t *testing.T) {
	config := &Config{Workers: map[string]Worker{"zeta": {}, "alpha": {}, "mid": {}}}
	assert.Equal(t, []string{"alpha", "mid", "zeta"}, config.WorkerNames())
}

func TestDefaultKnowledgeTypes_DecayOrdering(t *testing.T) {
	types := DefaultKnowledgeTypes()
	assert.Greater(t, types["successful_fix"].HalfLife.Duration, types["discovered_pattern"].HalfLife.Duration)
	assert.Greater(t, types["discovered_pattern"].HalfLife.Duration, types["failure_report"].HalfLife.Duration)
	assert.Greater(t, types["failure_report"].HalfLife.Duration, types["metric_snapshot"].HalfLife.Duration)
	assert.Greater(t, types["metric_snapshot"].HalfLife.Duration, types["transient_context"].HalfLife.Duration)
}
