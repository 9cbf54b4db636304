package routine

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dyluth/nightshift/internal/config"
	"github.com/dyluth/nightshift/internal/dreamer"
	"github.com/dyluth/nightshift/internal/subprocess"
	"github.com/dyluth/nightshift/internal/worker"
	"github.com/dyluth/nightshift/pkg/ledger"
)

// Compile-time checks
var (
	_ worker.Kind              = (*CommandKind)(nil)
	_ worker.KnowledgeConsumer = (*CommandKind)(nil)
)

func testWorker(production, experimental string) config.Worker {
	w := config.Worker{
		Kind:              "performance",
		ProductionCommand: []string{"sh", "-c", production},
		PrimaryMetric:     "score",
		Timeout:           config.Duration{Duration: 5 * time.Second},
	}
	if experimental != "" {
		w.ExperimentalCommand = []string{"sh", "-c", experimental}
	}
	return w
}

// captureStdin writes the command's stdin to a file and prints body.
func captureStdin(t *testing.T, body string) (string, string) {
	t.Helper()
	path := filepath.Join(t.TempDir(), "stdin.json")
	return "cat > " + path + "; echo '" + body + "'", path
}

func readRequest(t *testing.T, path string) Request {
	t.Helper()
	data, err := os.ReadFile(path)
	require.NoError(t, err)
	var req Request
	require.NoError(t, json.Unmarshal(data, &req))
	return req
}

func TestNewCommandKind_RequiresProductionCommand(t *testing.T) {
	_, err := NewCommandKind("optimizer", config.Worker{Kind: "performance"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "production command is empty")
}

func TestNewCommandKind_ExperimentalDefaultsToProduction(t *testing.T) {
	kind, err := NewCommandKind("optimizer", testWorker("true", ""))
	require.NoError(t, err)
	assert.Equal(t, kind.production.Args, kind.experimental.Args)
}

func TestRunProduction_DecodesResult(t *testing.T) {
	script, stdinPath := captureStdin(t,
		`{"metrics":{"score":0.9},"findings":[{"type":"discovered_pattern","payload":{"pattern":"retry storm"},"confidence":0.6}],"proposals":[{"summary":"cap retries","confidence":0.82}]}`)
	kind, err := NewCommandKind("optimizer", testWorker(script, ""))
	require.NoError(t, err)

	result, err := kind.RunProduction(context.Background())
	require.NoError(t, err)

	assert.Equal(t, ledger.Metrics{"score": 0.9}, result.Metrics)
	require.Len(t, result.Findings, 1)
	assert.Equal(t, "discovered_pattern", result.Findings[0].Type)
	assert.Equal(t, "retry storm", result.Findings[0].Payload["pattern"])
	require.Len(t, result.Proposals, 1)
	assert.Equal(t, 0.82, result.Proposals[0].Confidence)

	req := readRequest(t, stdinPath)
	assert.Equal(t, worker.ModeProduction, req.Mode)
	assert.Equal(t, "optimizer", req.Worker)
	assert.Equal(t, "performance", req.Kind)
	assert.Nil(t, req.Proposal)
}

func TestRunProduction_CarriesAppliedKnowledgeOnce(t *testing.T) {
	script, stdinPath := captureStdin(t, `{"metrics":{"score":1}}`)
	kind, err := NewCommandKind("optimizer", testWorker(script, ""))
	require.NoError(t, err)
	ctx := context.Background()

	item := &ledger.KnowledgeItem{ID: "k-1", KnowledgeType: "successful_fix", SourceWorker: "linter"}
	require.NoError(t, kind.ApplyKnowledge(ctx, item, 0.75))

	_, err = kind.RunProduction(ctx)
	require.NoError(t, err)
	req := readRequest(t, stdinPath)
	require.Len(t, req.Knowledge, 1)
	assert.Equal(t, "k-1", req.Knowledge[0].Item.ID)
	assert.Equal(t, 0.75, req.Knowledge[0].Freshness)

	_, err = kind.RunProduction(ctx)
	require.NoError(t, err)
	req = readRequest(t, stdinPath)
	assert.Empty(t, req.Knowledge)
}

func TestRunProduction_FailureKeepsKnowledge(t *testing.T) {
	kind, err := NewCommandKind("optimizer", testWorker("exit 2", ""))
	require.NoError(t, err)
	ctx := context.Background()

	require.NoError(t, kind.ApplyKnowledge(ctx, &ledger.KnowledgeItem{ID: "k-1"}, 1))

	_, err = kind.RunProduction(ctx)
	require.Error(t, err)

	var exitErr *subprocess.ExitError
	require.ErrorAs(t, err, &exitErr)
	assert.Equal(t, 2, exitErr.ExitCode)
	assert.Len(t, kind.pending, 1)
}

func TestApplyKnowledge_Bounded(t *testing.T) {
	kind, err := NewCommandKind("optimizer", testWorker("true", ""))
	require.NoError(t, err)

	for i := 0; i < maxKnowledge+5; i++ {
		require.NoError(t, kind.ApplyKnowledge(context.Background(), &ledger.KnowledgeItem{ID: string(rune('a' + i%26))}, 1))
	}
	assert.Len(t, kind.pending, maxKnowledge)
}

func TestRunExperimental_SendsProposal(t *testing.T) {
	script, stdinPath := captureStdin(t, `{"metrics":{"score":1.3},"success":true}`)
	kind, err := NewCommandKind("optimizer", testWorker("exit 1", script))
	require.NoError(t, err)

	proposal := &dreamer.Proposal{Name: "batching", Hypothesis: "batch writes", TargetMetrics: []string{"score"}}
	result, err := kind.RunExperimental(context.Background(), proposal)
	require.NoError(t, err)
	assert.True(t, result.Success)
	assert.Equal(t, 1.3, result.Metrics["score"])

	req := readRequest(t, stdinPath)
	assert.Equal(t, worker.ModeExperimental, req.Mode)
	require.NotNil(t, req.Proposal)
	assert.Equal(t, "batching", req.Proposal.Name)
	assert.Empty(t, req.Knowledge)
}

func TestRunExperimental_Errors(t *testing.T) {
	tests := []struct {
		name    string
		script  string
		wantErr string
	}{
		{"no metrics", `echo '{"success":true}'`, "no metrics"},
		{"invalid json", `echo 'not json'`, "invalid JSON"},
		{"empty output", `true`, "no output"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			kind, err := NewCommandKind("optimizer", testWorker("true", tt.script))
			require.NoError(t, err)
			_, err = kind.RunExperimental(context.Background(), &dreamer.Proposal{Hypothesis: "h"})
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}

func TestRunProduction_Timeout(t *testing.T) {
	w := testWorker("exec sleep 5", "")
	w.Timeout = config.Duration{Duration: 50 * time.Millisecond}
	kind, err := NewCommandKind("optimizer", w)
	require.NoError(t, err)

	_, err = kind.RunProduction(context.Background())
	var exitErr *subprocess.ExitError
	require.ErrorAs(t, err, &exitErr)
	assert.True(t, exitErr.TimedOut)
}

func TestRunProduction_Environment(t *testing.T) {
	w := testWorker(`cat > /dev/null; printf '{"metrics":{"%s":1}}' "$METRIC_NAME"`, "")
	w.Environment = []string{"METRIC_NAME=coverage"}
	kind, err := NewCommandKind("optimizer", w)
	require.NoError(t, err)

	result, err := kind.RunProduction(context.Background())
	require.NoError(t, err)
	assert.Equal(t, ledger.Metrics{"coverage": 1}, result.Metrics)
}
