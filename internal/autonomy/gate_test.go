package autonomy

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

type recordingExecutor struct {
	mu      sync.Mutex
	actions []Action
	err     error
}

func (r *recordingExecutor) Execute(ctx context.Context, action Action, proposal *Proposal) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.actions = append(r.actions, action)
	return r.err
}

func TestNewGate_Validation(t *testing.T) {
	_, err := NewGate(Level("bogus"), DefaultThresholds(), &recordingExecutor{}, zap.NewNop())
	assert.Error(t, err)

	_, err = NewGate(LevelAutoCommit, DefaultThresholds(), nil, zap.NewNop())
	assert.ErrorContains(t, err, "executor cannot be nil")
}

func TestGate_Submit(t *testing.T) {
	ctx := context.Background()

	t.Run("rejected proposals never reach the executor", func(t *testing.T) {
		exec := &recordingExecutor{}
		gate, err := NewGate(LevelAutoMerge, DefaultThresholds(), exec, zap.NewNop())
		require.NoError(t, err)

		action, err := gate.Submit(ctx, &Proposal{Worker: "w", Summary: "risky", Confidence: 0.3})
		require.NoError(t, err)
		assert.Equal(t, ActionReject, action)
		assert.Empty(t, exec.actions)
	})

	t.Run("authorized proposals are executed at the capped action", func(t *testing.T) {
		exec := &recordingExecutor{}
		gate, err := NewGate(LevelAutoCommit, DefaultThresholds(), exec, zap.NewNop())
		require.NoError(t, err)

		action, err := gate.Submit(ctx, &Proposal{Worker: "w", Summary: "safe", Confidence: 0.99})
		require.NoError(t, err)
		assert.Equal(t, ActionAutoCommit, action)
		assert.Equal(t, []Action{ActionAutoCommit}, exec.actions)
	})

	t.Run("executor failure is returned with the decision", func(t *testing.T) {
		exec := &recordingExecutor{err: errors.New("push rejected")}
		gate, err := NewGate(LevelAutoMerge, DefaultThresholds(), exec, zap.NewNop())
		require.NoError(t, err)

		action, err := gate.Submit(ctx, &Proposal{Worker: "w", Confidence: 0.91})
		assert.Equal(t, ActionAutoMerge, action)
		assert.ErrorContains(t, err, "push rejected")
	})
}

func TestLogExecutor(t *testing.T) {
	exec := &LogExecutor{Logger: zap.NewNop()}
	assert.NoError(t, exec.Execute(context.Background(), ActionProposeOnly, &Proposal{Worker: "w"}))
}

func TestCommandExecutor(t *testing.T) {
	out := filepath.Join(t.TempDir(), "input.json")
	exec := &CommandExecutor{
		Command: []string{"sh", "-c", "cat > " + out},
		Timeout: 5 * time.Second,
		Logger:  zap.NewNop(),
	}

	err := exec.Execute(context.Background(), ActionAutoCommit, &Proposal{
		Worker:     "formatter",
		Summary:    "gofmt pass",
		Confidence: 0.85,
	})
	require.NoError(t, err)

	data, err := os.ReadFile(out)
	require.NoError(t, err)
	assert.JSONEq(t, `{"action":"auto_commit","proposal":{"worker":"formatter","summary":"gofmt pass","confidence":0.85}}`, string(data))

	failing := &CommandExecutor{Command: []string{"false"}, Logger: zap.NewNop()}
	assert.Error(t, failing.Execute(context.Background(), ActionAutoMerge, &Proposal{}))
}
