package dreamer

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dyluth/nightshift/internal/config"
	"github.com/dyluth/nightshift/pkg/ledger"
)

func TestStaticGenerator_RoundRobinPerWorker(t *testing.T) {
	gen, err := NewStaticGenerator([]Proposal{
		{Name: "a", Hypothesis: "ha"},
		{Name: "b", Hypothesis: "hb"},
	})
	require.NoError(t, err)
	ctx := context.Background()

	names := func(worker string, n int) []string {
		var out []string
		for i := 0; i < n; i++ {
			p, err := gen.Propose(ctx, worker, ExperimentContext{})
			require.NoError(t, err)
			out = append(out, p.Name)
		}
		return out
	}

	assert.Equal(t, []string{"a", "b", "a"}, names("w1", 3))
	assert.Equal(t, []string{"a"}, names("w2", 1))
	assert.Equal(t, []string{"b"}, names("w1", 1))
}

func TestStaticGenerator_Validation(t *testing.T) {
	_, err := NewStaticGenerator(nil)
	assert.ErrorContains(t, err, "catalogue cannot be empty")

	_, err = NewStaticGenerator([]Proposal{{Name: "x"}})
	assert.ErrorContains(t, err, "hypothesis")
}

func TestStaticGenerator_HonoursCancellation(t *testing.T) {
	gen, err := NewStaticGenerator(DefaultCatalogue())
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err = gen.Propose(ctx, "w", ExperimentContext{})
	assert.ErrorIs(t, err, context.Canceled)
}

func TestCommandGenerator(t *testing.T) {
	t.Run("parses proposal from stdout", func(t *testing.T) {
		gen := &CommandGenerator{Command: []string{"sh", "-c",
			`cat >/dev/null; echo '{"name":"cmd","hypothesis":"h","approach":"a","target_metrics":["score"]}'`}}

		p, err := gen.Propose(context.Background(), "w", ExperimentContext{Baseline: ledger.Metrics{"score": 1}})
		require.NoError(t, err)
		assert.Equal(t, "cmd", p.Name)
		assert.Equal(t, []string{"score"}, p.TargetMetrics)
	})

	t.Run("receives context on stdin", func(t *testing.T) {
		// Echo stdin back as the hypothesis field via a tiny JSON wrapper
		gen := &CommandGenerator{Command: []string{"sh", "-c",
			`read -r line; printf '{"hypothesis":"%s"}' "$(printf %s "$line" | grep -o '"worker":"[^"]*"' | cut -d'"' -f4)"`}}

		p, err := gen.Propose(context.Background(), "w", ExperimentContext{Worker: "optimizer"})
		require.NoError(t, err)
		assert.Equal(t, "optimizer", p.Hypothesis)
	})

	t.Run("unparsable output", func(t *testing.T) {
		gen := &CommandGenerator{Command: []string{"echo", "not json"}}
		_, err := gen.Propose(context.Background(), "w", ExperimentContext{})
		assert.ErrorContains(t, err, "invalid JSON")
	})

	t.Run("respects context deadline", func(t *testing.T) {
		gen := &CommandGenerator{Command: []string{"sleep", "5"}}
		ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
		defer cancel()
		_, err := gen.Propose(ctx, "w", ExperimentContext{})
		assert.Error(t, err)
	})
}

func TestGeneratorFromConfig(t *testing.T) {
	gen, err := GeneratorFromConfig(&config.DreamerConfig{ProposalCommand: []string{"gen"}})
	require.NoError(t, err)
	assert.IsType(t, &CommandGenerator{}, gen)

	gen, err = GeneratorFromConfig(&config.DreamerConfig{})
	require.NoError(t, err)
	static, ok := gen.(*StaticGenerator)
	require.True(t, ok)
	assert.Len(t, static.catalogue, len(DefaultCatalogue()))

	gen, err = GeneratorFromConfig(&config.DreamerConfig{Catalogue: []config.ProposalTemplate{
		{Name: "one", Hypothesis: "h", TargetMetrics: []string{"m"}},
	}})
	require.NoError(t, err)
	p, err := gen.Propose(context.Background(), "w", ExperimentContext{})
	require.NoError(t, err)
	assert.Equal(t, "one", p.Name)
	assert.Equal(t, []string{"m"}, p.TargetMetrics)
}

func TestSettingsFromConfig(t *testing.T) {
	rate := 0.5
	s := SettingsFromConfig(&config.DreamerConfig{
		ExperimentRate:  &rate,
		ProposalTimeout: config.Duration{Duration: time.Second},
	})
	assert.Equal(t, 0.5, s.ExperimentRate)
	assert.Equal(t, 0.20, s.PromotionThreshold)
	assert.Equal(t, time.Second, s.ProposalTimeout)
}
