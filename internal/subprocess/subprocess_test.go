package subprocess

import (
	"bytes"
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRun_EchoesStdin(t *testing.T) {
	result, err := Run(context.Background(), Command{Args: []string{"cat"}}, map[string]int{"n": 1})
	require.NoError(t, err)
	assert.Equal(t, 0, result.ExitCode)
	assert.JSONEq(t, `{"n":1}`, string(result.Stdout))
}

func TestRun_EmptyCommand(t *testing.T) {
	_, err := Run(context.Background(), Command{}, nil)
	assert.ErrorContains(t, err, "command array is empty")
}

func TestRun_NonZeroExit(t *testing.T) {
	result, err := Run(context.Background(), Command{Args: []string{"sh", "-c", "echo oops >&2; exit 3"}}, nil)
	require.Error(t, err)

	var exitErr *ExitError
	require.True(t, errors.As(err, &exitErr))
	assert.Equal(t, 3, exitErr.ExitCode)
	assert.Contains(t, exitErr.Error(), "oops")
	assert.Equal(t, 3, result.ExitCode)
}

func TestRun_Timeout(t *testing.T) {
	_, err := Run(context.Background(), Command{Args: []string{"sleep", "5"}, Timeout: 50 * time.Millisecond}, nil)
	require.Error(t, err)

	var exitErr *ExitError
	require.True(t, errors.As(err, &exitErr))
	assert.True(t, exitErr.TimedOut)
}

func TestRun_Environment(t *testing.T) {
	result, err := Run(context.Background(), Command{
		Args: []string{"sh", "-c", "printf %s \"$NIGHTSHIFT_TEST\""},
		Env:  []string{"NIGHTSHIFT_TEST=hello"},
	}, nil)
	require.NoError(t, err)
	assert.Equal(t, "hello", string(result.Stdout))
}

func TestRunJSON(t *testing.T) {
	t.Run("decodes stdout", func(t *testing.T) {
		var out struct {
			Score float64 `json:"score"`
		}
		_, err := RunJSON(context.Background(), Command{Args: []string{"echo", `{"score": 0.5}`}}, nil, &out)
		require.NoError(t, err)
		assert.Equal(t, 0.5, out.Score)
	})

	t.Run("rejects empty output", func(t *testing.T) {
		var out map[string]interface{}
		_, err := RunJSON(context.Background(), Command{Args: []string{"true"}}, nil, &out)
		assert.ErrorContains(t, err, "no output")
	})

	t.Run("rejects invalid JSON", func(t *testing.T) {
		var out map[string]interface{}
		_, err := RunJSON(context.Background(), Command{Args: []string{"echo", "not json"}}, nil, &out)
		assert.ErrorContains(t, err, "invalid JSON")
	})
}

func TestLimitedWriter(t *testing.T) {
	buf := &bytes.Buffer{}
	lw := &limitedWriter{w: buf, limit: 5}

	n, err := lw.Write([]byte("abc"))
	require.NoError(t, err)
	assert.Equal(t, 3, n)

	n, err = lw.Write([]byte("defgh"))
	require.NoError(t, err)
	assert.Equal(t, 5, n)
	assert.Equal(t, "abcde", buf.String())

	n, err = lw.Write([]byte("ijk"))
	require.NoError(t, err)
	assert.Equal(t, 3, n)
	assert.Equal(t, "abcde", buf.String())
}

func TestTruncate(t *testing.T) {
	assert.Equal(t, "abc", Truncate("abc", 5))
	assert.Equal(t, "ab...", Truncate("abcdef", 2))
}
