package printer

import (
	"bytes"
	"strings"
	"testing"

	"github.com/fatih/color"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestPrinter(t *testing.T) (*Printer, *bytes.Buffer, *bytes.Buffer) {
	t.Helper()
	prev := color.NoColor
	color.NoColor = true
	t.Cleanup(func() { color.NoColor = prev })

	out, errOut := &bytes.Buffer{}, &bytes.Buffer{}
	return New(out, errOut), out, errOut
}

func TestError_ReturnsTitle(t *testing.T) {
	p, _, errOut := newTestPrinter(t)

	err := p.Error("Store unreachable", "Could not connect to Redis", nil, nil)
	require.Error(t, err)
	assert.Equal(t, "Store unreachable", err.Error())
	assert.Contains(t, errOut.String(), "Store unreachable\n\nCould not connect to Redis\n")
	assert.NotContains(t, errOut.String(), "Either")
}

func TestError_SingleSuggestion(t *testing.T) {
	p, _, errOut := newTestPrinter(t)

	_ = p.Error("Bad config", "version missing", nil, []string{"Add version: \"1.0\""})
	assert.Contains(t, errOut.String(), "\nAdd version: \"1.0\"\n")
	assert.NotContains(t, errOut.String(), "Either:")
	assert.NotContains(t, errOut.String(), "  1. ")
}

func TestError_MultipleSuggestionsNumbered(t *testing.T) {
	p, _, errOut := newTestPrinter(t)

	_ = p.Error("Bad config", "", nil, []string{"First option", "Second option"})
	assert.Contains(t, errOut.String(), "Either:\n  1. First option\n  2. Second option\n")
}

func TestError_DetailsSorted(t *testing.T) {
	p, _, errOut := newTestPrinter(t)

	_ = p.Error("Failed", "", map[string]string{"Worker": "optimizer", "Instance": "prod"}, nil)
	output := errOut.String()
	assert.Less(t, strings.Index(output, "Instance: prod"), strings.Index(output, "Worker: optimizer"))
}

func TestSuccessAndWarningPrefixes(t *testing.T) {
	p, out, errOut := newTestPrinter(t)

	p.Success("Loaded %d workers\n", 3)
	p.Success("✓ already prefixed\n")
	p.Warning("buffer %s\n", "full")

	assert.Equal(t, "✓ Loaded 3 workers\n✓ already prefixed\n", out.String())
	assert.Equal(t, "⚠️  buffer full\n", errOut.String())
}

func TestColorize_PlainWhenColorDisabled(t *testing.T) {
	newTestPrinter(t)

	for _, word := range []string{"completed", "reject", "auto_commit", "unknown"} {
		assert.Equal(t, word, Colorize(word))
	}
}
