// Package printer writes human-facing CLI output with color.
package printer

import (
	"fmt"
	"io"
	"os"
	"sort"
	"strings"

	"github.com/fatih/color"
)

var (
	green  = color.New(color.FgGreen)
	yellow = color.New(color.FgYellow)
	red    = color.New(color.FgRed, color.Bold)
	cyan   = color.New(color.FgCyan)
	faint  = color.New(color.Faint)
)

// Printer writes to an output and an error stream.
type Printer struct {
	out io.Writer
	err io.Writer
}

// New returns a printer over the given streams.
func New(out, errOut io.Writer) *Printer {
	return &Printer{out: out, err: errOut}
}

var std = New(os.Stdout, os.Stderr)

// Success prints a green message prefixed with a checkmark.
func (p *Printer) Success(format string, a ...any) {
	msg := fmt.Sprintf(format, a...)
	if !strings.HasPrefix(msg, "✓") {
		msg = "✓ " + msg
	}
	green.Fprint(p.out, msg)
}

// Warning prints a yellow message to the error stream.
func (p *Printer) Warning(format string, a ...any) {
	msg := fmt.Sprintf(format, a...)
	if !strings.HasPrefix(msg, "⚠️") {
		msg = "⚠️  " + msg
	}
	yellow.Fprint(p.err, msg)
}

// Step prints a cyan progress line.
func (p *Printer) Step(format string, a ...any) {
	cyan.Fprintf(p.out, "→ %s", fmt.Sprintf(format, a...))
}

// Printf prints uncolored output.
func (p *Printer) Printf(format string, a ...any) {
	fmt.Fprintf(p.out, format, a...)
}

// Error prints a titled error with details and numbered suggestions to the
// error stream, and returns an error carrying only the title for cobra.
func (p *Printer) Error(title, explanation string, details map[string]string, suggestions []string) error {
	red.Fprintf(p.err, "%s\n\n", title)

	if explanation != "" {
		fmt.Fprintf(p.err, "%s\n", explanation)
	}

	if len(details) > 0 {
		keys := make([]string, 0, len(details))
		for k := range details {
			keys = append(keys, k)
		}
		sort.Strings(keys)

		fmt.Fprintln(p.err)
		for _, k := range keys {
			fmt.Fprintf(p.err, "  %s: %s\n", k, details[k])
		}
	}

	switch len(suggestions) {
	case 0:
	case 1:
		fmt.Fprintf(p.err, "\n%s\n", suggestions[0])
	default:
		fmt.Fprintf(p.err, "\nEither:\n")
		for i, s := range suggestions {
			fmt.Fprintf(p.err, "  %d. %s\n", i+1, s)
		}
	}

	return fmt.Errorf("%s", title)
}

// Colorize renders a status or action word in its conventional color.
func Colorize(word string) string {
	switch word {
	case "completed", "auto_merge", "healthy", "true":
		return green.Sprint(word)
	case "auto_commit", "running", "production", "experimental":
		return cyan.Sprint(word)
	case "propose_only", "sleeping", "idle", "deciding":
		return yellow.Sprint(word)
	case "failed", "reject", "unhealthy", "abandoned":
		return red.Sprint(word)
	case "stopped", "stopping", "false", "-":
		return faint.Sprint(word)
	default:
		return word
	}
}

// Success prints to stdout using the default printer.
func Success(format string, a ...any) {
	std.Success(format, a...)
}

// Warning prints to stderr using the default printer.
func Warning(format string, a ...any) {
	std.Warning(format, a...)
}

// Step prints to stdout using the default printer.
func Step(format string, a ...any) {
	std.Step(format, a...)
}

// Printf prints to stdout using the default printer.
func Printf(format string, a ...any) {
	std.Printf(format, a...)
}

// Error prints to stderr using the default printer.
func Error(title, explanation string, suggestions []string) error {
	return std.Error(title, explanation, nil, suggestions)
}

// ErrorWithContext prints to stderr using the default printer.
func ErrorWithContext(title, explanation string, details map[string]string, suggestions []string) error {
	return std.Error(title, explanation, details, suggestions)
}
