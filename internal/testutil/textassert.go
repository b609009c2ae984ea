package testutil

import (
	"fmt"
	"strings"
	"testing"

	"github.com/fatih/color"
	"github.com/hexops/gotextdiff"
	"github.com/hexops/gotextdiff/myers"
	defaults "github.com/mcuadros/go-defaults"
)

// TextAssertOptions configures a TextAsserter comparison of raw LEAP wire
// lines (CRLF framing, whitespace inside a JSON body) where JSONAsserter's
// structural comparison would hide the very bytes being tested.
type TextAssertOptions struct {
	TrimSpace    bool `default:"false"`
	EnableColors bool `default:"false"`
}

// TextOption is a functional option for configuring a TextAsserter.
type TextOption func(*TextAssertOptions)

// WithTrimSpace toggles trimming leading/trailing whitespace from both
// sides before comparing, for tests that don't care about a frame's exact
// CRLF terminator.
func WithTrimSpace(v bool) TextOption {
	return func(o *TextAssertOptions) { o.TrimSpace = v }
}

// WithColors toggles ANSI coloring of the unified diff on mismatch.
func WithColors(v bool) TextOption {
	return func(o *TextAssertOptions) { o.EnableColors = v }
}

// TextAsserter compares raw text (wire lines, not parsed JSON), reporting a
// unified diff through t.Errorf on mismatch.
type TextAsserter struct {
	t       *testing.T
	options TextAssertOptions
}

// NewTextAsserter builds a TextAsserter with the package's default options.
func NewTextAsserter(t *testing.T) *TextAsserter {
	opts := TextAssertOptions{}
	defaults.SetDefaults(&opts)
	return &TextAsserter{t: t, options: opts}
}

// WithOptions applies functional options and returns the receiver for
// chaining.
func (ta *TextAsserter) WithOptions(opts ...TextOption) *TextAsserter {
	for _, opt := range opts {
		opt(&ta.options)
	}
	return ta
}

// Equal asserts that actual and expected are byte-identical, modulo the
// asserter's options.
func (ta *TextAsserter) Equal(actual, expected string) {
	ta.t.Helper()
	diff := ta.diff(actual, expected)
	if diff != "" {
		ta.t.Errorf("wire text assertion failed:\n%s", diff)
	}
}

func (ta *TextAsserter) diff(actual, expected string) string {
	if ta.options.TrimSpace {
		actual = strings.TrimSpace(actual)
		expected = strings.TrimSpace(expected)
	}
	if actual == expected {
		return ""
	}

	edits := myers.ComputeEdits("", expected, actual)
	unified := gotextdiff.ToUnified("expected", "actual", expected, edits)
	return ta.colorize(fmt.Sprint(unified))
}

func (ta *TextAsserter) colorize(diff string) string {
	if !ta.options.EnableColors {
		return diff
	}

	red := color.New(color.FgRed)
	green := color.New(color.FgGreen)
	cyan := color.New(color.FgCyan)
	yellow := color.New(color.FgYellow)

	lines := strings.Split(diff, "\n")
	out := make([]string, len(lines))
	for i, line := range lines {
		switch {
		case strings.HasPrefix(line, "---") || strings.HasPrefix(line, "+++"):
			out[i] = yellow.Sprint(line)
		case strings.HasPrefix(line, "@@"):
			out[i] = cyan.Sprint(line)
		case strings.HasPrefix(line, "-"):
			out[i] = red.Sprint(highlightWhitespace(line))
		case strings.HasPrefix(line, "+"):
			out[i] = green.Sprint(highlightWhitespace(line))
		default:
			out[i] = line
		}
	}
	return strings.Join(out, "\n")
}

// highlightWhitespace makes the exact CRLF/space framing of a LEAP wire
// line visible in a failed diff instead of rendering invisibly.
func highlightWhitespace(line string) string {
	result := strings.ReplaceAll(line, " ", "·")
	result = strings.ReplaceAll(result, "\t", "→")
	result = strings.ReplaceAll(result, "\r", "¬")
	return result
}
