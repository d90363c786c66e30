// Package testutils carries the shared test fixtures for the repo:
// text and JSON diff asserters, a scripted adb runner, and an event
// recorder for bus subscriptions.
package testutils

import (
	"fmt"
	"strings"

	"github.com/fatih/color"
	"github.com/hexops/gotextdiff"
	"github.com/hexops/gotextdiff/myers"
	"github.com/mcuadros/go-defaults"
)

// TestingT is the subset of testing.T the asserters report through.
type TestingT interface {
	Errorf(format string, args ...interface{})
}

type TextAssertOptions struct {
	IgnoreLeadingWhitespace bool `default:"false"`
	// Rendered tables pad cells with trailing spaces, so this one
	// defaults on.
	IgnoreTrailingWhitespace bool `default:"true"`
	IgnoreEmptyLines         bool `default:"false"`
	TrimSpace                bool `default:"false"`
	EnableColors             bool `default:"false"`
}

// TextOption configures a TextAsserter.
type TextOption func(*TextAssertOptions)

func WithIgnoreLeadingWhitespace(ignore bool) TextOption {
	return func(opts *TextAssertOptions) { opts.IgnoreLeadingWhitespace = ignore }
}

func WithIgnoreTrailingWhitespace(ignore bool) TextOption {
	return func(opts *TextAssertOptions) { opts.IgnoreTrailingWhitespace = ignore }
}

func WithIgnoreEmptyLines(ignore bool) TextOption {
	return func(opts *TextAssertOptions) { opts.IgnoreEmptyLines = ignore }
}

// WithTrimSpace trims leading and trailing whitespace from the whole
// text before comparing.
func WithTrimSpace(trim bool) TextOption {
	return func(opts *TextAssertOptions) { opts.TrimSpace = trim }
}

func WithEnableColors(enable bool) TextOption {
	return func(opts *TextAssertOptions) { opts.EnableColors = enable }
}

// TextAsserter compares multi-line text and reports mismatches as a
// unified diff instead of two opaque blobs.
type TextAsserter struct {
	t    TestingT
	opts TextAssertOptions
}

// NewTextAsserter builds an asserter with defaults applied, then the
// given options on top.
func NewTextAsserter(t TestingT, opts ...TextOption) *TextAsserter {
	o := TextAssertOptions{}
	defaults.SetDefaults(&o)
	for _, opt := range opts {
		opt(&o)
	}
	return &TextAsserter{t: t, opts: o}
}

// Options returns a copy of the effective options.
func (ta *TextAsserter) Options() TextAssertOptions {
	return ta.opts
}

// Assert fails the test with a unified diff when actual does not match
// expected after normalization.
func (ta *TextAsserter) Assert(actual, expected string) {
	if diff := ta.diff(actual, expected); diff != "" {
		ta.t.Errorf("text mismatch:\n%s", diff)
	}
}

func (ta *TextAsserter) diff(actual, expected string) string {
	normActual := ta.normalize(actual)
	normExpected := ta.normalize(expected)
	if normActual == normExpected {
		return ""
	}

	edits := myers.ComputeEdits("", normExpected, normActual)
	unified := gotextdiff.ToUnified("expected", "actual", normExpected, edits)
	return ta.colorize(fmt.Sprint(unified))
}

func (ta *TextAsserter) normalize(text string) string {
	if ta.opts.TrimSpace {
		text = strings.TrimSpace(text)
	}

	var out []string
	for _, line := range strings.Split(text, "\n") {
		if ta.opts.IgnoreEmptyLines && strings.TrimSpace(line) == "" {
			continue
		}
		if ta.opts.IgnoreLeadingWhitespace {
			line = strings.TrimLeft(line, " \t")
		}
		if ta.opts.IgnoreTrailingWhitespace {
			line = strings.TrimRight(line, " \t")
		}
		out = append(out, line)
	}
	return strings.Join(out, "\n")
}

func (ta *TextAsserter) colorize(diff string) string {
	if !ta.opts.EnableColors {
		return diff
	}

	red := color.New(color.FgRed)
	red.EnableColor()
	green := color.New(color.FgGreen)
	green.EnableColor()
	cyan := color.New(color.FgCyan)
	cyan.EnableColor()
	yellow := color.New(color.FgYellow)
	yellow.EnableColor()

	lines := strings.Split(diff, "\n")
	for i, line := range lines {
		switch {
		case strings.HasPrefix(line, "---") || strings.HasPrefix(line, "+++"):
			lines[i] = yellow.Sprint(line)
		case strings.HasPrefix(line, "@@"):
			lines[i] = cyan.Sprint(line)
		case strings.HasPrefix(line, "-"):
			lines[i] = red.Sprint(markWhitespace(line))
		case strings.HasPrefix(line, "+"):
			lines[i] = green.Sprint(markWhitespace(line))
		}
	}
	return strings.Join(lines, "\n")
}

// markWhitespace makes spacing mismatches visible inside changed lines.
func markWhitespace(line string) string {
	line = strings.ReplaceAll(line, " ", "·")
	return strings.ReplaceAll(line, "\t", "→")
}
