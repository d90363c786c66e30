package testutils

import (
	"encoding/json"
	"fmt"

	"github.com/mcuadros/go-defaults"
	"github.com/yudai/gojsondiff"
	"github.com/yudai/gojsondiff/formatter"
)

// PresencePlaceholder, when used as an expected string value, matches
// whatever the actual side holds. Covers generated fields such as
// operation ids and timestamps.
const PresencePlaceholder = "<<PRESENCE>>"

// MustJSON marshals v or panics. Test-only convenience.
func MustJSON(v any) string {
	data, err := json.Marshal(v)
	if err != nil {
		panic(err)
	}
	return string(data)
}

type JSONAssertOptions struct {
	IgnoreExtraKeys   bool     `default:"true"`
	AllowPlaceholders bool     `default:"true"`
	IgnoredFields     []string `default:""`
}

// JSONOption configures a JSONAsserter.
type JSONOption func(*JSONAssertOptions)

func WithIgnoreExtraKeys(ignore bool) JSONOption {
	return func(opts *JSONAssertOptions) { opts.IgnoreExtraKeys = ignore }
}

func WithPlaceholders(allow bool) JSONOption {
	return func(opts *JSONAssertOptions) { opts.AllowPlaceholders = allow }
}

// WithIgnoredFields drops the named keys from both sides at any depth
// before comparing.
func WithIgnoredFields(fields ...string) JSONOption {
	return func(opts *JSONAssertOptions) { opts.IgnoredFields = fields }
}

// JSONAsserter compares JSON documents structurally and reports
// mismatches as a gojsondiff ascii delta.
type JSONAsserter struct {
	t    TestingT
	opts JSONAssertOptions
}

func NewJSONAsserter(t TestingT, opts ...JSONOption) *JSONAsserter {
	o := JSONAssertOptions{}
	defaults.SetDefaults(&o)
	for _, opt := range opts {
		opt(&o)
	}
	return &JSONAsserter{t: t, opts: o}
}

// Options returns a copy of the effective options.
func (ja *JSONAsserter) Options() JSONAssertOptions {
	return ja.opts
}

// Assert fails the test when actualJSON does not match expectedJSON
// under the configured options.
func (ja *JSONAsserter) Assert(actualJSON, expectedJSON string) {
	if diff := ja.diff(actualJSON, expectedJSON); diff != "" {
		ja.t.Errorf("JSON mismatch:\n%s", diff)
	}
}

func (ja *JSONAsserter) diff(actualJSON, expectedJSON string) string {
	var expected, actual any
	if err := json.Unmarshal([]byte(expectedJSON), &expected); err != nil {
		return fmt.Sprintf("invalid expected JSON: %v", err)
	}
	if err := json.Unmarshal([]byte(actualJSON), &actual); err != nil {
		return fmt.Sprintf("invalid actual JSON: %v", err)
	}

	// gojsondiff only compares objects, so root-level arrays (device
	// lists, event logs) get wrapped before diffing.
	if isArray(expected) && isArray(actual) {
		expected = map[string]any{"array": expected}
		actual = map[string]any{"array": actual}
	}

	if ja.opts.AllowPlaceholders {
		adoptPlaceholders(expected, actual)
	}
	if len(ja.opts.IgnoredFields) > 0 {
		stripFields(expected, ja.opts.IgnoredFields)
		stripFields(actual, ja.opts.IgnoredFields)
	}
	if ja.opts.IgnoreExtraKeys {
		pruneExtraKeys(actual, expected)
	}

	expectedBytes, _ := json.Marshal(expected)
	actualBytes, _ := json.Marshal(actual)

	delta, err := gojsondiff.New().Compare(expectedBytes, actualBytes)
	if err != nil {
		return fmt.Sprintf("JSON comparison failed: %v", err)
	}
	if !delta.Modified() {
		return ""
	}

	out, _ := formatter.NewAsciiFormatter(expected, formatter.AsciiFormatterConfig{
		ShowArrayIndex: true,
	}).Format(delta)
	return out
}

func isArray(v any) bool {
	_, ok := v.([]any)
	return ok
}

// adoptPlaceholders copies actual values over expected placeholders so
// the later diff treats them as equal.
func adoptPlaceholders(expected, actual any) {
	switch exp := expected.(type) {
	case map[string]any:
		act, ok := actual.(map[string]any)
		if !ok {
			return
		}
		for k, v := range exp {
			if s, ok := v.(string); ok && s == PresencePlaceholder {
				exp[k] = act[k]
				continue
			}
			adoptPlaceholders(v, act[k])
		}
	case []any:
		act, ok := actual.([]any)
		if !ok {
			return
		}
		for i := range exp {
			if i < len(act) {
				adoptPlaceholders(exp[i], act[i])
			}
		}
	}
}

func stripFields(doc any, fields []string) {
	switch v := doc.(type) {
	case map[string]any:
		for _, f := range fields {
			delete(v, f)
		}
		for _, child := range v {
			stripFields(child, fields)
		}
	case []any:
		for _, child := range v {
			stripFields(child, fields)
		}
	}
}

// pruneExtraKeys removes keys from actual that expected never mentions.
func pruneExtraKeys(actual, expected any) {
	switch exp := expected.(type) {
	case map[string]any:
		act, ok := actual.(map[string]any)
		if !ok {
			return
		}
		for k := range act {
			if _, keep := exp[k]; !keep {
				delete(act, k)
			}
		}
		for k := range exp {
			pruneExtraKeys(act[k], exp[k])
		}
	case []any:
		act, ok := actual.([]any)
		if !ok {
			return
		}
		for i := range exp {
			if i < len(act) {
				pruneExtraKeys(act[i], exp[i])
			}
		}
	}
}
