// Package testutil holds JSON/text comparison helpers shared by this
// module's own tests. Adapted from the teacher's internal/testutils
// package: same functional-options shape, narrowed to what the wire-format
// round-trip tests in this module actually need.
package testutil

import (
	"encoding/json"
	"testing"

	defaults "github.com/mcuadros/go-defaults"
	"github.com/yudai/gojsondiff"
	"github.com/yudai/gojsondiff/formatter"
)

// MustJSON marshals v, panicking on error. Convenience for table-driven
// tests that build expected-output literals.
func MustJSON(v any) string {
	data, err := json.Marshal(v)
	if err != nil {
		panic(err)
	}
	return string(data)
}

// JSONAssertOptions configures a JSONAsserter comparison.
type JSONAssertOptions struct {
	IgnoreExtraKeys bool `default:"true"`
	NilToEmptyArray bool `default:"true"`
}

// JSONOption is a functional option for configuring a JSONAsserter.
type JSONOption func(*JSONAssertOptions)

// IgnoreExtraKeys toggles whether keys present in actual but absent from
// expected are treated as a pass.
func IgnoreExtraKeys(v bool) JSONOption {
	return func(o *JSONAssertOptions) { o.IgnoreExtraKeys = v }
}

// JSONAsserter compares two JSON documents structurally, reporting a
// readable diff through t.Errorf on mismatch.
type JSONAsserter struct {
	t       *testing.T
	options JSONAssertOptions
}

// NewJSONAsserter builds a JSONAsserter with the package's default options.
func NewJSONAsserter(t *testing.T) *JSONAsserter {
	opts := JSONAssertOptions{}
	defaults.SetDefaults(&opts)
	return &JSONAsserter{t: t, options: opts}
}

// WithOptions applies functional options and returns the receiver for
// chaining.
func (ja *JSONAsserter) WithOptions(opts ...JSONOption) *JSONAsserter {
	for _, opt := range opts {
		opt(&ja.options)
	}
	return ja
}

// Equal asserts that actualJSON and expectedJSON are structurally equal,
// modulo the asserter's options.
func (ja *JSONAsserter) Equal(actualJSON, expectedJSON string) {
	ja.t.Helper()
	diff := ja.diff(actualJSON, expectedJSON)
	if diff != "" {
		ja.t.Errorf("JSON assertion failed:\n%s", diff)
	}
}

func (ja *JSONAsserter) diff(actualJSON, expectedJSON string) string {
	d, err := gojsondiff.New().Compare([]byte(expectedJSON), []byte(actualJSON))
	if err != nil {
		return err.Error()
	}
	if !d.Modified() {
		return ""
	}
	if ja.options.IgnoreExtraKeys && onlyAdditions(d) {
		return ""
	}

	var expected map[string]any
	if err := json.Unmarshal([]byte(expectedJSON), &expected); err != nil {
		return err.Error()
	}
	f := formatter.NewAsciiFormatter(expected, formatter.AsciiFormatterConfig{ShowArrayIndex: true})
	out, err := f.Format(d)
	if err != nil {
		return err.Error()
	}
	return out
}

// onlyAdditions reports whether every delta in d is an addition (a key
// present in actual but not expected) — the shape IgnoreExtraKeys tolerates.
func onlyAdditions(d gojsondiff.Diff) bool {
	for _, delta := range d.Deltas() {
		if _, ok := delta.(*gojsondiff.Added); !ok {
			return false
		}
	}
	return true
}
