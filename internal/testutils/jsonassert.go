// Package testutils holds shared test helpers.
package testutils

import (
	"encoding/json"
	"fmt"
	"testing"

	"github.com/mcuadros/go-defaults"
	"github.com/yudai/gojsondiff"
	"github.com/yudai/gojsondiff/formatter"
)

// MustJSON marshals v or panics. Test-only convenience.
func MustJSON(v any) string {
	data, err := json.Marshal(v)
	if err != nil {
		panic(err)
	}
	return string(data)
}

// JSONAssertOptions configures JSONAsserter.
type JSONAssertOptions struct {
	// IgnoreExtraKeys drops keys from actual that expected does not name,
	// so summaries can grow without breaking tests.
	IgnoreExtraKeys bool `default:"true"`
	// IgnoredFields are removed from both documents before diffing
	// (volatile fields like timestamps and uptimes).
	IgnoredFields []string `default:""`
}

// JSONAsserter compares JSON documents and reports differences through t.
type JSONAsserter struct {
	t       *testing.T
	options JSONAssertOptions
}

// NewJSONAsserter creates an asserter with default options.
func NewJSONAsserter(t *testing.T) *JSONAsserter {
	opts := JSONAssertOptions{}
	defaults.SetDefaults(&opts)
	return &JSONAsserter{t: t, options: opts}
}

// Ignoring marks fields to strip from both documents before comparison.
func (ja *JSONAsserter) Ignoring(fields ...string) *JSONAsserter {
	ja.options.IgnoredFields = append(ja.options.IgnoredFields, fields...)
	return ja
}

// Assert compares actualJSON against expectedJSON and fails the test with
// a readable diff when they differ.
func (ja *JSONAsserter) Assert(actualJSON, expectedJSON string) {
	ja.t.Helper()
	if diff := ja.diff(actualJSON, expectedJSON); diff != "" {
		ja.t.Errorf("JSON assertion failed:\n%s", diff)
	}
}

func (ja *JSONAsserter) diff(actualJSON, expectedJSON string) string {
	var expected, actual map[string]interface{}
	if err := json.Unmarshal([]byte(expectedJSON), &expected); err != nil {
		return fmt.Sprintf("invalid expected JSON: %v", err)
	}
	if err := json.Unmarshal([]byte(actualJSON), &actual); err != nil {
		return fmt.Sprintf("invalid actual JSON: %v", err)
	}

	for _, field := range ja.options.IgnoredFields {
		delete(expected, field)
		delete(actual, field)
	}
	if ja.options.IgnoreExtraKeys {
		for k := range actual {
			if _, ok := expected[k]; !ok {
				delete(actual, k)
			}
		}
	}

	differ := gojsondiff.New()
	d := differ.CompareObjects(expected, actual)
	if !d.Modified() {
		return ""
	}

	f := formatter.NewAsciiFormatter(expected, formatter.AsciiFormatterConfig{
		ShowArrayIndex: true,
		Coloring:       false,
	})
	out, err := f.Format(d)
	if err != nil {
		return fmt.Sprintf("diff formatting failed: %v", err)
	}
	return out
}
