package testutils

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestJSONAsserterMatchingDocuments(t *testing.T) {
	ja := NewJSONAsserter(t)
	diff := ja.diff(`{"a":1,"b":"x"}`, `{"a":1,"b":"x"}`)
	assert.Empty(t, diff)
}

func TestJSONAsserterIgnoresExtraActualKeys(t *testing.T) {
	ja := NewJSONAsserter(t)
	diff := ja.diff(`{"a":1,"extra":"ignored"}`, `{"a":1}`)
	assert.Empty(t, diff)
}

func TestJSONAsserterReportsDifferences(t *testing.T) {
	ja := NewJSONAsserter(t)
	diff := ja.diff(`{"a":1}`, `{"a":2}`)
	assert.NotEmpty(t, diff)
}

func TestJSONAsserterReportsMissingKeys(t *testing.T) {
	ja := NewJSONAsserter(t)
	diff := ja.diff(`{"a":1}`, `{"a":1,"b":2}`)
	assert.NotEmpty(t, diff)
}

func TestJSONAsserterIgnoredFields(t *testing.T) {
	ja := NewJSONAsserter(t).Ignoring("uptime", "checked_at")
	diff := ja.diff(`{"a":1,"uptime":"5s"}`, `{"a":1,"checked_at":"then"}`)
	assert.Empty(t, diff)
}

func TestJSONAsserterInvalidInput(t *testing.T) {
	ja := NewJSONAsserter(t)
	assert.Contains(t, ja.diff(`not json`, `{}`), "invalid actual JSON")
	assert.Contains(t, ja.diff(`{}`, `not json`), "invalid expected JSON")
}

func TestMustJSON(t *testing.T) {
	assert.Equal(t, `{"a":1}`, MustJSON(map[string]int{"a": 1}))
	assert.Panics(t, func() { MustJSON(make(chan int)) })
}
