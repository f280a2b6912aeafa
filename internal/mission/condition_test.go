package mission

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEvalCondition_Comparisons(t *testing.T) {
	view := map[string]any{"score": 70.0, "count": 3.0}

	cases := []struct {
		expr string
		want bool
	}{
		{"score > 80", false},
		{"score > 60", true},
		{"score >= 70", true},
		{"score < 80", true},
		{"score <= 69", false},
		{"score == 70", true},
		{"score != 70", false},
		{"score > 60 && count < 5", true},
		{"score > 80 && count < 5", false},
		{"score > 80 || count < 5", true},
		{"score > 80 || count > 5", false},
	}
	for _, tc := range cases {
		got, err := EvalCondition(tc.expr, view)
		require.NoError(t, err, tc.expr)
		assert.Equal(t, tc.want, got, tc.expr)
	}
}

func TestEvalCondition_DottedPathsAndLength(t *testing.T) {
	view := map[string]any{
		"analyzer": map[string]any{"score": 91.0},
		"content":  "hello world",
		"items":    []any{1.0, 2.0, 3.0},
	}

	got, err := EvalCondition("analyzer.score >= 90", view)
	require.NoError(t, err)
	assert.True(t, got)

	got, err = EvalCondition("content.length > 5", view)
	require.NoError(t, err)
	assert.True(t, got)

	got, err = EvalCondition("items.length == 3", view)
	require.NoError(t, err)
	assert.True(t, got)
}

func TestEvalCondition_Parentheses(t *testing.T) {
	view := map[string]any{"a": 1.0, "b": 2.0, "c": 3.0}
	got, err := EvalCondition("(a > 0 && b > 5) || c == 3", view)
	require.NoError(t, err)
	assert.True(t, got)
}

func TestEvalCondition_InvalidSyntax(t *testing.T) {
	view := map[string]any{"score": 1.0}
	for _, expr := range []string{
		"",
		"score >",
		"score & 1",
		"score = 1",
		"score > > 1",
		"unknown > 1",
		"score > 1 extra",
	} {
		_, err := EvalCondition(expr, view)
		assert.Error(t, err, expr)
	}
}

func TestEvalCondition_StringEquality(t *testing.T) {
	view := map[string]any{"status": "ready", "mode": "fast"}
	got, err := EvalCondition("status == mode", view)
	require.NoError(t, err)
	assert.False(t, got)
}
