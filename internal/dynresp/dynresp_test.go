package dynresp

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"github.com/thoughtgate/thoughtjack/internal/config"
)

func TestExtractPathDottedAndIndices(t *testing.T) {
	root := map[string]interface{}{
		"args": map[string]interface{}{
			"items": []interface{}{"a", "b", "c"},
			"nested": map[string]interface{}{"x": float64(42)},
		},
	}
	v, ok := ExtractPath(root, "args.items[1]")
	require.True(t, ok)
	require.Equal(t, "b", v)

	v, ok = ExtractPath(root, "args.items[-1]")
	require.True(t, ok)
	require.Equal(t, "c", v)

	v, ok = ExtractPath(root, "args.nested.x")
	require.True(t, ok)
	require.Equal(t, float64(42), v)

	_, ok = ExtractPath(root, "args.missing.field")
	require.False(t, ok)
}

func TestMatchAllContainsAndPrefix(t *testing.T) {
	root := map[string]interface{}{"args": map[string]interface{}{"path": "/etc/passwd"}}
	ms := []config.FieldMatcher{{Path: "args.path", Prefix: "/etc"}}
	require.True(t, MatchAll(root, ms, 100*time.Millisecond))

	ms = []config.FieldMatcher{{Path: "args.path", Contains: "notes"}}
	require.False(t, MatchAll(root, ms, 100*time.Millisecond))
}

func TestInterpolateEscapeAndMissing(t *testing.T) {
	ctx := TemplateContext{Args: map[string]interface{}{"path": "notes.txt"}}
	out := Interpolate("literal $${escaped} and ${args.path} and ${args.missing}", ctx)
	require.Equal(t, "literal ${escaped} and notes.txt and ", out)
}

func TestInterpolateRequestIDNullForNotification(t *testing.T) {
	ctx := TemplateContext{IsNotification: true}
	out := Interpolate(`{"id": ${request.id}}`, ctx)
	require.Equal(t, `{"id": null}`, out)
}

func TestInterpolateFunctions(t *testing.T) {
	ctx := TemplateContext{Args: map[string]interface{}{"name": "bob"}}
	require.Equal(t, "BOB", Interpolate("${fn.upper(args.name)}", ctx))
	require.Equal(t, "bo", Interpolate("${fn.truncate(args.name, 2)}", ctx))
	require.Equal(t, "3", Interpolate("${fn.len(args.name)}", ctx))
}

func TestSequenceSelectionCycle(t *testing.T) {
	seq := &config.SequenceStrategy{
		Responses: [][]config.ContentItem{
			{{Kind: config.ContentText, Value: config.ContentValue{Static: "one"}}},
			{{Kind: config.ContentText, Value: config.ContentValue{Static: "two"}}},
		},
		OnExhausted: config.ExhaustedCycle,
	}
	// N=2, call 7 = 2*3+1: (7-1)%2 = 0 -> "one"
	items, err := SelectSequence(seq, 7)
	require.NoError(t, err)
	require.Equal(t, "one", items[0].Value.Static)
}

func TestSequenceSelectionLastDefault(t *testing.T) {
	seq := &config.SequenceStrategy{
		Responses: [][]config.ContentItem{
			{{Kind: config.ContentText, Value: config.ContentValue{Static: "one"}}},
		},
		OnExhausted: config.ExhaustedLast,
	}
	items, err := SelectSequence(seq, 5)
	require.NoError(t, err)
	require.Equal(t, "one", items[0].Value.Static)
}

func TestSequenceSelectionErrorPolicy(t *testing.T) {
	seq := &config.SequenceStrategy{
		Responses:   [][]config.ContentItem{{{Kind: config.ContentText, Value: config.ContentValue{Static: "one"}}}},
		OnExhausted: config.ExhaustedError,
	}
	_, err := SelectSequence(seq, 2)
	require.Error(t, err)
}
