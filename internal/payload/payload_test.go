package payload

import (
	"testing"

	"github.com/stretchr/testify/require"
	"github.com/thoughtgate/thoughtjack/internal/config"
)

func TestNestedJSONDepth(t *testing.T) {
	lim := config.DefaultLimits()
	g, err := NewGenerator(config.GeneratorSpec{Type: "nested_json", Params: map[string]interface{}{"depth": 3, "structure": "a"}}, lim)
	require.NoError(t, err)

	p, err := g.Generate()
	require.NoError(t, err)
	b, err := p.Bytes()
	require.NoError(t, err)
	require.Equal(t, `{"a":{"a":{"a":{}}}}`, string(b))
}

func TestNestedJSONRejectsOversizeDepth(t *testing.T) {
	lim := config.DefaultLimits()
	lim.MaxNestDepth = 10
	_, err := NewGenerator(config.GeneratorSpec{Type: "nested_json", Params: map[string]interface{}{"depth": 11}}, lim)
	require.Error(t, err)
}

func TestGarbageDeterministicWithSeed(t *testing.T) {
	lim := config.DefaultLimits()
	spec := config.GeneratorSpec{Type: "garbage", Params: map[string]interface{}{"bytes": 64}, Seed: 42}
	g1, err := NewGenerator(spec, lim)
	require.NoError(t, err)
	g2, err := NewGenerator(spec, lim)
	require.NoError(t, err)

	p1, err := g1.Generate()
	require.NoError(t, err)
	p2, err := g2.Generate()
	require.NoError(t, err)
	b1, _ := p1.Bytes()
	b2, _ := p2.Bytes()
	require.Equal(t, b1, b2)
}

func TestGarbageStreamsAboveThreshold(t *testing.T) {
	lim := config.DefaultLimits()
	spec := config.GeneratorSpec{Type: "garbage", Params: map[string]interface{}{"bytes": 2 << 20}, Seed: 1}
	g, err := NewGenerator(spec, lim)
	require.NoError(t, err)
	p, err := g.Generate()
	require.NoError(t, err)
	require.True(t, p.IsStreamed())
	b, err := p.Bytes()
	require.NoError(t, err)
	require.Len(t, b, 2<<20)
}

func TestBatchNotificationsRejectsOverBatchSize(t *testing.T) {
	lim := config.DefaultLimits()
	lim.MaxBatchSize = 5
	_, err := NewGenerator(config.GeneratorSpec{Type: "batch_notifications", Params: map[string]interface{}{"count": 6}}, lim)
	require.Error(t, err)
}

func TestGenerateIsLazyNotCalledAtConstruction(t *testing.T) {
	// Constructing a generator for a huge (but within-limit) nested depth
	// must not itself allocate the output bytes.
	lim := config.DefaultLimits()
	g, err := NewGenerator(config.GeneratorSpec{Type: "nested_json", Params: map[string]interface{}{"depth": 50_000}}, lim)
	require.NoError(t, err)
	require.Greater(t, g.EstimatedSize(), int64(0))
}

func TestRepeatedKeysPreservesInsertionOrder(t *testing.T) {
	lim := config.DefaultLimits()
	g, err := NewGenerator(config.GeneratorSpec{Type: "repeated_keys", Params: map[string]interface{}{"count": 3, "key_length": 2}}, lim)
	require.NoError(t, err)
	p, err := g.Generate()
	require.NoError(t, err)
	b, err := p.Bytes()
	require.NoError(t, err)
	require.Equal(t, `{"k00":0,"k01":1,"k02":2}`, string(b))
}
