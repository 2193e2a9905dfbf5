package classification

import (
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFromLogitsSoftmax(t *testing.T) {
	cs, err := FromLogits([]float32{1, 3, 2}, []string{"a", "b", "c"})
	require.NoError(t, err)
	require.Len(t, cs, 3)

	sum := 0.0
	for _, c := range cs {
		assert.GreaterOrEqual(t, c.Score, 0.0)
		assert.LessOrEqual(t, c.Score, 1.0)
		sum += c.Score
	}
	assert.InDelta(t, 1.0, sum, 1e-9)
	assert.Equal(t, "a", cs[0].Label, "label-id order is kept")

	want := math.Exp(3) / (math.Exp(1) + math.Exp(2) + math.Exp(3))
	assert.InDelta(t, want, cs[1].Score, 1e-6)
}

func TestFromLogitsLargeValues(t *testing.T) {
	cs, err := FromLogits([]float32{1000, 1000}, []string{"real", "fake"})
	require.NoError(t, err)
	assert.InDelta(t, 0.5, cs[0].Score, 1e-9)
	assert.InDelta(t, 0.5, cs[1].Score, 1e-9)
}

func TestFromLogitsSigmoid(t *testing.T) {
	cs, err := FromLogits([]float32{0}, []string{"fake"})
	require.NoError(t, err)
	assert.InDelta(t, 0.5, cs[0].Score, 1e-9)

	cs, err = FromLogits([]float32{4}, []string{"fake"})
	require.NoError(t, err)
	assert.InDelta(t, 1/(1+math.Exp(-4)), cs[0].Score, 1e-6)
}

func TestFromLogitsErrors(t *testing.T) {
	_, err := FromLogits(nil, nil)
	assert.Error(t, err)
	_, err = FromLogits([]float32{1, 2}, []string{"a"})
	assert.Error(t, err)
}

func TestSortedAndTopK(t *testing.T) {
	cs := Classifications{{"a", 0.1}, {"b", 0.4}, {"c", 0.1}, {"d", 0.4}}
	sorted := cs.Sorted()
	assert.Equal(t, []string{"b", "d", "a", "c"}, labelsOf(sorted))
	assert.Equal(t, "a", cs[0].Label, "Sorted does not modify the receiver")

	assert.Equal(t, []string{"b", "d"}, labelsOf(cs.TopK(2)))
	assert.Len(t, cs.TopK(10), 4)

	best, ok := cs.Best()
	assert.True(t, ok)
	assert.Equal(t, "b", best.Label)
	_, ok = Classifications{}.Best()
	assert.False(t, ok)
}

func TestPostprocessors(t *testing.T) {
	cs := Classifications{{"Real", 0.8}, {"fake", 0.15}, {"other", 0.05}}
	assert.Equal(t, []string{"Real", "fake"}, labelsOf(cs.Apply(NewScoreFilter(0.1))))
	assert.Equal(t, []string{"Real"}, labelsOf(cs.Apply(NewLabelFilter("real"))))
	assert.Len(t, cs.Apply(NewLabelFilter()), 3)
	assert.Empty(t, cs.Apply(NewScoreFilter(0.5), NewLabelFilter("fake")))
}

func labelsOf(cs Classifications) []string {
	out := make([]string, len(cs))
	for i, c := range cs {
		out[i] = c.Label
	}
	return out
}
