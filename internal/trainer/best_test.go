package trainer

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func names(kept []Checkpoint) []string {
	var out []string
	for _, c := range kept {
		out = append(out, c.Name)
	}
	return out
}

func TestBestCheckpointsKeepsTopTwo(t *testing.T) {
	b := NewBestCheckpoints(2)

	keep, evicted := b.Offer("ckpt-1", 0.70)
	assert.True(t, keep)
	assert.Empty(t, evicted)

	keep, evicted = b.Offer("ckpt-2", 0.80)
	assert.True(t, keep)
	assert.Empty(t, evicted)

	keep, evicted = b.Offer("ckpt-3", 0.75)
	assert.True(t, keep)
	assert.Equal(t, []string{"ckpt-1"}, evicted)

	keep, evicted = b.Offer("ckpt-4", 0.60)
	assert.False(t, keep)
	assert.Equal(t, []string{"ckpt-4"}, evicted)

	assert.Equal(t, []string{"ckpt-2", "ckpt-3"}, names(b.Kept()))
	best, ok := b.Best()
	require.True(t, ok)
	assert.Equal(t, "ckpt-2", best.Name)
	assert.InDelta(t, 0.80, best.Score, 1e-9)
}

func TestBestCheckpointsTiesPreferOlder(t *testing.T) {
	b := NewBestCheckpoints(2)
	b.Offer("a", 0.5)
	b.Offer("b", 0.5)
	keep, evicted := b.Offer("c", 0.5)
	assert.False(t, keep)
	assert.Equal(t, []string{"c"}, evicted)
	assert.Equal(t, []string{"a", "b"}, names(b.Kept()))
}

func TestBestCheckpointsEarlierEpochStaysBest(t *testing.T) {
	b := NewBestCheckpoints(2)
	b.Offer("epoch-1", 0.90)
	b.Offer("epoch-2", 0.85)
	keep, evicted := b.Offer("epoch-3", 0.90)
	assert.True(t, keep)
	assert.Equal(t, []string{"epoch-2"}, evicted)

	best, ok := b.Best()
	require.True(t, ok)
	assert.Equal(t, "epoch-1", best.Name)
	assert.Equal(t, []string{"epoch-1", "epoch-3"}, names(b.Kept()))
}

func TestBestCheckpointsLimit(t *testing.T) {
	b := NewBestCheckpoints(0)
	b.Offer("a", 0.9)
	keep, evicted := b.Offer("b", 0.1)
	assert.False(t, keep)
	assert.Equal(t, []string{"b"}, evicted)

	_, ok := NewBestCheckpoints(3).Best()
	assert.False(t, ok)
}
