package model

import (
	"encoding/json"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLabelMap(t *testing.T) {
	labels, err := NewLabelMap([]string{"fake", "real"})
	require.NoError(t, err)
	assert.Equal(t, 2, labels.Len())

	name, found := labels.Label(1)
	assert.True(t, found)
	assert.Equal(t, "real", name)
	_, found = labels.Label(2)
	assert.False(t, found)

	id, found := labels.ID("fake")
	assert.True(t, found)
	assert.Equal(t, 0, id)

	_, err = NewLabelMap(nil)
	assert.Error(t, err)
	_, err = NewLabelMap([]string{"a", "a"})
	assert.Error(t, err)
	_, err = NewLabelMap([]string{"a", ""})
	assert.Error(t, err)
}

func TestConfigRoundTrip(t *testing.T) {
	labels, err := NewLabelMap([]string{"cat", "dog", "bird"})
	require.NoError(t, err)
	cfg := NewConfig(labels, 224)
	assert.Equal(t, 3, cfg.NumLabels)
	assert.Equal(t, "dog", cfg.ID2Label["1"])
	assert.Equal(t, 2, cfg.Label2ID["bird"])

	path := filepath.Join(t.TempDir(), "out", ConfigFile)
	require.NoError(t, WriteConfig(path, cfg))
	got, err := ReadConfig(path)
	require.NoError(t, err)
	gotLabels, err := got.Labels()
	require.NoError(t, err)
	assert.Equal(t, labels.Names(), gotLabels.Names())
	assert.Equal(t, "pixel_values", got.InputNameOr("pixel_values"))
}

func TestConfigLabelsErrors(t *testing.T) {
	for name, cfg := range map[string]Config{
		"gap":      {ID2Label: map[string]string{"0": "a", "2": "b"}},
		"bad key":  {ID2Label: map[string]string{"zero": "a"}},
		"mismatch": {ID2Label: map[string]string{"0": "a", "1": "b"}, Label2ID: map[string]int{"a": 1}},
		"empty":    {},
	} {
		t.Run(name, func(t *testing.T) {
			_, err := cfg.Labels()
			assert.Error(t, err)
		})
	}
}

func TestSizeUnmarshal(t *testing.T) {
	var p PreprocessorConfig
	require.NoError(t, json.Unmarshal([]byte(`{"size": 384, "crop_size": {"height": 10, "width": 12}}`), &p))
	assert.Equal(t, Size{Height: 384, Width: 384}, p.Size)
	assert.Equal(t, Size{Height: 10, Width: 12}, p.CropSize)

	require.NoError(t, json.Unmarshal([]byte(`{"size": {"shortest_edge": 256}}`), &p))
	assert.Equal(t, Size{ShortestEdge: 256}, p.Size)

	assert.Error(t, json.Unmarshal([]byte(`{"size": "big"}`), &p))
}

func TestPreprocessorConfigFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), PreprocessorConfigFile)
	require.NoError(t, WritePreprocessorConfig(path, DefaultBEiTPreprocessorConfig()))
	got, err := ReadPreprocessorConfig(path)
	require.NoError(t, err)
	assert.Equal(t, DefaultBEiTPreprocessorConfig(), got)
	height, width := got.OutputSize()
	assert.Equal(t, 224, height)
	assert.Equal(t, 224, width)

	bad := DefaultBEiTPreprocessorConfig()
	bad.DoResize = false
	require.NoError(t, WritePreprocessorConfig(path, bad))
	_, err = ReadPreprocessorConfig(path)
	assert.Error(t, err)
}
