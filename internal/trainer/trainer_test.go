package trainer

import (
	"bytes"
	"math"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/gomlx/gomlx/backends"
	"github.com/gomlx/gomlx/pkg/core/tensors"
	"github.com/gomlx/gomlx/pkg/ml/train/optimizers"
	"github.com/gomlx/gomlx/pkg/ml/train/optimizers/cosineschedule"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Brownie44l1/beit-classifier/internal/beit"
	"github.com/Brownie44l1/beit-classifier/internal/config"
)

func writeCheckpoint(t *testing.T, dir, name string) {
	t.Helper()
	require.NoError(t, os.MkdirAll(dir, 0o755))
	for _, file := range checkpointFiles(name) {
		require.NoError(t, os.WriteFile(filepath.Join(dir, file), []byte(file), 0o644))
	}
}

func TestEnsureNoCheckpoints(t *testing.T) {
	dir := filepath.Join(t.TempDir(), CheckpointsDir)
	assert.NoError(t, ensureNoCheckpoints(dir), "missing dir")

	require.NoError(t, os.MkdirAll(dir, 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "notes.txt"), nil, 0o644))
	assert.NoError(t, ensureNoCheckpoints(dir))

	writeCheckpoint(t, dir, "checkpoint-n0000001")
	assert.ErrorContains(t, ensureNoCheckpoints(dir), "already has checkpoints")
}

func TestRemoveAndCopyCheckpoint(t *testing.T) {
	root := t.TempDir()
	dir := filepath.Join(root, CheckpointsDir)
	writeCheckpoint(t, dir, "a")
	writeCheckpoint(t, dir, "b")

	require.NoError(t, removeCheckpoint(dir, "a"))
	require.NoError(t, removeCheckpoint(dir, "a"), "removing twice is not an error")
	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	assert.Len(t, entries, 2)

	bestDir := filepath.Join(root, "best")
	require.NoError(t, copyCheckpoint(dir, "b", bestDir))
	for _, file := range checkpointFiles("b") {
		data, err := os.ReadFile(filepath.Join(bestDir, file))
		require.NoError(t, err)
		assert.Equal(t, file, string(data))
	}
	assert.Error(t, copyCheckpoint(dir, "a", bestDir))
}

func TestScalar(t *testing.T) {
	assert.InDelta(t, 0.5, scalar(tensors.FromScalar(float32(0.5))), 1e-9)
	assert.InDelta(t, 2.0, scalar(tensors.FromScalar(2.0)), 1e-9)
	assert.True(t, math.IsNaN(scalar(tensors.FromScalar(int32(1)))))
}

func TestTrainingParams(t *testing.T) {
	hp := config.DefaultTrain().Hyperparameters
	params := trainingParams(hp, 100, 5)
	assert.Equal(t, 95, params[cosineschedule.ParamPeriodSteps], "cosine decays over the steps after warm-up")
	assert.Equal(t, 5, params[cosineschedule.ParamWarmUpSteps])
	assert.Equal(t, 100, params[beit.ParamLinearScheduleSteps])
	assert.Equal(t, "adamw", params[optimizers.ParamOptimizer])
	assert.InDelta(t, hp.LearningRate, params[optimizers.ParamLearningRate], 1e-12)

	// Warm-up over the whole run.
	assert.Equal(t, 1, trainingParams(hp, 3, 3)[cosineschedule.ParamPeriodSteps])
}

func TestReportBackend(t *testing.T) {
	backend, err := backends.New()
	require.NoError(t, err)
	defer backend.Finalize()

	var out bytes.Buffer
	reportBackend(&out, backend)
	assert.Contains(t, out.String(), backend.Name())
	assert.True(t, strings.HasSuffix(out.String(), "\n"))
}
