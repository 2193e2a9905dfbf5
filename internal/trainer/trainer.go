// Package trainer fine-tunes the BEiT classifier on an image-folder dataset.
//
// A run downloads the dataset and the pretrained backbone, trains for a fixed number of epochs
// evaluating on the validation split after each one, keeps the best checkpoints, and finally
// reports the accuracy of the best model on the test split.
package trainer

import (
	"context"
	"fmt"
	"io"
	"math"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/gomlx/exceptions"
	"github.com/gomlx/gomlx/backends"
	_ "github.com/gomlx/gomlx/backends/default"
	"github.com/gomlx/gomlx/pkg/core/tensors"
	mlctx "github.com/gomlx/gomlx/pkg/ml/context"
	"github.com/gomlx/gomlx/pkg/ml/context/checkpoints"
	"github.com/gomlx/gomlx/pkg/ml/train"
	"github.com/gomlx/gomlx/pkg/ml/train/losses"
	"github.com/gomlx/gomlx/pkg/ml/train/metrics"
	"github.com/gomlx/gomlx/pkg/ml/train/optimizers"
	"github.com/gomlx/gomlx/pkg/ml/train/optimizers/cosineschedule"
	"github.com/gomlx/gomlx/ui/commandline"
	"github.com/pkg/errors"
	"go.uber.org/multierr"
	"k8s.io/klog/v2"

	"github.com/Brownie44l1/beit-classifier/internal/beit"
	"github.com/Brownie44l1/beit-classifier/internal/config"
	"github.com/Brownie44l1/beit-classifier/internal/dataset"
	"github.com/Brownie44l1/beit-classifier/internal/model"
	"github.com/Brownie44l1/beit-classifier/internal/preprocess"
)

// CheckpointsDir is the sub-directory of the output dir where checkpoints are saved every epoch.
const CheckpointsDir = "checkpoints"

// Result summarizes a training run.
type Result struct {
	OutputDir      string
	NumLabels      int
	Steps          int
	BestCheckpoint string
	BestScore      float64
	TestAccuracy   float64
	TestLoss       float64
	Duration       time.Duration
}

// Run fine-tunes the classifier configured by cfg. The model is written to cfg.OutputDir: its
// config.json, preprocessor_config.json and the best checkpoint under beit.BestCheckpointDir.
//
// The training is not resumable: it fails if the output dir already has checkpoints.
func Run(ctx context.Context, cfg config.Train) (Result, error) {
	var (
		result Result
		runErr error
	)
	if err := exceptions.TryCatch[error](func() { result, runErr = run(ctx, cfg) }); err != nil {
		return result, errors.WithMessage(err, "training failed")
	}
	return result, runErr
}

// session holds what is built once per run.
type session struct {
	cfg                config.Train
	backend            backends.Backend
	encoder            beit.Encoder
	data               *dataset.Dataset
	preprocessorConfig model.PreprocessorConfig
	extractor          *preprocess.FeatureExtractor
	params             map[string]any
	history            *History
}

func run(ctx context.Context, cfg config.Train) (result Result, err error) {
	s := &session{cfg: cfg}
	s.backend, err = backends.New()
	if err != nil {
		return result, errors.WithMessage(err, "no backend available")
	}
	defer s.backend.Finalize()
	reportBackend(os.Stdout, s.backend)

	if err := s.prepare(); err != nil {
		return result, err
	}
	defer func() { err = multierr.Append(err, s.encoder.Close()) }()
	return s.fit(ctx)
}

// fit trains the session's encoder and head, and writes the model to the output dir.
func (s *session) fit(ctx context.Context) (result Result, err error) {
	start := time.Now()
	cfg := s.cfg
	hp := cfg.Hyperparameters

	checkpointsDir := filepath.Join(cfg.OutputDir, CheckpointsDir)
	if err := ensureNoCheckpoints(checkpointsDir); err != nil {
		return result, err
	}
	if err := s.writeModelFiles(); err != nil {
		return result, err
	}
	s.history, err = NewHistory(cfg.LoggingDir)
	if err != nil {
		return result, err
	}
	defer func() { err = multierr.Append(err, s.history.Close()) }()

	numLabels := s.data.Labels.Len()
	trainDS, err := s.loader(dataset.Train, hp.TrainBatchSize, true)
	if err != nil {
		return result, err
	}
	validationDS, err := s.loader(dataset.Validation, hp.EvalBatchSize, false)
	if err != nil {
		return result, err
	}
	testDS, err := s.loader(dataset.Test, hp.EvalBatchSize, false)
	if err != nil {
		return result, err
	}
	stepsPerEpoch := trainDS.StepsPerEpoch()
	if stepsPerEpoch == 0 {
		return result, errors.Errorf("train split has %d images, fewer than one batch of %d",
			trainDS.NumExamples(), hp.TrainBatchSize)
	}
	totalSteps := stepsPerEpoch * hp.NumEpochs
	warmUpSteps := int(math.Ceil(hp.WarmupRatio * float64(totalSteps)))
	klog.Infof("Training %s steps (%d per epoch, %d warm-up) on %s images, %d labels",
		humanize.Comma(int64(totalSteps)), stepsPerEpoch, warmUpSteps,
		humanize.Comma(int64(trainDS.NumExamples())), numLabels)

	s.params = trainingParams(hp, totalSteps, warmUpSteps)
	mctx, err := s.newModelContext()
	if err != nil {
		return result, err
	}
	if err := mctx.SetRNGStateFromSeed(hp.Seed); err != nil {
		return result, errors.WithMessage(err, "failed to seed the random number generator")
	}
	modelCtx := mctx.In(beit.ModelScope)
	if cfg.FreezeBackbone {
		klog.Infof("Froze %d backbone variables", beit.Freeze(modelCtx))
	}
	logParameters(modelCtx)

	handler, err := checkpoints.Build(mctx).Dir(checkpointsDir).Keep(-1).Done()
	if err != nil {
		return result, errors.WithMessagef(err, "failed to create checkpoints in %q", checkpointsDir)
	}

	trainer := s.newTrainer(modelCtx, numLabels,
		[]metrics.Interface{metrics.NewMovingAverageSparseCategoricalAccuracy("Moving Average Accuracy", "~acc", 0.01)})
	if hp.GradientAccumulationSteps > 1 {
		if err := trainer.AccumulateGradients(hp.GradientAccumulationSteps); err != nil {
			return result, errors.WithMessage(err, "failed to configure gradient accumulation")
		}
	}
	loop := train.NewLoop(trainer)
	commandline.AttachProgressBar(loop)

	epoch := 0
	loop.OnStep("history", 0, func(loop *train.Loop, stepMetrics []*tensors.Tensor) error {
		if loop.LoopStep%hp.LoggingSteps != 0 || len(stepMetrics) == 0 {
			return nil
		}
		s.history.TrainStep(loop.LoopStep, epoch, scalar(stepMetrics[0]), learningRate(mctx))
		return nil
	})

	best := NewBestCheckpoints(hp.SaveTotalLimit)
	for ; epoch < hp.NumEpochs; epoch++ {
		if err := ctx.Err(); err != nil {
			return result, err
		}
		if _, err := loop.RunEpochs(trainDS, 1); err != nil {
			return result, errors.WithMessagef(err, "epoch %d failed", epoch)
		}
		evaluation, err := evaluate(trainer, validationDS)
		if err != nil {
			return result, err
		}
		s.history.Eval(string(dataset.Validation), loop.LoopStep, epoch, evaluation)
		klog.Infof("Epoch %d (step %d, median step %s): validation accuracy %.4f, loss %.4f",
			epoch, loop.LoopStep, loop.MedianTrainStepDuration(),
			evaluation[metrics.AccuracyMetricType], evaluation[metrics.LossMetricType])

		if err := handler.Save(); err != nil {
			return result, errors.WithMessagef(err, "failed to save checkpoint of epoch %d", epoch)
		}
		latest, err := latestCheckpoint(handler)
		if err != nil {
			return result, err
		}
		score := evaluation[metrics.AccuracyMetricType]
		if hp.MetricForBestModel == metrics.LossMetricType {
			score = -evaluation[metrics.LossMetricType]
		}
		kept, evicted := best.Offer(latest, score)
		s.history.Checkpoint(latest, score, kept, evicted)
		for _, name := range evicted {
			if err := removeCheckpoint(checkpointsDir, name); err != nil {
				return result, err
			}
		}
	}

	bestCheckpoint, _ := best.Best()
	bestDir := filepath.Join(cfg.OutputDir, beit.BestCheckpointDir)
	if err := os.RemoveAll(bestDir); err != nil {
		return result, errors.Wrapf(err, "failed to clear %q", bestDir)
	}
	evalTrainer := trainer
	if hp.LoadBestModelAtEnd {
		if err := copyCheckpoint(checkpointsDir, bestCheckpoint.Name, bestDir); err != nil {
			return result, err
		}
		klog.Infof("Loading best checkpoint %s (score %.4f)", bestCheckpoint.Name, bestCheckpoint.Score)
		evalTrainer, err = s.loadTrainer(bestDir, numLabels)
		if err != nil {
			return result, err
		}
	} else {
		bestHandler, err := checkpoints.Build(mctx).Dir(bestDir).Keep(1).Done()
		if err != nil {
			return result, errors.WithMessagef(err, "failed to create %q", bestDir)
		}
		if err := bestHandler.Save(); err != nil {
			return result, errors.WithMessagef(err, "failed to save final model to %q", bestDir)
		}
	}

	evaluation, err := evaluate(evalTrainer, testDS)
	if err != nil {
		return result, err
	}
	s.history.Eval(string(dataset.Test), loop.LoopStep, epoch, evaluation)
	fmt.Printf("Test accuracy: %.4f\n", evaluation[metrics.AccuracyMetricType])

	result = Result{
		OutputDir:      cfg.OutputDir,
		NumLabels:      numLabels,
		Steps:          loop.LoopStep,
		BestCheckpoint: bestCheckpoint.Name,
		BestScore:      bestCheckpoint.Score,
		TestAccuracy:   evaluation[metrics.AccuracyMetricType],
		TestLoss:       evaluation[metrics.LossMetricType],
		Duration:       time.Since(start),
	}
	klog.Infof("Training done in %s, model saved to %s", result.Duration.Round(time.Second), cfg.OutputDir)
	return result, nil
}

// reportBackend prints the device the run computes on.
func reportBackend(w io.Writer, backend backends.Backend) {
	fmt.Fprintf(w, "Backend %q: %s\n", backend.Name(), backend.Description())
}

// trainingParams returns the context hyperparameters of the optimizer and the learning rate
// schedules. The cosine period starts after the warm-up, so it spans the remaining steps.
func trainingParams(hp config.Hyperparameters, totalSteps, warmUpSteps int) map[string]any {
	return map[string]any{
		optimizers.ParamOptimizer:           "adamw",
		optimizers.ParamLearningRate:        hp.LearningRate,
		optimizers.ParamAdamWeightDecay:     hp.WeightDecay,
		beit.ParamScheduler:                 hp.Scheduler,
		beit.ParamPrecision:                 hp.Precision,
		cosineschedule.ParamPeriodSteps:     max(totalSteps-warmUpSteps, 1),
		cosineschedule.ParamWarmUpSteps:     warmUpSteps,
		cosineschedule.ParamMinLearningRate: 0.0,
		beit.ParamLinearScheduleSteps:       totalSteps,
	}
}

// prepare downloads the dataset and the backbone.
func (s *session) prepare() error {
	cfg := s.cfg
	root := cfg.DatasetDir
	if root == "" {
		var err error
		root, err = dataset.Download(cfg.DatasetName, cfg.HubToken)
		if err != nil {
			return err
		}
	}
	var err error
	s.data, err = dataset.Open(root)
	if err != nil {
		return err
	}
	for _, split := range dataset.Splits {
		klog.Infof("Split %s: %s images", split, humanize.Comma(int64(len(s.data.Splits[split]))))
	}

	backbonePath, err := model.DownloadONNX(cfg.ModelName, cfg.HubToken, cfg.ModelFile)
	if err != nil {
		return err
	}
	s.preprocessorConfig, err = basePreprocessorConfig(cfg.ModelName, cfg.HubToken)
	if err != nil {
		return err
	}
	s.extractor, err = preprocess.New(s.preprocessorConfig)
	if err != nil {
		return err
	}
	backbone, err := beit.LoadBackbone(backbonePath, cfg.ModelOutput)
	if err != nil {
		return err
	}
	s.encoder = backbone
	return nil
}

// writeModelFiles writes config.json and preprocessor_config.json to the output dir.
func (s *session) writeModelFiles() error {
	cfg := s.cfg
	if err := os.MkdirAll(cfg.OutputDir, 0o755); err != nil {
		return errors.Wrapf(err, "failed to create output dir %q", cfg.OutputDir)
	}
	_, height, _ := s.extractor.Shape()
	modelConfig := model.NewConfig(s.data.Labels, height)
	modelConfig.BackboneRepo = cfg.ModelName
	modelConfig.BackboneFile = cfg.ModelFile
	modelConfig.BackboneOutput = cfg.ModelOutput
	modelConfig.Precision = cfg.Hyperparameters.Precision
	return multierr.Combine(
		model.WriteConfig(filepath.Join(cfg.OutputDir, model.ConfigFile), modelConfig),
		model.WritePreprocessorConfig(filepath.Join(cfg.OutputDir, model.PreprocessorConfigFile), s.preprocessorConfig))
}

// basePreprocessorConfig returns the preprocessing of the pretrained model, or BEiT's defaults if
// its repository doesn't publish one.
func basePreprocessorConfig(repoID, token string) (model.PreprocessorConfig, error) {
	repo := model.NewHubRepo(repoID, token)
	if err := repo.DownloadInfo(false); err != nil {
		return model.PreprocessorConfig{}, errors.WithMessagef(err, "failed to get info of model %q", repoID)
	}
	found, err := model.HasFile(repo, model.PreprocessorConfigFile)
	if err != nil || !found {
		klog.Warningf("Using default BEiT preprocessing, %q has no %s (err=%v)", repoID, model.PreprocessorConfigFile, err)
		return model.DefaultBEiTPreprocessorConfig(), nil
	}
	path, err := repo.DownloadFile(model.PreprocessorConfigFile)
	if err != nil {
		return model.PreprocessorConfig{}, errors.WithMessagef(err, "failed to download %s of %q", model.PreprocessorConfigFile, repoID)
	}
	return model.ReadPreprocessorConfig(path)
}

func (s *session) loader(split dataset.Split, batchSize int, training bool) (*dataset.Loader, error) {
	hp := s.cfg.Hyperparameters
	return dataset.NewLoader(string(split), s.data.Splits[split], s.extractor, dataset.LoaderOptions{
		BatchSize:      batchSize,
		Shuffle:        training,
		Seed:           hp.Seed,
		DropIncomplete: training,
		NumWorkers:     hp.NumWorkers,
	})
}

// newModelContext creates a context with the run hyperparameters and the pretrained backbone weights.
func (s *session) newModelContext() (*mlctx.Context, error) {
	mctx := mlctx.New()
	mctx.SetParams(s.params)
	if err := s.encoder.LoadVariables(mctx.In(beit.ModelScope)); err != nil {
		return nil, err
	}
	return mctx, nil
}

func (s *session) newTrainer(modelCtx *mlctx.Context, numLabels int, trainMetrics []metrics.Interface) *train.Trainer {
	return train.NewTrainer(s.backend, modelCtx, beit.ModelGraph(s.encoder, numLabels),
		losses.SparseCategoricalCrossEntropyLogits,
		optimizers.FromContext(modelCtx),
		trainMetrics,
		[]metrics.Interface{metrics.NewSparseCategoricalAccuracy("Mean Accuracy", "#acc")})
}

// loadTrainer creates an evaluation trainer on a fresh context holding the checkpoint in dir.
func (s *session) loadTrainer(dir string, numLabels int) (*train.Trainer, error) {
	mctx, err := s.newModelContext()
	if err != nil {
		return nil, err
	}
	if _, err := checkpoints.Load(mctx).Dir(dir).Immediate().Done(); err != nil {
		return nil, errors.WithMessagef(err, "failed to load checkpoint from %q", dir)
	}
	return s.newTrainer(mctx.In(beit.ModelScope), numLabels, nil), nil
}

// evaluate runs the trainer's evaluation metrics over ds, and returns them keyed by metric type.
func evaluate(trainer *train.Trainer, ds train.Dataset) (map[string]float64, error) {
	values, err := trainer.Eval(ds)
	ds.Reset()
	if err != nil {
		return nil, errors.WithMessagef(err, "failed to evaluate on %s", ds.Name())
	}
	results := make(map[string]float64, len(values))
	for i, metric := range trainer.EvalMetrics() {
		if i >= len(values) {
			break
		}
		klog.V(1).Infof("%s %s: %s", ds.Name(), metric.Name(), metric.PrettyPrint(values[i]))
		results[metric.MetricType()] = scalar(values[i])
	}
	return results, nil
}

func scalar(t *tensors.Tensor) float64 {
	switch v := t.Value().(type) {
	case float32:
		return float64(v)
	case float64:
		return v
	default:
		return math.NaN()
	}
}

// learningRate returns the current value of the optimizer's learning rate variable.
func learningRate(mctx *mlctx.Context) float64 {
	for v := range mctx.IterVariables() {
		if v.Name() == optimizers.ParamLearningRate && strings.Contains(v.Scope(), optimizers.Scope) {
			value, err := v.Value()
			if err != nil {
				return math.NaN()
			}
			return scalar(value)
		}
	}
	return mlctx.GetParamOr(mctx, optimizers.ParamLearningRate, math.NaN())
}

func logParameters(modelCtx *mlctx.Context) {
	var total, trainable int64
	for v := range modelCtx.IterVariablesInScope() {
		size := int64(v.Shape().Size())
		total += size
		if v.Trainable {
			trainable += size
		}
	}
	klog.Infof("Model has %s parameters, %s trainable", humanize.Comma(total), humanize.Comma(trainable))
}

func ensureNoCheckpoints(dir string) error {
	entries, err := os.ReadDir(dir)
	if os.IsNotExist(err) {
		return nil
	}
	if err != nil {
		return errors.Wrapf(err, "failed to read %q", dir)
	}
	for _, entry := range entries {
		if strings.HasSuffix(entry.Name(), checkpoints.JsonNameSuffix) {
			return errors.Errorf("%q already has checkpoints: use a new output_dir", dir)
		}
	}
	return nil
}

func latestCheckpoint(handler *checkpoints.Handler) (string, error) {
	names, err := handler.ListCheckpoints()
	if err != nil {
		return "", errors.WithMessage(err, "failed to list checkpoints")
	}
	if len(names) == 0 {
		return "", errors.Errorf("no checkpoint in %q after saving", handler.Dir())
	}
	return names[len(names)-1], nil
}

func checkpointFiles(name string) []string {
	return []string{name + checkpoints.JsonNameSuffix, name + checkpoints.BinDataSuffix}
}

func removeCheckpoint(dir, name string) error {
	var err error
	for _, file := range checkpointFiles(name) {
		if rmErr := os.Remove(filepath.Join(dir, file)); rmErr != nil && !os.IsNotExist(rmErr) {
			err = multierr.Append(err, errors.Wrapf(rmErr, "failed to remove checkpoint %s", name))
		}
	}
	klog.V(1).Infof("Removed checkpoint %s", name)
	return err
}

func copyCheckpoint(fromDir, name, toDir string) error {
	if err := os.MkdirAll(toDir, 0o755); err != nil {
		return errors.Wrapf(err, "failed to create %q", toDir)
	}
	for _, file := range checkpointFiles(name) {
		n, err := copyFile(filepath.Join(fromDir, file), filepath.Join(toDir, file))
		if err != nil {
			return err
		}
		klog.V(1).Infof("Copied %s (%s) to %s", file, humanize.Bytes(uint64(n)), toDir)
	}
	return nil
}

func copyFile(from, to string) (n int64, err error) {
	src, err := os.Open(from)
	if err != nil {
		return 0, errors.Wrapf(err, "failed to open %q", from)
	}
	defer src.Close()
	dst, err := os.Create(to)
	if err != nil {
		return 0, errors.Wrapf(err, "failed to create %q", to)
	}
	defer func() { err = multierr.Append(err, dst.Close()) }()
	n, err = io.Copy(dst, src)
	return n, errors.Wrapf(err, "failed to copy %q to %q", from, to)
}
