package beit

import (
	"context"
	"image"
	"path/filepath"
	"sync"

	"github.com/gomlx/exceptions"
	"github.com/gomlx/gomlx/backends"
	_ "github.com/gomlx/gomlx/backends/default"
	. "github.com/gomlx/gomlx/pkg/core/graph"
	"github.com/gomlx/gomlx/pkg/core/tensors"
	mlctx "github.com/gomlx/gomlx/pkg/ml/context"
	"github.com/gomlx/gomlx/pkg/ml/context/checkpoints"
	"github.com/pkg/errors"
	"go.uber.org/multierr"
	"k8s.io/klog/v2"

	"github.com/Brownie44l1/beit-classifier/internal/classification"
	"github.com/Brownie44l1/beit-classifier/internal/model"
	"github.com/Brownie44l1/beit-classifier/internal/preprocess"
)

// BestCheckpointDir is the sub-directory of a training output directory holding the checkpoint
// of the best model.
const BestCheckpointDir = "best"

// Classifier serves a fine-tuned model with gomlx, straight from a training output directory:
// config.json names the backbone, and the best checkpoint holds the fine-tuned weights.
type Classifier struct {
	Config    model.Config
	labels    []string
	extractor *preprocess.FeatureExtractor
	topK      int

	backend backends.Backend
	encoder Encoder
	mu      sync.Mutex
	exec    *mlctx.Exec
}

// NewClassifier loads the model trained into dir. The backbone graph is fetched from the hub with token.
func NewClassifier(dir, token string, topK int) (*Classifier, error) {
	cfg, err := model.ReadConfig(filepath.Join(dir, model.ConfigFile))
	if err != nil {
		return nil, err
	}
	if cfg.BackboneRepo == "" || cfg.BackboneFile == "" {
		return nil, errors.Errorf("%s in %q doesn't name the backbone: was it written by the trainer?", model.ConfigFile, dir)
	}
	backbonePath, err := model.DownloadONNX(cfg.BackboneRepo, token, cfg.BackboneFile)
	if err != nil {
		return nil, err
	}
	backbone, err := LoadBackbone(backbonePath, cfg.BackboneOutput)
	if err != nil {
		return nil, err
	}
	c, err := LoadClassifier(dir, backbone, topK)
	if err != nil {
		return nil, multierr.Append(err, backbone.Close())
	}
	return c, nil
}

// LoadClassifier loads the model trained into dir on top of encoder. The classifier owns the
// encoder once loaded.
func LoadClassifier(dir string, encoder Encoder, topK int) (*Classifier, error) {
	cfg, err := model.ReadConfig(filepath.Join(dir, model.ConfigFile))
	if err != nil {
		return nil, err
	}
	labels, err := cfg.Labels()
	if err != nil {
		return nil, errors.WithMessagef(err, "invalid labels in %q", dir)
	}
	preprocessorConfig, err := model.ReadPreprocessorConfig(filepath.Join(dir, model.PreprocessorConfigFile))
	if err != nil {
		return nil, err
	}
	extractor, err := preprocess.New(preprocessorConfig)
	if err != nil {
		return nil, err
	}

	c := &Classifier{
		Config:    cfg,
		labels:    labels.Names(),
		extractor: extractor,
		topK:      topK,
		encoder:   encoder,
	}
	if err := c.build(filepath.Join(dir, BestCheckpointDir)); err != nil {
		if c.backend != nil {
			c.backend.Finalize()
		}
		return nil, err
	}
	return c, nil
}

func (c *Classifier) build(checkpointDir string) error {
	var err error
	c.backend, err = backends.New()
	if err != nil {
		return errors.WithMessage(err, "failed to create backend")
	}
	klog.Infof("backend %q: %s", c.backend.Name(), c.backend.Description())

	ctx := mlctx.New()
	ctx.SetParams(map[string]any{ParamPrecision: c.Config.Precision})
	modelCtx := ctx.In(ModelScope)
	if err := c.encoder.LoadVariables(modelCtx); err != nil {
		return err
	}
	if _, err := checkpoints.Load(ctx).Dir(checkpointDir).Immediate().Done(); err != nil {
		return errors.WithMessagef(err, "failed to load fine-tuned weights from %q", checkpointDir)
	}

	numLabels := len(c.labels)
	c.exec, err = mlctx.NewExec(c.backend, modelCtx.Checked(false), func(ctx *mlctx.Context, pixels *Node) *Node {
		return Head(ctx, c.encoder.Features(ctx, pixels), numLabels)
	})
	return errors.WithMessage(err, "failed to create model executor")
}

// Labels returns the class labels ordered by id.
func (c *Classifier) Labels() []string { return c.labels }

// Classify returns the top-k classifications of img, best first.
func (c *Classifier) Classify(ctx context.Context, img image.Image) (classification.Classifications, error) {
	pixels := c.extractor.Extract(img)
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	channels, height, width := c.extractor.Shape()
	input := tensors.FromFlatDataAndDimensions(pixels, 1, channels, height, width)

	c.mu.Lock()
	if c.exec == nil {
		c.mu.Unlock()
		return nil, errors.New("classifier is closed")
	}
	output, err := c.exec.Exec1(input)
	c.mu.Unlock()
	if err != nil {
		return nil, errors.WithMessage(err, "inference failed")
	}
	var logits []float32
	err = exceptions.TryCatch[error](func() {
		logits = tensors.MustCopyFlatData[float32](output)
		output.MustFinalizeAll()
	})
	if err != nil {
		return nil, err
	}

	scores, err := classification.FromLogits(logits, c.labels)
	if err != nil {
		return nil, err
	}
	return scores.TopK(c.topK), nil
}

// Close releases the encoder and the backend.
func (c *Classifier) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.exec == nil {
		return nil
	}
	c.exec = nil
	err := c.encoder.Close()
	c.backend.Finalize()
	return err
}
