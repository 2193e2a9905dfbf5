// Package serving loads fine-tuned classifiers exported to ONNX and runs them with ONNX Runtime.
package serving

import (
	"context"
	"image"
	"path/filepath"
	"sync"

	"github.com/pkg/errors"
	ort "github.com/yalue/onnxruntime_go"
	"go.uber.org/multierr"

	"github.com/Brownie44l1/beit-classifier/internal/classification"
	"github.com/Brownie44l1/beit-classifier/internal/model"
	"github.com/Brownie44l1/beit-classifier/internal/preprocess"
)

// Default tensor names of an image classifier exported to ONNX.
const (
	DefaultInputName  = "pixel_values"
	DefaultOutputName = "logits"
)

// ErrClosed is returned by Classify once the classifier is closed.
var ErrClosed = errors.New("classifier is closed")

// ORTClassifier serves an image classifier exported to ONNX with ONNX Runtime.
//
// The model directory holds model.onnx, config.json (id2label) and preprocessor_config.json.
type ORTClassifier struct {
	Config    model.Config
	labels    []string
	extractor *preprocess.FeatureExtractor
	topK      int

	mu           sync.Mutex
	session      *ort.AdvancedSession
	inputTensor  *ort.Tensor[float32]
	outputTensor *ort.Tensor[float32]
}

// NewORTClassifier loads the classifier in dir. libraryPath points to the ONNX Runtime shared
// library; empty uses the platform default.
func NewORTClassifier(dir, libraryPath string, topK int) (c *ORTClassifier, err error) {
	cfg, err := model.ReadConfig(filepath.Join(dir, model.ConfigFile))
	if err != nil {
		return nil, err
	}
	labelMap, err := cfg.Labels()
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

	if libraryPath != "" {
		ort.SetSharedLibraryPath(libraryPath)
	}
	if !ort.IsInitialized() {
		if err := ort.InitializeEnvironment(); err != nil {
			return nil, errors.Wrap(err, "failed to initialize ONNX Runtime environment")
		}
	}

	c = &ORTClassifier{
		Config:    cfg,
		labels:    labelMap.Names(),
		extractor: extractor,
		topK:      topK,
	}
	defer func() {
		if err != nil {
			err = multierr.Append(err, c.Close())
			c = nil
		}
	}()

	channels, height, width := extractor.Shape()
	c.inputTensor, err = ort.NewEmptyTensor[float32](ort.NewShape(1, int64(channels), int64(height), int64(width)))
	if err != nil {
		return nil, errors.Wrap(err, "failed to create input tensor")
	}
	c.outputTensor, err = ort.NewEmptyTensor[float32](ort.NewShape(1, int64(labelMap.Len())))
	if err != nil {
		return nil, errors.Wrap(err, "failed to create output tensor")
	}

	modelPath := filepath.Join(dir, model.ONNXFile)
	c.session, err = ort.NewAdvancedSession(modelPath,
		[]string{cfg.InputNameOr(DefaultInputName)}, []string{cfg.OutputNameOr(DefaultOutputName)},
		[]ort.ArbitraryTensor{c.inputTensor}, []ort.ArbitraryTensor{c.outputTensor},
		nil)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to create ONNX Runtime session for %q", modelPath)
	}
	return c, nil
}

// Labels returns the class labels ordered by id.
func (c *ORTClassifier) Labels() []string { return c.labels }

// Classify returns the top-k classifications of img, best first.
func (c *ORTClassifier) Classify(ctx context.Context, img image.Image) (classification.Classifications, error) {
	pixels := c.extractor.Extract(img)
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	c.mu.Lock()
	if c.session == nil {
		c.mu.Unlock()
		return nil, ErrClosed
	}
	copy(c.inputTensor.GetData(), pixels)
	err := c.session.Run()
	logits := append([]float32(nil), c.outputTensor.GetData()...)
	c.mu.Unlock()
	if err != nil {
		return nil, errors.Wrap(err, "inference failed")
	}

	scores, err := classification.FromLogits(logits, c.labels)
	if err != nil {
		return nil, err
	}
	return scores.TopK(c.topK), nil
}

// Close releases the session, its tensors and the ONNX Runtime environment.
func (c *ORTClassifier) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	var err error
	if c.session != nil {
		err = multierr.Append(err, c.session.Destroy())
		c.session = nil
	}
	if c.inputTensor != nil {
		err = multierr.Append(err, c.inputTensor.Destroy())
		c.inputTensor = nil
	}
	if c.outputTensor != nil {
		err = multierr.Append(err, c.outputTensor.Destroy())
		c.outputTensor = nil
	}
	if ort.IsInitialized() {
		err = multierr.Append(err, ort.DestroyEnvironment())
	}
	return err
}
