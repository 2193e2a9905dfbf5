package model

import (
	"encoding/json"
	"os"
	"path/filepath"
	"strconv"

	"github.com/pkg/errors"
)

// File names inside a model directory, the same the hub uses.
const (
	ConfigFile             = "config.json"
	PreprocessorConfigFile = "preprocessor_config.json"
	ONNXFile               = "model.onnx"
)

// Config is the subset of a model's config.json this project reads and writes.
type Config struct {
	Architectures []string          `json:"architectures,omitempty"`
	ModelType     string            `json:"model_type,omitempty"`
	ID2Label      map[string]string `json:"id2label"`
	Label2ID      map[string]int    `json:"label2id"`
	NumLabels     int               `json:"num_labels,omitempty"`
	ImageSize     int               `json:"image_size,omitempty"`

	// Backbone used by the gomlx backend to rebuild the fine-tuned graph.
	BackboneRepo   string `json:"backbone_repo,omitempty"`
	BackboneFile   string `json:"backbone_file,omitempty"`
	BackboneOutput string `json:"backbone_output,omitempty"`
	Precision      string `json:"precision,omitempty"`

	// Names of the ONNX graph input and output, for the onnxruntime backend.
	InputName  string `json:"input_name,omitempty"`
	OutputName string `json:"output_name,omitempty"`
}

// NewConfig creates the config of a classifier over labels.
func NewConfig(labels *LabelMap, imageSize int) Config {
	cfg := Config{
		Architectures: []string{"BeitForImageClassification"},
		ModelType:     "beit",
		ID2Label:      make(map[string]string, labels.Len()),
		Label2ID:      make(map[string]int, labels.Len()),
		NumLabels:     labels.Len(),
		ImageSize:     imageSize,
	}
	for id, name := range labels.Names() {
		cfg.ID2Label[strconv.Itoa(id)] = name
		cfg.Label2ID[name] = id
	}
	return cfg
}

// Labels rebuilds the LabelMap from id2label. Ids must be exactly 0..n-1.
func (c Config) Labels() (*LabelMap, error) {
	names := make([]string, len(c.ID2Label))
	for key, name := range c.ID2Label {
		id, err := strconv.Atoi(key)
		if err != nil {
			return nil, errors.Wrapf(err, "invalid id2label key %q", key)
		}
		if id < 0 || id >= len(names) || names[id] != "" {
			return nil, errors.Errorf("id2label ids must be 0..%d without gaps, got %d", len(names)-1, id)
		}
		names[id] = name
	}
	labels, err := NewLabelMap(names)
	if err != nil {
		return nil, err
	}
	for name, id := range c.Label2ID {
		if got, found := labels.ID(name); !found || got != id {
			return nil, errors.Errorf("label2id[%q]=%d does not match id2label", name, id)
		}
	}
	return labels, nil
}

// InputNameOr returns InputName, or defaultName if it is not set.
func (c Config) InputNameOr(defaultName string) string {
	if c.InputName == "" {
		return defaultName
	}
	return c.InputName
}

// OutputNameOr returns OutputName, or defaultName if it is not set.
func (c Config) OutputNameOr(defaultName string) string {
	if c.OutputName == "" {
		return defaultName
	}
	return c.OutputName
}

// Resampling filters, numbered as in the preprocessor configs found on the hub.
const (
	ResampleNearest  = 0
	ResampleLanczos  = 1
	ResampleBilinear = 2
	ResampleBicubic  = 3
)

// Size of the resized (or cropped) image. Either Height and Width are set, or ShortestEdge.
type Size struct {
	Height       int `json:"height,omitempty"`
	Width        int `json:"width,omitempty"`
	ShortestEdge int `json:"shortest_edge,omitempty"`
}

// UnmarshalJSON accepts both the object form and the older single integer form.
func (s *Size) UnmarshalJSON(data []byte) error {
	var square int
	if err := json.Unmarshal(data, &square); err == nil {
		*s = Size{Height: square, Width: square}
		return nil
	}
	type plain Size
	var p plain
	if err := json.Unmarshal(data, &p); err != nil {
		return errors.Wrap(err, "size must be an integer or an object")
	}
	*s = Size(p)
	return nil
}

// PreprocessorConfig describes how an image is turned into the model's pixel values.
type PreprocessorConfig struct {
	DoResize      bool      `json:"do_resize"`
	Size          Size      `json:"size"`
	Resample      int       `json:"resample"`
	DoCenterCrop  bool      `json:"do_center_crop"`
	CropSize      Size      `json:"crop_size"`
	DoRescale     bool      `json:"do_rescale"`
	RescaleFactor float64   `json:"rescale_factor"`
	DoNormalize   bool      `json:"do_normalize"`
	ImageMean     []float64 `json:"image_mean"`
	ImageStd      []float64 `json:"image_std"`
}

// DefaultBEiTPreprocessorConfig matches microsoft/beit-base-patch16-224.
func DefaultBEiTPreprocessorConfig() PreprocessorConfig {
	return PreprocessorConfig{
		DoResize:      true,
		Size:          Size{Height: 224, Width: 224},
		Resample:      ResampleBicubic,
		DoRescale:     true,
		RescaleFactor: 1.0 / 255.0,
		DoNormalize:   true,
		ImageMean:     []float64{0.5, 0.5, 0.5},
		ImageStd:      []float64{0.5, 0.5, 0.5},
	}
}

// Validate checks the config can be applied.
func (p PreprocessorConfig) Validate() error {
	if p.DoResize && p.Size.ShortestEdge <= 0 && (p.Size.Height <= 0 || p.Size.Width <= 0) {
		return errors.Errorf("invalid resize size %+v", p.Size)
	}
	if p.DoCenterCrop && (p.CropSize.Height <= 0 || p.CropSize.Width <= 0) {
		return errors.Errorf("invalid crop size %+v", p.CropSize)
	}
	if !p.DoResize && !p.DoCenterCrop {
		return errors.New("one of do_resize or do_center_crop is required to get a fixed image size")
	}
	if p.DoResize && p.Size.ShortestEdge > 0 && !p.DoCenterCrop {
		return errors.New("resizing by shortest_edge requires do_center_crop to get a fixed image size")
	}
	if p.DoNormalize {
		if len(p.ImageMean) != 3 || len(p.ImageStd) != 3 {
			return errors.Errorf("image_mean and image_std need 3 values, got %d and %d", len(p.ImageMean), len(p.ImageStd))
		}
		for _, std := range p.ImageStd {
			if std == 0 {
				return errors.New("image_std cannot be 0")
			}
		}
	}
	return nil
}

// OutputSize returns the height and width of the pixel values produced with this config.
func (p PreprocessorConfig) OutputSize() (height, width int) {
	if p.DoCenterCrop {
		return p.CropSize.Height, p.CropSize.Width
	}
	if p.Size.ShortestEdge > 0 {
		return p.Size.ShortestEdge, p.Size.ShortestEdge
	}
	return p.Size.Height, p.Size.Width
}

// ReadConfig reads config.json from path.
func ReadConfig(path string) (Config, error) {
	var cfg Config
	return cfg, readJSON(path, &cfg)
}

// WriteConfig writes cfg to path.
func WriteConfig(path string, cfg Config) error {
	return writeJSON(path, cfg)
}

// ReadPreprocessorConfig reads preprocessor_config.json from path.
func ReadPreprocessorConfig(path string) (PreprocessorConfig, error) {
	var cfg PreprocessorConfig
	if err := readJSON(path, &cfg); err != nil {
		return cfg, err
	}
	return cfg, cfg.Validate()
}

// WritePreprocessorConfig writes cfg to path.
func WritePreprocessorConfig(path string, cfg PreprocessorConfig) error {
	return writeJSON(path, cfg)
}

func readJSON(path string, out any) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return errors.Wrapf(err, "failed to read %q", path)
	}
	if err := json.Unmarshal(data, out); err != nil {
		return errors.Wrapf(err, "failed to parse %q", path)
	}
	return nil
}

func writeJSON(path string, value any) error {
	data, err := json.MarshalIndent(value, "", "  ")
	if err != nil {
		return errors.Wrapf(err, "failed to encode %q", path)
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return errors.Wrapf(err, "failed to create directory for %q", path)
	}
	return errors.Wrapf(os.WriteFile(path, data, 0o644), "failed to write %q", path)
}
