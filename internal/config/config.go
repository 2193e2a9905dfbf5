// Package config holds the training and serving configuration.
//
// Defaults are the constants the fine-tuning run was tuned with (batch 64, 5 epochs, lr 3e-5 on
// an A100). A YAML file may override any of them, and a few values come from the environment.
package config

import (
	"os"
	"slices"
	"strconv"

	"github.com/joho/godotenv"
	"github.com/pkg/errors"
	"gopkg.in/yaml.v3"
	"k8s.io/klog/v2"

	"github.com/Brownie44l1/beit-classifier/internal/classification"
)

// Environment variables read by LoadTrain and LoadServe.
const (
	EnvHubToken       = "HF_TOKEN"
	EnvPort           = "PORT"
	EnvModelPath      = "MODEL_PATH"
	EnvORTLibraryPath = "ORT_LIBRARY_PATH"
)

// Scheduler, precision and backend values accepted by Validate.
var (
	Schedulers = []string{"cosine", "linear", "constant"}
	Precisions = []string{"bf16", "fp32"}
	Backends   = []string{BackendONNXRuntime, BackendGoMLX}
)

const (
	BackendONNXRuntime = "onnxruntime"
	BackendGoMLX       = "gomlx"
)

// Hyperparameters is the flat training configuration. It is fixed when the process starts.
type Hyperparameters struct {
	TrainBatchSize            int     `yaml:"per_device_train_batch_size"`
	EvalBatchSize             int     `yaml:"per_device_eval_batch_size"`
	GradientAccumulationSteps int     `yaml:"gradient_accumulation_steps"`
	NumEpochs                 int     `yaml:"num_train_epochs"`
	LearningRate              float64 `yaml:"learning_rate"`
	WarmupRatio               float64 `yaml:"warmup_ratio"`
	WeightDecay               float64 `yaml:"weight_decay"`
	Scheduler                 string  `yaml:"lr_scheduler_type"`
	Precision                 string  `yaml:"precision"`
	NumWorkers                int     `yaml:"dataloader_num_workers"`
	Seed                      int64   `yaml:"seed"`
	SaveTotalLimit            int     `yaml:"save_total_limit"`
	LoggingSteps              int     `yaml:"logging_steps"`
	LoadBestModelAtEnd        bool    `yaml:"load_best_model_at_end"`
	MetricForBestModel        string  `yaml:"metric_for_best_model"`
}

// Train configures a fine-tuning run.
type Train struct {
	ModelName   string `yaml:"model_name"`
	ModelFile   string `yaml:"model_file"`
	ModelOutput string `yaml:"model_output"`
	DatasetName string `yaml:"dataset_name"`
	DatasetDir  string `yaml:"dataset_dir"`
	OutputDir   string `yaml:"output_dir"`
	LoggingDir  string `yaml:"logging_dir"`

	// FreezeBackbone trains only the classification head.
	FreezeBackbone bool `yaml:"freeze_backbone"`

	Hyperparameters Hyperparameters `yaml:"training_args"`

	// HubToken is read from the environment only.
	HubToken string `yaml:"-"`
}

// Serve configures the inference server.
type Serve struct {
	Port           string `yaml:"port"`
	Backend        string `yaml:"backend"`
	ModelPath      string `yaml:"model_path"`
	ModelRepo      string `yaml:"model_repo"`
	TopK           int    `yaml:"top_k"`
	ORTLibraryPath string `yaml:"ort_library_path"`
	MaxUploadBytes int64  `yaml:"max_upload_bytes"`

	// MinScore drops results scoring below it; Labels, when set, keeps only those labels.
	MinScore float64  `yaml:"min_score"`
	Labels   []string `yaml:"labels"`

	HubToken string `yaml:"-"`
}

// DefaultTrain returns the configuration the model was first fine-tuned with.
func DefaultTrain() Train {
	return Train{
		ModelName:   "microsoft/beit-base-patch16-224",
		ModelFile:   "onnx/model.onnx",
		ModelOutput: "pooler_output",
		DatasetName: "owner/dataset_name",
		OutputDir:   "./beit_finetuned",
		LoggingDir:  "./logs",
		Hyperparameters: Hyperparameters{
			TrainBatchSize:            64,
			EvalBatchSize:             64,
			GradientAccumulationSteps: 1,
			NumEpochs:                 5,
			LearningRate:              3e-5,
			WarmupRatio:               0.05,
			WeightDecay:               0.05,
			Scheduler:                 "cosine",
			Precision:                 "bf16",
			NumWorkers:                8,
			Seed:                      42,
			SaveTotalLimit:            2,
			LoggingSteps:              50,
			LoadBestModelAtEnd:        true,
			MetricForBestModel:        "accuracy",
		},
	}
}

// DefaultServe returns the serving defaults: ONNX Runtime on port 8080, top 5 labels.
func DefaultServe() Serve {
	return Serve{
		Port:           "8080",
		Backend:        BackendONNXRuntime,
		ModelPath:      "./models",
		TopK:           5,
		MaxUploadBytes: 10 << 20,
	}
}

// LoadDotEnv loads a .env file from the working directory, if there is one.
func LoadDotEnv() {
	if _, err := os.Stat(".env"); err != nil {
		return
	}
	if err := godotenv.Load(); err != nil {
		klog.Warningf("failed to load .env: %v", err)
	}
}

// LoadTrain builds the training configuration: defaults, then the YAML file at path (if not
// empty), then the environment.
func LoadTrain(path string) (Train, error) {
	cfg := DefaultTrain()
	if err := readYAML(path, &cfg); err != nil {
		return cfg, err
	}
	cfg.HubToken = os.Getenv(EnvHubToken)
	return cfg, cfg.Validate()
}

// LoadServe builds the serving configuration, like LoadTrain.
func LoadServe(path string) (Serve, error) {
	cfg := DefaultServe()
	if err := readYAML(path, &cfg); err != nil {
		return cfg, err
	}
	if port := os.Getenv(EnvPort); port != "" {
		cfg.Port = port
	}
	if modelPath := os.Getenv(EnvModelPath); modelPath != "" {
		cfg.ModelPath = modelPath
	}
	if lib := os.Getenv(EnvORTLibraryPath); lib != "" {
		cfg.ORTLibraryPath = lib
	}
	cfg.HubToken = os.Getenv(EnvHubToken)
	return cfg, cfg.Validate()
}

func readYAML(path string, out any) error {
	if path == "" {
		return nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return errors.Wrapf(err, "failed to read config %q", path)
	}
	if err := yaml.Unmarshal(data, out); err != nil {
		return errors.Wrapf(err, "failed to parse config %q", path)
	}
	return nil
}

// Validate checks the hyperparameters are usable.
func (h Hyperparameters) Validate() error {
	for _, p := range []struct {
		name  string
		value int
	}{
		{"per_device_train_batch_size", h.TrainBatchSize},
		{"per_device_eval_batch_size", h.EvalBatchSize},
		{"gradient_accumulation_steps", h.GradientAccumulationSteps},
		{"num_train_epochs", h.NumEpochs},
		{"dataloader_num_workers", h.NumWorkers},
		{"save_total_limit", h.SaveTotalLimit},
		{"logging_steps", h.LoggingSteps},
	} {
		if p.value < 1 {
			return errors.Errorf("%s must be >= 1, got %d", p.name, p.value)
		}
	}
	if h.LearningRate <= 0 {
		return errors.Errorf("learning_rate must be > 0, got %g", h.LearningRate)
	}
	if h.WarmupRatio < 0 || h.WarmupRatio >= 1 {
		return errors.Errorf("warmup_ratio must be in [0, 1), got %g", h.WarmupRatio)
	}
	if h.WeightDecay < 0 {
		return errors.Errorf("weight_decay must be >= 0, got %g", h.WeightDecay)
	}
	if !slices.Contains(Schedulers, h.Scheduler) {
		return errors.Errorf("lr_scheduler_type must be one of %q, got %q", Schedulers, h.Scheduler)
	}
	if !slices.Contains(Precisions, h.Precision) {
		return errors.Errorf("precision must be one of %q, got %q", Precisions, h.Precision)
	}
	if h.MetricForBestModel != "accuracy" && h.MetricForBestModel != "loss" {
		return errors.Errorf("metric_for_best_model must be \"accuracy\" or \"loss\", got %q", h.MetricForBestModel)
	}
	return nil
}

// Validate checks the training configuration.
func (c Train) Validate() error {
	if c.ModelName == "" {
		return errors.New("model_name is required")
	}
	if c.DatasetName == "" && c.DatasetDir == "" {
		return errors.New("one of dataset_name or dataset_dir is required")
	}
	if c.OutputDir == "" || c.LoggingDir == "" {
		return errors.New("output_dir and logging_dir are required")
	}
	return c.Hyperparameters.Validate()
}

// Validate checks the serving configuration.
func (c Serve) Validate() error {
	if _, err := strconv.Atoi(c.Port); err != nil {
		return errors.Wrapf(err, "invalid port %q", c.Port)
	}
	if !slices.Contains(Backends, c.Backend) {
		return errors.Errorf("backend must be one of %q, got %q", Backends, c.Backend)
	}
	if c.ModelPath == "" && c.ModelRepo == "" {
		return errors.New("one of model_path or model_repo is required")
	}
	if c.TopK < 1 {
		return errors.Errorf("top_k must be >= 1, got %d", c.TopK)
	}
	if c.MaxUploadBytes < 1 {
		return errors.Errorf("max_upload_bytes must be >= 1, got %d", c.MaxUploadBytes)
	}
	if c.MinScore < 0 || c.MinScore > 1 {
		return errors.Errorf("min_score must be in [0, 1], got %g", c.MinScore)
	}
	return nil
}

// Postprocessors returns the filters applied to every classification result.
func (c Serve) Postprocessors() []classification.Postprocessor {
	var out []classification.Postprocessor
	if c.MinScore > 0 {
		out = append(out, classification.NewScoreFilter(c.MinScore))
	}
	if len(c.Labels) > 0 {
		out = append(out, classification.NewLabelFilter(c.Labels...))
	}
	return out
}
