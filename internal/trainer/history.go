package trainer

import (
	"os"
	"path/filepath"

	"github.com/pkg/errors"
	"go.uber.org/multierr"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"gopkg.in/natefinch/lumberjack.v2"
)

// HistoryFile is the name of the training history, one JSON record per line, in the logging dir.
const HistoryFile = "train.jsonl"

// Events recorded in the history.
const (
	EventTrainStep  = "train_step"
	EventEval       = "eval"
	EventCheckpoint = "checkpoint"
)

// History records the training metrics.
type History struct {
	logger *zap.Logger
	sink   *lumberjack.Logger
}

// NewHistory creates the history file in dir, rotated past 100MB.
func NewHistory(dir string) (*History, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, errors.Wrapf(err, "failed to create logging dir %q", dir)
	}
	sink := &lumberjack.Logger{
		Filename:   filepath.Join(dir, HistoryFile),
		MaxSize:    100,
		MaxBackups: 3,
		Compress:   true,
	}
	encoder := zapcore.NewJSONEncoder(zapcore.EncoderConfig{
		TimeKey:        "time",
		MessageKey:     "event",
		LineEnding:     zapcore.DefaultLineEnding,
		EncodeTime:     zapcore.ISO8601TimeEncoder,
		EncodeDuration: zapcore.StringDurationEncoder,
	})
	core := zapcore.NewCore(encoder, zapcore.AddSync(sink), zapcore.InfoLevel)
	return &History{logger: zap.New(core), sink: sink}, nil
}

// TrainStep records the loss and learning rate at a global step.
func (h *History) TrainStep(step, epoch int, loss, learningRate float64) {
	h.logger.Info(EventTrainStep,
		zap.Int("step", step),
		zap.Int("epoch", epoch),
		zap.Float64("loss", loss),
		zap.Float64("learning_rate", learningRate))
}

// Eval records the metrics of an evaluation of split, keyed by metric type ("loss", "accuracy").
func (h *History) Eval(split string, step, epoch int, metrics map[string]float64) {
	fields := []zap.Field{zap.String("split", split), zap.Int("step", step), zap.Int("epoch", epoch)}
	for name, value := range metrics {
		fields = append(fields, zap.Float64(name, value))
	}
	h.logger.Info(EventEval, fields...)
}

// Checkpoint records a saved checkpoint and what the retention policy did with it.
func (h *History) Checkpoint(name string, score float64, kept bool, evicted []string) {
	h.logger.Info(EventCheckpoint,
		zap.String("name", name),
		zap.Float64("score", score),
		zap.Bool("kept", kept),
		zap.Strings("evicted", evicted))
}

// Close flushes and closes the history file.
func (h *History) Close() error {
	return multierr.Append(h.logger.Sync(), h.sink.Close())
}
