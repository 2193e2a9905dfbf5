// Package beit builds the image classifier graph: a BEiT backbone imported from ONNX, mean pooled
// over its patch tokens, followed by a dense classification head sized to the dataset labels.
package beit

import (
	"slices"

	"github.com/gomlx/exceptions"
	"github.com/gomlx/gomlx/pkg/core/dtypes"
	. "github.com/gomlx/gomlx/pkg/core/graph"
	"github.com/gomlx/gomlx/pkg/core/shapes"
	"github.com/gomlx/gomlx/pkg/ml/context"
	"github.com/gomlx/gomlx/pkg/ml/layers"
	"github.com/gomlx/gomlx/pkg/ml/nn"
	"github.com/gomlx/gomlx/pkg/ml/train"
	"github.com/gomlx/gomlx/pkg/ml/train/optimizers/cosineschedule"
	"github.com/gomlx/onnx-gomlx/onnx"
	"github.com/gomlx/onnx-gomlx/onnx/parser"
	"github.com/pkg/errors"
)

// Context scopes of the model variables.
const (
	ModelScope    = "model"
	BackboneScope = "backbone"
	PoolerScope   = "pooler"
	HeadScope     = "classifier"
)

// Hyperparameters read from the context by ModelGraph.
const (
	// ParamPrecision is "bf16" or "fp32": the dtype of the classification head computation.
	ParamPrecision = "precision"

	// ParamScheduler is the learning rate schedule: "cosine", "linear" or "constant".
	ParamScheduler = "lr_scheduler"
)

// DefaultInputName is the pixel values input of the vision models exported from the hub.
const DefaultInputName = "pixel_values"

// LayerNormEpsilon of BEiT's pooler.
const LayerNormEpsilon = 1e-12

// Encoder computes the image representation the classification head is trained on.
type Encoder interface {
	// LoadVariables copies the pretrained weights, if any, into ctx.
	LoadVariables(ctx *context.Context) error

	// Features returns the representation shaped [batch, hidden] of pixels shaped
	// [batch, 3, height, width].
	Features(ctx *context.Context, pixels *Node) *Node

	Close() error
}

// Backbone is a BEiT encoder imported from ONNX.
type Backbone struct {
	model      onnx.Model
	inputName  string
	outputName string
}

// LoadBackbone reads the ONNX model at path. outputName selects the representation used as
// features: "pooler_output" (already pooled) or "last_hidden_state" (pooled by Features).
func LoadBackbone(path, outputName string) (*Backbone, error) {
	model, err := parser.ParseFile(path)
	if err != nil {
		return nil, errors.WithMessagef(err, "failed to read backbone %q", path)
	}
	inputNames, _ := model.Inputs()
	outputNames, _ := model.Outputs()
	b := &Backbone{model: model, inputName: DefaultInputName, outputName: outputName}
	if !slices.Contains(inputNames, b.inputName) {
		if len(inputNames) != 1 {
			_ = model.Close()
			return nil, errors.Errorf("backbone %q has inputs %v, expected %q", path, inputNames, DefaultInputName)
		}
		b.inputName = inputNames[0]
	}
	if !slices.Contains(outputNames, outputName) {
		_ = model.Close()
		return nil, errors.Errorf("backbone %q has no output %q, outputs are %v", path, outputName, outputNames)
	}
	return b, nil
}

// LoadVariables copies the pretrained weights into ctx, under BackboneScope.
func (b *Backbone) LoadVariables(ctx *context.Context) error {
	return errors.WithMessage(b.model.VariablesToContext(ctx.In(BackboneScope)), "failed to load backbone weights")
}

// Freeze marks the backbone variables as not trainable, so only the head is fine-tuned.
func Freeze(ctx *context.Context) int {
	count := 0
	for v := range ctx.In(BackboneScope).IterVariablesInScope() {
		v.SetTrainable(false)
		count++
	}
	return count
}

// Close releases the ONNX model.
func (b *Backbone) Close() error {
	return errors.WithMessage(b.model.Close(), "failed to release backbone")
}

// Features returns the image representation shaped [batch, hidden] for pixels shaped
// [batch, 3, height, width].
//
// A rank-3 backbone output (the hidden state of every token) is pooled with PoolTokens.
func (b *Backbone) Features(ctx *context.Context, pixels *Node) *Node {
	g := pixels.Graph()
	outputs := b.model.CallGraph(ctx.In(BackboneScope), g, map[string]*Node{b.inputName: pixels}, b.outputName)
	hidden := outputs[0]
	switch hidden.Rank() {
	case 2:
		return hidden
	case 3:
		return PoolTokens(ctx, hidden)
	default:
		exceptions.Panicf("backbone output %q has shape %s, expected rank 2 or 3", b.outputName, hidden.Shape())
		return nil
	}
}

// PoolTokens averages a hidden state shaped [batch, tokens, hidden] over its patch tokens,
// skipping the leading CLS token, and layer normalizes the result.
func PoolTokens(ctx *context.Context, hidden *Node) *Node {
	patches := Slice(hidden, AxisRange(), AxisRangeToEnd(1), AxisRange())
	pooled := ReduceMean(patches, 1)
	return layers.LayerNormalization(ctx.In(PoolerScope).Checked(false), pooled, -1).
		Epsilon(LayerNormEpsilon).Done()
}

// ModelGraph returns the train.ModelFn of the classifier: it takes the pixel values and returns
// float32 logits shaped [batch, numLabels].
//
// The head is created fresh: a pretrained checkpoint's head, sized to its own labels, is never used.
func ModelGraph(encoder Encoder, numLabels int) train.ModelFn {
	return func(ctx *context.Context, spec any, inputs []*Node) []*Node {
		_ = spec
		pixels := inputs[0]
		g := pixels.Graph()
		switch context.GetParamOr(ctx, ParamScheduler, "constant") {
		case "cosine":
			cosineschedule.New(ctx, g, dtypes.Float32).FromContext().Done()
		case "linear":
			linearSchedule(ctx, g, dtypes.Float32)
		}

		features := encoder.Features(ctx, pixels)
		return []*Node{Head(ctx, features, numLabels)}
	}
}

// Head is the dense classification layer. With ParamPrecision set to "bf16" the matrix multiplication
// runs in bfloat16, while the variables and the returned logits stay float32.
func Head(ctx *context.Context, features *Node, numLabels int) *Node {
	ctx = ctx.In(HeadScope).Checked(false)
	g := features.Graph()
	hidden := features.Shape().Dimensions[features.Rank()-1]
	weights := ctx.VariableWithShape("weights", shapes.Make(dtypes.Float32, hidden, numLabels)).ValueGraph(g)
	biases := ctx.VariableWithValue("biases", make([]float32, numLabels)).ValueGraph(g)

	computeDType := dtypes.Float32
	if context.GetParamOr(ctx, ParamPrecision, "fp32") == "bf16" {
		computeDType = dtypes.BFloat16
	}
	features = ConvertDType(features, computeDType)
	weights = ConvertDType(weights, computeDType)
	biases = ConvertDType(biases, computeDType)
	logits := nn.Dense(features, weights, biases)
	return ConvertDType(logits, dtypes.Float32)
}
