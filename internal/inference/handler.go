// Package inference implements the classification endpoint: it accepts an image encoded as a
// data URL and returns the labels predicted for it, best first.
package inference

import (
	"context"
	"image"
	"io"

	"k8s.io/klog/v2"

	"github.com/Brownie44l1/beit-classifier/internal/classification"
)

// Pipeline is a loaded image classifier. Implementations return the top-k classifications
// ordered by descending score, and are safe for concurrent use.
type Pipeline interface {
	Classify(ctx context.Context, img image.Image) (classification.Classifications, error)
	io.Closer
}

// EndpointHandler serves classification requests with a pipeline loaded once at start-up.
type EndpointHandler struct {
	pipeline       Pipeline
	postprocessors []classification.Postprocessor
}

// NewEndpointHandler creates an EndpointHandler. The postprocessors run in order on every
// pipeline result. The handler doesn't own the pipeline: the caller closes it.
func NewEndpointHandler(pipeline Pipeline, postprocessors ...classification.Postprocessor) *EndpointHandler {
	return &EndpointHandler{pipeline: pipeline, postprocessors: postprocessors}
}

// Handle classifies the image in a request body, either {"inputs": "<data URL>"} or the bare
// JSON string "<data URL>".
func (h *EndpointHandler) Handle(ctx context.Context, body []byte) (classification.Classifications, error) {
	inputs, err := ExtractPayload(body)
	if err != nil {
		return nil, err
	}
	return h.HandleInputs(ctx, inputs)
}

// HandleInputs classifies the image encoded in a data URL.
func (h *EndpointHandler) HandleInputs(ctx context.Context, inputs string) (classification.Classifications, error) {
	data, err := DecodeDataURL(inputs)
	if err != nil {
		return nil, err
	}
	img, err := DecodeImage(data)
	if err != nil {
		return nil, err
	}
	return h.HandleImage(ctx, img)
}

// HandleImage classifies an already decoded image.
func (h *EndpointHandler) HandleImage(ctx context.Context, img image.Image) (classification.Classifications, error) {
	bounds := img.Bounds()
	klog.V(1).Infof("classifying %dx%d image", bounds.Dx(), bounds.Dy())
	result, err := h.pipeline.Classify(ctx, img)
	if err != nil {
		return nil, err
	}
	return result.Apply(h.postprocessors...), nil
}
