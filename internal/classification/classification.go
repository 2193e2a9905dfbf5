// Package classification turns model outputs into labeled, ordered confidence scores.
package classification

import (
	"math"
	"sort"

	"github.com/montanaflynn/stats"
	"github.com/pkg/errors"
)

// Classification is one label and its confidence score in [0, 1].
type Classification struct {
	Label string  `json:"label"`
	Score float64 `json:"score"`
}

// Classifications is a list of classification results.
type Classifications []Classification

// FromLogits converts the raw outputs of a classifier into scores, one per label, in label-id order.
//
// A multi-class output goes through softmax. A single output is a binary classifier and goes
// through the logistic sigmoid.
func FromLogits(logits []float32, labels []string) (Classifications, error) {
	if len(logits) == 0 {
		return nil, errors.New("classifier returned no outputs")
	}
	if len(logits) != len(labels) {
		return nil, errors.Errorf("classifier returned %d outputs for %d labels", len(logits), len(labels))
	}
	values := make([]float64, len(logits))
	for i, v := range logits {
		values[i] = float64(v)
	}

	var scores []float64
	if len(values) == 1 {
		var err error
		scores, err = stats.Sigmoid(values)
		if err != nil {
			return nil, errors.Wrap(err, "failed to apply sigmoid")
		}
	} else {
		scores = softmax(values)
	}

	out := make(Classifications, len(scores))
	for i, score := range scores {
		out[i] = Classification{Label: labels[i], Score: score}
	}
	return out, nil
}

// softmax subtracts the max logit first so large logits don't overflow.
func softmax(in []float64) []float64 {
	maxValue := math.Inf(-1)
	for _, x := range in {
		maxValue = math.Max(maxValue, x)
	}
	out := make([]float64, len(in))
	sum := 0.0
	for i, x := range in {
		out[i] = math.Exp(x - maxValue)
		sum += out[i]
	}
	for i := range out {
		out[i] /= sum
	}
	return out
}

// Sorted returns a copy ordered by descending score. Equal scores keep their relative order.
func (cs Classifications) Sorted() Classifications {
	out := append(Classifications(nil), cs...)
	sort.SliceStable(out, func(i, j int) bool { return out[i].Score > out[j].Score })
	return out
}

// TopK returns the k highest scoring classifications, best first.
func (cs Classifications) TopK(k int) Classifications {
	out := cs.Sorted()
	if k >= 0 && k < len(out) {
		out = out[:k]
	}
	return out
}

// Best returns the highest scoring classification.
func (cs Classifications) Best() (Classification, bool) {
	if len(cs) == 0 {
		return Classification{}, false
	}
	return cs.Sorted()[0], true
}
