package dataset

import (
	"io"
	"math/rand/v2"
	"runtime"
	"sync"

	"github.com/disintegration/imaging"
	"github.com/gomlx/gomlx/pkg/core/tensors"
	"github.com/pkg/errors"
	"golang.org/x/sync/errgroup"

	"github.com/Brownie44l1/beit-classifier/internal/preprocess"
)

// LoaderOptions configures how a Loader batches a split.
type LoaderOptions struct {
	BatchSize int

	// Shuffle the examples at every epoch, with a generator seeded by Seed and the epoch number.
	Shuffle bool
	Seed    int64

	// DropIncomplete skips the last batch of an epoch when it has fewer than BatchSize examples.
	DropIncomplete bool

	// NumWorkers decoding images in parallel. Defaults to the number of CPUs.
	NumWorkers int
}

// Loader implements train.Dataset over a list of examples. Each Yield returns one batch:
// inputs is the float32 pixel values shaped [batch, 3, height, width], labels the int32 class ids
// shaped [batch, 1].
type Loader struct {
	name      string
	examples  []Example
	extractor *preprocess.FeatureExtractor
	opts      LoaderOptions

	mu    sync.Mutex
	order []int
	next  int
	epoch int
}

// NewLoader creates a Loader yielding the examples of one split.
func NewLoader(name string, examples []Example, extractor *preprocess.FeatureExtractor, opts LoaderOptions) (*Loader, error) {
	if opts.BatchSize <= 0 {
		return nil, errors.Errorf("loader %q: batch size must be > 0, got %d", name, opts.BatchSize)
	}
	if len(examples) == 0 {
		return nil, errors.Errorf("loader %q: no examples", name)
	}
	if opts.NumWorkers <= 0 {
		opts.NumWorkers = runtime.NumCPU()
	}
	l := &Loader{
		name:      name,
		examples:  examples,
		extractor: extractor,
		opts:      opts,
		order:     make([]int, len(examples)),
	}
	l.shuffle()
	return l, nil
}

func (l *Loader) shuffle() {
	for i := range l.order {
		l.order[i] = i
	}
	if !l.opts.Shuffle {
		return
	}
	rng := rand.New(rand.NewPCG(uint64(l.opts.Seed), uint64(l.epoch)))
	rng.Shuffle(len(l.order), func(i, j int) { l.order[i], l.order[j] = l.order[j], l.order[i] })
}

// Name implements train.Dataset.
func (l *Loader) Name() string { return l.name }

// NumExamples in one epoch, including those of an incomplete last batch.
func (l *Loader) NumExamples() int { return len(l.examples) }

// StepsPerEpoch is the number of batches yielded per epoch.
func (l *Loader) StepsPerEpoch() int {
	steps := len(l.examples) / l.opts.BatchSize
	if !l.opts.DropIncomplete && len(l.examples)%l.opts.BatchSize != 0 {
		steps++
	}
	return steps
}

// Reset implements train.Dataset: it starts the next epoch, reshuffling when configured.
func (l *Loader) Reset() {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.epoch++
	l.next = 0
	l.shuffle()
}

// Yield implements train.Dataset. It returns io.EOF at the end of the epoch.
func (l *Loader) Yield() (spec any, inputs, labels []*tensors.Tensor, err error) {
	l.mu.Lock()
	remaining := len(l.order) - l.next
	batchSize := min(l.opts.BatchSize, remaining)
	if remaining == 0 || (l.opts.DropIncomplete && remaining < l.opts.BatchSize) {
		l.mu.Unlock()
		return nil, nil, nil, io.EOF
	}
	batch := make([]Example, batchSize)
	for i := range batch {
		batch[i] = l.examples[l.order[l.next+i]]
	}
	l.next += batchSize
	l.mu.Unlock()

	imageSize := l.extractor.Size()
	pixels := make([]float32, batchSize*imageSize)
	ids := make([]int32, batchSize)
	var g errgroup.Group
	g.SetLimit(l.opts.NumWorkers)
	for i, example := range batch {
		ids[i] = int32(example.Label)
		g.Go(func() error {
			img, err := imaging.Open(example.Path, imaging.AutoOrientation(true))
			if err != nil {
				return errors.Wrapf(err, "failed to decode %q", example.Path)
			}
			l.extractor.ExtractInto(pixels[i*imageSize:(i+1)*imageSize], img)
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, nil, nil, errors.WithMessagef(err, "loader %q", l.name)
	}

	channels, height, width := l.extractor.Shape()
	inputs = []*tensors.Tensor{tensors.FromFlatDataAndDimensions(pixels, batchSize, channels, height, width)}
	labels = []*tensors.Tensor{tensors.FromFlatDataAndDimensions(ids, batchSize, 1)}
	return nil, inputs, labels, nil
}
