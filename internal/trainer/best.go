package trainer

import (
	"slices"
)

// Checkpoint is a saved checkpoint and the validation score it was saved with.
type Checkpoint struct {
	Name  string
	Score float64
	order int
}

// BestCheckpoints keeps the names of the best-scoring checkpoints, higher scores being better.
// On equal scores the older checkpoint wins.
//
// It only does the bookkeeping: deleting evicted checkpoints is up to the caller.
type BestCheckpoints struct {
	limit   int
	offered int
	kept    []Checkpoint
}

// NewBestCheckpoints keeps at most limit checkpoints. A limit below 1 is taken as 1.
func NewBestCheckpoints(limit int) *BestCheckpoints {
	return &BestCheckpoints{limit: max(limit, 1)}
}

// Offer records a new checkpoint. It reports whether the checkpoint is kept, and returns the
// names of the checkpoints that are no longer kept, which may include name itself.
func (b *BestCheckpoints) Offer(name string, score float64) (keep bool, evicted []string) {
	b.offered++
	b.kept = append(b.kept, Checkpoint{Name: name, Score: score, order: b.offered})
	slices.SortStableFunc(b.kept, func(x, y Checkpoint) int {
		switch {
		case x.Score > y.Score:
			return -1
		case x.Score < y.Score:
			return 1
		}
		// Older first.
		return x.order - y.order
	})
	keep = true
	for _, c := range b.kept[min(b.limit, len(b.kept)):] {
		evicted = append(evicted, c.Name)
		if c.Name == name {
			keep = false
		}
	}
	b.kept = b.kept[:min(b.limit, len(b.kept))]
	return keep, evicted
}

// Best returns the best checkpoint, and false if none was offered.
func (b *BestCheckpoints) Best() (Checkpoint, bool) {
	if len(b.kept) == 0 {
		return Checkpoint{}, false
	}
	return b.kept[0], true
}

// Kept returns the kept checkpoints, best first.
func (b *BestCheckpoints) Kept() []Checkpoint {
	return slices.Clone(b.kept)
}
