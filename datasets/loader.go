package datasets

import (
	"fmt"
	"io"

	"github.com/gomlx/gomlx/pkg/core/tensors"

	"github.com/Noofbiz/pairBowl/sampler"
)

// Loader walks one sampler pass in batches and yields gomlx tensors. The
// batch size is expressed in pair groups: each group is 2*K consecutive
// indices (side 0 repeated K times, then side 1), so every yielded batch
// holds whole groups and group boundaries never straddle two batches. That
// alignment is what group-relative training objectives rely on.
//
// Loader implements TrainDataset. The caller drives epochs: SetEpoch
// forwards to the sampler and Restart begins a fresh pass, re-shuffling
// under the epoch current at that moment.
type Loader struct {
	ds     Dataset
	s      *sampler.PairRepeatSampler
	groups int
	repeat int
	order  []int
	pos    int
}

// NewLoader creates a Loader over ds using the given sampler's order.
// groupsPerBatch is how many pair groups each Yield returns.
func NewLoader(ds Dataset, s *sampler.PairRepeatSampler, groupsPerBatch int) (*Loader, error) {
	if ds == nil {
		return nil, fmt.Errorf("dataset is nil")
	}
	if s == nil {
		return nil, fmt.Errorf("sampler is nil")
	}
	if groupsPerBatch < 1 {
		return nil, fmt.Errorf("groups per batch must be >= 1, got %d", groupsPerBatch)
	}
	l := &Loader{
		ds:     ds,
		s:      s,
		groups: groupsPerBatch,
		repeat: s.RepeatCount(),
	}
	if err := l.Restart(); err != nil {
		return nil, err
	}
	return l, nil
}

// GroupWidth returns the number of indices in one pair group (2*K).
func (l *Loader) GroupWidth() int {
	return 2 * l.repeat
}

// BatchSize returns the number of examples in a full batch.
func (l *Loader) BatchSize() int {
	return l.groups * l.GroupWidth()
}

// StepsPerPass returns how many Yield calls one full pass takes.
func (l *Loader) StepsPerPass() int {
	width := l.BatchSize()
	return (len(l.order) + width - 1) / width
}

// SetEpoch forwards the epoch to the sampler. The new epoch takes effect on
// the next Restart.
func (l *Loader) SetEpoch(epoch int) {
	l.s.SetEpoch(epoch)
}

// Restart begins a new pass: the sampler re-shuffles and re-shards under
// its current epoch and the loader rewinds to the first batch.
func (l *Loader) Restart() error {
	l.order = l.s.Indices()
	l.pos = 0
	return nil
}

// Yield returns the next batch of the current pass as gomlx tensors. At the
// end of a pass it returns io.EOF; call Restart (typically after SetEpoch)
// to begin the next one. The final batch of a pass may hold fewer groups
// than groupsPerBatch but always a whole number of them. When the dataset
// has no reward column the returned labels slice is empty.
func (l *Loader) Yield() (spec any, inputs []*tensors.Tensor, labels []*tensors.Tensor, err error) {
	if l.pos >= len(l.order) {
		return nil, nil, nil, io.EOF
	}

	end := l.pos + l.BatchSize()
	if end > len(l.order) {
		end = len(l.order)
	}
	indices := l.order[l.pos:end]
	l.pos = end

	features, labs, err := l.ds.Batch(indices)
	if err != nil {
		return nil, nil, nil, fmt.Errorf("failed to read batch from dataset: %w", err)
	}
	flat, err := MakePreferenceBatchFlat(features, labs)
	if err != nil {
		return nil, nil, nil, err
	}
	inT, labT, err := flat.ToGomlxTensors()
	if err != nil {
		return nil, nil, nil, err
	}
	if labT == nil {
		return nil, []*tensors.Tensor{inT}, nil, nil
	}
	return nil, []*tensors.Tensor{inT}, []*tensors.Tensor{labT}, nil
}
