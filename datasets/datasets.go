package datasets

import "github.com/gomlx/gomlx/pkg/core/tensors"

// This package provides the dataset side of the preference-pair data-loading
// layer: CSV-backed examples tagged with a pair identifier and a side (0 or
// 1), loaded lazily so large files don't have to fit in memory, plus the
// batch collation helpers that turn sampler-selected indices into contiguous
// float32 buffers and gomlx tensors.
//
// Layout and intended usage:
//
// PreferenceDataset
//   - Stores paths to CSV files matching a pattern
//   - Each row is one example: integer columns "pair_id" and "side", a set
//     of float32 feature columns, and an optional "reward" label column.
//   - Implements sampler.PairSource, so a PairRepeatSampler can be built
//     directly on top of it. Call EnableCache first when doing so: the
//     sampler scans every row once and per-row CSV reads are slow.
//
// Loader
//   - Walks one sampler pass in group-aligned batches and yields gomlx
//     tensors, following the gomlx train.Dataset protocol.
//
// The datasets implement this interface in order to interact with training
// loops and batching utilities.
type Dataset interface {
	Len() int
	Example(i int) (features []float32, labels []float32, err error)
	Batch(indices []int) (features [][]float32, labels [][]float32, err error)

	// Pair accessors; these are what the index sampler consumes.
	PairID(i int) (int, error)
	Side(i int) (int, error)
}

// TrainDataset is the gomlx train.Dataset-shaped protocol: Yield produces
// the next batch of tensors, Restart begins a new pass. Loader implements
// it on top of a Dataset and a sampler.
type TrainDataset interface {
	Yield() (any, []*tensors.Tensor, []*tensors.Tensor, error)
	Restart() error
}
