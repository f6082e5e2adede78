package sampler

import (
	"errors"
	"fmt"
	"iter"
	"math/rand"
)

// PairSource is the minimal interface the sampler needs from a dataset.
// Using an interface here keeps the sampler decoupled from any concrete
// dataset shape (CSV-backed, in-memory, columnar), as long as each example
// exposes its pair id and side as integers. It matches the accessor methods
// on datasets.PreferenceDataset.
type PairSource interface {
	// Len returns the number of examples in the source.
	Len() int

	// PairID returns the pair identifier of the example at global index i.
	PairID(i int) (int, error)

	// Side returns the side (0 or 1) of the example at global index i.
	Side(i int) (int, error)
}

// Config holds the configurable parameters for a PairRepeatSampler.
type Config struct {
	// RepeatCount is K, the number of times each side's index is emitted
	// consecutively. This matches group-sampling training schemes that want
	// K generations per prompt group. If zero, it defaults to 1.
	RepeatCount int

	// Shuffle enables pair-level shuffling. When false, pairs are emitted
	// in the order they were first seen in the source.
	Shuffle bool

	// Seed is combined additively with the epoch to seed the shuffle RNG,
	// so the same (seed, epoch) always produces the same order.
	Seed int64

	// Rank and WorldSize identify this worker in a data-parallel setup.
	// Zero values mean a single-worker setup (rank 0 of 1).
	Rank      int
	WorldSize int
}

// pairSides holds the resolved dataset indices for both sides of a pair.
type pairSides struct {
	side0 int
	side1 int
	has0  bool
	has1  bool
}

// PairRepeatSampler produces a per-rank iteration order of dataset indices
// for pair-tagged examples. It guarantees that:
//
//   - sampling happens at the pair level, so both sides of a pair always
//     land on the same rank (sharding occurs before sides are expanded)
//   - each pair contributes [side0 index] * K followed by [side1 index] * K
//   - pair-level shuffling is deterministic given (seed, epoch)
//
// The pair index is built once at construction and is immutable afterwards.
// The only mutable state is the epoch counter, which callers update between
// passes via SetEpoch; each call to Iter or Indices re-shuffles and
// re-shards from scratch using the epoch current at that moment.
type PairRepeatSampler struct {
	cfg Config

	// pairTo maps pair id -> dataset indices of its two sides. Only
	// complete pairs survive construction.
	pairTo map[int]pairSides

	// pairs lists complete pair ids in source discovery order; this is the
	// emission order when shuffling is disabled.
	pairs []int

	// epoch varies the shuffle seed across passes. It stays 0 unless
	// SetEpoch is called.
	epoch int
}

// ErrNoCompletePairs is returned by New when no pair id in the source has
// both side 0 and side 1 present.
var ErrNoCompletePairs = errors.New("no complete pairs found (need both side=0 and side=1 for each pair_id)")

// New scans src once, grouping example indices by pair id, and returns a
// sampler over the pairs that have both sides present. Incomplete pairs are
// dropped silently; side values other than 0 and 1 are ignored. New fails
// if the configuration is invalid, if reading pair fields from the source
// fails, or if no complete pair remains.
func New(src PairSource, cfg Config) (*PairRepeatSampler, error) {
	if src == nil {
		return nil, errors.New("pair source is nil")
	}
	if cfg.RepeatCount == 0 {
		cfg.RepeatCount = 1
	}
	if cfg.RepeatCount < 1 {
		return nil, fmt.Errorf("repeat count must be >= 1, got %d", cfg.RepeatCount)
	}
	if cfg.WorldSize == 0 {
		cfg.WorldSize = 1
	}
	if cfg.WorldSize < 1 {
		return nil, fmt.Errorf("world size must be >= 1, got %d", cfg.WorldSize)
	}
	if cfg.Rank < 0 || cfg.Rank >= cfg.WorldSize {
		return nil, fmt.Errorf("rank %d out of range for world size %d", cfg.Rank, cfg.WorldSize)
	}

	s := &PairRepeatSampler{
		cfg:    cfg,
		pairTo: make(map[int]pairSides),
	}

	// Single linear scan: record side -> index per pair id, remembering the
	// order in which pair ids first appear.
	n := src.Len()
	order := make([]int, 0, n/2)
	for i := 0; i < n; i++ {
		pid, err := src.PairID(i)
		if err != nil {
			return nil, fmt.Errorf("read pair_id of example %d: %w", i, err)
		}
		side, err := src.Side(i)
		if err != nil {
			return nil, fmt.Errorf("read side of example %d: %w", i, err)
		}

		ps, seen := s.pairTo[pid]
		if !seen {
			order = append(order, pid)
		}
		switch side {
		case 0:
			ps.side0 = i
			ps.has0 = true
		case 1:
			ps.side1 = i
			ps.has1 = true
		}
		s.pairTo[pid] = ps
	}

	// Keep only complete pairs, preserving discovery order.
	s.pairs = make([]int, 0, len(order))
	for _, pid := range order {
		ps := s.pairTo[pid]
		if ps.has0 && ps.has1 {
			s.pairs = append(s.pairs, pid)
		} else {
			delete(s.pairTo, pid)
		}
	}
	if len(s.pairs) == 0 {
		return nil, ErrNoCompletePairs
	}

	return s, nil
}

// SetEpoch overwrites the epoch counter used to derive the shuffle seed.
// It has no other side effects: the new epoch takes effect on the next call
// to Iter or Indices. SetEpoch must not be called concurrently with an
// in-progress pass.
func (s *PairRepeatSampler) SetEpoch(epoch int) {
	s.epoch = epoch
}

// localPairs returns this rank's share of pair ids for the current epoch:
// a fresh copy of the pair list, shuffled with seed+epoch when shuffling is
// enabled, then stride-sliced at positions rank, rank+world, rank+2*world...
// Stride slicing at the pair level is what keeps both sides of every pair
// on the same rank.
func (s *PairRepeatSampler) localPairs() []int {
	pairs := make([]int, len(s.pairs))
	copy(pairs, s.pairs)

	if s.cfg.Shuffle {
		rng := rand.New(rand.NewSource(s.cfg.Seed + int64(s.epoch)))
		rng.Shuffle(len(pairs), func(i, j int) {
			pairs[i], pairs[j] = pairs[j], pairs[i]
		})
	}

	local := make([]int, 0, s.localPairCount())
	for i := s.cfg.Rank; i < len(pairs); i += s.cfg.WorldSize {
		local = append(local, pairs[i])
	}
	return local
}

// localPairCount is the number of pairs this rank owns: the exact stride
// count, so ranks past an uneven tail report one pair fewer.
func (s *PairRepeatSampler) localPairCount() int {
	n := len(s.pairs) - s.cfg.Rank
	if n <= 0 {
		return 0
	}
	return (n + s.cfg.WorldSize - 1) / s.cfg.WorldSize
}

// Iter returns one full pass over this rank's share of pairs as a sequence
// of dataset indices: for each pair, the side-0 index repeated K times
// followed by the side-1 index repeated K times. Every call starts a fresh
// pass, re-reading the current epoch and re-shuffling from scratch, so the
// sequence is restartable and finite.
func (s *PairRepeatSampler) Iter() iter.Seq[int] {
	local := s.localPairs()
	return func(yield func(int) bool) {
		for _, pid := range local {
			ps := s.pairTo[pid]
			for k := 0; k < s.cfg.RepeatCount; k++ {
				if !yield(ps.side0) {
					return
				}
			}
			for k := 0; k < s.cfg.RepeatCount; k++ {
				if !yield(ps.side1) {
					return
				}
			}
		}
	}
}

// Indices materializes one full pass as a slice. It is equivalent to
// collecting Iter and is what training loops that consume index slices use.
func (s *PairRepeatSampler) Indices() []int {
	out := make([]int, 0, s.Len())
	for idx := range s.Iter() {
		out = append(out, idx)
	}
	return out
}

// Len reports the number of indices a full pass emits for this rank:
// 2 * K * local pair count. The count uses the same stride arithmetic as
// the emission, so it is exact even when the pair count does not divide
// evenly across the world size.
func (s *PairRepeatSampler) Len() int {
	return s.localPairCount() * 2 * s.cfg.RepeatCount
}

// RepeatCount returns K, the per-side repeat count.
func (s *PairRepeatSampler) RepeatCount() int {
	return s.cfg.RepeatCount
}

// Pairs returns the complete pair ids in discovery order, across all ranks.
// The returned slice is a copy.
func (s *PairRepeatSampler) Pairs() []int {
	out := make([]int, len(s.pairs))
	copy(out, s.pairs)
	return out
}

// PairIndices returns the dataset indices of both sides of a pair id, or
// ok=false if the pair id is unknown or was dropped as incomplete.
func (s *PairRepeatSampler) PairIndices(pid int) (side0, side1 int, ok bool) {
	ps, ok := s.pairTo[pid]
	if !ok {
		return 0, 0, false
	}
	return ps.side0, ps.side1, true
}
