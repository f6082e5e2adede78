package datasets

import (
	"encoding/csv"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/gomlx/gomlx/pkg/core/tensors"
)

// Column names every preference CSV must carry. Feature columns are
// caller-configured; "reward" is picked up when present.
const (
	pairIDColumn = "pair_id"
	sideColumn   = "side"
	rewardColumn = "reward"
)

// PreferenceDataset lazily loads CSV files matching a given pattern, where
// each row is one example of a preference pair. Each CSV file is expected to
// have integer columns "pair_id" and "side" (0 or 1), the configured feature
// columns (float32), and optionally a "reward" column used as the label.
//
// Rows are addressed by a global index across all matched files, in file
// glob order; this global index is what PairID, Side, Example and Batch
// accept and what the sampler emits.
type PreferenceDataset struct {
	// Pattern used to find CSV files (e.g., "assets/pairs/*.csv")
	Pattern string

	// List of CSV file paths matching the pattern
	csvPaths []string

	// Names of the float32 feature columns, in emission order
	featureCols []string

	// Column indices discovered from the first file's header
	colIndex map[string]int

	// Whether the header carries a reward column
	hasReward bool

	// Cache for counting rows in each file (index -> row count)
	rowCounts map[int]int

	// Cumulative counts for fast index mapping
	cumCounts []int

	// Total number of examples across all files
	totalExamples int

	// In-memory row cache, populated by EnableCache. Nil means rows are
	// re-read from disk on every access.
	cache []exampleRow
}

// exampleRow is one fully parsed CSV row.
type exampleRow struct {
	pairID   int
	side     int
	features []float32
	reward   float32
}

// NewPreferenceDataset creates a new preference dataset that lazily loads
// CSV files matching the given pattern. featureCols names the columns to
// expose as model inputs; it must be non-empty.
func NewPreferenceDataset(pattern string, featureCols []string) (*PreferenceDataset, error) {
	if len(featureCols) == 0 {
		return nil, fmt.Errorf("at least one feature column is required")
	}

	// Find all CSV files matching the pattern
	csvPaths, err := filepath.Glob(pattern)
	if err != nil {
		return nil, fmt.Errorf("failed to glob pattern %s: %w", pattern, err)
	}
	if len(csvPaths) == 0 {
		return nil, fmt.Errorf("no CSV files found matching pattern: %s", pattern)
	}

	ds := &PreferenceDataset{
		Pattern:     pattern,
		csvPaths:    csvPaths,
		featureCols: featureCols,
		rowCounts:   make(map[int]int),
	}

	// Read the first file to determine column structure
	if err := ds.initializeColumns(); err != nil {
		return nil, err
	}

	// Count rows in all files to build the index
	if err := ds.buildIndex(); err != nil {
		return nil, err
	}

	return ds, nil
}

// initializeColumns reads the first CSV to determine column indices
func (d *PreferenceDataset) initializeColumns() error {
	file, err := os.Open(d.csvPaths[0])
	if err != nil {
		return fmt.Errorf("failed to open first CSV %s: %w", d.csvPaths[0], err)
	}
	defer file.Close()

	reader := csv.NewReader(file)
	header, err := reader.Read()
	if err != nil {
		return fmt.Errorf("failed to read header: %w", err)
	}

	d.colIndex = make(map[string]int)
	for i, col := range header {
		d.colIndex[strings.TrimSpace(strings.ToLower(col))] = i
	}

	// Verify required columns exist
	required := append([]string{pairIDColumn, sideColumn}, d.featureCols...)
	for _, col := range required {
		if _, ok := d.colIndex[strings.ToLower(col)]; !ok {
			return fmt.Errorf("required column %q not found in CSV", col)
		}
	}
	_, d.hasReward = d.colIndex[rewardColumn]

	return nil
}

// buildIndex counts rows in all files and builds cumulative counts
func (d *PreferenceDataset) buildIndex() error {
	d.cumCounts = make([]int, len(d.csvPaths)+1)
	d.cumCounts[0] = 0

	for i, path := range d.csvPaths {
		count, err := countCSVRows(path)
		if err != nil {
			return fmt.Errorf("failed to count rows in %s: %w", path, err)
		}
		d.rowCounts[i] = count
		d.cumCounts[i+1] = d.cumCounts[i] + count
	}

	d.totalExamples = d.cumCounts[len(d.csvPaths)]
	return nil
}

// Len returns the total number of examples across all CSV files
func (d *PreferenceDataset) Len() int {
	return d.totalExamples
}

// mapGlobalIndex maps a global index to (file index, row index within file)
func (d *PreferenceDataset) mapGlobalIndex(globalIdx int) (fileIdx, localIdx int) {
	for i := range len(d.csvPaths) {
		if globalIdx < d.cumCounts[i+1] {
			return i, globalIdx - d.cumCounts[i]
		}
	}
	// Should never reach here if globalIdx is valid
	return len(d.csvPaths) - 1, d.rowCounts[len(d.csvPaths)-1] - 1
}

// parseRecord parses one CSV record into an exampleRow.
func (d *PreferenceDataset) parseRecord(record []string) (exampleRow, error) {
	var row exampleRow

	pid, err := parseIntField(record[d.colIndex[pairIDColumn]])
	if err != nil {
		return row, fmt.Errorf("failed to parse %s: %w", pairIDColumn, err)
	}
	side, err := parseIntField(record[d.colIndex[sideColumn]])
	if err != nil {
		return row, fmt.Errorf("failed to parse %s: %w", sideColumn, err)
	}
	row.pairID = pid
	row.side = side

	row.features = make([]float32, len(d.featureCols))
	for i, feat := range d.featureCols {
		val, err := parseFloat32(record[d.colIndex[strings.ToLower(feat)]])
		if err != nil {
			return row, fmt.Errorf("failed to parse %s: %w", feat, err)
		}
		row.features[i] = val
	}

	if d.hasReward {
		r, err := parseFloat32(record[d.colIndex[rewardColumn]])
		if err != nil {
			return row, fmt.Errorf("failed to parse %s: %w", rewardColumn, err)
		}
		row.reward = r
	}

	return row, nil
}

// readRow reads and parses a specific row from a file
func (d *PreferenceDataset) readRow(fileIdx, rowIdx int) (exampleRow, error) {
	var zero exampleRow

	file, err := os.Open(d.csvPaths[fileIdx])
	if err != nil {
		return zero, fmt.Errorf("failed to open CSV: %w", err)
	}
	defer file.Close()

	reader := csv.NewReader(file)

	// Skip header
	if _, err := reader.Read(); err != nil {
		return zero, fmt.Errorf("failed to read header: %w", err)
	}

	// Skip to the desired row
	for range rowIdx {
		if _, err := reader.Read(); err != nil {
			return zero, fmt.Errorf("failed to skip to row %d: %w", rowIdx, err)
		}
	}

	record, err := reader.Read()
	if err != nil {
		return zero, fmt.Errorf("failed to read row %d: %w", rowIdx, err)
	}

	return d.parseRecord(record)
}

// row returns the parsed row for a global index, from cache when enabled.
func (d *PreferenceDataset) row(globalIdx int) (exampleRow, error) {
	if globalIdx < 0 || globalIdx >= d.totalExamples {
		return exampleRow{}, fmt.Errorf("index %d out of range [0, %d)", globalIdx, d.totalExamples)
	}
	if d.cache != nil {
		return d.cache[globalIdx], nil
	}
	fileIdx, localIdx := d.mapGlobalIndex(globalIdx)
	return d.readRow(fileIdx, localIdx)
}

// PairID returns the pair identifier of the example at global index i.
// Together with Side this implements sampler.PairSource.
func (d *PreferenceDataset) PairID(i int) (int, error) {
	row, err := d.row(i)
	if err != nil {
		return 0, err
	}
	return row.pairID, nil
}

// Side returns the side (0 or 1) of the example at global index i.
func (d *PreferenceDataset) Side(i int) (int, error) {
	row, err := d.row(i)
	if err != nil {
		return 0, err
	}
	return row.side, nil
}

// Example reads a single example by global index. Labels is [reward] when
// the CSV carries a reward column, empty otherwise.
func (d *PreferenceDataset) Example(idx int) (features []float32, labels []float32, err error) {
	row, err := d.row(idx)
	if err != nil {
		return nil, nil, err
	}
	if d.hasReward {
		return row.features, []float32{row.reward}, nil
	}
	return row.features, []float32{}, nil
}

// Batch reads multiple examples by their global indices. With the cache
// enabled this is a direct lookup; otherwise indices are grouped by file so
// each file is streamed once.
func (d *PreferenceDataset) Batch(indices []int) ([][]float32, [][]float32, error) {
	features := make([][]float32, len(indices))
	labels := make([][]float32, len(indices))

	if d.cache != nil {
		for bi, idx := range indices {
			f, l, err := d.Example(idx)
			if err != nil {
				return nil, nil, err
			}
			features[bi] = f
			labels[bi] = l
		}
		return features, labels, nil
	}

	// Group indices by file for more efficient reading
	fileGroups := make(map[int][]struct{ globalIdx, batchPos int })
	for batchPos, idx := range indices {
		if idx < 0 || idx >= d.totalExamples {
			return nil, nil, fmt.Errorf("index %d out of range [0, %d)", idx, d.totalExamples)
		}
		fileIdx, _ := d.mapGlobalIndex(idx)
		fileGroups[fileIdx] = append(fileGroups[fileIdx], struct{ globalIdx, batchPos int }{idx, batchPos})
	}

	for fileIdx, group := range fileGroups {
		if err := d.readBatchFromFile(fileIdx, group, features, labels); err != nil {
			return nil, nil, err
		}
	}

	return features, labels, nil
}

// readBatchFromFile streams one file and fills in the rows it owns.
func (d *PreferenceDataset) readBatchFromFile(fileIdx int, indices []struct{ globalIdx, batchPos int },
	features, labels [][]float32) error {

	file, err := os.Open(d.csvPaths[fileIdx])
	if err != nil {
		return fmt.Errorf("failed to open CSV: %w", err)
	}
	defer file.Close()

	reader := csv.NewReader(file)

	// Skip header
	if _, err := reader.Read(); err != nil {
		return fmt.Errorf("failed to read header: %w", err)
	}

	// Map local row indices to batch positions. A row may appear several
	// times in one batch (the sampler repeats each side K times).
	localMap := make(map[int][]int)
	for _, item := range indices {
		_, localIdx := d.mapGlobalIndex(item.globalIdx)
		localMap[localIdx] = append(localMap[localIdx], item.batchPos)
	}

	rowIdx := 0
	for {
		record, err := reader.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			return fmt.Errorf("failed to read row: %w", err)
		}

		if positions, ok := localMap[rowIdx]; ok {
			row, err := d.parseRecord(record)
			if err != nil {
				return fmt.Errorf("row %d of %s: %w", rowIdx, d.csvPaths[fileIdx], err)
			}
			for _, batchPos := range positions {
				features[batchPos] = row.features
				if d.hasReward {
					labels[batchPos] = []float32{row.reward}
				} else {
					labels[batchPos] = []float32{}
				}
			}
		}

		rowIdx++
	}

	return nil
}

// EnableCache parses every file once and keeps all rows in memory, turning
// subsequent row access into slice lookups. Recommended before building a
// sampler on this dataset: the sampler's construction scan touches every
// row, and repeated passes touch every selected row 2K times per epoch.
func (d *PreferenceDataset) EnableCache() error {
	if d.cache != nil {
		return nil
	}

	cache := make([]exampleRow, 0, d.totalExamples)
	for fileIdx, path := range d.csvPaths {
		file, err := os.Open(path)
		if err != nil {
			return fmt.Errorf("failed to open CSV %s: %w", path, err)
		}
		reader := csv.NewReader(file)
		if _, err := reader.Read(); err != nil {
			file.Close()
			return fmt.Errorf("failed to read header of %s: %w", path, err)
		}
		rowIdx := 0
		for {
			record, err := reader.Read()
			if err == io.EOF {
				break
			}
			if err != nil {
				file.Close()
				return fmt.Errorf("failed to read %s: %w", path, err)
			}
			row, perr := d.parseRecord(record)
			if perr != nil {
				file.Close()
				return fmt.Errorf("row %d of %s: %w", rowIdx, path, perr)
			}
			cache = append(cache, row)
			rowIdx++
		}
		file.Close()
		if rowIdx != d.rowCounts[fileIdx] {
			return fmt.Errorf("file %s changed size: counted %d rows, read %d", path, d.rowCounts[fileIdx], rowIdx)
		}
	}

	d.cache = cache
	return nil
}

// HasReward reports whether the CSVs carry a reward label column.
func (d *PreferenceDataset) HasReward() bool {
	return d.hasReward
}

// FeatureDim returns the number of feature columns per example.
func (d *PreferenceDataset) FeatureDim() int {
	return len(d.featureCols)
}

// Name returns the name of the dataset
func (d *PreferenceDataset) Name() string {
	return "PreferenceDataset"
}

// PreferenceBatchFlat stores a batch in flat contiguous buffers. Rows keep
// the sampler's emission order, so a batch built from a PairRepeatSampler
// pass consists of contiguous same-side groups of size K, side 0 before
// side 1 within each pair.
type PreferenceBatchFlat struct {
	Inputs    []float32
	Labels    []float32
	BatchSize int
	InputDim  int
	LabelDim  int
}

// MakePreferenceBatchFlat flattens a batch into contiguous buffers
func MakePreferenceBatchFlat(features, labels [][]float32) (*PreferenceBatchFlat, error) {
	if len(features) != len(labels) {
		return nil, fmt.Errorf("features and labels batch sizes don't match: %d != %d", len(features), len(labels))
	}
	if len(features) == 0 {
		return &PreferenceBatchFlat{BatchSize: 0, InputDim: 0, LabelDim: 0}, nil
	}

	batchSize := len(features)
	inputDim := len(features[0])
	labelDim := len(labels[0])

	flatInputs := make([]float32, batchSize*inputDim)
	flatLabels := make([]float32, batchSize*labelDim)

	for i := range batchSize {
		if len(features[i]) != inputDim {
			return nil, fmt.Errorf("inconsistent input dimensions at example %d: expected %d, got %d",
				i, inputDim, len(features[i]))
		}
		if len(labels[i]) != labelDim {
			return nil, fmt.Errorf("inconsistent label dimensions at example %d: expected %d, got %d",
				i, labelDim, len(labels[i]))
		}
		copy(flatInputs[i*inputDim:], features[i])
		copy(flatLabels[i*labelDim:], labels[i])
	}

	return &PreferenceBatchFlat{
		Inputs:    flatInputs,
		Labels:    flatLabels,
		BatchSize: batchSize,
		InputDim:  inputDim,
		LabelDim:  labelDim,
	}, nil
}

// ToGomlxTensors converts PreferenceBatchFlat to gomlx tensors. The labels
// tensor is nil when the batch carries no labels, i.e. the dataset has no
// reward column.
func (b *PreferenceBatchFlat) ToGomlxTensors() (*tensors.Tensor, *tensors.Tensor, error) {
	// gomlx cannot shape a tensor from an empty slice
	if b.BatchSize == 0 || b.InputDim == 0 {
		return nil, nil, fmt.Errorf("cannot convert empty batch to tensors")
	}
	// Reshape flat data into 2D slices
	inputs := make([][]float32, b.BatchSize)
	for i := range b.BatchSize {
		inputs[i] = b.Inputs[i*b.InputDim : (i+1)*b.InputDim]
	}
	inT := tensors.FromAnyValue(inputs)

	if b.LabelDim == 0 {
		return inT, nil, nil
	}
	labels := make([][]float32, b.BatchSize)
	for i := range b.BatchSize {
		labels[i] = b.Labels[i*b.LabelDim : (i+1)*b.LabelDim]
	}
	labT := tensors.FromAnyValue(labels)
	return inT, labT, nil
}
