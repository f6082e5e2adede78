package datasets

import (
	"os"
	"path/filepath"
	"testing"
)

// writeCSV writes a CSV file with the given header and rows to path.
func writeCSV(t *testing.T, path, header string, rows []string) {
	t.Helper()
	f, err := os.Create(path)
	if err != nil {
		t.Fatalf("failed to create csv %s: %v", path, err)
	}
	defer f.Close()

	if _, err := f.WriteString(header + "\n"); err != nil {
		t.Fatalf("failed to write header: %v", err)
	}
	for _, r := range rows {
		if _, err := f.WriteString(r + "\n"); err != nil {
			t.Fatalf("failed to write row: %v", err)
		}
	}
}

// pairHeader is the fixture schema: two feature columns and a reward label.
const pairHeader = "pair_id,side,f0,f1,reward"

// TestPreferenceDataset_LoadAndRead creates temporary CSV files and verifies
// NewPreferenceDataset, the pair accessors, Example, Batch,
// MakePreferenceBatchFlat and ToGomlxTensors behave as expected.
func TestPreferenceDataset_LoadAndRead(t *testing.T) {
	tmp := t.TempDir()

	file1 := filepath.Join(tmp, "p1.csv")
	rows1 := []string{
		"1,0,0.1,0.2,1.0", // global 0
		"1,1,0.3,0.4,0.0", // global 1
		"2,0,0.5,0.6,1.0", // global 2
	}
	writeCSV(t, file1, pairHeader, rows1)

	file2 := filepath.Join(tmp, "p2.csv")
	rows2 := []string{
		"2,1,0.7,0.8,0.0", // global 3
		"3,0,0.9,1.0,1.0", // global 4
	}
	writeCSV(t, file2, pairHeader, rows2)

	pattern := filepath.Join(tmp, "*.csv")
	ds, err := NewPreferenceDataset(pattern, []string{"f0", "f1"})
	if err != nil {
		t.Fatalf("NewPreferenceDataset failed: %v", err)
	}

	if got := ds.Len(); got != 5 {
		t.Fatalf("expected len 5, got %d", got)
	}
	if !ds.HasReward() {
		t.Fatalf("expected reward column to be detected")
	}
	if ds.FeatureDim() != 2 {
		t.Fatalf("expected feature dim 2, got %d", ds.FeatureDim())
	}

	// Pair accessors across the file boundary
	pid, err := ds.PairID(3)
	if err != nil {
		t.Fatalf("PairID(3) error: %v", err)
	}
	if pid != 2 {
		t.Fatalf("PairID(3) = %d, want 2", pid)
	}
	side, err := ds.Side(3)
	if err != nil {
		t.Fatalf("Side(3) error: %v", err)
	}
	if side != 1 {
		t.Fatalf("Side(3) = %d, want 1", side)
	}

	// Example 0 (first row of first file)
	in0, lab0, err := ds.Example(0)
	if err != nil {
		t.Fatalf("Example(0) error: %v", err)
	}
	if len(in0) != 2 || len(lab0) != 1 {
		t.Fatalf("unexpected dims for Example(0): features=%d labels=%d", len(in0), len(lab0))
	}
	if in0[0] != 0.1 || in0[1] != 0.2 || lab0[0] != 1.0 {
		t.Fatalf("unexpected values for Example(0): in=%v lab=%v", in0, lab0)
	}

	// Batch read with a repeated index, the way sampler output repeats sides
	indices := []int{0, 0, 1, 4}
	features, labels, err := ds.Batch(indices)
	if err != nil {
		t.Fatalf("Batch error: %v", err)
	}
	if len(features) != len(indices) || len(labels) != len(indices) {
		t.Fatalf("Batch returned unexpected sizes: features=%d labels=%d", len(features), len(labels))
	}
	if features[0][0] != 0.1 || features[1][0] != 0.1 {
		t.Fatalf("repeated index not duplicated in batch: %v", features[:2])
	}
	expectedLabels := []float32{1.0, 1.0, 0.0, 1.0}
	for i, want := range expectedLabels {
		if labels[i][0] != want {
			t.Fatalf("Batch label mismatch at %d: got %v want %v", i, labels[i][0], want)
		}
	}

	// Make flat batch and verify dimensions
	flat, err := MakePreferenceBatchFlat(features, labels)
	if err != nil {
		t.Fatalf("MakePreferenceBatchFlat error: %v", err)
	}
	if flat.BatchSize != len(indices) || flat.InputDim != 2 || flat.LabelDim != 1 {
		t.Fatalf("unexpected PreferenceBatchFlat dims: %+v", flat)
	}
	if len(flat.Inputs) != flat.BatchSize*flat.InputDim {
		t.Fatalf("flat inputs length mismatch: %d vs %d", len(flat.Inputs), flat.BatchSize*flat.InputDim)
	}

	// Convert to gomlx tensors (ensure call doesn't panic and tensors non-nil)
	inT, labT, err := flat.ToGomlxTensors()
	if err != nil {
		t.Fatalf("ToGomlxTensors error: %v", err)
	}
	if inT == nil || labT == nil {
		t.Fatalf("ToGomlxTensors returned nil tensor(s)")
	}
}

// TestPreferenceDataset_NoReward verifies the whole read path for CSVs
// without a reward column: labels stay empty and collation produces a
// feature tensor with no labels tensor instead of failing.
func TestPreferenceDataset_NoReward(t *testing.T) {
	tmp := t.TempDir()
	writeCSV(t, filepath.Join(tmp, "pairs.csv"), "pair_id,side,f0,f1", []string{
		"1,0,0.1,0.2",
		"1,1,0.3,0.4",
	})

	ds, err := NewPreferenceDataset(filepath.Join(tmp, "*.csv"), []string{"f0", "f1"})
	if err != nil {
		t.Fatalf("NewPreferenceDataset failed: %v", err)
	}
	if ds.HasReward() {
		t.Fatalf("expected no reward column to be detected")
	}

	in0, lab0, err := ds.Example(0)
	if err != nil {
		t.Fatalf("Example(0) error: %v", err)
	}
	if len(in0) != 2 || len(lab0) != 0 {
		t.Fatalf("unexpected dims for Example(0): features=%d labels=%d", len(in0), len(lab0))
	}

	features, labels, err := ds.Batch([]int{0, 1})
	if err != nil {
		t.Fatalf("Batch error: %v", err)
	}
	for i := range labels {
		if len(labels[i]) != 0 {
			t.Fatalf("expected empty labels at %d, got %v", i, labels[i])
		}
	}

	flat, err := MakePreferenceBatchFlat(features, labels)
	if err != nil {
		t.Fatalf("MakePreferenceBatchFlat error: %v", err)
	}
	if flat.BatchSize != 2 || flat.InputDim != 2 || flat.LabelDim != 0 {
		t.Fatalf("unexpected PreferenceBatchFlat dims: %+v", flat)
	}

	inT, labT, err := flat.ToGomlxTensors()
	if err != nil {
		t.Fatalf("ToGomlxTensors error: %v", err)
	}
	if inT == nil {
		t.Fatalf("expected a feature tensor for a label-free batch")
	}
	if got := inT.Shape().Dimensions[0]; got != 2 {
		t.Fatalf("feature tensor has %d rows, want 2", got)
	}
	if labT != nil {
		t.Fatalf("expected nil labels tensor for a label-free batch, got %v", labT)
	}
}

// TestToGomlxTensors_EmptyBatch verifies an empty batch reports an error
// rather than attempting an unshapeable tensor.
func TestToGomlxTensors_EmptyBatch(t *testing.T) {
	flat, err := MakePreferenceBatchFlat(nil, nil)
	if err != nil {
		t.Fatalf("MakePreferenceBatchFlat error: %v", err)
	}
	if _, _, err := flat.ToGomlxTensors(); err == nil {
		t.Fatalf("expected error converting an empty batch")
	}
}

// TestPreferenceDataset_CacheMatchesLazyReads verifies EnableCache serves
// the same rows the lazy path does.
func TestPreferenceDataset_CacheMatchesLazyReads(t *testing.T) {
	tmp := t.TempDir()
	rows := []string{
		"10,0,1,2,0.5",
		"10,1,3,4,0.25",
		"11,0,5,6,0.75",
		"11,1,7,8,0.125",
	}
	writeCSV(t, filepath.Join(tmp, "pairs.csv"), pairHeader, rows)

	ds, err := NewPreferenceDataset(filepath.Join(tmp, "*.csv"), []string{"f0", "f1"})
	if err != nil {
		t.Fatalf("NewPreferenceDataset failed: %v", err)
	}

	lazyFeatures := make([][]float32, ds.Len())
	lazyPIDs := make([]int, ds.Len())
	for i := 0; i < ds.Len(); i++ {
		f, _, err := ds.Example(i)
		if err != nil {
			t.Fatalf("lazy Example(%d) error: %v", i, err)
		}
		lazyFeatures[i] = f
		if lazyPIDs[i], err = ds.PairID(i); err != nil {
			t.Fatalf("lazy PairID(%d) error: %v", i, err)
		}
	}

	if err := ds.EnableCache(); err != nil {
		t.Fatalf("EnableCache error: %v", err)
	}
	// second call is a no-op
	if err := ds.EnableCache(); err != nil {
		t.Fatalf("second EnableCache error: %v", err)
	}

	for i := 0; i < ds.Len(); i++ {
		f, _, err := ds.Example(i)
		if err != nil {
			t.Fatalf("cached Example(%d) error: %v", i, err)
		}
		for j := range f {
			if f[j] != lazyFeatures[i][j] {
				t.Fatalf("cached feature mismatch at %d,%d: %v vs %v", i, j, f, lazyFeatures[i])
			}
		}
		pid, err := ds.PairID(i)
		if err != nil {
			t.Fatalf("cached PairID(%d) error: %v", i, err)
		}
		if pid != lazyPIDs[i] {
			t.Fatalf("cached pair id mismatch at %d: %d vs %d", i, pid, lazyPIDs[i])
		}
	}
}

// TestPreferenceDataset_MissingColumns ensures NewPreferenceDataset returns
// an error when required columns are absent in the CSV header.
func TestPreferenceDataset_MissingColumns(t *testing.T) {
	tmp := t.TempDir()

	// header missing side
	writeCSV(t, filepath.Join(tmp, "bad.csv"), "pair_id,f0,f1", []string{"1,0.1,0.2"})

	pattern := filepath.Join(tmp, "*.csv")
	if _, err := NewPreferenceDataset(pattern, []string{"f0", "f1"}); err == nil {
		t.Fatalf("expected error when side column missing, got nil")
	}

	// missing a requested feature column
	if _, err := NewPreferenceDataset(pattern, []string{"f0", "f9"}); err == nil {
		t.Fatalf("expected error when feature column missing, got nil")
	}
}

// TestPreferenceDataset_MalformedField ensures a non-integer pair_id
// surfaces as a read error.
func TestPreferenceDataset_MalformedField(t *testing.T) {
	tmp := t.TempDir()
	writeCSV(t, filepath.Join(tmp, "bad.csv"), pairHeader, []string{"oops,0,0.1,0.2,1.0"})

	ds, err := NewPreferenceDataset(filepath.Join(tmp, "*.csv"), []string{"f0", "f1"})
	if err != nil {
		t.Fatalf("NewPreferenceDataset failed: %v", err)
	}
	if _, err := ds.PairID(0); err == nil {
		t.Fatalf("expected parse error for non-integer pair_id")
	}
}

// TestParseIntField covers the float-formatted integer tolerance.
func TestParseIntField(t *testing.T) {
	if v, err := parseIntField("3"); err != nil || v != 3 {
		t.Fatalf("parseIntField(3) = %d, %v", v, err)
	}
	if v, err := parseIntField(" 4.0 "); err != nil || v != 4 {
		t.Fatalf("parseIntField(4.0) = %d, %v", v, err)
	}
	if _, err := parseIntField("4.5"); err == nil {
		t.Fatalf("expected error for fractional value")
	}
	if _, err := parseIntField(""); err == nil {
		t.Fatalf("expected error for empty value")
	}
}
