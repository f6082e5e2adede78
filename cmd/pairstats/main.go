package main

import (
	"encoding/csv"
	"encoding/json"
	"flag"
	"fmt"
	"image/color"
	"log"
	"math"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/Noofbiz/pairBowl/datasets"
	"github.com/Noofbiz/pairBowl/sampler"

	"gonum.org/v1/plot"
	"gonum.org/v1/plot/plotter"
	"gonum.org/v1/plot/vg"
)

// pairstats loads a preference-pair CSV dataset, builds one sampler per
// rank, and reports how pairs shard across the workers: counts per rank,
// the full emission order as CSV, and a PNG visualizing the assignment.
// It is the quickest way to sanity-check a pairing before a training run.

// fileConfig is the optional JSON configuration. CLI flags take precedence:
// JSON values are applied only when the corresponding flag was left at its
// default.
type fileConfig struct {
	Dataset *struct {
		Pattern        string   `json:"pattern"`
		FeatureColumns []string `json:"feature_columns"`
	} `json:"dataset"`
	Sampler *struct {
		RepeatCount *int   `json:"repeat_count"`
		Shuffle     *bool  `json:"shuffle"`
		Seed        *int64 `json:"seed"`
		Epoch       *int   `json:"epoch"`
		WorldSize   *int   `json:"world_size"`
	} `json:"sampler"`
}

func main() {
	patternFlag := flag.String("pattern", "assets/pairs/*.csv", "glob pattern for preference-pair CSV files")
	featuresFlag := flag.String("features", "f0,f1", "comma-separated list of feature column names")
	repeatFlag := flag.Int("k", 1, "repeat count K: how many times each side is emitted consecutively")
	shuffleFlag := flag.Bool("shuffle", true, "shuffle pairs before sharding")
	seedFlag := flag.Int64("seed", 0, "shuffle seed")
	epochFlag := flag.Int("epoch", 0, "epoch counter combined with the seed for this pass")
	worldFlag := flag.Int("world-size", 1, "number of data-parallel workers to shard across")
	outDir := flag.String("out", "plots", "output directory for the generated plot")
	outCSV := flag.String("out-csv", "output/assignment.csv", "if set, write the per-rank emission order to this CSV path")
	configPath := flag.String("config", "", "path to JSON configuration file (optional; CLI flags take precedence)")
	useCache := flag.Bool("cache", true, "preload all CSV rows into memory before sampling")
	flag.Parse()

	pattern := *patternFlag
	features := splitColumns(*featuresFlag)
	cfg := sampler.Config{
		RepeatCount: *repeatFlag,
		Shuffle:     *shuffleFlag,
		Seed:        *seedFlag,
		WorldSize:   *worldFlag,
	}
	epoch := *epochFlag

	// Merge JSON config under CLI precedence, the same way data-driven runs
	// override defaults without losing explicit flags.
	if *configPath != "" {
		data, err := os.ReadFile(*configPath)
		if err != nil {
			log.Fatalf("failed to read config %s: %v", *configPath, err)
		}
		var fc fileConfig
		if err := json.Unmarshal(data, &fc); err != nil {
			log.Fatalf("failed to parse config %s: %v", *configPath, err)
		}
		if fc.Dataset != nil {
			if fc.Dataset.Pattern != "" && *patternFlag == "assets/pairs/*.csv" {
				pattern = fc.Dataset.Pattern
			}
			if len(fc.Dataset.FeatureColumns) > 0 && *featuresFlag == "f0,f1" {
				features = fc.Dataset.FeatureColumns
			}
		}
		if fc.Sampler != nil {
			s := fc.Sampler
			if s.RepeatCount != nil && *repeatFlag == 1 {
				cfg.RepeatCount = *s.RepeatCount
			}
			if s.Shuffle != nil && *shuffleFlag {
				cfg.Shuffle = *s.Shuffle
			}
			if s.Seed != nil && *seedFlag == 0 {
				cfg.Seed = *s.Seed
			}
			if s.Epoch != nil && *epochFlag == 0 {
				epoch = *s.Epoch
			}
			if s.WorldSize != nil && *worldFlag == 1 {
				cfg.WorldSize = *s.WorldSize
			}
		}
		log.Printf("Loaded configuration from %s", *configPath)
	}

	globPaths, _ := filepath.Glob(pattern)
	log.Printf("Using CSV pattern: %s (found %d files)", pattern, len(globPaths))

	ds, err := datasets.NewPreferenceDataset(pattern, features)
	if err != nil {
		log.Fatalf("failed to open preference dataset: %v", err)
	}
	log.Printf("%s loaded: total examples=%d feature_dim=%d reward=%v",
		ds.Name(), ds.Len(), ds.FeatureDim(), ds.HasReward())

	if *useCache {
		if err := ds.EnableCache(); err != nil {
			log.Fatalf("failed to enable dataset cache: %v", err)
		}
		log.Printf("Dataset cache enabled")
	}

	// One sampler per rank; all ranks must agree on seed/epoch/pair set for
	// the independently computed shuffles to line up, which is exactly how
	// a distributed training job constructs them.
	samplers := make([]*sampler.PairRepeatSampler, cfg.WorldSize)
	for rank := 0; rank < cfg.WorldSize; rank++ {
		c := cfg
		c.Rank = rank
		s, err := sampler.New(ds, c)
		if err != nil {
			log.Fatalf("failed to build sampler for rank %d: %v", rank, err)
		}
		s.SetEpoch(epoch)
		samplers[rank] = s
	}

	totalPairs := len(samplers[0].Pairs())
	distinct, err := countDistinctPairIDs(ds)
	if err != nil {
		log.Fatalf("failed to scan pair ids: %v", err)
	}
	log.Printf("Pairs: %d complete of %d distinct pair ids (%d dropped as incomplete)",
		totalPairs, distinct, distinct-totalPairs)
	for rank, s := range samplers {
		log.Printf("  rank %d/%d: %d pairs, %d indices per pass",
			rank, cfg.WorldSize, s.Len()/(2*s.RepeatCount()), s.Len())
	}

	if *outCSV != "" {
		if err := writeAssignmentCSV(*outCSV, ds, samplers); err != nil {
			log.Fatalf("failed to write assignment CSV: %v", err)
		}
		log.Printf("Assignment written to %s", *outCSV)
	}

	if err := plotAssignment(*outDir, samplers); err != nil {
		log.Fatalf("failed to generate plot: %v", err)
	}
	log.Printf("Assignment plot written to %s", *outDir)
}

func splitColumns(s string) []string {
	parts := strings.Split(s, ",")
	cols := make([]string, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p != "" {
			cols = append(cols, p)
		}
	}
	return cols
}

// countDistinctPairIDs scans the dataset once to count distinct pair ids,
// complete or not.
func countDistinctPairIDs(ds *datasets.PreferenceDataset) (int, error) {
	seen := make(map[int]bool)
	for i := 0; i < ds.Len(); i++ {
		pid, err := ds.PairID(i)
		if err != nil {
			return 0, fmt.Errorf("pair_id of example %d: %w", i, err)
		}
		seen[pid] = true
	}
	return len(seen), nil
}

// writeAssignmentCSV dumps every rank's emission order: one row per emitted
// index with its pass position, pair id and side.
func writeAssignmentCSV(path string, ds *datasets.PreferenceDataset, samplers []*sampler.PairRepeatSampler) error {
	if err := ensureDir(filepath.Dir(path)); err != nil {
		return err
	}
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("create %s: %w", path, err)
	}
	defer f.Close()

	w := csv.NewWriter(f)
	if err := w.Write([]string{"rank", "position", "dataset_index", "pair_id", "side"}); err != nil {
		return err
	}
	for rank, s := range samplers {
		pos := 0
		for idx := range s.Iter() {
			pid, err := ds.PairID(idx)
			if err != nil {
				return fmt.Errorf("pair_id of index %d: %w", idx, err)
			}
			side, err := ds.Side(idx)
			if err != nil {
				return fmt.Errorf("side of index %d: %w", idx, err)
			}
			row := []string{
				strconv.Itoa(rank),
				strconv.Itoa(pos),
				strconv.Itoa(idx),
				strconv.Itoa(pid),
				strconv.Itoa(side),
			}
			if err := w.Write(row); err != nil {
				return err
			}
			pos++
		}
	}
	w.Flush()
	return w.Error()
}

// plotAssignment writes a PNG scattering pass position against dataset
// index, one color per rank, so pair co-location and the K-repeat plateaus
// are visible at a glance.
func plotAssignment(outDir string, samplers []*sampler.PairRepeatSampler) error {
	p := plot.New()
	p.Title.Text = "Per-rank emission order (position vs dataset index)"
	p.X.Label.Text = "pass position"
	p.Y.Label.Text = "dataset index"

	// cycle through a few distinguishable colors for ranks
	palette := []color.RGBA{
		{R: 20, G: 80, B: 200, A: 220},
		{R: 200, G: 30, B: 30, A: 220},
		{R: 40, G: 140, B: 40, A: 220},
		{R: 180, G: 120, B: 20, A: 220},
		{R: 120, G: 40, B: 160, A: 220},
	}

	var all plotter.XYs
	for rank, s := range samplers {
		xys := make(plotter.XYs, 0, s.Len())
		pos := 0
		for idx := range s.Iter() {
			xys = append(xys, plotter.XY{X: float64(pos), Y: float64(idx)})
			pos++
		}
		sc, err := plotter.NewScatter(xys)
		if err != nil {
			return err
		}
		sc.GlyphStyle.Color = palette[rank%len(palette)]
		sc.GlyphStyle.Radius = vg.Points(1.8)
		p.Add(sc)
		p.Legend.Add(fmt.Sprintf("rank %d", rank), sc)
		all = append(all, xys...)
	}

	p.Add(plotter.NewGrid())
	xmin, xmax, ymin, ymax := autoRange(all)
	p.X.Min = xmin
	p.X.Max = xmax
	p.Y.Min = ymin
	p.Y.Max = ymax

	if err := ensureDir(outDir); err != nil {
		return err
	}
	outPath := filepath.Join(outDir, "pair_assignment.png")
	return p.Save(8*vg.Inch, 6*vg.Inch, outPath)
}

// autoRange computes padded min/max for X and Y for a set of points.
func autoRange(xs plotter.XYs) (xmin, xmax, ymin, ymax float64) {
	if len(xs) == 0 {
		return -1, 1, -1, 1
	}
	xmin = math.Inf(1)
	xmax = math.Inf(-1)
	ymin = math.Inf(1)
	ymax = math.Inf(-1)
	for _, p := range xs {
		if p.X < xmin {
			xmin = p.X
		}
		if p.X > xmax {
			xmax = p.X
		}
		if p.Y < ymin {
			ymin = p.Y
		}
		if p.Y > ymax {
			ymax = p.Y
		}
	}
	padx := (xmax - xmin) * 0.06
	pady := (ymax - ymin) * 0.06
	if padx == 0 {
		padx = 1.0
	}
	if pady == 0 {
		pady = 1.0
	}
	return xmin - padx, xmax + padx, ymin - pady, ymax + pady
}

func ensureDir(path string) error {
	if path == "" || path == "." {
		return nil
	}
	return os.MkdirAll(path, 0755)
}
