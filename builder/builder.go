// Package builder runs the dataset construction pipeline: scan the source
// tree for pairs, draw a random subset, then for each chunk load, crop,
// batch and append the samples to the container.
package builder

import (
	"fmt"
	"math/rand"
	"os"
	"time"

	"github.com/gomlx/gopjrt/dtypes"
	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/schollz/progressbar/v3"
	"k8s.io/klog/v2"

	"github.com/Noofbiz/rgbdset/crop"
	"github.com/Noofbiz/rgbdset/loader"
	"github.com/Noofbiz/rgbdset/manifest"
	"github.com/Noofbiz/rgbdset/pairs"
	"github.com/Noofbiz/rgbdset/sampler"
	"github.com/Noofbiz/rgbdset/store"
)

// Result summarizes a build.
type Result struct {
	RunID uuid.UUID
	Seed  int64

	// Identifiers is the number of RGB files found; Orphans of them have no
	// depth file.
	Identifiers int
	Orphans     int
	Selected    int
	Chunks      int
	// Written is the number of chunks that produced samples.
	Written int
	Loaded  int
	Skipped map[loader.Reason]int
	Samples int
}

// TotalSkipped returns the number of dropped pairs.
func (r *Result) TotalSkipped() int {
	n := 0
	for _, c := range r.Skipped {
		n += c
	}
	return n
}

// Schema returns the container layout produced by cfg.
func Schema(cfg crop.Config) store.Schema {
	return store.Schema{
		Data:  store.Sequence{Name: store.DataName, DType: dtypes.Uint8, SampleDims: cfg.DataDims()},
		Label: store.Sequence{Name: store.LabelName, DType: dtypes.Uint16, SampleDims: cfg.LabelDims()},

		ChannelsFirst: cfg.ChannelsFirst,
	}
}

// Build runs the pipeline described by cfg and writes the container (and
// the manifest if configured). Skipped pairs are counted and logged; any
// other failure aborts the run, leaving already committed chunks in place.
func Build(cfg Config) (*Result, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	seed := cfg.Seed
	if seed == 0 {
		seed = time.Now().UnixNano()
	}
	rng := rand.New(rand.NewSource(seed))
	res := &Result{RunID: uuid.New(), Seed: seed, Skipped: make(map[loader.Reason]int)}

	suffixes := cfg.Suffixes()
	ids, err := pairs.Scan(cfg.Source, pairs.WithSuffixes(suffixes.RGB, suffixes.Depth))
	if err != nil {
		return nil, err
	}
	res.Identifiers = len(ids)
	res.Orphans = len(ids) - len(pairs.Complete(ids, suffixes))
	klog.Infof("Found %d identifiers under %s (%d without depth)", res.Identifiers, cfg.Source, res.Orphans)

	selected, err := sampler.Select(ids, cfg.Percent, rng)
	if err != nil {
		return nil, err
	}
	res.Selected = len(selected)
	chunks, err := sampler.Chunks(selected, cfg.ChunkSize)
	if err != nil {
		return nil, err
	}
	res.Chunks = len(chunks)
	klog.Infof("Selected %d identifiers (%g%%) in %d chunks of at most %d", res.Selected, cfg.Percent, res.Chunks, cfg.ChunkSize)

	cropper, err := crop.New(cfg.CropConfig(), rng)
	if err != nil {
		return nil, err
	}
	ldr := loader.New(suffixes)
	writer := store.NewWriter(cfg.Destination, res.RunID).WithChannelsFirst(cfg.ChannelsFirst)

	var db *manifest.DB
	if cfg.Manifest != "" {
		db, err = manifest.Open(cfg.Manifest)
		if err != nil {
			return nil, err
		}
		defer db.Close()
		run := manifest.Run{
			ID:            res.RunID,
			Source:        cfg.Source,
			Destination:   cfg.Destination,
			Height:        cfg.Height,
			Width:         cfg.Width,
			NumCrops:      cfg.NumCrops,
			Percent:       cfg.Percent,
			ChunkSize:     cfg.ChunkSize,
			ChannelsFirst: cfg.ChannelsFirst,
			Mode:          string(cfg.Mode),
			Seed:          seed,
			Identifiers:   res.Identifiers,
			Selected:      res.Selected,
		}
		if err := db.BeginRun(run); err != nil {
			return nil, err
		}
	}

	var pBar *progressbar.ProgressBar
	if cfg.Progress && len(chunks) > 0 {
		pBar = progressbar.NewOptions(len(chunks),
			progressbar.OptionSetDescription("Building"),
			progressbar.OptionSetWriter(os.Stderr),
			progressbar.OptionShowCount(),
			progressbar.OptionShowIts(),
			progressbar.OptionSetItsString("chunks"),
			progressbar.OptionSetTheme(progressbar.ThemeUnicode),
			progressbar.OptionOnCompletion(func() { fmt.Fprintln(os.Stderr) }),
		)
	}

	for k, chunk := range chunks {
		loaded, skips := ldr.LoadChunk(chunk)
		res.Loaded += len(loaded)
		for _, s := range skips {
			res.Skipped[s.Reason]++
		}
		crops, err := cropper.Process(loaded)
		if err != nil {
			return res, errors.Wrapf(err, "chunk %d", k)
		}
		batch, err := cropper.Batch(crops)
		if err != nil {
			return res, errors.Wrapf(err, "chunk %d", k)
		}
		start := writer.Len()
		if batch.Len() > 0 {
			if err := writer.Write(batch.Data, batch.Label); err != nil {
				return res, errors.Wrapf(err, "chunk %d", k)
			}
			res.Written++
		}
		if db != nil {
			if err := db.RecordChunk(res.RunID, k, start, batch.Infos, skips); err != nil {
				return res, err
			}
		}
		klog.V(1).Infof("Chunk %d/%d: %d identifiers, %d loaded, %d skipped, %d samples", k+1, len(chunks), len(chunk), len(loaded), len(skips), batch.Len())
		if pBar != nil {
			_ = pBar.Add(1)
		}
	}
	if pBar != nil {
		_ = pBar.Finish()
	}

	if !writer.Initialized() {
		klog.Warningf("No samples were produced, writing an empty container to %s", cfg.Destination)
		if err := writer.CreateEmpty(Schema(cfg.CropConfig())); err != nil {
			return res, err
		}
	}
	res.Samples = writer.Len()

	if db != nil {
		if err := db.FinishRun(res.RunID, manifest.Totals{Samples: res.Samples, Skipped: res.TotalSkipped()}); err != nil {
			return res, err
		}
	}
	klog.Infof("Wrote %d samples from %d pairs to %s (%d pairs skipped)", res.Samples, res.Loaded, cfg.Destination, res.TotalSkipped())
	return res, nil
}
