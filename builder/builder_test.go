package builder

import (
	"image"
	"image/color"
	"image/png"
	"os"
	"path/filepath"
	"testing"

	"github.com/gomlx/gomlx/pkg/core/tensors"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/require"

	"github.com/Noofbiz/rgbdset/crop"
	"github.com/Noofbiz/rgbdset/loader"
	"github.com/Noofbiz/rgbdset/manifest"
	"github.com/Noofbiz/rgbdset/store"
)

func writePNG(t *testing.T, path string, img image.Image) {
	t.Helper()
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o755))
	f, err := os.Create(path)
	require.NoError(t, err)
	defer f.Close()
	require.NoError(t, png.Encode(f, img))
}

// writePair writes prefix+"rgb.png" with R=x, G=y, B=tag and
// prefix+"depth.png" with level tag*1000 + y*w + x. If withDepth is false
// only the RGB file is written.
func writePair(t *testing.T, prefix string, w, h int, tag uint8, withDepth bool) {
	t.Helper()
	rgb := image.NewNRGBA(image.Rect(0, 0, w, h))
	depth := image.NewGray16(image.Rect(0, 0, w, h))
	for y := range h {
		for x := range w {
			rgb.SetNRGBA(x, y, color.NRGBA{R: uint8(x), G: uint8(y), B: tag, A: 255})
			depth.SetGray16(x, y, color.Gray16{Y: uint16(int(tag)*1000 + y*w + x)})
		}
	}
	writePNG(t, prefix+"rgb.png", rgb)
	if withDepth {
		writePNG(t, prefix+"depth.png", depth)
	}
}

func testConfig(src, dst string) Config {
	cfg := DefaultConfig()
	cfg.Source = src
	cfg.Destination = dst
	cfg.Seed = 7
	cfg.Progress = false
	return cfg
}

func TestBuild_MissingDepthIsSkipped(t *testing.T) {
	src := t.TempDir()
	writePair(t, filepath.Join(src, "a_"), 256, 240, 1, true)
	writePair(t, filepath.Join(src, "sub", "b_"), 256, 240, 2, false)
	dst := filepath.Join(t.TempDir(), "out.rgbd")

	res, err := Build(testConfig(src, dst))
	require.NoError(t, err)
	require.Equal(t, 2, res.Identifiers)
	require.Equal(t, 1, res.Orphans)
	require.Equal(t, 2, res.Selected)
	require.Equal(t, 1, res.Loaded)
	require.Equal(t, map[loader.Reason]int{loader.ReasonMissing: 1}, res.Skipped)
	require.Equal(t, 1, res.Samples)

	r, err := store.Open(dst)
	require.NoError(t, err)
	defer r.Close()
	require.Equal(t, res.RunID, r.RunID())
	require.Equal(t, []int{1, 3, 224, 224}, r.Schema().Data.Dims())
	require.Equal(t, []int{1, 224, 224}, r.Schema().Label.Dims())
	require.True(t, r.Schema().ChannelsFirst)
}

func TestBuild_ChunkSizeOneCreatesThenAppends(t *testing.T) {
	src := t.TempDir()
	writePair(t, filepath.Join(src, "a_"), 240, 230, 1, true)
	writePair(t, filepath.Join(src, "b_"), 224, 224, 2, true)
	dst := filepath.Join(t.TempDir(), "out.rgbd")

	cfg := testConfig(src, dst)
	cfg.ChunkSize = 1
	res, err := Build(cfg)
	require.NoError(t, err)
	require.Equal(t, 2, res.Chunks)
	require.Equal(t, 2, res.Written)

	r, err := store.Open(dst)
	require.NoError(t, err)
	defer r.Close()
	require.Equal(t, 2, r.Len())
	require.Equal(t, []int{1, 1}, r.ChunkLens())
	require.NoError(t, r.Verify())
}

func TestBuild_RoundTripMatchesManifest(t *testing.T) {
	const srcW, srcH = 40, 30
	src := t.TempDir()
	for i, name := range []string{"a_", "b/c_", "b/d/e_"} {
		writePair(t, filepath.Join(src, name), srcW, srcH, uint8(i+1), true)
	}
	out := t.TempDir()
	cfg := testConfig(src, filepath.Join(out, "out.rgbd"))
	cfg.Height, cfg.Width = 8, 10
	cfg.NumCrops = 2
	cfg.ChunkSize = 2
	cfg.Manifest = filepath.Join(out, "manifest.db")

	res, err := Build(cfg)
	require.NoError(t, err)
	require.Equal(t, 6, res.Samples)
	require.Equal(t, 2, res.Chunks)

	r, err := store.Open(cfg.Destination)
	require.NoError(t, err)
	defer r.Close()
	require.Equal(t, 3*cfg.NumCrops, r.Len())

	db, err := manifest.OpenExisting(cfg.Manifest)
	require.NoError(t, err)
	defer db.Close()
	samples, err := db.Samples(res.RunID)
	require.NoError(t, err)
	require.Len(t, samples, r.Len())

	data, err := r.ReadData(0, r.Len())
	require.NoError(t, err)
	label, err := r.ReadLabel(0, r.Len())
	require.NoError(t, err)
	rgb := tensors.CopyFlatData[uint8](data)
	depth := tensors.CopyFlatData[uint16](label)

	h, w := cfg.Height, cfg.Width
	plane := h * w
	seen := make(map[string]int)
	for k, s := range samples {
		require.Equal(t, k, s.Index)
		require.False(t, s.Crop.Resized)
		require.Equal(t, seen[s.Crop.ID], s.Crop.Index, "crops of a pair are contiguous and in order")
		seen[s.Crop.ID]++
		first := samples[k-s.Crop.Index]
		require.Equal(t, s.Crop.ID, first.Crop.ID)

		// The depth level encodes the source pixel, so it recovers the
		// identifier tag and the crop offset.
		level := int(depth[k*plane])
		tag := level / 1000
		require.Equal(t, s.Crop.OffsetY*srcW+s.Crop.OffsetX, level%1000)
		for y := range h {
			for x := range w {
				sy, sx := s.Crop.OffsetY+y, s.Crop.OffsetX+x
				require.Equal(t, uint16(tag*1000+sy*srcW+sx), depth[k*plane+y*w+x])
				base := k * 3 * plane
				require.Equal(t, uint8(sx), rgb[base+y*w+x])
				require.Equal(t, uint8(sy), rgb[base+plane+y*w+x])
				require.Equal(t, uint8(tag), rgb[base+2*plane+y*w+x])
			}
		}
	}
	require.Len(t, seen, 3)
	for _, n := range seen {
		require.Equal(t, cfg.NumCrops, n)
	}

	_, totals, err := db.GetRun(res.RunID)
	require.NoError(t, err)
	require.Equal(t, manifest.Totals{Samples: 6}, totals)
}

func TestBuild_SeededHalfSelection(t *testing.T) {
	src := t.TempDir()
	for i, name := range []string{"p0_", "p1_", "p2_", "p3_", "p4_", "p5_", "p6_", "p7_", "p8_", "p9_"} {
		writePair(t, filepath.Join(src, name), 16, 16, uint8(i), true)
	}
	out := t.TempDir()
	run := func(name string) ([]manifest.Sample, *Result) {
		cfg := testConfig(src, filepath.Join(out, name+".rgbd"))
		cfg.Height, cfg.Width = 16, 16
		cfg.Percent = 50
		cfg.ChunkSize = 3
		cfg.Seed = 1234
		cfg.Manifest = filepath.Join(out, name+".db")
		res, err := Build(cfg)
		require.NoError(t, err)
		db, err := manifest.OpenExisting(cfg.Manifest)
		require.NoError(t, err)
		defer db.Close()
		samples, err := db.Samples(res.RunID)
		require.NoError(t, err)
		return samples, res
	}
	first, res := run("first")
	require.Equal(t, 5, res.Selected)
	require.Equal(t, 5, res.Samples)
	require.Equal(t, 2, res.Chunks)

	second, _ := run("second")
	require.Len(t, second, len(first))
	ids := make(map[string]bool)
	for i := range first {
		require.Equal(t, first[i].Crop, second[i].Crop)
		ids[first[i].Crop.ID] = true
	}
	require.Len(t, ids, 5)
}

func TestBuild_ResizeMode(t *testing.T) {
	src := t.TempDir()
	writePair(t, filepath.Join(src, "a_"), 64, 48, 1, true)
	dst := filepath.Join(t.TempDir(), "out.rgbd")
	cfg := testConfig(src, dst)
	cfg.Height, cfg.Width = 24, 32
	cfg.Mode = crop.ModeResize
	cfg.ChannelsFirst = false
	cfg.NumCrops = 2

	res, err := Build(cfg)
	require.NoError(t, err)
	require.Equal(t, 2, res.Samples)

	r, err := store.Open(dst)
	require.NoError(t, err)
	defer r.Close()
	require.Equal(t, []int{2, 24, 32, 3}, r.Schema().Data.Dims())
	require.False(t, r.Schema().ChannelsFirst)
}

func TestBuild_EmptySelectionWritesEmptyContainer(t *testing.T) {
	src := t.TempDir()
	writePair(t, filepath.Join(src, "a_"), 16, 16, 1, true)
	dst := filepath.Join(t.TempDir(), "out.rgbd")
	cfg := testConfig(src, dst)
	cfg.Height, cfg.Width = 16, 16
	cfg.Percent = 50 // floor(0.5) == 0

	res, err := Build(cfg)
	require.NoError(t, err)
	require.Equal(t, 0, res.Selected)
	require.Equal(t, 0, res.Chunks)

	r, err := store.Open(dst)
	require.NoError(t, err)
	defer r.Close()
	require.Equal(t, 0, r.Len())
	require.Equal(t, []int{0, 3, 16, 16}, r.Schema().Data.Dims())
	require.True(t, r.Schema().ChannelsFirst)
}

func TestBuild_AllSkippedWritesEmptyContainer(t *testing.T) {
	src := t.TempDir()
	writePair(t, filepath.Join(src, "a_"), 16, 16, 1, false)
	require.NoError(t, os.WriteFile(filepath.Join(src, "b_rgb.png"), []byte("not a png"), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(src, "b_depth.png"), []byte("not a png"), 0o644))
	dst := filepath.Join(t.TempDir(), "out.rgbd")
	cfg := testConfig(src, dst)
	cfg.Height, cfg.Width = 16, 16

	res, err := Build(cfg)
	require.NoError(t, err)
	require.Equal(t, 0, res.Samples)
	require.Equal(t, 2, res.TotalSkipped())
	require.Equal(t, 1, res.Skipped[loader.ReasonUndecodable])

	r, err := store.Open(dst)
	require.NoError(t, err)
	defer r.Close()
	require.Equal(t, 0, r.Len())
}

func TestBuild_SourceSmallerThanCropFails(t *testing.T) {
	src := t.TempDir()
	writePair(t, filepath.Join(src, "a_"), 100, 100, 1, true)
	cfg := testConfig(src, filepath.Join(t.TempDir(), "out.rgbd"))

	_, err := Build(cfg)
	require.Error(t, err)
	var geomErr *crop.GeometryError
	require.True(t, errors.As(err, &geomErr))
	require.Equal(t, 100, geomErr.SrcHeight)
}

func TestBuild_MissingSourceFails(t *testing.T) {
	dir := t.TempDir()
	_, err := Build(testConfig(filepath.Join(dir, "nope"), filepath.Join(dir, "out.rgbd")))
	require.Error(t, err)
	_, statErr := os.Stat(filepath.Join(dir, "out.rgbd"))
	require.True(t, os.IsNotExist(statErr))
}
