// Package inspect computes summary statistics of a container and plots the
// distribution of its depth labels.
package inspect

import (
	"encoding/binary"
	"fmt"
	"image/color"
	"io"
	"os"
	"path/filepath"

	"github.com/gomlx/gopjrt/dtypes"
	"github.com/google/uuid"
	"github.com/pkg/errors"
	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/stat"
	"gonum.org/v1/plot"
	"gonum.org/v1/plot/plotter"
	"gonum.org/v1/plot/vg"

	"github.com/Noofbiz/rgbdset/store"
)

// Summary describes a container and the samples that were inspected.
type Summary struct {
	Path          string
	RunID         uuid.UUID
	Samples       int
	Chunks        int
	DataDims      []int
	LabelDims     []int
	ChannelsFirst bool

	// Inspected is the number of samples the statistics below cover.
	Inspected int
	RGBMean   [3]float64
	DepthMin  float64
	DepthMax  float64
	DepthMean float64
	DepthStd  float64
	// ZeroDepth is the fraction of depth pixels equal to zero.
	ZeroDepth float64

	// Depth holds the inspected depth levels, for plotting.
	Depth []float64
}

// Summarize reads up to maxSamples samples of r (all when maxSamples <= 0)
// and computes per-channel RGB means and depth statistics.
func Summarize(r *store.Reader, maxSamples int) (*Summary, error) {
	schema := r.Schema()
	s := &Summary{
		Path:      r.Path(),
		RunID:     r.RunID(),
		Samples:   r.Len(),
		Chunks:    r.NumChunks(),
		DataDims:  schema.Data.Dims(),
		LabelDims: schema.Label.Dims(),
	}
	dataDims := schema.Data.SampleDims
	if len(dataDims) != 3 || len(schema.Label.SampleDims) != 2 {
		return nil, errors.Errorf("inspect: unexpected sample dims data=%v label=%v", dataDims, schema.Label.SampleDims)
	}
	if schema.Data.DType != dtypes.Uint8 || schema.Label.DType != dtypes.Uint16 {
		return nil, errors.Errorf("inspect: unexpected dtypes data=%s label=%s", schema.Data.DType, schema.Label.DType)
	}
	s.ChannelsFirst = schema.ChannelsFirst
	channelAxis := 2
	if s.ChannelsFirst {
		channelAxis = 0
	}
	if dataDims[channelAxis] != 3 {
		return nil, errors.Errorf("inspect: data samples %v have no 3-channel axis at %d", dataDims, channelAxis)
	}

	n := r.Len()
	if maxSamples > 0 && maxSamples < n {
		n = maxSamples
	}
	s.Inspected = n
	if n == 0 {
		return s, nil
	}

	plane := schema.Label.SampleDims[0] * schema.Label.SampleDims[1]
	var channels [3][]float64
	for c := range channels {
		channels[c] = make([]float64, 0, n*plane)
	}
	s.Depth = make([]float64, 0, n*plane)
	zeros := 0
	for i := range n {
		raw, err := r.SampleBytes(store.DataName, i)
		if err != nil {
			return nil, err
		}
		for p := range plane {
			for c := range channels {
				var v uint8
				if s.ChannelsFirst {
					v = raw[c*plane+p]
				} else {
					v = raw[3*p+c]
				}
				channels[c] = append(channels[c], float64(v))
			}
		}

		raw, err = r.SampleBytes(store.LabelName, i)
		if err != nil {
			return nil, err
		}
		for p := range plane {
			v := binary.LittleEndian.Uint16(raw[2*p:])
			if v == 0 {
				zeros++
			}
			s.Depth = append(s.Depth, float64(v))
		}
	}

	for c := range channels {
		s.RGBMean[c] = stat.Mean(channels[c], nil)
	}
	s.DepthMin = floats.Min(s.Depth)
	s.DepthMax = floats.Max(s.Depth)
	s.DepthMean, s.DepthStd = stat.MeanStdDev(s.Depth, nil)
	s.ZeroDepth = float64(zeros) / float64(len(s.Depth))
	return s, nil
}

// Write prints a human readable report of s.
func (s *Summary) Write(w io.Writer) error {
	layout := "channels last"
	if s.ChannelsFirst {
		layout = "channels first"
	}
	_, err := fmt.Fprintf(w, `container: %s
run:       %s
samples:   %d in %d chunks
data:      %v uint8 (%s)
label:     %v uint16
inspected: %d samples
rgb mean:  r=%.2f g=%.2f b=%.2f
depth:     min=%.0f max=%.0f mean=%.2f std=%.2f zero=%.2f%%
`,
		s.Path, s.RunID, s.Samples, s.Chunks, s.DataDims, layout, s.LabelDims, s.Inspected,
		s.RGBMean[0], s.RGBMean[1], s.RGBMean[2],
		s.DepthMin, s.DepthMax, s.DepthMean, s.DepthStd, 100*s.ZeroDepth)
	return err
}

// PlotDepthHistogram writes a PNG histogram of depth levels to path.
func PlotDepthHistogram(values []float64, bins int, path string) error {
	if len(values) == 0 {
		return errors.New("inspect: no depth values to plot")
	}
	if bins < 1 {
		return errors.Errorf("inspect: bins must be positive, got %d", bins)
	}
	p := plot.New()
	p.Title.Text = "Depth label distribution"
	p.X.Label.Text = "depth level"
	p.Y.Label.Text = "pixels"

	h, err := plotter.NewHist(plotter.Values(values), bins)
	if err != nil {
		return err
	}
	h.FillColor = color.RGBA{R: 20, G: 80, B: 200, A: 220}
	p.Add(h)
	p.Add(plotter.NewGrid())

	if err := ensureDir(filepath.Dir(path)); err != nil {
		return err
	}
	if err := p.Save(8*vg.Inch, 6*vg.Inch, path); err != nil {
		return errors.Wrapf(err, "inspect: failed to save %q", path)
	}
	return nil
}

func ensureDir(path string) error {
	if path == "" {
		return nil
	}
	return os.MkdirAll(path, 0755)
}
