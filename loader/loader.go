// Package loader reads the RGB and depth images of sample identifiers.
//
// Loading follows a fail-skip policy: when either image of a pair cannot be
// opened or decoded the whole pair is dropped and reported as a Skip. Nothing
// is retried and no partial pair is ever returned.
package loader

import (
	"image"
	"image/color"
	"image/png"
	"io/fs"
	"os"

	"github.com/disintegration/imaging"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"

	"github.com/Noofbiz/rgbdset/pairs"
)

// Reason classifies why a pair was skipped.
type Reason int

const (
	// ReasonMissing means one of the two files does not exist.
	ReasonMissing Reason = iota + 1
	// ReasonUnreadable means a file exists but could not be opened or read.
	ReasonUnreadable
	// ReasonUndecodable means a file was read but is not a valid PNG.
	ReasonUndecodable
)

func (r Reason) String() string {
	switch r {
	case ReasonMissing:
		return "missing"
	case ReasonUnreadable:
		return "unreadable"
	case ReasonUndecodable:
		return "undecodable"
	}
	return "unknown"
}

// Pair is the decoded RGB and depth images of one identifier.
//
// RGB always has its colour channels in the first three bytes of each NRGBA
// pixel; alpha is ignored downstream. Depth keeps raw levels: 8-bit
// grayscale inputs are widened without scaling, 16-bit inputs are kept as is.
type Pair struct {
	ID    string
	RGB   *image.NRGBA
	Depth *image.Gray16
}

// Skip describes a dropped pair.
type Skip struct {
	ID     string
	Path   string
	Reason Reason
	Err    error
}

func (s *Skip) Error() string {
	return "skipped " + s.ID + " (" + s.Reason.String() + " " + s.Path + "): " + s.Err.Error()
}

func (s *Skip) Unwrap() error { return s.Err }

// Result is the outcome of loading one identifier: exactly one of Pair and
// Skip is set.
type Result struct {
	Pair *Pair
	Skip *Skip
}

// OK reports whether the pair was loaded.
func (r Result) OK() bool { return r.Pair != nil }

// Loader reads image pairs named by a suffix convention.
type Loader struct {
	Suffixes pairs.Suffixes
}

// New returns a Loader using the given suffixes.
func New(suffixes pairs.Suffixes) *Loader {
	return &Loader{Suffixes: suffixes}
}

// Load reads the two images of id.
func (l *Loader) Load(id string) Result {
	rgbPath := l.Suffixes.RGBPath(id)
	rgbImg, skip := decodeFile(id, rgbPath)
	if skip != nil {
		return Result{Skip: skip}
	}
	depthPath := l.Suffixes.DepthPath(id)
	depthImg, skip := decodeFile(id, depthPath)
	if skip != nil {
		return Result{Skip: skip}
	}
	return Result{Pair: &Pair{
		ID:    id,
		RGB:   imaging.Clone(rgbImg),
		Depth: ToGray16(depthImg),
	}}
}

// LoadChunk loads every identifier of a chunk in order, returning the loaded
// pairs and the skipped ones separately.
func (l *Loader) LoadChunk(ids []string) ([]Pair, []Skip) {
	loaded := make([]Pair, 0, len(ids))
	var skipped []Skip
	for _, id := range ids {
		res := l.Load(id)
		if !res.OK() {
			klog.V(1).Infof("Dropping pair: %v", res.Skip)
			skipped = append(skipped, *res.Skip)
			continue
		}
		loaded = append(loaded, *res.Pair)
	}
	return loaded, skipped
}

func decodeFile(id, path string) (image.Image, *Skip) {
	f, err := os.Open(path)
	if err != nil {
		reason := ReasonUnreadable
		if errors.Is(err, fs.ErrNotExist) {
			reason = ReasonMissing
		}
		return nil, &Skip{ID: id, Path: path, Reason: reason, Err: err}
	}
	defer f.Close()

	img, err := png.Decode(f)
	if err != nil {
		reason := ReasonUndecodable
		var pathErr *fs.PathError
		if errors.As(err, &pathErr) {
			reason = ReasonUnreadable
		}
		return nil, &Skip{ID: id, Path: path, Reason: reason, Err: errors.Wrapf(err, "decoding %q", path)}
	}
	return img, nil
}

// ToGray16 converts a depth image to 16-bit grayscale.
//
// *image.Gray16 is returned as a copy, *image.Gray levels are widened
// without scaling (a level of 200 stays 200), and any other colour model is
// converted through color.Gray16Model.
func ToGray16(img image.Image) *image.Gray16 {
	b := img.Bounds()
	out := image.NewGray16(image.Rect(0, 0, b.Dx(), b.Dy()))
	switch src := img.(type) {
	case *image.Gray16:
		for y := 0; y < b.Dy(); y++ {
			srcRow := src.Pix[src.PixOffset(b.Min.X, b.Min.Y+y):]
			copy(out.Pix[y*out.Stride:y*out.Stride+2*b.Dx()], srcRow[:2*b.Dx()])
		}
	case *image.Gray:
		for y := 0; y < b.Dy(); y++ {
			for x := 0; x < b.Dx(); x++ {
				out.SetGray16(x, y, color.Gray16{Y: uint16(src.GrayAt(b.Min.X+x, b.Min.Y+y).Y)})
			}
		}
	default:
		for y := 0; y < b.Dy(); y++ {
			for x := 0; x < b.Dx(); x++ {
				out.Set(x, y, color.Gray16Model.Convert(img.At(b.Min.X+x, b.Min.Y+y)))
			}
		}
	}
	return out
}
