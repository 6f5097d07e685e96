// Package crop turns loaded image pairs into fixed-size crops and packs them
// into batch tensors ready to be stored.
package crop

import (
	"fmt"
	"image"
	"math/rand"
	"strings"

	"github.com/disintegration/imaging"
	"github.com/gomlx/gomlx/pkg/core/shapes"
	"github.com/gomlx/gomlx/pkg/core/tensors"
	timage "github.com/gomlx/gomlx/pkg/core/tensors/images"
	"github.com/gomlx/gopjrt/dtypes"
	"github.com/pkg/errors"
	xdraw "golang.org/x/image/draw"

	"github.com/Noofbiz/rgbdset/loader"
)

// Mode selects how crops are produced from a pair.
type Mode string

const (
	// ModeCrop extracts NumCrops random height x width windows per pair.
	ModeCrop Mode = "crop"
	// ModeResize resizes the whole pair to height x width, NumCrops times.
	ModeResize Mode = "resize"
)

// ParseMode parses "crop" or "resize" (case-insensitive).
func ParseMode(s string) (Mode, error) {
	switch Mode(strings.ToLower(strings.TrimSpace(s))) {
	case ModeCrop:
		return ModeCrop, nil
	case ModeResize:
		return ModeResize, nil
	}
	return "", errors.Errorf("crop: unknown mode %q (want %q or %q)", s, ModeCrop, ModeResize)
}

// RGBChannels is the number of colour channels stored per RGB crop.
const RGBChannels = 3

// Config holds the output geometry.
type Config struct {
	Height   int
	Width    int
	NumCrops int
	// Mode defaults to ModeCrop when empty.
	Mode Mode
	// ChannelsFirst stores RGB batches as [N, 3, H, W] instead of [N, H, W, 3].
	ChannelsFirst bool
}

// DataDims returns the per-sample dimensions of the RGB batch.
func (c Config) DataDims() []int {
	if c.ChannelsFirst {
		return []int{RGBChannels, c.Height, c.Width}
	}
	return []int{c.Height, c.Width, RGBChannels}
}

// LabelDims returns the per-sample dimensions of the depth batch.
func (c Config) LabelDims() []int { return []int{c.Height, c.Width} }

// GeometryError reports an image that cannot produce a crop of the requested
// size. It is fatal for the run.
type GeometryError struct {
	ID                  string
	What                string
	SrcHeight, SrcWidth int
	Height, Width       int
}

func (e *GeometryError) Error() string {
	return fmt.Sprintf("crop: %s of %q is %dx%d, cannot produce a %dx%d crop",
		e.What, e.ID, e.SrcHeight, e.SrcWidth, e.Height, e.Width)
}

// Info is the provenance of one crop.
type Info struct {
	ID      string
	Index   int
	OffsetY int
	OffsetX int
	Resized bool
}

// Crop is one normalized sample: h x w RGB and depth plus where it came from.
type Crop struct {
	Info
	RGB   *image.NRGBA
	Depth *image.Gray16
}

// Cropper produces crops using a caller-provided random source, so runs with
// the same seed are reproducible.
type Cropper struct {
	cfg Config
	rng *rand.Rand
}

// New validates cfg and returns a Cropper drawing offsets from rng.
func New(cfg Config, rng *rand.Rand) (*Cropper, error) {
	if cfg.Height < 1 || cfg.Width < 1 {
		return nil, errors.Errorf("crop: height and width must be positive, got %dx%d", cfg.Height, cfg.Width)
	}
	if cfg.NumCrops < 1 {
		return nil, errors.Errorf("crop: number of crops must be positive, got %d", cfg.NumCrops)
	}
	if cfg.Mode == "" {
		cfg.Mode = ModeCrop
	}
	if _, err := ParseMode(string(cfg.Mode)); err != nil {
		return nil, err
	}
	if rng == nil {
		return nil, errors.New("crop: nil random source")
	}
	return &Cropper{cfg: cfg, rng: rng}, nil
}

// Config returns the configuration in use.
func (c *Cropper) Config() Config { return c.cfg }

// Crops returns NumCrops normalized crops of p, in crop-index order.
func (c *Cropper) Crops(p loader.Pair) ([]Crop, error) {
	h, w := c.cfg.Height, c.cfg.Width
	out := make([]Crop, 0, c.cfg.NumCrops)

	if c.cfg.Mode == ModeResize {
		for k := range c.cfg.NumCrops {
			cr, err := Normalize(Crop{Info: Info{ID: p.ID, Index: k}, RGB: p.RGB, Depth: p.Depth}, h, w)
			if err != nil {
				return nil, err
			}
			out = append(out, cr)
		}
		return out, nil
	}

	srcH, srcW := p.RGB.Bounds().Dy(), p.RGB.Bounds().Dx()
	if srcH < h || srcW < w {
		return nil, &GeometryError{ID: p.ID, What: "RGB image", SrcHeight: srcH, SrcWidth: srcW, Height: h, Width: w}
	}
	for k := range c.cfg.NumCrops {
		i := c.offset(srcH - h)
		j := c.offset(srcW - w)
		rect := image.Rect(j, i, j+w, i+h).Add(p.RGB.Bounds().Min)
		cr := Crop{
			Info:  Info{ID: p.ID, Index: k, OffsetY: i, OffsetX: j},
			RGB:   imaging.Crop(p.RGB, rect),
			Depth: cropGray16(p.Depth, image.Rect(j, i, j+w, i+h).Add(p.Depth.Bounds().Min)),
		}
		cr, err := Normalize(cr, h, w)
		if err != nil {
			return nil, err
		}
		out = append(out, cr)
	}
	return out, nil
}

// offset draws uniformly from [0, span), or returns 0 when the image is
// exactly the crop size.
func (c *Cropper) offset(span int) int {
	if span <= 0 {
		return 0
	}
	return c.rng.Intn(span)
}

// Process crops every pair of a chunk, keeping per-pair, per-crop order.
func (c *Cropper) Process(loaded []loader.Pair) ([]Crop, error) {
	out := make([]Crop, 0, len(loaded)*c.cfg.NumCrops)
	for _, p := range loaded {
		crops, err := c.Crops(p)
		if err != nil {
			return nil, err
		}
		out = append(out, crops...)
	}
	return out, nil
}

// Normalize resizes whichever of the crop's images is not already h x w.
// Images with the right shape are returned untouched.
func Normalize(cr Crop, h, w int) (Crop, error) {
	if !hasSize(cr.RGB.Bounds(), h, w) {
		b := cr.RGB.Bounds()
		if b.Empty() {
			return cr, &GeometryError{ID: cr.ID, What: "RGB crop", Height: h, Width: w}
		}
		cr.RGB = imaging.Resize(cr.RGB, w, h, imaging.Linear)
		cr.Resized = true
	}
	if !hasSize(cr.Depth.Bounds(), h, w) {
		b := cr.Depth.Bounds()
		if b.Empty() {
			return cr, &GeometryError{ID: cr.ID, What: "depth crop", Height: h, Width: w}
		}
		cr.Depth = resizeGray16(cr.Depth, w, h)
		cr.Resized = true
	}
	return cr, nil
}

func hasSize(b image.Rectangle, h, w int) bool {
	return b.Dy() == h && b.Dx() == w
}

// cropGray16 copies the part of rect that lies inside src.
func cropGray16(src *image.Gray16, rect image.Rectangle) *image.Gray16 {
	r := rect.Intersect(src.Bounds())
	if r.Empty() {
		return image.NewGray16(image.Rectangle{})
	}
	return loader.ToGray16(src.SubImage(r))
}

// resizeGray16 resamples depth bilinearly, keeping 16-bit precision.
func resizeGray16(src *image.Gray16, w, h int) *image.Gray16 {
	dst := image.NewGray16(image.Rect(0, 0, w, h))
	xdraw.BiLinear.Scale(dst, dst.Bounds(), src, src.Bounds(), xdraw.Src, nil)
	return dst
}

// Batch is a chunk's crops packed into tensors. Data is uint8 shaped
// [N, H, W, 3] or [N, 3, H, W]; Label is uint16 shaped [N, H, W]. Infos[i]
// describes sample i of both tensors.
type Batch struct {
	Data  *tensors.Tensor
	Label *tensors.Tensor
	Infos []Info
}

// Len returns the number of samples in the batch.
func (b *Batch) Len() int {
	if b == nil {
		return 0
	}
	return len(b.Infos)
}

// Batch packs crops into tensors. An empty input gives an empty Batch with
// nil tensors.
func (c *Cropper) Batch(crops []Crop) (*Batch, error) {
	if len(crops) == 0 {
		return &Batch{}, nil
	}
	h, w := c.cfg.Height, c.cfg.Width
	n := len(crops)
	infos := make([]Info, n)
	for k, cr := range crops {
		if !hasSize(cr.RGB.Bounds(), h, w) || !hasSize(cr.Depth.Bounds(), h, w) {
			return nil, errors.Errorf("crop: sample %d (%q) is not normalized to %dx%d", k, cr.ID, h, w)
		}
		infos[k] = cr.Info
	}

	imgs := make([]image.Image, n)
	for k, cr := range crops {
		imgs[k] = cr.RGB
		if cr.RGB.Bounds().Min != (image.Point{}) {
			imgs[k] = imaging.Clone(cr.RGB)
		}
	}
	data := timage.ToTensor(dtypes.Uint8).Batch(imgs)
	if data == nil {
		return nil, errors.New("crop: cannot convert RGB crops to a tensor")
	}
	if c.cfg.ChannelsFirst {
		data = toChannelsFirst(data)
	}

	labelDims := append([]int{n}, c.cfg.LabelDims()...)
	label := tensors.FromShape(shapes.Make(dtypes.Uint16, labelDims...))
	tensors.MutableFlatData(label, func(flat []uint16) {
		size := h * w
		for k, cr := range crops {
			PackDepth(flat[k*size:(k+1)*size], cr.Depth)
		}
	})
	return &Batch{Data: data, Label: label, Infos: infos}, nil
}

// toChannelsFirst transposes a uint8 [N, H, W, C] tensor to [N, C, H, W].
// The input tensor is finalized.
func toChannelsFirst(t *tensors.Tensor) *tensors.Tensor {
	dims := t.Shape().Dimensions
	n, h, w, ch := dims[0], dims[1], dims[2], dims[3]
	out := tensors.FromShape(shapes.Make(dtypes.Uint8, n, ch, h, w))
	tensors.ConstFlatData(t, func(src []uint8) {
		tensors.MutableFlatData(out, func(dst []uint8) {
			plane := h * w
			for k := range n {
				base := k * ch * plane
				for p := range plane {
					for c := range ch {
						dst[base+c*plane+p] = src[base+p*ch+c]
					}
				}
			}
		})
	})
	t.FinalizeAll()
	return out
}

// PackDepth writes the depth levels of img into dst in row-major order.
// Depth is single-channel 16-bit, which the image tensor converter does not
// produce.
func PackDepth(dst []uint16, img *image.Gray16) {
	b := img.Bounds()
	w := b.Dx()
	for y := range b.Dy() {
		for x := range w {
			dst[y*w+x] = img.Gray16At(b.Min.X+x, b.Min.Y+y).Y
		}
	}
}
