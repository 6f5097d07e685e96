package crop

import (
	"image"
	"image/color"
	"math/rand"
	"testing"

	"github.com/gomlx/gomlx/pkg/core/tensors"
	"github.com/gomlx/gopjrt/dtypes"
	"github.com/stretchr/testify/require"

	"github.com/Noofbiz/rgbdset/loader"
)

// makePair builds a pair whose pixels encode their coordinates, so crops can
// be checked against their offsets.
func makePair(id string, w, h, dw, dh int) loader.Pair {
	rgb := image.NewNRGBA(image.Rect(0, 0, w, h))
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			rgb.SetNRGBA(x, y, color.NRGBA{R: uint8(x), G: uint8(y), B: uint8(x + y), A: 255})
		}
	}
	depth := image.NewGray16(image.Rect(0, 0, dw, dh))
	for y := 0; y < dh; y++ {
		for x := 0; x < dw; x++ {
			depth.SetGray16(x, y, color.Gray16{Y: uint16(x + 1000*y)})
		}
	}
	return loader.Pair{ID: id, RGB: rgb, Depth: depth}
}

func flatUint8(t *tensors.Tensor) []uint8 {
	return tensors.CopyFlatData[uint8](t)
}

func flatUint16(t *tensors.Tensor) []uint16 {
	return tensors.CopyFlatData[uint16](t)
}

func TestNew_Validation(t *testing.T) {
	rng := rand.New(rand.NewSource(1))
	_, err := New(Config{Height: 0, Width: 4, NumCrops: 1}, rng)
	require.Error(t, err)
	_, err = New(Config{Height: 4, Width: 4, NumCrops: 0}, rng)
	require.Error(t, err)
	_, err = New(Config{Height: 4, Width: 4, NumCrops: 1, Mode: "zoom"}, rng)
	require.Error(t, err)
	_, err = New(Config{Height: 4, Width: 4, NumCrops: 1}, nil)
	require.Error(t, err)

	c, err := New(Config{Height: 4, Width: 4, NumCrops: 1}, rng)
	require.NoError(t, err)
	require.Equal(t, ModeCrop, c.Config().Mode)
}

func TestParseMode(t *testing.T) {
	m, err := ParseMode(" Resize ")
	require.NoError(t, err)
	require.Equal(t, ModeResize, m)
	_, err = ParseMode("flip")
	require.Error(t, err)
}

func TestCrops_ShapesAndOffsets(t *testing.T) {
	c, err := New(Config{Height: 10, Width: 12, NumCrops: 25}, rand.New(rand.NewSource(7)))
	require.NoError(t, err)

	p := makePair("p_", 40, 30, 40, 30)
	crops, err := c.Crops(p)
	require.NoError(t, err)
	require.Len(t, crops, 25)
	for k, cr := range crops {
		require.Equal(t, k, cr.Index)
		require.Equal(t, "p_", cr.ID)
		require.False(t, cr.Resized)
		require.Equal(t, image.Rect(0, 0, 12, 10), cr.RGB.Bounds())
		require.Equal(t, image.Rect(0, 0, 12, 10), cr.Depth.Bounds())
		require.GreaterOrEqual(t, cr.OffsetY, 0)
		require.Less(t, cr.OffsetY, 30-10)
		require.GreaterOrEqual(t, cr.OffsetX, 0)
		require.Less(t, cr.OffsetX, 40-12)

		// The same window is taken from both images.
		require.Equal(t, uint8(cr.OffsetX), cr.RGB.NRGBAAt(0, 0).R)
		require.Equal(t, uint8(cr.OffsetY), cr.RGB.NRGBAAt(0, 0).G)
		require.Equal(t, uint16(cr.OffsetX+1000*cr.OffsetY), cr.Depth.Gray16At(0, 0).Y)
	}
}

func TestCrops_Reproducible(t *testing.T) {
	p := makePair("p_", 64, 64, 64, 64)
	run := func() []Info {
		c, err := New(Config{Height: 8, Width: 8, NumCrops: 5}, rand.New(rand.NewSource(99)))
		require.NoError(t, err)
		crops, err := c.Crops(p)
		require.NoError(t, err)
		infos := make([]Info, len(crops))
		for i, cr := range crops {
			infos[i] = cr.Info
		}
		return infos
	}
	require.Equal(t, run(), run())
}

func TestCrops_ExactSize(t *testing.T) {
	c, err := New(Config{Height: 6, Width: 9, NumCrops: 3}, rand.New(rand.NewSource(1)))
	require.NoError(t, err)
	crops, err := c.Crops(makePair("exact_", 9, 6, 9, 6))
	require.NoError(t, err)
	for _, cr := range crops {
		require.Zero(t, cr.OffsetX)
		require.Zero(t, cr.OffsetY)
	}
}

func TestCrops_TooSmallIsGeometryError(t *testing.T) {
	c, err := New(Config{Height: 224, Width: 224, NumCrops: 1}, rand.New(rand.NewSource(1)))
	require.NoError(t, err)
	_, err = c.Crops(makePair("small_", 300, 100, 300, 100))
	var geo *GeometryError
	require.ErrorAs(t, err, &geo)
	require.Equal(t, "small_", geo.ID)
	require.Equal(t, 100, geo.SrcHeight)
}

func TestCrops_SmallerDepthIsResized(t *testing.T) {
	c, err := New(Config{Height: 10, Width: 10, NumCrops: 4}, rand.New(rand.NewSource(3)))
	require.NoError(t, err)
	// Depth only covers the top-left 12x12 of a 20x20 RGB image.
	crops, err := c.Crops(makePair("mismatch_", 20, 20, 12, 12))
	require.NoError(t, err)
	for _, cr := range crops {
		require.Equal(t, image.Rect(0, 0, 10, 10), cr.RGB.Bounds())
		require.Equal(t, image.Rect(0, 0, 10, 10), cr.Depth.Bounds())
		require.Equal(t, cr.OffsetX > 2 || cr.OffsetY > 2, cr.Resized)
	}
}

func TestNormalize_IdentityOnShape(t *testing.T) {
	p := makePair("n_", 16, 8, 16, 8)
	cr := Crop{Info: Info{ID: p.ID}, RGB: p.RGB, Depth: p.Depth}

	out, err := Normalize(cr, 8, 16)
	require.NoError(t, err)
	require.False(t, out.Resized)
	require.Same(t, p.RGB, out.RGB)
	require.Same(t, p.Depth, out.Depth)

	resized, err := Normalize(cr, 4, 4)
	require.NoError(t, err)
	require.True(t, resized.Resized)
	require.Equal(t, image.Rect(0, 0, 4, 4), resized.RGB.Bounds())
	require.Equal(t, image.Rect(0, 0, 4, 4), resized.Depth.Bounds())

	again, err := Normalize(resized, 4, 4)
	require.NoError(t, err)
	require.Equal(t, resized.RGB.Bounds(), again.RGB.Bounds())
	require.Equal(t, resized.Depth.Bounds(), again.Depth.Bounds())
}

func TestNormalize_EmptyDepth(t *testing.T) {
	p := makePair("e_", 4, 4, 4, 4)
	cr := Crop{Info: Info{ID: p.ID}, RGB: p.RGB, Depth: image.NewGray16(image.Rectangle{})}
	_, err := Normalize(cr, 4, 4)
	var geo *GeometryError
	require.ErrorAs(t, err, &geo)
}

func TestCrops_ResizeMode(t *testing.T) {
	c, err := New(Config{Height: 5, Width: 7, NumCrops: 2, Mode: ModeResize}, rand.New(rand.NewSource(1)))
	require.NoError(t, err)
	crops, err := c.Crops(makePair("r_", 3, 2, 30, 20))
	require.NoError(t, err)
	require.Len(t, crops, 2)
	for k, cr := range crops {
		require.Equal(t, k, cr.Index)
		require.True(t, cr.Resized)
		require.Equal(t, image.Rect(0, 0, 7, 5), cr.RGB.Bounds())
		require.Equal(t, image.Rect(0, 0, 7, 5), cr.Depth.Bounds())
	}
}

func TestBatch_ChannelsLastAndFirst(t *testing.T) {
	p := makePair("b_", 3, 2, 3, 2)
	for _, channelsFirst := range []bool{false, true} {
		c, err := New(Config{Height: 2, Width: 3, NumCrops: 2, ChannelsFirst: channelsFirst}, rand.New(rand.NewSource(1)))
		require.NoError(t, err)
		crops, err := c.Process([]loader.Pair{p})
		require.NoError(t, err)
		batch, err := c.Batch(crops)
		require.NoError(t, err)
		require.Equal(t, 2, batch.Len())
		require.Equal(t, dtypes.Uint8, batch.Data.Shape().DType)
		require.Equal(t, dtypes.Uint16, batch.Label.Shape().DType)
		require.Equal(t, []int{2, 2, 3}, batch.Label.Shape().Dimensions)

		data := flatUint8(batch.Data)
		label := flatUint16(batch.Label)
		if channelsFirst {
			require.Equal(t, []int{2, 3, 2, 3}, batch.Data.Shape().Dimensions)
			// Pixel (y=1, x=2): R plane, G plane, B plane.
			require.Equal(t, uint8(2), data[0*6+1*3+2])
			require.Equal(t, uint8(1), data[1*6+1*3+2])
			require.Equal(t, uint8(3), data[2*6+1*3+2])
		} else {
			require.Equal(t, []int{2, 2, 3, 3}, batch.Data.Shape().Dimensions)
			off := 3 * (1*3 + 2)
			require.Equal(t, []uint8{2, 1, 3}, data[off:off+3])
		}
		require.Equal(t, uint16(2+1000*1), label[1*3+2])
		// Second sample starts after the first.
		require.Equal(t, label[:6], label[6:12])
	}
}

func TestBatch_Empty(t *testing.T) {
	c, err := New(Config{Height: 2, Width: 2, NumCrops: 1}, rand.New(rand.NewSource(1)))
	require.NoError(t, err)
	batch, err := c.Batch(nil)
	require.NoError(t, err)
	require.Equal(t, 0, batch.Len())
	require.Nil(t, batch.Data)
}

func TestBatch_RejectsUnnormalized(t *testing.T) {
	c, err := New(Config{Height: 2, Width: 2, NumCrops: 1}, rand.New(rand.NewSource(1)))
	require.NoError(t, err)
	p := makePair("u_", 5, 5, 5, 5)
	_, err = c.Batch([]Crop{{Info: Info{ID: p.ID}, RGB: p.RGB, Depth: p.Depth}})
	require.Error(t, err)
}

func TestBatch_OffsetOriginImage(t *testing.T) {
	c, err := New(Config{Height: 2, Width: 2, NumCrops: 1}, rand.New(rand.NewSource(1)))
	require.NoError(t, err)
	p := makePair("o_", 4, 4, 4, 4)
	sub := p.RGB.SubImage(image.Rect(1, 2, 3, 4)).(*image.NRGBA)
	depth := image.NewGray16(image.Rect(0, 0, 2, 2))
	batch, err := c.Batch([]Crop{{Info: Info{ID: p.ID}, RGB: sub, Depth: depth}})
	require.NoError(t, err)
	require.Equal(t, []int{1, 2, 2, 3}, batch.Data.Shape().Dimensions)
	// First pixel is source (x=1, y=2).
	require.Equal(t, []uint8{1, 2, 3}, flatUint8(batch.Data)[:3])
}
