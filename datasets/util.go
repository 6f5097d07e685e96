package datasets

import (
	"encoding/binary"
	"math"
	"path/filepath"

	"github.com/gomlx/gopjrt/dtypes"
	"github.com/pkg/errors"
)

// ContainerExt is the conventional extension of container files.
const ContainerExt = ".rgbd"

// decodeSample converts the raw little endian bytes of one stored sample to
// float32, dividing every value by maxValue.
func decodeSample(dst []float32, raw []byte, dtype dtypes.DType, maxValue float32) error {
	switch dtype {
	case dtypes.Uint8:
		for i := range dst {
			dst[i] = float32(raw[i]) / maxValue
		}
	case dtypes.Uint16:
		for i := range dst {
			dst[i] = float32(binary.LittleEndian.Uint16(raw[2*i:])) / maxValue
		}
	case dtypes.Float32:
		for i := range dst {
			dst[i] = math.Float32frombits(binary.LittleEndian.Uint32(raw[4*i:])) / maxValue
		}
	default:
		return errors.Errorf("unsupported sample dtype %s", dtype)
	}
	return nil
}

// inputMaxValue is the level that maps to 1 when inputs are decoded: 255 for
// stored RGB levels.
func inputMaxValue(dtype dtypes.DType) float32 {
	if dtype == dtypes.Uint8 {
		return 255
	}
	return 1
}

func product(dims []int) int {
	n := 1
	for _, d := range dims {
		n *= d
	}
	return n
}

// FindContainers returns the container files directly under dir.
func FindContainers(dir string) ([]string, error) {
	pattern := filepath.Join(dir, "*"+ContainerExt)
	matches, err := filepath.Glob(pattern)
	if err != nil {
		return nil, err
	}
	if len(matches) == 0 {
		return nil, errors.Errorf("no %s files found in %s", ContainerExt, dir)
	}
	return matches, nil
}
