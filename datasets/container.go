package datasets

import (
	"io"
	"math/rand"
	"time"

	"github.com/gomlx/gomlx/pkg/core/shapes"
	"github.com/gomlx/gomlx/pkg/core/tensors"
	"github.com/gomlx/gopjrt/dtypes"
	"github.com/pkg/errors"

	"github.com/Noofbiz/rgbdset/store"
)

// ContainerDataset provides a gomlx train.Dataset interface over a container
// file built by the builder package.
type ContainerDataset struct {
	// Path of the container file.
	Path string

	// BatchSize for yielding batches
	BatchSize int

	reader *store.Reader
	schema store.Schema

	// order is the epoch's sample order; pos the next position to yield.
	order []int
	pos   int

	rand *rand.Rand
}

var _ Dataset = (*ContainerDataset)(nil)

// NewContainerDataset opens the container at path.
func NewContainerDataset(path string) (*ContainerDataset, error) {
	r, err := store.Open(path)
	if err != nil {
		return nil, err
	}
	ds := &ContainerDataset{
		Path:      path,
		BatchSize: 32,
		reader:    r,
		schema:    r.Schema(),
		rand:      rand.New(rand.NewSource(time.Now().UnixNano())),
	}
	ds.order = make([]int, r.Len())
	for i := range ds.order {
		ds.order[i] = i
	}
	return ds, nil
}

// Len returns the number of samples in the container.
func (d *ContainerDataset) Len() int {
	return d.reader.Len()
}

// InputDims returns the per-example input dimensions.
func (d *ContainerDataset) InputDims() []int { return d.schema.Data.SampleDims }

// LabelDims returns the per-example label dimensions.
func (d *ContainerDataset) LabelDims() []int { return d.schema.Label.SampleDims }

// Example reads a single example by index.
func (d *ContainerDataset) Example(idx int) (inputs []float32, labels []float32, err error) {
	if idx < 0 || idx >= d.Len() {
		return nil, nil, errors.Errorf("index %d out of range [0, %d)", idx, d.Len())
	}
	inputs = make([]float32, product(d.schema.Data.SampleDims))
	labels = make([]float32, product(d.schema.Label.SampleDims))
	if err := d.readInto(inputs, labels, idx); err != nil {
		return nil, nil, err
	}
	return inputs, labels, nil
}

func (d *ContainerDataset) readInto(inputs, labels []float32, idx int) error {
	raw, err := d.reader.SampleBytes(store.DataName, idx)
	if err != nil {
		return err
	}
	if err := decodeSample(inputs, raw, d.schema.Data.DType, inputMaxValue(d.schema.Data.DType)); err != nil {
		return errors.Wrapf(err, "sample %d data", idx)
	}
	raw, err = d.reader.SampleBytes(store.LabelName, idx)
	if err != nil {
		return err
	}
	if err := decodeSample(labels, raw, d.schema.Label.DType, 1); err != nil {
		return errors.Wrapf(err, "sample %d label", idx)
	}
	return nil
}

// Batch reads multiple examples by their indices.
func (d *ContainerDataset) Batch(indices []int) ([][]float32, [][]float32, error) {
	inputs := make([][]float32, len(indices))
	labels := make([][]float32, len(indices))
	for i, idx := range indices {
		in, la, err := d.Example(idx)
		if err != nil {
			return nil, nil, err
		}
		inputs[i], labels[i] = in, la
	}
	return inputs, labels, nil
}

// Shuffle permutes the epoch order of examples and restarts the epoch.
func (d *ContainerDataset) Shuffle(seed int64) {
	d.rand = rand.New(rand.NewSource(seed))
	d.rand.Shuffle(len(d.order), func(i, j int) {
		d.order[i], d.order[j] = d.order[j], d.order[i]
	})
	d.pos = 0
}

// Order returns the current epoch order.
func (d *ContainerDataset) Order() []int {
	return append([]int(nil), d.order...)
}

// Tensors reads a batch of examples and returns them as gomlx tensors shaped
// [len(indices), InputDims...] and [len(indices), LabelDims...].
func (d *ContainerDataset) Tensors(indices []int) (inputs *tensors.Tensor, labels *tensors.Tensor, err error) {
	n := len(indices)
	inSize := product(d.schema.Data.SampleDims)
	labSize := product(d.schema.Label.SampleDims)
	inputs = tensors.FromShape(shapes.Make(dtypes.Float32, append([]int{n}, d.schema.Data.SampleDims...)...))
	labels = tensors.FromShape(shapes.Make(dtypes.Float32, append([]int{n}, d.schema.Label.SampleDims...)...))
	tensors.MutableFlatData(inputs, func(inFlat []float32) {
		tensors.MutableFlatData(labels, func(labFlat []float32) {
			for i, idx := range indices {
				if err = d.readInto(inFlat[i*inSize:(i+1)*inSize], labFlat[i*labSize:(i+1)*labSize], idx); err != nil {
					return
				}
			}
		})
	})
	if err != nil {
		return nil, nil, err
	}
	return inputs, labels, nil
}

// Name returns the name of the dataset
func (d *ContainerDataset) Name() string {
	return "ContainerDataset"
}

// Yield returns the next batch of the epoch for the gomlx Dataset
// interface. The last batch may be smaller than BatchSize. At the end of the
// epoch it returns io.EOF; call Reset to start the next one.
func (d *ContainerDataset) Yield() (spec any, inputs []*tensors.Tensor, labels []*tensors.Tensor, err error) {
	if d.pos >= len(d.order) {
		return nil, nil, nil, io.EOF
	}
	size := d.BatchSize
	if size < 1 {
		size = 1
	}
	end := min(d.pos+size, len(d.order))
	in, la, err := d.Tensors(d.order[d.pos:end])
	if err != nil {
		return nil, nil, nil, err
	}
	d.pos = end
	return nil, []*tensors.Tensor{in}, []*tensors.Tensor{la}, nil
}

// Reset restarts the epoch, keeping the current order.
func (d *ContainerDataset) Reset() {
	d.pos = 0
}

// Close releases the container file.
func (d *ContainerDataset) Close() error {
	return d.reader.Close()
}
