package datasets

import "github.com/gomlx/gomlx/pkg/core/tensors"

// This file defines the dataset interface used to read a built container
// back for training.
//
// Datasets are lazy: they keep the container open and only read the samples
// needed for the requested example or batch.
//
// Layout and intended usage:
//
// ContainerDataset
//   - Reads the "data" and "label" sequences of a container file.
//   - Inputs per example: the RGB crop as float32 in [0, 1], in the stored
//     layout ((3, H, W) or (H, W, 3)), flattened.
//   - Labels per example: the depth crop as float32 raw levels, (H, W)
//     flattened.
//
// The datasets implement this interface in order to interact with GoMLX
// training loops and batching utilities.
type Dataset interface {
	Len() int
	Example(i int) (inputs []float32, labels []float32, err error)
	Batch(indices []int) (inputs [][]float32, labels [][]float32, err error)
	Shuffle(seed int64)

	// To implement gomlx's train.Dataset interface
	Yield() (any, []*tensors.Tensor, []*tensors.Tensor, error)
}
