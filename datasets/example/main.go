package main

// Example command that demonstrates loading a built container with the
// datasets package and converting small batches into gomlx tensors.
//
// The dataset is lazy - it keeps the container open and only reads the
// samples needed for each batch.
//
// Usage:
//   go run ./datasets/example [DIR]
//
// DIR defaults to the current directory; the first *.rgbd file found there
// is loaded.

import (
	"fmt"
	"io"
	"log"
	"os"

	"github.com/Noofbiz/rgbdset/datasets"
)

func main() {
	dir := "."
	if len(os.Args) > 1 {
		dir = os.Args[1]
	}
	paths, err := datasets.FindContainers(dir)
	if err != nil {
		log.Fatalf("failed to find a container: %v", err)
	}
	ds, err := datasets.NewContainerDataset(paths[0])
	if err != nil {
		log.Fatalf("failed to open container dataset: %v", err)
	}
	defer ds.Close()
	fmt.Printf("Using container: %s\n", paths[0])
	fmt.Printf("Total examples available: %d\n", ds.Len())
	fmt.Printf("  Input dims per example: %v\n", ds.InputDims())
	fmt.Printf("  Label dims per example: %v\n", ds.LabelDims())

	// Prepare a small batch (first N examples)
	n := min(8, ds.Len())
	if n > 0 {
		indices := make([]int, n)
		for i := range n {
			indices[i] = i
		}

		fmt.Printf("Loading batch of %d examples...\n", n)
		inT, laT, err := ds.Tensors(indices)
		if err != nil {
			log.Fatalf("failed to build batch tensors: %v", err)
		}
		fmt.Printf("Created tensors: input=%s label=%s\n", inT.Shape(), laT.Shape())

		inputs, labels, err := ds.Example(0)
		if err != nil {
			log.Fatalf("failed to read example 0: %v", err)
		}
		fmt.Printf("  First example: %d input values (first %v), %d label values (first %v)\n",
			len(inputs), inputs[0], len(labels), labels[0])
	}

	// One shuffled epoch through the gomlx Yield interface.
	ds.BatchSize = 16
	ds.Shuffle(1)
	batches := 0
	for {
		_, _, _, err := ds.Yield()
		if err == io.EOF {
			break
		}
		if err != nil {
			log.Fatalf("failed to yield batch %d: %v", batches, err)
		}
		batches++
	}
	fmt.Printf("\nOne epoch yielded %d batches of up to %d examples\n", batches, ds.BatchSize)
}
