// Command rgbdset builds a paired RGB and depth training dataset from a tree
// of PNG files.
package main

import (
	"flag"
	"fmt"
	"io"
	"os"

	"github.com/pkg/errors"
	"k8s.io/klog/v2"

	"github.com/Noofbiz/rgbdset/builder"
	"github.com/Noofbiz/rgbdset/loader"
)

func main() {
	os.Exit(run(os.Args[1:], os.Stdout, os.Stderr))
}

func run(args []string, stdout, stderr io.Writer) int {
	defer klog.Flush()
	opts, err := parseArgs(args)
	if errors.Is(err, flag.ErrHelp) {
		printUsage(stdout, nil)
		return 0
	}
	if err != nil {
		printUsage(stderr, err)
		return 2
	}

	cfg := opts.cfg
	klog.Infof("Building %s from %s: %dx%d, %d crops, %g%%, chunks of %d, channels first %t, mode %s",
		cfg.Destination, cfg.Source, cfg.Height, cfg.Width, cfg.NumCrops, cfg.Percent, cfg.ChunkSize, cfg.ChannelsFirst, cfg.Mode)
	res, err := builder.Build(cfg)
	if err != nil {
		klog.Errorf("Build failed: %v", err)
		return 1
	}

	fmt.Fprintf(stdout, "run %s (seed %d)\n", res.RunID, res.Seed)
	fmt.Fprintf(stdout, "identifiers: %d found, %d without depth, %d selected\n", res.Identifiers, res.Orphans, res.Selected)
	fmt.Fprintf(stdout, "pairs:       %d loaded, %d skipped\n", res.Loaded, res.TotalSkipped())
	for _, reason := range []loader.Reason{loader.ReasonMissing, loader.ReasonUnreadable, loader.ReasonUndecodable} {
		if n := res.Skipped[reason]; n > 0 {
			fmt.Fprintf(stdout, "  %s: %d\n", reason, n)
		}
	}
	fmt.Fprintf(stdout, "samples:     %d written to %s in %d chunks\n", res.Samples, cfg.Destination, res.Written)
	if cfg.Manifest != "" {
		fmt.Fprintf(stdout, "manifest:    %s\n", cfg.Manifest)
	}
	return 0
}
