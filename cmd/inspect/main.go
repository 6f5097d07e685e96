// Command inspect prints statistics of a container built by rgbdset and
// optionally plots the distribution of its depth labels.
package main

import (
	"flag"
	"fmt"
	"io"
	"os"

	"github.com/pkg/errors"
	"k8s.io/klog/v2"

	"github.com/Noofbiz/rgbdset/inspect"
	"github.com/Noofbiz/rgbdset/manifest"
	"github.com/Noofbiz/rgbdset/store"
)

func main() {
	os.Exit(run(os.Args[1:], os.Stdout, os.Stderr))
}

func run(args []string, stdout, stderr io.Writer) int {
	defer klog.Flush()
	fs := flag.NewFlagSet("inspect", flag.ContinueOnError)
	fs.SetOutput(stderr)
	klog.InitFlags(fs)
	samples := fs.Int("samples", 256, "number of samples to compute statistics over (0 = all)")
	bins := fs.Int("bins", 64, "number of histogram bins")
	plotPath := fs.String("plot", "", "if set, write a depth histogram PNG to this path")
	verify := fs.Bool("verify", false, "verify the checksum of every chunk")
	manifestPath := fs.String("manifest", "", "if set, report the run recorded in this manifest")
	fs.Usage = func() {
		fmt.Fprintln(stderr, "Usage: inspect [options] CONTAINER")
		fs.PrintDefaults()
	}
	if err := fs.Parse(args); err != nil {
		if errors.Is(err, flag.ErrHelp) {
			return 0
		}
		return 2
	}
	if fs.NArg() != 1 {
		fs.Usage()
		return 2
	}

	r, err := store.Open(fs.Arg(0))
	if err != nil {
		klog.Errorf("failed to open container: %v", err)
		return 1
	}
	defer r.Close()

	if *verify {
		if err := r.Verify(); err != nil {
			klog.Errorf("verification failed: %v", err)
			return 1
		}
		fmt.Fprintf(stdout, "verified %d chunks\n", r.NumChunks())
	}

	summary, err := inspect.Summarize(r, *samples)
	if err != nil {
		klog.Errorf("failed to summarize: %v", err)
		return 1
	}
	if err := summary.Write(stdout); err != nil {
		klog.Errorf("failed to write summary: %v", err)
		return 1
	}

	if *manifestPath != "" {
		if err := reportManifest(stdout, *manifestPath, r); err != nil {
			klog.Errorf("failed to read manifest: %v", err)
			return 1
		}
	}

	if *plotPath != "" {
		if len(summary.Depth) == 0 {
			klog.Warningf("container is empty, skipping plot")
		} else {
			if err := inspect.PlotDepthHistogram(summary.Depth, *bins, *plotPath); err != nil {
				klog.Errorf("plotting failed: %v", err)
				return 1
			}
			klog.Infof("Wrote depth histogram to %s", *plotPath)
		}
	}
	return 0
}

// reportManifest prints the run recorded for the container and checks that
// the manifest accounts for every stored sample.
func reportManifest(w io.Writer, path string, r *store.Reader) error {
	db, err := manifest.OpenExisting(path)
	if err != nil {
		return err
	}
	defer db.Close()

	rec, totals, err := db.GetRun(r.RunID())
	if err != nil {
		return err
	}
	fmt.Fprintf(w, "manifest:  %s\n", path)
	fmt.Fprintf(w, "source:    %s (%d identifiers, %d selected, seed %d)\n", rec.Source, rec.Identifiers, rec.Selected, rec.Seed)
	fmt.Fprintf(w, "skipped:   %d\n", totals.Skipped)
	counts, err := db.SkipCounts(r.RunID())
	if err != nil {
		return err
	}
	for reason, n := range counts {
		fmt.Fprintf(w, "  %s: %d\n", reason, n)
	}
	samples, err := db.Samples(r.RunID())
	if err != nil {
		return err
	}
	if len(samples) != r.Len() {
		return errors.Errorf("manifest lists %d samples, container holds %d", len(samples), r.Len())
	}
	return nil
}
