package main

import (
	"flag"
	"fmt"
	"io"
	"strconv"

	"github.com/pkg/errors"
	"k8s.io/klog/v2"

	"github.com/Noofbiz/rgbdset/builder"
	"github.com/Noofbiz/rgbdset/crop"
)

const usageMessage = `Usage
  rgbdset [options] SRC_DIR DESTINATION

Builds a training dataset of paired RGB and depth crops. Every file named
<prefix>rgb.png under SRC_DIR (at any depth) is paired with <prefix>depth.png;
pairs missing either file are skipped. DESTINATION is the container file to
create; an existing file is replaced.

Options (may appear before or after the positional arguments):
  -h, --height N          height of the cropped image, 1-400. Default is 224
  -w, --width N           width of the cropped image, 1-550. Default is 224
  -n, --n_crops N         number of crops taken from each image. Default is 1
  -p, --percent P         percentage (0 to 100] of pairs included. Default is 100
  -c, --chunksize N       number of pairs read and processed in one chunk. Default is 1024
  --channels_first B      True or False: store RGB as (3, h, w) instead of (h, w, 3). Default is True
  --mode crop|resize      random crops, or resize the whole image. Default is crop
  --seed N                random seed; 0 picks a time based seed. Default is 0
  --manifest PATH         write a SQLite provenance manifest to PATH
  --config PATH           JSON file with default parameters; flags override it
  --progress=false        do not draw a progress bar
  -v N                    log verbosity (klog); -v=1 logs every skipped pair

Example
  rgbdset -h 224 -w 224 -n 1 -p 100 --channels_first True ./Data ./data.rgbd
`

// options is the parsed command line.
type options struct {
	cfg        builder.Config
	configPath string
}

// parseArgs parses args, allowing flags and positionals in any order, and
// returns a validated config. Flags given explicitly override values loaded
// from --config.
func parseArgs(args []string) (*options, error) {
	fs := flag.NewFlagSet("rgbdset", flag.ContinueOnError)
	fs.SetOutput(io.Discard)
	klog.InitFlags(fs)

	cli := builder.DefaultConfig()
	opts := &options{}
	mode := string(cli.Mode)

	fs.IntVar(&cli.Height, "h", cli.Height, "")
	fs.IntVar(&cli.Height, "height", cli.Height, "")
	fs.IntVar(&cli.Width, "w", cli.Width, "")
	fs.IntVar(&cli.Width, "width", cli.Width, "")
	fs.IntVar(&cli.NumCrops, "n", cli.NumCrops, "")
	fs.IntVar(&cli.NumCrops, "n_crops", cli.NumCrops, "")
	fs.Float64Var(&cli.Percent, "p", cli.Percent, "")
	fs.Float64Var(&cli.Percent, "percent", cli.Percent, "")
	fs.IntVar(&cli.ChunkSize, "c", cli.ChunkSize, "")
	fs.IntVar(&cli.ChunkSize, "chunksize", cli.ChunkSize, "")
	fs.Func("channels_first", "", func(s string) error {
		b, err := strconv.ParseBool(s)
		if err != nil {
			return errors.Errorf("expected True or False, got %q", s)
		}
		cli.ChannelsFirst = b
		return nil
	})
	fs.StringVar(&mode, "mode", mode, "")
	fs.Int64Var(&cli.Seed, "seed", cli.Seed, "")
	fs.StringVar(&cli.Manifest, "manifest", cli.Manifest, "")
	fs.StringVar(&opts.configPath, "config", "", "")
	fs.BoolVar(&cli.Progress, "progress", cli.Progress, "")

	var positional []string
	for {
		if err := fs.Parse(args); err != nil {
			return nil, err
		}
		if fs.NArg() == 0 {
			break
		}
		positional = append(positional, fs.Arg(0))
		args = fs.Args()[1:]
	}
	if len(positional) != 2 {
		return nil, errors.Errorf("expected SRC_DIR and DESTINATION, got %d positional arguments", len(positional))
	}

	cfg := builder.DefaultConfig()
	if opts.configPath != "" {
		loaded, err := builder.LoadConfig(opts.configPath, cfg)
		if err != nil {
			return nil, err
		}
		cfg = loaded
	}
	var modeErr error
	fs.Visit(func(f *flag.Flag) {
		switch f.Name {
		case "h", "height":
			cfg.Height = cli.Height
		case "w", "width":
			cfg.Width = cli.Width
		case "n", "n_crops":
			cfg.NumCrops = cli.NumCrops
		case "p", "percent":
			cfg.Percent = cli.Percent
		case "c", "chunksize":
			cfg.ChunkSize = cli.ChunkSize
		case "channels_first":
			cfg.ChannelsFirst = cli.ChannelsFirst
		case "mode":
			cfg.Mode, modeErr = crop.ParseMode(mode)
		case "seed":
			cfg.Seed = cli.Seed
		case "manifest":
			cfg.Manifest = cli.Manifest
		case "progress":
			cfg.Progress = cli.Progress
		}
	})
	if modeErr != nil {
		return nil, modeErr
	}
	cfg.Source, cfg.Destination = positional[0], positional[1]
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	opts.cfg = cfg
	return opts, nil
}

func printUsage(w io.Writer, err error) {
	fmt.Fprint(w, usageMessage)
	if err != nil {
		fmt.Fprintf(w, "\nerror: %v\n", err)
	}
}
