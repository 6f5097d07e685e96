package builder

import (
	"encoding/json"
	"os"

	"github.com/pkg/errors"

	"github.com/Noofbiz/rgbdset/crop"
	"github.com/Noofbiz/rgbdset/pairs"
)

// Limits on the output geometry.
const (
	MaxHeight = 400
	MaxWidth  = 550
)

// Config holds the parameters of one build. Validate rejects zero geometry
// and chunking fields, so start from DefaultConfig.
type Config struct {
	Source      string `json:"source"`
	Destination string `json:"destination"`

	Height        int       `json:"height"`
	Width         int       `json:"width"`
	NumCrops      int       `json:"n_crops"`
	Percent       float64   `json:"percent"`
	ChunkSize     int       `json:"chunk_size"`
	ChannelsFirst bool      `json:"channels_first"`
	Mode          crop.Mode `json:"mode"`

	// Seed seeds sampling and crop offsets. Zero picks a time based seed.
	Seed int64 `json:"seed"`

	// Manifest, if set, is the path of the SQLite provenance manifest.
	Manifest string `json:"manifest"`

	RGBSuffix   string `json:"rgb_suffix"`
	DepthSuffix string `json:"depth_suffix"`

	// Progress draws a progress bar on stderr, one step per chunk.
	Progress bool `json:"progress"`
}

// DefaultConfig returns the default build parameters.
func DefaultConfig() Config {
	return Config{
		Height:        224,
		Width:         224,
		NumCrops:      1,
		Percent:       100,
		ChunkSize:     1024,
		ChannelsFirst: true,
		Mode:          crop.ModeCrop,
		RGBSuffix:     pairs.DefaultRGBSuffix,
		DepthSuffix:   pairs.DefaultDepthSuffix,
		Progress:      true,
	}
}

// LoadConfig reads a JSON config file on top of base. Fields absent from the
// file keep their value in base.
func LoadConfig(path string, base Config) (Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return base, errors.Wrapf(err, "failed to read config %q", path)
	}
	cfg := base
	if err := json.Unmarshal(data, &cfg); err != nil {
		return base, errors.Wrapf(err, "failed to parse config %q", path)
	}
	return cfg, nil
}

// Validate checks the parameters, filling defaults for empty suffixes and
// mode.
func (c *Config) Validate() error {
	if c.Source == "" {
		return errors.New("source directory is required")
	}
	if c.Destination == "" {
		return errors.New("destination is required")
	}
	if c.Height < 1 || c.Height > MaxHeight {
		return errors.Errorf("height must be in [1, %d], got %d", MaxHeight, c.Height)
	}
	if c.Width < 1 || c.Width > MaxWidth {
		return errors.Errorf("width must be in [1, %d], got %d", MaxWidth, c.Width)
	}
	if c.NumCrops < 1 {
		return errors.Errorf("n_crops must be positive, got %d", c.NumCrops)
	}
	if !(c.Percent > 0 && c.Percent <= 100) {
		return errors.Errorf("percent must be in (0, 100], got %g", c.Percent)
	}
	if c.ChunkSize < 1 {
		return errors.Errorf("chunk size must be positive, got %d", c.ChunkSize)
	}
	if c.Mode == "" {
		c.Mode = crop.ModeCrop
	}
	mode, err := crop.ParseMode(string(c.Mode))
	if err != nil {
		return err
	}
	c.Mode = mode
	if c.RGBSuffix == "" {
		c.RGBSuffix = pairs.DefaultRGBSuffix
	}
	if c.DepthSuffix == "" {
		c.DepthSuffix = pairs.DefaultDepthSuffix
	}
	if c.RGBSuffix == c.DepthSuffix {
		return errors.Errorf("rgb and depth suffixes must differ, both are %q", c.RGBSuffix)
	}
	if c.Manifest != "" && c.Manifest == c.Destination {
		return errors.New("manifest and destination must be different files")
	}
	return nil
}

// CropConfig returns the geometry handed to the cropper.
func (c Config) CropConfig() crop.Config {
	return crop.Config{
		Height:        c.Height,
		Width:         c.Width,
		NumCrops:      c.NumCrops,
		Mode:          c.Mode,
		ChannelsFirst: c.ChannelsFirst,
	}
}

// Suffixes returns the file naming convention of pairs.
func (c Config) Suffixes() pairs.Suffixes {
	return pairs.Suffixes{RGB: c.RGBSuffix, Depth: c.DepthSuffix}
}
