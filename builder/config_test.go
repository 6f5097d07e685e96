package builder

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/Noofbiz/rgbdset/crop"
)

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr bool
	}{
		{"defaults", func(*Config) {}, false},
		{"max geometry", func(c *Config) { c.Height, c.Width = 400, 550 }, false},
		{"height zero", func(c *Config) { c.Height = 0 }, true},
		{"height too large", func(c *Config) { c.Height = 401 }, true},
		{"width too large", func(c *Config) { c.Width = 551 }, true},
		{"no crops", func(c *Config) { c.NumCrops = 0 }, true},
		{"percent zero", func(c *Config) { c.Percent = 0 }, true},
		{"percent over", func(c *Config) { c.Percent = 100.5 }, true},
		{"chunk zero", func(c *Config) { c.ChunkSize = 0 }, true},
		{"bad mode", func(c *Config) { c.Mode = "stretch" }, true},
		{"no source", func(c *Config) { c.Source = "" }, true},
		{"no destination", func(c *Config) { c.Destination = "" }, true},
		{"same suffixes", func(c *Config) { c.DepthSuffix = c.RGBSuffix }, true},
		{"manifest is destination", func(c *Config) { c.Manifest = c.Destination }, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultConfig()
			cfg.Source, cfg.Destination = "src", "out.rgbd"
			tt.mutate(&cfg)
			err := cfg.Validate()
			if tt.wantErr {
				require.Error(t, err)
			} else {
				require.NoError(t, err)
			}
		})
	}
}

func TestValidateFillsDefaults(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Source, cfg.Destination = "src", "out.rgbd"
	cfg.Mode = "RESIZE"
	cfg.RGBSuffix, cfg.DepthSuffix = "", ""
	require.NoError(t, cfg.Validate())
	require.Equal(t, crop.ModeResize, cfg.Mode)
	require.Equal(t, "rgb.png", cfg.RGBSuffix)
	require.Equal(t, "depth.png", cfg.DepthSuffix)
}

func TestLoadConfig(t *testing.T) {
	path := filepath.Join(t.TempDir(), "cfg.json")
	require.NoError(t, os.WriteFile(path, []byte(`{"height": 128, "n_crops": 4, "channels_first": false, "mode": "resize"}`), 0o644))

	cfg, err := LoadConfig(path, DefaultConfig())
	require.NoError(t, err)
	require.Equal(t, 128, cfg.Height)
	require.Equal(t, 224, cfg.Width)
	require.Equal(t, 4, cfg.NumCrops)
	require.False(t, cfg.ChannelsFirst)
	require.Equal(t, crop.ModeResize, cfg.Mode)
	require.Equal(t, 1024, cfg.ChunkSize)

	require.NoError(t, os.WriteFile(path, []byte(`{"height": `), 0o644))
	_, err = LoadConfig(path, DefaultConfig())
	require.Error(t, err)

	_, err = LoadConfig(filepath.Join(t.TempDir(), "missing.json"), DefaultConfig())
	require.Error(t, err)
}
