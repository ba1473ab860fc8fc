package vkg

import (
	"io"
	"os"

	"github.com/docker/go-units"
	"github.com/pelletier/go-toml/v2"
	"github.com/pkg/errors"
)

// GraphicsSettings is the flat snapshot consumed by the renderer, either at
// start-up or through ApplyGraphicsSettings.
type GraphicsSettings struct {
	Width        int    `toml:"width"`
	Height       int    `toml:"height"`
	Fullscreen   bool   `toml:"fullscreen"`
	VSync        bool   `toml:"vsync"`
	MSAASamples  int    `toml:"msaa_samples"`
	Validation   bool   `toml:"validation"`
	PreferredGPU string `toml:"preferred_gpu"`
}

// MemorySettings tunes the block allocator.
type MemorySettings struct {
	// BlockSize is a human readable size such as "64MiB".
	BlockSize string `toml:"block_size"`
	// MaxPendingTransfers bounds the async transfer queue.
	MaxPendingTransfers int `toml:"max_pending_transfers"`
}

// Config is the renderer configuration file.
type Config struct {
	AppName  string           `toml:"app_name"`
	Graphics GraphicsSettings `toml:"graphics"`
	Memory   MemorySettings   `toml:"memory"`
}

const (
	minWidth  = 800
	maxWidth  = 7680
	minHeight = 600
	maxHeight = 4320
)

// DefaultGraphicsSettings returns the settings used when nothing is configured.
func DefaultGraphicsSettings() GraphicsSettings {
	return GraphicsSettings{
		Width:        1920,
		Height:       1080,
		VSync:        true,
		MSAASamples:  1,
		PreferredGPU: "auto",
	}
}

// DefaultConfig returns a fully populated default configuration.
func DefaultConfig() Config {
	return Config{
		AppName:  "VulkanRmlUI",
		Graphics: DefaultGraphicsSettings(),
		Memory: MemorySettings{
			BlockSize:           "64MiB",
			MaxPendingTransfers: 4,
		},
	}
}

// Validate checks the graphics settings against supported ranges.
func (g GraphicsSettings) Validate() error {
	if g.Width < minWidth || g.Width > maxWidth {
		return errors.Errorf("graphics width %d out of range [%d, %d]", g.Width, minWidth, maxWidth)
	}
	if g.Height < minHeight || g.Height > maxHeight {
		return errors.Errorf("graphics height %d out of range [%d, %d]", g.Height, minHeight, maxHeight)
	}
	switch g.MSAASamples {
	case 1, 2, 4, 8, 16:
	default:
		return errors.Errorf("msaa samples %d must be one of 1, 2, 4, 8, 16", g.MSAASamples)
	}
	return nil
}

// BlockSizeBytes parses BlockSize, falling back to the default on empty input.
func (m MemorySettings) BlockSizeBytes() (uint64, error) {
	if m.BlockSize == "" {
		return defaultBlockSize, nil
	}
	n, err := units.RAMInBytes(m.BlockSize)
	if err != nil {
		return 0, errors.Wrapf(err, "parse block size %q", m.BlockSize)
	}
	if n <= 0 {
		return 0, errors.Wrapf(ErrInvalidSize, "block size %q", m.BlockSize)
	}
	return uint64(n), nil
}

// Validate checks the whole configuration.
func (c Config) Validate() error {
	if err := c.Graphics.Validate(); err != nil {
		return err
	}
	if _, err := c.Memory.BlockSizeBytes(); err != nil {
		return err
	}
	if c.Memory.MaxPendingTransfers < 0 {
		return errors.Errorf("max pending transfers %d must not be negative", c.Memory.MaxPendingTransfers)
	}
	return nil
}

// DecodeConfig reads TOML from r on top of DefaultConfig and validates it.
func DecodeConfig(r io.Reader) (Config, error) {
	cfg := DefaultConfig()
	if err := toml.NewDecoder(r).Decode(&cfg); err != nil {
		return Config{}, errors.Wrap(err, "decode config")
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// LoadConfig reads a TOML configuration file.
func LoadConfig(path string) (Config, error) {
	f, err := os.Open(path)
	if err != nil {
		return Config{}, errors.Wrap(err, "open config")
	}
	defer f.Close()
	return DecodeConfig(f)
}
