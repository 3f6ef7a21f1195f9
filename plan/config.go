package plan

import (
	"errors"
	"fmt"
	"path/filepath"
	"runtime"

	"github.com/BurntSushi/toml"
	"github.com/blang/semver"

	"github.com/janelia-flyem/pyramid/pyramid"
	"github.com/janelia-flyem/pyramid/schedule"
)

const (
	// ModeProfile takes chunk shapes and factors from a named resolution profile.
	ModeProfile = "profile"

	// ModeDerived derives factors from the configured chunk shape.
	ModeDerived = "derived"

	// DefaultNumMips is the number of downsampled levels built beyond mip 0.
	DefaultNumMips = 5

	// MaxParallel caps the default worker count.
	MaxParallel = 16
)

// supportedVersions is the range of configuration versions this code understands.
var supportedVersions = semver.MustParseRange(">=0.1.0 <1.0.0")

// ErrUnsupportedVersion is returned for configuration files outside the supported version range.
var ErrUnsupportedVersion = errors.New("unsupported pipeline configuration version")

// Config is the TOML pipeline configuration.
type Config struct {
	Version  string
	Volume   VolumeConfig
	Pyramid  PyramidConfig
	Layer    LayerConfig
	Queue    QueueConfig
	Progress ProgressConfig
	Logging  pyramid.LogConfig
}

// VolumeConfig describes the full-resolution volume.
type VolumeConfig struct {
	Size       pyramid.Point3d  `toml:"size"`
	Resolution pyramid.Vector3d `toml:"resolution"` // nanometers per voxel
	Offset     pyramid.Point3d  `toml:"voxel_offset"`
	DataType   string           `toml:"data_type"`
	LayerType  string           `toml:"layer_type"`
}

// PyramidConfig selects how chunk shapes and factors are chosen for each mip.
type PyramidConfig struct {
	Mode    string
	Profile string
	Chunk   schedule.ChunkShape `toml:"chunk_size"`
	NumMips int                 `toml:"num_mips"`
	Padding *int                `toml:"padding"`
}

// LayerConfig gives where the layers live.  The upload layer is the destination
// layer name with a "_rechunkme" suffix.
type LayerConfig struct {
	Dir  string
	Name string
}

// QueueConfig sets the local task queue.
type QueueConfig struct {
	Parallel int
}

// ProgressConfig sets where progress markers are kept, e.g., "file:///data/viz/progress".
type ProgressConfig struct {
	URL string `toml:"url"`
}

// UploadLayer returns the path of the native-resolution upload layer.
func (c LayerConfig) UploadLayer() string {
	return filepath.Join(c.Dir, c.Name+"_rechunkme")
}

// DestLayer returns the path of the rechunked, downsampled layer.
func (c LayerConfig) DestLayer() string {
	return filepath.Join(c.Dir, c.Name)
}

// LoadConfig loads a pipeline configuration from a TOML file.  Relative paths are
// interpreted relative to the TOML file's own directory.
func LoadConfig(filename string) (*Config, error) {
	if filename == "" {
		return nil, fmt.Errorf("no pipeline TOML configuration file provided")
	}
	var c Config
	if _, err := toml.DecodeFile(filename, &c); err != nil {
		return nil, fmt.Errorf("could not decode TOML config %q: %v", filename, err)
	}
	if err := c.convertPathsToAbsolute(filename); err != nil {
		return nil, fmt.Errorf("could not convert relative paths in TOML config: %v", err)
	}
	if err := c.finalize(); err != nil {
		return nil, err
	}
	pyramid.Debugf("Loaded pipeline config from %s: %+v\n", filename, c)
	return &c, nil
}

// DecodeConfig parses TOML configuration text.  Relative paths are left as is.
func DecodeConfig(text string) (*Config, error) {
	var c Config
	if _, err := toml.Decode(text, &c); err != nil {
		return nil, fmt.Errorf("could not decode TOML config: %v", err)
	}
	if err := c.finalize(); err != nil {
		return nil, err
	}
	return &c, nil
}

func (c *Config) convertPathsToAbsolute(configPath string) error {
	var err error
	configDir := filepath.Dir(configPath)

	// [layer].dir
	if c.Layer.Dir != "" {
		if c.Layer.Dir, err = pyramid.ConvertToAbsolute(c.Layer.Dir, configDir); err != nil {
			return fmt.Errorf("error converting layer dir to absolute path: %v", err)
		}
	}

	// [logging].logfile
	if c.Logging.Logfile != "" {
		if c.Logging.Logfile, err = pyramid.ConvertToAbsolute(c.Logging.Logfile, configDir); err != nil {
			return fmt.Errorf("error converting logfile setting to absolute path: %v", err)
		}
	}
	return nil
}

// finalize checks the version, fills in defaults, and validates the configuration.
func (c *Config) finalize() error {
	if c.Version == "" {
		c.Version = "0.1.0"
	}
	v, err := semver.Make(c.Version)
	if err != nil {
		return fmt.Errorf("bad configuration version %q: %v", c.Version, err)
	}
	if !supportedVersions(v) {
		return fmt.Errorf("%w: %s", ErrUnsupportedVersion, v)
	}

	if c.Volume.DataType == "" {
		c.Volume.DataType = "uint16"
	}
	if c.Volume.LayerType == "" {
		c.Volume.LayerType = "image"
	}
	if c.Pyramid.Mode == "" {
		c.Pyramid.Mode = ModeProfile
	}
	if c.Pyramid.Mode == ModeProfile && c.Pyramid.Profile == "" {
		c.Pyramid.Profile = schedule.FullProfile
	}
	if c.Pyramid.NumMips == 0 {
		c.Pyramid.NumMips = DefaultNumMips
	}
	if c.Pyramid.Padding == nil {
		pad := schedule.DefaultPadding
		c.Pyramid.Padding = &pad
	}
	if c.Queue.Parallel <= 0 {
		c.Queue.Parallel = runtime.NumCPU()
		if c.Queue.Parallel > MaxParallel {
			c.Queue.Parallel = MaxParallel
		}
	}
	return c.Validate()
}

// Validate returns an error if the configuration cannot produce a plan.
func (c *Config) Validate() error {
	if !c.Volume.Size.AllPositive() {
		return fmt.Errorf("volume size must be positive along every axis, got %s", c.Volume.Size)
	}
	for axis, r := range c.Volume.Resolution {
		if r <= 0 {
			return fmt.Errorf("volume resolution must be positive, axis %d is %g", axis, r)
		}
	}
	if _, err := BytesPerVoxel(c.Volume.DataType); err != nil {
		return err
	}
	switch c.Volume.LayerType {
	case "image", "segmentation":
	default:
		return fmt.Errorf("layer type must be 'image' or 'segmentation', got %q", c.Volume.LayerType)
	}
	if c.Pyramid.NumMips < 0 {
		return fmt.Errorf("num_mips must be >= 0, got %d", c.Pyramid.NumMips)
	}
	switch c.Pyramid.Mode {
	case ModeProfile:
		if schedule.Profile(c.Pyramid.Profile) == nil {
			pyramid.Warningf("Unknown profile %q: all levels will use default chunk %s and factor %s\n",
				c.Pyramid.Profile, schedule.DefaultChunkShape, schedule.DefaultFactor)
		}
	case ModeDerived:
		if err := c.Pyramid.Chunk.Validate(); err != nil {
			return err
		}
	default:
		return fmt.Errorf("pyramid mode must be %q or %q, got %q", ModeProfile, ModeDerived, c.Pyramid.Mode)
	}
	return nil
}

// BytesPerVoxel returns the size of a voxel of the given data type.
func BytesPerVoxel(dataType string) (int, error) {
	switch dataType {
	case "uint8":
		return 1, nil
	case "uint16":
		return 2, nil
	case "uint32", "float32":
		return 4, nil
	case "uint64":
		return 8, nil
	default:
		return 0, fmt.Errorf("unsupported data type %q", dataType)
	}
}
