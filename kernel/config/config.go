// Package config loads tickring settings from YAML, the environment and
// flags, in that order of increasing precedence.
package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"

	"github.com/nmxmxh/tickring/kernel/threads/codec"
	"github.com/nmxmxh/tickring/kernel/threads/sab"
	"github.com/nmxmxh/tickring/kernel/utils"
)

const (
	EnvPath     = "TICKRING_PATH"
	EnvLogLevel = "TICKRING_LOG_LEVEL"
)

// Config is the full tickring configuration.
type Config struct {
	Ring     RingConfig     `yaml:"ring"`
	Producer ProducerConfig `yaml:"producer"`
	Reader   ReaderConfig   `yaml:"reader"`
	Log      LogConfig      `yaml:"log"`
	Metrics  MetricsConfig  `yaml:"metrics"`
}

// RingConfig is the ring file and its geometry.
type RingConfig struct {
	Path    string `yaml:"path" validate:"required"`
	Version uint32 `yaml:"version" validate:"oneof=1 2"`
	// SlotSize of zero selects the layout default.
	SlotSize  uint32 `yaml:"slot_size" validate:"omitempty,min=56"`
	SlotCount uint32 `yaml:"slot_count" validate:"min=2"`
}

// ProducerConfig drives the simulated producer.
type ProducerConfig struct {
	Interval time.Duration `yaml:"interval" validate:"gt=0"`
	// MaxRate caps publications per second. Zero disables the cap.
	MaxRate float64 `yaml:"max_rate" validate:"gte=0"`
	Burst   int     `yaml:"burst" validate:"gte=1"`
	Seed    int64   `yaml:"seed"`
}

// ReaderConfig tunes readers and followers.
type ReaderConfig struct {
	MaxRetries   int           `yaml:"max_retries" validate:"gte=0,lte=1000"`
	PollInterval time.Duration `yaml:"poll_interval" validate:"gt=0"`
	Sequential   bool          `yaml:"sequential"`
}

// LogConfig selects the log level and color.
type LogConfig struct {
	Level string `yaml:"level" validate:"omitempty,oneof=debug info warn warning error fatal DEBUG INFO WARN WARNING ERROR FATAL"`
	Color bool   `yaml:"color"`
}

// MetricsConfig enables the Prometheus endpoint when Addr is set.
type MetricsConfig struct {
	Addr string `yaml:"addr" validate:"omitempty,hostname_port"`
}

var validate = validator.New(validator.WithRequiredStructEnabled())

// Default returns the built-in configuration: the extended layout with
// 1000 slots of 8KiB, a 500ms tick and a 10Hz cap.
func Default() Config {
	return Config{
		Ring: RingConfig{
			Path:      sab.DefaultSharedMemoryPath(),
			Version:   codec.DefaultVersion,
			SlotCount: sab.SLOT_COUNT_DEFAULT,
		},
		Producer: ProducerConfig{
			Interval: 500 * time.Millisecond,
			MaxRate:  10,
			Burst:    1,
			Seed:     1,
		},
		Reader: ReaderConfig{
			PollInterval: 100 * time.Millisecond,
		},
		Log: LogConfig{
			Level: "info",
			Color: true,
		},
	}
}

// Load reads path over the defaults, applies environment overrides and
// validates the result. An empty path skips the file.
func Load(path string) (Config, error) {
	cfg := Default()
	if path != "" {
		f, err := os.Open(path)
		if err != nil {
			return Config{}, fmt.Errorf("open config: %w", err)
		}
		defer f.Close()
		if err := cfg.Decode(f); err != nil {
			return Config{}, fmt.Errorf("config %s: %w", path, err)
		}
	}
	cfg.ApplyEnv(os.LookupEnv)
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Decode merges YAML from r into c. Unknown keys are rejected.
func (c *Config) Decode(r io.Reader) error {
	data, err := io.ReadAll(r)
	if err != nil {
		return err
	}
	if len(bytes.TrimSpace(data)) == 0 {
		return nil
	}
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(c); err != nil && !errors.Is(err, io.EOF) {
		return fmt.Errorf("decode yaml: %w", err)
	}
	return nil
}

// ApplyEnv overrides fields from environment variables found by lookup.
func (c *Config) ApplyEnv(lookup func(string) (string, bool)) {
	if v, ok := lookup(EnvPath); ok && v != "" {
		c.Ring.Path = v
	}
	if v, ok := lookup(EnvLogLevel); ok && v != "" {
		c.Log.Level = v
	}
}

// Validate checks field constraints and that the ring geometry is usable.
func (c Config) Validate() error {
	if err := validate.Struct(c); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) && len(verrs) > 0 {
			first := verrs[0]
			return fmt.Errorf("invalid config: %s fails %q (%d problems)", first.Namespace(), first.Tag(), len(verrs))
		}
		return fmt.Errorf("invalid config: %w", err)
	}
	if _, err := c.Geometry(); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}
	return nil
}

// Geometry resolves the ring geometry, filling in the default slot size.
func (c Config) Geometry() (sab.Geometry, error) {
	return sab.NewGeometry(c.Ring.Version, c.Ring.SlotSize, c.Ring.SlotCount)
}

// Logger builds a logger for component at the configured level.
func (c Config) Logger(component string) (*utils.Logger, error) {
	level, err := utils.ParseLevel(c.Log.Level)
	if err != nil {
		return nil, err
	}
	return utils.NewLogger(utils.LoggerConfig{
		Level:     level,
		Component: component,
		Output:    os.Stderr,
		Colorize:  c.Log.Color,
	}), nil
}

// Encode writes c as YAML.
func (c Config) Encode(w io.Writer) error {
	enc := yaml.NewEncoder(w)
	enc.SetIndent(2)
	if err := enc.Encode(c); err != nil {
		return err
	}
	return enc.Close()
}
