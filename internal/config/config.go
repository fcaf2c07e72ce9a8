package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

type Config struct {
	Pool          PoolConfig          `yaml:"pool"`
	Sensors       []SensorConfig      `yaml:"sensors"`
	Spill         SpillConfig         `yaml:"spill"`
	Lifecycle     LifecycleConfig     `yaml:"lifecycle"`
	API           APIConfig           `yaml:"api"`
	Observability ObservabilityConfig `yaml:"observability"`
}

// PoolConfig sizes the shared sector pool.
type PoolConfig struct {
	SectorSize  ByteSize `yaml:"sector_size"`
	SectorCount int      `yaml:"sector_count"`
	// SpillThreshold is the used fraction of the pool at which new
	// writes divert to secondary storage (rich deployments) and the
	// usage warning diagnostic fires.
	SpillThreshold float64 `yaml:"spill_threshold"`
}

// SensorConfig statically declares a sensor for diagnostics labeling.
// Sensors not declared here are still accepted on first write.
type SensorConfig struct {
	ID    string `yaml:"id"`
	Name  string `yaml:"name"`
	Shape string `yaml:"shape"` // "timeseries" or "event"
}

// SpillConfig controls the secondary-storage tier. Disabled on the
// constrained target; the engine then runs RAM-only behind a no-op
// store.
type SpillConfig struct {
	Enabled  bool          `yaml:"enabled"`
	DataDir  string        `yaml:"data_dir"`
	MetaPath string        `yaml:"meta_path"`
	Archive  ArchiveConfig `yaml:"archive"`
}

// ArchiveConfig ships fully committed spill segments to S3-compatible
// object storage before local deletion.
type ArchiveConfig struct {
	Enabled         bool   `yaml:"enabled"`
	Endpoint        string `yaml:"endpoint"`
	Region          string `yaml:"region"`
	Bucket          string `yaml:"bucket"`
	Prefix          string `yaml:"prefix"`
	AccessKeyID     string `yaml:"access_key_id"`
	SecretAccessKey string `yaml:"secret_access_key"`
	ForcePathStyle  bool   `yaml:"force_path_style"`
}

type LifecycleConfig struct {
	EvalInterval Duration `yaml:"eval_interval"`
}

type APIConfig struct {
	Enabled bool   `yaml:"enabled"`
	Listen  string `yaml:"listen"`
}

type ObservabilityConfig struct {
	Metrics MetricsConfig `yaml:"metrics"`
	Health  HealthConfig  `yaml:"health"`
	Logging LoggingConfig `yaml:"logging"`
}

type MetricsConfig struct {
	Enabled bool   `yaml:"enabled"`
	Listen  string `yaml:"listen"`
	Path    string `yaml:"path"`
}

type HealthConfig struct {
	Enabled       bool   `yaml:"enabled"`
	Listen        string `yaml:"listen"`
	LivenessPath  string `yaml:"liveness_path"`
	ReadinessPath string `yaml:"readiness_path"`
}

type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
	Output string `yaml:"output"`
}

func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	cfg := DefaultConfig()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parsing config file: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}

	return cfg, nil
}

func (c *Config) Validate() error {
	if c.Pool.SectorCount <= 0 {
		return fmt.Errorf("pool.sector_count must be positive")
	}
	if c.Pool.SectorSize < 64 || c.Pool.SectorSize > 64*1024 {
		return fmt.Errorf("pool.sector_size must be between 64B and 64KB, got %d", c.Pool.SectorSize)
	}
	if c.Pool.SpillThreshold <= 0 || c.Pool.SpillThreshold > 1 {
		return fmt.Errorf("pool.spill_threshold must be in (0, 1], got %g", c.Pool.SpillThreshold)
	}

	for i, sc := range c.Sensors {
		if sc.ID == "" {
			return fmt.Errorf("sensors[%d].id is required", i)
		}
		if sc.Shape != "" && sc.Shape != "timeseries" && sc.Shape != "event" {
			return fmt.Errorf("sensors[%d] (%s): unknown shape %q", i, sc.ID, sc.Shape)
		}
	}

	if c.Spill.Enabled {
		if c.Spill.DataDir == "" {
			return fmt.Errorf("spill requires data_dir")
		}
		if c.Spill.MetaPath == "" {
			return fmt.Errorf("spill requires meta_path")
		}
		if c.Spill.Archive.Enabled && c.Spill.Archive.Bucket == "" {
			return fmt.Errorf("spill archive requires bucket")
		}
	}

	if c.Lifecycle.EvalInterval <= 0 {
		return fmt.Errorf("lifecycle.eval_interval must be > 0")
	}

	return nil
}

// Duration wraps time.Duration for YAML unmarshaling of strings like "5m", "24h".
type Duration time.Duration

func (d Duration) Duration() time.Duration {
	return time.Duration(d)
}

func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	var s string
	if err := value.Decode(&s); err != nil {
		return err
	}
	parsed, err := time.ParseDuration(s)
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", s, err)
	}
	*d = Duration(parsed)
	return nil
}

func (d Duration) MarshalYAML() (interface{}, error) {
	return time.Duration(d).String(), nil
}

// ByteSize wraps int64 for YAML unmarshaling of strings like "512B", "4KB".
type ByteSize int64

func (b *ByteSize) UnmarshalYAML(value *yaml.Node) error {
	var s string
	if err := value.Decode(&s); err != nil {
		// Try as integer
		var n int64
		if err2 := value.Decode(&n); err2 != nil {
			return err
		}
		*b = ByteSize(n)
		return nil
	}
	parsed, err := parseByteSize(s)
	if err != nil {
		return err
	}
	*b = ByteSize(parsed)
	return nil
}

func parseByteSize(s string) (int64, error) {
	if len(s) == 0 {
		return 0, fmt.Errorf("empty byte size")
	}

	var multiplier int64 = 1
	numStr := s

	switch {
	case len(s) >= 2 && s[len(s)-2:] == "KB":
		multiplier = 1024
		numStr = s[:len(s)-2]
	case len(s) >= 2 && s[len(s)-2:] == "MB":
		multiplier = 1024 * 1024
		numStr = s[:len(s)-2]
	case len(s) >= 2 && s[len(s)-2:] == "GB":
		multiplier = 1024 * 1024 * 1024
		numStr = s[:len(s)-2]
	case s[len(s)-1] == 'B':
		numStr = s[:len(s)-1]
	}

	var n int64
	_, err := fmt.Sscanf(numStr, "%d", &n)
	if err != nil {
		return 0, fmt.Errorf("invalid byte size %q: %w", s, err)
	}
	return n * multiplier, nil
}
