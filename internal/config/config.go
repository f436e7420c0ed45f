// Package config handles configuration loading and validation for hcptensor.
package config

import (
	"errors"
	"fmt"
	"os"
	"path"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/hcptensor/hcptensor/pkg/bytesize"
)

// ErrInvalid marks configuration problems. They are fatal at startup.
var ErrInvalid = errors.New("invalid configuration")

// Invalid-volume policies.
const (
	PolicyPurge      = "purge"
	PolicyQuarantine = "quarantine"
	PolicyKeep       = "keep"
)

// RemoteConfig describes the object store holding the source volumes.
type RemoteConfig struct {
	Bucket         string `yaml:"bucket"`
	Root           string `yaml:"root"`          // Key prefix whose children are subjects
	Region         string `yaml:"region"`
	RequestPayer   string `yaml:"request_payer"` // "requester" for requester-pays buckets, empty to omit
	Endpoint       string `yaml:"endpoint"`
	ForcePathStyle bool   `yaml:"force_path_style"`
	MaxAttempts    int    `yaml:"max_attempts"`    // Transport attempts per request (default: 10)
	StreamAttempts int    `yaml:"stream_attempts"` // GETs per object when the body breaks (default: 3)
}

// VolumeConfig describes the per-subject volume.
type VolumeConfig struct {
	RelativePath  string `yaml:"relative_path"`
	ReducedBound  int    `yaml:"reduced_bound"` // Largest spatial axis of a reduced volume
	Stride        int    `yaml:"stride"`
	ExpectedShape []int  `yaml:"expected_shape"`
}

// IngestConfig controls the fetch pipeline.
type IngestConfig struct {
	Workers      int           `yaml:"workers"`
	DryRun       bool          `yaml:"dry_run"`
	MinFreeSpace bytesize.Size `yaml:"min_free_space"` // e.g. "20Gi"; zero disables the check
	Limit        int           `yaml:"limit"`          // Process only the first N subjects (0 = all)
}

// BatchConfig controls extraction and persistence.
type BatchConfig struct {
	Size          int    `yaml:"size"`
	Workers       int    `yaml:"workers"`
	AtlasPath     string `yaml:"atlas_path"`
	Regions       int    `yaml:"regions"`
	Standardize   bool   `yaml:"standardize"`
	InvalidPolicy string `yaml:"invalid_policy"`
}

// OutputConfig names the consolidated tensors written under data_dir.
type OutputConfig struct {
	Volumes string `yaml:"volumes"`
	Signals string `yaml:"signals"`
}

// MetricsConfig controls metric exposure.
type MetricsConfig struct {
	Listen   string `yaml:"listen"`
	Textfile string `yaml:"textfile"`
}

// Config is the complete run configuration.
type Config struct {
	BaseDir string        `yaml:"base_dir"`
	DataDir string        `yaml:"data_dir"` // Batch and tensor output (default: <base_dir>/data)
	Remote  RemoteConfig  `yaml:"remote"`
	Volume  VolumeConfig  `yaml:"volume"`
	Ingest  IngestConfig  `yaml:"ingest"`
	Batch   BatchConfig   `yaml:"batch"`
	Output  OutputConfig  `yaml:"output"`
	Metrics MetricsConfig `yaml:"metrics"`
}

// Load reads configuration from a YAML file and applies defaults. It does
// not validate; call Validate once command-line overrides are applied.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config file: %w", err)
	}

	cfg := &Config{}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("%w: parse config file: %v", ErrInvalid, err)
	}
	cfg.ApplyDefaults()
	return cfg, nil
}

// Default returns a configuration with every default applied.
func Default() *Config {
	cfg := &Config{}
	cfg.ApplyDefaults()
	return cfg
}

// ApplyDefaults fills unset fields.
func (c *Config) ApplyDefaults() {
	c.BaseDir = expandHome(c.BaseDir)
	if c.DataDir == "" && c.BaseDir != "" {
		c.DataDir = filepath.Join(c.BaseDir, "data")
	}
	c.DataDir = expandHome(c.DataDir)

	if c.Remote.Bucket == "" {
		c.Remote.Bucket = "hcp-openaccess"
	}
	if c.Remote.Root == "" {
		c.Remote.Root = "HCP_1200"
	}
	if c.Remote.Region == "" {
		c.Remote.Region = "us-east-1"
	}
	if c.Remote.RequestPayer == "" {
		c.Remote.RequestPayer = "requester"
	}
	if c.Remote.MaxAttempts == 0 {
		c.Remote.MaxAttempts = 10
	}
	if c.Remote.StreamAttempts == 0 {
		c.Remote.StreamAttempts = 3
	}

	if c.Volume.RelativePath == "" {
		c.Volume.RelativePath = "MNINonLinear/Results/rfMRI_REST1_LR/rfMRI_REST1_LR.nii.gz"
	}
	if c.Volume.ReducedBound == 0 {
		c.Volume.ReducedBound = 110
	}
	if c.Volume.Stride == 0 {
		c.Volume.Stride = 2
	}
	if len(c.Volume.ExpectedShape) == 0 {
		c.Volume.ExpectedShape = []int{46, 55, 46, 1200}
	}

	if c.Ingest.Workers == 0 {
		c.Ingest.Workers = 8
	}

	if c.Batch.Size == 0 {
		c.Batch.Size = 100
	}
	if c.Batch.Workers == 0 {
		c.Batch.Workers = 4
	}
	if c.Batch.Regions == 0 {
		c.Batch.Regions = 200
	}
	if c.Batch.InvalidPolicy == "" {
		c.Batch.InvalidPolicy = PolicyPurge
	}
	c.Batch.AtlasPath = expandHome(c.Batch.AtlasPath)

	if c.Output.Volumes == "" {
		c.Output.Volumes = "all_4d_downsampled.npy"
	}
	if c.Output.Signals == "" {
		c.Output.Signals = "time_regions_tensor_not_normalized_schaefer.npy"
	}
	c.Metrics.Textfile = expandHome(c.Metrics.Textfile)
}

// Validate checks the configuration. The base directory must already exist;
// it is never created implicitly.
func (c *Config) Validate() error {
	if c.BaseDir == "" {
		return fmt.Errorf("%w: base_dir is required", ErrInvalid)
	}
	fi, err := os.Stat(c.BaseDir)
	if err != nil {
		return fmt.Errorf("%w: base_dir: %v", ErrInvalid, err)
	}
	if !fi.IsDir() {
		return fmt.Errorf("%w: base_dir %s is not a directory", ErrInvalid, c.BaseDir)
	}
	if c.Remote.Bucket == "" {
		return fmt.Errorf("%w: remote.bucket is required", ErrInvalid)
	}
	if c.Remote.MaxAttempts < 1 {
		return fmt.Errorf("%w: remote.max_attempts must be at least 1", ErrInvalid)
	}
	if c.Remote.StreamAttempts < 1 {
		return fmt.Errorf("%w: remote.stream_attempts must be at least 1", ErrInvalid)
	}
	if c.Volume.Stride < 1 {
		return fmt.Errorf("%w: volume.stride must be at least 1", ErrInvalid)
	}
	if c.Volume.ReducedBound < 1 {
		return fmt.Errorf("%w: volume.reduced_bound must be at least 1", ErrInvalid)
	}
	if len(c.Volume.ExpectedShape) != 4 {
		return fmt.Errorf("%w: volume.expected_shape must have 4 entries", ErrInvalid)
	}
	for _, d := range c.Volume.ExpectedShape {
		if d < 1 {
			return fmt.Errorf("%w: volume.expected_shape %v", ErrInvalid, c.Volume.ExpectedShape)
		}
	}
	if c.Ingest.Workers < 1 {
		return fmt.Errorf("%w: ingest.workers must be at least 1", ErrInvalid)
	}
	if c.Ingest.Limit < 0 {
		return fmt.Errorf("%w: ingest.limit must not be negative", ErrInvalid)
	}
	if c.Batch.Size < 1 {
		return fmt.Errorf("%w: batch.size must be at least 1", ErrInvalid)
	}
	if c.Batch.Workers < 1 {
		return fmt.Errorf("%w: batch.workers must be at least 1", ErrInvalid)
	}
	if c.Batch.Regions < 1 {
		return fmt.Errorf("%w: batch.regions must be at least 1", ErrInvalid)
	}
	switch c.Batch.InvalidPolicy {
	case PolicyPurge, PolicyQuarantine, PolicyKeep:
	default:
		return fmt.Errorf("%w: batch.invalid_policy %q", ErrInvalid, c.Batch.InvalidPolicy)
	}
	return nil
}

// ValidateExtract checks the settings only extraction needs.
func (c *Config) ValidateExtract() error {
	if c.Batch.AtlasPath == "" {
		return fmt.Errorf("%w: batch.atlas_path is required", ErrInvalid)
	}
	if _, err := os.Stat(c.Batch.AtlasPath); err != nil {
		return fmt.Errorf("%w: batch.atlas_path: %v", ErrInvalid, err)
	}
	return nil
}

// SubjectDir returns the local directory of a subject.
func (c *Config) SubjectDir(id string) string {
	return filepath.Join(c.BaseDir, "subject_"+id)
}

// VolumePath returns the local path of a subject's volume.
func (c *Config) VolumePath(id string) string {
	return filepath.Join(c.SubjectDir(id), filepath.FromSlash(c.Volume.RelativePath))
}

// RemoteKey returns the object key of a subject's volume.
func (c *Config) RemoteKey(id string) string {
	return path.Join(c.Remote.Root, id, c.Volume.RelativePath)
}

// QuarantineDir is where invalid subjects are moved under the quarantine policy.
func (c *Config) QuarantineDir() string {
	return filepath.Join(c.BaseDir, "quarantine")
}

func expandHome(p string) string {
	if !strings.HasPrefix(p, "~/") {
		return p
	}
	homeDir, err := os.UserHomeDir()
	if err != nil {
		return p
	}
	return filepath.Join(homeDir, p[2:])
}
