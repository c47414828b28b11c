// Package config provides configuration loading and management for midatasets.
// It handles the global settings file (~/.midatasets.yaml), per-dataset options
// and the optional dataset.yaml metadata file stored at a dataset root.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/BurntSushi/toml"
	"gopkg.in/yaml.v3"
)

// DefaultConfigFile is the global settings file name inside the home directory.
const DefaultConfigFile = ".midatasets.yaml"

// Config represents the global configuration shared by every dataset.
type Config struct {
	// RootPath is the directory under which datasets are stored locally.
	RootPath string `yaml:"root_path" toml:"root_path"`

	// RootS3Prefix is the common prefix of remote dataset locations. It is
	// stripped from a remote prefix to derive the remote dataset name.
	RootS3Prefix string `yaml:"root_s3_prefix" toml:"root_s3_prefix"`

	// ImagesCropPrefix and LabelmapsCropPrefix name crop image types,
	// followed by the crop size (e.g. "image_crop_64").
	ImagesCropPrefix    string `yaml:"images_crop_prefix" toml:"images_crop_prefix"`
	LabelmapsCropPrefix string `yaml:"labelmaps_crop_prefix" toml:"labelmaps_crop_prefix"`

	// Database is the dataset registry location: "memory", or a path to a
	// SQLite file.
	Database string `yaml:"database" toml:"database"`

	// Workers is the default worker count for batch operations.
	Workers int `yaml:"workers" toml:"workers"`

	Log LogConfig `yaml:"log" toml:"log"`
}

// LogConfig controls where and how log lines are written.
type LogConfig struct {
	// Logfile enables a rotating log file when non-empty.
	Logfile string `yaml:"logfile" toml:"logfile"`
	MaxSize int    `yaml:"max_log_size" toml:"max_log_size"`
	MaxAge  int    `yaml:"max_log_age" toml:"max_log_age"`
	Level   string `yaml:"level" toml:"level"`
	JSON    bool   `yaml:"json" toml:"json"`
}

// DefaultConfig returns a configuration with default values
func DefaultConfig() *Config {
	return &Config{
		RootPath:            "/media/Datasets",
		ImagesCropPrefix:    "image_crop_",
		LabelmapsCropPrefix: "labelmap_crop_",
		Database:            "memory",
		Log: LogConfig{
			MaxSize: 100,
			MaxAge:  30,
			Level:   "info",
		},
	}
}

// DefaultConfigPath returns ~/.midatasets.yaml, or "" when the home
// directory cannot be determined.
func DefaultConfigPath() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ""
	}
	return filepath.Join(home, DefaultConfigFile)
}

// LoadConfig loads configuration from a YAML or TOML file (chosen by
// extension). If the file doesn't exist, it returns the default configuration.
func LoadConfig(configPath string) (*Config, error) {
	cfg := DefaultConfig()
	if configPath == "" {
		return cfg, nil
	}

	if _, err := os.Stat(configPath); os.IsNotExist(err) {
		return cfg, nil
	}

	data, err := os.ReadFile(configPath)
	if err != nil {
		return nil, fmt.Errorf("error reading config file: %w", err)
	}

	if strings.EqualFold(filepath.Ext(configPath), ".toml") {
		if _, err := toml.Decode(string(data), cfg); err != nil {
			return nil, fmt.Errorf("error parsing config file: %w", err)
		}
	} else if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("error parsing config file: %w", err)
	}

	cfg.RootPath = os.ExpandEnv(cfg.RootPath)
	cfg.Log.Logfile = os.ExpandEnv(cfg.Log.Logfile)
	if cfg.Database != "memory" {
		cfg.Database = os.ExpandEnv(cfg.Database)
	}
	return cfg, nil
}

// SaveConfig saves the configuration to a YAML file
func SaveConfig(cfg *Config, configPath string) error {
	dir := filepath.Dir(configPath)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("error creating config directory: %w", err)
	}

	data, err := yaml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("error marshaling config: %w", err)
	}

	if err := os.WriteFile(configPath, data, 0644); err != nil {
		return fmt.Errorf("error writing config file: %w", err)
	}

	return nil
}

// CreateDefaultConfigFile creates a default configuration file at the specified path
func CreateDefaultConfigFile(configPath string) error {
	return SaveConfig(DefaultConfig(), configPath)
}

// ImageCropType returns the image type name for image crops of size.
func (c *Config) ImageCropType(size int) string {
	return fmt.Sprintf("%s%d", c.ImagesCropPrefix, size)
}

// LabelmapCropType returns the image type name for labelmap crops of size.
func (c *Config) LabelmapCropType(size int) string {
	return fmt.Sprintf("%s%d", c.LabelmapsCropPrefix, size)
}

// RemoteDatasetName derives the dataset name from a remote prefix by
// removing the configured root prefix and any slashes.
func (c *Config) RemoteDatasetName(remotePrefix string) string {
	name := remotePrefix
	if c.RootS3Prefix != "" {
		name = strings.Replace(name, c.RootS3Prefix, "", 1)
	}
	return strings.ReplaceAll(name, "/", "")
}
