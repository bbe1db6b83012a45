package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/pelletier/go-toml/v2"

	"github.com/Fybrk/dupfinder/internal/fingerprint"
	"github.com/Fybrk/dupfinder/internal/grouping"
	"github.com/Fybrk/dupfinder/internal/logging"
)

const fileName = "config.toml"

// Fingerprint controls how deep each detail level reads.
type Fingerprint struct {
	BlockSize          int     `toml:"block_size"`
	PrefixBlocks       int     `toml:"prefix_blocks"`
	SamplePercent      float64 `toml:"sample_percent"`
	SampleBytes        int     `toml:"sample_bytes"`
	LargeFileThreshold int64   `toml:"large_file_threshold"`
}

// Logging controls log output.
type Logging struct {
	Level  string `toml:"level"`
	Format string `toml:"format"`
	Output string `toml:"output"`
}

type Config struct {
	DBPath         string      `toml:"db_path"`
	Watch          bool        `toml:"watch"`
	VerifyContents bool        `toml:"verify_contents"`
	IgnoreNames    []string    `toml:"ignore_names"`
	Fingerprint    Fingerprint `toml:"fingerprint"`
	Logging        Logging     `toml:"logging"`
}

// Default returns the configuration used when no file exists. DBPath is
// left empty and resolved against the config directory on load.
func Default() Config {
	return Config{
		VerifyContents: true,
		IgnoreNames:    append([]string(nil), grouping.DefaultIgnoreNames...),
		Fingerprint: Fingerprint{
			BlockSize:          fingerprint.DefaultBlockSize,
			PrefixBlocks:       fingerprint.DefaultPrefixBlocks,
			SamplePercent:      fingerprint.DefaultSamplePercent,
			SampleBytes:        fingerprint.DefaultSampleBytes,
			LargeFileThreshold: fingerprint.DefaultLargeFileThreshold,
		},
		Logging: Logging{
			Level:  "info",
			Format: "console",
			Output: "stderr",
		},
	}
}

func GetConfigDir() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", err
	}
	configDir := filepath.Join(home, ".dupfinder")
	return configDir, os.MkdirAll(configDir, 0755)
}

// LoadConfig reads ~/.dupfinder/config.toml, writing the defaults there
// first if the file does not exist.
func LoadConfig() (*Config, error) {
	configDir, err := GetConfigDir()
	if err != nil {
		cfg := Default()
		return &cfg, err
	}

	configPath := filepath.Join(configDir, fileName)
	if _, err := os.Stat(configPath); os.IsNotExist(err) {
		return CreateDefaultConfig()
	}
	return LoadFrom(configPath)
}

// LoadFrom reads a config file. Keys missing from the file keep their
// default values.
func LoadFrom(path string) (*Config, error) {
	cfg := Default()

	file, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open config: %w", err)
	}
	defer file.Close()

	if err := toml.NewDecoder(file).Decode(&cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}
	if cfg.DBPath == "" {
		cfg.DBPath = filepath.Join(filepath.Dir(path), "dupfinder.db")
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func CreateDefaultConfig() (*Config, error) {
	configDir, err := GetConfigDir()
	if err != nil {
		cfg := Default()
		return &cfg, err
	}
	return CreateDefaultAt(filepath.Join(configDir, fileName))
}

// CreateDefaultAt writes the default configuration to path.
func CreateDefaultAt(path string) (*Config, error) {
	cfg := Default()
	cfg.DBPath = filepath.Join(filepath.Dir(path), "dupfinder.db")

	data, err := toml.Marshal(cfg)
	if err != nil {
		return nil, err
	}
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return nil, err
	}
	if err := os.WriteFile(path, data, 0644); err != nil {
		return nil, fmt.Errorf("write config: %w", err)
	}
	return &cfg, nil
}

func (c *Config) Validate() error {
	fp := c.Fingerprint
	if fp.BlockSize <= 0 {
		return errors.New("fingerprint.block_size must be positive")
	}
	if fp.PrefixBlocks <= 0 {
		return errors.New("fingerprint.prefix_blocks must be positive")
	}
	if fp.SamplePercent <= 0 || fp.SamplePercent > 100 {
		return fmt.Errorf("fingerprint.sample_percent must be in (0, 100], got %g", fp.SamplePercent)
	}
	if fp.SampleBytes < 0 {
		return errors.New("fingerprint.sample_bytes must not be negative")
	}
	if fp.LargeFileThreshold < int64(fp.BlockSize) {
		return errors.New("fingerprint.large_file_threshold must be at least one block")
	}
	switch c.Logging.Format {
	case "json", "console":
	default:
		return fmt.Errorf("logging.format must be json or console, got %q", c.Logging.Format)
	}
	return nil
}

func (c *Config) FingerprintOptions() fingerprint.Options {
	return fingerprint.Options{
		BlockSize:          c.Fingerprint.BlockSize,
		PrefixBlocks:       c.Fingerprint.PrefixBlocks,
		SamplePercent:      c.Fingerprint.SamplePercent,
		SampleBytes:        c.Fingerprint.SampleBytes,
		LargeFileThreshold: c.Fingerprint.LargeFileThreshold,
	}
}

func (c *Config) GroupingOptions() grouping.Options {
	return grouping.Options{
		VerifyContents: c.VerifyContents,
		IgnoreNames:    c.IgnoreNames,
	}
}

func (c *Config) LoggingConfig() logging.Config {
	return logging.Config{
		Level:      c.Logging.Level,
		Format:     c.Logging.Format,
		OutputPath: c.Logging.Output,
	}
}
