// Package config loads the engine's optional tuning file. The CLI flags
// documented in §6 remain the primary interface; this file only overrides
// their defaults when a caller passes --config, in the teacher's
// YAML-plus-validate()-plus-defaults idiom.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// EngineConfig holds the transfer engine's tunables that a config file can
// supply. Where a CLI flag sets the same value, the flag wins over a loaded
// EngineConfig value; the file only supplies defaults a flag didn't
// override. Ports and the Resume settings have no CLI flag.
type EngineConfig struct {
	Network NetworkConfig `yaml:"network"`
	Block   BlockConfig   `yaml:"block"`
	Resume  ResumeConfig  `yaml:"resume"`
	Logging LoggingConfig `yaml:"logging"`
}

// NetworkConfig names the two listening/dialing ports (§6).
type NetworkConfig struct {
	ControlPort int `yaml:"control_port"`
	DataPort    int `yaml:"data_port"`
}

// BlockConfig holds the Transfer Plan defaults (§3).
type BlockConfig struct {
	Size        string `yaml:"size"` // e.g. "1mb"
	SizeBytes   uint32 `yaml:"-"`
	Concurrency uint8  `yaml:"concurrency"`
}

// ResumeConfig tunes the sample-verification resume design
// (SPEC_FULL.md §2).
type ResumeConfig struct {
	VerifyFraction float64 `yaml:"verify_fraction"`
	LeaseDeadline  time.Duration `yaml:"lease_deadline"`
}

// LoggingConfig mirrors the teacher's logging.* block.
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
	File   string `yaml:"file"`
}

// Load reads and validates path, filling in defaults for anything the
// file leaves blank.
func Load(path string) (*EngineConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading engine config: %w", err)
	}
	var cfg EngineConfig
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parsing engine config: %w", err)
	}
	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("validating engine config: %w", err)
	}
	return &cfg, nil
}

func (c *EngineConfig) validate() error {
	if c.Network.ControlPort == 0 {
		c.Network.ControlPort = 7878
	}
	if c.Network.DataPort == 0 {
		c.Network.DataPort = 7879
	}
	if c.Network.ControlPort == c.Network.DataPort {
		return fmt.Errorf("network.control_port and network.data_port must differ")
	}

	if c.Block.Size == "" {
		c.Block.Size = "1mb"
	}
	sizeBytes, err := ParseByteSize(c.Block.Size)
	if err != nil {
		return fmt.Errorf("block.size: %w", err)
	}
	if sizeBytes < 1 || sizeBytes > 4*1024*1024 {
		return fmt.Errorf("block.size must be between 1 byte and 4mb, got %s", c.Block.Size)
	}
	c.Block.SizeBytes = uint32(sizeBytes)

	if c.Block.Concurrency == 0 {
		c.Block.Concurrency = 4
	}
	if c.Block.Concurrency > 16 {
		return fmt.Errorf("block.concurrency must be at most 16, got %d", c.Block.Concurrency)
	}

	if c.Resume.VerifyFraction <= 0 {
		c.Resume.VerifyFraction = 0.10
	}
	if c.Resume.VerifyFraction > 1 {
		return fmt.Errorf("resume.verify_fraction must be at most 1.0, got %f", c.Resume.VerifyFraction)
	}
	if c.Resume.LeaseDeadline <= 0 {
		c.Resume.LeaseDeadline = 30 * time.Second
	}

	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
	if c.Logging.Format == "" {
		c.Logging.Format = "json"
	}

	return nil
}

// ParseByteSize converts human-readable sizes like "256kb", "1mb", "4mb"
// into a byte count. Grounded on the teacher's own helper of the same name.
func ParseByteSize(s string) (int64, error) {
	s = strings.TrimSpace(strings.ToLower(s))
	if s == "" {
		return 0, fmt.Errorf("empty size string")
	}

	type suffix struct {
		s string
		m int64
	}
	suffixes := []suffix{
		{"gb", 1024 * 1024 * 1024},
		{"mb", 1024 * 1024},
		{"kb", 1024},
		{"b", 1},
	}

	for _, sfx := range suffixes {
		if strings.HasSuffix(s, sfx.s) {
			numStr := strings.TrimSuffix(s, sfx.s)
			num, err := strconv.ParseInt(numStr, 10, 64)
			if err != nil {
				return 0, fmt.Errorf("invalid number %q: %w", numStr, err)
			}
			return num * sfx.m, nil
		}
	}

	num, err := strconv.ParseInt(s, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("unknown size format %q", s)
	}
	return num, nil
}
