package config

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// SourcesConfig is the collector's harvest plan input: which
// sub-sources to sample and which sort/time/offset grid to cover.
type SourcesConfig struct {
	Source   string         `yaml:"source"` // e.g. "reddit"
	Subs     []SubSource    `yaml:"subs"`
	Sampling SamplingConfig `yaml:"sampling"`
}

// SubSource is one community within the source, weighted by how much of
// the per-run quota it should receive.
type SubSource struct {
	Name   string `yaml:"name"`
	Weight int    `yaml:"weight"`
}

// SamplingConfig spans the listing grid the planner draws from.
type SamplingConfig struct {
	Sorts          []string `yaml:"sorts"`            // hot, new, top, rising
	TimeRanges     []string `yaml:"time_ranges"`      // hour, day, week, month, year, all
	MaxOffsetPages int      `yaml:"max_offset_pages"` // pages beyond the first per listing
	PageSize       int      `yaml:"page_size"`        // items requested per page
}

// LoadSources loads the collector sources configuration from YAML.
func LoadSources(path string) (*SourcesConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read sources config: %w", err)
	}

	var cfg SourcesConfig
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse sources config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid sources config: %w", err)
	}
	return &cfg, nil
}

// Validate ensures the sources configuration is usable by the planner.
func (c *SourcesConfig) Validate() error {
	if c.Source == "" {
		return fmt.Errorf("source cannot be empty")
	}
	if len(c.Subs) == 0 {
		return fmt.Errorf("at least one sub-source is required")
	}
	for _, s := range c.Subs {
		if s.Name == "" {
			return fmt.Errorf("sub-source name cannot be empty")
		}
		if s.Weight <= 0 {
			return fmt.Errorf("sub-source %s: weight must be positive, got %d", s.Name, s.Weight)
		}
	}
	if len(c.Sampling.Sorts) == 0 {
		return fmt.Errorf("sampling requires at least one sort")
	}
	if c.Sampling.PageSize <= 0 || c.Sampling.PageSize > 100 {
		return fmt.Errorf("sampling page_size must be in 1..100, got %d", c.Sampling.PageSize)
	}
	if c.Sampling.MaxOffsetPages < 0 {
		return fmt.Errorf("sampling max_offset_pages cannot be negative, got %d", c.Sampling.MaxOffsetPages)
	}
	return nil
}

// TotalWeight sums the sub-source weights for quota apportioning.
func (c *SourcesConfig) TotalWeight() int {
	total := 0
	for _, s := range c.Subs {
		total += s.Weight
	}
	return total
}
