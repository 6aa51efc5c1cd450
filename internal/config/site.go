package config

import (
	"errors"
	"fmt"
	"net/url"
	"os"
	"time"

	"github.com/ilyakaznacheev/cleanenv"
)

// SiteConfig lists the meters polled by one process and how to treat them.
type SiteConfig struct {
	SiteID     string           `yaml:"site_id"`
	SiteName   string           `yaml:"site_name"`
	Polling    PollingConfig    `yaml:"polling"`
	Cache      CacheConfig      `yaml:"cache"`
	Discovery  DiscoveryConfig  `yaml:"discovery"`
	HTTP       HTTPConfig       `yaml:"http"`
	Validation ValidationConfig `yaml:"validation"`
	Meters     []MeterConfig    `yaml:"meters"`
}

type PollingConfig struct {
	Interval time.Duration `yaml:"interval" env-default:"10s"`
	Timeout  time.Duration `yaml:"timeout" env-default:"5s"`
}

type CacheConfig struct {
	TTL time.Duration `yaml:"ttl" env-default:"2s"`
}

type DiscoveryConfig struct {
	Disabled bool          `yaml:"disabled"`
	Timeout  time.Duration `yaml:"timeout" env-default:"3s"`
	Suffix   string        `yaml:"suffix" env-default:".local"`
}

type HTTPConfig struct {
	Timeout   time.Duration `yaml:"timeout" env-default:"10s"`
	UserAgent string        `yaml:"user_agent"`
}

// ValidationConfig holds the plausibility thresholds applied to each new
// sample. The defaults fit a three-phase 16 A / 230 V connection.
type ValidationConfig struct {
	Phases          int           `yaml:"phases" env-default:"3"`
	MaxPhaseCurrent float64       `yaml:"max_phase_current" env-default:"16"`
	NominalVoltage  float64       `yaml:"nominal_voltage" env-default:"230"`
	SafetyMargin    float64       `yaml:"safety_margin" env-default:"3"`
	MinElapsed      time.Duration `yaml:"min_elapsed" env-default:"60s"`
	WaiverAfter     time.Duration `yaml:"waiver_after" env-default:"30m"`
	PowerTolerance  float64       `yaml:"power_tolerance" env-default:"3"`
}

type MeterConfig struct {
	ID     string        `yaml:"id"`
	Name   string        `yaml:"name"`
	URL    string        `yaml:"url"`
	Fields []FieldConfig `yaml:"fields"`
}

type FieldConfig struct {
	Source string `yaml:"source"`
	Target string `yaml:"target"`
	Unit   string `yaml:"unit,omitempty"`
	Type   string `yaml:"type" env-default:"float"`
}

func LoadSite(configPath string) (*SiteConfig, error) {
	if _, err := os.Stat(configPath); os.IsNotExist(err) {
		return nil, fmt.Errorf("site config file not found: %s", configPath)
	}

	var cfg SiteConfig
	if err := cleanenv.ReadConfig(configPath, &cfg); err != nil {
		return nil, fmt.Errorf("failed to read site config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid site config: %w", err)
	}

	return &cfg, nil
}

func MustLoadSite(configPath string) *SiteConfig {
	cfg, err := LoadSite(configPath)
	if err != nil {
		panic(err.Error())
	}
	return cfg
}

// Validate checks the meter list and fills per-field defaults that the
// loader does not reach inside slices.
func (c *SiteConfig) Validate() error {
	if len(c.Meters) == 0 {
		return errors.New("no meters configured")
	}

	seen := make(map[string]struct{}, len(c.Meters))
	for i := range c.Meters {
		m := &c.Meters[i]
		if m.ID == "" {
			return fmt.Errorf("meters[%d]: id is required", i)
		}
		if _, dup := seen[m.ID]; dup {
			return fmt.Errorf("meters[%d]: duplicate id %q", i, m.ID)
		}
		seen[m.ID] = struct{}{}

		u, err := url.Parse(m.URL)
		if err != nil || u.Scheme == "" || u.Host == "" {
			return fmt.Errorf("meter %s: invalid url %q", m.ID, m.URL)
		}

		for j := range m.Fields {
			f := &m.Fields[j]
			if f.Source == "" {
				return fmt.Errorf("meter %s: fields[%d]: source is required", m.ID, j)
			}
			if f.Target == "" {
				f.Target = f.Source
			}
			if f.Type == "" {
				f.Type = "float"
			}
		}
	}

	if c.Validation.Phases < 1 {
		return fmt.Errorf("validation.phases must be positive, got %d", c.Validation.Phases)
	}

	return nil
}
