package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeFile(t *testing.T, name, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

func TestLoad(t *testing.T) {
	path := writeFile(t, "config.yaml", `
env: dev
site:
  id: "home"
  name: "Home"
  config_path: "/etc/meterreader/site.yaml"
sender:
  url: "https://ingest.example.com/api/v1/sites"
  token: "secret"
  retry:
    max_attempts: 3
log:
  level: debug
`)

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "dev", cfg.Env)
	assert.Equal(t, "home", cfg.Site.ID)
	assert.Equal(t, "/etc/meterreader/site.yaml", cfg.Site.ConfigPath)
	assert.Equal(t, 3, cfg.Sender.Retry.MaxAttempts)
	assert.Equal(t, time.Second, cfg.Sender.Retry.InitialDelay)
	assert.Equal(t, 30*time.Second, cfg.Sender.Timeout)
	assert.Equal(t, ":8080", cfg.Health.Address)
	assert.Equal(t, "debug", cfg.Log.Level)
	assert.Equal(t, "json", cfg.Log.Format)
	assert.Equal(t, 24*time.Hour, cfg.Buffer.MaxAge)
}

func TestLoadMissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "nope.yaml"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "config file not found")

	assert.Panics(t, func() {
		MustLoad(filepath.Join(t.TempDir(), "nope.yaml"))
	})
}

func TestLoadSiteDefaults(t *testing.T) {
	path := writeFile(t, "site.yaml", `
site_id: "home"
site_name: "Home"
meters:
  - id: "main"
    name: "Main meter"
    url: "http://powermeter.local"
    fields:
      - source: "Fwd_Act_Wh"
        target: "energy_import"
        unit: "Wh"
        type: "int"
      - source: "Fwd_W"
`)

	cfg, err := LoadSite(path)
	require.NoError(t, err)

	assert.Equal(t, 10*time.Second, cfg.Polling.Interval)
	assert.Equal(t, 5*time.Second, cfg.Polling.Timeout)
	assert.Equal(t, 2*time.Second, cfg.Cache.TTL)
	assert.False(t, cfg.Discovery.Disabled)
	assert.Equal(t, 3*time.Second, cfg.Discovery.Timeout)
	assert.Equal(t, ".local", cfg.Discovery.Suffix)
	assert.Equal(t, 10*time.Second, cfg.HTTP.Timeout)

	assert.Equal(t, ValidationConfig{
		Phases:          3,
		MaxPhaseCurrent: 16,
		NominalVoltage:  230,
		SafetyMargin:    3,
		MinElapsed:      60 * time.Second,
		WaiverAfter:     30 * time.Minute,
		PowerTolerance:  3,
	}, cfg.Validation)

	require.Len(t, cfg.Meters, 1)
	fields := cfg.Meters[0].Fields
	require.Len(t, fields, 2)
	assert.Equal(t, "int", fields[0].Type)
	assert.Equal(t, "Fwd_W", fields[1].Target)
	assert.Equal(t, "float", fields[1].Type)
}

func TestLoadSiteOverrides(t *testing.T) {
	path := writeFile(t, "site.yaml", `
site_id: "cabin"
cache:
  ttl: 5s
discovery:
  disabled: true
validation:
  phases: 1
  max_phase_current: 25
  power_tolerance: 10
meters:
  - id: "cabin"
    url: "http://10.0.0.8:8080"
`)

	cfg, err := LoadSite(path)
	require.NoError(t, err)

	assert.Equal(t, 5*time.Second, cfg.Cache.TTL)
	assert.True(t, cfg.Discovery.Disabled)
	assert.Equal(t, 1, cfg.Validation.Phases)
	assert.Equal(t, 25.0, cfg.Validation.MaxPhaseCurrent)
	assert.Equal(t, 230.0, cfg.Validation.NominalVoltage)
	assert.Equal(t, 10.0, cfg.Validation.PowerTolerance)
}

func TestSiteValidate(t *testing.T) {
	valid := func() SiteConfig {
		return SiteConfig{
			Validation: ValidationConfig{Phases: 3},
			Meters: []MeterConfig{
				{ID: "a", URL: "http://10.0.0.1"},
				{ID: "b", URL: "http://meter-b.local:8080"},
			},
		}
	}

	tests := []struct {
		name    string
		mutate  func(c *SiteConfig)
		wantErr string
	}{
		{"valid", func(c *SiteConfig) {}, ""},
		{"no meters", func(c *SiteConfig) { c.Meters = nil }, "no meters configured"},
		{"missing id", func(c *SiteConfig) { c.Meters[0].ID = "" }, "id is required"},
		{"duplicate id", func(c *SiteConfig) { c.Meters[1].ID = "a" }, "duplicate id"},
		{"bad url", func(c *SiteConfig) { c.Meters[1].URL = "meter-b" }, "invalid url"},
		{"field without source", func(c *SiteConfig) {
			c.Meters[0].Fields = []FieldConfig{{Target: "x"}}
		}, "source is required"},
		{"zero phases", func(c *SiteConfig) { c.Validation.Phases = 0 }, "phases must be positive"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := valid()
			tt.mutate(&c)
			err := c.Validate()
			if tt.wantErr == "" {
				assert.NoError(t, err)
				return
			}
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}
