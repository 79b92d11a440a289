package config

import (
	"fmt"
	"path/filepath"
	"strings"
	"time"

	"github.com/knadh/koanf/parsers/json"
	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/v2"

	"github.com/evjund/capguard/core/budget"
	"github.com/evjund/capguard/core/controller"
	"github.com/evjund/capguard/core/ledger"
	"github.com/evjund/capguard/core/metrics"
	"github.com/evjund/capguard/core/model"
	"github.com/evjund/capguard/core/rebuild"
	"github.com/evjund/capguard/infra/mqtt"
	"github.com/evjund/capguard/infra/weather"
)

type Config struct {
	Capacity controller.CapacityConfig `json:"capacity"`
	Rebuild  rebuild.Config            `json:"rebuild"`
	Budget   budget.Config             `json:"budget"`
	Ledger   LedgerConfig              `json:"ledger"`
	MQTT     mqtt.Config               `json:"mqtt"`
	Weather  WeatherConfig             `json:"weather"`
	Metrics  metrics.Config            `json:"metrics"`
	Devices  []DeviceConfig            `json:"devices"`
}

// LedgerConfig controls usage accounting and its on-disk snapshots.
type LedgerConfig struct {
	// StatePath is the JSON snapshot of the usage ledger.
	StatePath string `json:"state_path"`
	// CoefficientPath persists learned heating coefficients.
	CoefficientPath string `json:"coefficient_path"`
	// MaxGapMinutes caps how much wall time a single sample may account for.
	MaxGapMinutes int `json:"max_gap_minutes"`
	// RetentionDays bounds how long hourly buckets are kept.
	RetentionDays int `json:"retention_days"`
}

// SetDefaults applies sane defaults.
func (c *LedgerConfig) SetDefaults() {
	if c.StatePath == "" {
		c.StatePath = "capguard-state.json"
	}
	if c.CoefficientPath == "" {
		c.CoefficientPath = "capguard-coefficients.json"
	}
	if c.RetentionDays <= 0 {
		c.RetentionDays = 60
	}
}

// LedgerConfig converts to the core ledger configuration.
func (c LedgerConfig) LedgerConfig() ledger.Config {
	return ledger.Config{MaxGap: time.Duration(c.MaxGapMinutes) * time.Minute}
}

// WeatherConfig enables the dynamic daily budget when a forecast endpoint
// is configured.
type WeatherConfig struct {
	Enabled        bool    `json:"enabled"`
	APIURL         string  `json:"api_url"`
	Latitude       float64 `json:"latitude"`
	Longitude      float64 `json:"longitude"`
	UserAgent      string  `json:"user_agent"`
	TimeoutSeconds int     `json:"timeout_seconds"`
}

// ClientConfig converts to the forecast client configuration.
func (c WeatherConfig) ClientConfig() weather.Config {
	return weather.Config{
		APIURL:         c.APIURL,
		Latitude:       c.Latitude,
		Longitude:      c.Longitude,
		UserAgent:      c.UserAgent,
		TimeoutSeconds: c.TimeoutSeconds,
	}
}

// DeviceConfig declares a controllable device for budgeting and comfort
// feedback.
type DeviceConfig struct {
	ID             string  `json:"id"`
	Name           string  `json:"name"`
	Heating        bool    `json:"heating"`
	TargetTempC    float64 `json:"target_temp_c"`
	NameplateLoadW float64 `json:"nameplate_load_w"`
	OnOffDeltaW    float64 `json:"on_off_delta_w"`
	HasPower       bool    `json:"has_power"`
}

// Device converts to the domain model.
func (d DeviceConfig) Device() model.Device {
	return model.Device{
		ID:          d.ID,
		Name:        d.Name,
		Controlled:  true,
		Heating:     d.Heating,
		TargetTempC: d.TargetTempC,
		Profile: model.DeviceProfile{
			HasPowerCapability: d.HasPower,
			NameplateLoadW:     d.NameplateLoadW,
			OnOffDeltaW:        d.OnOffDeltaW,
		},
	}
}

// Validate checks mandatory fields.
func (c Config) Validate() error {
	if c.Capacity.LimitKw <= 0 {
		return fmt.Errorf("capacity.limit_kw must be positive")
	}
	if c.Capacity.MarginKw < 0 {
		return fmt.Errorf("capacity.margin_kw must not be negative")
	}
	if c.Capacity.MarginKw >= c.Capacity.LimitKw {
		return fmt.Errorf("capacity.margin_kw must be below capacity.limit_kw")
	}
	if c.Weather.Enabled && c.Weather.Latitude == 0 && c.Weather.Longitude == 0 {
		return fmt.Errorf("weather.latitude and weather.longitude are required when weather is enabled")
	}
	for i, d := range c.Devices {
		if d.ID == "" {
			return fmt.Errorf("devices[%d].id is required", i)
		}
	}
	return nil
}

func Load(path string) (*Config, error) {
	k := koanf.New(".")
	ext := strings.ToLower(filepath.Ext(path))
	var parser koanf.Parser
	switch ext {
	case ".yaml", ".yml":
		parser = yaml.Parser()
	case ".json":
		parser = json.Parser()
	default:
		return nil, fmt.Errorf("unsupported config format: %s", ext)
	}
	if err := k.Load(file.Provider(path), parser); err != nil {
		return nil, err
	}
	// Optional environment overrides
	if err := k.Load(env.Provider("CAPGUARD_", "__", func(s string) string {
		s = strings.TrimPrefix(strings.ToLower(s), "capguard_")
		return strings.ReplaceAll(s, "__", ".")
	}), nil); err != nil {
		return nil, err
	}
	var cfg Config
	if err := k.UnmarshalWithConf("", &cfg, koanf.UnmarshalConf{Tag: "json"}); err != nil {
		return nil, err
	}
	cfg.Rebuild.SetDefaults()
	cfg.Budget.SetDefaults()
	cfg.Ledger.SetDefaults()
	cfg.MQTT.SetDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}
