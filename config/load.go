// Package config loads and validates the engine configuration.
package config

import (
	"fmt"
	"os"
	"time"

	"github.com/creasty/defaults"
	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"

	"dmm-engine-go/feed"
	"dmm-engine-go/infrastructure/logger"
	"dmm-engine-go/inventory"
	"dmm-engine-go/market"
	"dmm-engine-go/order"
	"dmm-engine-go/risk"
	"dmm-engine-go/telemetry"
)

// VenueConfig describes one venue connection.
type VenueConfig struct {
	FeedURL string `yaml:"feed_url" validate:"required"`
}

// VenueInstrument maps an instrument onto one venue.
type VenueInstrument struct {
	Symbol string           `yaml:"symbol" validate:"required"` // venue-native symbol
	Limits inventory.Limits `yaml:"limits"`
}

// InstrumentConfig describes one canonical instrument.
type InstrumentConfig struct {
	// Unit scales position into the dimensionless q of the pricing model.
	Unit   float64                    `yaml:"unit" default:"1" validate:"gt=0"`
	Venues map[string]VenueInstrument `yaml:"venues" validate:"required,min=1,dive"`
}

// PresetParams is the YAML shape of one risk preset.
type PresetParams struct {
	Gamma                 float64       `yaml:"gamma" validate:"gt=0"`
	Kappa                 float64       `yaml:"kappa" validate:"gt=0"`
	SpreadFloor           float64       `yaml:"spread_floor" validate:"gt=0"`
	SpreadCeiling         float64       `yaml:"spread_ceiling" validate:"gt=0"`
	Horizon               float64       `yaml:"horizon" default:"60" validate:"gt=0"`
	RefreshInterval       time.Duration `yaml:"refresh_interval" default:"250ms"`
	MaxOrderSize          float64       `yaml:"max_order_size" validate:"gt=0"`
	SkewTriggerFrac       float64       `yaml:"skew_trigger_frac" default:"0.5"`
	SingleSourceFloorMult float64       `yaml:"single_source_floor_mult" default:"1.5"`
}

// PresetsConfig carries the closed set of named presets.
type PresetsConfig struct {
	Bootstrap   PresetParams `yaml:"bootstrap" validate:"required"`
	SteadyState PresetParams `yaml:"steady_state" validate:"required"`
	Defensive   PresetParams `yaml:"defensive" validate:"required"`
}

// OpsConfig configures the operator control surface.
type OpsConfig struct {
	ListenAddr string `yaml:"listen_addr" default:":8089"`
}

// Config is the full engine configuration.
type Config struct {
	Env string `yaml:"env" validate:"required"`

	Logger     logger.Config            `yaml:"logger"`
	Feed       feed.Config              `yaml:"feed"`
	Aggregator market.AggregatorConfig  `yaml:"aggregator"`
	Control    risk.ControlConfig       `yaml:"control"`
	Hedger     inventory.HedgerConfig   `yaml:"hedger"`
	Submitter  order.SubmitterConfig    `yaml:"submitter"`
	Metrics    telemetry.MetricsConfig  `yaml:"metrics"`
	Kafka      telemetry.KafkaConfig    `yaml:"kafka"`
	Ops        OpsConfig                `yaml:"ops"`

	MetricsAddr   string `yaml:"metrics_addr" default:":9100"`
	RecorderDepth int    `yaml:"recorder_depth" default:"1024"`

	Presets     PresetsConfig               `yaml:"presets" validate:"required"`
	Venues      map[string]VenueConfig      `yaml:"venues" validate:"required,min=1,dive"`
	Instruments map[string]InstrumentConfig `yaml:"instruments" validate:"required,min=1,dive"`
}

// Load reads, defaults and validates the YAML config at path.
func Load(path string) (Config, error) {
	var cfg Config
	raw, err := os.ReadFile(path)
	if err != nil {
		return cfg, fmt.Errorf("read config: %w", err)
	}
	if err := yaml.Unmarshal(raw, &cfg); err != nil {
		return cfg, fmt.Errorf("parse yaml: %w", err)
	}
	if err := defaults.Set(&cfg); err != nil {
		return cfg, fmt.Errorf("apply defaults: %w", err)
	}
	if err := Validate(cfg); err != nil {
		return cfg, err
	}
	return cfg, nil
}

// Validate runs declarative and structural checks.
func Validate(cfg Config) error {
	v := validator.New()
	if err := v.Struct(cfg); err != nil {
		return fmt.Errorf("config validation: %w", err)
	}
	// Every instrument venue must reference a configured venue connection.
	for instrument, ic := range cfg.Instruments {
		for venue, vi := range ic.Venues {
			if _, ok := cfg.Venues[venue]; !ok {
				return fmt.Errorf("instrument %s references unknown venue %s", instrument, venue)
			}
			if vi.Limits.Soft <= 0 || vi.Limits.Hard < vi.Limits.Soft {
				return fmt.Errorf("instrument %s venue %s: need 0 < soft <= hard limit", instrument, venue)
			}
		}
	}
	if _, err := cfg.PresetBook(); err != nil {
		return err
	}
	return nil
}

// PresetBook converts the configured presets into the validated closed set.
func (c Config) PresetBook() (*risk.PresetBook, error) {
	toPreset := func(p PresetParams) risk.Preset {
		return risk.Preset{
			Gamma:                 p.Gamma,
			Kappa:                 p.Kappa,
			SpreadFloor:           p.SpreadFloor,
			SpreadCeiling:         p.SpreadCeiling,
			Horizon:               p.Horizon,
			RefreshInterval:       p.RefreshInterval,
			MaxOrderSize:          p.MaxOrderSize,
			SkewTriggerFrac:       p.SkewTriggerFrac,
			SingleSourceFloorMult: p.SingleSourceFloorMult,
		}
	}
	return risk.NewPresetBook(
		toPreset(c.Presets.Bootstrap),
		toPreset(c.Presets.SteadyState),
		toPreset(c.Presets.Defensive),
	)
}

// SymbolMap builds the venue-native to canonical symbol translation.
func (c Config) SymbolMap() feed.SymbolMap {
	m := make(feed.SymbolMap)
	for instrument, ic := range c.Instruments {
		for venue, vi := range ic.Venues {
			if m[venue] == nil {
				m[venue] = make(map[string]string)
			}
			m[venue][vi.Symbol] = instrument
		}
	}
	return m
}
