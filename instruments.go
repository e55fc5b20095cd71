// FILE: instruments.go
// Package main – Per-instrument recovery parameters.
//
// Parameters come from a YAML/TOML/JSON file (INSTRUMENTS_FILE) read through
// viper, or from the built-in table below when no file is configured. Every
// instrument is the merge of: built-in defaults < file "defaults" < the
// instrument's own block. The result is validated once at load time; a bad
// file stops the process before any order can be sent.
//
// Example (YAML):
//
//	defaults:
//	  grid_spacing_pips: 8
//	  max_stack_exposure: 1.5
//	instruments:
//	  - symbol: EURUSD
//	    pip_size: 0.0001
//	    grid_spacing_pips: 12
package main

import (
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/spf13/viper"
)

// PartialCloseLevel banks ClosePct percent of stack volume once net P&L
// reaches TriggerFraction of the profit target.
type PartialCloseLevel struct {
	TriggerFraction float64 `mapstructure:"trigger_fraction" json:"trigger_fraction" validate:"gt=0,lt=1"`
	ClosePct        float64 `mapstructure:"close_pct"        json:"close_pct"        validate:"gt=0,lte=100"`
}

// InstrumentConfig holds the recovery and exit knobs of one instrument.
type InstrumentConfig struct {
	Symbol   string  `mapstructure:"symbol"    json:"symbol"    validate:"required"`
	PipSize  float64 `mapstructure:"pip_size"  json:"pip_size"  validate:"gt=0"`
	PipValue float64 `mapstructure:"pip_value" json:"pip_value" validate:"gt=0"` // account currency per pip per 1.0 lot

	VolumeStep float64 `mapstructure:"volume_step" json:"volume_step" validate:"gte=0"`
	MinVolume  float64 `mapstructure:"min_volume"  json:"min_volume"  validate:"gte=0"`
	MaxVolume  float64 `mapstructure:"max_volume"  json:"max_volume"  validate:"gte=0"`

	// Grid
	GridSpacingPips float64 `mapstructure:"grid_spacing_pips" json:"grid_spacing_pips" validate:"gt=0"`
	MaxGridLevels   int     `mapstructure:"max_grid_levels"   json:"max_grid_levels"   validate:"gte=0"`
	GridSize        float64 `mapstructure:"grid_size"         json:"grid_size"         validate:"gt=0"`

	// Hedge
	HedgeTriggerPips float64 `mapstructure:"hedge_trigger_pips" json:"hedge_trigger_pips" validate:"gt=0"`
	HedgeRatio       float64 `mapstructure:"hedge_ratio"        json:"hedge_ratio"        validate:"gt=0"`
	MaxHedges        int     `mapstructure:"max_hedges"         json:"max_hedges"         validate:"eq=1"`

	// DCA
	DcaTriggerPips    float64 `mapstructure:"dca_trigger_pips"     json:"dca_trigger_pips"     validate:"gt=0"`
	DcaMultiplier     float64 `mapstructure:"dca_multiplier"       json:"dca_multiplier"       validate:"gte=1"`
	MaxDcaLevels      int     `mapstructure:"max_dca_levels"       json:"max_dca_levels"       validate:"gte=0"`
	DcaMaxAdversePips float64 `mapstructure:"dca_max_adverse_pips" json:"dca_max_adverse_pips" validate:"gte=0"` // 0 = no limit

	MaxStackExposure float64 `mapstructure:"max_stack_exposure" json:"max_stack_exposure" validate:"gt=0"`

	// Exits
	TakeProfitPips     float64             `mapstructure:"take_profit_pips"    json:"take_profit_pips"    validate:"gt=0"`
	DrawdownMultiplier float64             `mapstructure:"drawdown_multiplier" json:"drawdown_multiplier" validate:"gt=0"`
	ProfitTargetPct    float64             `mapstructure:"profit_target_pct"   json:"profit_target_pct"   validate:"gt=0"` // percent of balance
	MaxHold            time.Duration       `mapstructure:"max_hold"            json:"max_hold"            validate:"gt=0"`
	PartialClose       bool                `mapstructure:"partial_close"       json:"partial_close"`
	PartialLevels      []PartialCloseLevel `mapstructure:"partial_levels"      json:"partial_levels"      validate:"dive"`
}

// instrumentDefaults mirrors the production defaults of the recovery bot.
func instrumentDefaults() map[string]any {
	return map[string]any{
		"pip_size":             0.0001,
		"pip_value":            10.0,
		"volume_step":          0.01,
		"min_volume":           0.01,
		"max_volume":           100.0,
		"grid_spacing_pips":    8.0,
		"max_grid_levels":      4,
		"grid_size":            0.04,
		"hedge_trigger_pips":   8.0,
		"hedge_ratio":          5.0,
		"max_hedges":           1,
		"dca_trigger_pips":     20.0,
		"dca_multiplier":       2.0,
		"max_dca_levels":       4,
		"dca_max_adverse_pips": 0.0,
		"max_stack_exposure":   15.0,
		"take_profit_pips":     12.0,
		"drawdown_multiplier":  4.0,
		"profit_target_pct":    0.5,
		"max_hold":             "12h",
		"partial_close":        false,
		"partial_levels": []map[string]any{
			{"trigger_fraction": 0.5, "close_pct": 50.0},
			{"trigger_fraction": 0.75, "close_pct": 30.0},
		},
	}
}

// builtinInstruments are used when no INSTRUMENTS_FILE is configured.
func builtinInstruments() []map[string]any {
	return []map[string]any{
		{
			"symbol": "EURUSD", "grid_spacing_pips": 12.0, "dca_trigger_pips": 30.0,
			"hedge_trigger_pips": 45.0, "dca_multiplier": 1.5, "max_grid_levels": 4,
			"max_dca_levels": 3, "take_profit_pips": 40.0,
		},
		{
			"symbol": "GBPUSD", "grid_spacing_pips": 18.0, "dca_trigger_pips": 40.0,
			"hedge_trigger_pips": 55.0, "take_profit_pips": 55.0,
		},
	}
}

var validate = validator.New()

// LoadInstruments reads and validates the instrument table. An empty path
// selects the built-in table.
func LoadInstruments(path string) (map[string]InstrumentConfig, error) {
	fileDefaults := map[string]any{}
	blocks := builtinInstruments()

	if strings.TrimSpace(path) != "" {
		v := viper.New()
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("read instruments %s: %w", path, err)
		}
		if d := v.GetStringMap("defaults"); d != nil {
			fileDefaults = d
		}
		var raw []map[string]any
		if err := v.UnmarshalKey("instruments", &raw); err != nil {
			return nil, fmt.Errorf("decode instruments %s: %w", path, err)
		}
		if len(raw) == 0 {
			return nil, fmt.Errorf("instruments %s: no instruments defined", path)
		}
		blocks = raw
	}

	out := make(map[string]InstrumentConfig, len(blocks))
	for i, block := range blocks {
		ic, err := decodeInstrument(fileDefaults, block)
		if err != nil {
			return nil, fmt.Errorf("instrument #%d: %w", i, err)
		}
		if _, dup := out[ic.Symbol]; dup {
			return nil, fmt.Errorf("instrument %s defined twice", ic.Symbol)
		}
		out[ic.Symbol] = ic
	}
	return out, nil
}

func decodeInstrument(fileDefaults, block map[string]any) (InstrumentConfig, error) {
	iv := viper.New()
	for k, val := range instrumentDefaults() {
		iv.SetDefault(k, val)
	}
	if err := iv.MergeConfigMap(fileDefaults); err != nil {
		return InstrumentConfig{}, err
	}
	if err := iv.MergeConfigMap(block); err != nil {
		return InstrumentConfig{}, err
	}
	var ic InstrumentConfig
	if err := iv.Unmarshal(&ic); err != nil {
		return InstrumentConfig{}, fmt.Errorf("decode: %w", err)
	}
	ic.Symbol = strings.ToUpper(strings.TrimSpace(ic.Symbol))
	if err := ic.Validate(); err != nil {
		return InstrumentConfig{}, err
	}
	return ic, nil
}

// Validate checks field ranges plus the rules the tags cannot express.
func (ic InstrumentConfig) Validate() error {
	if err := validate.Struct(ic); err != nil {
		return fmt.Errorf("%s: %w", ic.Symbol, err)
	}
	if ic.MaxVolume > 0 && ic.MinVolume > ic.MaxVolume {
		return fmt.Errorf("%s: min_volume %.2f above max_volume %.2f", ic.Symbol, ic.MinVolume, ic.MaxVolume)
	}
	if ic.GridSize > ic.MaxStackExposure {
		return fmt.Errorf("%s: grid_size %.2f above max_stack_exposure %.2f", ic.Symbol, ic.GridSize, ic.MaxStackExposure)
	}
	levels := append([]PartialCloseLevel(nil), ic.PartialLevels...)
	sort.Slice(levels, func(i, j int) bool { return levels[i].TriggerFraction < levels[j].TriggerFraction })
	for i := 1; i < len(levels); i++ {
		if levels[i].TriggerFraction == levels[i-1].TriggerFraction {
			return fmt.Errorf("%s: duplicate partial level %.2f", ic.Symbol, levels[i].TriggerFraction)
		}
	}
	return nil
}

// SortedSymbols returns instrument symbols in a stable order for the cycle.
func SortedSymbols(m map[string]InstrumentConfig) []string {
	out := make([]string, 0, len(m))
	for s := range m {
		out = append(out, s)
	}
	sort.Strings(out)
	return out
}
