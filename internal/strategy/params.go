// Package strategy runs the box for every user: the entry cycle, the profit
// monitors and the exit that mirrors the entry.
package strategy

import (
	"github.com/your-org/box-spread-bot/internal/config"
	"github.com/your-org/box-spread-bot/internal/leg"
)

// Phases.
const (
	PhaseEntry = "entry"
	PhaseExit  = "exit"
)

// Params are the hot-reloadable trading parameters.
type Params struct {
	RunState          config.RunState
	DesiredSpread     float64
	DesiredExitSpread float64
	StartPrice        float64
	ExitStart         float64
	Direction         leg.Action
	SpreadTolerance   float64
	ProfitEnabled     bool
	ThresholdBuy      float64
	ThresholdSell     float64
	MinFillRatio      float64
	RescueWithModify  bool
}

// ParamsFromConfig extracts Params from cfg.
func ParamsFromConfig(cfg *config.Config) Params {
	ratio := cfg.IOC.MinFillRatio
	if ratio <= 0 || ratio > 1 {
		ratio = 1
	}
	return Params{
		RunState:          cfg.RunState,
		DesiredSpread:     cfg.Spread.DesiredSpread,
		DesiredExitSpread: cfg.Spread.DesiredExitSpread,
		StartPrice:        cfg.Spread.StartPrice,
		ExitStart:         cfg.Spread.ExitStart,
		Direction:         cfg.Direction(),
		SpreadTolerance:   cfg.Spread.SpreadTolerance,
		ProfitEnabled:     cfg.Profit.Enabled.Bool(),
		ThresholdBuy:      cfg.Profit.ThresholdBuy,
		ThresholdSell:     cfg.Profit.ThresholdSell,
		MinFillRatio:      ratio,
		RescueWithModify:  cfg.IOC.RescueWithModify.Bool(),
	}
}

// ParamsFunc returns the current parameters.
type ParamsFunc func() Params

// StaticParams always returns p.
func StaticParams(p Params) ParamsFunc {
	return func() Params { return p }
}

// ConfigParams reads the current global config on every call, falling back
// to fallback before any config is loaded.
func ConfigParams(fallback *config.Config) ParamsFunc {
	return func() Params {
		if cfg := config.GetConfig(); cfg != nil {
			return ParamsFromConfig(cfg)
		}
		return ParamsFromConfig(fallback)
	}
}
