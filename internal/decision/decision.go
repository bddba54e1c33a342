// Package decision chooses the execution order of a box from a short
// observation window of the BUY pair.
package decision

import (
	"context"
	"fmt"
	"math"
	"time"

	"go.uber.org/zap"

	"github.com/your-org/box-spread-bot/internal/indicator"
	"github.com/your-org/box-spread-bot/internal/leg"
	"github.com/your-org/box-spread-bot/internal/market"
)

// Case is the execution ordering regime.
type Case int

const (
	// CaseA executes the SELL pair first. Both BUY legs were stable.
	CaseA Case = iota
	// CaseB executes the BUY pair first, faster leg first.
	CaseB
)

func (c Case) String() string {
	if c == CaseB {
		return "CASE_B"
	}
	return "CASE_A"
}

// Collector runs one windowed observation. *market.Observer implements it.
type Collector interface {
	Collect(ctx context.Context, legs []leg.Leg, d, period time.Duration) *market.Window
}

// Config holds the window and the trend knobs.
type Config struct {
	Window time.Duration
	Period time.Duration
	Trend  indicator.TrendConfig
}

// Decision is the outcome of Decide.
type Decision struct {
	Case   Case
	First  leg.Pair
	Second leg.Pair
	// Degraded is set when the decision fell back to CASE_A because the
	// observation was short, interrupted or failed.
	Degraded    bool
	Interrupted bool
	Reason      string
	Trends      map[string]indicator.Classification
}

// Engine runs the case decision.
type Engine struct {
	collector Collector
	cfg       Config
	logger    *zap.Logger
}

// NewEngine creates a decision engine.
func NewEngine(collector Collector, cfg Config, logger *zap.Logger) *Engine {
	if cfg.Trend.MinSamples <= 0 {
		cfg.Trend = indicator.DefaultTrendConfig()
	}
	if cfg.Window <= 0 {
		cfg.Window = 10 * time.Second
	}
	if cfg.Period <= 0 {
		cfg.Period = 200 * time.Millisecond
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Engine{collector: collector, cfg: cfg, logger: logger}
}

// Decide observes the BUY pair of set for the configured window and picks the
// case. It never fails: errors and panics yield CASE_A.
func (e *Engine) Decide(ctx context.Context, set *leg.Set) (d Decision) {
	defer func() {
		if r := recover(); r != nil {
			e.logger.Error("Case decision panicked, defaulting to CASE_A", zap.Any("panic", r))
			d = caseA(set, fmt.Sprintf("observation panic: %v", r))
			d.Degraded = true
		}
	}()

	w := e.collector.Collect(ctx, set.Buy.Legs[:], e.cfg.Window, e.cfg.Period)
	if w == nil {
		d = caseA(set, "no observation window")
		d.Degraded = true
		return d
	}
	d = Classify(set, w, e.cfg.Trend)
	if d.Degraded {
		e.logger.Warn("Degraded observation, defaulting to CASE_A", zap.String("reason", d.Reason),
			zap.Bool("interrupted", d.Interrupted), zap.Int("dropped", w.Dropped))
	} else {
		e.logger.Info("Case decided", zap.Stringer("case", d.Case), zap.String("first", d.First.Name()), zap.String("reason", d.Reason))
	}
	return d
}

// Classify decides from an already collected window.
func Classify(set *leg.Set, w *market.Window, cfg indicator.TrendConfig) Decision {
	trends := make(map[string]indicator.Classification, 2)
	degraded := false
	for _, l := range set.Buy.Legs {
		c := w.Classify(l.Key, cfg)
		trends[l.Key] = c
		degraded = degraded || c.Degraded
	}

	if degraded {
		d := caseA(set, fmt.Sprintf("fewer than %d valid samples", cfg.MinSamples))
		d.Degraded = true
		d.Interrupted = w.Interrupted
		d.Trends = trends
		return d
	}

	a, b := set.Buy.Legs[0], set.Buy.Legs[1]
	ta, tb := trends[a.Key], trends[b.Key]
	if !ta.Moving() && !tb.Moving() {
		d := caseA(set, "both BUY legs stable")
		d.Interrupted = w.Interrupted
		d.Trends = trends
		return d
	}

	first := set.Buy
	if math.Abs(tb.Direction) > math.Abs(ta.Direction) {
		first = set.Buy.Swapped()
	}
	return Decision{
		Case:        CaseB,
		First:       first,
		Second:      set.Sell,
		Interrupted: w.Interrupted,
		Reason:      fmt.Sprintf("%s %s, %s %s", a.Key, ta.Trend, b.Key, tb.Trend),
		Trends:      trends,
	}
}

func caseA(set *leg.Set, reason string) Decision {
	return Decision{Case: CaseA, First: set.Sell, Second: set.Buy, Reason: reason}
}
