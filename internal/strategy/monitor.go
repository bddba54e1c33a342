package strategy

import (
	"context"
	"errors"
	"time"

	"go.uber.org/zap"

	"github.com/your-org/box-spread-bot/internal/config"
	"github.com/your-org/box-spread-bot/internal/executor"
	"github.com/your-org/box-spread-bot/internal/leg"
	"github.com/your-org/box-spread-bot/internal/position"
	"github.com/your-org/box-spread-bot/internal/spread"
)

// Exiter closes a user's position. *ExitCoordinator implements it.
type Exiter interface {
	Exit(ctx context.Context, user string) (CycleResult, error)
}

// ProfitMonitor watches one entry pair of one user and triggers the exit
// once the pair can be closed at a profit.
type ProfitMonitor struct {
	user     string
	pair     leg.Pair
	set      *leg.Set
	tracker  *position.Tracker
	pricer   executor.Pricer
	exiter   Exiter
	params   ParamsFunc
	interval time.Duration
	logger   *zap.Logger

	// closed once entry stops adding quantity; nil means entry is over
	entryDone <-chan struct{}
}

// NewProfitMonitor creates the monitor of set's pair with action dir.
func NewProfitMonitor(user string, set *leg.Set, dir leg.Action, tracker *position.Tracker, pricer executor.Pricer,
	exiter Exiter, params ParamsFunc, interval time.Duration, logger *zap.Logger) *ProfitMonitor {
	if interval <= 0 {
		interval = 500 * time.Millisecond
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	pair := set.Pair(dir)
	return &ProfitMonitor{
		user:     user,
		pair:     pair,
		set:      set,
		tracker:  tracker,
		pricer:   pricer,
		exiter:   exiter,
		params:   params,
		interval: interval,
		logger:   logger.With(zap.String("user", user), zap.String("monitor", pair.Name())),
	}
}

// Profit is the per-unit profit of closing the pair now: the live exit-side
// sum against the entry averages, signed so a gain is positive. ok is false
// while the pair holds no open quantity.
func (m *ProfitMonitor) Profit(ctx context.Context) (profit float64, ok bool, err error) {
	var live, entry float64
	for _, l := range m.pair.Legs {
		st, found := m.tracker.Get(m.user, l.Key)
		if !found || st.Open() == 0 {
			return 0, false, nil
		}
		closing := l
		closing.Action = l.Action.Invert()
		p, err := m.pricer.Price(ctx, closing)
		if err != nil {
			return 0, false, err
		}
		live += p
		entry += st.EntryAvg
	}
	// a long pair gains when its bid rises, a short pair when its ask falls
	return m.pair.Action.Sign() * (live - entry), true, nil
}

func (m *ProfitMonitor) threshold(p Params) float64 {
	if m.pair.Action == leg.Buy {
		return p.ThresholdBuy
	}
	return p.ThresholdSell
}

// exitSpread is the live box spread on the closing side of every open leg.
// ok is false unless all four legs are open.
func (m *ProfitMonitor) exitSpread(ctx context.Context) (float64, bool, error) {
	exit := m.set.ForExit()
	priced := make([]spread.Priced, 0, len(exit.Legs))
	for _, l := range exit.Legs {
		if m.tracker.Open(m.user, l.Key) == 0 {
			return 0, false, nil
		}
		p, err := m.pricer.Price(ctx, l)
		if err != nil {
			return 0, false, err
		}
		priced = append(priced, spread.Priced{Key: l.Key, Action: l.Action, Price: p})
	}
	return spread.Spread(priced), true, nil
}

// check evaluates both exit triggers once and reports whether one fired.
func (m *ProfitMonitor) check(ctx context.Context, p Params) (bool, string) {
	profit, ok, err := m.Profit(ctx)
	if err != nil {
		m.logger.Debug("Profit check skipped", zap.Error(err))
		return false, ""
	}
	if ok && profit >= m.threshold(p) {
		return true, "profit threshold"
	}
	s, ok, err := m.exitSpread(ctx)
	if err == nil && ok && spread.ExitTriggered(s, p.ExitStart, p.Direction) {
		return true, "exit start"
	}
	return false, ""
}

// AwaitEntry keeps the monitor alive on a flat pair until done is closed, so
// it can start before the first entry fill.
func (m *ProfitMonitor) AwaitEntry(done <-chan struct{}) {
	m.entryDone = done
}

func (m *ProfitMonitor) entering() bool {
	if m.entryDone == nil {
		return false
	}
	select {
	case <-m.entryDone:
		return false
	default:
		return true
	}
}

// Run polls until the pair is fully closed or ctx is cancelled. Run state
// exit squares off whatever is open.
func (m *ProfitMonitor) Run(ctx context.Context) error {
	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}

		if m.open() == 0 {
			if m.entering() {
				continue
			}
			m.logger.Info("Pair closed, monitor done")
			return nil
		}
		p := m.params()
		var reason string
		switch p.RunState {
		case config.RunStatePaused:
			continue
		case config.RunStateExit:
			reason = "run state exit"
		default:
			fired, r := m.check(ctx, p)
			if !fired {
				continue
			}
			reason = r
		}
		m.logger.Info("Exit triggered", zap.String("trigger", reason))
		res, err := m.exiter.Exit(ctx, m.user)
		switch {
		case errors.Is(err, ErrExitInFlight):
			// the sibling monitor is exiting
		case errors.Is(err, ErrNothingToExit):
			return nil
		case err != nil:
			m.logger.Error("Exit failed", zap.Error(err))
		case !res.Success:
			m.logger.Warn("Exit incomplete", zap.String("reason", res.Reason))
		}
	}
}

func (m *ProfitMonitor) open() int {
	n := 0
	for _, l := range m.pair.Legs {
		n += m.tracker.Open(m.user, l.Key)
	}
	return n
}
