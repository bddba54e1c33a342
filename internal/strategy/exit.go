package strategy

import (
	"context"
	"errors"
	"math"
	"sync"

	"go.uber.org/zap"

	"github.com/your-org/box-spread-bot/internal/leg"
	"github.com/your-org/box-spread-bot/internal/pnl"
	"github.com/your-org/box-spread-bot/internal/position"
	"github.com/your-org/box-spread-bot/internal/spread"
)

var (
	// ErrExitInFlight is returned when an exit of the same user is running.
	ErrExitInFlight = errors.New("exit already in flight")
	// ErrNothingToExit is returned when the user holds no open quantity.
	ErrNothingToExit = errors.New("no open quantity")
)

// ExitCoordinator closes a user's box with the entry machinery run on the
// inverted set.
type ExitCoordinator struct {
	cycle   *Cycle
	set     *leg.Set
	exitSet *leg.Set
	tracker *position.Tracker
	params  ParamsFunc
	logger  *zap.Logger

	mu       sync.Mutex
	inFlight map[string]struct{}
}

// NewExitCoordinator creates an ExitCoordinator for the entry set.
func NewExitCoordinator(cycle *Cycle, set *leg.Set, tracker *position.Tracker, params ParamsFunc, logger *zap.Logger) *ExitCoordinator {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &ExitCoordinator{
		cycle:    cycle,
		set:      set,
		exitSet:  set.ForExit(),
		tracker:  tracker,
		params:   params,
		logger:   logger,
		inFlight: make(map[string]struct{}),
	}
}

// Roles builds the exit roles of user from the open quantity of every leg.
func (x *ExitCoordinator) Roles(user string) Roles {
	qty := make(map[string]int, len(x.set.Legs))
	for _, l := range x.set.Legs {
		qty[l.Key] = x.tracker.Open(user, l.Key)
	}
	return Roles{
		Phase:    PhaseExit,
		Set:      x.exitSet,
		Target:   x.params().DesiredExitSpread,
		Quantity: qty,
	}
}

// Exit runs one exit cycle for user. Only one exit per user runs at a time;
// different users exit concurrently.
func (x *ExitCoordinator) Exit(ctx context.Context, user string) (CycleResult, error) {
	x.mu.Lock()
	if _, ok := x.inFlight[user]; ok {
		x.mu.Unlock()
		return CycleResult{}, ErrExitInFlight
	}
	x.inFlight[user] = struct{}{}
	x.mu.Unlock()
	defer func() {
		x.mu.Lock()
		delete(x.inFlight, user)
		x.mu.Unlock()
	}()

	roles := x.Roles(user)
	open := 0
	for _, q := range roles.Quantity {
		open += q
	}
	if open == 0 {
		return CycleResult{}, ErrNothingToExit
	}

	entry := x.entrySpread(user)
	x.logger.Info("Exit started", zap.String("user", user), zap.Any("quantity", roles.Quantity), zap.Float64("target", roles.Target))
	res := x.cycle.Run(ctx, user, roles)
	if res.Success {
		res.BoxPnL = pnl.BoxPnL(entry, math.Abs(res.Spread), x.params().Direction == leg.Buy)
		x.logger.Info("Exit completed", zap.String("user", user),
			zap.Float64("entry_spread", entry), zap.Float64("exit_spread", math.Abs(res.Spread)), zap.Float64("box_pnl", res.BoxPnL))
	}
	return res, nil
}

// entrySpread is the box spread of the entry averages of the open legs.
func (x *ExitCoordinator) entrySpread(user string) float64 {
	priced := make([]spread.Priced, 0, len(x.set.Legs))
	for _, l := range x.set.Legs {
		st, ok := x.tracker.Get(user, l.Key)
		if !ok || st.Open() == 0 {
			continue
		}
		priced = append(priced, spread.Priced{Key: l.Key, Action: l.Action, Price: st.EntryAvg})
	}
	return math.Abs(spread.Spread(priced))
}

// OpenQuantity is the total open quantity of user.
func (x *ExitCoordinator) OpenQuantity(user string) int {
	n := 0
	for _, l := range x.set.Legs {
		n += x.tracker.Open(user, l.Key)
	}
	return n
}
