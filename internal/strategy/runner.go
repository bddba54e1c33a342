package strategy

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/your-org/box-spread-bot/internal/alert"
	"github.com/your-org/box-spread-bot/internal/config"
	"github.com/your-org/box-spread-bot/internal/dbwriter"
	"github.com/your-org/box-spread-bot/internal/executor"
	"github.com/your-org/box-spread-bot/internal/leg"
	"github.com/your-org/box-spread-bot/internal/metrics"
	"github.com/your-org/box-spread-bot/internal/pnl"
	"github.com/your-org/box-spread-bot/internal/position"
	"github.com/your-org/box-spread-bot/internal/spread"
)

// PairObserver runs the continuous samplers. *market.Observer implements it.
type PairObserver interface {
	Start(ctx context.Context, pair leg.Pair) bool
	StopAll()
}

// User is one account trading the box.
type User struct {
	ID string
	// Target quantity per leg key.
	Target map[string]int
}

// RunnerConfig holds the runner's loop timing.
type RunnerConfig struct {
	StrategyID string
	// PollInterval paces the entry trigger checks and the profit monitors.
	PollInterval time.Duration
}

// Runner drives every user through entry, profit monitoring and exit. A
// panic in one user's flow is recovered and never reaches another user.
type Runner struct {
	cfg      RunnerConfig
	set      *leg.Set
	observer PairObserver
	pricer   executor.Pricer
	cycle    *Cycle
	exits    *ExitCoordinator
	tracker  *position.Tracker
	pnl      *pnl.Calculator
	params   ParamsFunc
	dbWriter dbwriter.DBWriter
	notifier alert.Notifier
	metrics  *metrics.Metrics
	logger   *zap.Logger

	mu      sync.Mutex
	results map[string][]CycleResult
	users   map[string]*userState
}

// userState serializes a user's entry cycles against its exit.
type userState struct {
	mu     sync.Mutex
	exited atomic.Bool
}

// RunnerDeps are the collaborators of a Runner. DBWriter, Notifier and
// Metrics may be nil.
type RunnerDeps struct {
	Set      *leg.Set
	Observer PairObserver
	Pricer   executor.Pricer
	Cycle    *Cycle
	Exits    *ExitCoordinator
	Tracker  *position.Tracker
	PnL      *pnl.Calculator
	Params   ParamsFunc
	DBWriter dbwriter.DBWriter
	Notifier alert.Notifier
	Metrics  *metrics.Metrics
}

// NewRunner creates a Runner.
func NewRunner(cfg RunnerConfig, deps RunnerDeps, logger *zap.Logger) *Runner {
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = 500 * time.Millisecond
	}
	if deps.Notifier == nil {
		deps.Notifier = alert.NewNoOpNotifier()
	}
	if deps.PnL == nil {
		deps.PnL = pnl.NewCalculator()
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Runner{
		cfg:      cfg,
		set:      deps.Set,
		observer: deps.Observer,
		pricer:   deps.Pricer,
		cycle:    deps.Cycle,
		exits:    deps.Exits,
		tracker:  deps.Tracker,
		pnl:      deps.PnL,
		params:   deps.Params,
		dbWriter: deps.DBWriter,
		notifier: deps.Notifier,
		metrics:  deps.Metrics,
		logger:   logger,
		results:  make(map[string][]CycleResult),
		users:    make(map[string]*userState),
	}
}

// UsersFromConfig lists the configured users with their per-leg targets.
func UsersFromConfig(cfg *config.Config, set *leg.Set) []User {
	users := make([]User, 0, len(cfg.Users))
	for _, id := range cfg.UserIDs() {
		u := User{ID: id, Target: make(map[string]int, len(set.Legs))}
		for _, l := range set.Legs {
			u.Target[l.Key] = cfg.TargetQuantity(id, l)
		}
		users = append(users, u)
	}
	return users
}

// Run starts the observers and one goroutine per user, and returns when every
// user is done or ctx is cancelled.
func (r *Runner) Run(ctx context.Context, users []User) error {
	if r.observer != nil {
		r.observer.Start(ctx, r.set.Buy)
		r.observer.Start(ctx, r.set.Sell)
		defer r.observer.StopAll()
	}

	var wg sync.WaitGroup
	for _, u := range users {
		if err := r.register(u); err != nil {
			return fmt.Errorf("user %s: %w", u.ID, err)
		}
		wg.Add(1)
		go func() {
			defer wg.Done()
			r.safeRunUser(ctx, u.ID)
		}()
	}
	wg.Wait()
	r.logger.Info("All users done", zap.Float64("total_realized_pnl", r.pnl.Total()))
	return ctx.Err()
}

func (r *Runner) register(u User) error {
	for _, l := range r.set.Legs {
		if err := r.tracker.SetTarget(u.ID, l, u.Target[l.Key]); err != nil {
			return err
		}
	}
	r.mu.Lock()
	r.users[u.ID] = &userState{}
	r.mu.Unlock()
	return nil
}

func (r *Runner) state(user string) *userState {
	r.mu.Lock()
	defer r.mu.Unlock()
	st, ok := r.users[user]
	if !ok {
		st = &userState{}
		r.users[user] = st
	}
	return st
}

func (r *Runner) safeRunUser(ctx context.Context, user string) {
	defer func() {
		if p := recover(); p != nil {
			r.metrics.IncPanic(user)
			r.logger.Error("User flow panicked", zap.String("user", user), zap.Any("panic", p))
			r.alert(fmt.Sprintf("user %s crashed: %v", user, p))
		}
	}()
	r.RunUser(ctx, user)
}

// RunUser runs entry cycles until the target is reached or an entry aborts.
// With profit monitoring enabled both pairs are watched from the first fill
// on, and an exit stops any further entry.
func (r *Runner) RunUser(ctx context.Context, user string) {
	log := r.logger.With(zap.String("user", user))
	st := r.state(user)
	defer r.savePnL(user, log)

	if !r.params().ProfitEnabled {
		r.enter(ctx, user, st, log)
		if ctx.Err() != nil || r.exits.OpenQuantity(user) == 0 {
			return
		}
		if r.params().RunState == config.RunStateExit {
			r.squareOff(ctx, user, log)
			return
		}
		log.Info("Profit monitoring disabled, position left open", zap.Int("open", r.exits.OpenQuantity(user)))
		return
	}

	entryDone := make(chan struct{})
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		defer close(entryDone)
		r.enter(gctx, user, st, log)
		return nil
	})
	for _, dir := range []leg.Action{leg.Buy, leg.Sell} {
		m := NewProfitMonitor(user, r.set, dir, r.tracker, r.pricer, r, r.params, r.cfg.PollInterval, r.logger)
		m.AwaitEntry(entryDone)
		g.Go(func() error { return m.Run(gctx) })
	}
	if err := g.Wait(); err != nil && ctx.Err() == nil {
		log.Warn("Profit monitor stopped", zap.Error(err))
	}
}

func (r *Runner) squareOff(ctx context.Context, user string, log *zap.Logger) {
	log.Info("Run state is exit, squaring off", zap.Int("open", r.exits.OpenQuantity(user)))
	res, err := r.Exit(ctx, user)
	switch {
	case err != nil:
		log.Error("Square off failed", zap.Error(err))
	case !res.Success:
		r.alert(fmt.Sprintf("square off of %s did not complete: %s", user, res.Reason))
	}
}

// Exit runs an exit for user and records its result. It satisfies Exiter so
// monitors report through the runner. It waits for a running entry cycle of
// the same user and stops every later one.
func (r *Runner) Exit(ctx context.Context, user string) (CycleResult, error) {
	st := r.state(user)
	st.mu.Lock()
	defer st.mu.Unlock()
	st.exited.Store(true)

	res, err := r.exits.Exit(ctx, user)
	if err == nil {
		r.record(res)
	}
	return res, err
}

func (r *Runner) enter(ctx context.Context, user string, st *userState, log *zap.Logger) {
	for ctx.Err() == nil {
		if st.exited.Load() {
			log.Info("Position exited, entry stopped")
			return
		}
		p := r.params()
		switch p.RunState {
		case config.RunStateExit:
			log.Info("Run state is exit, entry stopped")
			return
		case config.RunStatePaused:
			if sleep(ctx, r.cfg.PollInterval) != nil {
				return
			}
			continue
		}

		qty := r.entryQuantity(user)
		if qty == nil {
			log.Info("Desired quantity reached")
			return
		}

		s, err := r.liveSpread(ctx)
		if err != nil || !spread.EntryTriggered(s, p.StartPrice) || !spread.WithinTolerance(s, p.DesiredSpread, p.SpreadTolerance) {
			if err != nil {
				log.Debug("Live spread unavailable", zap.Error(err))
			}
			if sleep(ctx, r.cfg.PollInterval) != nil {
				return
			}
			continue
		}

		res, ok := r.enterOnce(ctx, user, st, Roles{Phase: PhaseEntry, Set: r.set, Target: p.DesiredSpread, Quantity: qty}, s, p, log)
		if !ok {
			continue
		}
		if !res.Success {
			// partial fills stay open for the exit path
			r.alert(fmt.Sprintf("entry of %s did not complete: %s", user, res.Reason))
			return
		}
	}
}

// enterOnce runs one entry cycle under the user's lock. ok is false when an
// exit got there first.
func (r *Runner) enterOnce(ctx context.Context, user string, st *userState, roles Roles, s float64, p Params, log *zap.Logger) (CycleResult, bool) {
	st.mu.Lock()
	defer st.mu.Unlock()
	if st.exited.Load() {
		return CycleResult{}, false
	}
	log.Info("Entry triggered", zap.Float64("spread", s), zap.Float64("start_price", p.StartPrice))
	res := r.cycle.Run(ctx, user, roles)
	r.record(res)
	return res, true
}

// entryQuantity is one lot per leg capped by what is left of the target, nil
// when nothing is left on any leg.
func (r *Runner) entryQuantity(user string) map[string]int {
	qty := make(map[string]int, len(r.set.Legs))
	left := false
	for _, l := range r.set.Legs {
		st, _ := r.tracker.Get(user, l.Key)
		n := min(l.Quantity, st.RemainingEntry())
		qty[l.Key] = n
		if n > 0 {
			left = true
		}
	}
	if !left {
		return nil
	}
	return qty
}

func (r *Runner) liveSpread(ctx context.Context) (float64, error) {
	priced := make([]spread.Priced, 0, len(r.set.Legs))
	for _, l := range r.set.Legs {
		p, err := r.pricer.Price(ctx, l)
		if err != nil {
			return 0, err
		}
		priced = append(priced, spread.Priced{Key: l.Key, Action: l.Action, Price: p})
	}
	return spread.Spread(priced), nil
}

func (r *Runner) record(res CycleResult) {
	r.mu.Lock()
	r.results[res.User] = append(r.results[res.User], res)
	r.mu.Unlock()
	if res.Crashed {
		r.alert(fmt.Sprintf("%s cycle of %s crashed: %s", res.Phase, res.User, res.Reason))
	}
}

// Results returns the cycles run for user so far.
func (r *Runner) Results(user string) []CycleResult {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]CycleResult(nil), r.results[user]...)
}

func (r *Runner) alert(msg string) {
	if err := r.notifier.Send(msg); err != nil {
		r.logger.Warn("Failed to send alert", zap.Error(err))
	}
}

func (r *Runner) savePnL(user string, log *zap.Logger) {
	if r.dbWriter == nil {
		return
	}
	summary := dbwriter.PnLSummary{
		Time:         time.Now().UTC(),
		StrategyID:   r.cfg.StrategyID,
		UserID:       user,
		RealizedPnL:  r.pnl.GetRealizedPnL(user),
		OpenQuantity: r.exits.OpenQuantity(user),
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := r.dbWriter.SavePnLSummary(ctx, summary); err != nil {
		log.Error("Failed to save PnL summary", zap.Error(err))
	}
}

func sleep(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
