package strategy

import (
	"context"
	"fmt"
	"math"
	"runtime/debug"

	"go.uber.org/zap"

	"github.com/your-org/box-spread-bot/internal/audit"
	"github.com/your-org/box-spread-bot/internal/decision"
	"github.com/your-org/box-spread-bot/internal/executor"
	"github.com/your-org/box-spread-bot/internal/leg"
	"github.com/your-org/box-spread-bot/internal/metrics"
	"github.com/your-org/box-spread-bot/internal/spread"
)

// Decider picks the pair order of a cycle. *decision.Engine implements it.
type Decider interface {
	Decide(ctx context.Context, set *leg.Set) decision.Decision
}

// Roles parametrize one cycle: entry runs the configured set with
// desired_spread, exit runs Set.ForExit() with desired_exit_spread.
type Roles struct {
	Phase  string
	Set    *leg.Set
	Target float64
	// Quantity per leg key.
	Quantity map[string]int
}

// CycleResult is the outcome of one entry or exit cycle of a user.
type CycleResult struct {
	User        string
	Phase       string
	ExecutionID string
	Decision    decision.Decision
	First       executor.PairResult
	// Second is nil when the cycle aborted before the second pair.
	Second *executor.PairResult
	// Rescue holds the Modify run on the IOC residual, if any.
	Rescue  *executor.PairResult
	Success bool
	Aborted bool
	Crashed bool
	Reason  string
	// Spread is the signed box spread of the average fill prices.
	Spread float64
	// BoxPnL is the per-unit PnL of a completed exit against the entry
	// spread. Zero for entry cycles.
	BoxPnL float64
}

// Filled returns the quantity filled on a leg over every stage.
func (r CycleResult) Filled(key string) int {
	n := 0
	for _, pr := range []*executor.PairResult{&r.First, r.Second, r.Rescue} {
		if pr == nil {
			continue
		}
		if lr, ok := pr.Leg(key); ok {
			n += lr.Filled
		}
	}
	return n
}

// Cycle runs decide, first pair, gated second pair.
type Cycle struct {
	decider  Decider
	pairs    *PairExecutor
	pricer   executor.Pricer
	calc     spread.Calculator
	params   ParamsFunc
	recorder *audit.Recorder
	metrics  *metrics.Metrics
	logger   *zap.Logger
}

// NewCycle creates a Cycle. recorder and m may be nil.
func NewCycle(decider Decider, pairs *PairExecutor, pricer executor.Pricer, calc spread.Calculator, params ParamsFunc,
	recorder *audit.Recorder, m *metrics.Metrics, logger *zap.Logger) *Cycle {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Cycle{
		decider:  decider,
		pairs:    pairs,
		pricer:   pricer,
		calc:     calc,
		params:   params,
		recorder: recorder,
		metrics:  m,
		logger:   logger,
	}
}

// Run executes one cycle for user. It never panics; a panic inside the cycle
// crashes the execution record and is reported in the result.
func (c *Cycle) Run(ctx context.Context, user string, roles Roles) (res CycleResult) {
	p := c.params()
	exec := c.recorder.Start(user, roles.Phase)
	res = CycleResult{User: user, Phase: roles.Phase}
	if exec != nil {
		res.ExecutionID = exec.ID
	}
	log := c.logger.With(zap.String("user", user), zap.String("phase", roles.Phase), zap.String("execution_id", res.ExecutionID))

	defer func() {
		if r := recover(); r != nil {
			exec.Crash(r)
			c.metrics.IncPanic(user)
			c.metrics.IncCycle(roles.Phase, "crashed")
			log.Error("Cycle panicked", zap.Any("panic", r), zap.ByteString("stack", debug.Stack()))
			res.Success = false
			res.Crashed = true
			res.Reason = fmt.Sprintf("panic: %v", r)
		}
	}()

	d := c.decider.Decide(ctx, roles.Set)
	res.Decision = d
	c.metrics.IncDecision(roles.Phase, d.Case.String(), d.Degraded)
	exec.Observation(d.Case.String(), d.Degraded, d.Reason)
	exec.Milestone("decision", fmt.Sprintf("%s first=%s", d.Case, d.First.Name()))

	switch only, n := singlePair(d, roles.Quantity); n {
	case 0:
		res.Aborted = true
		res.Reason = "nothing to execute"
		c.finish(exec, &res, "aborted", log)
		return res
	case 1:
		// one pair is already flat: close the other alone
		r := c.pairs.Execute(ctx, executor.PairRequest{
			UserID:   user,
			Phase:    roles.Phase,
			Pair:     only,
			Quantity: pairQuantity(only, roles.Quantity, math.MaxInt),
			Limit:    c.limitFunc(roles, nil),
			Journal:  exec,
		}, ModeModify, nil)
		res.First = r
		res.Success = r.Success
		if !r.Success {
			res.Reason = "single pair incomplete: " + firstReason(r)
		}
		res.Spread = boxSpread(r)
		c.finish(exec, &res, outcomeOf(res.Success), log)
		return res
	}

	first := executor.PairRequest{
		UserID:   user,
		Phase:    roles.Phase,
		Pair:     d.First,
		Quantity: pairQuantity(d.First, roles.Quantity, math.MaxInt),
		Limit:    c.limitFunc(roles, nil),
		Journal:  exec,
	}
	r1 := c.pairs.Execute(ctx, first, ModeModify, nil)
	res.First = r1
	exec.Milestone("first_pair", fmt.Sprintf("%s filled %d/%d", d.First.Name(), r1.Filled(), r1.Requested()))

	achieved := make(map[string]executor.LegResult, 2)
	minFilled := math.MaxInt
	for _, lr := range r1.Legs {
		achieved[lr.Leg.Key] = lr
		minFilled = min(minFilled, lr.Filled)
	}
	// the second pair is sized to the smaller first-pair fill
	if minFilled == 0 || r1.FillRatio() < p.MinFillRatio {
		res.Aborted = true
		res.Reason = fmt.Sprintf("first pair incomplete: %s", firstReason(r1))
		c.finish(exec, &res, "aborted", log)
		return res
	}

	second := executor.PairRequest{
		UserID:   user,
		Phase:    roles.Phase,
		Pair:     d.Second,
		Quantity: pairQuantity(d.Second, roles.Quantity, minFilled),
		Limit:    c.limitFunc(roles, achieved),
		Journal:  exec,
	}
	gate := c.gate(roles.Target, d.Second, r1.AchievedSum())
	r2 := c.pairs.Execute(ctx, second, ModeIOC, gate)
	res.Second = &r2
	exec.Milestone("second_pair", fmt.Sprintf("%s filled %d/%d gate_skips=%d", d.Second.Name(), r2.Filled(), r2.Requested(), r2.GateSkips))

	merged := r2
	if !r2.Success && p.RescueWithModify && ctx.Err() == nil {
		if rescue, ok := c.rescue(ctx, second, r2, gate, exec, log); ok {
			res.Rescue = &rescue
			merged = mergePair(r2, rescue)
		}
	}

	res.Success = r1.Success && merged.Success
	switch {
	case !merged.Success:
		res.Reason = "second pair incomplete: " + merged.Reason
	case !r1.Success:
		res.Reason = "first pair partially filled: " + firstReason(r1)
	}
	res.Spread = boxSpread(r1, merged)
	c.finish(exec, &res, outcomeOf(res.Success), log)
	return res
}

func outcomeOf(success bool) string {
	if success {
		return "completed"
	}
	return "failed"
}

// singlePair counts the pairs of d with quantity to trade and returns the
// one when exactly one has.
func singlePair(d decision.Decision, qty map[string]int) (leg.Pair, int) {
	var (
		only leg.Pair
		n    int
	)
	for _, p := range []leg.Pair{d.First, d.Second} {
		if qty[p.Legs[0].Key]+qty[p.Legs[1].Key] > 0 {
			only = p
			n++
		}
	}
	return only, n
}

func (c *Cycle) finish(exec *audit.Execution, res *CycleResult, outcome string, log *zap.Logger) {
	c.metrics.IncCycle(res.Phase, outcome)
	if res.Success {
		exec.Complete(fmt.Sprintf("spread %.2f", res.Spread))
		log.Info("Cycle completed", zap.Stringer("case", res.Decision.Case), zap.Float64("spread", res.Spread))
		return
	}
	exec.Fail(res.Reason)
	log.Warn("Cycle did not complete", zap.String("outcome", outcome), zap.String("reason", res.Reason))
}

// rescue runs the Modify executor on the residual of the IOC pair when the
// gate is still open.
func (c *Cycle) rescue(ctx context.Context, req executor.PairRequest, r2 executor.PairResult, gate executor.Gate,
	exec *audit.Execution, log *zap.Logger) (executor.PairResult, bool) {
	check, err := gate(ctx)
	if err != nil || !check.Open {
		log.Info("Rescue skipped, gate closed", zap.Float64("live", check.Live), zap.Float64("remaining_target", check.Remaining), zap.Error(err))
		return executor.PairResult{}, false
	}
	residual := make(map[string]int, 2)
	for _, lr := range r2.Legs {
		if n := lr.Remaining(); n > 0 {
			residual[lr.Leg.Key] = n
		}
	}
	// legs already complete are skipped by requesting nothing
	req.Quantity = residual
	exec.Milestone("rescue", fmt.Sprintf("residual %v", residual))
	return c.pairs.Execute(ctx, req, ModeModify, nil), true
}

// limitFunc prices the bidding leg from the other three legs, using the
// average fill of legs in achieved and live prices otherwise. Every other
// leg is quoted one tick through the observed price.
func (c *Cycle) limitFunc(roles Roles, achieved map[string]executor.LegResult) executor.LimitFunc {
	return func(ctx context.Context, l leg.Leg) (float64, error) {
		if l.Key != roles.Set.BiddingKey {
			p, err := c.pricer.Price(ctx, l)
			if err != nil {
				return 0, err
			}
			return c.calc.Improve(l.Action, p), nil
		}
		others := roles.Set.Others(l.Key)
		priced := make([]spread.Priced, 0, len(others))
		for _, o := range others {
			if lr, ok := achieved[o.Key]; ok && lr.Filled > 0 {
				priced = append(priced, spread.Priced{Key: o.Key, Action: o.Action, Price: lr.AvgPrice})
				continue
			}
			p, err := c.pricer.Price(ctx, o)
			if err != nil {
				return 0, fmt.Errorf("bidding leg %s: price of %s: %w", l.Key, o.Key, err)
			}
			priced = append(priced, spread.Priced{Key: o.Key, Action: o.Action, Price: p})
		}
		return c.calc.BiddingPrice(roles.Target, priced), nil
	}
}

// gate compares the live pair sum of the resolving pair with what is left of
// the target after the first pair.
func (c *Cycle) gate(target float64, resolving leg.Pair, achieved float64) executor.Gate {
	remaining := spread.RemainingTarget(target, achieved, resolving.Action)
	return func(ctx context.Context) (executor.GateCheck, error) {
		live := make([]spread.Priced, 0, len(resolving.Legs))
		for _, l := range resolving.Legs {
			p, err := c.pricer.Price(ctx, l)
			if err != nil {
				return executor.GateCheck{Remaining: remaining}, err
			}
			live = append(live, spread.Priced{Key: l.Key, Action: l.Action, Price: p})
		}
		sum := spread.PairSum(live)
		return executor.GateCheck{Open: spread.GateOpen(sum, remaining, resolving.Action), Live: sum, Remaining: remaining}, nil
	}
}

func pairQuantity(p leg.Pair, qty map[string]int, limit int) map[string]int {
	out := make(map[string]int, len(p.Legs))
	for _, l := range p.Legs {
		out[l.Key] = min(qty[l.Key], limit)
	}
	return out
}

func firstReason(r executor.PairResult) string {
	if r.Reason != "" {
		return r.Reason
	}
	return fmt.Sprintf("filled %d/%d", r.Filled(), r.Requested())
}

// mergePair folds the rescue fills into the IOC result.
func mergePair(base, rescue executor.PairResult) executor.PairResult {
	out := base
	out.Legs = make([]executor.LegResult, len(base.Legs))
	out.Success = true
	out.Reason = ""
	for i, lr := range base.Legs {
		if extra, ok := rescue.Leg(lr.Leg.Key); ok && extra.Filled > 0 {
			total := lr.Filled + extra.Filled
			lr.AvgPrice = (lr.AvgPrice*float64(lr.Filled) + extra.AvgPrice*float64(extra.Filled)) / float64(total)
			lr.Filled = total
			lr.Attempts += extra.Attempts
			lr.OrderIDs = append(append([]string(nil), lr.OrderIDs...), extra.OrderIDs...)
			lr.State = extra.State
			lr.Reason = extra.Reason
		}
		if !lr.Complete() {
			out.Success = false
			if out.Reason == "" {
				out.Reason = lr.Reason
			}
		}
		out.Legs[i] = lr
	}
	return out
}

func boxSpread(results ...executor.PairResult) float64 {
	var priced []spread.Priced
	for _, r := range results {
		for _, lr := range r.Legs {
			if lr.Filled > 0 {
				priced = append(priced, spread.Priced{Key: lr.Leg.Key, Action: lr.Leg.Action, Price: lr.AvgPrice})
			}
		}
	}
	return spread.Spread(priced)
}
