package executor

import (
	"context"
	"sync"
	"time"

	"go.uber.org/multierr"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/your-org/box-spread-bot/internal/engine"
	"github.com/your-org/box-spread-bot/internal/leg"
	"github.com/your-org/box-spread-bot/internal/metrics"
	"github.com/your-org/box-spread-bot/internal/order"
	"github.com/your-org/box-spread-bot/internal/spread"
)

// IOCConfig bounds an IOC execution.
type IOCConfig struct {
	MaxAttempts   int
	RetryInterval time.Duration
	Timeout       time.Duration
}

// GateCheck is one evaluation of the spread gate.
type GateCheck struct {
	Open      bool
	Live      float64
	Remaining float64
}

// Gate is evaluated before every IOC attempt. A nil Gate is always open.
type Gate func(ctx context.Context) (GateCheck, error)

// IOC sends immediate-or-cancel orders for the unfilled legs of a pair while
// the spread gate is open.
type IOC struct {
	broker  engine.Broker
	pricer  Pricer
	calc    spread.Calculator
	cfg     IOCConfig
	metrics *metrics.Metrics
	logger  *zap.Logger
}

// NewIOC creates an IOC executor.
func NewIOC(broker engine.Broker, pricer Pricer, calc spread.Calculator, cfg IOCConfig, m *metrics.Metrics, logger *zap.Logger) *IOC {
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 3
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = time.Second
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &IOC{broker: broker, pricer: pricer, calc: calc, cfg: cfg, metrics: m, logger: logger}
}

func (x *IOC) limit(req PairRequest) LimitFunc {
	if req.Limit != nil {
		return req.Limit
	}
	return func(ctx context.Context, l leg.Leg) (float64, error) {
		p, err := x.pricer.Price(ctx, l)
		if err != nil {
			return 0, err
		}
		return x.calc.Improve(l.Action, p), nil
	}
}

// ExecutePair runs up to MaxAttempts rounds. In each round the gate is
// checked first; a closed gate places nothing that round.
func (x *IOC) ExecutePair(ctx context.Context, req PairRequest, gate Gate) PairResult {
	res := PairResult{Pair: req.Pair, Legs: make([]LegResult, len(req.Pair.Legs))}
	for i, l := range req.Pair.Legs {
		res.Legs[i] = LegResult{Leg: l, Requested: req.Quantity[l.Key], State: order.Idle}
	}
	journal := req.journal()
	limitFor := x.limit(req)
	log := x.logger.With(zap.String("user", req.UserID), zap.String("pair", req.Pair.Name()))

	var lastGate string
	for attempt := 1; attempt <= x.cfg.MaxAttempts; attempt++ {
		if !pending(res.Legs) {
			break
		}
		if attempt > 1 {
			if sleepCtx(ctx, x.cfg.RetryInterval) != nil {
				res.Reason = "cancelled"
				break
			}
		} else if ctx.Err() != nil {
			res.Reason = "cancelled"
			break
		}

		if gate != nil {
			check, err := gate(ctx)
			if err != nil || !check.Open {
				res.GateSkips++
				x.metrics.IncGateSkip(req.Phase)
				if err != nil {
					journal.Error("ioc_gate", err)
					lastGate = "gate error: " + err.Error()
				} else {
					lastGate = "spread gate closed"
				}
				log.Info("IOC attempt skipped", zap.Int("attempt", attempt), zap.Float64("live", check.Live),
					zap.Float64("remaining_target", check.Remaining), zap.Error(err))
				continue
			}
		}

		if err := x.round(ctx, req, res.Legs, attempt, limitFor, journal, log); err != nil {
			log.Warn("IOC round had errors", zap.Int("attempt", attempt), zap.Error(err))
		}
	}

	for i := range res.Legs {
		if !res.Legs[i].Complete() && res.Legs[i].Reason == "" {
			switch {
			case res.Legs[i].Attempts == 0 && lastGate != "":
				res.Legs[i].Reason = lastGate
			default:
				res.Legs[i].Reason = "ioc attempts exhausted"
			}
		}
	}
	reason := res.Reason
	res.finish()
	if !res.Success && reason != "" {
		res.Reason = reason
	}
	return res
}

func pending(legs []LegResult) bool {
	for _, l := range legs {
		if l.Remaining() > 0 {
			return true
		}
	}
	return false
}

// round sends one IOC order per unfilled leg. Each goroutine owns one
// LegResult and its own order.
func (x *IOC) round(ctx context.Context, req PairRequest, legs []LegResult, attempt int, limitFor LimitFunc, journal Journal, log *zap.Logger) error {
	var (
		g    errgroup.Group
		mu   sync.Mutex
		errs error
	)
	for i := range legs {
		lr := &legs[i]
		remaining := lr.Remaining()
		if remaining <= 0 {
			continue
		}
		g.Go(func() error {
			err := x.send(ctx, req, lr, remaining, attempt, limitFor, journal, log)
			if err != nil {
				mu.Lock()
				errs = multierr.Append(errs, err)
				mu.Unlock()
			}
			return nil
		})
	}
	_ = g.Wait()
	return errs
}

func (x *IOC) send(ctx context.Context, req PairRequest, lr *LegResult, qty, attempt int, limitFor LimitFunc, journal Journal, log *zap.Logger) error {
	l := lr.Leg
	price, err := limitFor(ctx, l)
	if err != nil {
		lr.Err = err
		journal.Error("ioc_price", err)
		return err
	}
	o := order.New(order.Spec{
		UserID:     req.UserID,
		LegKey:     l.Key,
		Instrument: l.Instrument,
		Action:     l.Action,
		Quantity:   qty,
		LimitPrice: price,
		Style:      order.StyleIOC,
		Tag:        req.Phase,
	})
	lr.Attempts++
	st, err := x.broker.PlaceIOCOrder(ctx, o.Spec, x.cfg.Timeout)
	if err != nil {
		_ = o.MarkFailed()
		lr.Err = err
		lr.State = o.State
		journal.Order(o, attempt)
		journal.Error("ioc_place", err)
		return err
	}
	if err := o.MarkPlaced(st.OrderID); err != nil {
		journal.Error("ioc_place", err)
	}
	// whatever did not fill is gone
	if !st.State.Terminal() {
		st.State = order.Cancelled
	}
	if err := o.Apply(st); err != nil {
		lr.Err = err
		journal.Error("ioc_status", err)
		return err
	}
	lr.OrderIDs = append(lr.OrderIDs, o.ID)
	lr.addFill(o.FilledQty, o.AvgPrice)
	lr.State = o.State
	lr.Err = nil
	journal.Order(o, attempt)
	log.Debug("IOC leg result", zap.String("leg", l.Key), zap.Float64("price", price),
		zap.Int("filled", o.FilledQty), zap.Int("remaining", lr.Remaining()))
	return nil
}
