package executor

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/your-org/box-spread-bot/internal/engine"
	"github.com/your-org/box-spread-bot/internal/leg"
	"github.com/your-org/box-spread-bot/internal/order"
	"github.com/your-org/box-spread-bot/internal/spread"
)

// ModifyConfig bounds a Modify execution.
type ModifyConfig struct {
	// MaxAttempts counts the placement and every modification.
	MaxAttempts   int
	RetryInterval time.Duration
	// ConcurrentLegs drives both legs of a pair at once.
	ConcurrentLegs bool
}

// Modify places a limit order and reprices it until it fills or the attempt
// budget runs out.
type Modify struct {
	broker engine.Broker
	pricer Pricer
	calc   spread.Calculator
	cfg    ModifyConfig
	logger *zap.Logger
}

// NewModify creates a Modify executor.
func NewModify(broker engine.Broker, pricer Pricer, calc spread.Calculator, cfg ModifyConfig, logger *zap.Logger) *Modify {
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 5
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Modify{broker: broker, pricer: pricer, calc: calc, cfg: cfg, logger: logger}
}

// Config returns the executor's bounds.
func (m *Modify) Config() ModifyConfig { return m.cfg }

func (m *Modify) limit(req PairRequest) LimitFunc {
	if req.Limit != nil {
		return req.Limit
	}
	return func(ctx context.Context, l leg.Leg) (float64, error) {
		p, err := m.pricer.Price(ctx, l)
		if err != nil {
			return 0, err
		}
		return m.calc.Improve(l.Action, p), nil
	}
}

// errLegUnrecoverable marks a leg that ended without any fill on errors only.
var errLegUnrecoverable = errors.New("leg failed without fills")

// ExecutePair drives both legs of req.Pair. The pair returns only when both
// legs are terminal.
func (m *Modify) ExecutePair(ctx context.Context, req PairRequest) PairResult {
	res := PairResult{Pair: req.Pair, Legs: make([]LegResult, len(req.Pair.Legs))}

	if m.cfg.ConcurrentLegs {
		g, gctx := errgroup.WithContext(ctx)
		for i, l := range req.Pair.Legs {
			g.Go(func() error {
				res.Legs[i] = m.Execute(gctx, req, l)
				if unrecoverable(res.Legs[i]) {
					return fmt.Errorf("%s: %w", l.Key, errLegUnrecoverable)
				}
				return nil
			})
		}
		if err := g.Wait(); err != nil {
			res.Reason = err.Error()
		}
	} else {
		for i, l := range req.Pair.Legs {
			if i > 0 && unrecoverable(res.Legs[i-1]) {
				res.Legs[i] = LegResult{Leg: l, Requested: req.Quantity[l.Key], State: order.Idle,
					Reason: "skipped after " + req.Pair.Legs[i-1].Key + " failed"}
				continue
			}
			res.Legs[i] = m.Execute(ctx, req, l)
		}
	}

	reason := res.Reason
	res.finish()
	if !res.Success && reason != "" {
		res.Reason = reason
	}
	return res
}

func unrecoverable(r LegResult) bool {
	return r.Err != nil && r.Filled == 0 && r.Requested > 0
}

// Execute drives a single leg to its requested quantity.
func (m *Modify) Execute(ctx context.Context, req PairRequest, l leg.Leg) LegResult {
	qty := req.Quantity[l.Key]
	res := LegResult{Leg: l, Requested: qty, State: order.Idle}
	if qty <= 0 {
		res.Reason = "nothing to fill"
		return res
	}
	journal := req.journal()
	limitFor := m.limit(req)
	log := m.logger.With(zap.String("user", req.UserID), zap.String("leg", l.Key), zap.Stringer("action", l.Action))

	var cur *order.Order
	// fills of orders that already reached a terminal state
	var done LegResult
	done.Requested = qty
	total := func() LegResult {
		t := done
		if cur != nil {
			t.addFill(cur.FilledQty, cur.AvgPrice)
		}
		return t
	}

	for res.Attempts < m.cfg.MaxAttempts {
		if err := ctx.Err(); err != nil {
			res.Reason = "cancelled"
			break
		}
		t := total()
		remaining := qty - t.Filled
		if remaining <= 0 {
			break
		}

		res.Attempts++
		price, err := limitFor(ctx, l)
		if err != nil {
			res.Err = err
			journal.Error("modify_price", err)
			log.Warn("No price for leg", zap.Int("attempt", res.Attempts), zap.Error(err))
			_ = sleepCtx(ctx, m.cfg.RetryInterval)
			continue
		}

		if cur == nil || cur.State.Terminal() {
			if cur != nil {
				done.addFill(cur.FilledQty, cur.AvgPrice)
			}
			cur = order.New(order.Spec{
				UserID:     req.UserID,
				LegKey:     l.Key,
				Instrument: l.Instrument,
				Action:     l.Action,
				Quantity:   remaining,
				LimitPrice: price,
				Style:      order.StyleLimit,
				Tag:        req.Phase,
			})
			id, err := m.broker.PlaceOrder(ctx, cur.Spec)
			if err != nil {
				_ = cur.MarkFailed()
				res.Err = err
				journal.Order(cur, res.Attempts)
				journal.Error("modify_place", err)
				log.Warn("Order placement failed", zap.Int("attempt", res.Attempts), zap.Error(err))
				_ = sleepCtx(ctx, m.cfg.RetryInterval)
				continue
			}
			if err := cur.MarkPlaced(id); err != nil {
				journal.Error("modify_place", err)
			}
			res.OrderIDs = append(res.OrderIDs, id)
			res.Err = nil
		} else {
			if err := m.broker.ModifyOrder(ctx, cur.ID, price); err != nil {
				journal.Error("modify_reprice", err)
				log.Warn("Order modify failed", zap.String("id", cur.ID), zap.Int("attempt", res.Attempts), zap.Error(err))
			} else {
				cur.Spec.LimitPrice = price
			}
		}
		journal.Order(cur, res.Attempts)

		if sleepCtx(ctx, m.cfg.RetryInterval) != nil {
			res.Reason = "cancelled"
			break
		}
		m.poll(ctx, cur, journal, res.Attempts, log)
	}

	if cur != nil && !cur.State.Terminal() {
		m.cancelResidual(context.WithoutCancel(ctx), cur, journal, res.Attempts, log)
	}

	t := total()
	res.Filled, res.AvgPrice = t.Filled, t.AvgPrice
	if cur != nil {
		res.State = cur.State
	}
	if res.Filled >= qty {
		res.Reason = ""
		res.Err = nil
		return res
	}
	if res.Reason == "" {
		res.Reason = fmt.Sprintf("attempts exhausted: filled %d/%d after %d attempts", res.Filled, qty, res.Attempts)
	}
	log.Info("Modify leg incomplete", zap.Int("filled", res.Filled), zap.Int("requested", qty), zap.Int("attempts", res.Attempts))
	return res
}

func (m *Modify) poll(ctx context.Context, o *order.Order, journal Journal, attempt int, log *zap.Logger) {
	st, err := m.broker.OrderStatus(ctx, o.ID)
	if err != nil {
		journal.Error("modify_status", err)
		log.Warn("Order status failed", zap.String("id", o.ID), zap.Error(err))
		return
	}
	prev := o.State
	if err := o.Apply(st); err != nil {
		journal.Error("modify_status", err)
		log.Error("Rejected order status", zap.String("id", o.ID), zap.Error(err))
		return
	}
	if o.State != prev {
		journal.Order(o, attempt)
	}
}

func (m *Modify) cancelResidual(ctx context.Context, o *order.Order, journal Journal, attempt int, log *zap.Logger) {
	if err := m.broker.CancelOrder(ctx, o.ID); err != nil && !errors.Is(err, engine.ErrOrderClosed) {
		journal.Error("modify_cancel", err)
		log.Warn("Cancel of residual failed", zap.String("id", o.ID), zap.Error(err))
	}
	// pick up fills that raced the cancel
	st, err := m.broker.OrderStatus(ctx, o.ID)
	if err != nil {
		journal.Error("modify_cancel", err)
		st = order.Status{OrderID: o.ID, FilledQty: o.FilledQty, AvgPrice: o.AvgPrice}
	}
	if !st.State.Terminal() {
		st.State = order.Cancelled
	}
	if err := o.Apply(st); err != nil {
		journal.Error("modify_cancel", err)
		return
	}
	journal.Order(o, attempt)
}
