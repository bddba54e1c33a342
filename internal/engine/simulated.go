package engine

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/your-org/box-spread-bot/internal/dbwriter"
	"github.com/your-org/box-spread-bot/internal/leg"
	"github.com/your-org/box-spread-bot/internal/market"
	"github.com/your-org/box-spread-bot/internal/order"
)

type simOrder struct {
	spec   order.Spec
	price  float64
	filled int
	avg    float64
	state  order.State
}

// SimulatedBroker fills orders against the live quotes of a market.Source.
// A BUY fills when its limit is at or above the ask, a SELL when its limit
// is at or below the bid. Fills are at the limit price.
type SimulatedBroker struct {
	source   market.Source
	dbWriter dbwriter.DBWriter
	logger   *zap.Logger

	// MaxFillPerCheck caps the quantity filled per status check. Zero fills
	// the whole remainder at once.
	MaxFillPerCheck int

	mu     sync.Mutex
	orders map[string]*simOrder
}

// NewSimulatedBroker creates a new SimulatedBroker. dbWriter may be nil.
func NewSimulatedBroker(source market.Source, dbWriter dbwriter.DBWriter, logger *zap.Logger) *SimulatedBroker {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &SimulatedBroker{
		source:   source,
		dbWriter: dbWriter,
		logger:   logger,
		orders:   make(map[string]*simOrder),
	}
}

func validateSpec(spec order.Spec) error {
	if spec.Quantity <= 0 {
		return fmt.Errorf("invalid quantity %d for leg %s", spec.Quantity, spec.LegKey)
	}
	if spec.LimitPrice <= 0 {
		return fmt.Errorf("invalid limit price %.2f for leg %s", spec.LimitPrice, spec.LegKey)
	}
	if spec.Instrument == "" {
		return fmt.Errorf("missing instrument for leg %s", spec.LegKey)
	}
	return nil
}

func newSimID() (string, error) {
	id, err := uuid.NewRandom()
	if err != nil {
		return "", fmt.Errorf("failed to generate simulated order ID: %w", err)
	}
	return "SIM-" + id.String(), nil
}

// PlaceOrder simulates placing a resting limit order.
func (b *SimulatedBroker) PlaceOrder(ctx context.Context, spec order.Spec) (string, error) {
	if err := validateSpec(spec); err != nil {
		return "", err
	}
	if err := ctx.Err(); err != nil {
		return "", err
	}
	id, err := newSimID()
	if err != nil {
		return "", err
	}

	b.mu.Lock()
	b.orders[id] = &simOrder{spec: spec, price: spec.LimitPrice, state: order.Placed}
	b.mu.Unlock()

	b.logger.Debug("[Simulation] Order accepted", zap.String("id", id), zap.String("instrument", spec.Instrument),
		zap.Stringer("action", spec.Action), zap.Float64("price", spec.LimitPrice), zap.Int("qty", spec.Quantity))
	b.tryFill(ctx, id)
	return id, nil
}

// ModifyOrder reprices a resting order.
func (b *SimulatedBroker) ModifyOrder(ctx context.Context, orderID string, newPrice float64) error {
	if newPrice <= 0 {
		return fmt.Errorf("invalid price %.2f", newPrice)
	}
	b.mu.Lock()
	o, ok := b.orders[orderID]
	if !ok {
		b.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrUnknownOrder, orderID)
	}
	if o.state.Terminal() {
		b.mu.Unlock()
		return fmt.Errorf("%w: %s is %s", ErrOrderClosed, orderID, o.state)
	}
	o.price = newPrice
	b.mu.Unlock()

	b.tryFill(ctx, orderID)
	return nil
}

// CancelOrder cancels the unfilled remainder of an order.
func (b *SimulatedBroker) CancelOrder(_ context.Context, orderID string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	o, ok := b.orders[orderID]
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownOrder, orderID)
	}
	if o.state.Terminal() {
		return fmt.Errorf("%w: %s is %s", ErrOrderClosed, orderID, o.state)
	}
	o.state = order.Cancelled
	return nil
}

// OrderStatus checks the order against the current quote and reports it.
func (b *SimulatedBroker) OrderStatus(ctx context.Context, orderID string) (order.Status, error) {
	b.tryFill(ctx, orderID)

	b.mu.Lock()
	defer b.mu.Unlock()
	o, ok := b.orders[orderID]
	if !ok {
		return order.Status{}, fmt.Errorf("%w: %s", ErrUnknownOrder, orderID)
	}
	return o.status(orderID), nil
}

// PlaceIOCOrder fills what it can at once and cancels the rest.
func (b *SimulatedBroker) PlaceIOCOrder(ctx context.Context, spec order.Spec, _ time.Duration) (order.Status, error) {
	spec.Style = order.StyleIOC
	id, err := b.PlaceOrder(ctx, spec)
	if err != nil {
		return order.Status{}, err
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	o := b.orders[id]
	if !o.state.Terminal() {
		o.state = order.Cancelled
	}
	return o.status(id), nil
}

func (o *simOrder) status(id string) order.Status {
	return order.Status{OrderID: id, FilledQty: o.filled, AvgPrice: o.avg, State: o.state}
}

func crosses(a leg.Action, limit float64, q market.Quote) bool {
	if a == leg.Buy {
		return limit >= q.Ask
	}
	return limit <= q.Bid
}

func (b *SimulatedBroker) tryFill(ctx context.Context, orderID string) {
	b.mu.Lock()
	o, ok := b.orders[orderID]
	if !ok || o.state.Terminal() {
		b.mu.Unlock()
		return
	}
	spec, price := o.spec, o.price
	b.mu.Unlock()

	q, err := b.source.BestBidAsk(ctx, spec.Instrument)
	if err != nil || !q.Valid() {
		b.logger.Debug("[Simulation] No quote to match against", zap.String("instrument", spec.Instrument), zap.Error(err))
		return
	}
	if !crosses(spec.Action, price, q) {
		return
	}

	b.mu.Lock()
	if o.state.Terminal() || o.price != price {
		b.mu.Unlock()
		return
	}
	qty := spec.Quantity - o.filled
	if b.MaxFillPerCheck > 0 && qty > b.MaxFillPerCheck {
		qty = b.MaxFillPerCheck
	}
	o.avg = (o.avg*float64(o.filled) + price*float64(qty)) / float64(o.filled+qty)
	o.filled += qty
	if o.filled == spec.Quantity {
		o.state = order.Filled
	} else {
		o.state = order.PartiallyFilled
	}
	b.mu.Unlock()

	b.logger.Info("[Simulation] Order filled", zap.String("id", orderID), zap.String("instrument", spec.Instrument),
		zap.Stringer("action", spec.Action), zap.Float64("price", price), zap.Int("qty", qty))
	if b.dbWriter != nil {
		b.dbWriter.SaveFill(dbwriter.Fill{
			Time:       time.Now().UTC(),
			OrderID:    orderID,
			UserID:     spec.UserID,
			Instrument: spec.Instrument,
			Action:     spec.Action.String(),
			Price:      price,
			Quantity:   qty,
		})
	}
}
