package engine

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/your-org/box-spread-bot/internal/metrics"
	"github.com/your-org/box-spread-bot/internal/order"
)

// Broker defines the interface for order execution.
type Broker interface {
	PlaceOrder(ctx context.Context, spec order.Spec) (string, error)
	ModifyOrder(ctx context.Context, orderID string, newPrice float64) error
	CancelOrder(ctx context.Context, orderID string) error
	OrderStatus(ctx context.Context, orderID string) (order.Status, error)
	PlaceIOCOrder(ctx context.Context, spec order.Spec, timeout time.Duration) (order.Status, error)
}

// ErrUnknownOrder is returned for an order id the broker does not know.
var ErrUnknownOrder = errors.New("unknown order")

// ErrOrderClosed is returned when modifying or cancelling a terminal order.
var ErrOrderClosed = errors.New("order already closed")

// InstrumentedBroker wraps a Broker with per-call timeouts, logging and
// latency metrics.
type InstrumentedBroker struct {
	next        Broker
	callTimeout time.Duration
	logger      *zap.Logger
	metrics     *metrics.Metrics
	prefix      string
}

// NewInstrumentedBroker wraps next. mode is used as the log prefix, e.g. "Live".
func NewInstrumentedBroker(next Broker, mode string, callTimeout time.Duration, logger *zap.Logger, m *metrics.Metrics) *InstrumentedBroker {
	if logger == nil {
		logger = zap.NewNop()
	}
	if callTimeout <= 0 {
		callTimeout = 5 * time.Second
	}
	return &InstrumentedBroker{
		next:        next,
		callTimeout: callTimeout,
		logger:      logger,
		metrics:     m,
		prefix:      fmt.Sprintf("[%s] ", mode),
	}
}

func (b *InstrumentedBroker) observe(call string, start time.Time) {
	b.metrics.ObserveBrokerCall(call, time.Since(start))
}

// PlaceOrder places a new limit order.
func (b *InstrumentedBroker) PlaceOrder(ctx context.Context, spec order.Spec) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, b.callTimeout)
	defer cancel()
	defer b.observe("place", time.Now())

	id, err := b.next.PlaceOrder(ctx, spec)
	if err != nil {
		b.logger.Error(b.prefix+"Error placing order", zap.String("user", spec.UserID), zap.String("leg", spec.LegKey),
			zap.Stringer("action", spec.Action), zap.Float64("price", spec.LimitPrice), zap.Int("qty", spec.Quantity), zap.Error(err))
		return "", err
	}
	b.metrics.IncOrderPlaced(order.StyleLimit.String(), spec.Action.String())
	b.logger.Info(b.prefix+"Order placed", zap.String("id", id), zap.String("user", spec.UserID), zap.String("leg", spec.LegKey),
		zap.Stringer("action", spec.Action), zap.Float64("price", spec.LimitPrice), zap.Int("qty", spec.Quantity))
	return id, nil
}

// ModifyOrder reprices an open order.
func (b *InstrumentedBroker) ModifyOrder(ctx context.Context, orderID string, newPrice float64) error {
	ctx, cancel := context.WithTimeout(ctx, b.callTimeout)
	defer cancel()
	defer b.observe("modify", time.Now())

	if err := b.next.ModifyOrder(ctx, orderID, newPrice); err != nil {
		b.logger.Warn(b.prefix+"Error modifying order", zap.String("id", orderID), zap.Float64("price", newPrice), zap.Error(err))
		return err
	}
	b.logger.Debug(b.prefix+"Order modified", zap.String("id", orderID), zap.Float64("price", newPrice))
	return nil
}

// CancelOrder cancels an open order.
func (b *InstrumentedBroker) CancelOrder(ctx context.Context, orderID string) error {
	ctx, cancel := context.WithTimeout(ctx, b.callTimeout)
	defer cancel()
	defer b.observe("cancel", time.Now())

	if err := b.next.CancelOrder(ctx, orderID); err != nil {
		b.logger.Warn(b.prefix+"Error cancelling order", zap.String("id", orderID), zap.Error(err))
		return err
	}
	b.logger.Info(b.prefix+"Order cancelled", zap.String("id", orderID))
	return nil
}

// OrderStatus polls an order.
func (b *InstrumentedBroker) OrderStatus(ctx context.Context, orderID string) (order.Status, error) {
	ctx, cancel := context.WithTimeout(ctx, b.callTimeout)
	defer cancel()
	defer b.observe("status", time.Now())
	return b.next.OrderStatus(ctx, orderID)
}

// PlaceIOCOrder sends an immediate-or-cancel order. The call timeout is
// extended by the IOC timeout itself.
func (b *InstrumentedBroker) PlaceIOCOrder(ctx context.Context, spec order.Spec, timeout time.Duration) (order.Status, error) {
	ctx, cancel := context.WithTimeout(ctx, b.callTimeout+timeout)
	defer cancel()
	defer b.observe("ioc", time.Now())

	st, err := b.next.PlaceIOCOrder(ctx, spec, timeout)
	if err != nil {
		b.logger.Error(b.prefix+"Error placing IOC order", zap.String("user", spec.UserID), zap.String("leg", spec.LegKey), zap.Error(err))
		return st, err
	}
	b.metrics.IncOrderPlaced(order.StyleIOC.String(), spec.Action.String())
	b.logger.Info(b.prefix+"IOC order done", zap.String("id", st.OrderID), zap.String("user", spec.UserID), zap.String("leg", spec.LegKey),
		zap.Stringer("action", spec.Action), zap.Float64("price", spec.LimitPrice), zap.Int("qty", spec.Quantity),
		zap.Int("filled", st.FilledQty), zap.Stringer("state", st.State))
	return st, nil
}
