package strategy

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/your-org/box-spread-bot/internal/audit"
	"github.com/your-org/box-spread-bot/internal/config"
	"github.com/your-org/box-spread-bot/internal/dbwriter"
	"github.com/your-org/box-spread-bot/internal/decision"
	"github.com/your-org/box-spread-bot/internal/engine"
	"github.com/your-org/box-spread-bot/internal/executor"
	"github.com/your-org/box-spread-bot/internal/leg"
	"github.com/your-org/box-spread-bot/internal/market"
	"github.com/your-org/box-spread-bot/internal/metrics"
	"github.com/your-org/box-spread-bot/internal/order"
	"github.com/your-org/box-spread-bot/internal/pnl"
	"github.com/your-org/box-spread-bot/internal/position"
	"github.com/your-org/box-spread-bot/internal/spread"
)

type quoteBoard struct {
	mu     sync.Mutex
	quotes map[string]market.Quote
}

func (q *quoteBoard) set(instrument string, bid, ask float64) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.quotes[instrument] = market.Quote{Bid: bid, Ask: ask, Time: time.Now()}
}

func (q *quoteBoard) BestBidAsk(_ context.Context, instrument string) (market.Quote, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	quote, ok := q.quotes[instrument]
	if !ok {
		return market.Quote{}, market.ErrNoQuote
	}
	// keep quotes fresh for the observer's staleness check
	quote.Time = time.Now()
	return quote, nil
}

type bookOrder struct {
	spec   order.Spec
	price  float64
	filled int
	avg    float64
	state  order.State
}

// bookBroker fills crossing orders at their limit up to a per-instrument
// capacity. An instrument without capacity fills without limit. iocCap,
// when set for an instrument, replaces capacity for IOC orders.
type bookBroker struct {
	board *quoteBoard

	mu       sync.Mutex
	seq      int
	capacity map[string]int
	iocCap   map[string]int
	orders   map[string]*bookOrder
	placed   []order.Spec
	iocs     []order.Spec
	// runs under the broker lock each time an order completes
	onFill func(spec order.Spec)
}

var _ engine.Broker = (*bookBroker)(nil)

func (b *bookBroker) match(o *bookOrder) {
	b.matchWith(o, b.capacity)
}

func (b *bookBroker) matchWith(o *bookOrder, capacity map[string]int) {
	if o.state.Terminal() {
		return
	}
	q, err := b.board.BestBidAsk(context.Background(), o.spec.Instrument)
	if err != nil {
		return
	}
	if (o.spec.Action == leg.Buy && o.price < q.Ask) || (o.spec.Action == leg.Sell && o.price > q.Bid) {
		return
	}
	qty := o.spec.Quantity - o.filled
	if c, ok := capacity[o.spec.Instrument]; ok {
		qty = min(qty, c)
		capacity[o.spec.Instrument] = c - qty
	}
	if qty <= 0 {
		return
	}
	o.avg = (o.avg*float64(o.filled) + o.price*float64(qty)) / float64(o.filled+qty)
	o.filled += qty
	o.state = order.PartiallyFilled
	if o.filled == o.spec.Quantity {
		o.state = order.Filled
		if b.onFill != nil {
			b.onFill(o.spec)
		}
	}
}

func (b *bookBroker) status(id string, o *bookOrder) order.Status {
	return order.Status{OrderID: id, FilledQty: o.filled, AvgPrice: o.avg, State: o.state}
}

func (b *bookBroker) PlaceOrder(_ context.Context, spec order.Spec) (string, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.placed = append(b.placed, spec)
	b.seq++
	id := fmt.Sprintf("B-%d", b.seq)
	o := &bookOrder{spec: spec, price: spec.LimitPrice, state: order.Placed}
	b.orders[id] = o
	b.match(o)
	return id, nil
}

func (b *bookBroker) ModifyOrder(_ context.Context, id string, price float64) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	o, ok := b.orders[id]
	if !ok {
		return engine.ErrUnknownOrder
	}
	if o.state.Terminal() {
		return engine.ErrOrderClosed
	}
	o.price = price
	b.match(o)
	return nil
}

func (b *bookBroker) CancelOrder(_ context.Context, id string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	o, ok := b.orders[id]
	if !ok {
		return engine.ErrUnknownOrder
	}
	if o.state.Terminal() {
		return engine.ErrOrderClosed
	}
	o.state = order.Cancelled
	return nil
}

func (b *bookBroker) OrderStatus(_ context.Context, id string) (order.Status, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	o, ok := b.orders[id]
	if !ok {
		return order.Status{}, engine.ErrUnknownOrder
	}
	b.match(o)
	return b.status(id, o), nil
}

func (b *bookBroker) PlaceIOCOrder(_ context.Context, spec order.Spec, _ time.Duration) (order.Status, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.iocs = append(b.iocs, spec)
	b.seq++
	id := fmt.Sprintf("I-%d", b.seq)
	o := &bookOrder{spec: spec, price: spec.LimitPrice, state: order.Placed}
	if _, ok := b.iocCap[spec.Instrument]; ok {
		b.matchWith(o, b.iocCap)
	} else {
		b.match(o)
	}
	if !o.state.Terminal() {
		o.state = order.Cancelled
	}
	return b.status(id, o), nil
}

func (b *bookBroker) counts() (placed, iocs int) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.placed), len(b.iocs)
}

func (b *bookBroker) placedFor(key string) []order.Spec {
	b.mu.Lock()
	defer b.mu.Unlock()
	var out []order.Spec
	for _, s := range append(append([]order.Spec(nil), b.placed...), b.iocs...) {
		if s.LegKey == key {
			out = append(out, s)
		}
	}
	return out
}

type deciderFunc func(ctx context.Context, set *leg.Set) decision.Decision

func (f deciderFunc) Decide(ctx context.Context, set *leg.Set) decision.Decision { return f(ctx, set) }

func sellFirst(_ context.Context, set *leg.Set) decision.Decision {
	return decision.Decision{Case: decision.CaseA, First: set.Sell, Second: set.Buy, Reason: "fixed"}
}

type harness struct {
	set     *leg.Set
	board   *quoteBoard
	broker  *bookBroker
	tracker *position.Tracker
	pnl     *pnl.Calculator
	pricer  *market.Observer
	params  Params
	decide  deciderFunc
	metrics *metrics.Metrics
	writer  *dbwriter.InMemWriter
	rec     *audit.Recorder
	cycle   *Cycle
	exits   *ExitCoordinator
}

func defaultParams() Params {
	return Params{
		RunState:          config.RunStateRunning,
		DesiredSpread:     100.3,
		DesiredExitSpread: 99.85,
		StartPrice:        110,
		ExitStart:         500,
		Direction:         leg.Buy,
		SpreadTolerance:   5,
		ThresholdBuy:      2,
		ThresholdSell:     2,
		MinFillRatio:      1,
	}
}

// newHarness builds a box of four 75-lot legs with leg2 as the bidding leg:
//
//	leg1 BUY  CE-24300 99.95/100.00
//	leg2 BUY  PE-24700 49.95/50.00
//	leg3 SELL CE-24700 29.95/30.00
//	leg4 SELL PE-24300 19.95/20.00
func newHarness(t *testing.T, users ...string) *harness {
	t.Helper()
	set, err := leg.NewSet([]leg.Leg{
		{Key: "leg1", Instrument: "CE-24300", Action: leg.Buy, Quantity: 75},
		{Key: "leg2", Instrument: "PE-24700", Action: leg.Buy, Quantity: 75},
		{Key: "leg3", Instrument: "CE-24700", Action: leg.Sell, Quantity: 75},
		{Key: "leg4", Instrument: "PE-24300", Action: leg.Sell, Quantity: 75},
	}, "leg2")
	require.NoError(t, err)

	board := &quoteBoard{quotes: make(map[string]market.Quote)}
	board.set("CE-24300", 99.95, 100.00)
	board.set("PE-24700", 49.95, 50.00)
	board.set("CE-24700", 29.95, 30.00)
	board.set("PE-24300", 19.95, 20.00)

	h := &harness{
		set:     set,
		board:   board,
		broker:  &bookBroker{board: board, capacity: make(map[string]int), iocCap: make(map[string]int), orders: make(map[string]*bookOrder)},
		tracker: position.NewTracker(),
		pnl:     pnl.NewCalculator(),
		params:  defaultParams(),
		decide:  sellFirst,
		metrics: metrics.New(),
		writer:  dbwriter.NewInMemWriter(),
	}
	h.pricer = market.NewObserver(board, market.ObserverConfig{Period: 10 * time.Millisecond, StaleAfter: time.Second}, zap.NewNop())
	h.rec = audit.NewRecorder(h.writer, "test", 256, h.metrics, zap.NewNop())
	t.Cleanup(h.rec.Close)

	if len(users) == 0 {
		users = []string{"u1"}
	}
	for _, u := range users {
		for _, l := range set.Legs {
			require.NoError(t, h.tracker.SetTarget(u, l, 75))
		}
	}

	calc := spread.New(0.05)
	modify := executor.NewModify(h.broker, h.pricer, calc, executor.ModifyConfig{MaxAttempts: 5}, zap.NewNop())
	ioc := executor.NewIOC(h.broker, h.pricer, calc, executor.IOCConfig{MaxAttempts: 3}, h.metrics, zap.NewNop())
	pairs := NewPairExecutor(modify, nil, ioc, h.tracker, h.pnl, h.metrics, zap.NewNop())
	paramsFn := func() Params { return h.params }
	h.cycle = NewCycle(deciderFunc(func(ctx context.Context, s *leg.Set) decision.Decision { return h.decide(ctx, s) }),
		pairs, h.pricer, calc, paramsFn, h.rec, h.metrics, zap.NewNop())
	h.exits = NewExitCoordinator(h.cycle, set, h.tracker, paramsFn, zap.NewNop())
	return h
}

func (h *harness) entryRoles(qty int) Roles {
	q := make(map[string]int, len(h.set.Legs))
	for _, l := range h.set.Legs {
		q[l.Key] = qty
	}
	return Roles{Phase: PhaseEntry, Set: h.set, Target: h.params.DesiredSpread, Quantity: q}
}

func TestCycle_CompletesBox(t *testing.T) {
	h := newHarness(t)

	res := h.cycle.Run(context.Background(), "u1", h.entryRoles(75))
	require.True(t, res.Success, res.Reason)
	require.NotNil(t, res.Second)
	assert.Nil(t, res.Rescue)
	assert.Equal(t, decision.CaseA, res.Decision.Case)
	assert.NotEmpty(t, res.ExecutionID)

	// SELL pair first through Modify, BUY pair through IOC
	placed, iocs := h.broker.counts()
	assert.Equal(t, 2, placed)
	assert.Equal(t, 2, iocs)

	want := map[string]float64{"leg1": 100.05, "leg2": 50.10, "leg3": 29.90, "leg4": 19.90}
	for key, avg := range want {
		st, ok := h.tracker.Get("u1", key)
		require.True(t, ok)
		assert.Equal(t, 75, st.Entry, key)
		assert.InDelta(t, avg, st.EntryAvg, 1e-9, key)
		assert.Equal(t, 75, res.Filled(key))
	}
	assert.InDelta(t, 100.35, res.Spread, 1e-9)

	n, err := testutil.GatherAndCount(h.metrics.Registry(), "box_cycles_total")
	require.NoError(t, err)
	assert.Equal(t, 1, n)
}

func TestCycle_BiddingLegPricedFromOtherLegs(t *testing.T) {
	h := newHarness(t)
	// signed sum of leg1, leg3, leg4 = 10 - 47 - 30 = -67
	h.board.set("CE-24300", 9.95, 10)
	h.board.set("CE-24700", 47, 47.05)
	h.board.set("PE-24300", 30, 30.05)

	roles := h.entryRoles(75)
	roles.Target = 50
	price, err := h.cycle.limitFunc(roles, nil)(context.Background(), h.set.Buy.Legs[1])
	require.NoError(t, err)
	assert.InDelta(t, 17.00, price, 1e-9)

	// filled legs are priced at their average, the rest live
	achieved := map[string]executor.LegResult{"leg3": {Leg: h.set.Sell.Legs[0], Filled: 75, AvgPrice: 46}}
	price, err = h.cycle.limitFunc(roles, achieved)(context.Background(), h.set.Buy.Legs[1])
	require.NoError(t, err)
	assert.InDelta(t, 16.00, price, 1e-9)

	// non-bidding legs are quoted one tick through
	price, err = h.cycle.limitFunc(roles, nil)(context.Background(), h.set.Buy.Legs[0])
	require.NoError(t, err)
	assert.InDelta(t, 10.05, price, 1e-9)
}

func TestCycle_FirstPairPartialNeverRunsIOC(t *testing.T) {
	h := newHarness(t)
	for _, l := range h.set.Legs {
		require.NoError(t, h.tracker.SetTarget("u1", l, 225))
	}
	h.broker.capacity["CE-24700"] = 150

	res := h.cycle.Run(context.Background(), "u1", h.entryRoles(225))
	assert.False(t, res.Success)
	assert.True(t, res.Aborted)
	assert.Nil(t, res.Second)
	assert.Contains(t, res.Reason, "first pair incomplete")

	lr, ok := res.First.Leg("leg3")
	require.True(t, ok)
	assert.Equal(t, 150, lr.Filled)
	assert.Equal(t, 225, lr.Requested)
	assert.Equal(t, 5, lr.Attempts)

	_, iocs := h.broker.counts()
	assert.Zero(t, iocs, "IOC pair must never be invoked")

	// the partial fill stays open for a later exit
	assert.Equal(t, 150, h.tracker.Open("u1", "leg3"))
	assert.Equal(t, 225, h.tracker.Open("u1", "leg4"))
	assert.Zero(t, h.tracker.Open("u1", "leg1"))
}

func TestCycle_AcceptedPartialSizesSecondPair(t *testing.T) {
	h := newHarness(t)
	h.params.MinFillRatio = 0.5
	h.broker.capacity["CE-24700"] = 50

	res := h.cycle.Run(context.Background(), "u1", h.entryRoles(75))
	require.NotNil(t, res.Second)
	assert.False(t, res.Success, "first pair is still short")
	for _, lr := range res.Second.Legs {
		assert.Equal(t, 50, lr.Requested, lr.Leg.Key)
		assert.Equal(t, 50, lr.Filled, lr.Leg.Key)
	}
}

func TestCycle_ClosedGatePlacesNoIOC(t *testing.T) {
	h := newHarness(t)
	// remaining target 99 + 49.8 = 148.8 is below the live BUY sum of 150
	h.params.DesiredSpread = 99

	res := h.cycle.Run(context.Background(), "u1", h.entryRoles(75))
	assert.False(t, res.Success)
	require.NotNil(t, res.Second)
	assert.Equal(t, 3, res.Second.GateSkips)
	assert.Contains(t, res.Reason, "spread gate closed")

	_, iocs := h.broker.counts()
	assert.Zero(t, iocs)
	assert.Zero(t, h.tracker.Open("u1", "leg1"))
	assert.Equal(t, 75, h.tracker.Open("u1", "leg3"))
}

func TestCycle_RescueFillsIOCResidual(t *testing.T) {
	h := newHarness(t)
	h.params.RescueWithModify = true
	h.broker.iocCap["CE-24300"] = 30

	res := h.cycle.Run(context.Background(), "u1", h.entryRoles(75))
	require.NotNil(t, res.Second)
	lr, _ := res.Second.Leg("leg1")
	assert.Equal(t, 30, lr.Filled)
	assert.False(t, res.Second.Success)

	require.NotNil(t, res.Rescue)
	rl, _ := res.Rescue.Leg("leg1")
	assert.Equal(t, 45, rl.Requested)
	assert.Equal(t, 45, rl.Filled)
	assert.True(t, res.Success, res.Reason)
	assert.Equal(t, 75, h.tracker.Open("u1", "leg1"))
	assert.Equal(t, 75, res.Filled("leg1"))
	assert.InDelta(t, 100.35, res.Spread, 1e-9)
}

func TestCycle_NoRescueWithoutFlag(t *testing.T) {
	h := newHarness(t)
	h.broker.iocCap["CE-24300"] = 30

	res := h.cycle.Run(context.Background(), "u1", h.entryRoles(75))
	assert.Nil(t, res.Rescue)
	assert.False(t, res.Success)
	assert.Contains(t, res.Reason, "ioc attempts exhausted")
	assert.Equal(t, 30, h.tracker.Open("u1", "leg1"))
}

func TestCycle_PanicCrashesExecution(t *testing.T) {
	h := newHarness(t)
	h.decide = func(context.Context, *leg.Set) decision.Decision { panic("boom") }

	var res CycleResult
	require.NotPanics(t, func() {
		res = h.cycle.Run(context.Background(), "u1", h.entryRoles(75))
	})
	assert.True(t, res.Crashed)
	assert.False(t, res.Success)
	assert.Equal(t, "panic: boom", res.Reason)

	h.rec.Close()
	assert.Equal(t, []string{"STARTED", "CRASHED"}, h.writer.ExecutionStatuses(res.ExecutionID))
}

func TestCycle_AuditTrail(t *testing.T) {
	h := newHarness(t)
	res := h.cycle.Run(context.Background(), "u1", h.entryRoles(75))
	require.True(t, res.Success)
	h.rec.Close()

	assert.Equal(t, []string{"STARTED", "COMPLETED"}, h.writer.ExecutionStatuses(res.ExecutionID))
	rec := h.writer.Snapshot()
	require.Len(t, rec.Observations, 1)
	assert.Equal(t, "CASE_A", rec.Observations[0].Decision)
	var names []string
	for _, m := range rec.Milestones {
		names = append(names, m.Name)
	}
	assert.Equal(t, []string{"decision", "first_pair", "second_pair"}, names)
	assert.NotEmpty(t, rec.OrderEvents)
}

func TestCycle_SinglePairWhenOtherIsFlat(t *testing.T) {
	h := newHarness(t)
	roles := h.entryRoles(75)
	roles.Quantity["leg3"], roles.Quantity["leg4"] = 0, 0

	res := h.cycle.Run(context.Background(), "u1", roles)
	require.True(t, res.Success, res.Reason)
	assert.Nil(t, res.Second)
	assert.Equal(t, 75, h.tracker.Open("u1", "leg1"))
	assert.Equal(t, 75, h.tracker.Open("u1", "leg2"))

	roles.Quantity["leg1"], roles.Quantity["leg2"] = 0, 0
	res = h.cycle.Run(context.Background(), "u1", roles)
	assert.True(t, res.Aborted)
	assert.Equal(t, "nothing to execute", res.Reason)
}

func TestPairExecutor_BookingErrorsAreJournaled(t *testing.T) {
	h := newHarness(t)
	// target below the request: the broker fills but the tracker refuses
	for _, l := range h.set.Legs {
		require.NoError(t, h.tracker.SetTarget("u1", l, 10))
	}
	j := &errJournal{}
	req := executor.PairRequest{UserID: "u1", Phase: PhaseEntry, Pair: h.set.Sell, Quantity: map[string]int{"leg3": 75, "leg4": 75}, Journal: j}
	res := h.cycle.pairs.Execute(context.Background(), req, ModeModify, nil)
	assert.True(t, res.Success)
	require.Len(t, j.errs, 1)
	assert.True(t, errors.Is(j.errs[0], position.ErrExceedsTarget))
	assert.Zero(t, h.tracker.Open("u1", "leg3"))
}

type errJournal struct {
	mu   sync.Mutex
	errs []error
}

func (j *errJournal) Order(*order.Order, int) {}
func (j *errJournal) Error(_ string, err error) {
	j.mu.Lock()
	defer j.mu.Unlock()
	j.errs = append(j.errs, err)
}
