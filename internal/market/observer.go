package market

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/your-org/box-spread-bot/internal/indicator"
	"github.com/your-org/box-spread-bot/internal/leg"
	"github.com/your-org/box-spread-bot/internal/spread"
)

// State is the lifecycle of a continuous pair observer.
type State int32

const (
	StateNotStarted State = iota
	StateRunning
	StateStopped
)

func (s State) String() string {
	switch s {
	case StateRunning:
		return "running"
	case StateStopped:
		return "stopped"
	default:
		return "not_started"
	}
}

// LegQuote is the latest valid quote of one leg plus its EWMA drift.
type LegQuote struct {
	Quote
	Drift float64
	Vol   float64
}

// Snapshot is the immutable latest state of one pair. A new one is published
// on every sampling cycle; readers keep whatever pointer they loaded.
type Snapshot struct {
	Pair   string
	Seq    uint64
	Taken  time.Time
	Quotes map[string]LegQuote
}

// ObserverConfig configures Observer.
type ObserverConfig struct {
	Period     time.Duration // continuous sampling period
	StaleAfter time.Duration // cached quotes older than this are refetched by Quote
	EWMALambda float64
}

type pairObserver struct {
	pair   leg.Pair
	state  atomic.Int32
	snap   atomic.Pointer[Snapshot]
	cancel context.CancelFunc
	done   chan struct{}
}

// Observer runs one background sampler per leg pair.
type Observer struct {
	source Source
	cfg    ObserverConfig
	logger *zap.Logger

	mu    sync.Mutex
	pairs map[string]*pairObserver
	byLeg sync.Map // leg key -> *pairObserver
}

// NewObserver creates an Observer reading from source.
func NewObserver(source Source, cfg ObserverConfig, logger *zap.Logger) *Observer {
	if cfg.Period <= 0 {
		cfg.Period = 200 * time.Millisecond
	}
	if cfg.StaleAfter <= 0 {
		cfg.StaleAfter = 10 * cfg.Period
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Observer{
		source: source,
		cfg:    cfg,
		logger: logger,
		pairs:  make(map[string]*pairObserver),
	}
}

// Start launches the sampler for pair. It returns false, doing nothing, when
// a sampler for the pair is already running. A stopped pair starts again.
func (o *Observer) Start(ctx context.Context, pair leg.Pair) bool {
	name := pair.Name()
	o.mu.Lock()
	defer o.mu.Unlock()

	po, ok := o.pairs[name]
	if ok && State(po.state.Load()) == StateRunning {
		return false
	}
	if !ok {
		po = &pairObserver{pair: pair}
		o.pairs[name] = po
		for _, l := range pair.Legs {
			o.byLeg.Store(l.Key, po)
		}
	}

	runCtx, cancel := context.WithCancel(ctx)
	po.cancel = cancel
	po.done = make(chan struct{})
	po.state.Store(int32(StateRunning))
	go o.run(runCtx, po)

	o.logger.Info("Pair observer started", zap.String("pair", name))
	return true
}

// Stop stops the sampler for the pair and waits for it to exit.
func (o *Observer) Stop(name string) {
	o.mu.Lock()
	po, ok := o.pairs[name]
	o.mu.Unlock()
	if !ok || State(po.state.Load()) != StateRunning {
		return
	}
	po.cancel()
	<-po.done
}

// StopAll stops every running sampler.
func (o *Observer) StopAll() {
	o.mu.Lock()
	names := make([]string, 0, len(o.pairs))
	for name := range o.pairs {
		names = append(names, name)
	}
	o.mu.Unlock()
	for _, name := range names {
		o.Stop(name)
	}
}

// State returns the lifecycle state of a pair observer.
func (o *Observer) State(name string) State {
	o.mu.Lock()
	defer o.mu.Unlock()
	po, ok := o.pairs[name]
	if !ok {
		return StateNotStarted
	}
	return State(po.state.Load())
}

// Latest returns the last published snapshot of a pair without blocking.
func (o *Observer) Latest(name string) (*Snapshot, bool) {
	o.mu.Lock()
	po, ok := o.pairs[name]
	o.mu.Unlock()
	if !ok {
		return nil, false
	}
	s := po.snap.Load()
	return s, s != nil
}

// Quote returns the cached quote of a leg, or fetches it from the source when
// no observer tracks the leg or the cached quote is stale.
func (o *Observer) Quote(ctx context.Context, l leg.Leg) (Quote, error) {
	if v, ok := o.byLeg.Load(l.Key); ok {
		if s := v.(*pairObserver).snap.Load(); s != nil {
			if lq, ok := s.Quotes[l.Key]; ok && lq.Valid() && time.Since(lq.Time) <= o.cfg.StaleAfter {
				return lq.Quote, nil
			}
		}
	}
	q, err := o.source.BestBidAsk(ctx, l.Instrument)
	if err != nil {
		return Quote{}, err
	}
	if !q.Valid() {
		return Quote{}, fmt.Errorf("%w: invalid quote for %s", ErrNoQuote, l.Instrument)
	}
	return q, nil
}

// Price is the price an order with the leg's action would cross: ASK for
// BUY, BID for SELL.
func (o *Observer) Price(ctx context.Context, l leg.Leg) (float64, error) {
	q, err := o.Quote(ctx, l)
	if err != nil {
		return 0, err
	}
	return spread.PriceFor(l.Action, q.Bid, q.Ask), nil
}

func (o *Observer) run(ctx context.Context, po *pairObserver) {
	defer func() {
		if r := recover(); r != nil {
			o.logger.Error("Pair observer panicked", zap.String("pair", po.pair.Name()), zap.Any("panic", r))
		}
		po.state.Store(int32(StateStopped))
		close(po.done)
		o.logger.Info("Pair observer stopped", zap.String("pair", po.pair.Name()))
	}()

	vols := map[string]*indicator.VolatilityCalculator{}
	for _, l := range po.pair.Legs {
		vols[l.Key] = indicator.NewVolatilityCalculator(o.cfg.EWMALambda)
	}

	ticker := time.NewTicker(o.cfg.Period)
	defer ticker.Stop()

	var seq uint64
	for {
		seq++
		o.sample(ctx, po, seq, vols)
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

// sample is only ever called from the pair's own goroutine.
func (o *Observer) sample(ctx context.Context, po *pairObserver, seq uint64, vols map[string]*indicator.VolatilityCalculator) {
	prev := po.snap.Load()
	next := &Snapshot{
		Pair:   po.pair.Name(),
		Seq:    seq,
		Taken:  time.Now(),
		Quotes: make(map[string]LegQuote, 2),
	}
	for _, l := range po.pair.Legs {
		q, err := o.source.BestBidAsk(ctx, l.Instrument)
		if err != nil || !q.Valid() {
			if prev != nil {
				if old, ok := prev.Quotes[l.Key]; ok {
					next.Quotes[l.Key] = old
				}
			}
			continue
		}
		drift, vol := vols[l.Key].Update(q.Mid())
		next.Quotes[l.Key] = LegQuote{Quote: q, Drift: drift, Vol: vol}
	}
	po.snap.Store(next)
}
