package market

import (
	"context"
	"time"

	"github.com/your-org/box-spread-bot/internal/indicator"
	"github.com/your-org/box-spread-bot/internal/leg"
)

// Sample is one observation of a leg. Invalid samples never enter a Window.
type Sample struct {
	LegKey string
	Bid    float64
	Ask    float64
	Time   time.Time
}

// Valid is false when either side is zero or negative.
func (s Sample) Valid() bool {
	return s.Bid > 0 && s.Ask > 0 && !s.Time.IsZero()
}

// Mid is the midpoint of the sample.
func (s Sample) Mid() float64 { return (s.Bid + s.Ask) / 2 }

// Window is a bounded buffer of samples per leg collected for one decision.
type Window struct {
	Started     time.Time
	Ended       time.Time
	Interrupted bool
	Dropped     int
	samples     map[string][]Sample
}

// NewWindow returns an empty window.
func NewWindow() *Window {
	return &Window{Started: time.Now(), samples: map[string][]Sample{}}
}

// Add appends a sample, dropping it when invalid.
func (w *Window) Add(s Sample) bool {
	if !s.Valid() {
		w.Dropped++
		return false
	}
	w.samples[s.LegKey] = append(w.samples[s.LegKey], s)
	return true
}

// Samples returns the valid samples of a leg.
func (w *Window) Samples(key string) []Sample {
	return w.samples[key]
}

// Mids returns the mid prices of a leg in collection order.
func (w *Window) Mids(key string) []float64 {
	ss := w.samples[key]
	out := make([]float64, len(ss))
	for i, s := range ss {
		out[i] = s.Mid()
	}
	return out
}

// Classify derives the trend of a leg from its mid prices.
func (w *Window) Classify(key string, cfg indicator.TrendConfig) indicator.Classification {
	return indicator.ClassifyTrend(w.Mids(key), cfg)
}

// Collect samples every leg directly from the source each period until d has
// elapsed. A cancelled ctx ends collection early and the partial window is
// returned with Interrupted set.
func (o *Observer) Collect(ctx context.Context, legs []leg.Leg, d, period time.Duration) *Window {
	return collect(ctx, o.source, legs, d, period)
}

func collect(ctx context.Context, src Source, legs []leg.Leg, d, period time.Duration) *Window {
	w := NewWindow()
	if period <= 0 {
		period = 200 * time.Millisecond
	}
	deadline := time.NewTimer(d)
	defer deadline.Stop()
	ticker := time.NewTicker(period)
	defer ticker.Stop()

	take := func() {
		for _, l := range legs {
			q, err := src.BestBidAsk(ctx, l.Instrument)
			if err != nil {
				w.Dropped++
				continue
			}
			w.Add(Sample{LegKey: l.Key, Bid: q.Bid, Ask: q.Ask, Time: q.Time})
		}
	}

	take()
	for {
		select {
		case <-ctx.Done():
			w.Interrupted = true
			w.Ended = time.Now()
			return w
		case <-deadline.C:
			w.Ended = time.Now()
			return w
		case <-ticker.C:
			take()
		}
	}
}
