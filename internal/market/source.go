// Package market samples leg quotes: a continuous per-pair observer with a
// lock-free latest snapshot, and a one-shot windowed collector used by the
// case decision.
package market

import (
	"context"
	"errors"
	"time"
)

// ErrNoQuote is returned when a source has no usable quote for an instrument.
var ErrNoQuote = errors.New("no quote")

// Quote is the best bid/ask of an instrument at a point in time.
type Quote struct {
	Bid  float64
	Ask  float64
	Time time.Time
}

// Valid is false for a zero or negative side or a missing timestamp.
func (q Quote) Valid() bool {
	return q.Bid > 0 && q.Ask > 0 && !q.Time.IsZero()
}

// Mid is the midpoint of the quote.
func (q Quote) Mid() float64 {
	return (q.Bid + q.Ask) / 2
}

// Source is the market data feed.
type Source interface {
	BestBidAsk(ctx context.Context, instrument string) (Quote, error)
}

// SourceFunc adapts a function to Source.
type SourceFunc func(ctx context.Context, instrument string) (Quote, error)

// BestBidAsk calls f.
func (f SourceFunc) BestBidAsk(ctx context.Context, instrument string) (Quote, error) {
	return f(ctx, instrument)
}
