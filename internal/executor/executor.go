// Package executor drives the legs of one pair to fill, either by repricing
// resting limit orders (Modify) or by gated immediate-or-cancel attempts (IOC).
// Executors never return raw errors: every outcome is a LegResult or
// PairResult carrying the fills and a reason.
package executor

import (
	"context"
	"time"

	"github.com/your-org/box-spread-bot/internal/leg"
	"github.com/your-org/box-spread-bot/internal/order"
)

// Pricer returns the observed price a leg's order would cross.
// *market.Observer implements it.
type Pricer interface {
	Price(ctx context.Context, l leg.Leg) (float64, error)
}

// LimitFunc computes the limit price of a leg for the next attempt.
type LimitFunc func(ctx context.Context, l leg.Leg) (float64, error)

// Journal receives order progress and errors of one execution.
type Journal interface {
	Order(o *order.Order, attempt int)
	Error(stage string, err error)
}

type nopJournal struct{}

func (nopJournal) Order(*order.Order, int) {}
func (nopJournal) Error(string, error)     {}

// PairRequest describes one pair execution for a user.
type PairRequest struct {
	UserID string
	Phase  string
	// Pair legs are executed in the order given.
	Pair leg.Pair
	// Quantity per leg key.
	Quantity map[string]int
	// Limit overrides the default observed price moved one tick towards
	// the other side.
	Limit   LimitFunc
	Journal Journal
}

func (r PairRequest) journal() Journal {
	if r.Journal == nil {
		return nopJournal{}
	}
	return r.Journal
}

// LegResult is the outcome of driving one leg.
type LegResult struct {
	Leg       leg.Leg
	Requested int
	Filled    int
	AvgPrice  float64
	Attempts  int
	OrderIDs  []string
	State     order.State
	Reason    string
	Err       error
}

// Complete reports whether the requested quantity was filled.
func (r LegResult) Complete() bool {
	return r.Filled >= r.Requested
}

// Remaining is the unfilled quantity.
func (r LegResult) Remaining() int {
	if r.Filled >= r.Requested {
		return 0
	}
	return r.Requested - r.Filled
}

func (r *LegResult) addFill(qty int, price float64) {
	if qty <= 0 {
		return
	}
	r.AvgPrice = (r.AvgPrice*float64(r.Filled) + price*float64(qty)) / float64(r.Filled+qty)
	r.Filled += qty
}

// PairResult aggregates the legs of one pair.
type PairResult struct {
	Pair      leg.Pair
	Legs      []LegResult
	Success   bool
	Reason    string
	GateSkips int
}

// Requested is the total requested quantity.
func (r PairResult) Requested() int {
	n := 0
	for _, l := range r.Legs {
		n += l.Requested
	}
	return n
}

// Filled is the total filled quantity.
func (r PairResult) Filled() int {
	n := 0
	for _, l := range r.Legs {
		n += l.Filled
	}
	return n
}

// FillRatio is Filled / Requested, 1 for an empty request.
func (r PairResult) FillRatio() float64 {
	req := r.Requested()
	if req == 0 {
		return 1
	}
	return float64(r.Filled()) / float64(req)
}

// AchievedSum is the sum of the average fill prices of the legs.
func (r PairResult) AchievedSum() float64 {
	s := 0.0
	for _, l := range r.Legs {
		s += l.AvgPrice
	}
	return s
}

// Leg returns the result of a leg by key.
func (r PairResult) Leg(key string) (LegResult, bool) {
	for _, l := range r.Legs {
		if l.Leg.Key == key {
			return l, true
		}
	}
	return LegResult{}, false
}

func (r *PairResult) finish() {
	r.Success = true
	for _, l := range r.Legs {
		if !l.Complete() {
			r.Success = false
			if r.Reason == "" {
				r.Reason = l.Reason
			}
		}
	}
	if r.Success {
		r.Reason = ""
	}
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
