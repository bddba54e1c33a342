// Package spread holds the pricing side selection and box spread arithmetic.
// Everything here is pure.
package spread

import (
	"math"

	"github.com/shopspring/decimal"

	"github.com/your-org/box-spread-bot/internal/leg"
)

// DefaultTick is the exchange price grid.
const DefaultTick = 0.05

// Side is the book side a price is read from.
type Side int

const (
	Bid Side = iota
	Ask
)

func (s Side) String() string {
	if s == Ask {
		return "ASK"
	}
	return "BID"
}

// SideFor returns ASK for BUY and BID for SELL. Exit inversion happens before
// this is called, on the leg itself.
func SideFor(a leg.Action) Side {
	if a == leg.Buy {
		return Ask
	}
	return Bid
}

// PriceFor picks the side of the quote an order with action a would cross.
func PriceFor(a leg.Action, bid, ask float64) float64 {
	if SideFor(a) == Ask {
		return ask
	}
	return bid
}

// Priced is a leg action with a price attached.
type Priced struct {
	Key    string
	Action leg.Action
	Price  float64
}

// Signed is +price for BUY and -price for SELL.
func Signed(a leg.Action, price float64) float64 {
	return a.Sign() * price
}

// Spread is the signed sum over legs.
func Spread(legs []Priced) float64 {
	var s float64
	for _, l := range legs {
		s += Signed(l.Action, l.Price)
	}
	return s
}

// PairSum is the plain sum of prices of a pair, the value the gate compares.
func PairSum(legs []Priced) float64 {
	var s float64
	for _, l := range legs {
		s += l.Price
	}
	return s
}

// Calculator carries the tick size used for rounding.
type Calculator struct {
	Tick float64
}

// New returns a Calculator; a non-positive tick falls back to DefaultTick.
func New(tick float64) Calculator {
	if tick <= 0 {
		tick = DefaultTick
	}
	return Calculator{Tick: tick}
}

func (c Calculator) tick() float64 {
	if c.Tick <= 0 {
		return DefaultTick
	}
	return c.Tick
}

// Round snaps a price onto the tick grid.
func (c Calculator) Round(p float64) float64 {
	t := decimal.NewFromFloat(c.tick())
	return decimal.NewFromFloat(p).Div(t).Round(0).Mul(t).InexactFloat64()
}

// Floor is the absolute value of p rounded to the grid and never below one
// tick.
func (c Calculator) Floor(p float64) float64 {
	v := c.Round(math.Abs(p))
	if v < c.tick() {
		return c.Round(c.tick())
	}
	return v
}

// BiddingPrice is the price of the computed leg that brings the box to
// target given the other legs: max(tick, |target - |signed sum of others||).
func (c Calculator) BiddingPrice(target float64, others []Priced) float64 {
	return c.Floor(target - math.Abs(Spread(others)))
}

// Improve moves a price one tick towards the other side: up for BUY, down
// for SELL, never below one tick.
func (c Calculator) Improve(a leg.Action, price float64) float64 {
	return c.Floor(price + a.Sign()*c.tick())
}

// EntryTriggered reports whether |spread| is below start_price.
func EntryTriggered(spread, startPrice float64) bool {
	return math.Abs(spread) < startPrice
}

// ExitTriggered reports whether the exit-direction box spread has crossed
// exitStart: above it for a BUY-direction box, below it for SELL.
func ExitTriggered(spread, exitStart float64, direction leg.Action) bool {
	if direction == leg.Buy {
		return math.Abs(spread) > exitStart
	}
	return math.Abs(spread) < exitStart
}

// WithinTolerance reports whether the box spread is within tolerance of
// target. A non-positive tolerance always passes.
func WithinTolerance(spread, target, tolerance float64) bool {
	if tolerance <= 0 {
		return true
	}
	return math.Abs(math.Abs(spread)-target) <= tolerance
}

// RemainingTarget converts the box target into the pair-sum bound the
// second pair has to respect, given the pair sum the first pair achieved.
// resolving is the action of the second pair.
//
//	BUY second:  buySum  <= target + sellSum
//	SELL second: sellSum >= buySum - target
func RemainingTarget(target, achieved float64, resolving leg.Action) float64 {
	if resolving == leg.Buy {
		return target + achieved
	}
	return achieved - target
}

// GateOpen compares the live pair sum of the resolving pair with the
// remaining target: <= for a BUY-resolving pair, >= for SELL.
func GateOpen(live, remaining float64, resolving leg.Action) bool {
	if resolving == leg.Buy {
		return live <= remaining
	}
	return live >= remaining
}
