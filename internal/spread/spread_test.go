package spread

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/your-org/box-spread-bot/internal/leg"
)

func TestSideFor(t *testing.T) {
	assert.Equal(t, Ask, SideFor(leg.Buy))
	assert.Equal(t, Bid, SideFor(leg.Sell))

	// an exit leg is inverted first, then sides are chosen the same way
	assert.Equal(t, Bid, SideFor(leg.Buy.Invert()))
	assert.Equal(t, Ask, SideFor(leg.Sell.Invert()))

	assert.Equal(t, 10.5, PriceFor(leg.Buy, 10, 10.5))
	assert.Equal(t, 10.0, PriceFor(leg.Sell, 10, 10.5))
}

func TestSpread(t *testing.T) {
	legs := []Priced{
		{Key: "leg1", Action: leg.Buy, Price: 500},
		{Key: "leg2", Action: leg.Buy, Price: 300},
		{Key: "leg3", Action: leg.Sell, Price: 250},
		{Key: "leg4", Action: leg.Sell, Price: 150},
	}
	assert.InDelta(t, 400.0, Spread(legs), 1e-9)
	assert.InDelta(t, 800.0, PairSum(legs[:2]), 1e-9)
	// deterministic
	assert.Equal(t, Spread(legs), Spread(legs))
}

func TestSpread_Monotonic(t *testing.T) {
	base := []Priced{
		{Action: leg.Buy, Price: 500},
		{Action: leg.Buy, Price: 300},
		{Action: leg.Sell, Price: 250},
		{Action: leg.Sell, Price: 150},
	}
	prev := Spread(base)
	for step := 0; step < 20; step++ {
		legs := append([]Priced(nil), base...)
		legs[0].Price += float64(step) * 0.05
		legs[3].Price -= float64(step) * 0.05
		cur := Spread(legs)
		assert.GreaterOrEqual(t, abs(cur), abs(prev))
		prev = cur
	}
}

func abs(f float64) float64 {
	if f < 0 {
		return -f
	}
	return f
}

func TestBiddingPrice(t *testing.T) {
	c := New(0.05)
	others := []Priced{
		{Action: leg.Buy, Price: 100},
		{Action: leg.Sell, Price: 120},
		{Action: leg.Sell, Price: 47},
	}
	assert.InDelta(t, -67.0, Spread(others), 1e-9)
	assert.InDelta(t, 17.0, c.BiddingPrice(50.0, others), 1e-9)

	// the original walkthrough: others net 327, target 405
	walk := []Priced{
		{Action: leg.Buy, Price: 580},
		{Action: leg.Sell, Price: 50},
		{Action: leg.Sell, Price: 203},
	}
	assert.InDelta(t, 78.0, c.BiddingPrice(405, walk), 1e-9)

	// never below one tick
	flat := []Priced{{Action: leg.Buy, Price: 50}}
	assert.InDelta(t, 0.05, c.BiddingPrice(50, flat), 1e-9)
}

func TestBiddingPrice_IndependentTargets(t *testing.T) {
	c := New(0.05)
	others := []Priced{
		{Action: leg.Buy, Price: 580},
		{Action: leg.Sell, Price: 50},
		{Action: leg.Sell, Price: 203},
	}
	desired, exitSpread := 405.0, 200.0
	entry := c.BiddingPrice(desired, others)
	exitBefore := c.BiddingPrice(exitSpread, others)

	exitSpread = 300
	assert.Equal(t, entry, c.BiddingPrice(desired, others))
	assert.NotEqual(t, exitBefore, c.BiddingPrice(exitSpread, others))
}

func TestCalculator_Round(t *testing.T) {
	c := New(0)
	assert.Equal(t, DefaultTick, c.Tick)
	assert.InDelta(t, 17.05, c.Round(17.03), 1e-9)
	assert.InDelta(t, 17.0, c.Round(17.02), 1e-9)
	assert.InDelta(t, 0.05, c.Floor(0.01), 1e-9)
	assert.InDelta(t, 12.35, c.Floor(-12.34), 1e-9)
}

func TestCalculator_Improve(t *testing.T) {
	c := New(0.05)
	assert.InDelta(t, 100.05, c.Improve(leg.Buy, 100), 1e-9)
	assert.InDelta(t, 99.95, c.Improve(leg.Sell, 100), 1e-9)
	assert.InDelta(t, 0.05, c.Improve(leg.Sell, 0.05), 1e-9)
}

func TestTriggers(t *testing.T) {
	assert.True(t, EntryTriggered(400, 410))
	assert.True(t, EntryTriggered(-400, 410))
	assert.False(t, EntryTriggered(410, 410))

	assert.True(t, ExitTriggered(2, 1, leg.Buy))
	assert.False(t, ExitTriggered(0.5, 1, leg.Buy))
	assert.True(t, ExitTriggered(0.5, 1, leg.Sell))
	assert.False(t, ExitTriggered(2, 1, leg.Sell))

	assert.True(t, WithinTolerance(402, 405, 5))
	assert.False(t, WithinTolerance(390, 405, 5))
	assert.True(t, WithinTolerance(0, 405, 0))
}

func TestGate(t *testing.T) {
	// CASE A: SELL pair filled at 400 total, BUY pair may cost at most 805
	rem := RemainingTarget(405, 400, leg.Buy)
	assert.InDelta(t, 805.0, rem, 1e-9)
	assert.True(t, GateOpen(805, rem, leg.Buy))
	assert.False(t, GateOpen(805.05, rem, leg.Buy))

	// CASE B: BUY pair filled at 800 total, SELL pair must bring at least 395
	rem = RemainingTarget(405, 800, leg.Sell)
	assert.InDelta(t, 395.0, rem, 1e-9)
	assert.True(t, GateOpen(395, rem, leg.Sell))
	assert.False(t, GateOpen(394.95, rem, leg.Sell))
}
