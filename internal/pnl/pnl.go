// Package pnl accumulates realized PnL per user.
package pnl

import (
	"sync"

	"github.com/shopspring/decimal"
)

// Calculator handles PnL calculations for every user.
type Calculator struct {
	realized map[string]decimal.Decimal
	mutex    sync.RWMutex
}

// NewCalculator creates a new PnL Calculator.
func NewCalculator() *Calculator {
	return &Calculator{realized: make(map[string]decimal.Decimal)}
}

// Restore seeds a user's realized PnL, e.g. from the last stored summary.
func (c *Calculator) Restore(user string, pnl float64) {
	c.mutex.Lock()
	defer c.mutex.Unlock()
	c.realized[user] = decimal.NewFromFloat(pnl)
}

// UpdateRealizedPnL adds pnl to the user's realized PnL and returns the new total.
func (c *Calculator) UpdateRealizedPnL(user string, pnl float64) float64 {
	c.mutex.Lock()
	defer c.mutex.Unlock()
	v := c.realized[user].Add(decimal.NewFromFloat(pnl))
	c.realized[user] = v
	return v.InexactFloat64()
}

// GetRealizedPnL returns the user's realized PnL.
func (c *Calculator) GetRealizedPnL(user string) float64 {
	c.mutex.RLock()
	defer c.mutex.RUnlock()
	return c.realized[user].InexactFloat64()
}

// Total is the realized PnL over all users.
func (c *Calculator) Total() float64 {
	c.mutex.RLock()
	defer c.mutex.RUnlock()
	sum := decimal.Zero
	for _, v := range c.realized {
		sum = sum.Add(v)
	}
	return sum.InexactFloat64()
}

// BoxPnL is the per-unit PnL of a box closed at exitSpread after being
// entered at entrySpread. A BUY box profits when the exit spread is above
// the entry spread.
func BoxPnL(entrySpread, exitSpread float64, buyDirection bool) float64 {
	d := decimal.NewFromFloat(exitSpread).Sub(decimal.NewFromFloat(entrySpread))
	if !buyDirection {
		d = d.Neg()
	}
	return d.InexactFloat64()
}
