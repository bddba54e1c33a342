// Copyright (c) 2024 OBI-Scalp-Bot
//
// Permission is hereby granted, free of charge, to any person obtaining a copy
// of this software and associated documentation files (the "Software"), to deal
// in the Software without restriction, including without limitation the rights
// to use, copy, modify, merge, publish, distribute, sublicense, and/or sell
// copies of the Software, and to permit persons to whom the Software is
// furnished to do so, subject to the following conditions:
//
// The above copyright notice and this permission notice shall be included in all
// copies or substantial portions of the Software.
//
// THE SOFTWARE IS PROVIDED "AS IS", WITHOUT WARRANTY OF ANY KIND, EXPRESS OR
// IMPLIED, INCLUDING BUT NOT LIMITED TO THE WARRANTIES OF MERCHANTABILITY,
// FITNESS FOR A PARTICULAR PURPOSE AND NONINFRINGEMENT. IN NO EVENT SHALL THE
// AUTHORS OR COPYRIGHT HOLDERS BE LIABLE FOR ANY CLAIM, DAMAGES OR OTHER
// LIABILITY, WHETHER IN AN ACTION OF CONTRACT, TORT OR OTHERWISE, ARISING FROM,
// OUT OF OR IN CONNECTION WITH THE SOFTWARE OR THE USE OR OTHER DEALINGS IN THE
// SOFTWARE.

package indicator

import (
	"math"
)

// VolatilityCalculator keeps an EWMA of returns and an exponentially
// weighted variance (RiskMetrics form, zero mean) over a stream of prices.
// The continuous market observer feeds one per leg.
type VolatilityCalculator struct {
	lambda        float64 // weight of the newest observation
	prevPrice     float64
	ewmaReturn    float64
	ewmVarReturn  float64
	isInitialized bool
}

// NewVolatilityCalculator creates a new VolatilityCalculator.
func NewVolatilityCalculator(lambda float64) *VolatilityCalculator {
	if lambda <= 0 || lambda > 1 {
		lambda = 0.06
	}
	return &VolatilityCalculator{lambda: lambda}
}

// Update feeds a price and returns the EWMA return and EWM standard deviation.
// Non-positive prices are ignored.
func (vc *VolatilityCalculator) Update(currentPrice float64) (ewmaRet float64, ewmStdDev float64) {
	if currentPrice <= 0 {
		return vc.ewmaReturn, vc.GetEWMStandardDeviation()
	}
	if !vc.isInitialized {
		vc.prevPrice = currentPrice
		vc.isInitialized = true
		return 0, 0
	}

	ret := (currentPrice - vc.prevPrice) / vc.prevPrice
	vc.ewmaReturn = vc.lambda*ret + (1-vc.lambda)*vc.ewmaReturn
	vc.ewmVarReturn = (1-vc.lambda)*vc.ewmVarReturn + vc.lambda*(ret*ret)
	vc.prevPrice = currentPrice

	return vc.ewmaReturn, math.Sqrt(vc.ewmVarReturn)
}

// GetEWMAReturn returns the current EWMA of price returns.
func (vc *VolatilityCalculator) GetEWMAReturn() float64 {
	return vc.ewmaReturn
}

// GetEWMStandardDeviation returns the current EWMA Standard Deviation of price returns.
func (vc *VolatilityCalculator) GetEWMStandardDeviation() float64 {
	if !vc.isInitialized || vc.ewmVarReturn < 0 {
		return 0
	}
	return math.Sqrt(vc.ewmVarReturn)
}
