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

// Trend is the short-window price behaviour of a leg.
type Trend int

const (
	TrendStable Trend = iota
	TrendIncreasing
	TrendDecreasing
)

// String returns the string representation of the Trend.
func (t Trend) String() string {
	switch t {
	case TrendIncreasing:
		return "INCREASING"
	case TrendDecreasing:
		return "DECREASING"
	default:
		return "STABLE"
	}
}

// TrendConfig holds the knobs of ClassifyTrend.
type TrendConfig struct {
	MinSamples         int     // below this the result is STABLE and degraded
	StabilityThreshold float64 // price range (max - min) under which a leg is STABLE
}

// DefaultTrendConfig mirrors the production defaults.
func DefaultTrendConfig() TrendConfig {
	return TrendConfig{MinSamples: 10, StabilityThreshold: 0.05}
}

// Classification is the outcome of ClassifyTrend.
type Classification struct {
	Trend      Trend
	Direction  float64 // weighted mean of consecutive changes, later changes weigh more
	Range      float64
	Volatility float64 // realized volatility of log returns
	First      float64
	Last       float64
	Samples    int
	Degraded   bool
}

// Moving reports whether the leg is anything but STABLE.
func (c Classification) Moving() bool {
	return c.Trend != TrendStable
}

// ClassifyTrend classifies a series of prices. Non-positive and NaN prices
// are discarded before anything else.
func ClassifyTrend(prices []float64, cfg TrendConfig) Classification {
	valid := make([]float64, 0, len(prices))
	for _, p := range prices {
		if p > 0 && !math.IsNaN(p) && !math.IsInf(p, 0) {
			valid = append(valid, p)
		}
	}

	c := Classification{Trend: TrendStable, Samples: len(valid)}
	if len(valid) == 0 || len(valid) < cfg.MinSamples {
		c.Degraded = true
		return c
	}

	c.First, c.Last = valid[0], valid[len(valid)-1]
	lo, hi := valid[0], valid[0]
	for _, p := range valid[1:] {
		lo = math.Min(lo, p)
		hi = math.Max(hi, p)
	}
	c.Range = hi - lo
	c.Direction = WeightedDirection(valid)
	c.Volatility = CalculateRealizedVolatility(valid)

	if c.Range < cfg.StabilityThreshold {
		return c
	}
	// a wide range whose weighted moves cancel out is a round trip: STABLE
	switch {
	case c.Direction > 0:
		c.Trend = TrendIncreasing
	case c.Direction < 0:
		c.Trend = TrendDecreasing
	}
	return c
}

// WeightedDirection is sum(i * (p[i] - p[i-1])) / sum(i).
func WeightedDirection(prices []float64) float64 {
	if len(prices) < 2 {
		return 0
	}
	var num, den float64
	for i := 1; i < len(prices); i++ {
		w := float64(i)
		num += w * (prices[i] - prices[i-1])
		den += w
	}
	return num / den
}

// CalculateRealizedVolatility calculates the realized volatility of a series of prices.
// It is defined as the standard deviation of the log returns.
func CalculateRealizedVolatility(prices []float64) float64 {
	if len(prices) < 2 {
		return 0.0
	}

	var logReturns []float64
	for i := 1; i < len(prices); i++ {
		if prices[i-1] <= 0 || prices[i] <= 0 {
			continue
		}
		logReturns = append(logReturns, math.Log(prices[i]/prices[i-1]))
	}

	if len(logReturns) == 0 {
		return 0.0
	}

	var sum float64
	for _, lr := range logReturns {
		sum += lr
	}
	mean := sum / float64(len(logReturns))

	var variance float64
	for _, lr := range logReturns {
		variance += math.Pow(lr-mean, 2)
	}
	variance /= float64(len(logReturns))

	return math.Sqrt(variance)
}
