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
	"testing"

	"github.com/stretchr/testify/assert"
)

func constant(n int, p float64) []float64 {
	out := make([]float64, n)
	for i := range out {
		out[i] = p
	}
	return out
}

func ramp(n int, start, step float64) []float64 {
	out := make([]float64, n)
	for i := range out {
		out[i] = start + float64(i)*step
	}
	return out
}

func TestClassifyTrend(t *testing.T) {
	cfg := DefaultTrendConfig()

	tests := []struct {
		name     string
		prices   []float64
		want     Trend
		degraded bool
	}{
		{"constant", constant(50, 120.5), TrendStable, false},
		{"tiny jitter", []float64{100, 100.01, 100, 100.02, 100, 100.01, 100, 100.02, 100, 100.01}, TrendStable, false},
		{"rising", ramp(50, 100, 0.1), TrendIncreasing, false},
		{"falling", ramp(50, 100, -0.1), TrendDecreasing, false},
		// 1*9 + 9*-1 == 0 over a range of 9
		{"round trip", []float64{100, 109, 109, 109, 109, 109, 109, 109, 109, 108}, TrendStable, false},
		{"too few samples", ramp(5, 100, 1), TrendStable, true},
		{"empty", nil, TrendStable, true},
		{"zeros do not count", append(constant(8, 0), ramp(5, 100, 1)...), TrendStable, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := ClassifyTrend(tt.prices, cfg)
			assert.Equal(t, tt.want, c.Trend)
			assert.Equal(t, tt.degraded, c.Degraded)
		})
	}
}

func TestClassifyTrend_DropsInvalid(t *testing.T) {
	prices := append(ramp(12, 100, 0.5), 0, -1, math.NaN())
	c := ClassifyTrend(prices, DefaultTrendConfig())
	assert.Equal(t, 12, c.Samples)
	assert.Equal(t, TrendIncreasing, c.Trend)
	assert.InDelta(t, 105.5, c.Last, 1e-9)
	assert.InDelta(t, 5.5, c.Range, 1e-9)
}

func TestWeightedDirection(t *testing.T) {
	assert.Equal(t, 0.0, WeightedDirection([]float64{1}))
	assert.InDelta(t, 1.0, WeightedDirection(ramp(10, 0, 1)), 1e-9)
	// later moves weigh more: (1*1 + 2*-1) / 3
	assert.InDelta(t, -1.0/3.0, WeightedDirection([]float64{10, 11, 10}), 1e-9)
}

func TestCalculateRealizedVolatility(t *testing.T) {
	prices := []float64{100, 101, 102, 103, 102, 101, 100}
	volatility := CalculateRealizedVolatility(prices)
	assert.InDelta(t, 0.0098, volatility, 0.001, "Volatility should be around 0.0098")

	prices = []float64{100, 100, 100, 100, 100}
	volatility = CalculateRealizedVolatility(prices)
	assert.Equal(t, 0.0, volatility, "Volatility should be 0 for constant prices")

	prices = []float64{100}
	volatility = CalculateRealizedVolatility(prices)
	assert.Equal(t, 0.0, volatility, "Volatility should be 0 for single price")
}
