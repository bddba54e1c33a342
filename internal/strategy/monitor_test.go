package strategy

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/your-org/box-spread-bot/internal/config"
	"github.com/your-org/box-spread-bot/internal/leg"
)

// closingExiter flattens the user's legs on the first call.
type closingExiter struct {
	h     *harness
	mu    sync.Mutex
	calls int
}

func (e *closingExiter) Exit(_ context.Context, user string) (CycleResult, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.calls++
	for _, l := range e.h.set.Legs {
		if n := e.h.tracker.Open(user, l.Key); n > 0 {
			if _, _, err := e.h.tracker.AddExit(user, l.Key, n, 1); err != nil {
				return CycleResult{}, err
			}
		}
	}
	return CycleResult{User: user, Phase: PhaseExit, Success: true}, nil
}

func (e *closingExiter) count() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.calls
}

func (h *harness) monitor(dir leg.Action, exiter Exiter) *ProfitMonitor {
	return NewProfitMonitor("u1", h.set, dir, h.tracker, h.pricer, exiter, func() Params { return h.params }, 5*time.Millisecond, zap.NewNop())
}

func TestProfitMonitor_Profit(t *testing.T) {
	h := newHarness(t)
	buy := h.monitor(leg.Buy, nil)
	sell := h.monitor(leg.Sell, nil)

	_, ok, err := buy.Profit(context.Background())
	require.NoError(t, err)
	assert.False(t, ok, "no open quantity yet")

	enterBox(t, h, "u1")

	// BUY legs close at the bid: 99.95 + 49.95 - (100.05 + 50.10)
	profit, ok, err := buy.Profit(context.Background())
	require.NoError(t, err)
	require.True(t, ok)
	assert.InDelta(t, -0.25, profit, 1e-9)

	// SELL legs close at the ask: (29.90 + 19.90) - (30.00 + 20.00)
	profit, ok, err = sell.Profit(context.Background())
	require.NoError(t, err)
	require.True(t, ok)
	assert.InDelta(t, -0.20, profit, 1e-9)

	h.board.set("CE-24300", 103, 103.05)
	h.board.set("PE-24700", 51, 51.05)
	profit, _, err = buy.Profit(context.Background())
	require.NoError(t, err)
	assert.InDelta(t, 3.85, profit, 1e-9)

	h.board.set("CE-24700", 26.95, 27)
	h.board.set("PE-24300", 17.95, 18)
	profit, _, err = sell.Profit(context.Background())
	require.NoError(t, err)
	assert.InDelta(t, 4.80, profit, 1e-9)
}

func TestProfitMonitor_TriggersExitOnce(t *testing.T) {
	h := newHarness(t)
	enterBox(t, h, "u1")
	exiter := &closingExiter{h: h}
	m := h.monitor(leg.Buy, exiter)

	done := make(chan error, 1)
	go func() { done <- m.Run(context.Background()) }()

	// below the threshold of 2 nothing happens
	time.Sleep(30 * time.Millisecond)
	assert.Zero(t, exiter.count())

	h.board.set("CE-24300", 103, 103.05)
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("monitor did not finish")
	}
	assert.Equal(t, 1, exiter.count())
	assert.Zero(t, h.tracker.Open("u1", "leg1"))
}

func TestProfitMonitor_ExitStartTrigger(t *testing.T) {
	h := newHarness(t)
	enterBox(t, h, "u1")
	h.params.ThresholdBuy = 1000
	// closing spread of the box is about 100, above exit_start for a BUY box
	h.params.ExitStart = 90
	exiter := &closingExiter{h: h}

	err := h.monitor(leg.Buy, exiter).Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, exiter.count())
}

func TestProfitMonitor_SquaresOffOnRunStateExit(t *testing.T) {
	h := newHarness(t)
	enterBox(t, h, "u1")
	// no trigger fires, run state alone closes the box
	h.params.ThresholdSell = 1000
	h.params.RunState = config.RunStateExit
	exiter := &closingExiter{h: h}

	err := h.monitor(leg.Sell, exiter).Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, exiter.count())
	for _, l := range h.set.Legs {
		assert.Zero(t, h.tracker.Open("u1", l.Key), l.Key)
	}
}

func TestProfitMonitor_AwaitsEntry(t *testing.T) {
	h := newHarness(t)
	exiter := &closingExiter{h: h}
	m := h.monitor(leg.Buy, exiter)
	entryDone := make(chan struct{})
	m.AwaitEntry(entryDone)

	done := make(chan error, 1)
	go func() { done <- m.Run(context.Background()) }()

	// a flat pair does not end the monitor while entry runs
	time.Sleep(30 * time.Millisecond)
	select {
	case <-done:
		t.Fatal("monitor returned before entry finished")
	default:
	}

	close(entryDone)
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("monitor did not finish")
	}
	assert.Zero(t, exiter.count())
}

func TestProfitMonitor_Cancelled(t *testing.T) {
	h := newHarness(t)
	enterBox(t, h, "u1")
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	err := h.monitor(leg.Sell, &closingExiter{h: h}).Run(ctx)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}
