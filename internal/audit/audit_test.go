package audit

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/your-org/box-spread-bot/internal/dbwriter"
	"github.com/your-org/box-spread-bot/internal/leg"
	"github.com/your-org/box-spread-bot/internal/order"
)

func TestExecutionLifecycle(t *testing.T) {
	w := dbwriter.NewInMemWriter()
	r := NewRecorder(w, "box", 16, nil, zap.NewNop())

	e := r.Start("u1", "entry")
	require.NotEmpty(t, e.ID)
	e.Milestone("first_pair_started", "SELL:leg3+leg4")
	e.Observation("CASE_A", true, "fewer than 10 valid samples")

	o := order.New(order.Spec{UserID: "u1", LegKey: "leg3", Instrument: "CE", Action: leg.Sell, Quantity: 75, LimitPrice: 60})
	require.NoError(t, o.MarkPlaced("SIM-1"))
	e.Order(o, 1)
	e.Error("modify_place", errors.New("rejected"))
	e.Error("ignored", nil)
	e.Complete("")
	e.Fail("late")
	r.Close()

	assert.Equal(t, []string{"STARTED", "COMPLETED"}, w.ExecutionStatuses(e.ID))
	snap := w.Snapshot()
	require.Len(t, snap.OrderEvents, 1)
	assert.Equal(t, "PLACED", snap.OrderEvents[0].State)
	assert.Equal(t, "SELL", snap.OrderEvents[0].Action)
	assert.Len(t, snap.Milestones, 1)
	assert.Len(t, snap.Observations, 1)
	assert.True(t, snap.Observations[0].Degraded)
	assert.Len(t, snap.Errors, 1)
	assert.True(t, snap.IsClosed)
	assert.GreaterOrEqual(t, snap.Executions[1].DurationMs, int64(0))
}

func TestCrashStatus(t *testing.T) {
	w := dbwriter.NewInMemWriter()
	r := NewRecorder(w, "box", 0, nil, nil)
	e := r.Start("u2", "exit")
	e.Crash("index out of range")
	r.Close()

	assert.Equal(t, []string{"STARTED", "CRASHED"}, w.ExecutionStatuses(e.ID))
	assert.Equal(t, "index out of range", w.Snapshot().Executions[1].Reason)
}

func TestNilExecutionIsSafe(t *testing.T) {
	var r *Recorder
	e := r.Start("u1", "entry")
	assert.Nil(t, e)
	e.Milestone("x", "")
	e.Order(nil, 1)
	e.Error("s", errors.New("x"))
	e.Complete("")
}

type blockingWriter struct {
	*dbwriter.InMemWriter
	release chan struct{}
}

func (b blockingWriter) SaveExecution(e dbwriter.Execution) {
	<-b.release
	b.InMemWriter.SaveExecution(e)
}

func TestFullQueueDropsInsteadOfBlocking(t *testing.T) {
	w := blockingWriter{InMemWriter: dbwriter.NewInMemWriter(), release: make(chan struct{})}
	r := NewRecorder(w, "box", 1, nil, nil)

	e := r.Start("u1", "entry")
	for i := 0; i < 50; i++ {
		e.Milestone("m", "")
	}
	close(w.release)
	r.Close()

	assert.LessOrEqual(t, len(w.Snapshot().Milestones), 1)
	// emitting after close is dropped quietly
	e.Milestone("late", "")
}
