package dbwriter

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/pashagolub/pgxmock/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/your-org/box-spread-bot/internal/config"
	"github.com/your-org/box-spread-bot/pkg/logger"
)

// TestTimescaleWriter_ImplementsDBWriter は TimescaleWriter が DBWriter インターフェースを実装していることを確認します。
func TestTimescaleWriter_ImplementsDBWriter(t *testing.T) {
	assert.Implements(t, (*DBWriter)(nil), new(TimescaleWriter))
	assert.Implements(t, (*DBWriter)(nil), new(InMemWriter))
	assert.Implements(t, (*DBWriter)(nil), new(dummyWriter))
}

func TestTimescaleWriter_SaveExecution(t *testing.T) {
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)

	writerConfig := config.DBWriterConfig{
		BatchSize:            1, // Set batch size to 1 to trigger flush immediately
		WriteIntervalSeconds: 1,
	}
	writer, err := NewTimescaleWriter(mock, writerConfig, zap.NewNop())
	require.NoError(t, err)

	mock.ExpectCopyFrom(pgx.Identifier{"executions"}, executionColumns).WillReturnResult(1)
	mock.ExpectClose()

	now := time.Now()
	writer.SaveExecution(Execution{
		Time:        now,
		ExecutionID: "exec-1",
		StrategyID:  "box",
		UserID:      "u1",
		Phase:       "entry",
		Status:      "STARTED",
		StartedAt:   now,
	})
	writer.Close()

	require.NoError(t, mock.ExpectationsWereMet(), "there were unfulfilled expectations")
}

func TestTimescaleWriter_FlushOnClose(t *testing.T) {
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)

	writer, err := NewTimescaleWriter(mock, config.DBWriterConfig{BatchSize: 100, WriteIntervalSeconds: 60}, zap.NewNop())
	require.NoError(t, err)

	// buffers flush in a fixed table order
	mock.ExpectCopyFrom(pgx.Identifier{"execution_milestones"}, milestoneColumns).WillReturnResult(2)
	mock.ExpectCopyFrom(pgx.Identifier{"order_events"}, orderEventColumns).WillReturnResult(1)
	mock.ExpectCopyFrom(pgx.Identifier{"execution_errors"}, errorColumns).WillReturnError(errors.New("disk full"))
	mock.ExpectCopyFrom(pgx.Identifier{"observations"}, observationColumns).WillReturnResult(1)
	mock.ExpectCopyFrom(pgx.Identifier{"sim_fills"}, fillColumns).WillReturnResult(1)
	mock.ExpectClose()

	now := time.Now()
	writer.SaveMilestone(Milestone{Time: now, ExecutionID: "e", UserID: "u1", Name: "first_pair_started"})
	writer.SaveMilestone(Milestone{Time: now, ExecutionID: "e", UserID: "u1", Name: "first_pair_done"})
	writer.SaveOrderEvent(OrderEvent{Time: now, ExecutionID: "e", UserID: "u1", OrderID: "SIM-1", LegKey: "leg1", Action: "BUY", Style: "LIMIT", Quantity: 75, State: "PLACED", Attempt: 1})
	writer.SaveError(ExecutionError{Time: now, ExecutionID: "e", UserID: "u1", Stage: "modify", Message: "rejected"})
	writer.SaveObservation(Observation{Time: now, ExecutionID: "e", UserID: "u1", Phase: "entry", Decision: "CASE_A"})
	writer.SaveFill(Fill{Time: now, OrderID: "SIM-1", UserID: "u1", Instrument: "CE", Action: "BUY", Price: 100, Quantity: 75})

	// a failing table does not stop the others
	writer.Close()
	writer.Close()

	require.NoError(t, mock.ExpectationsWereMet())
}

func TestTimescaleWriter_SavePnLSummary(t *testing.T) {
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)

	writer, err := NewTimescaleWriter(mock, config.DBWriterConfig{BatchSize: 10, WriteIntervalSeconds: 60}, zap.NewNop())
	require.NoError(t, err)
	tw := writer.(*TimescaleWriter)

	now := time.Now()
	mock.ExpectExec("INSERT INTO pnl_summary").
		WithArgs(now, "box", "u1", 12.5, 0).
		WillReturnResult(pgxmock.NewResult("INSERT", 1))
	mock.ExpectQuery("SELECT realized_pnl FROM pnl_summary").
		WithArgs("box", "u1").
		WillReturnRows(pgxmock.NewRows([]string{"realized_pnl"}).AddRow(12.5))
	mock.ExpectQuery("SELECT realized_pnl FROM pnl_summary").
		WithArgs("box", "u2").
		WillReturnError(pgx.ErrNoRows)
	mock.ExpectExec("INSERT INTO pnl_summary").
		WithArgs(now, "box", "u1", 0.0, 0).
		WillReturnError(errors.New("connection reset"))
	mock.ExpectClose()

	ctx := context.Background()
	require.NoError(t, tw.SavePnLSummary(ctx, PnLSummary{Time: now, StrategyID: "box", UserID: "u1", RealizedPnL: 12.5}))

	last, err := tw.LastRealizedPnL(ctx, "box", "u1")
	require.NoError(t, err)
	assert.Equal(t, 12.5, last)

	last, err = tw.LastRealizedPnL(ctx, "box", "u2")
	require.NoError(t, err)
	assert.Equal(t, 0.0, last)

	err = tw.SavePnLSummary(ctx, PnLSummary{Time: now, StrategyID: "box", UserID: "u1"})
	assert.Error(t, err)

	tw.Close()
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestTimescaleWriter_DummyMode(t *testing.T) {
	writer, err := NewTimescaleWriter(nil, config.DBWriterConfig{}, zap.NewNop())
	require.NoError(t, err)

	writer.SaveExecution(Execution{ExecutionID: "e"})
	writer.SaveOrderEvent(OrderEvent{OrderID: "x"})
	assert.NoError(t, writer.SavePnLSummary(context.Background(), PnLSummary{}))
	writer.Close()
}

func TestDummyWriter(t *testing.T) {
	w := NewDummyWriter(logger.NewLogger("error"))
	w.SaveExecution(Execution{ExecutionID: "e"})
	w.SaveError(ExecutionError{Message: "boom"})
	assert.NoError(t, w.SavePnLSummary(context.Background(), PnLSummary{UserID: "u1"}))
	w.Close()
}

func TestInMemWriter(t *testing.T) {
	w := NewInMemWriter()
	w.SaveExecution(Execution{ExecutionID: "e1", Status: "STARTED"})
	w.SaveExecution(Execution{ExecutionID: "e2", Status: "STARTED"})
	w.SaveExecution(Execution{ExecutionID: "e1", Status: "COMPLETED"})
	w.SaveFill(Fill{OrderID: "o"})

	assert.Equal(t, []string{"STARTED", "COMPLETED"}, w.ExecutionStatuses("e1"))
	snap := w.Snapshot()
	assert.Len(t, snap.Executions, 3)
	assert.Len(t, snap.Fills, 1)

	w.Close()
	assert.True(t, w.Snapshot().IsClosed)
	w.Clear()
	assert.Empty(t, w.Snapshot().Executions)
	assert.False(t, w.Snapshot().IsClosed)
}
