package dbwriter

import (
	"context"

	"github.com/your-org/box-spread-bot/pkg/logger"
)

// dummyWriter is a no-op implementation of the DBWriter interface.
// It is used when the database connection is not available.
type dummyWriter struct {
	logger logger.Logger
}

// NewDummyWriter creates a new dummy writer.
func NewDummyWriter(l logger.Logger) DBWriter {
	l.Info("Creating dummy DB writer because no database connection is available.")
	return &dummyWriter{logger: l}
}

func (d *dummyWriter) SaveExecution(e Execution) {
	d.logger.Debugf("Dummy writer: execution %s %s %s", e.ExecutionID, e.Phase, e.Status)
}

func (d *dummyWriter) SaveMilestone(m Milestone) {
}

func (d *dummyWriter) SaveOrderEvent(o OrderEvent) {
}

func (d *dummyWriter) SaveObservation(o Observation) {
}

func (d *dummyWriter) SaveFill(f Fill) {
	d.logger.Debugf("Dummy writer: fill %s %s %s %d@%.2f", f.OrderID, f.Action, f.Instrument, f.Quantity, f.Price)
}

func (d *dummyWriter) SaveError(e ExecutionError) {
	d.logger.Debugf("Dummy writer: error in %s at %s: %s", e.ExecutionID, e.Stage, e.Message)
}

// SavePnLSummary does nothing and returns nil.
func (d *dummyWriter) SavePnLSummary(ctx context.Context, pnl PnLSummary) error {
	d.logger.Debugf("Dummy writer: SavePnLSummary called for %s", pnl.UserID)
	return nil
}

// Close does nothing.
func (d *dummyWriter) Close() {
	d.logger.Debug("Dummy writer: Close called")
}
