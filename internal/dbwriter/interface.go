package dbwriter

import (
	"context"
)

// DBWriter defines the interface for writing audit data to the database.
// Save* calls never block trading code on I/O.
type DBWriter interface {
	SaveExecution(e Execution)
	SaveMilestone(m Milestone)
	SaveOrderEvent(o OrderEvent)
	SaveError(e ExecutionError)
	SaveObservation(o Observation)
	SaveFill(f Fill)
	SavePnLSummary(ctx context.Context, pnl PnLSummary) error
	Close()
}
