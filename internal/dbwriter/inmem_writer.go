package dbwriter

import (
	"context"
	"sync"
)

// InMemWriter is an in-memory implementation of the DBWriter interface for testing.
type InMemWriter struct {
	mu           sync.RWMutex
	Executions   []Execution
	Milestones   []Milestone
	OrderEvents  []OrderEvent
	Errors       []ExecutionError
	Observations []Observation
	Fills        []Fill
	PnlSummaries []PnLSummary
	IsClosed     bool
}

// NewInMemWriter creates a new InMemWriter.
func NewInMemWriter() *InMemWriter {
	return &InMemWriter{}
}

// SaveExecution appends an execution record.
func (w *InMemWriter) SaveExecution(e Execution) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.Executions = append(w.Executions, e)
}

// SaveMilestone appends a milestone.
func (w *InMemWriter) SaveMilestone(m Milestone) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.Milestones = append(w.Milestones, m)
}

// SaveOrderEvent appends an order event.
func (w *InMemWriter) SaveOrderEvent(o OrderEvent) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.OrderEvents = append(w.OrderEvents, o)
}

// SaveError appends an error record.
func (w *InMemWriter) SaveError(e ExecutionError) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.Errors = append(w.Errors, e)
}

// SaveObservation appends an observation.
func (w *InMemWriter) SaveObservation(o Observation) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.Observations = append(w.Observations, o)
}

// SaveFill appends a simulated fill.
func (w *InMemWriter) SaveFill(f Fill) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.Fills = append(w.Fills, f)
}

// SavePnLSummary appends a PnL summary to the in-memory slice.
func (w *InMemWriter) SavePnLSummary(ctx context.Context, pnl PnLSummary) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.PnlSummaries = append(w.PnlSummaries, pnl)
	return nil
}

// Close marks the writer as closed.
func (w *InMemWriter) Close() {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.IsClosed = true
}

// ExecutionStatuses returns the statuses recorded for an execution, in order.
func (w *InMemWriter) ExecutionStatuses(executionID string) []string {
	w.mu.RLock()
	defer w.mu.RUnlock()
	var out []string
	for _, e := range w.Executions {
		if e.ExecutionID == executionID {
			out = append(out, e.Status)
		}
	}
	return out
}

// Records is a point-in-time copy of what an InMemWriter received.
type Records struct {
	Executions   []Execution
	Milestones   []Milestone
	OrderEvents  []OrderEvent
	Errors       []ExecutionError
	Observations []Observation
	Fills        []Fill
	PnlSummaries []PnLSummary
	IsClosed     bool
}

// Snapshot returns copies of the recorded slices, safe to read while writers run.
func (w *InMemWriter) Snapshot() Records {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return Records{
		Executions:   append([]Execution(nil), w.Executions...),
		Milestones:   append([]Milestone(nil), w.Milestones...),
		OrderEvents:  append([]OrderEvent(nil), w.OrderEvents...),
		Errors:       append([]ExecutionError(nil), w.Errors...),
		Observations: append([]Observation(nil), w.Observations...),
		Fills:        append([]Fill(nil), w.Fills...),
		PnlSummaries: append([]PnLSummary(nil), w.PnlSummaries...),
		IsClosed:     w.IsClosed,
	}
}

// Clear resets all the in-memory slices.
func (w *InMemWriter) Clear() {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.Executions = nil
	w.Milestones = nil
	w.OrderEvents = nil
	w.Errors = nil
	w.Observations = nil
	w.Fills = nil
	w.PnlSummaries = nil
	w.IsClosed = false
}
