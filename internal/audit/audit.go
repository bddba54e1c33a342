// Package audit records the progress of each entry or exit execution to the
// audit store. Recording never blocks trading: events go through a bounded
// queue and are dropped when it is full.
package audit

import (
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/your-org/box-spread-bot/internal/dbwriter"
	"github.com/your-org/box-spread-bot/internal/metrics"
	"github.com/your-org/box-spread-bot/internal/order"
)

// Status of an execution.
type Status string

const (
	StatusStarted   Status = "STARTED"
	StatusCompleted Status = "COMPLETED"
	StatusError     Status = "ERROR"
	StatusCrashed   Status = "CRASHED"
)

const defaultQueueSize = 1024

type event func(w dbwriter.DBWriter)

// Recorder owns the queue to the audit store.
type Recorder struct {
	writer     dbwriter.DBWriter
	strategyID string
	metrics    *metrics.Metrics
	logger     *zap.Logger

	events    chan event
	done      chan struct{}
	closeOnce sync.Once
}

// NewRecorder starts the queue drain. writer must not be nil; use
// dbwriter.NewDummyWriter when there is no store.
func NewRecorder(writer dbwriter.DBWriter, strategyID string, queueSize int, m *metrics.Metrics, logger *zap.Logger) *Recorder {
	if queueSize <= 0 {
		queueSize = defaultQueueSize
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	r := &Recorder{
		writer:     writer,
		strategyID: strategyID,
		metrics:    m,
		logger:     logger,
		events:     make(chan event, queueSize),
		done:       make(chan struct{}),
	}
	go r.drain()
	return r
}

func (r *Recorder) drain() {
	defer close(r.done)
	for ev := range r.events {
		func() {
			defer func() {
				if p := recover(); p != nil {
					r.logger.Error("Audit writer panicked", zap.Any("panic", p))
				}
			}()
			ev(r.writer)
		}()
	}
}

func (r *Recorder) emit(ev event) {
	defer func() {
		// emit after Close
		if recover() != nil {
			r.metrics.IncAuditDropped()
		}
	}()
	select {
	case r.events <- ev:
	default:
		r.metrics.IncAuditDropped()
		r.logger.Warn("Audit queue full, dropping event")
	}
}

// Close flushes queued events and closes the writer.
func (r *Recorder) Close() {
	r.closeOnce.Do(func() {
		close(r.events)
		<-r.done
		r.writer.Close()
	})
}

// Start opens a new execution for a user.
func (r *Recorder) Start(userID, phase string) *Execution {
	if r == nil {
		return nil
	}
	now := time.Now().UTC()
	e := &Execution{
		ID:      uuid.NewString(),
		UserID:  userID,
		Phase:   phase,
		Started: now,
		rec:     r,
	}
	e.status(StatusStarted, "", now)
	return e
}

// Execution is one entry or exit attempt of a user. A nil *Execution
// records nothing.
type Execution struct {
	ID      string
	UserID  string
	Phase   string
	Started time.Time

	rec      *Recorder
	mu       sync.Mutex
	finished bool
}

func (e *Execution) status(s Status, reason string, now time.Time) {
	rec := dbwriter.Execution{
		Time:        now,
		ExecutionID: e.ID,
		StrategyID:  e.rec.strategyID,
		UserID:      e.UserID,
		Phase:       e.Phase,
		Status:      string(s),
		StartedAt:   e.Started,
		Reason:      reason,
	}
	if s != StatusStarted {
		rec.DurationMs = now.Sub(e.Started).Milliseconds()
	}
	e.rec.emit(func(w dbwriter.DBWriter) { w.SaveExecution(rec) })
}

func (e *Execution) finish(s Status, reason string) bool {
	if e == nil {
		return false
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.finished {
		return false
	}
	e.finished = true
	e.status(s, reason, time.Now().UTC())
	return true
}

// Complete ends the execution successfully.
func (e *Execution) Complete(reason string) { e.finish(StatusCompleted, reason) }

// Fail ends the execution with an error status.
func (e *Execution) Fail(reason string) { e.finish(StatusError, reason) }

// Crash ends the execution after a recovered panic.
func (e *Execution) Crash(p any) { e.finish(StatusCrashed, fmt.Sprint(p)) }

// Milestone records a named step.
func (e *Execution) Milestone(name, detail string) {
	if e == nil {
		return
	}
	m := dbwriter.Milestone{Time: time.Now().UTC(), ExecutionID: e.ID, UserID: e.UserID, Name: name, Detail: detail}
	e.rec.emit(func(w dbwriter.DBWriter) { w.SaveMilestone(m) })
}

// Observation records the case decision input and result.
func (e *Execution) Observation(decision string, degraded bool, detail string) {
	if e == nil {
		return
	}
	o := dbwriter.Observation{Time: time.Now().UTC(), ExecutionID: e.ID, UserID: e.UserID, Phase: e.Phase,
		Decision: decision, Degraded: degraded, Detail: detail}
	e.rec.emit(func(w dbwriter.DBWriter) { w.SaveObservation(o) })
}

// Order records the current state of an order.
func (e *Execution) Order(o *order.Order, attempt int) {
	if e == nil || o == nil {
		return
	}
	ev := dbwriter.OrderEvent{
		Time:        time.Now().UTC(),
		ExecutionID: e.ID,
		UserID:      e.UserID,
		OrderID:     o.ID,
		LegKey:      o.Spec.LegKey,
		Instrument:  o.Spec.Instrument,
		Action:      o.Spec.Action.String(),
		Style:       o.Spec.Style.String(),
		Quantity:    o.Spec.Quantity,
		FilledQty:   o.FilledQty,
		LimitPrice:  o.Spec.LimitPrice,
		AvgPrice:    o.AvgPrice,
		State:       o.State.String(),
		Attempt:     attempt,
	}
	e.rec.emit(func(w dbwriter.DBWriter) { w.SaveOrderEvent(ev) })
}

// Error records an error of a stage.
func (e *Execution) Error(stage string, err error) {
	if e == nil || err == nil {
		return
	}
	rec := dbwriter.ExecutionError{Time: time.Now().UTC(), ExecutionID: e.ID, UserID: e.UserID, Stage: stage, Message: err.Error()}
	e.rec.emit(func(w dbwriter.DBWriter) { w.SaveError(rec) })
}
