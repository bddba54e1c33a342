package strategy

import (
	"context"
	"fmt"

	"go.uber.org/multierr"
	"go.uber.org/zap"

	"github.com/your-org/box-spread-bot/internal/executor"
	"github.com/your-org/box-spread-bot/internal/metrics"
	"github.com/your-org/box-spread-bot/internal/pnl"
	"github.com/your-org/box-spread-bot/internal/position"
)

// Mode selects the executor of a pair.
type Mode int

const (
	ModeModify Mode = iota
	ModeIOC
)

func (m Mode) String() string {
	if m == ModeIOC {
		return "IOC"
	}
	return "MODIFY"
}

// PairExecutor runs one pair through Modify or IOC and books the confirmed
// fills. It is the only writer of the position tracker.
type PairExecutor struct {
	entryModify *executor.Modify
	exitModify  *executor.Modify
	ioc         *executor.IOC
	tracker     *position.Tracker
	pnl         *pnl.Calculator
	metrics     *metrics.Metrics
	logger      *zap.Logger
}

// NewPairExecutor wires the executors. exitModify may be nil to reuse the
// entry budget on exit.
func NewPairExecutor(entryModify, exitModify *executor.Modify, ioc *executor.IOC, tracker *position.Tracker,
	calc *pnl.Calculator, m *metrics.Metrics, logger *zap.Logger) *PairExecutor {
	if exitModify == nil {
		exitModify = entryModify
	}
	if calc == nil {
		calc = pnl.NewCalculator()
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &PairExecutor{
		entryModify: entryModify,
		exitModify:  exitModify,
		ioc:         ioc,
		tracker:     tracker,
		pnl:         calc,
		metrics:     m,
		logger:      logger,
	}
}

func (p *PairExecutor) modifyFor(phase string) *executor.Modify {
	if phase == PhaseExit {
		return p.exitModify
	}
	return p.entryModify
}

// Execute dispatches req to the executor of mode and books the fills. gate
// is used by IOC only.
func (p *PairExecutor) Execute(ctx context.Context, req executor.PairRequest, mode Mode, gate executor.Gate) executor.PairResult {
	var res executor.PairResult
	switch mode {
	case ModeIOC:
		res = p.ioc.ExecutePair(ctx, req, gate)
	default:
		res = p.modifyFor(req.Phase).ExecutePair(ctx, req)
	}
	if err := p.book(req, res); err != nil {
		p.logger.Error("Failed to book fills", zap.String("user", req.UserID), zap.String("pair", req.Pair.Name()), zap.Error(err))
		if req.Journal != nil {
			req.Journal.Error("position", err)
		}
	}
	p.logger.Info("Pair executed", zap.String("user", req.UserID), zap.String("phase", req.Phase),
		zap.String("pair", req.Pair.Name()), zap.Stringer("mode", mode), zap.Bool("success", res.Success),
		zap.Int("filled", res.Filled()), zap.Int("requested", res.Requested()), zap.String("reason", res.Reason))
	return res
}

func (p *PairExecutor) book(req executor.PairRequest, res executor.PairResult) error {
	var errs error
	for _, lr := range res.Legs {
		if lr.Filled <= 0 {
			continue
		}
		var (
			st  position.State
			err error
		)
		if req.Phase == PhaseExit {
			var realized float64
			st, realized, err = p.tracker.AddExit(req.UserID, lr.Leg.Key, lr.Filled, lr.AvgPrice)
			if err == nil {
				p.metrics.SetRealizedPnL(req.UserID, p.pnl.UpdateRealizedPnL(req.UserID, realized))
			}
		} else {
			st, err = p.tracker.AddEntry(req.UserID, lr.Leg.Key, lr.Filled, lr.AvgPrice)
		}
		if err != nil {
			errs = multierr.Append(errs, fmt.Errorf("leg %s: %w", lr.Leg.Key, err))
			continue
		}
		p.metrics.SetOpenQuantity(req.UserID, lr.Leg.Key, st.Open())
	}
	return errs
}
