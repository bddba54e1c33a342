package report

import (
	"context"
	"fmt"
	"math"
	"sort"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/shopspring/decimal"
)

// Execution statuses as written by the audit recorder.
const (
	statusStarted   = "STARTED"
	statusCompleted = "COMPLETED"
	statusError     = "ERROR"
	statusCrashed   = "CRASHED"
)

// ExecutionRow は executions テーブルの1行を表します。
type ExecutionRow struct {
	Time        time.Time `json:"time"`
	ExecutionID string    `json:"execution_id"`
	UserID      string    `json:"user_id"`
	Phase       string    `json:"phase"`
	Status      string    `json:"status"`
	StartedAt   time.Time `json:"started_at"`
	DurationMs  int64     `json:"duration_ms"`
	Reason      string    `json:"reason"`
}

// PnLRow は pnl_summary テーブルの1行を表します。
type PnLRow struct {
	Time         time.Time `json:"time"`
	UserID       string    `json:"user_id"`
	RealizedPnL  float64   `json:"realized_pnl"`
	OpenQuantity int       `json:"open_quantity"`
}

// UserReport はユーザーごとの集計結果です。
type UserReport struct {
	UserID            string          `json:"user_id"`
	EntryCycles       int             `json:"entry_cycles"`
	ExitCycles        int             `json:"exit_cycles"`
	Completed         int             `json:"completed"`
	Failed            int             `json:"failed"`
	Crashed           int             `json:"crashed"`
	Unfinished        int             `json:"unfinished"` // STARTED with no terminal row
	CompletionRate    float64         `json:"completion_rate"`
	AverageDurationMs float64         `json:"average_duration_ms"`
	RealizedPnL       decimal.Decimal `json:"realized_pnl"`
	OpenQuantity      int             `json:"open_quantity"`
	MaxDrawdown       decimal.Decimal `json:"max_drawdown"`
	SharpeRatio       float64         `json:"sharpe_ratio"`
}

// Report は実行監査データの分析結果を保持します。
type Report struct {
	StrategyID       string          `json:"strategy_id"`
	StartDate        time.Time       `json:"start_date"`
	EndDate          time.Time       `json:"end_date"`
	Executions       int             `json:"executions"`
	Users            []UserReport    `json:"users"`
	TotalRealizedPnL decimal.Decimal `json:"total_realized_pnl"`
	FailureReasons   map[string]int  `json:"failure_reasons"`
}

// Querier is the subset of pgxpool.Pool the service reads through.
type Querier interface {
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
}

// Service handles report generation.
type Service struct {
	db Querier
}

// NewService creates a new report service.
func NewService(db Querier) *Service {
	return &Service{db: db}
}

// Generate はウィンドウ [from, to) の監査データを読み込んでレポートを作成します。
func (s *Service) Generate(ctx context.Context, strategyID string, from, to time.Time) (Report, error) {
	execs, err := s.FetchExecutions(ctx, strategyID, from, to)
	if err != nil {
		return Report{}, err
	}
	pnl, err := s.FetchPnL(ctx, strategyID, from, to)
	if err != nil {
		return Report{}, err
	}
	r := Analyze(execs, pnl)
	r.StrategyID = strategyID
	return r, nil
}

// FetchExecutions returns every status row of the strategy in time order.
func (s *Service) FetchExecutions(ctx context.Context, strategyID string, from, to time.Time) ([]ExecutionRow, error) {
	const query = `
		SELECT time, execution_id, user_id, phase, status, started_at, duration_ms, reason
		FROM executions
		WHERE strategy_id = $1 AND time >= $2 AND time < $3
		ORDER BY time ASC;
	`
	rows, err := s.db.Query(ctx, query, strategyID, from, to)
	if err != nil {
		return nil, fmt.Errorf("failed to query executions: %w", err)
	}
	defer rows.Close()

	var out []ExecutionRow
	for rows.Next() {
		var e ExecutionRow
		if err := rows.Scan(&e.Time, &e.ExecutionID, &e.UserID, &e.Phase, &e.Status, &e.StartedAt, &e.DurationMs, &e.Reason); err != nil {
			return nil, fmt.Errorf("failed to scan execution row: %w", err)
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

// FetchPnL returns the PnL summaries of the strategy in time order.
func (s *Service) FetchPnL(ctx context.Context, strategyID string, from, to time.Time) ([]PnLRow, error) {
	const query = `
		SELECT time, user_id, realized_pnl, open_quantity
		FROM pnl_summary
		WHERE strategy_id = $1 AND time >= $2 AND time < $3
		ORDER BY time ASC;
	`
	rows, err := s.db.Query(ctx, query, strategyID, from, to)
	if err != nil {
		return nil, fmt.Errorf("failed to query pnl summaries: %w", err)
	}
	defer rows.Close()

	var out []PnLRow
	for rows.Next() {
		var p PnLRow
		if err := rows.Scan(&p.Time, &p.UserID, &p.RealizedPnL, &p.OpenQuantity); err != nil {
			return nil, fmt.Errorf("failed to scan pnl row: %w", err)
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

// Analyze は監査行を集計します。同じ execution_id の行は最新のステータスのみを数えます。
func Analyze(execs []ExecutionRow, pnl []PnLRow) Report {
	r := Report{FailureReasons: make(map[string]int)}

	latest := make(map[string]ExecutionRow, len(execs))
	for _, e := range execs {
		if r.StartDate.IsZero() || e.Time.Before(r.StartDate) {
			r.StartDate = e.Time
		}
		if e.Time.After(r.EndDate) {
			r.EndDate = e.Time
		}
		prev, ok := latest[e.ExecutionID]
		// a terminal row always wins over STARTED
		if ok && e.Status == statusStarted && prev.Status != statusStarted {
			continue
		}
		if !ok || prev.Status == statusStarted || !e.Time.Before(prev.Time) {
			latest[e.ExecutionID] = e
		}
	}
	r.Executions = len(latest)

	users := make(map[string]*UserReport)
	get := func(id string) *UserReport {
		u, ok := users[id]
		if !ok {
			u = &UserReport{UserID: id}
			users[id] = u
		}
		return u
	}

	durations := make(map[string][]float64)
	for _, e := range latest {
		u := get(e.UserID)
		switch e.Phase {
		case "entry":
			u.EntryCycles++
		case "exit":
			u.ExitCycles++
		}
		switch e.Status {
		case statusCompleted:
			u.Completed++
		case statusError:
			u.Failed++
			r.FailureReasons[reasonKey(e.Reason)]++
		case statusCrashed:
			u.Crashed++
			r.FailureReasons[reasonKey(e.Reason)]++
		default:
			u.Unfinished++
			continue
		}
		durations[e.UserID] = append(durations[e.UserID], float64(e.DurationMs))
	}

	series := make(map[string][]PnLRow)
	for _, p := range pnl {
		series[p.UserID] = append(series[p.UserID], p)
	}
	for id, rows := range series {
		u := get(id)
		sort.SliceStable(rows, func(i, j int) bool { return rows[i].Time.Before(rows[j].Time) })
		last := rows[len(rows)-1]
		u.RealizedPnL = decimal.NewFromFloat(last.RealizedPnL).Round(2)
		u.OpenQuantity = last.OpenQuantity
		u.MaxDrawdown = maxDrawdown(rows)
		u.SharpeRatio = calculateSharpeRatio(pnlChanges(rows), 0)
		r.TotalRealizedPnL = r.TotalRealizedPnL.Add(u.RealizedPnL)
	}

	for _, u := range users {
		if finished := u.Completed + u.Failed + u.Crashed; finished > 0 {
			u.CompletionRate = float64(u.Completed) / float64(finished)
		}
		u.AverageDurationMs = mean(durations[u.UserID])
		r.Users = append(r.Users, *u)
	}
	sort.Slice(r.Users, func(i, j int) bool { return r.Users[i].UserID < r.Users[j].UserID })
	return r
}

// reasonKey groups reasons such as "first pair incomplete: leg3 5/75" under
// their prefix.
func reasonKey(reason string) string {
	if i := strings.Index(reason, ":"); i > 0 {
		reason = reason[:i]
	}
	reason = strings.TrimSpace(reason)
	if reason == "" {
		return "unknown"
	}
	return reason
}

// maxDrawdown は実現損益の推移から最大ドローダウンを計算します。
func maxDrawdown(rows []PnLRow) decimal.Decimal {
	var peak, dd decimal.Decimal
	for i, p := range rows {
		v := decimal.NewFromFloat(p.RealizedPnL)
		if i == 0 || v.GreaterThan(peak) {
			peak = v
		}
		if d := peak.Sub(v); d.GreaterThan(dd) {
			dd = d
		}
	}
	return dd.Round(2)
}

func pnlChanges(rows []PnLRow) []float64 {
	if len(rows) < 2 {
		return nil
	}
	out := make([]float64, 0, len(rows)-1)
	for i := 1; i < len(rows); i++ {
		out = append(out, rows[i].RealizedPnL-rows[i-1].RealizedPnL)
	}
	return out
}

func mean(xs []float64) float64 {
	if len(xs) == 0 {
		return 0
	}
	var sum float64
	for _, x := range xs {
		sum += x
	}
	return sum / float64(len(xs))
}

// calculateStandardDeviation はリターンの標準偏差を計算します。
func calculateStandardDeviation(returns []float64, mean float64) float64 {
	if len(returns) == 0 {
		return 0.0
	}
	variance := 0.0
	for _, r := range returns {
		variance += math.Pow(r-mean, 2)
	}
	return math.Sqrt(variance / float64(len(returns)))
}

// calculateSharpeRatio はシャープレシオを計算します。
func calculateSharpeRatio(returns []float64, riskFreeRate float64) float64 {
	if len(returns) == 0 {
		return 0.0
	}
	m := mean(returns)
	stdDev := calculateStandardDeviation(returns, m)
	if stdDev == 0 {
		return 0.0
	}
	return (m - riskFreeRate) / stdDev
}
