package dbwriter

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"go.uber.org/zap"

	"github.com/your-org/box-spread-bot/internal/config"
)

// Execution は1回のエントリー/エグジット実行の状態変化を表すレコードです。
// 状態が変わるたびに新しい行として追記されます。
type Execution struct {
	Time        time.Time `db:"time"`
	ExecutionID string    `db:"execution_id"`
	StrategyID  string    `db:"strategy_id"`
	UserID      string    `db:"user_id"`
	Phase       string    `db:"phase"`  // "entry" or "exit"
	Status      string    `db:"status"` // STARTED, COMPLETED, ERROR, CRASHED
	StartedAt   time.Time `db:"started_at"`
	DurationMs  int64     `db:"duration_ms"`
	Reason      string    `db:"reason"`
}

// Milestone は実行中の節目を表すレコードです。
type Milestone struct {
	Time        time.Time `db:"time"`
	ExecutionID string    `db:"execution_id"`
	UserID      string    `db:"user_id"`
	Name        string    `db:"name"`
	Detail      string    `db:"detail"`
}

// OrderEvent は注文の発注・変更・約定状況を表すレコードです。
type OrderEvent struct {
	Time        time.Time `db:"time"`
	ExecutionID string    `db:"execution_id"`
	UserID      string    `db:"user_id"`
	OrderID     string    `db:"order_id"`
	LegKey      string    `db:"leg_key"`
	Instrument  string    `db:"instrument"`
	Action      string    `db:"action"` // "BUY" or "SELL"
	Style       string    `db:"style"`  // "LIMIT" or "IOC"
	Quantity    int       `db:"quantity"`
	FilledQty   int       `db:"filled_qty"`
	LimitPrice  float64   `db:"limit_price"`
	AvgPrice    float64   `db:"avg_price"`
	State       string    `db:"state"`
	Attempt     int       `db:"attempt"`
}

// ExecutionError は実行中に発生したエラーのレコードです。
type ExecutionError struct {
	Time        time.Time `db:"time"`
	ExecutionID string    `db:"execution_id"`
	UserID      string    `db:"user_id"`
	Stage       string    `db:"stage"`
	Message     string    `db:"message"`
}

// Observation はケース判定に使った観測結果のレコードです。
type Observation struct {
	Time        time.Time `db:"time"`
	ExecutionID string    `db:"execution_id"`
	UserID      string    `db:"user_id"`
	Phase       string    `db:"phase"`
	Decision    string    `db:"decision"` // CASE_A or CASE_B
	Degraded    bool      `db:"degraded"`
	Detail      string    `db:"detail"`
}

// Fill はシミュレーション約定のレコードです。
type Fill struct {
	Time       time.Time `db:"time"`
	OrderID    string    `db:"order_id"`
	UserID     string    `db:"user_id"`
	Instrument string    `db:"instrument"`
	Action     string    `db:"action"`
	Price      float64   `db:"price"`
	Quantity   int       `db:"quantity"`
}

// PnLSummary はデータベースに保存するユーザー別PnL情報の構造体です。
type PnLSummary struct {
	Time         time.Time `db:"time"`
	StrategyID   string    `db:"strategy_id"`
	UserID       string    `db:"user_id"`
	RealizedPnL  float64   `db:"realized_pnl"`
	OpenQuantity int       `db:"open_quantity"`
}

// Pool is an interface that abstracts the pgxpool.Pool for testability.
type Pool interface {
	CopyFrom(ctx context.Context, tableName pgx.Identifier, columnNames []string, rowSrc pgx.CopyFromSource) (int64, error)
	Exec(context.Context, string, ...interface{}) (pgconn.CommandTag, error)
	QueryRow(ctx context.Context, sql string, args ...interface{}) pgx.Row
	Close()
}

var (
	executionColumns   = []string{"time", "execution_id", "strategy_id", "user_id", "phase", "status", "started_at", "duration_ms", "reason"}
	milestoneColumns   = []string{"time", "execution_id", "user_id", "name", "detail"}
	orderEventColumns  = []string{"time", "execution_id", "user_id", "order_id", "leg_key", "instrument", "action", "style", "quantity", "filled_qty", "limit_price", "avg_price", "state", "attempt"}
	errorColumns       = []string{"time", "execution_id", "user_id", "stage", "message"}
	observationColumns = []string{"time", "execution_id", "user_id", "phase", "decision", "degraded", "detail"}
	fillColumns        = []string{"time", "order_id", "user_id", "instrument", "action", "price", "quantity"}
)

// TimescaleWriter はTimescaleDBへの監査データ書き込みを担当します。
// 書き込みはバッファされ、バッチサイズ到達時または一定間隔でフラッシュされます。
// 書き込みエラーはログに記録されるだけで、呼び出し側には伝搬しません。
type TimescaleWriter struct {
	pool              Pool
	logger            *zap.Logger
	config            config.DBWriterConfig
	executionBuffer   []Execution
	milestoneBuffer   []Milestone
	orderEventBuffer  []OrderEvent
	errorBuffer       []ExecutionError
	observationBuffer []Observation
	fillBuffer        []Fill
	bufferMutex       sync.Mutex
	flushTicker       *time.Ticker
	shutdownChan      chan struct{}
	closeOnce         sync.Once
}

// NewTimescaleWriter は新しいTimescaleWriterインスタンスを作成します。
// このコンストラクタは、外部から提供されたDB接続プールを使用します。
func NewTimescaleWriter(pool Pool, writerConfig config.DBWriterConfig, logger *zap.Logger) (DBWriter, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	if pool == nil {
		logger.Info("DB pool is nil, creating dummy DB writer.")
		return &TimescaleWriter{
			logger:       logger,
			shutdownChan: make(chan struct{}),
		}, nil
	}

	if writerConfig.WriteIntervalSeconds <= 0 {
		logger.Warn("WriteIntervalSeconds is zero or negative, defaulting to 1s.", zap.Int("originalValue", writerConfig.WriteIntervalSeconds))
		writerConfig.WriteIntervalSeconds = 1
	}
	if writerConfig.BatchSize <= 0 {
		logger.Warn("BatchSize is zero or negative, defaulting to 100.", zap.Int("originalValue", writerConfig.BatchSize))
		writerConfig.BatchSize = 100
	}

	writer := &TimescaleWriter{
		pool:         pool,
		logger:       logger,
		config:       writerConfig,
		shutdownChan: make(chan struct{}),
	}
	writer.flushTicker = time.NewTicker(time.Duration(writerConfig.WriteIntervalSeconds) * time.Second)
	go writer.run()
	logger.Info("Audit writer started", zap.Int("batchSize", writerConfig.BatchSize), zap.Int("intervalSeconds", writerConfig.WriteIntervalSeconds))

	return writer, nil
}

// Close はバッファをフラッシュし、データベース接続プールをクローズします。
func (w *TimescaleWriter) Close() {
	if w.pool == nil {
		w.logger.Info("Closing dummy DB writer.")
		return
	}
	w.closeOnce.Do(func() {
		w.logger.Info("Closing audit writer...")
		close(w.shutdownChan)
		w.flushTicker.Stop()
		w.flushBuffers()
		w.pool.Close()
		w.logger.Info("Audit writer connection pool closed")
	})
}

func (w *TimescaleWriter) run() {
	for {
		select {
		case <-w.flushTicker.C:
			w.flushBuffers()
		case <-w.shutdownChan:
			return
		}
	}
}

// enqueue appends under the buffer lock and flushes when the batch is full.
func enqueue[T any](w *TimescaleWriter, buf *[]T, v T) {
	if w.pool == nil {
		return
	}
	w.bufferMutex.Lock()
	*buf = append(*buf, v)
	shouldFlush := len(*buf) >= w.config.BatchSize
	w.bufferMutex.Unlock()

	if shouldFlush {
		w.flushBuffers()
	}
}

// SaveExecution は実行レコードをバッファに追加します。
func (w *TimescaleWriter) SaveExecution(e Execution) { enqueue(w, &w.executionBuffer, e) }

// SaveMilestone はマイルストーンをバッファに追加します。
func (w *TimescaleWriter) SaveMilestone(m Milestone) { enqueue(w, &w.milestoneBuffer, m) }

// SaveOrderEvent は注文イベントをバッファに追加します。
func (w *TimescaleWriter) SaveOrderEvent(o OrderEvent) { enqueue(w, &w.orderEventBuffer, o) }

// SaveError はエラーレコードをバッファに追加します。
func (w *TimescaleWriter) SaveError(e ExecutionError) { enqueue(w, &w.errorBuffer, e) }

// SaveObservation は観測結果をバッファに追加します。
func (w *TimescaleWriter) SaveObservation(o Observation) { enqueue(w, &w.observationBuffer, o) }

// SaveFill はシミュレーション約定をバッファに追加します。
func (w *TimescaleWriter) SaveFill(f Fill) { enqueue(w, &w.fillBuffer, f) }

func (w *TimescaleWriter) flushBuffers() {
	if w.pool == nil {
		return
	}
	w.bufferMutex.Lock()
	defer w.bufferMutex.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if len(w.executionBuffer) > 0 {
		w.copyRows(ctx, "executions", executionColumns, toExecutionInterfaces(w.executionBuffer))
		w.executionBuffer = w.executionBuffer[:0]
	}
	if len(w.milestoneBuffer) > 0 {
		w.copyRows(ctx, "execution_milestones", milestoneColumns, toMilestoneInterfaces(w.milestoneBuffer))
		w.milestoneBuffer = w.milestoneBuffer[:0]
	}
	if len(w.orderEventBuffer) > 0 {
		w.copyRows(ctx, "order_events", orderEventColumns, toOrderEventInterfaces(w.orderEventBuffer))
		w.orderEventBuffer = w.orderEventBuffer[:0]
	}
	if len(w.errorBuffer) > 0 {
		w.copyRows(ctx, "execution_errors", errorColumns, toErrorInterfaces(w.errorBuffer))
		w.errorBuffer = w.errorBuffer[:0]
	}
	if len(w.observationBuffer) > 0 {
		w.copyRows(ctx, "observations", observationColumns, toObservationInterfaces(w.observationBuffer))
		w.observationBuffer = w.observationBuffer[:0]
	}
	if len(w.fillBuffer) > 0 {
		w.copyRows(ctx, "sim_fills", fillColumns, toFillInterfaces(w.fillBuffer))
		w.fillBuffer = w.fillBuffer[:0]
	}
}

func (w *TimescaleWriter) copyRows(ctx context.Context, table string, columns []string, rows [][]interface{}) {
	w.logger.Debug("Flushing audit rows", zap.String("table", table), zap.Int("count", len(rows)))
	if _, err := w.pool.CopyFrom(ctx, pgx.Identifier{table}, columns, pgx.CopyFromRows(rows)); err != nil {
		w.logger.Error("Failed to batch insert audit rows", zap.String("table", table), zap.Int("count", len(rows)), zap.Error(err))
	}
}

func toExecutionInterfaces(es []Execution) [][]interface{} {
	rows := make([][]interface{}, len(es))
	for i, e := range es {
		rows[i] = []interface{}{e.Time, e.ExecutionID, e.StrategyID, e.UserID, e.Phase, e.Status, e.StartedAt, e.DurationMs, e.Reason}
	}
	return rows
}

func toMilestoneInterfaces(ms []Milestone) [][]interface{} {
	rows := make([][]interface{}, len(ms))
	for i, m := range ms {
		rows[i] = []interface{}{m.Time, m.ExecutionID, m.UserID, m.Name, m.Detail}
	}
	return rows
}

func toOrderEventInterfaces(os []OrderEvent) [][]interface{} {
	rows := make([][]interface{}, len(os))
	for i, o := range os {
		rows[i] = []interface{}{o.Time, o.ExecutionID, o.UserID, o.OrderID, o.LegKey, o.Instrument, o.Action, o.Style, o.Quantity, o.FilledQty, o.LimitPrice, o.AvgPrice, o.State, o.Attempt}
	}
	return rows
}

func toErrorInterfaces(es []ExecutionError) [][]interface{} {
	rows := make([][]interface{}, len(es))
	for i, e := range es {
		rows[i] = []interface{}{e.Time, e.ExecutionID, e.UserID, e.Stage, e.Message}
	}
	return rows
}

func toObservationInterfaces(os []Observation) [][]interface{} {
	rows := make([][]interface{}, len(os))
	for i, o := range os {
		rows[i] = []interface{}{o.Time, o.ExecutionID, o.UserID, o.Phase, o.Decision, o.Degraded, o.Detail}
	}
	return rows
}

func toFillInterfaces(fs []Fill) [][]interface{} {
	rows := make([][]interface{}, len(fs))
	for i, f := range fs {
		rows[i] = []interface{}{f.Time, f.OrderID, f.UserID, f.Instrument, f.Action, f.Price, f.Quantity}
	}
	return rows
}

// SavePnLSummary は単一のPnLサマリーをデータベースに保存します。
func (w *TimescaleWriter) SavePnLSummary(ctx context.Context, pnl PnLSummary) error {
	if w.pool == nil {
		w.logger.Debug("Skipping PnL summary save for dummy writer", zap.Any("pnl", pnl))
		return nil
	}

	query := `INSERT INTO pnl_summary (time, strategy_id, user_id, realized_pnl, open_quantity)
	          VALUES ($1, $2, $3, $4, $5)`
	_, err := w.pool.Exec(ctx, query, pnl.Time, pnl.StrategyID, pnl.UserID, pnl.RealizedPnL, pnl.OpenQuantity)
	if err != nil {
		w.logger.Error("Failed to insert PnL summary", zap.Error(err), zap.Any("pnl", pnl))
		return fmt.Errorf("failed to insert PnL summary: %w", err)
	}
	w.logger.Debug("Saved PnL summary to DB.", zap.String("user", pnl.UserID))
	return nil
}

// LastRealizedPnL returns the most recent realized PnL stored for a user, or
// 0 when none exists.
func (w *TimescaleWriter) LastRealizedPnL(ctx context.Context, strategyID, userID string) (float64, error) {
	if w.pool == nil {
		return 0, nil
	}
	var last float64
	err := w.pool.QueryRow(ctx,
		"SELECT realized_pnl FROM pnl_summary WHERE strategy_id = $1 AND user_id = $2 ORDER BY time DESC LIMIT 1",
		strategyID, userID,
	).Scan(&last)
	if err != nil && err != pgx.ErrNoRows {
		return 0, fmt.Errorf("failed to get last realized PnL: %w", err)
	}
	return last, nil
}
