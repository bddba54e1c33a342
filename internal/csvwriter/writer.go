package csvwriter

import (
	"encoding/csv"
	"fmt"
	"io"
	"os"
	"strconv"
	"sync"

	"go.uber.org/zap"

	"github.com/your-org/box-spread-bot/internal/dbwriter"
)

// OrderEventHeader is the column row written before the first order event.
var OrderEventHeader = []string{
	"time", "execution_id", "user_id", "order_id", "leg_key", "instrument", "action",
	"style", "quantity", "filled_qty", "limit_price", "avg_price", "state", "attempt",
}

// Writer is a simple CSV writer.
type Writer struct {
	closer io.Closer
	writer *csv.Writer
	logger *zap.Logger
	mu     sync.Mutex
	rows   int
	header bool
}

// NewWriter creates a CSV writer on w.
func NewWriter(w io.Writer, logger *zap.Logger) *Writer {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Writer{writer: csv.NewWriter(w), logger: logger}
}

// NewFileWriter creates a CSV writer on a new file at filePath.
func NewFileWriter(filePath string, logger *zap.Logger) (*Writer, error) {
	file, err := os.Create(filePath)
	if err != nil {
		return nil, fmt.Errorf("failed to create CSV file: %w", err)
	}
	w := NewWriter(file, logger)
	w.closer = file
	return w, nil
}

// Write writes a record to the CSV file.
func (w *Writer) Write(record []string) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if err := w.writer.Write(record); err != nil {
		return fmt.Errorf("failed to write record to CSV: %w", err)
	}
	w.rows++
	return nil
}

// WriteOrderEvent writes e, preceded by OrderEventHeader on the first call.
func (w *Writer) WriteOrderEvent(e dbwriter.OrderEvent) error {
	w.mu.Lock()
	needHeader := !w.header
	w.header = true
	w.mu.Unlock()
	if needHeader {
		if err := w.Write(OrderEventHeader); err != nil {
			return err
		}
	}
	return w.Write(OrderEventRecord(e))
}

// OrderEventRecord formats e in OrderEventHeader column order.
func OrderEventRecord(e dbwriter.OrderEvent) []string {
	return []string{
		e.Time.UTC().Format("2006-01-02 15:04:05.999999Z07:00"),
		e.ExecutionID,
		e.UserID,
		e.OrderID,
		e.LegKey,
		e.Instrument,
		e.Action,
		e.Style,
		strconv.Itoa(e.Quantity),
		strconv.Itoa(e.FilledQty),
		strconv.FormatFloat(e.LimitPrice, 'f', 2, 64),
		strconv.FormatFloat(e.AvgPrice, 'f', 2, 64),
		e.State,
		strconv.Itoa(e.Attempt),
	}
}

// Rows is the number of records written, the header included.
func (w *Writer) Rows() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.rows
}

// Flush flushes any buffered data to the underlying writer.
func (w *Writer) Flush() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.writer.Flush()
	return w.writer.Error()
}

// Close flushes and closes the file, if the writer owns one.
func (w *Writer) Close() error {
	err := w.Flush()
	if w.closer != nil {
		if cerr := w.closer.Close(); cerr != nil && err == nil {
			err = cerr
		}
	}
	if err != nil {
		w.logger.Error("Failed to close CSV writer", zap.Error(err))
	}
	return err
}
