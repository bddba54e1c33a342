// Command export writes the order events of a time window as CSV.
package main

import (
	"context"
	"flag"
	"os"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/your-org/box-spread-bot/internal/config"
	"github.com/your-org/box-spread-bot/internal/csvwriter"
	"github.com/your-org/box-spread-bot/internal/dbwriter"
	"github.com/your-org/box-spread-bot/pkg/logger"
)

const timeLayout = "2006-01-02 15:04:05"

func main() {
	// --- Argument Parsing ---
	configPath := flag.String("config", "config/config.yaml", "Path to the configuration file")
	startTimeStr := flag.String("start", "", "Start time for the export window (YYYY-MM-DD HH:MM:SS, UTC)")
	endTimeStr := flag.String("end", "", "End time for the export window (YYYY-MM-DD HH:MM:SS, UTC)")
	outPath := flag.String("out", "", "Output file, stdout when empty")
	userID := flag.String("user", "", "Only export this user")
	flag.Parse()

	if *startTimeStr == "" || *endTimeStr == "" {
		logger.Fatal("Both --start and --end flags are required.")
	}
	start, err := time.Parse(timeLayout, *startTimeStr)
	if err != nil {
		logger.Fatalf("Invalid --start: %v", err)
	}
	end, err := time.Parse(timeLayout, *endTimeStr)
	if err != nil {
		logger.Fatalf("Invalid --end: %v", err)
	}

	// --- Config and Logger Setup ---
	cfg, err := config.LoadConfig(*configPath)
	if err != nil {
		logger.Fatalf("Failed to load configuration to get DB settings: %v", err)
	}
	logger.SetGlobalLogLevel(cfg.LogLevel)
	dsn := cfg.Database.DSN()
	if dsn == "" {
		logger.Fatal("database.host is not configured")
	}

	// --- Database Connection ---
	ctx := context.Background()
	dbpool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		logger.Fatalf("Unable to connect to database: %v", err)
	}
	defer dbpool.Close()

	logger.Infof("Successfully connected to the database. Exporting order events from %s to %s...", *startTimeStr, *endTimeStr)

	// --- CSV Writer Setup ---
	var w *csvwriter.Writer
	if *outPath == "" {
		w = csvwriter.NewWriter(os.Stdout, logger.L())
	} else if w, err = csvwriter.NewFileWriter(*outPath, logger.L()); err != nil {
		logger.Fatalf("Failed to open output: %v", err)
	}
	defer w.Close()

	// --- Query and Write Data ---
	query := `
        SELECT time, execution_id, user_id, order_id, leg_key, instrument, action,
               style, quantity, filled_qty, limit_price, avg_price, state, attempt
        FROM order_events
        WHERE time >= $1 AND time < $2 AND ($3 = '' OR user_id = $3)
        ORDER BY time ASC;
    `
	rows, err := dbpool.Query(ctx, query, start, end, *userID)
	if err != nil {
		logger.Fatalf("Failed to query order events: %v", err)
	}
	defer rows.Close()

	var rowCount int
	for rows.Next() {
		var e dbwriter.OrderEvent
		if err := rows.Scan(&e.Time, &e.ExecutionID, &e.UserID, &e.OrderID, &e.LegKey, &e.Instrument, &e.Action,
			&e.Style, &e.Quantity, &e.FilledQty, &e.LimitPrice, &e.AvgPrice, &e.State, &e.Attempt); err != nil {
			logger.Fatalf("Failed to scan row: %v", err)
		}
		if err := w.WriteOrderEvent(e); err != nil {
			logger.Fatalf("Failed to write CSV record: %v", err)
		}
		rowCount++
	}

	if err := rows.Err(); err != nil {
		logger.Fatalf("Error iterating over rows: %v", err)
	}

	logger.Infof("Successfully exported %d rows.", rowCount)
}
