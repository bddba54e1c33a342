// Command report summarizes the audit store of one strategy: cycles by user,
// completion rate, failure reasons and realized PnL.
package main

import (
	"context"
	"encoding/json"
	"flag"
	"os"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/your-org/box-spread-bot/internal/config"
	"github.com/your-org/box-spread-bot/internal/report"
	"github.com/your-org/box-spread-bot/pkg/logger"
)

func main() {
	configPath := flag.String("config", "config/config.yaml", "Path to the configuration file")
	since := flag.Duration("since", 24*time.Hour, "Length of the report window ending now")
	flag.Parse()

	// --- Load Configuration ---
	cfg, err := config.LoadConfig(*configPath)
	if err != nil {
		logger.Fatalf("Failed to load configuration: %v", err)
	}
	l := logger.NewLogger(cfg.LogLevel)

	dsn := cfg.Database.DSN()
	if dsn == "" {
		l.Fatal("database.host is not configured")
	}

	// --- Database Connection ---
	ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
	defer cancel()
	dbpool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		l.Fatalf("Unable to connect to database: %v", err)
	}
	defer dbpool.Close()

	to := time.Now().UTC()
	from := to.Add(-*since)
	r, err := report.NewService(dbpool).Generate(ctx, cfg.StrategyID, from, to)
	if err != nil {
		l.Fatalf("Failed to generate report: %v", err)
	}

	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	if err := enc.Encode(r); err != nil {
		l.Fatalf("Failed to write report: %v", err)
	}
	l.Infof("Report of %s covers %d executions from %s to %s.", cfg.StrategyID, r.Executions, from.Format(time.RFC3339), to.Format(time.RFC3339))
}
