//go:build sqltest
// +build sqltest

package dbwriter

import (
	"database/sql"
	"io/fs"
	"os"
	"testing"

	"github.com/DATA-DOG/go-txdb"
	_ "github.com/lib/pq" // PostgreSQL driver

	"github.com/your-org/box-spread-bot/migrations"
)

func init() {
	dsn := os.Getenv("TEST_DATABASE_DSN")
	if dsn == "" {
		dsn = "user=test password=test dbname=test host=/var/run/postgresql sslmode=disable"
	}
	txdb.Register("txdb", "postgres", dsn)
}

// TestMigrations は各 up マイグレーションがトランザクション内でエラーなく適用できることを確認します。
func TestMigrations(t *testing.T) {
	files, err := fs.Glob(migrations.FS, "*.up.sql")
	if err != nil {
		t.Fatalf("failed to list migrations: %v", err)
	}

	for _, name := range files {
		t.Run(name, func(t *testing.T) {
			db, err := sql.Open("txdb", name)
			if err != nil {
				t.Fatalf("failed to open database: %v", err)
			}
			defer db.Close()

			content, err := fs.ReadFile(migrations.FS, name)
			if err != nil {
				t.Fatalf("failed to read migration file: %v", err)
			}

			// トランザクション内でスキーマを実行し、エラーがなければOK
			tx, err := db.Begin()
			if err != nil {
				t.Fatalf("failed to begin transaction: %v", err)
			}
			defer tx.Rollback() // 常にロールバックしてDB状態を変更しない

			if _, err := tx.Exec(string(content)); err != nil {
				t.Errorf("migration failed: %v", err)
			}
			if _, err := tx.Exec(`INSERT INTO pnl_summary (time, strategy_id, user_id, realized_pnl, open_quantity) VALUES (now(), 'box', 'u1', 1.5, 0)`); err != nil {
				t.Errorf("insert into migrated schema failed: %v", err)
			}
		})
	}
}
