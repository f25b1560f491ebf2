package main

import (
	"context"
	"database/sql"
	"flag"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/And03-11/animal-rescue-dashboard/internal/pkg/logger"
	"github.com/And03-11/animal-rescue-dashboard/internal/warehouse"
	"github.com/joho/godotenv"
)

const ledgerDDL = `CREATE TABLE IF NOT EXISTS schema_migrations (
	name       TEXT PRIMARY KEY,
	applied_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
)`

func main() {
	listOnly := flag.Bool("list", false, "list dashboard tables and applied migrations, then exit")
	flag.Parse()
	_ = godotenv.Load()

	dir := "migrations"
	if flag.NArg() > 0 {
		dir = flag.Arg(0)
	}

	dsn := os.Getenv("SUPABASE_DATABASE_URL")
	if dsn == "" {
		logger.Error("SUPABASE_DATABASE_URL is required")
		os.Exit(1)
	}

	ctx := context.Background()
	gw, err := warehouse.Open(ctx, warehouse.Config{DatabaseURL: dsn, MaxOpenConns: 2, MinIdleConns: 1, Timeout: 5 * time.Minute})
	if err != nil {
		logger.Error("connect", "error", err)
		os.Exit(1)
	}
	defer gw.Close()

	if _, err := gw.Execute(ctx, ledgerDDL); err != nil {
		logger.Error("create migration ledger", "error", err)
		os.Exit(1)
	}

	if *listOnly {
		if err := list(ctx, gw); err != nil {
			logger.Error("list", "error", err)
			os.Exit(1)
		}
		return
	}

	files, err := pending(ctx, gw, dir)
	if err != nil {
		logger.Error("scan migrations", "dir", dir, "error", err)
		os.Exit(1)
	}

	var okCount, errCount int
	for _, f := range files {
		data, err := os.ReadFile(filepath.Join(dir, f))
		if err != nil {
			logger.Error("read migration", "file", f, "error", err)
			os.Exit(1)
		}
		if strings.TrimSpace(string(data)) == "" {
			continue
		}
		err = gw.WithTx(ctx, func(ctx context.Context, tx *sql.Tx) error {
			if _, err := tx.ExecContext(ctx, string(data)); err != nil {
				return err
			}
			_, err := tx.ExecContext(ctx, `INSERT INTO schema_migrations (name) VALUES ($1)`, f)
			return err
		})
		if err != nil {
			// Later files usually depend on earlier ones.
			logger.Error("migration failed", "file", f, "error", err)
			errCount++
			break
		}
		logger.Info("migration applied", "file", f)
		okCount++
	}
	logger.Info("migrations complete", "applied", okCount, "errors", errCount, "pending", len(files)-okCount)
	if errCount > 0 {
		os.Exit(1)
	}
}

// pending returns the .sql files in dir not yet in the ledger, in name order.
func pending(ctx context.Context, gw *warehouse.Gateway, dir string) ([]string, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, err
	}
	rows, err := gw.QueryAll(ctx, `SELECT name FROM schema_migrations`)
	if err != nil {
		return nil, err
	}
	applied := make(map[string]bool, len(rows))
	for _, r := range rows {
		applied[r.String("name")] = true
	}

	var files []string
	for _, e := range entries {
		if !e.IsDir() && strings.HasSuffix(e.Name(), ".sql") && !applied[e.Name()] {
			files = append(files, e.Name())
		}
	}
	sort.Strings(files)
	return files, nil
}

func list(ctx context.Context, gw *warehouse.Gateway) error {
	tables, err := gw.QueryAll(ctx, `SELECT tablename FROM pg_tables WHERE schemaname = 'public' ORDER BY tablename`)
	if err != nil {
		return err
	}
	for _, t := range tables {
		fmt.Println(" ", t.String("tablename"))
	}
	fmt.Printf("Total: %d tables\n", len(tables))

	applied, err := gw.QueryAll(ctx, `SELECT name, applied_at FROM schema_migrations ORDER BY name`)
	if err != nil {
		return err
	}
	for _, m := range applied {
		fmt.Printf("  applied %s at %s\n", m.String("name"), m.Time("applied_at").Format(time.RFC3339))
	}
	return nil
}
