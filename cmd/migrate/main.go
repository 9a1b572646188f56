package main

import (
	"LendLedger/internal/observability"
	"LendLedger/internal/persistence"
	"LendLedger/internal/projection"
	"context"
	"database/sql"
	"fmt"
	"io/fs"
	"os"

	_ "github.com/lib/pq"
)

func main() {
	if len(os.Args) < 2 {
		fmt.Println("Usage: migrate <up|down|rebuild-activity>")
		fmt.Println("  up                - apply all pending migrations")
		fmt.Println("  down              - roll back the last migration")
		fmt.Println("  rebuild-activity  - recompute the activity projection from the operation log")
		fmt.Println()
		fmt.Println("Environment:")
		fmt.Println("  LEND_POSTGRES_DSN    - Postgres connection string")
		fmt.Println("  LEND_MIGRATIONS_DIR  - read migrations from this directory instead of the embedded set")
		os.Exit(1)
	}

	logger := observability.NewLogger("migrate")

	dsn := os.Getenv("LEND_POSTGRES_DSN")
	if dsn == "" {
		dsn = "postgres://localhost:5432/lendledger?sslmode=disable"
	}

	var files fs.FS = persistence.Migrations()
	if dir := os.Getenv("LEND_MIGRATIONS_DIR"); dir != "" {
		files = os.DirFS(dir)
	}

	db, err := sql.Open("postgres", dsn)
	if err != nil {
		logger.Fatal().Err(err).Msg("open db")
	}
	defer db.Close()

	ctx := context.Background()
	migrator := persistence.NewMigrator(db, files, logger)

	switch os.Args[1] {
	case "up":
		applied, err := migrator.Up(ctx)
		if err != nil {
			logger.Fatal().Err(err).Msg("migrate up")
		}
		logger.Info().Int("applied", applied).Msg("all migrations applied")

	case "down":
		if err := migrator.Down(ctx); err != nil {
			logger.Fatal().Err(err).Msg("migrate down")
		}
		logger.Info().Msg("last migration rolled back")

	case "rebuild-activity":
		if err := projection.RebuildActivity(ctx, db, logger); err != nil {
			logger.Fatal().Err(err).Msg("rebuild activity")
		}

	default:
		fmt.Fprintf(os.Stderr, "unknown command: %s (use 'up', 'down' or 'rebuild-activity')\n", os.Args[1])
		os.Exit(1)
	}
}
