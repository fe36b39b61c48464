// Command migrate applies the batchd schema to the configured Postgres
// database. It is idempotent and safe to run on every deploy.
package main

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/joho/godotenv"
	_ "github.com/lib/pq"
)

const schema = `
CREATE TABLE IF NOT EXISTS batch_jobs (
    id               TEXT PRIMARY KEY,
    name             TEXT        NOT NULL,
    kind             TEXT        NOT NULL,
    status           TEXT        NOT NULL,
    policy           JSONB       NOT NULL,
    operations       JSONB       NOT NULL,
    cancel_requested BOOLEAN     NOT NULL DEFAULT FALSE,
    created_at       TIMESTAMPTZ NOT NULL,
    started_at       TIMESTAMPTZ,
    completed_at     TIMESTAMPTZ,
    updated_at       TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE INDEX IF NOT EXISTS idx_batch_jobs_status ON batch_jobs (status);
CREATE INDEX IF NOT EXISTS idx_batch_jobs_kind ON batch_jobs (kind);
CREATE INDEX IF NOT EXISTS idx_batch_jobs_created_at ON batch_jobs (created_at DESC);
`

func main() {
	_ = godotenv.Load()

	dbURL := strings.TrimSpace(os.Getenv("DATABASE_URL"))
	if dbURL == "" {
		exitWithError(fmt.Errorf("DATABASE_URL is required"))
	}

	db, err := sql.Open("postgres", dbURL)
	if err != nil {
		exitWithError(fmt.Errorf("open database: %w", err))
	}
	defer db.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := db.PingContext(ctx); err != nil {
		exitWithError(fmt.Errorf("ping database: %w", err))
	}
	if _, err := db.ExecContext(ctx, schema); err != nil {
		exitWithError(fmt.Errorf("apply schema: %w", err))
	}

	fmt.Println("batch_jobs schema is up to date")
}

func exitWithError(err error) {
	fmt.Fprintf(os.Stderr, "migrate: %v\n", err)
	os.Exit(1)
}
