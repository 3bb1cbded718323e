package integration

import (
	"context"
	"os"

	"github.com/nova-social/backend/internal/database"
)

func envOrDefault(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

// ResetFixtureTables truncates the tables integration tests write to,
// so each test run starts from a clean slate regardless of what a prior
// run left behind.
func ResetFixtureTables(ctx context.Context, db database.DB) error {
	tables := []string{"feed_rows", "notification_jobs", "sync_state", "outbox_messages", "kafka_offsets", "cdc_projections"}
	for _, table := range tables {
		if _, err := db.Exec(ctx, "TRUNCATE TABLE "+table+" CASCADE"); err != nil {
			return err
		}
	}
	return nil
}
