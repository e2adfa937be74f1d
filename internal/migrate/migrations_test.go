package migrate_test

import (
	"context"
	"testing"

	"dmecoord/internal/db"
	"dmecoord/internal/migrate"
)

func TestMigrateIsIdempotent(t *testing.T) {
	conn, err := db.Open(db.Config{DataDir: t.TempDir()})
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer conn.Close()
	ctx := context.Background()

	if v, err := migrate.Current(ctx, conn); err != nil || v != 0 {
		t.Fatalf("expected fresh db at version 0, got %d (%v)", v, err)
	}
	for i := 0; i < 2; i++ {
		if err := migrate.Migrate(ctx, conn); err != nil {
			t.Fatalf("migrate pass %d: %v", i, err)
		}
	}
	latest, err := migrate.Latest()
	if err != nil {
		t.Fatalf("latest: %v", err)
	}
	current, err := migrate.Current(ctx, conn)
	if err != nil {
		t.Fatalf("current: %v", err)
	}
	if current != latest || latest < 2 {
		t.Fatalf("expected version %d, got %d", latest, current)
	}
	for _, table := range []string{"tasks", "webhooks", "webhook_deliveries", "portal_orders"} {
		var name string
		if err := conn.QueryRowContext(ctx, `SELECT name FROM sqlite_master WHERE type='table' AND name=?`, table).Scan(&name); err != nil {
			t.Fatalf("missing table %s: %v", table, err)
		}
	}
}
