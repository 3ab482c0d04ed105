package migrate_test

import (
	"context"
	"testing"

	"bountyline/internal/db"
	"bountyline/internal/migrate"
)

func TestMigrateIsIdempotent(t *testing.T) {
	conn, err := db.Open(db.Config{Workspace: t.TempDir()})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	defer conn.Close()
	ctx := context.Background()
	if err := migrate.Migrate(ctx, conn); err != nil {
		t.Fatalf("first migrate: %v", err)
	}
	if err := migrate.Migrate(ctx, conn); err != nil {
		t.Fatalf("second migrate: %v", err)
	}
	applied, latest, err := migrate.Version(ctx, conn)
	if err != nil {
		t.Fatalf("version: %v", err)
	}
	if applied != latest || latest == 0 {
		t.Fatalf("expected applied == latest > 0, got %d/%d", applied, latest)
	}
	var n int
	if err := conn.QueryRowContext(ctx, `SELECT count(*) FROM listings`).Scan(&n); err != nil {
		t.Fatalf("listings table missing: %v", err)
	}
}
