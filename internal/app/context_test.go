package app_test

import (
	"context"
	"errors"
	"testing"

	"make24/internal/app"
	"make24/internal/clock"
	"make24/internal/config"
	"make24/internal/db"
	"make24/internal/domain"
	"make24/internal/events"
	"make24/internal/migrate"
)

func newFactory(t *testing.T) app.Factory {
	t.Helper()
	conn, err := db.Open(db.Config{Workspace: t.TempDir()})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	if err := migrate.Migrate(conn.DB); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	return app.Factory{LocalDB: conn, Config: config.Default(), Clock: clock.NewManual(1_700_000_000_000)}
}

func TestGuestEngineResumesFromStore(t *testing.T) {
	f := newFactory(t)
	ctx := context.Background()
	first, err := f.Engine(ctx, app.Guest("device-1"), events.NewHub())
	if err != nil {
		t.Fatalf("engine: %v", err)
	}
	if _, err := first.Start(ctx, "read a book"); err != nil {
		t.Fatalf("start: %v", err)
	}
	second, err := f.Engine(ctx, app.Guest("device-1"), nil)
	if err != nil {
		t.Fatalf("engine: %v", err)
	}
	snap := second.Snapshot()
	if snap.Phase != domain.PhaseActive || snap.Goal != "read a book" || snap.Mode != domain.ModeGuest {
		t.Fatalf("unexpected snapshot %+v", snap)
	}
	other, err := f.Engine(ctx, app.Guest("device-2"), nil)
	if err != nil {
		t.Fatal(err)
	}
	if other.Snapshot().Phase != domain.PhaseIdle {
		t.Fatalf("device-2 sees device-1 challenge")
	}
}

func TestAccountWithoutPool(t *testing.T) {
	f := newFactory(t)
	if _, err := f.Port(context.Background(), app.Account("user-1")); !errors.Is(err, app.ErrRemoteUnavailable) {
		t.Fatalf("expected ErrRemoteUnavailable, got %v", err)
	}
	if _, err := f.Port(context.Background(), app.Identity{}); err == nil {
		t.Fatalf("expected error for empty identity")
	}
}
