package remote_test

import (
	"context"
	"errors"
	"fmt"
	"os"
	"testing"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"make24/internal/clock"
	"make24/internal/domain"
	"make24/internal/migrate"
	"make24/internal/store"
	"make24/internal/store/remote"
	"make24/internal/store/storetest"
)

// setupPool creates an isolated schema in the database named by
// M24_TEST_DATABASE_URL and applies migrations to it.
func setupPool(t *testing.T) *pgxpool.Pool {
	t.Helper()
	databaseURL := os.Getenv("M24_TEST_DATABASE_URL")
	if databaseURL == "" {
		t.Skip("M24_TEST_DATABASE_URL not set")
	}
	ctx := context.Background()
	schema := fmt.Sprintf("m24_test_%d", time.Now().UnixNano())
	config, err := pgxpool.ParseConfig(databaseURL)
	if err != nil {
		t.Fatalf("parse config: %v", err)
	}
	config.AfterConnect = func(ctx context.Context, conn *pgx.Conn) error {
		_, err := conn.Exec(ctx, fmt.Sprintf("SET search_path TO %s", schema))
		return err
	}
	pool, err := pgxpool.NewWithConfig(ctx, config)
	if err != nil {
		t.Fatalf("connect: %v", err)
	}
	if _, err := pool.Exec(ctx, fmt.Sprintf("CREATE SCHEMA %s", schema)); err != nil {
		pool.Close()
		t.Fatalf("create schema: %v", err)
	}
	t.Cleanup(func() {
		_, _ = pool.Exec(ctx, fmt.Sprintf("DROP SCHEMA %s CASCADE", schema))
		pool.Close()
	})
	if err := migrate.MigrateRemote(ctx, pool); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	return pool
}

func TestPortContract(t *testing.T) {
	storetest.Run(t, func(t *testing.T, clk *clock.Manual) store.Port {
		s := remote.New(setupPool(t), "user-1")
		s.Clock = clk
		return s
	})
}

func TestImportIsIdempotent(t *testing.T) {
	pool := setupPool(t)
	ctx := context.Background()
	s := remote.New(pool, "user-1")
	end := storetest.Start + 24*3_600_000
	rating := 5
	outcome := ""
	rec := store.Record{
		Challenge: domain.Challenge{
			ID: "guest-c1", Goal: "from guest", CreatedAt: storetest.Start, StartTime: storetest.Start,
			EndTime: &end, Completed: true, Rating: &rating, Outcome: &outcome,
		},
		CheckIns: []domain.CheckIn{{ID: "guest-k1", ChallengeID: "guest-c1", Milestone: 75, Mood: domain.MoodGood, Timestamp: storetest.Start + 1000}},
	}
	for i := 0; i < 2; i++ {
		if err := s.Import(ctx, rec); err != nil {
			t.Fatalf("import %d: %v", i, err)
		}
	}
	items, err := s.ListChallenges(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if len(items) != 1 || *items[0].Outcome != domain.DefaultOutcome {
		t.Fatalf("imported %+v", items)
	}
	checkIns, err := s.ListCheckIns(ctx, "guest-c1")
	if err != nil || len(checkIns) != 1 {
		t.Fatalf("check-ins %+v %v", checkIns, err)
	}
	other := remote.New(pool, "user-2")
	if err := other.Import(ctx, rec); err == nil {
		t.Fatalf("expected import into another account to fail")
	}
}

func TestOverview(t *testing.T) {
	pool := setupPool(t)
	ctx := context.Background()
	clk := clock.NewManual(storetest.Start)
	a := remote.New(pool, "user-a")
	a.Clock = clk
	b := remote.New(pool, "user-b")
	b.Clock = clk
	id, err := a.CreateChallenge(ctx, "done", storetest.Start)
	if err != nil {
		t.Fatal(err)
	}
	if err := a.CompleteChallenge(ctx, id, domain.Completion{EndTime: storetest.Start + 1000, Rating: 3, Outcome: "ok"}); err != nil {
		t.Fatal(err)
	}
	if _, err := b.CreateChallenge(ctx, "open", storetest.Start); err != nil {
		t.Fatal(err)
	}
	o, err := a.Overview(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if o.TotalUsers != 2 || o.NewUsersThisWeek != 2 || o.TotalChallenges != 2 || o.CompletionRate != 50 {
		t.Fatalf("overview %+v", o)
	}
	if _, err := b.CreateChallenge(ctx, "second open", storetest.Start); !errors.Is(err, store.ErrActiveChallengeExists) {
		t.Fatalf("expected ErrActiveChallengeExists, got %v", err)
	}
}
