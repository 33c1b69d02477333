// Package storetest is a behavioral suite every store.Port backend must pass.
package storetest

import (
	"context"
	"errors"
	"testing"
	"time"

	"make24/internal/clock"
	"make24/internal/domain"
	"make24/internal/store"
)

// Factory returns a fresh, empty port whose clock is clk.
type Factory func(t *testing.T, clk *clock.Manual) store.Port

// Start is the fixed instant the suite's clock begins at.
var Start = time.Date(2024, 1, 1, 9, 0, 0, 0, time.UTC).UnixMilli()

const hour = int64(time.Hour / time.Millisecond)

// Run executes the contract suite.
func Run(t *testing.T, newPort Factory) {
	t.Helper()
	cases := []struct {
		name string
		fn   func(t *testing.T, ctx context.Context, p store.Port, clk *clock.Manual)
	}{
		{"CreateAndReadActive", testCreateAndReadActive},
		{"SingleActiveChallenge", testSingleActiveChallenge},
		{"MarkMilestoneIsIdempotent", testMarkMilestone},
		{"CheckInsAreUniquePerMilestone", testCheckIns},
		{"StopKeepsMarker", testStop},
		{"CompleteArchives", testComplete},
		{"DiscardLeavesNothing", testDiscard},
		{"HistoryMostRecentFirst", testHistoryOrder},
		{"ProfileRecomputed", testProfile},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			clk := clock.NewManual(Start)
			tc.fn(t, context.Background(), newPort(t, clk), clk)
		})
	}
}

func mustCreate(t *testing.T, ctx context.Context, p store.Port, goal string, at int64) string {
	t.Helper()
	id, err := p.CreateChallenge(ctx, goal, at)
	if err != nil {
		t.Fatalf("create challenge: %v", err)
	}
	if id == "" {
		t.Fatalf("empty challenge id")
	}
	return id
}

func mustComplete(t *testing.T, ctx context.Context, p store.Port, id string, end int64, rating int) {
	t.Helper()
	err := p.CompleteChallenge(ctx, id, domain.Completion{EndTime: end, Rating: rating, Outcome: "shipped", Reflection: "worth it"})
	if err != nil {
		t.Fatalf("complete challenge: %v", err)
	}
}

func testCreateAndReadActive(t *testing.T, ctx context.Context, p store.Port, _ *clock.Manual) {
	if _, err := p.ActiveChallenge(ctx); !errors.Is(err, store.ErrNotFound) {
		t.Fatalf("expected ErrNotFound on empty store, got %v", err)
	}
	id := mustCreate(t, ctx, p, "Write the launch post", Start)
	a, err := p.ActiveChallenge(ctx)
	if err != nil {
		t.Fatalf("active challenge: %v", err)
	}
	if a.ID != id || a.Goal != "Write the launch post" || a.StartTime != Start {
		t.Fatalf("unexpected marker %+v", a)
	}
	if a.StoppedAt != 0 || len(a.MilestonesHit) != 0 {
		t.Fatalf("fresh marker carries state: %+v", a)
	}
	items, err := p.ListChallenges(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if len(items) != 0 {
		t.Fatalf("active challenge must not appear in history: %+v", items)
	}
}

func testSingleActiveChallenge(t *testing.T, ctx context.Context, p store.Port, _ *clock.Manual) {
	mustCreate(t, ctx, p, "first", Start)
	if _, err := p.CreateChallenge(ctx, "second", Start+1); !errors.Is(err, store.ErrActiveChallengeExists) {
		t.Fatalf("expected ErrActiveChallengeExists, got %v", err)
	}
	a, err := p.ActiveChallenge(ctx)
	if err != nil || a.Goal != "first" {
		t.Fatalf("marker changed: %+v %v", a, err)
	}
}

func testMarkMilestone(t *testing.T, ctx context.Context, p store.Port, _ *clock.Manual) {
	id := mustCreate(t, ctx, p, "goal", Start)
	for _, m := range []int{75, 75, 50} {
		if err := p.MarkMilestone(ctx, id, m); err != nil {
			t.Fatalf("mark %d: %v", m, err)
		}
	}
	a, err := p.ActiveChallenge(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if len(a.MilestonesHit) != 2 || a.MilestonesHit[0] != 75 || a.MilestonesHit[1] != 50 {
		t.Fatalf("milestones %v", a.MilestonesHit)
	}
	if err := p.MarkMilestone(ctx, "missing", 25); !errors.Is(err, store.ErrNotFound) {
		t.Fatalf("expected ErrNotFound for unknown challenge, got %v", err)
	}
}

func testCheckIns(t *testing.T, ctx context.Context, p store.Port, _ *clock.Manual) {
	id := mustCreate(t, ctx, p, "goal", Start)
	ci := domain.CheckIn{ID: "ci-1", ChallengeID: id, Milestone: 75, Mood: domain.MoodStrong, Reflection: "on track", Timestamp: Start + 6*hour}
	if err := p.RecordCheckIn(ctx, ci); err != nil {
		t.Fatalf("record: %v", err)
	}
	dup := ci
	dup.ID = "ci-2"
	if err := p.RecordCheckIn(ctx, dup); !errors.Is(err, store.ErrDuplicateCheckIn) {
		t.Fatalf("expected ErrDuplicateCheckIn, got %v", err)
	}
	if err := p.RecordCheckIn(ctx, domain.CheckIn{ID: "ci-3", ChallengeID: id, Milestone: 50, Mood: domain.MoodTired, Timestamp: Start + 12*hour}); err != nil {
		t.Fatalf("record second: %v", err)
	}
	items, err := p.ListCheckIns(ctx, id)
	if err != nil {
		t.Fatal(err)
	}
	if len(items) != 2 || items[0].Milestone != 75 || items[1].Milestone != 50 {
		t.Fatalf("check-ins %+v", items)
	}
	if items[0].Mood != domain.MoodStrong || items[0].Reflection != "on track" || items[0].Timestamp != Start+6*hour {
		t.Fatalf("check-in fields lost: %+v", items[0])
	}
	if err := p.RecordCheckIn(ctx, domain.CheckIn{ChallengeID: "missing", Milestone: 25, Mood: domain.MoodOkay, Timestamp: Start}); !errors.Is(err, store.ErrNotFound) {
		t.Fatalf("expected ErrNotFound for unknown challenge, got %v", err)
	}
}

func testStop(t *testing.T, ctx context.Context, p store.Port, _ *clock.Manual) {
	id := mustCreate(t, ctx, p, "goal", Start)
	if err := p.StopChallenge(ctx, id, Start+2*hour); err != nil {
		t.Fatalf("stop: %v", err)
	}
	a, err := p.ActiveChallenge(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if a.StoppedAt != Start+2*hour {
		t.Fatalf("stopped at %d", a.StoppedAt)
	}
}

func testComplete(t *testing.T, ctx context.Context, p store.Port, _ *clock.Manual) {
	id := mustCreate(t, ctx, p, "Ship v1", Start)
	if err := p.MarkMilestone(ctx, id, 75); err != nil {
		t.Fatal(err)
	}
	end := Start + 24*hour
	err := p.CompleteChallenge(ctx, id, domain.Completion{
		EndTime: end, Rating: 4, Outcome: "shipped", Reflection: "worth it",
		Evidence: []domain.Evidence{{Kind: domain.EvidenceLink, URL: "https://example.com/release"}},
	})
	if err != nil {
		t.Fatalf("complete: %v", err)
	}
	if _, err := p.ActiveChallenge(ctx); !errors.Is(err, store.ErrNotFound) {
		t.Fatalf("marker should be gone, got %v", err)
	}
	items, err := p.ListChallenges(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if len(items) != 1 {
		t.Fatalf("history %+v", items)
	}
	c := items[0]
	if c.ID != id || !c.Completed || c.Goal != "Ship v1" || c.StartTime != Start {
		t.Fatalf("unexpected record %+v", c)
	}
	if c.EndTime == nil || *c.EndTime != end || c.Rating == nil || *c.Rating != 4 {
		t.Fatalf("completion fields missing %+v", c)
	}
	if c.Outcome == nil || *c.Outcome != "shipped" || c.Reflection == nil || *c.Reflection != "worth it" {
		t.Fatalf("text fields missing %+v", c)
	}
	if len(c.Evidence) != 1 || c.Evidence[0].URL != "https://example.com/release" {
		t.Fatalf("evidence %+v", c.Evidence)
	}
	if len(c.MilestonesHit) != 1 || c.MilestonesHit[0] != 75 {
		t.Fatalf("milestones %+v", c.MilestonesHit)
	}
	if err := p.CompleteChallenge(ctx, id, domain.Completion{EndTime: end, Rating: 5, Outcome: "again"}); !errors.Is(err, store.ErrNotFound) {
		t.Fatalf("completing twice should be ErrNotFound, got %v", err)
	}
}

func testDiscard(t *testing.T, ctx context.Context, p store.Port, _ *clock.Manual) {
	id := mustCreate(t, ctx, p, "abandon me", Start)
	if err := p.RecordCheckIn(ctx, domain.CheckIn{ID: "ci-d", ChallengeID: id, Milestone: 75, Mood: domain.MoodOkay, Timestamp: Start + hour}); err != nil {
		t.Fatal(err)
	}
	if err := p.DiscardChallenge(ctx, id); err != nil {
		t.Fatalf("discard: %v", err)
	}
	if _, err := p.ActiveChallenge(ctx); !errors.Is(err, store.ErrNotFound) {
		t.Fatalf("marker should be gone, got %v", err)
	}
	challenges, err := p.ListChallenges(ctx)
	if err != nil {
		t.Fatal(err)
	}
	checkIns, err := p.ListCheckIns(ctx, "")
	if err != nil {
		t.Fatal(err)
	}
	if len(challenges) != 0 || len(checkIns) != 0 {
		t.Fatalf("records left behind: %d challenges, %d check-ins", len(challenges), len(checkIns))
	}
	mustCreate(t, ctx, p, "fresh start", Start+hour)
}

func testHistoryOrder(t *testing.T, ctx context.Context, p store.Port, _ *clock.Manual) {
	first := mustCreate(t, ctx, p, "first", Start)
	mustComplete(t, ctx, p, first, Start+24*hour, 3)
	second := mustCreate(t, ctx, p, "second", Start+25*hour)
	mustComplete(t, ctx, p, second, Start+49*hour, 5)
	items, err := p.ListChallenges(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if len(items) != 2 || items[0].ID != second || items[1].ID != first {
		t.Fatalf("order %+v", items)
	}
}

func testProfile(t *testing.T, ctx context.Context, p store.Port, clk *clock.Manual) {
	profile, err := p.Profile(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if profile.TotalCompleted != 0 || profile.Streak != 0 {
		t.Fatalf("empty profile %+v", profile)
	}
	id := mustCreate(t, ctx, p, "one", Start)
	if err := p.RecordCheckIn(ctx, domain.CheckIn{ID: "ci-p", ChallengeID: id, Milestone: 75, Mood: domain.MoodCrushing, Timestamp: Start + hour}); err != nil {
		t.Fatal(err)
	}
	mustComplete(t, ctx, p, id, Start+24*hour, 5)
	clk.Set(Start + 24*hour + hour)
	profile, err = p.Profile(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if profile.TotalCompleted != 1 || profile.Streak != 1 || profile.AverageRating != 5 {
		t.Fatalf("profile %+v", profile)
	}
	if profile.MoodCounts[domain.MoodCrushing] != 1 {
		t.Fatalf("mood counts %+v", profile.MoodCounts)
	}
}
