// Package remote implements the account backend on PostgreSQL.
package remote

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"make24/internal/clock"
	"make24/internal/domain"
	"make24/internal/store"
)

const backend = "remote"

const uniqueViolation = "23505"

const challengeColumns = `id, user_id, goal, created_at, start_time, stopped_at, end_time, completed,
	rating, outcome, reflection, evidence, milestones_hit`

type Store struct {
	Pool   *pgxpool.Pool
	UserID string
	Clock  clock.Clock
	NewID  func() string
}

var _ store.Port = (*Store)(nil)

func New(pool *pgxpool.Pool, userID string) *Store {
	return &Store{
		Pool:   pool,
		UserID: userID,
		Clock:  clock.System{},
		NewID:  uuid.NewString,
	}
}

func (s *Store) now() int64 {
	if s.Clock != nil {
		return s.Clock.NowMillis()
	}
	return time.Now().UnixMilli()
}

func (s *Store) newID() string {
	if s.NewID != nil {
		return s.NewID()
	}
	return uuid.NewString()
}

func ts(ms int64) time.Time { return time.UnixMilli(ms).UTC() }

// EnsureProfile creates the account's profile row if it is missing.
func (s *Store) EnsureProfile(ctx context.Context) error {
	return store.Wrap(backend, "ensure profile", s.ensureProfile(ctx, s.Pool))
}

type execer interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
}

func (s *Store) ensureProfile(ctx context.Context, db execer) error {
	now := ts(s.now())
	_, err := db.Exec(ctx, `INSERT INTO user_profiles(id, created_at, updated_at) VALUES ($1,$2,$2) ON CONFLICT (id) DO NOTHING`, s.UserID, now)
	return err
}

func (s *Store) CreateChallenge(ctx context.Context, goal string, startedAt int64) (string, error) {
	id := s.newID()
	err := pgx.BeginFunc(ctx, s.Pool, func(tx pgx.Tx) error {
		if err := s.ensureProfile(ctx, tx); err != nil {
			return err
		}
		_, err := tx.Exec(ctx, `INSERT INTO challenges(id, user_id, goal, created_at, start_time) VALUES ($1,$2,$3,$4,$4)`,
			id, s.UserID, goal, ts(startedAt))
		if isUnique(err) {
			return store.ErrActiveChallengeExists
		}
		return err
	})
	if err != nil {
		return "", store.Wrap(backend, "create challenge", err)
	}
	return id, nil
}

func (s *Store) ActiveChallenge(ctx context.Context) (domain.ActiveChallenge, error) {
	var (
		a       domain.ActiveChallenge
		start   time.Time
		stopped *time.Time
		hit     []int32
	)
	err := s.Pool.QueryRow(ctx, `SELECT id, goal, start_time, stopped_at, milestones_hit FROM challenges
		WHERE user_id=$1 AND NOT completed ORDER BY start_time DESC LIMIT 1`, s.UserID).
		Scan(&a.ID, &a.Goal, &start, &stopped, &hit)
	if errors.Is(err, pgx.ErrNoRows) {
		return domain.ActiveChallenge{}, store.ErrNotFound
	}
	if err != nil {
		return domain.ActiveChallenge{}, store.Wrap(backend, "active challenge", err)
	}
	a.StartTime = start.UnixMilli()
	if stopped != nil {
		a.StoppedAt = stopped.UnixMilli()
	}
	a.MilestonesHit = ints(hit)
	return a, nil
}

func (s *Store) MarkMilestone(ctx context.Context, challengeID string, milestone int) error {
	tag, err := s.Pool.Exec(ctx, `UPDATE challenges SET milestones_hit = array_append(milestones_hit, $3::int)
		WHERE id=$1 AND user_id=$2 AND NOT completed AND NOT ($3::int = ANY(milestones_hit))`,
		challengeID, s.UserID, int32(milestone))
	if err != nil {
		return store.Wrap(backend, "mark milestone", err)
	}
	if tag.RowsAffected() == 0 {
		return store.Wrap(backend, "mark milestone", s.requireActive(ctx, challengeID))
	}
	return nil
}

func (s *Store) StopChallenge(ctx context.Context, challengeID string, stoppedAt int64) error {
	tag, err := s.Pool.Exec(ctx, `UPDATE challenges SET stopped_at=$3 WHERE id=$1 AND user_id=$2 AND NOT completed`,
		challengeID, s.UserID, ts(stoppedAt))
	if err != nil {
		return store.Wrap(backend, "stop challenge", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("challenge %s: %w", challengeID, store.ErrNotFound)
	}
	return nil
}

func (s *Store) CompleteChallenge(ctx context.Context, challengeID string, c domain.Completion) error {
	evidence, err := marshalEvidence(c.Evidence)
	if err != nil {
		return store.Wrap(backend, "complete challenge", err)
	}
	err = pgx.BeginFunc(ctx, s.Pool, func(tx pgx.Tx) error {
		tag, err := tx.Exec(ctx, `UPDATE challenges SET completed=true, end_time=$3, rating=$4, outcome=$5, reflection=$6, evidence=$7
			WHERE id=$1 AND user_id=$2 AND NOT completed`,
			challengeID, s.UserID, ts(c.EndTime), c.Rating, c.Outcome, nullable(c.Reflection), evidence)
		if err != nil {
			return err
		}
		if tag.RowsAffected() == 0 {
			return fmt.Errorf("challenge %s: %w", challengeID, store.ErrNotFound)
		}
		_, err = tx.Exec(ctx, `UPDATE user_profiles SET updated_at=$2 WHERE id=$1`, s.UserID, ts(c.EndTime))
		return err
	})
	return store.Wrap(backend, "complete challenge", err)
}

func (s *Store) DiscardChallenge(ctx context.Context, challengeID string) error {
	tag, err := s.Pool.Exec(ctx, `DELETE FROM challenges WHERE id=$1 AND user_id=$2 AND NOT completed`, challengeID, s.UserID)
	if err != nil {
		return store.Wrap(backend, "discard challenge", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("challenge %s: %w", challengeID, store.ErrNotFound)
	}
	return nil
}

func (s *Store) RecordCheckIn(ctx context.Context, ci domain.CheckIn) error {
	if ci.ID == "" {
		ci.ID = s.newID()
	}
	tag, err := s.Pool.Exec(ctx, `INSERT INTO checkins(id, challenge_id, milestone, mood, reflection, ts)
		SELECT $1::text, $2::text, $3::int, $4::text, $5::text, $6::timestamptz
		WHERE EXISTS (SELECT 1 FROM challenges WHERE id=$2 AND user_id=$7 AND NOT completed)`,
		ci.ID, ci.ChallengeID, int32(ci.Milestone), string(ci.Mood), nullable(ci.Reflection), ts(ci.Timestamp), s.UserID)
	if isUnique(err) {
		return store.ErrDuplicateCheckIn
	}
	if err != nil {
		return store.Wrap(backend, "record check-in", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("challenge %s: %w", ci.ChallengeID, store.ErrNotFound)
	}
	return nil
}

func (s *Store) ListChallenges(ctx context.Context) ([]domain.Challenge, error) {
	rows, err := s.Pool.Query(ctx, `SELECT `+challengeColumns+` FROM challenges
		WHERE user_id=$1 AND completed ORDER BY end_time DESC, id`, s.UserID)
	if err != nil {
		return nil, store.Wrap(backend, "list challenges", err)
	}
	items, err := pgx.CollectRows(rows, scanChallenge)
	if err != nil {
		return nil, store.Wrap(backend, "list challenges", err)
	}
	if items == nil {
		items = []domain.Challenge{}
	}
	return items, nil
}

func (s *Store) ListCheckIns(ctx context.Context, challengeID string) ([]domain.CheckIn, error) {
	rows, err := s.Pool.Query(ctx, `SELECT k.id, k.challenge_id, k.milestone, k.mood, k.reflection, k.ts
		FROM checkins k JOIN challenges c ON c.id = k.challenge_id
		WHERE c.user_id=$1 AND ($2 = '' OR k.challenge_id = $2)
		ORDER BY k.ts, k.id`, s.UserID, challengeID)
	if err != nil {
		return nil, store.Wrap(backend, "list check-ins", err)
	}
	items, err := pgx.CollectRows(rows, scanCheckIn)
	if err != nil {
		return nil, store.Wrap(backend, "list check-ins", err)
	}
	if items == nil {
		items = []domain.CheckIn{}
	}
	return items, nil
}

func (s *Store) Profile(ctx context.Context) (domain.Profile, error) {
	challenges, err := s.ListChallenges(ctx)
	if err != nil {
		return domain.Profile{}, err
	}
	checkIns, err := s.ListCheckIns(ctx, "")
	if err != nil {
		return domain.Profile{}, err
	}
	return domain.Summarize(challenges, checkIns, s.now()), nil
}

// Import writes one migrated challenge and its check-ins in a single
// transaction. Rows that already exist are left alone so a retried migration
// does not duplicate them.
func (s *Store) Import(ctx context.Context, rec store.Record) error {
	c := rec.Challenge
	if !c.Completed || c.EndTime == nil || c.Rating == nil {
		return store.Wrap(backend, "import", fmt.Errorf("challenge %s is not completed", c.ID))
	}
	evidence, err := marshalEvidence(c.Evidence)
	if err != nil {
		return store.Wrap(backend, "import", err)
	}
	outcome := domain.DefaultOutcome
	if c.Outcome != nil && *c.Outcome != "" {
		outcome = *c.Outcome
	}
	var stopped *time.Time
	if c.StoppedAt != nil {
		t := ts(*c.StoppedAt)
		stopped = &t
	}
	var reflection any
	if c.Reflection != nil {
		reflection = nullable(*c.Reflection)
	}
	hit := make([]int32, 0, len(c.MilestonesHit))
	for _, m := range c.MilestonesHit {
		hit = append(hit, int32(m))
	}
	err = pgx.BeginFunc(ctx, s.Pool, func(tx pgx.Tx) error {
		if err := s.ensureProfile(ctx, tx); err != nil {
			return err
		}
		if _, err := tx.Exec(ctx, `INSERT INTO challenges(`+challengeColumns+`)
			VALUES ($1,$2,$3,$4,$5,$6,$7,true,$8,$9,$10,$11,$12)
			ON CONFLICT (id) DO NOTHING`,
			c.ID, s.UserID, c.Goal, ts(c.CreatedAt), ts(c.StartTime), stopped, ts(*c.EndTime),
			int32(*c.Rating), outcome, reflection, evidence, hit); err != nil {
			return err
		}
		var owner string
		if err := tx.QueryRow(ctx, `SELECT user_id FROM challenges WHERE id=$1`, c.ID).Scan(&owner); err != nil {
			return err
		}
		if owner != s.UserID {
			return fmt.Errorf("challenge %s belongs to another account", c.ID)
		}
		for _, ci := range rec.CheckIns {
			if ci.ID == "" {
				ci.ID = s.newID()
			}
			if _, err := tx.Exec(ctx, `INSERT INTO checkins(id, challenge_id, milestone, mood, reflection, ts)
				VALUES ($1,$2,$3,$4,$5,$6) ON CONFLICT DO NOTHING`,
				ci.ID, c.ID, int32(ci.Milestone), string(ci.Mood), nullable(ci.Reflection), ts(ci.Timestamp)); err != nil {
				return err
			}
		}
		return nil
	})
	return store.Wrap(backend, "import", err)
}

// Overview summarizes every account for the admin dashboard.
func (s *Store) Overview(ctx context.Context) (domain.Overview, error) {
	var o domain.Overview
	weekAgo := ts(s.now() - 7*24*time.Hour.Milliseconds())
	if err := s.Pool.QueryRow(ctx, `SELECT count(*), count(*) FILTER (WHERE created_at > $1) FROM user_profiles`, weekAgo).
		Scan(&o.TotalUsers, &o.NewUsersThisWeek); err != nil {
		return domain.Overview{}, store.Wrap(backend, "overview", err)
	}
	var completed int
	if err := s.Pool.QueryRow(ctx, `SELECT count(*), count(*) FILTER (WHERE completed) FROM challenges`).
		Scan(&o.TotalChallenges, &completed); err != nil {
		return domain.Overview{}, store.Wrap(backend, "overview", err)
	}
	if o.TotalChallenges > 0 {
		o.CompletionRate = float64(completed) * 100 / float64(o.TotalChallenges)
	}
	return o, nil
}

func (s *Store) requireActive(ctx context.Context, challengeID string) error {
	var exists bool
	err := s.Pool.QueryRow(ctx, `SELECT EXISTS(SELECT 1 FROM challenges WHERE id=$1 AND user_id=$2 AND NOT completed)`,
		challengeID, s.UserID).Scan(&exists)
	if err != nil {
		return err
	}
	if !exists {
		return fmt.Errorf("challenge %s: %w", challengeID, store.ErrNotFound)
	}
	return nil
}

func scanChallenge(row pgx.CollectableRow) (domain.Challenge, error) {
	var (
		c                domain.Challenge
		created, start   time.Time
		stopped, end     *time.Time
		rating           *int32
		outcome, reflect *string
		evidence         []byte
		hit              []int32
	)
	if err := row.Scan(&c.ID, &c.UserID, &c.Goal, &created, &start, &stopped, &end, &c.Completed,
		&rating, &outcome, &reflect, &evidence, &hit); err != nil {
		return domain.Challenge{}, err
	}
	c.CreatedAt = created.UnixMilli()
	c.StartTime = start.UnixMilli()
	if stopped != nil {
		ms := stopped.UnixMilli()
		c.StoppedAt = &ms
	}
	if end != nil {
		ms := end.UnixMilli()
		c.EndTime = &ms
	}
	if rating != nil {
		r := int(*rating)
		c.Rating = &r
	}
	c.Outcome = outcome
	c.Reflection = reflect
	if len(evidence) > 0 {
		if err := json.Unmarshal(evidence, &c.Evidence); err != nil {
			return domain.Challenge{}, fmt.Errorf("decode evidence: %w", err)
		}
	}
	c.MilestonesHit = ints(hit)
	return c, nil
}

func scanCheckIn(row pgx.CollectableRow) (domain.CheckIn, error) {
	var (
		ci        domain.CheckIn
		milestone int32
		mood      string
		reflect   *string
		at        time.Time
	)
	if err := row.Scan(&ci.ID, &ci.ChallengeID, &milestone, &mood, &reflect, &at); err != nil {
		return domain.CheckIn{}, err
	}
	ci.Milestone = int(milestone)
	ci.Mood = domain.Mood(mood)
	if reflect != nil {
		ci.Reflection = *reflect
	}
	ci.Timestamp = at.UnixMilli()
	return ci, nil
}

func marshalEvidence(items []domain.Evidence) ([]byte, error) {
	if items == nil {
		items = []domain.Evidence{}
	}
	data, err := json.Marshal(items)
	if err != nil {
		return nil, fmt.Errorf("encode evidence: %w", err)
	}
	return data, nil
}

func ints(in []int32) []int {
	out := make([]int, 0, len(in))
	for _, v := range in {
		out = append(out, int(v))
	}
	return out
}

func nullable(v string) any {
	if v == "" {
		return nil
	}
	return v
}

func isUnique(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == uniqueViolation
}
