// Package local implements the guest backend: a device-bound key/value table
// where each owner has a handful of fixed keys holding plain or JSON values.
package local

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"

	"make24/internal/clock"
	"make24/internal/domain"
	"make24/internal/store"
)

const backend = "local"

const (
	keyGoal          = "goal"
	keyStartTime     = "start_time"
	keyChallengeID   = "challenge_id"
	keyMilestonesHit = "milestones_hit"
	keyStoppedAt     = "stopped_at"
	keyCompletions   = "completions"
	keyCheckIns      = "checkins"
)

var activeKeys = []string{keyGoal, keyStartTime, keyChallengeID, keyMilestonesHit, keyStoppedAt}

type Store struct {
	DB    *sqlx.DB
	Owner string
	// MaxBytes caps the bytes one owner may hold; zero means unlimited.
	MaxBytes int64
	Clock    clock.Clock
	NewID    func() string
}

var _ store.Port = (*Store)(nil)

func New(db *sqlx.DB, owner string) *Store {
	return &Store{
		DB:    db,
		Owner: owner,
		Clock: clock.System{},
		NewID: uuid.NewString,
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

func (s *Store) CreateChallenge(ctx context.Context, goal string, startedAt int64) (string, error) {
	var id string
	err := s.withTx(ctx, "create challenge", func(tx *sqlx.Tx) error {
		_, ok, err := s.get(ctx, tx, keyChallengeID)
		if err != nil {
			return err
		}
		if ok {
			return store.ErrActiveChallengeExists
		}
		id = s.newID()
		hit, _ := json.Marshal([]int{})
		if err := s.del(ctx, tx, keyStoppedAt); err != nil {
			return err
		}
		for key, value := range map[string]string{
			keyGoal:          goal,
			keyStartTime:     strconv.FormatInt(startedAt, 10),
			keyChallengeID:   id,
			keyMilestonesHit: string(hit),
		} {
			if err := s.put(ctx, tx, key, value); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return "", err
	}
	return id, nil
}

func (s *Store) ActiveChallenge(ctx context.Context) (domain.ActiveChallenge, error) {
	values, err := s.getMany(ctx, s.DB, activeKeys...)
	if err != nil {
		return domain.ActiveChallenge{}, store.Wrap(backend, "active challenge", err)
	}
	a, err := parseActive(values)
	if err != nil && !errors.Is(err, store.ErrNotFound) {
		return domain.ActiveChallenge{}, store.Wrap(backend, "active challenge", err)
	}
	return a, err
}

func (s *Store) MarkMilestone(ctx context.Context, challengeID string, milestone int) error {
	return s.withTx(ctx, "mark milestone", func(tx *sqlx.Tx) error {
		a, err := s.activeTx(ctx, tx, challengeID)
		if err != nil {
			return err
		}
		for _, m := range a.MilestonesHit {
			if m == milestone {
				return nil
			}
		}
		return s.putJSON(ctx, tx, keyMilestonesHit, append(a.MilestonesHit, milestone))
	})
}

func (s *Store) StopChallenge(ctx context.Context, challengeID string, stoppedAt int64) error {
	return s.withTx(ctx, "stop challenge", func(tx *sqlx.Tx) error {
		if _, err := s.activeTx(ctx, tx, challengeID); err != nil {
			return err
		}
		return s.put(ctx, tx, keyStoppedAt, strconv.FormatInt(stoppedAt, 10))
	})
}

func (s *Store) CompleteChallenge(ctx context.Context, challengeID string, c domain.Completion) error {
	return s.withTx(ctx, "complete challenge", func(tx *sqlx.Tx) error {
		a, err := s.activeTx(ctx, tx, challengeID)
		if err != nil {
			return err
		}
		var completions []domain.Challenge
		if err := s.getJSON(ctx, tx, keyCompletions, &completions); err != nil {
			return err
		}
		rec := domain.Challenge{
			ID:            a.ID,
			UserID:        s.Owner,
			Goal:          a.Goal,
			CreatedAt:     a.StartTime,
			StartTime:     a.StartTime,
			EndTime:       &c.EndTime,
			Completed:     true,
			Rating:        &c.Rating,
			Outcome:       &c.Outcome,
			Evidence:      c.Evidence,
			MilestonesHit: a.MilestonesHit,
		}
		if a.StoppedAt != 0 {
			stopped := a.StoppedAt
			rec.StoppedAt = &stopped
		}
		if c.Reflection != "" {
			reflection := c.Reflection
			rec.Reflection = &reflection
		}
		completions = append(completions, rec)
		if err := s.putJSON(ctx, tx, keyCompletions, completions); err != nil {
			return err
		}
		return s.del(ctx, tx, activeKeys...)
	})
}

func (s *Store) DiscardChallenge(ctx context.Context, challengeID string) error {
	return s.withTx(ctx, "discard challenge", func(tx *sqlx.Tx) error {
		if _, err := s.activeTx(ctx, tx, challengeID); err != nil {
			return err
		}
		if err := s.filterCheckIns(ctx, tx, func(ci domain.CheckIn) bool { return ci.ChallengeID != challengeID }); err != nil {
			return err
		}
		return s.del(ctx, tx, activeKeys...)
	})
}

func (s *Store) RecordCheckIn(ctx context.Context, ci domain.CheckIn) error {
	return s.withTx(ctx, "record check-in", func(tx *sqlx.Tx) error {
		if _, err := s.activeTx(ctx, tx, ci.ChallengeID); err != nil {
			return err
		}
		var items []domain.CheckIn
		if err := s.getJSON(ctx, tx, keyCheckIns, &items); err != nil {
			return err
		}
		for _, existing := range items {
			if existing.ChallengeID == ci.ChallengeID && existing.Milestone == ci.Milestone {
				return store.ErrDuplicateCheckIn
			}
		}
		if ci.ID == "" {
			ci.ID = s.newID()
		}
		return s.putJSON(ctx, tx, keyCheckIns, append(items, ci))
	})
}

func (s *Store) ListChallenges(ctx context.Context) ([]domain.Challenge, error) {
	var items []domain.Challenge
	if err := s.getJSON(ctx, s.DB, keyCompletions, &items); err != nil {
		return nil, store.Wrap(backend, "list challenges", err)
	}
	if items == nil {
		items = []domain.Challenge{}
	}
	domain.SortChallenges(items)
	return items, nil
}

func (s *Store) ListCheckIns(ctx context.Context, challengeID string) ([]domain.CheckIn, error) {
	var items []domain.CheckIn
	if err := s.getJSON(ctx, s.DB, keyCheckIns, &items); err != nil {
		return nil, store.Wrap(backend, "list check-ins", err)
	}
	out := []domain.CheckIn{}
	for _, ci := range items {
		if challengeID == "" || ci.ChallengeID == challengeID {
			out = append(out, ci)
		}
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].Timestamp < out[j].Timestamp })
	return out, nil
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

// Export returns every completed challenge with its check-ins, oldest first.
func (s *Store) Export(ctx context.Context) ([]store.Record, error) {
	challenges, err := s.ListChallenges(ctx)
	if err != nil {
		return nil, err
	}
	checkIns, err := s.ListCheckIns(ctx, "")
	if err != nil {
		return nil, err
	}
	byChallenge := map[string][]domain.CheckIn{}
	for _, ci := range checkIns {
		byChallenge[ci.ChallengeID] = append(byChallenge[ci.ChallengeID], ci)
	}
	records := make([]store.Record, 0, len(challenges))
	for i := len(challenges) - 1; i >= 0; i-- {
		c := challenges[i]
		records = append(records, store.Record{Challenge: c, CheckIns: byChallenge[c.ID]})
	}
	return records, nil
}

// Clear deletes completed history and its check-ins. An in-progress
// challenge and its check-ins are kept.
func (s *Store) Clear(ctx context.Context) error {
	return s.withTx(ctx, "clear", func(tx *sqlx.Tx) error {
		activeID, _, err := s.get(ctx, tx, keyChallengeID)
		if err != nil {
			return err
		}
		if err := s.filterCheckIns(ctx, tx, func(ci domain.CheckIn) bool {
			return activeID != "" && ci.ChallengeID == activeID
		}); err != nil {
			return err
		}
		return s.del(ctx, tx, keyCompletions)
	})
}

// Usage returns the bytes currently held by the owner.
func (s *Store) Usage(ctx context.Context) (int64, error) {
	n, err := s.usage(ctx, s.DB)
	return n, store.Wrap(backend, "usage", err)
}

// --- key/value helpers ---

func (s *Store) withTx(ctx context.Context, op string, fn func(tx *sqlx.Tx) error) error {
	tx, err := s.DB.BeginTxx(ctx, nil)
	if err != nil {
		return store.Wrap(backend, op, err)
	}
	defer tx.Rollback()
	if err := fn(tx); err != nil {
		return store.Wrap(backend, op, err)
	}
	if s.MaxBytes > 0 {
		used, err := s.usage(ctx, tx)
		if err != nil {
			return store.Wrap(backend, op, err)
		}
		if used > s.MaxBytes {
			return store.Wrap(backend, op, fmt.Errorf("%w: %d of %d bytes", store.ErrQuotaExceeded, used, s.MaxBytes))
		}
	}
	if err := tx.Commit(); err != nil {
		return store.Wrap(backend, op, err)
	}
	return nil
}

func (s *Store) usage(ctx context.Context, q sqlx.QueryerContext) (int64, error) {
	var n int64
	err := sqlx.GetContext(ctx, q, &n, `SELECT COALESCE(SUM(length(CAST(key AS BLOB)) + length(CAST(value AS BLOB))), 0) FROM kv WHERE owner=?`, s.Owner)
	return n, err
}

func (s *Store) get(ctx context.Context, q sqlx.QueryerContext, key string) (string, bool, error) {
	var v string
	err := sqlx.GetContext(ctx, q, &v, `SELECT value FROM kv WHERE owner=? AND key=?`, s.Owner, key)
	if errors.Is(err, sql.ErrNoRows) {
		return "", false, nil
	}
	if err != nil {
		return "", false, err
	}
	return v, true, nil
}

type kvRow struct {
	Key   string `db:"key"`
	Value string `db:"value"`
}

func (s *Store) getMany(ctx context.Context, q sqlx.QueryerContext, keys ...string) (map[string]string, error) {
	query, args, err := sqlx.In(`SELECT key, value FROM kv WHERE owner=? AND key IN (?)`, s.Owner, keys)
	if err != nil {
		return nil, err
	}
	var rows []kvRow
	if err := sqlx.SelectContext(ctx, q, &rows, query, args...); err != nil {
		return nil, err
	}
	out := make(map[string]string, len(rows))
	for _, r := range rows {
		out[r.Key] = r.Value
	}
	return out, nil
}

func (s *Store) getJSON(ctx context.Context, q sqlx.QueryerContext, key string, dst any) error {
	v, ok, err := s.get(ctx, q, key)
	if err != nil || !ok {
		return err
	}
	if err := json.Unmarshal([]byte(v), dst); err != nil {
		return fmt.Errorf("decode %s: %w", key, err)
	}
	return nil
}

func (s *Store) put(ctx context.Context, tx *sqlx.Tx, key, value string) error {
	_, err := tx.ExecContext(ctx, `INSERT INTO kv(owner,key,value,updated_at) VALUES (?,?,?,?)
		ON CONFLICT(owner,key) DO UPDATE SET value=excluded.value, updated_at=excluded.updated_at`,
		s.Owner, key, value, time.UnixMilli(s.now()).UTC().Format(time.RFC3339))
	return err
}

func (s *Store) putJSON(ctx context.Context, tx *sqlx.Tx, key string, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("encode %s: %w", key, err)
	}
	return s.put(ctx, tx, key, string(data))
}

func (s *Store) del(ctx context.Context, tx *sqlx.Tx, keys ...string) error {
	query, args, err := sqlx.In(`DELETE FROM kv WHERE owner=? AND key IN (?)`, s.Owner, keys)
	if err != nil {
		return err
	}
	_, err = tx.ExecContext(ctx, query, args...)
	return err
}

func (s *Store) filterCheckIns(ctx context.Context, tx *sqlx.Tx, keep func(domain.CheckIn) bool) error {
	var items []domain.CheckIn
	if err := s.getJSON(ctx, tx, keyCheckIns, &items); err != nil {
		return err
	}
	kept := make([]domain.CheckIn, 0, len(items))
	for _, ci := range items {
		if keep(ci) {
			kept = append(kept, ci)
		}
	}
	if len(kept) == 0 {
		return s.del(ctx, tx, keyCheckIns)
	}
	return s.putJSON(ctx, tx, keyCheckIns, kept)
}

// activeTx loads the marker inside tx and checks it belongs to challengeID.
func (s *Store) activeTx(ctx context.Context, tx *sqlx.Tx, challengeID string) (domain.ActiveChallenge, error) {
	values, err := s.getMany(ctx, tx, activeKeys...)
	if err != nil {
		return domain.ActiveChallenge{}, err
	}
	a, err := parseActive(values)
	if err != nil {
		return domain.ActiveChallenge{}, err
	}
	if a.ID != challengeID {
		return domain.ActiveChallenge{}, fmt.Errorf("challenge %s: %w", challengeID, store.ErrNotFound)
	}
	return a, nil
}

func parseActive(values map[string]string) (domain.ActiveChallenge, error) {
	id, ok := values[keyChallengeID]
	if !ok || id == "" {
		return domain.ActiveChallenge{}, store.ErrNotFound
	}
	a := domain.ActiveChallenge{ID: id, Goal: values[keyGoal], MilestonesHit: []int{}}
	start, err := strconv.ParseInt(values[keyStartTime], 10, 64)
	if err != nil {
		return domain.ActiveChallenge{}, fmt.Errorf("decode %s: %w", keyStartTime, err)
	}
	a.StartTime = start
	if v, ok := values[keyStoppedAt]; ok && v != "" {
		stopped, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			return domain.ActiveChallenge{}, fmt.Errorf("decode %s: %w", keyStoppedAt, err)
		}
		a.StoppedAt = stopped
	}
	if v, ok := values[keyMilestonesHit]; ok && v != "" {
		if err := json.Unmarshal([]byte(v), &a.MilestonesHit); err != nil {
			return domain.ActiveChallenge{}, fmt.Errorf("decode %s: %w", keyMilestonesHit, err)
		}
	}
	return a, nil
}
