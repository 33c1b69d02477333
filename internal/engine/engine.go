// Package engine drives one owner's 24-hour challenge through its lifecycle:
// idle, active, completed and archived. It owns the countdown, emits milestone
// nudges, and persists every transition through a store.Port.
package engine

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"make24/internal/clock"
	"make24/internal/config"
	"make24/internal/countdown"
	"make24/internal/domain"
	"make24/internal/events"
	"make24/internal/metrics"
	"make24/internal/store"
)

var (
	ErrInvalidGoal         = errors.New("goal is required")
	ErrInvalidRating       = errors.New("rating must be between 1 and 5")
	ErrInvalidOutcome      = errors.New("invalid outcome")
	ErrInvalidMood         = domain.ErrInvalidMood
	ErrChallengeInProgress = errors.New("a challenge is already in progress")
	ErrNotCompleted        = errors.New("challenge is not completed")
	ErrNoActiveChallenge   = errors.New("no active challenge")
	ErrUnknownMilestone    = errors.New("unknown milestone")
	ErrMilestoneNotReached = errors.New("milestone not reached")
)

// Session identifies whose challenge an engine drives.
type Session struct {
	Owner string
	Mode  domain.Mode
}

// Engine runs one owner's challenge. Store, Config and Session are required;
// Events, Logger and Metrics may be nil.
type Engine struct {
	Store   store.Port
	Clock   clock.Clock
	Config  *config.Config
	Events  *events.Hub
	Logger  *zap.Logger
	Metrics *metrics.Metrics
	Session Session
	NewID   func() string

	mu     sync.Mutex
	tickMu sync.Mutex
	epoch  uint64
	st     state
}

type state struct {
	phase       domain.Phase
	challengeID string
	goal        string
	startedAt   int64
	duration    int64
	plan        []countdown.Threshold
	fired       map[int]bool
	pending     map[int]bool
	checkedIn   map[int]bool
	// stale holds crossings already older than grace when the challenge was
	// resumed. They are recorded without a nudge.
	stale map[int]bool
}

func idle() state {
	return state{phase: domain.PhaseIdle}
}

// New returns an idle engine on the system clock. Call Resume to pick up a
// challenge already in progress.
func New(p store.Port, cfg *config.Config, sess Session) *Engine {
	if cfg == nil {
		cfg = config.Default()
	}
	return &Engine{
		Store:   p,
		Clock:   clock.System{},
		Config:  cfg,
		Logger:  zap.NewNop(),
		Session: sess,
		NewID:   uuid.NewString,
		st:      idle(),
	}
}

func (e *Engine) now() int64 {
	if e.Clock != nil {
		return e.Clock.NowMillis()
	}
	return time.Now().UnixMilli()
}

func (e *Engine) log() *zap.Logger {
	if e.Logger == nil {
		return zap.NewNop()
	}
	return e.Logger.With(zap.String("owner", e.Session.Owner), zap.String("mode", string(e.Session.Mode)))
}

func (e *Engine) config() *config.Config {
	if e.Config == nil {
		return config.Default()
	}
	return e.Config
}

func (e *Engine) newID() string {
	if e.NewID != nil {
		return e.NewID()
	}
	return uuid.NewString()
}

// storageFailed logs and counts a backend failure.
func (e *Engine) storageFailed(op string, err error) {
	var se *store.StorageError
	if errors.As(err, &se) {
		e.Metrics.StorageError(se.Backend, se.Op)
	}
	e.log().Warn("storage failure", zap.String("op", op), zap.Error(err))
}

func (e *Engine) setState(st state) {
	e.st = st
	e.epoch++
}

func (e *Engine) publishPhase(at int64) {
	e.Events.Publish(events.Event{
		Kind:        events.KindPhase,
		ChallengeID: e.st.challengeID,
		Phase:       string(e.st.phase),
		At:          at,
	})
}

// Start begins a new challenge for goal.
func (e *Engine) Start(ctx context.Context, goal string) (Snapshot, error) {
	goal = strings.TrimSpace(goal)
	if goal == "" {
		return Snapshot{}, ErrInvalidGoal
	}
	if err := domain.ValidateText(goal); err != nil {
		return Snapshot{}, fmt.Errorf("%w: %v", ErrInvalidGoal, err)
	}
	cfg := e.config()
	plan, err := cfg.Plan()
	if err != nil {
		return Snapshot{}, err
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	if e.st.phase == domain.PhaseActive || e.st.phase == domain.PhaseCompleted {
		return Snapshot{}, ErrChallengeInProgress
	}
	now := e.now()
	id, err := e.Store.CreateChallenge(ctx, goal, now)
	if err != nil {
		if errors.Is(err, store.ErrActiveChallengeExists) {
			return Snapshot{}, fmt.Errorf("%w: %v", ErrChallengeInProgress, err)
		}
		e.storageFailed("create challenge", err)
		return Snapshot{}, fmt.Errorf("start challenge: %w", err)
	}
	e.setState(state{
		phase:       domain.PhaseActive,
		challengeID: id,
		goal:        goal,
		startedAt:   now,
		duration:    cfg.DurationMillis(),
		plan:        plan,
		fired:       map[int]bool{},
		pending:     map[int]bool{},
		checkedIn:   map[int]bool{},
	})
	e.Metrics.Started()
	e.log().Info("challenge started", zap.String("challenge_id", id))
	e.publishPhase(now)
	return e.snapshot(now), nil
}

type crossing struct {
	countdown.Threshold
	due bool
}

// Tick advances the countdown once. Overlapping calls return immediately.
func (e *Engine) Tick(ctx context.Context) {
	if !e.tickMu.TryLock() {
		e.Metrics.TickDropped()
		return
	}
	defer e.tickMu.Unlock()

	e.mu.Lock()
	if e.st.phase != domain.PhaseActive {
		e.mu.Unlock()
		return
	}
	now := e.now()
	remaining := countdown.Remaining(e.st.duration, e.st.startedAt, now)
	if remaining == 0 {
		e.st.phase = domain.PhaseCompleted
		e.st.pending = map[int]bool{}
		e.epoch++
		e.log().Info("challenge completed", zap.String("challenge_id", e.st.challengeID))
		e.publishPhase(now)
		e.mu.Unlock()
		return
	}
	// Lateness is judged once, at resume. A crossing first seen by this engine
	// fires however long its write takes to succeed.
	crossed, _ := countdown.Evaluate(e.st.plan, e.st.fired, remaining, 0)
	var crossings []crossing
	for _, t := range crossed {
		crossings = append(crossings, crossing{Threshold: t, due: !e.st.stale[t.Milestone]})
	}
	epoch, id, goal := e.epoch, e.st.challengeID, e.st.goal
	e.mu.Unlock()

	sort.SliceStable(crossings, func(i, j int) bool { return crossings[i].Remaining > crossings[j].Remaining })

	for _, c := range crossings {
		if err := e.Store.MarkMilestone(ctx, id, c.Milestone); err != nil {
			e.storageFailed("mark milestone", err)
			// later thresholds wait so milestones land in order
			return
		}
		e.mu.Lock()
		if e.epoch != epoch {
			e.mu.Unlock()
			return
		}
		e.st.fired[c.Milestone] = true
		if c.due {
			e.st.pending[c.Milestone] = true
			e.Metrics.MilestoneFired(c.Milestone)
			e.log().Info("milestone reached", zap.String("challenge_id", id), zap.Int("milestone", c.Milestone))
			e.Events.Publish(events.Event{
				Kind:        events.KindMilestone,
				ChallengeID: id,
				Goal:        goal,
				Milestone:   c.Milestone,
				Remaining:   remaining,
				At:          now,
			})
		} else {
			e.Metrics.MilestoneMissed(c.Milestone)
			e.log().Debug("milestone passed while offline", zap.String("challenge_id", id), zap.Int("milestone", c.Milestone))
		}
		e.mu.Unlock()
	}
}

// Run ticks every interval until ctx is done. A non-positive interval uses
// the configured tick.
func (e *Engine) Run(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = e.config().Challenge.Tick
	}
	if interval <= 0 {
		interval = time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			e.Tick(ctx)
		}
	}
}

// Resume rebuilds state from the durable marker. Milestones crossed while
// nothing was running are not re-emitted.
func (e *Engine) Resume(ctx context.Context) error {
	a, err := e.Store.ActiveChallenge(ctx)
	if errors.Is(err, store.ErrNotFound) {
		e.mu.Lock()
		e.setState(idle())
		e.mu.Unlock()
		return nil
	}
	if err != nil {
		e.storageFailed("active challenge", err)
		return fmt.Errorf("resume: %w", err)
	}
	checkIns, err := e.Store.ListCheckIns(ctx, a.ID)
	if err != nil {
		e.storageFailed("list check-ins", err)
		return fmt.Errorf("resume: %w", err)
	}
	cfg := e.config()
	plan, err := cfg.Plan()
	if err != nil {
		return err
	}
	st := state{
		phase:       domain.PhaseActive,
		challengeID: a.ID,
		goal:        a.Goal,
		startedAt:   a.StartTime,
		duration:    cfg.DurationMillis(),
		plan:        plan,
		fired:       map[int]bool{},
		pending:     map[int]bool{},
		checkedIn:   map[int]bool{},
	}
	for _, m := range a.MilestonesHit {
		st.fired[m] = true
	}
	for _, ci := range checkIns {
		st.checkedIn[ci.Milestone] = true
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	now := e.now()
	remaining := countdown.Remaining(st.duration, st.startedAt, now)
	if a.StoppedAt != 0 || remaining == 0 {
		st.phase = domain.PhaseCompleted
	} else {
		_, missed := countdown.Evaluate(plan, st.fired, remaining, cfg.Challenge.Grace.Milliseconds())
		st.stale = make(map[int]bool, len(missed))
		for _, t := range missed {
			st.stale[t.Milestone] = true
		}
	}
	e.setState(st)
	e.log().Info("challenge resumed", zap.String("challenge_id", a.ID), zap.String("phase", string(st.phase)))
	return nil
}

// CheckIn records how the owner feels at a reached milestone.
func (e *Engine) CheckIn(ctx context.Context, milestone int, mood, reflection string) (domain.CheckIn, error) {
	m, err := domain.ParseMood(mood)
	if err != nil {
		return domain.CheckIn{}, err
	}
	reflection = strings.TrimSpace(reflection)
	if err := domain.ValidateText(reflection); err != nil {
		return domain.CheckIn{}, fmt.Errorf("check-in reflection: %w", err)
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	if err := e.requireMilestone(milestone); err != nil {
		return domain.CheckIn{}, err
	}
	if !e.st.fired[milestone] {
		return domain.CheckIn{}, ErrMilestoneNotReached
	}
	if e.st.checkedIn[milestone] {
		return domain.CheckIn{}, store.ErrDuplicateCheckIn
	}
	ci := domain.CheckIn{
		ID:          e.newID(),
		ChallengeID: e.st.challengeID,
		Milestone:   milestone,
		Mood:        m,
		Reflection:  reflection,
		Timestamp:   e.now(),
	}
	if err := e.Store.RecordCheckIn(ctx, ci); err != nil {
		if !errors.Is(err, store.ErrDuplicateCheckIn) {
			e.storageFailed("record check-in", err)
		}
		return domain.CheckIn{}, fmt.Errorf("check in: %w", err)
	}
	e.st.checkedIn[milestone] = true
	delete(e.st.pending, milestone)
	e.Metrics.CheckIn(string(m))
	e.log().Info("checked in", zap.String("challenge_id", ci.ChallengeID), zap.Int("milestone", milestone), zap.String("mood", string(m)))
	return ci, nil
}

// Dismiss clears a pending nudge without recording a check-in.
func (e *Engine) Dismiss(milestone int) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if err := e.requireMilestone(milestone); err != nil {
		return err
	}
	delete(e.st.pending, milestone)
	return nil
}

func (e *Engine) requireMilestone(milestone int) error {
	if e.st.phase != domain.PhaseActive && e.st.phase != domain.PhaseCompleted {
		return ErrNoActiveChallenge
	}
	if _, ok := countdown.Lookup(e.st.plan, milestone); !ok {
		return fmt.Errorf("%w %d", ErrUnknownMilestone, milestone)
	}
	return nil
}

// End stops an active challenge early. The stop is persisted so a resumed
// session stays completed.
func (e *Engine) End(ctx context.Context) (Snapshot, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.st.phase != domain.PhaseActive {
		return Snapshot{}, ErrNoActiveChallenge
	}
	now := e.now()
	if err := e.Store.StopChallenge(ctx, e.st.challengeID, now); err != nil {
		e.storageFailed("stop challenge", err)
		return Snapshot{}, fmt.Errorf("end challenge: %w", err)
	}
	e.st.phase = domain.PhaseCompleted
	e.st.pending = map[int]bool{}
	e.epoch++
	e.log().Info("challenge ended early", zap.String("challenge_id", e.st.challengeID))
	e.publishPhase(now)
	return e.snapshot(now), nil
}

// Outcome is the owner's closing report on a completed challenge.
type Outcome struct {
	Rating     int               `json:"rating"`
	Outcome    string            `json:"outcome,omitempty"`
	Reflection string            `json:"reflection,omitempty"`
	Evidence   []domain.Evidence `json:"evidence,omitempty"`
}

// Result is what Submit hands back: the archived challenge and the
// recomputed profile.
type Result struct {
	Challenge domain.Challenge `json:"challenge"`
	Profile   domain.Profile   `json:"profile"`
}

// Submit archives a completed challenge and returns it with the refreshed
// profile.
func (e *Engine) Submit(ctx context.Context, o Outcome) (Result, error) {
	o.Outcome = strings.TrimSpace(o.Outcome)
	o.Reflection = strings.TrimSpace(o.Reflection)

	e.mu.Lock()
	if e.st.phase != domain.PhaseCompleted {
		e.mu.Unlock()
		return Result{}, ErrNotCompleted
	}
	if o.Rating < 1 || o.Rating > 5 {
		e.mu.Unlock()
		return Result{}, ErrInvalidRating
	}
	for _, text := range []string{o.Outcome, o.Reflection} {
		if err := domain.ValidateText(text); err != nil {
			e.mu.Unlock()
			return Result{}, fmt.Errorf("%w: %v", ErrInvalidOutcome, err)
		}
	}
	if err := domain.ValidateEvidence(o.Evidence); err != nil {
		e.mu.Unlock()
		return Result{}, fmt.Errorf("%w: %v", ErrInvalidOutcome, err)
	}
	if o.Outcome == "" {
		o.Outcome = domain.DefaultOutcome
	}
	now := e.now()
	completion := domain.Completion{
		EndTime:    now,
		Rating:     o.Rating,
		Outcome:    o.Outcome,
		Reflection: o.Reflection,
		Evidence:   o.Evidence,
	}
	if err := e.Store.CompleteChallenge(ctx, e.st.challengeID, completion); err != nil {
		e.storageFailed("complete challenge", err)
		e.mu.Unlock()
		return Result{}, fmt.Errorf("submit outcome: %w", err)
	}
	c := domain.Challenge{
		ID:            e.st.challengeID,
		UserID:        e.Session.Owner,
		Goal:          e.st.goal,
		CreatedAt:     e.st.startedAt,
		StartTime:     e.st.startedAt,
		EndTime:       &completion.EndTime,
		Completed:     true,
		Rating:        &completion.Rating,
		Outcome:       &completion.Outcome,
		Evidence:      completion.Evidence,
		MilestonesHit: sortedKeys(e.st.fired),
	}
	if completion.Reflection != "" {
		c.Reflection = &completion.Reflection
	}
	e.st.phase = domain.PhaseArchived
	e.publishPhase(now)
	e.setState(idle())
	e.Metrics.Archived()
	e.log().Info("challenge archived", zap.String("challenge_id", c.ID), zap.Int("rating", o.Rating))
	e.mu.Unlock()

	profile, err := e.Store.Profile(ctx)
	if err != nil {
		// the archive already succeeded; the profile is refreshed on next read
		e.storageFailed("profile", err)
	}
	return Result{Challenge: c, Profile: profile}, nil
}

// Abandon discards an active challenge and every check-in recorded for it.
func (e *Engine) Abandon(ctx context.Context) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.st.phase != domain.PhaseActive {
		return ErrNoActiveChallenge
	}
	id := e.st.challengeID
	if err := e.Store.DiscardChallenge(ctx, id); err != nil {
		e.storageFailed("discard challenge", err)
		return fmt.Errorf("abandon challenge: %w", err)
	}
	e.setState(idle())
	e.Metrics.Abandoned()
	e.log().Info("challenge abandoned", zap.String("challenge_id", id))
	e.publishPhase(e.now())
	return nil
}

// Snapshot is the externally visible engine state.
type Snapshot struct {
	Phase       domain.Phase    `json:"phase"`
	Mode        domain.Mode     `json:"mode"`
	ChallengeID string          `json:"challenge_id,omitempty"`
	Goal        string          `json:"goal,omitempty"`
	StartedAt   int64           `json:"started_at,omitempty"`
	Duration    int64           `json:"duration"`
	Remaining   int64           `json:"remaining"`
	Countdown   countdown.Parts `json:"countdown"`
	Fired       []int           `json:"fired"`
	Pending     []int           `json:"pending"`
	CheckedIn   []int           `json:"checked_in"`
}

func (e *Engine) Snapshot() Snapshot {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.snapshot(e.now())
}

func (e *Engine) snapshot(now int64) Snapshot {
	s := Snapshot{
		Phase:       e.st.phase,
		Mode:        e.Session.Mode,
		ChallengeID: e.st.challengeID,
		Goal:        e.st.goal,
		StartedAt:   e.st.startedAt,
		Duration:    e.st.duration,
		Fired:       sortedKeys(e.st.fired),
		Pending:     sortedKeys(e.st.pending),
		CheckedIn:   sortedKeys(e.st.checkedIn),
	}
	if s.Duration == 0 {
		s.Duration = e.config().DurationMillis()
	}
	if e.st.phase == domain.PhaseActive {
		s.Remaining = countdown.Remaining(e.st.duration, e.st.startedAt, now)
	}
	s.Countdown = countdown.Split(s.Remaining)
	return s
}

// Milestones returns the thresholds of the current challenge, or of a new one
// when idle.
func (e *Engine) Milestones() []countdown.Threshold {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.st.plan != nil {
		return append([]countdown.Threshold(nil), e.st.plan...)
	}
	plan, _ := e.config().Plan()
	return plan
}

// History lists completed challenges, most recent first.
func (e *Engine) History(ctx context.Context) ([]domain.Challenge, error) {
	return e.Store.ListChallenges(ctx)
}

// CheckIns lists the check-ins of one challenge, oldest first.
func (e *Engine) CheckIns(ctx context.Context, challengeID string) ([]domain.CheckIn, error) {
	return e.Store.ListCheckIns(ctx, challengeID)
}

// Profile recomputes the owner's aggregate statistics from history.
func (e *Engine) Profile(ctx context.Context) (domain.Profile, error) {
	return e.Store.Profile(ctx)
}

// Binder returns the memory binder with the newest recent check-ins.
func (e *Engine) Binder(ctx context.Context, recent int) (domain.Binder, error) {
	return store.Binder(ctx, e.Store, recent)
}

func sortedKeys(m map[int]bool) []int {
	out := make([]int, 0, len(m))
	for k, ok := range m {
		if ok {
			out = append(out, k)
		}
	}
	sort.Sort(sort.Reverse(sort.IntSlice(out)))
	return out
}
