// Package store defines the persistence port shared by the guest (local) and
// account (remote) backends.
package store

import (
	"context"
	"errors"
	"fmt"

	"make24/internal/domain"
)

var (
	ErrNotFound              = errors.New("not found")
	ErrActiveChallengeExists = errors.New("an active challenge already exists")
	ErrDuplicateCheckIn      = errors.New("check-in already recorded for this milestone")
	ErrQuotaExceeded         = errors.New("storage quota exceeded")
)

// Port is the persistence contract the lifecycle engine depends on.
type Port interface {
	// CreateChallenge stores a new active challenge and returns its id.
	CreateChallenge(ctx context.Context, goal string, startedAt int64) (string, error)
	// ActiveChallenge returns the in-progress marker or ErrNotFound.
	ActiveChallenge(ctx context.Context) (domain.ActiveChallenge, error)
	MarkMilestone(ctx context.Context, challengeID string, milestone int) error
	// StopChallenge records that an active challenge was ended early.
	StopChallenge(ctx context.Context, challengeID string, stoppedAt int64) error
	CompleteChallenge(ctx context.Context, challengeID string, c domain.Completion) error
	// DiscardChallenge removes an unfinished challenge and its check-ins.
	DiscardChallenge(ctx context.Context, challengeID string) error
	RecordCheckIn(ctx context.Context, ci domain.CheckIn) error
	// ListChallenges returns completed challenges, most recent first.
	ListChallenges(ctx context.Context) ([]domain.Challenge, error)
	// ListCheckIns returns check-ins oldest first; an empty id lists all.
	ListCheckIns(ctx context.Context, challengeID string) ([]domain.CheckIn, error)
	Profile(ctx context.Context) (domain.Profile, error)
}

// Record is one completed challenge together with its check-ins, the unit of
// guest migration.
type Record struct {
	Challenge domain.Challenge `json:"challenge"`
	CheckIns  []domain.CheckIn `json:"check_ins"`
}

// StorageError wraps a backend failure.
type StorageError struct {
	Backend string
	Op      string
	Err     error
}

func (e *StorageError) Error() string {
	return fmt.Sprintf("%s store: %s: %v", e.Backend, e.Op, e.Err)
}

func (e *StorageError) Unwrap() error { return e.Err }

// Wrap turns err into a *StorageError unless it is nil or one of the
// sentinel errors callers branch on.
func Wrap(backend, op string, err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, ErrNotFound) || errors.Is(err, ErrActiveChallengeExists) || errors.Is(err, ErrDuplicateCheckIn) {
		return err
	}
	var se *StorageError
	if errors.As(err, &se) {
		return err
	}
	return &StorageError{Backend: backend, Op: op, Err: err}
}

// IsStorageError reports whether err carries a backend failure.
func IsStorageError(err error) bool {
	var se *StorageError
	return errors.As(err, &se)
}

// Binder assembles the memory binder view from a port.
func Binder(ctx context.Context, p Port, recent int) (domain.Binder, error) {
	profile, err := p.Profile(ctx)
	if err != nil {
		return domain.Binder{}, err
	}
	challenges, err := p.ListChallenges(ctx)
	if err != nil {
		return domain.Binder{}, err
	}
	checkIns, err := p.ListCheckIns(ctx, "")
	if err != nil {
		return domain.Binder{}, err
	}
	return domain.Binder{
		Profile:        profile,
		Challenges:     challenges,
		RecentCheckIns: domain.RecentCheckIns(checkIns, recent),
	}, nil
}
