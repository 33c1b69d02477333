// Package app wires storage, configuration and observability into engines for
// a given identity. The CLI and the HTTP server both build sessions through it.
package app

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/jmoiron/sqlx"
	"go.uber.org/zap"

	"make24/internal/clock"
	"make24/internal/config"
	"make24/internal/domain"
	"make24/internal/engine"
	"make24/internal/events"
	"make24/internal/guest"
	"make24/internal/metrics"
	"make24/internal/store"
	"make24/internal/store/local"
	"make24/internal/store/remote"
)

var ErrRemoteUnavailable = errors.New("account storage is not configured")

// Identity names whose data a session touches. Guests are keyed by device id,
// accounts by user id.
type Identity struct {
	Owner string
	Mode  domain.Mode
}

func Guest(deviceID string) Identity { return Identity{Owner: deviceID, Mode: domain.ModeGuest} }

func Account(userID string) Identity { return Identity{Owner: userID, Mode: domain.ModeAccount} }

// Factory holds the shared resources sessions are built from. Pool may be nil
// when only guest storage is available.
type Factory struct {
	LocalDB *sqlx.DB
	Pool    *pgxpool.Pool
	Config  *config.Config
	Logger  *zap.Logger
	Metrics *metrics.Metrics
	Clock   clock.Clock
}

func (f Factory) clock() clock.Clock {
	if f.Clock == nil {
		return clock.System{}
	}
	return f.Clock
}

func (f Factory) config() *config.Config {
	if f.Config == nil {
		return config.Default()
	}
	return f.Config
}

// Local returns the guest store for a device.
func (f Factory) Local(deviceID string) (*local.Store, error) {
	if f.LocalDB == nil {
		return nil, errors.New("guest storage is not configured")
	}
	s := local.New(f.LocalDB, deviceID)
	s.MaxBytes = f.config().Storage.Local.MaxBytes
	s.Clock = f.clock()
	return s, nil
}

// Remote returns the account store for a user, creating its profile row.
func (f Factory) Remote(ctx context.Context, userID string) (*remote.Store, error) {
	if f.Pool == nil {
		return nil, ErrRemoteUnavailable
	}
	s := remote.New(f.Pool, userID)
	s.Clock = f.clock()
	if err := s.EnsureProfile(ctx); err != nil {
		return nil, err
	}
	return s, nil
}

// Port selects the backend for an identity.
func (f Factory) Port(ctx context.Context, id Identity) (store.Port, error) {
	if id.Owner == "" {
		return nil, errors.New("identity owner is required")
	}
	switch id.Mode {
	case domain.ModeGuest:
		return f.Local(id.Owner)
	case domain.ModeAccount:
		return f.Remote(ctx, id.Owner)
	default:
		return nil, fmt.Errorf("unknown mode %q", id.Mode)
	}
}

// Engine builds an engine for id and resumes any challenge in progress.
func (f Factory) Engine(ctx context.Context, id Identity, hub *events.Hub) (*engine.Engine, error) {
	p, err := f.Port(ctx, id)
	if err != nil {
		return nil, err
	}
	eng := engine.New(p, f.config(), engine.Session{Owner: id.Owner, Mode: id.Mode})
	eng.Clock = f.clock()
	eng.Events = hub
	eng.Metrics = f.Metrics
	if f.Logger != nil {
		eng.Logger = f.Logger
	}
	if err := eng.Resume(ctx); err != nil {
		return nil, err
	}
	return eng, nil
}

// MigrateGuest moves a device's completed history into an account.
func (f Factory) MigrateGuest(ctx context.Context, deviceID, userID string) (guest.Report, error) {
	src, err := f.Local(deviceID)
	if err != nil {
		return guest.Report{}, err
	}
	dst, err := f.Remote(ctx, userID)
	if err != nil {
		return guest.Report{}, err
	}
	return guest.Migrator{Logger: f.Logger, Metrics: f.Metrics}.Migrate(ctx, src, dst)
}
