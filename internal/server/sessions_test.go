package server

import (
	"context"
	"sync"
	"testing"
	"time"

	"go.uber.org/zap"

	"make24/internal/app"
	"make24/internal/config"
	"make24/internal/domain"
	"make24/internal/engine"
	"make24/internal/events"
	"make24/internal/store"
)

// gatedPort blocks CreateChallenge until gate is closed.
type gatedPort struct {
	store.Port
	entered chan struct{}
	gate    chan struct{}
}

func (p *gatedPort) CreateChallenge(ctx context.Context, goal string, startedAt int64) (string, error) {
	p.entered <- struct{}{}
	<-p.gate
	return "challenge-1", nil
}

func idleEngine(id app.Identity) *engine.Engine {
	return engine.New(nil, config.Default(), engine.Session{Owner: id.Owner, Mode: id.Mode})
}

func newTestSessions(t *testing.T) *sessions {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	return newSessions(ctx, app.Factory{}, time.Hour, zap.NewNop())
}

func getWithin(t *testing.T, s *sessions, id app.Identity) *session {
	t.Helper()
	type result struct {
		sess *session
		err  error
	}
	done := make(chan result, 1)
	go func() {
		sess, err := s.get(context.Background(), id)
		done <- result{sess, err}
	}()
	select {
	case r := <-done:
		if r.err != nil {
			t.Fatalf("get %s: %v", id.Owner, r.err)
		}
		return r.sess
	case <-time.After(2 * time.Second):
		t.Fatalf("get %s blocked", id.Owner)
		return nil
	}
}

func TestSlowSessionOpenDoesNotBlockOthers(t *testing.T) {
	s := newTestSessions(t)
	entered := make(chan struct{})
	gate := make(chan struct{})
	var opens sync.Map
	s.open = func(ctx context.Context, id app.Identity, hub *events.Hub) (*engine.Engine, error) {
		if id.Owner == "slow" {
			entered <- struct{}{}
			<-gate
		}
		n, _ := opens.LoadOrStore(id.Owner, new(int))
		*n.(*int)++
		return idleEngine(id), nil
	}

	slowDone := make(chan *session, 1)
	go func() {
		sess, _ := s.get(context.Background(), app.Guest("slow"))
		slowDone <- sess
	}()
	<-entered

	fast := getWithin(t, s, app.Guest("fast"))
	if again := getWithin(t, s, app.Guest("fast")); again != fast {
		t.Fatalf("second get returned a different session")
	}
	close(gate)
	if sess := <-slowDone; sess == nil {
		t.Fatalf("slow session not opened")
	}
	if n, _ := opens.Load("fast"); *n.(*int) != 1 {
		t.Fatalf("fast session opened %d times", *n.(*int))
	}
}

func TestEvictDoesNotHoldRegistryWhileEngineBusy(t *testing.T) {
	s := newTestSessions(t)
	s.open = func(ctx context.Context, id app.Identity, hub *events.Hub) (*engine.Engine, error) {
		return idleEngine(id), nil
	}
	busyID := app.Guest("busy")
	port := &gatedPort{entered: make(chan struct{}), gate: make(chan struct{})}
	busy := engine.New(port, config.Default(), engine.Session{Owner: busyID.Owner, Mode: busyID.Mode})
	s.items[busyID] = &session{engine: busy, hub: events.NewHub(), cancel: func() {}, lastUsed: time.Now().Add(-time.Hour)}

	started := make(chan error, 1)
	go func() {
		_, err := busy.Start(context.Background(), "hold the engine")
		started <- err
	}()
	<-port.entered

	evicted := make(chan int, 1)
	go func() { evicted <- s.evict(time.Minute) }()

	getWithin(t, s, app.Guest("other"))

	close(port.gate)
	if err := <-started; err != nil {
		t.Fatalf("start: %v", err)
	}
	if n := <-evicted; n != 0 {
		t.Fatalf("evicted %d sessions with a running countdown", n)
	}
	if sess := s.lookup(busyID); sess == nil || sess.engine.Snapshot().Phase != domain.PhaseActive {
		t.Fatalf("busy session lost")
	}
}

func TestEvictDropsIdleSessions(t *testing.T) {
	s := newTestSessions(t)
	s.open = func(ctx context.Context, id app.Identity, hub *events.Hub) (*engine.Engine, error) {
		return idleEngine(id), nil
	}
	sess := getWithin(t, s, app.Guest("sleepy"))
	s.mu.Lock()
	sess.lastUsed = time.Now().Add(-time.Hour)
	s.mu.Unlock()
	if n := s.evict(time.Minute); n != 1 {
		t.Fatalf("evicted %d", n)
	}
	if s.lookup(app.Guest("sleepy")) != nil {
		t.Fatalf("session still registered")
	}
}
