package server

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"make24/internal/app"
	"make24/internal/domain"
	"make24/internal/engine"
	"make24/internal/events"
)

type session struct {
	engine   *engine.Engine
	hub      *events.Hub
	cancel   context.CancelFunc
	lastUsed time.Time
}

// sessions keeps one running engine per identity. Each engine ticks in its own
// goroutine bound to the server context.
type sessions struct {
	ctx    context.Context
	tick   time.Duration
	logger *zap.Logger
	open   func(context.Context, app.Identity, *events.Hub) (*engine.Engine, error)

	mu    sync.Mutex
	items map[app.Identity]*session
}

func newSessions(ctx context.Context, f app.Factory, tick time.Duration, logger *zap.Logger) *sessions {
	return &sessions{ctx: ctx, tick: tick, logger: logger, open: f.Engine, items: map[app.Identity]*session{}}
}

// get returns the session for id, resuming it from storage on first use.
// The engine is built outside the registry lock so a slow backend only delays
// its own identity.
func (s *sessions) get(ctx context.Context, id app.Identity) (*session, error) {
	if sess := s.lookup(id); sess != nil {
		return sess, nil
	}
	hub := events.NewHub()
	eng, err := s.open(ctx, id, hub)
	if err != nil {
		hub.Close()
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if sess, ok := s.items[id]; ok {
		// lost the race to a concurrent open
		hub.Close()
		sess.lastUsed = time.Now()
		return sess, nil
	}
	runCtx, cancel := context.WithCancel(s.ctx)
	sess := &session{engine: eng, hub: hub, cancel: cancel, lastUsed: time.Now()}
	s.items[id] = sess
	go eng.Run(runCtx, s.tick)
	s.logger.Debug("session opened", zap.String("owner", id.Owner), zap.String("mode", string(id.Mode)))
	return sess, nil
}

func (s *sessions) lookup(id app.Identity) *session {
	s.mu.Lock()
	defer s.mu.Unlock()
	sess, ok := s.items[id]
	if !ok {
		return nil
	}
	sess.lastUsed = time.Now()
	return sess
}

func (s *sessions) engine(ctx context.Context, id app.Identity) (*engine.Engine, error) {
	sess, err := s.get(ctx, id)
	if err != nil {
		return nil, err
	}
	return sess.engine, nil
}

// evict stops idle sessions unused for longer than idle. Sessions with a
// running countdown are kept so their milestones keep firing.
func (s *sessions) evict(idle time.Duration) int {
	type candidate struct {
		id   app.Identity
		sess *session
	}
	s.mu.Lock()
	var idleOnes []candidate
	for id, sess := range s.items {
		if time.Since(sess.lastUsed) > idle {
			idleOnes = append(idleOnes, candidate{id, sess})
		}
	}
	s.mu.Unlock()

	n := 0
	for _, c := range idleOnes {
		if c.sess.engine.Snapshot().Phase == domain.PhaseActive {
			continue
		}
		s.mu.Lock()
		if cur, ok := s.items[c.id]; ok && cur == c.sess && time.Since(cur.lastUsed) > idle {
			cur.cancel()
			cur.hub.Close()
			delete(s.items, c.id)
			n++
		}
		s.mu.Unlock()
	}
	return n
}

func (s *sessions) sweep(idle time.Duration) {
	ticker := time.NewTicker(idle / 2)
	defer ticker.Stop()
	for {
		select {
		case <-s.ctx.Done():
			s.closeAll()
			return
		case <-ticker.C:
			if n := s.evict(idle); n > 0 {
				s.logger.Debug("sessions evicted", zap.Int("count", n))
			}
		}
	}
}

func (s *sessions) closeAll() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for id, sess := range s.items {
		sess.cancel()
		sess.hub.Close()
		delete(s.items, id)
	}
}
