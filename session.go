package main

import (
	"context"
	"sort"
	"sync"

	"github.com/rs/zerolog"

	"spaceship-sync/internal/wire"
)

// Session is a world that players can join
type Session struct {
	ID    string
	Name  string
	World *World
	stop  context.CancelFunc
}

// SessionManager handles creation and lookup of sessions
type SessionManager struct {
	mu       sync.RWMutex
	sessions map[string]*Session
	ctx      context.Context
	cfg      Config
	opt      *wire.Optimizer
	log      zerolog.Logger
	observe  FrameObserver
}

// NewSessionManager creates a SessionManager. Worlds it starts stop when ctx is done.
func NewSessionManager(ctx context.Context, cfg Config, opt *wire.Optimizer, log zerolog.Logger) *SessionManager {
	return &SessionManager{
		sessions: make(map[string]*Session),
		ctx:      ctx,
		cfg:      cfg,
		opt:      opt,
		log:      log,
	}
}

// SetFrameObserver is handed to every world created afterwards
func (sm *SessionManager) SetFrameObserver(fn FrameObserver) {
	sm.mu.Lock()
	defer sm.mu.Unlock()
	sm.observe = fn
}

// CreateSession creates a session and starts its world. Returns nil if the limit is reached.
func (sm *SessionManager) CreateSession(name string) *Session {
	sm.mu.Lock()
	defer sm.mu.Unlock()

	if len(sm.sessions) >= sm.cfg.Server.MaxSessions {
		return nil
	}

	id := GenerateUUID()
	world := NewWorld(id, sm.cfg.World, sm.opt, sm.log.With().Str("session", id).Logger())
	if sm.observe != nil {
		world.SetFrameObserver(sm.observe)
	}
	ctx, cancel := context.WithCancel(sm.ctx)
	sess := &Session{
		ID:    id,
		Name:  name,
		World: world,
		stop:  cancel,
	}
	sm.sessions[id] = sess
	go world.Run(ctx)
	sm.log.Info().Str("session", id).Str("name", name).Msg("session created")
	return sess
}

// GetSession returns a session by ID
func (sm *SessionManager) GetSession(id string) *Session {
	sm.mu.RLock()
	defer sm.mu.RUnlock()
	return sm.sessions[id]
}

// RemovePlayer removes a player from a session and closes the session once
// it is empty. A join racing the close is refused by the closed world.
func (sm *SessionManager) RemovePlayer(sessionID, playerID string) {
	sm.mu.RLock()
	sess, ok := sm.sessions[sessionID]
	sm.mu.RUnlock()
	if !ok {
		return
	}
	sess.World.RemovePlayer(playerID)
	if !sess.World.CloseIfEmpty() {
		return
	}

	sess.stop()
	sm.mu.Lock()
	if sm.sessions[sessionID] == sess {
		delete(sm.sessions, sessionID)
	}
	sm.mu.Unlock()
	sm.log.Info().Str("session", sessionID).Msg("session closed")
}

// Count returns the number of live sessions
func (sm *SessionManager) Count() int {
	sm.mu.RLock()
	defer sm.mu.RUnlock()
	return len(sm.sessions)
}

// ListSessions returns info about all active sessions, ordered by name
func (sm *SessionManager) ListSessions() []SessionInfo {
	sm.mu.RLock()
	defer sm.mu.RUnlock()

	list := make([]SessionInfo, 0, len(sm.sessions))
	for _, sess := range sm.sessions {
		list = append(list, SessionInfo{
			ID:      sess.ID,
			Name:    sess.Name,
			Players: sess.World.PlayerCount(),
		})
	}
	sort.Slice(list, func(i, j int) bool {
		if list[i].Name != list[j].Name {
			return list[i].Name < list[j].Name
		}
		return list[i].ID < list[j].ID
	})
	return list
}
