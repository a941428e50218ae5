package main

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"spaceship-sync/internal/state"
	"spaceship-sync/internal/wire"
)

// Entity kinds, matching the optimizer's field profiles
const (
	KindPlayer   = "player"
	KindAsteroid = "asteroid"
)

// Viewer receives encoded frames for one player. StreamKey names the delta
// stream its state is tracked under.
type Viewer interface {
	StreamKey() string
	SendFrame(frame []byte)
}

// FrameObserver is told the size of every frame a world sends
type FrameObserver func(kind string, bytes int)

// World holds the simulation for one session and syncs it to its viewers
type World struct {
	mu        sync.RWMutex
	id        string
	cfg       WorldConfig
	opt       *wire.Optimizer
	log       zerolog.Logger
	grid      ChunkGrid
	players   map[string]*Player
	asteroids []*Asteroid
	viewers   map[string]Viewer // playerID -> viewer
	departed  []string
	resting   map[string]bool
	tick      uint64
	nextShip  int
	observe   FrameObserver
	closed    bool

	broadcastEvery uint64
}

// NewWorld creates a world populated with the configured number of asteroids
func NewWorld(id string, cfg WorldConfig, opt *wire.Optimizer, log zerolog.Logger) *World {
	w := &World{
		id:             id,
		cfg:            cfg,
		opt:            opt,
		log:            log,
		grid:           NewChunkGrid(cfg.Width, cfg.Height, cfg.ChunkSize),
		players:        make(map[string]*Player),
		viewers:        make(map[string]Viewer),
		resting:        make(map[string]bool),
		broadcastEvery: uint64(max(1, cfg.TickRate/cfg.BroadcastRate)),
	}
	for i := 0; i < cfg.Asteroids; i++ {
		w.asteroids = append(w.asteroids, NewAsteroid(cfg.Width, cfg.Height))
	}
	return w
}

// SetFrameObserver installs fn; call it before Run
func (w *World) SetFrameObserver(fn FrameObserver) {
	w.mu.Lock()
	w.observe = fn
	w.mu.Unlock()
}

// Run steps the world at the tick rate until ctx is done
func (w *World) Run(ctx context.Context) {
	ticker := time.NewTicker(time.Second / time.Duration(w.cfg.TickRate))
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			w.Step()
		case <-ctx.Done():
			return
		}
	}
}

// AddPlayer adds a player driven by v and sends it the welcome. Returns nil
// when the world is full or closed.
func (w *World) AddPlayer(name string, v Viewer) *Player {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.closed || len(w.players) >= w.cfg.MaxPlayers {
		return nil
	}
	p := NewPlayer(GenerateID(4), name, w.nextShip, w.cfg.Width, w.cfg.Height)
	w.nextShip++
	w.players[p.ID] = p
	w.viewers[p.ID] = v

	// Sent under the lock so the welcome always precedes the first sync batch
	w.send(v, Envelope{Type: MsgWelcome, Data: WelcomeMsg{
		ID:            p.ID,
		SessionID:     w.id,
		Stream:        v.StreamKey(),
		Width:         w.cfg.Width,
		Height:        w.cfg.Height,
		ChunkSize:     w.cfg.ChunkSize,
		TickRate:      w.cfg.TickRate,
		BroadcastRate: w.cfg.BroadcastRate,
	}})
	w.log.Debug().Str("player", p.ID).Str("stream", v.StreamKey()).Msg("player joined")
	return p
}

// Resync forgets everything the player's viewer was sent and confirms it.
// The next batch carries full payloads and complete chunk contents.
func (w *World) Resync(playerID string) bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	v, ok := w.viewers[playerID]
	if !ok {
		return false
	}
	n := w.opt.DropStream(v.StreamKey())
	w.log.Info().Str("player", playerID).Int("entries", n).Msg("resync")
	w.send(v, Envelope{Type: MsgResynced})
	return true
}

func (w *World) send(v Viewer, msg Envelope) {
	frame, err := w.opt.EncodeWire(msg)
	if err != nil {
		w.log.Error().Err(err).Str("type", msg.Type).Msg("encode")
		return
	}
	v.SendFrame(frame)
}

// RemovePlayer removes a player; other viewers learn about it in their next batch
func (w *World) RemovePlayer(id string) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if _, ok := w.players[id]; !ok {
		return
	}
	delete(w.players, id)
	delete(w.viewers, id)
	delete(w.resting, id)
	w.departed = append(w.departed, id)
	w.opt.ForgetMovement(id)
	w.log.Debug().Str("player", id).Msg("player left")
}

// HandleInput steers a player
func (w *World) HandleInput(playerID string, in ClientInput) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if p, ok := w.players[playerID]; ok {
		p.Steer(in)
	}
}

// PlayerCount returns the number of players
func (w *World) PlayerCount() int {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return len(w.players)
}

// CloseIfEmpty marks the world closed when nobody is in it. A closed world
// accepts no more players.
func (w *World) CloseIfEmpty() bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	if len(w.players) == 0 {
		w.closed = true
	}
	return w.closed
}

// Closed reports whether CloseIfEmpty has closed the world.
func (w *World) Closed() bool {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return w.closed
}

// Tick returns the number of steps taken so far
func (w *World) Tick() uint64 {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return w.tick
}

// Step advances the simulation by one tick and sends whatever is due
func (w *World) Step() {
	w.mu.Lock()
	defer w.mu.Unlock()

	dt := 1.0 / float64(w.cfg.TickRate)
	w.tick++

	for _, p := range w.players {
		p.Update(dt, w.cfg.Width, w.cfg.Height)
	}
	for _, a := range w.asteroids {
		a.Update(dt)
	}
	w.mine(dt)
	w.respawn()

	w.sendMovement()
	if w.tick%w.broadcastEvery == 0 {
		w.broadcastState()
	}
}

// mine drains asteroids touched by ships and credits depleted rocks
func (w *World) mine(dt float64) {
	for _, p := range w.players {
		for _, a := range w.asteroids {
			if a.Alive && a.Touches(p.X, p.Y) && a.Mine(MineRate*dt) {
				p.Score++
			}
		}
	}
}

// respawn replaces dead asteroids to keep the field populated
func (w *World) respawn() {
	alive := w.asteroids[:0]
	for _, a := range w.asteroids {
		if a.Alive {
			alive = append(alive, a)
		}
	}
	w.asteroids = alive
	for len(w.asteroids) < w.cfg.Asteroids {
		w.asteroids = append(w.asteroids, NewAsteroid(w.cfg.Width, w.cfg.Height))
	}
}

func (w *World) sortedPlayerIDs() []string {
	ids := make([]string, 0, len(w.players))
	for id := range w.players {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// sendMovement runs every ship through the movement throttle. A ship that
// comes to rest has its last suppressed sample flushed so clients see where
// it actually stopped.
func (w *World) sendMovement() {
	var samples []wire.OptimizedSample
	for _, id := range w.sortedPlayerIDs() {
		p := w.players[id]
		s, ok := w.opt.ThrottleMovement(id, wire.MovementSample{X: p.X, Y: p.Y, Rotation: p.Rotation})
		if ok {
			samples = append(samples, s)
		}

		resting := p.Status() == "idle"
		if resting && !w.resting[id] && !ok {
			if s, ok := w.opt.FlushPending(id); ok {
				samples = append(samples, s)
			}
		}
		w.resting[id] = resting
	}
	if len(samples) == 0 {
		return
	}

	frame, err := w.opt.EncodeWire(Envelope{Type: MsgMove, Data: MoveMsg{Tick: w.tick, Samples: samples}})
	if err != nil {
		w.log.Error().Err(err).Msg("encode move")
		return
	}
	for _, v := range w.viewers {
		v.SendFrame(frame)
	}
	w.observeFrame(MsgMove, len(frame))
}

// broadcastState sends every viewer its own sync batch: all players as
// entity payloads plus the asteroid chunks around its ship.
func (w *World) broadcastState() {
	ids := w.sortedPlayerIDs()
	states := make(map[string]state.State, len(ids))
	for _, id := range ids {
		states[id] = w.players[id].State()
	}
	buckets := w.grid.Bucket(w.asteroids)
	departed := w.departed
	w.departed = nil

	for _, viewerID := range ids {
		v, ok := w.viewers[viewerID]
		if !ok {
			continue
		}
		stream := v.StreamKey()
		batch := SyncBatch{Tick: w.tick, Removed: departed}

		for _, id := range ids {
			batch.Entities = append(batch.Entities, w.opt.SyncEntity(stream, KindPlayer, states[id]))
		}

		me := w.players[viewerID]
		for _, c := range w.grid.Around(w.grid.ChunkAt(me.X, me.Y), w.cfg.ViewRadius) {
			d, changed := w.opt.SyncCollection(stream, KindAsteroid, c.ID(), buckets[c])
			if changed {
				batch.Chunks = append(batch.Chunks, ChunkUpdate{ChunkID: c.ID(), ArrayDelta: d})
			}
		}

		frame, err := w.opt.EncodeWire(Envelope{Type: MsgSync, Data: batch})
		if err != nil {
			w.log.Error().Err(err).Str("stream", stream).Msg("encode sync batch")
			continue
		}
		v.SendFrame(frame)
		w.observeFrame(MsgSync, len(frame))
	}
}

func (w *World) observeFrame(kind string, n int) {
	if w.observe != nil {
		w.observe(kind, n)
	}
}
