package main

import (
	"context"
	"sync"

	"github.com/rs/zerolog"

	"spaceship-sync/internal/wire"
)

// Hub manages all connected clients and routes them to sessions
type Hub struct {
	mu         sync.RWMutex
	clients    map[*Client]bool
	register   chan *Client
	unregister chan *Client
	sessions   *SessionManager
	opt        *wire.Optimizer
	cfg        ServerConfig
	log        zerolog.Logger
	// Connection limiting (mutex-protected, accessed from HTTP handlers)
	connMu     sync.Mutex
	ipConns    map[string]int
	totalConns int
}

// NewHub creates a Hub. Sessions it creates live until ctx is done.
func NewHub(ctx context.Context, cfg Config, opt *wire.Optimizer, log zerolog.Logger) *Hub {
	return &Hub{
		clients:    make(map[*Client]bool),
		register:   make(chan *Client, 64),
		unregister: make(chan *Client, 64),
		sessions:   NewSessionManager(ctx, cfg, opt, log),
		opt:        opt,
		cfg:        cfg.Server,
		log:        log.With().Str("component", "hub").Logger(),
		ipConns:    make(map[string]int),
	}
}

func (h *Hub) CanAccept(ip string) bool {
	h.connMu.Lock()
	defer h.connMu.Unlock()
	if h.totalConns >= h.cfg.MaxTotalConns {
		return false
	}
	if h.ipConns[ip] >= h.cfg.MaxConnsPerIP {
		return false
	}
	return true
}

func (h *Hub) TrackConnect(ip string) {
	h.connMu.Lock()
	defer h.connMu.Unlock()
	h.ipConns[ip]++
	h.totalConns++
}

func (h *Hub) TrackDisconnect(ip string) {
	h.connMu.Lock()
	defer h.connMu.Unlock()
	h.ipConns[ip]--
	if h.ipConns[ip] <= 0 {
		delete(h.ipConns, ip)
	}
	h.totalConns--
}

// Run processes register/unregister events until ctx is done
func (h *Hub) Run(ctx context.Context) error {
	for {
		select {
		case client := <-h.register:
			h.mu.Lock()
			h.clients[client] = true
			h.mu.Unlock()

		case client := <-h.unregister:
			h.mu.Lock()
			if _, ok := h.clients[client]; ok {
				delete(h.clients, client)
				close(client.send)
			}
			h.mu.Unlock()
			h.detach(client)

		case <-ctx.Done():
			return nil
		}
	}
}

// detach removes the client's player and forgets its delta stream
func (h *Hub) detach(c *Client) {
	sid, pid := c.leave()
	if sid != "" {
		h.sessions.RemovePlayer(sid, pid)
	}
	if n := h.opt.DropStream(c.id); n > 0 {
		h.log.Debug().Str("stream", c.id).Int("entries", n).Msg("stream dropped")
	}
}

// ClientCount returns the number of connected clients
func (h *Hub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// TotalConns returns the tracked connection count
func (h *Hub) TotalConns() int {
	h.connMu.Lock()
	defer h.connMu.Unlock()
	return h.totalConns
}
