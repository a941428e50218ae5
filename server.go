package main

import (
	"net"
	"net/http"
	"net/url"
	"path/filepath"
	"regexp"

	"github.com/goccy/go-json"
	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"spaceship-sync/internal/delta"
	"spaceship-sync/internal/wire"
)

var uuidPathRe = regexp.MustCompile(`^/[0-9a-f]{8}-[0-9a-f]{4}-[0-9a-f]{4}-[0-9a-f]{4}-[0-9a-f]{12}$`)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		origin := r.Header.Get("Origin")
		if origin == "" {
			return true // Non-browser clients don't send Origin
		}
		u, err := url.Parse(origin)
		if err != nil {
			return false
		}
		return u.Host == r.Host
	},
}

func extractIP(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

// StatsResponse is the body of /stats
type StatsResponse struct {
	Clients  int            `json:"clients"`
	Sessions []SessionInfo  `json:"sessions"`
	Encoder  delta.Counters `json:"encoder"`
	Wire     wire.Stats     `json:"wire"`
	History  []SyncSnapshot `json:"history,omitempty"`
}

// SetupRoutes configures HTTP routes. db may be nil.
func SetupRoutes(hub *Hub, db *DB, reg *prometheus.Registry, clientDir string) *http.ServeMux {
	mux := http.NewServeMux()

	// Serve static files with no-cache so browsers always revalidate
	if clientDir != "" {
		fs := http.FileServer(http.Dir(clientDir))
		mux.Handle("/", http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.Header().Set("Cache-Control", "no-cache")
			// SPA: serve index.html for root and session paths
			if r.URL.Path == "/" || uuidPathRe.MatchString(r.URL.Path) {
				http.ServeFile(w, r, filepath.Join(clientDir, "index.html"))
				return
			}
			fs.ServeHTTP(w, r)
		}))
	}

	// WebSocket endpoint
	mux.HandleFunc("/ws", func(w http.ResponseWriter, r *http.Request) {
		ip := extractIP(r)
		if !hub.CanAccept(ip) {
			http.Error(w, "too many connections", http.StatusServiceUnavailable)
			return
		}

		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			hub.log.Warn().Err(err).Str("ip", ip).Msg("upgrade")
			return
		}

		hub.TrackConnect(ip)

		client := NewClient(hub, conn, ip)
		hub.register <- client

		go client.WritePump()
		go client.ReadPump()
	})

	mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))

	mux.HandleFunc("/stats", func(w http.ResponseWriter, r *http.Request) {
		resp := StatsResponse{
			Clients:  hub.ClientCount(),
			Sessions: hub.sessions.ListSessions(),
			Encoder:  hub.opt.Encoder().Counters(),
			Wire:     hub.opt.Stats(),
		}
		if db != nil {
			history, err := db.RecentSnapshots(r.Context(), 20)
			if err != nil {
				hub.log.Error().Err(err).Msg("load stats history")
			}
			resp.History = history
		}
		w.Header().Set("Content-Type", "application/json")
		if err := json.NewEncoder(w).Encode(resp); err != nil {
			hub.log.Error().Err(err).Msg("write stats")
		}
	})

	return mux
}
