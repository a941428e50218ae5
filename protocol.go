package main

import (
	"github.com/goccy/go-json"

	"spaceship-sync/internal/delta"
	"spaceship-sync/internal/wire"
)

// Client -> Server message types
const (
	MsgCreate = "create" // create session
	MsgList   = "list"   // list sessions
	MsgJoin   = "join"
	MsgInput  = "input"
	MsgResync = "resync" // client lost track of a version, wants full state again
	MsgLeave  = "leave"
)

// Server -> Client message types
const (
	MsgSessions = "sessions"
	MsgCreated  = "created"
	MsgWelcome  = "welcome"
	MsgSync     = "sync"
	MsgMove     = "move"
	MsgResynced = "resynced"
	MsgError    = "error"
)

// Envelope wraps every message. Outgoing envelopes go through the wire codec,
// which shortens "type"/"data" to "t"/"d".
type Envelope struct {
	Type string `json:"type"`
	Data any    `json:"data,omitempty"`
}

// InEnvelope is used for incoming messages; json.RawMessage avoids a double
// unmarshal of the body.
type InEnvelope struct {
	Type string          `json:"type"`
	Data json.RawMessage `json:"data,omitempty"`
}

// ClientInput steers the player's ship.
type ClientInput struct {
	MX    float64 `json:"mx"` // pointer X (world coords)
	MY    float64 `json:"my"` // pointer Y (world coords)
	Boost bool    `json:"boost"`
}

type CreateMsg struct {
	Name        string `json:"name"`
	SessionName string `json:"sname"`
}

type JoinMsg struct {
	Name      string `json:"name"`
	SessionID string `json:"sid"`
}

// WelcomeMsg tells a joined client who it is and how the world is laid out.
type WelcomeMsg struct {
	ID            string  `json:"id"`
	SessionID     string  `json:"sid"`
	Stream        string  `json:"stream"`
	Width         float64 `json:"width"`
	Height        float64 `json:"height"`
	ChunkSize     float64 `json:"chunkSize"`
	TickRate      int     `json:"tickRate"`
	BroadcastRate int     `json:"broadcastRate"`
}

// ChunkUpdate is the change of one chunk's contents since the viewer last
// received it. Reset updates replace the chunk, even with nothing in it.
type ChunkUpdate struct {
	ChunkID string `json:"chunkId"`
	delta.ArrayDelta
}

// SyncBatch is everything one viewer receives in one broadcast.
type SyncBatch struct {
	Tick     uint64          `json:"tick"`
	Entities []delta.Payload `json:"entities,omitempty"`
	Chunks   []ChunkUpdate   `json:"chunks,omitempty"`
	// Removed lists entities that left the world since the last batch.
	Removed []string `json:"removed,omitempty"`
}

// MoveMsg carries throttled movement samples for every player.
type MoveMsg struct {
	Tick    uint64                 `json:"tick"`
	Samples []wire.OptimizedSample `json:"samples"`
}

type SessionInfo struct {
	ID      string `json:"id"`
	Name    string `json:"name"`
	Players int    `json:"players"`
}

type ErrorMsg struct {
	Msg string `json:"msg"`
}
