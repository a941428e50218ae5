package main

import (
	"sync"
	"time"

	"github.com/goccy/go-json"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
	"golang.org/x/time/rate"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	maxMessageSize = 4096
	sendBufSize    = 256
	maxNameLen     = 16
	maxSessionName = 30
)

// Client represents a WebSocket connection. Its id doubles as the delta
// stream key, so every connection gets its own view of the world.
type Client struct {
	id         string
	hub        *Hub
	conn       *websocket.Conn
	send       chan []byte
	remoteAddr string
	limiter    *rate.Limiter
	log        zerolog.Logger

	mu        sync.Mutex
	playerID  string
	sessionID string
}

// NewClient creates a new Client
func NewClient(hub *Hub, conn *websocket.Conn, remoteAddr string) *Client {
	id := GenerateUUID()
	return &Client{
		id:         id,
		hub:        hub,
		conn:       conn,
		send:       make(chan []byte, sendBufSize),
		remoteAddr: remoteAddr,
		limiter:    rate.NewLimiter(rate.Limit(hub.cfg.MessagesPerSecond), hub.cfg.MessageBurst),
		log:        hub.log.With().Str("client", id).Str("ip", remoteAddr).Logger(),
	}
}

// StreamKey implements Viewer
func (c *Client) StreamKey() string { return c.id }

// ReadPump reads messages from the WebSocket connection
func (c *Client) ReadPump() {
	defer func() {
		c.hub.TrackDisconnect(c.remoteAddr)
		c.hub.unregister <- c
		c.conn.Close()
	}()

	c.conn.SetReadLimit(maxMessageSize)
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		msgType, message, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				c.log.Warn().Err(err).Msg("ws read")
			}
			break
		}

		if !c.limiter.Allow() {
			c.log.Warn().Msg("rate limit exceeded, disconnecting")
			break
		}

		var env InEnvelope
		if msgType == websocket.BinaryMessage {
			err = c.hub.opt.Codec().DecodeInto(message, &env)
		} else {
			err = json.Unmarshal(message, &env)
		}
		if err != nil {
			c.log.Debug().Err(err).Msg("bad message")
			continue
		}
		c.handleMessage(env)
	}
}

// WritePump writes messages to the WebSocket connection
func (c *Client) WritePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case message, ok := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteMessage(websocket.BinaryMessage, message); err != nil {
				return
			}

		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// SendFrame queues an encoded frame; slow clients drop frames
func (c *Client) SendFrame(frame []byte) {
	defer func() { recover() }() // send on a channel closed by the hub
	select {
	case c.send <- frame:
	default:
	}
}

// Send encodes msg through the wire codec and queues it
func (c *Client) Send(msg Envelope) {
	frame, err := c.hub.opt.EncodeWire(msg)
	if err != nil {
		c.log.Error().Err(err).Str("type", msg.Type).Msg("encode")
		return
	}
	c.SendFrame(frame)
}

func (c *Client) sendError(msg string) {
	c.Send(Envelope{Type: MsgError, Data: ErrorMsg{Msg: msg}})
}

func (c *Client) current() (sessionID, playerID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.sessionID, c.playerID
}

// leave clears the client's seat and returns what it held
func (c *Client) leave() (sessionID, playerID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	sessionID, playerID = c.sessionID, c.playerID
	c.sessionID, c.playerID = "", ""
	return sessionID, playerID
}

func (c *Client) handleMessage(env InEnvelope) {
	switch env.Type {
	case MsgList:
		c.handleList()
	case MsgCreate:
		c.handleCreate(env.Data)
	case MsgJoin:
		c.handleJoin(env.Data)
	case MsgInput:
		c.handleInput(env.Data)
	case MsgResync:
		c.handleResync()
	case MsgLeave:
		c.handleLeave()
	default:
		c.sendError("unknown message type")
	}
}

func (c *Client) handleList() {
	c.Send(Envelope{Type: MsgSessions, Data: c.hub.sessions.ListSessions()})
}

func truncate(s, fallback string, n int) string {
	if s == "" {
		return fallback
	}
	if len(s) > n {
		return s[:n]
	}
	return s
}

func (c *Client) handleCreate(data json.RawMessage) {
	var msg CreateMsg
	if err := json.Unmarshal(data, &msg); err != nil {
		c.sendError("bad create message")
		return
	}
	sess := c.hub.sessions.CreateSession(truncate(msg.SessionName, "Asteroid Field", maxSessionName))
	if sess == nil {
		c.sendError("too many active sessions")
		return
	}
	c.Send(Envelope{Type: MsgCreated, Data: SessionInfo{ID: sess.ID, Name: sess.Name}})
}

func (c *Client) handleJoin(data json.RawMessage) {
	var msg JoinMsg
	if err := json.Unmarshal(data, &msg); err != nil {
		c.sendError("bad join message")
		return
	}
	if sid, _ := c.current(); sid != "" {
		c.sendError("already in a session")
		return
	}

	sess := c.hub.sessions.GetSession(msg.SessionID)
	if sess == nil {
		c.sendError("session not found")
		return
	}
	player := sess.World.AddPlayer(truncate(msg.Name, "Pilot", maxNameLen), c)
	if player == nil {
		if sess.World.Closed() {
			c.sendError("session not found")
		} else {
			c.sendError("session full")
		}
		return
	}

	c.mu.Lock()
	c.playerID = player.ID
	c.sessionID = sess.ID
	c.mu.Unlock()
}

func (c *Client) handleInput(data json.RawMessage) {
	sid, pid := c.current()
	if sid == "" {
		return
	}
	var input ClientInput
	if err := json.Unmarshal(data, &input); err != nil {
		return
	}
	if sess := c.hub.sessions.GetSession(sid); sess != nil {
		sess.World.HandleInput(pid, input)
	}
}

// handleResync forgets everything this client was sent. Inside a session the
// world does it so no batch computed before the drop arrives after the reply.
func (c *Client) handleResync() {
	sid, pid := c.current()
	if sess := c.hub.sessions.GetSession(sid); sess != nil && sess.World.Resync(pid) {
		return
	}
	c.hub.opt.DropStream(c.id)
	c.Send(Envelope{Type: MsgResynced})
}

func (c *Client) handleLeave() {
	sid, pid := c.leave()
	if sid == "" {
		return
	}
	c.hub.sessions.RemovePlayer(sid, pid)
	c.hub.opt.DropStream(c.id)
}
