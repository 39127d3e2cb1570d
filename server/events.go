package server

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"kontextworker/logging"
)

// Event types sent on /events.
const (
	EventInitial     = "initial"
	EventJobStarted  = "job_started"
	EventJobFinished = "job_finished"
)

// Event is the envelope for every message on the event stream.
type Event struct {
	Type      string    `json:"type"`
	Timestamp time.Time `json:"timestamp"`
	Data      any       `json:"data,omitempty"`
}

// NewEvent stamps an event with the current time.
func NewEvent(eventType string, data any) Event {
	return Event{Type: eventType, Timestamp: time.Now(), Data: data}
}

// InitialData is sent to each client right after it connects.
type InitialData struct {
	EngineState string `json:"engine_state"`
	Busy        bool   `json:"busy"`
}

// JobStartedData is sent once a job is admitted.
type JobStartedData struct {
	JobID string `json:"job_id"`
}

// JobFinishedData is sent when a job ends in any outcome.
type JobFinishedData struct {
	JobID        string  `json:"job_id"`
	Outcome      string  `json:"outcome"`
	Width        int     `json:"width,omitempty"`
	Height       int     `json:"height,omitempty"`
	TotalSeconds float64 `json:"total_seconds"`
	Error        string  `json:"error,omitempty"`
}

// BroadcasterConfig configures a Broadcaster.
type BroadcasterConfig struct {
	PingInterval   time.Duration
	PongWait       time.Duration
	WriteWait      time.Duration
	MaxMessageSize int64
	// SendBuffer is the per-client queue length. A client that falls this
	// far behind is disconnected.
	SendBuffer int
}

// DefaultBroadcasterConfig returns the defaults used by the worker.
func DefaultBroadcasterConfig() BroadcasterConfig {
	return BroadcasterConfig{
		PingInterval:   30 * time.Second,
		PongWait:       60 * time.Second,
		WriteWait:      10 * time.Second,
		MaxMessageSize: 512,
		SendBuffer:     64,
	}
}

type client struct {
	conn *websocket.Conn
	send chan []byte
	once sync.Once
}

func (c *client) close() {
	c.once.Do(func() { close(c.send) })
}

// Broadcaster fans job events out to websocket clients. Clients only
// receive; anything they send is discarded.
type Broadcaster struct {
	config   BroadcasterConfig
	logger   *logging.Logger
	upgrader websocket.Upgrader

	mu      sync.RWMutex
	clients map[*client]struct{}
	closed  bool

	// initial builds the snapshot sent on connect; nil sends none.
	initial func() InitialData
}

// NewBroadcaster returns a Broadcaster. Run must be called for pings.
func NewBroadcaster(config BroadcasterConfig, logger *logging.Logger) *Broadcaster {
	if logger == nil {
		logger = logging.NewNop()
	}
	if config.SendBuffer <= 0 {
		config.SendBuffer = DefaultBroadcasterConfig().SendBuffer
	}
	return &Broadcaster{
		config:  config,
		logger:  logger.Named("events"),
		clients: make(map[*client]struct{}),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     func(*http.Request) bool { return true },
		},
	}
}

// Run pings clients until ctx ends, then disconnects them all.
func (b *Broadcaster) Run(ctx context.Context) {
	ticker := time.NewTicker(b.config.PingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			b.Close()
			return
		case <-ticker.C:
			b.pingAll()
		}
	}
}

// Close disconnects every client and refuses new ones.
func (b *Broadcaster) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.closed = true
	for c := range b.clients {
		c.close()
		delete(b.clients, c)
	}
}

// ClientCount returns the number of connected clients.
func (b *Broadcaster) ClientCount() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.clients)
}

// Publish queues ev for every client without blocking. A nil Broadcaster
// drops it.
func (b *Broadcaster) Publish(ev Event) {
	if b == nil {
		return
	}
	data, err := json.Marshal(ev)
	if err != nil {
		b.logger.Warn("failed to marshal event", zap.String("type", ev.Type), zap.Error(err))
		return
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	for c := range b.clients {
		select {
		case c.send <- data:
		default:
			b.logger.Warn("event client too slow, disconnecting", zap.String("remote_addr", c.conn.RemoteAddr().String()))
			c.close()
			delete(b.clients, c)
		}
	}
}

// ServeHTTP upgrades the request and streams events to it.
func (b *Broadcaster) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := b.upgrader.Upgrade(w, r, nil)
	if err != nil {
		b.logger.Warn("websocket upgrade failed", zap.String("remote_addr", r.RemoteAddr), zap.Error(err))
		return
	}

	c := &client{conn: conn, send: make(chan []byte, b.config.SendBuffer)}
	if b.initial != nil {
		if data, err := json.Marshal(NewEvent(EventInitial, b.initial())); err == nil {
			c.send <- data
		}
	}

	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		conn.Close()
		return
	}
	b.clients[c] = struct{}{}
	count := len(b.clients)
	b.mu.Unlock()
	b.logger.Debug("event client connected", zap.String("remote_addr", r.RemoteAddr), zap.Int("clients", count))

	go b.writePump(c)
	go b.readPump(c)
}

func (b *Broadcaster) remove(c *client) {
	b.mu.Lock()
	if _, ok := b.clients[c]; ok {
		delete(b.clients, c)
		c.close()
	}
	b.mu.Unlock()
}

func (b *Broadcaster) pingAll() {
	b.mu.RLock()
	defer b.mu.RUnlock()
	deadline := time.Now().Add(b.config.WriteWait)
	for c := range b.clients {
		if err := c.conn.WriteControl(websocket.PingMessage, nil, deadline); err != nil {
			b.logger.Debug("event client ping failed", zap.Error(err))
			go b.remove(c)
		}
	}
}

// readPump keeps the read deadline fresh and notices disconnects.
func (b *Broadcaster) readPump(c *client) {
	defer b.remove(c)

	c.conn.SetReadLimit(b.config.MaxMessageSize)
	c.conn.SetReadDeadline(time.Now().Add(b.config.PongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(b.config.PongWait))
	})
	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				b.logger.Debug("event client closed unexpectedly", zap.Error(err))
			}
			return
		}
	}
}

func (b *Broadcaster) writePump(c *client) {
	defer c.conn.Close()

	for msg := range c.send {
		c.conn.SetWriteDeadline(time.Now().Add(b.config.WriteWait))
		if err := c.conn.WriteMessage(websocket.TextMessage, msg); err != nil {
			b.logger.Debug("event write failed", zap.Error(err))
			return
		}
	}
	c.conn.SetWriteDeadline(time.Now().Add(b.config.WriteWait))
	c.conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseGoingAway, ""))
}
