package server

import (
	"context"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"copilot2api-go/internal/events"
	mw "copilot2api-go/internal/middleware"
	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	log "github.com/sirupsen/logrus"
)

const (
	streamPongWait     = 90 * time.Second
	streamPingEvery    = 30 * time.Second
	streamWriteWait    = 10 * time.Second
	streamClientBuffer = 64
)

// StreamOptions bounds an EventStream. Zero values take defaults.
type StreamOptions struct {
	MaxClients      int
	HistorySize     int
	IdleTimeout     time.Duration
	CleanupInterval time.Duration
}

// EventStream fans hub events out to management websocket clients and keeps
// a short history that new clients receive first.
type EventStream struct {
	opts     StreamOptions
	upgrader websocket.Upgrader

	mu      sync.Mutex
	clients map[*streamClient]struct{}
	history []events.Event

	stopOnce sync.Once
	stopCh   chan struct{}
}

type streamClient struct {
	conn *websocket.Conn
	send chan events.Event
	done chan struct{}
	once sync.Once

	mu           sync.Mutex
	lastActivity time.Time
}

func (c *streamClient) close() {
	c.once.Do(func() {
		close(c.done)
		_ = c.conn.Close()
	})
}

func (c *streamClient) touch() {
	c.mu.Lock()
	c.lastActivity = time.Now()
	c.mu.Unlock()
}

func (c *streamClient) idleSince() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lastActivity
}

// NewEventStream starts the idle-client sweeper.
func NewEventStream(opts StreamOptions) *EventStream {
	if opts.MaxClients <= 0 {
		opts.MaxClients = 100
	}
	if opts.HistorySize <= 0 {
		opts.HistorySize = 200
	}
	if opts.IdleTimeout <= 0 {
		opts.IdleTimeout = 5 * time.Minute
	}
	if opts.CleanupInterval <= 0 {
		opts.CleanupInterval = time.Minute
	}
	es := &EventStream{
		opts:     opts,
		upgrader: websocket.Upgrader{CheckOrigin: sameOrigin},
		clients:  make(map[*streamClient]struct{}),
		stopCh:   make(chan struct{}),
	}
	mw.SafeGo("event-stream-cleanup", es.cleanupLoop)
	return es
}

// sameOrigin accepts non-browser clients and browsers on the serving host.
func sameOrigin(r *http.Request) bool {
	origin := r.Header.Get("Origin")
	if origin == "" {
		return true
	}
	u, err := url.Parse(origin)
	if err != nil {
		return false
	}
	return strings.EqualFold(u.Host, r.Host)
}

// Publish is an events.Handler. Slow clients are dropped instead of
// blocking the publisher.
func (es *EventStream) Publish(_ context.Context, evt events.Event) {
	es.mu.Lock()
	es.history = append(es.history, evt)
	if over := len(es.history) - es.opts.HistorySize; over > 0 {
		es.history = append(es.history[:0], es.history[over:]...)
	}
	var slow []*streamClient
	for c := range es.clients {
		select {
		case c.send <- evt:
		default:
			slow = append(slow, c)
		}
	}
	for _, c := range slow {
		delete(es.clients, c)
	}
	es.mu.Unlock()

	for _, c := range slow {
		log.WithField("component", "event_stream").Warn("dropping slow event stream client")
		c.close()
	}
}

// History returns up to limit of the most recent events.
func (es *EventStream) History(limit int) []events.Event {
	es.mu.Lock()
	defer es.mu.Unlock()
	n := len(es.history)
	if limit <= 0 || limit > n {
		limit = n
	}
	out := make([]events.Event, limit)
	copy(out, es.history[n-limit:])
	return out
}

// ClientCount returns the number of connected clients.
func (es *EventStream) ClientCount() int {
	es.mu.Lock()
	defer es.mu.Unlock()
	return len(es.clients)
}

// Serve upgrades the request and streams events until the client leaves.
// ?history=N replays the last N events first (default 50, 0 disables).
func (es *EventStream) Serve(c *gin.Context) {
	replay := 50
	if v := c.Query("history"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n >= 0 {
			replay = n
		}
	}
	conn, err := es.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		return
	}

	client := &streamClient{
		conn:         conn,
		send:         make(chan events.Event, streamClientBuffer),
		done:         make(chan struct{}),
		lastActivity: time.Now(),
	}
	es.mu.Lock()
	if len(es.clients) >= es.opts.MaxClients {
		es.mu.Unlock()
		_ = conn.WriteJSON(map[string]string{"error": "maximum connections reached"})
		_ = conn.Close()
		return
	}
	var backlog []events.Event
	if replay > 0 {
		start := len(es.history) - replay
		if start < 0 {
			start = 0
		}
		backlog = append(backlog, es.history[start:]...)
	}
	es.clients[client] = struct{}{}
	es.mu.Unlock()

	mw.SafeGo("event-stream-writer", func() { es.writeLoop(client, backlog) })
	es.readLoop(client)
	es.remove(client)
}

func (es *EventStream) writeLoop(c *streamClient, backlog []events.Event) {
	ticker := time.NewTicker(streamPingEvery)
	defer ticker.Stop()
	defer c.close()

	write := func(evt events.Event) bool {
		_ = c.conn.SetWriteDeadline(time.Now().Add(streamWriteWait))
		return c.conn.WriteJSON(evt) == nil
	}
	for _, evt := range backlog {
		if !write(evt) {
			return
		}
	}
	for {
		select {
		case evt := <-c.send:
			if !write(evt) {
				return
			}
		case <-ticker.C:
			if err := c.conn.WriteControl(websocket.PingMessage, []byte("ping"), time.Now().Add(streamWriteWait)); err != nil {
				return
			}
		case <-c.done:
			return
		}
	}
}

// readLoop discards client frames; it only keeps deadlines and activity fresh.
func (es *EventStream) readLoop(c *streamClient) {
	_ = c.conn.SetReadDeadline(time.Now().Add(streamPongWait))
	c.conn.SetPongHandler(func(string) error {
		c.touch()
		return c.conn.SetReadDeadline(time.Now().Add(streamPongWait))
	})
	for {
		if _, _, err := c.conn.NextReader(); err != nil {
			return
		}
		c.touch()
	}
}

func (es *EventStream) remove(c *streamClient) {
	es.mu.Lock()
	delete(es.clients, c)
	es.mu.Unlock()
	c.close()
}

func (es *EventStream) cleanupLoop() {
	ticker := time.NewTicker(es.opts.CleanupInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			es.dropIdle(time.Now())
		case <-es.stopCh:
			return
		}
	}
}

func (es *EventStream) dropIdle(now time.Time) {
	es.mu.Lock()
	var idle []*streamClient
	for c := range es.clients {
		if now.Sub(c.idleSince()) > es.opts.IdleTimeout {
			idle = append(idle, c)
			delete(es.clients, c)
		}
	}
	es.mu.Unlock()
	for _, c := range idle {
		c.close()
	}
	if len(idle) > 0 {
		log.WithFields(log.Fields{"component": "event_stream", "dropped": len(idle)}).Info("dropped idle event stream clients")
	}
}

// Close stops the sweeper and disconnects every client.
func (es *EventStream) Close() {
	es.stopOnce.Do(func() { close(es.stopCh) })
	es.mu.Lock()
	clients := make([]*streamClient, 0, len(es.clients))
	for c := range es.clients {
		clients = append(clients, c)
	}
	es.clients = make(map[*streamClient]struct{})
	es.mu.Unlock()
	for _, c := range clients {
		c.close()
	}
}
