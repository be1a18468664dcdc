// Package display is the WebSocket transport between the bridge, the single
// display client that renders media, and any number of mirroring senders.
package display

import (
	"context"
	"errors"
	"net/http"
	"sync"
	"time"

	"github.com/bytedance/sonic"
	"github.com/gorilla/websocket"
	"github.com/pion/logging"
)

const (
	defaultReadLimit    = 64 * 1024
	defaultPingInterval = 30 * time.Second
	defaultWriteTimeout = 10 * time.Second
	upgradeReadBuffer   = 1024
	upgradeWriteBuffer  = 1024
)

// ErrHubClosed is returned by Accept after the hub shut down.
var ErrHubClosed = errors.New("display: hub is closed")

// Options configures a Hub instance.
type Options struct {
	// ReadLimit caps inbound frame size. Defaults to 64 KiB.
	ReadLimit int64
	// PingInterval is the heartbeat sweep period. A client that has not
	// answered the previous ping by the next sweep is terminated.
	PingInterval time.Duration
	// WriteTimeout bounds every outbound write.
	WriteTimeout time.Duration
	Upgrader      *websocket.Upgrader
	LoggerFactory logging.LoggerFactory
}

// Hub owns the display slot and the sender map. Every new connection
// provisionally takes the display slot, displacing the previous holder; a
// sender-hello message reclassifies the connection into the sender map.
type Hub struct {
	mu      sync.RWMutex
	clients map[*client]struct{}
	display *client
	senders map[string]*client
	closed  bool

	onDisplay []func(Message)
	onSender  []func(sessionID string, msg Message)

	upgrader     websocket.Upgrader
	log          logging.LeveledLogger
	readLimit    int64
	pingInterval time.Duration
	writeTimeout time.Duration

	done chan struct{}
	once sync.Once
}

type client struct {
	hub    *Hub
	conn   *websocket.Conn
	send   chan []byte
	ctx    context.Context
	cancel context.CancelFunc

	// senderID and alive are guarded by hub.mu.
	senderID string
	alive    bool
}

// NewHub builds a Hub with the provided options.
func NewHub(opts Options) *Hub {
	upgrader := websocket.Upgrader{
		ReadBufferSize:  upgradeReadBuffer,
		WriteBufferSize: upgradeWriteBuffer,
		CheckOrigin: func(r *http.Request) bool {
			return true
		},
	}
	if opts.Upgrader != nil {
		upgrader = *opts.Upgrader
	}
	if opts.ReadLimit <= 0 {
		opts.ReadLimit = defaultReadLimit
	}
	if opts.PingInterval <= 0 {
		opts.PingInterval = defaultPingInterval
	}
	if opts.WriteTimeout <= 0 {
		opts.WriteTimeout = defaultWriteTimeout
	}
	if opts.LoggerFactory == nil {
		opts.LoggerFactory = logging.NewDefaultLoggerFactory()
	}

	return &Hub{
		clients:      make(map[*client]struct{}),
		senders:      make(map[string]*client),
		upgrader:     upgrader,
		log:          opts.LoggerFactory.NewLogger("display"),
		readLimit:    opts.ReadLimit,
		pingInterval: opts.PingInterval,
		writeTimeout: opts.WriteTimeout,
		done:         make(chan struct{}),
	}
}

// OnDisplayMessage registers a handler for frames sent by the display client.
// Register before Start.
func (h *Hub) OnDisplayMessage(fn func(Message)) {
	h.mu.Lock()
	h.onDisplay = append(h.onDisplay, fn)
	h.mu.Unlock()
}

// OnSenderMessage registers a handler for frames sent by classified senders.
func (h *Hub) OnSenderMessage(fn func(sessionID string, msg Message)) {
	h.mu.Lock()
	h.onSender = append(h.onSender, fn)
	h.mu.Unlock()
}

// Start launches the heartbeat sweeper.
func (h *Hub) Start() {
	go h.run()
}

// Close stops the sweeper and closes every connection with a normal close.
func (h *Hub) Close() error {
	h.once.Do(func() { close(h.done) })

	h.mu.Lock()
	h.closed = true
	clients := make([]*client, 0, len(h.clients))
	for c := range h.clients {
		clients = append(clients, c)
	}
	h.mu.Unlock()

	for _, c := range clients {
		c.closeNormal("server shutting down")
	}
	return nil
}

// HTTPHandler upgrades HTTP connections and registers them with the Hub.
func (h *Hub) HTTPHandler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := h.upgrader.Upgrade(w, r, nil)
		if err != nil {
			h.log.Warnf("upgrade error: %v", err)
			return
		}
		if err := h.Accept(conn); err != nil {
			h.log.Warnf("accept error: %v", err)
			conn.Close()
		}
	})
}

// Accept registers an already-upgraded WebSocket connection. The connection
// holds the display slot until it identifies itself as a sender.
func (h *Hub) Accept(conn *websocket.Conn) error {
	ctx, cancel := context.WithCancel(context.Background())
	c := &client{
		hub:    h,
		conn:   conn,
		send:   make(chan []byte, 32),
		ctx:    ctx,
		cancel: cancel,
		alive:  true,
	}

	displaced, err := h.register(c)
	if err != nil {
		cancel()
		return err
	}
	if displaced != nil {
		h.log.Infof("display slot taken over by %s", conn.RemoteAddr())
		displaced.closeNormal("display displaced")
	} else {
		h.log.Infof("display connected from %s", conn.RemoteAddr())
	}

	go c.writePump()
	go c.readPump()
	return nil
}

func (h *Hub) register(c *client) (displaced *client, err error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return nil, ErrHubClosed
	}
	h.clients[c] = struct{}{}
	displaced = h.display
	h.display = c
	return displaced, nil
}

func (h *Hub) unregister(c *client) {
	h.mu.Lock()
	delete(h.clients, c)
	if h.display == c {
		h.display = nil
	}
	if c.senderID != "" && h.senders[c.senderID] == c {
		delete(h.senders, c.senderID)
	}
	h.mu.Unlock()

	if c.senderID != "" {
		h.log.Debugf("sender %s disconnected", c.senderID)
	} else {
		h.log.Debugf("display client disconnected")
	}
}

// SendCommand serializes cmd and writes it to the current display. With no
// display connected the command is dropped; command loss is preferred over
// blocking or erroring.
func (h *Hub) SendCommand(cmd interface{}) {
	data, err := sonic.Marshal(cmd)
	if err != nil {
		h.log.Errorf("marshal command: %v", err)
		return
	}

	h.mu.RLock()
	target := h.display
	h.mu.RUnlock()
	if target == nil {
		h.log.Debugf("no display connected, dropping command %s", data)
		return
	}

	select {
	case target.send <- data:
	default:
		h.log.Warnf("display send buffer full, dropping command")
	}
}

func (h *Hub) route(c *client, msg Message) {
	if msg.Type == "sender-hello" {
		h.reclassify(c, msg.SessionID)
		return
	}

	h.mu.RLock()
	senderID := c.senderID
	isDisplay := h.display == c
	displayHandlers := h.onDisplay
	senderHandlers := h.onSender
	h.mu.RUnlock()

	switch {
	case senderID != "":
		for _, fn := range senderHandlers {
			fn(senderID, msg)
		}
	case isDisplay:
		for _, fn := range displayHandlers {
			fn(msg)
		}
	default:
		h.log.Debugf("dropping %q from unclassified connection", msg.Type)
	}
}

// reclassify moves a provisional display connection into the sender map.
func (h *Hub) reclassify(c *client, sessionID string) {
	if sessionID == "" {
		h.log.Warnf("sender-hello without sessionId ignored")
		return
	}

	h.mu.Lock()
	if h.display == c {
		h.display = nil
	}
	if prev, ok := h.senders[sessionID]; ok && prev != c {
		h.log.Warnf("sender %s reconnected, replacing previous socket", sessionID)
	}
	c.senderID = sessionID
	h.senders[sessionID] = c
	h.mu.Unlock()

	h.log.Infof("classified sender %s", sessionID)
}

func (h *Hub) markAlive(c *client) {
	h.mu.Lock()
	c.alive = true
	h.mu.Unlock()
}

func (h *Hub) run() {
	ticker := time.NewTicker(h.pingInterval)
	defer ticker.Stop()
	for {
		select {
		case <-h.done:
			return
		case <-ticker.C:
			h.sweep()
		}
	}
}

// sweep kills connections that missed the previous ping, then pings the rest.
func (h *Hub) sweep() {
	var stale, live []*client
	h.mu.Lock()
	for c := range h.clients {
		if !c.alive {
			stale = append(stale, c)
			continue
		}
		c.alive = false
		live = append(live, c)
	}
	h.mu.Unlock()

	for _, c := range stale {
		h.log.Warnf("terminating unresponsive client %s", c.conn.RemoteAddr())
		c.kill()
	}
	for _, c := range live {
		deadline := time.Now().Add(h.writeTimeout)
		if err := c.conn.WriteControl(websocket.PingMessage, nil, deadline); err != nil {
			c.kill()
		}
	}
}

func (c *client) readPump() {
	defer func() {
		c.hub.unregister(c)
		c.conn.Close()
		c.cancel()
	}()

	c.conn.SetReadLimit(c.hub.readLimit)
	c.conn.SetPongHandler(func(string) error {
		c.hub.markAlive(c)
		return nil
	})

	for {
		select {
		case <-c.ctx.Done():
			return
		default:
		}
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				return
			}
			if !errors.Is(err, websocket.ErrCloseSent) {
				c.hub.log.Debugf("read error: %v", err)
			}
			return
		}

		var msg Message
		if err := sonic.Unmarshal(data, &msg); err != nil {
			c.hub.log.Debugf("bad payload: %v", err)
			continue
		}
		msg.Raw = data
		c.hub.route(c, msg)
	}
}

func (c *client) writePump() {
	defer c.conn.Close()
	for {
		select {
		case <-c.ctx.Done():
			return
		case msg := <-c.send:
			_ = c.conn.SetWriteDeadline(time.Now().Add(c.hub.writeTimeout))
			if err := c.conn.WriteMessage(websocket.TextMessage, msg); err != nil {
				return
			}
		}
	}
}

// closeNormal sends a normal close frame, then tears the connection down.
func (c *client) closeNormal(reason string) {
	msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, reason)
	_ = c.conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(c.hub.writeTimeout))
	c.kill()
}

func (c *client) kill() {
	c.cancel()
	_ = c.conn.Close()
}
