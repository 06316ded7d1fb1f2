// Package bridge runs the extension side of the daemon: the websocket hub
// the browser extension connects to, the tracker pairing command requests
// with their results, and a driver implementation that issues browser calls
// over the socket.
package bridge

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/marcus-qen/tabwarden/internal/metrics"
	"github.com/marcus-qen/tabwarden/internal/protocol"
)

// ErrNotConnected marks sends attempted with no extension on the socket.
var ErrNotConnected = errors.New("extension not connected")

var upgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	// CheckOrigin allows all origins — the extension connects from a
	// browser origin. Authentication is handled before upgrade via the
	// pairing token.
	CheckOrigin: func(r *http.Request) bool { return true },
}

// Authenticator validates a pairing token during the handshake, before
// the connection is upgraded.
type Authenticator func(token string) bool

// client is one connected extension.
type client struct {
	conn      *websocket.Conn
	connected time.Time

	mu       sync.Mutex // serializes writes and guards the fields below
	browser  string
	version  string
	lastSeen time.Time
}

// Hub owns the extension connection. One browser at a time: a second
// connection replaces the first.
type Hub struct {
	logger        *zap.Logger
	onMsg         func(env protocol.Envelope)
	serverVersion string

	mu            sync.RWMutex
	client        *client
	authenticator Authenticator // nil = no auth (testing only)
	onConnect     func()
	onDisconnect  func()
}

// NewHub creates a new Hub.
func NewHub(logger *zap.Logger, onMsg func(protocol.Envelope)) *Hub {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Hub{logger: logger, onMsg: onMsg}
}

// SetAuthenticator installs a callback that validates the pairing token
// during the WebSocket handshake, before the connection is upgraded.
func (h *Hub) SetAuthenticator(auth Authenticator) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.authenticator = auth
}

// SetLifecycleHooks installs optional callbacks for connect/disconnect transitions.
func (h *Hub) SetLifecycleHooks(onConnect, onDisconnect func()) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.onConnect = onConnect
	h.onDisconnect = onDisconnect
}

// SetServerVersion sets the version reported in hello acks.
func (h *Hub) SetServerVersion(v string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.serverVersion = v
}

// HandleWS is the HTTP handler for the extension's WebSocket connection.
// Browser WebSocket clients cannot set request headers, so the pairing
// token rides the query string; an Authorization bearer also works for
// non-browser clients.
func (h *Hub) HandleWS(w http.ResponseWriter, r *http.Request) {
	h.mu.RLock()
	auth := h.authenticator
	h.mu.RUnlock()

	if auth != nil {
		token := r.URL.Query().Get("token")
		if token == "" {
			token = extractBearerToken(r)
		}
		if token == "" {
			http.Error(w, `{"error":"missing pairing token"}`, http.StatusUnauthorized)
			h.logger.Warn("extension connection rejected: no token",
				zap.String("remote_addr", r.RemoteAddr),
			)
			return
		}
		if !auth(token) {
			http.Error(w, `{"error":"invalid pairing token"}`, http.StatusForbidden)
			h.logger.Warn("extension connection rejected: invalid token",
				zap.String("remote_addr", r.RemoteAddr),
			)
			return
		}
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Error("upgrade failed", zap.Error(err))
		return
	}

	now := time.Now().UTC()
	c := &client{conn: conn, connected: now, lastSeen: now}

	h.mu.Lock()
	// Close the previous connection if any
	if existing := h.client; existing != nil {
		existing.conn.Close()
	}
	h.client = c
	onConnect := h.onConnect
	h.mu.Unlock()

	metrics.SetBridgeConnections(1)
	h.logger.Info("extension connected", zap.String("remote_addr", r.RemoteAddr))
	if onConnect != nil {
		onConnect()
	}

	defer func() {
		conn.Close()
		h.mu.Lock()
		replaced := h.client != c
		if !replaced {
			h.client = nil
		}
		onDisconnect := h.onDisconnect
		h.mu.Unlock()
		if replaced {
			return
		}
		metrics.SetBridgeConnections(0)
		h.logger.Info("extension disconnected")
		if onDisconnect != nil {
			onDisconnect()
		}
	}()

	// Set up ping/pong keepalive
	conn.SetPongHandler(func(string) error {
		c.mu.Lock()
		c.lastSeen = time.Now().UTC()
		c.mu.Unlock()
		return conn.SetReadDeadline(time.Now().Add(90 * time.Second))
	})
	_ = conn.SetReadDeadline(time.Now().Add(90 * time.Second))

	// Server-side ping loop
	go func() {
		ticker := time.NewTicker(30 * time.Second)
		defer ticker.Stop()
		for range ticker.C {
			c.mu.Lock()
			err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(10*time.Second))
			c.mu.Unlock()
			if err != nil {
				return
			}
		}
	}()

	// Read loop
	for {
		_, msg, err := conn.ReadMessage()
		if err != nil {
			break
		}

		var env protocol.Envelope
		if err := json.Unmarshal(msg, &env); err != nil {
			h.logger.Warn("invalid message from extension", zap.Error(err))
			continue
		}

		c.mu.Lock()
		c.lastSeen = time.Now().UTC()
		c.mu.Unlock()

		if env.Type == protocol.MsgHello {
			if !h.handleHello(c, env) {
				return
			}
			continue
		}

		if h.onMsg != nil {
			h.onMsg(env)
		}
	}
}

// handleHello records the peer's identity and acks the session. A protocol
// version mismatch is fatal for the connection.
func (h *Hub) handleHello(c *client, env protocol.Envelope) bool {
	data, _ := json.Marshal(env.Payload)
	var hello protocol.HelloPayload
	if err := json.Unmarshal(data, &hello); err != nil {
		h.logger.Warn("bad hello payload", zap.Error(err))
		return true
	}

	if hello.Protocol != protocol.Version {
		h.logger.Warn("extension speaks an unsupported protocol version",
			zap.Int("theirs", hello.Protocol),
			zap.Int("ours", protocol.Version),
		)
		_ = h.sendTo(c, protocol.MsgError, protocol.ErrorPayload{
			Message: fmt.Sprintf("unsupported protocol version %d", hello.Protocol),
		})
		return false
	}

	c.mu.Lock()
	c.browser = hello.Browser
	c.version = hello.Extension
	c.mu.Unlock()

	h.mu.RLock()
	serverVersion := h.serverVersion
	h.mu.RUnlock()

	h.logger.Info("extension session opened",
		zap.String("browser", hello.Browser),
		zap.String("extension_version", hello.Extension),
	)
	if err := h.sendTo(c, protocol.MsgHelloAck, protocol.HelloAckPayload{
		Protocol:      protocol.Version,
		ServerVersion: serverVersion,
	}); err != nil {
		h.logger.Warn("hello ack failed", zap.Error(err))
	}
	return true
}

// SendCommand sends a command to the connected extension.
func (h *Hub) SendCommand(cmd protocol.CommandPayload) error {
	return h.Send(protocol.MsgCommand, cmd)
}

// Send delivers one message to the connected extension.
func (h *Hub) Send(msgType protocol.MessageType, payload any) error {
	h.mu.RLock()
	c := h.client
	h.mu.RUnlock()

	if c == nil {
		return ErrNotConnected
	}
	return h.sendTo(c, msgType, payload)
}

func (h *Hub) sendTo(c *client, msgType protocol.MessageType, payload any) error {
	env := protocol.Envelope{
		ID:        uuid.New().String(),
		Type:      msgType,
		Timestamp: time.Now().UTC(),
		Payload:   payload,
	}

	data, err := json.Marshal(env)
	if err != nil {
		return fmt.Errorf("marshal: %w", err)
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	return c.conn.WriteMessage(websocket.TextMessage, data)
}

// Connected reports whether an extension is on the socket.
func (h *Hub) Connected() bool {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.client != nil
}

// Info describes the connected extension.
type Info struct {
	Browser   string    `json:"browser"`
	Version   string    `json:"version"`
	Connected time.Time `json:"connected"`
	LastSeen  time.Time `json:"last_seen"`
	Online    bool      `json:"online"`
}

// ClientInfo returns info about the connected extension, nil without one.
func (h *Hub) ClientInfo() *Info {
	h.mu.RLock()
	c := h.client
	h.mu.RUnlock()

	if c == nil {
		return nil
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	return &Info{
		Browser:   c.browser,
		Version:   c.version,
		Connected: c.connected,
		LastSeen:  c.lastSeen,
		Online:    time.Now().UTC().Sub(c.lastSeen) < 60*time.Second,
	}
}

// extractBearerToken pulls the token from "Authorization: Bearer <token>" header.
func extractBearerToken(r *http.Request) string {
	auth := r.Header.Get("Authorization")
	if auth == "" {
		return ""
	}
	const prefix = "Bearer "
	if len(auth) > len(prefix) && auth[:len(prefix)] == prefix {
		return auth[len(prefix):]
	}
	return ""
}
