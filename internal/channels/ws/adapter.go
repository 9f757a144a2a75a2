// Package ws implements the embeddable WebSocket chat widget channel.
//
// Unlike the platform adapters that call out to a third-party API (Telegram,
// Discord, Zalo, ...), the web channel is the server side of the connection:
// browser widgets dial in, and the adapter upgrades the HTTP request and
// pumps models.Message values in both directions over the socket.
package ws

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/danielsimonjr/nexus-core/internal/channels"
	"github.com/danielsimonjr/nexus-core/internal/hooks"
	"github.com/danielsimonjr/nexus-core/pkg/models"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingInterval   = (pongWait * 9) / 10
	maxFrameBytes  = 1 << 16
	inboundBufSize = 100
)

// Config configures the web chat widget adapter.
type Config struct {
	// Path is the HTTP path the widget connects to, used only for logging
	// and health reporting; the caller mounts Adapter on its own mux.
	Path string

	// Hooks, when set, runs BeforeInbound/BeforeOutbound over every frame
	// the widget sends or receives, matching the processing applied to
	// server-initiated messages.
	Hooks *hooks.Engine

	Logger *slog.Logger
}

// clientConn tracks one upgraded widget connection.
type clientConn struct {
	channelID string
	conn      *websocket.Conn
	writeMu   sync.Mutex
}

// Adapter implements channels.FullAdapter for the web chat widget.
type Adapter struct {
	path     string
	hooks    *hooks.Engine
	logger   *slog.Logger
	health   *channels.BaseHealthAdapter
	upgrader websocket.Upgrader

	messages chan *models.Message

	mu      sync.RWMutex
	running bool
	clients map[string]*clientConn
}

// NewAdapter creates a web chat widget adapter. The returned Adapter also
// implements http.Handler and must be mounted by the caller on whatever
// path the widget is configured to dial.
func NewAdapter(cfg Config) *Adapter {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With("adapter", "web")

	return &Adapter{
		path:     cfg.Path,
		hooks:    cfg.Hooks,
		logger:   logger,
		health:   channels.NewBaseHealthAdapter(models.ChannelWeb, logger),
		messages: make(chan *models.Message, inboundBufSize),
		clients:  make(map[string]*clientConn),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			CheckOrigin:     func(*http.Request) bool { return true },
		},
	}
}

// Type returns the channel type.
func (a *Adapter) Type() models.ChannelType {
	return models.ChannelWeb
}

// Start marks the adapter ready to accept upgrades; the actual HTTP
// listener is owned by the caller that mounted Adapter on its mux.
func (a *Adapter) Start(ctx context.Context) error {
	a.mu.Lock()
	a.running = true
	a.mu.Unlock()
	a.health.SetStatus(true, "")
	return nil
}

// Stop closes every open widget connection.
func (a *Adapter) Stop(ctx context.Context) error {
	a.mu.Lock()
	a.running = false
	clients := make([]*clientConn, 0, len(a.clients))
	for id, c := range a.clients {
		clients = append(clients, c)
		delete(a.clients, id)
	}
	a.mu.Unlock()

	for _, c := range clients {
		_ = c.conn.Close()
	}
	a.health.SetStatus(false, "")
	return nil
}

// Messages returns the channel of inbound widget messages.
func (a *Adapter) Messages() <-chan *models.Message {
	return a.messages
}

// Send writes an outbound message to the widget connection identified by
// msg.ChannelID.
func (a *Adapter) Send(ctx context.Context, msg *models.Message) error {
	if msg == nil {
		return errors.New("ws: message is nil")
	}
	a.mu.RLock()
	client, ok := a.clients[msg.ChannelID]
	a.mu.RUnlock()
	if !ok {
		err := &channels.Error{Code: channels.ErrCodeNotFound, Message: "no open connection for channel id"}
		a.health.RecordMessageFailed()
		a.health.RecordError(channels.ErrCodeNotFound)
		return err
	}

	content := msg.Content
	if a.hooks != nil {
		result, err := a.hooks.RunBeforeOutbound(ctx, content)
		if err != nil {
			a.logger.Warn("before-outbound hook failed", "error", err)
		} else if !result.Allow {
			a.health.RecordMessageFailed()
			return &channels.Error{Code: channels.ErrCodeInvalidInput, Message: "blocked by hook: " + result.BlockReason}
		} else if result.ModifiedContent != nil {
			content = *result.ModifiedContent
		}
	}

	start := time.Now()
	frame := wireMessage{
		ID:        msg.ID,
		Content:   content,
		Role:      string(msg.Role),
		CreatedAt: msg.CreatedAt,
	}
	data, err := json.Marshal(frame)
	if err != nil {
		a.health.RecordMessageFailed()
		return err
	}

	client.writeMu.Lock()
	client.conn.SetWriteDeadline(time.Now().Add(writeWait))
	err = client.conn.WriteMessage(websocket.TextMessage, data)
	client.writeMu.Unlock()
	if err != nil {
		a.health.RecordMessageFailed()
		a.health.RecordError(channels.ErrCodeConnection)
		return err
	}
	a.health.RecordMessageSent()
	a.health.RecordSendLatency(time.Since(start))
	return nil
}

// Status returns the current connection status.
func (a *Adapter) Status() channels.Status {
	return a.health.Status()
}

// HealthCheck reports the health of the adapter.
func (a *Adapter) HealthCheck(ctx context.Context) channels.HealthStatus {
	return a.health.HealthCheck(ctx)
}

// Metrics returns a snapshot of adapter metrics.
func (a *Adapter) Metrics() channels.MetricsSnapshot {
	return a.health.Metrics()
}

// wireMessage is the JSON frame exchanged with the widget.
type wireMessage struct {
	ID        string    `json:"id,omitempty"`
	Content   string    `json:"content"`
	Role      string    `json:"role,omitempty"`
	CreatedAt time.Time `json:"created_at,omitempty"`
}

// ServeHTTP upgrades the request to a WebSocket connection and pumps
// inbound frames into Messages() until the client disconnects.
func (a *Adapter) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := a.upgrader.Upgrade(w, r, nil)
	if err != nil {
		a.logger.Warn("websocket upgrade failed", "error", err)
		return
	}

	channelID := r.URL.Query().Get("session")
	if channelID == "" {
		channelID = uuid.New().String()
	}

	client := &clientConn{channelID: channelID, conn: conn}
	a.mu.Lock()
	a.clients[channelID] = client
	a.mu.Unlock()
	a.health.RecordConnectionOpened()

	defer func() {
		a.mu.Lock()
		delete(a.clients, channelID)
		a.mu.Unlock()
		a.health.RecordConnectionClosed()
		_ = conn.Close()
	}()

	conn.SetReadLimit(maxFrameBytes)
	conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	done := make(chan struct{})
	go a.pingLoop(client, done)
	defer close(done)

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			return
		}
		a.handleInbound(r.Context(), channelID, data)
	}
}

func (a *Adapter) handleInbound(ctx context.Context, channelID string, data []byte) {
	var frame wireMessage
	content := string(data)
	if err := json.Unmarshal(data, &frame); err == nil && frame.Content != "" {
		content = frame.Content
	}

	if a.hooks != nil {
		result, err := a.hooks.RunBeforeInbound(ctx, content, channelID)
		if err != nil {
			a.logger.Warn("before-inbound hook failed", "error", err)
		} else if !result.Allow {
			a.health.RecordMessageFailed()
			return
		} else if result.ModifiedContent != nil {
			content = *result.ModifiedContent
		}
	}

	a.health.RecordMessageReceived()
	msg := &models.Message{
		ID:        uuid.New().String(),
		Channel:   models.ChannelWeb,
		ChannelID: channelID,
		Direction: models.DirectionInbound,
		Role:      models.RoleUser,
		Content:   content,
		CreatedAt: time.Now(),
	}

	select {
	case a.messages <- msg:
	case <-ctx.Done():
	}
}

func (a *Adapter) pingLoop(client *clientConn, done <-chan struct{}) {
	ticker := time.NewTicker(pingInterval)
	defer ticker.Stop()
	for {
		select {
		case <-done:
			return
		case <-ticker.C:
			client.writeMu.Lock()
			client.conn.SetWriteDeadline(time.Now().Add(writeWait))
			err := client.conn.WriteMessage(websocket.PingMessage, nil)
			client.writeMu.Unlock()
			if err != nil {
				return
			}
		}
	}
}

var _ channels.FullAdapter = (*Adapter)(nil)
var _ http.Handler = (*Adapter)(nil)
