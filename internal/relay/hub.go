// Package relay is the push endpoint of the reference backend: it keeps the
// websocket connection of every signed-in user, persists messages sent over
// the channel and fans out messages, presence and typing frames.
package relay

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/4xmen/storechat/internal/db"
	"github.com/4xmen/storechat/internal/directory"
	"github.com/4xmen/storechat/internal/models"
	"github.com/4xmen/storechat/internal/obs"
	"github.com/4xmen/storechat/internal/protocol"
	"github.com/4xmen/storechat/pkg/i18n"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	maxFrameSize   = 64 << 10
	maxContentSize = 4000
	sendBuffer     = 256
)

// Store is the persistence the hub needs.
type Store interface {
	InsertMessage(ctx context.Context, msg models.Message) error
	GetUser(ctx context.Context, id string) (db.User, error)
	SetLastSeen(ctx context.Context, userID string, at time.Time) error
	LastSeen(ctx context.Context, userID string) (time.Time, bool, error)
}

// Notifier alerts receivers that are not connected.
type Notifier interface {
	NotifyNewMessage(ctx context.Context, receiverID, senderID, senderName, preview string)
}

type Options struct {
	Store    Store
	Notifier Notifier
	// Locale of notification previews.
	Locale string
	Logger *slog.Logger
	Now    func() time.Time
}

type Hub struct {
	opts Options
	log  *slog.Logger

	mu      sync.RWMutex
	clients map[string]map[*Client]struct{}

	register   chan *Client
	unregister chan *Client
	broadcast  chan delivery
	done       chan struct{}
	stopOnce   sync.Once
}

type Client struct {
	hub    *Hub
	userID string
	conn   *websocket.Conn
	send   chan []byte
}

// delivery is one encoded frame for every connection of the listed users.
type delivery struct {
	to   []string
	data []byte
}

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		// CORS middleware guards the REST routes; the socket requires a token
		return true
	},
}

func NewHub(opts Options) *Hub {
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &Hub{
		opts:       opts,
		log:        obs.Or(opts.Logger).With("component", "relay"),
		clients:    make(map[string]map[*Client]struct{}),
		register:   make(chan *Client),
		unregister: make(chan *Client),
		broadcast:  make(chan delivery, 256),
		done:       make(chan struct{}),
	}
}

// IsUserOnline reports whether userID has at least one open connection.
func (h *Hub) IsUserOnline(userID string) bool {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients[userID]) > 0
}

func (h *Hub) OnlineCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// Run serves registrations and fan-out until ctx is done, then closes every
// connection.
func (h *Hub) Run(ctx context.Context) {
	defer h.shutdown()
	for {
		select {
		case <-ctx.Done():
			return

		case client := <-h.register:
			h.mu.Lock()
			conns, ok := h.clients[client.userID]
			if !ok {
				conns = make(map[*Client]struct{})
				h.clients[client.userID] = conns
			}
			conns[client] = struct{}{}
			first := len(conns) == 1
			total := len(h.clients)
			h.mu.Unlock()
			h.log.Info("user connected", "user_id", client.userID, "online", total)
			if first {
				h.broadcastPresence(client.userID, true, nil)
			}

		case client := <-h.unregister:
			h.mu.Lock()
			last := false
			if conns, ok := h.clients[client.userID]; ok {
				if _, ok := conns[client]; ok {
					delete(conns, client)
					close(client.send)
				}
				if len(conns) == 0 {
					delete(h.clients, client.userID)
					last = true
				}
			}
			total := len(h.clients)
			h.mu.Unlock()
			h.log.Info("user disconnected", "user_id", client.userID, "online", total)
			if last {
				seen := h.opts.Now().UTC()
				if err := h.opts.Store.SetLastSeen(ctx, client.userID, seen); err != nil {
					h.log.Warn("failed to store last seen", "user_id", client.userID, "error", err)
				}
				h.broadcastPresence(client.userID, false, &seen)
			}

		case d := <-h.broadcast:
			h.fanOut(d)
		}
	}
}

func (h *Hub) shutdown() {
	h.stopOnce.Do(func() { close(h.done) })
	h.mu.Lock()
	defer h.mu.Unlock()
	for _, conns := range h.clients {
		for c := range conns {
			c.conn.Close()
		}
	}
}

func (h *Hub) fanOut(d delivery) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	for _, userID := range d.to {
		for c := range h.clients[userID] {
			select {
			case c.send <- d.data:
			default:
				h.log.Warn("send buffer full", "user_id", userID)
			}
		}
	}
}

func (h *Hub) enqueue(d delivery) {
	select {
	case h.broadcast <- d:
	case <-h.done:
	}
}

// reply writes f to one connection only.
func (h *Hub) reply(c *Client, f protocol.Frame) {
	data, err := protocol.Encode(f)
	if err != nil {
		h.log.Error("failed to encode frame", "type", f.Type, "error", err)
		return
	}
	h.mu.RLock()
	defer h.mu.RUnlock()
	if _, ok := h.clients[c.userID][c]; !ok {
		return
	}
	select {
	case c.send <- data:
	default:
		h.log.Warn("send buffer full", "user_id", c.userID)
	}
}

// broadcastPresence tells every other connected user about userID.
func (h *Hub) broadcastPresence(userID string, online bool, lastSeen *time.Time) {
	data, err := protocol.Encode(protocol.Frame{
		Type:     protocol.TypeUserStatusChanged,
		UserID:   userID,
		IsOnline: protocol.Bool(online),
		LastSeen: lastSeen,
	})
	if err != nil {
		return
	}
	h.mu.RLock()
	to := make([]string, 0, len(h.clients))
	for id := range h.clients {
		if id != userID {
			to = append(to, id)
		}
	}
	h.mu.RUnlock()
	h.fanOut(delivery{to: to, data: data})
}

// Deliver pushes a stored message to both parties and notifies the receiver
// when they are offline.
func (h *Hub) Deliver(ctx context.Context, msg models.Message) {
	data, err := protocol.Encode(protocol.MessageFrame(msg))
	if err != nil {
		h.log.Error("failed to encode message", "message_id", msg.ID, "error", err)
		return
	}
	h.enqueue(delivery{to: []string{msg.ReceiverID, msg.SenderID}, data: data})

	if h.opts.Notifier == nil || h.IsUserOnline(msg.ReceiverID) {
		return
	}
	name := msg.SenderID
	if sender, err := h.opts.Store.GetUser(ctx, msg.SenderID); err == nil {
		name = sender.Name()
	}
	h.opts.Notifier.NotifyNewMessage(ctx, msg.ReceiverID, msg.SenderID, name, directory.Preview(msg, h.opts.Locale))
}

// HandleWebSocket upgrades an authenticated request. The auth middleware
// must have set user_id.
func (h *Hub) HandleWebSocket(c *gin.Context) {
	userID := c.GetString("user_id")
	if userID == "" {
		c.JSON(http.StatusUnauthorized, gin.H{"error": i18n.Lookup(h.opts.Locale, "unauthorized")})
		return
	}

	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		// Upgrade has already answered the request
		h.log.Warn("websocket upgrade failed", "user_id", userID, "error", err)
		return
	}

	client := &Client{
		hub:    h,
		userID: userID,
		conn:   conn,
		send:   make(chan []byte, sendBuffer),
	}

	select {
	case h.register <- client:
	case <-h.done:
		conn.Close()
		return
	}

	go client.writePump()
	go client.readPump()
}

func (c *Client) readPump() {
	defer func() {
		select {
		case c.hub.unregister <- c:
		case <-c.hub.done:
		}
		c.conn.Close()
	}()

	c.conn.SetReadLimit(maxFrameSize)
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				c.hub.log.Warn("websocket error", "user_id", c.userID, "error", err)
			}
			return
		}

		f, err := protocol.Decode(data)
		if err != nil {
			c.hub.log.Debug("dropping undecodable frame", "user_id", c.userID, "error", err)
			continue
		}

		switch f.Type {
		case protocol.TypeSendMessage:
			c.handleSendMessage(f)
		case protocol.TypeStartTyping, protocol.TypeStopTyping:
			c.handleTyping(f)
		case protocol.TypeCheckOnlineStatus:
			c.handleCheckOnlineStatus(f)
		default:
			c.hub.reply(c, protocol.Frame{Type: protocol.TypeError, RequestID: f.RequestID, Error: "unknown frame type " + f.Type})
		}
	}
}

func (c *Client) handleSendMessage(f protocol.Frame) {
	ctx := context.Background()
	nack := func(reason string) {
		c.hub.reply(c, protocol.Frame{Type: protocol.TypeAck, RequestID: f.RequestID, Error: i18n.Lookup(c.hub.opts.Locale, reason)})
	}

	content := strings.TrimSpace(f.Content)
	switch {
	case content == "":
		nack("message content is required")
		return
	case len(content) > maxContentSize:
		nack("message too long")
		return
	case f.ReceiverID == "":
		nack("invalid receiver_id")
		return
	case f.ReceiverID == c.userID:
		nack("cannot message yourself")
		return
	}
	if _, err := c.hub.opts.Store.GetUser(ctx, f.ReceiverID); err != nil {
		if errors.Is(err, db.ErrNotFound) {
			nack("invalid receiver_id")
			return
		}
		c.hub.log.Error("failed to look up receiver", "receiver_id", f.ReceiverID, "error", err)
		nack("failed to create message")
		return
	}

	msg := models.Message{
		Envelope: models.Envelope{
			ID:         uuid.NewString(),
			ClientID:   f.ClientMsgID,
			SenderID:   c.userID,
			ReceiverID: f.ReceiverID,
			SentAt:     c.hub.opts.Now().UTC(),
			Delivery:   models.DeliveryConfirmed,
		},
		Payload: models.Text{Content: content},
	}
	if err := c.hub.opts.Store.InsertMessage(ctx, msg); err != nil {
		c.hub.log.Error("failed to save message", "sender_id", c.userID, "error", err)
		nack("failed to create message")
		return
	}

	sentAt := msg.SentAt
	c.hub.reply(c, protocol.Frame{
		Type:      protocol.TypeAck,
		RequestID: f.RequestID,
		OK:        true,
		MessageID: msg.ID,
		SentAt:    &sentAt,
	})
	c.hub.Deliver(ctx, msg)
}

func (c *Client) handleTyping(f protocol.Frame) {
	if f.ReceiverID == "" || f.ReceiverID == c.userID {
		return
	}
	data, err := protocol.Encode(protocol.Frame{
		Type:     protocol.TypeUserTyping,
		UserID:   c.userID,
		IsTyping: protocol.Bool(f.Type == protocol.TypeStartTyping),
	})
	if err != nil {
		return
	}
	c.hub.enqueue(delivery{to: []string{f.ReceiverID}, data: data})
}

func (c *Client) handleCheckOnlineStatus(f protocol.Frame) {
	if f.UserID == "" {
		return
	}
	resp := protocol.Frame{Type: protocol.TypeUserStatusChanged, UserID: f.UserID, IsOnline: protocol.Bool(false)}
	if c.hub.IsUserOnline(f.UserID) {
		resp.IsOnline = protocol.Bool(true)
	} else if seen, ok, err := c.hub.opts.Store.LastSeen(context.Background(), f.UserID); err == nil && ok {
		resp.LastSeen = &seen
	}
	c.hub.reply(c, resp)
}

func (c *Client) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case data, ok := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, data); err != nil {
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
