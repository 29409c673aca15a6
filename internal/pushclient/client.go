// Package pushclient maintains the authenticated push channel to the chat
// relay and exposes it as typed events plus fire-and-forget commands.
package pushclient

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/4xmen/storechat/internal/models"
	"github.com/4xmen/storechat/internal/obs"
	"github.com/4xmen/storechat/internal/protocol"
)

const (
	writeWait  = 10 * time.Second
	pongWait   = 60 * time.Second
	pingPeriod = (pongWait * 9) / 10

	outboundBuffer = 256
)

var (
	ErrNotConnected = errors.New("push channel not connected")
	ErrSendFailed   = errors.New("push channel send failed")
)

type State int

const (
	Disconnected State = iota
	Connecting
	Connected
)

func (s State) String() string {
	switch s {
	case Connecting:
		return "connecting"
	case Connected:
		return "connected"
	default:
		return "disconnected"
	}
}

// Event is delivered to subscribers. It is one of MessageEvent,
// PresenceEvent, TypingEvent or StateEvent.
type Event interface{ isEvent() }

type MessageEvent struct{ Message models.Message }

type PresenceEvent struct {
	UserID   string
	IsOnline bool
	LastSeen *time.Time
}

type TypingEvent struct {
	UserID   string
	IsTyping bool
}

type StateEvent struct{ State State }

func (MessageEvent) isEvent()  {}
func (PresenceEvent) isEvent() {}
func (TypingEvent) isEvent()   {}
func (StateEvent) isEvent()    {}

// SendResult carries the server-assigned identity of a sent message.
type SendResult struct {
	MessageID string
	SentAt    time.Time
}

type Config struct {
	// URL of the relay's websocket endpoint, e.g. ws://host/ws.
	URL   string
	Token string

	AckTimeout     time.Duration
	TypingDebounce time.Duration
	MinBackoff     time.Duration
	MaxBackoff     time.Duration

	Dialer *websocket.Dialer
	Logger *slog.Logger
	Now    func() time.Time
}

type connection struct {
	ws   *websocket.Conn
	out  chan []byte
	done chan struct{}
}

type Client struct {
	cfg    Config
	log    *slog.Logger
	dialer *websocket.Dialer

	mu         sync.Mutex
	state      State
	conn       *connection
	pending    map[string]chan protocol.Frame
	lastTyping map[string]time.Time

	subMu   sync.Mutex
	subs    map[int]chan Event
	nextSub int

	closed    chan struct{}
	closeOnce sync.Once
}

func New(cfg Config) *Client {
	if cfg.AckTimeout <= 0 {
		cfg.AckTimeout = 10 * time.Second
	}
	if cfg.TypingDebounce <= 0 {
		cfg.TypingDebounce = 2 * time.Second
	}
	if cfg.MinBackoff <= 0 {
		cfg.MinBackoff = time.Second
	}
	if cfg.MaxBackoff < cfg.MinBackoff {
		cfg.MaxBackoff = 30 * time.Second
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	dialer := cfg.Dialer
	if dialer == nil {
		dialer = websocket.DefaultDialer
	}
	return &Client{
		cfg:        cfg,
		log:        obs.Or(cfg.Logger).With("component", "pushclient"),
		dialer:     dialer,
		pending:    make(map[string]chan protocol.Frame),
		lastTyping: make(map[string]time.Time),
		subs:       make(map[int]chan Event),
		closed:     make(chan struct{}),
	}
}

func (c *Client) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

func (c *Client) Connected() bool {
	return c.State() == Connected
}

// Subscribe registers a listener. Events are dropped for a listener whose
// buffer is full. The returned func unsubscribes and closes the channel.
func (c *Client) Subscribe(buffer int) (<-chan Event, func()) {
	if buffer <= 0 {
		buffer = 64
	}
	ch := make(chan Event, buffer)

	c.subMu.Lock()
	id := c.nextSub
	c.nextSub++
	c.subs[id] = ch
	c.subMu.Unlock()

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			c.subMu.Lock()
			delete(c.subs, id)
			close(ch)
			c.subMu.Unlock()
		})
	}
}

func (c *Client) publish(ev Event) {
	c.subMu.Lock()
	defer c.subMu.Unlock()
	for id, ch := range c.subs {
		select {
		case ch <- ev:
		default:
			c.log.Warn("subscriber buffer full, dropping event", "subscriber", id, "event", fmt.Sprintf("%T", ev))
		}
	}
}

func (c *Client) setState(s State) {
	c.mu.Lock()
	changed := c.state != s
	c.state = s
	c.mu.Unlock()
	if changed {
		c.log.Debug("push channel state", "state", s.String())
		c.publish(StateEvent{State: s})
	}
}

// Run connects and keeps the channel open until ctx is done or Close is
// called, reconnecting with exponential backoff.
func (c *Client) Run(ctx context.Context) error {
	backoff := c.cfg.MinBackoff
	for {
		select {
		case <-ctx.Done():
			c.setState(Disconnected)
			return ctx.Err()
		case <-c.closed:
			c.setState(Disconnected)
			return nil
		default:
		}

		c.setState(Connecting)
		ws, err := c.dial(ctx)
		if err != nil {
			c.setState(Disconnected)
			c.log.Warn("push channel dial failed", "error", err, "retry_in", backoff)
		} else {
			backoff = c.cfg.MinBackoff
			c.serve(ctx, ws)
			c.setState(Disconnected)
			c.failPending("connection lost")
		}

		timer := time.NewTimer(backoff)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-c.closed:
			timer.Stop()
			return nil
		case <-timer.C:
		}
		if err != nil {
			backoff *= 2
			if backoff > c.cfg.MaxBackoff {
				backoff = c.cfg.MaxBackoff
			}
		}
	}
}

func (c *Client) dial(ctx context.Context) (*websocket.Conn, error) {
	u, err := url.Parse(c.cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("parse push url: %w", err)
	}
	header := http.Header{}
	if c.cfg.Token != "" {
		header.Set("Authorization", "Bearer "+c.cfg.Token)
	}
	ws, resp, err := c.dialer.DialContext(ctx, u.String(), header)
	if resp != nil && resp.Body != nil {
		resp.Body.Close()
	}
	if err != nil {
		return nil, err
	}
	return ws, nil
}

// serve pumps one connection until it fails or the client shuts down.
func (c *Client) serve(ctx context.Context, ws *websocket.Conn) {
	conn := &connection{
		ws:   ws,
		out:  make(chan []byte, outboundBuffer),
		done: make(chan struct{}),
	}

	c.mu.Lock()
	c.conn = conn
	c.lastTyping = make(map[string]time.Time)
	c.mu.Unlock()
	c.setState(Connected)

	go func() {
		select {
		case <-ctx.Done():
		case <-c.closed:
		case <-conn.done:
		}
		ws.Close()
	}()
	go c.writePump(conn)
	c.readPump(conn)

	c.mu.Lock()
	if c.conn == conn {
		c.conn = nil
	}
	c.mu.Unlock()
}

func (c *Client) readPump(conn *connection) {
	defer close(conn.done)

	conn.ws.SetReadDeadline(time.Now().Add(pongWait))
	conn.ws.SetPongHandler(func(string) error {
		conn.ws.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		_, data, err := conn.ws.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				c.log.Warn("push channel read failed", "error", err)
			}
			return
		}
		frame, err := protocol.Decode(data)
		if err != nil {
			c.log.Warn("malformed push frame", "error", err)
			continue
		}
		c.dispatch(frame)
	}
}

func (c *Client) writePump(conn *connection) {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		conn.ws.Close()
	}()

	for {
		select {
		case data := <-conn.out:
			conn.ws.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.ws.WriteMessage(websocket.TextMessage, data); err != nil {
				c.log.Warn("push channel write failed", "error", err)
				return
			}
		case <-ticker.C:
			conn.ws.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.ws.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		case <-conn.done:
			conn.ws.SetWriteDeadline(time.Now().Add(writeWait))
			conn.ws.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
			return
		}
	}
}

func (c *Client) dispatch(f protocol.Frame) {
	if kind, ok := protocol.KindForReceiveType(f.Type); ok {
		if f.Message == nil {
			c.log.Warn("message frame without message", "type", f.Type)
			return
		}
		w := *f.Message
		if w.Kind == "" {
			w.Kind = kind
		}
		msg, err := w.Message()
		if err != nil {
			c.log.Warn("undecodable message frame", "type", f.Type, "error", err)
			return
		}
		c.publish(MessageEvent{Message: msg})
		return
	}

	switch f.Type {
	case protocol.TypeAck:
		c.mu.Lock()
		ch, ok := c.pending[f.RequestID]
		delete(c.pending, f.RequestID)
		c.mu.Unlock()
		if ok {
			ch <- f
		}
	case protocol.TypeUserStatusChanged:
		c.publish(PresenceEvent{UserID: f.UserID, IsOnline: f.IsOnline != nil && *f.IsOnline, LastSeen: f.LastSeen})
	case protocol.TypeUserTyping:
		c.publish(TypingEvent{UserID: f.UserID, IsTyping: f.IsTyping != nil && *f.IsTyping})
	case protocol.TypeError:
		c.log.Warn("relay reported error", "error", f.Error)
	default:
		c.log.Debug("ignoring push frame", "type", f.Type)
	}
}

// enqueue hands a frame to the current connection's write pump.
func (c *Client) enqueue(f protocol.Frame) error {
	data, err := protocol.Encode(f)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrSendFailed, err)
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.enqueueLocked(data)
}

func (c *Client) enqueueLocked(data []byte) error {
	if c.state != Connected || c.conn == nil {
		return ErrNotConnected
	}
	select {
	case <-c.conn.done:
		return ErrNotConnected
	default:
	}
	select {
	case c.conn.out <- data:
		return nil
	default:
		return fmt.Errorf("%w: outbound queue full", ErrSendFailed)
	}
}

func (c *Client) failPending(reason string) {
	c.mu.Lock()
	pending := c.pending
	c.pending = make(map[string]chan protocol.Frame)
	c.mu.Unlock()

	for id, ch := range pending {
		ch <- protocol.Frame{Type: protocol.TypeAck, RequestID: id, Error: reason}
	}
}

// SendMessage sends a text message and waits for the relay's ack.
func (c *Client) SendMessage(ctx context.Context, receiverID, content, clientID string) (SendResult, error) {
	reqID := uuid.NewString()
	data, err := protocol.Encode(protocol.Frame{
		Type:        protocol.TypeSendMessage,
		RequestID:   reqID,
		ReceiverID:  receiverID,
		Content:     content,
		ClientMsgID: clientID,
	})
	if err != nil {
		return SendResult{}, fmt.Errorf("%w: %v", ErrSendFailed, err)
	}

	ack := make(chan protocol.Frame, 1)
	c.mu.Lock()
	if err := c.enqueueLocked(data); err != nil {
		c.mu.Unlock()
		return SendResult{}, err
	}
	c.pending[reqID] = ack
	c.mu.Unlock()

	timer := time.NewTimer(c.cfg.AckTimeout)
	defer timer.Stop()

	select {
	case f := <-ack:
		if !f.OK {
			return SendResult{}, fmt.Errorf("%w: %s", ErrSendFailed, f.Error)
		}
		res := SendResult{MessageID: f.MessageID}
		if f.SentAt != nil {
			res.SentAt = *f.SentAt
		}
		return res, nil
	case <-timer.C:
		c.dropPending(reqID)
		return SendResult{}, fmt.Errorf("%w: no ack within %s", ErrSendFailed, c.cfg.AckTimeout)
	case <-ctx.Done():
		c.dropPending(reqID)
		return SendResult{}, fmt.Errorf("%w: %v", ErrSendFailed, ctx.Err())
	}
}

func (c *Client) dropPending(reqID string) {
	c.mu.Lock()
	delete(c.pending, reqID)
	c.mu.Unlock()
}

// StartTyping tells receiverID that the user is typing. Repeated calls
// within the debounce window are coalesced into one frame.
func (c *Client) StartTyping(receiverID string) error {
	data, err := protocol.Encode(protocol.Frame{Type: protocol.TypeStartTyping, ReceiverID: receiverID})
	if err != nil {
		return err
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	now := c.cfg.Now()
	if last, ok := c.lastTyping[receiverID]; ok && now.Sub(last) < c.cfg.TypingDebounce {
		return nil
	}
	if err := c.enqueueLocked(data); err != nil {
		return err
	}
	c.lastTyping[receiverID] = now
	return nil
}

func (c *Client) StopTyping(receiverID string) error {
	data, err := protocol.Encode(protocol.Frame{Type: protocol.TypeStopTyping, ReceiverID: receiverID})
	if err != nil {
		return err
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.lastTyping, receiverID)
	return c.enqueueLocked(data)
}

// CheckUserOnlineStatus asks the relay for userID's presence. The answer
// arrives as a PresenceEvent.
func (c *Client) CheckUserOnlineStatus(userID string) error {
	return c.enqueue(protocol.Frame{Type: protocol.TypeCheckOnlineStatus, UserID: userID})
}

// Close stops Run and tears down the current connection.
func (c *Client) Close() {
	c.closeOnce.Do(func() { close(c.closed) })
}
