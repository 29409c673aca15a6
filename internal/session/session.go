// Package session orchestrates one chat widget: the conversation picker,
// the open conversation's timeline, typing notifications and sends.
package session

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/4xmen/storechat/internal/directory"
	"github.com/4xmen/storechat/internal/models"
	"github.com/4xmen/storechat/internal/obs"
	"github.com/4xmen/storechat/internal/presence"
	"github.com/4xmen/storechat/internal/pushclient"
	"github.com/4xmen/storechat/internal/reconcile"
)

var (
	ErrHistoryFetchFailed   = errors.New("chat history fetch failed")
	ErrInventoryFetchFailed = errors.New("inventory fetch failed")
	ErrClosed               = errors.New("chat session is closed")
	ErrNoConversation       = errors.New("no conversation selected")
	ErrEmptyMessage         = errors.New("message is empty")
)

// Backend is the set of REST collaborators the controller calls.
type Backend interface {
	directory.Fetcher
	GetChatHistory(ctx context.Context, receiverID string, page, size int) (models.Page[models.Message], error)
	GetUnreadCount(ctx context.Context) (int, error)
	MarkAsRead(ctx context.Context, fromUserID string) error
	SendImage(ctx context.Context, receiverID, fileName string, file io.Reader) (models.Message, error)
	SendInventoryItem(ctx context.Context, receiverID, itemID string) (models.Message, error)
	GetInventoryItems(ctx context.Context, page, size int) (models.Page[models.OfferItem], error)
}

// Pusher is the push channel as seen by the controller.
type Pusher interface {
	Connected() bool
	SendMessage(ctx context.Context, receiverID, content, clientID string) (pushclient.SendResult, error)
	StartTyping(receiverID string) error
	StopTyping(receiverID string) error
	CheckUserOnlineStatus(userID string) error
	Subscribe(buffer int) (<-chan pushclient.Event, func())
}

type State int

const (
	StateClosed State = iota
	StateOpen
	StateConversation
)

func (s State) String() string {
	switch s {
	case StateOpen:
		return "open"
	case StateConversation:
		return "conversation"
	default:
		return "closed"
	}
}

type Options struct {
	CurrentUserID   string
	PageSize        int
	TypingStopDelay time.Duration
	TypingExpiry    time.Duration
	Locale          string
	Location        *time.Location
	Logger          *slog.Logger
	Now             func() time.Time
}

type Controller struct {
	backend  Backend
	push     Pusher
	opts     Options
	log      *slog.Logger
	dir      *directory.Directory
	rec      *reconcile.Reconciler
	presence *presence.Tracker

	mu          sync.Mutex
	state       State
	active      string
	input       string
	typingTo    string
	typingGen   uint64
	stopTimer   *time.Timer
	serverTotal int

	historyErr      error
	conversationErr error
	inventoryErr    error
	sendErr         error
}

func New(backend Backend, push Pusher, opts Options) *Controller {
	if opts.PageSize <= 0 {
		opts.PageSize = 20
	}
	if opts.TypingStopDelay <= 0 {
		opts.TypingStopDelay = 3 * time.Second
	}
	if opts.TypingExpiry <= 0 {
		opts.TypingExpiry = presence.DefaultTypingExpiry
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.Location == nil {
		opts.Location = time.Local
	}
	logger := obs.Or(opts.Logger)
	return &Controller{
		backend:  backend,
		push:     push,
		opts:     opts,
		log:      logger.With("component", "session", "user_id", opts.CurrentUserID),
		dir:      directory.New(backend, opts.Locale, logger),
		rec:      reconcile.New(opts.CurrentUserID),
		presence: presence.NewWithClock(opts.TypingExpiry, opts.Now),
	}
}

// Open shows the widget and loads the conversation list once.
func (c *Controller) Open(ctx context.Context) error {
	c.mu.Lock()
	if c.state == StateClosed {
		c.state = StateOpen
	}
	c.mu.Unlock()

	_, err := c.dir.Fetch(ctx, 1, c.opts.PageSize)
	c.mu.Lock()
	c.conversationErr = err
	c.mu.Unlock()
	return err
}

// Close stops rendering. Push events keep flowing into presence and the
// directory for as long as Run is active.
func (c *Controller) Close() {
	c.mu.Lock()
	stopTo := c.cancelTypingLocked()
	c.state = StateClosed
	c.active = ""
	c.input = ""
	c.mu.Unlock()

	c.stopTyping(stopTo)
}

// Select makes userID the active conversation: its unread counter is
// cleared, its presence is requested and its history is loaded once.
func (c *Controller) Select(ctx context.Context, userID string) error {
	c.mu.Lock()
	if c.state == StateClosed {
		c.mu.Unlock()
		return ErrClosed
	}
	var stopTo string
	if c.active != userID {
		stopTo = c.cancelTypingLocked()
		c.input = ""
		c.historyErr = nil
		c.sendErr = nil
	}
	c.active = userID
	c.state = StateConversation
	c.mu.Unlock()

	c.stopTyping(stopTo)

	if unread := c.dir.MarkRead(userID); unread > 0 {
		if err := c.backend.MarkAsRead(ctx, userID); err != nil {
			c.log.Warn("mark as read failed", "counterpart", userID, "error", err)
		}
	}
	if err := c.push.CheckUserOnlineStatus(userID); err != nil {
		c.log.Debug("online status check skipped", "counterpart", userID, "error", err)
	}
	return c.loadHistory(ctx, userID)
}

func (c *Controller) loadHistory(ctx context.Context, userID string) error {
	tok, ok := c.rec.BeginHistory(userID)
	if !ok {
		return nil
	}

	page, err := c.backend.GetChatHistory(ctx, userID, 1, c.opts.PageSize)

	c.mu.Lock()
	defer c.mu.Unlock()
	stillActive := c.state == StateConversation && c.active == userID

	if err != nil {
		c.rec.AbortHistory(tok)
		wrapped := fmt.Errorf("%w: %v", ErrHistoryFetchFailed, err)
		if stillActive {
			c.historyErr = wrapped
		}
		c.log.Warn("history fetch failed", "counterpart", userID, "error", err)
		return wrapped
	}
	if !stillActive {
		c.rec.AbortHistory(tok)
		c.log.Debug("discarding history for inactive conversation", "counterpart", userID)
		return nil
	}
	c.rec.CompleteHistory(tok, page.Result)
	c.historyErr = nil
	return nil
}

// RetryHistory reloads the active conversation's history after a failure.
func (c *Controller) RetryHistory(ctx context.Context) error {
	c.mu.Lock()
	userID := c.active
	active := c.state == StateConversation
	c.mu.Unlock()
	if !active {
		return ErrNoConversation
	}
	return c.loadHistory(ctx, userID)
}

func (c *Controller) RetryConversations(ctx context.Context) error {
	_, err := c.dir.Retry(ctx, 1, c.opts.PageSize)
	c.mu.Lock()
	c.conversationErr = err
	c.mu.Unlock()
	return err
}

// InputChanged tracks the composer text. Non-empty text renews typing and
// pushes the stop deadline forward; empty text stops typing at once.
func (c *Controller) InputChanged(text string) {
	c.mu.Lock()
	c.input = text
	if c.state != StateConversation {
		c.mu.Unlock()
		return
	}
	to := c.active

	if strings.TrimSpace(text) == "" {
		stopTo := c.cancelTypingLocked()
		c.mu.Unlock()
		c.stopTyping(stopTo)
		return
	}

	if c.stopTimer != nil {
		c.stopTimer.Stop()
	}
	c.typingTo = to
	c.typingGen++
	gen := c.typingGen
	c.stopTimer = time.AfterFunc(c.opts.TypingStopDelay, func() { c.typingTimedOut(to, gen) })
	c.mu.Unlock()

	if err := c.push.StartTyping(to); err != nil {
		c.log.Debug("start typing not sent", "counterpart", to, "error", err)
	}
}

func (c *Controller) typingTimedOut(to string, gen uint64) {
	c.mu.Lock()
	if c.typingGen != gen || c.typingTo != to {
		c.mu.Unlock()
		return
	}
	c.typingTo = ""
	c.stopTimer = nil
	c.mu.Unlock()

	c.stopTyping(to)
}

// cancelTypingLocked disarms the stop timer and returns the counterpart that
// still needs a stop notification, if any.
func (c *Controller) cancelTypingLocked() string {
	if c.stopTimer != nil {
		c.stopTimer.Stop()
		c.stopTimer = nil
	}
	c.typingGen++
	to := c.typingTo
	c.typingTo = ""
	return to
}

func (c *Controller) stopTyping(to string) {
	if to == "" {
		return
	}
	if err := c.push.StopTyping(to); err != nil {
		c.log.Debug("stop typing not sent", "counterpart", to, "error", err)
	}
}

// SendText sends the composer text over the push channel. The message is
// shown as pending right away; on failure the text returns to the composer.
func (c *Controller) SendText(ctx context.Context) (models.Message, error) {
	c.mu.Lock()
	if c.state != StateConversation {
		c.mu.Unlock()
		return models.Message{}, ErrNoConversation
	}
	content := c.input
	if strings.TrimSpace(content) == "" {
		c.mu.Unlock()
		return models.Message{}, ErrEmptyMessage
	}
	to := c.active
	localID := models.LocalIDPrefix + uuid.NewString()
	msg := models.Message{
		Envelope: models.Envelope{
			ID:         localID,
			SenderID:   c.opts.CurrentUserID,
			ReceiverID: to,
			SentAt:     c.opts.Now(),
		},
		Payload: models.Text{Content: content},
	}
	c.rec.AddPending(msg)
	c.input = ""
	c.sendErr = nil
	stopTo := c.cancelTypingLocked()
	c.mu.Unlock()

	c.stopTyping(stopTo)

	res, err := c.push.SendMessage(ctx, to, content, localID)

	c.mu.Lock()
	defer c.mu.Unlock()
	switch {
	case errors.Is(err, pushclient.ErrNotConnected):
		c.rec.Remove(to, localID)
		c.restoreInputLocked(to, content)
		c.sendErr = err
		return models.Message{}, err
	case err != nil:
		c.rec.MarkFailed(to, localID)
		c.restoreInputLocked(to, content)
		c.sendErr = err
		c.log.Warn("send failed", "counterpart", to, "error", err)
		msg.Delivery = models.DeliveryFailed
		return msg, err
	}

	c.rec.Confirm(to, localID, res.MessageID, res.SentAt)
	msg.ClientID = localID
	if res.MessageID != "" {
		msg.ID = res.MessageID
	}
	if !res.SentAt.IsZero() {
		msg.SentAt = res.SentAt
	}
	msg.Delivery = models.DeliveryConfirmed
	c.dir.ApplyMessage(msg, c.active, c.opts.CurrentUserID)
	return msg, nil
}

// restoreInputLocked puts failed text back unless the user already moved on.
func (c *Controller) restoreInputLocked(to, content string) {
	if c.state == StateConversation && c.active == to && c.input == "" {
		c.input = content
	}
}

// SendImage uploads an image through REST. The message shows up when the
// push channel delivers it, so nothing is inserted locally.
func (c *Controller) SendImage(ctx context.Context, fileName string, file io.Reader) (models.Message, error) {
	to, err := c.activeConversation()
	if err != nil {
		return models.Message{}, err
	}
	msg, err := c.backend.SendImage(ctx, to, fileName, file)
	if err != nil {
		c.setSendErr(err)
		return models.Message{}, fmt.Errorf("send image: %w", err)
	}
	return msg, nil
}

// SendInventoryItem shares an inventory item through REST. Like images, the
// message arrives over the push channel.
func (c *Controller) SendInventoryItem(ctx context.Context, itemID string) (models.Message, error) {
	to, err := c.activeConversation()
	if err != nil {
		return models.Message{}, err
	}
	msg, err := c.backend.SendInventoryItem(ctx, to, itemID)
	if err != nil {
		c.setSendErr(err)
		return models.Message{}, fmt.Errorf("send inventory item: %w", err)
	}
	return msg, nil
}

// OfferItems lists the caller's inventory entries that can be shared.
func (c *Controller) OfferItems(ctx context.Context, page, size int) ([]models.OfferItem, error) {
	result, err := c.backend.GetInventoryItems(ctx, page, size)
	if err != nil {
		wrapped := fmt.Errorf("%w: %v", ErrInventoryFetchFailed, err)
		c.mu.Lock()
		c.inventoryErr = wrapped
		c.mu.Unlock()
		c.log.Warn("inventory fetch failed", "error", err)
		return nil, wrapped
	}

	items := make([]models.OfferItem, 0, len(result.Result))
	for _, item := range result.Result {
		if item.Available() {
			items = append(items, item)
		}
	}
	c.mu.Lock()
	c.inventoryErr = nil
	c.mu.Unlock()
	return items, nil
}

// RefreshUnreadCount asks the server for the caller's total unread count.
func (c *Controller) RefreshUnreadCount(ctx context.Context) (int, error) {
	n, err := c.backend.GetUnreadCount(ctx)
	if err != nil {
		c.log.Warn("unread count fetch failed", "error", err)
		return 0, err
	}
	c.mu.Lock()
	c.serverTotal = n
	c.mu.Unlock()
	return n, nil
}

func (c *Controller) activeConversation() (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state != StateConversation {
		return "", ErrNoConversation
	}
	return c.active, nil
}

func (c *Controller) setSendErr(err error) {
	c.mu.Lock()
	c.sendErr = err
	c.mu.Unlock()
}

// Search filters the conversation list by display name.
func (c *Controller) Search(query string) []models.Conversation {
	return c.dir.Search(query)
}

// Run subscribes to the push channel and applies its events until ctx is
// done.
func (c *Controller) Run(ctx context.Context) error {
	events, cancel := c.push.Subscribe(256)
	defer cancel()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case ev, ok := <-events:
			if !ok {
				return nil
			}
			c.handle(ev)
		}
	}
}

func (c *Controller) handle(ev pushclient.Event) {
	switch e := ev.(type) {
	case pushclient.MessageEvent:
		c.applyMessage(e.Message)
	case pushclient.PresenceEvent:
		c.presence.ApplyPresence(e.UserID, e.IsOnline, e.LastSeen)
		c.dir.ApplyPresence(e.UserID, e.IsOnline)
	case pushclient.TypingEvent:
		c.presence.ApplyTyping(e.UserID, e.IsTyping)
	case pushclient.StateEvent:
		c.log.Info("push channel state changed", "state", e.State.String())
		if e.State == pushclient.Connected {
			if to, err := c.activeConversation(); err == nil {
				c.push.CheckUserOnlineStatus(to)
			}
		}
	}
}

func (c *Controller) applyMessage(msg models.Message) {
	c.mu.Lock()
	defer c.mu.Unlock()

	active := ""
	if c.state == StateConversation {
		active = c.active
	}

	outcome := c.rec.Append(msg)
	switch outcome {
	case reconcile.Rejected:
		c.log.Debug("dropping invalid message", "id", msg.ID)
		return
	case reconcile.Duplicate:
		return
	}

	if !msg.IsMine(c.opts.CurrentUserID) {
		c.presence.ApplyTyping(msg.SenderID, false)
	}
	c.dir.ApplyMessage(msg, active, c.opts.CurrentUserID)
}

// Snapshot is an immutable view of the widget for rendering.
type Snapshot struct {
	State         State
	ActiveID      string
	Input         string
	Connected     bool
	Conversations []models.Conversation
	Timeline      []reconcile.Item
	UnreadTotal   int
	ServerUnread  int

	CounterpartOnline   bool
	CounterpartTyping   bool
	CounterpartLastSeen time.Time
	HistoryLoading      bool

	HistoryErr      error
	ConversationErr error
	InventoryErr    error
	SendErr         error
}

func (c *Controller) Snapshot() Snapshot {
	c.mu.Lock()
	snap := Snapshot{
		State:           c.state,
		ActiveID:        c.active,
		Input:           c.input,
		ServerUnread:    c.serverTotal,
		HistoryErr:      c.historyErr,
		ConversationErr: c.conversationErr,
		InventoryErr:    c.inventoryErr,
		SendErr:         c.sendErr,
	}
	c.mu.Unlock()

	snap.Connected = c.push.Connected()
	snap.UnreadTotal = c.dir.TotalUnread()
	if snap.State == StateClosed {
		return snap
	}
	snap.Conversations = c.dir.List()
	if snap.State == StateConversation {
		snap.Timeline = c.rec.Render(snap.ActiveID, c.opts.Location)
		snap.HistoryLoading = c.rec.Loading(snap.ActiveID)
		snap.CounterpartOnline = c.presence.IsOnline(snap.ActiveID)
		snap.CounterpartTyping = c.presence.IsTyping(snap.ActiveID)
		snap.CounterpartLastSeen, _ = c.presence.LastSeen(snap.ActiveID)
	}
	return snap
}

// Timeline returns the raw messages of a conversation.
func (c *Controller) Timeline(userID string) []models.Message {
	return c.rec.Timeline(userID)
}
