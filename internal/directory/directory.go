// Package directory keeps the list of conversations with per-counterpart
// preview, unread count and online flag.
package directory

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"

	"golang.org/x/text/cases"

	"github.com/4xmen/storechat/internal/models"
	"github.com/4xmen/storechat/internal/obs"
	"github.com/4xmen/storechat/pkg/i18n"
)

var ErrConversationListFetchFailed = errors.New("conversation list fetch failed")

// Fetcher is the REST collaborator listing conversations.
type Fetcher interface {
	GetConversations(ctx context.Context, page, size int) (models.Page[models.Conversation], error)
}

type Directory struct {
	fetcher Fetcher
	locale  string
	log     *slog.Logger

	mu       sync.Mutex
	fetched  bool
	fetching bool
	convs    map[string]*models.Conversation
	total    int
}

func New(fetcher Fetcher, locale string, logger *slog.Logger) *Directory {
	return &Directory{
		fetcher: fetcher,
		locale:  locale,
		log:     obs.Or(logger).With("component", "directory"),
		convs:   make(map[string]*models.Conversation),
	}
}

// Fetch loads one page of conversations. Only the first call per session
// reaches the collaborator; later calls return the current list. On failure
// the list stays as it was and Retry may be used.
func (d *Directory) Fetch(ctx context.Context, page, size int) ([]models.Conversation, error) {
	d.mu.Lock()
	if d.fetched || d.fetching {
		d.mu.Unlock()
		return d.List(), nil
	}
	d.fetching = true
	d.mu.Unlock()

	result, err := d.fetcher.GetConversations(ctx, page, size)

	d.mu.Lock()
	d.fetching = false
	if err != nil {
		d.mu.Unlock()
		d.log.Warn("conversation fetch failed", "page", page, "error", err)
		return nil, fmt.Errorf("%w: %v", ErrConversationListFetchFailed, err)
	}
	d.fetched = true
	d.total = result.Count
	for _, conv := range result.Result {
		d.mergeLocked(conv)
	}
	d.mu.Unlock()

	return d.List(), nil
}

// Retry clears the fetch guard and fetches again.
func (d *Directory) Retry(ctx context.Context, page, size int) ([]models.Conversation, error) {
	d.mu.Lock()
	if !d.fetching {
		d.fetched = false
	}
	d.mu.Unlock()
	return d.Fetch(ctx, page, size)
}

func (d *Directory) Fetched() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.fetched
}

// mergeLocked folds a fetched conversation into the directory. Push events
// that arrived before the fetch may already carry a newer preview.
func (d *Directory) mergeLocked(conv models.Conversation) {
	if conv.UserID == "" {
		return
	}
	if conv.UnreadCount < 0 {
		conv.UnreadCount = 0
	}
	existing, ok := d.convs[conv.UserID]
	if !ok {
		c := conv
		d.convs[conv.UserID] = &c
		return
	}
	if existing.LastMessageAt.After(conv.LastMessageAt) {
		conv.LastMessage = existing.LastMessage
		conv.LastMessageAt = existing.LastMessageAt
		if existing.UnreadCount > conv.UnreadCount {
			conv.UnreadCount = existing.UnreadCount
		}
	}
	if existing.IsOnline {
		conv.IsOnline = true
	}
	*existing = conv
}

// ApplyMessage updates the counterpart's conversation for an incoming or
// outgoing message and reports the resulting state. Unread grows by one only
// for messages from a counterpart whose conversation is not active.
func (d *Directory) ApplyMessage(msg models.Message, activeID, currentUserID string) models.Conversation {
	counterpart := msg.Counterpart(currentUserID)

	d.mu.Lock()
	defer d.mu.Unlock()

	conv, ok := d.convs[counterpart]
	if !ok {
		conv = &models.Conversation{UserID: counterpart, DisplayName: counterpart}
		d.convs[counterpart] = conv
		d.log.Debug("inferred conversation from push event", "user_id", counterpart)
	}
	if !msg.SentAt.Before(conv.LastMessageAt) {
		conv.LastMessage = Preview(msg, d.locale)
		conv.LastMessageAt = msg.SentAt
	}
	if !msg.IsMine(currentUserID) && counterpart != activeID {
		conv.UnreadCount++
	}
	return *conv
}

// Preview is the one-line summary of msg shown in a conversation row.
func Preview(msg models.Message, locale string) string {
	switch p := msg.Payload.(type) {
	case models.Text:
		return p.Content
	case models.Media:
		switch p.MediaKind {
		case models.MediaImage:
			return i18n.Lookup(locale, "sent an image")
		case models.MediaVideo:
			return i18n.Lookup(locale, "sent a video")
		default:
			return i18n.Lookup(locale, "sent a file")
		}
	case models.InventoryItem:
		return i18n.Lookup(locale, "shared an item")
	}
	return ""
}

func (d *Directory) ApplyPresence(userID string, online bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if conv, ok := d.convs[userID]; ok {
		conv.IsOnline = online
	}
}

// MarkRead zeroes the unread counter and returns its previous value.
func (d *Directory) MarkRead(userID string) int {
	d.mu.Lock()
	defer d.mu.Unlock()
	conv, ok := d.convs[userID]
	if !ok {
		return 0
	}
	prev := conv.UnreadCount
	conv.UnreadCount = 0
	return prev
}

func (d *Directory) Get(userID string) (models.Conversation, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	conv, ok := d.convs[userID]
	if !ok {
		return models.Conversation{}, false
	}
	return *conv, true
}

// List returns all conversations, most recent first.
func (d *Directory) List() []models.Conversation {
	d.mu.Lock()
	out := make([]models.Conversation, 0, len(d.convs))
	for _, conv := range d.convs {
		out = append(out, *conv)
	}
	d.mu.Unlock()

	sort.SliceStable(out, func(i, j int) bool {
		if !out[i].LastMessageAt.Equal(out[j].LastMessageAt) {
			return out[i].LastMessageAt.After(out[j].LastMessageAt)
		}
		return out[i].UserID < out[j].UserID
	})
	return out
}

// Search filters List by a case-insensitive substring of the display name.
func (d *Directory) Search(query string) []models.Conversation {
	all := d.List()
	query = strings.TrimSpace(query)
	if query == "" {
		return all
	}
	fold := cases.Fold()
	needle := fold.String(query)

	out := make([]models.Conversation, 0, len(all))
	for _, conv := range all {
		if strings.Contains(fold.String(conv.DisplayName), needle) {
			out = append(out, conv)
		}
	}
	return out
}

func (d *Directory) TotalUnread() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	n := 0
	for _, conv := range d.convs {
		n += conv.UnreadCount
	}
	return n
}

// Total is the server-side conversation count from the last fetch.
func (d *Directory) Total() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.total
}

// Reset forgets everything, for a new session.
func (d *Directory) Reset() {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.fetched = false
	d.convs = make(map[string]*models.Conversation)
	d.total = 0
}
