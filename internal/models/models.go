package models

import (
	"errors"
	"path"
	"strings"
	"time"
	"unicode"
	"unicode/utf8"
)

// Kind discriminates the payload carried by a Message.
type Kind string

const (
	KindText          Kind = "text"
	KindMedia         Kind = "media"
	KindInventoryItem Kind = "inventory_item"
)

// MediaKind is the server-supplied classification of a media message.
type MediaKind string

const (
	MediaImage MediaKind = "image"
	MediaVideo MediaKind = "video"
	MediaFile  MediaKind = "file"
)

// Delivery tracks whether a message is confirmed by the server.
type Delivery string

const (
	DeliveryConfirmed Delivery = "confirmed"
	DeliveryPending   Delivery = "pending"
	DeliveryFailed    Delivery = "failed"
)

// LocalIDPrefix marks ids synthesized on the client before confirmation.
const LocalIDPrefix = "local-"

var (
	ErrMissingPayload = errors.New("message payload is required")
	ErrMissingParty   = errors.New("message sender and receiver are required")
)

// Envelope holds the fields every message variant shares.
type Envelope struct {
	ID         string    `json:"id"`
	ClientID   string    `json:"client_message_id,omitempty"`
	SenderID   string    `json:"sender_id"`
	ReceiverID string    `json:"receiver_id"`
	SentAt     time.Time `json:"sent_at"`
	IsRead     bool      `json:"is_read"`
	Delivery   Delivery  `json:"-"`
}

// Payload is implemented by Text, Media and InventoryItem.
type Payload interface {
	Kind() Kind
	// Key identifies the payload for duplicate detection.
	Key() string
}

// Message is a chat message: a shared envelope plus exactly one payload.
type Message struct {
	Envelope
	Payload Payload `json:"-"`
}

type Text struct {
	Content string
}

func (Text) Kind() Kind    { return KindText }
func (t Text) Key() string { return t.Content }

type Media struct {
	FileURL   string
	FileName  string
	FileSize  int64
	MimeType  string
	MediaKind MediaKind
}

func (Media) Kind() Kind    { return KindMedia }
func (m Media) Key() string { return m.FileURL }

// IsImage reports whether the media renders as an image.
func (m Media) IsImage() bool {
	return m.MediaKind == MediaImage
}

// InventoryItem is the snapshot of an inventory entry taken at send time.
type InventoryItem struct {
	ItemID           string `json:"item_id"`
	ProductID        string `json:"product_id"`
	ProductName      string `json:"product_name"`
	Image            string `json:"image,omitempty"`
	Rarity           string `json:"rarity,omitempty"`
	Location         string `json:"location,omitempty"`
	Status           string `json:"status"`
	FromBlindBox     bool   `json:"from_blind_box"`
	OnHold           bool   `json:"on_hold"`
	HasActiveListing bool   `json:"has_active_listing"`
}

func (InventoryItem) Kind() Kind    { return KindInventoryItem }
func (i InventoryItem) Key() string { return i.ItemID }

// Kind returns the payload kind, or "" when no payload is set.
func (m Message) Kind() Kind {
	if m.Payload == nil {
		return ""
	}
	return m.Payload.Kind()
}

func (m Message) IsMine(currentUserID string) bool {
	return m.SenderID == currentUserID
}

func (m Message) IsLocal() bool {
	return strings.HasPrefix(m.ID, LocalIDPrefix)
}

func (m Message) Confirmed() bool {
	return m.Delivery == "" || m.Delivery == DeliveryConfirmed
}

// Counterpart returns the other party of the message relative to userID.
func (m Message) Counterpart(userID string) string {
	if m.SenderID == userID {
		return m.ReceiverID
	}
	return m.SenderID
}

func (m Message) Validate() error {
	if m.Payload == nil {
		return ErrMissingPayload
	}
	if m.SenderID == "" || m.ReceiverID == "" {
		return ErrMissingParty
	}
	return nil
}

// Text returns the text content when the message is a text message.
func (m Message) Text() (Text, bool) {
	t, ok := m.Payload.(Text)
	return t, ok
}

func (m Message) Media() (Media, bool) {
	md, ok := m.Payload.(Media)
	return md, ok
}

func (m Message) InventoryItem() (InventoryItem, bool) {
	it, ok := m.Payload.(InventoryItem)
	return it, ok
}

var (
	imageExtensions = map[string]bool{
		".jpg": true, ".jpeg": true, ".png": true, ".gif": true,
		".webp": true, ".bmp": true, ".svg": true, ".heic": true, ".avif": true,
	}
	videoExtensions = map[string]bool{
		".mp4": true, ".mov": true, ".webm": true, ".mkv": true,
		".avi": true, ".m4v": true, ".3gp": true,
	}
)

// ResolveMediaKind returns the server-supplied kind when present, otherwise
// falls back to the MIME type and then the file extension.
func ResolveMediaKind(serverKind, mimeType, fileName string) MediaKind {
	switch MediaKind(strings.ToLower(strings.TrimSpace(serverKind))) {
	case MediaImage:
		return MediaImage
	case MediaVideo:
		return MediaVideo
	case MediaFile:
		return MediaFile
	}

	mimeType = strings.ToLower(mimeType)
	switch {
	case strings.HasPrefix(mimeType, "image/"):
		return MediaImage
	case strings.HasPrefix(mimeType, "video/"):
		return MediaVideo
	}

	ext := strings.ToLower(path.Ext(fileName))
	switch {
	case imageExtensions[ext]:
		return MediaImage
	case videoExtensions[ext]:
		return MediaVideo
	}
	return MediaFile
}

// Conversation is a one-to-one chat keyed by the counterpart's user id.
type Conversation struct {
	UserID        string    `json:"user_id"`
	DisplayName   string    `json:"display_name"`
	AvatarURL     string    `json:"avatar_url,omitempty"`
	LastMessage   string    `json:"last_message,omitempty"`
	LastMessageAt time.Time `json:"last_message_at"`
	UnreadCount   int       `json:"unread_count"`
	IsOnline      bool      `json:"is_online"`
}

// AvatarInitial is the fallback shown when no avatar URL is set.
func (c Conversation) AvatarInitial() string {
	name := strings.TrimSpace(c.DisplayName)
	if name == "" {
		return "?"
	}
	r, _ := utf8.DecodeRuneInString(name)
	return string(unicode.ToUpper(r))
}

type Presence struct {
	UserID   string
	IsOnline bool
	LastSeen *time.Time
}

// OfferItem is an inventory entry as listed by the inventory collaborator.
type OfferItem struct {
	ItemID           string  `json:"item_id"`
	ProductID        string  `json:"product_id"`
	Name             string  `json:"name"`
	Image            string  `json:"image,omitempty"`
	UnitPrice        float64 `json:"unit_price"`
	Quantity         int     `json:"quantity"`
	Status           string  `json:"status"`
	Rarity           string  `json:"rarity,omitempty"`
	Location         string  `json:"location,omitempty"`
	FromBlindBox     bool    `json:"from_blind_box"`
	OnHold           bool    `json:"on_hold"`
	HasActiveListing bool    `json:"has_active_listing"`
}

const StatusAvailable = "available"

func (o OfferItem) Available() bool {
	return strings.EqualFold(o.Status, StatusAvailable)
}

// Snapshot copies the offer item into an immutable message payload.
func (o OfferItem) Snapshot() InventoryItem {
	return InventoryItem{
		ItemID:           o.ItemID,
		ProductID:        o.ProductID,
		ProductName:      o.Name,
		Image:            o.Image,
		Rarity:           o.Rarity,
		Location:         o.Location,
		Status:           o.Status,
		FromBlindBox:     o.FromBlindBox,
		OnHold:           o.OnHold,
		HasActiveListing: o.HasActiveListing,
	}
}

// Page is a page returned by the REST collaborators.
type Page[T any] struct {
	Result     []T `json:"result"`
	Count      int `json:"count"`
	TotalPages int `json:"totalPages"`
}
