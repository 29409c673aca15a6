package models

import (
	"fmt"
	"time"
)

// WireMessage is the flat JSON shape used by the REST API and the push
// channel. Only the fields of the declared kind are meaningful.
type WireMessage struct {
	ID            string         `json:"id"`
	ClientMsgID   string         `json:"client_message_id,omitempty"`
	SenderID      string         `json:"sender_id"`
	ReceiverID    string         `json:"receiver_id"`
	SentAt        time.Time      `json:"sent_at"`
	IsRead        bool           `json:"is_read"`
	Kind          Kind           `json:"kind"`
	Content       string         `json:"content,omitempty"`
	FileURL       string         `json:"file_url,omitempty"`
	FileName      string         `json:"file_name,omitempty"`
	FileSize      int64          `json:"file_size,omitempty"`
	MimeType      string         `json:"mime_type,omitempty"`
	MediaKind     string         `json:"media_kind,omitempty"`
	InventoryItem *InventoryItem `json:"inventory_item,omitempty"`
}

// ToWire flattens a message for transport.
func ToWire(m Message) WireMessage {
	w := WireMessage{
		ID:          m.ID,
		ClientMsgID: m.ClientID,
		SenderID:    m.SenderID,
		ReceiverID:  m.ReceiverID,
		SentAt:      m.SentAt,
		IsRead:      m.IsRead,
		Kind:        m.Kind(),
	}
	switch p := m.Payload.(type) {
	case Text:
		w.Content = p.Content
	case Media:
		w.FileURL = p.FileURL
		w.FileName = p.FileName
		w.FileSize = p.FileSize
		w.MimeType = p.MimeType
		w.MediaKind = string(p.MediaKind)
	case InventoryItem:
		item := p
		w.InventoryItem = &item
	}
	return w
}

// Message converts the wire shape back into the sum type. An empty kind is
// inferred from which payload fields are present.
func (w WireMessage) Message() (Message, error) {
	msg := Message{Envelope: Envelope{
		ID:         w.ID,
		ClientID:   w.ClientMsgID,
		SenderID:   w.SenderID,
		ReceiverID: w.ReceiverID,
		SentAt:     w.SentAt,
		IsRead:     w.IsRead,
		Delivery:   DeliveryConfirmed,
	}}

	kind := w.Kind
	if kind == "" {
		switch {
		case w.InventoryItem != nil:
			kind = KindInventoryItem
		case w.FileURL != "":
			kind = KindMedia
		default:
			kind = KindText
		}
	}

	switch kind {
	case KindText:
		msg.Payload = Text{Content: w.Content}
	case KindMedia:
		msg.Payload = Media{
			FileURL:   w.FileURL,
			FileName:  w.FileName,
			FileSize:  w.FileSize,
			MimeType:  w.MimeType,
			MediaKind: ResolveMediaKind(w.MediaKind, w.MimeType, w.FileName),
		}
	case KindInventoryItem:
		if w.InventoryItem == nil {
			return Message{}, fmt.Errorf("message %s: inventory item snapshot missing", w.ID)
		}
		msg.Payload = *w.InventoryItem
	default:
		return Message{}, fmt.Errorf("message %s: unknown kind %q", w.ID, kind)
	}
	return msg, nil
}

// MessagesFromWire converts a page of wire messages, skipping invalid rows.
func MessagesFromWire(items []WireMessage) ([]Message, []error) {
	out := make([]Message, 0, len(items))
	var errs []error
	for _, w := range items {
		msg, err := w.Message()
		if err != nil {
			errs = append(errs, err)
			continue
		}
		out = append(out, msg)
	}
	return out, errs
}
