// Package protocol defines the JSON frames exchanged over the chat push
// channel.
package protocol

import (
	"encoding/json"
	"time"

	"github.com/4xmen/storechat/internal/models"
)

// Client to server.
const (
	TypeSendMessage       = "send_message"
	TypeStartTyping       = "start_typing"
	TypeStopTyping        = "stop_typing"
	TypeCheckOnlineStatus = "check_online_status"
)

// Server to client.
const (
	TypeAck                         = "ack"
	TypeReceiveMessage              = "receive_message"
	TypeReceiveMediaMessage         = "receive_media_message"
	TypeReceiveInventoryItemMessage = "receive_inventory_item_message"
	TypeUserStatusChanged           = "user_status_changed"
	TypeUserTyping                  = "user_typing"
	TypeError                       = "error"
)

// Frame is the envelope of every push channel frame. Only the fields
// relevant to Type are set.
type Frame struct {
	Type        string              `json:"type"`
	RequestID   string              `json:"request_id,omitempty"`
	ReceiverID  string              `json:"receiver_id,omitempty"`
	UserID      string              `json:"user_id,omitempty"`
	Content     string              `json:"content,omitempty"`
	ClientMsgID string              `json:"client_message_id,omitempty"`
	OK          bool                `json:"ok,omitempty"`
	Error       string              `json:"error,omitempty"`
	MessageID   string              `json:"message_id,omitempty"`
	SentAt      *time.Time          `json:"sent_at,omitempty"`
	IsOnline    *bool               `json:"is_online,omitempty"`
	IsTyping    *bool               `json:"is_typing,omitempty"`
	LastSeen    *time.Time          `json:"last_seen,omitempty"`
	Message     *models.WireMessage `json:"message,omitempty"`
}

// ReceiveTypeFor picks the inbound event type for a message kind.
func ReceiveTypeFor(kind models.Kind) string {
	switch kind {
	case models.KindMedia:
		return TypeReceiveMediaMessage
	case models.KindInventoryItem:
		return TypeReceiveInventoryItemMessage
	default:
		return TypeReceiveMessage
	}
}

// KindForReceiveType is the inverse of ReceiveTypeFor.
func KindForReceiveType(frameType string) (models.Kind, bool) {
	switch frameType {
	case TypeReceiveMessage:
		return models.KindText, true
	case TypeReceiveMediaMessage:
		return models.KindMedia, true
	case TypeReceiveInventoryItemMessage:
		return models.KindInventoryItem, true
	}
	return "", false
}

// MessageFrame wraps a message in its receive frame.
func MessageFrame(msg models.Message) Frame {
	w := models.ToWire(msg)
	return Frame{Type: ReceiveTypeFor(msg.Kind()), Message: &w}
}

func Bool(v bool) *bool { return &v }

func Encode(f Frame) ([]byte, error) {
	return json.Marshal(f)
}

func Decode(data []byte) (Frame, error) {
	var f Frame
	err := json.Unmarshal(data, &f)
	return f, err
}
