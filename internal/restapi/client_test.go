package restapi

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/4xmen/storechat/internal/models"
	"github.com/4xmen/storechat/internal/session"
)

var _ session.Backend = (*Client)(nil)

func newTestClient(t *testing.T, h http.HandlerFunc) *Client {
	t.Helper()
	srv := httptest.NewServer(h)
	t.Cleanup(srv.Close)
	c, err := New(srv.URL, "tok", srv.Client(), nil)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return c
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func TestGetConversationsSendsPagingAndAuth(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/chat/conversations" {
			t.Errorf("path = %s", r.URL.Path)
		}
		if r.URL.Query().Get("page") != "2" || r.URL.Query().Get("size") != "10" {
			t.Errorf("query = %s", r.URL.RawQuery)
		}
		if r.Header.Get("Authorization") != "Bearer tok" {
			t.Errorf("Authorization = %q", r.Header.Get("Authorization"))
		}
		writeJSON(w, http.StatusOK, map[string]any{
			"result":     []map[string]any{{"user_id": "alice", "display_name": "Alice", "unread_count": 2}},
			"count":      11,
			"totalPages": 2,
		})
	})

	page, err := c.GetConversations(context.Background(), 2, 10)
	if err != nil {
		t.Fatalf("GetConversations: %v", err)
	}
	if page.Count != 11 || page.TotalPages != 2 || len(page.Result) != 1 || page.Result[0].UnreadCount != 2 {
		t.Fatalf("page = %+v", page)
	}
}

func TestGetChatHistorySkipsInvalidRows(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/chat/history/alice" {
			t.Errorf("path = %s", r.URL.Path)
		}
		writeJSON(w, http.StatusOK, map[string]any{
			"result": []map[string]any{
				{"id": "1", "sender_id": "alice", "receiver_id": "me", "sent_at": "2026-01-01T10:00:00Z", "kind": "text", "content": "hi"},
				{"id": "2", "sender_id": "alice", "receiver_id": "me", "sent_at": "2026-01-01T10:01:00Z", "kind": "inventory_item"},
				{"id": "3", "sender_id": "alice", "receiver_id": "me", "sent_at": "2026-01-01T10:02:00Z", "file_url": "/f/x.mp4", "mime_type": "video/mp4"},
			},
			"count":      3,
			"totalPages": 1,
		})
	})

	page, err := c.GetChatHistory(context.Background(), "alice", 1, 20)
	if err != nil {
		t.Fatalf("GetChatHistory: %v", err)
	}
	if len(page.Result) != 2 {
		t.Fatalf("len = %d, want the two valid rows", len(page.Result))
	}
	media, ok := page.Result[1].Media()
	if !ok || media.MediaKind != models.MediaVideo {
		t.Fatalf("second row = %#v", page.Result[1].Payload)
	}
}

func TestErrorResponseBecomesAPIError(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusUnauthorized, map[string]string{"error": "invalid token"})
	})

	_, err := c.GetUnreadCount(context.Background())
	var apiErr *APIError
	if !errors.As(err, &apiErr) {
		t.Fatalf("err = %v, want *APIError", err)
	}
	if apiErr.StatusCode != http.StatusUnauthorized || apiErr.Message != "invalid token" {
		t.Fatalf("apiErr = %+v", apiErr)
	}
}

func TestMarkAsReadAndUnreadCount(t *testing.T) {
	var marked string
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		switch {
		case r.Method == http.MethodPost && strings.HasPrefix(r.URL.Path, "/api/chat/read/"):
			marked = strings.TrimPrefix(r.URL.Path, "/api/chat/read/")
			writeJSON(w, http.StatusOK, map[string]int{"updated": 3})
		case r.URL.Path == "/api/chat/unread-count":
			writeJSON(w, http.StatusOK, map[string]int{"count": 5})
		default:
			http.NotFound(w, r)
		}
	})

	if err := c.MarkAsRead(context.Background(), "alice"); err != nil {
		t.Fatalf("MarkAsRead: %v", err)
	}
	if marked != "alice" {
		t.Fatalf("marked = %q", marked)
	}
	n, err := c.GetUnreadCount(context.Background())
	if err != nil || n != 5 {
		t.Fatalf("GetUnreadCount = %d, %v", n, err)
	}
}

func TestSendImageUploadsMultipart(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		if err := r.ParseMultipartForm(1 << 20); err != nil {
			t.Errorf("ParseMultipartForm: %v", err)
			return
		}
		if r.FormValue("receiver_id") != "bob" {
			t.Errorf("receiver_id = %q", r.FormValue("receiver_id"))
		}
		f, hdr, err := r.FormFile("file")
		if err != nil {
			t.Errorf("FormFile: %v", err)
			return
		}
		data, _ := io.ReadAll(f)
		if hdr.Filename != "cat.png" || string(data) != "PNGDATA" {
			t.Errorf("file = %s %q", hdr.Filename, data)
		}
		writeJSON(w, http.StatusCreated, models.ToWire(models.Message{
			Envelope: models.Envelope{ID: "m1", SenderID: "me", ReceiverID: "bob", SentAt: time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)},
			Payload:  models.Media{FileURL: "/api/files/x.png", FileName: "cat.png", MimeType: "image/png", MediaKind: models.MediaImage},
		}))
	})

	msg, err := c.SendImage(context.Background(), "bob", "/tmp/cat.png", strings.NewReader("PNGDATA"))
	if err != nil {
		t.Fatalf("SendImage: %v", err)
	}
	if media, ok := msg.Media(); !ok || !media.IsImage() {
		t.Fatalf("msg = %#v", msg.Payload)
	}
}

func TestSendInventoryItem(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		var in map[string]string
		json.NewDecoder(r.Body).Decode(&in)
		if in["receiver_id"] != "bob" || in["item_id"] != "it-1" {
			t.Errorf("body = %v", in)
		}
		item := models.InventoryItem{ItemID: "it-1", ProductName: "Plush"}
		writeJSON(w, http.StatusCreated, models.ToWire(models.Message{
			Envelope: models.Envelope{ID: "m2", SenderID: "me", ReceiverID: "bob"},
			Payload:  item,
		}))
	})

	msg, err := c.SendInventoryItem(context.Background(), "bob", "it-1")
	if err != nil {
		t.Fatalf("SendInventoryItem: %v", err)
	}
	if item, ok := msg.InventoryItem(); !ok || item.ProductName != "Plush" {
		t.Fatalf("msg = %#v", msg.Payload)
	}
}

func TestPushURL(t *testing.T) {
	tests := []struct{ base, want string }{
		{"http://localhost:8080", "ws://localhost:8080/ws"},
		{"https://shop.example/chat/", "wss://shop.example/chat/ws"},
	}
	for _, tt := range tests {
		c, err := New(tt.base, "", nil, nil)
		if err != nil {
			t.Fatalf("New(%q): %v", tt.base, err)
		}
		if got := c.PushURL(); got != tt.want {
			t.Errorf("PushURL(%q) = %q, want %q", tt.base, got, tt.want)
		}
	}

	if _, err := New("ftp://x", "", nil, nil); err == nil {
		t.Fatal("expected error for unsupported scheme")
	}
}
