// Package restapi is the HTTP client for the chat REST collaborators.
package restapi

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"mime/multipart"
	"net/http"
	"net/url"
	"path"
	"strconv"
	"strings"
	"time"

	"github.com/4xmen/storechat/internal/models"
	"github.com/4xmen/storechat/internal/obs"
)

// APIError is a non-2xx response.
type APIError struct {
	StatusCode int
	Message    string
}

func (e *APIError) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("chat api: status %d", e.StatusCode)
	}
	return fmt.Sprintf("chat api: status %d: %s", e.StatusCode, e.Message)
}

type Client struct {
	base  *url.URL
	token string
	http  *http.Client
	log   *slog.Logger
}

func New(baseURL, token string, httpClient *http.Client, logger *slog.Logger) (*Client, error) {
	u, err := url.Parse(strings.TrimRight(baseURL, "/"))
	if err != nil {
		return nil, fmt.Errorf("parse base url: %w", err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return nil, fmt.Errorf("unsupported base url scheme %q", u.Scheme)
	}
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 30 * time.Second}
	}
	return &Client{
		base:  u,
		token: token,
		http:  httpClient,
		log:   obs.Or(logger).With("component", "restapi"),
	}, nil
}

// WithToken returns a copy of the client that authenticates with token.
func (c *Client) WithToken(token string) *Client {
	cp := *c
	cp.token = token
	return &cp
}

// PushURL is the websocket endpoint on the same host.
func (c *Client) PushURL() string {
	u := *c.base
	if u.Scheme == "https" {
		u.Scheme = "wss"
	} else {
		u.Scheme = "ws"
	}
	u.Path = path.Join(u.Path, "/ws")
	return u.String()
}

func (c *Client) endpoint(p string, query url.Values) string {
	u := *c.base
	u.Path = path.Join(u.Path, p)
	if query != nil {
		u.RawQuery = query.Encode()
	}
	return u.String()
}

func pageQuery(page, size int) url.Values {
	q := url.Values{}
	q.Set("page", strconv.Itoa(page))
	q.Set("size", strconv.Itoa(size))
	return q
}

func (c *Client) do(ctx context.Context, method, endpoint, contentType string, body io.Reader, out any) error {
	req, err := http.NewRequestWithContext(ctx, method, endpoint, body)
	if err != nil {
		return err
	}
	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}
	req.Header.Set("Accept", "application/json")
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("%s %s: %w", method, req.URL.Path, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		var e struct {
			Error string `json:"error"`
		}
		_ = json.NewDecoder(io.LimitReader(resp.Body, 64<<10)).Decode(&e)
		return &APIError{StatusCode: resp.StatusCode, Message: e.Error}
	}
	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode %s: %w", req.URL.Path, err)
	}
	return nil
}

func (c *Client) postJSON(ctx context.Context, p string, in, out any) error {
	data, err := json.Marshal(in)
	if err != nil {
		return err
	}
	return c.do(ctx, http.MethodPost, c.endpoint(p, nil), "application/json", bytes.NewReader(data), out)
}

func (c *Client) GetConversations(ctx context.Context, page, size int) (models.Page[models.Conversation], error) {
	var out models.Page[models.Conversation]
	err := c.do(ctx, http.MethodGet, c.endpoint("/api/chat/conversations", pageQuery(page, size)), "", nil, &out)
	return out, err
}

// GetChatHistory returns one page of the conversation with receiverID. Rows
// that cannot be decoded are logged and skipped.
func (c *Client) GetChatHistory(ctx context.Context, receiverID string, page, size int) (models.Page[models.Message], error) {
	var wire models.Page[models.WireMessage]
	p := "/api/chat/history/" + url.PathEscape(receiverID)
	if err := c.do(ctx, http.MethodGet, c.endpoint(p, pageQuery(page, size)), "", nil, &wire); err != nil {
		return models.Page[models.Message]{}, err
	}

	msgs, errs := models.MessagesFromWire(wire.Result)
	for _, err := range errs {
		c.log.Warn("skipping history row", "counterpart", receiverID, "error", err)
	}
	return models.Page[models.Message]{Result: msgs, Count: wire.Count, TotalPages: wire.TotalPages}, nil
}

func (c *Client) GetUnreadCount(ctx context.Context) (int, error) {
	var out struct {
		Count int `json:"count"`
	}
	err := c.do(ctx, http.MethodGet, c.endpoint("/api/chat/unread-count", nil), "", nil, &out)
	return out.Count, err
}

func (c *Client) MarkAsRead(ctx context.Context, fromUserID string) error {
	return c.do(ctx, http.MethodPost, c.endpoint("/api/chat/read/"+url.PathEscape(fromUserID), nil), "", nil, nil)
}

// SendImage uploads file as a multipart form with receiver_id and file.
func (c *Client) SendImage(ctx context.Context, receiverID, fileName string, file io.Reader) (models.Message, error) {
	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	if err := mw.WriteField("receiver_id", receiverID); err != nil {
		return models.Message{}, err
	}
	part, err := mw.CreateFormFile("file", path.Base(fileName))
	if err != nil {
		return models.Message{}, err
	}
	if _, err := io.Copy(part, file); err != nil {
		return models.Message{}, fmt.Errorf("read %s: %w", fileName, err)
	}
	if err := mw.Close(); err != nil {
		return models.Message{}, err
	}

	var wire models.WireMessage
	if err := c.do(ctx, http.MethodPost, c.endpoint("/api/chat/image", nil), mw.FormDataContentType(), &buf, &wire); err != nil {
		return models.Message{}, err
	}
	return wire.Message()
}

func (c *Client) SendInventoryItem(ctx context.Context, receiverID, itemID string) (models.Message, error) {
	var wire models.WireMessage
	in := map[string]string{"receiver_id": receiverID, "item_id": itemID}
	if err := c.postJSON(ctx, "/api/chat/inventory-item", in, &wire); err != nil {
		return models.Message{}, err
	}
	return wire.Message()
}

func (c *Client) GetInventoryItems(ctx context.Context, page, size int) (models.Page[models.OfferItem], error) {
	var out models.Page[models.OfferItem]
	err := c.do(ctx, http.MethodGet, c.endpoint("/api/inventory/items", pageQuery(page, size)), "", nil, &out)
	return out, err
}

// CreateInventoryItem lists a new offer item for the caller.
func (c *Client) CreateInventoryItem(ctx context.Context, item models.OfferItem) (models.OfferItem, error) {
	var out models.OfferItem
	err := c.postJSON(ctx, "/api/inventory/items", item, &out)
	return out, err
}

type AuthResponse struct {
	Token string `json:"token"`
	User  struct {
		ID          string `json:"id"`
		Username    string `json:"username"`
		DisplayName string `json:"display_name"`
	} `json:"user"`
}

func (c *Client) Login(ctx context.Context, username, password string) (AuthResponse, error) {
	var out AuthResponse
	err := c.postJSON(ctx, "/api/auth/login", map[string]string{"username": username, "password": password}, &out)
	return out, err
}

func (c *Client) Register(ctx context.Context, username, password, displayName string) (AuthResponse, error) {
	var out AuthResponse
	in := map[string]string{"username": username, "password": password, "display_name": displayName}
	err := c.postJSON(ctx, "/api/auth/register", in, &out)
	return out, err
}
