package handlers

import (
	"bytes"
	"context"
	"encoding/json"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/ulule/limiter/v3"

	"github.com/4xmen/storechat/internal/auth"
	"github.com/4xmen/storechat/internal/db"
	"github.com/4xmen/storechat/internal/models"
	"github.com/4xmen/storechat/internal/storage"
)

var (
	testDB        *db.DB
	testAuthSvc   *auth.Service
	testRouter    *gin.Engine
	testUploadDir string
	testOnline    = &onlineSet{users: map[string]bool{}}
	testDelivered = &deliveryLog{}
)

type onlineSet struct {
	mu    sync.Mutex
	users map[string]bool
}

func (o *onlineSet) IsUserOnline(id string) bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.users[id]
}

func (o *onlineSet) set(id string, online bool) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.users[id] = online
}

type deliveryLog struct {
	mu   sync.Mutex
	msgs []models.Message
}

func (d *deliveryLog) Deliver(_ context.Context, msg models.Message) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.msgs = append(d.msgs, msg)
}

func (d *deliveryLog) take() []models.Message {
	d.mu.Lock()
	defer d.mu.Unlock()
	out := d.msgs
	d.msgs = nil
	return out
}

func TestMain(m *testing.M) {
	gin.SetMode(gin.TestMode)

	dir, err := os.MkdirTemp("", "storechat-handlers")
	if err != nil {
		panic(err)
	}

	testDB, err = db.New(filepath.Join(dir, "test.db"))
	if err != nil {
		panic(err)
	}

	testUploadDir = filepath.Join(dir, "uploads")
	files, err := storage.NewDisk(testUploadDir, "/api/files")
	if err != nil {
		panic(err)
	}

	testAuthSvc = auth.New(testDB.GetConn(), "test-jwt-secret")
	testRouter = setupTestRouter(files, limiter.Rate{Period: time.Minute, Limit: 1000})

	code := m.Run()

	testDB.Close()
	os.RemoveAll(dir)
	os.Exit(code)
}

func setupTestRouter(files storage.Storage, rate limiter.Rate) *gin.Engine {
	return NewRouter(RouterConfig{
		Environment:   "test",
		MaxUploadSize: 1 << 20,
		FilesDir:      testUploadDir,
		Auth:          NewAuthHandler(testAuthSvc),
		Chat: NewChatHandler(ChatHandlerConfig{
			Store:         testDB,
			OnlineChecker: testOnline,
			Deliverer:     testDelivered,
			Files:         files,
			MaxUploadSize: 1 << 20,
			VAPIDKey:      "vapid-pub",
		}),
		LoginRate:    rate,
		RegisterRate: rate,
	})
}

func clearTestData() {
	conn := testDB.GetConn()
	conn.Exec("DELETE FROM files")
	conn.Exec("DELETE FROM messages")
	conn.Exec("DELETE FROM inventory_items")
	conn.Exec("DELETE FROM push_subscriptions")
	conn.Exec("DELETE FROM users")
	testDelivered.take()
}

// registerUser creates a user and returns its id and token.
func registerUser(t *testing.T, username string) (string, string) {
	t.Helper()
	user, err := testAuthSvc.Register(context.Background(), username, "password123", "")
	if err != nil {
		t.Fatalf("Register(%s): %v", username, err)
	}
	token, err := testAuthSvc.GenerateToken(user.ID, user.Username)
	if err != nil {
		t.Fatalf("GenerateToken: %v", err)
	}
	return user.ID, token
}

func doJSON(t *testing.T, method, path, token string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var r *bytes.Reader
	if body != nil {
		data, _ := json.Marshal(body)
		r = bytes.NewReader(data)
	} else {
		r = bytes.NewReader(nil)
	}
	req := httptest.NewRequest(method, path, r)
	req.Header.Set("Content-Type", "application/json")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	w := httptest.NewRecorder()
	testRouter.ServeHTTP(w, req)
	return w
}

func decode[T any](t *testing.T, w *httptest.ResponseRecorder) T {
	t.Helper()
	var out T
	if err := json.Unmarshal(w.Body.Bytes(), &out); err != nil {
		t.Fatalf("decode %s: %v", w.Body.String(), err)
	}
	return out
}

func TestRegister(t *testing.T) {
	clearTestData()

	tests := []struct {
		name       string
		body       map[string]string
		wantStatus int
		wantError  bool
	}{
		{
			name:       "valid registration",
			body:       map[string]string{"username": "testuser", "password": "password123", "display_name": "Test Shop"},
			wantStatus: http.StatusCreated,
		},
		{
			name:       "duplicate username",
			body:       map[string]string{"username": "testuser", "password": "password123"},
			wantStatus: http.StatusBadRequest,
			wantError:  true,
		},
		{
			name:       "short username",
			body:       map[string]string{"username": "ab", "password": "password123"},
			wantStatus: http.StatusBadRequest,
			wantError:  true,
		},
		{
			name:       "short password",
			body:       map[string]string{"username": "newuser", "password": "12345"},
			wantStatus: http.StatusBadRequest,
			wantError:  true,
		},
		{
			name:       "invalid username characters",
			body:       map[string]string{"username": "test@user", "password": "password123"},
			wantStatus: http.StatusBadRequest,
			wantError:  true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := doJSON(t, "POST", "/api/auth/register", "", tt.body)
			if w.Code != tt.wantStatus {
				t.Fatalf("Register() status = %d, want %d (%s)", w.Code, tt.wantStatus, w.Body.String())
			}

			if tt.wantError {
				resp := decode[map[string]any](t, w)
				if _, ok := resp["error"]; !ok {
					t.Error("Expected error response")
				}
				return
			}
			resp := decode[AuthResponse](t, w)
			if resp.Token == "" || resp.User.ID == "" || resp.User.DisplayName != "Test Shop" {
				t.Errorf("response = %+v", resp)
			}
		})
	}
}

func TestLogin(t *testing.T) {
	clearTestData()
	registerUser(t, "loginuser")

	tests := []struct {
		name       string
		body       map[string]string
		wantStatus int
	}{
		{"valid login", map[string]string{"username": "loginuser", "password": "password123"}, http.StatusOK},
		{"wrong password", map[string]string{"username": "loginuser", "password": "wrongpassword"}, http.StatusUnauthorized},
		{"non-existent user", map[string]string{"username": "nonexistent", "password": "password123"}, http.StatusUnauthorized},
		{"missing password", map[string]string{"username": "loginuser"}, http.StatusBadRequest},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := doJSON(t, "POST", "/api/auth/login", "", tt.body)
			if w.Code != tt.wantStatus {
				t.Errorf("Login() status = %d, want %d", w.Code, tt.wantStatus)
			}
		})
	}
}

func TestErrorsAreTranslated(t *testing.T) {
	clearTestData()

	req := httptest.NewRequest("GET", "/api/chat/unread-count", nil)
	req.Header.Set("Accept-Language", "fa-IR,fa;q=0.9")
	w := httptest.NewRecorder()
	testRouter.ServeHTTP(w, req)

	if w.Code != http.StatusUnauthorized {
		t.Fatalf("status = %d", w.Code)
	}
	resp := decode[map[string]string](t, w)
	if resp["error"] != "توکن احراز هویت ارسال نشده است" {
		t.Fatalf("error = %q", resp["error"])
	}
}

func TestAuthMiddleware(t *testing.T) {
	clearTestData()
	_, token := registerUser(t, "mwuser")

	tests := []struct {
		name   string
		path   string
		header string
		want   int
	}{
		{"missing token", "/api/chat/unread-count", "", http.StatusUnauthorized},
		{"bad token", "/api/chat/unread-count", "Bearer nope", http.StatusUnauthorized},
		{"header token", "/api/chat/unread-count", "Bearer " + token, http.StatusOK},
		{"query token", "/api/chat/unread-count?token=" + token, "", http.StatusOK},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest("GET", tt.path, nil)
			if tt.header != "" {
				req.Header.Set("Authorization", tt.header)
			}
			w := httptest.NewRecorder()
			testRouter.ServeHTTP(w, req)
			if w.Code != tt.want {
				t.Fatalf("status = %d, want %d", w.Code, tt.want)
			}
		})
	}

	// a token for a deleted user is rejected
	testDB.GetConn().Exec("DELETE FROM users")
	if w := doJSON(t, "GET", "/api/chat/unread-count", token, nil); w.Code != http.StatusUnauthorized {
		t.Fatalf("deleted user status = %d", w.Code)
	}
}

func TestConversationsHistoryAndRead(t *testing.T) {
	clearTestData()
	aliceID, aliceToken := registerUser(t, "alice")
	bobID, _ := registerUser(t, "bob")
	testOnline.set(bobID, true)
	defer testOnline.set(bobID, false)

	base := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)
	for i, m := range []struct{ from, to, text string }{
		{bobID, aliceID, "hello"},
		{aliceID, bobID, "hi bob"},
		{bobID, aliceID, "is it still for sale?"},
	} {
		err := testDB.InsertMessage(context.Background(), models.Message{
			Envelope: models.Envelope{ID: "m" + string(rune('0'+i)), SenderID: m.from, ReceiverID: m.to, SentAt: base.Add(time.Duration(i) * time.Minute)},
			Payload:  models.Text{Content: m.text},
		})
		if err != nil {
			t.Fatalf("InsertMessage: %v", err)
		}
	}

	w := doJSON(t, "GET", "/api/chat/conversations?page=1&size=10", aliceToken, nil)
	if w.Code != http.StatusOK {
		t.Fatalf("conversations status = %d: %s", w.Code, w.Body.String())
	}
	convs := decode[models.Page[models.Conversation]](t, w)
	if convs.Count != 1 || convs.TotalPages != 1 || len(convs.Result) != 1 {
		t.Fatalf("conversations = %+v", convs)
	}
	got := convs.Result[0]
	if got.UserID != bobID || got.DisplayName != "bob" || got.LastMessage != "is it still for sale?" || got.UnreadCount != 2 || !got.IsOnline {
		t.Fatalf("conversation = %+v", got)
	}

	w = doJSON(t, "GET", "/api/chat/history/"+bobID+"?size=2", aliceToken, nil)
	history := decode[models.Page[models.WireMessage]](t, w)
	if history.Count != 3 || history.TotalPages != 2 || len(history.Result) != 2 || history.Result[1].Content != "is it still for sale?" {
		t.Fatalf("history = %+v", history)
	}

	w = doJSON(t, "GET", "/api/chat/unread-count", aliceToken, nil)
	if n := decode[map[string]int](t, w)["count"]; n != 2 {
		t.Fatalf("unread = %d, want 2", n)
	}

	w = doJSON(t, "POST", "/api/chat/read/"+bobID, aliceToken, nil)
	if n := decode[map[string]int](t, w)["updated"]; n != 2 {
		t.Fatalf("updated = %d, want 2", n)
	}

	w = doJSON(t, "GET", "/api/chat/unread-count", aliceToken, nil)
	if n := decode[map[string]int](t, w)["count"]; n != 0 {
		t.Fatalf("unread after read = %d, want 0", n)
	}
}

var pngHeader = []byte("\x89PNG\r\n\x1a\n\x00\x00\x00\rIHDR\x00\x00\x00\x01\x00\x00\x00\x01\x08\x06\x00\x00\x00")

func uploadRequest(t *testing.T, token, receiverID, name string, content []byte) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	mw.WriteField("receiver_id", receiverID)
	part, _ := mw.CreateFormFile("file", name)
	part.Write(content)
	mw.Close()

	req := httptest.NewRequest("POST", "/api/chat/image", &buf)
	req.Header.Set("Content-Type", mw.FormDataContentType())
	req.Header.Set("Authorization", "Bearer "+token)
	w := httptest.NewRecorder()
	testRouter.ServeHTTP(w, req)
	return w
}

func TestSendImage(t *testing.T) {
	clearTestData()
	aliceID, aliceToken := registerUser(t, "alice")
	bobID, _ := registerUser(t, "bob")

	w := uploadRequest(t, aliceToken, bobID, "photo.png", pngHeader)
	if w.Code != http.StatusCreated {
		t.Fatalf("status = %d: %s", w.Code, w.Body.String())
	}
	wire := decode[models.WireMessage](t, w)
	msg, err := wire.Message()
	if err != nil {
		t.Fatalf("Message: %v", err)
	}
	media, ok := msg.Media()
	if !ok || !media.IsImage() || media.MimeType != "image/png" || msg.SenderID != aliceID {
		t.Fatalf("msg = %+v", msg)
	}

	stored := filepath.Join(testUploadDir, "chat", aliceID, msg.ID+".png")
	if _, err := os.Stat(stored); err != nil {
		t.Fatalf("stored file: %v", err)
	}
	if media.FileURL != "/api/files/chat/"+aliceID+"/"+msg.ID+".png" {
		t.Fatalf("file url = %q", media.FileURL)
	}

	delivered := testDelivered.take()
	if len(delivered) != 1 || delivered[0].ID != msg.ID {
		t.Fatalf("delivered = %+v", delivered)
	}

	tests := []struct {
		name     string
		receiver string
		content  []byte
		want     int
	}{
		{"not an image", bobID, []byte("plain text, not a picture"), http.StatusBadRequest},
		{"to self", aliceID, pngHeader, http.StatusBadRequest},
		{"unknown receiver", "nobody", pngHeader, http.StatusBadRequest},
		{"too large", bobID, append(append([]byte{}, pngHeader...), make([]byte, 1<<20)...), http.StatusRequestEntityTooLarge},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if w := uploadRequest(t, aliceToken, tt.receiver, "x.png", tt.content); w.Code != tt.want {
				t.Fatalf("status = %d, want %d", w.Code, tt.want)
			}
		})
	}
	if n := len(testDelivered.take()); n != 0 {
		t.Fatalf("rejected uploads delivered %d messages", n)
	}
}

func TestInventoryShare(t *testing.T) {
	clearTestData()
	_, aliceToken := registerUser(t, "alice")
	bobID, _ := registerUser(t, "bob")

	w := doJSON(t, "POST", "/api/inventory/items", aliceToken, models.OfferItem{ProductID: "p1", Name: "Plush", UnitPrice: 12.5})
	if w.Code != http.StatusCreated {
		t.Fatalf("create status = %d: %s", w.Code, w.Body.String())
	}
	available := decode[models.OfferItem](t, w)
	if available.ItemID == "" || !available.Available() || available.Quantity != 1 {
		t.Fatalf("created = %+v", available)
	}

	w = doJSON(t, "POST", "/api/inventory/items", aliceToken, models.OfferItem{ProductID: "p2", Name: "Figure", Status: "sold"})
	sold := decode[models.OfferItem](t, w)

	w = doJSON(t, "GET", "/api/inventory/items", aliceToken, nil)
	items := decode[models.Page[models.OfferItem]](t, w)
	if items.Count != 2 || len(items.Result) != 2 {
		t.Fatalf("items = %+v", items)
	}

	w = doJSON(t, "POST", "/api/chat/inventory-item", aliceToken, map[string]string{"receiver_id": bobID, "item_id": available.ItemID})
	if w.Code != http.StatusCreated {
		t.Fatalf("share status = %d: %s", w.Code, w.Body.String())
	}
	msg, err := decode[models.WireMessage](t, w).Message()
	if err != nil {
		t.Fatalf("Message: %v", err)
	}
	snap, ok := msg.InventoryItem()
	if !ok || snap.ItemID != available.ItemID || snap.ProductName != "Plush" {
		t.Fatalf("snapshot = %+v", msg.Payload)
	}
	if delivered := testDelivered.take(); len(delivered) != 1 {
		t.Fatalf("delivered = %d", len(delivered))
	}

	tests := []struct {
		name   string
		itemID string
		want   int
	}{
		{"sold item", sold.ItemID, http.StatusConflict},
		{"unknown item", "missing", http.StatusNotFound},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := doJSON(t, "POST", "/api/chat/inventory-item", aliceToken, map[string]string{"receiver_id": bobID, "item_id": tt.itemID})
			if w.Code != tt.want {
				t.Fatalf("status = %d, want %d", w.Code, tt.want)
			}
		})
	}
}

func TestPushSubscription(t *testing.T) {
	clearTestData()
	userID, token := registerUser(t, "subscriber")

	w := doJSON(t, "GET", "/api/push/vapid-key", token, nil)
	if key := decode[map[string]string](t, w)["public_key"]; key != "vapid-pub" {
		t.Fatalf("public_key = %q", key)
	}

	w = doJSON(t, "POST", "/api/push/subscribe", token, db.Subscription{Endpoint: "https://push.example/1", KeyP256dh: "p", KeyAuth: "a"})
	if w.Code != http.StatusNoContent {
		t.Fatalf("subscribe status = %d", w.Code)
	}
	subs, err := testDB.Subscriptions(context.Background(), userID)
	if err != nil || len(subs) != 1 {
		t.Fatalf("Subscriptions = %+v, %v", subs, err)
	}

	if w := doJSON(t, "POST", "/api/push/subscribe", token, map[string]string{"endpoint": "x"}); w.Code != http.StatusBadRequest {
		t.Fatalf("incomplete subscription status = %d", w.Code)
	}
}

func TestRegisterIsRateLimited(t *testing.T) {
	clearTestData()
	router := setupTestRouter(nil, limiter.Rate{Period: time.Minute, Limit: 1})

	for i, want := range []int{http.StatusCreated, http.StatusTooManyRequests} {
		body, _ := json.Marshal(map[string]string{"username": "limited" + string(rune('a'+i)), "password": "password123"})
		req := httptest.NewRequest("POST", "/api/auth/register", bytes.NewReader(body))
		req.Header.Set("Content-Type", "application/json")
		w := httptest.NewRecorder()
		router.ServeHTTP(w, req)
		if w.Code != want {
			t.Fatalf("request %d status = %d, want %d", i, w.Code, want)
		}
	}
}

func TestHealthAndNotFound(t *testing.T) {
	if w := doJSON(t, "GET", "/health", "", nil); w.Code != http.StatusOK {
		t.Fatalf("health status = %d", w.Code)
	}
	if w := doJSON(t, "GET", "/nope", "", nil); w.Code != http.StatusNotFound {
		t.Fatalf("unknown route status = %d", w.Code)
	}
}

func TestPaging(t *testing.T) {
	tests := []struct {
		query          string
		wantPage, want int
	}{
		{"", 1, defaultPageSize},
		{"?page=3&size=5", 3, 5},
		{"?page=0&size=-1", 1, defaultPageSize},
		{"?size=1000", 1, maxPageSize},
	}
	for _, tt := range tests {
		c, _ := gin.CreateTestContext(httptest.NewRecorder())
		c.Request = httptest.NewRequest("GET", "/x"+tt.query, nil)
		page, size := paging(c)
		if page != tt.wantPage || size != tt.want {
			t.Errorf("paging(%q) = %d, %d", tt.query, page, size)
		}
	}
	if totalPages(0, 20) != 0 || totalPages(21, 20) != 2 {
		t.Error("totalPages")
	}
}
