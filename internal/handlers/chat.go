package handlers

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"path"
	"strconv"
	"strings"
	"time"

	"github.com/gabriel-vasile/mimetype"
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"github.com/4xmen/storechat/internal/db"
	"github.com/4xmen/storechat/internal/directory"
	"github.com/4xmen/storechat/internal/models"
	"github.com/4xmen/storechat/internal/obs"
	"github.com/4xmen/storechat/internal/storage"
)

const (
	defaultPageSize = 20
	maxPageSize     = 100
)

// ChatStore is the persistence behind the chat and inventory routes.
type ChatStore interface {
	GetUser(ctx context.Context, id string) (db.User, error)
	InsertMessage(ctx context.Context, msg models.Message) error
	History(ctx context.Context, a, b string, page, size int) ([]models.WireMessage, int, error)
	Conversations(ctx context.Context, userID string, page, size int) ([]db.ConversationSummary, int, error)
	UnreadCount(ctx context.Context, userID string) (int, error)
	MarkRead(ctx context.Context, receiverID, senderID string, at time.Time) (int64, error)
	InsertFile(ctx context.Context, f db.FileRecord) error
	InventoryItem(ctx context.Context, ownerID, itemID string) (models.OfferItem, error)
	InventoryItems(ctx context.Context, ownerID string, page, size int) ([]models.OfferItem, int, error)
	CreateInventoryItem(ctx context.Context, ownerID string, it models.OfferItem) error
	SaveSubscription(ctx context.Context, userID string, sub db.Subscription) error
}

// OnlineChecker reports push channel presence.
type OnlineChecker interface {
	IsUserOnline(userID string) bool
}

// MessageDeliverer pushes a stored message to both parties.
type MessageDeliverer interface {
	Deliver(ctx context.Context, msg models.Message)
}

type ChatHandler struct {
	store         ChatStore
	onlineChecker OnlineChecker
	deliverer     MessageDeliverer
	files         storage.Storage
	maxUploadSize int64
	vapidKey      string
	log           *slog.Logger
}

type ChatHandlerConfig struct {
	Store         ChatStore
	OnlineChecker OnlineChecker
	Deliverer     MessageDeliverer
	Files         storage.Storage
	MaxUploadSize int64
	VAPIDKey      string
	Logger        *slog.Logger
}

func NewChatHandler(cfg ChatHandlerConfig) *ChatHandler {
	return &ChatHandler{
		store:         cfg.Store,
		onlineChecker: cfg.OnlineChecker,
		deliverer:     cfg.Deliverer,
		files:         cfg.Files,
		maxUploadSize: cfg.MaxUploadSize,
		vapidKey:      cfg.VAPIDKey,
		log:           obs.Or(cfg.Logger).With("component", "handlers"),
	}
}

func paging(c *gin.Context) (int, int) {
	page, err := strconv.Atoi(c.DefaultQuery("page", "1"))
	if err != nil || page < 1 {
		page = 1
	}
	size, err := strconv.Atoi(c.DefaultQuery("size", strconv.Itoa(defaultPageSize)))
	if err != nil || size < 1 {
		size = defaultPageSize
	}
	if size > maxPageSize {
		size = maxPageSize
	}
	return page, size
}

func totalPages(count, size int) int {
	return (count + size - 1) / size
}

func (h *ChatHandler) isOnline(userID string) bool {
	return h.onlineChecker != nil && h.onlineChecker.IsUserOnline(userID)
}

func (h *ChatHandler) deliver(ctx context.Context, msg models.Message) {
	if h.deliverer != nil {
		h.deliverer.Deliver(ctx, msg)
	}
}

// GetConversations lists the caller's conversations, most recent first.
func (h *ChatHandler) GetConversations(c *gin.Context) {
	me := c.GetString("user_id")
	page, size := paging(c)

	rows, total, err := h.store.Conversations(c.Request.Context(), me, page, size)
	if err != nil {
		h.log.Error("failed to fetch conversations", "user_id", me, "error", err)
		c.JSON(http.StatusInternalServerError, errorBody(c, "failed to fetch conversations"))
		return
	}

	lang := locale(c)
	out := models.Page[models.Conversation]{Result: make([]models.Conversation, 0, len(rows)), Count: total, TotalPages: totalPages(total, size)}
	for _, row := range rows {
		conv := models.Conversation{
			UserID:        row.Counterpart.ID,
			DisplayName:   row.Counterpart.Name(),
			AvatarURL:     row.Counterpart.AvatarURL,
			LastMessageAt: row.Last.SentAt,
			UnreadCount:   row.Unread,
			IsOnline:      h.isOnline(row.Counterpart.ID),
		}
		if conv.DisplayName == "" {
			conv.DisplayName = conv.UserID
		}
		if msg, err := row.Last.Message(); err == nil {
			conv.LastMessage = directory.Preview(msg, lang)
		}
		out.Result = append(out.Result, conv)
	}
	c.JSON(http.StatusOK, out)
}

// GetChatHistory returns one page of the conversation with :user_id.
func (h *ChatHandler) GetChatHistory(c *gin.Context) {
	me := c.GetString("user_id")
	other := c.Param("user_id")
	if other == "" {
		c.JSON(http.StatusBadRequest, errorBody(c, "invalid user_id"))
		return
	}
	page, size := paging(c)

	msgs, total, err := h.store.History(c.Request.Context(), me, other, page, size)
	if err != nil {
		h.log.Error("failed to fetch messages", "user_id", me, "counterpart", other, "error", err)
		c.JSON(http.StatusInternalServerError, errorBody(c, "failed to fetch messages"))
		return
	}
	if msgs == nil {
		msgs = []models.WireMessage{}
	}
	c.JSON(http.StatusOK, models.Page[models.WireMessage]{Result: msgs, Count: total, TotalPages: totalPages(total, size)})
}

func (h *ChatHandler) GetUnreadCount(c *gin.Context) {
	me := c.GetString("user_id")
	n, err := h.store.UnreadCount(c.Request.Context(), me)
	if err != nil {
		h.log.Error("failed to fetch unread count", "user_id", me, "error", err)
		c.JSON(http.StatusInternalServerError, errorBody(c, "failed to fetch unread count"))
		return
	}
	c.JSON(http.StatusOK, gin.H{"count": n})
}

// MarkAsRead marks every message from :user_id to the caller as read.
func (h *ChatHandler) MarkAsRead(c *gin.Context) {
	me := c.GetString("user_id")
	other := c.Param("user_id")
	if other == "" {
		c.JSON(http.StatusBadRequest, errorBody(c, "invalid user_id"))
		return
	}

	n, err := h.store.MarkRead(c.Request.Context(), me, other, time.Now())
	if err != nil {
		h.log.Error("failed to mark messages read", "user_id", me, "counterpart", other, "error", err)
		c.JSON(http.StatusInternalServerError, errorBody(c, "failed to update message"))
		return
	}
	c.JSON(http.StatusOK, gin.H{"updated": n})
}

// receiver validates the target of a send and writes the error response
// when it is not acceptable.
func (h *ChatHandler) receiver(c *gin.Context, me, receiverID string) bool {
	if receiverID == "" {
		c.JSON(http.StatusBadRequest, errorBody(c, "invalid receiver_id"))
		return false
	}
	if receiverID == me {
		c.JSON(http.StatusBadRequest, errorBody(c, "cannot message yourself"))
		return false
	}
	if _, err := h.store.GetUser(c.Request.Context(), receiverID); err != nil {
		if errors.Is(err, db.ErrNotFound) {
			c.JSON(http.StatusBadRequest, errorBody(c, "invalid receiver_id"))
		} else {
			h.log.Error("failed to look up receiver", "receiver_id", receiverID, "error", err)
			c.JSON(http.StatusInternalServerError, errorBody(c, "failed to get user"))
		}
		return false
	}
	return true
}

// SendImage stores an uploaded image and delivers it as a media message.
func (h *ChatHandler) SendImage(c *gin.Context) {
	me := c.GetString("user_id")

	file, header, err := c.Request.FormFile("file")
	if err != nil {
		c.JSON(http.StatusBadRequest, errorBody(c, "file is required"))
		return
	}
	defer file.Close()

	if h.maxUploadSize > 0 && header.Size > h.maxUploadSize {
		c.JSON(http.StatusRequestEntityTooLarge, errorBody(c, "file too large"))
		return
	}

	receiverID := c.PostForm("receiver_id")
	if !h.receiver(c, me, receiverID) {
		return
	}

	mtype, err := mimetype.DetectReader(file)
	if err != nil || !strings.HasPrefix(mtype.String(), "image/") {
		c.JSON(http.StatusBadRequest, errorBody(c, "file must be an image"))
		return
	}
	if _, err := file.Seek(0, io.SeekStart); err != nil {
		c.JSON(http.StatusInternalServerError, errorBody(c, "failed to save file"))
		return
	}

	msgID := uuid.NewString()
	key := path.Join("chat", me, msgID+mtype.Extension())
	fileURL, err := h.files.Save(c.Request.Context(), key, file, header.Size, mtype.String())
	if err != nil {
		h.log.Error("failed to save file", "user_id", me, "key", key, "error", err)
		c.JSON(http.StatusInternalServerError, errorBody(c, "failed to save file"))
		return
	}

	msg := models.Message{
		Envelope: models.Envelope{
			ID:         msgID,
			SenderID:   me,
			ReceiverID: receiverID,
			SentAt:     time.Now().UTC(),
			Delivery:   models.DeliveryConfirmed,
		},
		Payload: models.Media{
			FileURL:   fileURL,
			FileName:  path.Base(header.Filename),
			FileSize:  header.Size,
			MimeType:  mtype.String(),
			MediaKind: models.MediaImage,
		},
	}
	if err := h.store.InsertMessage(c.Request.Context(), msg); err != nil {
		h.log.Error("failed to create message", "user_id", me, "error", err)
		c.JSON(http.StatusInternalServerError, errorBody(c, "failed to create message"))
		return
	}
	if err := h.store.InsertFile(c.Request.Context(), db.FileRecord{
		ID:          uuid.NewString(),
		OwnerID:     me,
		MessageID:   msgID,
		FileName:    path.Base(header.Filename),
		StorageKey:  key,
		FileSize:    header.Size,
		ContentType: mtype.String(),
	}); err != nil {
		// the message is already stored and deliverable
		h.log.Warn("failed to save file record", "message_id", msgID, "error", err)
	}

	h.deliver(c.Request.Context(), msg)
	c.JSON(http.StatusCreated, models.ToWire(msg))
}

type inventoryShareRequest struct {
	ReceiverID string `json:"receiver_id" binding:"required"`
	ItemID     string `json:"item_id" binding:"required"`
}

// SendInventoryItem shares a snapshot of one of the caller's available items.
func (h *ChatHandler) SendInventoryItem(c *gin.Context) {
	me := c.GetString("user_id")

	var req inventoryShareRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, errorBody(c, "invalid request"))
		return
	}
	if !h.receiver(c, me, req.ReceiverID) {
		return
	}

	item, err := h.store.InventoryItem(c.Request.Context(), me, req.ItemID)
	if errors.Is(err, db.ErrNotFound) {
		c.JSON(http.StatusNotFound, errorBody(c, "inventory item not found"))
		return
	}
	if err != nil {
		h.log.Error("failed to fetch inventory item", "user_id", me, "item_id", req.ItemID, "error", err)
		c.JSON(http.StatusInternalServerError, errorBody(c, "failed to fetch inventory"))
		return
	}
	if !item.Available() {
		c.JSON(http.StatusConflict, errorBody(c, "inventory item not available"))
		return
	}

	msg := models.Message{
		Envelope: models.Envelope{
			ID:         uuid.NewString(),
			SenderID:   me,
			ReceiverID: req.ReceiverID,
			SentAt:     time.Now().UTC(),
			Delivery:   models.DeliveryConfirmed,
		},
		Payload: item.Snapshot(),
	}
	if err := h.store.InsertMessage(c.Request.Context(), msg); err != nil {
		h.log.Error("failed to create message", "user_id", me, "error", err)
		c.JSON(http.StatusInternalServerError, errorBody(c, "failed to create message"))
		return
	}

	h.deliver(c.Request.Context(), msg)
	c.JSON(http.StatusCreated, models.ToWire(msg))
}

func (h *ChatHandler) GetInventoryItems(c *gin.Context) {
	me := c.GetString("user_id")
	page, size := paging(c)

	items, total, err := h.store.InventoryItems(c.Request.Context(), me, page, size)
	if err != nil {
		h.log.Error("failed to fetch inventory", "user_id", me, "error", err)
		c.JSON(http.StatusInternalServerError, errorBody(c, "failed to fetch inventory"))
		return
	}
	if items == nil {
		items = []models.OfferItem{}
	}
	c.JSON(http.StatusOK, models.Page[models.OfferItem]{Result: items, Count: total, TotalPages: totalPages(total, size)})
}

// CreateInventoryItem adds an offer item to the caller's inventory.
func (h *ChatHandler) CreateInventoryItem(c *gin.Context) {
	me := c.GetString("user_id")

	var item models.OfferItem
	if err := c.ShouldBindJSON(&item); err != nil || strings.TrimSpace(item.Name) == "" || item.ProductID == "" {
		c.JSON(http.StatusBadRequest, errorBody(c, "invalid request"))
		return
	}
	item.ItemID = uuid.NewString()
	if item.Status == "" {
		item.Status = models.StatusAvailable
	}
	if item.Quantity < 1 {
		item.Quantity = 1
	}

	if err := h.store.CreateInventoryItem(c.Request.Context(), me, item); err != nil {
		h.log.Error("failed to create inventory item", "user_id", me, "error", err)
		c.JSON(http.StatusInternalServerError, errorBody(c, "failed to create inventory item"))
		return
	}
	c.JSON(http.StatusCreated, item)
}

func (h *ChatHandler) GetVAPIDKey(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"public_key": h.vapidKey})
}

// Subscribe stores a Web Push subscription for offline notifications.
func (h *ChatHandler) Subscribe(c *gin.Context) {
	me := c.GetString("user_id")

	var sub db.Subscription
	if err := c.ShouldBindJSON(&sub); err != nil || sub.Endpoint == "" || sub.KeyP256dh == "" || sub.KeyAuth == "" {
		c.JSON(http.StatusBadRequest, errorBody(c, "invalid request"))
		return
	}
	if err := h.store.SaveSubscription(c.Request.Context(), me, sub); err != nil {
		h.log.Error("failed to save subscription", "user_id", me, "error", err)
		c.JSON(http.StatusInternalServerError, errorBody(c, "internal server error"))
		return
	}
	c.Status(http.StatusNoContent)
}
