package db

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"github.com/4xmen/storechat/internal/models"
)

var ErrNotFound = errors.New("not found")

type DB struct {
	conn *sql.DB
}

func New(path string) (*DB, error) {
	conn, err := sql.Open("sqlite3", dsn(path))
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	if err := conn.Ping(); err != nil {
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	// WAL lets readers work while a writer is writing
	if _, err := conn.Exec("PRAGMA journal_mode=WAL"); err != nil {
		return nil, fmt.Errorf("failed to enable WAL mode: %w", err)
	}

	// Wait up to 5 seconds instead of failing with SQLITE_BUSY
	if _, err := conn.Exec("PRAGMA busy_timeout=5000"); err != nil {
		return nil, fmt.Errorf("failed to set busy timeout: %w", err)
	}

	// NORMAL is safe with WAL
	if _, err := conn.Exec("PRAGMA synchronous=NORMAL"); err != nil {
		return nil, fmt.Errorf("failed to set synchronous mode: %w", err)
	}

	// -64000 = 64MB cache
	if _, err := conn.Exec("PRAGMA cache_size=-64000"); err != nil {
		return nil, fmt.Errorf("failed to set cache size: %w", err)
	}

	conn.SetMaxOpenConns(25)
	conn.SetMaxIdleConns(5)
	conn.SetConnMaxLifetime(5 * time.Minute)

	db := &DB{conn: conn}

	if err := db.migrate(); err != nil {
		return nil, fmt.Errorf("migration failed: %w", err)
	}

	return db, nil
}

// dsn applies the busy timeout to every pooled connection, not only the
// one that ran the PRAGMA.
func dsn(path string) string {
	if path == ":memory:" || strings.Contains(path, "_busy_timeout") {
		return path
	}
	sep := "?"
	if strings.Contains(path, "?") {
		sep = "&"
	}
	return path + sep + "_busy_timeout=5000"
}

func (db *DB) migrate() error {
	schema := `
	CREATE TABLE IF NOT EXISTS users (
		id TEXT PRIMARY KEY,
		username TEXT UNIQUE NOT NULL,
		password_hash TEXT NOT NULL,
		display_name TEXT NOT NULL DEFAULT '',
		avatar_url TEXT NOT NULL DEFAULT '',
		last_seen_at TIMESTAMP,
		created_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP
	);

	CREATE TABLE IF NOT EXISTS messages (
		id TEXT PRIMARY KEY,
		client_message_id TEXT NOT NULL DEFAULT '',
		sender_id TEXT NOT NULL,
		receiver_id TEXT NOT NULL,
		kind TEXT NOT NULL,
		content TEXT NOT NULL DEFAULT '',
		file_url TEXT NOT NULL DEFAULT '',
		file_name TEXT NOT NULL DEFAULT '',
		file_size INTEGER NOT NULL DEFAULT 0,
		mime_type TEXT NOT NULL DEFAULT '',
		media_kind TEXT NOT NULL DEFAULT '',
		inventory_item TEXT,
		sent_at TIMESTAMP NOT NULL,
		read_at TIMESTAMP,
		FOREIGN KEY (sender_id) REFERENCES users(id),
		FOREIGN KEY (receiver_id) REFERENCES users(id)
	);

	CREATE TABLE IF NOT EXISTS files (
		id TEXT PRIMARY KEY,
		owner_id TEXT NOT NULL,
		message_id TEXT NOT NULL DEFAULT '',
		file_name TEXT NOT NULL,
		storage_key TEXT NOT NULL,
		file_size INTEGER NOT NULL,
		content_type TEXT NOT NULL DEFAULT '',
		created_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP
	);

	CREATE TABLE IF NOT EXISTS inventory_items (
		id TEXT PRIMARY KEY,
		owner_id TEXT NOT NULL,
		product_id TEXT NOT NULL,
		name TEXT NOT NULL,
		image TEXT NOT NULL DEFAULT '',
		unit_price REAL NOT NULL DEFAULT 0,
		quantity INTEGER NOT NULL DEFAULT 1,
		status TEXT NOT NULL DEFAULT 'available',
		rarity TEXT NOT NULL DEFAULT '',
		location TEXT NOT NULL DEFAULT '',
		from_blind_box INTEGER NOT NULL DEFAULT 0,
		on_hold INTEGER NOT NULL DEFAULT 0,
		has_active_listing INTEGER NOT NULL DEFAULT 0,
		created_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP,
		FOREIGN KEY (owner_id) REFERENCES users(id)
	);

	CREATE TABLE IF NOT EXISTS push_subscriptions (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		user_id TEXT NOT NULL,
		endpoint TEXT UNIQUE NOT NULL,
		p256dh TEXT NOT NULL,
		auth TEXT NOT NULL,
		created_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP,
		revoked_at TIMESTAMP
	);

	CREATE INDEX IF NOT EXISTS idx_messages_pair ON messages(sender_id, receiver_id, sent_at);
	CREATE INDEX IF NOT EXISTS idx_messages_unread ON messages(receiver_id, read_at);
	CREATE INDEX IF NOT EXISTS idx_inventory_owner ON inventory_items(owner_id, created_at);
	CREATE INDEX IF NOT EXISTS idx_push_subscriptions_user ON push_subscriptions(user_id);
	`

	_, err := db.conn.Exec(schema)
	return err
}

func (db *DB) Close() error {
	return db.conn.Close()
}

func (db *DB) GetConn() *sql.DB {
	return db.conn
}

type User struct {
	ID          string `json:"id"`
	Username    string `json:"username"`
	DisplayName string `json:"display_name"`
	AvatarURL   string `json:"avatar_url,omitempty"`
}

// Name is the display name, falling back to the username.
func (u User) Name() string {
	if u.DisplayName != "" {
		return u.DisplayName
	}
	return u.Username
}

func (db *DB) GetUser(ctx context.Context, id string) (User, error) {
	var u User
	err := db.conn.QueryRowContext(ctx,
		"SELECT id, username, display_name, avatar_url FROM users WHERE id = ?", id,
	).Scan(&u.ID, &u.Username, &u.DisplayName, &u.AvatarURL)
	if errors.Is(err, sql.ErrNoRows) {
		return User{}, ErrNotFound
	}
	return u, err
}

func (db *DB) SetLastSeen(ctx context.Context, userID string, at time.Time) error {
	_, err := db.conn.ExecContext(ctx, "UPDATE users SET last_seen_at = ? WHERE id = ?", at.UTC(), userID)
	return err
}

// LastSeen reports when the user last disconnected. ok is false when the
// user never connected.
func (db *DB) LastSeen(ctx context.Context, userID string) (time.Time, bool, error) {
	var at sql.NullTime
	err := db.conn.QueryRowContext(ctx, "SELECT last_seen_at FROM users WHERE id = ?", userID).Scan(&at)
	if errors.Is(err, sql.ErrNoRows) {
		return time.Time{}, false, ErrNotFound
	}
	if err != nil {
		return time.Time{}, false, err
	}
	return at.Time, at.Valid, nil
}

const messageColumns = `id, client_message_id, sender_id, receiver_id, kind, content,
	file_url, file_name, file_size, mime_type, media_kind, inventory_item, sent_at, read_at`

func (db *DB) InsertMessage(ctx context.Context, msg models.Message) error {
	if err := msg.Validate(); err != nil {
		return err
	}
	w := models.ToWire(msg)
	var item sql.NullString
	if w.InventoryItem != nil {
		data, err := json.Marshal(w.InventoryItem)
		if err != nil {
			return fmt.Errorf("encode inventory item: %w", err)
		}
		item = sql.NullString{String: string(data), Valid: true}
	}
	_, err := db.conn.ExecContext(ctx,
		`INSERT INTO messages (`+messageColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, NULL)`,
		w.ID, w.ClientMsgID, w.SenderID, w.ReceiverID, string(w.Kind), w.Content,
		w.FileURL, w.FileName, w.FileSize, w.MimeType, w.MediaKind, item, w.SentAt.UTC(),
	)
	if err != nil {
		return fmt.Errorf("failed to insert message: %w", err)
	}
	return nil
}

type scanner interface {
	Scan(dest ...any) error
}

func scanMessage(row scanner) (models.WireMessage, error) {
	var (
		w      models.WireMessage
		kind   string
		item   sql.NullString
		readAt sql.NullTime
	)
	err := row.Scan(&w.ID, &w.ClientMsgID, &w.SenderID, &w.ReceiverID, &kind, &w.Content,
		&w.FileURL, &w.FileName, &w.FileSize, &w.MimeType, &w.MediaKind, &item, &w.SentAt, &readAt)
	if err != nil {
		return w, err
	}
	w.Kind = models.Kind(kind)
	w.IsRead = readAt.Valid
	if item.Valid {
		var snap models.InventoryItem
		if err := json.Unmarshal([]byte(item.String), &snap); err != nil {
			return w, fmt.Errorf("message %s: decode inventory item: %w", w.ID, err)
		}
		w.InventoryItem = &snap
	}
	return w, nil
}

// History returns one page of the conversation between a and b, newest page
// first and oldest-to-newest within the page.
func (db *DB) History(ctx context.Context, a, b string, page, size int) ([]models.WireMessage, int, error) {
	var total int
	err := db.conn.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM messages
		WHERE (sender_id = ? AND receiver_id = ?) OR (sender_id = ? AND receiver_id = ?)`,
		a, b, b, a,
	).Scan(&total)
	if err != nil {
		return nil, 0, fmt.Errorf("failed to count messages: %w", err)
	}

	rows, err := db.conn.QueryContext(ctx,
		`SELECT `+messageColumns+` FROM messages
		WHERE (sender_id = ? AND receiver_id = ?) OR (sender_id = ? AND receiver_id = ?)
		ORDER BY sent_at DESC, id DESC
		LIMIT ? OFFSET ?`,
		a, b, b, a, size, offset(page, size),
	)
	if err != nil {
		return nil, 0, fmt.Errorf("failed to query messages: %w", err)
	}
	defer rows.Close()

	var out []models.WireMessage
	for rows.Next() {
		w, err := scanMessage(rows)
		if err != nil {
			return nil, 0, err
		}
		out = append(out, w)
	}
	if err := rows.Err(); err != nil {
		return nil, 0, err
	}
	for i, j := 0, len(out)-1; i < j; i, j = i+1, j-1 {
		out[i], out[j] = out[j], out[i]
	}
	return out, total, nil
}

// ConversationSummary is one row of a user's conversation list.
type ConversationSummary struct {
	Counterpart User
	Last        models.WireMessage
	Unread      int
}

func (db *DB) Conversations(ctx context.Context, userID string, page, size int) ([]ConversationSummary, int, error) {
	var total int
	err := db.conn.QueryRowContext(ctx,
		`SELECT COUNT(DISTINCT CASE WHEN sender_id = ? THEN receiver_id ELSE sender_id END)
		FROM messages WHERE sender_id = ? OR receiver_id = ?`,
		userID, userID, userID,
	).Scan(&total)
	if err != nil {
		return nil, 0, fmt.Errorf("failed to count conversations: %w", err)
	}

	// The last message is joined back from messages so sent_at keeps its
	// TIMESTAMP type when scanned.
	rows, err := db.conn.QueryContext(ctx, `
		WITH pairs AS (
			SELECT CASE WHEN sender_id = ? THEN receiver_id ELSE sender_id END AS other_id, id, sent_at
			FROM messages
			WHERE sender_id = ? OR receiver_id = ?
		),
		latest AS (
			SELECT p.other_id,
				(SELECT p2.id FROM pairs p2 WHERE p2.other_id = p.other_id
				ORDER BY p2.sent_at DESC, p2.id DESC LIMIT 1) AS last_id
			FROM pairs p
			GROUP BY p.other_id
		)
		SELECT l.other_id, COALESCE(u.username, ''), COALESCE(u.display_name, ''), COALESCE(u.avatar_url, ''),
			(SELECT COUNT(*) FROM messages x WHERE x.sender_id = l.other_id AND x.receiver_id = ? AND x.read_at IS NULL),
			m.id, m.client_message_id, m.sender_id, m.receiver_id, m.kind, m.content,
			m.file_url, m.file_name, m.file_size, m.mime_type, m.media_kind, m.inventory_item, m.sent_at, m.read_at
		FROM latest l
		JOIN messages m ON m.id = l.last_id
		LEFT JOIN users u ON u.id = l.other_id
		ORDER BY m.sent_at DESC, l.other_id
		LIMIT ? OFFSET ?`,
		userID, userID, userID, userID, size, offset(page, size),
	)
	if err != nil {
		return nil, 0, fmt.Errorf("failed to query conversations: %w", err)
	}
	defer rows.Close()

	var out []ConversationSummary
	for rows.Next() {
		var s ConversationSummary
		var (
			kind   string
			item   sql.NullString
			readAt sql.NullTime
			w      = &s.Last
		)
		err := rows.Scan(&s.Counterpart.ID, &s.Counterpart.Username, &s.Counterpart.DisplayName, &s.Counterpart.AvatarURL,
			&s.Unread,
			&w.ID, &w.ClientMsgID, &w.SenderID, &w.ReceiverID, &kind, &w.Content,
			&w.FileURL, &w.FileName, &w.FileSize, &w.MimeType, &w.MediaKind, &item, &w.SentAt, &readAt)
		if err != nil {
			return nil, 0, err
		}
		w.Kind = models.Kind(kind)
		w.IsRead = readAt.Valid
		if item.Valid {
			var snap models.InventoryItem
			if err := json.Unmarshal([]byte(item.String), &snap); err == nil {
				w.InventoryItem = &snap
			}
		}
		out = append(out, s)
	}
	return out, total, rows.Err()
}

func (db *DB) UnreadCount(ctx context.Context, userID string) (int, error) {
	var n int
	err := db.conn.QueryRowContext(ctx,
		"SELECT COUNT(*) FROM messages WHERE receiver_id = ? AND read_at IS NULL", userID,
	).Scan(&n)
	return n, err
}

// MarkRead marks every unread message from sender to receiver as read.
func (db *DB) MarkRead(ctx context.Context, receiverID, senderID string, at time.Time) (int64, error) {
	res, err := db.conn.ExecContext(ctx,
		"UPDATE messages SET read_at = ? WHERE receiver_id = ? AND sender_id = ? AND read_at IS NULL",
		at.UTC(), receiverID, senderID,
	)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

const inventoryColumns = `id, product_id, name, image, unit_price, quantity, status, rarity, location,
	from_blind_box, on_hold, has_active_listing`

func scanOfferItem(row scanner) (models.OfferItem, error) {
	var it models.OfferItem
	err := row.Scan(&it.ItemID, &it.ProductID, &it.Name, &it.Image, &it.UnitPrice, &it.Quantity,
		&it.Status, &it.Rarity, &it.Location, &it.FromBlindBox, &it.OnHold, &it.HasActiveListing)
	return it, err
}

func (db *DB) CreateInventoryItem(ctx context.Context, ownerID string, it models.OfferItem) error {
	_, err := db.conn.ExecContext(ctx,
		`INSERT INTO inventory_items (owner_id, `+inventoryColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		ownerID, it.ItemID, it.ProductID, it.Name, it.Image, it.UnitPrice, it.Quantity,
		it.Status, it.Rarity, it.Location, it.FromBlindBox, it.OnHold, it.HasActiveListing,
	)
	if err != nil {
		return fmt.Errorf("failed to insert inventory item: %w", err)
	}
	return nil
}

func (db *DB) InventoryItem(ctx context.Context, ownerID, itemID string) (models.OfferItem, error) {
	row := db.conn.QueryRowContext(ctx,
		`SELECT `+inventoryColumns+` FROM inventory_items WHERE owner_id = ? AND id = ?`,
		ownerID, itemID,
	)
	it, err := scanOfferItem(row)
	if errors.Is(err, sql.ErrNoRows) {
		return models.OfferItem{}, ErrNotFound
	}
	return it, err
}

func (db *DB) InventoryItems(ctx context.Context, ownerID string, page, size int) ([]models.OfferItem, int, error) {
	var total int
	if err := db.conn.QueryRowContext(ctx,
		"SELECT COUNT(*) FROM inventory_items WHERE owner_id = ?", ownerID,
	).Scan(&total); err != nil {
		return nil, 0, err
	}

	rows, err := db.conn.QueryContext(ctx,
		`SELECT `+inventoryColumns+` FROM inventory_items WHERE owner_id = ?
		ORDER BY created_at DESC, id LIMIT ? OFFSET ?`,
		ownerID, size, offset(page, size),
	)
	if err != nil {
		return nil, 0, err
	}
	defer rows.Close()

	var out []models.OfferItem
	for rows.Next() {
		it, err := scanOfferItem(rows)
		if err != nil {
			return nil, 0, err
		}
		out = append(out, it)
	}
	return out, total, rows.Err()
}

type FileRecord struct {
	ID          string
	OwnerID     string
	MessageID   string
	FileName    string
	StorageKey  string
	FileSize    int64
	ContentType string
}

func (db *DB) InsertFile(ctx context.Context, f FileRecord) error {
	_, err := db.conn.ExecContext(ctx,
		`INSERT INTO files (id, owner_id, message_id, file_name, storage_key, file_size, content_type)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		f.ID, f.OwnerID, f.MessageID, f.FileName, f.StorageKey, f.FileSize, f.ContentType,
	)
	return err
}

type Subscription struct {
	Endpoint  string `json:"endpoint"`
	KeyP256dh string `json:"p256dh"`
	KeyAuth   string `json:"auth"`
}

// SaveSubscription stores or re-activates a Web Push subscription.
func (db *DB) SaveSubscription(ctx context.Context, userID string, sub Subscription) error {
	_, err := db.conn.ExecContext(ctx,
		`INSERT INTO push_subscriptions (user_id, endpoint, p256dh, auth) VALUES (?, ?, ?, ?)
		ON CONFLICT(endpoint) DO UPDATE SET
			user_id = excluded.user_id, p256dh = excluded.p256dh, auth = excluded.auth, revoked_at = NULL`,
		userID, sub.Endpoint, sub.KeyP256dh, sub.KeyAuth,
	)
	return err
}

func (db *DB) Subscriptions(ctx context.Context, userID string) ([]Subscription, error) {
	rows, err := db.conn.QueryContext(ctx,
		"SELECT endpoint, p256dh, auth FROM push_subscriptions WHERE user_id = ? AND revoked_at IS NULL",
		userID,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var subs []Subscription
	for rows.Next() {
		var sub Subscription
		if err := rows.Scan(&sub.Endpoint, &sub.KeyP256dh, &sub.KeyAuth); err != nil {
			return nil, err
		}
		subs = append(subs, sub)
	}
	return subs, rows.Err()
}

func (db *DB) DeleteSubscription(ctx context.Context, endpoint string) error {
	_, err := db.conn.ExecContext(ctx, "DELETE FROM push_subscriptions WHERE endpoint = ?", endpoint)
	return err
}

func offset(page, size int) int {
	if page < 1 {
		page = 1
	}
	return (page - 1) * size
}
