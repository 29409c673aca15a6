package main

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"text/tabwriter"
	"time"

	_ "github.com/mattn/go-sqlite3"
	"github.com/spf13/cobra"

	"github.com/4xmen/storechat/pkg/config"
)

type relayMetrics struct {
	Users           int64  `json:"users"`
	Conversations   int64  `json:"conversations"`
	Messages        int64  `json:"messages"`
	UnreadMessages  int64  `json:"unread_messages"`
	Files           int64  `json:"files"`
	UploadedBytes   int64  `json:"uploaded_bytes_db"`
	InventoryItems  int64  `json:"inventory_items"`
	Subscriptions   int64  `json:"push_subscriptions"`
	MessagesLast24h int64  `json:"messages_last_24h"`
	LatestMessageAt string `json:"latest_message_at"`
}

type storageUsage struct {
	DBFile      int64 `json:"db_file_bytes"`
	DBWAL       int64 `json:"db_wal_bytes"`
	DBSHM       int64 `json:"db_shm_bytes"`
	UploadBytes int64 `json:"upload_dir_bytes"`
	UploadFiles int64 `json:"upload_file_count"`
}

func (u storageUsage) footprint() int64 { return u.DBFile + u.DBWAL + u.DBSHM }

type statusReport struct {
	GeneratedAt     time.Time    `json:"generated_at"`
	Environment     string       `json:"environment"`
	Port            string       `json:"port"`
	DatabasePath    string       `json:"database_path"`
	StorageBackend  string       `json:"storage_backend"`
	FileStoragePath string       `json:"file_storage_path"`
	MetricsReady    bool         `json:"metrics_ready"`
	Metrics         relayMetrics `json:"metrics"`
	Storage         storageUsage `json:"storage"`
	Warnings        struct {
		Database string   `json:"database,omitempty"`
		Storage  []string `json:"storage,omitempty"`
	} `json:"warnings"`
}

func newStatusCmd(cfg *config.Config) *cobra.Command {
	var asJSON bool
	cmd := &cobra.Command{
		Use:   "status",
		Short: "Show relay database and storage statistics",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runStatus(cfg, cmd.OutOrStdout(), asJSON)
		},
	}
	cmd.Flags().BoolVarP(&asJSON, "json", "j", false, "print JSON")
	return cmd
}

func runStatus(cfg *config.Config, out io.Writer, asJSON bool) error {
	report := collectStatus(cfg)
	if asJSON {
		enc := json.NewEncoder(out)
		enc.SetIndent("", "  ")
		return enc.Encode(report)
	}
	return printStatus(out, report)
}

// statusQueries run in order; the first failure stops collection.
var statusQueries = []struct {
	query string
	dest  func(*relayMetrics) *int64
}{
	{"SELECT COUNT(*) FROM users", func(m *relayMetrics) *int64 { return &m.Users }},
	{`SELECT COUNT(*) FROM (
		SELECT DISTINCT MIN(sender_id, receiver_id), MAX(sender_id, receiver_id) FROM messages
	)`, func(m *relayMetrics) *int64 { return &m.Conversations }},
	{"SELECT COUNT(*) FROM messages", func(m *relayMetrics) *int64 { return &m.Messages }},
	{"SELECT COUNT(*) FROM messages WHERE read_at IS NULL", func(m *relayMetrics) *int64 { return &m.UnreadMessages }},
	{"SELECT COUNT(*) FROM files", func(m *relayMetrics) *int64 { return &m.Files }},
	{"SELECT COALESCE(SUM(file_size), 0) FROM files", func(m *relayMetrics) *int64 { return &m.UploadedBytes }},
	{"SELECT COUNT(*) FROM inventory_items", func(m *relayMetrics) *int64 { return &m.InventoryItems }},
	{"SELECT COUNT(*) FROM push_subscriptions WHERE revoked_at IS NULL", func(m *relayMetrics) *int64 { return &m.Subscriptions }},
	{"SELECT COUNT(*) FROM messages WHERE datetime(sent_at) >= datetime('now', '-1 day')", func(m *relayMetrics) *int64 { return &m.MessagesLast24h }},
}

func collectStatus(cfg *config.Config) statusReport {
	r := statusReport{
		GeneratedAt:     time.Now(),
		Environment:     cfg.Environment,
		Port:            cfg.Port,
		DatabasePath:    cfg.DatabasePath,
		StorageBackend:  "disk",
		FileStoragePath: cfg.FileStoragePath,
	}

	if size, err := fileSize(cfg.DatabasePath); err == nil {
		r.Storage.DBFile = size
	} else {
		r.Warnings.Storage = append(r.Warnings.Storage, fmt.Sprintf("database file: %v", err))
	}
	r.Storage.DBWAL, _ = fileSize(cfg.DatabasePath + "-wal")
	r.Storage.DBSHM, _ = fileSize(cfg.DatabasePath + "-shm")

	if cfg.S3Endpoint != "" {
		// Objects live in the bucket; only the database is measured locally.
		r.StorageBackend = "s3"
		r.FileStoragePath = cfg.S3Endpoint + "/" + cfg.S3Bucket
	} else if bytes, files, err := dirUsage(cfg.FileStoragePath); err == nil {
		r.Storage.UploadBytes, r.Storage.UploadFiles = bytes, files
	} else {
		r.Warnings.Storage = append(r.Warnings.Storage, fmt.Sprintf("upload dir: %v", err))
	}

	if err := collectMetrics(cfg.DatabasePath, &r.Metrics); err != nil {
		r.Warnings.Database = err.Error()
		return r
	}
	r.MetricsReady = true
	return r
}

func collectMetrics(path string, m *relayMetrics) error {
	// sql.Open would create a missing file, so check first.
	if _, err := os.Stat(path); err != nil {
		return fmt.Errorf("database unavailable: %w", err)
	}
	conn, err := sql.Open("sqlite3", path)
	if err != nil {
		return fmt.Errorf("database unavailable: %w", err)
	}
	defer conn.Close()

	for _, q := range statusQueries {
		if err := conn.QueryRow(q.query).Scan(q.dest(m)); err != nil {
			return fmt.Errorf("could not read database stats: %w", err)
		}
	}
	err = conn.QueryRow("SELECT COALESCE(MAX(sent_at), '') FROM messages").Scan(&m.LatestMessageAt)
	if err != nil {
		return fmt.Errorf("could not read database stats: %w", err)
	}
	return nil
}

func fileSize(path string) (int64, error) {
	info, err := os.Stat(path)
	if err != nil {
		return 0, err
	}
	if info.IsDir() {
		return 0, fmt.Errorf("%s is a directory", path)
	}
	return info.Size(), nil
}

func dirUsage(root string) (bytes, files int64, err error) {
	err = filepath.WalkDir(root, func(path string, d os.DirEntry, err error) error {
		if err != nil || d.IsDir() {
			return err
		}
		info, err := d.Info()
		if err != nil {
			return err
		}
		bytes += info.Size()
		files++
		return nil
	})
	if err != nil {
		return 0, 0, err
	}
	return bytes, files, nil
}

func formatBytes(n int64) string {
	const unit = 1024
	if n < unit {
		return fmt.Sprintf("%d B", n)
	}
	div, exp := int64(unit), 0
	for v := n / unit; v >= unit; v /= unit {
		div *= unit
		exp++
	}
	return fmt.Sprintf("%.1f %ciB", float64(n)/float64(div), "KMGTPE"[exp])
}

func formatTimestamp(value string) string {
	if value == "" {
		return "n/a"
	}
	return value
}

func printStatus(out io.Writer, r statusReport) error {
	count := func(n int64) string { return strconv.FormatInt(n, 10) }

	sections := []struct {
		title string
		rows  [][2]string
	}{
		{"Relay", [][2]string{
			{"Generated at", r.GeneratedAt.Format(time.RFC3339)},
			{"Environment", r.Environment},
			{"Port", r.Port},
			{"Database", r.DatabasePath},
			{"Media storage", r.StorageBackend + " " + r.FileStoragePath},
		}},
		{"Data", [][2]string{{"Database metrics", "n/a"}}},
		{"Storage", [][2]string{
			{"DB file", formatBytes(r.Storage.DBFile)},
			{"DB WAL file", formatBytes(r.Storage.DBWAL)},
			{"DB SHM file", formatBytes(r.Storage.DBSHM)},
			{"DB footprint", formatBytes(r.Storage.footprint())},
			{"Upload files", count(r.Storage.UploadFiles)},
			{"Upload size", formatBytes(r.Storage.UploadBytes)},
		}},
	}
	if r.MetricsReady {
		m := r.Metrics
		sections[1].rows = [][2]string{
			{"Users", count(m.Users)},
			{"Conversations", count(m.Conversations)},
			{"Messages", count(m.Messages)},
			{"Unread messages", count(m.UnreadMessages)},
			{"File records", count(m.Files)},
			{"Uploaded bytes DB", formatBytes(m.UploadedBytes)},
			{"Inventory items", count(m.InventoryItems)},
			{"Push subscriptions", count(m.Subscriptions)},
			{"Messages last 24h", count(m.MessagesLast24h)},
			{"Latest message at", formatTimestamp(m.LatestMessageAt)},
		}
	}

	tw := tabwriter.NewWriter(out, 0, 0, 1, ' ', 0)
	for i, s := range sections {
		if i > 0 {
			fmt.Fprintln(tw)
		}
		fmt.Fprintln(tw, s.title)
		for _, row := range s.rows {
			fmt.Fprintf(tw, "  %s\t: %s\n", row[0], row[1])
		}
	}
	if err := tw.Flush(); err != nil {
		return err
	}

	warnings := r.Warnings.Storage
	if r.Warnings.Database != "" {
		warnings = append([]string{r.Warnings.Database}, warnings...)
	}
	if len(warnings) > 0 {
		fmt.Fprintln(out)
	}
	for _, w := range warnings {
		fmt.Fprintf(out, "Warning: %s\n", w)
	}
	return nil
}
