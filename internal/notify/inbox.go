package notify

import (
	"context"
	"database/sql"
	"fmt"
	"strconv"
	"time"

	"lantern/internal/metrics"

	"github.com/XSAM/otelsql"
	"github.com/rs/zerolog/log"
	semconv "go.opentelemetry.io/otel/semconv/v1.24.0"
	_ "modernc.org/sqlite"
)

const inboxSchema = `
CREATE TABLE IF NOT EXISTS notifications (
	id         TEXT PRIMARY KEY,
	user_id    TEXT NOT NULL,
	type       TEXT NOT NULL,
	subject_id TEXT NOT NULL,
	title      TEXT,
	body       TEXT,
	created_at TEXT NOT NULL
);
CREATE UNIQUE INDEX IF NOT EXISTS idx_notifications_dedupe
	ON notifications (user_id, type, subject_id);
CREATE INDEX IF NOT EXISTS idx_notifications_user_created
	ON notifications (user_id, created_at);
`

// Notification is one in-app inbox entry.
type Notification struct {
	ID        string    `json:"id"`
	UserID    string    `json:"user_id"`
	Type      string    `json:"type"`
	SubjectID string    `json:"subject_id"`
	Title     string    `json:"title,omitempty"`
	Body      string    `json:"body,omitempty"`
	CreatedAt time.Time `json:"created_at"`
}

// SettingsFunc decides whether a user accepts notifications of a given type.
// A nil SettingsFunc accepts everything.
type SettingsFunc func(ctx context.Context, userID, eventType string) bool

// Inbox is a sqlite-backed notification store and Dispatcher.
// Duplicate notifications for the same (user, type, subject) are dropped by
// a unique index, so at-least-once pipeline delivery cannot double-notify.
type Inbox struct {
	db       *sql.DB
	settings SettingsFunc
}

// OpenInbox opens (or creates) the inbox database at path over an
// instrumented driver.
func OpenInbox(path string, settings SettingsFunc) (*Inbox, error) {
	db, err := otelsql.Open("sqlite", path,
		otelsql.WithAttributes(semconv.DBSystemSqlite))
	if err != nil {
		return nil, fmt.Errorf("failed to open inbox database: %w", err)
	}

	if _, err := otelsql.RegisterDBStatsMetrics(db,
		otelsql.WithAttributes(semconv.DBSystemSqlite)); err != nil {
		log.Warn().Err(err).Msg("notify: failed to register db stats metrics")
	}

	if _, err := db.Exec(inboxSchema); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to apply inbox schema: %w", err)
	}

	return &Inbox{db: db, settings: settings}, nil
}

// Close closes the inbox database.
func (i *Inbox) Close() error {
	return i.db.Close()
}

// Notify stores an in-app notification. Self and settings-suppressed
// notifications are skipped; duplicates are absorbed by the unique index.
func (i *Inbox) Notify(ctx context.Context, userID, eventType string, payload Payload) bool {
	if userID == "" {
		return false
	}
	if i.settings != nil && !i.settings(ctx, userID, eventType) {
		metrics.NotificationsTotal.WithLabelValues(eventType, "false").Inc()
		return false
	}

	now := time.Now()
	id := strconv.FormatInt(now.UnixNano(), 10)

	res, err := i.db.ExecContext(ctx, `
		INSERT OR IGNORE INTO notifications (id, user_id, type, subject_id, title, body, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
	`, id, userID, eventType, payload.SubjectID, payload.Title, payload.Body,
		now.Format(time.RFC3339Nano))
	if err != nil {
		log.Warn().Err(err).Str("user_id", userID).Str("type", eventType).
			Msg("notify: failed to store notification")
		metrics.NotificationsTotal.WithLabelValues(eventType, "false").Inc()
		return false
	}

	inserted, _ := res.RowsAffected()
	delivered := inserted > 0
	metrics.NotificationsTotal.WithLabelValues(eventType, strconv.FormatBool(delivered)).Inc()
	return delivered
}

// List returns a user's notifications, newest first.
func (i *Inbox) List(ctx context.Context, userID string, limit int) ([]Notification, error) {
	if limit <= 0 {
		limit = 20
	}

	rows, err := i.db.QueryContext(ctx, `
		SELECT id, user_id, type, subject_id, title, body, created_at
		FROM notifications WHERE user_id = ?
		ORDER BY created_at DESC LIMIT ?
	`, userID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var notifications []Notification
	for rows.Next() {
		var n Notification
		var createdAtStr string
		if err := rows.Scan(&n.ID, &n.UserID, &n.Type, &n.SubjectID, &n.Title, &n.Body, &createdAtStr); err != nil {
			continue
		}
		n.CreatedAt, _ = time.Parse(time.RFC3339Nano, createdAtStr)
		notifications = append(notifications, n)
	}

	return notifications, rows.Err()
}

// Count returns the number of stored notifications for a user.
func (i *Inbox) Count(ctx context.Context, userID string) int {
	var count int
	_ = i.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM notifications WHERE user_id = ?`, userID).Scan(&count)
	return count
}
