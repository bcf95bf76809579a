// Package storage persists recipients, notification entries, movies and
// chat configurations. The engine treats it as a document store with
// query, upsert and atomic counter-increment operations; SQLite is the
// only backend.
package storage

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"reelwatch/internal/model"
)

// Config configures storage.
type Config struct {
	// Driver selects the backend. Only "sqlite" (or the alias "sqlite3")
	// is supported; empty defaults to sqlite.
	Driver      string
	Path        string
	BusyTimeout time.Duration // 0 means default
}

// Store is the persistence API used by the engine and the bootstrap.
type Store interface {
	// UpsertRecipient writes the recipient row (not its entries).
	UpsertRecipient(ctx context.Context, r model.Recipient) error
	// ListRecipients loads recipients with their entries and keywords.
	// A nil id slice means all recipients.
	ListRecipients(ctx context.Context, ids []int64) ([]model.Recipient, error)

	SaveEntry(ctx context.Context, recipientID int64, e model.Entry) (int64, error)
	GetEntry(ctx context.Context, recipientID int64, name string) (model.Entry, error)
	DeleteEntry(ctx context.Context, recipientID, entryID int64) error
	DeactivateEntry(ctx context.Context, recipientID, entryID int64, at time.Time) error
	ResetEntry(ctx context.Context, recipientID, entryID int64, expiresAt *time.Time) error
	// IncrementDeliveries bumps the delivery counter atomically in the
	// database and stamps the delivery time, so a concurrent reset cannot
	// lose an update.
	IncrementDeliveries(ctx context.Context, recipientID int64, entryIDs []int64, at time.Time) error

	// DigestSchedules groups recipient IDs by their digest cron pattern.
	// Recipients without one fall under defaultCron.
	DigestSchedules(ctx context.Context, defaultCron string) (map[string][]int64, error)
	// BroadcastSchedules groups enabled chat IDs by their broadcast cron
	// pattern. Chats without a pattern or with broadcasts disabled are
	// excluded.
	BroadcastSchedules(ctx context.Context) (map[string][]int64, error)

	UpsertMovie(ctx context.Context, m model.Movie) error
	MoviesWithFutureScreenings(ctx context.Context, now time.Time) ([]model.Movie, error)

	GetChatConfig(ctx context.Context, chatID int64) (model.ChatConfig, error)
	UpsertChatConfig(ctx context.Context, c model.ChatConfig) error

	Close() error
}

// Open initializes the configured store.
func Open(cfg Config, log zerolog.Logger) (Store, error) {
	driver := strings.ToLower(strings.TrimSpace(cfg.Driver))
	switch driver {
	case "", "sqlite", "sqlite3":
		return openSQLite(cfg, log)
	default:
		return nil, errors.New("unknown storage driver: " + driver)
	}
}
