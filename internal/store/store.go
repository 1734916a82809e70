// Package store persists users, links, and reminders in an embedded SQLite
// database.
package store

import (
	"context"
	"time"

	"readmark/internal/remind"
)

// Config configures storage.
type Config struct {
	Path        string
	BusyTimeout time.Duration // 0 means default
}

// Store is the full persistence API. It embeds the reminder core's
// consumer interface and adds the user/link operations the bot handlers
// need.
type Store interface {
	remind.Store

	UpsertUser(ctx context.Context, u *remind.User) error
	GetUser(ctx context.Context, chatID int64) (*remind.User, error)
	SetTimezone(ctx context.Context, chatID int64, tz string) error
	SetDefaultPolicy(ctx context.Context, chatID int64, p remind.Policy) error

	CreateLink(ctx context.Context, l *remind.Link) error
	GetLink(ctx context.Context, id int64) (*remind.Link, error)
	ListRecentLinks(ctx context.Context, chatID int64, limit int) ([]remind.Link, error)
	MarkLinkRead(ctx context.Context, linkID int64, at time.Time) error
	DeleteLink(ctx context.Context, linkID int64) error

	Close() error
}
