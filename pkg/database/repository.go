package database

import (
	"context"
)

// Repository defines the interface for config entry storage.
type Repository interface {
	// Database lifecycle
	Close() error

	// Config entries
	CreateEntry(ctx context.Context, e *ConfigEntry) error
	GetEntry(ctx context.Context, entryID string) (*ConfigEntry, error)
	ListEntries(ctx context.Context) ([]*ConfigEntry, error)
	UpsertEntry(ctx context.Context, e *ConfigEntry) error
	UpdateEntryInterval(ctx context.Context, entryID string, minutes int) error
	DeleteEntry(ctx context.Context, entryID string) error

	// Change log
	InsertChange(ctx context.Context, c *Change) error
	RecentChanges(ctx context.Context, entryID string, limit int) ([]*Change, error)
}

// Ensure SQLiteRepository implements Repository.
var _ Repository = (*SQLiteRepository)(nil)
