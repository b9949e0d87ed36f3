package database

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	_ "github.com/mattn/go-sqlite3"
)

// ErrEntryNotFound is returned when updating an entry that does not exist.
var ErrEntryNotFound = errors.New("config entry not found")

// SQLiteRepository implements Repository using SQLite.
type SQLiteRepository struct {
	db *sql.DB
}

// NewSQLiteRepository creates a new SQLite repository.
// The dbPath can be a file path or ":memory:" for in-memory database.
func NewSQLiteRepository(dbPath string) (*SQLiteRepository, error) {
	db, err := sql.Open("sqlite3", dbPath+"?_foreign_keys=on&_journal_mode=WAL")
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	if dbPath == ":memory:" {
		// every pooled connection would otherwise get its own empty database
		db.SetMaxOpenConns(1)
	}

	repo := &SQLiteRepository{db: db}
	if err := repo.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to migrate database: %w", err)
	}

	return repo, nil
}

// migrate runs database migrations.
func (r *SQLiteRepository) migrate() error {
	var currentVersion int
	err := r.db.QueryRow("SELECT COALESCE(MAX(version), 0) FROM schema_version").Scan(&currentVersion)
	if err != nil {
		// Table doesn't exist, run initial schema
		if _, err := r.db.Exec(Schema); err != nil {
			return fmt.Errorf("failed to create schema: %w", err)
		}
		_, err = r.db.Exec("INSERT INTO schema_version (version) VALUES (?)", SchemaVersion)
		return err
	}

	// Run any pending migrations
	for v := currentVersion + 1; v <= SchemaVersion; v++ {
		migration, ok := Migrations[v]
		if !ok {
			continue
		}
		if _, err := r.db.Exec(migration); err != nil {
			return fmt.Errorf("failed to run migration %d: %w", v, err)
		}
		if _, err := r.db.Exec("INSERT INTO schema_version (version) VALUES (?)", v); err != nil {
			return fmt.Errorf("failed to record migration %d: %w", v, err)
		}
	}
	return nil
}

// Close closes the database connection.
func (r *SQLiteRepository) Close() error {
	return r.db.Close()
}

// AppliedVersion returns the highest applied migration.
func (r *SQLiteRepository) AppliedVersion(ctx context.Context) (int, error) {
	var v int
	err := r.db.QueryRowContext(ctx, "SELECT COALESCE(MAX(version), 0) FROM schema_version").Scan(&v)
	return v, err
}

// =============================================================================
// Config entries
// =============================================================================

const entryColumns = `entry_id, version, name, org_id, api_key, api_secret, fiat, update_interval, created_at, updated_at`

type scanner interface {
	Scan(dest ...any) error
}

func scanEntry(s scanner) (*ConfigEntry, error) {
	e := &ConfigEntry{}
	err := s.Scan(&e.EntryID, &e.Version, &e.Name, &e.OrganizationID, &e.APIKey, &e.APISecret,
		&e.Fiat, &e.UpdateInterval, &e.CreatedAt, &e.UpdatedAt)
	return e, err
}

func (r *SQLiteRepository) CreateEntry(ctx context.Context, e *ConfigEntry) error {
	if e.EntryID == "" {
		e.EntryID = uuid.NewString()
	}
	if e.Version == 0 {
		e.Version = EntryVersion
	}
	if e.Fiat == "" {
		e.Fiat = "USD"
	}
	if e.UpdateInterval == 0 {
		e.UpdateInterval = 1
	}
	now := time.Now()
	e.CreatedAt = now
	e.UpdatedAt = now

	_, err := r.db.ExecContext(ctx, `
		INSERT INTO config_entries (`+entryColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		e.EntryID, e.Version, e.Name, e.OrganizationID, e.APIKey, e.APISecret,
		e.Fiat, e.UpdateInterval, e.CreatedAt, e.UpdatedAt)
	return err
}

func (r *SQLiteRepository) GetEntry(ctx context.Context, entryID string) (*ConfigEntry, error) {
	row := r.db.QueryRowContext(ctx, `SELECT `+entryColumns+` FROM config_entries WHERE entry_id = ?`, entryID)
	e, err := scanEntry(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	return e, err
}

func (r *SQLiteRepository) ListEntries(ctx context.Context) ([]*ConfigEntry, error) {
	rows, err := r.db.QueryContext(ctx, `SELECT `+entryColumns+` FROM config_entries ORDER BY created_at, entry_id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var entries []*ConfigEntry
	for rows.Next() {
		e, err := scanEntry(rows)
		if err != nil {
			return nil, err
		}
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

// UpsertEntry creates the entry or replaces its credentials, name, fiat and
// interval, keeping the original creation time.
func (r *SQLiteRepository) UpsertEntry(ctx context.Context, e *ConfigEntry) error {
	existing, err := r.GetEntry(ctx, e.EntryID)
	if err != nil {
		return err
	}
	if existing == nil {
		return r.CreateEntry(ctx, e)
	}

	e.Version = EntryVersion
	e.CreatedAt = existing.CreatedAt
	e.UpdatedAt = time.Now()
	if e.Fiat == "" {
		e.Fiat = existing.Fiat
	}
	if e.UpdateInterval == 0 {
		e.UpdateInterval = existing.UpdateInterval
	}

	_, err = r.db.ExecContext(ctx, `
		UPDATE config_entries SET version = ?, name = ?, org_id = ?, api_key = ?, api_secret = ?,
			fiat = ?, update_interval = ?, updated_at = ?
		WHERE entry_id = ?`,
		e.Version, e.Name, e.OrganizationID, e.APIKey, e.APISecret,
		e.Fiat, e.UpdateInterval, e.UpdatedAt, e.EntryID)
	return err
}

func (r *SQLiteRepository) UpdateEntryInterval(ctx context.Context, entryID string, minutes int) error {
	result, err := r.db.ExecContext(ctx, `
		UPDATE config_entries SET update_interval = ?, updated_at = ? WHERE entry_id = ?`,
		minutes, time.Now(), entryID)
	if err != nil {
		return err
	}
	if n, _ := result.RowsAffected(); n == 0 {
		return ErrEntryNotFound
	}
	return nil
}

func (r *SQLiteRepository) DeleteEntry(ctx context.Context, entryID string) error {
	_, err := r.db.ExecContext(ctx, "DELETE FROM config_entries WHERE entry_id = ?", entryID)
	return err
}

// =============================================================================
// Change log
// =============================================================================

func (r *SQLiteRepository) InsertChange(ctx context.Context, c *Change) error {
	if c.IssuedAt.IsZero() {
		c.IssuedAt = time.Now()
	}
	result, err := r.db.ExecContext(ctx, `
		INSERT INTO change_log (entry_id, target, action, detail, success, error_message, issued_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		c.EntryID, c.Target, c.Action, c.Detail, c.Success, c.ErrorMessage, c.IssuedAt)
	if err != nil {
		return err
	}
	c.ID, _ = result.LastInsertId()
	return nil
}

func (r *SQLiteRepository) RecentChanges(ctx context.Context, entryID string, limit int) ([]*Change, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := r.db.QueryContext(ctx, `
		SELECT id, entry_id, target, action, COALESCE(detail, ''), success, COALESCE(error_message, ''), issued_at
		FROM change_log WHERE entry_id = ?
		ORDER BY issued_at DESC, id DESC LIMIT ?`, entryID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var changes []*Change
	for rows.Next() {
		c := &Change{}
		if err := rows.Scan(&c.ID, &c.EntryID, &c.Target, &c.Action, &c.Detail,
			&c.Success, &c.ErrorMessage, &c.IssuedAt); err != nil {
			return nil, err
		}
		changes = append(changes, c)
	}
	return changes, rows.Err()
}
