package database

// Schema contains the SQLite database schema.
const Schema = `
-- Configured NiceHash accounts, one row per integration instance
CREATE TABLE IF NOT EXISTS config_entries (
    entry_id TEXT PRIMARY KEY,
    version INTEGER NOT NULL DEFAULT 2,
    name TEXT NOT NULL,
    org_id TEXT NOT NULL,
    api_key TEXT NOT NULL,
    api_secret TEXT NOT NULL,
    fiat TEXT NOT NULL DEFAULT 'USD',
    update_interval INTEGER NOT NULL DEFAULT 1, -- minutes, 1..30
    created_at DATETIME DEFAULT CURRENT_TIMESTAMP,
    updated_at DATETIME DEFAULT CURRENT_TIMESTAMP
);

-- Every rig/device mutation attempt
CREATE TABLE IF NOT EXISTS change_log (
    id INTEGER PRIMARY KEY AUTOINCREMENT,
    entry_id TEXT NOT NULL,
    target TEXT NOT NULL,        -- rig id, or rig id/device id
    action TEXT NOT NULL,        -- START, STOP, POWER_MODE, NHQM_SET_OP
    detail TEXT,
    success INTEGER NOT NULL DEFAULT 0,
    error_message TEXT,
    issued_at DATETIME DEFAULT CURRENT_TIMESTAMP,
    FOREIGN KEY (entry_id) REFERENCES config_entries(entry_id) ON DELETE CASCADE
);

CREATE INDEX IF NOT EXISTS idx_change_log_entry_time ON change_log(entry_id, issued_at);

-- Schema version for migrations
CREATE TABLE IF NOT EXISTS schema_version (
    version INTEGER PRIMARY KEY,
    applied_at DATETIME DEFAULT CURRENT_TIMESTAMP
);
`

// schemaV1 is the first released layout, before the refresh interval became
// configurable. Kept so upgrades can be exercised.
const schemaV1 = `
CREATE TABLE IF NOT EXISTS config_entries (
    entry_id TEXT PRIMARY KEY,
    version INTEGER NOT NULL DEFAULT 1,
    name TEXT NOT NULL,
    org_id TEXT NOT NULL,
    api_key TEXT NOT NULL,
    api_secret TEXT NOT NULL,
    fiat TEXT NOT NULL DEFAULT 'USD',
    created_at DATETIME DEFAULT CURRENT_TIMESTAMP,
    updated_at DATETIME DEFAULT CURRENT_TIMESTAMP
);

CREATE TABLE IF NOT EXISTS change_log (
    id INTEGER PRIMARY KEY AUTOINCREMENT,
    entry_id TEXT NOT NULL,
    target TEXT NOT NULL,
    action TEXT NOT NULL,
    detail TEXT,
    success INTEGER NOT NULL DEFAULT 0,
    error_message TEXT,
    issued_at DATETIME DEFAULT CURRENT_TIMESTAMP,
    FOREIGN KEY (entry_id) REFERENCES config_entries(entry_id) ON DELETE CASCADE
);

CREATE TABLE IF NOT EXISTS schema_version (
    version INTEGER PRIMARY KEY,
    applied_at DATETIME DEFAULT CURRENT_TIMESTAMP
);
`

// SchemaVersion is the current schema version.
const SchemaVersion = 2

// EntryVersion is the config entry format written by this release.
const EntryVersion = 2

// Migrations contains SQL migrations indexed by version.
// Each migration upgrades from version N-1 to version N.
var Migrations = map[int]string{
	1: schemaV1,
	// entries created before version 2 default to a one minute refresh
	2: `
ALTER TABLE config_entries ADD COLUMN update_interval INTEGER NOT NULL DEFAULT 1;
UPDATE config_entries SET update_interval = 1, version = 2 WHERE version < 2;
CREATE INDEX IF NOT EXISTS idx_change_log_entry_time ON change_log(entry_id, issued_at);
`,
}
