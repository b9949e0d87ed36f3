// Package database provides SQLite storage for config entries and the
// mutation audit trail.
package database

import (
	"time"

	"github.com/powerhive/nicehash-bridge/pkg/nicehash"
)

// ConfigEntry is one configured NiceHash account.
type ConfigEntry struct {
	EntryID        string    `json:"entry_id"`
	Version        int       `json:"version"`
	Name           string    `json:"name"`
	OrganizationID string    `json:"org_id"`
	APIKey         string    `json:"-"`
	APISecret      string    `json:"-"`
	Fiat           string    `json:"fiat"`
	UpdateInterval int       `json:"update_interval"` // minutes
	CreatedAt      time.Time `json:"created_at"`
	UpdatedAt      time.Time `json:"updated_at"`
}

// Credentials returns the entry's API credentials.
func (e *ConfigEntry) Credentials() nicehash.Credentials {
	return nicehash.Credentials{
		OrganizationID: e.OrganizationID,
		Key:            e.APIKey,
		Secret:         e.APISecret,
	}
}

// Interval returns the refresh interval as a duration.
func (e *ConfigEntry) Interval() time.Duration {
	return time.Duration(e.UpdateInterval) * time.Minute
}

// Change is one recorded mutation attempt.
type Change struct {
	ID           int64     `json:"id"`
	EntryID      string    `json:"entry_id"`
	Target       string    `json:"target"`
	Action       string    `json:"action"`
	Detail       string    `json:"detail,omitempty"`
	Success      bool      `json:"success"`
	ErrorMessage string    `json:"error_message,omitempty"`
	IssuedAt     time.Time `json:"issued_at"`
}
