package integration

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/rs/zerolog"

	"github.com/powerhive/nicehash-bridge/internal/config"
	"github.com/powerhive/nicehash-bridge/pkg/database"
	"github.com/powerhive/nicehash-bridge/pkg/nicehash"
)

// ErrEntryNotLoaded is returned for entry ids without a running instance.
var ErrEntryNotLoaded = errors.New("entry not loaded")

// EntryStatus reports whether a stored entry is running.
type EntryStatus struct {
	Entry  *database.ConfigEntry `json:"entry"`
	Loaded bool                  `json:"loaded"`
	Error  string                `json:"error,omitempty"`
}

// Manager owns the instances of every stored entry.
type Manager struct {
	repo database.Repository
	opts Options
	log  zerolog.Logger

	mu        sync.RWMutex
	instances map[string]*Instance
	failures  map[string]error
	runCtx    context.Context
}

// NewManager creates a manager over repo.
func NewManager(repo database.Repository, opts Options) *Manager {
	opts = opts.withDefaults()
	return &Manager{
		repo:      repo,
		opts:      opts,
		log:       opts.Logger.With().Str("component", "manager").Logger(),
		instances: make(map[string]*Instance),
		failures:  make(map[string]error),
		runCtx:    context.Background(),
	}
}

// Seed stores the configured entries, matching existing ones by name so
// their ids and change history survive restarts.
func (m *Manager) Seed(ctx context.Context, entries []config.EntryConfig) error {
	if len(entries) == 0 {
		return nil
	}

	existing, err := m.repo.ListEntries(ctx)
	if err != nil {
		return fmt.Errorf("list entries: %w", err)
	}
	byName := make(map[string]*database.ConfigEntry, len(existing))
	for _, e := range existing {
		byName[e.Name] = e
	}

	for _, ec := range entries {
		entry := &database.ConfigEntry{
			Name:           ec.Name,
			OrganizationID: ec.OrganizationID,
			APIKey:         ec.APIKey,
			APISecret:      ec.APISecret,
			Fiat:           ec.Fiat,
			UpdateInterval: ec.UpdateInterval,
		}

		if prev, ok := byName[ec.Name]; ok {
			entry.EntryID = prev.EntryID
			if err := m.repo.UpsertEntry(ctx, entry); err != nil {
				return fmt.Errorf("update entry %s: %w", ec.Name, err)
			}
			continue
		}
		if err := m.repo.CreateEntry(ctx, entry); err != nil {
			return fmt.Errorf("create entry %s: %w", ec.Name, err)
		}
		m.log.Info().Str("entry_id", entry.EntryID).Str("entry", entry.Name).Msg("entry created")
	}
	return nil
}

// LoadAll sets up every stored entry. Instances keep polling until ctx is
// done. Entries that fail are recorded and reported together.
func (m *Manager) LoadAll(ctx context.Context) error {
	m.mu.Lock()
	m.runCtx = ctx
	m.mu.Unlock()

	entries, err := m.repo.ListEntries(ctx)
	if err != nil {
		return fmt.Errorf("list entries: %w", err)
	}

	var errs []error
	for _, e := range entries {
		if _, err := m.Load(ctx, e.EntryID); err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", e.Name, err))
		}
	}
	return errors.Join(errs...)
}

// Load (re)loads one entry from the store.
func (m *Manager) Load(ctx context.Context, entryID string) (*Instance, error) {
	entry, err := m.repo.GetEntry(ctx, entryID)
	if err != nil {
		return nil, fmt.Errorf("get entry: %w", err)
	}
	if entry == nil {
		return nil, database.ErrEntryNotFound
	}

	m.Unload(entryID)

	inst, err := Setup(ctx, entry, m.repo, m.opts)
	m.mu.Lock()
	defer m.mu.Unlock()
	if err != nil {
		m.failures[entryID] = err
		m.log.Error().Err(err).Str("entry_id", entryID).Msg("entry setup failed")
		return nil, err
	}
	delete(m.failures, entryID)
	m.instances[entryID] = inst
	inst.Start(m.runCtx)
	return inst, nil
}

// Get returns the running instance for entryID.
func (m *Manager) Get(entryID string) (*Instance, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	inst, ok := m.instances[entryID]
	if !ok {
		return nil, ErrEntryNotLoaded
	}
	return inst, nil
}

// Instances returns the running instances ordered by entry name.
func (m *Manager) Instances() []*Instance {
	m.mu.RLock()
	out := make([]*Instance, 0, len(m.instances))
	for _, inst := range m.instances {
		out = append(out, inst)
	}
	m.mu.RUnlock()

	sort.Slice(out, func(a, b int) bool {
		return out[a].Entry.Name < out[b].Entry.Name
	})
	return out
}

// Status lists every stored entry with its load state.
func (m *Manager) Status(ctx context.Context) ([]EntryStatus, error) {
	entries, err := m.repo.ListEntries(ctx)
	if err != nil {
		return nil, fmt.Errorf("list entries: %w", err)
	}

	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]EntryStatus, 0, len(entries))
	for _, e := range entries {
		st := EntryStatus{Entry: e}
		if _, ok := m.instances[e.EntryID]; ok {
			st.Loaded = true
		}
		if err := m.failures[e.EntryID]; err != nil {
			st.Error = publicError(err)
		}
		out = append(out, st)
	}
	return out, nil
}

// Unload stops the instance for entryID, if any.
func (m *Manager) Unload(entryID string) {
	m.mu.Lock()
	inst, ok := m.instances[entryID]
	delete(m.instances, entryID)
	m.mu.Unlock()

	if ok {
		inst.Unload()
	}
}

// Close unloads every instance.
func (m *Manager) Close() {
	m.mu.Lock()
	instances := m.instances
	m.instances = make(map[string]*Instance)
	m.mu.Unlock()

	for _, inst := range instances {
		inst.Unload()
	}
}

// publicError hides probe details and upstream auth rejections behind the
// generic credentials message.
func publicError(err error) string {
	if errors.Is(err, nicehash.ErrInvalidCredentials) || nicehash.IsAuthError(err) {
		return nicehash.ErrInvalidCredentials.Error()
	}
	return err.Error()
}
