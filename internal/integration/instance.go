// Package integration wires one configured NiceHash account into a running
// client, coordinator, entity registry and controller.
package integration

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/powerhive/nicehash-bridge/internal/events"
	"github.com/powerhive/nicehash-bridge/pkg/coordinator"
	"github.com/powerhive/nicehash-bridge/pkg/database"
	"github.com/powerhive/nicehash-bridge/pkg/fleet"
	"github.com/powerhive/nicehash-bridge/pkg/nicehash"
)

var (
	// ErrNotReady means the entry could not be set up yet; the cause is wrapped.
	ErrNotReady = errors.New("entry not ready")

	// ErrInvalidInterval is returned for refresh intervals outside 1..30 minutes.
	ErrInvalidInterval = errors.New("update interval must be between 1 and 30 minutes")
)

// Interval bounds accepted by UpdateOptions, in minutes.
const (
	MinIntervalMinutes = 1
	MaxIntervalMinutes = 30
)

// CredentialProber validates credentials before setup.
type CredentialProber interface {
	Probe(ctx context.Context, creds nicehash.Credentials) error
}

// Store is the entry storage an instance writes to.
type Store interface {
	fleet.ChangeRecorder
	UpdateEntryInterval(ctx context.Context, entryID string, minutes int) error
}

// Options are shared by every instance.
type Options struct {
	BaseURL        string
	RequestTimeout time.Duration
	SettleDelay    time.Duration
	AsyncSettle    bool

	// Publisher enables the event bridge when set.
	Publisher     events.Publisher
	SubjectPrefix string

	// Prober overrides the default credential probe.
	Prober        CredentialProber
	ClientOptions []nicehash.ClientOption

	Logger zerolog.Logger
}

func (o Options) withDefaults() Options {
	if o.BaseURL == "" {
		o.BaseURL = nicehash.DefaultBaseURL
	}
	if o.RequestTimeout <= 0 {
		o.RequestTimeout = coordinator.DefaultTimeout
	}
	if o.SubjectPrefix == "" {
		o.SubjectPrefix = "nicehash"
	}
	return o
}

// Instance is one loaded config entry.
type Instance struct {
	Entry       *database.ConfigEntry
	Client      *nicehash.HTTPClient
	Coordinator *coordinator.Coordinator
	View        *fleet.View
	Controller  *fleet.Controller
	Registry    *fleet.Registry

	store Store
	log   zerolog.Logger

	mu     sync.Mutex
	unsubs []func()
	cancel context.CancelFunc
	done   chan struct{}
}

// Setup validates the entry's credentials, builds its components and performs
// the first refresh. Any failure is reported as ErrNotReady.
func Setup(ctx context.Context, entry *database.ConfigEntry, store Store, opts Options) (*Instance, error) {
	opts = opts.withDefaults()
	log := opts.Logger.With().Str("entry_id", entry.EntryID).Str("entry", entry.Name).Logger()

	prober := opts.Prober
	if prober == nil {
		prober = nicehash.NewProber(opts.BaseURL,
			nicehash.WithProberTimeout(opts.RequestTimeout),
			nicehash.WithProberLogger(log),
			nicehash.WithProberClientOptions(opts.ClientOptions...),
		)
	}

	creds := entry.Credentials()
	if err := prober.Probe(ctx, creds); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrNotReady, err)
	}

	clientOpts := append([]nicehash.ClientOption{
		nicehash.WithBaseURL(opts.BaseURL),
		nicehash.WithTimeout(opts.RequestTimeout),
		nicehash.WithLogger(log.With().Str("component", "client").Logger()),
	}, opts.ClientOptions...)
	client := nicehash.NewClient(creds, clientOpts...)

	coord := coordinator.New(
		coordinator.NewRigsAccountFetcher(client, entry.Fiat),
		coordinator.WithLogger(log.With().Str("component", "coordinator").Logger()),
		coordinator.WithInterval(entry.Interval()),
		coordinator.WithTimeout(opts.RequestTimeout),
	)

	view := fleet.NewView(coord)

	ctrlOpts := []fleet.ControllerOption{
		fleet.WithSettleDelay(opts.SettleDelay),
		fleet.WithControllerLogger(log.With().Str("component", "controller").Logger()),
	}
	if store != nil {
		ctrlOpts = append(ctrlOpts, fleet.WithAudit(store, entry.EntryID))
	}
	if opts.AsyncSettle {
		ctrlOpts = append(ctrlOpts, fleet.WithAsyncSettle())
	}
	ctrl := fleet.NewController(client, coord, view, ctrlOpts...)

	registry := fleet.NewRegistry(view, ctrl, entry.Name,
		fleet.WithRegistryLogger(log.With().Str("component", "registry").Logger()),
	)

	inst := &Instance{
		Entry:       entry,
		Client:      client,
		Coordinator: coord,
		View:        view,
		Controller:  ctrl,
		Registry:    registry,
		store:       store,
		log:         log,
	}

	inst.unsubs = append(inst.unsubs, coord.Subscribe(registry.Listener()))
	if opts.Publisher != nil {
		bridge := events.NewBridge(opts.Publisher, opts.SubjectPrefix, entry.EntryID, log)
		inst.unsubs = append(inst.unsubs, coord.Subscribe(bridge.Listener()))
	}

	if err := coord.Refresh(ctx); err != nil {
		inst.Unload()
		return nil, fmt.Errorf("%w: first refresh: %w", ErrNotReady, err)
	}

	log.Info().
		Int("entities", registry.Len()).
		Dur("interval", coord.Interval()).
		Msg("entry set up")

	return inst, nil
}

// Start runs the polling loop until ctx is done or the instance is unloaded.
func (i *Instance) Start(ctx context.Context) {
	i.mu.Lock()
	defer i.mu.Unlock()
	if i.cancel != nil {
		return
	}

	ctx, cancel := context.WithCancel(ctx)
	i.cancel = cancel
	i.done = make(chan struct{})

	go func(done chan struct{}) {
		defer close(done)
		// the first refresh already happened in Setup
		_ = i.Coordinator.Loop(ctx)
	}(i.done)
}

// Subscribe registers fn on the coordinator; the handle is released on Unload.
func (i *Instance) Subscribe(fn coordinator.Listener) func() {
	unsub := i.Coordinator.Subscribe(fn)
	i.mu.Lock()
	i.unsubs = append(i.unsubs, unsub)
	i.mu.Unlock()
	return unsub
}

// UpdateOptions applies a new refresh interval, persists it and triggers a
// refresh. It returns a copy of the updated entry.
func (i *Instance) UpdateOptions(ctx context.Context, minutes int) (database.ConfigEntry, error) {
	if minutes < MinIntervalMinutes || minutes > MaxIntervalMinutes {
		return database.ConfigEntry{}, fmt.Errorf("%w: got %d", ErrInvalidInterval, minutes)
	}

	if i.store != nil {
		if err := i.store.UpdateEntryInterval(ctx, i.Entry.EntryID, minutes); err != nil {
			return database.ConfigEntry{}, fmt.Errorf("persist interval: %w", err)
		}
	}

	applied := i.Coordinator.SetInterval(time.Duration(minutes) * time.Minute)
	i.mu.Lock()
	i.Entry.UpdateInterval = minutes
	entry := *i.Entry
	i.mu.Unlock()
	i.Coordinator.RequestRefresh()

	i.log.Info().Dur("interval", applied).Msg("options updated")
	return entry, nil
}

// Unload detaches every listener and stops the polling loop.
func (i *Instance) Unload() {
	i.mu.Lock()
	unsubs := i.unsubs
	i.unsubs = nil
	cancel, done := i.cancel, i.done
	i.cancel, i.done = nil, nil
	i.mu.Unlock()

	for _, unsub := range unsubs {
		unsub()
	}
	if cancel != nil {
		cancel()
		<-done
	}

	i.log.Info().Msg("entry unloaded")
}
