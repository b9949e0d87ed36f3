// Package events publishes refresh outcomes to NATS.
package events

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/rs/zerolog"

	"github.com/powerhive/nicehash-bridge/pkg/coordinator"
)

// Publisher sends a message on a subject.
type Publisher interface {
	Publish(subject string, data []byte) error
}

// NATSPublisher is a Publisher backed by a NATS connection.
type NATSPublisher struct {
	nc *nats.Conn
	lg zerolog.Logger
}

// Connect opens a NATS connection.
func Connect(url string, lg zerolog.Logger) (*NATSPublisher, error) {
	nc, err := nats.Connect(url,
		nats.Name("nicehash-bridge"),
		nats.MaxReconnects(-1),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			if err != nil {
				lg.Warn().Err(err).Msg("nats disconnected")
			}
		}),
		nats.ReconnectHandler(func(c *nats.Conn) {
			lg.Info().Str("url", c.ConnectedUrl()).Msg("nats reconnected")
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("connect: %w", err)
	}
	return &NATSPublisher{nc: nc, lg: lg.With().Str("adapter", "nats").Logger()}, nil
}

// Publish buffers data for subject; delivery is asynchronous.
func (p *NATSPublisher) Publish(subject string, data []byte) error {
	return p.nc.Publish(subject, data)
}

// Close flushes pending messages and closes the connection.
func (p *NATSPublisher) Close() { _ = p.nc.Drain() }

// RefreshEvent is published after every completed refresh.
type RefreshEvent struct {
	EntryID   string    `json:"entry_id"`
	Success   bool      `json:"success"`
	FetchedAt time.Time `json:"fetched_at,omitempty"`
	Error     string    `json:"error,omitempty"`
	At        time.Time `json:"at"`
}

// Bridge turns coordinator updates for one entry into NATS messages.
type Bridge struct {
	pub     Publisher
	prefix  string
	entryID string
	lg      zerolog.Logger
}

// NewBridge creates a bridge publishing under prefix.entryID.
func NewBridge(pub Publisher, prefix, entryID string, lg zerolog.Logger) *Bridge {
	return &Bridge{
		pub:     pub,
		prefix:  prefix,
		entryID: entryID,
		lg:      lg.With().Str("component", "events").Str("entry_id", entryID).Logger(),
	}
}

// RefreshSubject is where refresh outcomes go.
func (b *Bridge) RefreshSubject() string {
	return fmt.Sprintf("%s.%s.refresh", b.prefix, b.entryID)
}

// RigsSubject is where the raw rigs section goes after a successful refresh.
func (b *Bridge) RigsSubject() string {
	return fmt.Sprintf("%s.%s.rigs", b.prefix, b.entryID)
}

// Listener returns the coordinator listener. Publish failures are logged and
// never reach the coordinator.
func (b *Bridge) Listener() coordinator.Listener {
	return func(u coordinator.Update) {
		ev := RefreshEvent{
			EntryID: b.entryID,
			Success: u.Success,
			At:      u.At,
		}
		if u.HasSnapshot {
			ev.FetchedAt = u.Snapshot.FetchedAt
		}
		if u.Err != nil {
			ev.Error = u.Err.Error()
		}

		data, err := json.Marshal(ev)
		if err != nil {
			b.lg.Error().Err(err).Msg("marshal refresh event")
			return
		}
		if err := b.pub.Publish(b.RefreshSubject(), data); err != nil {
			b.lg.Warn().Err(err).Msg("publish refresh event")
		}

		if u.Success && len(u.Snapshot.RigsRaw) > 0 {
			if err := b.pub.Publish(b.RigsSubject(), u.Snapshot.RigsRaw); err != nil {
				b.lg.Warn().Err(err).Msg("publish rigs")
			}
		}
	}
}
