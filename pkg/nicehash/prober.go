package nicehash

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog"
)

// Prober validates credentials before an entry is set up.
type Prober struct {
	baseURL string
	timeout time.Duration
	log     zerolog.Logger
	opts    []ClientOption
}

// ProberOption configures a Prober.
type ProberOption func(*Prober)

// WithProberTimeout sets the probe timeout.
func WithProberTimeout(timeout time.Duration) ProberOption {
	return func(p *Prober) {
		p.timeout = timeout
	}
}

// WithProberLogger sets the logger used to record probe failures.
func WithProberLogger(log zerolog.Logger) ProberOption {
	return func(p *Prober) {
		p.log = log
	}
}

// WithProberClientOptions passes extra options to the probe client.
func WithProberClientOptions(opts ...ClientOption) ProberOption {
	return func(p *Prober) {
		p.opts = append(p.opts, opts...)
	}
}

// NewProber creates a prober against baseURL.
func NewProber(baseURL string, opts ...ProberOption) *Prober {
	p := &Prober{
		baseURL: baseURL,
		timeout: 10 * time.Second,
		log:     zerolog.Nop(),
	}

	for _, opt := range opts {
		opt(p)
	}

	return p
}

// Probe checks creds by fetching the mining address. Every failure is
// reported as ErrInvalidCredentials; the underlying cause is only logged.
// Incomplete credentials also match ErrMissingCredentials and never reach
// the network.
func (p *Prober) Probe(ctx context.Context, creds Credentials) error {
	if !creds.Valid() {
		p.log.Warn().Str("org_id", creds.OrganizationID).Msg("credential probe skipped: incomplete credentials")
		return fmt.Errorf("%w: %w", ErrInvalidCredentials, ErrMissingCredentials)
	}

	ctx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()

	opts := append([]ClientOption{WithBaseURL(p.baseURL), WithTimeout(p.timeout)}, p.opts...)
	client := NewClient(creds, opts...)

	if _, err := client.GetMiningAddress(ctx); err != nil {
		p.log.Warn().
			Err(err).
			Int("status", StatusCode(err)).
			Str("org_id", creds.OrganizationID).
			Msg("credential probe failed")
		return ErrInvalidCredentials
	}

	return nil
}
