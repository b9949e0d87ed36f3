package coordinator

import (
	"context"
	"encoding/json"
	"fmt"

	"golang.org/x/sync/errgroup"

	"github.com/powerhive/nicehash-bridge/pkg/nicehash"
)

// DataClient is the read side of nicehash.Client.
type DataClient interface {
	GetRigsData(ctx context.Context) (*nicehash.RigsResponse, json.RawMessage, error)
	GetAccountData(ctx context.Context, fiat string) (*nicehash.AccountResponse, json.RawMessage, error)
}

// RigsAccountFetcher reads the rigs and account sections concurrently and
// only yields a snapshot when both succeed.
type RigsAccountFetcher struct {
	Client DataClient
	Fiat   string
}

// NewRigsAccountFetcher creates a fetcher valuing the account in fiat.
func NewRigsAccountFetcher(client DataClient, fiat string) *RigsAccountFetcher {
	return &RigsAccountFetcher{Client: client, Fiat: fiat}
}

// Fetch implements Fetcher.
func (f *RigsAccountFetcher) Fetch(ctx context.Context) (Snapshot, error) {
	var snap Snapshot
	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		rigs, raw, err := f.Client.GetRigsData(gctx)
		if err != nil {
			return fmt.Errorf("fetch rigs: %w", err)
		}
		snap.Rigs, snap.RigsRaw = rigs, raw
		return nil
	})

	g.Go(func() error {
		account, raw, err := f.Client.GetAccountData(gctx, f.Fiat)
		if err != nil {
			return fmt.Errorf("fetch account: %w", err)
		}
		snap.Account, snap.AccountRaw = account, raw
		return nil
	})

	if err := g.Wait(); err != nil {
		return Snapshot{}, err
	}
	return snap, nil
}

var _ Fetcher = (*RigsAccountFetcher)(nil)
