package coordinator

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/powerhive/nicehash-bridge/pkg/nicehash"
)

// fakeFetcher returns queued results; it blocks on gate when gate is set.
type fakeFetcher struct {
	mu      sync.Mutex
	calls   atomic.Int32
	results []result
	started chan struct{}
	gate    chan struct{}
}

type result struct {
	snap Snapshot
	err  error
}

func (f *fakeFetcher) Fetch(ctx context.Context) (Snapshot, error) {
	f.calls.Add(1)
	if f.started != nil {
		f.started <- struct{}{}
	}
	if f.gate != nil {
		<-f.gate
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.results) == 0 {
		return rigsSnapshot("default"), nil
	}
	r := f.results[0]
	if len(f.results) > 1 {
		f.results = f.results[1:]
	}
	return r.snap, r.err
}

func rigsSnapshot(rigID string) Snapshot {
	return Snapshot{
		Rigs:    &nicehash.RigsResponse{MiningRigs: []nicehash.Rig{{RigID: rigID}}},
		Account: &nicehash.AccountResponse{},
	}
}

func TestRefreshSharesInFlightFetch(t *testing.T) {
	f := &fakeFetcher{started: make(chan struct{}, 1), gate: make(chan struct{})}
	c := New(f)

	var wg sync.WaitGroup
	errs := make([]error, 2)

	wg.Add(1)
	go func() {
		defer wg.Done()
		errs[0] = c.Refresh(context.Background())
	}()
	<-f.started
	assert.Equal(t, StateFetching, c.State())

	wg.Add(1)
	go func() {
		defer wg.Done()
		errs[1] = c.Refresh(context.Background())
	}()

	// give the second caller time to attach to the in-flight fetch
	time.Sleep(20 * time.Millisecond)
	close(f.gate)
	wg.Wait()

	assert.Equal(t, int32(1), f.calls.Load())
	assert.NoError(t, errs[0])
	assert.NoError(t, errs[1])
	assert.Equal(t, StateIdle, c.State())
}

func TestFailedRefreshKeepsSnapshot(t *testing.T) {
	boom := errors.New("boom")
	f := &fakeFetcher{results: []result{
		{snap: rigsSnapshot("first")},
		{err: boom},
		{snap: rigsSnapshot("second")},
	}}
	c := New(f)
	ctx := context.Background()

	_, ok := c.Snapshot()
	require.False(t, ok)
	require.False(t, c.LastUpdateSuccess())

	require.NoError(t, c.Refresh(ctx))
	snap, ok := c.Snapshot()
	require.True(t, ok)
	assert.Equal(t, "first", snap.Rigs.MiningRigs[0].RigID)
	assert.False(t, snap.FetchedAt.IsZero())
	assert.True(t, c.LastUpdateSuccess())

	require.ErrorIs(t, c.Refresh(ctx), boom)
	snap, ok = c.Snapshot()
	require.True(t, ok)
	assert.Equal(t, "first", snap.Rigs.MiningRigs[0].RigID)
	assert.False(t, c.LastUpdateSuccess())
	assert.ErrorIs(t, c.LastError(), boom)
	assert.Equal(t, 1, c.ConsecutiveFailures())

	require.NoError(t, c.Refresh(ctx))
	snap, _ = c.Snapshot()
	assert.Equal(t, "second", snap.Rigs.MiningRigs[0].RigID)
	assert.True(t, c.LastUpdateSuccess())
	assert.NoError(t, c.LastError())
	assert.Zero(t, c.ConsecutiveFailures())
}

func TestListenersNotifiedInOrder(t *testing.T) {
	c := New(&fakeFetcher{results: []result{{err: errors.New("down")}}})

	var order []string
	c.Subscribe(func(u Update) { order = append(order, "a") })
	c.Subscribe(func(u Update) {
		order = append(order, "b")
		assert.False(t, u.Success)
		assert.Error(t, u.Err)
	})
	c.Subscribe(func(u Update) { order = append(order, "c") })

	_ = c.Refresh(context.Background())
	assert.Equal(t, []string{"a", "b", "c"}, order)
}

func TestUnsubscribeDuringNotify(t *testing.T) {
	c := New(&fakeFetcher{})

	var calls []string
	var unsubSelf, unsubC func()

	c.Subscribe(func(Update) { calls = append(calls, "a") })
	unsubSelf = c.Subscribe(func(Update) {
		calls = append(calls, "self")
		unsubSelf()
	})
	c.Subscribe(func(Update) {
		calls = append(calls, "b")
		unsubC()
	})
	unsubC = c.Subscribe(func(Update) { calls = append(calls, "c") })
	c.Subscribe(func(Update) { calls = append(calls, "d") })

	require.NoError(t, c.Refresh(context.Background()))
	assert.Equal(t, []string{"a", "self", "b", "d"}, calls)
	assert.Equal(t, 3, c.ListenerCount())

	calls = nil
	require.NoError(t, c.Refresh(context.Background()))
	assert.Equal(t, []string{"a", "b", "d"}, calls)

	// idempotent
	unsubSelf()
	unsubC()
	assert.Equal(t, 3, c.ListenerCount())
}

func TestSetIntervalClamps(t *testing.T) {
	c := New(&fakeFetcher{}, WithInterval(0))
	assert.Equal(t, MinInterval, c.Interval())

	assert.Equal(t, MaxInterval, c.SetInterval(2*time.Hour))
	assert.Equal(t, MinInterval, c.SetInterval(time.Second))
	assert.Equal(t, 5*time.Minute, c.SetInterval(5*time.Minute))
	assert.Equal(t, 5*time.Minute, c.Interval())
}

func TestSetIntervalDoesNotCancelInFlight(t *testing.T) {
	f := &fakeFetcher{
		results: []result{{snap: rigsSnapshot("rig-1")}},
		started: make(chan struct{}),
		gate:    make(chan struct{}),
	}
	c := New(f)

	done := make(chan error, 1)
	go func() { done <- c.Refresh(context.Background()) }()
	<-f.started

	assert.Equal(t, 5*time.Minute, c.SetInterval(5*time.Minute))
	assert.Equal(t, StateFetching, c.State())
	close(f.gate)

	require.NoError(t, <-done)
	assert.True(t, c.LastUpdateSuccess())
	snap, ok := c.Snapshot()
	require.True(t, ok)
	assert.Equal(t, "rig-1", snap.Rigs.MiningRigs[0].RigID)
	assert.Equal(t, 5*time.Minute, c.Interval())
	assert.Equal(t, int32(1), f.calls.Load())
}

func TestExplicitRefreshResetsTimer(t *testing.T) {
	const interval = 300 * time.Millisecond
	f := &fakeFetcher{}
	c := New(f, WithIntervalBounds(time.Millisecond, time.Hour), WithInterval(interval))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() { _ = c.Loop(ctx) }()

	time.Sleep(interval / 2)
	require.NoError(t, c.Refresh(context.Background()))
	refreshed := time.Now()

	// the timer armed at start would have fired by now
	time.Sleep(interval/2 + 70*time.Millisecond)
	assert.Equal(t, int32(1), f.calls.Load(), "timer fired before a full interval after Refresh")

	require.Eventually(t, func() bool { return f.calls.Load() == 2 }, 2*interval, 5*time.Millisecond)
	assert.GreaterOrEqual(t, time.Since(refreshed), interval)
}

func TestRequestRefreshCoalesces(t *testing.T) {
	f := &fakeFetcher{}
	c := New(f, WithIntervalBounds(time.Millisecond, time.Hour), WithInterval(time.Hour))

	c.RequestRefresh()
	c.RequestRefresh()
	c.RequestRefresh()

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- c.Run(ctx) }()

	// initial refresh plus one coalesced request
	require.Eventually(t, func() bool { return f.calls.Load() == 2 }, time.Second, 5*time.Millisecond)
	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, int32(2), f.calls.Load())

	cancel()
	assert.ErrorIs(t, <-done, context.Canceled)
}

func TestRunRefreshesOnInterval(t *testing.T) {
	f := &fakeFetcher{}
	c := New(f, WithIntervalBounds(time.Millisecond, time.Hour), WithInterval(10*time.Millisecond))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() { _ = c.Run(ctx) }()

	require.Eventually(t, func() bool { return f.calls.Load() >= 3 }, 2*time.Second, 5*time.Millisecond)
}

func TestRefreshTimeout(t *testing.T) {
	c := New(FetcherFunc(func(ctx context.Context) (Snapshot, error) {
		<-ctx.Done()
		return Snapshot{}, ctx.Err()
	}), WithTimeout(20*time.Millisecond))

	err := c.Refresh(context.Background())
	require.ErrorIs(t, err, context.DeadlineExceeded)
	assert.False(t, c.LastUpdateSuccess())
}

type fakeDataClient struct {
	rigsErr    error
	accountErr error
	fiat       string
}

func (f *fakeDataClient) GetRigsData(ctx context.Context) (*nicehash.RigsResponse, json.RawMessage, error) {
	if f.rigsErr != nil {
		return nil, nil, f.rigsErr
	}
	return &nicehash.RigsResponse{TotalRigs: 1}, json.RawMessage(`{"totalRigs":1}`), nil
}

func (f *fakeDataClient) GetAccountData(ctx context.Context, fiat string) (*nicehash.AccountResponse, json.RawMessage, error) {
	f.fiat = fiat
	if f.accountErr != nil {
		return nil, nil, f.accountErr
	}
	return &nicehash.AccountResponse{Total: nicehash.Balance{Currency: "BTC"}}, json.RawMessage(`{}`), nil
}

func TestRigsAccountFetcher(t *testing.T) {
	client := &fakeDataClient{}
	snap, err := NewRigsAccountFetcher(client, "EUR").Fetch(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, snap.Rigs.TotalRigs)
	assert.Equal(t, "BTC", snap.Account.Total.Currency)
	assert.JSONEq(t, `{"totalRigs":1}`, string(snap.RigsRaw))
	assert.Equal(t, "EUR", client.fiat)

	client.accountErr = errors.New("account down")
	snap, err = NewRigsAccountFetcher(client, "USD").Fetch(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "fetch account")
	assert.Nil(t, snap.Rigs)
}

func TestUnauthorizedLeavesFailureFlag(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
	}))
	defer srv.Close()

	creds := nicehash.Credentials{OrganizationID: "org", Key: "key", Secret: "secret"}
	client := nicehash.NewClient(creds, nicehash.WithBaseURL(srv.URL), nicehash.WithHTTPClient(srv.Client()))
	c := New(NewRigsAccountFetcher(client, "USD"))

	var seen Update
	c.Subscribe(func(u Update) { seen = u })

	err := c.Refresh(context.Background())
	require.Error(t, err)

	var tErr *nicehash.TransportError
	require.ErrorAs(t, err, &tErr)
	assert.Equal(t, http.StatusUnauthorized, tErr.StatusCode)
	assert.False(t, c.LastUpdateSuccess())
	assert.False(t, seen.Success)
	assert.False(t, seen.HasSnapshot)
}
