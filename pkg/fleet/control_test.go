package fleet

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/powerhive/nicehash-bridge/pkg/database"
	"github.com/powerhive/nicehash-bridge/pkg/nicehash"
)

type mutatorCall struct {
	Method   string
	RigID    string
	DeviceID string
	On       bool
	Mode     string
	Version  string
	OpID     string
}

type fakeMutator struct {
	mu    sync.Mutex
	calls []mutatorCall
	err   error
}

func (m *fakeMutator) record(c mutatorCall) (*nicehash.StatusResponse, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls = append(m.calls, c)
	if m.err != nil {
		return nil, m.err
	}
	return &nicehash.StatusResponse{Success: true}, nil
}

func (m *fakeMutator) SetRigStatus(ctx context.Context, rigID string, on bool) (*nicehash.StatusResponse, error) {
	return m.record(mutatorCall{Method: "rig", RigID: rigID, On: on})
}

func (m *fakeMutator) SetDeviceStatus(ctx context.Context, rigID, deviceID string, on bool) (*nicehash.StatusResponse, error) {
	return m.record(mutatorCall{Method: "device", RigID: rigID, DeviceID: deviceID, On: on})
}

func (m *fakeMutator) SetPowerMode(ctx context.Context, rigID, deviceID, mode string) (*nicehash.StatusResponse, error) {
	return m.record(mutatorCall{Method: "mode", RigID: rigID, DeviceID: deviceID, Mode: mode})
}

func (m *fakeMutator) SetPowerModeNHQM(ctx context.Context, rigID, deviceID, version, opID string) (*nicehash.StatusResponse, error) {
	return m.record(mutatorCall{Method: "nhqm", RigID: rigID, DeviceID: deviceID, Version: version, OpID: opID})
}

func (m *fakeMutator) Calls() []mutatorCall {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]mutatorCall(nil), m.calls...)
}

type fakeRefresher struct {
	mu        sync.Mutex
	requested int
	refreshed int
	onRefresh func(n int) error
}

func (r *fakeRefresher) RequestRefresh() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.requested++
}

func (r *fakeRefresher) Refresh(ctx context.Context) error {
	r.mu.Lock()
	r.refreshed++
	n := r.refreshed
	fn := r.onRefresh
	r.mu.Unlock()
	if fn != nil {
		return fn(n)
	}
	return nil
}

func (r *fakeRefresher) counts() (requested, refreshed int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.requested, r.refreshed
}

// recordingSleep replaces the real wait and records each requested duration.
type recordingSleep struct {
	mu    sync.Mutex
	waits []time.Duration
	now   time.Time
}

func (s *recordingSleep) sleep(ctx context.Context, d time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.waits = append(s.waits, d)
	s.now = s.now.Add(d)
	return ctx.Err()
}

func (s *recordingSleep) clock() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.now
}

func newTestController(t *testing.T, opts ...ControllerOption) (*Controller, *fakeMutator, *fakeRefresher, *recordingSleep, *fakeSource) {
	t.Helper()
	view, src := newTestView(t)
	mut := &fakeMutator{}
	ref := &fakeRefresher{}
	clock := &recordingSleep{now: time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)}

	ctrl := NewController(mut, ref, view, opts...)
	ctrl.sleep = clock.sleep
	ctrl.now = clock.clock
	return ctrl, mut, ref, clock, src
}

func TestSetRigPowerSettlesThenRefreshes(t *testing.T) {
	ctrl, mut, ref, clock, _ := newTestController(t)

	require.NoError(t, ctrl.SetRigPower(context.Background(), "rig-1", false))

	assert.Equal(t, []mutatorCall{{Method: "rig", RigID: "rig-1", On: false}}, mut.Calls())
	assert.Equal(t, []time.Duration{DefaultSettleDelay}, clock.waits)
	requested, refreshed := ref.counts()
	assert.Equal(t, 1, requested)
	assert.Zero(t, refreshed)
}

func TestSwitchTurnOnGoesThroughController(t *testing.T) {
	ctrl, mut, _, _, _ := newTestController(t, WithSettleDelay(time.Second))
	reg := NewRegistry(ctrl.view, ctrl, "home")
	reg.Discover()

	sw, ok := reg.DeviceSwitch("rig-1", "dev-3")
	require.True(t, ok)
	require.NoError(t, sw.TurnOn(context.Background()))

	rigSw, ok := reg.RigSwitch("rig-1")
	require.True(t, ok)
	require.NoError(t, rigSw.TurnOff(context.Background()))

	assert.Equal(t, []mutatorCall{
		{Method: "device", RigID: "rig-1", DeviceID: "dev-3", On: true},
		{Method: "rig", RigID: "rig-1", On: false},
	}, mut.Calls())
}

func TestFailedMutationRefreshesImmediately(t *testing.T) {
	ctrl, mut, ref, clock, _ := newTestController(t)
	mut.err = &nicehash.TransportError{StatusCode: 500, Reason: "Internal Server Error"}

	err := ctrl.SetDevicePower(context.Background(), "rig-1", "dev-1", true)
	require.Error(t, err)
	assert.Equal(t, 500, nicehash.StatusCode(err))

	assert.Empty(t, clock.waits, "a failed call must not wait for the hardware")
	requested, _ := ref.counts()
	assert.Equal(t, 1, requested)
}

func TestSetPowerModeNHQM(t *testing.T) {
	ctrl, mut, _, _, _ := newTestController(t, WithSettleDelay(0))

	require.NoError(t, ctrl.SetPowerMode(context.Background(), "rig-1", "dev-1", "medium"))
	require.NoError(t, ctrl.SetPowerMode(context.Background(), "rig-1", "dev-1", "manual"))

	assert.Equal(t, []mutatorCall{
		{Method: "nhqm", RigID: "rig-1", DeviceID: "dev-1", Version: "2", OpID: "2"},
		{Method: "nhqm", RigID: "rig-1", DeviceID: "dev-1", Version: "2", OpID: "0"},
	}, mut.Calls())
}

func TestSetPowerModeLegacy(t *testing.T) {
	ctrl, mut, _, _, _ := newTestController(t, WithSettleDelay(0))

	require.NoError(t, ctrl.SetPowerMode(context.Background(), "rig-1", "dev-3", "low"))
	assert.Equal(t, []mutatorCall{{Method: "mode", RigID: "rig-1", DeviceID: "dev-3", Mode: "LOW"}}, mut.Calls())
}

func TestSetPowerModeDomainErrors(t *testing.T) {
	ctrl, mut, ref, _, src := newTestController(t)

	err := ctrl.SetPowerMode(context.Background(), "rig-1", "dev-1", "TURBO")
	require.Error(t, err)
	assert.True(t, nicehash.IsDomainError(err, nicehash.KindUnsupportedPowerMode))
	var de *nicehash.DomainError
	require.True(t, errors.As(err, &de))
	assert.Equal(t, []string{"HIGH", "MEDIUM", "LOW", "MANUAL"}, de.Supported)

	err = ctrl.SetPowerMode(context.Background(), "rig-1", "dev-3", "MANUAL")
	assert.True(t, nicehash.IsDomainError(err, nicehash.KindUnsupportedPowerMode))

	err = ctrl.SetPowerMode(context.Background(), "rig-1", "nope", "HIGH")
	assert.True(t, nicehash.IsDomainError(err, nicehash.KindUnknownTarget))

	rigs := decodeRigs(t, rigsJSON)
	rigs.MiningRigs[0].Devices[0].NHQM = "OP=3;OPA=HIGH:1"
	src.set(rigs, true)
	err = ctrl.SetPowerMode(context.Background(), "rig-1", "dev-1", "HIGH")
	assert.True(t, nicehash.IsDomainError(err, nicehash.KindAmbiguousOperation))

	assert.Empty(t, mut.Calls(), "resolution failures never reach the API")
	requested, _ := ref.counts()
	assert.Zero(t, requested)
}

func TestConfirmWithinStopsWhenStateReached(t *testing.T) {
	ctrl, _, ref, clock, src := newTestController(t,
		WithConfirmWithin(time.Minute),
		WithConfirmBackoff(time.Second, 4*time.Second),
	)

	ref.onRefresh = func(n int) error {
		if n == 3 {
			rigs := decodeRigs(t, rigsJSON)
			rigs.MiningRigs[0].MinerStatus = nicehash.StatusStopped
			src.set(rigs, true)
		}
		return nil
	}

	require.NoError(t, ctrl.SetRigPower(context.Background(), "rig-1", false))

	_, refreshed := ref.counts()
	assert.Equal(t, 3, refreshed)
	assert.Equal(t, []time.Duration{time.Second, 2 * time.Second, 4 * time.Second}, clock.waits)
}

func TestConfirmWithinGivesUpAtDeadline(t *testing.T) {
	ctrl, _, ref, clock, _ := newTestController(t,
		WithConfirmWithin(10*time.Second),
		WithConfirmBackoff(4*time.Second, 30*time.Second),
	)

	// rig-1 is already mining; asking it to stop is never observed
	require.NoError(t, ctrl.SetRigPower(context.Background(), "rig-1", false))

	_, refreshed := ref.counts()
	assert.Equal(t, 2, refreshed)
	assert.Equal(t, []time.Duration{4 * time.Second, 6 * time.Second}, clock.waits)
}

func TestAsyncSettle(t *testing.T) {
	view, _ := newTestView(t)
	mut := &fakeMutator{}
	ref := &fakeRefresher{}
	done := make(chan struct{})

	ctrl := NewController(mut, ref, view, WithAsyncSettle())
	ctrl.sleep = func(ctx context.Context, d time.Duration) error {
		<-done
		return nil
	}

	require.NoError(t, ctrl.SetRigPower(context.Background(), "rig-1", true))
	requested, _ := ref.counts()
	assert.Zero(t, requested, "refresh is requested after the settle wait")

	close(done)
	assert.Eventually(t, func() bool {
		requested, _ := ref.counts()
		return requested == 1
	}, time.Second, 5*time.Millisecond)
}

func TestMutationsAreAudited(t *testing.T) {
	repo, err := database.NewSQLiteRepository(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { repo.Close() })

	ctx := context.Background()
	entry := &database.ConfigEntry{Name: "home", OrganizationID: "org", APIKey: "k", APISecret: "s"}
	require.NoError(t, repo.CreateEntry(ctx, entry))

	ctrl, mut, _, _, _ := newTestController(t, WithSettleDelay(0), WithAudit(repo, entry.EntryID))

	require.NoError(t, ctrl.SetPowerMode(ctx, "rig-1", "dev-1", "HIGH"))
	mut.err = &nicehash.DomainError{Kind: nicehash.KindRejected, Message: "rig busy"}
	require.Error(t, ctrl.SetRigPower(ctx, "rig-1", true))

	changes, err := repo.RecentChanges(ctx, entry.EntryID, 10)
	require.NoError(t, err)
	require.Len(t, changes, 2)

	failed, accepted := changes[0], changes[1]
	assert.Equal(t, nicehash.ActionStart, failed.Action)
	assert.False(t, failed.Success)
	assert.Contains(t, failed.ErrorMessage, "rig busy")

	assert.Equal(t, nicehash.ActionNHQMSetOp, accepted.Action)
	assert.Equal(t, "rig-1/dev-1", accepted.Target)
	assert.True(t, accepted.Success)
	assert.Equal(t, "HIGH V=2 OP=1", accepted.Detail)
}
