// Package fleet projects coordinator snapshots into sensor and switch
// entities and carries out rig and device mutations.
package fleet

import (
	"github.com/powerhive/nicehash-bridge/pkg/coordinator"
	"github.com/powerhive/nicehash-bridge/pkg/nicehash"
)

// SnapshotSource is the read side of a coordinator.
type SnapshotSource interface {
	Snapshot() (coordinator.Snapshot, bool)
	LastUpdateSuccess() bool
}

// View gives entities read access to the latest snapshot. It never caches;
// every call reads the current snapshot.
type View struct {
	src SnapshotSource
}

// NewView binds a view to src.
func NewView(src SnapshotSource) *View {
	return &View{src: src}
}

// OK reports whether the last refresh succeeded.
func (v *View) OK() bool {
	return v.src.LastUpdateSuccess()
}

// Rigs returns the rigs section, or nil before the first successful refresh.
func (v *View) Rigs() *nicehash.RigsResponse {
	snap, ok := v.src.Snapshot()
	if !ok {
		return nil
	}
	return snap.Rigs
}

// Account returns the account section, or nil.
func (v *View) Account() *nicehash.AccountResponse {
	snap, ok := v.src.Snapshot()
	if !ok {
		return nil
	}
	return snap.Account
}

// Rig looks up a rig by id.
func (v *View) Rig(rigID string) (*nicehash.Rig, bool) {
	return v.Rigs().Rig(rigID)
}

// Device looks up a device and its rig.
func (v *View) Device(rigID, deviceID string) (*nicehash.Rig, *nicehash.Device, bool) {
	rig, ok := v.Rig(rigID)
	if !ok {
		return nil, nil, false
	}
	dev, ok := rig.Device(deviceID)
	if !ok {
		return rig, nil, false
	}
	return rig, dev, true
}
