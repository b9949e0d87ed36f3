package fleet

import (
	"sync"

	"github.com/rs/zerolog"

	"github.com/powerhive/nicehash-bridge/pkg/coordinator"
)

// Registry tracks the entities discovered for one account. Entities are added
// once per unique id and never removed while the account is loaded.
type Registry struct {
	view    *View
	ctrl    *Controller
	account string
	log     zerolog.Logger

	mu       sync.RWMutex
	entities map[string]Entity
	order    []string

	onAdded []func([]Entity)
}

// RegistryOption configures a Registry.
type RegistryOption func(*Registry)

// WithRegistryLogger sets the registry logger.
func WithRegistryLogger(log zerolog.Logger) RegistryOption {
	return func(r *Registry) {
		r.log = log
	}
}

// OnAdded registers fn to receive newly discovered entities.
func OnAdded(fn func([]Entity)) RegistryOption {
	return func(r *Registry) {
		r.onAdded = append(r.onAdded, fn)
	}
}

// NewRegistry creates an empty registry for the named account.
func NewRegistry(view *View, ctrl *Controller, account string, opts ...RegistryOption) *Registry {
	r := &Registry{
		view:     view,
		ctrl:     ctrl,
		account:  account,
		log:      zerolog.Nop(),
		entities: make(map[string]Entity),
	}

	for _, opt := range opts {
		opt(r)
	}

	return r
}

// Listener returns the coordinator listener that runs discovery after every
// successful refresh.
func (r *Registry) Listener() coordinator.Listener {
	return func(u coordinator.Update) {
		if !u.Success {
			return
		}
		r.Discover()
	}
}

// Discover adds entities for any account field, rig, algorithm or device not
// seen before and returns the new ones.
func (r *Registry) Discover() []Entity {
	rigs := r.view.Rigs()
	if rigs == nil {
		return nil
	}

	candidates := make([]Entity, 0, len(GlobalFields))
	for _, field := range GlobalFields {
		candidates = append(candidates, NewGlobalSensor(r.view, r.account, field))
	}

	for _, rig := range rigs.MiningRigs {
		for _, field := range RigFields {
			candidates = append(candidates, NewRigSensor(r.view, rig.RigID, field))
		}
		for _, stat := range rig.Stats {
			for _, field := range StatFields {
				candidates = append(candidates, NewRigStatSensor(r.view, rig.RigID, stat.Algorithm.EnumName, field))
			}
		}
		candidates = append(candidates, NewRigSwitch(r.view, r.ctrl, rig.RigID))
		for _, dev := range rig.Devices {
			candidates = append(candidates, NewDeviceSwitch(r.view, r.ctrl, rig.RigID, dev.ID))
		}
	}

	var added []Entity
	r.mu.Lock()
	for _, e := range candidates {
		id := e.UniqueID()
		if _, exists := r.entities[id]; exists {
			continue
		}
		r.entities[id] = e
		r.order = append(r.order, id)
		added = append(added, e)
	}
	r.mu.Unlock()

	if len(added) > 0 {
		r.log.Info().Int("added", len(added)).Int("total", r.Len()).Msg("entities discovered")
		for _, fn := range r.onAdded {
			fn(added)
		}
	}

	return added
}

// Get returns the entity with the given unique id.
func (r *Registry) Get(uniqueID string) (Entity, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.entities[uniqueID]
	return e, ok
}

// All returns every entity in discovery order.
func (r *Registry) All() []Entity {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Entity, 0, len(r.order))
	for _, id := range r.order {
		out = append(out, r.entities[id])
	}
	return out
}

// Len returns the number of entities.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.order)
}

// RigSwitch returns the power switch of a rig.
func (r *Registry) RigSwitch(rigID string) (*RigSwitch, bool) {
	e, ok := r.Get(NewRigSwitch(nil, nil, rigID).UniqueID())
	if !ok {
		return nil, false
	}
	s, ok := e.(*RigSwitch)
	return s, ok
}

// DeviceSwitch returns the power switch of a device.
func (r *Registry) DeviceSwitch(rigID, deviceID string) (*DeviceSwitch, bool) {
	e, ok := r.Get(NewDeviceSwitch(nil, nil, rigID, deviceID).UniqueID())
	if !ok {
		return nil, false
	}
	s, ok := e.(*DeviceSwitch)
	return s, ok
}

// States describes every entity.
func (r *Registry) States() []EntityState {
	all := r.All()
	out := make([]EntityState, 0, len(all))
	for _, e := range all {
		out = append(out, Describe(e))
	}
	return out
}
