package fleet

import (
	"context"
)

// Kind is the entity platform.
type Kind string

const (
	KindSensor Kind = "sensor"
	KindSwitch Kind = "switch"
)

// UnitBTC is the unit of profitability and balance sensors.
const UnitBTC = "BTC"

// Entity is an observable projection of the snapshot.
type Entity interface {
	UniqueID() string
	Name() string
	Kind() Kind
	Available() bool
	State() interface{}
	Unit() string
	Attributes() map[string]interface{}
}

// Switchable is an entity that can be turned on and off.
type Switchable interface {
	Entity
	IsOn() bool
	TurnOn(ctx context.Context) error
	TurnOff(ctx context.Context) error
}

// PowerModeSettable is an entity whose hardware accepts power modes.
type PowerModeSettable interface {
	Entity
	SupportedPowerModes() []string
	SetPowerMode(ctx context.Context, mode string) error
}

// EntityState is the serialisable form of an entity.
type EntityState struct {
	UniqueID   string                 `json:"unique_id"`
	Name       string                 `json:"name"`
	Kind       Kind                   `json:"kind"`
	Available  bool                   `json:"available"`
	State      interface{}            `json:"state"`
	Unit       string                 `json:"unit,omitempty"`
	Attributes map[string]interface{} `json:"attributes,omitempty"`
}

// Describe captures the current state of e.
func Describe(e Entity) EntityState {
	return EntityState{
		UniqueID:   e.UniqueID(),
		Name:       e.Name(),
		Kind:       e.Kind(),
		Available:  e.Available(),
		State:      e.State(),
		Unit:       e.Unit(),
		Attributes: e.Attributes(),
	}
}
