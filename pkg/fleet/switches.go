package fleet

import (
	"context"
	"fmt"

	"github.com/powerhive/nicehash-bridge/pkg/nicehash"
)

// RigSwitch starts and stops a whole rig.
type RigSwitch struct {
	view  *View
	ctrl  *Controller
	rigID string
}

// NewRigSwitch creates the power switch for rigID.
func NewRigSwitch(view *View, ctrl *Controller, rigID string) *RigSwitch {
	return &RigSwitch{view: view, ctrl: ctrl, rigID: rigID}
}

// RigID returns the rig this switch controls.
func (s *RigSwitch) RigID() string { return s.rigID }

func (s *RigSwitch) UniqueID() string { return fmt.Sprintf("nh-%s-power", s.rigID) }
func (s *RigSwitch) Kind() Kind       { return KindSwitch }
func (s *RigSwitch) Unit() string     { return "" }

func (s *RigSwitch) Name() string {
	rig, ok := s.view.Rig(s.rigID)
	if !ok {
		return ""
	}
	return fmt.Sprintf("NH - %s - Power", rig.Name)
}

// Available is false while the rig is disabled, transferred, unknown or offline.
func (s *RigSwitch) Available() bool {
	rig, ok := s.view.Rig(s.rigID)
	if !s.view.OK() || !ok {
		return false
	}
	switch rig.MinerStatus {
	case nicehash.StatusDisabled, nicehash.StatusTransferred, nicehash.StatusUnknown, nicehash.StatusOffline:
		return false
	}
	return true
}

func (s *RigSwitch) IsOn() bool {
	rig, ok := s.view.Rig(s.rigID)
	return ok && rig.MinerStatus.Active()
}

func (s *RigSwitch) State() interface{} {
	if s.IsOn() {
		return "on"
	}
	return "off"
}

func (s *RigSwitch) Attributes() map[string]interface{} {
	attrs := rigAttributes(s.view, s.rigID)
	if rig, ok := s.view.Rig(s.rigID); ok {
		attrs["status"] = string(rig.MinerStatus)
	}
	return attrs
}

func (s *RigSwitch) TurnOn(ctx context.Context) error {
	return s.ctrl.SetRigPower(ctx, s.rigID, true)
}

func (s *RigSwitch) TurnOff(ctx context.Context) error {
	return s.ctrl.SetRigPower(ctx, s.rigID, false)
}

// DeviceSwitch starts and stops one device and sets its power mode.
type DeviceSwitch struct {
	view     *View
	ctrl     *Controller
	rigID    string
	deviceID string
}

// NewDeviceSwitch creates the power switch for a device.
func NewDeviceSwitch(view *View, ctrl *Controller, rigID, deviceID string) *DeviceSwitch {
	return &DeviceSwitch{view: view, ctrl: ctrl, rigID: rigID, deviceID: deviceID}
}

// RigID returns the rig owning the device.
func (s *DeviceSwitch) RigID() string { return s.rigID }

// DeviceID returns the device this switch controls.
func (s *DeviceSwitch) DeviceID() string { return s.deviceID }

func (s *DeviceSwitch) UniqueID() string { return fmt.Sprintf("nh-%s-%s-power", s.rigID, s.deviceID) }
func (s *DeviceSwitch) Kind() Kind       { return KindSwitch }
func (s *DeviceSwitch) Unit() string     { return "" }

func (s *DeviceSwitch) Name() string {
	rig, dev, ok := s.view.Device(s.rigID, s.deviceID)
	if !ok {
		return ""
	}
	return fmt.Sprintf("NH - %s - %s - Power", rig.Name, dev.Name)
}

// Available is false while the device is transferred, unknown or offline.
func (s *DeviceSwitch) Available() bool {
	_, dev, ok := s.view.Device(s.rigID, s.deviceID)
	if !s.view.OK() || !ok {
		return false
	}
	switch dev.Status.EnumName {
	case nicehash.StatusTransferred, nicehash.StatusUnknown, nicehash.StatusOffline:
		return false
	}
	return true
}

func (s *DeviceSwitch) IsOn() bool {
	_, dev, ok := s.view.Device(s.rigID, s.deviceID)
	return ok && dev.Status.EnumName.Active()
}

func (s *DeviceSwitch) State() interface{} {
	if s.IsOn() {
		return "on"
	}
	return "off"
}

func (s *DeviceSwitch) Attributes() map[string]interface{} {
	rig, dev, ok := s.view.Device(s.rigID, s.deviceID)
	if !ok {
		return map[string]interface{}{"rig_id": s.rigID, "device_id": s.deviceID}
	}

	attrs := map[string]interface{}{
		"rig_id":               s.rigID,
		"device_id":            s.deviceID,
		"rig_name":             rig.Name,
		"device_name":          dev.Name,
		"temperature":          dev.Temperature.Float64(),
		"load":                 dev.Load.Float64(),
		"fan_speed":            dev.RevolutionsPerMinute.Float64(),
		"fan_speed_percentage": dev.RevolutionsPerMinutePercentage.Float64(),
		"powerUsage":           dev.PowerUsage.Float64(),
		"powerMode":            dev.Intensity.EnumName,
	}
	if dev.HasPowerModeDescriptor() {
		d := nicehash.ParsePowerModeDescriptor(dev.NHQM)
		if mode, ok := d.CurrentMode(); ok {
			attrs["powerMode"] = mode
		}
	}
	attrs["supported_power_modes"] = nicehash.SupportedPowerModes(*dev)
	return attrs
}

func (s *DeviceSwitch) TurnOn(ctx context.Context) error {
	return s.ctrl.SetDevicePower(ctx, s.rigID, s.deviceID, true)
}

func (s *DeviceSwitch) TurnOff(ctx context.Context) error {
	return s.ctrl.SetDevicePower(ctx, s.rigID, s.deviceID, false)
}

func (s *DeviceSwitch) SupportedPowerModes() []string {
	_, dev, ok := s.view.Device(s.rigID, s.deviceID)
	if !ok {
		return nil
	}
	return nicehash.SupportedPowerModes(*dev)
}

func (s *DeviceSwitch) SetPowerMode(ctx context.Context, mode string) error {
	return s.ctrl.SetPowerMode(ctx, s.rigID, s.deviceID, mode)
}

var (
	_ Switchable        = (*RigSwitch)(nil)
	_ Switchable        = (*DeviceSwitch)(nil)
	_ PowerModeSettable = (*DeviceSwitch)(nil)
)
