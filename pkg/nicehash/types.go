package nicehash

import (
	"bytes"
	"encoding/json"
	"strconv"
	"strings"
)

// RigStatus is the mining state reported for a rig or device.
type RigStatus string

// Rig and device statuses.
const (
	StatusDisabled     RigStatus = "DISABLED"
	StatusOffline      RigStatus = "OFFLINE"
	StatusBenchmarking RigStatus = "BENCHMARKING"
	StatusMining       RigStatus = "MINING"
	StatusStopped      RigStatus = "STOPPED"
	StatusError        RigStatus = "ERROR"
	StatusPending      RigStatus = "PENDING"
	StatusTransferred  RigStatus = "TRANSFERRED"
	StatusUnknown      RigStatus = "UNKNOWN"
)

// ParseRigStatus maps a vendor status string onto RigStatus.
// The vendor spells TRANSFERRED with one R; both spellings are accepted.
// Anything unrecognised is UNKNOWN.
func ParseRigStatus(s string) RigStatus {
	switch strings.ToUpper(strings.TrimSpace(s)) {
	case "DISABLED":
		return StatusDisabled
	case "OFFLINE":
		return StatusOffline
	case "BENCHMARKING":
		return StatusBenchmarking
	case "MINING":
		return StatusMining
	case "STOPPED":
		return StatusStopped
	case "ERROR":
		return StatusError
	case "PENDING":
		return StatusPending
	case "TRANSFERRED", "TRANSFERED":
		return StatusTransferred
	default:
		return StatusUnknown
	}
}

// UnmarshalJSON normalises the status on decode.
func (s *RigStatus) UnmarshalJSON(data []byte) error {
	var raw string
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	*s = ParseRigStatus(raw)
	return nil
}

// Active reports whether the status counts as switched on.
func (s RigStatus) Active() bool {
	return s == StatusMining || s == StatusBenchmarking
}

// Amount is a decimal figure the API sends either as a JSON number or as a
// quoted string.
type Amount float64

// UnmarshalJSON accepts numbers, numeric strings and null.
func (a *Amount) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	if bytes.Equal(data, []byte("null")) {
		*a = 0
		return nil
	}
	if len(data) > 0 && data[0] == '"' {
		var s string
		if err := json.Unmarshal(data, &s); err != nil {
			return err
		}
		if s == "" {
			*a = 0
			return nil
		}
		f, err := strconv.ParseFloat(s, 64)
		if err != nil {
			return err
		}
		*a = Amount(f)
		return nil
	}
	var f float64
	if err := json.Unmarshal(data, &f); err != nil {
		return err
	}
	*a = Amount(f)
	return nil
}

// Float64 returns the amount as a float64.
func (a Amount) Float64() float64 {
	return float64(a)
}

// EnumName is the vendor's {"enumName": "...", "description": "..."} wrapper.
type EnumName struct {
	EnumName    string `json:"enumName"`
	Description string `json:"description,omitempty"`
}

// Algorithm is a mining algorithm reference.
type Algorithm = EnumName

// Stat holds per-algorithm performance for a rig.
type Stat struct {
	Algorithm          Algorithm `json:"algorithm"`
	SpeedAccepted      Amount    `json:"speedAccepted"`
	SpeedRejectedTotal Amount    `json:"speedRejectedTotal"`
	Profitability      Amount    `json:"profitability"`
	UnpaidAmount       Amount    `json:"unpaidAmount"`
}

// DeviceStatus wraps the device status enum.
type DeviceStatus struct {
	EnumName    RigStatus `json:"enumName"`
	Description string    `json:"description,omitempty"`
}

// Device is one mining unit inside a rig.
type Device struct {
	ID                             string       `json:"id"`
	Name                           string       `json:"name"`
	DeviceType                     EnumName     `json:"deviceType"`
	Status                         DeviceStatus `json:"status"`
	Temperature                    Amount       `json:"temperature"`
	Load                           Amount       `json:"load"`
	RevolutionsPerMinute           Amount       `json:"revolutionsPerMinute"`
	RevolutionsPerMinutePercentage Amount       `json:"revolutionsPerMinutePercentage"`
	PowerUsage                     Amount       `json:"powerUsage"`
	Intensity                      EnumName     `json:"intensity"`
	NHQM                           string       `json:"nhqm,omitempty"`
}

// HasPowerModeDescriptor reports whether the device carries an inline
// power-mode descriptor.
func (d Device) HasPowerModeDescriptor() bool {
	return d.NHQM != ""
}

// Rig is a logical group of devices.
type Rig struct {
	RigID              string    `json:"rigId"`
	Name               string    `json:"name"`
	Type               string    `json:"type,omitempty"`
	MinerStatus        RigStatus `json:"minerStatus"`
	StatusTime         int64     `json:"statusTime,omitempty"`
	SoftwareVersions   string    `json:"softwareVersions,omitempty"`
	Devices            []Device  `json:"devices"`
	Stats              []Stat    `json:"stats"`
	Profitability      Amount    `json:"profitability"`
	LocalProfitability Amount    `json:"localProfitability"`
	UnpaidAmount       Amount    `json:"unpaidAmount"`
}

// Device returns the device with the given id.
func (r *Rig) Device(id string) (*Device, bool) {
	for i := range r.Devices {
		if r.Devices[i].ID == id {
			return &r.Devices[i], true
		}
	}
	return nil, false
}

// Stat returns the stat for the given algorithm enum name.
func (r *Rig) Stat(algorithm string) (*Stat, bool) {
	for i := range r.Stats {
		if r.Stats[i].Algorithm.EnumName == algorithm {
			return &r.Stats[i], true
		}
	}
	return nil, false
}

// RigsResponse is the rigs2 payload.
type RigsResponse struct {
	MiningRigs              []Rig          `json:"miningRigs"`
	TotalRigs               int            `json:"totalRigs"`
	TotalDevices            int            `json:"totalDevices"`
	MinerStatuses           map[string]int `json:"minerStatuses,omitempty"`
	UnpaidAmount            Amount         `json:"unpaidAmount"`
	TotalProfitability      Amount         `json:"totalProfitability"`
	TotalProfitabilityLocal Amount         `json:"totalProfitabilityLocal"`
	BtcAddress              string         `json:"btcAddress,omitempty"`
	NextPayoutTimestamp     string         `json:"nextPayoutTimestamp,omitempty"`
}

// Rig returns the rig with the given id.
func (r *RigsResponse) Rig(id string) (*Rig, bool) {
	if r == nil {
		return nil, false
	}
	for i := range r.MiningRigs {
		if r.MiningRigs[i].RigID == id {
			return &r.MiningRigs[i], true
		}
	}
	return nil, false
}

// Balance is one currency line of the account.
type Balance struct {
	Active       bool   `json:"active,omitempty"`
	Currency     string `json:"currency"`
	TotalBalance Amount `json:"totalBalance"`
	Available    Amount `json:"available"`
	Debt         Amount `json:"debt"`
	Pending      Amount `json:"pending"`
	BtcRate      Amount `json:"btcRate,omitempty"`
	FiatRate     Amount `json:"fiatRate,omitempty"`
}

// AccountResponse is the accounts2 payload.
type AccountResponse struct {
	Total      Balance   `json:"total"`
	Currencies []Balance `json:"currencies"`
}

// MiningAddress is the miningAddress payload.
type MiningAddress struct {
	Address string `json:"address"`
}

// StatusResponse is the answer to a rig/device mutation.
type StatusResponse struct {
	Success     bool   `json:"success"`
	SuccessType string `json:"successType,omitempty"`
	Message     string `json:"message,omitempty"`
}

// rigActionRequest is the status2 body for a whole rig.
type rigActionRequest struct {
	RigID  string `json:"rigId"`
	Action string `json:"action"`
}

// deviceActionRequest is the status2 body for a device, optionally with options.
type deviceActionRequest struct {
	RigID    string   `json:"rigId"`
	DeviceID string   `json:"deviceId"`
	Action   string   `json:"action"`
	Options  []string `json:"options,omitempty"`
}

// ErrorResponse is the error body returned by the API.
type ErrorResponse struct {
	ErrorID string `json:"error_id"`
	Errors  []struct {
		Code    int    `json:"code"`
		Message string `json:"message"`
	} `json:"errors"`
}

// Message returns the first error message, or "".
func (e ErrorResponse) Message() string {
	if len(e.Errors) == 0 {
		return ""
	}
	return e.Errors[0].Message
}
