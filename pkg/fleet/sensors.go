package fleet

import (
	"fmt"

	"github.com/powerhive/nicehash-bridge/pkg/nicehash"
)

// Account-wide sensor fields, read from the rigs section.
const (
	FieldUnpaidAmount            = "unpaidAmount"
	FieldTotalProfitability      = "totalProfitability"
	FieldTotalProfitabilityLocal = "totalProfitabilityLocal"
)

// Per-rig sensor fields.
const (
	FieldLocalProfitability = "localProfitability"
	FieldProfitability      = "profitability"
	FieldMinerStatus        = "minerStatus"
)

// Per-algorithm sensor fields.
const (
	FieldSpeedAccepted      = "speedAccepted"
	FieldSpeedRejectedTotal = "speedRejectedTotal"
)

// GlobalFields, RigFields and StatFields list the sensors created per account,
// rig and algorithm.
var (
	GlobalFields = []string{FieldUnpaidAmount, FieldTotalProfitability, FieldTotalProfitabilityLocal}
	RigFields    = []string{FieldLocalProfitability, FieldProfitability, FieldMinerStatus}
	StatFields   = []string{FieldSpeedAccepted, FieldSpeedRejectedTotal}
)

// GlobalSensor reports an account-wide figure.
type GlobalSensor struct {
	view    *View
	account string
	field   string
}

// NewGlobalSensor creates the sensor for field on the named account.
func NewGlobalSensor(view *View, account, field string) *GlobalSensor {
	return &GlobalSensor{view: view, account: account, field: field}
}

func (s *GlobalSensor) UniqueID() string { return fmt.Sprintf("nh-%s-%s", s.account, s.field) }
func (s *GlobalSensor) Name() string     { return fmt.Sprintf("NH - %s - %s", s.account, s.field) }
func (s *GlobalSensor) Kind() Kind       { return KindSensor }
func (s *GlobalSensor) Unit() string     { return UnitBTC }

func (s *GlobalSensor) Available() bool {
	return s.view.OK() && s.view.Rigs() != nil
}

func (s *GlobalSensor) State() interface{} {
	rigs := s.view.Rigs()
	if rigs == nil {
		return nil
	}
	switch s.field {
	case FieldUnpaidAmount:
		return rigs.UnpaidAmount.Float64()
	case FieldTotalProfitability:
		return rigs.TotalProfitability.Float64()
	case FieldTotalProfitabilityLocal:
		return rigs.TotalProfitabilityLocal.Float64()
	}
	return nil
}

func (s *GlobalSensor) Attributes() map[string]interface{} {
	return map[string]interface{}{"account": s.account}
}

// RigSensor reports a per-rig figure.
type RigSensor struct {
	view  *View
	rigID string
	field string
}

// NewRigSensor creates the sensor for field on rigID.
func NewRigSensor(view *View, rigID, field string) *RigSensor {
	return &RigSensor{view: view, rigID: rigID, field: field}
}

func (s *RigSensor) UniqueID() string { return fmt.Sprintf("nh-%s-%s", s.rigID, s.field) }
func (s *RigSensor) Kind() Kind       { return KindSensor }

func (s *RigSensor) Name() string {
	rig, ok := s.view.Rig(s.rigID)
	if !ok {
		return ""
	}
	return fmt.Sprintf("NH - %s - %s", rig.Name, s.field)
}

func (s *RigSensor) Unit() string {
	if s.field == FieldMinerStatus {
		return ""
	}
	return UnitBTC
}

func (s *RigSensor) Available() bool {
	_, ok := s.view.Rig(s.rigID)
	return s.view.OK() && ok
}

func (s *RigSensor) State() interface{} {
	rig, ok := s.view.Rig(s.rigID)
	if !ok {
		return nil
	}
	switch s.field {
	case FieldLocalProfitability:
		return rig.LocalProfitability.Float64()
	case FieldProfitability:
		return rig.Profitability.Float64()
	case FieldMinerStatus:
		return string(rig.MinerStatus)
	}
	return nil
}

func (s *RigSensor) Attributes() map[string]interface{} {
	return rigAttributes(s.view, s.rigID)
}

// RigStatSensor reports a per-algorithm speed on a rig.
type RigStatSensor struct {
	view      *View
	rigID     string
	algorithm string
	field     string
}

// NewRigStatSensor creates the sensor for field of algorithm on rigID.
func NewRigStatSensor(view *View, rigID, algorithm, field string) *RigStatSensor {
	return &RigStatSensor{view: view, rigID: rigID, algorithm: algorithm, field: field}
}

func (s *RigStatSensor) UniqueID() string {
	return fmt.Sprintf("nh-%s-%s-%s", s.rigID, s.algorithm, s.field)
}

func (s *RigStatSensor) Kind() Kind { return KindSensor }

func (s *RigStatSensor) Name() string {
	rig, ok := s.view.Rig(s.rigID)
	if !ok {
		return ""
	}
	return fmt.Sprintf("NH - %s - %s - %s", rig.Name, s.algorithm, s.field)
}

// Unit is MH/s for DaggerHashimoto and unspecified otherwise, matching what
// the API reports.
func (s *RigStatSensor) Unit() string {
	if s.algorithm == "DAGGERHASHIMOTO" {
		return "MH/s"
	}
	return ""
}

func (s *RigStatSensor) stat() (*nicehash.Stat, bool) {
	rig, ok := s.view.Rig(s.rigID)
	if !ok {
		return nil, false
	}
	return rig.Stat(s.algorithm)
}

func (s *RigStatSensor) Available() bool {
	_, ok := s.stat()
	return s.view.OK() && ok
}

func (s *RigStatSensor) State() interface{} {
	stat, ok := s.stat()
	if !ok {
		return nil
	}
	switch s.field {
	case FieldSpeedAccepted:
		return stat.SpeedAccepted.Float64()
	case FieldSpeedRejectedTotal:
		return stat.SpeedRejectedTotal.Float64()
	}
	return nil
}

func (s *RigStatSensor) Attributes() map[string]interface{} {
	attrs := rigAttributes(s.view, s.rigID)
	attrs["algorithm"] = s.algorithm
	return attrs
}

func rigAttributes(view *View, rigID string) map[string]interface{} {
	attrs := map[string]interface{}{"rig_id": rigID}
	if rig, ok := view.Rig(rigID); ok {
		attrs["rig_name"] = rig.Name
		if rig.SoftwareVersions != "" {
			attrs["sw_version"] = rig.SoftwareVersions
		}
	}
	return attrs
}

var (
	_ Entity = (*GlobalSensor)(nil)
	_ Entity = (*RigSensor)(nil)
	_ Entity = (*RigStatSensor)(nil)
)
