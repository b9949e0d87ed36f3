package nicehash

import (
	"fmt"
	"strings"
)

// ManualMode is always offered by devices with an inline descriptor.
const (
	ManualMode        = "MANUAL"
	ManualOperationID = "0"
)

// Descriptor keys.
const (
	descriptorVersion   = "V"
	descriptorOperation = "OP"
	descriptorModes     = "OPA"
)

// PowerModeDescriptor is the parsed form of a device's inline power-mode
// string, e.g. "V=2;OP=3;OPA=HIGH:1,MEDIUM:2,LOW:3".
type PowerModeDescriptor struct {
	Version             string
	HasVersion          bool
	CurrentOperation    string
	HasCurrentOperation bool

	// Modes maps upper-cased mode names to vendor operation ids.
	Modes map[string]string
	// Names lists the modes in the order they were offered, MANUAL last.
	Names []string
	// Skipped counts segments and pairs that could not be parsed.
	Skipped int
}

// ParsePowerModeDescriptor parses an inline descriptor. It never fails:
// malformed segments are skipped and counted, and MANUAL -> "0" is always
// present in the result.
func ParsePowerModeDescriptor(s string) PowerModeDescriptor {
	d := PowerModeDescriptor{Modes: make(map[string]string)}

	for _, segment := range strings.Split(s, ";") {
		segment = strings.TrimSpace(segment)
		if segment == "" {
			continue
		}

		key, value, ok := strings.Cut(segment, "=")
		if !ok {
			d.Skipped++
			continue
		}

		switch strings.ToUpper(strings.TrimSpace(key)) {
		case descriptorVersion:
			d.Version = strings.TrimSpace(value)
			d.HasVersion = true
		case descriptorOperation:
			d.CurrentOperation = strings.TrimSpace(value)
			d.HasCurrentOperation = true
		case descriptorModes:
			d.parseModes(value)
		}
	}

	d.addMode(ManualMode, ManualOperationID)
	return d
}

func (d *PowerModeDescriptor) parseModes(value string) {
	for _, pair := range strings.Split(value, ",") {
		if strings.TrimSpace(pair) == "" {
			continue
		}
		parts := strings.Split(pair, ":")
		if len(parts) != 2 {
			d.Skipped++
			continue
		}
		name := strings.ToUpper(strings.TrimSpace(parts[0]))
		if name == "" {
			d.Skipped++
			continue
		}
		d.addMode(name, strings.TrimSpace(parts[1]))
	}
}

func (d *PowerModeDescriptor) addMode(name, id string) {
	if _, exists := d.Modes[name]; !exists {
		d.Names = append(d.Names, name)
	} else if name == ManualMode {
		// keep MANUAL last regardless of where the vendor listed it
		d.Names = append(removeName(d.Names, name), name)
	}
	d.Modes[name] = id
}

func removeName(names []string, name string) []string {
	out := names[:0]
	for _, n := range names {
		if n != name {
			out = append(out, n)
		}
	}
	return out
}

// CurrentMode returns the mode name whose id matches the current operation.
func (d PowerModeDescriptor) CurrentMode() (string, bool) {
	if !d.HasCurrentOperation {
		return "", false
	}
	for _, name := range d.Names {
		if d.Modes[name] == d.CurrentOperation {
			return name, true
		}
	}
	return "", false
}

// PowerModeCommand is a resolved power-mode request for one device.
type PowerModeCommand struct {
	Mode        string
	Legacy      bool
	Version     string
	OperationID string
}

// SupportedPowerModes lists the modes a device accepts.
func SupportedPowerModes(device Device) []string {
	if !device.HasPowerModeDescriptor() {
		return append([]string(nil), LegacyPowerModes...)
	}
	return ParsePowerModeDescriptor(device.NHQM).Names
}

// ResolvePowerMode translates a user-entered mode name into the command to
// send for device. Devices without a descriptor use the legacy HIGH/MEDIUM/LOW
// path; devices with one must list the mode and a usable operation id.
func ResolvePowerMode(device Device, name string) (PowerModeCommand, error) {
	mode := strings.ToUpper(strings.TrimSpace(name))

	if !device.HasPowerModeDescriptor() {
		if !IsLegacyPowerMode(mode) {
			return PowerModeCommand{}, &DomainError{
				Kind:      KindUnsupportedPowerMode,
				Message:   fmt.Sprintf("unsupported power mode [%s]", mode),
				Supported: append([]string(nil), LegacyPowerModes...),
			}
		}
		return PowerModeCommand{Mode: mode, Legacy: true}, nil
	}

	d := ParsePowerModeDescriptor(device.NHQM)
	opID, ok := d.Modes[mode]
	if !ok {
		return PowerModeCommand{}, &DomainError{
			Kind:      KindUnsupportedPowerMode,
			Message:   fmt.Sprintf("unsupported power mode [%s]", mode),
			Supported: d.Names,
		}
	}

	if !d.HasVersion || d.Version == "" || opID == "" {
		return PowerModeCommand{}, &DomainError{
			Kind:    KindAmbiguousOperation,
			Message: fmt.Sprintf("cannot determine operation id for power mode [%s]", mode),
		}
	}

	return PowerModeCommand{
		Mode:        mode,
		Version:     d.Version,
		OperationID: opID,
	}, nil
}
