package telemetry

import (
	"fmt"
	"math"
	"math/rand"
	"time"
)

// DeviceType identifies a simulated device kind. The set is closed but
// extensible through RegisterType.
type DeviceType string

const (
	TypeSolar    DeviceType = "solar"
	TypeHeatPump DeviceType = "heat-pump"
	TypeGrid     DeviceType = "grid"
)

// Generator produces one measurement for a device. Pure function of device
// identity and time plus the profile's random draw; no side effects.
type Generator func(deviceID string, now time.Time) Measurement

// profile holds the electrical ranges a device kind samples from.
type profile struct {
	prefix           string
	voltMin, voltMax float64
	ampMin, ampMax   float64
	kwhMin, kwhMax   float64
}

// typeProfiles maps each device kind to its ID prefix and generator ranges.
var typeProfiles = map[DeviceType]profile{
	TypeSolar:    {prefix: "pv", voltMin: 200, voltMax: 250, ampMin: 5, ampMax: 15, kwhMin: 0.1, kwhMax: 0.5},
	TypeHeatPump: {prefix: "heatpump", voltMin: 220, voltMax: 240, ampMin: 8, ampMax: 20, kwhMin: 0.3, kwhMax: 0.8},
	TypeGrid:     {prefix: "maingrid", voltMin: 230, voltMax: 240, ampMin: 10, ampMax: 50, kwhMin: 0.4, kwhMax: 2.0},
}

// customTypes holds kinds registered at runtime via RegisterType.
var customTypes = map[DeviceType]profile{}

// ParseType validates a device type string.
func ParseType(s string) (DeviceType, error) {
	dt := DeviceType(s)
	if _, ok := lookupProfile(dt); !ok {
		return "", fmt.Errorf("unknown device type %q", s)
	}
	return dt, nil
}

// Types returns all known device types.
func Types() []DeviceType {
	types := make([]DeviceType, 0, len(typeProfiles)+len(customTypes))
	for dt := range typeProfiles {
		types = append(types, dt)
	}
	for dt := range customTypes {
		types = append(types, dt)
	}
	return types
}

// RegisterType adds a device kind with the given ID prefix and ranges.
// Intended for extension; the built-in kinds cannot be overridden.
func RegisterType(dt DeviceType, prefix string, voltMin, voltMax, ampMin, ampMax, kwhMin, kwhMax float64) error {
	if _, ok := typeProfiles[dt]; ok {
		return fmt.Errorf("device type %q is built in", dt)
	}
	customTypes[dt] = profile{
		prefix:  prefix,
		voltMin: voltMin, voltMax: voltMax,
		ampMin: ampMin, ampMax: ampMax,
		kwhMin: kwhMin, kwhMax: kwhMax,
	}
	return nil
}

func lookupProfile(dt DeviceType) (profile, bool) {
	if p, ok := typeProfiles[dt]; ok {
		return p, true
	}
	p, ok := customTypes[dt]
	return p, ok
}

// Prefix returns the device ID prefix for a kind ("pv" for pv001).
func Prefix(dt DeviceType) (string, error) {
	p, ok := lookupProfile(dt)
	if !ok {
		return "", fmt.Errorf("unknown device type %q", dt)
	}
	return p.prefix, nil
}

// NewGenerator returns the measurement generator for a device kind.
func NewGenerator(dt DeviceType) (Generator, error) {
	p, ok := lookupProfile(dt)
	if !ok {
		return nil, fmt.Errorf("unknown device type %q", dt)
	}
	return func(deviceID string, now time.Time) Measurement {
		voltage := round2(uniform(p.voltMin, p.voltMax))
		current := round2(uniform(p.ampMin, p.ampMax))
		return Measurement{
			DeviceID:  deviceID,
			Timestamp: now,
			Voltage:   voltage,
			Current:   current,
			Power:     round2(voltage * current),
			KWh:       round3(uniform(p.kwhMin, p.kwhMax)),
		}
	}, nil
}

func uniform(lo, hi float64) float64 {
	return lo + rand.Float64()*(hi-lo)
}

func round2(v float64) float64 {
	return math.Round(v*100) / 100
}

func round3(v float64) float64 {
	return math.Round(v*1000) / 1000
}
