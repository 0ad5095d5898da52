package telemetry

import (
	"strings"
	"time"

	"github.com/imadama/IoTDeviceManager/internal/cumulocity"
)

// Measurement is one immutable telemetry sample for a device.
// Power is derived from voltage and current at creation time; values are
// never mutated afterwards.
type Measurement struct {
	DeviceID  string
	Timestamp time.Time
	Voltage   float64 // volts
	Current   float64 // amperes
	Power     float64 // watts, = Voltage * Current
	KWh       float64 // energy consumed this interval
}

// Payload serializes the measurement into the platform wire schema: one
// self-contained multi-line SmartREST message embedding all reading
// fragments. A single publish per cycle avoids multi-message sequencing
// issues on reconnect.
func (m Measurement) Payload() []byte {
	lines := []string{
		cumulocity.MeasurementLine("c8y_Voltage", m.Voltage, "V", m.Timestamp),
		cumulocity.MeasurementLine("c8y_Current", m.Current, "A", m.Timestamp),
		cumulocity.MeasurementLine("c8y_Power", m.Power, "W", m.Timestamp),
		cumulocity.MeasurementLine("c8y_EnergyConsumption", m.KWh, "kWh", m.Timestamp),
	}
	return []byte(strings.Join(lines, "\n"))
}
