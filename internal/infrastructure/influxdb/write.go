package influxdb

import (
	"time"

	"github.com/influxdata/influxdb-client-go/v2/api/write"

	"github.com/imadama/IoTDeviceManager/internal/telemetry"
)

// WriteMeasurement mirrors one device measurement. Non-blocking; the
// point is batched and sent asynchronously, and dropped silently when
// the mirror is down. The MQTT path is authoritative, this is a copy.
func (c *Client) WriteMeasurement(m telemetry.Measurement) {
	if !c.IsConnected() {
		return
	}

	point := write.NewPoint(
		"device_telemetry",
		map[string]string{
			"device_id": m.DeviceID,
		},
		map[string]interface{}{
			"voltage": m.Voltage,
			"current": m.Current,
			"power":   m.Power,
			"kwh":     m.KWh,
		},
		m.Timestamp,
	)

	c.writeAPI.WritePoint(point)
}

// WritePoint writes a custom point for anything the measurement helper
// does not cover, such as connection phase transitions.
func (c *Client) WritePoint(measurement string, tags map[string]string, fields map[string]interface{}) {
	if !c.IsConnected() {
		return
	}
	c.writeAPI.WritePoint(write.NewPoint(measurement, tags, fields, time.Now()))
}
