package cumulocity

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

// SmartREST 2.0 static template codes used by the simulator.
const (
	// TemplateDeviceCreation registers the device in the platform inventory.
	// Format: 100,<device_name>,<device_type>
	TemplateDeviceCreation = 100

	// TemplateHardware sets the hardware descriptor.
	// Format: 110,<serial>,<model>,<revision>
	TemplateHardware = 110

	// TemplateSupportedOperations declares the operations the device accepts.
	// Format: 114,<operation>,...
	TemplateSupportedOperations = 114

	// TemplateMeasurement creates a single measurement fragment.
	// Format: 200,<fragment>,<value>,<unit>,<timestamp>
	TemplateMeasurement = 200

	// TemplateAlarm raises an alarm.
	// Format: 301,<type>,<text>,<severity>
	TemplateAlarm = 301

	// TemplateEvent creates an event. Used for the heartbeat probe.
	// Format: 400,<type>,<text>
	TemplateEvent = 400

	// TemplateOperationExecuting acknowledges that an operation started.
	TemplateOperationExecuting = 501

	// TemplateOperationFailed reports that an operation failed.
	TemplateOperationFailed = 502

	// TemplateOperationComplete reports that an operation finished.
	TemplateOperationComplete = 503

	// TemplateRestart is the inbound restart operation code.
	TemplateRestart = 510
)

// OperationRestart is the Cumulocity operation fragment for device restarts.
const OperationRestart = "c8y_Restart"

// heartbeatEventType is the event type used by the connection liveness probe.
const heartbeatEventType = "c8y_Heartbeat"

// Bootstrap returns the one-time registration payload for a device: the
// inventory creation line, the hardware descriptor and the supported
// operations, as a single multi-line SmartREST message.
//
// Sent exactly once per registration record lifetime (spelled out by the
// registration store, not here).
func Bootstrap(deviceID, deviceType, model, revision string) string {
	lines := []string{
		fmt.Sprintf("%d,%s,%s", TemplateDeviceCreation, deviceID, deviceType),
		fmt.Sprintf("%d,%s,%s,%s", TemplateHardware, deviceID, model, revision),
		fmt.Sprintf("%d,%s", TemplateSupportedOperations, OperationRestart),
	}
	return strings.Join(lines, "\n")
}

// Heartbeat returns the liveness probe payload. The broker's QoS 1
// acknowledgement of this event is what the connection manager counts as
// proof of life.
func Heartbeat(deviceID string) string {
	return fmt.Sprintf("%d,%s,heartbeat %s", TemplateEvent, heartbeatEventType, deviceID)
}

// Alarm returns an alarm payload.
// Severity is one of CRITICAL, MAJOR, MINOR, WARNING.
func Alarm(alarmType, text, severity string) string {
	return fmt.Sprintf("%d,%s,%s,%s", TemplateAlarm, alarmType, text, severity)
}

// MeasurementLine returns a single measurement fragment line.
func MeasurementLine(fragment string, value float64, unit string, ts time.Time) string {
	return fmt.Sprintf("%d,%s,%s,%s,%s",
		TemplateMeasurement,
		fragment,
		strconv.FormatFloat(value, 'f', -1, 64),
		unit,
		ts.UTC().Format(time.RFC3339),
	)
}

// OperationAck returns the status line acknowledging an operation.
// Use TemplateOperationExecuting or TemplateOperationComplete.
func OperationAck(template int, operation string) string {
	return fmt.Sprintf("%d,%s", template, operation)
}

// OperationFailure returns the failure line for an operation.
func OperationFailure(operation, reason string) string {
	return fmt.Sprintf("%d,%s,%s", TemplateOperationFailed, operation, reason)
}

// Operation is an inbound platform operation decoded from s/ds.
type Operation struct {
	// Template is the SmartREST template code (e.g. 510 for restart).
	Template int

	// DeviceID is the target device serial, when the template carries one.
	DeviceID string

	// Fields are the remaining comma-separated values.
	Fields []string
}

// IsRestart reports whether the operation is a restart request.
func (o Operation) IsRestart() bool {
	return o.Template == TemplateRestart
}

// ParseOperation decodes an inbound SmartREST operation line.
// Returns false if the payload is not a well-formed template line.
func ParseOperation(payload []byte) (Operation, bool) {
	parts := strings.Split(strings.TrimSpace(string(payload)), ",")
	if len(parts) == 0 || parts[0] == "" {
		return Operation{}, false
	}

	template, err := strconv.Atoi(parts[0])
	if err != nil {
		return Operation{}, false
	}

	op := Operation{Template: template}
	if len(parts) > 1 {
		op.DeviceID = parts[1]
		op.Fields = parts[2:]
	}
	return op, true
}

// ErrorLine is a SmartREST error report received on s/e.
type ErrorLine struct {
	Code    int
	Message string
}

// ParseErrorLine decodes a message from the s/e error topic.
// Returns false if the payload does not start with a numeric code.
func ParseErrorLine(payload []byte) (ErrorLine, bool) {
	text := strings.TrimSpace(string(payload))
	code, rest, found := strings.Cut(text, ",")
	n, err := strconv.Atoi(code)
	if err != nil {
		return ErrorLine{}, false
	}
	if !found {
		return ErrorLine{Code: n}, true
	}
	return ErrorLine{Code: n, Message: rest}, true
}

// IsRegistrationConflict reports whether the error indicates the device is
// already registered server-side. The platform reports this as a server
// error wrapping HTTP 409 or a duplicate message. Treated by callers as
// success-equivalent to keep local and remote state converged.
func (e ErrorLine) IsRegistrationConflict() bool {
	msg := strings.ToLower(e.Message)
	return strings.Contains(msg, "409") || strings.Contains(msg, "duplicate")
}

// ClientID returns the MQTT client identity for a device. One identity per
// device, formatted deterministically from the device id so the platform
// sees a stable client across reconnects.
func ClientID(deviceID string) string {
	return "iotsim-" + deviceID
}
