package cumulocity

import "fmt"

// SmartREST topic names per the Cumulocity MQTT specification.
const (
	// TopicStatic is the upstream topic for static template messages
	// (measurements, events, alarms, operation status).
	TopicStatic = "s/us"

	// TopicInventoryPrefix is the upstream topic prefix for device
	// inventory updates (registration, hardware descriptor).
	TopicInventoryPrefix = "s/ud"

	// TopicOperations is the downstream topic for operations pushed by
	// the platform (restart command and friends).
	TopicOperations = "s/ds"

	// TopicErrors is the downstream topic for SmartREST error reports.
	TopicErrors = "s/e"
)

// Topics provides builders for the platform's MQTT topics.
//
//	topics := cumulocity.Topics{}
//	topics.Inventory("pv001") // "s/ud/pv001"
type Topics struct{}

// Measurements returns the upstream static template topic.
func (Topics) Measurements() string {
	return TopicStatic
}

// Inventory returns the per-device inventory topic used for the
// registration bootstrap.
func (Topics) Inventory(deviceID string) string {
	return fmt.Sprintf("%s/%s", TopicInventoryPrefix, deviceID)
}

// Operations returns the downstream operations topic.
func (Topics) Operations() string {
	return TopicOperations
}

// Errors returns the downstream SmartREST error topic.
func (Topics) Errors() string {
	return TopicErrors
}
