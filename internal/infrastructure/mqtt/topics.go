package mqtt

import (
	"fmt"
	"strings"
)

// Topics provides builders for the hub's MQTT topics.
// Using these helpers ensures consistent topic naming across the codebase.
//
// All topics live under a single configurable prefix so several hubs can
// share one broker:
//
//	topics := mqtt.Topics{Prefix: "grayedge"}
//	stateTopic := topics.SensorState("temp-boiler")
//	// Returns: "grayedge/sensor/temp-boiler/state"
type Topics struct {
	// Prefix is the first topic level, from hub.topic_prefix in config.
	Prefix string
}

// =============================================================================
// Sensor Topics
// =============================================================================

// SensorState returns the topic for polled sensor readings.
//
// Example: grayedge/sensor/temp-boiler/state
func (t Topics) SensorState(sensorID string) string {
	return fmt.Sprintf("%s/sensor/%s/state", t.Prefix, sensorID)
}

// =============================================================================
// Relay Topics
// =============================================================================

// RelayState returns the topic for relay state updates.
// Published retained so new subscribers see the current state.
//
// Example: grayedge/relay/pump/state
func (t Topics) RelayState(relayID string) string {
	return fmt.Sprintf("%s/relay/%s/state", t.Prefix, relayID)
}

// RelayCommand returns the topic for commands to a specific relay.
//
// Example: grayedge/cmd/relay/pump/set
func (t Topics) RelayCommand(relayID string) string {
	return fmt.Sprintf("%s/cmd/relay/%s/set", t.Prefix, relayID)
}

// RelayCommandPattern returns the wildcard pattern matching all relay
// commands. This is the hub's single control subscription.
//
// Pattern: grayedge/cmd/relay/+/set
func (t Topics) RelayCommandPattern() string {
	return fmt.Sprintf("%s/cmd/relay/+/set", t.Prefix)
}

// ParseRelayCommand extracts the relay ID from a relay command topic.
//
// Returns the ID and true for a well-formed command topic under this
// prefix, or "" and false otherwise.
func (t Topics) ParseRelayCommand(topic string) (string, bool) {
	parts := strings.Split(topic, "/")
	if len(parts) != 5 {
		return "", false
	}
	if parts[0] != t.Prefix || parts[1] != "cmd" || parts[2] != "relay" || parts[4] != "set" {
		return "", false
	}
	if parts[3] == "" {
		return "", false
	}
	return parts[3], true
}

// =============================================================================
// System Topics
// =============================================================================

// SystemStatus returns the hub's online/offline status topic.
// The LWT and the retained online payload both use this topic.
//
// Example: grayedge/system/status
func (t Topics) SystemStatus() string {
	return fmt.Sprintf("%s/system/status", t.Prefix)
}
