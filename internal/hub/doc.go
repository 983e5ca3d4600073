// Package hub is the glue between the broker session and the bus
// actuators. The Manager implements the mqtt session handler contract:
// it owns the single control subscription (relay commands), routes
// ON/OFF/TOGGLE payloads to coil outputs, publishes the resulting state
// retained, and persists it so a power cycle restores the last
// commanded state at boot.
package hub
