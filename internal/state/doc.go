// Package state persists the last commanded output states.
//
// Relay commands arrive over MQTT and are applied to the bus; the resulting
// state is written here so a power cycle restores outputs to what was last
// asked for rather than whatever the hardware wakes up as.
//
// The store is a single SQLite table managed by this package. Schema is
// created idempotently when the repository is constructed.
package state
