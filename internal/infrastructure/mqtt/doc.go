// Package mqtt connects the hub to the Gray Logic MQTT fabric.
//
// This package owns the resilience layer between local producers and the
// broker:
//   - A supervisor that loops broker sessions forever, backing off
//     exponentially (1s doubling to 900s) after every failure and
//     resetting once a session's subscribe succeeds
//   - An ordered, deduplicating publish queue that outlives individual
//     sessions, so producers never block on network conditions
//   - A per-session drain task (queue to broker) and dispatch task
//     (broker to handler callback, in arrival order)
//   - Retained online/offline status with an LWT for crash detection
//
// # Session lifecycle
//
// Each supervisor iteration builds a fresh clean-session paho client,
// connects, issues the handler's single control subscription, publishes
// the retained online status and then runs the session's task group. The
// first transport error anywhere in the group tears the whole session
// down; queued messages survive into the next session.
//
// # Usage
//
//	topics := mqtt.Topics{Prefix: cfg.Hub.TopicPrefix}
//	client := mqtt.New(cfg.MQTT, topics, log)
//
//	// Producers, from any goroutine:
//	client.Send(topics.SensorState("temp-boiler"), `{"value":21.5}`)
//
//	// The supervisor, usually in its own goroutine:
//	err := client.Run(ctx, manager, pollerTask)
//
// Run returns only when ctx is cancelled. The handler's OnMessage is
// called synchronously from the dispatch task: one inbound message is
// fully handled before the next is taken.
package mqtt
