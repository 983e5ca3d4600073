package hub

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/nerrad567/gray-logic-edge/internal/infrastructure/config"
	"github.com/nerrad567/gray-logic-edge/internal/infrastructure/mqtt"
	"github.com/nerrad567/gray-logic-edge/internal/state"
)

// commandTimeout bounds the bus write and state save for one inbound
// command. The dispatch task processes commands one at a time, so a
// wedged bus must not stall the session indefinitely.
const commandTimeout = 5 * time.Second

// Relay state payloads.
const (
	payloadOn     = "ON"
	payloadOff    = "OFF"
	payloadToggle = "TOGGLE"
)

// Publisher queues one outbound message without blocking.
// Satisfied by the mqtt client.
type Publisher interface {
	Enqueue(msg mqtt.OutboundMessage) bool
}

// Recorder receives relay events for long-term storage.
// Satisfied by the influxdb client; may be nil when metrics are off.
type Recorder interface {
	WriteRelayEvent(relayID string, on bool)
}

// Logger is the logging surface the manager needs.
// Compatible with logging.Logger and slog.Logger.
type Logger interface {
	Debug(msg string, args ...any)
	Info(msg string, args ...any)
	Warn(msg string, args ...any)
	Error(msg string, args ...any)
}

// Options configures a Manager.
type Options struct {
	// Relays are the configured coil outputs.
	Relays []config.RelayConfig

	// Bus drives the coils. Required when Relays is non-empty.
	Bus CoilWriter

	// Topics carries the hub's topic prefix.
	Topics mqtt.Topics

	// Publisher is the outbound queue. Required.
	Publisher Publisher

	// Store persists commanded output states. May be nil to disable
	// persistence.
	Store state.Repository

	// Recorder is the metrics sink. May be nil.
	Recorder Recorder

	// QoS is the default quality of service for state publishes.
	QoS byte

	// Logger may be nil to disable logging.
	Logger Logger
}

// Manager routes relay commands from the broker to bus outputs.
//
// It implements the mqtt session handler contract: ControlTopic names
// the single subscription for a session, and OnMessage is called by the
// dispatch task one message at a time, in arrival order.
//
// Thread Safety:
//   - OnMessage and RestoreOutputs are safe to call from different
//     goroutines; per-output locking keeps coil state consistent.
type Manager struct {
	topics   mqtt.Topics
	pub      Publisher
	store    state.Repository
	recorder Recorder
	qos      byte
	log      Logger

	outputs map[string]*Output
}

// NewManager creates a manager for the configured relays.
func NewManager(opts Options) (*Manager, error) {
	if opts.Publisher == nil {
		return nil, errors.New("hub: publisher is required")
	}
	if len(opts.Relays) > 0 && opts.Bus == nil {
		return nil, errors.New("hub: bus is required when relays are configured")
	}

	outputs := make(map[string]*Output, len(opts.Relays))
	for _, relay := range opts.Relays {
		outputs[relay.ID] = newOutput(relay, opts.Bus)
	}

	return &Manager{
		topics:   opts.Topics,
		pub:      opts.Publisher,
		store:    opts.Store,
		recorder: opts.Recorder,
		qos:      opts.QoS,
		log:      opts.Logger,
		outputs:  outputs,
	}, nil
}

// ControlTopic returns the session's single subscription: the wildcard
// pattern for relay commands.
func (m *Manager) ControlTopic() string {
	return m.topics.RelayCommandPattern()
}

// OnMessage handles one inbound relay command.
//
// Payloads are ON, OFF or TOGGLE (case-insensitive). Anything else, an
// unknown relay, or a malformed topic is logged and dropped; inbound
// noise must never take the session down.
func (m *Manager) OnMessage(topic, payload string) {
	relayID, ok := m.topics.ParseRelayCommand(topic)
	if !ok {
		m.logWarn("ignoring message on unexpected topic", "topic", topic)
		return
	}

	output, found := m.outputs[relayID]
	if !found {
		m.logWarn("command for unknown relay", "relay", relayID)
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), commandTimeout)
	defer cancel()

	var (
		on  bool
		err error
	)
	switch strings.ToUpper(strings.TrimSpace(payload)) {
	case payloadOn:
		on, err = true, output.Set(ctx, true)
	case payloadOff:
		on, err = false, output.Set(ctx, false)
	case payloadToggle:
		on, err = output.Toggle(ctx)
	default:
		m.logWarn("unrecognised relay command", "relay", relayID, "payload", payload)
		return
	}
	if err != nil {
		m.logError("relay command failed", "relay", relayID, "error", err)
		return
	}

	m.logInfo("relay switched", "relay", relayID, "on", on)
	m.publishState(relayID, on)
	m.saveState(ctx, relayID, on)

	if m.recorder != nil {
		m.recorder.WriteRelayEvent(relayID, on)
	}
}

// RestoreOutputs re-applies the persisted output states to the bus.
//
// Called at boot, before the broker supervisor starts, so a power cycle
// restores the last commanded state. The retained state publishes are
// queued here and flushed by the first session. Saved rows for relays
// no longer configured are pruned.
//
// A bus write failure for one output is logged and skipped; the rest
// still restore. Only a store failure is returned.
func (m *Manager) RestoreOutputs(ctx context.Context) error {
	if m.store == nil {
		return nil
	}

	saved, err := m.store.ListOutputs(ctx)
	if err != nil {
		return fmt.Errorf("loading saved output states: %w", err)
	}

	for id, output := range m.outputs {
		on, found := saved[id]
		if !found {
			continue
		}
		if err := output.Set(ctx, on); err != nil {
			m.logError("restoring output state failed", "relay", id, "error", err)
			continue
		}
		m.logInfo("output state restored", "relay", id, "on", on)
		m.publishState(id, on)
	}

	keep := make([]string, 0, len(m.outputs))
	for id := range m.outputs {
		keep = append(keep, id)
	}
	if err := m.store.Prune(ctx, keep); err != nil {
		return fmt.Errorf("pruning saved output states: %w", err)
	}

	return nil
}

// States returns the current state of every configured output.
func (m *Manager) States() map[string]bool {
	states := make(map[string]bool, len(m.outputs))
	for id, output := range m.outputs {
		states[id] = output.State()
	}
	return states
}

// publishState queues the retained state update for a relay.
func (m *Manager) publishState(relayID string, on bool) {
	payload := payloadOff
	if on {
		payload = payloadOn
	}
	m.pub.Enqueue(mqtt.OutboundMessage{
		Topic:   m.topics.RelayState(relayID),
		Payload: payload,
		QoS:     m.qos,
		Retain:  true,
	})
}

// saveState persists the commanded state; persistence failures degrade
// to a warning, the relay has already switched.
func (m *Manager) saveState(ctx context.Context, relayID string, on bool) {
	if m.store == nil {
		return
	}
	if err := m.store.SaveOutput(ctx, relayID, on); err != nil {
		m.logWarn("saving output state failed", "relay", relayID, "error", err)
	}
}

// Nil-guarded logging helpers.

func (m *Manager) logInfo(msg string, args ...any) {
	if m.log != nil {
		m.log.Info(msg, args...)
	}
}

func (m *Manager) logWarn(msg string, args ...any) {
	if m.log != nil {
		m.log.Warn(msg, args...)
	}
}

func (m *Manager) logError(msg string, args ...any) {
	if m.log != nil {
		m.log.Error(msg, args...)
	}
}
