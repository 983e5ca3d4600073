package mqtt

import (
	"fmt"
	"time"

	pahomqtt "github.com/eclipse/paho.mqtt.golang"
)

// subscribe registers a callback for messages on the specified topic.
//
// Topics can include MQTT wildcards:
//   - + (single-level): "grayedge/cmd/relay/+/set" matches any relay
//   - # (multi-level): "grayedge/#" matches all hub topics
//
// The supervisor issues exactly one subscription per session, so there
// is no tracking map here; a new session subscribes afresh on its own
// clean-session client.
//
// Returns:
//   - error: nil on success, or wrapped error describing the failure
func subscribe(pc pahomqtt.Client, topic string, qos byte, callback pahomqtt.MessageHandler, timeout time.Duration) error {
	// Validate inputs
	if topic == "" {
		return ErrInvalidTopic
	}
	if qos > maxQoS {
		return ErrInvalidQoS
	}
	if callback == nil {
		return fmt.Errorf("%w: callback cannot be nil", ErrSubscribeFailed)
	}

	token := pc.Subscribe(topic, qos, callback)
	if !token.WaitTimeout(timeout) {
		return fmt.Errorf("%w: %w after %v", ErrSubscribeFailed, ErrTimeout, timeout)
	}
	if err := token.Error(); err != nil {
		return fmt.Errorf("%w: %w", ErrSubscribeFailed, err)
	}

	return nil
}

// unsubscribe removes a subscription on an established session.
//
// Used on the graceful-shutdown path only; a failing session is simply
// disconnected and the broker discards its clean-session state.
func unsubscribe(pc pahomqtt.Client, topic string, timeout time.Duration) error {
	if topic == "" {
		return ErrInvalidTopic
	}

	token := pc.Unsubscribe(topic)
	if !token.WaitTimeout(timeout) {
		return fmt.Errorf("%w: %w after %v", ErrUnsubscribeFailed, ErrTimeout, timeout)
	}
	if err := token.Error(); err != nil {
		return fmt.Errorf("%w: %w", ErrUnsubscribeFailed, err)
	}

	return nil
}
