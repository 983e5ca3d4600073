package mqtt

import (
	"fmt"
	"time"

	pahomqtt "github.com/eclipse/paho.mqtt.golang"
)

// Maximum payload size for MQTT messages (1MB).
// This prevents resource exhaustion and aligns with typical broker limits.
const maxPayloadSize = 1 << 20 // 1MB

// publishMessage delivers one message on an established session.
//
// The payload may be empty; it is sent as a zero-length publish. The
// call blocks until the broker acknowledges (per QoS) or the timeout
// elapses; a timeout is indistinguishable from any other transport
// failure to the caller.
//
// Returns:
//   - error: nil on success, or wrapped error describing the failure
func publishMessage(pc pahomqtt.Client, msg OutboundMessage, timeout time.Duration) error {
	// Validate inputs
	if msg.Topic == "" {
		return ErrInvalidTopic
	}
	if msg.QoS > maxQoS {
		return ErrInvalidQoS
	}
	if len(msg.Payload) > maxPayloadSize {
		return fmt.Errorf("%w: payload size %d exceeds maximum %d bytes", ErrPublishFailed, len(msg.Payload), maxPayloadSize)
	}

	token := pc.Publish(msg.Topic, msg.QoS, msg.Retain, []byte(msg.Payload))
	if !token.WaitTimeout(timeout) {
		return fmt.Errorf("%w: %w after %v", ErrPublishFailed, ErrTimeout, timeout)
	}
	if err := token.Error(); err != nil {
		return fmt.Errorf("%w: %w", ErrPublishFailed, err)
	}

	return nil
}
