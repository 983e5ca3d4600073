package mqtt

// ConnectionState describes where the supervisor currently is in the
// session lifecycle. The supervisor goroutine is the only writer; any
// goroutine may read the current value via Client.State().
type ConnectionState int32

const (
	// StateDisconnected is the initial state, and the final state after
	// the supervisor has been stopped.
	StateDisconnected ConnectionState = iota

	// StateConnecting means a connection attempt is in flight.
	StateConnecting

	// StateConnected means a session is established and the drain and
	// dispatch tasks are running.
	StateConnected

	// StateBackoff means the last session failed and the supervisor is
	// sleeping before the next attempt.
	StateBackoff
)

// String returns a human-readable state name for logging.
func (s ConnectionState) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateBackoff:
		return "backoff"
	default:
		return "unknown"
	}
}
