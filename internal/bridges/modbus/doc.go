// Package modbus drives the hub's wired sensor/actuator bus: a Modbus
// RTU master on a point-to-point serial link (default 9600 baud, 8N1).
//
// The bus is a shared half-duplex medium, so interleaved transactions
// would corrupt framing. A single gate serializes every transaction
// across all callers: ensure-open, unit select, request, response and
// decode all happen inside one acquisition. Close takes the same gate so
// the port is never closed mid-transaction.
//
// # Failure policy
//
// The bus and the broker have independent lifecycles. Every read
// failure class - open failure, exception response, short or malformed
// reply, cancelled gate wait - is recovered locally: logged at error
// level and returned as an error wrapping ErrNoReading. Callers treat
// that uniformly as "temporarily unavailable" and never escalate it.
// Coil writes return their error to the caller, because command paths
// need to know, but the policy is the same: a failed transaction leaves
// the session usable and the next call may lazily reconnect.
//
// # Usage
//
//	session := modbus.NewSession(cfg.Modbus, log)
//	defer session.Close()
//
//	value, err := session.ReadFloat(ctx, 1, 0x0004)
//	if err != nil {
//	    // no reading this cycle; try again later
//	}
//
// Sensor values follow the bus convention of two consecutive 16-bit
// input registers, big-endian byte and word order, forming one IEEE-754
// 32-bit float.
package modbus
