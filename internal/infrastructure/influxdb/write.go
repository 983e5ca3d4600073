package influxdb

import (
	"time"

	"github.com/influxdata/influxdb-client-go/v2/api/write"
)

// WriteSensorReading records one polled bus sensor value.
//
// The write is non-blocking; data is batched and sent asynchronously.
// Calls on a disconnected client are silently dropped so pollers never
// stall on the metrics backend.
//
// Parameters:
//   - sensorID: Sensor identifier from config (e.g., "temp-boiler")
//   - value: The decoded reading
//
// Example:
//
//	client.WriteSensorReading("temp-boiler", 21.5)
func (c *Client) WriteSensorReading(sensorID string, value float64) {
	if !c.IsConnected() {
		return
	}

	point := write.NewPoint(
		"sensor_readings",
		map[string]string{
			"sensor_id": sensorID,
		},
		map[string]interface{}{
			"value": value,
		},
		time.Now(),
	)

	c.writeAPI.WritePoint(point)
}

// WriteRelayEvent records a relay state change.
//
// Parameters:
//   - relayID: Relay identifier from config (e.g., "pump")
//   - on: The commanded state
func (c *Client) WriteRelayEvent(relayID string, on bool) {
	if !c.IsConnected() {
		return
	}

	state := 0.0
	if on {
		state = 1.0
	}

	point := write.NewPoint(
		"relay_events",
		map[string]string{
			"relay_id": relayID,
		},
		map[string]interface{}{
			"state": state,
		},
		time.Now(),
	)

	c.writeAPI.WritePoint(point)
}

// WritePoint writes a custom point with full control over tags and fields.
//
// Use this for measurements that don't fit the helper methods.
//
// Parameters:
//   - measurement: The measurement name (table)
//   - tags: Key-value pairs for indexing (low cardinality)
//   - fields: Key-value pairs for the actual data
//
// Example:
//
//	client.WritePoint("hub_stats",
//	    map[string]string{"hub": "grayedge-01"},
//	    map[string]interface{}{"queue_len": 3, "reconnects": 2})
func (c *Client) WritePoint(measurement string, tags map[string]string, fields map[string]interface{}) {
	if !c.IsConnected() {
		return
	}

	point := write.NewPoint(measurement, tags, fields, time.Now())
	c.writeAPI.WritePoint(point)
}
