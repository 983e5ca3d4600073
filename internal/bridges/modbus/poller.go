package modbus

import (
	"context"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/nerrad567/gray-logic-edge/internal/infrastructure/config"
	"github.com/nerrad567/gray-logic-edge/internal/infrastructure/mqtt"
)

// FloatReader is the bus surface the poller needs.
type FloatReader interface {
	ReadFloat(ctx context.Context, unit byte, address uint16) (float64, error)
}

// Sender queues one outbound message without blocking.
// Satisfied by the mqtt client.
type Sender interface {
	Send(topic, payload string) bool
}

// Recorder receives good readings for long-term storage.
// Satisfied by the influxdb client; may be nil when metrics are off.
type Recorder interface {
	WriteSensorReading(sensorID string, value float64)
}

// Poller reads the configured sensors on their individual intervals and
// publishes each reading as JSON to the sensor's state topic.
//
// Run is shaped as a broker session task: readings taken during an
// outage would only pile up in the publish queue, so polling pauses
// with the session and resumes, with an immediate read, when the next
// session starts.
type Poller struct {
	bus      FloatReader
	sensors  []config.SensorConfig
	topics   mqtt.Topics
	sender   Sender
	recorder Recorder
	log      Logger
}

// NewPoller creates a poller for the configured sensors.
//
// Parameters:
//   - bus: register reader (the bus session)
//   - sensors: sensor definitions from config.yaml
//   - topics: topic builders carrying the hub's prefix
//   - sender: outbound queue (the mqtt client)
//   - recorder: metrics sink (may be nil)
//   - log: logger (may be nil to disable logging)
func NewPoller(bus FloatReader, sensors []config.SensorConfig, topics mqtt.Topics, sender Sender, recorder Recorder, log Logger) *Poller {
	return &Poller{
		bus:      bus,
		sensors:  sensors,
		topics:   topics,
		sender:   sender,
		recorder: recorder,
		log:      log,
	}
}

// Run polls every sensor until ctx ends. Each sensor gets its own loop
// with an immediate first read, then its configured interval. Always
// returns nil: a failed reading skips the cycle rather than ending the
// task.
func (p *Poller) Run(ctx context.Context) error {
	var wg sync.WaitGroup
	for _, sensor := range p.sensors {
		sensor := sensor
		wg.Add(1)
		go func() {
			defer wg.Done()
			p.poll(ctx, sensor)
		}()
	}
	wg.Wait()
	return nil
}

func (p *Poller) poll(ctx context.Context, sensor config.SensorConfig) {
	ticker := time.NewTicker(sensor.Interval)
	defer ticker.Stop()

	p.readOnce(ctx, sensor)
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			p.readOnce(ctx, sensor)
		}
	}
}

func (p *Poller) readOnce(ctx context.Context, sensor config.SensorConfig) {
	value, err := p.bus.ReadFloat(ctx, sensor.Unit, sensor.Address)
	if err != nil {
		// Already logged by the session; no reading means skip the
		// cycle, never escalate.
		return
	}

	payload := fmt.Sprintf(`{"value":%s}`, strconv.FormatFloat(value, 'g', -1, 64))
	p.sender.Send(p.topics.SensorState(sensor.ID), payload)

	if p.recorder != nil {
		p.recorder.WriteSensorReading(sensor.ID, value)
	}

	if p.log != nil {
		p.log.Debug("sensor read", "sensor", sensor.ID, "value", value)
	}
}
