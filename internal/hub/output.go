package hub

import (
	"context"
	"sync"

	"github.com/nerrad567/gray-logic-edge/internal/infrastructure/config"
)

// CoilWriter is the bus surface an output needs.
// Satisfied by the modbus session.
type CoilWriter interface {
	WriteCoil(ctx context.Context, unit byte, address uint16, on bool) error
}

// Output is one coil-driven relay on the bus.
//
// The cached state tracks the last successfully commanded value; a
// failed bus write leaves it untouched.
type Output struct {
	id      string
	unit    byte
	address uint16
	bus     CoilWriter

	mu sync.Mutex
	on bool
}

func newOutput(cfg config.RelayConfig, bus CoilWriter) *Output {
	return &Output{
		id:      cfg.ID,
		unit:    cfg.Unit,
		address: cfg.Address,
		bus:     bus,
	}
}

// ID returns the relay identifier from config.
func (o *Output) ID() string { return o.id }

// State returns the last successfully commanded state.
func (o *Output) State() bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.on
}

// Set drives the coil to the requested state.
func (o *Output) Set(ctx context.Context, on bool) error {
	o.mu.Lock()
	defer o.mu.Unlock()

	if err := o.bus.WriteCoil(ctx, o.unit, o.address, on); err != nil {
		return err
	}
	o.on = on
	return nil
}

// Toggle flips the coil and returns the new state.
func (o *Output) Toggle(ctx context.Context) (bool, error) {
	o.mu.Lock()
	defer o.mu.Unlock()

	target := !o.on
	if err := o.bus.WriteCoil(ctx, o.unit, o.address, target); err != nil {
		return o.on, err
	}
	o.on = target
	return target, nil
}
