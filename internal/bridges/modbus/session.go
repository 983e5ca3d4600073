package modbus

import (
	"context"
	"fmt"

	gomodbus "github.com/goburrow/modbus"

	"github.com/nerrad567/gray-logic-edge/internal/infrastructure/config"
)

// Protocol constants.
const (
	// floatRegisterCount is the register span of one float32 value.
	floatRegisterCount = 2

	// maxRegisterCount is the Modbus protocol limit per read (0x7D).
	maxRegisterCount = 125

	// coilOn and coilOff are the wire values for single-coil writes.
	coilOn  = 0xFF00
	coilOff = 0x0000
)

// Logger is the logging surface the session needs.
// Compatible with logging.Logger and slog.Logger.
type Logger interface {
	Debug(msg string, args ...any)
	Info(msg string, args ...any)
	Warn(msg string, args ...any)
	Error(msg string, args ...any)
}

// conn is the serial transport behind the session. The production
// implementation wraps the goburrow RTU master; tests substitute a fake.
type conn interface {
	Open() error
	SetUnit(unit byte)
	ReadInputRegisters(address, quantity uint16) ([]byte, error)
	WriteSingleCoil(address, value uint16) ([]byte, error)
	Close() error
}

// rtuConn is the production conn over a serial RTU link.
type rtuConn struct {
	handler *gomodbus.RTUClientHandler
	client  gomodbus.Client
}

func newRTUConn(cfg config.ModbusConfig) *rtuConn {
	handler := gomodbus.NewRTUClientHandler(cfg.Device)
	handler.BaudRate = cfg.BaudRate
	handler.DataBits = cfg.DataBits
	handler.Parity = cfg.Parity
	handler.StopBits = cfg.StopBits
	handler.Timeout = cfg.Timeout

	return &rtuConn{
		handler: handler,
		client:  gomodbus.NewClient(handler),
	}
}

func (c *rtuConn) Open() error { return c.handler.Connect() }

func (c *rtuConn) SetUnit(unit byte) { c.handler.SlaveId = unit }

func (c *rtuConn) ReadInputRegisters(address, quantity uint16) ([]byte, error) {
	return c.client.ReadInputRegisters(address, quantity)
}

func (c *rtuConn) WriteSingleCoil(address, value uint16) ([]byte, error) {
	return c.client.WriteSingleCoil(address, value)
}

func (c *rtuConn) Close() error { return c.handler.Close() }

// RegisterBlock is the raw result of a bulk register read, for callers
// needing more than one decoded value.
type RegisterBlock struct {
	Unit      byte
	Address   uint16
	Registers []uint16
}

// Session is the hub's lazily-connected Modbus RTU master.
//
// The serial port opens on the first transaction, not at construction,
// so a missing or slow device delays readings instead of startup.
//
// Thread Safety:
//   - All methods are safe for concurrent use. Transactions are
//     serialized by the session's gate and never overlap in time.
type Session struct {
	cfg  config.ModbusConfig
	log  Logger
	conn conn

	// gate is the single mutual-exclusion token for the shared
	// half-duplex bus. One slot; holding it covers the whole
	// transaction window. Fields below are guarded by it.
	gate chan struct{}

	open bool
}

// NewSession creates a session for the configured serial device.
// No I/O happens until the first transaction.
//
// Parameters:
//   - cfg: Modbus configuration from config.yaml
//   - log: logger (may be nil to disable logging)
func NewSession(cfg config.ModbusConfig, log Logger) *Session {
	return newSession(newRTUConn(cfg), cfg, log)
}

func newSession(c conn, cfg config.ModbusConfig, log Logger) *Session {
	return &Session{
		cfg:  cfg,
		log:  log,
		conn: c,
		gate: make(chan struct{}, 1),
	}
}

// acquire takes the bus gate, or gives up when ctx ends first.
func (s *Session) acquire(ctx context.Context) error {
	select {
	case s.gate <- struct{}{}:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (s *Session) release() {
	<-s.gate
}

// ensureOpen lazily opens the serial port. Caller holds the gate.
func (s *Session) ensureOpen() error {
	if s.open {
		return nil
	}
	if err := s.conn.Open(); err != nil {
		return fmt.Errorf("opening %s: %w", s.cfg.Device, err)
	}
	s.open = true
	s.logInfo("serial bus opened",
		"device", s.cfg.Device,
		"baud_rate", s.cfg.BaudRate,
	)
	return nil
}

// readRegisters runs one read transaction. Caller holds the gate.
func (s *Session) readRegisters(unit byte, address, count uint16) ([]byte, error) {
	if err := s.ensureOpen(); err != nil {
		return nil, err
	}

	s.conn.SetUnit(unit)
	data, err := s.conn.ReadInputRegisters(address, count)
	if err != nil {
		return nil, err
	}
	if len(data) < int(count)*2 {
		return nil, fmt.Errorf("short response: %d bytes for %d registers", len(data), count)
	}
	return data, nil
}

// ReadFloat reads two input registers from the given unit and decodes
// them as one IEEE-754 32-bit float (big-endian byte and word order).
//
// Every failure class is mapped to an error wrapping ErrNoReading and
// logged here; callers treat the result as "no reading this cycle" and
// move on. Unit 0 is the protocol default/broadcast address and passes
// through unchanged.
//
// Parameters:
//   - ctx: bounds the wait for the bus gate
//   - unit: bus unit identifier
//   - address: first input register address
//
// Returns:
//   - float64: the decoded value
//   - error: nil on success, or a wrapped ErrNoReading
func (s *Session) ReadFloat(ctx context.Context, unit byte, address uint16) (float64, error) {
	if err := s.acquire(ctx); err != nil {
		return 0, fmt.Errorf("%w: %w", ErrNoReading, err)
	}
	defer s.release()

	data, err := s.readRegisters(unit, address, floatRegisterCount)
	if err != nil {
		s.logError("register read failed",
			"unit", unit,
			"address", address,
			"error", err,
		)
		return 0, fmt.Errorf("%w: %w", ErrNoReading, err)
	}

	return float64(registersToFloat32(data)), nil
}

// ReadRegisters is the bulk variant: it reads count input registers and
// returns the raw block for callers decoding more than one value.
//
// A count of zero or less defaults to 2; counts above the protocol
// maximum (125) are capped. The failure policy matches ReadFloat.
func (s *Session) ReadRegisters(ctx context.Context, unit byte, address, count uint16) (RegisterBlock, error) {
	if count == 0 {
		count = floatRegisterCount
	}
	if count > maxRegisterCount {
		count = maxRegisterCount
	}

	if err := s.acquire(ctx); err != nil {
		return RegisterBlock{}, fmt.Errorf("%w: %w", ErrNoReading, err)
	}
	defer s.release()

	data, err := s.readRegisters(unit, address, count)
	if err != nil {
		s.logError("bulk register read failed",
			"unit", unit,
			"address", address,
			"count", count,
			"error", err,
		)
		return RegisterBlock{}, fmt.Errorf("%w: %w", ErrNoReading, err)
	}

	return RegisterBlock{
		Unit:      unit,
		Address:   address,
		Registers: bytesToRegisters(data),
	}, nil
}

// WriteCoil switches a single coil on the given unit.
//
// Unlike reads, the error is the caller's to handle - command paths
// need to know a relay did not switch - but it still never escalates
// beyond the caller, and a failed write leaves the session usable.
func (s *Session) WriteCoil(ctx context.Context, unit byte, address uint16, on bool) error {
	if err := s.acquire(ctx); err != nil {
		return fmt.Errorf("%w: %w", ErrWriteFailed, err)
	}
	defer s.release()

	if err := s.ensureOpen(); err != nil {
		s.logError("coil write failed",
			"unit", unit,
			"address", address,
			"error", err,
		)
		return fmt.Errorf("%w: %w", ErrWriteFailed, err)
	}

	value := uint16(coilOff)
	if on {
		value = coilOn
	}

	s.conn.SetUnit(unit)
	if _, err := s.conn.WriteSingleCoil(address, value); err != nil {
		s.logError("coil write failed",
			"unit", unit,
			"address", address,
			"error", err,
		)
		return fmt.Errorf("%w: %w", ErrWriteFailed, err)
	}

	s.logDebug("coil written", "unit", unit, "address", address, "on", on)
	return nil
}

// Close releases the serial port. It acquires the bus gate, so an
// in-flight transaction completes first, and it is safe to call any
// number of times: closing a never-opened or already-closed session is
// a no-op.
func (s *Session) Close() error {
	s.gate <- struct{}{}
	defer s.release()

	if !s.open {
		return nil
	}
	s.open = false

	if err := s.conn.Close(); err != nil {
		return fmt.Errorf("closing serial bus: %w", err)
	}
	s.logInfo("serial bus closed", "device", s.cfg.Device)
	return nil
}

// Nil-guarded logging helpers.

func (s *Session) logDebug(msg string, args ...any) {
	if s.log != nil {
		s.log.Debug(msg, args...)
	}
}

func (s *Session) logInfo(msg string, args ...any) {
	if s.log != nil {
		s.log.Info(msg, args...)
	}
}

func (s *Session) logError(msg string, args ...any) {
	if s.log != nil {
		s.log.Error(msg, args...)
	}
}
