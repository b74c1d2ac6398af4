package transport

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog/log"
	"go.bug.st/serial"
	"go.bug.st/serial/enumerator"
)

const (
	// DefaultBaudRate is the GRBL default
	DefaultBaudRate = 115200

	// serialPollInterval bounds each blocking port read so cancellation is
	// noticed promptly
	serialPollInterval = 100 * time.Millisecond
)

// Parity setting for a serial line
type Parity string

const (
	ParityNone Parity = "none"
	ParityOdd  Parity = "odd"
	ParityEven Parity = "even"
)

// FlowControl setting for a serial line
type FlowControl string

const (
	FlowNone     FlowControl = "none"
	FlowHardware FlowControl = "hardware"
	FlowSoftware FlowControl = "software"
)

// SerialConfig contains serial port configuration
type SerialConfig struct {
	Path        string
	BaudRate    int
	DataBits    int
	Parity      Parity
	StopBits    int
	FlowControl FlowControl
	Timeout     time.Duration
}

// withDefaults fills zero fields with 115200 8N1, no flow control
func (c SerialConfig) withDefaults() SerialConfig {
	if c.BaudRate == 0 {
		c.BaudRate = DefaultBaudRate
	}
	if c.DataBits == 0 {
		c.DataBits = 8
	}
	if c.Parity == "" {
		c.Parity = ParityNone
	}
	if c.StopBits == 0 {
		c.StopBits = 1
	}
	if c.FlowControl == "" {
		c.FlowControl = FlowNone
	}
	if c.Timeout <= 0 {
		c.Timeout = DefaultTimeout
	}
	return c
}

func (c SerialConfig) mode() (*serial.Mode, error) {
	mode := &serial.Mode{
		BaudRate: c.BaudRate,
		DataBits: c.DataBits,
	}

	switch c.Parity {
	case ParityNone:
		mode.Parity = serial.NoParity
	case ParityOdd:
		mode.Parity = serial.OddParity
	case ParityEven:
		mode.Parity = serial.EvenParity
	default:
		return nil, fmt.Errorf("unsupported parity: %s", c.Parity)
	}

	switch c.StopBits {
	case 1:
		mode.StopBits = serial.OneStopBit
	case 2:
		mode.StopBits = serial.TwoStopBits
	default:
		return nil, fmt.Errorf("unsupported stop bits: %d", c.StopBits)
	}

	switch c.FlowControl {
	case FlowNone, FlowHardware:
	case FlowSoftware:
		return nil, fmt.Errorf("software flow control is not supported")
	default:
		return nil, fmt.Errorf("unsupported flow control: %s", c.FlowControl)
	}

	return mode, nil
}

// SerialTransport implements Transport over a local serial port (USB CDC,
// FTDI, CH340 and friends)
type SerialTransport struct {
	config SerialConfig
	port   serial.Port

	writeMu sync.Mutex
	readMu  sync.Mutex
	buf     lineBuffer

	closeOnce sync.Once
	closed    atomic.Bool
	failed    atomic.Bool
}

// NewSerialTransport creates a new serial transport for config
func NewSerialTransport(config SerialConfig) *SerialTransport {
	return &SerialTransport{
		config: config.withDefaults(),
	}
}

// Connect opens and configures the serial port
func (t *SerialTransport) Connect(ctx context.Context) error {
	if t.config.Path == "" {
		return fmt.Errorf("serial port path is required")
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	mode, err := t.config.mode()
	if err != nil {
		return err
	}

	log.Debug().
		Str("path", t.config.Path).
		Int("baud", t.config.BaudRate).
		Str("parity", string(t.config.Parity)).
		Str("flow", string(t.config.FlowControl)).
		Msg("Opening serial port")

	port, err := serial.Open(t.config.Path, mode)
	if err != nil {
		return newError(ErrorIo, KindSerial, "connect", fmt.Errorf("failed to open %s: %w", t.config.Path, err))
	}

	if err := port.SetReadTimeout(serialPollInterval); err != nil {
		port.Close()
		return newError(ErrorIo, KindSerial, "connect", fmt.Errorf("failed to set read timeout: %w", err))
	}

	if t.config.FlowControl == FlowHardware {
		if err := port.SetRTS(true); err != nil {
			port.Close()
			return newError(ErrorIo, KindSerial, "connect", fmt.Errorf("failed to assert RTS: %w", err))
		}
		if err := port.SetDTR(true); err != nil {
			port.Close()
			return newError(ErrorIo, KindSerial, "connect", fmt.Errorf("failed to assert DTR: %w", err))
		}
	}

	t.port = port
	return nil
}

// SendLine writes line followed by "\n"
func (t *SerialTransport) SendLine(ctx context.Context, line string) error {
	return t.write(ctx, "send", []byte(trimLine(line)+"\n"))
}

// EmergencyStop writes the single real-time byte '!'. GRBL acts on it as
// soon as it arrives, so no terminator follows.
func (t *SerialTransport) EmergencyStop(ctx context.Context) error {
	return t.write(ctx, "emergency stop", []byte(HaltToken))
}

// write hands data to the driver on a goroutine since serial.Port.Write has
// no deadline. A write that outlives the timeout leaves the port in an
// unknown state, so the port is closed.
func (t *SerialTransport) write(ctx context.Context, op string, data []byte) error {
	if t.port == nil || t.closed.Load() {
		return closedError(KindSerial, op)
	}
	if err := ctx.Err(); err != nil {
		return classify(KindSerial, op, err)
	}

	t.writeMu.Lock()
	defer t.writeMu.Unlock()

	done := make(chan error, 1)
	go func() {
		_, err := t.port.Write(data)
		done <- err
	}()

	timer := time.NewTimer(time.Until(opDeadline(ctx, t.config.Timeout)))
	defer timer.Stop()

	select {
	case err := <-done:
		if err != nil {
			t.failed.Store(true)
			return classify(KindSerial, op, err)
		}
		return nil
	case <-timer.C:
		t.failed.Store(true)
		log.Warn().
			Str("path", t.config.Path).
			Str("op", op).
			Msg("Serial write timed out, closing port")
		t.Close()
		return newError(ErrorTimeout, KindSerial, op, fmt.Errorf("write did not complete within %v", t.config.Timeout))
	}
}

// ReadLine reads one "\n"-terminated line, polling the port in short slices
// so ctx cancellation and the overall timeout are both honored
func (t *SerialTransport) ReadLine(ctx context.Context) (string, error) {
	if t.port == nil || t.closed.Load() {
		return "", closedError(KindSerial, "read")
	}

	t.readMu.Lock()
	defer t.readMu.Unlock()

	if line, ok := t.buf.next(); ok {
		return line, nil
	}

	deadline := opDeadline(ctx, t.config.Timeout)
	chunk := make([]byte, readChunkSize)
	for {
		if err := ctx.Err(); err != nil {
			return "", classify(KindSerial, "read", err)
		}
		if t.closed.Load() {
			return "", closedError(KindSerial, "read")
		}
		if !time.Now().Before(deadline) {
			return "", newError(ErrorTimeout, KindSerial, "read", fmt.Errorf("no line within %v", t.config.Timeout))
		}

		// Zero bytes with a nil error means the poll interval elapsed
		n, err := t.port.Read(chunk)
		if err != nil {
			t.failed.Store(true)
			return "", classify(KindSerial, "read", err)
		}
		if n > 0 {
			t.buf.feed(chunk[:n])
			if line, ok := t.buf.next(); ok {
				return line, nil
			}
		}
	}
}

// Flush blocks until the driver has transmitted all buffered output
func (t *SerialTransport) Flush() error {
	if t.port == nil || t.closed.Load() {
		return closedError(KindSerial, "flush")
	}
	if err := t.port.Drain(); err != nil {
		return classify(KindSerial, "flush", err)
	}
	return nil
}

// Close releases the serial port
func (t *SerialTransport) Close() error {
	var err error
	t.closeOnce.Do(func() {
		t.closed.Store(true)
		if t.port != nil {
			err = t.port.Close()
		}
	})
	return err
}

// IsAlive returns true while the port is open and no read or write has failed
func (t *SerialTransport) IsAlive() bool {
	return t.port != nil && !t.closed.Load() && !t.failed.Load()
}

// Kind returns KindSerial
func (t *SerialTransport) Kind() Kind {
	return KindSerial
}

// Config returns the effective port configuration
func (t *SerialTransport) Config() SerialConfig {
	return t.config
}

// PortInfo describes a serial port found on the host
type PortInfo struct {
	Name         string `json:"name"`
	IsUSB        bool   `json:"is_usb"`
	VID          string `json:"vid,omitempty"`
	PID          string `json:"pid,omitempty"`
	SerialNumber string `json:"serial_number,omitempty"`
	Product      string `json:"product,omitempty"`
}

// Description returns a one-line human readable summary of the port
func (p PortInfo) Description() string {
	if !p.IsUSB {
		return p.Name
	}
	parts := []string{p.Name, fmt.Sprintf("USB %s:%s", p.VID, p.PID)}
	if p.Product != "" {
		parts = append(parts, p.Product)
	}
	if p.SerialNumber != "" {
		parts = append(parts, "sn="+p.SerialNumber)
	}
	return strings.Join(parts, " ")
}

// ListSerialPorts enumerates serial ports visible on this host
func ListSerialPorts() ([]PortInfo, error) {
	details, err := enumerator.GetDetailedPortsList()
	if err != nil {
		return nil, fmt.Errorf("failed to enumerate serial ports: %w", err)
	}

	ports := make([]PortInfo, 0, len(details))
	for _, d := range details {
		ports = append(ports, PortInfo{
			Name:         d.Name,
			IsUSB:        d.IsUSB,
			VID:          d.VID,
			PID:          d.PID,
			SerialNumber: d.SerialNumber,
			Product:      d.Product,
		})
	}
	return ports, nil
}
