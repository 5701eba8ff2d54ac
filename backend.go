package canbus

import (
	"context"
	"time"
)

// Backend supplies the two transport primitives a Bus is built around:
// a receive primitive with timeout semantics and a transmit primitive.
// The Bus owns all queueing, goroutines and listener fan-out.
type Backend interface {
	Name() string

	// Open establishes the transport. Called once by Bus.Start before
	// the reader and writer run; no I/O happens before Open returns.
	Open(ctx context.Context) error

	// Receive attempts to obtain one frame within timeout. A (nil, nil)
	// return means nothing was available; timeouts are never errors.
	// Errors wrapped with Unrecoverable mark the transport as down.
	Receive(timeout time.Duration) (*Frame, error)

	// Transmit sends one frame to the hardware or wire.
	Transmit(*Frame) error

	Close() error
}

// DriverMode selects how the native driver participates on the wire.
type DriverMode int

const (
	DriverModeNormal DriverMode = iota
	DriverModeSilent
	DriverModeOff
)

func (m DriverMode) String() string {
	switch m {
	case DriverModeNormal:
		return "normal"
	case DriverModeSilent:
		return "silent"
	case DriverModeOff:
		return "off"
	default:
		return "unknown"
	}
}

const DefaultConnectTimeout = 10 * time.Second

// Config carries backend settings. Not every backend uses every field.
type Config struct {
	// Channel is the physical channel number (native driver) or the
	// daemon channel (socketcand).
	Channel int
	// Addr is the daemon address as host:port.
	Addr string
	// Port is the serial device path for serial backends.
	Port string
	// PortBaudrate is the serial line rate in baud.
	PortBaudrate int
	// BitRate is the CAN bit rate in kbit/s.
	BitRate float64
	// Bus timing parameters. Zero values keep the driver defaults.
	TSeg1, TSeg2, SJW, SampleCount uint32

	DriverMode DriverMode

	// ConnectTimeout bounds connection establishment for network
	// backends. Defaults to DefaultConnectTimeout.
	ConnectTimeout time.Duration

	Debug bool
	// OnMessage receives human readable status lines from the backend.
	OnMessage func(string)
}

// ApplyDefaults fills in the zero-valued fields every backend relies on.
func (cfg *Config) ApplyDefaults() {
	if cfg.ConnectTimeout <= 0 {
		cfg.ConnectTimeout = DefaultConnectTimeout
	}
	if cfg.OnMessage == nil {
		cfg.OnMessage = func(string) {}
	}
}
