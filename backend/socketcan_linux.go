package backend

import (
	"context"
	"net"
	"os"
	"sync"
	"time"

	"github.com/dynaman/canbus"
	"go.einride.tech/can"
	"go.einride.tech/can/pkg/candevice"
	"go.einride.tech/can/pkg/socketcan"
)

func init() {
	if err := Register(&Info{
		Name:        "socketcan",
		Description: "Linux SocketCAN driver",
		New:         NewSocketCAN,
	}); err != nil {
		panic(err)
	}
}

// SocketCAN binds to a kernel CAN network interface. The interface name
// goes in Config.Port, matching the serial backends.
type SocketCAN struct {
	cfg    *canbus.Config
	dev    *candevice.Device
	conn   net.Conn
	tx     *socketcan.Transmitter
	rx     *socketcan.Receiver
	opened time.Time

	closeOnce sync.Once
}

func NewSocketCAN(cfg *canbus.Config) (canbus.Backend, error) {
	cfg.ApplyDefaults()
	if cfg.Port == "" {
		return nil, &canbus.ConfigError{Reason: "socketcan requires an interface name"}
	}
	return &SocketCAN{cfg: cfg}, nil
}

func (a *SocketCAN) Name() string {
	return "socketcan " + a.cfg.Port
}

func (a *SocketCAN) Open(ctx context.Context) error {
	dev, err := candevice.New(a.cfg.Port)
	if err != nil {
		return &canbus.ConfigError{Reason: "no such CAN interface", Err: err}
	}
	a.dev = dev
	if a.cfg.BitRate > 0 {
		if err := dev.SetBitrate(uint32(a.cfg.BitRate * 1000)); err != nil {
			return err
		}
	}
	if err := dev.SetUp(); err != nil {
		return err
	}
	conn, err := socketcan.DialContext(ctx, "can", a.cfg.Port)
	if err != nil {
		return err
	}
	a.conn = conn
	a.tx = socketcan.NewTransmitter(conn)
	a.rx = socketcan.NewReceiver(conn)
	a.opened = time.Now()
	return nil
}

func (a *SocketCAN) Receive(timeout time.Duration) (*canbus.Frame, error) {
	if err := a.conn.SetReadDeadline(time.Now().Add(timeout)); err != nil {
		return nil, canbus.Unrecoverable(&canbus.TransportError{Op: "receive", Err: err})
	}
	if !a.rx.Receive() {
		err := a.rx.Err()
		if err == nil || os.IsTimeout(err) {
			return nil, nil
		}
		if netErr, ok := err.(net.Error); ok && netErr.Timeout() {
			return nil, nil
		}
		return nil, canbus.Unrecoverable(&canbus.TransportError{Op: "receive", Err: err})
	}
	f := a.rx.Frame()
	opts := []canbus.FrameOption{canbus.WithTimestamp(time.Since(a.opened).Seconds())}
	if f.IsExtended {
		opts = append(opts, canbus.Extended())
	}
	if f.IsRemote {
		return canbus.NewFrame(f.ID, nil, append(opts, canbus.Remote(int(f.Length)))...)
	}
	return canbus.NewFrame(f.ID, f.Data[:f.Length], opts...)
}

func (a *SocketCAN) Transmit(f *canbus.Frame) error {
	out := can.Frame{
		ID:         f.ID,
		Length:     uint8(f.DLC),
		IsExtended: f.IsExtended(),
		IsRemote:   f.IsRemote(),
	}
	copy(out.Data[:], f.Data)
	if err := a.tx.TransmitFrame(context.Background(), out); err != nil {
		return canbus.Unrecoverable(&canbus.TransportError{Op: "transmit", Err: err})
	}
	return nil
}

func (a *SocketCAN) Close() error {
	var err error
	a.closeOnce.Do(func() {
		if a.conn != nil {
			err = a.conn.Close()
		}
		if a.dev != nil {
			if derr := a.dev.SetDown(); derr != nil && err == nil {
				err = derr
			}
		}
	})
	return err
}
