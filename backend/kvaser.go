package backend

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/dynaman/canbus"
	"github.com/dynaman/canbus/pkg/canlib"
)

// RegisterKvaser adds the native driver backend to the registry, bound
// to an explicit handle registry. The caller owns the registry and its
// Shutdown; nothing here tears hardware down implicitly.
func RegisterKvaser(reg *HandleRegistry) error {
	return Register(&Info{
		Name:        "kvaser",
		Description: "Canlib driver for Kvaser devices",
		New: func(cfg *canbus.Config) (canbus.Backend, error) {
			return NewKvaser(reg, cfg)
		},
	})
}

// Kvaser is a bus endpoint on one native driver channel. Multiple
// Kvaser backends for the same channel share the underlying Handle;
// each keeps its own receive queue by registering as a handle listener.
type Kvaser struct {
	cfg    *canbus.Config
	reg    *HandleRegistry
	handle *Handle

	rx   chan *canbus.Frame
	feed canbus.Listener

	// timerOffset is the driver clock in seconds when this bus opened.
	timerOffset float64

	closeOnce sync.Once
}

func NewKvaser(reg *HandleRegistry, cfg *canbus.Config) (canbus.Backend, error) {
	cfg.ApplyDefaults()
	k := &Kvaser{
		cfg: cfg,
		reg: reg,
		rx:  make(chan *canbus.Frame, 1024),
	}
	k.feed = canbus.ListenerFunc(func(f *canbus.Frame) {
		select {
		case k.rx <- f:
		default:
			cfg.OnMessage(fmt.Sprintf("kvaser: %v: 0x%03X", canbus.ErrDroppedFrame, f.ID))
		}
	})
	return k, nil
}

func (k *Kvaser) Name() string {
	return fmt.Sprintf("kvaser #%d", k.cfg.Channel)
}

func (k *Kvaser) Open(ctx context.Context) error {
	h, err := k.reg.Acquire(k.cfg.Channel, canlib.OPEN_ACCEPT_VIRTUAL)
	if err != nil {
		return err
	}
	k.handle = h

	if err := k.programBusParams(); err != nil {
		return err
	}
	if err := h.dev.SetBusOutputControl(driverType(k.cfg.DriverMode)); err != nil {
		return err
	}

	ticks, err := h.dev.ReadTimer()
	if err != nil {
		return err
	}
	k.timerOffset = float64(ticks) / canlib.TimerTicksPerSecond

	h.addListener(k.feed)
	return nil
}

// programBusParams writes the configured timing only when it differs
// from what the handle already runs, toggling bus off around the write.
// Other buses sharing the handle see a short off window; matching
// parameters cost nothing.
func (k *Kvaser) programBusParams() error {
	if k.cfg.BitRate <= 0 {
		return nil
	}
	freq := int32(k.cfg.BitRate * 1000)
	curFreq, curTseg1, curTseg2, curSjw, curSamp, err := k.handle.dev.BusParams()
	if err != nil {
		return err
	}
	if freq == curFreq && k.cfg.TSeg1 == curTseg1 && k.cfg.TSeg2 == curTseg2 &&
		k.cfg.SJW == curSjw && k.cfg.SampleCount == curSamp {
		return nil
	}
	if err := k.handle.dev.BusOff(); err != nil {
		return err
	}
	if err := k.handle.dev.SetBusParams(freq, k.cfg.TSeg1, k.cfg.TSeg2, k.cfg.SJW, k.cfg.SampleCount); err != nil {
		return err
	}
	return k.handle.dev.BusOn()
}

func (k *Kvaser) Receive(timeout time.Duration) (*canbus.Frame, error) {
	if timeout <= 0 {
		select {
		case f := <-k.rx:
			return f, nil
		default:
			return nil, nil
		}
	}
	t := time.NewTimer(timeout)
	defer t.Stop()
	select {
	case f := <-k.rx:
		return f, nil
	case <-t.C:
		return nil, nil
	}
}

func (k *Kvaser) Transmit(f *canbus.Frame) error {
	if k.cfg.DriverMode == canbus.DriverModeSilent {
		if k.cfg.Debug {
			k.cfg.OnMessage(fmt.Sprintf("kvaser: silent mode, not sending 0x%03X", f.ID))
		}
		return nil
	}
	k.handle.write(f)
	return nil
}

// ReadTimer returns seconds on the driver clock since this bus opened.
func (k *Kvaser) ReadTimer() (float64, error) {
	ticks, err := k.handle.dev.ReadTimer()
	if err != nil {
		return 0, err
	}
	return float64(ticks)/canlib.TimerTicksPerSecond - k.timerOffset, nil
}

// Statistics fetches a point-in-time counter snapshot from the driver.
func (k *Kvaser) Statistics() (*canbus.BusStatistics, error) {
	return k.handle.statistics()
}

// Close detaches this bus from the shared handle. The handle itself
// stays open; it is torn down only by HandleRegistry.Shutdown.
func (k *Kvaser) Close() error {
	k.closeOnce.Do(func() {
		if k.handle != nil {
			k.handle.removeListener(k.feed)
		}
	})
	return nil
}

func driverType(m canbus.DriverMode) canlib.DriverType {
	switch m {
	case canbus.DriverModeSilent:
		return canlib.DRIVER_SILENT
	case canbus.DriverModeOff:
		return canlib.DRIVER_OFF
	default:
		return canlib.DRIVER_NORMAL
	}
}
