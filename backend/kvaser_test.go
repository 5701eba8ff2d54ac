package backend

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/dynaman/canbus"
	"github.com/dynaman/canbus/pkg/canlib"
)

type fakeDriver struct {
	channels int
	openErr  error

	mu     sync.Mutex
	opened []*fakeDevice
}

func (d *fakeDriver) GetNumberOfChannels() (int, error) {
	return d.channels, nil
}

func (d *fakeDriver) OpenChannel(channel int, flags canlib.OpenFlag) (canlib.Handle, error) {
	if d.openErr != nil {
		return nil, d.openErr
	}
	dev := &fakeDevice{freq: 500000, tseg1: 4, tseg2: 3, sjw: 1, noSamp: 1}
	d.mu.Lock()
	d.opened = append(d.opened, dev)
	d.mu.Unlock()
	return dev, nil
}

func (d *fakeDriver) device(t *testing.T, i int) *fakeDevice {
	t.Helper()
	d.mu.Lock()
	defer d.mu.Unlock()
	if i >= len(d.opened) {
		t.Fatalf("device %d was never opened", i)
	}
	return d.opened[i]
}

type writeRec struct {
	id    uint32
	data  []byte
	dlc   uint32
	flags canlib.MsgFlag
}

// fakeDevice is an in-memory canlib.Handle. Pushing a message fires the
// registered notification callback, same as the real driver.
type fakeDevice struct {
	mu      sync.Mutex
	rxQ     []*canlib.CANMessage
	written []writeRec
	cb      canlib.NotifyCallback
	events  []string
	timer   int64
	stats   canlib.BusStatistics

	freq                      int32
	tseg1, tseg2, sjw, noSamp uint32
}

func (d *fakeDevice) record(ev string) {
	d.events = append(d.events, ev)
}

func (d *fakeDevice) push(msg *canlib.CANMessage) {
	d.mu.Lock()
	d.rxQ = append(d.rxQ, msg)
	cb := d.cb
	d.mu.Unlock()
	if cb != nil {
		cb()
	}
}

func (d *fakeDevice) SetBusParams(freq int32, tseg1, tseg2, sjw, noSamp uint32) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.record("setbusparams")
	d.freq, d.tseg1, d.tseg2, d.sjw, d.noSamp = freq, tseg1, tseg2, sjw, noSamp
	return nil
}

func (d *fakeDevice) BusParams() (int32, uint32, uint32, uint32, uint32, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.freq, d.tseg1, d.tseg2, d.sjw, d.noSamp, nil
}

func (d *fakeDevice) SetBusOutputControl(canlib.DriverType) error { return nil }

func (d *fakeDevice) BusOn() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.record("buson")
	return nil
}

func (d *fakeDevice) BusOff() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.record("busoff")
	return nil
}

func (d *fakeDevice) Read() (*canlib.CANMessage, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if len(d.rxQ) == 0 {
		return nil, canlib.ErrNoMsg
	}
	msg := d.rxQ[0]
	d.rxQ = d.rxQ[1:]
	return msg, nil
}

func (d *fakeDevice) Write(id uint32, data []byte, dlc uint32, flags canlib.MsgFlag) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.written = append(d.written, writeRec{id: id, data: data, dlc: dlc, flags: flags})
	return nil
}

func (d *fakeDevice) ReadTimer() (int64, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.timer, nil
}

func (d *fakeDevice) RequestBusStatistics() error { return nil }

func (d *fakeDevice) BusStatistics() (*canlib.BusStatistics, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	stats := d.stats
	return &stats, nil
}

func (d *fakeDevice) SetNotifyCallback(cb canlib.NotifyCallback, flags canlib.NotifyFlag) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.cb = cb
	return nil
}

func (d *fakeDevice) ClearNotifyCallback() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.record("clearnotify")
	d.cb = nil
	return nil
}

func (d *fakeDevice) FlushReceiveQueue() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.record("flushrx")
	d.rxQ = nil
	return nil
}

func (d *fakeDevice) FlushTransmitQueue() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.record("flushtx")
	return nil
}

func (d *fakeDevice) Close() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.record("close")
	return nil
}

func (d *fakeDevice) writtenRecs() []writeRec {
	d.mu.Lock()
	defer d.mu.Unlock()
	out := make([]writeRec, len(d.written))
	copy(out, d.written)
	return out
}

func TestHandleRegistryDedup(t *testing.T) {
	drv := &fakeDriver{channels: 2}
	reg := NewHandleRegistry(drv)
	t.Cleanup(reg.Shutdown)

	h1, err := reg.Acquire(0, canlib.OPEN_ACCEPT_VIRTUAL)
	if err != nil {
		t.Fatal(err)
	}
	h2, err := reg.Acquire(0, canlib.OPEN_ACCEPT_VIRTUAL)
	if err != nil {
		t.Fatal(err)
	}
	if h1 != h2 {
		t.Error("same (channel, flags) pair produced two handles")
	}
	h3, err := reg.Acquire(0, canlib.OPEN_EXCLUSIVE)
	if err != nil {
		t.Fatal(err)
	}
	if h3 == h1 {
		t.Error("different flags shared a handle")
	}
	h4, err := reg.Acquire(1, canlib.OPEN_ACCEPT_VIRTUAL)
	if err != nil {
		t.Fatal(err)
	}
	if h4 == h1 {
		t.Error("different channels shared a handle")
	}
	drv.mu.Lock()
	opened := len(drv.opened)
	drv.mu.Unlock()
	if opened != 3 {
		t.Errorf("driver opened %d devices, want 3", opened)
	}
}

func TestHandleRegistryAcquireErrors(t *testing.T) {
	tests := []struct {
		name    string
		drv     *fakeDriver
		channel int
		flags   canlib.OpenFlag
		check   func(t *testing.T, err error)
	}{
		{
			name:    "channel above range",
			drv:     &fakeDriver{channels: 2},
			channel: 5,
			flags:   canlib.OPEN_ACCEPT_VIRTUAL,
			check: func(t *testing.T, err error) {
				var ipe *canbus.InvalidParameterError
				if !errors.As(err, &ipe) || ipe.Param != "channel" {
					t.Errorf("error = %v, want InvalidParameterError on channel", err)
				}
			},
		},
		{
			name:    "negative channel",
			drv:     &fakeDriver{channels: 2},
			channel: -1,
			flags:   canlib.OPEN_ACCEPT_VIRTUAL,
			check: func(t *testing.T, err error) {
				var ipe *canbus.InvalidParameterError
				if !errors.As(err, &ipe) || ipe.Param != "channel" {
					t.Errorf("error = %v, want InvalidParameterError on channel", err)
				}
			},
		},
		{
			name:    "unknown flag bits",
			drv:     &fakeDriver{channels: 2},
			channel: 0,
			flags:   canlib.OpenFlag(0x4000),
			check: func(t *testing.T, err error) {
				var ipe *canbus.InvalidParameterError
				if !errors.As(err, &ipe) || ipe.Param != "flags" {
					t.Errorf("error = %v, want InvalidParameterError on flags", err)
				}
			},
		},
		{
			name:    "no matching hardware",
			drv:     &fakeDriver{channels: 2, openErr: canlib.ErrNotFound},
			channel: 0,
			flags:   canlib.OPEN_REQUIRE_EXTENDED,
			check: func(t *testing.T, err error) {
				var ce *canbus.ConfigError
				if !errors.As(err, &ce) {
					t.Errorf("error type = %T, want *ConfigError", err)
				}
			},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			reg := NewHandleRegistry(tt.drv)
			t.Cleanup(reg.Shutdown)
			_, err := reg.Acquire(tt.channel, tt.flags)
			if err == nil {
				t.Fatal("Acquire() = nil error")
			}
			tt.check(t, err)
		})
	}
}

func TestHandleDrainFanout(t *testing.T) {
	drv := &fakeDriver{channels: 1}
	reg := NewHandleRegistry(drv)
	t.Cleanup(reg.Shutdown)

	h, err := reg.Acquire(0, canlib.OPEN_ACCEPT_VIRTUAL)
	if err != nil {
		t.Fatal(err)
	}
	bl := canbus.NewBufferedListener(16)
	h.addListener(bl)

	dev := drv.device(t, 0)
	dev.push(&canlib.CANMessage{
		Identifier: 0x123,
		Data:       []byte{0x01, 0x02},
		Dlc:        2,
		Flags:      canlib.MSG_STD,
		Time:       1_500_000,
	})
	dev.push(&canlib.CANMessage{
		Identifier: 0x18DAF110,
		Data:       []byte{0xFF},
		Dlc:        1,
		Flags:      canlib.MSG_EXT,
		Time:       1_600_000,
	})
	dev.push(&canlib.CANMessage{
		Identifier: 0x456,
		Dlc:        4,
		Flags:      canlib.MSG_STD | canlib.MSG_RTR,
		Time:       1_700_000,
	})

	f := bl.Get(time.Second)
	if f == nil || f.ID != 0x123 || f.Timestamp != 1.5 || f.Length() != 2 {
		t.Fatalf("first frame = %+v", f)
	}
	f = bl.Get(time.Second)
	if f == nil || f.ID != 0x18DAF110 || !f.IsExtended() {
		t.Fatalf("second frame = %+v", f)
	}
	f = bl.Get(time.Second)
	if f == nil || !f.IsRemote() || f.DLC != 4 || f.Length() != 0 {
		t.Fatalf("third frame = %+v", f)
	}
}

func TestHandleWrite(t *testing.T) {
	drv := &fakeDriver{channels: 1}
	reg := NewHandleRegistry(drv)
	t.Cleanup(reg.Shutdown)

	h, err := reg.Acquire(0, canlib.OPEN_ACCEPT_VIRTUAL)
	if err != nil {
		t.Fatal(err)
	}
	std, _ := canbus.NewFrame(0x123, []byte{0x01})
	ext, _ := canbus.NewExtendedFrame(0x18DAF110, []byte{0x02})
	h.write(std)
	h.write(ext)

	dev := drv.device(t, 0)
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if len(dev.writtenRecs()) == 2 {
			break
		}
		time.Sleep(5 * time.Millisecond)
	}
	recs := dev.writtenRecs()
	if len(recs) != 2 {
		t.Fatalf("driver saw %d writes, want 2", len(recs))
	}
	if recs[0].id != 0x123 || recs[0].flags != canlib.MSG_STD {
		t.Errorf("first write = %+v", recs[0])
	}
	if recs[1].id != 0x18DAF110 || recs[1].flags != canlib.MSG_EXT {
		t.Errorf("second write = %+v", recs[1])
	}
}

func TestHandleRegistryShutdownOrder(t *testing.T) {
	drv := &fakeDriver{channels: 1}
	reg := NewHandleRegistry(drv)
	if _, err := reg.Acquire(0, canlib.OPEN_ACCEPT_VIRTUAL); err != nil {
		t.Fatal(err)
	}
	reg.Shutdown()

	dev := drv.device(t, 0)
	dev.mu.Lock()
	events := append([]string(nil), dev.events...)
	dev.mu.Unlock()
	if len(events) < 5 {
		t.Fatalf("events = %v", events)
	}
	tail := events[len(events)-5:]
	want := []string{"clearnotify", "flushrx", "flushtx", "busoff", "close"}
	for i := range want {
		if tail[i] != want[i] {
			t.Fatalf("teardown order = %v, want %v", tail, want)
		}
	}

	// Shutdown drops the handles; a second call must be a no-op.
	reg.Shutdown()
}

func TestKvaserReceiveAndClose(t *testing.T) {
	drv := &fakeDriver{channels: 1}
	reg := NewHandleRegistry(drv)
	t.Cleanup(reg.Shutdown)

	be, err := NewKvaser(reg, &canbus.Config{Channel: 0})
	if err != nil {
		t.Fatal(err)
	}
	if err := be.Open(context.Background()); err != nil {
		t.Fatalf("Open() error = %v", err)
	}
	dev := drv.device(t, 0)
	dev.push(&canlib.CANMessage{Identifier: 0x321, Data: []byte{0xAA}, Dlc: 1, Flags: canlib.MSG_STD})

	f, err := be.Receive(time.Second)
	if err != nil {
		t.Fatalf("Receive() error = %v", err)
	}
	if f == nil || f.ID != 0x321 {
		t.Fatalf("Receive() = %+v, want frame 0x321", f)
	}

	if err := be.Close(); err != nil {
		t.Fatal(err)
	}
	dev.push(&canlib.CANMessage{Identifier: 0x322, Dlc: 0, Flags: canlib.MSG_STD})
	if f, _ := be.Receive(100 * time.Millisecond); f != nil {
		t.Errorf("Receive() after Close = %+v, want nil", f)
	}
}

func TestKvaserSharedHandle(t *testing.T) {
	drv := &fakeDriver{channels: 1}
	reg := NewHandleRegistry(drv)
	t.Cleanup(reg.Shutdown)

	a, err := NewKvaser(reg, &canbus.Config{Channel: 0})
	if err != nil {
		t.Fatal(err)
	}
	b, err := NewKvaser(reg, &canbus.Config{Channel: 0})
	if err != nil {
		t.Fatal(err)
	}
	if err := a.Open(context.Background()); err != nil {
		t.Fatal(err)
	}
	if err := b.Open(context.Background()); err != nil {
		t.Fatal(err)
	}
	drv.mu.Lock()
	opened := len(drv.opened)
	drv.mu.Unlock()
	if opened != 1 {
		t.Fatalf("driver opened %d devices for one channel, want 1", opened)
	}

	// Both endpoints see the same traffic.
	drv.device(t, 0).push(&canlib.CANMessage{Identifier: 0x111, Dlc: 0, Flags: canlib.MSG_STD})
	fa, _ := a.Receive(time.Second)
	fb, _ := b.Receive(time.Second)
	if fa == nil || fb == nil {
		t.Fatalf("shared traffic fa=%v fb=%v", fa, fb)
	}
}

func TestKvaserSilentMode(t *testing.T) {
	drv := &fakeDriver{channels: 1}
	reg := NewHandleRegistry(drv)
	t.Cleanup(reg.Shutdown)

	be, err := NewKvaser(reg, &canbus.Config{Channel: 0, DriverMode: canbus.DriverModeSilent})
	if err != nil {
		t.Fatal(err)
	}
	if err := be.Open(context.Background()); err != nil {
		t.Fatal(err)
	}
	f, _ := canbus.NewFrame(0x123, []byte{0x01})
	if err := be.Transmit(f); err != nil {
		t.Fatalf("Transmit() error = %v", err)
	}
	time.Sleep(2 * drainInterval)
	if recs := drv.device(t, 0).writtenRecs(); len(recs) != 0 {
		t.Errorf("silent mode wrote %d frames to the driver", len(recs))
	}
}

func TestKvaserStatistics(t *testing.T) {
	drv := &fakeDriver{channels: 1}
	reg := NewHandleRegistry(drv)
	t.Cleanup(reg.Shutdown)

	be, err := NewKvaser(reg, &canbus.Config{Channel: 0})
	if err != nil {
		t.Fatal(err)
	}
	if err := be.Open(context.Background()); err != nil {
		t.Fatal(err)
	}
	dev := drv.device(t, 0)
	dev.mu.Lock()
	dev.stats = canlib.BusStatistics{StdData: 10, ExtData: 3, ErrFrame: 1, BusLoad: 50}
	dev.mu.Unlock()

	stats, err := be.(canbus.StatisticsProvider).Statistics()
	if err != nil {
		t.Fatal(err)
	}
	if stats.StdData != 10 || stats.ExtData != 3 || stats.ErrorFrames != 1 {
		t.Errorf("stats = %+v", stats)
	}
	if stats.BusLoad != 0.5 {
		t.Errorf("BusLoad = %v, want 0.5", stats.BusLoad)
	}
}

func TestKvaserProgramsBusParams(t *testing.T) {
	drv := &fakeDriver{channels: 1}
	reg := NewHandleRegistry(drv)
	t.Cleanup(reg.Shutdown)

	be, err := NewKvaser(reg, &canbus.Config{Channel: 0, BitRate: 250, TSeg1: 5, TSeg2: 2, SJW: 1, SampleCount: 1})
	if err != nil {
		t.Fatal(err)
	}
	if err := be.Open(context.Background()); err != nil {
		t.Fatal(err)
	}
	dev := drv.device(t, 0)
	dev.mu.Lock()
	freq := dev.freq
	dev.mu.Unlock()
	if freq != 250000 {
		t.Errorf("driver frequency = %d, want 250000", freq)
	}
}
