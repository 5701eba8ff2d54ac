package backend

import (
	"errors"
	"fmt"
	"log"
	"sync"
	"sync/atomic"
	"time"

	"github.com/dynaman/canbus"
	"github.com/dynaman/canbus/pkg/canlib"
)

// drainInterval backs up the driver notification: a missed callback
// delays a frame by at most this much instead of stranding it.
const drainInterval = 20 * time.Millisecond

// Handle owns one open driver channel with a specific capability flag
// set. Every bus requesting the same (channel, flags) pair shares one
// Handle; the HandleRegistry guarantees that. A handle stays open for
// the life of the process and is torn down only by Registry.Shutdown.
//
// The driver fires notifications on its own threads. The notification
// callback only kicks the drain and transmit workers through buffered
// channels; driver calls happen exclusively on those workers, one per
// direction, which is what makes overlapping hardware calls impossible.
type Handle struct {
	channel int
	flags   canlib.OpenFlag
	dev     canlib.Handle

	// timerOffset is the driver clock at open time, for normalizing
	// backend-relative timestamps.
	timerOffset int64

	mu        sync.RWMutex
	listeners []canbus.Listener

	txMu sync.Mutex
	txQ  []*canbus.Frame

	rxKick chan struct{}
	txKick chan struct{}
	stopCh chan struct{}
	wg     sync.WaitGroup

	callbacksEnabled atomic.Bool
}

func openHandle(drv canlib.Driver, channel int, flags canlib.OpenFlag) (*Handle, error) {
	numChannels, err := drv.GetNumberOfChannels()
	if err != nil {
		return nil, &canbus.ConfigError{Reason: "cannot enumerate channels", Err: err}
	}
	if channel < 0 || channel >= numChannels {
		return nil, &canbus.InvalidParameterError{
			Param:  "channel",
			Value:  channel,
			Reason: fmt.Sprintf("available channels on this system are in the range [0, %d]", numChannels-1),
		}
	}
	if flags&^canlib.FLAGS_MASK != 0 {
		return nil, &canbus.InvalidParameterError{
			Param:  "flags",
			Value:  flags,
			Reason: "must contain only the canlib OPEN_* flags",
		}
	}
	dev, err := drv.OpenChannel(channel, flags)
	if err != nil {
		if errors.Is(err, canlib.ErrNotFound) {
			return nil, &canbus.ConfigError{
				Reason: "no hardware is available that has all these capabilities",
				Err:    err,
			}
		}
		return nil, err
	}
	if err := dev.FlushReceiveQueue(); err != nil {
		dev.Close()
		return nil, err
	}
	if err := dev.FlushTransmitQueue(); err != nil {
		dev.Close()
		return nil, err
	}
	offset, err := dev.ReadTimer()
	if err != nil {
		dev.Close()
		return nil, err
	}
	if err := dev.BusOn(); err != nil {
		dev.Close()
		return nil, err
	}

	h := &Handle{
		channel:     channel,
		flags:       flags,
		dev:         dev,
		timerOffset: offset,
		rxKick:      make(chan struct{}, 1),
		txKick:      make(chan struct{}, 1),
		stopCh:      make(chan struct{}),
	}
	h.callbacksEnabled.Store(true)
	if err := dev.SetNotifyCallback(h.notify, canlib.NOTIFY_RX|canlib.NOTIFY_TX); err != nil {
		dev.BusOff()
		dev.Close()
		return nil, err
	}
	h.wg.Add(2)
	go h.drainLoop()
	go h.transmitLoop()
	return h, nil
}

// notify runs on a driver thread. It only signals the workers.
func (h *Handle) notify() {
	if !h.callbacksEnabled.Load() {
		return
	}
	kick(h.rxKick)
	kick(h.txKick)
}

func kick(ch chan struct{}) {
	select {
	case ch <- struct{}{}:
	default:
	}
}

func (h *Handle) addListener(l canbus.Listener) {
	h.mu.Lock()
	h.listeners = append(h.listeners, l)
	h.mu.Unlock()
}

func (h *Handle) removeListener(l canbus.Listener) {
	h.mu.Lock()
	for i, reg := range h.listeners {
		if reg == l {
			h.listeners = append(h.listeners[:i], h.listeners[i+1:]...)
			break
		}
	}
	h.mu.Unlock()
}

// write enqueues a frame and kicks the transmit worker when the queue
// was idle, so the idle-to-busy transition does not wait for the next
// periodic recheck.
func (h *Handle) write(f *canbus.Frame) {
	h.txMu.Lock()
	wasEmpty := len(h.txQ) == 0
	h.txQ = append(h.txQ, f)
	h.txMu.Unlock()
	if wasEmpty {
		kick(h.txKick)
	}
}

func (h *Handle) popTx() *canbus.Frame {
	h.txMu.Lock()
	defer h.txMu.Unlock()
	if len(h.txQ) == 0 {
		return nil
	}
	f := h.txQ[0]
	h.txQ = h.txQ[1:]
	return f
}

// drainLoop pulls records until the driver reports no more data, once
// per kick. Drivers coalesce several ready frames behind a single
// notification; the loop, not a single read, is what keeps up.
func (h *Handle) drainLoop() {
	defer h.wg.Done()
	t := time.NewTicker(drainInterval)
	defer t.Stop()
	for {
		select {
		case <-h.stopCh:
			return
		case <-h.rxKick:
		case <-t.C:
		}
		h.drain()
	}
}

func (h *Handle) drain() {
	for {
		msg, err := h.dev.Read()
		if err != nil {
			if !errors.Is(err, canlib.ErrNoMsg) {
				log.Printf("canlib channel %d: read: %v", h.channel, err)
			}
			return
		}
		f, err := frameFromMessage(msg)
		if err != nil {
			log.Printf("canlib channel %d: discarding record: %v", h.channel, err)
			continue
		}
		h.mu.RLock()
		for _, l := range h.listeners {
			l.OnFrameReceived(f)
		}
		h.mu.RUnlock()
	}
}

// transmitLoop drains the queue on every kick and again on the periodic
// recheck; a lost transmit-complete notification can therefore delay
// the queue but never stall it.
func (h *Handle) transmitLoop() {
	defer h.wg.Done()
	t := time.NewTicker(drainInterval)
	defer t.Stop()
	for {
		select {
		case <-h.stopCh:
			return
		case <-h.txKick:
		case <-t.C:
		}
		for {
			f := h.popTx()
			if f == nil {
				break
			}
			if err := h.dev.Write(f.ID, f.Data, uint32(f.DLC), msgFlags(f)); err != nil {
				log.Printf("canlib channel %d: write 0x%03X: %v", h.channel, f.ID, err)
			}
		}
	}
}

// shutdown implements the teardown ordering: disable and clear the
// notification callback first, wait for in-progress drain and transmit
// work, then flush the hardware queues. A callback firing on a torn
// down handle would be an integrity violation, so the order matters.
func (h *Handle) shutdown() {
	h.callbacksEnabled.Store(false)
	if err := h.dev.ClearNotifyCallback(); err != nil {
		log.Printf("canlib channel %d: clear notify: %v", h.channel, err)
	}
	close(h.stopCh)
	h.wg.Wait()
	if err := h.dev.FlushReceiveQueue(); err != nil {
		log.Printf("canlib channel %d: flush rx: %v", h.channel, err)
	}
	if err := h.dev.FlushTransmitQueue(); err != nil {
		log.Printf("canlib channel %d: flush tx: %v", h.channel, err)
	}
	if err := h.dev.BusOff(); err != nil {
		log.Printf("canlib channel %d: bus off: %v", h.channel, err)
	}
	if err := h.dev.Close(); err != nil {
		log.Printf("canlib channel %d: close: %v", h.channel, err)
	}
}

func (h *Handle) statistics() (*canbus.BusStatistics, error) {
	if err := h.dev.RequestBusStatistics(); err != nil {
		return nil, err
	}
	raw, err := h.dev.BusStatistics()
	if err != nil {
		return nil, err
	}
	return &canbus.BusStatistics{
		StdData:     raw.StdData,
		StdRemote:   raw.StdRemote,
		ExtData:     raw.ExtData,
		ExtRemote:   raw.ExtRemote,
		ErrorFrames: raw.ErrFrame,
		Overruns:    raw.Overruns,
		BusLoad:     float64(raw.BusLoad) / 100,
	}, nil
}

func frameFromMessage(msg *canlib.CANMessage) (*canbus.Frame, error) {
	var opts []canbus.FrameOption
	if msg.Flags&canlib.MSG_EXT != 0 {
		opts = append(opts, canbus.Extended())
	}
	if msg.Flags&canlib.MSG_ERROR_FRAME != 0 {
		opts = append(opts, canbus.ErrorFrame())
	}
	opts = append(opts, canbus.WithTimestamp(float64(msg.Time)/canlib.TimerTicksPerSecond))
	data := msg.Data
	if int(msg.Dlc) < len(data) {
		data = data[:msg.Dlc]
	}
	if msg.Flags&canlib.MSG_RTR != 0 {
		return canbus.NewFrame(msg.Identifier, nil, append(opts, canbus.Remote(int(msg.Dlc)))...)
	}
	return canbus.NewFrame(msg.Identifier, data, opts...)
}

func msgFlags(f *canbus.Frame) canlib.MsgFlag {
	flags := canlib.MSG_STD
	if f.IsExtended() {
		flags = canlib.MSG_EXT
	}
	if f.IsRemote() {
		flags |= canlib.MSG_RTR
	}
	return flags
}

// HandleRegistry deduplicates handles by (channel, flags): acquisition
// is idempotent at O(open handles) per call, fine for the few physical
// channels a process ever opens. The registry is owned by whatever
// process-level component starts the buses and must be shut down
// explicitly before exit.
type HandleRegistry struct {
	drv     canlib.Driver
	mu      sync.Mutex
	handles []*Handle
}

func NewHandleRegistry(drv canlib.Driver) *HandleRegistry {
	return &HandleRegistry{drv: drv}
}

// Acquire returns the existing handle for (channel, flags) or opens and
// registers a new one.
func (r *HandleRegistry) Acquire(channel int, flags canlib.OpenFlag) (*Handle, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, h := range r.handles {
		if h.channel == channel && h.flags == flags {
			return h, nil
		}
	}
	h, err := openHandle(r.drv, channel, flags)
	if err != nil {
		return nil, err
	}
	r.handles = append(r.handles, h)
	return h, nil
}

// Shutdown tears down every handle: callbacks off, workers drained,
// hardware queues flushed. Must run before process exit.
func (r *HandleRegistry) Shutdown() {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, h := range r.handles {
		h.shutdown()
	}
	r.handles = nil
}
