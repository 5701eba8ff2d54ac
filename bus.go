package canbus

import (
	"context"
	"log"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"
)

// BusState tracks the bus lifecycle. Stopped is terminal.
type BusState int32

const (
	StateCreated BusState = iota
	StateRunning
	StateShuttingDown
	StateStopped
)

func (s BusState) String() string {
	switch s {
	case StateCreated:
		return "created"
	case StateRunning:
		return "running"
	case StateShuttingDown:
		return "shutting down"
	case StateStopped:
		return "stopped"
	default:
		return "unknown"
	}
}

const (
	defaultPollInterval      = 20 * time.Millisecond
	defaultRecvBuffer        = 1024
	defaultTxRecheckInterval = 100 * time.Millisecond
)

// Bus is a logical CAN endpoint bound to one Backend. It runs a
// background reader that pulls frames from the backend and fans them
// out to registered listeners, and a background writer that drains the
// transmit queue. Construction is pure; Start spawns the goroutines, so
// listeners registered before Start are guaranteed to see every frame.
type Bus struct {
	backend Backend

	pollInterval time.Duration
	txRecheck    time.Duration

	mu        sync.RWMutex
	listeners []Listener

	rx chan *Frame

	txMu   sync.Mutex
	txQ    []*Frame
	txKick chan struct{}

	state atomic.Int32

	stopCh   chan struct{}
	stopOnce sync.Once
	stopErr  error

	gMu sync.Mutex
	g   *errgroup.Group

	errOnce sync.Once
	errChan chan error
}

// BusOption configures a Bus at construction time.
type BusOption func(*Bus)

// WithPollInterval sets how long the reader blocks in each backend
// Receive call. Shorter intervals shorten shutdown latency.
func WithPollInterval(d time.Duration) BusOption {
	return func(b *Bus) { b.pollInterval = d }
}

// WithReceiveBuffer sets the per-bus receive queue capacity.
func WithReceiveBuffer(n int) BusOption {
	return func(b *Bus) { b.rx = make(chan *Frame, n) }
}

// NewBus wires a Bus to a backend. No goroutines run and no I/O happens
// until Start.
func NewBus(backend Backend, opts ...BusOption) *Bus {
	b := &Bus{
		backend:      backend,
		pollInterval: defaultPollInterval,
		txRecheck:    defaultTxRecheckInterval,
		rx:           make(chan *Frame, defaultRecvBuffer),
		txKick:       make(chan struct{}, 1),
		stopCh:       make(chan struct{}),
		errChan:      make(chan error, 1),
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// Start opens the backend and spawns the reader and writer. Legal
// exactly once; a stopped bus cannot be restarted.
func (b *Bus) Start(ctx context.Context) error {
	if !b.state.CompareAndSwap(int32(StateCreated), int32(StateRunning)) {
		if b.State() == StateRunning {
			return ErrAlreadyStarted
		}
		return ErrBusClosed
	}
	if err := b.backend.Open(ctx); err != nil {
		b.state.Store(int32(StateStopped))
		return err
	}
	g, gctx := errgroup.WithContext(ctx)
	// Publish the group under the lock and re-check the state inside it:
	// a Shutdown racing this point either sees the group and waits for
	// the workers, or has already flipped the state and no worker spawns.
	b.gMu.Lock()
	if b.State() != StateRunning {
		b.gMu.Unlock()
		b.backend.Close()
		return ErrBusClosed
	}
	b.g = g
	g.Go(func() error { return b.readLoop(gctx) })
	g.Go(func() error { return b.writeLoop(gctx) })
	b.gMu.Unlock()
	return nil
}

// State returns the current lifecycle state.
func (b *Bus) State() BusState {
	return BusState(b.state.Load())
}

// Err yields the first fatal transport error, if any. The channel never
// carries more than one value.
func (b *Bus) Err() <-chan error {
	return b.errChan
}

// Write enqueues a frame for asynchronous transmission. It never blocks
// on hardware; the only error is writing to a bus that is shutting
// down. Enqueued order is the transmit order.
func (b *Bus) Write(f *Frame) error {
	if b.State() >= StateShuttingDown {
		return ErrBusClosed
	}
	b.txMu.Lock()
	b.txQ = append(b.txQ, f)
	b.txMu.Unlock()
	select {
	case b.txKick <- struct{}{}:
	default:
	}
	return nil
}

// Recv pops one frame from the per-bus receive queue, waiting up to
// timeout. A (nil, nil) return means nothing arrived in time. After
// shutdown Recv drains what is already queued, then reports
// ErrBusClosed.
func (b *Bus) Recv(timeout time.Duration) (*Frame, error) {
	select {
	case f := <-b.rx:
		return f, nil
	default:
	}
	if b.State() >= StateShuttingDown {
		return nil, ErrBusClosed
	}
	if timeout <= 0 {
		return nil, nil
	}
	t := time.NewTimer(timeout)
	defer t.Stop()
	select {
	case f := <-b.rx:
		return f, nil
	case <-t.C:
		return nil, nil
	case <-b.stopCh:
		select {
		case f := <-b.rx:
			return f, nil
		default:
			return nil, ErrBusClosed
		}
	}
}

// AddListener registers a sink for every subsequently received frame.
// Registration is safe relative to concurrent delivery and is a no-op
// hazard-wise after shutdown: it never fails, the listener just sees
// nothing.
func (b *Bus) AddListener(l Listener) {
	b.mu.Lock()
	b.listeners = append(b.listeners, l)
	b.mu.Unlock()
}

// Shutdown signals the reader and writer to stop, waits for them and
// closes the backend. Idempotent and safe to call concurrently with
// in-flight delivery.
func (b *Bus) Shutdown() error {
	b.stopOnce.Do(func() {
		b.state.Store(int32(StateShuttingDown))
		close(b.stopCh)
		b.gMu.Lock()
		g := b.g
		b.gMu.Unlock()
		if g != nil {
			if err := g.Wait(); err != nil {
				b.stopErr = err
			}
		}
		if err := b.backend.Close(); err != nil && b.stopErr == nil {
			b.stopErr = err
		}
		b.state.Store(int32(StateStopped))
	})
	return b.stopErr
}

func (b *Bus) readLoop(ctx context.Context) error {
	for {
		select {
		case <-b.stopCh:
			return nil
		case <-ctx.Done():
			return nil
		default:
		}
		f, err := b.backend.Receive(b.pollInterval)
		if err != nil {
			if !IsRecoverable(err) {
				b.setErr(err)
				return err
			}
			// Recoverable errors (a malformed frame, a hiccup in the
			// driver) must not kill the reader.
			log.Printf("%s: receive: %v", b.backend.Name(), err)
			continue
		}
		if f == nil {
			continue
		}
		b.deliver(f)
	}
}

// deliver fans out to listeners in registration order while holding the
// read lock, so AddListener cannot interleave with a partial fan-out,
// then feeds the per-bus receive queue.
func (b *Bus) deliver(f *Frame) {
	b.mu.RLock()
	for _, l := range b.listeners {
		l.OnFrameReceived(f)
	}
	b.mu.RUnlock()
	select {
	case b.rx <- f:
	default:
		log.Printf("%s: %v: 0x%03X", b.backend.Name(), ErrDroppedFrame, f.ID)
	}
}

// writeLoop continuously drains the transmit queue: on every enqueue
// kick and again on a periodic recheck, so a missed kick can only delay
// a frame, never strand it.
func (b *Bus) writeLoop(ctx context.Context) error {
	t := time.NewTicker(b.txRecheck)
	defer t.Stop()
	for {
		select {
		case <-b.stopCh:
			return nil
		case <-ctx.Done():
			return nil
		case <-b.txKick:
		case <-t.C:
		}
		for {
			f := b.popTx()
			if f == nil {
				break
			}
			if err := b.backend.Transmit(f); err != nil {
				if !IsRecoverable(err) {
					b.setErr(err)
					return err
				}
				log.Printf("%s: transmit 0x%03X: %v", b.backend.Name(), f.ID, err)
			}
		}
	}
}

func (b *Bus) popTx() *Frame {
	b.txMu.Lock()
	defer b.txMu.Unlock()
	if len(b.txQ) == 0 {
		return nil
	}
	f := b.txQ[0]
	b.txQ = b.txQ[1:]
	return f
}

func (b *Bus) setErr(err error) {
	b.errOnce.Do(func() {
		select {
		case b.errChan <- err:
		default:
		}
	})
}
