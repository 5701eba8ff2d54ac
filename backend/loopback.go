package backend

import (
	"context"
	"log"
	"sync"
	"time"

	"github.com/dynaman/canbus"
)

func init() {
	if err := Register(&Info{
		Name:        "loopback",
		Description: "In-memory echo backend",
		New:         NewLoopback,
	}); err != nil {
		panic(err)
	}
}

// Loopback echoes every transmitted frame back to the receive side. It
// backs the engine tests and dry runs without hardware.
type Loopback struct {
	cfg       *canbus.Config
	rx        chan *canbus.Frame
	opened    time.Time
	closeOnce sync.Once
	closeCh   chan struct{}
}

func NewLoopback(cfg *canbus.Config) (canbus.Backend, error) {
	return &Loopback{
		cfg:     cfg,
		rx:      make(chan *canbus.Frame, 1024),
		closeCh: make(chan struct{}),
	}, nil
}

func (l *Loopback) Name() string {
	return "loopback"
}

func (l *Loopback) Open(ctx context.Context) error {
	l.opened = time.Now()
	return nil
}

func (l *Loopback) Receive(timeout time.Duration) (*canbus.Frame, error) {
	if timeout <= 0 {
		select {
		case f := <-l.rx:
			return f, nil
		default:
			return nil, nil
		}
	}
	t := time.NewTimer(timeout)
	defer t.Stop()
	select {
	case f := <-l.rx:
		return f, nil
	case <-t.C:
		return nil, nil
	case <-l.closeCh:
		return nil, nil
	}
}

func (l *Loopback) Transmit(f *canbus.Frame) error {
	echo := *f
	echo.Timestamp = time.Since(l.opened).Seconds()
	l.inject(&echo)
	return nil
}

// Inject places a frame on the receive side as if the wire had
// delivered it.
func (l *Loopback) Inject(f *canbus.Frame) {
	l.inject(f)
}

func (l *Loopback) inject(f *canbus.Frame) {
	select {
	case l.rx <- f:
	default:
		log.Printf("loopback: %v: 0x%03X", canbus.ErrDroppedFrame, f.ID)
	}
}

func (l *Loopback) Close() error {
	l.closeOnce.Do(func() {
		close(l.closeCh)
	})
	return nil
}
