package canbus

import (
	"fmt"
	"io"
	"log"
	"strings"
	"time"
)

// Listener is a sink invoked for every frame a bus receives. Delivery
// is synchronous on the bus reader, so implementations must not block;
// BufferedListener is the variant to use when the consumer is slower
// than the bus.
type Listener interface {
	OnFrameReceived(*Frame)
}

// ListenerFunc adapts a bare function to the Listener interface.
type ListenerFunc func(*Frame)

func (fn ListenerFunc) OnFrameReceived(f *Frame) {
	fn(f)
}

const defaultBufferSize = 1024

// BufferedListener queues received frames in a FIFO for later
// consumption. It is the only listener with blocking semantics: Get
// blocks the calling goroutine up to its timeout.
type BufferedListener struct {
	buffer chan *Frame
}

// NewBufferedListener creates a buffered listener. size <= 0 selects
// the default capacity.
func NewBufferedListener(size int) *BufferedListener {
	if size <= 0 {
		size = defaultBufferSize
	}
	return &BufferedListener{
		buffer: make(chan *Frame, size),
	}
}

func (bl *BufferedListener) OnFrameReceived(f *Frame) {
	select {
	case bl.buffer <- f:
	default:
		log.Printf("buffered listener full, dropped 0x%03X", f.ID)
	}
}

// Get returns the next buffered frame, waiting up to timeout. A nil
// frame means nothing arrived in time; expiry is not an error.
func (bl *BufferedListener) Get(timeout time.Duration) *Frame {
	if timeout <= 0 {
		select {
		case f := <-bl.buffer:
			return f
		default:
			return nil
		}
	}
	t := time.NewTimer(timeout)
	defer t.Stop()
	select {
	case f := <-bl.buffer:
		return f
	case <-t.C:
		return nil
	}
}

// Printer logs every received frame.
type Printer struct {
	// Output defaults to the standard logger when nil.
	Output *log.Logger
}

func (p *Printer) OnFrameReceived(f *Frame) {
	if p.Output != nil {
		p.Output.Println(f.String())
		return
	}
	log.Println(f.String())
}

// CSVWriter persists frames as comma separated rows with the header
// timestamp,id,flags,dlc,data. Hex fields, contiguous payload digits.
type CSVWriter struct {
	w io.Writer
}

func NewCSVWriter(w io.Writer) (*CSVWriter, error) {
	if _, err := io.WriteString(w, "timestamp,id,flags,dlc,data\n"); err != nil {
		return nil, err
	}
	return &CSVWriter{w: w}, nil
}

func (cw *CSVWriter) OnFrameReceived(f *Frame) {
	var data strings.Builder
	for _, b := range f.Data {
		fmt.Fprintf(&data, "%02x", b)
	}
	row := fmt.Sprintf("%.6f,%x,%x,%d,%s\n", f.Timestamp, f.ID, f.Flags, f.DLC, data.String())
	if _, err := io.WriteString(cw.w, row); err != nil {
		log.Printf("csv writer: %v", err)
	}
}
