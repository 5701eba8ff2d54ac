package backend

import (
	"context"
	"fmt"
	"io"
	"log"
	"net"
	"strings"
	"sync"
	"time"

	"github.com/avast/retry-go"
	"github.com/dynaman/canbus"
)

func init() {
	if err := Register(&Info{
		Name:        "socketcand",
		Description: "CAN over TCP daemon (ASCII rawmode protocol)",
		New:         NewSocketcand,
	}); err != nil {
		panic(err)
	}
}

const connectRetryDelay = 100 * time.Millisecond

// maxPendingBytes caps the partial-message accumulator. The longest
// legal rawmode message is well under 100 bytes; a peer streaming
// terminator-free bytes gets its backlog discarded instead of growing it.
const maxPendingBytes = 4096

// Socketcand speaks the line oriented ASCII protocol of a network
// attached CAN daemon over TCP.
type Socketcand struct {
	cfg  *canbus.Config
	conn net.Conn
	rd   io.ByteReader

	// pending accumulates a partially read message across Receive
	// calls so a deadline expiry never loses bytes.
	pending strings.Builder

	closeOnce sync.Once
}

func NewSocketcand(cfg *canbus.Config) (canbus.Backend, error) {
	if cfg.Addr == "" {
		return nil, &canbus.ConfigError{Reason: "socketcand requires a daemon address"}
	}
	return &Socketcand{cfg: cfg}, nil
}

func (s *Socketcand) Name() string {
	return "socketcand"
}

// Open dials the daemon, retrying until the configured connect timeout
// is spent, then performs the open/rawmode handshake before any frame
// traffic.
func (s *Socketcand) Open(ctx context.Context) error {
	dctx, cancel := context.WithTimeout(ctx, s.cfg.ConnectTimeout)
	defer cancel()

	dialer := &net.Dialer{Timeout: time.Second}
	err := retry.Do(func() error {
		conn, err := dialer.DialContext(dctx, "tcp", s.cfg.Addr)
		if err != nil {
			return err
		}
		s.conn = conn
		return nil
	},
		retry.Context(dctx),
		retry.Attempts(0),
		retry.Delay(connectRetryDelay),
		retry.DelayType(retry.FixedDelay),
		retry.LastErrorOnly(true),
	)
	if err != nil {
		if dctx.Err() != nil && ctx.Err() == nil {
			return fmt.Errorf("%w connecting to %s after %s: %v",
				canbus.ErrConnectionTimeout, s.cfg.Addr, s.cfg.ConnectTimeout, err)
		}
		return fmt.Errorf("connecting to %s: %w", s.cfg.Addr, err)
	}
	s.rd = newByteReader(s.conn)
	s.cfg.OnMessage(fmt.Sprintf("socketcand: connected to %s", s.cfg.Addr))

	if err := s.send(fmt.Sprintf("< open %d >", s.cfg.Channel)); err != nil {
		return err
	}
	return s.send("< rawmode >")
}

// Receive waits up to timeout for one complete message. A deadline
// expiry is "no frame"; a socket error is fatal, the interface is
// presumed down. Messages outside the frame grammar are logged and
// discarded.
func (s *Socketcand) Receive(timeout time.Duration) (*canbus.Frame, error) {
	if err := s.conn.SetReadDeadline(time.Now().Add(timeout)); err != nil {
		return nil, canbus.Unrecoverable(&canbus.TransportError{Op: "receive", Err: err})
	}
	for {
		b, err := s.rd.ReadByte()
		if err != nil {
			if netErr, ok := err.(net.Error); ok && netErr.Timeout() {
				return nil, nil
			}
			return nil, canbus.Unrecoverable(&canbus.TransportError{Op: "receive", Err: err})
		}
		s.pending.WriteByte(b)
		if b != '>' {
			if s.pending.Len() > maxPendingBytes {
				log.Printf("socketcand: discarding %d bytes without a message terminator", s.pending.Len())
				s.pending.Reset()
			}
			continue
		}
		msg := strings.TrimSpace(s.pending.String())
		s.pending.Reset()
		f, err := decodeFrameMessage(msg)
		if err != nil {
			log.Printf("socketcand: could not parse message: %v", err)
			return nil, nil
		}
		return f, nil
	}
}

func (s *Socketcand) Transmit(f *canbus.Frame) error {
	return s.send(encodeSendMessage(f))
}

func (s *Socketcand) send(msg string) error {
	if _, err := io.WriteString(s.conn, msg); err != nil {
		return canbus.Unrecoverable(&canbus.TransportError{Op: "transmit", Err: err})
	}
	return nil
}

func (s *Socketcand) Close() error {
	var err error
	s.closeOnce.Do(func() {
		if s.conn != nil {
			err = s.conn.Close()
		}
	})
	return err
}

type byteReader struct {
	conn net.Conn
	buf  [1]byte
}

// newByteReader reads one byte at a time straight off the socket.
// Deliberately unbuffered: a deadline expiry mid-message must leave
// unread bytes on the socket, not stranded in a buffer.
func newByteReader(conn net.Conn) io.ByteReader {
	return &byteReader{conn: conn}
}

func (r *byteReader) ReadByte() (byte, error) {
	if _, err := io.ReadFull(r.conn, r.buf[:]); err != nil {
		return 0, err
	}
	return r.buf[0], nil
}
