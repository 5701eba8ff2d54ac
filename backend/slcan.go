package backend

import (
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"log"
	"strconv"
	"sync"
	"time"

	"github.com/albenik/bcd"
	"github.com/dynaman/canbus"
	"go.bug.st/serial"
)

func init() {
	if err := Register(&Info{
		Name:        "slcan",
		Description: "Lawicel SLCAN compatible serial adapter",
		New:         NewSLCAN,
	}); err != nil {
		panic(err)
	}
}

const statusPollInterval = 700 * time.Millisecond

// SLCAN drives a Lawicel style serial CAN adapter with the single
// letter ASCII command protocol.
type SLCAN struct {
	cfg     *canbus.Config
	port    serial.Port
	canRate string

	opened     time.Time
	pending    []byte
	lastStatus time.Time

	closeOnce sync.Once
}

func NewSLCAN(cfg *canbus.Config) (canbus.Backend, error) {
	cfg.ApplyDefaults()
	if cfg.Port == "" {
		return nil, &canbus.ConfigError{Reason: "slcan requires a serial port"}
	}
	s := &SLCAN{cfg: cfg}
	if err := s.setCANRate(cfg.BitRate); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *SLCAN) Name() string {
	return "slcan " + s.cfg.Port
}

func (s *SLCAN) setCANRate(rate float64) error {
	switch rate {
	case 10:
		s.canRate = "S0"
	case 20:
		s.canRate = "S1"
	case 50:
		s.canRate = "S2"
	case 100:
		s.canRate = "S3"
	case 125:
		s.canRate = "S4"
	case 250:
		s.canRate = "S5"
	case 500:
		s.canRate = "S6"
	case 800:
		s.canRate = "S7"
	case 1000:
		s.canRate = "S8"
	default:
		return &canbus.InvalidParameterError{
			Param:  "bitrate",
			Value:  rate,
			Reason: "no S-code for this rate",
		}
	}
	return nil
}

func (s *SLCAN) Open(ctx context.Context) error {
	mode := &serial.Mode{
		BaudRate: s.cfg.PortBaudrate,
		Parity:   serial.NoParity,
		DataBits: 8,
		StopBits: serial.OneStopBit,
	}
	p, err := serial.Open(s.cfg.Port, mode)
	if err != nil {
		return &canbus.ConfigError{
			Reason: fmt.Sprintf("failed to open com port %q", s.cfg.Port),
			Err:    err,
		}
	}
	s.port = p
	s.opened = time.Now()
	s.lastStatus = s.opened

	var cmds = []string{
		"\r", "\r", "\r", "\r", // Empty buffer
		"V",       // Adapter version
		"N",       // Adapter serial number
		"Z0",      // Time stamps off
		s.canRate, // CAN bit-rate
		"O",       // Open the CAN channel
	}
	for _, c := range cmds {
		if _, err := p.Write([]byte(c + "\r")); err != nil {
			p.Close()
			return err
		}
	}
	return nil
}

func (s *SLCAN) Receive(timeout time.Duration) (*canbus.Frame, error) {
	if f := s.nextPending(); f != nil {
		return f, nil
	}
	if time.Since(s.lastStatus) > statusPollInterval {
		s.lastStatus = time.Now()
		if _, err := s.port.Write([]byte("F\r")); err != nil {
			return nil, canbus.Unrecoverable(&canbus.TransportError{Op: "status poll", Err: err})
		}
	}
	if err := s.port.SetReadTimeout(timeout); err != nil {
		return nil, canbus.Unrecoverable(&canbus.TransportError{Op: "receive", Err: err})
	}
	buf := make([]byte, 64)
	n, err := s.port.Read(buf)
	if err != nil {
		return nil, canbus.Unrecoverable(&canbus.TransportError{Op: "receive", Err: err})
	}
	if n == 0 {
		return nil, nil
	}
	s.pending = append(s.pending, buf[:n]...)
	return s.nextPending(), nil
}

// nextPending consumes complete lines out of the pending buffer until a
// frame shows up or the buffer has no full line left. Non-frame replies
// (acks, version strings) are skipped; a status reply that decodes to
// an adapter error is logged and skipped.
func (s *SLCAN) nextPending() *canbus.Frame {
	for {
		idx := -1
		for i, b := range s.pending {
			if b == '\r' || b == '\a' {
				idx = i
				break
			}
		}
		if idx < 0 {
			return nil
		}
		line := string(s.pending[:idx])
		s.pending = s.pending[idx+1:]
		if line == "" {
			continue
		}
		switch line[0] {
		case 't', 'T', 'r', 'R':
			f, err := s.decodeFrame(line)
			if err != nil {
				log.Printf("slcan: could not parse %q: %v", line, err)
				continue
			}
			return f
		case 'F':
			if err := checkStatus([]byte(line)); err != nil {
				log.Printf("slcan: adapter status: %v", err)
			}
		default:
			// Command acks and version/serial replies.
		}
	}
}

func (s *SLCAN) decodeFrame(line string) (*canbus.Frame, error) {
	extended := line[0] == 'T' || line[0] == 'R'
	remote := line[0] == 'r' || line[0] == 'R'
	idLen := 3
	if extended {
		idLen = 8
	}
	if len(line) < 1+idLen+1 {
		return nil, errors.New("line too short")
	}
	id, err := strconv.ParseUint(line[1:1+idLen], 16, 32)
	if err != nil {
		return nil, err
	}
	dlc, err := strconv.Atoi(line[1+idLen : 1+idLen+1])
	if err != nil {
		return nil, err
	}
	opts := []canbus.FrameOption{canbus.WithTimestamp(time.Since(s.opened).Seconds())}
	if extended {
		opts = append(opts, canbus.Extended())
	}
	if remote {
		return canbus.NewFrame(uint32(id), nil, append(opts, canbus.Remote(dlc))...)
	}
	hexData := line[1+idLen+1:]
	if len(hexData) != dlc*2 {
		return nil, fmt.Errorf("payload length %d does not match DLC %d", len(hexData)/2, dlc)
	}
	data, err := hex.DecodeString(hexData)
	if err != nil {
		return nil, err
	}
	return canbus.NewFrame(uint32(id), data, opts...)
}

func (s *SLCAN) Transmit(f *canbus.Frame) error {
	var sb []byte
	switch {
	case f.IsRemote() && f.IsExtended():
		sb = fmt.Appendf(sb, "R%08X%d", f.ID, f.DLC)
	case f.IsRemote():
		sb = fmt.Appendf(sb, "r%03X%d", f.ID, f.DLC)
	case f.IsExtended():
		sb = fmt.Appendf(sb, "T%08X%d", f.ID, f.DLC)
	default:
		sb = fmt.Appendf(sb, "t%03X%d", f.ID, f.DLC)
	}
	if !f.IsRemote() {
		for _, b := range f.Data {
			sb = fmt.Appendf(sb, "%02X", b)
		}
	}
	sb = append(sb, '\r')
	if _, err := s.port.Write(sb); err != nil {
		return canbus.Unrecoverable(&canbus.TransportError{Op: "transmit", Err: err})
	}
	return nil
}

func (s *SLCAN) Close() error {
	var err error
	s.closeOnce.Do(func() {
		if s.port == nil {
			return
		}
		s.port.Write([]byte("C\r")) // close the CAN channel
		err = s.port.Close()
	})
	return err
}

/*
Adapter status bits, SJA1000 style:
Bit 0 CAN receive FIFO queue full
Bit 1 CAN transmit FIFO queue full
Bit 2 Error warning (EI)
Bit 3 Data Overrun (DOI)
Bit 5 Error Passive (EPI)
Bit 6 Arbitration Lost (ALI)
Bit 7 Bus Error (BEI)
*/
func checkStatus(b []byte) error {
	if len(b) < 3 {
		return nil
	}
	bs := int(bcd.ToUint16(b[1:3]))
	switch true {
	case checkBitSet(bs, 1):
		return errors.New("CAN receive FIFO queue full")
	case checkBitSet(bs, 2):
		return errors.New("CAN transmit FIFO queue full")
	case checkBitSet(bs, 3):
		return errors.New("error warning (EI)")
	case checkBitSet(bs, 4):
		return errors.New("data overrun (DOI)")
	case checkBitSet(bs, 6):
		return errors.New("error passive (EPI)")
	case checkBitSet(bs, 7):
		return errors.New("arbitration lost (ALI)")
	case checkBitSet(bs, 8):
		return errors.New("bus error (BEI)")
	}
	return nil
}

func checkBitSet(n, k int) bool {
	v := n & (1 << (k - 1))
	return v == 1
}
