package canbus

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/fatih/color"
)

// Frame flag bits. Extended, remote and error-frame markers are
// orthogonal; the upper byte is reserved for backend specific bits.
const (
	FlagExtended uint16 = 0x0001
	FlagRemote   uint16 = 0x0002
	FlagError    uint16 = 0x0004

	flagsKnownMask uint16 = FlagExtended | FlagRemote | FlagError | 0xFF00
)

const (
	maxStandardID uint32 = 0x7FF
	maxExtendedID uint32 = 0x1FFFFFFF
	maxDataLength        = 8
)

// Frame is a single CAN frame. Construct frames with NewFrame or
// NewExtendedFrame so the field invariants hold; a Frame built by hand
// bypasses validation.
type Frame struct {
	// ID is the arbitration identifier, 11 bits for standard frames
	// and 29 bits when FlagExtended is set.
	ID uint32
	// Data is the payload, at most 8 bytes.
	Data []byte
	// DLC is the declared data length code. Equal to len(Data) except
	// for remote frames, which carry a DLC without a payload.
	DLC int
	// Flags holds the Flag* bits plus backend specific markers.
	Flags uint16
	// Timestamp is in seconds, relative to the backend's own clock.
	Timestamp float64
}

// FrameOption mutates a frame under construction, before validation.
type FrameOption func(*Frame)

func Extended() FrameOption {
	return func(f *Frame) { f.Flags |= FlagExtended }
}

// Remote marks the frame as a remote request carrying dlc without data.
func Remote(dlc int) FrameOption {
	return func(f *Frame) {
		f.Flags |= FlagRemote
		f.DLC = dlc
	}
}

func ErrorFrame() FrameOption {
	return func(f *Frame) { f.Flags |= FlagError }
}

func WithFlags(flags uint16) FrameOption {
	return func(f *Frame) { f.Flags |= flags }
}

func WithTimestamp(ts float64) FrameOption {
	return func(f *Frame) { f.Timestamp = ts }
}

// NewFrame creates a validated CAN frame. The data slice is copied.
// Out of range fields return an *InvalidParameterError naming the
// offending field; a frame is never silently clamped.
func NewFrame(identifier uint32, data []byte, opts ...FrameOption) (*Frame, error) {
	d := make([]byte, len(data))
	copy(d, data)
	f := &Frame{
		ID:   identifier,
		Data: d,
		DLC:  len(d),
	}
	for _, opt := range opts {
		opt(f)
	}
	if err := f.validate(); err != nil {
		return nil, err
	}
	return f, nil
}

// NewExtendedFrame creates a validated 29-bit frame.
func NewExtendedFrame(identifier uint32, data []byte, opts ...FrameOption) (*Frame, error) {
	return NewFrame(identifier, data, append(opts, Extended())...)
}

func (f *Frame) validate() error {
	maxID := maxStandardID
	if f.IsExtended() {
		maxID = maxExtendedID
	}
	if f.ID > maxID {
		return &InvalidParameterError{
			Param:  "identifier",
			Value:  f.ID,
			Reason: fmt.Sprintf("must be in range [0, 0x%X]", maxID),
		}
	}
	if len(f.Data) > maxDataLength {
		return &InvalidParameterError{
			Param:  "data",
			Value:  len(f.Data),
			Reason: "payload length must be in range [0, 8]",
		}
	}
	if f.DLC < 0 || f.DLC > maxDataLength {
		return &InvalidParameterError{
			Param:  "dlc",
			Value:  f.DLC,
			Reason: "DLC must be in range [0, 8]",
		}
	}
	if !f.IsRemote() && f.DLC != len(f.Data) {
		return &InvalidParameterError{
			Param:  "dlc",
			Value:  f.DLC,
			Reason: fmt.Sprintf("DLC must equal payload length %d", len(f.Data)),
		}
	}
	if f.Flags&^flagsKnownMask != 0 {
		return &InvalidParameterError{
			Param:  "flags",
			Value:  f.Flags,
			Reason: "unknown flag bits set",
		}
	}
	if f.Timestamp < 0 {
		return &InvalidParameterError{
			Param:  "timestamp",
			Value:  f.Timestamp,
			Reason: "timestamp must not be negative",
		}
	}
	return nil
}

func (f *Frame) IsExtended() bool {
	return f.Flags&FlagExtended != 0
}

func (f *Frame) IsRemote() bool {
	return f.Flags&FlagRemote != 0
}

func (f *Frame) IsError() bool {
	return f.Flags&FlagError != 0
}

// Length returns the number of payload bytes.
func (f *Frame) Length() int {
	return len(f.Data)
}

var (
	yellow = color.New(color.FgHiBlue).SprintfFunc()
	red    = color.New(color.FgRed).SprintfFunc()
	green  = color.New(color.FgGreen).SprintfFunc()
)

func (f *Frame) String() string {
	var out strings.Builder
	out.WriteString(fmt.Sprintf("%10.4f", f.Timestamp) + " || ")
	if f.IsExtended() {
		out.WriteString(fmt.Sprintf("0x%08X", f.ID) + " || ")
	} else {
		out.WriteString(fmt.Sprintf("0x%03X", f.ID) + " || ")
	}
	out.WriteString(strconv.Itoa(f.DLC) + " || ")
	var hexView strings.Builder
	for i, b := range f.Data {
		hexView.WriteString(fmt.Sprintf("%02X", b))
		if i != len(f.Data)-1 {
			hexView.WriteString(" ")
		}
	}
	out.WriteString(fmt.Sprintf("%-23s", hexView.String()))
	out.WriteString(" || ")
	out.WriteString(onlyPrintable(f.Data))
	return out.String()
}

func (f *Frame) ColorString() string {
	var out strings.Builder
	out.WriteString(fmt.Sprintf("%10.4f", f.Timestamp) + " || ")
	if f.IsExtended() {
		out.WriteString(green("0x%08X", f.ID) + " || ")
	} else {
		out.WriteString(green("0x%03X", f.ID) + " || ")
	}
	out.WriteString(strconv.Itoa(f.DLC) + " || ")
	var hexView strings.Builder
	for i, b := range f.Data {
		hexView.WriteString(fmt.Sprintf("%02X", b))
		if i != len(f.Data)-1 {
			hexView.WriteString(" ")
		}
	}
	out.WriteString(red(fmt.Sprintf("%-23s", hexView.String())))
	out.WriteString(" || ")
	out.WriteString(yellow(onlyPrintable(f.Data)))
	return out.String()
}

func onlyPrintable(data []byte) string {
	var out strings.Builder
	for _, b := range data {
		if b < 32 || b > 127 {
			out.WriteString("·")
		} else {
			out.WriteByte(b)
		}
	}
	return out.String()
}
