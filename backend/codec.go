package backend

import (
	"encoding/hex"
	"fmt"
	"strconv"
	"strings"

	"github.com/dynaman/canbus"
)

// The socketcand rawmode grammar is angle bracketed ASCII. Outbound
// frames render the identifier and length as uppercase hex without
// padding and each payload byte as bare lowercase hex; inbound frames
// carry the identifier, a float timestamp in seconds and the payload as
// a contiguous hex string, with the DLC derived from the byte count.

const (
	framePrefix = "< frame "
	frameSuffix = " >"
)

// encodeSendMessage renders a frame as a `< send ... >` message. An
// empty payload leaves a double space before the closing bracket; the
// daemon expects that shape.
func encodeSendMessage(f *canbus.Frame) string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "< send %X %X ", f.ID, f.DLC)
	n := f.DLC
	if n > len(f.Data) {
		n = len(f.Data)
	}
	for i, b := range f.Data[:n] {
		if i > 0 {
			sb.WriteByte(' ')
		}
		sb.WriteString(strconv.FormatUint(uint64(b), 16))
	}
	sb.WriteString(" >")
	return sb.String()
}

// decodeFrameMessage parses a `< frame ... >` message. Any message not
// matching the envelope or grammar returns an error; callers treat that
// as "no frame available", never as fatal.
func decodeFrameMessage(msg string) (*canbus.Frame, error) {
	if !strings.HasPrefix(msg, framePrefix) || !strings.HasSuffix(msg, frameSuffix) {
		return nil, fmt.Errorf("not a frame message: %q", msg)
	}
	body := strings.TrimSuffix(strings.TrimPrefix(msg, framePrefix), frameSuffix)
	parts := strings.SplitN(body, " ", 3)
	if len(parts) < 3 {
		return nil, fmt.Errorf("short frame message: %q", msg)
	}
	id, err := strconv.ParseUint(parts[0], 16, 32)
	if err != nil {
		return nil, fmt.Errorf("bad identifier %q: %w", parts[0], err)
	}
	ts, err := strconv.ParseFloat(parts[1], 64)
	if err != nil {
		return nil, fmt.Errorf("bad timestamp %q: %w", parts[1], err)
	}
	data, err := hex.DecodeString(strings.ReplaceAll(parts[2], " ", ""))
	if err != nil {
		return nil, fmt.Errorf("bad payload %q: %w", parts[2], err)
	}
	opts := []canbus.FrameOption{canbus.WithTimestamp(ts)}
	if id > 0x7FF {
		opts = append(opts, canbus.Extended())
	}
	return canbus.NewFrame(uint32(id), data, opts...)
}
