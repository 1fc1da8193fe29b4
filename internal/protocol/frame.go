package protocol

import (
	"fmt"

	"github.com/shaunagostinho/raman-dash/internal/errs"
)

// Frame layout on the wire:
//
//	AA 55 | LEN_HI LEN_LO | CMD | PAYLOAD... | SUM
//
// LEN counts cmd + payload + checksum + 2, so LEN == len(payload)+4 and the
// whole frame is LEN+2 bytes. SUM is the low byte of the sum of every byte
// from LEN_HI through the end of the payload.
const (
	HeaderHi byte = 0xAA
	HeaderLo byte = 0x55

	// MaxPayload is the largest payload whose LEN still fits in 16 bits.
	MaxPayload = 0xFFFF - 4
)

// Reply status bytes. Anything other than StatusBusy is a logical success.
const (
	StatusOK      byte = 0x00
	StatusLight   byte = 0x2D
	StatusCalib   byte = 0x30
	StatusBusy    byte = 0xFF
	alertNack     byte = 0x06
	alertReserved byte = 0x04
)

// Outcome is the result of inspecting a receive buffer.
type Outcome int

const (
	// Incomplete means more bytes are needed, or the buffer is corrupt.
	Incomplete Outcome = iota
	// Success means the header matches and the declared length equals the
	// buffer length.
	Success
	// AlertAcknowledged covers short device error replies that do not match
	// their declared length but still count as "data received" so the retry
	// loop does not spin on a device-reported failure.
	AlertAcknowledged
)

func (o Outcome) String() string {
	switch o {
	case Success:
		return "success"
	case AlertAcknowledged:
		return "alert"
	default:
		return "incomplete"
	}
}

// Reply is a checksum-verified, parsed response frame.
type Reply struct {
	Command Command
	Status  byte
	Data    []byte // payload after the status byte
}

// Encode builds a complete frame for cmd carrying payload.
func Encode(cmd Command, payload []byte) ([]byte, error) {
	if len(payload) > MaxPayload {
		return nil, fmt.Errorf("protocol: payload of %d bytes exceeds %d: %w",
			len(payload), MaxPayload, errs.ErrInvalidArgument)
	}
	n := len(payload) + 4
	frame := make([]byte, 0, n+2)
	frame = append(frame, HeaderHi, HeaderLo, byte(n>>8), byte(n), byte(cmd))
	frame = append(frame, payload...)
	frame = append(frame, Checksum(frame[2:]))
	return frame, nil
}

// Checksum is the low byte of the sum of b.
func Checksum(b []byte) byte {
	var sum byte
	for _, v := range b {
		sum += v
	}
	return sum
}

// Decode classifies a receive buffer. It never mutates buf.
func Decode(buf []byte) Outcome {
	if len(buf) < 4 {
		return Incomplete
	}
	total := (int(buf[2])<<8 | int(buf[3])) + 2
	if buf[0] == HeaderHi && buf[1] == HeaderLo && total == len(buf) {
		return Success
	}
	if len(buf) > 4 && (buf[4] == alertNack || buf[4] == alertReserved) {
		return AlertAcknowledged
	}
	return Incomplete
}

// Strip verifies the trailing checksum over buf[2:len-1] and, when it
// matches, returns buf without the two header bytes and the checksum:
// [LEN_HI, LEN_LO, CMD, PAYLOAD...].
func Strip(buf []byte) ([]byte, bool) {
	if len(buf) < 3 {
		return nil, false
	}
	last := len(buf) - 1
	if Checksum(buf[2:last]) != buf[last] {
		return nil, false
	}
	out := make([]byte, last-2)
	copy(out, buf[2:last])
	return out, true
}

// ParseReply splits a stripped frame into command, status and data.
// A declared length that cannot hold cmd+status is a fatal protocol error.
func ParseReply(stripped []byte) (Reply, error) {
	if len(stripped) < 2 {
		return Reply{}, fmt.Errorf("protocol: reply of %d bytes has no length: %w",
			len(stripped), errs.ErrProtocol)
	}
	n := (int(stripped[0])<<8 + int(stripped[1])) - 2
	if n < 3 || len(stripped) < 4 {
		return Reply{}, fmt.Errorf("protocol: declared reply length %d too short: %w",
			n, errs.ErrProtocol)
	}
	return Reply{
		Command: Command(stripped[2]),
		Status:  stripped[3],
		Data:    stripped[4:],
	}, nil
}

// Samples decodes big-endian 16-bit pairs into a frame of pixelCount samples.
// Missing pixels stay zero; surplus bytes are ignored.
func Samples(data []byte, pixelCount int) []float64 {
	out := make([]float64, pixelCount)
	for i := 0; i+1 < len(data) && i/2 < pixelCount; i += 2 {
		out[i/2] = float64(int(data[i])*256 + int(data[i+1]))
	}
	return out
}

// U16 encodes v as two big-endian bytes.
func U16(v int) []byte {
	return []byte{byte(v >> 8), byte(v)}
}

// SignMagnitude encodes a small signed value as [sign, |v|], sign 0xFF for
// negatives and 0x00 otherwise.
func SignMagnitude(v int) []byte {
	if v < 0 {
		return []byte{0xFF, byte(-v)}
	}
	return []byte{0x00, byte(v)}
}
