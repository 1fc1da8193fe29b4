package calibration

import (
	"fmt"
	"sort"

	"github.com/shaunagostinho/raman-dash/internal/errs"
	"github.com/shaunagostinho/raman-dash/internal/protocol"
)

// Commander sends one command and returns its validated reply.
// exchange.Client satisfies it.
type Commander interface {
	Send(cmd protocol.Command, payload []byte) (protocol.Reply, error)
}

// replySkip is the number of reply data bytes ahead of the pixel table.
const replySkip = 1

// ReadDevicePixels asks the module for the pixel positions of its first
// peaks calibration points. Each pixel is a 4-byte big-endian integer.
func ReadDevicePixels(c Commander, peaks int) ([]float64, error) {
	if peaks < 1 || peaks > MaxPeaks {
		return nil, fmt.Errorf("calibration: peak count %d out of range: %w", peaks, errs.ErrInvalidArgument)
	}
	r, err := c.Send(protocol.CmdReadCalibration, []byte{byte(peaks)})
	if err != nil {
		return nil, fmt.Errorf("calibration: read: %w", err)
	}
	data := r.Data
	if len(data) < replySkip+4*peaks {
		return nil, fmt.Errorf("calibration: reply carries %d bytes, want %d: %w",
			len(data), replySkip+4*peaks, errs.ErrProtocol)
	}
	data = data[replySkip:]

	pixels := make([]float64, peaks)
	for i := range pixels {
		b := data[4*i : 4*i+4]
		pixels[i] = float64(uint32(b[0])<<24 | uint32(b[1])<<16 | uint32(b[2])<<8 | uint32(b[3]))
	}
	return pixels, nil
}

// LoadPayload builds the load-calibration payload: the point count plus one
// for the zero terminator, then every pixel ascending as 4-byte big-endian,
// then four zero bytes.
func LoadPayload(pixels []int) []byte {
	sorted := append([]int(nil), pixels...)
	sort.Ints(sorted)

	peakNum := len(sorted) + 1
	buf := make([]byte, 1+4*peakNum)
	buf[0] = byte(peakNum)
	for i, p := range sorted {
		off := 1 + 4*i
		buf[off] = byte(p >> 24)
		buf[off+1] = byte(p >> 16)
		buf[off+2] = byte(p >> 8)
		buf[off+3] = byte(p)
	}
	return buf
}

// ShiftCalibrate stores the pixels an operator picked for the reference
// peaks on the module and returns a model fitted to them. Between 4 and
// len(ReferenceShifts) pixels are required.
func ShiftCalibrate(c Commander, pixels []int) (*Model, error) {
	if len(pixels) < 4 || len(pixels) > len(ReferenceShifts) {
		return nil, fmt.Errorf("calibration: %d pixels, want 4..%d: %w",
			len(pixels), len(ReferenceShifts), errs.ErrInvalidArgument)
	}
	for _, p := range pixels {
		if p < 0 {
			return nil, fmt.Errorf("calibration: negative pixel %d: %w", p, errs.ErrInvalidArgument)
		}
	}
	if _, err := c.Send(protocol.CmdLoadCalibration, LoadPayload(pixels)); err != nil {
		return nil, fmt.Errorf("calibration: load: %w", err)
	}

	sorted := append([]int(nil), pixels...)
	sort.Ints(sorted)
	px := make([]float64, len(sorted))
	for i, p := range sorted {
		px[i] = float64(p)
	}
	return Fit(px, ReferenceShifts[:len(px)])
}

// FromDevice reads the module's stored pixels for the default reference
// wavenumbers and fits a model to them.
func FromDevice(c Commander) (*Model, error) {
	pixels, err := ReadDevicePixels(c, len(DefaultWavenumbers))
	if err != nil {
		return nil, err
	}
	return Fit(pixels, DefaultWavenumbers)
}
