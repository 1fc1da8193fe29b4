package instrument

import (
	"fmt"
	"math"
	"time"

	"github.com/shaunagostinho/raman-dash/internal/errs"
	"github.com/shaunagostinho/raman-dash/internal/protocol"
)

// Scan modes for the start-scan command.
const (
	ModeNormal        byte = 0x00
	ModeHighPrecision byte = 0x01
)

const simSettle = 1000 * time.Millisecond

// ReadSignal captures one signal frame with the laser at its configured
// power.
func (s *State) ReadSignal(mode byte) ([]float64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.requireLocked(); err != nil {
		return nil, err
	}
	return s.chunkedLocked(func() ([]float64, error) { return s.signalLocked(mode) })
}

// ReadDark captures one frame with the laser off.
func (s *State) ReadDark() ([]float64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.requireLocked(); err != nil {
		return nil, err
	}
	return s.chunkedLocked(s.darkLocked)
}

// ReadAccumulated averages n cycles. With subtractDark every cycle reads a
// dark frame before the signal frame and subtracts it. Any failure fails
// the whole read.
func (s *State) ReadAccumulated(n int, subtractDark bool) ([]float64, error) {
	sig, dark, err := s.ReadAccumulatedFrames(n, subtractDark)
	if err != nil {
		return nil, err
	}
	if dark != nil {
		for j := range sig {
			sig[j] -= dark[j]
		}
	}
	return sig, nil
}

// ReadAccumulatedFrames is ReadAccumulated with the averaged signal and dark
// frames returned separately. dark is nil unless withDark is set.
func (s *State) ReadAccumulatedFrames(n int, withDark bool) (signal, dark []float64, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.requireLocked(); err != nil {
		return nil, nil, err
	}
	if n < 1 {
		return nil, nil, fmt.Errorf("instrument: accumulations must be at least 1 but got %d: %w", n, errs.ErrInvalidArgument)
	}

	sigSum := make([]float64, s.pixelCount)
	var darkSum []float64
	if withDark {
		darkSum = make([]float64, s.pixelCount)
	}
	for i := 0; i < n; i++ {
		if withDark {
			d, err := s.chunkedLocked(s.darkLocked)
			if err != nil {
				zero(sigSum)
				zero(darkSum)
				return nil, nil, err
			}
			add(darkSum, d)
		}
		sig, err := s.chunkedLocked(func() ([]float64, error) { return s.signalLocked(ModeHighPrecision) })
		if err != nil {
			zero(sigSum)
			zero(darkSum)
			return nil, nil, err
		}
		add(sigSum, sig)
	}
	scale(sigSum, n)
	scale(darkSum, n)
	return sigSum, darkSum, nil
}

// chunkedLocked runs read once, or, when the exposure exceeds the module
// ceiling, once per chunk with its own exposure command, and averages the
// chunk frames.
func (s *State) chunkedLocked(read func() ([]float64, error)) ([]float64, error) {
	chunks := exposureChunks(s.params.ExposureMs)
	if s.simulated() || len(chunks) == 1 {
		return read()
	}

	s.log.Debugf("exposure %d ms split into %v", s.params.ExposureMs, chunks)
	sum := make([]float64, s.pixelCount)
	for _, ms := range chunks {
		if err := s.writeExposureLocked(ms); err != nil {
			zero(sum)
			return nil, err
		}
		frame, err := read()
		if err != nil {
			zero(sum)
			return nil, err
		}
		add(sum, frame)
	}
	scale(sum, len(chunks))
	return sum, nil
}

// exposureChunks splits ms into floor(ms/ceiling) chunks at the ceiling plus
// a final chunk of ms%ceiling+ceiling. Exposures at or below the ceiling
// are a single chunk.
func exposureChunks(ms int) []int {
	if ms <= ExposureCeilingMs {
		return []int{ms}
	}
	n := ms / ExposureCeilingMs
	chunks := make([]int, 0, n+1)
	for i := 0; i < n; i++ {
		chunks = append(chunks, ExposureCeilingMs)
	}
	return append(chunks, ms%ExposureCeilingMs+ExposureCeilingMs)
}

func (s *State) signalLocked(mode byte) ([]float64, error) {
	if s.simulated() {
		return s.simFrameLocked(), nil
	}
	if err := s.writeLaserLocked(s.params.LaserPower); err != nil {
		return nil, err
	}
	if _, err := s.send(protocol.CmdStartScan, []byte{mode, 0x01}); err != nil {
		return nil, fmt.Errorf("instrument: start scan: %w", err)
	}
	return s.readCCDLocked()
}

func (s *State) darkLocked() ([]float64, error) {
	if s.simulated() {
		return s.simFrameLocked(), nil
	}
	if err := s.writeLaserLocked(0); err != nil {
		return nil, err
	}
	if _, err := s.send(protocol.CmdReadDarkCCD, nil); err != nil {
		return nil, fmt.Errorf("instrument: dark scan: %w", err)
	}
	return s.readCCDLocked()
}

func (s *State) readCCDLocked() ([]float64, error) {
	r, err := s.send(protocol.CmdReadCCD, []byte{0x00})
	if err != nil {
		return nil, fmt.Errorf("instrument: read ccd: %w", err)
	}
	if got, want := len(r.Data), 2*s.pixelCount; got != want {
		s.log.Debugf("ccd reply has %d bytes for %d pixels (want %d); frame padded or truncated", got, s.pixelCount, want)
	}
	return protocol.Samples(r.Data, s.pixelCount), nil
}

// simFrameLocked synthesizes a frame in [0,1000) after the settle delay.
func (s *State) simFrameLocked() []float64 {
	s.opts.Sleep(simSettle)
	out := make([]float64, s.pixelCount)
	for i := range out {
		out[i] = math.Round(s.opts.Rand.Float64()*1000*100) / 100
	}
	return out
}

func add(sum, frame []float64) {
	for j := range sum {
		sum[j] += frame[j]
	}
}

func scale(sum []float64, n int) {
	for j := range sum {
		sum[j] /= float64(n)
	}
}

func zero(b []float64) {
	for i := range b {
		b[i] = 0
	}
}
