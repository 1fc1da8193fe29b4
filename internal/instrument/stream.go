package instrument

import (
	"context"
	"time"
)

// Sample tags.
const (
	TagSignal    = "signal"
	TagDark      = "dark"
	TagCorrected = "corrected"
)

// Sample is one streamed frame.
type Sample struct {
	Tag      string        `json:"tag"`
	Time     time.Time     `json:"time"`
	Duration time.Duration `json:"duration"`
	Data     []float64     `json:"data"`
}

// StreamOptions shape a streamed acquisition.
type StreamOptions struct {
	Mode      byte
	WithDark  bool // emit dark and corrected samples alongside each signal
	MaxValues int  // 0 means the full pixel count
}

// Stream runs one acquisition per configured accumulation and hands each
// sample to fn. ctx is checked between cycles only; a frame read in
// progress always completes.
func (s *State) Stream(ctx context.Context, opts StreamOptions, fn func(Sample) error) error {
	s.mu.Lock()
	err := s.requireLocked()
	cycles := s.params.Accumulations
	s.mu.Unlock()
	if err != nil {
		return err
	}

	s.log.Infof("stream started: %d cycles", cycles)
	defer s.log.Infof("stream stopped")

	for i := 0; i < cycles; i++ {
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := s.streamCycle(opts, fn); err != nil {
			return err
		}
	}
	return nil
}

func (s *State) streamCycle(opts StreamOptions, fn func(Sample) error) error {
	var dark Sample
	if opts.WithDark {
		d, err := s.timed(TagDark, s.ReadDark)
		if err != nil {
			return err
		}
		dark = d
	}
	sig, err := s.timed(TagSignal, func() ([]float64, error) { return s.ReadSignal(opts.Mode) })
	if err != nil {
		return err
	}

	out := []Sample{sig}
	if opts.WithDark {
		corr := Sample{
			Tag:      TagCorrected,
			Time:     sig.Time,
			Duration: dark.Duration + sig.Duration,
			Data:     make([]float64, len(sig.Data)),
		}
		for i := range corr.Data {
			corr.Data[i] = max(sig.Data[i]-dark.Data[i], 0)
		}
		out = []Sample{dark, sig, corr}
	}
	for _, smp := range out {
		smp.Data = truncate(smp.Data, opts.MaxValues)
		if err := fn(smp); err != nil {
			return err
		}
	}
	return nil
}

func (s *State) timed(tag string, read func() ([]float64, error)) (Sample, error) {
	start := s.opts.Now()
	data, err := read()
	if err != nil {
		return Sample{}, err
	}
	return Sample{Tag: tag, Time: start, Duration: s.opts.Now().Sub(start), Data: data}, nil
}

func truncate(data []float64, n int) []float64 {
	if n > 0 && n < len(data) {
		return data[:n]
	}
	return data
}
