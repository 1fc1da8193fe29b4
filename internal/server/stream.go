package server

import (
	"context"
	"fmt"
	"time"

	"github.com/shaunagostinho/raman-dash/internal/errs"
	"github.com/shaunagostinho/raman-dash/internal/instrument"
	"github.com/shaunagostinho/raman-dash/internal/recorder"
	"github.com/shaunagostinho/raman-dash/internal/spectrum"
)

func scanMode(mode string) byte {
	if mode == "normal" {
		return instrument.ModeNormal
	}
	return instrument.ModeHighPrecision
}

// startStream launches the stream loop. It is a no-op while one is running.
func (s *Server) startStream() error {
	s.streamMu.Lock()
	defer s.streamMu.Unlock()

	if s.streamCancel != nil {
		return nil
	}
	if !s.inst.Status().Connected {
		return fmt.Errorf("server: start stream: %w", errs.ErrNotConnected)
	}
	ctx, cancel := context.WithCancel(s.ctx)
	done := make(chan struct{})
	s.streamCancel, s.streamDone = cancel, done
	go s.streamLoop(ctx, done)
	return nil
}

// stopStream cancels the stream loop and waits for the frame read in
// progress to finish.
func (s *Server) stopStream() {
	s.streamMu.Lock()
	cancel, done := s.streamCancel, s.streamDone
	s.streamCancel, s.streamDone = nil, nil
	s.streamMu.Unlock()

	if cancel == nil {
		return
	}
	cancel()
	<-done
}

func (s *Server) streaming() bool {
	s.streamMu.Lock()
	defer s.streamMu.Unlock()
	return s.streamCancel != nil
}

// streamLoop repeats instrument.Stream until cancelled or a read fails.
func (s *Server) streamLoop(ctx context.Context, done chan struct{}) {
	defer close(done)
	defer func() {
		s.streamMu.Lock()
		if s.streamDone == done {
			s.streamCancel()
			s.streamCancel, s.streamDone = nil, nil
		}
		s.streamMu.Unlock()
	}()

	s.log.Infof("stream loop started")
	for {
		acq, proc, st := s.cfg.Runtime()
		opts := instrument.StreamOptions{
			Mode:      scanMode(acq.Mode),
			WithDark:  acq.StreamDark,
			MaxValues: st.MaxValues,
		}
		var dark []float64
		err := s.inst.Stream(ctx, opts, func(smp instrument.Sample) error {
			if smp.Tag == instrument.TagDark {
				dark = smp.Data
			}
			s.handleSample(ctx, smp, dark, proc)
			return nil
		})
		if err != nil {
			if ctx.Err() != nil {
				s.log.Infof("stream loop stopped")
				return
			}
			s.log.Errorf("stream: %v", err)
			s.broadcast(Frame{Error: err.Error(), Stamp: time.Now().UnixMilli()})
			return
		}
	}
}

// handleSample fans one sample out to clients, metrics and Redis. Signal
// samples are also processed into a spectrum and recorded.
func (s *Server) handleSample(ctx context.Context, smp instrument.Sample, dark []float64, proc ProcessingConfig) {
	s.metrics.Samples.WithLabelValues(smp.Tag).Inc()
	if smp.Tag != instrument.TagCorrected {
		s.metrics.AcquireDuration.Observe(smp.Duration.Seconds())
	}
	s.broadcast(Frame{Sample: &smp, Stamp: time.Now().UnixMilli()})

	st := s.inst.Status()
	if s.pub != nil {
		if err := s.pub.Publish(ctx, deviceKey(st), smp); err != nil {
			s.log.Warnf("publish: %v", err)
		}
	}

	if smp.Tag != instrument.TagSignal {
		return
	}
	if dark != nil && len(dark) != len(smp.Data) {
		dark = nil
	}
	spec, err := s.process(smp.Data, dark, proc, st)
	if err != nil {
		s.log.Warnf("process: %v", err)
		return
	}
	spec.Time = smp.Time
	s.broadcast(Frame{Spectrum: spec, Stamp: time.Now().UnixMilli()})
	s.record(spec, st)
}

// process builds a spectrum and runs the configured pipeline over it.
func (s *Server) process(raw, dark []float64, proc ProcessingConfig, st instrument.Status) (*spectrum.Spectrum, error) {
	spec, err := spectrum.New(raw, dark)
	if err != nil {
		return nil, err
	}
	spec.LaserPower = st.LaserPower
	spec.ExposureMs = st.ExposureMs
	spec.Accumulations = st.Accumulations
	if st.Device != nil {
		spec.Device = st.Device.Name
	}

	p := spectrum.Pipeline{SmoothCode: proc.SmoothCode, Baseline: proc.Baseline}
	if proc.Calibrate {
		p.Model = s.inst.Calibration()
	}
	if err := p.Process(spec); err != nil {
		return nil, err
	}
	return spec, nil
}

func (s *Server) record(spec *spectrum.Spectrum, st instrument.Status) {
	acq, _, _ := s.cfg.Runtime()
	meta := recorder.Meta{
		ScanMode: acq.Mode,
		DeviceSN: st.SerialNumber,
	}
	if len(st.SerialNumber) >= 7 {
		meta.DeviceModel = st.SerialNumber[:7]
	}
	if _, err := s.recorder.Record(spec, meta); err != nil {
		s.log.Warnf("record: %v", err)
	}
}

func deviceKey(st instrument.Status) string {
	switch {
	case st.SerialNumber != "":
		return st.SerialNumber
	case st.Device != nil:
		return st.Device.Name
	default:
		return "unknown"
	}
}
