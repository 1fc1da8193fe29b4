package instrument

import (
	"fmt"
	"strconv"

	"github.com/shaunagostinho/raman-dash/internal/errs"
	"github.com/shaunagostinho/raman-dash/internal/protocol"
)

// Parameter ranges.
const (
	MaxLaserPower = 350 // exclusive
	MinExposureMs = 1000
	MinCoolingC   = -5 // exclusive
	MaxCoolingC   = 25 // exclusive

	// ExposureCeilingMs is the longest exposure the module timer accepts in
	// one shot. Longer exposures are split into chunks at read time.
	ExposureCeilingMs = 65000
)

// SetLaser sets the laser drive current. A device failure resets it to 0.
func (s *State) SetLaser(power int) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.requireLocked(); err != nil {
		return err
	}
	if power < 0 || power >= MaxLaserPower {
		return fmt.Errorf("instrument: laser power must be in [0,%d) but got %d: %w",
			MaxLaserPower, power, errs.ErrInvalidArgument)
	}
	s.params.LaserPower = power
	s.log.Infof("set laser = %d", power)
	if s.simulated() {
		return nil
	}
	if err := s.writeLaserLocked(power); err != nil {
		s.params.LaserPower = 0
		return err
	}
	return nil
}

func (s *State) writeLaserLocked(power int) error {
	if _, err := s.send(protocol.CmdWriteLaser, protocol.U16(power)); err != nil {
		return fmt.Errorf("instrument: set laser %d: %w", power, err)
	}
	return nil
}

// SetExposure sets the integration time. Values above ExposureCeilingMs are
// kept locally and applied per chunk during acquisition. A device failure
// resets the exposure to MinExposureMs.
func (s *State) SetExposure(ms int) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.requireLocked(); err != nil {
		return err
	}
	if ms < MinExposureMs {
		return fmt.Errorf("instrument: exposure must be at least %d ms but got %d: %w",
			MinExposureMs, ms, errs.ErrInvalidArgument)
	}
	s.params.ExposureMs = ms
	s.log.Infof("set exposure = %d ms", ms)
	if s.simulated() || ms > ExposureCeilingMs {
		return nil
	}
	if err := s.writeExposureLocked(ms); err != nil {
		s.params.ExposureMs = MinExposureMs
		if s.conn != nil {
			s.conn.SetExposure(MinExposureMs)
		}
		return err
	}
	return nil
}

// writeExposureLocked programs the module timer and, once acknowledged,
// moves the exchange timeout baseline.
func (s *State) writeExposureLocked(ms int) error {
	if ms > 0xFFFF {
		s.log.Warnf("exposure %d ms exceeds the module timer; sending %d ms", ms, 0xFFFF)
		ms = 0xFFFF
	}
	if _, err := s.send(protocol.CmdWriteExposure, protocol.U16(ms)); err != nil {
		return fmt.Errorf("instrument: set exposure %d: %w", ms, err)
	}
	s.conn.SetExposure(ms)
	return nil
}

// SetAccumulations sets how many cycles one acquisition averages.
func (s *State) SetAccumulations(n int) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.requireLocked(); err != nil {
		return err
	}
	if n < 1 {
		return fmt.Errorf("instrument: accumulations must be at least 1 but got %d: %w", n, errs.ErrInvalidArgument)
	}
	s.params.Accumulations = n
	s.log.Infof("set accumulations = %d", n)
	return nil
}

// SetCooling sets the TEC target in °C. A device failure resets it to 0.
func (s *State) SetCooling(c int) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.requireLocked(); err != nil {
		return err
	}
	if c <= MinCoolingC || c >= MaxCoolingC {
		return fmt.Errorf("instrument: cooling target must be in (%d,%d) but got %d: %w",
			MinCoolingC, MaxCoolingC, c, errs.ErrInvalidArgument)
	}
	s.params.CoolingC = c
	s.log.Infof("set cooling = %d", c)
	if s.simulated() {
		return nil
	}
	if _, err := s.send(protocol.CmdWriteTEC, protocol.SignMagnitude(c)); err != nil {
		s.params.CoolingC = 0
		return fmt.Errorf("instrument: set cooling %d: %w", c, err)
	}
	return nil
}

// Cooling reads the current TEC temperature in °C.
func (s *State) Cooling() (float64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.requireLocked(); err != nil {
		return 0, err
	}
	if s.simulated() {
		return float64(s.params.CoolingC), nil
	}
	r, err := s.send(protocol.CmdReadTEC, []byte{0x00})
	if err != nil {
		return 0, fmt.Errorf("instrument: read cooling: %w", err)
	}
	text := ascii(r.Data)
	v, err := strconv.ParseFloat(text, 64)
	if err != nil {
		return 0, fmt.Errorf("instrument: temperature %q is not a number: %w", text, errs.ErrInternal)
	}
	return v, nil
}

// SetParameters applies laser power, exposure and accumulations in that
// order, stopping at the first failure.
func (s *State) SetParameters(p Parameters) error {
	if err := s.SetLaser(p.LaserPower); err != nil {
		return err
	}
	if err := s.SetExposure(p.ExposureMs); err != nil {
		return err
	}
	return s.SetAccumulations(p.Accumulations)
}
