package instrument

import (
	"fmt"
	"strings"

	"github.com/shaunagostinho/raman-dash/internal/errs"
	"github.com/shaunagostinho/raman-dash/internal/protocol"
)

const (
	MaxLightVoltage = 25
	MaxMotorAngle   = 360
)

// Axis selects a stage motor.
type Axis string

const (
	AxisX Axis = "x"
	AxisY Axis = "y"
	AxisZ Axis = "z"
)

type axisInfo struct {
	cmd    protocol.Command
	limits [3]string // indexed by reply status 1 and 2
}

var axes = map[Axis]axisInfo{
	AxisX: {protocol.CmdMotorX, [3]string{"", "backward", "forward"}},
	AxisY: {protocol.CmdMotorY, [3]string{"", "left", "right"}},
	AxisZ: {protocol.CmdMotorZ, [3]string{"", "bottom", "top"}},
}

// ParseAxis accepts "x", "y" or "z" in any case.
func ParseAxis(s string) (Axis, error) {
	a := Axis(strings.ToLower(strings.TrimSpace(s)))
	if _, ok := axes[a]; !ok {
		return "", fmt.Errorf("instrument: unknown axis %q: %w", s, errs.ErrInvalidArgument)
	}
	return a, nil
}

// MotorResult reports the outcome of a stage move.
type MotorResult struct {
	Axis  Axis   `json:"axis"`
	Moved bool   `json:"moved"`
	Limit string `json:"limit,omitempty"` // end stop that stopped the move
}

// MoveMotor turns the stage motor on axis by angle degrees. Reverse flips
// the direction byte.
func (s *State) MoveMotor(axis Axis, reverse bool, angle int) (MotorResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.requireLocked(); err != nil {
		return MotorResult{}, err
	}
	info, ok := axes[axis]
	if !ok {
		return MotorResult{}, fmt.Errorf("instrument: unknown axis %q: %w", axis, errs.ErrInvalidArgument)
	}
	if angle < 0 || angle > MaxMotorAngle {
		return MotorResult{}, fmt.Errorf("instrument: angle must be in [0,%d] but got %d: %w",
			MaxMotorAngle, angle, errs.ErrInvalidArgument)
	}
	if s.simulated() {
		return MotorResult{Axis: axis, Moved: true}, nil
	}

	dir := byte(0x00)
	if reverse {
		dir = 0xFF
	}
	r, err := s.send(info.cmd, []byte{dir, byte(angle >> 8), byte(angle)})
	if err != nil {
		return MotorResult{}, fmt.Errorf("instrument: move %s: %w", axis, err)
	}
	res := MotorResult{Axis: axis, Moved: r.Status == protocol.StatusOK}
	if r.Status == 1 || r.Status == 2 {
		res.Limit = info.limits[r.Status]
		s.log.Warnf("motor %s reached %s limit", axis, res.Limit)
	}
	return res, nil
}

// SetMotorPower switches the stage motor driver.
func (s *State) SetMotorPower(on bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.requireLocked(); err != nil {
		return err
	}
	if s.simulated() {
		return nil
	}
	sw := byte(0x00)
	if on {
		sw = 0x01
	}
	if _, err := s.send(protocol.CmdMotorPower, []byte{sw}); err != nil {
		return fmt.Errorf("instrument: motor power: %w", err)
	}
	return nil
}

// SetLightVoltage sets the illumination lamp voltage.
func (s *State) SetLightVoltage(v int) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.requireLocked(); err != nil {
		return err
	}
	if v < 0 || v > MaxLightVoltage {
		return fmt.Errorf("instrument: light voltage must be in [0,%d] but got %d: %w",
			MaxLightVoltage, v, errs.ErrInvalidArgument)
	}
	if s.simulated() {
		return nil
	}
	if _, err := s.send(protocol.CmdLightVoltage, protocol.U16(v)); err != nil {
		return fmt.Errorf("instrument: light voltage: %w", err)
	}
	return nil
}
