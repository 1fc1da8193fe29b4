package instrument

import (
	"errors"
	"fmt"
	"math/rand"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/shaunagostinho/raman-dash/internal/calibration"
	"github.com/shaunagostinho/raman-dash/internal/errs"
	"github.com/shaunagostinho/raman-dash/internal/exchange"
	"github.com/shaunagostinho/raman-dash/internal/protocol"
	"github.com/shaunagostinho/raman-dash/internal/transport"
)

// SimulatedName is the display name of the built-in simulation target.
const SimulatedName = "Mock"

// Commander is the command channel to a connected module.
// exchange.Client is the production implementation.
type Commander interface {
	Send(cmd protocol.Command, payload []byte) (protocol.Reply, error)
	SetExposure(ms int)
	Close() error
}

// Device is one connectable target.
type Device struct {
	Name      string `json:"name"`
	Endpoint  string `json:"endpoint"`
	Simulated bool   `json:"simulated"`
}

// Parameters are the acquisition settings held for the connected device.
type Parameters struct {
	LaserPower    int `json:"laserPower"`
	ExposureMs    int `json:"exposureMs"`
	Accumulations int `json:"accumulations"`
	CoolingC      int `json:"coolingTempC"`
}

// DefaultParameters are restored on disconnect.
func DefaultParameters() Parameters {
	return Parameters{
		LaserPower:    0,
		ExposureMs:    exchange.DefaultExposureMs,
		Accumulations: 1,
		CoolingC:      0,
	}
}

// Status is a snapshot of the session.
type Status struct {
	Connected bool    `json:"connected"`
	Device    *Device `json:"device,omitempty"`
	Parameters
	PixelCount   int    `json:"pixelCount,omitempty"`
	SerialNumber string `json:"serialNumber,omitempty"`
}

// Options wires a State to its collaborators. Only Logger is commonly set;
// the rest exist so tests can substitute the device and the clock.
type Options struct {
	Enumerator transport.Enumerator
	Transport  transport.Config
	Observer   exchange.Observer
	Logger     logrus.FieldLogger

	// Dial opens the command channel for a physical device. Defaults to
	// a serial port wrapped in an exchange.Client.
	Dial func(d Device) (Commander, error)

	// CalibrationBlob, when set, replaces the calibration read from the
	// module at connect time.
	CalibrationBlob []byte

	Sleep func(time.Duration)
	Now   func() time.Time
	Rand  *rand.Rand
}

// State is the single session with one spectrometer. Every exported method
// takes the session lock, so calls are serialized.
type State struct {
	mu   sync.Mutex
	opts Options
	log  logrus.FieldLogger

	devices []Device

	device     *Device
	conn       Commander
	params     Parameters
	pixelCount int
	identity   Identity
	model      *calibration.Model
}

// New creates a disconnected State.
func New(opts Options) *State {
	if opts.Logger == nil {
		opts.Logger = logrus.StandardLogger()
	}
	if opts.Sleep == nil {
		opts.Sleep = time.Sleep
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.Rand == nil {
		opts.Rand = rand.New(rand.NewSource(time.Now().UnixNano()))
	}
	s := &State{
		opts:       opts,
		log:        opts.Logger.WithField("component", "instrument"),
		params:     DefaultParameters(),
		pixelCount: DefaultPixelCount,
	}
	if opts.Dial == nil {
		s.opts.Dial = s.dialSerial
	}
	return s
}

func (s *State) dialSerial(d Device) (Commander, error) {
	port, err := transport.Open(d.Endpoint, s.opts.Transport, s.opts.Logger)
	if err != nil {
		return nil, err
	}
	return exchange.New(port, exchange.Config{Observer: s.opts.Observer}, s.opts.Logger), nil
}

// Devices enumerates connectable targets. The simulation target is always
// first, followed by whatever the enumerator reports. The result is kept
// for Connect.
func (s *State) Devices() ([]Device, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.enumerateLocked()
}

func (s *State) enumerateLocked() ([]Device, error) {
	list := []Device{{Name: SimulatedName, Endpoint: "mock", Simulated: true}}
	if s.opts.Enumerator != nil {
		cands, err := s.opts.Enumerator.Enumerate()
		if err != nil {
			s.log.Warnf("enumerate: %v", err)
		}
		for _, c := range cands {
			list = append(list, Device{Name: c.Name, Endpoint: c.Endpoint})
		}
	}
	s.devices = list
	out := make([]Device, len(list))
	copy(out, list)
	return out, nil
}

// Connect opens the device at index in the last enumerated list. It is a
// no-op when already connected.
func (s *State) Connect(index int) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.device != nil {
		s.log.Warnf("already connected to %s", s.device.Name)
		return nil
	}
	if s.devices == nil {
		if _, err := s.enumerateLocked(); err != nil {
			return err
		}
	}
	if index < 0 || index >= len(s.devices) {
		return fmt.Errorf("instrument: device index %d not in list of %d: %w", index, len(s.devices), errs.ErrNotFound)
	}
	d := s.devices[index]

	if d.Simulated {
		s.device = &d
		s.pixelCount = DefaultPixelCount
		s.identity = Identity{SerialNumber: "SIM-0001", Version: "sim"}
		s.model = s.injectedModel()
		s.log.Infof("connected to simulation target")
		return nil
	}

	conn, err := s.opts.Dial(d)
	if err != nil {
		return fmt.Errorf("instrument: connect %s: %w", d.Endpoint, err)
	}
	s.device = &d
	s.conn = conn
	s.log.Infof("connected to %s (%s)", d.Name, d.Endpoint)

	if err := s.negotiateLocked(); err != nil {
		return err
	}
	return nil
}

// negotiateLocked reads the module identity and calibration. Failures other
// than a broken transport fall back to defaults.
func (s *State) negotiateLocked() error {
	id, err := s.identityLocked()
	switch {
	case errors.Is(err, errs.ErrIO):
		return fmt.Errorf("instrument: identify: %w", err)
	case err != nil:
		s.log.Warnf("read serial number: %v; assuming %d pixels", err, DefaultPixelCount)
		s.pixelCount = DefaultPixelCount
	default:
		s.identity = id
		s.pixelCount = PixelCount(id.SerialNumber)
		s.log.Infof("module %s (version %s), %d pixels", id.SerialNumber, id.Version, s.pixelCount)
	}

	if s.opts.CalibrationBlob != nil {
		s.model = s.injectedModel()
		return nil
	}
	m, err := calibration.FromDevice(commandFunc(s.send))
	switch {
	case errors.Is(err, errs.ErrIO):
		return fmt.Errorf("instrument: read calibration: %w", err)
	case err != nil:
		s.log.Warnf("read calibration: %v; using factory defaults", err)
		s.model = calibration.Default()
	default:
		s.model = m
	}
	return nil
}

func (s *State) injectedModel() *calibration.Model {
	if s.opts.CalibrationBlob == nil {
		return calibration.Default()
	}
	m, err := calibration.Unmarshal(s.opts.CalibrationBlob)
	if err != nil {
		s.log.Warnf("calibration blob: %v; using factory defaults", err)
		return calibration.Default()
	}
	return m
}

// Disconnect closes the device and restores default parameters. It is a
// no-op when already disconnected.
func (s *State) Disconnect() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.device == nil {
		s.log.Warnf("already disconnected")
		return nil
	}
	s.dropLocked()
	s.log.Infof("disconnected")
	return nil
}

// dropLocked forces the Disconnected state. Close errors are logged only.
func (s *State) dropLocked() {
	if s.conn != nil {
		if err := s.conn.Close(); err != nil {
			s.log.Warnf("close: %v", err)
		}
	}
	s.conn = nil
	s.device = nil
	s.params = DefaultParameters()
	s.pixelCount = DefaultPixelCount
	s.identity = Identity{}
	s.model = nil
}

// Status returns the connection and parameter snapshot.
func (s *State) Status() Status {
	s.mu.Lock()
	defer s.mu.Unlock()

	st := Status{Parameters: s.params}
	if s.device != nil {
		d := *s.device
		st.Connected = true
		st.Device = &d
		st.PixelCount = s.pixelCount
		st.SerialNumber = s.identity.SerialNumber
	}
	return st
}

// Calibration returns a copy of the active calibration model, or nil when
// disconnected.
func (s *State) Calibration() *calibration.Model {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.model == nil {
		return nil
	}
	m := *s.model
	return &m
}

// ShiftCalibrate stores operator-picked reference peak pixels on the module
// and makes the fitted model active.
func (s *State) ShiftCalibrate(pixels []int) (*calibration.Model, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.requireLocked(); err != nil {
		return nil, err
	}
	var (
		m   *calibration.Model
		err error
	)
	if s.device.Simulated {
		m, err = calibration.ShiftCalibrate(commandFunc(simCommand), pixels)
	} else {
		m, err = calibration.ShiftCalibrate(commandFunc(s.send), pixels)
	}
	if err != nil {
		return nil, err
	}
	s.model = m
	s.log.Infof("shift calibration stored: pixels %v", pixels)
	out := *m
	return &out, nil
}

func (s *State) requireLocked() error {
	if s.device == nil {
		return fmt.Errorf("instrument: %w", errs.ErrNotConnected)
	}
	return nil
}

func (s *State) simulated() bool {
	return s.device != nil && s.device.Simulated
}

// send issues one command. A transport failure drops the session.
func (s *State) send(cmd protocol.Command, payload []byte) (protocol.Reply, error) {
	if s.conn == nil {
		return protocol.Reply{}, fmt.Errorf("instrument: %s: %w", cmd, errs.ErrNotConnected)
	}
	r, err := s.conn.Send(cmd, payload)
	if errors.Is(err, errs.ErrIO) {
		s.log.Errorf("%s: %v; dropping connection", cmd, err)
		s.dropLocked()
	}
	return r, err
}

// commandFunc adapts a send function to calibration.Commander.
type commandFunc func(cmd protocol.Command, payload []byte) (protocol.Reply, error)

func (f commandFunc) Send(cmd protocol.Command, payload []byte) (protocol.Reply, error) {
	return f(cmd, payload)
}

// simCommand acknowledges every command.
func simCommand(cmd protocol.Command, _ []byte) (protocol.Reply, error) {
	return protocol.Reply{Command: cmd, Status: protocol.StatusOK}, nil
}
