package transport

import (
	"fmt"
	"time"

	"github.com/sirupsen/logrus"
	"go.bug.st/serial"

	"github.com/shaunagostinho/raman-dash/internal/errs"
)

// Port is the synchronous byte stream the exchange layer talks through.
type Port interface {
	// Write sends all of p or returns an error.
	Write(p []byte) (int, error)
	// ReadAvailable returns whatever bytes have arrived since the last call,
	// possibly none. It never waits longer than the configured read timeout.
	ReadAvailable() ([]byte, error)
	// Close releases the underlying device.
	Close() error
}

// Config holds the line settings used when opening a spectrometer port.
type Config struct {
	BaudRate    int           `yaml:"baud_rate" json:"baudRate"`
	ReadTimeout time.Duration `yaml:"read_timeout" json:"readTimeout"` // hard cap on one ReadAvailable
	PollTimeout time.Duration `yaml:"poll_timeout" json:"pollTimeout"` // silence that ends a drain
}

const (
	defaultBaudRate    = 115200
	defaultReadTimeout = 5 * time.Second
	defaultPollTimeout = 20 * time.Millisecond
	readChunk          = 4096
)

// SerialPort implements Port on top of go.bug.st/serial.
type SerialPort struct {
	path        string
	port        serial.Port
	readTimeout time.Duration
	log         logrus.FieldLogger
}

// Open opens path at 8N1 with the given baud rate and clears any stale
// bytes left in the driver buffers.
func Open(path string, cfg Config, log logrus.FieldLogger) (*SerialPort, error) {
	if cfg.BaudRate == 0 {
		cfg.BaudRate = defaultBaudRate
	}
	if cfg.ReadTimeout == 0 {
		cfg.ReadTimeout = defaultReadTimeout
	}
	if cfg.PollTimeout == 0 {
		cfg.PollTimeout = defaultPollTimeout
	}
	if log == nil {
		log = logrus.StandardLogger()
	}
	log = log.WithField("component", "serial")

	mode := &serial.Mode{
		BaudRate: cfg.BaudRate,
		DataBits: 8,
		Parity:   serial.NoParity,
		StopBits: serial.OneStopBit,
	}
	port, err := serial.Open(path, mode)
	if err != nil {
		return nil, fmt.Errorf("serial: failed to open %s: %v: %w", path, err, errs.ErrIO)
	}
	if err := port.SetReadTimeout(cfg.PollTimeout); err != nil {
		port.Close()
		return nil, fmt.Errorf("serial: failed to set timeout: %v: %w", err, errs.ErrIO)
	}
	if err := port.ResetInputBuffer(); err != nil {
		log.Warnf("reset input buffer on %s: %v", path, err)
	}
	if err := port.ResetOutputBuffer(); err != nil {
		log.Warnf("reset output buffer on %s: %v", path, err)
	}

	log.Infof("opened %s at %d baud", path, cfg.BaudRate)
	return &SerialPort{
		path:        path,
		port:        port,
		readTimeout: cfg.ReadTimeout,
		log:         log,
	}, nil
}

func (p *SerialPort) Write(b []byte) (int, error) {
	n, err := p.port.Write(b)
	if err != nil {
		return n, fmt.Errorf("serial: write %s: %v: %w", p.path, err, errs.ErrIO)
	}
	if n != len(b) {
		return n, fmt.Errorf("serial: short write %d/%d: %w", n, len(b), errs.ErrIO)
	}
	p.log.Debugf("TX % X", b)
	return n, nil
}

// ReadAvailable drains the port until a read returns nothing within the
// poll timeout, or the hard read timeout elapses.
func (p *SerialPort) ReadAvailable() ([]byte, error) {
	var out []byte
	buf := make([]byte, readChunk)
	deadline := time.Now().Add(p.readTimeout)

	for time.Now().Before(deadline) {
		n, err := p.port.Read(buf)
		if err != nil {
			return out, fmt.Errorf("serial: read %s: %v: %w", p.path, err, errs.ErrIO)
		}
		if n == 0 {
			break
		}
		out = append(out, buf[:n]...)
	}
	if len(out) > 0 {
		p.log.Debugf("RX % X", out)
	}
	return out, nil
}

func (p *SerialPort) Close() error {
	if err := p.port.Close(); err != nil {
		return fmt.Errorf("serial: close %s: %v: %w", p.path, err, errs.ErrIO)
	}
	p.log.Infof("closed %s", p.path)
	return nil
}
