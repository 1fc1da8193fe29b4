package instrument

import (
	"io"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/shaunagostinho/raman-dash/internal/errs"
	"github.com/shaunagostinho/raman-dash/internal/exchange"
	"github.com/shaunagostinho/raman-dash/internal/protocol"
	"github.com/shaunagostinho/raman-dash/internal/transport"
)

func quietLogger() logrus.FieldLogger {
	l := logrus.New()
	l.SetOutput(io.Discard)
	return l
}

type request struct {
	cmd     protocol.Command
	payload []byte
}

// emulator is a byte-level stand-in for the module: it decodes every frame
// written to it and queues the framed reply for the next read.
type emulator struct {
	serial      string
	calibration []int
	temperature string
	status      map[protocol.Command]byte

	requests []request
	pending  []byte
	pixels   int
	dark     bool
	closed   bool
}

func newEmulator(serial string) *emulator {
	return &emulator{
		serial:      serial,
		calibration: []int{29, 122, 209, 407},
		temperature: "-3.5",
		status:      map[protocol.Command]byte{},
		pixels:      PixelCount(serial),
	}
}

func (e *emulator) Write(p []byte) (int, error) {
	if e.closed {
		return 0, errs.ErrIO
	}
	stripped, ok := protocol.Strip(p)
	if !ok {
		return len(p), nil
	}
	cmd := protocol.Command(stripped[2])
	payload := append([]byte(nil), stripped[3:]...)
	e.requests = append(e.requests, request{cmd, payload})

	var data []byte
	switch cmd {
	case protocol.CmdReadSerial:
		data = append([]byte(e.serial), 0x00)
	case protocol.CmdReadVersion:
		data = []byte("V1.2")
	case protocol.CmdReadCalibration:
		data = []byte{byte(len(e.calibration))}
		for _, px := range e.calibration {
			data = append(data, byte(px>>24), byte(px>>16), byte(px>>8), byte(px))
		}
	case protocol.CmdReadTEC:
		data = append([]byte(e.temperature), 0x00)
	case protocol.CmdStartScan:
		e.dark = false
	case protocol.CmdReadDarkCCD:
		e.dark = true
	case protocol.CmdReadCCD:
		for i := 0; i < e.pixels; i++ {
			v := 100 + i%50
			if e.dark {
				v = 10
			}
			data = append(data, byte(v>>8), byte(v))
		}
	}

	frame, err := protocol.Encode(cmd, append([]byte{e.status[cmd]}, data...))
	if err != nil {
		return 0, err
	}
	e.pending = append(e.pending, frame...)
	return len(p), nil
}

func (e *emulator) ReadAvailable() ([]byte, error) {
	b := e.pending
	e.pending = nil
	return b, nil
}

func (e *emulator) Close() error {
	e.closed = true
	return nil
}

// sent returns the payloads received for cmd, in order.
func (e *emulator) sent(cmd protocol.Command) [][]byte {
	var out [][]byte
	for _, r := range e.requests {
		if r.cmd == cmd {
			out = append(out, r.payload)
		}
	}
	return out
}

// newEmulatedState returns a State whose device index 1 is backed by emu
// through a real exchange.Client.
func newEmulatedState(emu *emulator) *State {
	return newLoggedEmulatedState(emu, quietLogger())
}

func newLoggedEmulatedState(emu *emulator, log logrus.FieldLogger) *State {
	return New(Options{
		Enumerator: transport.Static{{Name: "bench", Endpoint: "/dev/ttyUSB0"}},
		Logger:     log,
		Sleep:      func(time.Duration) {},
		Dial: func(Device) (Commander, error) {
			return exchange.New(emu, exchange.Config{Sleep: func(time.Duration) {}}, quietLogger()), nil
		},
	})
}

// scriptedCommander fails selected commands and records the rest.
type scriptedCommander struct {
	fail     map[protocol.Command]error
	failAt   map[protocol.Command]int // fail on the nth call (1-based) only
	calls    map[protocol.Command]int
	exposure int
	closed   bool
}

func (c *scriptedCommander) Send(cmd protocol.Command, _ []byte) (protocol.Reply, error) {
	if c.calls == nil {
		c.calls = make(map[protocol.Command]int)
	}
	c.calls[cmd]++
	if err, ok := c.fail[cmd]; ok {
		if n, ok := c.failAt[cmd]; !ok || n == c.calls[cmd] {
			return protocol.Reply{}, err
		}
	}
	return protocol.Reply{Command: cmd, Status: protocol.StatusOK}, nil
}

func (c *scriptedCommander) SetExposure(ms int) { c.exposure = ms }

func (c *scriptedCommander) Close() error {
	c.closed = true
	return nil
}

func newScriptedState(c *scriptedCommander) *State {
	return New(Options{
		Enumerator: transport.Static{{Name: "bench", Endpoint: "/dev/ttyUSB0"}},
		Logger:     quietLogger(),
		Sleep:      func(time.Duration) {},
		Dial:       func(Device) (Commander, error) { return c, nil },
	})
}
