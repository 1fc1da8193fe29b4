package instrument

import (
	"fmt"
	"strings"

	"github.com/shaunagostinho/raman-dash/internal/protocol"
)

// DefaultPixelCount is used when the module model is unknown.
const DefaultPixelCount = 3648

// Identity is what the module reports about itself.
type Identity struct {
	SerialNumber string `json:"serialNumber"`
	Version      string `json:"version"`
}

// pixelCounts maps serial number model prefixes to CCD length.
var pixelCounts = []struct {
	prefix string
	pixels int
}{
	{"ATP5020", 2048},
	{"ATR3000", 2048},
	{"ATR2000", 3648},
	{"ATR8217", 512},
	{"ATP8217", 512},
	{"ATR6500", 1024},
	{"ATP6500", 1024},
}

// PixelCount resolves the CCD length from a module serial number.
func PixelCount(serial string) int {
	serial = strings.ToUpper(strings.TrimSpace(serial))
	for _, pc := range pixelCounts {
		if strings.HasPrefix(serial, pc.prefix) {
			return pc.pixels
		}
	}
	return DefaultPixelCount
}

// Identity reads the serial number and firmware version.
func (s *State) Identity() (Identity, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.requireLocked(); err != nil {
		return Identity{}, err
	}
	if s.simulated() {
		return s.identity, nil
	}
	id, err := s.identityLocked()
	if err != nil {
		return Identity{}, err
	}
	s.identity = id
	return id, nil
}

func (s *State) identityLocked() (Identity, error) {
	sn, err := s.send(protocol.CmdReadSerial, nil)
	if err != nil {
		return Identity{}, fmt.Errorf("instrument: read serial number: %w", err)
	}
	ver, err := s.send(protocol.CmdReadVersion, nil)
	if err != nil {
		return Identity{}, fmt.Errorf("instrument: read version: %w", err)
	}
	return Identity{SerialNumber: ascii(sn.Data), Version: ascii(ver.Data)}, nil
}

// ascii decodes a text reply, dropping NUL padding and whitespace.
func ascii(b []byte) string {
	return strings.Trim(string(b), "\x00 \r\n\t")
}
