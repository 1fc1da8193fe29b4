package transport

import (
	"fmt"

	"go.bug.st/serial/enumerator"
)

// Candidate is one endpoint a caller may connect to.
type Candidate struct {
	Name     string `json:"name" yaml:"name"`
	Endpoint string `json:"endpoint" yaml:"endpoint"`
}

// Enumerator lists candidate endpoints. It is injected into the instrument
// so tests and headless setups can supply a fixed list.
type Enumerator interface {
	Enumerate() ([]Candidate, error)
}

// Static is a fixed list of candidates, typically from the config file.
type Static []Candidate

func (s Static) Enumerate() ([]Candidate, error) {
	out := make([]Candidate, len(s))
	copy(out, s)
	return out, nil
}

// USBEnumerator lists the host's serial ports through the OS enumerator.
// Only USB ports are returned unless IncludeNonUSB is set.
type USBEnumerator struct {
	IncludeNonUSB bool
}

func (u USBEnumerator) Enumerate() ([]Candidate, error) {
	ports, err := enumerator.GetDetailedPortsList()
	if err != nil {
		return nil, fmt.Errorf("enumerate: %w", err)
	}
	var out []Candidate
	for _, p := range ports {
		if !p.IsUSB && !u.IncludeNonUSB {
			continue
		}
		out = append(out, Candidate{Name: describe(p), Endpoint: p.Name})
	}
	return out, nil
}

func describe(p *enumerator.PortDetails) string {
	if !p.IsUSB {
		return p.Name
	}
	name := p.Product
	if name == "" {
		name = fmt.Sprintf("USB %s:%s", p.VID, p.PID)
	}
	if p.SerialNumber != "" {
		name += " [" + p.SerialNumber + "]"
	}
	return fmt.Sprintf("%s (%s)", name, p.Name)
}

// Chain concatenates the results of several enumerators, skipping duplicate
// endpoints. An error from one source does not hide the others.
type Chain []Enumerator

func (c Chain) Enumerate() ([]Candidate, error) {
	seen := make(map[string]bool)
	var out []Candidate
	var firstErr error
	for _, e := range c {
		list, err := e.Enumerate()
		if err != nil {
			if firstErr == nil {
				firstErr = err
			}
			continue
		}
		for _, cand := range list {
			if seen[cand.Endpoint] {
				continue
			}
			seen[cand.Endpoint] = true
			out = append(out, cand)
		}
	}
	if len(out) == 0 && firstErr != nil {
		return nil, firstErr
	}
	return out, nil
}
