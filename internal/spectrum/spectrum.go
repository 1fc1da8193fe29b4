// Package spectrum assembles acquired frames into processed spectra.
package spectrum

import (
	"fmt"
	"time"

	"github.com/shaunagostinho/raman-dash/internal/calibration"
	"github.com/shaunagostinho/raman-dash/internal/errs"
	"github.com/shaunagostinho/raman-dash/internal/signal"
)

// Spectrum is one acquisition with its derived series. Dark, Baseline and
// Axis are nil when not produced.
type Spectrum struct {
	Time          time.Time `json:"time"`
	Device        string    `json:"device,omitempty"`
	LaserPower    int       `json:"laserPower"`
	ExposureMs    int       `json:"exposureMs"`
	Accumulations int       `json:"accumulations"`

	Raw       []float64 `json:"raw"`
	Dark      []float64 `json:"dark,omitempty"`
	Corrected []float64 `json:"corrected"`
	Baseline  []float64 `json:"baseline,omitempty"` // corrected minus the estimated background
	Axis      []float64 `json:"axis,omitempty"`     // Raman shift per pixel, cm^-1
}

// New builds a spectrum from a raw frame and an optional dark frame.
// Corrected is raw minus dark, clamped at zero.
func New(raw, dark []float64) (*Spectrum, error) {
	if dark != nil && len(dark) != len(raw) {
		return nil, fmt.Errorf("spectrum: dark frame has %d pixels, raw has %d: %w",
			len(dark), len(raw), errs.ErrInvalidArgument)
	}
	s := &Spectrum{
		Raw:       append([]float64(nil), raw...),
		Corrected: make([]float64, len(raw)),
	}
	if dark != nil {
		s.Dark = append([]float64(nil), dark...)
	}
	for i, v := range raw {
		if dark != nil {
			v -= dark[i]
		}
		s.Corrected[i] = max(v, 0)
	}
	return s, nil
}

// Pipeline is the post-processing applied to every acquisition.
type Pipeline struct {
	SmoothCode int
	Baseline   bool
	Model      *calibration.Model
}

// Process smooths Corrected in place, then fills Baseline and Axis as
// configured.
func (p Pipeline) Process(s *Spectrum) error {
	smoothed, err := signal.BoxSmooth(s.Corrected, p.SmoothCode)
	if err != nil {
		return err
	}
	s.Corrected = smoothed
	if p.Baseline {
		s.Baseline = signal.BaselineCorrect(s.Corrected)
	}
	if p.Model != nil {
		s.Axis = p.Model.Axis(len(s.Raw))
	}
	return nil
}
