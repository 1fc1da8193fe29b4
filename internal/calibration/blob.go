package calibration

import (
	"fmt"

	"gopkg.in/yaml.v3"

	"github.com/shaunagostinho/raman-dash/internal/errs"
)

// Marshal encodes the calibration points as a YAML blob. Coefficients are
// included for inspection but are re-solved on Unmarshal.
func Marshal(m *Model) ([]byte, error) {
	return yaml.Marshal(m)
}

// Unmarshal decodes a blob written by Marshal and refits the model.
func Unmarshal(blob []byte) (*Model, error) {
	var m Model
	if err := yaml.Unmarshal(blob, &m); err != nil {
		return nil, fmt.Errorf("calibration: decode blob: %v: %w", err, errs.ErrInvalidArgument)
	}
	return Fit(m.Pixels, m.Wavenumbers)
}
