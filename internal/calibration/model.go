package calibration

import (
	"fmt"
	"math"

	"github.com/shaunagostinho/raman-dash/internal/errs"
)

const (
	// LaserNm is the excitation line the wavenumber axis is relative to.
	LaserNm = 785.0

	// MaxPeaks is the most calibration points the module stores.
	MaxPeaks = 8

	minShift = 100.0
	maxShift = 8000.0
)

// Factory calibration points used until the module reports its own.
var (
	DefaultPixels      = []float64{29, 122, 209, 407}
	DefaultWavenumbers = []float64{378, 918, 1374, 2252}
)

// ReferenceShifts are the Raman shifts (cm^-1) of the reference sample
// peaks an operator picks pixels for during a shift calibration.
var ReferenceShifts = []float64{378, 918, 1374, 2252, 2943}

// Model maps pixel index to wavelength with a polynomial whose degree is one
// less than the number of calibration points.
type Model struct {
	Pixels       []float64 `yaml:"pixels" json:"pixels"`
	Wavenumbers  []float64 `yaml:"wavenumbers" json:"wavenumbers"`
	Coefficients []float64 `yaml:"coefficients" json:"coefficients"`
}

// WavenumberToWavelength converts a Raman shift in cm^-1 to the scattered
// wavelength in nm.
func WavenumberToWavelength(wn float64) (float64, error) {
	den := 1e7 - LaserNm*wn
	if den == 0 {
		return 0, fmt.Errorf("calibration: shift %.2f has no wavelength: %w", wn, errs.ErrInvalidArgument)
	}
	return 1e7 * LaserNm / den, nil
}

// WavelengthToWavenumber converts a wavelength in nm to its Raman shift.
func WavelengthToWavenumber(wl float64) float64 {
	return 1e7/LaserNm - 1e7/wl
}

// Fit solves for the polynomial through (pixels[i], wavelength(wavenumbers[i])).
func Fit(pixels, wavenumbers []float64) (*Model, error) {
	n := len(pixels)
	if n == 0 || n > MaxPeaks {
		return nil, fmt.Errorf("calibration: %d points, want 1..%d: %w", n, MaxPeaks, errs.ErrInvalidArgument)
	}
	if len(wavenumbers) != n {
		return nil, fmt.Errorf("calibration: %d pixels but %d wavenumbers: %w",
			n, len(wavenumbers), errs.ErrInvalidArgument)
	}

	// Augmented Vandermonde system [A | b], A[i][j] = p_i^j.
	a := make([][]float64, n)
	for i := range a {
		a[i] = make([]float64, n+1)
		for j := 0; j < n; j++ {
			a[i][j] = math.Pow(pixels[i], float64(j))
		}
		wl, err := WavenumberToWavelength(wavenumbers[i])
		if err != nil {
			return nil, err
		}
		a[i][n] = wl
	}

	coef, err := gauss(a)
	if err != nil {
		return nil, err
	}
	return &Model{
		Pixels:       append([]float64(nil), pixels...),
		Wavenumbers:  append([]float64(nil), wavenumbers...),
		Coefficients: coef,
	}, nil
}

// Default returns the model fitted to the factory points.
func Default() *Model {
	m, err := Fit(DefaultPixels, DefaultWavenumbers)
	if err != nil {
		panic(err)
	}
	return m
}

// gauss reduces the n x (n+1) augmented matrix in place with partial
// pivoting and returns the solution by back-substitution.
func gauss(a [][]float64) ([]float64, error) {
	n := len(a)
	for k := 0; k < n; k++ {
		pivot := k
		for i := k + 1; i < n; i++ {
			if math.Abs(a[i][k]) > math.Abs(a[pivot][k]) {
				pivot = i
			}
		}
		a[k], a[pivot] = a[pivot], a[k]

		d := a[k][k]
		if d == 0 {
			return nil, fmt.Errorf("calibration: singular system (duplicate pixels?): %w", errs.ErrInvalidArgument)
		}
		for j := k; j <= n; j++ {
			a[k][j] /= d
		}
		for i := k + 1; i < n; i++ {
			f := a[i][k]
			for j := k; j <= n; j++ {
				a[i][j] -= f * a[k][j]
			}
		}
	}

	x := make([]float64, n)
	for i := n - 1; i >= 0; i-- {
		x[i] = a[i][n]
		for j := i + 1; j < n; j++ {
			x[i] -= a[i][j] * x[j]
		}
	}
	return x, nil
}

// Wavelength evaluates the fitted polynomial at pixel.
func (m *Model) Wavelength(pixel float64) float64 {
	var wl float64
	for i := len(m.Coefficients) - 1; i >= 0; i-- {
		wl = wl*pixel + m.Coefficients[i]
	}
	return wl
}

// Axis returns the Raman shift of every pixel. Pixels whose wavelength is
// below the laser line, or whose shift falls outside [100, 8000], are 0.
func (m *Model) Axis(pixelCount int) []float64 {
	axis := make([]float64, pixelCount)
	for i := range axis {
		wl := m.Wavelength(float64(i))
		if wl < LaserNm {
			continue
		}
		if wn := WavelengthToWavenumber(wl); wn >= minShift && wn <= maxShift {
			axis[i] = wn
		}
	}
	return axis
}
