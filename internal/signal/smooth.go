package signal

import (
	"fmt"

	"github.com/shaunagostinho/raman-dash/internal/errs"
)

// Box-car width codes.
const (
	SmoothNone   = 0
	SmoothNarrow = 1
	SmoothWide   = 2
)

var halfWindows = map[int]int{
	SmoothNone:   0,
	SmoothNarrow: 4,
	SmoothWide:   5,
}

// HalfWindow returns the half-window for a width code.
func HalfWindow(code int) (int, error) {
	h, ok := halfWindows[code]
	if !ok {
		return 0, fmt.Errorf("signal: smoothing code %d not in {0,1,2}: %w", code, errs.ErrInvalidArgument)
	}
	return h, nil
}

// BoxSmooth returns a box-car smoothed copy of data.
//
// Samples are replaced in place as the window advances, so each window sees
// the already-smoothed values to its left. The left edge divides by the
// truncated window length; the right edge window [i-h, n) divides by h+n-i.
func BoxSmooth(data []float64, code int) ([]float64, error) {
	h, err := HalfWindow(code)
	if err != nil {
		return nil, err
	}
	out := make([]float64, len(data))
	copy(out, data)
	if h == 0 {
		return out, nil
	}

	n := len(out)
	for i := 0; i < h && i < n; i++ {
		k := min(i+h+1, n)
		var sum float64
		for j := 0; j < k; j++ {
			sum += out[j]
		}
		out[i] = sum / float64(k)
	}

	width := float64(2*h + 1)
	for i := h; i < n-h; i++ {
		var sum float64
		for j := i - h; j <= i+h; j++ {
			sum += out[j]
		}
		out[i] = sum / width
	}

	for i := max(n-h, h); i < n; i++ {
		var sum float64
		for j := i - h; j < n; j++ {
			sum += out[j]
		}
		out[i] = sum / float64(h+n-i)
	}
	return out, nil
}
