package signal

const (
	baselineRounds      = 20
	baselineFirstWindow = 7
	baselineWindowStep  = 4
)

// BaselineCorrect estimates a slowly varying background by iterated moving
// averages and returns max(0, data - baseline).
//
// Each round pads the working signal by its half window, averages it, and
// lowers the baseline wherever the average undercuts it. The window starts
// at 7 samples and grows by 4 per round.
func BaselineCorrect(data []float64) []float64 {
	n := len(data)
	out := make([]float64, n)
	if n == 0 {
		return out
	}

	baseline := make([]float64, n)
	copy(baseline, data)
	working := baseline

	window := baselineFirstWindow
	for round := 0; round < baselineRounds; round++ {
		padded := pad(working, n, (window-1)/2)

		avg := make([]float64, n)
		for i := 0; i < n; i++ {
			var sum float64
			for _, v := range padded[i : i+window] {
				sum += v
			}
			avg[i] = sum / float64(window)
		}

		for i := range baseline {
			if baseline[i]-avg[i] > 0 {
				baseline[i] = avg[i]
			}
		}
		window += baselineWindowStep
		working = baseline
	}

	for i := range out {
		if d := data[i] - baseline[i]; d > 0 {
			out[i] = d
		}
	}
	return out
}

// pad grows s by one sample on each side, half times. The left side repeats
// s[0]; the right side appends whatever sits at index n-1 of the grown
// slice, which walks backwards through the tail and mirrors it.
func pad(s []float64, n, half int) []float64 {
	cur := s
	for k := 0; k < half; k++ {
		next := make([]float64, len(cur)+2)
		next[0] = cur[0]
		copy(next[1:], cur)
		next[len(next)-1] = cur[n-1]
		cur = next
	}
	return cur
}
