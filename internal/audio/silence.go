package audio

import "math"

// DefaultSilenceThreshold is the RMS level, for samples normalised to
// [-1, 1], below which a chunk is treated as silence.
const DefaultSilenceThreshold = 0.01

// RMS returns the root-mean-square energy of samples. Empty input yields 0.
func RMS(samples []float32) float64 {
	if len(samples) == 0 {
		return 0
	}
	var sum float64
	for _, s := range samples {
		v := float64(s)
		sum += v * v
	}
	return math.Sqrt(sum / float64(len(samples)))
}

// IsSilent reports whether the RMS energy of samples is below threshold.
// Empty input is silent.
func IsSilent(samples []float32, threshold float64) bool {
	if len(samples) == 0 {
		return true
	}
	return RMS(samples) < threshold
}
