package audio

import "math"

// Resample converts mono samples from fromRate to toRate using linear
// interpolation. When the rates match (or either is not positive) the input
// slice is returned as is. Output length is round(len * toRate / fromRate);
// positions past the last input sample clamp to it. No anti-aliasing is
// applied.
func Resample(samples []float32, fromRate, toRate int) []float32 {
	if fromRate <= 0 || toRate <= 0 || fromRate == toRate {
		return samples
	}
	if len(samples) == 0 {
		return []float32{}
	}

	ratio := float64(fromRate) / float64(toRate)
	outLen := int(math.Round(float64(len(samples)) / ratio))
	out := make([]float32, outLen)
	last := len(samples) - 1

	for i := range outLen {
		pos := float64(i) * ratio
		idx := int(math.Floor(pos))
		if idx >= last {
			out[i] = samples[last]
			continue
		}
		frac := pos - float64(idx)
		out[i] = float32(float64(samples[idx])*(1-frac) + float64(samples[idx+1])*frac)
	}
	return out
}

// ResampleChunk returns c converted to toRate. The chunk is returned unchanged
// when it is already at toRate.
func ResampleChunk(c Chunk, toRate int) Chunk {
	if c.SampleRate == toRate {
		return c
	}
	out := c
	out.Samples = Resample(c.Samples, c.SampleRate, toRate)
	out.SampleRate = toRate
	return out
}
