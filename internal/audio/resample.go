package audio

// Resample converts mono samples from fromRate to toRate by linear
// interpolation between the two nearest source samples. Positions past the
// end of the input read as zero. Equal rates return the input unchanged.
//
// The output length is round(len*toRate/fromRate), rounded half up in integer
// arithmetic so the result does not depend on float rounding of the ratio.
func Resample(samples []float32, fromRate, toRate int) []float32 {
	if fromRate == toRate || fromRate <= 0 || toRate <= 0 {
		return samples
	}
	n := ResampledLen(len(samples), fromRate, toRate)
	out := make([]float32, n)
	ratio := float64(fromRate) / float64(toRate)
	for i := range out {
		pos := float64(i) * ratio
		idx := int(pos)
		frac := pos - float64(idx)
		s0 := sampleAt(samples, idx)
		s1 := sampleAt(samples, idx+1)
		out[i] = float32(s0*(1-frac) + s1*frac)
	}
	return out
}

// ResampledLen is the number of samples Resample produces for n input samples.
func ResampledLen(n, fromRate, toRate int) int {
	if fromRate == toRate || fromRate <= 0 || toRate <= 0 {
		return n
	}
	num := int64(n) * int64(toRate)
	den := int64(fromRate)
	return int((2*num + den) / (2 * den))
}

func sampleAt(samples []float32, idx int) float64 {
	if idx < 0 || idx >= len(samples) {
		return 0
	}
	return float64(samples[idx])
}

// MergeFrames concatenates captured frames in order.
func MergeFrames(frames [][]float32) []float32 {
	total := 0
	for _, f := range frames {
		total += len(f)
	}
	out := make([]float32, 0, total)
	for _, f := range frames {
		out = append(out, f...)
	}
	return out
}

// PCM16ToFloat converts PCM16 samples to floats in [-1, 1).
func PCM16ToFloat(samples []int16) []float32 {
	out := make([]float32, len(samples))
	for i, s := range samples {
		out[i] = float32(s) / 32768
	}
	return out
}
