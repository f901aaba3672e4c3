package logits

import "math"

// LogSoftmax writes log(softmax(src)) into dst. dst and src may alias.
// Entries of -Inf stay -Inf. It reports false when src has no finite
// entry, in which case dst is left untouched.
func LogSoftmax(dst, src []float32) bool {
	maxv := math.Inf(-1)
	for _, v := range src {
		if f := float64(v); f > maxv {
			maxv = f
		}
	}
	if math.IsInf(maxv, 0) || math.IsNaN(maxv) {
		return false
	}
	var sum float64
	for _, v := range src {
		sum += math.Exp(float64(v) - maxv)
	}
	logZ := maxv + math.Log(sum)
	for i, v := range src {
		dst[i] = float32(float64(v) - logZ)
	}
	return true
}

// LogOf writes the natural log of a probability vector into dst. Zero
// probabilities map to -Inf. It reports false if any entry is negative.
func LogOf(dst, src []float32) bool {
	for _, v := range src {
		if v < 0 {
			return false
		}
	}
	for i, v := range src {
		dst[i] = float32(math.Log(float64(v)))
	}
	return true
}

// Anomalous reports whether a score row contains NaN or +Inf. -Inf is a
// legitimate zero-probability entry.
func Anomalous(row []float32) bool {
	for _, v := range row {
		f := float64(v)
		if math.IsNaN(f) || math.IsInf(f, 1) {
			return true
		}
	}
	return false
}

// HasFinite reports whether any entry is a finite number.
func HasFinite(row []float32) bool {
	for _, v := range row {
		f := float64(v)
		if !math.IsNaN(f) && !math.IsInf(f, 0) {
			return true
		}
	}
	return false
}
