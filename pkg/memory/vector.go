package memory

import "math"

// VectorNorm returns the euclidean norm of vec.
func VectorNorm(vec []float32) float64 {
	if len(vec) == 0 {
		return 0
	}
	var sum float64
	for _, v := range vec {
		sum += float64(v) * float64(v)
	}
	return math.Sqrt(sum)
}

// NormalizeVector scales vec to unit length in place.
func NormalizeVector(vec []float32) {
	n := VectorNorm(vec)
	if n == 0 {
		return
	}
	inv := 1.0 / n
	for i := range vec {
		vec[i] = float32(float64(vec[i]) * inv)
	}
}

// CosineSimilarity returns the cosine of the angle between a and b, or 0 when
// either is empty, zero, or the dimensions differ.
func CosineSimilarity(a, b []float32) float64 {
	if len(a) == 0 || len(a) != len(b) {
		return 0
	}
	var dot, na, nb float64
	for i := range a {
		x, y := float64(a[i]), float64(b[i])
		dot += x * y
		na += x * x
		nb += y * y
	}
	if na == 0 || nb == 0 {
		return 0
	}
	return dot / (math.Sqrt(na) * math.Sqrt(nb))
}
