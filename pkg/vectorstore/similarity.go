package vectorstore

import "math"

// Score maps a cosine similarity onto [0,1] as (cos+1)/2. Rounding noise that
// would push the result outside the interval is clamped.
func Score(cosine float64) float64 {
	s := (cosine + 1) / 2
	switch {
	case math.IsNaN(s):
		return 0
	case s > 1:
		return 1
	case s < 0:
		return 0
	}
	return s
}

// ScoreFromDistance converts a pgvector cosine distance (1 - cos) to a score.
func ScoreFromDistance(distance float64) float64 {
	return Score(1 - distance)
}

// Cosine returns the cosine similarity of a and b, accumulated in float64.
// Vectors of different length or with zero magnitude have similarity 0.
func Cosine(a, b []float32) float64 {
	if len(a) != len(b) || len(a) == 0 {
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

// Unit returns v scaled to unit length in float64. It returns nil for a zero
// vector.
func Unit(v []float32) []float64 {
	n := norm(v)
	if n == 0 || math.IsNaN(n) || math.IsInf(n, 0) {
		return nil
	}
	out := make([]float64, len(v))
	for i, x := range v {
		out[i] = float64(x) / n
	}
	return out
}

// Dot returns the float64 dot product of two equal-length vectors.
func Dot(a, b []float64) float64 {
	var s float64
	for i := range a {
		s += a[i] * b[i]
	}
	return s
}

func norm(v []float32) float64 {
	var s float64
	for _, x := range v {
		f := float64(x)
		s += f * f
	}
	return math.Sqrt(s)
}
