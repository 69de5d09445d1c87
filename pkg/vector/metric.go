// Package vector implements the vector similarity indexes: an exact
// flat index and an HNSW graph, both maintained from committed writes
// under configured key prefixes.
package vector

import (
	"fmt"
	"math"

	"vexdb/pkg/dberrors"
)

// Metric identifies the similarity function. All kernels work on
// float32: distances are minimized, scores are maximized.
type Metric uint8

const (
	Cosine Metric = iota
	L2
	Dot
)

func MetricByName(name string) (Metric, error) {
	switch name {
	case "", "cosine":
		return Cosine, nil
	case "l2":
		return L2, nil
	case "dot":
		return Dot, nil
	}
	return 0, fmt.Errorf("%w: unknown metric %q", dberrors.ErrInvalidArgument, name)
}

func dot(a, b []float32) float32 {
	var sum float32
	for i := range a {
		sum += a[i] * b[i]
	}
	return sum
}

func squaredL2(a, b []float32) float32 {
	var sum float32
	for i := range a {
		d := a[i] - b[i]
		sum += d * d
	}
	return sum
}

func magnitude(v []float32) float32 {
	return float32(math.Sqrt(float64(dot(v, v))))
}

// Normalize scales v to unit length in place. Zero vectors are left
// untouched.
func Normalize(v []float32) {
	mag := magnitude(v)
	if mag == 0 {
		return
	}
	for i := range v {
		v[i] /= mag
	}
}

// distance returns the value the index minimizes. Cosine vectors are
// stored normalized, so 1-dot is the cosine distance.
func (m Metric) distance(a, b []float32) float32 {
	switch m {
	case Cosine:
		return 1 - dot(a, b)
	case L2:
		return squaredL2(a, b)
	default: // Dot: larger inner product = closer
		return -dot(a, b)
	}
}

// score converts a distance back to the user-facing similarity score,
// where larger is more similar.
func (m Metric) score(dist float32) float32 {
	switch m {
	case Cosine:
		return 1 - dist
	case L2:
		return -dist
	default:
		return -dist
	}
}

// normalizeOnInsert reports whether stored vectors must be unit length.
func (m Metric) normalizeOnInsert() bool { return m == Cosine }
