package nn

import (
	"math"
	"math/rand"

	"github.com/fathom-ml/fathom/internal/tensor"
)

// xavier fills a fresh tensor with values uniform in [-limit, limit] where
// limit = sqrt(6/(fanIn+fanOut)).
func xavier(shape tensor.Shape, fanIn, fanOut int) *tensor.Dense {
	t := tensor.Zeros(shape, tensor.Float32)
	limit := math.Sqrt(6.0 / float64(fanIn+fanOut))
	data := t.AsFloat32()
	for i := range data {
		data[i] = float32((rand.Float64()*2.0 - 1.0) * limit) //nolint:gosec // weight init
	}
	return t
}
