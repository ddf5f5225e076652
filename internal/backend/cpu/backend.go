// Package cpu implements reference (non-accelerated) float32 operations on
// dense tensors: direct convolution and pooling with their backward passes,
// and the small amount of matrix math the recurrent cells need. The
// accelerated primitive pipeline is verified against this package.
package cpu

import (
	"fmt"
	"math"

	"github.com/fathom-ml/fathom/internal/tensor"
)

// Backend is the reference compute backend.
type Backend struct{}

// New creates a reference backend.
func New() *Backend {
	return &Backend{}
}

// Name returns the backend name.
func (b *Backend) Name() string {
	return "cpu-reference"
}

// MatMul performs C = A @ B for 2D float32 tensors.
func (b *Backend) MatMul(a, x *tensor.Dense) *tensor.Dense {
	as, xs := a.Shape(), x.Shape()
	if len(as) != 2 || len(xs) != 2 || as[1] != xs[0] {
		panic(fmt.Sprintf("matmul: incompatible shapes %v @ %v", as, xs))
	}
	m, k, n := as[0], as[1], xs[1]
	out := tensor.Zeros(tensor.Shape{m, n}, tensor.Float32)

	ad, xd, od := a.AsFloat32(), x.AsFloat32(), out.AsFloat32()
	for i := 0; i < m; i++ {
		for p := 0; p < k; p++ {
			av := ad[i*k+p]
			if av == 0 {
				continue
			}
			row := xd[p*n : (p+1)*n]
			outRow := od[i*n : (i+1)*n]
			for j := 0; j < n; j++ {
				outRow[j] += av * row[j]
			}
		}
	}
	return out
}

// MatMulTransB performs C = A @ B^T for 2D float32 tensors.
func (b *Backend) MatMulTransB(a, x *tensor.Dense) *tensor.Dense {
	as, xs := a.Shape(), x.Shape()
	if len(as) != 2 || len(xs) != 2 || as[1] != xs[1] {
		panic(fmt.Sprintf("matmul^T: incompatible shapes %v @ %v^T", as, xs))
	}
	m, k, n := as[0], as[1], xs[0]
	out := tensor.Zeros(tensor.Shape{m, n}, tensor.Float32)

	ad, xd, od := a.AsFloat32(), x.AsFloat32(), out.AsFloat32()
	for i := 0; i < m; i++ {
		aRow := ad[i*k : (i+1)*k]
		for j := 0; j < n; j++ {
			xRow := xd[j*k : (j+1)*k]
			var acc float32
			for p := 0; p < k; p++ {
				acc += aRow[p] * xRow[p]
			}
			od[i*n+j] = acc
		}
	}
	return out
}

// MatMulTransA performs C = A^T @ B for 2D float32 tensors.
func (b *Backend) MatMulTransA(a, x *tensor.Dense) *tensor.Dense {
	as, xs := a.Shape(), x.Shape()
	if len(as) != 2 || len(xs) != 2 || as[0] != xs[0] {
		panic(fmt.Sprintf("matmul A^T: incompatible shapes %v^T @ %v", as, xs))
	}
	m, k, n := as[1], as[0], xs[1]
	out := tensor.Zeros(tensor.Shape{m, n}, tensor.Float32)

	ad, xd, od := a.AsFloat32(), x.AsFloat32(), out.AsFloat32()
	for p := 0; p < k; p++ {
		aRow := ad[p*m : (p+1)*m]
		xRow := xd[p*n : (p+1)*n]
		for i := 0; i < m; i++ {
			av := aRow[i]
			if av == 0 {
				continue
			}
			outRow := od[i*n : (i+1)*n]
			for j := 0; j < n; j++ {
				outRow[j] += av * xRow[j]
			}
		}
	}
	return out
}

// AddInPlace adds src into dst element-wise. Shapes must match.
func (b *Backend) AddInPlace(dst, src *tensor.Dense) {
	if !dst.Shape().Equal(src.Shape()) {
		panic(fmt.Sprintf("add: shape mismatch %v vs %v", dst.Shape(), src.Shape()))
	}
	dd, sd := dst.AsFloat32(), src.AsFloat32()
	for i := range dd[:dst.NumElements()] {
		dd[i] += sd[i]
	}
}

// AddScaledInPlace adds alpha*src into dst element-wise.
func (b *Backend) AddScaledInPlace(dst *tensor.Dense, alpha float32, src *tensor.Dense) {
	if !dst.Shape().Equal(src.Shape()) {
		panic(fmt.Sprintf("add scaled: shape mismatch %v vs %v", dst.Shape(), src.Shape()))
	}
	dd, sd := dst.AsFloat32(), src.AsFloat32()
	for i := range dd[:dst.NumElements()] {
		dd[i] += alpha * sd[i]
	}
}

// AddRowInPlace adds a [n]-shaped row vector to every row of a [m,n] tensor.
func (b *Backend) AddRowInPlace(dst, row *tensor.Dense) {
	ds := dst.Shape()
	if len(ds) != 2 || row.NumElements() != ds[1] {
		panic(fmt.Sprintf("add row: incompatible shapes %v + %v", ds, row.Shape()))
	}
	dd, rd := dst.AsFloat32(), row.AsFloat32()
	for i := 0; i < ds[0]; i++ {
		outRow := dd[i*ds[1] : (i+1)*ds[1]]
		for j := range outRow {
			outRow[j] += rd[j]
		}
	}
}

// Tanh applies tanh element-wise, returning a new tensor.
func (b *Backend) Tanh(x *tensor.Dense) *tensor.Dense {
	out := tensor.Zeros(x.Shape(), tensor.Float32)
	xd, od := x.AsFloat32(), out.AsFloat32()
	for i := range od {
		od[i] = float32(math.Tanh(float64(xd[i])))
	}
	return out
}
