package nn

import (
	"fmt"

	"github.com/fathom-ml/fathom/internal/tensor"
)

// Time-slice copy helpers for batch-major, time-second tensors
// [batch, time, features...]. When both tensors are contiguous a slice moves
// with one block copy per batch element; otherwise the copy falls back to
// select-then-copy along strides.

// selectCopy copies time step t of src [batch, time, ...] into dst [batch, ...].
func selectCopy(src *tensor.Dense, t int, dst *tensor.Dense) {
	batch, times := timeDims(src)
	stepSize := src.NumElements() / (batch * times)
	if dst.NumElements() != batch*stepSize {
		panic(fmt.Sprintf("selectCopy: destination holds %d elements, want %d", dst.NumElements(), batch*stepSize))
	}

	if src.IsContiguous() && dst.IsContiguous() {
		sd, dd := src.AsFloat32(), dst.AsFloat32()
		for b := 0; b < batch; b++ {
			copy(dd[b*stepSize:(b+1)*stepSize], sd[(b*times+t)*stepSize:(b*times+t+1)*stepSize])
		}
		return
	}
	for b := 0; b < batch; b++ {
		sb := src.Select(0, b)
		sv := sb.Select(0, t)
		dv := dst.Select(0, b)
		dv.Copy(sv)
		releaseViews(sv, sb, dv)
	}
}

// copyToIndex copies src [batch, ...] into time step t of dst [batch, time, ...].
func copyToIndex(src *tensor.Dense, dst *tensor.Dense, t int) {
	batch, times := timeDims(dst)
	stepSize := dst.NumElements() / (batch * times)
	if src.NumElements() != batch*stepSize {
		panic(fmt.Sprintf("copyToIndex: source holds %d elements, want %d", src.NumElements(), batch*stepSize))
	}

	if src.IsContiguous() && dst.IsContiguous() {
		sd, dd := src.AsFloat32(), dst.AsFloat32()
		for b := 0; b < batch; b++ {
			copy(dd[(b*times+t)*stepSize:(b*times+t+1)*stepSize], sd[b*stepSize:(b+1)*stepSize])
		}
		return
	}
	for b := 0; b < batch; b++ {
		db := dst.Select(0, b)
		dv := db.Select(0, t)
		sv := src.Select(0, b)
		dv.Copy(sv)
		releaseViews(sv, dv, db)
	}
}

func timeDims(t *tensor.Dense) (batch, times int) {
	s := t.Shape()
	if len(s) < 2 {
		panic(fmt.Sprintf("time slice: tensor rank %d has no time dimension", len(s)))
	}
	return s[0], s[1]
}
