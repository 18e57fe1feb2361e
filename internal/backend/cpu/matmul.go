package cpu

import (
	"fmt"

	"github.com/born-ml/mnistjob/internal/parallel"
	"github.com/born-ml/mnistjob/internal/tensor"
)

// MatMul computes a @ b for 2-D tensors [M,K] × [K,N] → [M,N].
func (cpu *CPUBackend) MatMul(a, b *tensor.RawTensor) *tensor.RawTensor {
	requireFloat32("matmul", a, b)

	as, bs := a.Shape(), b.Shape()
	if len(as) != 2 || len(bs) != 2 {
		panic(fmt.Sprintf("matmul: expected 2D tensors, got %v and %v", as, bs))
	}
	if as[1] != bs[0] {
		panic(fmt.Sprintf("matmul: inner dimensions differ: %v @ %v", as, bs))
	}

	m, k, n := as[0], as[1], bs[1]
	out := cpu.alloc("matmul", tensor.Shape{m, n})
	ad, bd, od := a.AsFloat32(), b.AsFloat32(), out.AsFloat32()

	// i-k-j order streams rows of b and keeps the output row hot.
	parallel.For(m, func(i int) {
		row := od[i*n : (i+1)*n]
		for p := 0; p < k; p++ {
			av := ad[i*k+p]
			if av == 0 {
				continue
			}
			brow := bd[p*n : (p+1)*n]
			for j, bv := range brow {
				row[j] += av * bv
			}
		}
	}, cpu.kernels)

	return out
}
